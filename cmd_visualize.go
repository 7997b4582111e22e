package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ===========================================================================
// VISUALIZATION CLI - Attention Heatmaps
// ===========================================================================
//
// Runs the text dummy batch with attention capture and draws every head's
// (seq, seq) probability map, either as shaded ASCII on stdout or as an
// HTML page.
//
// WHAT TO LOOK FOR:
// - In the padded sequence, the [PAD] columns stay blank: the mask bias
//   drives their probability to zero for every query.
// - With random weights the maps are close to uniform over the real
//   tokens. Structure (diagonals, [SEP] sinks) only appears after training.
//
// USAGE:
//   go run . visualize --sample 1
//   go run . visualize --layer 0
//   go run . visualize --output attention.html
//
// ===========================================================================

func newVisualizeCmd(state *cliState) *cobra.Command {
	var (
		sample int
		layer  int
		output string
	)

	cmd := &cobra.Command{
		Use:   "visualize",
		Short: "Render attention heatmaps for the text dummy input",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := commandLogger(state.logger, "visualize")
			out := cmd.OutOrStdout()

			bert, err := state.buildBert(logger)
			if err != nil {
				return err
			}
			batch := DummyTextBatch(state.cfg.BERT)
			if sample < 0 || sample >= len(batch.InputIDs) {
				return fmt.Errorf("sample %d out of range [0, %d)", sample, len(batch.InputIDs))
			}
			if layer < -1 || layer >= state.cfg.BERT.NumLayers {
				return fmt.Errorf("layer %d out of range [0, %d)", layer, state.cfg.BERT.NumLayers)
			}

			opts := state.forwardOptions()
			opts.CaptureAttention = true
			res, err := bert.Forward(cmd.Context(), batch, opts)
			if err != nil {
				return fmt.Errorf("bert forward: %w", err)
			}

			attentions := res.Attentions[sample]
			labels := DemoTokenLabels(state.cfg.BERT, batch.InputIDs[sample])

			if output != "" {
				if err := SaveAttentionHTML(output, attentions, labels); err != nil {
					return err
				}
				logger.Info("attention page written",
					zap.String("path", output),
					zap.Int("layers", len(attentions)),
					zap.Int("heads", state.cfg.BERT.NumHeads))
				fmt.Fprintf(out, "Wrote %s\n", output)
				return nil
			}

			if layer >= 0 {
				return RenderLayerAttention(out, layer, attentions[layer], labels)
			}
			return RenderAllAttention(out, attentions, labels)
		},
	}

	cmd.Flags().IntVar(&sample, "sample", 0, "Sequence of the dummy batch to show")
	cmd.Flags().IntVar(&layer, "layer", -1, "Only draw this layer in ASCII mode (-1 for all)")
	cmd.Flags().StringVar(&output, "output", "", "Write an HTML page instead of ASCII")
	return cmd
}
