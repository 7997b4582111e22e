package main

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ===========================================================================
// EMBEDDINGS CLI - Contextual Token Vectors in 2D
// ===========================================================================
//
// Runs the text dummy batch, collects the final hidden state of every real
// (non-padding) token across both sequences, and projects them with PCA.
//
// Unlike a static embedding table, these vectors are contextual: "the"
// appears twice in the first sequence and gets two different vectors,
// because each occurrence attends to a different neighborhood.
//
// USAGE:
//   go run . embeddings
//   go run . embeddings --components 3
//
// ===========================================================================

func newEmbeddingsCmd(state *cliState) *cobra.Command {
	var components int

	cmd := &cobra.Command{
		Use:   "embeddings",
		Short: "Project final hidden states of the text dummy input with PCA",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := commandLogger(state.logger, "embeddings")

			bert, err := state.buildBert(logger)
			if err != nil {
				return err
			}
			batch := DummyTextBatch(state.cfg.BERT)
			res, err := bert.Forward(cmd.Context(), batch, state.forwardOptions())
			if err != nil {
				return fmt.Errorf("bert forward: %w", err)
			}

			points, tokens := collectRealTokens(state.cfg.BERT, batch, res.LastHiddenState)
			logger.Debug("collected hidden states",
				zap.Int("points", len(tokens)),
				zap.Int("dims", state.cfg.BERT.HiddenSize))

			coords, explained, err := ReducePCAWithVariance(points, components)
			if err != nil {
				return fmt.Errorf("pca: %w", err)
			}

			printProjection(cmd.OutOrStdout(), tokens, coords, explained)
			return nil
		},
	}

	cmd.Flags().IntVar(&components, "components", 2, "Number of principal components to keep")
	return cmd
}

// tokenRef identifies one row of the PCA input.
type tokenRef struct {
	Sequence int
	Position int
	Label    string
}

// collectRealTokens stacks the hidden rows whose attention mask is 1.
func collectRealTokens(cfg BERTConfig, batch TextBatch, hidden []*Tensor) (*Tensor, []tokenRef) {
	var (
		rows   []*Tensor
		tokens []tokenRef
	)
	for s, ids := range batch.InputIDs {
		mask := MaskFromPadding(ids, cfg.PadTokenID)
		if batch.AttentionMask != nil {
			mask = batch.AttentionMask[s]
		}
		labels := DemoTokenLabels(cfg, ids)
		for p, m := range mask {
			if m == 0 {
				continue
			}
			rows = append(rows, hidden[s].Row(p))
			tokens = append(tokens, tokenRef{Sequence: s, Position: p, Label: labels[p]})
		}
	}
	return ConcatRows(rows...), tokens
}

func printProjection(w io.Writer, tokens []tokenRef, coords *Tensor, explained []float64) {
	k := coords.Shape()[1]

	header := []string{"SEQ", "POS", "TOKEN"}
	for c := 0; c < k; c++ {
		header = append(header, fmt.Sprintf("PC%d", c+1))
	}

	var data [][]string
	for i, tok := range tokens {
		row := []string{fmt.Sprintf("%d", tok.Sequence), fmt.Sprintf("%d", tok.Position), tok.Label}
		for c := 0; c < k; c++ {
			row = append(row, fmt.Sprintf("%+.4f", coords.At(i, c)))
		}
		data = append(data, row)
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintln(w)
	var total float64
	for c, v := range explained {
		total += v
		fmt.Fprintf(w, "PC%d explains %.1f%% of the variance\n", c+1, 100*v)
	}
	fmt.Fprintf(w, "Total: %.1f%%\n", 100*total)
}
