package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ===========================================================================
// INSPECT CLI - Where the Parameters Live
// ===========================================================================
//
// Prints every weight tensor with its checkpoint-style name, shape and
// element count. In BERT most parameters sit in the word embedding table
// and the feed-forward blocks; in ViT the encoder dominates because there
// is no vocabulary.
//
// --half adds the worst float16 round-trip error per tensor and the size
// of the model stored in half precision.
//
// USAGE:
//   go run . inspect
//   go run . inspect --model vit --half
//
// ===========================================================================

const (
	modelBert = "bert"
	modelViT  = "vit"
	modelAll  = "all"
)

func newInspectCmd(state *cliState) *cobra.Command {
	var (
		model    string
		withHalf bool
	)

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print a per-parameter table for the configured models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := commandLogger(state.logger, "inspect")
			out := cmd.OutOrStdout()

			if model != modelBert && model != modelViT && model != modelAll {
				return fmt.Errorf("unknown model %q (want bert, vit, or all)", model)
			}

			if model == modelBert || model == modelAll {
				bert, err := state.buildBert(logger)
				if err != nil {
					return err
				}
				params := bert.Parameters()
				logger.Debug("inspecting", zap.String("model", modelBert), zap.Int("tensors", len(params)))
				fmt.Fprintf(out, "BERT (%d layers, hidden %d, vocab %d)\n\n",
					state.cfg.BERT.NumLayers, state.cfg.BERT.HiddenSize, state.cfg.BERT.VocabSize)
				ParameterTable(out, params, withHalf)
				fmt.Fprintln(out)
			}

			if model == modelViT || model == modelAll {
				vit, err := state.buildViT(logger)
				if err != nil {
					return err
				}
				params := vit.Parameters()
				logger.Debug("inspecting", zap.String("model", modelViT), zap.Int("tensors", len(params)))
				fmt.Fprintf(out, "ViT (%d layers, hidden %d, %d patches)\n\n",
					state.cfg.ViT.NumLayers, state.cfg.ViT.HiddenSize, state.cfg.ViT.NumPatches())
				ParameterTable(out, params, withHalf)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", modelAll, "Model to inspect: bert, vit, or all")
	cmd.Flags().BoolVar(&withHalf, "half", false, "Report float16 round-trip error per tensor")
	return cmd
}
