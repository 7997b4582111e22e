package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ===========================================================================
// RUN CLI - Both Models on the Dummy Inputs
// ===========================================================================
//
// Builds the text and image models from configuration and runs the two
// dummy inputs through them:
//
//   text:  [CLS] the cat sat [SEP] on the mat [SEP]
//          [CLS] hello world [SEP] [PAD] ... [PAD]
//   image: two random (C, H, W) images
//
// and prints the output shapes plus the first few values of each pooled
// vector. With --training, dropout is active and driven by the seed, so two
// runs with the same seed print the same numbers.
//
// USAGE:
//   go run . run
//   go run . run --training --seed 7
//
// ===========================================================================

// previewWidth is how many leading values of a vector run prints.
const previewWidth = 6

func newRunCmd(state *cliState) *cobra.Command {
	var training bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run both models on the dummy inputs and print their outputs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModels(cmd, state, training)
		},
	}
	cmd.Flags().BoolVar(&training, "training", false, "Enable dropout (seeded)")
	return cmd
}

func runModels(cmd *cobra.Command, state *cliState, training bool) error {
	logger := commandLogger(state.logger, "run")
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	opts := state.forwardOptions()
	if training {
		opts.Training = true
		opts.RNG = state.rng()
	}

	fmt.Fprintln(out, "Step 1: Text encoder")
	bert, err := state.buildBert(logger)
	if err != nil {
		return err
	}
	batch := DummyTextBatch(state.cfg.BERT)
	logger.Info("running text batch",
		zap.Int("sequences", len(batch.InputIDs)),
		zap.Int("seq_len", len(batch.InputIDs[0])),
		zap.Bool("training", training))

	textOut, err := bert.Forward(ctx, batch, opts)
	if err != nil {
		return fmt.Errorf("bert forward: %w", err)
	}

	fmt.Fprintf(out, "  parameters:        %s\n", HumanCount(CountParameters(bert.Parameters())))
	for i, hidden := range textOut.LastHiddenState {
		labels := DemoTokenLabels(state.cfg.BERT, batch.InputIDs[i])
		fmt.Fprintf(out, "  sequence %d:        %s\n", i, strings.Join(labels, " "))
		fmt.Fprintf(out, "  last hidden state: %s\n", formatShape(hidden.Shape()))
	}
	fmt.Fprintf(out, "  pooled output:     %s\n", formatShape(textOut.PooledOutput.Shape()))
	printRows(out, textOut.PooledOutput)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Step 2: Image encoder")
	vit, err := state.buildViT(logger)
	if err != nil {
		return err
	}
	images := DummyImageBatch(state.cfg.ViT, state.rng())
	logger.Info("running image batch",
		zap.Int("images", len(images)),
		zap.Int("patches", state.cfg.ViT.NumPatches()))

	imageOut, err := vit.Forward(ctx, images, opts)
	if err != nil {
		return fmt.Errorf("vit forward: %w", err)
	}

	fmt.Fprintf(out, "  parameters:        %s\n", HumanCount(CountParameters(vit.Parameters())))
	fmt.Fprintf(out, "  image:             %s\n", formatShape(images[0].Shape()))
	fmt.Fprintf(out, "  last hidden state: %s\n", formatShape(imageOut.LastHiddenState[0].Shape()))
	fmt.Fprintf(out, "  pooled output:     %s\n", formatShape(imageOut.Pooled.Shape()))
	printRows(out, imageOut.Pooled)
	if imageOut.Logits != nil {
		fmt.Fprintf(out, "  logits:            %s\n", formatShape(imageOut.Logits.Shape()))
		for i := 0; i < imageOut.Logits.Shape()[0]; i++ {
			fmt.Fprintf(out, "    [%d] argmax %d\n", i, argmax(imageOut.Logits.Row(i).Data()))
		}
	}

	logger.Info("run complete")
	return nil
}

// printRows prints the first previewWidth values of every row of t.
func printRows(w io.Writer, t *Tensor) {
	for i := 0; i < t.Shape()[0]; i++ {
		row := t.Row(i).Data()
		n := min(previewWidth, len(row))
		var sb strings.Builder
		for _, v := range row[:n] {
			fmt.Fprintf(&sb, " %+.4f", v)
		}
		if n < len(row) {
			sb.WriteString(" ...")
		}
		fmt.Fprintf(w, "    [%d]%s\n", i, sb.String())
	}
}

func argmax(xs []float64) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}
