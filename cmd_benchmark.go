package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ===========================================================================
// BENCHMARK CLI - Forward Pass Timing
// ===========================================================================
//
// Times the text forward pass on the dummy batch for every matmul backend
// and attention kernel, then prints a table (and optionally writes JSON so
// runs on different machines can be compared).
//
// USAGE:
//   go run . benchmark
//   go run . benchmark --iterations 50 --warmup 5 --json results.json
//   go run . benchmark --backends gonum,parallel --kernels tiled
//
// ===========================================================================

func newBenchmarkCmd(state *cliState) *cobra.Command {
	var (
		iterations int
		warmup     int
		backends   []string
		kernels    []string
		jsonPath   string
	)

	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Time the text forward pass across backends and attention kernels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := commandLogger(state.logger, "benchmark")
			out := cmd.OutOrStdout()

			bert, err := state.buildBert(logger)
			if err != nil {
				return err
			}
			batch := DummyTextBatch(state.cfg.BERT)

			logger.Info("starting benchmark",
				zap.Strings("backends", backends),
				zap.Strings("kernels", kernels),
				zap.Int("iterations", iterations),
				zap.Int("warmup", warmup))

			suite, err := RunForwardBenchmark(cmd.Context(), bert, batch, BenchmarkOptions{
				Backends:   backends,
				Kernels:    kernels,
				Iterations: iterations,
				Warmup:     warmup,
				Compute:    state.cfg.Compute.ComputeConfig(),
			})
			if err != nil {
				return err
			}
			suite.PrintSummary(out)

			if jsonPath != "" {
				if err := suite.SaveJSON(jsonPath); err != nil {
					return err
				}
				logger.Info("results saved", zap.String("path", jsonPath), zap.String("run_id", suite.RunID))
				fmt.Fprintf(out, "\nResults saved to %s\n", jsonPath)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&iterations, "iterations", 10, "Timed forward passes per combination")
	flags.IntVar(&warmup, "warmup", 2, "Untimed forward passes per combination")
	flags.StringSliceVar(&backends, "backends", BackendNames(), "Matmul backends to compare")
	flags.StringSliceVar(&kernels, "kernels", []string{KernelStandard, KernelTiled}, "Attention kernels to compare")
	flags.StringVar(&jsonPath, "json", "", "Also write results to this JSON file")
	return cmd
}
