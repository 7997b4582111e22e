package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// minibert is a command-line tour of a BERT-style encoder and its vision
// sibling. Every subcommand builds the models from configuration, runs the
// same two dummy inputs, and shows one aspect of what happened:
//
//   run         shapes and pooled outputs of both models
//   inspect     per-parameter table, optional float16 round-trip error
//   visualize   attention heatmaps (ASCII or HTML)
//   embeddings  final hidden states projected to 2-D with PCA
//   benchmark   forward-pass timing across backends and kernels
//
// Configuration comes from defaults, an optional minibert.yaml, MINIBERT_*
// environment variables, and finally the persistent flags below.
//
// USAGE:
//   go run . run
//   go run . inspect --model vit --half
//   go run . visualize --layer 1 --output attention.html
//   go run . benchmark --iterations 20 --json bench.json
//
// ===========================================================================

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cobra.CheckErr(newRootCmd().ExecuteContext(ctx))
}

// cliState is filled in by the root command before any subcommand runs.
type cliState struct {
	cfg    *AppConfig
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	state := &cliState{}

	rootCmd := &cobra.Command{
		Use:   "minibert",
		Short: "A compact BERT-style encoder and patch-embedding variant",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Don't print the usage message when a command fails at runtime.
			cmd.SilenceUsage = true
			return state.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if state.logger != nil {
				_ = state.logger.Sync()
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default searches ./minibert.yaml and $HOME/.minibert/)")
	flags.String("log-level", "", "Log level: debug, info, warn, or error")
	flags.String("log-format", "", "Log format: console or json")
	flags.Int64("seed", 0, "Seed for weights, images and dropout")
	flags.String("backend", "", fmt.Sprintf("Matmul backend: one of %v", BackendNames()))

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		newRunCmd(state),
		newInspectCmd(state),
		newVisualizeCmd(state),
		newEmbeddingsCmd(state),
		newBenchmarkCmd(state),
	)

	return rootCmd
}

// setup loads configuration, applies flag overrides and the compute
// settings, and builds the logger.
func (s *cliState) setup(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := LoadConfig(path)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Log.Format, _ = flags.GetString("log-format")
	}
	if flags.Changed("seed") {
		cfg.Seed, _ = flags.GetInt64("seed")
	}
	if flags.Changed("backend") {
		cfg.Compute.Backend, _ = flags.GetString("backend")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := NewLogger(cfg.Log)
	if err != nil {
		return err
	}

	compute := cfg.Compute.ComputeConfig()
	backend, err := NewBackend(cfg.Compute.Backend, compute)
	if err != nil {
		return err
	}
	SetGlobalComputeConfig(compute)
	SetBackend(backend)

	s.cfg = cfg
	s.logger = logger
	logger.Debug("configuration loaded",
		zap.String("config", path),
		zap.String("backend", backend.Name()),
		zap.String("kernel", cfg.Compute.Kernel),
		zap.String("precision", cfg.Compute.Precision),
		zap.Int64("seed", cfg.Seed))
	return nil
}

// rng returns a fresh generator for the configured seed. Each call starts
// the same sequence, so models built by different commands match.
func (s *cliState) rng() *rand.Rand {
	return rand.New(rand.NewSource(s.cfg.Seed))
}

// buildBert creates the text model, rounding its weights through float16
// when the configured precision is half.
func (s *cliState) buildBert(logger *zap.Logger) (*BertModel, error) {
	model, err := NewBertModel(s.cfg.BERT, s.rng())
	if err != nil {
		return nil, fmt.Errorf("build bert: %w", err)
	}
	s.applyPrecision(logger, "bert", model.Parameters())
	return model, nil
}

// buildViT creates the image model the same way as buildBert.
func (s *cliState) buildViT(logger *zap.Logger) (*ViTModel, error) {
	model, err := NewViTModel(s.cfg.ViT, s.rng())
	if err != nil {
		return nil, fmt.Errorf("build vit: %w", err)
	}
	s.applyPrecision(logger, "vit", model.Parameters())
	return model, nil
}

func (s *cliState) applyPrecision(logger *zap.Logger, model string, params []Parameter) {
	if s.cfg.Compute.Precision != PrecisionHalf {
		return
	}
	worst := QuantizeParametersHalf(params)
	logger.Info("weights rounded to float16",
		zap.String("model", model),
		zap.Float64("max_abs_error", worst))
}

// forwardOptions returns inference options with the configured kernel.
func (s *cliState) forwardOptions() ForwardOptions {
	return ForwardOptions{Kernel: s.cfg.Compute.Kernel}
}
