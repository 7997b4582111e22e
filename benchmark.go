package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file times the text forward pass under every combination of matmul
// backend and attention kernel, and reports the results as a table or JSON.
//
// INTENTION:
// Show where the time of an encoder forward pass goes and how much each
// switch buys. On the tiny demo model the projections dominate, so the
// backend matters more than the kernel; at longer sequences the tiled
// kernel's smaller working set starts to pay off.
//
// WHAT WE'RE MEASURING:
//   - Mean and best wall time per forward pass
//   - Tokens per second (non-padding tokens only)
//   - Speedup relative to the naive backend with the standard kernel
//   - Matmuls per pass that ran parallel vs on one goroutine
//
// ===========================================================================

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
)

// BenchmarkResult represents a single benchmark measurement.
type BenchmarkResult struct {
	Backend      string        `json:"backend"`
	Kernel       string        `json:"kernel"`
	Iterations   int           `json:"iterations"`
	TotalTime    time.Duration `json:"total_time_ns"`
	AvgTime      time.Duration `json:"avg_time_ns"`
	BestTime     time.Duration `json:"best_time_ns"`
	TokensPerSec float64       `json:"tokens_per_sec"`
	Speedup      float64       `json:"speedup_vs_naive"`

	// Matmuls recorded during the timed passes, split by whether the
	// backend ran them on several goroutines. Zero for gonum.
	ParallelOps       int64 `json:"parallel_matmuls"`
	SingleThreadedOps int64 `json:"single_threaded_matmuls"`
}

// BenchmarkSuite represents a collection of benchmarks run on a system.
type BenchmarkSuite struct {
	RunID     string            `json:"run_id"`
	Timestamp time.Time         `json:"timestamp"`
	Hardware  HardwareInfo      `json:"hardware"`
	Model     BERTConfig        `json:"model"`
	Tokens    int               `json:"tokens"`
	Results   []BenchmarkResult `json:"results"`
}

// HardwareInfo describes the system the suite ran on.
type HardwareInfo struct {
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	NumCPU     int    `json:"num_cpu"`
	GoMaxProcs int    `json:"gomaxprocs"`
}

// DetectHardware gathers information about the current system.
func DetectHardware() HardwareInfo {
	return HardwareInfo{
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		NumCPU:     runtime.NumCPU(),
		GoMaxProcs: runtime.GOMAXPROCS(0),
	}
}

// BenchmarkOptions selects what RunForwardBenchmark measures.
type BenchmarkOptions struct {
	Backends   []string
	Kernels    []string
	Iterations int
	Warmup     int
	Compute    ComputeConfig
}

// RunForwardBenchmark times model.Forward on batch for every backend and
// kernel. The active backend is restored before returning.
func RunForwardBenchmark(ctx context.Context, model *BertModel, batch TextBatch, opts BenchmarkOptions) (*BenchmarkSuite, error) {
	if opts.Iterations <= 0 {
		return nil, fmt.Errorf("%w: iterations must be positive, got %d", ErrInvalidConfig, opts.Iterations)
	}

	suite := &BenchmarkSuite{
		RunID:     uuid.NewString(),
		Timestamp: time.Now(),
		Hardware:  DetectHardware(),
		Model:     model.Config,
		Tokens:    countRealTokens(batch, model.Config.PadTokenID),
	}

	restore := UseBackend(ActiveBackend())
	defer restore()

	var baseline time.Duration
	for _, name := range opts.Backends {
		backend, err := NewBackend(name, opts.Compute)
		if err != nil {
			return nil, err
		}
		SetBackend(backend)

		for _, kernel := range opts.Kernels {
			fwd := ForwardOptions{Kernel: kernel}
			if err := fwd.Validate(); err != nil {
				return nil, err
			}

			for i := 0; i < opts.Warmup; i++ {
				if _, err := model.Forward(ctx, batch, fwd); err != nil {
					return nil, err
				}
			}

			result := BenchmarkResult{Backend: name, Kernel: kernel, Iterations: opts.Iterations}
			ResetGlobalComputeStats()
			for i := 0; i < opts.Iterations; i++ {
				start := time.Now()
				if _, err := model.Forward(ctx, batch, fwd); err != nil {
					return nil, fmt.Errorf("%s/%s: %w", name, kernel, err)
				}
				elapsed := time.Since(start)

				result.TotalTime += elapsed
				if result.BestTime == 0 || elapsed < result.BestTime {
					result.BestTime = elapsed
				}
			}
			stats := GlobalComputeStats()
			result.ParallelOps = stats.ParallelOps
			result.SingleThreadedOps = stats.SingleThreadedOps
			result.AvgTime = result.TotalTime / time.Duration(opts.Iterations)
			if secs := result.AvgTime.Seconds(); secs > 0 {
				result.TokensPerSec = float64(suite.Tokens) / secs
			}

			if baseline == 0 && name == BackendNaive && (kernel == KernelStandard || kernel == "") {
				baseline = result.AvgTime
			}
			suite.Results = append(suite.Results, result)
		}
	}

	if baseline == 0 && len(suite.Results) > 0 {
		baseline = suite.Results[0].AvgTime
	}
	for i := range suite.Results {
		if suite.Results[i].AvgTime > 0 {
			suite.Results[i].Speedup = float64(baseline) / float64(suite.Results[i].AvgTime)
		}
	}

	return suite, nil
}

func countRealTokens(batch TextBatch, padTokenID int) int {
	total := 0
	for i, ids := range batch.InputIDs {
		mask := MaskFromPadding(ids, padTokenID)
		if batch.AttentionMask != nil {
			mask = batch.AttentionMask[i]
		}
		for _, m := range mask {
			total += m
		}
	}
	return total
}

// PrintSummary writes the results as a table.
func (suite *BenchmarkSuite) PrintSummary(w io.Writer) {
	fmt.Fprintf(w, "Hardware: %s/%s, %d CPUs (GOMAXPROCS %d)\n",
		suite.Hardware.OS, suite.Hardware.Arch, suite.Hardware.NumCPU, suite.Hardware.GoMaxProcs)
	fmt.Fprintf(w, "Model: %d layers, hidden %d, %d heads; %d tokens per batch\n\n",
		suite.Model.NumLayers, suite.Model.HiddenSize, suite.Model.NumHeads, suite.Tokens)

	var data [][]string
	for _, r := range suite.Results {
		data = append(data, []string{
			r.Backend,
			r.Kernel,
			r.AvgTime.Round(time.Microsecond).String(),
			r.BestTime.Round(time.Microsecond).String(),
			fmt.Sprintf("%.0f", r.TokensPerSec),
			fmt.Sprintf("%.2fx", r.Speedup),
			fmt.Sprintf("%d/%d", r.ParallelOps/int64(r.Iterations), r.SingleThreadedOps/int64(r.Iterations)),
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"BACKEND", "KERNEL", "MEAN", "BEST", "TOKENS/S", "SPEEDUP", "PAR/SEQ MATMULS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

// SaveJSON writes the suite to filename.
func (suite *BenchmarkSuite) SaveJSON(filename string) error {
	data, err := json.MarshalIndent(suite, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filename, err)
	}
	return nil
}
