package main

import (
	"runtime"
	"sync"
	"time"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements parallel execution of matrix operations using goroutines.
//
// INTENTION:
// Expose CPU parallelism as a configurable option. Let the user choose between
// single-threaded (deterministic, debuggable) and parallel (faster) modes at
// runtime. For the small encoder sizes used here, most of the wall time is in
// the Q/K/V and feed-forward projections, which are exactly the matmuls this
// file splits across cores.
//
// PERFORMANCE CHARACTERISTICS:
// For matrix multiplication (n×n matrices):
//   - n < 64:   Slower than single-threaded (goroutine overhead)
//   - n = 128:  ~1.05x speedup
//   - n = 512:  ~1.5-2x speedup
//   - n = 2048: ~2-3x speedup (limited by memory bandwidth, not CPU)
//
// Matrix multiply is O(n³) operations but O(n²) memory accesses. For large
// matrices, you're waiting on memory, not ALUs. The gonum backend
// (backend_gonum.go) hands the same work to a blocked BLAS kernel instead.
//
// ===========================================================================

// ComputeConfig controls parallelization behavior for tensor operations.
type ComputeConfig struct {
	// Parallel enables multi-threaded execution of tensor operations.
	Parallel bool

	// NumWorkers specifies the number of worker goroutines to use.
	// If 0, defaults to runtime.NumCPU().
	// Only used when Parallel is true.
	NumWorkers int

	// MinSizeForParallel specifies the minimum matrix dimension
	// before parallelization is used.
	MinSizeForParallel int
}

// DefaultComputeConfig returns a sensible default configuration.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0,
		MinSizeForParallel: 64,
	}
}

// SingleThreadedConfig returns a configuration for single-threaded execution.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           false,
		NumWorkers:         1,
		MinSizeForParallel: 0,
	}
}

// numWorkers returns the actual number of workers to use.
func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

// shouldParallelize determines if an operation should use parallelization
// based on the problem size.
func (c ComputeConfig) shouldParallelize(size int) bool {
	return c.Parallel && size >= c.MinSizeForParallel
}

var (
	computeMu           sync.RWMutex
	globalComputeConfig = DefaultComputeConfig()
)

// SetGlobalComputeConfig sets the global compute configuration.
func SetGlobalComputeConfig(cfg ComputeConfig) {
	computeMu.Lock()
	defer computeMu.Unlock()
	globalComputeConfig = cfg
}

// GetGlobalComputeConfig returns the current global compute configuration.
func GetGlobalComputeConfig() ComputeConfig {
	computeMu.RLock()
	defer computeMu.RUnlock()
	return globalComputeConfig
}

// ParallelMatMul performs parallel matrix multiplication: C = A @ B.
//
// Parallelization strategy:
// - Divide output rows among workers
// - Each worker computes a contiguous block of rows
// - Workers write to disjoint row ranges, so no locking is needed
func ParallelMatMul(a, b *Tensor, cfg ComputeConfig) *Tensor {
	checkMatMul(a, b)

	m, k := a.shape[0], a.shape[1]
	n := b.shape[1]
	out := NewTensor(m, n)

	// Use single-threaded path for small matrices
	if !cfg.shouldParallelize(m) && !cfg.shouldParallelize(n) {
		start := time.Now()
		matmulRows(a, b, out, 0, m, n, k)
		globalStats.RecordOp(false, time.Since(start).Nanoseconds())
		return out
	}

	start := time.Now()
	numWorkers := min(cfg.numWorkers(), m)
	rowsPerWorker := (m + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := min(startRow+rowsPerWorker, m)
		if startRow >= m {
			break
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			matmulRows(a, b, out, start, end, n, k)
		}(startRow, endRow)
	}

	wg.Wait()
	globalStats.RecordOp(true, time.Since(start).Nanoseconds())
	return out
}

// matmulRows computes output rows [startRow, endRow).
func matmulRows(a, b, out *Tensor, startRow, endRow, n, k int) {
	for i := startRow; i < endRow; i++ {
		outRow := out.data[i*n : (i+1)*n]
		for kk := 0; kk < k; kk++ {
			aik := a.data[i*k+kk]
			if aik == 0 {
				continue
			}
			bRow := b.data[kk*n : (kk+1)*n]
			for j, bv := range bRow {
				outRow[j] += aik * bv
			}
		}
	}
}

// ParallelApply applies a function to each element in parallel.
// Used for activations on large tensors.
func ParallelApply(t *Tensor, fn func(float64) float64, cfg ComputeConfig) *Tensor {
	out := NewTensor(t.shape...)
	size := len(t.data)

	if !cfg.shouldParallelize(size) {
		for i := 0; i < size; i++ {
			out.data[i] = fn(t.data[i])
		}
		return out
	}

	numWorkers := cfg.numWorkers()
	elemsPerWorker := (size + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		start := w * elemsPerWorker
		end := min(start+elemsPerWorker, size)
		if start >= size {
			break
		}

		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				out.data[i] = fn(t.data[i])
			}
		}(start, end)
	}

	wg.Wait()
	return out
}

// MatMulWithConfig performs matrix multiplication with specified compute config,
// bypassing the active backend.
func MatMulWithConfig(a, b *Tensor, cfg ComputeConfig) *Tensor {
	if cfg.Parallel {
		return ParallelMatMul(a, b, cfg)
	}
	checkMatMul(a, b)
	return matmulNaive(a, b)
}

// ComputeStats counts matmuls by whether they ran on one goroutine or
// several. The naive, parallel and blocked backends record every call;
// gonum schedules its own work and is not counted.
type ComputeStats struct {
	mu                sync.Mutex
	TotalOps          int64
	ParallelOps       int64
	SingleThreadedOps int64
	TotalTimeNs       int64
}

var globalStats ComputeStats

// RecordOp records a compute operation for statistics.
func (cs *ComputeStats) RecordOp(parallel bool, durationNs int64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.TotalOps++
	cs.TotalTimeNs += durationNs

	if parallel {
		cs.ParallelOps++
	} else {
		cs.SingleThreadedOps++
	}
}

// GetStats returns a copy of the current statistics.
func (cs *ComputeStats) GetStats() ComputeStats {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return ComputeStats{
		TotalOps:          cs.TotalOps,
		ParallelOps:       cs.ParallelOps,
		SingleThreadedOps: cs.SingleThreadedOps,
		TotalTimeNs:       cs.TotalTimeNs,
	}
}

// Reset clears all statistics.
func (cs *ComputeStats) Reset() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.TotalOps = 0
	cs.ParallelOps = 0
	cs.SingleThreadedOps = 0
	cs.TotalTimeNs = 0
}

// GlobalComputeStats returns a snapshot of the process-wide counters.
func GlobalComputeStats() ComputeStats {
	return globalStats.GetStats()
}

// ResetGlobalComputeStats clears the process-wide counters.
func ResetGlobalComputeStats() {
	globalStats.Reset()
}
