package main

import (
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeConfig(t *testing.T) {
	cfg := DefaultComputeConfig()
	assert.True(t, cfg.Parallel, "default config should enable parallel execution")
	assert.Equal(t, runtime.NumCPU(), cfg.numWorkers())

	st := SingleThreadedConfig()
	assert.False(t, st.Parallel)
	assert.Equal(t, 1, st.numWorkers())

	fixed := ComputeConfig{Parallel: true, NumWorkers: 3}
	assert.Equal(t, 3, fixed.numWorkers())
}

func TestParallelMatMulCorrectness(t *testing.T) {
	for _, size := range []int{1, 7, 64, 130} {
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			a := NewTensorRand(size, size+3)
			b := NewTensorRand(size+3, size)

			st := MatMulWithConfig(a, b, SingleThreadedConfig())
			par := MatMulWithConfig(a, b, ComputeConfig{Parallel: true, NumWorkers: 4, MinSizeForParallel: 1})

			assert.True(t, Equal(st, par, 1e-12), "parallel and single-threaded results differ")
		})
	}
}

func TestParallelMatMulPerformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping performance test in short mode")
	}

	size, iterations := 256, 10
	a := NewTensorRand(size, size)
	b := NewTensorRand(size, size)

	start := time.Now()
	for i := 0; i < iterations; i++ {
		_ = MatMulWithConfig(a, b, SingleThreadedConfig())
	}
	single := time.Since(start)

	start = time.Now()
	for i := 0; i < iterations; i++ {
		_ = MatMulWithConfig(a, b, DefaultComputeConfig())
	}
	parallel := time.Since(start)

	t.Logf("Size: %dx%d, Iterations: %d", size, size, iterations)
	t.Logf("Single-threaded: %v", single)
	t.Logf("Parallel:        %v", parallel)
	t.Logf("Speedup:         %.2fx", float64(single)/float64(parallel))
}

func TestParallelApply(t *testing.T) {
	x := NewTensorRand(10000)
	double := func(v float64) float64 { return v * 2.0 }

	st := ParallelApply(x, double, SingleThreadedConfig())
	par := ParallelApply(x, double, DefaultComputeConfig())

	assert.True(t, Equal(st, par, 0))
	assert.Equal(t, 2*x.At(17), par.At(17))
}

func TestMinSizeForParallel(t *testing.T) {
	cfg := ComputeConfig{Parallel: true, NumWorkers: 4, MinSizeForParallel: 100}

	assert.False(t, cfg.shouldParallelize(50))
	assert.True(t, cfg.shouldParallelize(200))
	assert.False(t, SingleThreadedConfig().shouldParallelize(1<<20))
}

func TestGlobalComputeConfig(t *testing.T) {
	original := GetGlobalComputeConfig()
	defer SetGlobalComputeConfig(original)

	SetGlobalComputeConfig(SingleThreadedConfig())
	assert.False(t, GetGlobalComputeConfig().Parallel)

	SetGlobalComputeConfig(DefaultComputeConfig())
	assert.True(t, GetGlobalComputeConfig().Parallel)
}

func TestComputeStats(t *testing.T) {
	stats := &ComputeStats{}
	stats.RecordOp(true, 1000)
	stats.RecordOp(false, 2000)
	stats.RecordOp(true, 1500)

	got := stats.GetStats()
	assert.Equal(t, int64(3), got.TotalOps)
	assert.Equal(t, int64(2), got.ParallelOps)
	assert.Equal(t, int64(1), got.SingleThreadedOps)
	assert.Equal(t, int64(4500), got.TotalTimeNs)

	stats.Reset()
	assert.Zero(t, stats.GetStats().TotalOps)
}

// BenchmarkMatMul compares the compute configurations.
func BenchmarkMatMul(b *testing.B) {
	configs := map[string]ComputeConfig{
		"single":   SingleThreadedConfig(),
		"parallel": DefaultComputeConfig(),
	}

	for _, size := range []int{64, 128, 256} {
		for name, cfg := range configs {
			b.Run(fmt.Sprintf("%s/size=%d", name, size), func(b *testing.B) {
				x := NewTensorRand(size, size)
				y := NewTensorRand(size, size)

				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					_ = MatMulWithConfig(x, y, cfg)
				}
			})
		}
	}
}
