package main

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file defines the matmul backends every layer goes through.
//
// INTENTION:
// Keep the model code ignorant of how matrices are multiplied. Attention,
// feed-forward, pooler, classifier and the im2col convolution all call
// MatMul, which asks the active backend. Switching backends changes speed,
// never results (beyond float rounding).
//
// BACKENDS:
//   - naive:    single-threaded reference loop (deterministic, debuggable)
//   - parallel: rows split across goroutines (compute.go)
//   - blocked:  cache-sized tiles, row blocks across goroutines
//   - gonum:    gonum/mat Dense multiply, a cache-blocked BLAS kernel
//
// ===========================================================================

// Backend multiplies 2D tensors.
type Backend interface {
	Name() string
	MatMul(a, b *Tensor) (*Tensor, error)
}

// Backend names accepted by NewBackend and the compute.backend setting.
const (
	BackendNaive    = "naive"
	BackendParallel = "parallel"
	BackendGonum    = "gonum"
	BackendBlocked  = "blocked"
)

// ErrUnknownBackend is returned by NewBackend for unrecognized names.
var ErrUnknownBackend = errors.New("unknown backend")

// BackendNames lists the available backends in benchmark order.
func BackendNames() []string {
	return []string{BackendNaive, BackendParallel, BackendBlocked, BackendGonum}
}

// NewBackend constructs a backend by name.
func NewBackend(name string, cfg ComputeConfig) (Backend, error) {
	switch name {
	case BackendNaive:
		return NaiveBackend{}, nil
	case BackendParallel:
		return ParallelBackend{Config: cfg}, nil
	case BackendBlocked:
		return BlockedBackend{Config: cfg}, nil
	case BackendGonum:
		return GonumBackend{}, nil
	default:
		return nil, fmt.Errorf("%w: %q (want one of %v)", ErrUnknownBackend, name, BackendNames())
	}
}

// NaiveBackend runs the single-threaded reference kernel.
type NaiveBackend struct{}

func (NaiveBackend) Name() string { return BackendNaive }

func (NaiveBackend) MatMul(a, b *Tensor) (*Tensor, error) {
	if err := matmulShapeErr(a, b); err != nil {
		return nil, err
	}
	start := time.Now()
	out := matmulNaive(a, b)
	globalStats.RecordOp(false, time.Since(start).Nanoseconds())
	return out, nil
}

// ParallelBackend splits output rows across goroutines.
type ParallelBackend struct {
	Config ComputeConfig
}

func (ParallelBackend) Name() string { return BackendParallel }

func (p ParallelBackend) MatMul(a, b *Tensor) (*Tensor, error) {
	if err := matmulShapeErr(a, b); err != nil {
		return nil, err
	}
	return ParallelMatMul(a, b, p.Config), nil
}

func matmulShapeErr(a, b *Tensor) error {
	if a.Dims() != 2 || b.Dims() != 2 || a.shape[1] != b.shape[0] {
		return fmt.Errorf("%w: %v @ %v", ErrShapeMismatch, a.shape, b.shape)
	}
	return nil
}

var (
	backendMu     sync.RWMutex
	activeBackend Backend = ParallelBackend{Config: DefaultComputeConfig()}
)

// SetBackend makes b the backend used by MatMul.
func SetBackend(b Backend) {
	backendMu.Lock()
	defer backendMu.Unlock()
	activeBackend = b
}

// ActiveBackend returns the backend used by MatMul.
func ActiveBackend() Backend {
	backendMu.RLock()
	defer backendMu.RUnlock()
	return activeBackend
}

// UseBackend swaps in b and returns a function restoring the previous one.
// Tests and the benchmark command use it to compare backends.
func UseBackend(b Backend) (restore func()) {
	prev := ActiveBackend()
	SetBackend(b)
	return func() { SetBackend(prev) }
}
