package main

import (
	"time"

	"golang.org/x/sync/errgroup"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Cache-Blocked MatMul
// ===========================================================================
//
// The naive kernel walks a whole column of B for every output element, so
// once B no longer fits in cache each multiply-add waits on memory. The
// blocked kernel cuts A, B and C into tiles small enough that the three
// tiles in use stay resident:
//
//   for each row block ii:          (rows split across goroutines)
//     for each k block kk:
//       for each column block jj:
//         C[ii, jj] += A[ii, kk] @ B[kk, jj]
//
// Inside a tile the loop order is i, k, j: A[i,k] is loaded once and the
// innermost loop streams one row of B and one row of C, both contiguous.
//
// BLOCK SIZE:
// Three 64x64 float64 tiles are 96 KB, which sits in L1 on recent cores
// and comfortably in L2 everywhere. The encoder's matrices are small
// (seq x hidden), so for the demo model one tile often covers a whole
// operand and the kernel behaves like a reordered naive loop.
//
// ===========================================================================

// DefaultBlockSize is the tile edge used when BlockedBackend.BlockSize is 0.
const DefaultBlockSize = 64

// BlockedBackend multiplies tile by tile, splitting row blocks across
// goroutines when Config allows it.
type BlockedBackend struct {
	BlockSize int
	Config    ComputeConfig
}

func (BlockedBackend) Name() string { return BackendBlocked }

func (bb BlockedBackend) MatMul(a, b *Tensor) (*Tensor, error) {
	if err := matmulShapeErr(a, b); err != nil {
		return nil, err
	}

	block := bb.BlockSize
	if block <= 0 {
		block = DefaultBlockSize
	}

	m, n := a.shape[0], b.shape[1]
	out := NewTensor(m, n)
	rowBlocks := (m + block - 1) / block
	start := time.Now()

	if !bb.Config.shouldParallelize(m) || rowBlocks < 2 {
		for rb := 0; rb < rowBlocks; rb++ {
			matmulBlockRows(a, b, out, rb*block, min((rb+1)*block, m), block)
		}
		globalStats.RecordOp(false, time.Since(start).Nanoseconds())
		return out, nil
	}

	// Row blocks write disjoint rows of out.
	var g errgroup.Group
	g.SetLimit(bb.Config.numWorkers())
	for rb := 0; rb < rowBlocks; rb++ {
		rb := rb
		g.Go(func() error {
			matmulBlockRows(a, b, out, rb*block, min((rb+1)*block, m), block)
			return nil
		})
	}
	_ = g.Wait()
	globalStats.RecordOp(true, time.Since(start).Nanoseconds())

	return out, nil
}

// matmulBlockRows accumulates rows [i0, i1) of out = a @ b tile by tile.
func matmulBlockRows(a, b, out *Tensor, i0, i1, block int) {
	k, n := a.shape[1], b.shape[1]

	for kk := 0; kk < k; kk += block {
		kEnd := min(kk+block, k)
		for jj := 0; jj < n; jj += block {
			jEnd := min(jj+block, n)

			for i := i0; i < i1; i++ {
				aRow := a.data[i*k : (i+1)*k]
				cRow := out.data[i*n+jj : i*n+jEnd]
				for p := kk; p < kEnd; p++ {
					aik := aRow[p]
					bRow := b.data[p*n+jj : p*n+jEnd]
					for j, bv := range bRow {
						cRow[j] += aik * bv
					}
				}
			}
		}
	}
}
