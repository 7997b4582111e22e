package main

import (
	"gonum.org/v1/gonum/mat"
)

// GonumBackend multiplies through gonum's Dense type, which dispatches to
// its BLAS implementation (pure Go unless a cgo BLAS is registered).
//
// Tensors are row-major like mat.Dense, so the operands and the result are
// wrapped without copying.
type GonumBackend struct{}

func (GonumBackend) Name() string { return BackendGonum }

func (GonumBackend) MatMul(a, b *Tensor) (*Tensor, error) {
	if err := matmulShapeErr(a, b); err != nil {
		return nil, err
	}

	m, n := a.shape[0], b.shape[1]
	out := NewTensor(m, n)

	da := mat.NewDense(a.shape[0], a.shape[1], a.data)
	db := mat.NewDense(b.shape[0], b.shape[1], b.data)
	dc := mat.NewDense(m, n, out.data)
	dc.Mul(da, db)

	return out, nil
}

// denseOf wraps a 2D tensor as a mat.Dense sharing its storage.
func denseOf(t *Tensor) *mat.Dense {
	if t.Dims() != 2 {
		panic("tensor: denseOf requires 2D tensor")
	}
	return mat.NewDense(t.shape[0], t.shape[1], t.data)
}
