package main

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ===========================================================================
// DIMENSIONALITY REDUCTION - PCA
// ===========================================================================
//
// WHAT'S GOING ON HERE:
// Hidden states live in a high-dimensional space (64D for the tiny model,
// 768D for BERT-Base). PCA projects them onto the few directions along
// which they vary most, so a handful of coordinates can be printed per
// token and compared by eye.
//
// ALGORITHM:
// 1. Center the data (subtract the mean of each dimension)
// 2. Find the principal directions (right singular vectors of the centered
//    data, computed by gonum's stat.PC through an SVD)
// 3. Project the centered data onto the top k directions
//
// The variance captured by each direction is reported alongside, which
// shows how faithful the k-dimensional picture is.
//
// ===========================================================================

// ErrTooFewPoints is returned when PCA has fewer than two points.
var ErrTooFewPoints = errors.New("PCA requires at least 2 points")

// ReducePCA projects the rows of x (n, d) onto its top k principal
// components, returning (n, k).
func ReducePCA(x *Tensor, k int) (*Tensor, error) {
	coords, _, err := ReducePCAWithVariance(x, k)
	return coords, err
}

// ReducePCAWithVariance is ReducePCA that also returns the fraction of the
// total variance explained by each of the k components.
func ReducePCAWithVariance(x *Tensor, k int) (*Tensor, []float64, error) {
	if x.Dims() != 2 {
		return nil, nil, fmt.Errorf("%w: PCA expects 2D tensor, got shape %v", ErrShapeMismatch, x.shape)
	}

	n, d := x.shape[0], x.shape[1]
	if n < 2 {
		return nil, nil, fmt.Errorf("%w: got %d", ErrTooFewPoints, n)
	}
	if k < 1 || k > min(n, d) {
		return nil, nil, fmt.Errorf("%w: cannot keep %d components of %dx%d data", ErrInvalidShape, k, n, d)
	}

	data := denseOf(x)

	var pc stat.PC
	if ok := pc.PrincipalComponents(data, nil); !ok {
		return nil, nil, errors.New("PCA: singular value decomposition failed")
	}

	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	vars := pc.VarsTo(nil)

	centered := mat.DenseCopyOf(data)
	col := make([]float64, n)
	for j := 0; j < d; j++ {
		mat.Col(col, j, centered)
		mean := stat.Mean(col, nil)
		for i := range col {
			col[i] -= mean
		}
		centered.SetCol(j, col)
	}

	out := NewTensor(n, k)
	proj := mat.NewDense(n, k, out.data)
	proj.Mul(centered, vecs.Slice(0, d, 0, k))

	var total float64
	for _, v := range vars {
		total += v
	}
	explained := make([]float64, k)
	if total > 0 {
		for i := range explained {
			explained[i] = vars[i] / total
		}
	}

	return out, explained, nil
}
