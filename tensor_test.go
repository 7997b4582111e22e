package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTensor(t testing.TB, data []float64, shape ...int) *Tensor {
	t.Helper()
	x, err := NewTensorFrom(data, shape...)
	require.NoError(t, err)
	return x
}

// TestTensorBasics tests basic tensor creation and access.
func TestTensorBasics(t *testing.T) {
	x := NewTensor(2, 3)
	assert.Equal(t, []int{2, 3}, x.Shape())
	assert.Equal(t, 2, x.Dims())
	assert.Equal(t, 6, x.Size())

	x.Set(1.5, 0, 0)
	x.Set(2.5, 1, 2)
	assert.Equal(t, 1.5, x.At(0, 0))
	assert.Equal(t, 2.5, x.At(1, 2))
	assert.Equal(t, 2.5, x.Data()[5])

	// Shape returns a copy.
	x.Shape()[0] = 99
	assert.Equal(t, []int{2, 3}, x.Shape())

	assert.Panics(t, func() { NewTensor() })
	assert.Panics(t, func() { NewTensor(2, 0) })
	assert.Panics(t, func() { x.At(2, 0) })
	assert.Panics(t, func() { x.At(0) })
}

func TestNewTensorFrom(t *testing.T) {
	data := []float64{1, 2, 3, 4}
	x := mustTensor(t, data, 2, 2)
	data[0] = 100
	assert.Equal(t, 1.0, x.At(0, 0), "input slice must be copied")

	_, err := NewTensorFrom([]float64{1, 2, 3}, 2, 2)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = NewTensorFrom([]float64{1, 2}, 2, -1)
	assert.ErrorIs(t, err, ErrInvalidShape)
}

func TestReshapeSharesStorage(t *testing.T) {
	x := mustTensor(t, []float64{1, 2, 3, 4, 5, 6}, 2, 3)
	y := x.Reshape(3, 2)
	y.Set(42, 2, 1)
	assert.Equal(t, 42.0, x.At(1, 2))

	assert.Panics(t, func() { x.Reshape(4, 2) })
}

func TestRowsAndCols(t *testing.T) {
	x := mustTensor(t, []float64{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	}, 3, 3)

	rows := x.SliceRows(1, 3)
	assert.Equal(t, []int{2, 3}, rows.Shape())
	assert.Equal(t, []float64{4, 5, 6, 7, 8, 9}, rows.Data())
	assert.Equal(t, []float64{7, 8, 9}, x.Row(2).Data())

	cols := SliceCols(x, 1, 3)
	assert.Equal(t, []float64{2, 3, 5, 6, 8, 9}, cols.Data())
	cols.Set(0, 0, 0)
	assert.Equal(t, 2.0, x.At(0, 1), "SliceCols must copy")

	joined := ConcatCols(SliceCols(x, 0, 1), cols)
	assert.Equal(t, []float64{1, 0, 3, 4, 5, 6, 7, 8, 9}, joined.Data())

	stacked := ConcatRows(x.Row(2), x.Row(0))
	assert.Equal(t, []float64{7, 8, 9, 1, 2, 3}, stacked.Data())

	assert.Panics(t, func() { x.SliceRows(2, 2) })
	assert.Panics(t, func() { ConcatRows(x, NewTensor(1, 2)) })
}

// TestMatMul tests matrix multiplication.
func TestMatMul(t *testing.T) {
	a := mustTensor(t, []float64{1, 2, 3, 4, 5, 6}, 2, 3)
	b := mustTensor(t, []float64{1, 2, 3, 4, 5, 6}, 3, 2)

	// C[0,0] = 1*1 + 2*3 + 3*5 = 22, and so on.
	c := MatMul(a, b)
	assert.Equal(t, []int{2, 2}, c.Shape())
	assert.Equal(t, []float64{22, 28, 49, 64}, c.Data())

	assert.Panics(t, func() { MatMul(a, a) })
}

// TestTranspose tests matrix transpose.
func TestTranspose(t *testing.T) {
	a := mustTensor(t, []float64{1, 2, 3, 4, 5, 6}, 2, 3)
	aT := Transpose(a)

	assert.Equal(t, []int{3, 2}, aT.Shape())
	assert.Equal(t, []float64{1, 4, 2, 5, 3, 6}, aT.Data())
}

func TestElementwise(t *testing.T) {
	a := mustTensor(t, []float64{1, 2, 3, 4}, 2, 2)
	b := mustTensor(t, []float64{10, 20, 30, 40}, 2, 2)

	assert.Equal(t, []float64{11, 22, 33, 44}, Add(a, b).Data())
	assert.Equal(t, []float64{10, 40, 90, 160}, Mul(a, b).Data())
	assert.Equal(t, []float64{0.5, 1, 1.5, 2}, Scale(a, 0.5).Data())
	assert.Equal(t, []float64{1, 2, 3, 4}, a.Data(), "operations must not modify inputs")

	bias := mustTensor(t, []float64{100, 200}, 2)
	assert.Equal(t, []float64{101, 202, 103, 204}, AddBias(a, bias).Data())

	assert.Panics(t, func() { Add(a, NewTensor(4)) })
	assert.Panics(t, func() { AddBias(a, NewTensor(3)) })
}

// TestSoftmax tests the softmax function.
func TestSoftmax(t *testing.T) {
	x := mustTensor(t, []float64{
		1, 2, 3,
		1000, 1000, 1000,
		0, maskedScore, 0,
	}, 3, 3)

	out := Softmax(x)
	for i := 0; i < 3; i++ {
		var sum float64
		for _, v := range out.Row(i).Data() {
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-12, "row %d", i)
	}

	assert.Greater(t, out.At(0, 2), out.At(0, 1))
	assert.Greater(t, out.At(0, 1), out.At(0, 0))
	assert.InDeltaSlice(t, []float64{1.0 / 3, 1.0 / 3, 1.0 / 3}, out.Row(1).Data(), 1e-12, "large inputs must not overflow")
	assert.InDeltaSlice(t, []float64{0.5, 0, 0.5}, out.Row(2).Data(), 1e-12)
}

func TestActivations(t *testing.T) {
	x := mustTensor(t, []float64{-2, -1, 0, 1, 2}, 1, 5)

	assert.Equal(t, []float64{0, 0, 0, 1, 2}, ReLU(x).Data())

	// Reference values for 0.5·x·(1 + erf(x/√2)).
	assert.InDeltaSlice(t, []float64{-0.0455003, -0.1586553, 0, 0.8413447, 1.9544997}, GELU(x).Data(), 1e-6)
	assert.InDeltaSlice(t, GELU(x).Data(), GELUTanh(x).Data(), 1e-3)

	for i, v := range Tanh(x).Data() {
		assert.InDelta(t, math.Tanh(x.Data()[i]), v, 1e-15)
	}
}

func TestEqual(t *testing.T) {
	a := mustTensor(t, []float64{1, 2}, 1, 2)
	assert.True(t, Equal(a, a.Clone(), 0))
	assert.True(t, Equal(a, Add(a, NewTensorFilled(1e-10, 1, 2)), 1e-9))
	assert.False(t, Equal(a, Add(a, NewTensorFilled(1e-3, 1, 2)), 1e-9))
	assert.False(t, Equal(a, a.Reshape(2, 1), 1))
}
