package main

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// RECOMMENDED READING:
//
// Deep Learning Foundations:
// - "Deep Learning" by Goodfellow, Bengio, Courville (2016)
//   Chapter 2: Linear Algebra - tensor operations
//
// Numerical Computing:
// - "Numerical Linear Algebra" by Trefethen & Bau (1997)
//   Explains stability, conditioning of matrix operations

var (
	// ErrShapeMismatch indicates incompatible tensor shapes for an operation.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrInvalidShape indicates an invalid tensor shape.
	ErrInvalidShape = errors.New("tensor: invalid shape")

	// ErrInvalidIndex indicates an out-of-bounds index access.
	ErrInvalidIndex = errors.New("tensor: invalid index")
)

// Tensor represents a multi-dimensional array of float64 values.
// It stores data in row-major (C-contiguous) order.
//
// Tensor is not safe for concurrent mutation. Concurrent readers are fine,
// which is what the parallel attention heads and batch samples rely on.
type Tensor struct {
	data  []float64
	shape []int
}

// NewTensor creates a tensor with the given shape, initialized to zero.
// Panics if shape is invalid (empty or contains non-positive dimensions).
//
// Shape errors are programmer bugs, not runtime conditions that should be
// handled gracefully. Validation of user input happens before tensors are
// built and returns errors instead.
func NewTensor(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}

	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}

	return &Tensor{
		data:  make([]float64, size),
		shape: append([]int(nil), shape...),
	}
}

// NewTensorFrom wraps data in a tensor of the given shape. The slice is
// copied so later writes by the caller do not leak in.
func NewTensorFrom(data []float64, shape ...int) (*Tensor, error) {
	size := 1
	for _, dim := range shape {
		if dim <= 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidShape, shape)
		}
		size *= dim
	}
	if len(shape) == 0 || size != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(data), shape)
	}

	t := NewTensor(shape...)
	copy(t.data, data)
	return t, nil
}

// NewTensorRand creates a tensor with values from N(0, 0.02²) using the
// package-level random source.
func NewTensorRand(shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.data {
		t.data[i] = rand.NormFloat64() * 0.02
	}
	return t
}

// NewTensorNormal creates a tensor with values from N(0, std²) drawn from rng.
// Model constructors use this so a seed fully determines the weights.
func NewTensorNormal(rng *rand.Rand, std float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.data {
		t.data[i] = rng.NormFloat64() * std
	}
	return t
}

// NewTensorFilled creates a tensor with every element set to value.
func NewTensorFilled(value float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.data {
		t.data[i] = value
	}
	return t
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

// Dims returns the number of dimensions (rank) of the tensor.
func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return len(t.data)
}

// Data returns the underlying storage. Writes through it are visible in t.
func (t *Tensor) Data() []float64 {
	return t.data
}

// At returns the element at the given indices.
// Panics if indices are invalid - this is a programmer error.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set sets the element at the given indices.
// Panics if indices are invalid.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

// flatIndex converts multi-dimensional indices to a flat index.
func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}

	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}

	return idx
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	clone := NewTensor(t.shape...)
	copy(clone.data, t.data)
	return clone
}

// Reshape returns a new view of the tensor with a different shape.
// The total number of elements must remain the same.
// The returned tensor shares the underlying data.
func (t *Tensor) Reshape(newShape ...int) *Tensor {
	newSize := 1
	for _, dim := range newShape {
		newSize *= dim
	}

	if newSize != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot reshape size %d to %v (size %d)", len(t.data), newShape, newSize))
	}

	return &Tensor{
		data:  t.data,
		shape: append([]int(nil), newShape...),
	}
}

// Row returns row i of a 2D tensor as a (1, cols) view.
func (t *Tensor) Row(i int) *Tensor {
	return t.SliceRows(i, i+1)
}

// SliceRows returns rows [start, end) of a 2D tensor as a view.
func (t *Tensor) SliceRows(start, end int) *Tensor {
	if len(t.shape) != 2 {
		panic("tensor: SliceRows requires 2D tensor")
	}
	if start < 0 || end > t.shape[0] || start >= end {
		panic(fmt.Sprintf("tensor: row range [%d,%d) out of bounds [0,%d)", start, end, t.shape[0]))
	}

	cols := t.shape[1]
	return &Tensor{
		data:  t.data[start*cols : end*cols],
		shape: []int{end - start, cols},
	}
}

// SliceCols copies columns [start, end) of a 2D tensor into a new tensor.
// Used to split the packed Q/K/V projections into heads.
func SliceCols(t *Tensor, start, end int) *Tensor {
	if len(t.shape) != 2 {
		panic("tensor: SliceCols requires 2D tensor")
	}
	rows, cols := t.shape[0], t.shape[1]
	if start < 0 || end > cols || start >= end {
		panic(fmt.Sprintf("tensor: column range [%d,%d) out of bounds [0,%d)", start, end, cols))
	}

	width := end - start
	out := NewTensor(rows, width)
	for i := 0; i < rows; i++ {
		copy(out.data[i*width:(i+1)*width], t.data[i*cols+start:i*cols+end])
	}
	return out
}

// ConcatCols joins 2D tensors with equal row counts side by side.
func ConcatCols(parts ...*Tensor) *Tensor {
	if len(parts) == 0 {
		panic("tensor: ConcatCols needs at least one tensor")
	}

	rows := parts[0].shape[0]
	total := 0
	for _, p := range parts {
		if len(p.shape) != 2 || p.shape[0] != rows {
			panic(fmt.Sprintf("tensor: cannot concat %v with %d rows", p.shape, rows))
		}
		total += p.shape[1]
	}

	out := NewTensor(rows, total)
	offset := 0
	for _, p := range parts {
		w := p.shape[1]
		for i := 0; i < rows; i++ {
			copy(out.data[i*total+offset:i*total+offset+w], p.data[i*w:(i+1)*w])
		}
		offset += w
	}
	return out
}

// ConcatRows stacks 2D tensors with equal column counts on top of each other.
func ConcatRows(parts ...*Tensor) *Tensor {
	if len(parts) == 0 {
		panic("tensor: ConcatRows needs at least one tensor")
	}

	cols := parts[0].shape[1]
	rows := 0
	for _, p := range parts {
		if len(p.shape) != 2 || p.shape[1] != cols {
			panic(fmt.Sprintf("tensor: cannot stack %v under %d columns", p.shape, cols))
		}
		rows += p.shape[0]
	}

	out := NewTensor(rows, cols)
	offset := 0
	for _, p := range parts {
		copy(out.data[offset:], p.data)
		offset += len(p.data)
	}
	return out
}

// String returns a string representation of the tensor for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// ===========================================================================
// OPERATIONS
// ===========================================================================

// Add performs element-wise addition: out = a + b.
// Panics if shapes don't match.
func Add(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", a.shape, b.shape))
	}

	out := a.Clone()
	floats.Add(out.data, b.data)
	return out
}

// Mul performs element-wise multiplication: out = a * b (Hadamard product).
// Panics if shapes don't match.
func Mul(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot multiply shapes %v and %v", a.shape, b.shape))
	}

	out := a.Clone()
	floats.Mul(out.data, b.data)
	return out
}

// Scale multiplies all elements by a scalar: out = a * scalar.
func Scale(a *Tensor, scalar float64) *Tensor {
	out := a.Clone()
	floats.Scale(scalar, out.data)
	return out
}

// MatMul performs matrix multiplication: C = A @ B.
// A must be (M, K), B must be (K, N), result is (M, N).
//
// The multiplication is delegated to the active backend (see backend.go).
// If the backend reports an error the naive kernel is used instead, so
// MatMul itself only fails on shape bugs.
func MatMul(a, b *Tensor) *Tensor {
	checkMatMul(a, b)
	if out, err := ActiveBackend().MatMul(a, b); err == nil {
		return out
	}
	return matmulNaive(a, b)
}

// checkMatMul panics unless a (M,K) and b (K,N) can be multiplied.
func checkMatMul(a, b *Tensor) {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}
	if a.shape[1] != b.shape[0] {
		panic(fmt.Sprintf("tensor: incompatible dimensions for matmul %v @ %v", a.shape, b.shape))
	}
}

// matmulNaive is the reference triple loop. The i-k-j order keeps the
// inner loop streaming along rows of b and out.
func matmulNaive(a, b *Tensor) *Tensor {
	m, k, n := a.shape[0], a.shape[1], b.shape[1]
	out := NewTensor(m, n)
	matmulRows(a, b, out, 0, m, n, k)
	return out
}

// Transpose returns the transpose of a 2D matrix: A^T.
// A: (M, N) -> A^T: (N, M).
func Transpose(a *Tensor) *Tensor {
	if len(a.shape) != 2 {
		panic("tensor: Transpose requires 2D tensor")
	}

	m, n := a.shape[0], a.shape[1]
	out := NewTensor(n, m)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.data[j*m+i] = a.data[i*n+j]
		}
	}

	return out
}

// AddBias adds a bias vector to each row of a 2D tensor.
// x: (rows, features), bias: (features,)
func AddBias(x, bias *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("tensor: AddBias requires 2D input")
	}
	features := x.shape[1]
	if bias.Size() != features {
		panic(fmt.Sprintf("tensor: bias size %d does not match %d features", bias.Size(), features))
	}

	out := x.Clone()
	for i := 0; i < x.shape[0]; i++ {
		floats.Add(out.data[i*features:(i+1)*features], bias.data)
	}
	return out
}

// AddRowVector adds a (1, cols) or (cols,) tensor to every row of x.
// Additive attention masks are applied this way.
func AddRowVector(x, v *Tensor) *Tensor {
	return AddBias(x, v)
}

// ===========================================================================
// ACTIVATION FUNCTIONS
// ===========================================================================

// ReLU applies Rectified Linear Unit: f(x) = max(0, x).
func ReLU(x *Tensor) *Tensor {
	return apply(x, func(v float64) float64 { return math.Max(0, v) })
}

// GELU applies the exact Gaussian Error Linear Unit used by BERT and ViT:
//
//	GELU(x) = 0.5 * x * (1 + erf(x / √2))
func GELU(x *Tensor) *Tensor {
	return apply(x, func(v float64) float64 {
		return 0.5 * v * (1.0 + math.Erf(v/math.Sqrt2))
	})
}

// GELUTanh applies the tanh approximation of GELU (GPT-2 style).
//
//	GELU(x) ≈ 0.5 * x * (1 + tanh(√(2/π) * (x + 0.044715 * x³)))
func GELUTanh(x *Tensor) *Tensor {
	const (
		sqrt2OverPi = 0.7978845608028654
		coeff       = 0.044715
	)
	return apply(x, func(v float64) float64 {
		return 0.5 * v * (1.0 + math.Tanh(sqrt2OverPi*(v+coeff*v*v*v)))
	})
}

// Tanh applies the hyperbolic tangent. The BERT pooler uses it.
func Tanh(x *Tensor) *Tensor {
	return apply(x, math.Tanh)
}

// apply maps fn over x using the global compute configuration.
func apply(x *Tensor, fn func(float64) float64) *Tensor {
	return ParallelApply(x, fn, GetGlobalComputeConfig())
}

// Softmax applies softmax to each row: p_i = exp(x_i) / Σ exp(x_j).
//
// Numerically stable version: subtract the row max before exp.
// Requires a 2D tensor (rows, features).
func Softmax(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("tensor: Softmax requires 2D tensor")
	}

	rows, features := x.shape[0], x.shape[1]
	out := x.Clone()
	for r := 0; r < rows; r++ {
		softmaxInPlace(out.data[r*features : (r+1)*features])
	}
	return out
}

// softmaxInPlace normalizes row into a probability distribution.
func softmaxInPlace(row []float64) {
	maxVal := floats.Max(row)
	for i, v := range row {
		row[i] = math.Exp(v - maxVal)
	}
	floats.Scale(1/floats.Sum(row), row)
}

// ===========================================================================
// HELPERS
// ===========================================================================

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Equal reports whether a and b have the same shape and every element
// differs by at most tol.
func Equal(a, b *Tensor, tol float64) bool {
	if !shapeEqual(a.shape, b.shape) {
		return false
	}
	return floats.EqualApprox(a.data, b.data, tol)
}
