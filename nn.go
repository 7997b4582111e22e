package main

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/stat"
)

// Model-level validation errors. Shape bugs inside the numeric core still
// panic; these cover inputs a caller can get wrong.
var (
	ErrInvalidConfig    = errors.New("invalid model config")
	ErrSequenceTooLong  = errors.New("sequence exceeds max position embeddings")
	ErrTokenOutOfRange  = errors.New("token id out of range")
	ErrMaskLength       = errors.New("mask length does not match sequence")
	ErrImageShape       = errors.New("image shape does not match model")
	ErrEmptyInput       = errors.New("empty input")
	ErrUnknownKernel    = errors.New("unknown attention kernel")
	ErrMissingGenerator = fmt.Errorf("%w: training mode requires a random source", ErrInvalidConfig)
)

// Parameter names a weight tensor for inspection and precision passes.
type Parameter struct {
	Name   string
	Tensor *Tensor
}

// prefixed joins a parameter path the way checkpoints name them.
func prefixed(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// ForwardOptions controls a single forward pass.
type ForwardOptions struct {
	// Training enables dropout. RNG must be set when it is.
	Training bool

	// CaptureAttention keeps per-head attention probabilities.
	CaptureAttention bool

	// OutputHiddenStates keeps the embedding output and every layer output.
	OutputHiddenStates bool

	// Kernel selects the attention kernel: KernelStandard or KernelTiled.
	// Empty means KernelStandard.
	Kernel string

	// RNG drives dropout masks.
	RNG *rand.Rand
}

// Validate checks option combinations.
func (o ForwardOptions) Validate() error {
	switch o.Kernel {
	case "", KernelStandard, KernelTiled:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKernel, o.Kernel)
	}
	if o.Training && o.RNG == nil {
		return ErrMissingGenerator
	}
	return nil
}

// fork returns options whose RNG is seeded from o.RNG, so goroutines never
// share a *rand.Rand. Seeds are drawn in call order, which keeps dropout
// reproducible regardless of goroutine scheduling.
func (o ForwardOptions) fork() ForwardOptions {
	if o.RNG != nil {
		o.RNG = rand.New(rand.NewSource(o.RNG.Int63()))
	}
	return o
}

// ===========================================================================
// LINEAR
// ===========================================================================

// Linear is a dense layer: y = x @ W + b.
// Weight is stored (in, out) so the forward pass is a plain MatMul.
type Linear struct {
	Weight *Tensor // (in, out)
	Bias   *Tensor // (out,)
}

// NewLinear creates a dense layer with N(0, std²) weights and zero bias.
func NewLinear(in, out int, rng *rand.Rand, std float64) *Linear {
	return &Linear{
		Weight: NewTensorNormal(rng, std, in, out),
		Bias:   NewTensor(out),
	}
}

// Forward applies the layer to x (rows, in).
func (l *Linear) Forward(x *Tensor) *Tensor {
	return AddBias(MatMul(x, l.Weight), l.Bias)
}

// Parameters lists the layer's weights.
func (l *Linear) Parameters(prefix string) []Parameter {
	return []Parameter{
		{Name: prefixed(prefix, "weight"), Tensor: l.Weight},
		{Name: prefixed(prefix, "bias"), Tensor: l.Bias},
	}
}

// ===========================================================================
// EMBEDDING
// ===========================================================================

// Embedding is a lookup table: row i is the vector for id i.
type Embedding struct {
	Weight *Tensor // (num, dim)
}

// NewEmbedding creates a table with N(0, std²) rows.
func NewEmbedding(num, dim int, rng *rand.Rand, std float64) *Embedding {
	return &Embedding{Weight: NewTensorNormal(rng, std, num, dim)}
}

// Lookup gathers the rows for ids into a (len(ids), dim) tensor.
func (e *Embedding) Lookup(ids []int) (*Tensor, error) {
	if len(ids) == 0 {
		return nil, ErrEmptyInput
	}

	num, dim := e.Weight.shape[0], e.Weight.shape[1]
	out := NewTensor(len(ids), dim)
	for i, id := range ids {
		if id < 0 || id >= num {
			return nil, fmt.Errorf("%w: id %d at position %d (table size %d)", ErrTokenOutOfRange, id, i, num)
		}
		copy(out.data[i*dim:(i+1)*dim], e.Weight.data[id*dim:(id+1)*dim])
	}
	return out, nil
}

// Parameters lists the table.
func (e *Embedding) Parameters(prefix string) []Parameter {
	return []Parameter{{Name: prefixed(prefix, "weight"), Tensor: e.Weight}}
}

// ===========================================================================
// LAYER NORM
// ===========================================================================

// LayerNorm implements layer normalization.
//
// PAPER: "Layer Normalization" by Ba, Kiros, Hinton (2016)
// https://arxiv.org/abs/1607.06450
//
// Formula: y = γ * (x - μ) / sqrt(σ² + ε) + β
// where μ, σ² are the population mean and variance of each row.
type LayerNorm struct {
	Eps   float64
	Gamma *Tensor // Scale parameter
	Beta  *Tensor // Shift parameter
}

// NewLayerNorm creates an identity-initialized layer norm (γ=1, β=0).
func NewLayerNorm(dim int, eps float64) *LayerNorm {
	return &LayerNorm{
		Eps:   eps,
		Gamma: NewTensorFilled(1.0, dim),
		Beta:  NewTensor(dim),
	}
}

// Forward normalizes each row of x (rows, features).
func (ln *LayerNorm) Forward(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("nn: LayerNorm input must be 2D")
	}

	rows, features := x.shape[0], x.shape[1]
	if features != ln.Gamma.Size() {
		panic(fmt.Sprintf("nn: LayerNorm over %d features, input has %d", ln.Gamma.Size(), features))
	}

	out := NewTensor(rows, features)
	for i := 0; i < rows; i++ {
		row := x.data[i*features : (i+1)*features]
		mean, variance := stat.PopMeanVariance(row, nil)
		inv := 1.0 / math.Sqrt(variance+ln.Eps)

		dst := out.data[i*features : (i+1)*features]
		for j, v := range row {
			dst[j] = (v-mean)*inv*ln.Gamma.data[j] + ln.Beta.data[j]
		}
	}

	return out
}

// Parameters lists γ and β.
func (ln *LayerNorm) Parameters(prefix string) []Parameter {
	return []Parameter{
		{Name: prefixed(prefix, "weight"), Tensor: ln.Gamma},
		{Name: prefixed(prefix, "bias"), Tensor: ln.Beta},
	}
}

// ===========================================================================
// DROPOUT
// ===========================================================================

// Dropout zeroes elements with probability P and rescales survivors by
// 1/(1-P) (inverted dropout), so evaluation needs no rescaling.
type Dropout struct {
	P float64
}

// Forward applies dropout when opts.Training is set; otherwise it returns x.
func (d Dropout) Forward(x *Tensor, opts ForwardOptions) *Tensor {
	if !opts.Training || d.P == 0 {
		return x
	}

	keep := 1.0 - d.P
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		if opts.RNG.Float64() < keep {
			out.data[i] = v / keep
		}
	}
	return out
}

// ===========================================================================
// FEED FORWARD
// ===========================================================================

// FeedForward implements the position-wise feed-forward network:
//
//	FFN(x) = Dropout(GELU(x @ W1 + b1) @ W2 + b2)
//
// The intermediate dimension is typically 4x the hidden size.
// This is where most of the model's parameters reside.
type FeedForward struct {
	Up      *Linear
	Down    *Linear
	Dropout Dropout
}

// NewFeedForward creates a feed-forward block.
func NewFeedForward(hidden, intermediate int, dropout float64, rng *rand.Rand, std float64) *FeedForward {
	return &FeedForward{
		Up:      NewLinear(hidden, intermediate, rng, std),
		Down:    NewLinear(intermediate, hidden, rng, std),
		Dropout: Dropout{P: dropout},
	}
}

// Forward applies the feed-forward network to x (seqLen, hidden).
func (ff *FeedForward) Forward(x *Tensor, opts ForwardOptions) *Tensor {
	h := GELU(ff.Up.Forward(x))
	return ff.Dropout.Forward(ff.Down.Forward(h), opts)
}

// Parameters lists both projections.
func (ff *FeedForward) Parameters(prefix string) []Parameter {
	return append(ff.Up.Parameters(prefixed(prefix, "intermediate.dense")),
		ff.Down.Parameters(prefixed(prefix, "output.dense"))...)
}
