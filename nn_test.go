package main

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func TestLinear(t *testing.T) {
	l := NewLinear(3, 2, rand.New(rand.NewSource(1)), 0.02)
	require.Equal(t, []int{3, 2}, l.Weight.Shape())
	assert.Equal(t, []float64{0, 0}, l.Bias.Data())

	copy(l.Weight.Data(), []float64{1, 0, 0, 1, 1, 1})
	copy(l.Bias.Data(), []float64{10, 20})

	x := mustTensor(t, []float64{1, 2, 3}, 1, 3)
	assert.Equal(t, []float64{14, 25}, l.Forward(x).Data())

	params := l.Parameters("dense")
	require.Len(t, params, 2)
	assert.Equal(t, "dense.weight", params[0].Name)
	assert.Equal(t, "dense.bias", params[1].Name)
}

func TestEmbeddingLookup(t *testing.T) {
	e := NewEmbedding(4, 3, rand.New(rand.NewSource(1)), 1.0)

	out, err := e.Lookup([]int{2, 0, 2})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3}, out.Shape())
	assert.Equal(t, e.Weight.Row(2).Data(), out.Row(0).Data())
	assert.Equal(t, e.Weight.Row(0).Data(), out.Row(1).Data())
	assert.Equal(t, out.Row(0).Data(), out.Row(2).Data())

	_, err = e.Lookup([]int{1, 4})
	assert.ErrorIs(t, err, ErrTokenOutOfRange)
	_, err = e.Lookup([]int{-1})
	assert.ErrorIs(t, err, ErrTokenOutOfRange)
	_, err = e.Lookup(nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

// TestLayerNormalization checks each row comes out with zero mean and unit
// population variance, then that γ and β are applied.
func TestLayerNormalization(t *testing.T) {
	ln := NewLayerNorm(64, 1e-12)
	x := NewTensorNormal(rand.New(rand.NewSource(2)), 3.0, 8, 64)

	out := ln.Forward(x)
	require.Equal(t, x.Shape(), out.Shape())
	for i := 0; i < 8; i++ {
		mean, variance := stat.PopMeanVariance(out.Row(i).Data(), nil)
		assert.InDelta(t, 0.0, mean, 1e-12)
		assert.InDelta(t, 1.0, variance, 1e-9)
	}

	for j := range ln.Gamma.Data() {
		ln.Gamma.Data()[j] = 2
		ln.Beta.Data()[j] = 5
	}
	scaled := ln.Forward(x)
	for i := 0; i < 8; i++ {
		mean, variance := stat.PopMeanVariance(scaled.Row(i).Data(), nil)
		assert.InDelta(t, 5.0, mean, 1e-9)
		assert.InDelta(t, 4.0, variance, 1e-9)
	}
}

func TestLayerNormConstantRow(t *testing.T) {
	// A constant row has zero variance; eps keeps the output finite.
	ln := NewLayerNorm(4, 1e-6)
	out := ln.Forward(NewTensorFilled(7, 1, 4))
	for _, v := range out.Data() {
		assert.False(t, math.IsNaN(v))
		assert.Equal(t, 0.0, v)
	}
}

func TestDropout(t *testing.T) {
	x := NewTensorFilled(1.0, 100, 100)
	d := Dropout{P: 0.25}

	assert.Same(t, x, d.Forward(x, ForwardOptions{}), "evaluation must be identity")
	assert.Same(t, x, Dropout{}.Forward(x, ForwardOptions{Training: true, RNG: rand.New(rand.NewSource(1))}))

	out := d.Forward(x, ForwardOptions{Training: true, RNG: rand.New(rand.NewSource(1))})
	zeros := 0
	for _, v := range out.Data() {
		if v == 0 {
			zeros++
			continue
		}
		assert.InDelta(t, 1/0.75, v, 1e-12)
	}
	assert.InDelta(t, 0.25, float64(zeros)/float64(out.Size()), 0.02)

	again := d.Forward(x, ForwardOptions{Training: true, RNG: rand.New(rand.NewSource(1))})
	assert.True(t, Equal(out, again, 0), "same seed must give the same mask")
}

func TestForwardOptionsValidate(t *testing.T) {
	assert.NoError(t, ForwardOptions{}.Validate())
	assert.NoError(t, ForwardOptions{Kernel: KernelTiled}.Validate())
	assert.ErrorIs(t, ForwardOptions{Kernel: "flash"}.Validate(), ErrUnknownKernel)
	assert.ErrorIs(t, ForwardOptions{Training: true}.Validate(), ErrInvalidConfig)
	assert.NoError(t, ForwardOptions{Training: true, RNG: rand.New(rand.NewSource(1))}.Validate())
}

func TestForwardOptionsFork(t *testing.T) {
	opts := ForwardOptions{Training: true, RNG: rand.New(rand.NewSource(5))}
	a, b := opts.fork(), opts.fork()
	assert.NotSame(t, opts.RNG, a.RNG)
	assert.NotEqual(t, a.RNG.Int63(), b.RNG.Int63())

	assert.Nil(t, ForwardOptions{}.fork().RNG)
}

func TestFeedForward(t *testing.T) {
	ff := NewFeedForward(16, 64, 0.1, rand.New(rand.NewSource(3)), 0.02)
	x := NewTensorNormal(rand.New(rand.NewSource(4)), 1, 5, 16)

	out := ff.Forward(x, ForwardOptions{})
	assert.Equal(t, x.Shape(), out.Shape())

	want := ff.Down.Forward(GELU(ff.Up.Forward(x)))
	assert.True(t, Equal(want, out, 0))

	names := []string{}
	for _, p := range ff.Parameters("layer.0") {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{
		"layer.0.intermediate.dense.weight",
		"layer.0.intermediate.dense.bias",
		"layer.0.output.dense.weight",
		"layer.0.output.dense.bias",
	}, names)
}
