package main

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLayerConfig(normFirst bool) EncoderLayerConfig {
	return EncoderLayerConfig{
		HiddenSize:       16,
		NumHeads:         2,
		IntermediateSize: 32,
		LayerNormEps:     1e-12,
		InitializerRange: 0.1,
		NormFirst:        normFirst,
	}
}

func TestEncoderLayerPostNorm(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	layer, err := NewEncoderLayer(testLayerConfig(false), rng)
	require.NoError(t, err)

	x := NewTensorNormal(rng, 1, 6, 16)
	got, _, err := layer.Forward(context.Background(), x, nil, ForwardOptions{})
	require.NoError(t, err)

	attended, _, err := layer.Attention.Forward(context.Background(), x, nil, ForwardOptions{})
	require.NoError(t, err)
	h := layer.AttnNorm.Forward(Add(x, attended))
	want := layer.FFNNorm.Forward(Add(h, layer.FFN.Forward(h, ForwardOptions{})))

	assert.True(t, Equal(want, got, 1e-12))
}

func TestEncoderLayerPreNorm(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	layer, err := NewEncoderLayer(testLayerConfig(true), rng)
	require.NoError(t, err)

	x := NewTensorNormal(rng, 1, 6, 16)
	got, _, err := layer.Forward(context.Background(), x, nil, ForwardOptions{})
	require.NoError(t, err)

	attended, _, err := layer.Attention.Forward(context.Background(), layer.AttnNorm.Forward(x), nil, ForwardOptions{})
	require.NoError(t, err)
	h := Add(x, attended)
	want := Add(h, layer.FFN.Forward(layer.FFNNorm.Forward(h), ForwardOptions{}))

	assert.True(t, Equal(want, got, 1e-12))
}

func TestEncoderOutputs(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	enc, err := NewEncoder(3, testLayerConfig(false), rng)
	require.NoError(t, err)

	x := NewTensorNormal(rng, 1, 4, 16)
	out, err := enc.Forward(context.Background(), x, nil, ForwardOptions{OutputHiddenStates: true, CaptureAttention: true})
	require.NoError(t, err)

	require.Len(t, out.HiddenStates, 4)
	assert.Same(t, x, out.HiddenStates[0])
	assert.Same(t, out.LastHidden, out.HiddenStates[3])
	require.Len(t, out.Attentions, 3)
	for _, heads := range out.Attentions {
		require.Len(t, heads, 2)
		assert.Equal(t, []int{4, 4}, heads[0].Shape())
	}

	plain, err := enc.Forward(context.Background(), x, nil, ForwardOptions{})
	require.NoError(t, err)
	assert.Nil(t, plain.HiddenStates)
	assert.Nil(t, plain.Attentions)
	assert.True(t, Equal(out.LastHidden, plain.LastHidden, 0))
}

func TestNewEncoderErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	_, err := NewEncoder(0, testLayerConfig(false), rng)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg := testLayerConfig(false)
	cfg.NumHeads = 3
	_, err = NewEncoder(2, cfg, rng)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEncoderCancelled(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	enc, err := NewEncoder(2, testLayerConfig(false), rng)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = enc.Forward(ctx, NewTensor(2, 16), nil, ForwardOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}
