package main

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTinyViT(t testing.TB, seed int64) *ViTModel {
	t.Helper()
	model, err := NewViTModel(TinyViTConfig(), rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return model
}

func TestViTConfig(t *testing.T) {
	cfg := DefaultViTConfig()
	assert.Equal(t, 196, cfg.NumPatches())
	require.NoError(t, cfg.Validate())

	tiny := TinyViTConfig()
	assert.Equal(t, 16, tiny.NumPatches())
	require.NoError(t, tiny.Validate())

	tests := []struct {
		name   string
		mutate func(*ViTConfig)
	}{
		{"patch does not divide image", func(c *ViTConfig) { c.PatchSize = 5 }},
		{"heads do not divide hidden", func(c *ViTConfig) { c.NumHeads = 3 }},
		{"no channels", func(c *ViTConfig) { c.NumChannels = 0 }},
		{"negative labels", func(c *ViTConfig) { c.NumLabels = -1 }},
		{"dropout of one", func(c *ViTConfig) { c.AttentionDropout = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := TinyViTConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

// TestPatchEmbeddingOrder checks patch p of the sequence is the projection
// of grid cell (p / perSide, p % perSide).
func TestPatchEmbeddingOrder(t *testing.T) {
	cfg := TinyViTConfig()
	rng := rand.New(rand.NewSource(2))
	patch := NewPatchEmbedding(cfg, rng)
	img := NewTensorNormal(rng, 1.0, cfg.NumChannels, cfg.ImageSize, cfg.ImageSize)

	seq, err := patch.Forward(img)
	require.NoError(t, err)
	require.Equal(t, []int{cfg.NumPatches(), cfg.HiddenSize}, seq.Shape())

	perSide := cfg.ImageSize / cfg.PatchSize
	p := cfg.PatchSize
	for idx := 0; idx < cfg.NumPatches(); idx++ {
		gy, gx := idx/perSide, idx%perSide

		flat := NewTensor(1, cfg.NumChannels*p*p)
		k := 0
		for ch := 0; ch < cfg.NumChannels; ch++ {
			for y := 0; y < p; y++ {
				for x := 0; x < p; x++ {
					flat.Data()[k] = img.At(ch, gy*p+y, gx*p+x)
					k++
				}
			}
		}
		want := AddBias(MatMul(flat, Transpose(patch.Proj.Weight)), patch.Proj.Bias)
		assert.InDeltaSlice(t, want.Data(), seq.Row(idx).Data(), 1e-12, "patch %d", idx)
	}
}

func TestPatchEmbeddingRejectsWrongShape(t *testing.T) {
	cfg := TinyViTConfig()
	patch := NewPatchEmbedding(cfg, rand.New(rand.NewSource(1)))

	for _, shape := range [][]int{
		{cfg.NumChannels, cfg.ImageSize, cfg.ImageSize + cfg.PatchSize},
		{1, cfg.ImageSize, cfg.ImageSize},
		{cfg.ImageSize, cfg.ImageSize},
	} {
		_, err := patch.Forward(NewTensor(shape...))
		assert.ErrorIs(t, err, ErrImageShape, "shape %v", shape)
	}

	_, err := patch.Forward(nil)
	assert.ErrorIs(t, err, ErrImageShape)
}

func TestViTForward(t *testing.T) {
	model := newTinyViT(t, 4)
	cfg := model.Config
	images := DummyImageBatch(cfg, rand.New(rand.NewSource(8)))

	out, err := model.Forward(context.Background(), images, ForwardOptions{CaptureAttention: true})
	require.NoError(t, err)

	require.Len(t, out.LastHiddenState, 2)
	for _, h := range out.LastHiddenState {
		assert.Equal(t, []int{cfg.NumPatches() + 1, cfg.HiddenSize}, h.Shape())
	}
	assert.Equal(t, []int{2, cfg.HiddenSize}, out.Pooled.Shape())
	assert.Equal(t, []int{2, cfg.NumLabels}, out.Logits.Shape())
	assert.InDeltaSlice(t, out.LastHiddenState[1].Row(0).Data(), out.Pooled.Row(1).Data(), 0)

	require.Len(t, out.Attentions, 2)
	require.Len(t, out.Attentions[0], cfg.NumLayers)
	assert.Equal(t, []int{cfg.NumPatches() + 1, cfg.NumPatches() + 1}, out.Attentions[0][0][0].Shape())

	// The final LayerNorm leaves each row with zero mean.
	for _, h := range out.LastHiddenState {
		for i := 0; i < h.Shape()[0]; i++ {
			var sum float64
			for _, v := range h.Row(i).Data() {
				sum += v
			}
			assert.InDelta(t, 0.0, sum/float64(cfg.HiddenSize), 1e-9)
		}
	}
}

func TestViTWithoutClassifier(t *testing.T) {
	cfg := TinyViTConfig()
	cfg.NumLabels = 0
	model, err := NewViTModel(cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Nil(t, model.Classifier)

	out, err := model.Forward(context.Background(), DummyImageBatch(cfg, rand.New(rand.NewSource(2))), ForwardOptions{})
	require.NoError(t, err)
	assert.Nil(t, out.Logits)

	for _, p := range model.Parameters() {
		assert.NotContains(t, p.Name, "classifier")
	}
}

func TestViTForwardErrors(t *testing.T) {
	model := newTinyViT(t, 1)

	_, err := model.Forward(context.Background(), nil, ForwardOptions{})
	assert.ErrorIs(t, err, ErrEmptyInput)

	bad := []*Tensor{NewTensor(3, 16, 16)}
	_, err = model.Forward(context.Background(), bad, ForwardOptions{})
	assert.ErrorIs(t, err, ErrImageShape)

	cfg := model.Config
	withNil := []*Tensor{NewTensor(cfg.NumChannels, cfg.ImageSize, cfg.ImageSize), nil}
	_, err = model.Forward(context.Background(), withNil, ForwardOptions{})
	assert.ErrorIs(t, err, ErrImageShape)
}

func TestViTParameters(t *testing.T) {
	model := newTinyViT(t, 1)
	cfg := model.Config
	h, i, p := cfg.HiddenSize, cfg.IntermediateSize, cfg.PatchSize

	patch := h*cfg.NumChannels*p*p + h
	tokens := h + (cfg.NumPatches()+1)*h
	layer := 4*(h*h+h) + 2*(2*h) + (h*i + i) + (i*h + h)
	head := h*cfg.NumLabels + cfg.NumLabels

	assert.Equal(t, patch+tokens+cfg.NumLayers*layer+2*h+head, CountParameters(model.Parameters()))
}
