package main

// ===========================================================================
// WHAT'S GOING ON HERE: Patch Embeddings (Vision Transformer)
// ===========================================================================
//
// The same encoder stack that reads token sequences can read images once
// the image is turned into a sequence. ViT does this by cutting the image
// into fixed-size patches and projecting each patch to the hidden size:
//
//   image (C, 32, 32), patch 8
//        │
//        ▼  Conv2D, kernel = stride = 8      (one output pixel per patch)
//   (hidden, 4, 4)
//        │
//        ▼  flatten grid row-major, transpose
//   (16 patches, hidden)
//        │
//        ▼  prepend [CLS], add learned positions
//   (17, hidden) ──► N × pre-norm EncoderLayer ──► LayerNorm
//        │
//        ├──► pooled = row 0 ([CLS])
//        ▼
//   classifier (optional) ──► logits (NumLabels,)
//
// DIFFERENCES FROM BERT:
// - No vocabulary: the convolution plays the role of the word embedding.
// - No token types and no padding mask: every image has the same number
//   of patches.
// - Pre-norm layers plus a final LayerNorm, and no tanh pooler.
//
// ===========================================================================
// RECOMMENDED READING:
//
// - "An Image is Worth 16x16 Words: Transformers for Image Recognition at
//   Scale" by Dosovitskiy et al. (2020) https://arxiv.org/abs/2010.11929
//
// ===========================================================================

import (
	"context"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"
)

// ViTConfig holds configuration for the patch-embedding encoder.
type ViTConfig struct {
	ImageSize        int     `mapstructure:"image_size"`
	PatchSize        int     `mapstructure:"patch_size"`
	NumChannels      int     `mapstructure:"num_channels"`
	HiddenSize       int     `mapstructure:"hidden_size"`
	NumLayers        int     `mapstructure:"num_layers"`
	NumHeads         int     `mapstructure:"num_heads"`
	IntermediateSize int     `mapstructure:"intermediate_size"`
	HiddenDropout    float64 `mapstructure:"hidden_dropout"`
	AttentionDropout float64 `mapstructure:"attention_dropout"`
	LayerNormEps     float64 `mapstructure:"layer_norm_eps"`
	InitializerRange float64 `mapstructure:"initializer_range"`

	// NumLabels sizes the classification head; 0 disables it.
	NumLabels int `mapstructure:"num_labels"`
}

// DefaultViTConfig returns ViT-Base/16 sizes.
func DefaultViTConfig() ViTConfig {
	return ViTConfig{
		ImageSize:        224,
		PatchSize:        16,
		NumChannels:      3,
		HiddenSize:       768,
		NumLayers:        12,
		NumHeads:         12,
		IntermediateSize: 3072,
		HiddenDropout:    0.0,
		AttentionDropout: 0.0,
		LayerNormEps:     1e-6,
		InitializerRange: 0.02,
		NumLabels:        1000,
	}
}

// TinyViTConfig returns a configuration small enough for the demo images.
func TinyViTConfig() ViTConfig {
	cfg := DefaultViTConfig()
	cfg.ImageSize = 32
	cfg.PatchSize = 8
	cfg.HiddenSize = 64
	cfg.NumLayers = 2
	cfg.NumHeads = 4
	cfg.IntermediateSize = 256
	cfg.NumLabels = 10
	return cfg
}

// NumPatches returns the length of the patch sequence, excluding [CLS].
func (c ViTConfig) NumPatches() int {
	perSide := c.ImageSize / c.PatchSize
	return perSide * perSide
}

// Validate reports the first inconsistent setting.
func (c ViTConfig) Validate() error {
	switch {
	case c.ImageSize <= 0, c.PatchSize <= 0, c.NumChannels <= 0, c.HiddenSize <= 0,
		c.NumLayers <= 0, c.NumHeads <= 0, c.IntermediateSize <= 0:
		return fmt.Errorf("%w: sizes must be positive: %+v", ErrInvalidConfig, c)
	case c.ImageSize%c.PatchSize != 0:
		return fmt.Errorf("%w: image size %d not divisible by patch size %d", ErrInvalidConfig, c.ImageSize, c.PatchSize)
	case c.HiddenSize%c.NumHeads != 0:
		return fmt.Errorf("%w: hidden size %d not divisible by %d heads", ErrInvalidConfig, c.HiddenSize, c.NumHeads)
	case c.HiddenDropout < 0 || c.HiddenDropout >= 1, c.AttentionDropout < 0 || c.AttentionDropout >= 1:
		return fmt.Errorf("%w: dropout must be in [0, 1)", ErrInvalidConfig)
	case c.LayerNormEps <= 0, c.InitializerRange <= 0:
		return fmt.Errorf("%w: layer norm eps and initializer range must be positive", ErrInvalidConfig)
	case c.NumLabels < 0:
		return fmt.Errorf("%w: negative label count %d", ErrInvalidConfig, c.NumLabels)
	}
	return nil
}

func (c ViTConfig) layerConfig() EncoderLayerConfig {
	return EncoderLayerConfig{
		HiddenSize:       c.HiddenSize,
		NumHeads:         c.NumHeads,
		IntermediateSize: c.IntermediateSize,
		HiddenDropout:    c.HiddenDropout,
		AttentionDropout: c.AttentionDropout,
		LayerNormEps:     c.LayerNormEps,
		InitializerRange: c.InitializerRange,
		NormFirst:        true,
	}
}

// PatchEmbedding turns an image into a sequence of patch vectors.
type PatchEmbedding struct {
	Proj        *Conv2D
	ImageSize   int
	NumChannels int
}

// NewPatchEmbedding creates the projection for cfg.
func NewPatchEmbedding(cfg ViTConfig, rng *rand.Rand) *PatchEmbedding {
	return &PatchEmbedding{
		Proj: NewConv2D(cfg.NumChannels, cfg.HiddenSize, cfg.PatchSize, cfg.PatchSize,
			cfg.PatchSize, rng, cfg.InitializerRange),
		ImageSize:   cfg.ImageSize,
		NumChannels: cfg.NumChannels,
	}
}

// Forward maps img (C, H, W) to (numPatches, hidden), patches in row-major
// grid order.
func (p *PatchEmbedding) Forward(img *Tensor) (*Tensor, error) {
	want := []int{p.NumChannels, p.ImageSize, p.ImageSize}
	if img == nil {
		return nil, fmt.Errorf("%w: want %v, got nil image", ErrImageShape, want)
	}
	if !shapeEqual(img.shape, want) {
		return nil, fmt.Errorf("%w: want %v, got %v", ErrImageShape, want, img.shape)
	}

	grid, err := p.Proj.Forward(img)
	if err != nil {
		return nil, err
	}
	hidden := grid.shape[0]
	patches := grid.shape[1] * grid.shape[2]
	return Transpose(grid.Reshape(hidden, patches)), nil
}

// ViTModel is patch embedding + [CLS] + positions + pre-norm encoder.
type ViTModel struct {
	Config     ViTConfig
	Patch      *PatchEmbedding
	CLSToken   *Tensor // (1, hidden)
	Position   *Tensor // (numPatches+1, hidden)
	Dropout    Dropout
	Encoder    *Encoder
	Norm       *LayerNorm
	Classifier *Linear // nil when NumLabels == 0
}

// ViTOutput is what a batch forward pass returns.
type ViTOutput struct {
	// LastHiddenState holds one (numPatches+1, hidden) tensor per image,
	// after the final LayerNorm.
	LastHiddenState []*Tensor

	// Pooled is the [CLS] row of every image: (batch, hidden).
	Pooled *Tensor

	// Logits is (batch, NumLabels), or nil without a classifier.
	Logits *Tensor

	HiddenStates [][]*Tensor
	Attentions   [][][]*Tensor
}

// NewViTModel creates a model with weights drawn from rng.
func NewViTModel(cfg ViTConfig, rng *rand.Rand) (*ViTModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	std := cfg.InitializerRange
	m := &ViTModel{
		Config:   cfg,
		Patch:    NewPatchEmbedding(cfg, rng),
		CLSToken: NewTensorNormal(rng, std, 1, cfg.HiddenSize),
		Position: NewTensorNormal(rng, std, cfg.NumPatches()+1, cfg.HiddenSize),
		Dropout:  Dropout{P: cfg.HiddenDropout},
		Norm:     NewLayerNorm(cfg.HiddenSize, cfg.LayerNormEps),
	}

	enc, err := NewEncoder(cfg.NumLayers, cfg.layerConfig(), rng)
	if err != nil {
		return nil, err
	}
	m.Encoder = enc

	if cfg.NumLabels > 0 {
		m.Classifier = NewLinear(cfg.HiddenSize, cfg.NumLabels, rng, std)
	}
	return m, nil
}

// Forward encodes every image concurrently.
func (m *ViTModel) Forward(ctx context.Context, images []*Tensor, opts ForwardOptions) (*ViTOutput, error) {
	if len(images) == 0 {
		return nil, ErrEmptyInput
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	n := len(images)
	results := make([]*EncoderOutput, n)
	imageOpts := make([]ForwardOptions, n)
	for i := range imageOpts {
		imageOpts[i] = opts.fork()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(GetGlobalComputeConfig().numWorkers())
	for i, img := range images {
		i, img := i, img
		g.Go(func() error {
			res, err := m.forwardImage(gctx, img, imageOpts[i])
			if err != nil {
				return fmt.Errorf("image %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &ViTOutput{LastHiddenState: make([]*Tensor, n)}
	cls := make([]*Tensor, n)
	for i, res := range results {
		out.LastHiddenState[i] = res.LastHidden
		cls[i] = res.LastHidden.Row(0)
		if opts.OutputHiddenStates {
			out.HiddenStates = append(out.HiddenStates, res.HiddenStates)
		}
		if opts.CaptureAttention {
			out.Attentions = append(out.Attentions, res.Attentions)
		}
	}
	out.Pooled = ConcatRows(cls...)
	if m.Classifier != nil {
		out.Logits = m.Classifier.Forward(out.Pooled)
	}

	return out, nil
}

func (m *ViTModel) forwardImage(ctx context.Context, img *Tensor, opts ForwardOptions) (*EncoderOutput, error) {
	patches, err := m.Patch.Forward(img)
	if err != nil {
		return nil, err
	}

	x := Add(ConcatRows(m.CLSToken, patches), m.Position)
	x = m.Dropout.Forward(x, opts)

	res, err := m.Encoder.Forward(ctx, x, nil, opts)
	if err != nil {
		return nil, err
	}
	res.LastHidden = m.Norm.Forward(res.LastHidden)
	return res, nil
}

// Parameters lists every weight with ViT checkpoint-style names.
func (m *ViTModel) Parameters() []Parameter {
	params := []Parameter{
		{Name: "embeddings.cls_token", Tensor: m.CLSToken},
		{Name: "embeddings.position_embeddings", Tensor: m.Position},
	}
	params = append(params, m.Patch.Proj.Parameters("embeddings.patch_embeddings.projection")...)
	params = append(params, m.Encoder.Parameters("encoder")...)
	params = append(params, m.Norm.Parameters("layernorm")...)
	if m.Classifier != nil {
		params = append(params, m.Classifier.Parameters("classifier")...)
	}
	return params
}
