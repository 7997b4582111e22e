package main

import (
	"context"
	"fmt"
	"math/rand"
)

// EncoderLayer combines self-attention and a feed-forward network, each
// wrapped in a residual connection and layer normalization.
//
// Two arrangements are supported:
//
//	post-norm (BERT):  h = LN(x + Attn(x));      y = LN(h + FFN(h))
//	pre-norm  (ViT):   h = x + Attn(LN(x));      y = h + FFN(LN(h))
//
// The residual connections (x + ...) are crucial for training deep networks.
// Pre-norm keeps an un-normalized residual stream, which is why ViT adds a
// final LayerNorm after the last layer and BERT does not.
type EncoderLayer struct {
	Attention *MultiHeadSelfAttention
	AttnNorm  *LayerNorm
	FFN       *FeedForward
	FFNNorm   *LayerNorm
	NormFirst bool
}

// EncoderLayerConfig holds the sizes shared by every layer of a stack.
type EncoderLayerConfig struct {
	HiddenSize       int
	NumHeads         int
	IntermediateSize int
	HiddenDropout    float64
	AttentionDropout float64
	LayerNormEps     float64
	InitializerRange float64
	NormFirst        bool
}

// NewEncoderLayer creates one layer.
func NewEncoderLayer(cfg EncoderLayerConfig, rng *rand.Rand) (*EncoderLayer, error) {
	attn, err := NewMultiHeadSelfAttention(cfg.HiddenSize, cfg.NumHeads,
		cfg.AttentionDropout, cfg.HiddenDropout, rng, cfg.InitializerRange)
	if err != nil {
		return nil, err
	}

	return &EncoderLayer{
		Attention: attn,
		AttnNorm:  NewLayerNorm(cfg.HiddenSize, cfg.LayerNormEps),
		FFN:       NewFeedForward(cfg.HiddenSize, cfg.IntermediateSize, cfg.HiddenDropout, rng, cfg.InitializerRange),
		FFNNorm:   NewLayerNorm(cfg.HiddenSize, cfg.LayerNormEps),
		NormFirst: cfg.NormFirst,
	}, nil
}

// Forward applies the layer to x (seqLen, hidden).
func (l *EncoderLayer) Forward(ctx context.Context, x, maskBias *Tensor, opts ForwardOptions) (*Tensor, []*Tensor, error) {
	if l.NormFirst {
		attended, weights, err := l.Attention.Forward(ctx, l.AttnNorm.Forward(x), maskBias, opts)
		if err != nil {
			return nil, nil, err
		}
		h := Add(x, attended)
		return Add(h, l.FFN.Forward(l.FFNNorm.Forward(h), opts)), weights, nil
	}

	attended, weights, err := l.Attention.Forward(ctx, x, maskBias, opts)
	if err != nil {
		return nil, nil, err
	}
	h := l.AttnNorm.Forward(Add(x, attended))
	return l.FFNNorm.Forward(Add(h, l.FFN.Forward(h, opts))), weights, nil
}

// Parameters lists the layer's weights using BERT checkpoint names.
func (l *EncoderLayer) Parameters(prefix string) []Parameter {
	var params []Parameter
	params = append(params, l.Attention.Parameters(prefixed(prefix, "attention"))...)
	params = append(params, l.AttnNorm.Parameters(prefixed(prefix, "attention.output.LayerNorm"))...)
	params = append(params, l.FFN.Parameters(prefix)...)
	params = append(params, l.FFNNorm.Parameters(prefixed(prefix, "output.LayerNorm"))...)
	return params
}

// Encoder is a stack of identical layers.
type Encoder struct {
	Layers []*EncoderLayer
}

// EncoderOutput holds what a stack produces for one sequence.
type EncoderOutput struct {
	// LastHidden is the output of the final layer (seqLen, hidden).
	LastHidden *Tensor

	// HiddenStates holds the input followed by every layer output, when
	// ForwardOptions.OutputHiddenStates is set.
	HiddenStates []*Tensor

	// Attentions holds [layer][head] probabilities (seqLen, seqLen), when
	// ForwardOptions.CaptureAttention is set.
	Attentions [][]*Tensor
}

// NewEncoder creates numLayers layers from cfg.
func NewEncoder(numLayers int, cfg EncoderLayerConfig, rng *rand.Rand) (*Encoder, error) {
	if numLayers <= 0 {
		return nil, fmt.Errorf("%w: need at least one layer, got %d", ErrInvalidConfig, numLayers)
	}

	enc := &Encoder{Layers: make([]*EncoderLayer, numLayers)}
	for i := range enc.Layers {
		layer, err := NewEncoderLayer(cfg, rng)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		enc.Layers[i] = layer
	}
	return enc, nil
}

// Forward runs x through every layer in order.
func (e *Encoder) Forward(ctx context.Context, x, maskBias *Tensor, opts ForwardOptions) (*EncoderOutput, error) {
	out := &EncoderOutput{}
	if opts.OutputHiddenStates {
		out.HiddenStates = append(out.HiddenStates, x)
	}

	for i, layer := range e.Layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var (
			weights []*Tensor
			err     error
		)
		x, weights, err = layer.Forward(ctx, x, maskBias, opts)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}

		if opts.OutputHiddenStates {
			out.HiddenStates = append(out.HiddenStates, x)
		}
		if opts.CaptureAttention {
			out.Attentions = append(out.Attentions, weights)
		}
	}

	out.LastHidden = x
	return out, nil
}

// Parameters lists every layer's weights.
func (e *Encoder) Parameters(prefix string) []Parameter {
	var params []Parameter
	for i, layer := range e.Layers {
		params = append(params, layer.Parameters(prefixed(prefix, fmt.Sprintf("layer.%d", i)))...)
	}
	return params
}
