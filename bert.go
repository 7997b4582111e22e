package main

// ===========================================================================
// WHAT'S GOING ON HERE: BERT-Style Bidirectional Encoder
// ===========================================================================
//
// This file implements the forward pass of a BERT-style bidirectional
// encoder. It is an educational implementation: weights are randomly
// initialized and the model is exercised on hand-written inputs.
//
// INTENTION:
// Show how bidirectional attention produces one contextual vector per token,
// and how a single pooled vector summarizes the whole input for
// classification-style tasks.
//
// GPT VS BERT: KEY ARCHITECTURAL DIFFERENCES
//
// | Aspect              | GPT (Autoregressive)     | BERT (Bidirectional)      |
// |---------------------|--------------------------|---------------------------|
// | Attention           | Causal (past only)       | Full (past + future)      |
// | Norm placement      | Pre-norm                 | Post-norm                 |
// | Output              | Next-token logits        | Per-token vectors + pool  |
// | Inference           | Autoregressive (slow)    | One pass (fast)           |
//
// ARCHITECTURE:
//
//   input ids ──► BertEmbeddings (word + position + token type, LN)
//                 │
//                 ▼
//   N × EncoderLayer (post-norm):  h = LN(x + Attn(x, mask))
//                                  y = LN(h + FFN(h))
//                 │
//                 ├──► last hidden state (seqLen, hidden)
//                 ▼
//   Pooler:  tanh(W · h[CLS] + b) ──► pooled output (hidden,)
//
// SPECIAL TOKENS:
// - [CLS]: Added at start, its final hidden state feeds the pooler
// - [SEP]: Separates segments (e.g., question from passage)
// - [PAD]: Padding for variable-length sequences, masked out of attention
//
// Example: "What is AI? [SEP] AI is machine learning."
// Becomes:  "[CLS] What is AI ? [SEP] AI is machine learning . [SEP]"
//
// BATCHES:
// A batch here is a list of sequences of equal (padded) length. Samples are
// independent, so they run concurrently; the attention mask is what keeps
// padding from leaking into real tokens.
//
// ===========================================================================
// RECOMMENDED READING:
//
// - "BERT: Pre-training of Deep Bidirectional Transformers" by Devlin et al. (2018)
//   https://arxiv.org/abs/1810.04805
//
// - "RoBERTa: A Robustly Optimized BERT Pretraining Approach" by Liu et al. (2019)
//   https://arxiv.org/abs/1907.11692
//
// - "The Illustrated BERT" by Jay Alammar
//   https://jalammar.github.io/illustrated-bert/
//
// ===========================================================================

import (
	"context"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"
)

// BERTConfig holds configuration for a BERT-style model.
type BERTConfig struct {
	VocabSize             int     `mapstructure:"vocab_size"`
	HiddenSize            int     `mapstructure:"hidden_size"`
	NumLayers             int     `mapstructure:"num_layers"`
	NumHeads              int     `mapstructure:"num_heads"`
	IntermediateSize      int     `mapstructure:"intermediate_size"`
	MaxPositionEmbeddings int     `mapstructure:"max_position_embeddings"`
	TypeVocabSize         int     `mapstructure:"type_vocab_size"`
	HiddenDropout         float64 `mapstructure:"hidden_dropout"`
	AttentionDropout      float64 `mapstructure:"attention_dropout"`
	LayerNormEps          float64 `mapstructure:"layer_norm_eps"`
	InitializerRange      float64 `mapstructure:"initializer_range"`

	PadTokenID int `mapstructure:"pad_token_id"`
	CLSTokenID int `mapstructure:"cls_token_id"`
	SEPTokenID int `mapstructure:"sep_token_id"`
}

// DefaultBERTConfig returns a default BERT configuration (BERT-Base sizes).
func DefaultBERTConfig() BERTConfig {
	return BERTConfig{
		VocabSize:             30522, // WordPiece vocab size
		HiddenSize:            768,
		NumLayers:             12,
		NumHeads:              12,
		IntermediateSize:      3072, // 4 * hidden
		MaxPositionEmbeddings: 512,
		TypeVocabSize:         2,
		HiddenDropout:         0.1,
		AttentionDropout:      0.1,
		LayerNormEps:          1e-12,
		InitializerRange:      0.02,
		PadTokenID:            0,
		CLSTokenID:            101,
		SEPTokenID:            102,
	}
}

// TinyBERTConfig returns a configuration small enough to run the demo
// inputs in milliseconds.
func TinyBERTConfig() BERTConfig {
	cfg := DefaultBERTConfig()
	cfg.VocabSize = 1000
	cfg.HiddenSize = 64
	cfg.NumLayers = 2
	cfg.NumHeads = 4
	cfg.IntermediateSize = 256
	cfg.MaxPositionEmbeddings = 64
	return cfg
}

// Validate reports the first inconsistent setting.
func (c BERTConfig) Validate() error {
	switch {
	case c.VocabSize <= 0, c.HiddenSize <= 0, c.NumLayers <= 0, c.NumHeads <= 0,
		c.IntermediateSize <= 0, c.MaxPositionEmbeddings <= 0:
		return fmt.Errorf("%w: sizes must be positive: %+v", ErrInvalidConfig, c)
	case c.HiddenSize%c.NumHeads != 0:
		return fmt.Errorf("%w: hidden size %d not divisible by %d heads", ErrInvalidConfig, c.HiddenSize, c.NumHeads)
	case c.TypeVocabSize < 1:
		return fmt.Errorf("%w: type vocab size must be at least 1", ErrInvalidConfig)
	case c.HiddenDropout < 0 || c.HiddenDropout >= 1, c.AttentionDropout < 0 || c.AttentionDropout >= 1:
		return fmt.Errorf("%w: dropout must be in [0, 1)", ErrInvalidConfig)
	case c.LayerNormEps <= 0, c.InitializerRange <= 0:
		return fmt.Errorf("%w: layer norm eps and initializer range must be positive", ErrInvalidConfig)
	}
	special := map[int]bool{}
	for name, id := range map[string]int{"pad": c.PadTokenID, "cls": c.CLSTokenID, "sep": c.SEPTokenID} {
		if id < 0 || id >= c.VocabSize {
			return fmt.Errorf("%w: %s token id %d outside vocab of %d", ErrInvalidConfig, name, id, c.VocabSize)
		}
		special[id] = true
	}
	if len(special) >= c.VocabSize {
		return fmt.Errorf("%w: vocab of %d has no ids besides pad, cls and sep", ErrInvalidConfig, c.VocabSize)
	}
	return nil
}

func (c BERTConfig) layerConfig() EncoderLayerConfig {
	return EncoderLayerConfig{
		HiddenSize:       c.HiddenSize,
		NumHeads:         c.NumHeads,
		IntermediateSize: c.IntermediateSize,
		HiddenDropout:    c.HiddenDropout,
		AttentionDropout: c.AttentionDropout,
		LayerNormEps:     c.LayerNormEps,
		InitializerRange: c.InitializerRange,
	}
}

// TextBatch is a padded batch of token sequences.
type TextBatch struct {
	InputIDs      [][]int
	TokenTypeIDs  [][]int // nil → all zeros
	AttentionMask [][]int // nil → derived from PadTokenID
}

// Validate checks the batch is rectangular and its parts line up.
func (b TextBatch) Validate() error {
	if len(b.InputIDs) == 0 {
		return ErrEmptyInput
	}
	seqLen := len(b.InputIDs[0])
	for i, ids := range b.InputIDs {
		if len(ids) == 0 {
			return fmt.Errorf("sample %d: %w", i, ErrEmptyInput)
		}
		if len(ids) != seqLen {
			return fmt.Errorf("%w: sample %d has %d tokens, sample 0 has %d", ErrMaskLength, i, len(ids), seqLen)
		}
	}
	if b.TokenTypeIDs != nil && len(b.TokenTypeIDs) != len(b.InputIDs) {
		return fmt.Errorf("%w: %d token type rows for %d samples", ErrMaskLength, len(b.TokenTypeIDs), len(b.InputIDs))
	}
	if b.AttentionMask != nil {
		if len(b.AttentionMask) != len(b.InputIDs) {
			return fmt.Errorf("%w: %d mask rows for %d samples", ErrMaskLength, len(b.AttentionMask), len(b.InputIDs))
		}
		for i, m := range b.AttentionMask {
			if len(m) != seqLen {
				return fmt.Errorf("%w: sample %d mask has %d entries for %d tokens", ErrMaskLength, i, len(m), seqLen)
			}
		}
	}
	return nil
}

// MaskFromPadding creates a 1/0 attention mask: 0 where the token is padding.
//
// Unlike GPT's causal mask, BERT allows each position to attend to all
// positions. The mask only prevents attention to padding tokens.
func MaskFromPadding(inputIDs []int, padTokenID int) []int {
	mask := make([]int, len(inputIDs))
	for i, id := range inputIDs {
		if id != padTokenID {
			mask[i] = 1
		}
	}
	return mask
}

// CreateAttentionMask expands a padding mask to (seqLen, seqLen):
// entry (i, j) is 1 when query i may attend to key j.
// Used for display; the forward pass works with AttentionMaskBias.
func CreateAttentionMask(inputIDs []int, padTokenID int) *Tensor {
	seqLen := len(inputIDs)
	mask := NewTensor(seqLen, seqLen)
	for i := 0; i < seqLen; i++ {
		for j := 0; j < seqLen; j++ {
			if inputIDs[j] != padTokenID {
				mask.Set(1.0, i, j)
			}
		}
	}
	return mask
}

// BertPooler maps the [CLS] hidden state to a fixed vector: tanh(W·h + b).
type BertPooler struct {
	Dense *Linear
}

// Forward pools a single sequence's hidden states (seqLen, hidden) → (1, hidden).
func (p *BertPooler) Forward(hidden *Tensor) *Tensor {
	return Tanh(p.Dense.Forward(hidden.Row(0)))
}

// BertModel is embeddings + encoder stack + pooler.
type BertModel struct {
	Config     BERTConfig
	Embeddings *BertEmbeddings
	Encoder    *Encoder
	Pooler     *BertPooler
}

// BertOutput is what a batch forward pass returns.
type BertOutput struct {
	// LastHiddenState holds one (seqLen, hidden) tensor per sample.
	LastHiddenState []*Tensor

	// PooledOutput is (batch, hidden).
	PooledOutput *Tensor

	// HiddenStates[sample][i] is the embedding output for i == 0 and the
	// output of layer i-1 otherwise.
	HiddenStates [][]*Tensor

	// Attentions[sample][layer][head] is (seqLen, seqLen).
	Attentions [][][]*Tensor
}

// NewBertModel creates a model with weights drawn from rng:
// N(0, InitializerRange²) for tables and projections, zero biases,
// identity layer norms.
func NewBertModel(cfg BERTConfig, rng *rand.Rand) (*BertModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	emb := NewBertEmbeddings(cfg, rng)
	enc, err := NewEncoder(cfg.NumLayers, cfg.layerConfig(), rng)
	if err != nil {
		return nil, err
	}

	return &BertModel{
		Config:     cfg,
		Embeddings: emb,
		Encoder:    enc,
		Pooler:     &BertPooler{Dense: NewLinear(cfg.HiddenSize, cfg.HiddenSize, rng, cfg.InitializerRange)},
	}, nil
}

// Forward encodes every sample of batch. Samples run concurrently; the
// first failure cancels the rest and is returned.
func (m *BertModel) Forward(ctx context.Context, batch TextBatch, opts ForwardOptions) (*BertOutput, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	n := len(batch.InputIDs)
	results := make([]*sampleOutput, n)

	sampleOpts := make([]ForwardOptions, n)
	for i := range sampleOpts {
		sampleOpts[i] = opts.fork()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(GetGlobalComputeConfig().numWorkers())
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			var types, mask []int
			if batch.TokenTypeIDs != nil {
				types = batch.TokenTypeIDs[i]
			}
			if batch.AttentionMask != nil {
				mask = batch.AttentionMask[i]
			}

			res, err := m.forwardSample(gctx, batch.InputIDs[i], types, mask, sampleOpts[i])
			if err != nil {
				return fmt.Errorf("sample %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &BertOutput{LastHiddenState: make([]*Tensor, n)}
	pooled := make([]*Tensor, n)
	for i, res := range results {
		out.LastHiddenState[i] = res.encoded.LastHidden
		pooled[i] = res.pooled
		if opts.OutputHiddenStates {
			out.HiddenStates = append(out.HiddenStates, res.encoded.HiddenStates)
		}
		if opts.CaptureAttention {
			out.Attentions = append(out.Attentions, res.encoded.Attentions)
		}
	}
	out.PooledOutput = ConcatRows(pooled...)

	return out, nil
}

type sampleOutput struct {
	encoded *EncoderOutput
	pooled  *Tensor
}

func (m *BertModel) forwardSample(ctx context.Context, ids, types, mask []int, opts ForwardOptions) (*sampleOutput, error) {
	if mask == nil {
		mask = MaskFromPadding(ids, m.Config.PadTokenID)
	}

	x, err := m.Embeddings.Forward(ids, types, opts)
	if err != nil {
		return nil, err
	}

	encoded, err := m.Encoder.Forward(ctx, x, AttentionMaskBias(mask), opts)
	if err != nil {
		return nil, err
	}

	return &sampleOutput{
		encoded: encoded,
		pooled:  m.Pooler.Forward(encoded.LastHidden),
	}, nil
}

// Parameters lists every weight with BERT checkpoint-style names.
func (m *BertModel) Parameters() []Parameter {
	var params []Parameter
	params = append(params, m.Embeddings.Parameters("embeddings")...)
	params = append(params, m.Encoder.Parameters("encoder")...)
	params = append(params, m.Pooler.Dense.Parameters("pooler.dense")...)
	return params
}
