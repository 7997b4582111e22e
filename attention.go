package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"golang.org/x/sync/errgroup"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Bidirectional Multi-Head Self-Attention
// ===========================================================================
//
// INTUITION:
// Attention allows each position to "look at" other positions in the sequence
// to gather context. It's answering: "what other tokens are relevant when
// processing this token?"
//
// Mechanism, per head h with width d = hidden / heads:
//   1. Project input to Query, Key, Value matrices
//   2. Scores:  S_h = Q_h · K_hᵀ / √d  + mask
//   3. Weights: P_h = softmax(S_h)        (row-wise)
//   4. Output:  O_h = P_h · V_h
// Heads are concatenated and projected back to the hidden size.
//
// GPT VS BERT MASKING:
//
// GPT uses causal masking: position i can only attend to positions ≤ i.
// BERT uses full attention: position i attends to ALL positions, and the
// mask only removes padding keys:
//
//   tokens:  [CLS] the  cat  [SEP] [PAD] [PAD]
//   mask:      1    1    1     1     0     0
//   bias:      0    0    0     0   -1e9  -1e9   (added to every score row)
//
// The bias is finite rather than -Inf. If every key of a row is padding the
// shared offset cancels in the softmax and the row attends as if unmasked,
// instead of dividing 0 by 0.
//
// ===========================================================================
// RECOMMENDED READING:
//
// - "Attention Is All You Need" by Vaswani et al. (2017)
//   https://arxiv.org/abs/1706.03762
//
// - "BERT: Pre-training of Deep Bidirectional Transformers" by Devlin et al. (2018)
//   https://arxiv.org/abs/1810.04805
//
// ===========================================================================

// Attention kernels.
const (
	// KernelStandard materializes the (seq, seq) score matrix per head.
	KernelStandard = "standard"

	// KernelTiled streams over key blocks with an online softmax and never
	// holds the full score matrix (see tensor_flash_attention.go).
	KernelTiled = "tiled"
)

// maskedScore is added to scores of padding keys.
const maskedScore = -1e9

// MultiHeadSelfAttention implements bidirectional multi-head self-attention.
type MultiHeadSelfAttention struct {
	NumHeads int
	HeadDim  int

	Query, Key, Value *Linear
	Output            *Linear

	AttnDropout Dropout // on attention probabilities
	OutDropout  Dropout // on the projected output

	// TileSize is the key/query block size of the tiled kernel.
	TileSize int
}

// NewMultiHeadSelfAttention creates an attention block.
// Returns ErrInvalidConfig if hidden is not divisible by numHeads.
func NewMultiHeadSelfAttention(hidden, numHeads int, attnDropout, outDropout float64, rng *rand.Rand, std float64) (*MultiHeadSelfAttention, error) {
	if numHeads <= 0 || hidden <= 0 || hidden%numHeads != 0 {
		return nil, fmt.Errorf("%w: hidden size %d must be divisible by %d heads", ErrInvalidConfig, hidden, numHeads)
	}

	return &MultiHeadSelfAttention{
		NumHeads:    numHeads,
		HeadDim:     hidden / numHeads,
		Query:       NewLinear(hidden, hidden, rng, std),
		Key:         NewLinear(hidden, hidden, rng, std),
		Value:       NewLinear(hidden, hidden, rng, std),
		Output:      NewLinear(hidden, hidden, rng, std),
		AttnDropout: Dropout{P: attnDropout},
		OutDropout:  Dropout{P: outDropout},
		TileSize:    defaultTileSize,
	}, nil
}

// AttentionMaskBias turns a 1/0 attention mask into an additive bias row:
// 1 → 0, 0 → maskedScore.
func AttentionMaskBias(mask []int) *Tensor {
	bias := NewTensor(1, len(mask))
	for j, m := range mask {
		if m == 0 {
			bias.data[j] = maskedScore
		}
	}
	return bias
}

// Forward computes self-attention over x (seqLen, hidden).
//
// maskBias is a (1, seqLen) additive bias from AttentionMaskBias, or nil for
// no masking. When opts.CaptureAttention is set the per-head probabilities
// (seqLen, seqLen) are returned in head order.
func (a *MultiHeadSelfAttention) Forward(ctx context.Context, x, maskBias *Tensor, opts ForwardOptions) (*Tensor, []*Tensor, error) {
	if x.Dims() != 2 || x.shape[1] != a.NumHeads*a.HeadDim {
		panic(fmt.Sprintf("attention: input must be (seqLen, %d), got %v", a.NumHeads*a.HeadDim, x.shape))
	}
	seqLen := x.shape[0]
	if maskBias != nil && maskBias.Size() != seqLen {
		return nil, nil, fmt.Errorf("%w: bias has %d entries for %d positions", ErrMaskLength, maskBias.Size(), seqLen)
	}

	q := a.Query.Forward(x)
	k := a.Key.Forward(x)
	v := a.Value.Forward(x)

	tiled := opts.Kernel == KernelTiled && !opts.Training && !opts.CaptureAttention
	scale := 1.0 / math.Sqrt(float64(a.HeadDim))

	heads := make([]*Tensor, a.NumHeads)
	var weights []*Tensor
	if opts.CaptureAttention {
		weights = make([]*Tensor, a.NumHeads)
	}

	// Forked options are drawn before any goroutine starts so each head's
	// dropout stream depends only on the seed.
	headOpts := make([]ForwardOptions, a.NumHeads)
	for h := range headOpts {
		headOpts[h] = opts.fork()
	}

	cfg := GetGlobalComputeConfig()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.numWorkers())

	for h := 0; h < a.NumHeads; h++ {
		h := h
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			lo, hi := h*a.HeadDim, (h+1)*a.HeadDim
			qh, kh, vh := SliceCols(q, lo, hi), SliceCols(k, lo, hi), SliceCols(v, lo, hi)

			if tiled {
				heads[h] = TiledAttention(qh, kh, vh, maskBias, scale, a.TileSize)
				return nil
			}

			probs := attentionProbs(qh, kh, maskBias, scale)
			if weights != nil {
				weights[h] = probs
			}
			probs = a.AttnDropout.Forward(probs, headOpts[h])
			heads[h] = MatMul(probs, vh)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	out := a.Output.Forward(ConcatCols(heads...))
	return a.OutDropout.Forward(out, opts), weights, nil
}

// attentionProbs returns softmax(q·kᵀ·scale + bias) for one head.
func attentionProbs(q, k, maskBias *Tensor, scale float64) *Tensor {
	scores := Scale(MatMul(q, Transpose(k)), scale)
	if maskBias != nil {
		scores = AddRowVector(scores, maskBias)
	}
	return Softmax(scores)
}

// Parameters lists the four projections.
func (a *MultiHeadSelfAttention) Parameters(prefix string) []Parameter {
	var params []Parameter
	params = append(params, a.Query.Parameters(prefixed(prefix, "self.query"))...)
	params = append(params, a.Key.Parameters(prefixed(prefix, "self.key"))...)
	params = append(params, a.Value.Parameters(prefixed(prefix, "self.value"))...)
	params = append(params, a.Output.Parameters(prefixed(prefix, "output.dense"))...)
	return params
}
