package main

import (
	"fmt"
	"math/rand"
)

// BertEmbeddings builds the encoder input from three lookups:
//
//	E = LayerNorm(word[ids] + position[0..n-1] + tokenType[types])
//
// followed by dropout.
//
// POSITION EMBEDDINGS:
// BERT uses learned absolute position embeddings (not RoPE). Each position
// 0..MaxPositionEmbeddings-1 has its own vector, so sequences longer than
// that cannot be encoded.
//
// TOKEN TYPE (SEGMENT) EMBEDDINGS:
// For inputs with two segments, e.g. "[CLS] Q1 Q2 [SEP] A1 A2 [SEP]":
//
//	types:  0  0  0   0   1  1  1
//
// which lets the model tell the segments apart.
type BertEmbeddings struct {
	Word      *Embedding
	Position  *Embedding
	TokenType *Embedding
	Norm      *LayerNorm
	Dropout   Dropout
}

// NewBertEmbeddings creates the three tables and the normalization.
func NewBertEmbeddings(cfg BERTConfig, rng *rand.Rand) *BertEmbeddings {
	std := cfg.InitializerRange
	return &BertEmbeddings{
		Word:      NewEmbedding(cfg.VocabSize, cfg.HiddenSize, rng, std),
		Position:  NewEmbedding(cfg.MaxPositionEmbeddings, cfg.HiddenSize, rng, std),
		TokenType: NewEmbedding(cfg.TypeVocabSize, cfg.HiddenSize, rng, std),
		Norm:      NewLayerNorm(cfg.HiddenSize, cfg.LayerNormEps),
		Dropout:   Dropout{P: cfg.HiddenDropout},
	}
}

// Forward embeds one sequence. tokenTypes may be nil, meaning all zeros.
// Returns (len(ids), hidden).
func (e *BertEmbeddings) Forward(ids, tokenTypes []int, opts ForwardOptions) (*Tensor, error) {
	seqLen := len(ids)
	if seqLen == 0 {
		return nil, ErrEmptyInput
	}
	if maxPos := e.Position.Weight.shape[0]; seqLen > maxPos {
		return nil, fmt.Errorf("%w: %d > %d", ErrSequenceTooLong, seqLen, maxPos)
	}
	if tokenTypes == nil {
		tokenTypes = make([]int, seqLen)
	} else if len(tokenTypes) != seqLen {
		return nil, fmt.Errorf("%w: %d token types for %d tokens", ErrMaskLength, len(tokenTypes), seqLen)
	}

	words, err := e.Word.Lookup(ids)
	if err != nil {
		return nil, fmt.Errorf("word embeddings: %w", err)
	}
	types, err := e.TokenType.Lookup(tokenTypes)
	if err != nil {
		return nil, fmt.Errorf("token type embeddings: %w", err)
	}
	positions, err := e.Position.Lookup(positionIDs(seqLen))
	if err != nil {
		return nil, fmt.Errorf("position embeddings: %w", err)
	}

	x := Add(Add(words, positions), types)
	return e.Dropout.Forward(e.Norm.Forward(x), opts), nil
}

// Parameters lists the tables and normalization.
func (e *BertEmbeddings) Parameters(prefix string) []Parameter {
	var params []Parameter
	params = append(params, e.Word.Parameters(prefixed(prefix, "word_embeddings"))...)
	params = append(params, e.Position.Parameters(prefixed(prefix, "position_embeddings"))...)
	params = append(params, e.TokenType.Parameters(prefixed(prefix, "token_type_embeddings"))...)
	params = append(params, e.Norm.Parameters(prefixed(prefix, "LayerNorm"))...)
	return params
}

// positionIDs returns 0..n-1.
func positionIDs(n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return ids
}
