package main

import (
	"math/rand"
	"strconv"
)

// WordPiece ids for "the cat sat", "on the mat" and "hello world".
var (
	demoFirstSegment  = []int{1996, 4937, 2938}
	demoSecondSegment = []int{2006, 1996, 13523}
	demoShortSequence = []int{7592, 2088}
)

// DummyTextBatch returns the two-sequence batch every command runs:
//
//	0: [CLS] the cat sat [SEP] on the mat [SEP]     types 0…0 1…1
//	1: [CLS] hello world [SEP] [PAD] … [PAD]        mask  1…1 0…0
//
// Word ids are folded into cfg's vocabulary, skipping the special ids.
func DummyTextBatch(cfg BERTConfig) TextBatch {
	var first, firstTypes []int
	first = append(first, cfg.CLSTokenID)
	for _, id := range demoFirstSegment {
		first = append(first, foldWord(cfg, id))
	}
	first = append(first, cfg.SEPTokenID)
	for len(firstTypes) < len(first) {
		firstTypes = append(firstTypes, 0)
	}
	for _, id := range demoSecondSegment {
		first = append(first, foldWord(cfg, id))
	}
	first = append(first, cfg.SEPTokenID)
	for len(firstTypes) < len(first) {
		firstTypes = append(firstTypes, 1)
	}

	second := []int{cfg.CLSTokenID}
	for _, id := range demoShortSequence {
		second = append(second, foldWord(cfg, id))
	}
	second = append(second, cfg.SEPTokenID)
	for len(second) < len(first) {
		second = append(second, cfg.PadTokenID)
	}

	return TextBatch{
		InputIDs:      [][]int{first, second},
		TokenTypeIDs:  [][]int{firstTypes, make([]int, len(second))},
		AttentionMask: [][]int{MaskFromPadding(first, cfg.PadTokenID), MaskFromPadding(second, cfg.PadTokenID)},
	}
}

// DummyImageBatch returns two (C, ImageSize, ImageSize) images with pixel
// values drawn from U(0, 1).
func DummyImageBatch(cfg ViTConfig, rng *rand.Rand) []*Tensor {
	images := make([]*Tensor, 2)
	for i := range images {
		img := NewTensor(cfg.NumChannels, cfg.ImageSize, cfg.ImageSize)
		for j := range img.data {
			img.data[j] = rng.Float64()
		}
		images[i] = img
	}
	return images
}

// DemoTokenLabels names the positions of a DummyTextBatch sequence for
// attention plots.
func DemoTokenLabels(cfg BERTConfig, ids []int) []string {
	labels := make([]string, len(ids))
	for i, id := range ids {
		switch id {
		case cfg.CLSTokenID:
			labels[i] = "[CLS]"
		case cfg.SEPTokenID:
			labels[i] = "[SEP]"
		case cfg.PadTokenID:
			labels[i] = "[PAD]"
		default:
			labels[i] = demoWordFor(cfg, id)
		}
	}
	return labels
}

// foldWord maps a WordPiece id into cfg's vocabulary, skipping the
// special ids. A vocabulary made only of special ids returns the folded id
// unchanged; Validate rejects such configs.
func foldWord(cfg BERTConfig, id int) int {
	id %= cfg.VocabSize
	for n := 0; n < cfg.VocabSize; n++ {
		if id != cfg.PadTokenID && id != cfg.CLSTokenID && id != cfg.SEPTokenID {
			return id
		}
		id = (id + 1) % cfg.VocabSize
	}
	return id
}

var demoVocab = []struct {
	id   int
	word string
}{
	{1996, "the"}, {4937, "cat"}, {2938, "sat"}, {2006, "on"}, {13523, "mat"},
	{7592, "hello"}, {2088, "world"},
}

func demoWordFor(cfg BERTConfig, id int) string {
	for _, v := range demoVocab {
		if foldWord(cfg, v.id) == id {
			return v.word
		}
	}
	return "#" + strconv.Itoa(id)
}
