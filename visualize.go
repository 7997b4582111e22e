package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file renders attention probabilities as text so they can be read in
// a terminal without any plotting tools.
//
// Each cell of a (query, key) matrix is mapped onto a ten-step shade ramp:
//
//   0.0 ' '  '.'  ':'  '-'  '='  '+'  '*'  '#'  '%'  '@' 1.0
//
// Rows are queries, columns are keys. With the demo text batch, the
// padded sample shows blank columns where padding keys are masked out,
// which is the quickest way to see the mask doing its job.
//
// ===========================================================================

import (
	"fmt"
	"io"
	"strings"
)

// shadeRamp maps increasing weight to increasingly dense glyphs.
const shadeRamp = " .:-=+*#%@"

// shade returns the glyph for a probability in [0, 1].
func shade(p float64) byte {
	switch {
	case p <= 0:
		return shadeRamp[0]
	case p >= 1:
		return shadeRamp[len(shadeRamp)-1]
	}
	return shadeRamp[int(p*float64(len(shadeRamp)-1)+0.5)]
}

// RenderAttentionASCII writes one heatmap for weights (seq, seq). labels
// name the positions; missing labels fall back to the index.
func RenderAttentionASCII(w io.Writer, weights *Tensor, labels []string) error {
	if weights.Dims() != 2 || weights.shape[0] != weights.shape[1] {
		return fmt.Errorf("%w: attention map must be square, got %v", ErrShapeMismatch, weights.shape)
	}

	n := weights.shape[0]
	names := make([]string, n)
	width := 0
	for i := range names {
		if i < len(labels) && labels[i] != "" {
			names[i] = labels[i]
		} else {
			names[i] = fmt.Sprintf("%d", i)
		}
		width = max(width, len(names[i]))
	}

	var sb strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "%*s |", width, names[i])
		for j := 0; j < n; j++ {
			sb.WriteByte(shade(weights.At(i, j)))
			sb.WriteByte(' ')
		}
		sb.WriteString("|\n")
	}

	// Column key: first letter of every label.
	fmt.Fprintf(&sb, "%*s  ", width, "")
	for j := 0; j < n; j++ {
		initial := strings.TrimPrefix(names[j], "[")
		if initial == "" {
			initial = names[j]
		}
		sb.WriteByte(initial[0])
		sb.WriteByte(' ')
	}
	sb.WriteByte('\n')

	_, err := io.WriteString(w, sb.String())
	return err
}

// RenderAllAttention writes every [layer][head] map with a title line.
func RenderAllAttention(w io.Writer, attentions [][]*Tensor, labels []string) error {
	for layer, heads := range attentions {
		if err := RenderLayerAttention(w, layer, heads, labels); err != nil {
			return err
		}
	}
	return nil
}

// RenderLayerAttention writes the head maps of a single layer.
func RenderLayerAttention(w io.Writer, layer int, heads []*Tensor, labels []string) error {
	for head, weights := range heads {
		if _, err := fmt.Fprintf(w, "\nlayer %d, head %d\n", layer, head); err != nil {
			return err
		}
		if err := RenderAttentionASCII(w, weights, labels); err != nil {
			return fmt.Errorf("layer %d head %d: %w", layer, head, err)
		}
	}
	return nil
}
