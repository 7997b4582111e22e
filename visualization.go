package main

/*
WHAT'S GOING ON HERE?

This file writes attention maps to a self-contained HTML page: one heatmap
per (layer, head), with token labels on both axes and the probability in
each cell's tooltip.

WHY HTML?
- Works everywhere (just open in browser)
- Self-contained (no server, no scripts, no external assets)
- Large sequences stay readable where the ASCII view runs out of columns
*/

import (
	"fmt"
	"html"
	"os"
	"strings"
)

// SaveAttentionHTML writes attentions[layer][head] (seq, seq) maps to path.
func SaveAttentionHTML(path string, attentions [][]*Tensor, labels []string) error {
	page, err := renderAttentionHTML(attentions, labels)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(page), 0o644); err != nil {
		return fmt.Errorf("write attention page: %w", err)
	}
	return nil
}

func renderAttentionHTML(attentions [][]*Tensor, labels []string) (string, error) {
	if len(attentions) == 0 {
		return "", fmt.Errorf("%w: no attention maps captured", ErrEmptyInput)
	}

	var sb strings.Builder
	sb.WriteString(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Attention Maps - minibert</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', 'Roboto', sans-serif;
            background: #0d1117;
            color: #c9d1d9;
            padding: 20px;
        }
        h1 { color: #58a6ff; font-size: 28px; }
        h2 { font-size: 16px; margin-top: 30px; }
        .layer { display: flex; flex-wrap: wrap; gap: 24px; }
        table { border-collapse: collapse; font-size: 11px; }
        td { width: 22px; height: 22px; border: 1px solid #30363d; }
        th { color: #8b949e; font-weight: normal; padding: 2px 4px; }
        th.col { writing-mode: vertical-rl; transform: rotate(180deg); }
    </style>
</head>
<body>
    <h1>Attention Maps</h1>
`)

	for layer, heads := range attentions {
		fmt.Fprintf(&sb, "    <h2>Layer %d</h2>\n    <div class=\"layer\">\n", layer)
		for head, weights := range heads {
			if weights.Dims() != 2 || weights.shape[0] != weights.shape[1] {
				return "", fmt.Errorf("%w: layer %d head %d map is %v", ErrShapeMismatch, layer, head, weights.shape)
			}
			writeHeatmap(&sb, head, weights, labels)
		}
		sb.WriteString("    </div>\n")
	}

	sb.WriteString("</body>\n</html>\n")
	return sb.String(), nil
}

func writeHeatmap(sb *strings.Builder, head int, weights *Tensor, labels []string) {
	n := weights.shape[0]
	label := func(i int) string {
		if i < len(labels) {
			return html.EscapeString(labels[i])
		}
		return fmt.Sprintf("%d", i)
	}

	fmt.Fprintf(sb, "      <table>\n        <caption>head %d</caption>\n        <tr><th></th>", head)
	for j := 0; j < n; j++ {
		fmt.Fprintf(sb, "<th class=\"col\">%s</th>", label(j))
	}
	sb.WriteString("</tr>\n")

	for i := 0; i < n; i++ {
		fmt.Fprintf(sb, "        <tr><th>%s</th>", label(i))
		for j := 0; j < n; j++ {
			p := weights.At(i, j)
			fmt.Fprintf(sb, "<td style=\"background: rgba(88, 166, 255, %.3f)\" title=\"%s → %s: %.4f\"></td>",
				p, label(i), label(j), p)
		}
		sb.WriteString("</tr>\n")
	}
	sb.WriteString("      </table>\n")
}
