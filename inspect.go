package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
)

// CountParameters returns the total number of scalar weights in params.
func CountParameters(params []Parameter) int {
	total := 0
	for _, p := range params {
		total += p.Tensor.Size()
	}
	return total
}

// HumanCount formats a parameter count as 4.39M, 12.5K, etc.
func HumanCount(n int) string {
	const (
		thousand = 1000
		million  = thousand * 1000
		billion  = million * 1000
	)

	switch {
	case n >= billion:
		return decimalPlace(float64(n)/billion) + "B"
	case n >= million:
		return decimalPlace(float64(n)/million) + "M"
	case n >= thousand:
		return decimalPlace(float64(n)/thousand) + "K"
	default:
		return fmt.Sprintf("%d", n)
	}
}

func decimalPlace(number float64) string {
	switch {
	case number >= 100:
		return fmt.Sprintf("%.0f", number)
	case number >= 10:
		return fmt.Sprintf("%.1f", number)
	default:
		return fmt.Sprintf("%.2f", number)
	}
}

// formatShape renders a shape as 64x256.
func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return strings.Join(parts, "x")
}

// ParameterTable writes one row per parameter followed by a total. With
// withHalf set, each row also shows the worst float16 round-trip error.
func ParameterTable(w io.Writer, params []Parameter, withHalf bool) {
	header := []string{"NAME", "SHAPE", "PARAMS"}
	if withHalf {
		header = append(header, "FP16 MAX ERR")
	}

	var data [][]string
	for _, p := range params {
		row := []string{p.Name, formatShape(p.Tensor.Shape()), fmt.Sprintf("%d", p.Tensor.Size())}
		if withHalf {
			row = append(row, fmt.Sprintf("%.3g", HalfError(p.Tensor)))
		}
		data = append(data, row)
	}

	total := CountParameters(params)
	footer := []string{"TOTAL", "", fmt.Sprintf("%d (%s)", total, HumanCount(total))}
	if withHalf {
		footer = append(footer, fmt.Sprintf("%s fp16", humanBytes(2*total)))
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Append(footer)
	table.Render()
}

func humanBytes(n int) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
