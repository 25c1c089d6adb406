// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

// ComparisonTable renders the evaluation results side by side, one row per
// result, with the error rate (1 - accuracy) spelled out.
func ComparisonTable(results ...EvalResult) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == 0 {
				return headerStyle
			}
			return cellStyle
		})
	table.Headers("Model", "Dataset", "Loss", "Accuracy", "Error rate")
	for _, r := range results {
		table.Row(r.Model, r.Dataset,
			fmt.Sprintf("%.4f", r.Loss),
			fmt.Sprintf("%.2f%%", 100*r.Accuracy),
			fmt.Sprintf("%.2f%%", 100*r.ErrorRate()))
	}
	return table.String()
}

// ErrorRateImprovement returns the relative reduction of the error rate
// from the baseline result to the improved one: 0.68 means the improved
// model makes 68% fewer mistakes. Negative if the "improved" model is
// actually worse. Returns 0 if the baseline makes no mistakes.
func ErrorRateImprovement(baseline, improved EvalResult) float64 {
	baseErr := baseline.ErrorRate()
	if baseErr <= 0 {
		return 0
	}
	return (baseErr - improved.ErrorRate()) / baseErr
}
