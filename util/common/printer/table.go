// Package printer renders tabular command output.
package printer

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/pterm/pterm"
)

var headerStyle = lipgloss.NewStyle().Bold(true)

// Header prints a styled section header.
func Header(title string) {
	pterm.DefaultSection.Println(headerStyle.Render(title))
}

// Table renders headers and rows as an aligned table. Empty cells are
// shown as "-" so sparse columns stay readable.
func Table(headers []string, rows [][]string) {
	data := pterm.TableData{headers}
	for _, row := range rows {
		cells := make([]string, len(headers))
		for i := range headers {
			if i < len(row) && row[i] != "" {
				cells[i] = row[i]
			} else {
				cells[i] = "-"
			}
		}
		data = append(data, cells)
	}

	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		// Fall back to plain output when the terminal rejects styling.
		for _, row := range data {
			pterm.Println(row)
		}
	}
}
