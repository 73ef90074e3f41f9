package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	colorPurple = lipgloss.Color("#7D56F4")
	colorGreen  = lipgloss.Color("#04B575")
	colorRed    = lipgloss.Color("#FF4141")
	colorYellow = lipgloss.Color("#FFC107")
	colorGray   = lipgloss.Color("#626262")

	styleTitle = lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true)

	styleHeader = lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true).
			Padding(0, 1)

	styleCell = lipgloss.NewStyle().Padding(0, 1)

	styleOK     = lipgloss.NewStyle().Foreground(colorGreen).Padding(0, 1)
	styleFailed = lipgloss.NewStyle().Foreground(colorRed).Padding(0, 1)
	styleHalted = lipgloss.NewStyle().Foreground(colorYellow).Padding(0, 1)
	styleMuted  = lipgloss.NewStyle().Foreground(colorGray)
)

const statusCol = 7

// RenderSummary renders the run as a terminal table.
func RenderSummary(r *RunReport) string {
	rows := make([][]string, 0, len(r.Entities))
	for _, e := range r.Entities {
		rows = append(rows, []string{
			e.Entity,
			fmt.Sprint(e.Batches),
			fmt.Sprint(e.Extracted),
			fmt.Sprint(e.SuccessfulUpserts),
			fmt.Sprint(e.FailedUpserts),
			fmt.Sprintf("%d/%d", e.Created, e.Updated),
			fmt.Sprint(e.Audit.Total()),
			entityStatus(e),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorPurple)).
		Headers("ENTITY", "BATCHES", "EXTRACTED", "OK", "FAILED", "NEW/UPD", "ANOMALIES", "STATUS").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styleHeader
			}
			if col != statusCol || row < 0 || row >= len(rows) {
				return styleCell
			}
			switch {
			case strings.HasPrefix(rows[row][col], "halted"):
				return styleHalted
			case rows[row][col] == "failures":
				return styleFailed
			default:
				return styleOK
			}
		})

	var b strings.Builder
	b.WriteString(styleTitle.Render(fmt.Sprintf("Sync %s (%s)", r.RunID, r.Mode)))
	b.WriteString("\n")
	b.WriteString(t.Render())
	b.WriteString("\n")
	b.WriteString(styleMuted.Render(fmt.Sprintf("%d extracted, %d succeeded, %d failed in %s",
		r.Totals.Extracted, r.Totals.SuccessfulUpserts, r.Totals.FailedUpserts,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))))
	b.WriteString("\n")
	return b.String()
}

func entityStatus(e *EntityReport) string {
	switch {
	case e.Halted:
		return "halted: " + e.HaltReason
	case e.FailedUpserts > 0:
		return "failures"
	default:
		return "ok"
	}
}
