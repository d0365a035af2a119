package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/evolve-orchestrator/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255"))

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))
)

const (
	idWidth     = 38
	statusWidth = 11
	genWidth    = 8
	codePreview = 400
)

func statusStyle(s domain.RunStatus) lipgloss.Style {
	switch s {
	case domain.RunCompleted:
		return completedStyle
	case domain.RunFailed:
		return failedStyle
	default:
		return runningStyle
	}
}

func progress(rec domain.RunRecord) string {
	return fmt.Sprintf("%d/%d", rec.Completed, rec.Generations)
}

// renderRun renders one status view with its best candidate
func renderRun(view domain.RunView) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Run " + view.ID))
	b.WriteString("\n")
	fmt.Fprintf(&b, "Status:      %s\n", statusStyle(view.Status).Render(string(view.Status)))
	fmt.Fprintf(&b, "Generations: %s\n", progress(view.RunRecord))
	fmt.Fprintf(&b, "Results:     %s\n", view.ResultsLocation)
	fmt.Fprintf(&b, "Started:     %s\n", view.StartedAt.Format(time.DateTime))
	if view.FinishedAt != nil {
		fmt.Fprintf(&b, "Duration:    %s\n", view.FinishedAt.Sub(view.StartedAt).Round(time.Second))
	}
	if view.Error != "" {
		fmt.Fprintf(&b, "Error:       %s\n", failedStyle.Render(view.Error))
	}

	if view.Best == nil {
		b.WriteString(dimmedStyle.Render("No candidates yet"))
		return b.String()
	}

	var best strings.Builder
	best.WriteString(headerStyle.Render(fmt.Sprintf("Best candidate %s (score %.2f, generation %d)",
		view.Best.ID, view.Best.CombinedScore, view.Best.Generation)))
	best.WriteString("\n")
	best.WriteString(truncate(strings.TrimSpace(view.Best.Code), codePreview))
	if view.Best.Feedback != "" {
		best.WriteString("\n")
		best.WriteString(dimmedStyle.Render(view.Best.Feedback))
	}
	b.WriteString(sectionStyle.Render(best.String()))

	if len(view.Top) > 1 {
		b.WriteString("\n")
		for i, c := range view.Top {
			fmt.Fprintf(&b, "%2d. %-24s %6.2f  gen %d\n", i+1, c.ID, c.CombinedScore, c.Generation)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderRunTable renders one line per run
func renderRunTable(runs []domain.RunRecord) string {
	if len(runs) == 0 {
		return dimmedStyle.Render("No runs")
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(
		col("RUN", idWidth) + col("STATUS", statusWidth) + col("GENS", genWidth) + "STARTED"))
	b.WriteString("\n")
	for _, rec := range runs {
		b.WriteString(col(rec.ID, idWidth))
		b.WriteString(statusStyle(rec.Status).Width(statusWidth).Render(string(rec.Status)))
		b.WriteString(col(progress(rec), genWidth))
		b.WriteString(rec.StartedAt.Format(time.DateTime))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func col(s string, width int) string {
	return lipgloss.NewStyle().Width(width).Render(s)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
