package assistant

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/martinemde/av/orchestrator"
	"github.com/martinemde/av/plan"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	mutedStyle  = lipgloss.NewStyle().Faint(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFC107"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#e53935")).Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#8BC34A"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// RenderPlan formats an inference result for the terminal.
func RenderPlan(strategy string, inf *Inference) string {
	var b strings.Builder
	p := inf.Plan
	if p == nil {
		p = &plan.Plan{}
	}

	b.WriteString(titleStyle.Render("Dependency plan"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s %s\n", mutedStyle.Render("Strategy:"), strategy)
	if p.Source != "" {
		fmt.Fprintf(&b, "%s %s\n", mutedStyle.Render("Source:"), p.Source)
	}
	if inf.Turns > 0 {
		fmt.Fprintf(&b, "%s %d\n", mutedStyle.Render("Turns:"), inf.Turns)
	}
	if p.Rationale != "" {
		fmt.Fprintf(&b, "%s %s\n", mutedStyle.Render("Rationale:"), p.Rationale)
	}

	switch inf.State {
	case orchestrator.StateFailed:
		fmt.Fprintf(&b, "%s %v\n", errorStyle.Render("Inference failed:"), inf.Err)
		return b.String()
	case orchestrator.StateBudgetExceeded:
		b.WriteString(warnStyle.Render("Partial plan: the turn budget ran out before the analysis finished."))
		b.WriteString("\n")
	}

	if len(p.Entries) > 0 {
		b.WriteString(entriesTable(p.Entries))
		b.WriteString("\n")
	}
	for _, r := range p.Rejected {
		fmt.Fprintf(&b, "%s %s (%s)\n", warnStyle.Render("Rejected:"), r.Name, r.Reason)
	}
	return b.String()
}

func entriesTable(entries []plan.Entry) string {
	rows := make([][]string, 0, len(entries))
	for i, e := range entries {
		rows = append(rows, []string{strconv.Itoa(i + 1), e.Name, verification(e), e.Note})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers("#", "Package", "Verified", "Note").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.String()
}

func verification(e plan.Entry) string {
	switch {
	case e.Verified:
		return "yes"
	case e.Unverified:
		return "failed"
	default:
		return "-"
	}
}

// RenderInstall summarizes per-package install results.
func RenderInstall(installed, failed []string) string {
	var b strings.Builder
	for _, name := range installed {
		fmt.Fprintf(&b, "%s %s\n", okStyle.Render("installed"), name)
	}
	for _, name := range failed {
		fmt.Fprintf(&b, "%s %s\n", errorStyle.Render("failed"), name)
	}
	return b.String()
}
