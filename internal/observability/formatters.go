// Package observability provides formatted output utilities for the CLI.
package observability

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/jonathan/scene-rewriter/internal/activity"
	"github.com/jonathan/scene-rewriter/internal/orchestrator"
	"github.com/jonathan/scene-rewriter/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
	// barWidth is the width of the progress bar in status lines
	barWidth = 24
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1).Width(boxWidth)
)

// Printer handles formatted output for the CLI
type Printer struct {
	out io.Writer
	bar progress.Model
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{
		out: out,
		bar: progress.New(progress.WithDefaultGradient(), progress.WithWidth(barWidth), progress.WithoutPercentage()),
	}
}

// printBox prints a bordered panel with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if len(line) > boxWidth-4 {
			lines[i] = line[:boxWidth-7] + "..."
		}
	}
	body := titleStyle.Render(title) + "\n\n" + strings.Join(lines, "\n")
	fmt.Fprintln(p.out, panelStyle.Render(body))
}

// PrintProbe outputs how the engine split the source
func (p *Printer) PrintProbe(probe *types.ProbeResult) {
	if probe == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Strategy: %s\n", probe.Strategy))
	sb.WriteString(fmt.Sprintf("Units:    %d\n", probe.UnitCount))
	sb.WriteString(fmt.Sprintf("Size:     %d chars", probe.ContentSize))
	if !probe.HasUnits {
		sb.WriteString("\n\n" + mutedStyle.Render("No scene breaks found; the source is chunked."))
	}
	p.printBox("SOURCE", sb.String())
}

// PrintPlan outputs the scope of a selective rewrite
func (p *Printer) PrintPlan(plan *types.ScopePlan) {
	if plan == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Targets: %s\n", unitList(plan.TargetUnitNumbers)))
	if len(plan.ContextUnitNumbers) > 0 {
		sb.WriteString(fmt.Sprintf("Context: %s\n", unitList(plan.ContextUnitNumbers)))
	}
	if len(plan.AtRiskUnitNumbers) > 0 {
		sb.WriteString(fmt.Sprintf("At risk: %s\n", unitList(plan.AtRiskUnitNumbers)))
	}
	if plan.PropagationDepth > 0 {
		sb.WriteString(fmt.Sprintf("Depth:   %d (expanded from %s)\n", plan.PropagationDepth, unitList(plan.ScopeExpandedFrom)))
	}
	if plan.Fallback {
		sb.WriteString(warnStyle.Render("Planner unavailable; rewriting every unit") + "\n")
	}
	if plan.Reason != "" {
		sb.WriteString("\n" + plan.Reason + "\n")
	}

	if len(plan.Contracts) > 0 {
		sb.WriteString("\nContracts:\n")
		count := min(len(plan.Contracts), maxItemsToShow)
		for i := 0; i < count; i++ {
			sb.WriteString(fmt.Sprintf("  • %s\n", plan.Contracts[i].Description))
		}
		if len(plan.Contracts) > maxItemsToShow {
			sb.WriteString(fmt.Sprintf("  ... and %d more\n", len(plan.Contracts)-maxItemsToShow))
		}
	}

	p.printBox("SCOPE PLAN", strings.TrimSuffix(sb.String(), "\n"))
}

// ProgressLine renders one status line for a pipeline snapshot
func (p *Printer) ProgressLine(state orchestrator.PipelineState) string {
	agg := state.Aggregate
	parts := []string{
		phaseStyle(state.Phase).Render(fmt.Sprintf("%-10s", state.Phase)),
		p.bar.ViewAs(state.SmoothedPercent / 100),
		fmt.Sprintf("%3.0f%%", state.SmoothedPercent),
		fmt.Sprintf("%d/%d done", agg.Done, agg.Total),
	}
	if agg.Running > 0 {
		parts = append(parts, fmt.Sprintf("%d running", agg.Running))
	}
	if agg.Failed > 0 {
		parts = append(parts, errorStyle.Render(fmt.Sprintf("%d failed", agg.Failed)))
	}
	if state.EtaMs > 0 && state.Phase.Busy() {
		parts = append(parts, mutedStyle.Render("eta "+FormatDuration(time.Duration(state.EtaMs)*time.Millisecond)))
	}
	return strings.Join(parts, "  ")
}

// PrintProgress writes the status line of a snapshot
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintProgress(state orchestrator.PipelineState) {
	fmt.Fprintln(p.out, p.ProgressLine(state))
}

// PrintStatus outputs the authoritative job set of a run
func (p *Printer) PrintStatus(runID types.RunID, status *types.StatusResponse) {
	if status == nil {
		return
	}

	agg := status.Aggregate()
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Run:     %s\n", runID))
	sb.WriteString(fmt.Sprintf("Done:    %d/%d (%.0f%%)\n", agg.Done, agg.Total, agg.Percent()))
	sb.WriteString(fmt.Sprintf("Queued:  %d\n", agg.Queued))
	sb.WriteString(fmt.Sprintf("Running: %d\n", agg.Running))
	sb.WriteString(fmt.Sprintf("Failed:  %d", agg.Failed))
	if agg.OldestRunningClaimedAt != nil {
		sb.WriteString(fmt.Sprintf("\nOldest claim: %s", agg.OldestRunningClaimedAt.Format(time.RFC3339)))
	}

	var failed []types.Job
	for _, job := range status.Jobs {
		if job.Status == types.JobFailed {
			failed = append(failed, job)
		}
	}
	if len(failed) > 0 {
		sb.WriteString("\n\nFailed units:\n")
		count := min(len(failed), maxItemsToShow)
		for i := 0; i < count; i++ {
			msg := "no error recorded"
			if failed[i].Error != nil {
				msg = *failed[i].Error
			}
			sb.WriteString(fmt.Sprintf("  ⚠ %d: %s\n", failed[i].UnitNumber, msg))
		}
		if len(failed) > maxItemsToShow {
			sb.WriteString(fmt.Sprintf("  ... and %d more\n", len(failed)-maxItemsToShow))
		}
	}

	p.printBox("RUN STATUS", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintVerification outputs the result of a continuity check
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintVerification(v *types.Verification) {
	if v == nil {
		return
	}
	if v.Pass {
		fmt.Fprintln(p.out, okStyle.Render("✓ Verification passed"))
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d failures:\n\n", len(v.Failures)))
	for i, f := range v.Failures {
		sb.WriteString(fmt.Sprintf("⚠ %s\n", f.Description))
		if len(f.UnitNumbers) > 0 {
			sb.WriteString(fmt.Sprintf("  units %s\n", unitList(f.UnitNumbers)))
		}
		if i < len(v.Failures)-1 {
			sb.WriteString("\n")
		}
	}
	p.printBox("VERIFICATION FAILED", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintAssembled outputs the final artifact summary
func (p *Printer) PrintAssembled(result *types.AssembleResult) {
	if result == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Artifact: %s\n", result.NewArtifactID))
	sb.WriteString(fmt.Sprintf("Label:    %s\n", result.Label))
	sb.WriteString(fmt.Sprintf("Units:    %d\n", result.UnitCount))
	sb.WriteString(fmt.Sprintf("Size:     %d chars", result.CharCount))
	if result.Selective {
		sb.WriteString("\n" + mutedStyle.Render("Selective: untouched units keep their original text"))
	}
	p.printBox("ASSEMBLED", sb.String())
}

// PrintNotice outputs a blocking notice
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintNotice(notice *orchestrator.Notice) {
	if notice == nil {
		return
	}
	line := warnStyle.Render("! " + notice.Message)
	if notice.RetryAfter > 0 {
		line += mutedStyle.Render(fmt.Sprintf(" (retry in %s)", FormatDuration(notice.RetryAfter)))
	}
	fmt.Fprintln(p.out, line)
}

// PrintActivity outputs activity entries, newest last
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintActivity(entries []activity.Entry) {
	for _, e := range entries {
		tag := string(e.Severity)
		switch e.Severity {
		case activity.SeverityWarn:
			tag = warnStyle.Render(tag)
		case activity.SeverityError:
			tag = errorStyle.Render(tag)
		default:
			tag = mutedStyle.Render(tag)
		}
		fmt.Fprintf(p.out, "%s %-5s %s\n", mutedStyle.Render(e.Time.Format("15:04:05")), tag, e.Message)
	}
}

func phaseStyle(phase orchestrator.Phase) lipgloss.Style {
	switch phase {
	case orchestrator.PhaseComplete:
		return okStyle
	case orchestrator.PhaseError:
		return errorStyle
	default:
		return titleStyle
	}
}

// FormatDuration renders d as a short human duration such as 1m05s
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}

func unitList(units []int) string {
	if len(units) == 0 {
		return "none"
	}
	parts := make([]string, len(units))
	for i, u := range units {
		parts[i] = fmt.Sprint(u)
	}
	return strings.Join(parts, ", ")
}
