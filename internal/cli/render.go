package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/ChuLiYu/binpack-coordinator/internal/gate"
	"github.com/ChuLiYu/binpack-coordinator/pkg/types"
	"github.com/charmbracelet/lipgloss"
)

const barWidth = 30

var (
	titleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#89b4fa")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#7f849c"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#a6e3a1")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#f38ba8")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#f9e2af"))
	barStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#89b4fa"))
	panelStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#585b70")).Padding(0, 1)
	spinnerRune = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
)

// renderer writes one line per meaningful snapshot change and the result
// panels once the run is over.
type renderer struct {
	out      io.Writer
	last     string
	frame    int
	rendered map[types.Metric]bool
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out, rendered: make(map[types.Metric]bool)}
}

// update renders snap if it differs from the previous line.
func (r *renderer) update(snap types.JobSnapshot) {
	line := r.statusLine(snap)
	if line != "" && line != r.last {
		fmt.Fprintln(r.out, line)
		r.last = line
	}

	for _, p := range snap.Panels() {
		if r.rendered[p.Metric] {
			continue
		}
		r.rendered[p.Metric] = true
		fmt.Fprintln(r.out, renderPanel(p))
	}
}

func (r *renderer) statusLine(snap types.JobSnapshot) string {
	switch {
	case snap.Status == types.StatusIdle:
		return ""
	case snap.Status == types.StatusDone:
		return okStyle.Render("✔ "+snap.ProgressLabel) + r.diagnostics(snap)
	case snap.Status == types.StatusFailed:
		return failStyle.Render("✘ " + snap.ProgressLabel)
	case snap.ShowProgressBar():
		return progressBar(snap.ProgressPercent) + " " + mutedStyle.Render(snap.ProgressLabel)
	case snap.ShowActivityIndicator():
		r.frame++
		return barStyle.Render(spinnerRune[r.frame%len(spinnerRune)]) + " " + snap.ProgressLabel
	}
	return mutedStyle.Render(string(snap.Status))
}

func (r *renderer) diagnostics(snap types.JobSnapshot) string {
	var b strings.Builder
	for _, m := range types.AllMetrics {
		if a := snap.Results[m]; a.Error != "" {
			b.WriteString("\n  " + warnStyle.Render("! "+a.Error))
		}
	}
	return b.String()
}

// progressBar renders a determinate bar for percent in [0,100].
func progressBar(percent int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent * barWidth / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	return fmt.Sprintf("%s %3d%%", barStyle.Render(bar), percent)
}

// renderPanel summarises one plot document. Rendering the 3D figure itself
// is left to whatever opens the exported JSON.
func renderPanel(p types.Panel) string {
	lines := []string{titleStyle.Render(p.Title)}
	lines = append(lines, fmt.Sprintf("traces: %d", len(p.Plot.Data)))

	if meta, ok := p.Plot.Layout["meta"].(map[string]any); ok {
		if v, ok := number(meta["placed"]); ok {
			lines = append(lines, fmt.Sprintf("placed: %.0f", v))
		}
		if v, ok := number(meta["unplaced"]); ok && v > 0 {
			lines = append(lines, warnStyle.Render(fmt.Sprintf("unplaced: %.0f", v)))
		}
		if v, ok := number(meta["utilization"]); ok {
			lines = append(lines, fmt.Sprintf("utilization: %.1f%%", v*100))
		}
	}
	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// renderCheck prints the gate evaluation used by the check command.
func renderCheck(out io.Writer, boxes []types.BoxSpec, params types.JobParameters) {
	fmt.Fprintln(out, titleStyle.Render("Submission check"))
	fmt.Fprintf(out, "  boxes:      %d\n", len(boxes))
	fmt.Fprintf(out, "  container:  %dx%dx%d (%d)\n", params.GridX, params.GridY, params.GridZ, params.ContainerVolume())

	ratio, ok := gate.Utilization(boxes, params)
	if ok {
		fmt.Fprintf(out, "  utilization: %.1f%% (threshold %.0f%%)\n", ratio*100, gate.Threshold*100)
	} else {
		fmt.Fprintln(out, "  utilization: "+warnStyle.Render("undefined, container volume is not positive"))
	}

	if gate.ShouldConfirm(boxes, params) {
		fmt.Fprintln(out, "  "+warnStyle.Render("confirmation required"))
	} else {
		fmt.Fprintln(out, "  "+okStyle.Render("dispatches without confirmation"))
	}
}
