// Package tui renders replay progress and result summaries for the CLI.
// Plain streaming output, no full-screen interface.
package tui

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"

	"github.com/logflow/simlog/internal/model"
)

// Colors (Swiss minimal)
var (
	accent  = lipgloss.Color("#FF0000")
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	white   = lipgloss.Color("#FFFFFF")
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(white)
	accentStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	codeStyle    = lipgloss.NewStyle().Background(lipgloss.Color("#1a1a1a")).Foreground(white).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().PaddingRight(2)
)

// progressEvery is how many events pass between bar redraws.
const progressEvery = 4096

// Progress counts replayed events on an indeterminate progress bar that
// shows the current simulation time.
type Progress struct {
	bar     *progressbar.ProgressBar
	events  int64
	pending int64
}

// NewProgress creates a progress bar writing to w.
func NewProgress(w io.Writer, description string) *Progress {
	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("events"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	return &Progress{bar: bar}
}

// Observe counts one event. It has the shape of an event handler so it can
// be registered on the bus.
func (p *Progress) Observe(ev model.Event) error {
	p.events++
	p.pending++
	if p.pending < progressEvery {
		return nil
	}
	p.bar.Describe(fmt.Sprintf("replaying %s", FormatSimTime(ev.SimTime())))
	err := p.bar.Add64(p.pending)
	p.pending = 0
	return err
}

// Events returns the number of observed events.
func (p *Progress) Events() int64 { return p.events }

// Finish flushes the remaining count and clears the bar.
func (p *Progress) Finish() error {
	if p.pending > 0 {
		if err := p.bar.Add64(p.pending); err != nil {
			return err
		}
		p.pending = 0
	}
	return p.bar.Finish()
}

// FormatSimTime formats seconds after midnight as HH:MM:SS. Hours run past
// 24 for simulations longer than a day.
func FormatSimTime(t uint32) string {
	return fmt.Sprintf("%02d:%02d:%02d", t/3600, t/60%60, t%60)
}

// Output describes one written table.
type Output struct {
	Name string
	Path string
	Rows int64
}

// Report summarizes a finished replay.
type Report struct {
	RunID    string
	Events   int64
	ByKind   map[string]int64
	Outputs  []Output
	Duration time.Duration
}

// PrintReport prints results after a replay.
func PrintReport(w io.Writer, r Report) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, successStyle.Render("  ✓ REPLAY COMPLETE"))
	fmt.Fprintln(w)
	if r.RunID != "" {
		fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render("Run:"), codeStyle.Render(r.RunID))
	}
	fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render("Events:"), titleStyle.Render(formatNumber(r.Events)))

	kinds := make([]string, 0, len(r.ByKind))
	for k := range r.ByKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "    %s %s\n", mutedStyle.Render(fmt.Sprintf("%-16s", k)), formatNumber(r.ByKind[k]))
	}

	if r.Duration > 0 {
		throughput := float64(r.Events) / r.Duration.Seconds()
		fmt.Fprintf(w, "  %s %s %s\n",
			mutedStyle.Render("Time:"),
			titleStyle.Render(formatDuration(r.Duration)),
			mutedStyle.Render(fmt.Sprintf("(%s events/sec)", formatNumber(int64(throughput)))))
	}

	if len(r.Outputs) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, accentStyle.Render("▸ OUTPUTS"))
		for _, o := range r.Outputs {
			fmt.Fprintf(w, "  %s %s %s\n",
				titleStyle.Render(fmt.Sprintf("%-12s", o.Name)),
				codeStyle.Render(o.Path),
				mutedStyle.Render(fmt.Sprintf("(%s rows)", formatNumber(o.Rows))))
		}
	}
	fmt.Fprintln(w)
}

// PrintTable prints rows under a header with aligned columns.
func PrintTable(w io.Writer, title string, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(cell))
			}
		}
	}

	render := func(cells []string, style lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = cellStyle.Inherit(style).Width(widths[i] + 2).Render(c)
		}
		return "  " + lipgloss.JoinHorizontal(lipgloss.Top, parts...)
	}

	fmt.Fprintln(w)
	if title != "" {
		fmt.Fprintln(w, accentStyle.Render("▸ "+title))
	}
	fmt.Fprintln(w, render(header, mutedStyle))
	for _, row := range rows {
		fmt.Fprintln(w, render(row, lipgloss.NewStyle()))
	}
	fmt.Fprintln(w)
}

// PrintError prints a failure line.
func PrintError(w io.Writer, err error) {
	fmt.Fprintln(w, accentStyle.Render("  ✗ ")+err.Error())
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}
