package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

const (
	statisticHeader = "| %10s | %10s | %10s | %10s | %10s | %10s |\n"
	statisticLine   = "| %10s | %10d | %10d | %10d | %10d | %10d |\n"
)

var lineSeparator = strings.Repeat("-", 79) + "\n"

type reportStyle struct {
	title  lipgloss.Style
	header lipgloss.Style
	ok     lipgloss.Style
	failed lipgloss.Style
}

func newReportStyle(styled bool) reportStyle {
	if !styled {
		plain := lipgloss.NewStyle()
		return reportStyle{title: plain, header: plain, ok: plain, failed: plain}
	}
	return reportStyle{
		title:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4")),
		header: lipgloss.NewStyle().Bold(true),
		ok:     lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")),
		failed: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF4672")),
	}
}

// writeReport writes the statistic table for res.
// Times are in microseconds.
func writeReport(out io.Writer, res *Result, styled bool) error {
	style := newReportStyle(styled)
	var buf strings.Builder
	buf.WriteString(style.title.Render(fmt.Sprintf("Run %s (%s)", res.RunID, res.Mode)) + "\n")
	buf.WriteString(lineSeparator)
	buf.WriteString(style.header.Render(strings.TrimSuffix(fmt.Sprintf(statisticHeader, "name", "count", "min", "max", "avg", "sum"), "\n")) + "\n")
	buf.WriteString(lineSeparator)
	buf.WriteString(fmt.Sprintf(statisticLine,
		res.Name,
		res.Delivered,
		micros(res.Fastest),
		micros(res.Slowest),
		micros(res.Average()),
		micros(res.Total),
	))
	buf.WriteString(lineSeparator)
	buf.WriteString(fmt.Sprintf("pool: obtained=%d allocated=%d recycled=%d\n", res.Pool.Obtained, res.Pool.Allocated, res.Pool.Recycled))
	if res.Complete() {
		buf.WriteString(style.ok.Render(fmt.Sprintf("delivered %d/%d", res.Delivered, res.Posted)) + "\n")
	} else {
		buf.WriteString(style.failed.Render(fmt.Sprintf("delivered %d/%d", res.Delivered, res.Posted)) + "\n")
	}
	_, err := io.WriteString(out, buf.String())
	return err
}

func micros(d time.Duration) int64 {
	return d.Microseconds()
}
