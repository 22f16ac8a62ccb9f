package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/nightwatch/pkg/models"
)

// Output formats accepted by -o.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func render(w io.Writer, format string, v any, table func(io.Writer)) error {
	switch format {
	case "", formatTable:
		table(w)
		return nil
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
}

var (
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(18)
)

// panel renders a titled box of label/value rows.
func panel(title string, rows [][2]string) string {
	lines := []string{titleStyle.Render(title)}
	for _, r := range rows {
		lines = append(lines, labelStyle.Render(r[0])+r[1])
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}

func stateColor(s models.SessionState) *color.Color {
	switch s {
	case models.SessionCompleted:
		return color.New(color.FgGreen)
	case models.SessionFailed:
		return color.New(color.FgRed)
	case models.SessionCancelled:
		return color.New(color.FgHiBlack)
	case models.SessionAwaitingApproval:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}

func batchColor(s models.BatchStatus) *color.Color {
	switch s {
	case models.BatchCompleted:
		return color.New(color.FgGreen)
	case models.BatchFailed:
		return color.New(color.FgRed)
	case models.BatchUnknown:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}

func printStatus(w io.Writer, symbol, message string, attr color.Attribute) {
	fmt.Fprintf(w, "%s %s\n", color.New(attr).Sprint(symbol), message)
}

func printItemResults(w io.Writer, results []models.ItemResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "Nothing to do.")
		return
	}
	for _, r := range results {
		if r.OK() {
			printStatus(w, "✓", fmt.Sprintf("%s  %s", r.Key, r.SessionID), color.FgGreen)
		} else {
			printStatus(w, "✗", fmt.Sprintf("%s  %s", r.Key, r.Error), color.FgRed)
		}
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		if m := int(d.Minutes()) % 60; m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dd", int(d.Hours())/24)
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return formatDuration(time.Since(t)) + " ago"
}
