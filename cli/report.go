package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/sliverarmory/sonamer/closure"
)

var (
	sectionStyle = lipgloss.NewStyle().Bold(true)
	noneStyle    = lipgloss.NewStyle().Faint(true)
	entryStyles  = map[string]lipgloss.Style{
		"NEEDED but not provided": lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		"Provided but not NEEDED": lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		"Unreadable":              lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}
)

// writeReport prints the closure report, styled when w is a terminal.
func writeReport(w io.Writer, report *closure.Report) error {
	if !isTerminal(w) {
		_, err := report.WriteTo(w)
		return err
	}

	var b strings.Builder
	for _, section := range report.Sections() {
		b.WriteString(sectionStyle.Render(section.Title+":") + "\n")
		if len(section.Entries) == 0 {
			b.WriteString("    " + noneStyle.Render("<none>") + "\n")
			continue
		}
		style := entryStyles[section.Title]
		for _, entry := range section.Entries {
			b.WriteString("    " + style.Render(entry) + "\n")
		}
	}
	if len(report.System) > 0 {
		b.WriteString(noneStyle.Render(fmt.Sprintf("(%d provided by the device image)", len(report.System))) + "\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}
