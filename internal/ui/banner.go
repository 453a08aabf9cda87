// Package ui draws the console banners and progress bars around a run.
package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const (
	AppName      = "Ani4K HUB Watermarker"
	defaultWidth = 100
)

var (
	accent      = lipgloss.Color("#00B7C3")
	lineStyle   = lipgloss.NewStyle().Foreground(accent)
	titleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F5D90A")).Bold(true)
	fileStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFE066"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#3DD68C")).Bold(true)
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.DoubleBorder()).BorderForeground(accent).Padding(0, 1)
)

// Console prints the run's banners.
type Console struct {
	w     io.Writer
	width int
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w, width: defaultWidth}
}

func (c *Console) line(style lipgloss.Style, ch string) string {
	return style.Render(strings.Repeat(ch, c.width))
}

func (c *Console) center(style lipgloss.Style, text string) string {
	return style.Width(c.width).Align(lipgloss.Center).Render(text)
}

// AppHeader prints the application title between two rules.
func (c *Console) AppHeader() {
	title := " " + AppName + " "
	pad := c.width - lipgloss.Width(title)
	if pad < 0 {
		pad = 0
	}
	left := strings.Repeat("-", pad/2)
	right := strings.Repeat("-", pad-pad/2)

	fmt.Fprintln(c.w)
	fmt.Fprintln(c.w, c.line(lineStyle, "="))
	fmt.Fprintln(c.w, titleStyle.Render(left+title+right))
	fmt.Fprintln(c.w, c.line(lineStyle, "="))
	fmt.Fprintln(c.w)
}

// Modes prints the selected processing mode in a box.
func (c *Console) Modes(selected string, modes map[string]string, order []string) {
	lines := []string{"Processing mode"}
	for _, key := range order {
		mark := " "
		if key == selected {
			mark = "*"
		}
		lines = append(lines, fmt.Sprintf(" %s %s - %s", mark, key, modes[key]))
	}
	fmt.Fprintln(c.w, boxStyle.Width(c.width-2).Render(strings.Join(lines, "\n")))
}

// FileHeader announces the file about to be processed.
func (c *Console) FileHeader(name string) {
	fmt.Fprintln(c.w)
	fmt.Fprintln(c.w, c.line(lineStyle, "="))
	fmt.Fprintln(c.w, fileStyle.Render("Processing file: "+name))
	fmt.Fprintln(c.w, c.line(lineStyle, "="))
	fmt.Fprintln(c.w)
}

// Footer closes the run with message centred between green rules.
func (c *Console) Footer(message string) {
	if message == "" {
		message = "Done"
	}
	fmt.Fprintln(c.w)
	fmt.Fprintln(c.w, c.line(footerStyle, "="))
	fmt.Fprintln(c.w, c.center(footerStyle, message))
	fmt.Fprintln(c.w, c.line(footerStyle, "="))
}
