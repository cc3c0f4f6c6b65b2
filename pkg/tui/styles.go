// Package tui renders a session's status.json in the terminal, either once
// or as a live Bubble Tea view that follows the file while the test runs.
package tui

import "github.com/charmbracelet/lipgloss"

// Stage glyphs convey meaning without relying on color alone.
const (
	GlyphPending = "○"
	GlyphCurrent = "▸"
	GlyphPassed  = "✓"
	GlyphFailed  = "✗"
	GlyphBreak   = "⏸"
)

var (
	colorGreen  = lipgloss.Color("42")
	colorRed    = lipgloss.Color("196")
	colorYellow = lipgloss.Color("214")
	colorCyan   = lipgloss.Color("51")
	colorDim    = lipgloss.Color("240")
	colorWhite  = lipgloss.Color("255")
)

var headerStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(colorCyan).
	Padding(0, 1)

// --- Stage list styles ---

var (
	stagePending = lipgloss.NewStyle().
			Faint(true)

	stageCurrent = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorYellow)

	stagePassed = lipgloss.NewStyle().
			Foreground(colorGreen)

	stageFailed = lipgloss.NewStyle().
			Foreground(colorRed)

	breakStyle = lipgloss.NewStyle().
			Foreground(colorDim)
)

// --- Status badges ---

var (
	badgeRunning = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("0")).
			Background(colorYellow).
			Padding(0, 1)

	badgeSuccess = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("0")).
			Background(colorGreen).
			Padding(0, 1)

	badgeFailed = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorWhite).
			Background(colorRed).
			Padding(0, 1)
)

var (
	panelBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorDim).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorDim)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	spinnerStyle = lipgloss.NewStyle().
			Foreground(colorYellow)
)
