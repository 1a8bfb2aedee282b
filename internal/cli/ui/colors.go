// Package ui provides UI styling and output functions for the CLI.
package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/aki/wesd/internal/core/run/state"
)

var (
	// ErrorStyle is the style for error messages
	ErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))

	// SuccessStyle is the style for success messages
	SuccessStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))

	// InfoStyle is the style for informational messages
	InfoStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#0099FF"))

	// WarningStyle is the style for warning messages
	WarningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAA00"))

	// DimStyle is the style for dimmed text
	DimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	// BoldStyle is the style for bold text
	BoldStyle = lipgloss.NewStyle().Bold(true)

	// RunIcon is the icon for runs
	RunIcon = "🧪"

	// SuccessIcon is the icon for success messages
	SuccessIcon = "✅"

	// ErrorIcon is the icon for error messages
	ErrorIcon = "❌"

	// InfoIcon is the icon for informational messages
	InfoIcon = "ⓘ"

	// WarningIcon is the icon for warning messages
	WarningIcon = "⚠️"
)

// StateStyle returns the style used to render a run state
func StateStyle(s state.Status) lipgloss.Style {
	switch {
	case s == state.StatusComplete:
		return SuccessStyle
	case s == state.StatusExecutorError, s == state.StatusSystemError:
		return ErrorStyle
	case s == state.StatusCanceled, s == state.StatusDeleted:
		return DimStyle
	case s.IsActive():
		return InfoStyle
	default:
		return WarningStyle
	}
}
