package utils

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)
}

// Styles used to highlight log messages by severity.
var (
	RedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#cc0000"))
	OrangeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff7c28"))
	YellowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#cc9500"))
	GreenStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#06cc00"))
	GrayStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#adadad"))
)
