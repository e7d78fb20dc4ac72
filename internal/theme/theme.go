// Package theme holds the lipgloss styles of the command line output.
package theme

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailsync/internal/model"
)

// Adaptive color pairs (dark terminal value, light terminal value).
var (
	ColorBlue    = lipgloss.AdaptiveColor{Dark: "#5B9BD5", Light: "#2B6CB0"}
	ColorGreen   = lipgloss.AdaptiveColor{Dark: "#6BCB77", Light: "#2F855A"}
	ColorYellow  = lipgloss.AdaptiveColor{Dark: "#FFD93D", Light: "#B7791F"}
	ColorRed     = lipgloss.AdaptiveColor{Dark: "#FF6B6B", Light: "#C53030"}
	ColorMagenta = lipgloss.AdaptiveColor{Dark: "#CC5DE8", Light: "#805AD5"}
	ColorGray    = lipgloss.AdaptiveColor{Dark: "#868E96", Light: "#718096"}
	ColorWhite   = lipgloss.AdaptiveColor{Dark: "#F8F9FA", Light: "#1A202C"}
	ColorBorder  = lipgloss.AdaptiveColor{Dark: "#495057", Light: "#E2E8F0"}
)

// HeaderStyle is used for table headers and titles.
var HeaderStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorWhite).
	Background(ColorBlue).
	Padding(0, 1)

// CellStyle pads table cells.
var CellStyle = lipgloss.NewStyle().Padding(0, 1)

// HelpStyle is used for hints printed after command output.
var HelpStyle = lipgloss.NewStyle().
	Foreground(ColorGray).
	Italic(true)

// BorderStyle colors table borders.
var BorderStyle = lipgloss.NewStyle().
	Foreground(ColorBorder)

// ErrorStyle highlights error details.
var ErrorStyle = lipgloss.NewStyle().
	Foreground(ColorRed)

// StatusStyle returns a color-coded style for a connection status.
func StatusStyle(status model.ConnectionStatus) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true)

	switch status {
	case model.StatusConnected:
		return base.Foreground(ColorGreen)
	case model.StatusPending:
		return base.Foreground(ColorYellow)
	case model.StatusError:
		return base.Foreground(ColorRed)
	default:
		return base.Foreground(ColorGray)
	}
}

// ProviderStyle returns a color-coded style for a provider label.
func ProviderStyle(p model.Provider) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true)

	switch p {
	case model.ProviderGmail:
		return base.Foreground(ColorBlue)
	case model.ProviderJMAP:
		return base.Foreground(ColorMagenta)
	default:
		return base.Foreground(ColorGray)
	}
}
