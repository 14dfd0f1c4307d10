package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// fetchmux sky blue theme
var (
	// Primary colors - Sky blue palette
	SkyBlue      = lipgloss.Color("#87CEEB")
	DeepSkyBlue  = lipgloss.Color("#00BFFF")
	LightSkyBlue = lipgloss.Color("#B0E0E6")
	DarkSkyBlue  = lipgloss.Color("#4A90D9")
	CyanAccent   = lipgloss.Color("#00CED1")

	// Neutral colors
	White     = lipgloss.Color("#FFFFFF")
	LightGray = lipgloss.Color("#B0B0B0")
	DarkGray  = lipgloss.Color("#404040")
	Black     = lipgloss.Color("#1A1A2E")

	// Status colors
	Success = lipgloss.Color("#00FF88")
	Warning = lipgloss.Color("#FFD700")
	Error   = lipgloss.Color("#FF6B6B")
	Info    = lipgloss.Color("#87CEEB")

	// Styles
	TitleStyle = lipgloss.NewStyle().
			Foreground(White).
			Background(DarkSkyBlue).
			Bold(true).
			Padding(0, 2)

	SubtitleStyle = lipgloss.NewStyle().
			Foreground(LightSkyBlue).
			Bold(true)

	LogoStyle = lipgloss.NewStyle().
			Foreground(DeepSkyBlue).
			Bold(true)

	BorderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(SkyBlue).
			Padding(1, 2)

	LabelStyle = lipgloss.NewStyle().
			Foreground(LightSkyBlue)

	ValueStyle = lipgloss.NewStyle().
			Foreground(White).
			Bold(true)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(Success).
			Bold(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(Warning)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true)

	InfoStyle = lipgloss.NewStyle().
			Foreground(Info)

	DimStyle = lipgloss.NewStyle().
			Foreground(LightGray)

	HighlightStyle = lipgloss.NewStyle().
			Foreground(CyanAccent).
			Bold(true)

	ProgressBarStyle = lipgloss.NewStyle().
				Foreground(DeepSkyBlue)

	ProgressEmptyStyle = lipgloss.NewStyle().
				Foreground(DarkGray)

	StatusBarStyle = lipgloss.NewStyle().
			Foreground(LightGray).
			Background(DarkGray).
			Padding(0, 1)

	HelpStyle = lipgloss.NewStyle().
			Foreground(LightGray)
)

// Logo returns the fetchmux banner
func Logo() string {
	return LogoStyle.Render("⇣ fetchmux")
}

// Tagline returns the project tagline
func Tagline() string {
	return DimStyle.Render("Asynchronous HTTP transfer multiplexer")
}

// Divider returns a horizontal divider
func Divider(width int) string {
	return DimStyle.Render(strings.Repeat("─", width))
}

// ProgressBar renders a progress bar
func ProgressBar(percent float64, width int) string {
	filled := min(max(int(float64(width)*percent), 0), width)
	empty := width - filled

	return ProgressBarStyle.Render(strings.Repeat("=", filled)) + ProgressEmptyStyle.Render(strings.Repeat("-", empty))
}

// Bullet points
const (
	BulletPoint = "●"
	ArrowRight  = "→"
	ArrowDown   = "↓"
	CheckMark   = "✓"
	CrossMark   = "✗"
	WarningSign = "⚠"
	PauseSign   = "‖"
)

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
