package cli

import "github.com/charmbracelet/lipgloss"

// Adaptive colors that work on light and dark terminals.
var (
	colorPurple = lipgloss.AdaptiveColor{Light: "#7B2FBE", Dark: "#B97EFF"}
	colorGreen  = lipgloss.AdaptiveColor{Light: "#04B575", Dark: "#04B575"}
	colorRed    = lipgloss.AdaptiveColor{Light: "#FF4672", Dark: "#FF4672"}
	colorAmber  = lipgloss.AdaptiveColor{Light: "#FF8C00", Dark: "#FFA500"}
	colorDimFg  = lipgloss.AdaptiveColor{Light: "#A49FA5", Dark: "#777777"}
	colorBorder = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
)

var pillBase = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("#FFFFFF")).
	Padding(0, 1)

// Status pills, one per connection status.
var pillStyles = map[string]lipgloss.Style{
	"connected":    pillBase.Background(colorGreen),
	"connecting":   pillBase.Background(colorAmber),
	"disconnected": pillBase.Background(colorDimFg),
	"error":        pillBase.Background(colorRed),
	"blocked":      pillBase.Background(colorRed),
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPurple)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorDimFg).
			Width(14)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(colorAmber)

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)
)

func pill(status string) string {
	st, ok := pillStyles[status]
	if !ok {
		st = pillBase.Background(colorDimFg)
	}
	return st.Render(status)
}

func row(label, value string) string {
	return labelStyle.Render(label) + value
}
