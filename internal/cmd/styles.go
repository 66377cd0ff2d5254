package cmd

import "github.com/charmbracelet/lipgloss"

var (
	labelStyle = lipgloss.NewStyle().Bold(true).Width(18)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// stateStyle colors a lifecycle state name.
func stateStyle(state string) lipgloss.Style {
	switch state {
	case "CONNECTED":
		return okStyle
	case "AWAITING_PAIRING", "AUTHENTICATED", "INITIALIZING":
		return warnStyle
	case "DISCONNECTED":
		return errStyle
	default:
		return dimStyle
	}
}

func field(label, value string) string {
	return labelStyle.Render(label) + value
}
