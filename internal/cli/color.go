package cli

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/taskdaemon/taskdaemon-sub002/internal/models"
)

var (
	styleRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleWaiting  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleBlocked  = lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true)
	styleComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	styleFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	styleMuted    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func colorEnabled() bool {
	if IsJSONOutput() || IsJSONLOutput() {
		return false
	}
	if noColor {
		return false
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return hasTTY()
}

func hasTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func colorize(text string, style lipgloss.Style) string {
	if !colorEnabled() {
		return text
	}
	return style.Render(text)
}

func statusStyle(status models.LoopStatus) lipgloss.Style {
	switch status {
	case models.LoopStatusRunning:
		return styleRunning
	case models.LoopStatusPaused, models.LoopStatusRebasing:
		return styleWaiting
	case models.LoopStatusBlocked:
		return styleBlocked
	case models.LoopStatusComplete:
		return styleComplete
	case models.LoopStatusFailed:
		return styleFailed
	default:
		return styleMuted
	}
}

func formatStatus(status models.LoopStatus) string {
	return colorize(string(status), statusStyle(status))
}
