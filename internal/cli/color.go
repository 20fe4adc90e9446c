package cli

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/allyourbase/alterd/internal/alter"
	"github.com/allyourbase/alterd/internal/cli/ui"
)

// colorEnabled reports whether stderr output should be colored.
func colorEnabled() bool {
	return ui.ColorEnabled()
}

// paint renders text with the forced-ANSI renderer when color is true. The
// TTY decision was already made by whoever computed color.
func paint(text string, color bool, style func(lipgloss.Style) lipgloss.Style) string {
	if !color {
		return text
	}
	return style(ui.ForcedRenderer().NewStyle()).Render(text)
}

func bold(text string, color bool) string {
	return paint(text, color, func(s lipgloss.Style) lipgloss.Style { return s.Bold(true) })
}

func dim(text string, color bool) string {
	return paint(text, color, func(s lipgloss.Style) lipgloss.Style { return s.Faint(true) })
}

func cyan(text string, color bool) string {
	return paint(text, color, func(s lipgloss.Style) lipgloss.Style { return s.Foreground(ui.ColorCyan) })
}

func green(text string, color bool) string {
	return paint(text, color, func(s lipgloss.Style) lipgloss.Style { return s.Foreground(ui.ColorGreen) })
}

func yellow(text string, color bool) string {
	return paint(text, color, func(s lipgloss.Style) lipgloss.Style { return s.Foreground(ui.ColorYellow) })
}

func boldCyan(text string, color bool) string {
	return paint(text, color, func(s lipgloss.Style) lipgloss.Style { return s.Bold(true).Foreground(ui.ColorCyan) })
}

// stateColor colors a job state in listings: finished green, cancelled
// yellow, anything still moving cyan.
func stateColor(state string, color bool) string {
	switch alter.JobState(state) {
	case alter.StateFinished:
		return green(state, color)
	case alter.StateCancelled:
		return yellow(state, color)
	default:
		return cyan(state, color)
	}
}
