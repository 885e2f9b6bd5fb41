// Package banner renders connection transitions as a one-line banner, the
// terminal counterpart of the app's "Offline" / "Reconnecting" strip.
package banner

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/fallhelp/monitor/internal/fallhelp/types"
)

type theme struct {
	Connected    lipgloss.Color
	Reconnecting lipgloss.Color
	Offline      lipgloss.Color
	Muted        lipgloss.Color
}

var defaultTheme = theme{
	Connected:    lipgloss.Color("10"),  // Green
	Reconnecting: lipgloss.Color("11"),  // Yellow
	Offline:      lipgloss.Color("9"),   // Red
	Muted:        lipgloss.Color("240"), // Gray
}

// Notifier writes one banner line per transition.  Styling is used only when
// the output is a terminal.
type Notifier struct {
	mu     sync.Mutex
	out    io.Writer
	styled bool
}

func New(out io.Writer) *Notifier {
	styled := false
	if f, ok := out.(*os.File); ok {
		styled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Notifier{out: out, styled: styled}
}

// Observe is a state observer; subscribe it to the live manager.
func (n *Notifier) Observe(tr types.Transition) {
	line := n.Render(tr)
	n.mu.Lock()
	defer n.mu.Unlock()
	_, _ = fmt.Fprintln(n.out, line)
}

func (n *Notifier) Render(tr types.Transition) string {
	label, color := labelFor(tr.To)
	stamp := tr.At.Local().Format("15:04:05")
	reason := ""
	if tr.Reason != "" {
		reason = " (" + tr.Reason + ")"
	}

	if !n.styled {
		return fmt.Sprintf("[%s] %s%s", stamp, label, reason)
	}

	badge := lipgloss.NewStyle().
		Bold(true).
		Padding(0, 1).
		Foreground(lipgloss.Color("0")).
		Background(color).
		Render(label)
	muted := lipgloss.NewStyle().Foreground(defaultTheme.Muted)
	return lipgloss.JoinHorizontal(lipgloss.Top, muted.Render(stamp+" "), badge, muted.Render(reason))
}

func labelFor(s types.ConnectionState) (string, lipgloss.Color) {
	switch s {
	case types.StateConnected:
		return "Connected", defaultTheme.Connected
	case types.StateReconnecting:
		return "Reconnecting…", defaultTheme.Reconnecting
	default:
		return "Offline", defaultTheme.Offline
	}
}
