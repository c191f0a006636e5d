package semaphore

import (
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/signalbox/internal/models"
)

// Renderer turns a session view into the status message body and its
// controls. Implementations must be pure: identical views must produce
// identical output, since delivered text is compared byte-for-byte to skip
// no-op edits.
type Renderer interface {
	Render(view SessionView, set *models.ConversationSettings) (string, []Button)
}

// StatusRenderer is the default plain-text renderer. Adapters reuse its
// output directly; platforms with richer formatting wrap it.
type StatusRenderer struct{}

func (StatusRenderer) Render(v SessionView, set *models.ConversationSettings) (string, []Button) {
	var b strings.Builder

	switch v.Phase {
	case PhaseIdle:
		b.WriteString("💤 Idle")
		if v.RunNumber > 0 {
			fmt.Fprintf(&b, " · last run #%d", v.RunNumber)
		}
	case PhaseQueued:
		b.WriteString("⏳ Queued")
		if v.QueuedCount > 1 {
			fmt.Fprintf(&b, " · %d waiting", v.QueuedCount)
		}
	case PhaseRunning, PhaseTool:
		if v.Phase == PhaseTool && v.ToolName != "" {
			fmt.Fprintf(&b, "🔧 Run #%d · %s", v.RunNumber, v.ToolName)
		} else if v.Phase == PhaseTool {
			fmt.Fprintf(&b, "🔧 Run #%d · tool", v.RunNumber)
		} else {
			fmt.Fprintf(&b, "⚙️ Run #%d · working", v.RunNumber)
		}
		if v.Progress.HasPercent {
			fmt.Fprintf(&b, "\n%s %d%%", progressBar(v.Progress.Percent), v.Progress.Percent)
			if v.Progress.HasETA {
				fmt.Fprintf(&b, " · ~%s left", formatDuration(v.Progress.ETA))
			}
		}
		fmt.Fprintf(&b, "\n⏱ %s", formatClock(v.Now.Sub(v.StartedAt)))
		if v.Steps > 0 {
			fmt.Fprintf(&b, " · step %d", v.Steps)
		}
		if line := usageLine(v); line != "" {
			b.WriteString("\n" + line)
		}
	case PhaseDone:
		fmt.Fprintf(&b, "✅ Run #%d · done in %s", v.RunNumber, formatDuration(v.EndedAt.Sub(v.StartedAt)))
		if line := usageLine(v); line != "" {
			b.WriteString("\n" + line)
		}
	case PhaseError:
		fmt.Fprintf(&b, "❌ Run #%d · failed after %s", v.RunNumber, formatDuration(v.EndedAt.Sub(v.StartedAt)))
		if v.ErrorText != "" {
			b.WriteString("\n⚠ " + truncate(v.ErrorText, 200))
		}
	}

	if v.Phase.Terminal() && v.QueuedCount > 0 {
		fmt.Fprintf(&b, "\n⏳ %d queued", v.QueuedCount)
	}

	var controls []Button
	if set != nil && set.ButtonsEnabled && v.Phase.Active() {
		controls = []Button{{Label: "Stop", Action: "stop"}}
	}
	return b.String(), controls
}

func usageLine(v SessionView) string {
	var parts []string
	if v.Provider != "" || v.Model != "" {
		name := v.Model
		if v.Provider != "" && name != "" {
			name = v.Provider + "/" + name
		} else if name == "" {
			name = v.Provider
		}
		parts = append(parts, name)
	}
	if v.UsageIn > 0 || v.UsageOut > 0 {
		parts = append(parts, fmt.Sprintf("%s → %s tok", formatTokens(v.UsageIn), formatTokens(v.UsageOut)))
	}
	return strings.Join(parts, " · ")
}

const barCells = 8

func progressBar(percent int) string {
	filled := percent * barCells / 100
	if filled > barCells {
		filled = barCells
	}
	return strings.Repeat("▰", filled) + strings.Repeat("▱", barCells-filled)
}

// formatClock renders elapsed time as m:ss, or h:mm:ss past the hour.
func formatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Seconds())
	h := total / 3600
	m := total % 3600 / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// formatDuration renders a duration compactly: 45s, 1m10s, 2h3m.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		if s == 0 {
			return fmt.Sprintf("%dm", m)
		}
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if m == 0 {
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dh%dm", h, m)
}

func formatTokens(n int64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fk", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

// controlsKey is the equality key for a control set, compared alongside the
// text to decide whether an edit would change anything.
func controlsKey(controls []Button) string {
	if len(controls) == 0 {
		return ""
	}
	parts := make([]string, len(controls))
	for i, c := range controls {
		parts[i] = c.Label + "=" + c.Action
	}
	return strings.Join(parts, "|")
}
