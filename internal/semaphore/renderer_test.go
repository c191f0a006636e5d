package semaphore

import (
	"strings"
	"testing"
	"time"

	"github.com/zulandar/signalbox/internal/models"
)

func renderView(phase Phase) SessionView {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return SessionView{
		Target:    Target{AccountID: "main", ConversationID: "discord:1", ChatID: "1"},
		Phase:     phase,
		RunNumber: 3,
		StartedAt: start,
		EndedAt:   start.Add(95 * time.Second),
		Now:       start.Add(42 * time.Second),
	}
}

func TestStatusRenderer_IsDeterministic(t *testing.T) {
	v := renderView(PhaseRunning)
	v.Steps = 2
	v.Progress = Progress{Percent: 50, HasPercent: true, ETA: 5 * time.Second, HasETA: true}
	set := &models.ConversationSettings{DisplayMode: models.DisplayPredictive}

	a, _ := StatusRenderer{}.Render(v, set)
	b, _ := StatusRenderer{}.Render(v, set)
	if a != b {
		t.Errorf("renders differ:\n%q\n%q", a, b)
	}
}

func TestStatusRenderer_Phases(t *testing.T) {
	set := &models.ConversationSettings{}

	tests := []struct {
		name  string
		view  func() SessionView
		wants []string
	}{
		{
			name: "queued",
			view: func() SessionView {
				v := renderView(PhaseQueued)
				v.QueuedCount = 2
				return v
			},
			wants: []string{"Queued", "2 waiting"},
		},
		{
			name: "running with progress",
			view: func() SessionView {
				v := renderView(PhaseRunning)
				v.Steps = 2
				v.Progress = Progress{Percent: 50, HasPercent: true, ETA: 5 * time.Second, HasETA: true}
				return v
			},
			wants: []string{"Run #3", "50%", "~5s left", "0:42", "step 2"},
		},
		{
			name: "tool",
			view: func() SessionView {
				v := renderView(PhaseTool)
				v.ToolName = "exec"
				v.Steps = 1
				return v
			},
			wants: []string{"🔧", "exec"},
		},
		{
			name: "done with usage",
			view: func() SessionView {
				v := renderView(PhaseDone)
				v.Provider = "anthropic"
				v.Model = "sonnet"
				v.UsageIn = 1234
				v.UsageOut = 5678
				return v
			},
			wants: []string{"✅", "1m35s", "anthropic/sonnet", "1.2k → 5.7k tok"},
		},
		{
			name: "error truncates",
			view: func() SessionView {
				v := renderView(PhaseError)
				v.ErrorText = strings.Repeat("x", 300)
				return v
			},
			wants: []string{"❌", "…"},
		},
		{
			name: "terminal shows backlog",
			view: func() SessionView {
				v := renderView(PhaseDone)
				v.QueuedCount = 1
				return v
			},
			wants: []string{"✅", "1 queued"},
		},
		{
			name: "idle",
			view: func() SessionView {
				return renderView(PhaseIdle)
			},
			wants: []string{"Idle", "last run #3"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, _ := StatusRenderer{}.Render(tt.view(), set)
			for _, want := range tt.wants {
				if !strings.Contains(text, want) {
					t.Errorf("render missing %q:\n%s", want, text)
				}
			}
		})
	}
}

func TestStatusRenderer_ErrorTextBounded(t *testing.T) {
	v := renderView(PhaseError)
	v.ErrorText = strings.Repeat("y", 1000)
	text, _ := StatusRenderer{}.Render(v, &models.ConversationSettings{})
	for _, line := range strings.Split(text, "\n") {
		if len([]rune(line)) > 220 {
			t.Errorf("line too long (%d runes): %q", len([]rune(line)), line)
		}
	}
}

func TestStatusRenderer_Buttons(t *testing.T) {
	on := &models.ConversationSettings{ButtonsEnabled: true}
	off := &models.ConversationSettings{}

	v := renderView(PhaseRunning)
	if _, controls := (StatusRenderer{}).Render(v, on); len(controls) == 0 {
		t.Error("expected controls while active with buttons enabled")
	}
	if _, controls := (StatusRenderer{}).Render(v, off); len(controls) != 0 {
		t.Error("controls present with buttons disabled")
	}
	done := renderView(PhaseDone)
	if _, controls := (StatusRenderer{}).Render(done, on); len(controls) != 0 {
		t.Error("controls present on a finished run")
	}
}

func TestControlsKey(t *testing.T) {
	if controlsKey(nil) != "" {
		t.Error("nil controls should key to empty")
	}
	a := controlsKey([]Button{{Label: "Stop", Action: "stop"}})
	b := controlsKey([]Button{{Label: "Stop", Action: "stop"}})
	c := controlsKey([]Button{{Label: "Stop", Action: "halt"}})
	if a != b {
		t.Error("identical controls keyed differently")
	}
	if a == c {
		t.Error("different controls keyed identically")
	}
}

func TestFormatHelpers(t *testing.T) {
	if got := formatClock(65 * time.Second); got != "1:05" {
		t.Errorf("formatClock = %q, want 1:05", got)
	}
	if got := formatClock(3705 * time.Second); got != "1:01:45" {
		t.Errorf("formatClock = %q, want 1:01:45", got)
	}
	if got := formatDuration(45 * time.Second); got != "45s" {
		t.Errorf("formatDuration = %q, want 45s", got)
	}
	if got := formatDuration(90 * time.Second); got != "1m30s" {
		t.Errorf("formatDuration = %q, want 1m30s", got)
	}
	if got := formatDuration(2 * time.Hour); got != "2h" {
		t.Errorf("formatDuration = %q, want 2h", got)
	}
	if got := formatTokens(987); got != "987" {
		t.Errorf("formatTokens = %q, want 987", got)
	}
	if got := formatTokens(1234); got != "1.2k" {
		t.Errorf("formatTokens = %q, want 1.2k", got)
	}
	if got := formatTokens(2_500_000); got != "2.5M" {
		t.Errorf("formatTokens = %q, want 2.5M", got)
	}
	if got := progressBar(50); got != "▰▰▰▰▱▱▱▱" {
		t.Errorf("progressBar(50) = %q", got)
	}
	if got := progressBar(0); got != "▱▱▱▱▱▱▱▱" {
		t.Errorf("progressBar(0) = %q", got)
	}
}
