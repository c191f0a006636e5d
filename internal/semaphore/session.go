package semaphore

import (
	"time"
)

// Phase is the observable state of a session's current run.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseQueued  Phase = "queued"
	PhaseRunning Phase = "running"
	PhaseTool    Phase = "tool"
	PhaseDone    Phase = "done"
	PhaseError   Phase = "error"
)

// Active reports whether a run is pending or underway.
func (p Phase) Active() bool {
	return p == PhaseQueued || p == PhaseRunning || p == PhaseTool
}

// Terminal reports whether the last run has finished.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseError
}

// session is the live reconciliation state for one target. All fields are
// guarded by the owning Reporter's mutex; timer callbacks re-enter through
// the Reporter rather than touching the session directly.
type session struct {
	key    string
	target Target

	phase       Phase
	runNumber   int
	queuedCount int
	steps       int
	startedAt   time.Time
	endedAt     time.Time
	toolName    string
	provider    string
	model       string
	usageIn     int64
	usageOut    int64
	errorText   string
	lastEventAt time.Time

	// Pace state for the predictive ETA.
	predictedEnd time.Time
	paceSteps    int

	// Last delivered render, for no-op detection.
	lastText        string
	lastControlsKey string
	lastRenderAt    time.Time

	// Flush scheduling.
	desiredRev    uint64
	renderedRev   uint64
	nextAllowedAt time.Time
	flushTimer    *time.Timer
	flushing      bool

	hideTimer *time.Timer
}

func newSession(key string, target Target, now time.Time) *session {
	return &session{
		key:         key,
		target:      target,
		phase:       PhaseIdle,
		lastEventAt: now,
	}
}

// noteMessage applies an inbound user message. The session only moves to
// queued when no run is active; triggers during an active run just grow the
// queue counter.
func (s *session) noteMessage(now time.Time) {
	s.queuedCount++
	s.lastEventAt = now
	if !s.phase.Active() {
		s.phase = PhaseQueued
		s.cancelHide()
	}
}

// beginRun starts a fresh run, resetting all per-run state.
func (s *session) beginRun(now time.Time) {
	s.phase = PhaseRunning
	s.runNumber++
	if s.queuedCount > 0 {
		s.queuedCount--
	}
	s.steps = 0
	s.startedAt = now
	s.endedAt = time.Time{}
	s.toolName = ""
	s.provider = ""
	s.model = ""
	s.usageIn = 0
	s.usageOut = 0
	s.errorText = ""
	s.predictedEnd = time.Time{}
	s.paceSteps = 0
	s.lastEventAt = now
	s.cancelHide()
}

// beginTool enters the tool phase. Each tool invocation counts as one step.
func (s *session) beginTool(name string, now time.Time) {
	if !s.phase.Active() {
		// Tool event without a run start; recover by opening a run.
		s.beginRun(now)
	}
	s.phase = PhaseTool
	s.toolName = name
	s.steps++
	s.lastEventAt = now
}

func (s *session) endTool(now time.Time) {
	if s.phase == PhaseTool {
		s.phase = PhaseRunning
	}
	s.toolName = ""
	s.lastEventAt = now
}

// noteUsage folds model usage into the run. Token counts only grow within a
// run; beginRun resets them.
func (s *session) noteUsage(ev ModelOutputEvent, now time.Time) {
	if ev.Provider != "" {
		s.provider = ev.Provider
	}
	if ev.Model != "" {
		s.model = ev.Model
	}
	s.usageIn += ev.InputTokens
	s.usageOut += ev.OutputTokens
	s.lastEventAt = now
}

// endRun closes the run as done or error.
func (s *session) endRun(success bool, errText string, now time.Time) {
	if success {
		s.phase = PhaseDone
	} else {
		s.phase = PhaseError
		s.errorText = errText
	}
	s.toolName = ""
	s.endedAt = now
	s.lastEventAt = now
}

func (s *session) cancelHide() {
	if s.hideTimer != nil {
		s.hideTimer.Stop()
		s.hideTimer = nil
	}
}

func (s *session) cancelFlush() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
}

// view captures the render input for the session at one instant.
func (s *session) view(now time.Time) SessionView {
	return SessionView{
		Target:      s.target,
		Phase:       s.phase,
		RunNumber:   s.runNumber,
		QueuedCount: s.queuedCount,
		Steps:       s.steps,
		StartedAt:   s.startedAt,
		EndedAt:     s.endedAt,
		ToolName:    s.toolName,
		Provider:    s.provider,
		Model:       s.model,
		UsageIn:     s.usageIn,
		UsageOut:    s.usageOut,
		ErrorText:   s.errorText,
		Now:         now,
	}
}

// SessionView is the immutable input handed to a Renderer. Now is the render
// instant so renderers stay pure functions of their input.
type SessionView struct {
	Target      Target
	Phase       Phase
	RunNumber   int
	QueuedCount int
	Steps       int
	StartedAt   time.Time
	EndedAt     time.Time
	ToolName    string
	Provider    string
	Model       string
	UsageIn     int64
	UsageOut    int64
	ErrorText   string
	Progress    Progress
	Now         time.Time
}

// SessionSnapshot is the observability view of a session.
type SessionSnapshot struct {
	Key            string    `json:"key"`
	AccountID      string    `json:"accountId"`
	ConversationID string    `json:"conversationId"`
	ChatID         string    `json:"chatId"`
	ThreadID       string    `json:"threadId,omitempty"`
	Phase          string    `json:"phase"`
	RunNumber      int       `json:"runNumber"`
	QueuedCount    int       `json:"queuedCount"`
	Steps          int       `json:"steps"`
	StartedAt      time.Time `json:"startedAt"`
	EndedAt        time.Time `json:"endedAt"`
	ToolName       string    `json:"toolName,omitempty"`
	Provider       string    `json:"provider,omitempty"`
	Model          string    `json:"model,omitempty"`
	UsageIn        int64     `json:"usageIn"`
	UsageOut       int64     `json:"usageOut"`
	ErrorText      string    `json:"error,omitempty"`
	DesiredRev     uint64    `json:"desiredRev"`
	RenderedRev    uint64    `json:"renderedRev"`
	NextAllowedAt  time.Time `json:"nextAllowedAt"`
	LastEventAt    time.Time `json:"lastEventAt"`
}

func (s *session) snapshot() SessionSnapshot {
	return SessionSnapshot{
		Key:            s.key,
		AccountID:      s.target.AccountID,
		ConversationID: s.target.ConversationID,
		ChatID:         s.target.ChatID,
		ThreadID:       s.target.ThreadID,
		Phase:          string(s.phase),
		RunNumber:      s.runNumber,
		QueuedCount:    s.queuedCount,
		Steps:          s.steps,
		StartedAt:      s.startedAt,
		EndedAt:        s.endedAt,
		ToolName:       s.toolName,
		Provider:       s.provider,
		Model:          s.model,
		UsageIn:        s.usageIn,
		UsageOut:       s.usageOut,
		ErrorText:      s.errorText,
		DesiredRev:     s.desiredRev,
		RenderedRev:    s.renderedRev,
		NextAllowedAt:  s.nextAllowedAt,
		LastEventAt:    s.lastEventAt,
	}
}
