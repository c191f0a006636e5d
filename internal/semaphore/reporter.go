// Package semaphore keeps one live status message per conversation in sync
// with a long-running agent. Lifecycle events mutate per-session state and
// mark it dirty; a revision-based scheduler reconciles the chat message to
// the latest state under adaptive throttling, a per-chat circuit breaker and
// a differentiated retry policy.
package semaphore

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zulandar/signalbox/internal/models"
)

const (
	defaultBaseThrottle = 1500 * time.Millisecond
	minThrottle         = 500 * time.Millisecond
	defaultTick         = 15 * time.Second
	minTick             = time.Second
	defaultAutoHide     = 5 * time.Minute
	defaultStaleAfter   = 30 * time.Minute
)

// Reporter owns the session table and drives reconciliation. One instance
// serves every conversation on an account; all session state is guarded by a
// single mutex and network calls happen outside it.
type Reporter struct {
	account  string
	store    ConversationStore
	delivery *Delivery
	renderer Renderer
	resolver *Resolver
	breaker  *Breaker

	baseThrottle time.Duration
	tickEvery    time.Duration
	autoHide     time.Duration
	staleAfter   time.Duration

	digestTarget *Target
	dailyCron    string
	weeklyCron   string

	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

type ReporterOpts struct {
	// Account names the agent account this reporter serves. Defaults to
	// "main".
	Account string

	Store   ConversationStore
	Channel MessageChannel

	// Renderer defaults to StatusRenderer.
	Renderer Renderer

	// Breaker is shared between scheduling decisions and delivery.
	// Defaults to a fresh breaker.
	Breaker *Breaker

	// Delivery overrides the outbound policy wrapper, mainly for tests.
	// Built from Channel and Breaker when nil.
	Delivery *Delivery

	// BaseThrottle is the minimum spacing between edits for a running
	// session. Tool phases halve it, queued doubles it. Defaults to 1.5s.
	BaseThrottle time.Duration

	// TickInterval drives periodic refresh and cleanup. Defaults to 15s,
	// floor 1s.
	TickInterval time.Duration

	// AutoHide is how long a finished run stays on screen before the
	// session returns to idle. Zero means the 5m default; negative
	// disables auto-hide.
	AutoHide time.Duration

	// StaleAfter is the inactivity window after which non-active sessions
	// are dropped from the table. Defaults to 30m.
	StaleAfter time.Duration

	// ResolveTTL and ResolvePrune tune the target resolution cache.
	ResolveTTL   time.Duration
	ResolvePrune time.Duration

	// DigestTarget, when set, receives scheduled run digests.
	DigestTarget *Target
	DailyCron    string
	WeeklyCron   string

	Clock func() time.Time
}

func NewReporter(opts ReporterOpts) (*Reporter, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("semaphore: reporter requires a store")
	}
	if opts.Channel == nil && opts.Delivery == nil {
		return nil, fmt.Errorf("semaphore: reporter requires a channel")
	}
	if opts.Account == "" {
		opts.Account = "main"
	}
	if opts.Renderer == nil {
		opts.Renderer = StatusRenderer{}
	}
	if opts.Delivery != nil {
		// Scheduling decisions and delivery must consult the same breaker.
		if opts.Breaker == nil {
			opts.Breaker = opts.Delivery.Breaker()
		}
	} else {
		if opts.Breaker == nil {
			opts.Breaker = NewBreaker()
		}
		d, err := NewDelivery(DeliveryOpts{Channel: opts.Channel, Breaker: opts.Breaker})
		if err != nil {
			return nil, err
		}
		opts.Delivery = d
	}
	if opts.BaseThrottle <= 0 {
		opts.BaseThrottle = defaultBaseThrottle
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTick
	}
	if opts.TickInterval < minTick {
		opts.TickInterval = minTick
	}
	if opts.AutoHide < 0 {
		opts.AutoHide = 0
	} else if opts.AutoHide == 0 {
		opts.AutoHide = defaultAutoHide
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Reporter{
		account:  opts.Account,
		store:    opts.Store,
		delivery: opts.Delivery,
		renderer: opts.Renderer,
		resolver: NewResolver(ResolverOpts{
			Store:         opts.Store,
			TTL:           opts.ResolveTTL,
			PruneInterval: opts.ResolvePrune,
			Clock:         opts.Clock,
		}),
		breaker:      opts.Breaker,
		baseThrottle: opts.BaseThrottle,
		tickEvery:    opts.TickInterval,
		autoHide:     opts.AutoHide,
		staleAfter:   opts.StaleAfter,
		digestTarget: opts.DigestTarget,
		dailyCron:    opts.DailyCron,
		weeklyCron:   opts.WeeklyCron,
		now:          opts.Clock,
		sessions:     make(map[string]*session),
	}, nil
}

// Resolver exposes the target resolution cache, mainly for adapters that
// want to pre-register tracked targets.
func (r *Reporter) Resolver() *Resolver {
	return r.resolver
}

// HandleMessage processes an inbound user message: registers the full chat
// identity with the resolver, touches the settings row so the conversation
// is remembered for alias lookups, and queues the session.
func (r *Reporter) HandleMessage(ctx context.Context, ev MessageEvent) {
	target := Target{
		AccountID:      ev.AccountID,
		ConversationID: ev.ConversationID,
		ChatID:         ev.ChatID,
		ThreadID:       ev.ThreadID,
	}
	if target.AccountID == "" {
		target.AccountID = r.account
	}
	if target.ConversationID == "" {
		target.ConversationID = target.ChatID
	}
	if !target.Valid() {
		log.Printf("semaphore: dropping message event without chat identity (sender %q)", ev.SenderID)
		return
	}

	r.resolver.TrackSender(ev.SenderID, target)
	if ev.SessionKey != "" {
		r.resolver.TrackSession(ev.SessionKey, target)
	}
	r.resolver.TrackSession(mainAliasKey(target.AccountID), target)

	if _, err := r.store.Get(ctx, target); err != nil {
		log.Printf("semaphore: touch settings for %s: %v", target.ConversationID, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	s := r.sessionLocked(target)
	s.noteMessage(r.now())
	r.markDirtyLocked(s, true)
	r.mu.Unlock()
}

// HandleRunStart moves the session into the running phase.
func (r *Reporter) HandleRunStart(ctx context.Context, ev RunStartEvent) {
	target, ok := r.resolveSession(ctx, ev.SessionKey, "run start")
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	s := r.sessionLocked(target)
	s.beginRun(r.now())
	r.markDirtyLocked(s, true)
}

// HandleToolStart enters the tool phase and counts a step.
func (r *Reporter) HandleToolStart(ctx context.Context, ev ToolStartEvent) {
	target, ok := r.resolveSession(ctx, ev.SessionKey, "tool start")
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	s := r.sessionLocked(target)
	s.beginTool(ev.ToolName, r.now())
	r.markDirtyLocked(s, true)
}

// HandleToolEnd returns the session to plain running.
func (r *Reporter) HandleToolEnd(ctx context.Context, ev ToolEndEvent) {
	target, ok := r.resolveSession(ctx, ev.SessionKey, "tool end")
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	s := r.sessionLocked(target)
	s.endTool(r.now())
	r.markDirtyLocked(s, true)
}

// HandleModelOutput folds usage into the run. Not a phase change, so the
// update rides the normal throttle instead of bypassing it.
func (r *Reporter) HandleModelOutput(ctx context.Context, ev ModelOutputEvent) {
	target, ok := r.resolveSession(ctx, ev.SessionKey, "model output")
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	s := r.sessionLocked(target)
	s.noteUsage(ev, r.now())
	r.markDirtyLocked(s, false)
}

// HandleRunEnd closes the run, folds successful runs into the conversation's
// history averages and appends a run record.
func (r *Reporter) HandleRunEnd(ctx context.Context, ev RunEndEvent) {
	target, ok := r.resolveSession(ctx, ev.SessionKey, "run end")
	if !ok {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	s := r.sessionLocked(target)
	now := r.now()
	duration := ev.Duration
	if duration <= 0 && !s.startedAt.IsZero() {
		duration = now.Sub(s.startedAt)
	}
	steps := s.steps
	runNumber := s.runNumber
	provider, model := s.provider, s.model
	usageIn, usageOut := s.usageIn, s.usageOut
	startedAt := s.startedAt
	s.endRun(ev.Success, ev.Error, now)
	if s.queuedCount <= 0 {
		r.armHideLocked(s)
	}
	r.markDirtyLocked(s, true)
	r.mu.Unlock()

	if ev.Success {
		_, err := r.store.Update(ctx, target, func(set *models.ConversationSettings) {
			set.AvgDurationMs = foldRunningAverage(set.AvgDurationMs, set.HistoryRuns, float64(duration.Milliseconds()))
			set.AvgSteps = foldRunningAverage(set.AvgSteps, set.HistoryRuns, float64(steps))
			set.HistoryRuns++
		})
		if err != nil {
			log.Printf("semaphore: fold run history for %s: %v", target.ConversationID, err)
		}
	}

	rec := &models.RunRecord{
		ID:             uuid.NewString(),
		AccountID:      target.AccountID,
		ConversationID: target.ConversationID,
		ThreadKey:      target.ThreadKey(),
		RunNumber:      runNumber,
		Steps:          steps,
		DurationMs:     duration.Milliseconds(),
		Success:        ev.Success,
		Error:          ev.Error,
		Provider:       provider,
		Model:          model,
		InputTokens:    usageIn,
		OutputTokens:   usageOut,
		StartedAt:      startedAt,
		EndedAt:        now,
	}
	if err := r.store.AppendRunRecord(ctx, rec); err != nil {
		log.Printf("semaphore: append run record: %v", err)
	}
	if err := r.store.Persist(ctx); err != nil {
		log.Printf("semaphore: persist after run end: %v", err)
	}
}

func (r *Reporter) resolveSession(ctx context.Context, key, what string) (Target, bool) {
	target, ok := r.resolver.ResolveForSession(ctx, key)
	if !ok {
		log.Printf("semaphore: dropping %s event for unresolved session %q", what, key)
		return Target{}, false
	}
	return target, true
}

func (r *Reporter) sessionLocked(target Target) *session {
	key := runKey(target)
	s, ok := r.sessions[key]
	if !ok {
		s = newSession(key, target, r.now())
		r.sessions[key] = s
	}
	return s
}

// armHideLocked schedules the return to idle after a run finishes with
// nothing queued behind it.
func (r *Reporter) armHideLocked(s *session) {
	if r.autoHide <= 0 {
		return
	}
	s.cancelHide()
	key := s.key
	s.hideTimer = time.AfterFunc(r.autoHide, func() { r.hideFire(key) })
}

func (r *Reporter) hideFire(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	s, ok := r.sessions[key]
	if !ok {
		return
	}
	s.hideTimer = nil
	if !s.phase.Terminal() || s.queuedCount > 0 {
		return
	}
	s.phase = PhaseIdle
	r.markDirtyLocked(s, true)
}

// Run drives the periodic tick until the context is canceled. The tick
// refreshes elapsed-time displays, retries flushes held back by the breaker,
// sweeps stale sessions and prunes the resolution cache.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.tickEvery)
	defer ticker.Stop()
	log.Printf("semaphore: reporter started (account %s, tick %s)", r.account, r.tickEvery)
	for {
		select {
		case <-ctx.Done():
			r.Close()
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Reporter) tick() {
	now := r.now()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	for _, s := range r.sessions {
		switch {
		case s.phase == PhaseRunning || s.phase == PhaseTool:
			// Elapsed time and ETA move even without events.
			r.markDirtyLocked(s, false)
		case s.desiredRev > s.renderedRev:
			r.markDirtyLocked(s, false)
		}
	}
	r.sweepLocked(now)
	r.mu.Unlock()
	r.resolver.MaybePrune()
}

// sweepLocked drops sessions with no recent activity. Active runs and
// in-flight flushes are never swept.
func (r *Reporter) sweepLocked(now time.Time) {
	for key, s := range r.sessions {
		if s.phase.Active() || s.flushing {
			continue
		}
		ref := s.lastEventAt
		if s.phase.Terminal() && !s.endedAt.IsZero() {
			ref = s.endedAt
		}
		if now.Sub(ref) >= r.staleAfter {
			s.cancelFlush()
			s.cancelHide()
			delete(r.sessions, key)
		}
	}
}

// Close stops all timers and refuses further scheduling.
func (r *Reporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, s := range r.sessions {
		s.cancelFlush()
		s.cancelHide()
	}
	log.Printf("semaphore: reporter stopped")
}

// Sessions returns a stable snapshot of the session table.
func (r *Reporter) Sessions() []SessionSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionSnapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// BreakerSnapshot lists currently paused chats.
func (r *Reporter) BreakerSnapshot() []BreakerState {
	return r.breaker.Snapshot()
}
