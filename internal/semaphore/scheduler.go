package semaphore

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/zulandar/signalbox/internal/models"
)

// markDirtyLocked records that the desired state moved ahead of what was
// delivered and makes sure a flush is scheduled. Urgent marks clear the
// throttle window and any pending timer so phase changes land immediately;
// non-urgent marks wait out the remaining throttle.
func (r *Reporter) markDirtyLocked(s *session, urgent bool) {
	s.desiredRev++
	if urgent {
		s.nextAllowedAt = time.Time{}
		s.cancelFlush()
	}
	r.scheduleFlushLocked(s)
}

// scheduleFlushLocked arms the flush timer unless one is already pending or
// a flush is in flight. The in-flight flush reschedules itself on completion
// if revisions are still behind.
func (r *Reporter) scheduleFlushLocked(s *session) {
	if r.closed || s.flushing || s.flushTimer != nil {
		return
	}
	if s.desiredRev <= s.renderedRev {
		return
	}
	var delay time.Duration
	if now := r.now(); s.nextAllowedAt.After(now) {
		delay = s.nextAllowedAt.Sub(now)
	}
	key := s.key
	s.flushTimer = time.AfterFunc(delay, func() { r.flushFire(key) })
}

func (r *Reporter) flushFire(key string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	s, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.flushTimer = nil
	if s.flushing || s.desiredRev <= s.renderedRev {
		r.mu.Unlock()
		return
	}
	s.flushing = true
	target := s.target
	rev := s.desiredRev
	r.mu.Unlock()

	r.flush(s, target, rev)
}

// flush reconciles one session to the chat. It runs on a timer goroutine
// with flushing set; session state is only touched under the reporter lock
// and every network call happens outside it.
func (r *Reporter) flush(s *session, target Target, rev uint64) {
	ctx := context.Background()

	set, err := r.store.Get(ctx, target)
	if err != nil {
		log.Printf("semaphore: flush %s: load settings: %v", target.ConversationID, err)
		r.finishFlush(s, true)
		return
	}
	if set != nil && !set.Enabled {
		// Reporting is off for this conversation. Leave revisions behind
		// so a later enable picks the freshest state up.
		r.finishFlush(s, false)
		return
	}
	if !r.breaker.CanProceed(target.AccountID, target.ChatID) {
		// Chat is paused; the periodic tick retries after expiry.
		r.finishFlush(s, false)
		return
	}

	r.mu.Lock()
	now := r.now()
	view := s.view(now)
	view.Progress = estimateProgress(s, set, now)
	firstRender := s.lastRenderAt.IsZero()
	lastText, lastControls := s.lastText, s.lastControlsKey
	r.mu.Unlock()

	text, controls := r.renderer.Render(view, set)
	ck := controlsKey(controls)

	if !firstRender && text == lastText && ck == lastControls {
		// Nothing would change on screen; consume the revision without
		// touching the network or the throttle window.
		r.mu.Lock()
		if rev > s.renderedRev {
			s.renderedRev = rev
		}
		s.flushing = false
		r.scheduleFlushLocked(s)
		r.mu.Unlock()
		return
	}

	ref, hadRef, err := r.store.MessageRef(ctx, target)
	if err != nil {
		log.Printf("semaphore: flush %s: load ref: %v", target.ConversationID, err)
		r.finishFlush(s, true)
		return
	}

	var newRef MessageRef
	fresh := !hadRef
	if hadRef {
		newRef, err = r.delivery.Edit(ctx, target, ref, text, controls)
		if err != nil {
			var cerr *ChannelError
			if errors.As(err, &cerr) && cerr.Kind == KindNotFound {
				// The live message vanished. Clear the ref and flush
				// again right away with a fresh send.
				if serr := r.store.SetMessageRef(ctx, target, nil); serr != nil {
					log.Printf("semaphore: flush %s: clear ref: %v", target.ConversationID, serr)
				}
				r.mu.Lock()
				s.flushing = false
				s.nextAllowedAt = time.Time{}
				r.scheduleFlushLocked(s)
				r.mu.Unlock()
				return
			}
			r.failFlush(s, target, err)
			return
		}
	} else {
		newRef, err = r.delivery.Send(ctx, target, text, controls)
		if err != nil {
			r.failFlush(s, target, err)
			return
		}
	}

	if fresh || !newRef.Same(ref) {
		newRef.UpdatedAt = r.now()
		if err := r.store.SetMessageRef(ctx, target, &newRef); err != nil {
			log.Printf("semaphore: flush %s: store ref: %v", target.ConversationID, err)
		} else if err := r.store.Persist(ctx); err != nil {
			log.Printf("semaphore: flush %s: persist ref: %v", target.ConversationID, err)
		}
	}
	if fresh && set != nil && set.PinMode == models.PinFirst {
		if err := r.delivery.Pin(ctx, target, newRef); err != nil {
			log.Printf("semaphore: flush %s: pin: %v", target.ConversationID, err)
		}
	}

	r.mu.Lock()
	now = r.now()
	s.lastText = text
	s.lastControlsKey = ck
	s.lastRenderAt = now
	if rev > s.renderedRev {
		s.renderedRev = rev
	}
	s.nextAllowedAt = now.Add(r.throttleFor(s.phase))
	s.flushing = false
	r.scheduleFlushLocked(s)
	r.mu.Unlock()
}

// failFlush handles a delivery error. Rate limits stay silent because the
// breaker already recorded the pause; anything else is logged. Either way
// the state stays dirty so a later mark or tick retries.
func (r *Reporter) failFlush(s *session, target Target, err error) {
	var cerr *ChannelError
	if errors.As(err, &cerr) && cerr.Kind == KindRateLimited {
		r.finishFlush(s, false)
		return
	}
	log.Printf("semaphore: flush %s: %v", target.ConversationID, err)
	r.finishFlush(s, true)
}

// finishFlush clears the in-flight flag. When reschedule is set the next
// attempt is pushed one throttle window out, bounding error retries to the
// normal cadence.
func (r *Reporter) finishFlush(s *session, reschedule bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.flushing = false
	if !reschedule {
		return
	}
	s.nextAllowedAt = r.now().Add(r.throttleFor(s.phase))
	r.scheduleFlushLocked(s)
}

// throttleFor picks the edit spacing for a phase: tool phases update most
// aggressively, queued most lazily.
func (r *Reporter) throttleFor(p Phase) time.Duration {
	t := r.baseThrottle
	switch p {
	case PhaseTool:
		t = r.baseThrottle / 2
	case PhaseQueued:
		t = r.baseThrottle * 2
	}
	if t < minThrottle {
		t = minThrottle
	}
	return t
}
