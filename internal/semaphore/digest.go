package semaphore

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func nextCronDuration(spec string, from time.Time) (time.Duration, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return 0, fmt.Errorf("semaphore: parse cron %q: %w", spec, err)
	}
	return sched.Next(from).Sub(from), nil
}

// RunDigests posts scheduled run summaries to the digest target until the
// context is canceled. Invalid cron specs disable that digest with a log
// line rather than failing startup.
func (r *Reporter) RunDigests(ctx context.Context) {
	if r.digestTarget == nil {
		return
	}

	arm := func(spec string) *time.Timer {
		if spec == "" {
			return nil
		}
		d, err := nextCronDuration(spec, r.now())
		if err != nil {
			log.Printf("semaphore: digest disabled: %v", err)
			return nil
		}
		return time.NewTimer(d)
	}

	dailyTimer := arm(r.dailyCron)
	weeklyTimer := arm(r.weeklyCron)
	if dailyTimer == nil && weeklyTimer == nil {
		return
	}
	defer func() {
		if dailyTimer != nil {
			dailyTimer.Stop()
		}
		if weeklyTimer != nil {
			weeklyTimer.Stop()
		}
	}()

	for {
		var dailyC, weeklyC <-chan time.Time
		if dailyTimer != nil {
			dailyC = dailyTimer.C
		}
		if weeklyTimer != nil {
			weeklyC = weeklyTimer.C
		}
		select {
		case <-ctx.Done():
			return
		case <-dailyC:
			r.postDigest(ctx, "Daily", 24*time.Hour)
			if d, err := nextCronDuration(r.dailyCron, r.now()); err == nil {
				dailyTimer.Reset(d)
			} else {
				dailyTimer = nil
			}
		case <-weeklyC:
			r.postDigest(ctx, "Weekly", 7*24*time.Hour)
			if d, err := nextCronDuration(r.weeklyCron, r.now()); err == nil {
				weeklyTimer.Reset(d)
			} else {
				weeklyTimer = nil
			}
		}
	}
}

func (r *Reporter) postDigest(ctx context.Context, label string, window time.Duration) {
	text, err := r.buildDigest(ctx, r.now().Add(-window), label)
	if err != nil {
		log.Printf("semaphore: build %s digest: %v", strings.ToLower(label), err)
		return
	}
	if text == "" {
		// Nothing ran in the window; skip the post entirely.
		return
	}
	if _, err := r.delivery.Send(ctx, *r.digestTarget, text, nil); err != nil {
		log.Printf("semaphore: send %s digest: %v", strings.ToLower(label), err)
	}
}

// buildDigest summarizes runs that ended inside the window. Returns an empty
// string when there is nothing to report.
func (r *Reporter) buildDigest(ctx context.Context, since time.Time, label string) (string, error) {
	runs, err := r.store.RunsSince(ctx, since)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", nil
	}

	var succeeded, failed int
	var totalDurMs, tokens int64
	conversations := make(map[string]struct{})
	for _, run := range runs {
		if run.Success {
			succeeded++
		} else {
			failed++
		}
		totalDurMs += run.DurationMs
		tokens += run.InputTokens + run.OutputTokens
		conversations[run.ConversationID] = struct{}{}
	}
	avg := time.Duration(totalDurMs/int64(len(runs))) * time.Millisecond

	var b strings.Builder
	fmt.Fprintf(&b, "📊 %s agent digest\n", label)
	fmt.Fprintf(&b, "%d runs across %d conversations · %d ✅ / %d ❌\n", len(runs), len(conversations), succeeded, failed)
	fmt.Fprintf(&b, "avg duration %s · %s tokens", formatDuration(avg), formatTokens(tokens))
	return b.String(), nil
}
