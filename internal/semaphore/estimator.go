package semaphore

import (
	"math"
	"time"

	"github.com/zulandar/signalbox/internal/models"
)

const (
	// fallbackTotalSteps stands in for the expected step count until a
	// conversation has run history of its own.
	fallbackTotalSteps = 4

	stepWeight = 0.6
	timeWeight = 0.4

	// Without historical duration an ETA is only shown once the run has
	// produced a usable pace.
	minPaceRatio   = 0.2
	minPaceElapsed = 5 * time.Second
)

// Progress is the estimator output for one render.
type Progress struct {
	Percent    int
	HasPercent bool
	ETA        time.Duration
	HasETA     bool
}

// estimateProgress converts run state plus conversation history into a
// percent and ETA. Callers hold the reporter lock; the session's pace fields
// are updated in place so repeated renders keep a stable countdown.
//
// The percent blends how many steps have finished against the historical
// average with how much of the average duration has elapsed. It is clamped to
// [1,99] while the run is active so the display never claims completion
// early, and jumps to 100 only on a terminal phase. Strict display mode
// suppresses both outputs while the run is active; terminal phases report
// completion in either mode.
func estimateProgress(s *session, set *models.ConversationSettings, now time.Time) Progress {
	var p Progress
	if s.phase.Terminal() {
		p.Percent = 100
		p.HasPercent = true
		return p
	}
	if set != nil && set.DisplayMode == models.DisplayStrict {
		return p
	}
	if s.phase != PhaseRunning && s.phase != PhaseTool {
		return p
	}

	stepsDone := s.steps
	if stepsDone < 0 {
		stepsDone = 0
	}
	var histRuns int64
	var avgSteps, avgDurMs float64
	if set != nil {
		histRuns = set.HistoryRuns
		avgSteps = set.AvgSteps
		avgDurMs = set.AvgDurationMs
	}

	stepsTotal := fallbackTotalSteps
	if histRuns > 0 && avgSteps > 0 {
		stepsTotal = int(math.Round(avgSteps))
	}
	if stepsTotal < stepsDone+1 {
		stepsTotal = stepsDone + 1
	}
	stepRatio := float64(stepsDone) / float64(stepsTotal)

	elapsed := now.Sub(s.startedAt)
	if elapsed < 0 {
		elapsed = 0
	}

	if histRuns > 0 && avgDurMs > 0 {
		timeRatio := float64(elapsed.Milliseconds()) / avgDurMs
		if timeRatio > 0.99 {
			timeRatio = 0.99
		}
		blend := clampFloat(stepWeight*stepRatio+timeWeight*timeRatio, 0.01, 0.99)
		p.Percent = clampInt(int(math.Round(blend*100)), 1, 99)
		p.HasPercent = true
		if s.predictedEnd.IsZero() && stepsDone == 0 {
			// Seed the countdown from history until the run has a pace.
			s.predictedEnd = s.startedAt.Add(time.Duration(avgDurMs) * time.Millisecond)
		}
		p.ETA, p.HasETA = s.predictEnd(now, stepsDone, stepsTotal, elapsed)
		return p
	}

	p.Percent = clampInt(int(math.Round(stepRatio*100)), 1, 99)
	p.HasPercent = true
	if stepRatio >= minPaceRatio && elapsed >= minPaceElapsed {
		p.ETA, p.HasETA = s.predictEnd(now, stepsDone, stepsTotal, elapsed)
	}
	return p
}

// predictEnd maintains the session's projected end time. The projection is
// recomputed when a step lands or when the previous projection has passed
// while the run is still going, so the countdown moves forward with the
// observed pace instead of going negative.
func (s *session) predictEnd(now time.Time, stepsDone, stepsTotal int, elapsed time.Duration) (time.Duration, bool) {
	if stepsDone <= 0 {
		if s.predictedEnd.IsZero() || !s.predictedEnd.After(now) {
			return 0, false
		}
		return s.predictedEnd.Sub(now), true
	}

	if s.predictedEnd.IsZero() || stepsDone > s.paceSteps || !s.predictedEnd.After(now) {
		perStep := elapsed / time.Duration(stepsDone)
		remaining := stepsTotal - stepsDone
		if remaining < 1 {
			remaining = 1
		}
		candidate := now.Add(perStep * time.Duration(remaining))
		if s.predictedEnd.IsZero() || stepsDone > s.paceSteps || candidate.After(s.predictedEnd) {
			s.predictedEnd = candidate
		}
		s.paceSteps = stepsDone
	}

	if !s.predictedEnd.After(now) {
		return 0, false
	}
	return s.predictedEnd.Sub(now), true
}

// foldRunningAverage folds one sample into a running average over n prior
// samples without keeping the sample list around.
func foldRunningAverage(avg float64, n int64, sample float64) float64 {
	if n <= 0 {
		return sample
	}
	return (avg*float64(n) + sample) / float64(n+1)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
