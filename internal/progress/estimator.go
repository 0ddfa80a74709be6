// Package progress fabricates perceived progress for the window between
// upload completion and the backend's single response. The backend
// gives no signal during that window, which can last minutes; the
// estimator keeps the UI moving on a fixed schedule and is torn down as
// a group the instant the real result arrives.
package progress

import (
	"log/slog"
	"sync"
	"time"
)

// Update is one fabricated progress signal. Selfie flows advance Stage
// and Label on a fixed schedule; story flows advance Percent with a
// rotating Label and an ETA readout.
type Update struct {
	Stage   int
	Label   string
	Percent int
	ETA     time.Duration
}

// Estimator owns the timers behind one job's fabricated progress. Stop
// cancels everything and guarantees no update is delivered after it
// returns; leaking a timer past the job is a defect here, not in the
// callers.
type Estimator struct {
	logger *slog.Logger

	mu      sync.Mutex
	stopped bool
	timers  []*time.Timer
	done    chan struct{}
}

// NewEstimator creates an estimator for a single job
func NewEstimator(logger *slog.Logger) *Estimator {
	return &Estimator{
		logger: logger.With("component", "progress_estimator"),
		done:   make(chan struct{}),
	}
}

// StartSelfieStages schedules the fixed stage sequence. Each stage
// fires once at its offset, independent of actual backend state.
func (e *Estimator) StartSelfieStages(labels []string, schedule []time.Duration, deliver func(Update)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}

	for i := range labels {
		stage := i
		label := labels[i]
		timer := time.AfterFunc(schedule[i], func() {
			e.deliverLocked(deliver, Update{Stage: stage + 1, Label: label})
		})
		e.timers = append(e.timers, timer)
	}

	e.logger.Debug("Selfie stage schedule armed", "stages", len(labels))
}

// StartStoryTicker advances a continuous percentage on a fixed interval
// with a rotating message. The percentage is derived from elapsed time
// against the static ETA for the selected length; it approaches but
// never reaches 100 on its own.
func (e *Estimator) StartStoryTicker(interval time.Duration, messages []string, eta time.Duration, deliver func(Update)) {
	// Config validation requires a positive ETA; clamp anyway so a bad
	// value cannot divide by zero in the tick loop.
	if eta <= 0 {
		eta = interval
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	done := e.done
	e.mu.Unlock()

	start := time.Now()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		tick := 0
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				elapsed := time.Since(start)
				percent := int(elapsed * 100 / eta)
				if percent > 99 {
					percent = 99
				}
				remaining := eta - elapsed
				if remaining < 0 {
					remaining = 0
				}
				update := Update{
					Percent: percent,
					Label:   messages[tick%len(messages)],
					ETA:     remaining.Round(time.Second),
				}
				tick++
				e.deliverLocked(deliver, update)
			}
		}
	}()

	e.logger.Debug("Story ticker armed", "interval", interval, "eta", eta)
}

// Stop cancels all pending timers and tickers. Idempotent; after it
// returns, no further update is delivered.
func (e *Estimator) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	for _, t := range e.timers {
		t.Stop()
	}
	e.timers = nil
	close(e.done)
}

// deliverLocked runs the callback under the estimator lock so Stop
// cannot return while an update is mid-flight, and no update fires
// once stopped is set.
func (e *Estimator) deliverLocked(deliver func(Update), u Update) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	deliver(u)
}
