// Package quota tracks the remaining generation allowance for the
// current window and gates whether a new generation may start. The
// check is advisory: the backend performs the authoritative check on
// submission, so a stale or missing local state fails open.
package quota

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/lumora-app/fanstudio/pkg/models"
)

// Fetcher retrieves the authoritative quota state from the backend
type Fetcher interface {
	Quota(ctx context.Context) (*models.QuotaState, error)
}

// Decision is the outcome of an advisory quota check
type Decision struct {
	Allowed bool
	// Remaining is the cached allowance, or -1 when no state has been
	// fetched yet
	Remaining int
	Reason    string
}

// Gate caches the last known QuotaState and applies a local submit
// throttle so a double-click cannot fire two submissions before the
// first response updates the cache.
type Gate struct {
	fetcher  Fetcher
	throttle *rate.Limiter
	logger   *slog.Logger

	mu    sync.RWMutex
	state *models.QuotaState
}

// NewGate creates a quota gate with the given local submit throttle
func NewGate(fetcher Fetcher, submitsPerMinute, burst int, logger *slog.Logger) *Gate {
	rps := float64(submitsPerMinute) / 60.0
	return &Gate{
		fetcher:  fetcher,
		throttle: rate.NewLimiter(rate.Limit(rps), burst),
		logger:   logger.With("component", "quota_gate"),
	}
}

// Refresh fetches the quota state from the backend. A fetch failure is
// logged and swallowed: a transient metadata failure must never block
// the primary feature, and the server remains the real guard.
func (g *Gate) Refresh(ctx context.Context) {
	state, err := g.fetcher.Quota(ctx)
	if err != nil {
		g.logger.Warn("Quota refresh failed, gate fails open", "error", err)
		return
	}
	g.Observe(state)
}

// CheckAndReserve performs the advisory check and consumes one local
// throttle token when it allows. It does not decrement the cached
// remaining count; the piggybacked quota on the generation response
// overwrites the cache instead.
func (g *Gate) CheckAndReserve() Decision {
	g.mu.RLock()
	state := g.state
	g.mu.RUnlock()

	remaining := -1
	if state != nil {
		remaining = state.Remaining
		if state.Remaining == 0 {
			return Decision{Allowed: false, Remaining: 0, Reason: "no generations left in the current window"}
		}
	}

	if !g.throttle.Allow() {
		return Decision{Allowed: false, Remaining: remaining, Reason: "submissions are rate limited, slow down"}
	}

	return Decision{Allowed: true, Remaining: remaining}
}

// Observe records a quota state returned alongside any backend
// response, success or rate-limit error. Last write wins.
func (g *Gate) Observe(state *models.QuotaState) {
	if state == nil {
		return
	}
	g.mu.Lock()
	g.state = state
	g.mu.Unlock()

	g.logger.Debug("Quota state updated",
		"remaining", state.Remaining,
		"resets_at", state.WindowResetAt)
}

// Snapshot returns the cached quota state, if any
func (g *Gate) Snapshot() (models.QuotaState, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.state == nil {
		return models.QuotaState{}, false
	}
	return *g.state, true
}
