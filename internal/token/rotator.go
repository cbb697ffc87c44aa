package token

import (
	"sync"
	"time"

	"github.com/mkoval/authlink/internal/timex"
)

// DefaultRotateFraction of the access-token lifetime at which proactive
// rotation fires, so a live session is refreshed before it can expire
// mid-use.
const DefaultRotateFraction = 0.8

// Rotator schedules timer-driven proactive rotation. It is a background
// action, not caller-driven: the session manager arms it on every save and
// the callback performs the actual rotation.
type Rotator struct {
	clock    timex.Clock
	fraction float64

	mu    sync.Mutex
	timer timex.Timer
}

// NewRotator creates a Rotator firing at fraction of the token lifetime.
// Fractions outside (0,1] fall back to the default.
func NewRotator(clock timex.Clock, fraction float64) *Rotator {
	if fraction <= 0 || fraction > 1 {
		fraction = DefaultRotateFraction
	}
	return &Rotator{clock: clock, fraction: fraction}
}

// Schedule arms the rotation timer for a token issued at issuedAt with the
// given lifetime. If the rotation point is already in the past, fn fires
// immediately on the scheduling goroutine. Any previously armed timer is
// stopped first, so re-scheduling never double-fires.
func (r *Rotator) Schedule(issuedAt time.Time, lifetime time.Duration, fn func()) {
	due := issuedAt.Add(time.Duration(float64(lifetime) * r.fraction))
	delay := due.Sub(r.clock.Now())

	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if delay <= 0 {
		r.mu.Unlock()
		fn()
		return
	}
	r.timer = r.clock.AfterFunc(delay, fn)
	r.mu.Unlock()
}

// Stop cancels any pending rotation. Must be called before the owning
// component releases its state, so a stale timer cannot resurrect a cleared
// session.
func (r *Rotator) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
