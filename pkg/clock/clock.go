// Package clock provides re-armable, generation-stamped timers for
// transaction bookkeeping. A Handle can be reset an arbitrary number of
// times before it fires; each Reset bumps a generation counter so that a
// callback racing against a concurrent cancel/reset can tell whether it
// is still the current one. This replaces cancel-with-confirmation
// patterns (stop the timer, wait for it to drain) with a single
// comparison inside the fired callback.
package clock

import (
	"math/rand"
	"sync"
	"time"
)

// Handle is a single re-armable timer. The zero value is not usable;
// obtain one from Clock.ScheduleDelayed or Clock.SchedulePeriodic.
type Handle struct {
	mu         sync.Mutex
	timer      *time.Timer
	generation uint64
	disabled   bool
}

// Generation returns the handle's current generation. A callback that
// captured an earlier generation can compare against this to detect
// that the handle has since been reset or cancelled.
func (h *Handle) Generation() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.generation
}

// Cancel stops the timer and bumps the generation, so any callback
// already in flight will see a stale generation and no-op.
func (h *Handle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelLocked()
}

func (h *Handle) cancelLocked() {
	if h.timer != nil {
		h.timer.Stop()
	}
	h.generation++
	h.disabled = true
}

// Reset re-arms the timer to fire after d, discarding any pending firing
// and running under a fresh generation. cb is called with that
// generation once d elapses, unless the handle is reset or cancelled
// again first.
func (h *Handle) Reset(d time.Duration, cb func(generation uint64)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rearmLocked(d, cb)
}

func (h *Handle) rearmLocked(d time.Duration, cb func(generation uint64)) {
	if h.timer != nil {
		h.timer.Stop()
	}
	h.generation++
	h.disabled = false
	gen := h.generation
	h.timer = time.AfterFunc(d, func() {
		h.mu.Lock()
		stale := h.disabled || gen != h.generation
		h.mu.Unlock()
		if stale {
			return
		}
		cb(gen)
	})
}

// Clock schedules delayed and periodic callbacks. It holds no state of
// its own; it exists so call sites can depend on an interface-shaped
// value instead of the bare time package, which keeps timer creation
// testable.
type Clock struct{}

// New returns a Clock.
func New() *Clock {
	return &Clock{}
}

// ScheduleDelayed arms a one-shot timer. Call Reset on the returned
// Handle to push the deadline back out; call Cancel to stop it for
// good.
func (c *Clock) ScheduleDelayed(d time.Duration, cb func(generation uint64)) *Handle {
	h := &Handle{}
	h.Reset(d, cb)
	return h
}

// SchedulePeriodic arms a timer that reschedules itself after every
// firing, approximating a ticker built out of the same generation-stamped
// machinery as ScheduleDelayed (so Cancel/Reset behave identically on
// both). When staggeredStart is set, the first firing is delayed by an
// additional random amount in [0, 2*period) to avoid many nodes with the
// same period firing in lockstep.
func (c *Clock) SchedulePeriodic(period time.Duration, cb func(generation uint64), staggeredStart bool) *Handle {
	h := &Handle{}
	first := period
	if staggeredStart {
		first += time.Duration(rand.Int63n(int64(2 * period)))
	}
	var rearm func(generation uint64)
	rearm = func(generation uint64) {
		cb(generation)
		h.mu.Lock()
		if !h.disabled && h.generation == generation {
			h.rearmLocked(period, rearm)
		}
		h.mu.Unlock()
	}
	h.Reset(first, rearm)
	return h
}
