package timer

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Delay is a restartable single-shot countdown. At most one countdown is
// pending at a time; callbacks run on their own goroutine.
type Delay struct {
	mu     sync.Mutex
	timer  *time.Timer
	gen    uint64
	logger zerolog.Logger
}

func NewDelay(logger zerolog.Logger) *Delay {
	return &Delay{logger: logger.With().Str("component", "queue_timer").Logger()}
}

// Schedule starts a countdown of d that calls fn once. If a countdown is
// already pending it is replaced when force is set and left alone otherwise.
// It reports whether a new countdown was started.
func (t *Delay) Schedule(force bool, d time.Duration, fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil && !force {
		t.logger.Debug().Msg("timer already scheduled, skipping request")
		return false
	}
	t.stopLocked()

	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(d, func() { t.fire(gen, fn) })
	t.logger.Debug().Dur("duration", d).Msg("timer scheduled")
	return true
}

// Cancel stops a pending countdown. It is a no-op when idle and never
// interrupts a callback that has already started.
func (t *Delay) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.logger.Debug().Msg("timer cancelled")
	}
	t.stopLocked()
}

// Pending reports whether a countdown is armed.
func (t *Delay) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

func (t *Delay) stopLocked() {
	if t.timer == nil {
		return
	}
	t.timer.Stop()
	t.timer = nil
	// invalidates a callback whose timer fired but has not taken the lock yet
	t.gen++
}

func (t *Delay) fire(gen uint64, fn func()) {
	t.mu.Lock()
	if gen != t.gen || t.timer == nil {
		t.mu.Unlock()
		return
	}
	// reset before running fn so fn can schedule again
	t.timer = nil
	t.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			t.logger.Error().Interface("panic", p).Msg("timer callback panicked")
		}
	}()
	t.logger.Debug().Msg("timer fired")
	fn()
}
