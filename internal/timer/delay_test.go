package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDelay(t *testing.T) *Delay {
	return NewDelay(zerolog.New(zerolog.NewTestWriter(t)))
}

func TestDelayFiresOnce(t *testing.T) {
	d := newDelay(t)
	var calls atomic.Int32
	done := make(chan struct{})

	require.True(t, d.Schedule(false, 10*time.Millisecond, func() {
		calls.Add(1)
		close(done)
	}))
	assert.True(t, d.Pending())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, d.Pending())
}

func TestDelayNonForcedScheduleIsNoopWhilePending(t *testing.T) {
	d := newDelay(t)
	var first, second atomic.Int32
	d.Schedule(false, 30*time.Millisecond, func() { first.Add(1) })

	assert.False(t, d.Schedule(false, 5*time.Millisecond, func() { second.Add(1) }))

	require.Eventually(t, func() bool { return first.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), second.Load())
}

func TestDelayForcedScheduleReplacesPending(t *testing.T) {
	d := newDelay(t)
	var first, second atomic.Int32
	d.Schedule(false, 50*time.Millisecond, func() { first.Add(1) })

	assert.True(t, d.Schedule(true, 5*time.Millisecond, func() { second.Add(1) }))

	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
}

func TestDelayCancel(t *testing.T) {
	d := newDelay(t)
	d.Cancel() // idle

	var calls atomic.Int32
	d.Schedule(false, 20*time.Millisecond, func() { calls.Add(1) })
	d.Cancel()
	d.Cancel()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	assert.False(t, d.Pending())
}

func TestDelayCallbackCanReschedule(t *testing.T) {
	d := newDelay(t)
	var calls atomic.Int32
	var fn func()
	fn = func() {
		if calls.Add(1) < 3 {
			d.Schedule(false, time.Millisecond, fn)
		}
	}
	d.Schedule(false, time.Millisecond, fn)

	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
}

func TestDelayCancelDoesNotInterruptRunningCallback(t *testing.T) {
	d := newDelay(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	d.Schedule(false, time.Millisecond, func() {
		close(started)
		<-release
		finished.Store(true)
	})
	<-started
	d.Cancel()
	close(release)

	require.Eventually(t, finished.Load, time.Second, 5*time.Millisecond)
}
