package autosave

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfitz/docsync/internal/eventloop"
)

type harness struct {
	loop     *eventloop.Loop
	clock    *clockwork.FakeClock
	sched    *Scheduler
	persists int
}

func newHarness(t *testing.T, interval time.Duration) *harness {
	t.Helper()
	h := &harness{loop: eventloop.New(16, nil), clock: clockwork.NewFakeClock()}
	h.loop.Start()
	t.Cleanup(h.loop.Stop)
	h.sched = New(h.clock, h.loop, interval, func() { h.persists++ })
	return h
}

func (h *harness) count(t *testing.T) int {
	t.Helper()
	n, err := eventloop.Call(h.loop, func() int { return h.persists })
	require.NoError(t, err)
	return n
}

func TestScheduler_Defaults(t *testing.T) {
	s := New(nil, nil, 0, func() {})
	assert.Equal(t, DefaultInterval, s.Interval())
	assert.False(t, s.Running())
}

func TestScheduler_FiresOncePerInterval(t *testing.T) {
	h := newHarness(t, time.Second)
	require.NoError(t, h.loop.Do(h.sched.Start))

	for i := 1; i <= 3; i++ {
		h.clock.Advance(time.Second)
		assert.Eventually(t, func() bool { return h.count(t) == i }, time.Second, time.Millisecond)
	}

	h.clock.Advance(500 * time.Millisecond)
	assert.Never(t, func() bool { return h.count(t) != 3 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestScheduler_StopSilences(t *testing.T) {
	h := newHarness(t, time.Second)
	require.NoError(t, h.loop.Do(h.sched.Start))

	h.clock.Advance(time.Second)
	assert.Eventually(t, func() bool { return h.count(t) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.loop.Do(h.sched.Stop))
	for i := 0; i < 5; i++ {
		h.clock.Advance(time.Second)
	}
	assert.Never(t, func() bool { return h.count(t) != 1 }, 50*time.Millisecond, 5*time.Millisecond)

	running, err := eventloop.Call(h.loop, h.sched.Running)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestScheduler_StaleTickIsDiscarded(t *testing.T) {
	h := newHarness(t, time.Second)

	require.NoError(t, h.loop.Do(func() {
		h.sched.Start()
		stale := h.sched.generation
		h.sched.Stop()
		h.sched.fire(stale)

		h.sched.Start()
		h.sched.fire(stale)
		h.sched.fire(h.sched.generation)
		h.sched.Stop()
	}))

	assert.Equal(t, 1, h.count(t))
	fired, err := eventloop.Call(h.loop, h.sched.Fired)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
}

func TestScheduler_StartIsIdempotent(t *testing.T) {
	h := newHarness(t, time.Second)
	require.NoError(t, h.loop.Do(func() {
		h.sched.Start()
		h.sched.Start()
	}))

	h.clock.Advance(time.Second)
	assert.Eventually(t, func() bool { return h.count(t) == 1 }, time.Second, time.Millisecond)
	assert.Never(t, func() bool { return h.count(t) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestScheduler_RestartAfterStop(t *testing.T) {
	h := newHarness(t, 200*time.Millisecond)
	require.NoError(t, h.loop.Do(h.sched.Start))
	require.NoError(t, h.loop.Do(h.sched.Stop))
	require.NoError(t, h.loop.Do(h.sched.Start))

	h.clock.Advance(200 * time.Millisecond)
	assert.Eventually(t, func() bool { return h.count(t) == 1 }, time.Second, time.Millisecond)
}
