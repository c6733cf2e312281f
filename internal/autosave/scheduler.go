// Package autosave drives periodic persistence of a document session.
package autosave

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ericfitz/docsync/internal/eventloop"
)

// DefaultInterval is the persistence cadence when none is configured.
const DefaultInterval = time.Second

// Scheduler fires persist at a fixed period while started. Ticks are posted
// to a dispatcher; each carries the generation it was armed under, so a tick
// that was already queued when Stop ran does nothing.
//
// Start, Stop and Running must be called on the dispatcher's goroutine.
type Scheduler struct {
	clock      clockwork.Clock
	dispatcher eventloop.Dispatcher
	interval   time.Duration
	persist    func()

	generation uint64
	running    bool
	ticker     clockwork.Ticker
	stop       chan struct{}
	fired      int
}

// New creates a stopped scheduler.
func New(clock clockwork.Clock, dispatcher eventloop.Dispatcher, interval time.Duration, persist func()) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		clock:      clock,
		dispatcher: dispatcher,
		interval:   interval,
		persist:    persist,
	}
}

// Start arms the ticker. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start() {
	if s.running {
		return
	}
	s.running = true
	s.generation++
	gen := s.generation

	ticker := s.clock.NewTicker(s.interval)
	stop := make(chan struct{})
	s.ticker, s.stop = ticker, stop

	go func() {
		for {
			select {
			case <-ticker.Chan():
				if err := s.dispatcher.Post(func() { s.fire(gen) }); err != nil {
					return
				}
			case <-stop:
				return
			}
		}
	}()
}

// Stop cancels the ticker. Ticks already queued are discarded when they run.
func (s *Scheduler) Stop() {
	if !s.running {
		return
	}
	s.running = false
	s.ticker.Stop()
	close(s.stop)
}

// Running reports whether the scheduler is armed.
func (s *Scheduler) Running() bool {
	return s.running
}

// Fired returns how many ticks reached persist.
func (s *Scheduler) Fired() int {
	return s.fired
}

// Interval returns the configured period.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

func (s *Scheduler) fire(gen uint64) {
	if !s.running || gen != s.generation {
		return
	}
	s.fired++
	s.persist()
}
