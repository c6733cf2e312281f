// Package eventloop provides the single logical thread that owns a document
// session's state. Channel handlers, timer ticks and user commands are all
// submitted to one Loop and run one at a time in submission order.
package eventloop

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/ericfitz/docsync/internal/slogging"
)

// ErrStopped is returned when work is submitted to a stopped loop.
var ErrStopped = errors.New("event loop stopped")

// DefaultMailboxSize bounds the queue of pending callbacks.
const DefaultMailboxSize = 256

// Dispatcher accepts work to run on a loop.
type Dispatcher interface {
	Post(fn func()) error
}

// Loop runs submitted callbacks sequentially on its own goroutine.
type Loop struct {
	mailbox   chan func()
	quit      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	logger    *slogging.Logger
}

// New creates a loop with the given mailbox size. Call Start before posting.
func New(mailboxSize int, logger *slogging.Logger) *Loop {
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}
	if logger == nil {
		logger = slogging.Get()
	}
	return &Loop{
		mailbox: make(chan func(), mailboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

// Start launches the loop goroutine. Repeated calls are no-ops.
func (l *Loop) Start() {
	l.startOnce.Do(func() {
		go l.run()
	})
}

// Stop ends the loop. Callbacks still queued are discarded. Stop does not wait
// for an in-flight callback; receive from Done for that.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
	})
	// Ensure done closes even if the loop was never started.
	l.startOnce.Do(func() {
		close(l.done)
	})
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post enqueues fn and returns without waiting for it to run. It blocks while
// the mailbox is full.
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.quit:
		return ErrStopped
	default:
	}

	select {
	case l.mailbox <- fn:
		return nil
	case <-l.quit:
		return ErrStopped
	}
}

// Do runs fn on the loop and waits for it to finish. It must not be called
// from a callback already running on the same loop.
func (l *Loop) Do(fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Call runs fn on the loop and returns its result.
func Call[T any](l *Loop, fn func() T) (T, error) {
	var result T
	err := l.Do(func() { result = fn() })
	return result, err
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.quit:
			return
		case fn := <-l.mailbox:
			// A stop that raced with this receive wins.
			select {
			case <-l.quit:
				return
			default:
			}
			l.invoke(fn)
		}
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event loop callback panicked: %v", fmt.Sprint(r))
			l.logger.Debug("stack: %s", string(debug.Stack()))
		}
	}()
	fn()
}
