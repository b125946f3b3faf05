// Package runloop provides a single-goroutine cooperative executor. Sampling
// threads hand work to the system event loop through Submit, a thread-safe
// bridge; submitted functions run one at a time in submission order.
package runloop

import (
	"context"
	"log/slog"
	"sync"
)

const defaultQueueSize = 256

// Loop executes submitted functions sequentially on one goroutine.
type Loop struct {
	queue  chan func()
	logger *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// New creates a Loop with the default queue size.
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		queue:  make(chan func(), defaultQueueSize),
		logger: logger.With("component", "runloop"),
		done:   make(chan struct{}),
	}
}

// Start launches the executor goroutine. It returns immediately; the loop
// runs until the context is cancelled. Start is idempotent.
func (l *Loop) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		go func() {
			defer close(l.done)
			for {
				select {
				case <-ctx.Done():
					return
				case fn := <-l.queue:
					fn()
				}
			}
		}()
	})
}

// Submit queues fn for execution on the loop goroutine. It is safe to call
// from any goroutine and never blocks: when the queue is full or the loop
// has stopped, the function is dropped and Submit returns false.
func (l *Loop) Submit(fn func()) bool {
	if fn == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.queue <- fn:
		return true
	default:
		l.logger.Warn("run loop queue full, dropping submission")
		return false
	}
}

// Wait blocks until the loop goroutine has exited.
func (l *Loop) Wait() {
	<-l.done
}
