package relay

import (
	"context"
	"io"
	"log"
	"time"
)

// DefaultPollInterval bounds how long an idle loop waits before polling again
// when no queue has signalled.
const DefaultPollInterval = 50 * time.Millisecond

// Route is one polled stream: lines popped from Queue are logged under Label
// and, when Dest is non-nil, forwarded to it. Error streams have no Dest.
type Route struct {
	Label string
	Queue *Queue
	Dest  io.Writer

	// CloseDest closes Dest once Queue is drained, so the consumer on the
	// other end sees end-of-stream. Dest must implement io.Closer.
	CloseDest bool
}

// Loop services a set of routes from a single goroutine.
type Loop struct {
	Routes       []Route
	Sink         Sink
	PollInterval time.Duration
}

// Run polls every route until all sources are closed and all queues are
// drained, returning nil. It returns the first *WriteError from a forwarding
// route without polling further, or ctx.Err() if ctx is cancelled.
//
// Individual polls never block. When a full pass finds nothing, Run waits
// for any queue to signal or for the poll interval to elapse.
func (l *Loop) Run(ctx context.Context) error {
	interval := l.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	done := make(chan struct{})
	defer close(done)
	wake := make(chan struct{}, 1)
	for _, r := range l.Routes {
		go forwardWakeups(r.Queue.Ready(), wake, done)
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	destClosed := make([]bool, len(l.Routes))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		progressed := false
		for i, r := range l.Routes {
			ok, err := PollOnce(r.Queue, r.Label, r.Dest, l.Sink)
			if err != nil {
				log.Printf("relay: halting on %s with %d lines still queued", r.Label, r.Queue.Len())
				return err
			}
			if ok {
				progressed = true
				continue
			}
			if r.CloseDest && !destClosed[i] && r.Queue.Drained() {
				destClosed[i] = true
				closeDest(r)
			}
		}
		if progressed {
			continue
		}
		if l.drained() {
			return nil
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-timer.C:
		}
	}
}

func (l *Loop) drained() bool {
	for _, r := range l.Routes {
		if !r.Queue.Drained() {
			return false
		}
	}
	return true
}

func closeDest(r Route) {
	c, ok := r.Dest.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		log.Printf("relay: closing %s destination: %v", r.Label, err)
	}
}

func forwardWakeups(ready <-chan struct{}, wake chan<- struct{}, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ready:
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}
}
