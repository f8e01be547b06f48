package relay

import "sync"

// Queue is an unbounded FIFO of lines read from one stream source.
//
// A Queue has exactly one producer (the goroutine draining its source) and one
// consumer (the relay loop). TryPop never blocks.
type Queue struct {
	mu     sync.Mutex
	items  [][]byte
	head   int
	closed bool
	err    error

	// ready holds at most one pending wakeup for the consumer.
	ready chan struct{}
}

// NewQueue returns an empty, open queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Push appends a line. Pushing to a closed queue is a no-op.
func (q *Queue) Push(line []byte) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, line)
	q.mu.Unlock()
	q.signal()
}

// Close marks the source as finished. err is the terminal read error, if any;
// end-of-stream is reported as nil. Close is idempotent and keeps the first error.
func (q *Queue) Close(err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.err = err
	q.mu.Unlock()
	q.signal()
}

// TryPop removes and returns the oldest line. ok is false when the queue is
// currently empty.
func (q *Queue) TryPop() (line []byte, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == len(q.items) {
		return nil, false
	}
	line = q.items[q.head]
	q.items[q.head] = nil
	q.head++

	// Reclaim the backing array once it's fully consumed.
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return line, true
}

// Len returns the number of buffered lines.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Closed reports whether the source has reached end-of-stream.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Drained reports whether the source is closed and every line has been popped.
func (q *Queue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && q.head == len(q.items)
}

// Err returns the read error that ended the source, or nil on a clean EOF.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Ready returns a channel that receives after a Push or Close. Wakeups
// coalesce, so a receive only means the queue should be polled again.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
