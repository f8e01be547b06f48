package relay

import (
	"fmt"
	"io"
)

// Sink receives every line the relay pops, whether or not it is forwarded.
// It is the narrow contract the relay needs from a log sink.
type Sink interface {
	Append(label string, line []byte)
}

// Outcome classifies a single poll.
type Outcome int

const (
	// Empty means the queue had no line yet. It is not an error.
	Empty Outcome = iota
	// Item means a line was logged and, when a destination was set, forwarded.
	Item
	// Failed means writing the line to the destination failed.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Empty:
		return "empty"
	case Item:
		return "item"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result is the tri-state outcome of Poll.
type Result struct {
	Outcome Outcome
	Line    []byte
	Err     error
}

// WriteError reports a failed forward of one line to its destination.
type WriteError struct {
	Label string
	Line  []byte
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("relay: forwarding %s line: %v", e.Label, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Poll pops at most one line from q without blocking. A popped line always
// goes to sink first; it is then written to dest when dest is non-nil.
// A failed write is not retried.
func Poll(q *Queue, label string, dest io.Writer, sink Sink) Result {
	line, ok := q.TryPop()
	if !ok {
		return Result{Outcome: Empty}
	}

	if sink != nil {
		sink.Append(label, line)
	}

	if dest != nil {
		n, err := dest.Write(line)
		if err == nil && n < len(line) {
			err = io.ErrShortWrite
		}
		if err != nil {
			return Result{
				Outcome: Failed,
				Line:    line,
				Err:     &WriteError{Label: label, Line: line, Err: err},
			}
		}
	}
	return Result{Outcome: Item, Line: line}
}

// PollOnce is Poll reduced to (had item, error). An empty queue yields
// (false, nil); a failed forward yields (false, *WriteError).
func PollOnce(q *Queue, label string, dest io.Writer, sink Sink) (bool, error) {
	res := Poll(q, label, dest, sink)
	switch res.Outcome {
	case Item:
		return true, nil
	case Failed:
		return false, res.Err
	default:
		return false, nil
	}
}
