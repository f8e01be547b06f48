// Package logsink provides the observers that receive every relayed line.
//
// A Sink has no ownership over a line: it may copy or render it but must not
// retain or mutate the slice it was handed.
package logsink

import (
	"bufio"
	"bytes"
	"io"
	"sync"
)

// Sink receives (label, line) pairs. Append is synchronous and must be safe
// for concurrent use.
type Sink interface {
	Append(label string, line []byte)
}

// Func adapts a function to Sink.
type Func func(label string, line []byte)

func (f Func) Append(label string, line []byte) { f(label, line) }

// Writer prints each line prefixed with its label to a buffered writer.
type Writer struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewWriter wraps w. Call Flush before the process exits.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (s *Writer) Append(label string, line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.WriteString(label)
	_, _ = s.w.WriteString(" ")
	_, _ = s.w.Write(line)
	if !bytes.HasSuffix(line, []byte("\n")) {
		_ = s.w.WriteByte('\n')
	}
}

// Flush writes any buffered output.
func (s *Writer) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

// Multi fans each line out to several sinks in order.
type Multi []Sink

func (m Multi) Append(label string, line []byte) {
	for _, s := range m {
		if s != nil {
			s.Append(label, line)
		}
	}
}

// Transcript accumulates lines per label, verbatim.
type Transcript struct {
	mu   sync.Mutex
	bufs map[string]*bytes.Buffer
}

func NewTranscript() *Transcript {
	return &Transcript{bufs: make(map[string]*bytes.Buffer)}
}

func (t *Transcript) Append(label string, line []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf, ok := t.bufs[label]
	if !ok {
		buf = &bytes.Buffer{}
		t.bufs[label] = buf
	}
	buf.Write(line)
}

// String returns everything recorded under label.
func (t *Transcript) String(label string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if buf, ok := t.bufs[label]; ok {
		return buf.String()
	}
	return ""
}
