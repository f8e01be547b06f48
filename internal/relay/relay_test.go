package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

type entry struct {
	label string
	line  string
}

type recordingSink struct {
	mu      sync.Mutex
	entries []entry
}

func (s *recordingSink) Append(label string, line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry{label: label, line: string(line)})
}

func (s *recordingSink) snapshot() []entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entry(nil), s.entries...)
}

type trackingCloser struct {
	io.Reader
	mu     sync.Mutex
	closed bool
}

func (c *trackingCloser) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *trackingCloser) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// failingWriter accepts lines until failAt (1-based), then returns err.
type failingWriter struct {
	failAt   int
	err      error
	attempts int
	buf      bytes.Buffer
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.attempts++
	if w.attempts >= w.failAt {
		return 0, w.err
	}
	return w.buf.Write(p)
}

type shortWriter struct{}

func (shortWriter) Write(p []byte) (int, error) { return len(p) / 2, nil }

type erroringReader struct {
	err error
}

func (r erroringReader) Read([]byte) (int, error) { return 0, r.err }
func (erroringReader) Close() error               { return nil }

func waitClosed(t *testing.T, q *Queue) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !q.Closed() {
		select {
		case <-q.Ready():
		case <-deadline:
			t.Fatal("timed out waiting for source to close")
		}
	}
}

func TestQueuePreservesOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	for i := 0; i < 1000; i++ {
		q.Push([]byte(fmt.Sprintf("%d\n", i)))
	}
	for i := 0; i < 1000; i++ {
		line, ok := q.TryPop()
		if !ok {
			t.Fatalf("TryPop %d: queue unexpectedly empty", i)
		}
		if want := fmt.Sprintf("%d\n", i); string(line) != want {
			t.Fatalf("TryPop %d = %q, want %q", i, line, want)
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Fatal("expected empty queue after draining")
	}
}

func TestQueueCloseKeepsBufferedLines(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	q.Push([]byte("x\n"))
	q.Close(nil)
	q.Push([]byte("ignored\n"))

	if !q.Closed() {
		t.Fatal("expected queue to be closed")
	}
	if q.Drained() {
		t.Fatal("closed queue with a buffered line must not report drained")
	}
	if got := q.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
	if line, ok := q.TryPop(); !ok || string(line) != "x\n" {
		t.Fatalf("TryPop = %q, %v; want %q, true", line, ok, "x\n")
	}
	if !q.Drained() {
		t.Fatal("expected drained after popping the last line")
	}
}

func TestPollOnce_ThreeLinesThenEmpty(t *testing.T) {
	t.Parallel()

	q := StartDraining(io.NopCloser(strings.NewReader("a\nb\nc\n")))
	waitClosed(t, q)

	sink := &recordingSink{}
	var dest bytes.Buffer
	for _, want := range []string{"a\n", "b\n", "c\n"} {
		ok, err := PollOnce(q, "OUT1", &dest, sink)
		if err != nil {
			t.Fatalf("PollOnce: %v", err)
		}
		if !ok {
			t.Fatalf("PollOnce returned empty, want %q", want)
		}
	}
	ok, err := PollOnce(q, "OUT1", &dest, sink)
	if ok || err != nil {
		t.Fatalf("fourth PollOnce = (%v, %v), want (false, nil)", ok, err)
	}

	if got := dest.String(); got != "a\nb\nc\n" {
		t.Fatalf("forwarded %q, want %q", got, "a\nb\nc\n")
	}
	got := sink.snapshot()
	if len(got) != 3 || got[0].line != "a\n" || got[2].line != "c\n" || got[1].label != "OUT1" {
		t.Fatalf("logged %+v", got)
	}
}

func TestPollOnce_OpenSilentSourceNeverBlocks(t *testing.T) {
	t.Parallel()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer func() { _ = w.Close() }()

	q := StartDraining(r)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			ok, err := PollOnce(q, "OUT1", nil, nil)
			if ok || err != nil {
				t.Errorf("PollOnce = (%v, %v), want (false, nil)", ok, err)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("polling an empty queue blocked")
	}
	if q.Closed() {
		t.Fatal("source reported closed while writer is still open")
	}
}

func TestStartDraining_ClosesSourceAtEOF(t *testing.T) {
	t.Parallel()

	src := &trackingCloser{Reader: strings.NewReader("only\n")}
	q := StartDraining(src)
	waitClosed(t, q)

	if !src.isClosed() {
		t.Fatal("expected source to be closed after end-of-stream")
	}
	if err := q.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil for clean EOF", err)
	}
	if line, ok := q.TryPop(); !ok || string(line) != "only\n" {
		t.Fatalf("TryPop = %q, %v", line, ok)
	}
}

func TestStartDraining_KeepsUnterminatedTail(t *testing.T) {
	t.Parallel()

	q := StartDraining(io.NopCloser(strings.NewReader("one\ntwo")))
	waitClosed(t, q)

	var lines []string
	for {
		line, ok := q.TryPop()
		if !ok {
			break
		}
		lines = append(lines, string(line))
	}
	if len(lines) != 2 || lines[0] != "one\n" || lines[1] != "two" {
		t.Fatalf("lines = %q, want [one\\n two]", lines)
	}
}

func TestStartDraining_ReportsReadError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	q := StartDraining(erroringReader{err: boom})
	waitClosed(t, q)

	if !errors.Is(q.Err(), boom) {
		t.Fatalf("Err() = %v, want %v", q.Err(), boom)
	}
	if !q.Drained() {
		t.Fatal("expected drained queue after read error")
	}
}

func TestPoll_WriteFailureIsReturnedNotRetried(t *testing.T) {
	t.Parallel()

	q := StartDraining(io.NopCloser(strings.NewReader("1\n2\n3\n")))
	waitClosed(t, q)

	sink := &recordingSink{}
	dest := &failingWriter{failAt: 2, err: syscall.EPIPE}
	loop := &Loop{
		Routes: []Route{{Label: "OUT1", Queue: q, Dest: dest}},
		Sink:   sink,
	}

	err := loop.Run(context.Background())
	var werr *WriteError
	if !errors.As(err, &werr) {
		t.Fatalf("Run() = %v, want *WriteError", err)
	}
	if !errors.Is(err, syscall.EPIPE) {
		t.Fatalf("Run() = %v, want wrapped EPIPE", err)
	}
	if string(werr.Line) != "2\n" || werr.Label != "OUT1" {
		t.Fatalf("WriteError = %+v, want line 2 on OUT1", werr)
	}
	if dest.attempts != 2 {
		t.Fatalf("write attempts = %d, want 2", dest.attempts)
	}
	if got := dest.buf.String(); got != "1\n" {
		t.Fatalf("forwarded %q, want %q", got, "1\n")
	}

	logged := sink.snapshot()
	if len(logged) != 2 || logged[1].line != "2\n" {
		t.Fatalf("logged %+v, want lines 1 and 2", logged)
	}
	if got := q.Len(); got != 1 {
		t.Fatalf("queue len = %d, want line 3 still buffered", got)
	}
}

func TestPoll_ShortWriteFails(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	q.Push([]byte("abcdef\n"))

	res := Poll(q, "OUT2", shortWriter{}, nil)
	if res.Outcome != Failed {
		t.Fatalf("Outcome = %v, want failed", res.Outcome)
	}
	if !errors.Is(res.Err, io.ErrShortWrite) {
		t.Fatalf("Err = %v, want io.ErrShortWrite", res.Err)
	}
}

func TestPoll_EmptyOutcome(t *testing.T) {
	t.Parallel()

	res := Poll(NewQueue(), "ERR1", nil, nil)
	if res.Outcome != Empty || res.Err != nil || res.Line != nil {
		t.Fatalf("Poll on empty queue = %+v", res)
	}
	if res.Outcome.String() != "empty" {
		t.Fatalf("String() = %q", res.Outcome.String())
	}
}

func TestLoop_LogsConcurrentErrorStreams(t *testing.T) {
	t.Parallel()

	const n = 100
	build := func(prefix string) io.ReadCloser {
		r, w := io.Pipe()
		go func() {
			for i := 0; i < n; i++ {
				fmt.Fprintf(w, "%s-%d\n", prefix, i)
			}
			_ = w.Close()
		}()
		return r
	}

	sink := &recordingSink{}
	loop := &Loop{
		Routes: []Route{
			{Label: "A", Queue: StartDraining(build("a"))},
			{Label: "B", Queue: StartDraining(build("b"))},
		},
		Sink:         sink,
		PollInterval: time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	logged := sink.snapshot()
	if len(logged) != 2*n {
		t.Fatalf("logged %d lines, want %d", len(logged), 2*n)
	}
	next := map[string]int{}
	for _, e := range logged {
		want := fmt.Sprintf("%s-%d\n", strings.ToLower(e.label), next[e.label])
		if e.line != want {
			t.Fatalf("label %s: got %q, want %q", e.label, e.line, want)
		}
		next[e.label]++
	}
	if next["A"] != n || next["B"] != n {
		t.Fatalf("per-label counts = %v", next)
	}
}

func TestLoop_CrossWiresTwoDirections(t *testing.T) {
	t.Parallel()

	var toB, toA bytes.Buffer
	loop := &Loop{
		Routes: []Route{
			{Label: "OUT1", Queue: StartDraining(io.NopCloser(strings.NewReader("ping\n"))), Dest: &toB},
			{Label: "OUT2", Queue: StartDraining(io.NopCloser(strings.NewReader("pong\n"))), Dest: &toA},
			{Label: "ERR1", Queue: StartDraining(io.NopCloser(strings.NewReader("warn\n")))},
		},
		Sink: &recordingSink{},
	}
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if toB.String() != "ping\n" || toA.String() != "pong\n" {
		t.Fatalf("toB=%q toA=%q", toB.String(), toA.String())
	}
}

func TestLoop_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer func() { _ = w.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	loop := &Loop{Routes: []Route{{Label: "OUT1", Queue: StartDraining(r)}}}

	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after cancel")
	}
}

func TestLoop_NoRoutesReturnsImmediately(t *testing.T) {
	t.Parallel()

	if err := (&Loop{}).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

type closingBuffer struct {
	bytes.Buffer
	closed int
}

func (b *closingBuffer) Close() error {
	b.closed++
	return nil
}

func TestLoop_ClosesDestinationOnceDrained(t *testing.T) {
	t.Parallel()

	dest := &closingBuffer{}
	loop := &Loop{
		Routes: []Route{{
			Label:     "OUT2",
			Queue:     StartDraining(io.NopCloser(strings.NewReader("x\ny\n"))),
			Dest:      dest,
			CloseDest: true,
		}},
	}
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if dest.String() != "x\ny\n" {
		t.Fatalf("forwarded %q", dest.String())
	}
	if dest.closed != 1 {
		t.Fatalf("destination closed %d times, want 1", dest.closed)
	}
}
