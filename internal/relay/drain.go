package relay

import (
	"bufio"
	"errors"
	"io"
	"log"
	"os"
)

// StartDraining reads src line by line in a background goroutine and returns
// the queue it fills. It returns immediately.
//
// The goroutine owns src until end-of-stream and closes it when reading ends.
// Lines keep their trailing newline; a final unterminated fragment is pushed
// as-is. Callers never need to join the goroutine.
func StartDraining(src io.ReadCloser) *Queue {
	q := NewQueue()
	go drain(src, q)
	return q
}

func drain(src io.ReadCloser, q *Queue) {
	var readErr error
	defer func() {
		if err := src.Close(); err != nil && readErr == nil {
			log.Printf("relay: closing source: %v", err)
		}
		q.Close(readErr)
	}()

	reader := bufio.NewReader(src)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			q.Push(line)
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) && !isClosedPipe(err) {
			readErr = err
			log.Printf("relay: read error, stopping source: %v", err)
		}
		return
	}
}

// isClosedPipe matches the errors os/exec pipes return once the process side
// has been torn down. Those end the stream the same way EOF does.
func isClosedPipe(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed)
}
