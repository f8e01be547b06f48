// Package proc starts subprocesses with all three standard streams piped.
package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// DefaultWaitDelay bounds how long Wait lingers on pipes held open by
// grandchildren once the process itself has exited or been killed.
const DefaultWaitDelay = 2 * time.Second

// Spec describes a command to launch.
type Spec struct {
	Name string   // used in logs; defaults to Args[0]
	Args []string // argv, Args[0] is the program
	Dir  string
	Env  []string // appended to the parent environment when non-empty

	WaitDelay time.Duration // zero means DefaultWaitDelay
}

// Expand returns a copy of s with every "{key}" in Args and Dir replaced by
// vars[key].
func (s Spec) Expand(vars map[string]string) Spec {
	if len(vars) == 0 {
		return s
	}
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)

	out := s
	out.Args = make([]string, len(s.Args))
	for i, a := range s.Args {
		out.Args[i] = r.Replace(a)
	}
	out.Dir = r.Replace(s.Dir)
	return out
}

func (s Spec) displayName() string {
	if s.Name != "" {
		return s.Name
	}
	if len(s.Args) > 0 {
		return s.Args[0]
	}
	return ""
}

// Process is a started command with piped stdin, stdout and stderr.
//
// Stdout and Stderr must be read to end-of-stream before Wait is called.
type Process struct {
	Name   string
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	cmd       *exec.Cmd
	closeOnce sync.Once
	closeErr  error
}

// Start launches spec. The process is killed if ctx is cancelled before it
// exits.
func Start(ctx context.Context, spec Spec) (*Process, error) {
	if len(spec.Args) == 0 || spec.Args[0] == "" {
		return nil, errors.New("proc: empty command")
	}

	cmd := exec.CommandContext(ctx, spec.Args[0], spec.Args[1:]...)
	cmd.Dir = spec.Dir
	cmd.WaitDelay = spec.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(cmd.Environ(), spec.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("proc: %s stdin pipe: %w", spec.displayName(), err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("proc: %s stdout pipe: %w", spec.displayName(), err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("proc: %s stderr pipe: %w", spec.displayName(), err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("proc: starting %s: %w", spec.displayName(), err)
	}

	return &Process{
		Name:   spec.displayName(),
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		cmd:    cmd,
	}, nil
}

// CloseInput closes stdin so the process sees end-of-stream. It is safe to
// call more than once, and after the relay already closed Stdin.
func (p *Process) CloseInput() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.Stdin.Close()
		if errors.Is(p.closeErr, os.ErrClosed) {
			p.closeErr = nil
		}
	})
	return p.closeErr
}

// Wait waits for the process to exit. A non-zero exit is returned as an
// *exec.ExitError.
func (p *Process) Wait() error {
	return p.cmd.Wait()
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// ExitCode returns the exit code after Wait, or -1 if the process has not
// exited or was killed by a signal.
func (p *Process) ExitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}
