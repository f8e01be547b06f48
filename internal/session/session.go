// Package session runs programs with their streams wired through the relay
// and reports how the run went.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"time"

	"github.com/coduno/piper/internal/logsink"
	"github.com/coduno/piper/internal/proc"
	"github.com/coduno/piper/internal/relay"
	"github.com/coduno/piper/internal/workspace"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Stream labels.
const (
	LabelUserOut = "OUT1" // user stdout, forwarded to the test's stdin
	LabelTestOut = "OUT2" // test stdout, forwarded to the user's stdin
	LabelUserErr = "ERR1"
	LabelTestErr = "ERR2"
	LabelRun     = "RUN" // stdout of a simple run
	LabelErr     = "ERR" // stderr of a simple run
)

// Status is the outcome of a run.
type Status string

const (
	StatusStarted Status = "Started"
	StatusDone    Status = "DONE"
	StatusFailed  Status = "FAILED"
)

// Report describes a finished run.
type Report struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	ExitCode  int       `json:"exit_code"`

	// OutLog is everything the program under test wrote to stdout and
	// ErrLog everything it wrote to stderr.
	OutLog string `json:"out_log"`
	ErrLog string `json:"err_log"`
	// InLog is what the test program fed the user program (dual runs only).
	InLog string `json:"in_log,omitempty"`
	// ExtraLog is the test program's stderr (dual runs only).
	ExtraLog string `json:"extra_log,omitempty"`

	PrepareLog string           `json:"prepare_log,omitempty"`
	Usage      *workspace.Usage `json:"usage,omitempty"`

	// Halt is set when the relay stopped early.
	Halt string `json:"halt,omitempty"`
}

// DualConfig configures a run of a user program cross-wired with a test program.
type DualConfig struct {
	User proc.Spec
	Test proc.Spec

	// Sink observes every line in addition to the report transcripts.
	Sink         logsink.Sink
	PollInterval time.Duration
	// RunDir, when set, is searched for the prepare and stats logs.
	RunDir string
}

// SimpleConfig configures a run of a single program.
type SimpleConfig struct {
	Program      proc.Spec
	Sink         logsink.Sink
	PollInterval time.Duration
	RunDir       string
}

// Dual starts both programs and relays each one's stdout into the other's
// stdin while logging all four streams. Stderr is logged only.
//
// It returns an error with a nil report if a program fails to start. If the
// relay halts on a write failure or ctx is cancelled, both programs are
// killed and the report is returned together with the error.
func Dual(ctx context.Context, cfg DualConfig) (*Report, error) {
	report := newReport()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	user, err := proc.Start(ctx, cfg.User)
	if err != nil {
		return nil, fmt.Errorf("session: user program: %w", err)
	}
	test, err := proc.Start(ctx, cfg.Test)
	if err != nil {
		cancel()
		_ = user.Wait()
		return nil, fmt.Errorf("session: test program: %w", err)
	}
	log.Printf("session %s: started user %s (pid %d) and test %s (pid %d)",
		report.ID, user.Name, user.Pid(), test.Name, test.Pid())

	transcript := logsink.NewTranscript()
	routes := []relay.Route{
		{Label: LabelUserOut, Queue: relay.StartDraining(user.Stdout), Dest: test.Stdin, CloseDest: true},
		{Label: LabelTestOut, Queue: relay.StartDraining(test.Stdout), Dest: user.Stdin, CloseDest: true},
		{Label: LabelUserErr, Queue: relay.StartDraining(user.Stderr)},
		{Label: LabelTestErr, Queue: relay.StartDraining(test.Stderr)},
	}

	runErr := execute(ctx, cancel, []*proc.Process{user, test}, routes,
		logsink.Multi{transcript, cfg.Sink}, cfg.PollInterval)

	report.OutLog = transcript.String(LabelUserOut)
	report.InLog = transcript.String(LabelTestOut)
	report.ErrLog = transcript.String(LabelUserErr)
	report.ExtraLog = transcript.String(LabelTestErr)
	report.finish(user, runErr, cfg.RunDir)
	return report, runErr
}

// Simple starts one program with empty stdin and logs its stdout and stderr.
func Simple(ctx context.Context, cfg SimpleConfig) (*Report, error) {
	report := newReport()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p, err := proc.Start(ctx, cfg.Program)
	if err != nil {
		return nil, fmt.Errorf("session: program: %w", err)
	}
	if err := p.CloseInput(); err != nil {
		log.Printf("session %s: closing stdin of %s: %v", report.ID, p.Name, err)
	}
	log.Printf("session %s: started %s (pid %d)", report.ID, p.Name, p.Pid())

	transcript := logsink.NewTranscript()
	routes := []relay.Route{
		{Label: LabelRun, Queue: relay.StartDraining(p.Stdout)},
		{Label: LabelErr, Queue: relay.StartDraining(p.Stderr)},
	}

	runErr := execute(ctx, cancel, []*proc.Process{p}, routes,
		logsink.Multi{transcript, cfg.Sink}, cfg.PollInterval)

	report.OutLog = transcript.String(LabelRun)
	report.ErrLog = transcript.String(LabelErr)
	report.finish(p, runErr, cfg.RunDir)
	return report, runErr
}

// execute runs the relay loop over routes, then closes every stdin and
// waits for every process. A halted loop kills the processes first, since
// nothing drains their output any more.
func execute(ctx context.Context, cancel context.CancelFunc, procs []*proc.Process,
	routes []relay.Route, sink relay.Sink, interval time.Duration) error {

	loop := &relay.Loop{Routes: routes, Sink: sink, PollInterval: interval}
	loopErr := loop.Run(ctx)
	if loopErr != nil {
		cancel()
	}

	var g errgroup.Group
	for _, p := range procs {
		p := p
		if err := p.CloseInput(); err != nil {
			log.Printf("session: closing stdin of %s: %v", p.Name, err)
		}
		g.Go(func() error {
			err := p.Wait()
			var exitErr *exec.ExitError
			if err == nil || errors.As(err, &exitErr) {
				return nil
			}
			return fmt.Errorf("session: waiting for %s: %w", p.Name, err)
		})
	}
	waitErr := g.Wait()

	if loopErr != nil {
		return loopErr
	}
	return waitErr
}

func newReport() *Report {
	return &Report{
		ID:        uuid.NewString(),
		Status:    StatusStarted,
		StartTime: time.Now(),
	}
}

func (r *Report) finish(p *proc.Process, runErr error, runDir string) {
	r.EndTime = time.Now()
	r.ExitCode = p.ExitCode()
	if runErr == nil && r.ExitCode == 0 {
		r.Status = StatusDone
	} else {
		r.Status = StatusFailed
	}
	if runErr != nil {
		r.Halt = runErr.Error()
	}

	if runDir != "" {
		if prep, err := workspace.ReadPrepareLog(runDir); err != nil {
			log.Printf("session %s: %v", r.ID, err)
		} else {
			r.PrepareLog = prep
		}
		if usage, err := workspace.ReadStats(runDir); err != nil {
			log.Printf("session %s: %v", r.ID, err)
		} else {
			r.Usage = usage
		}
	}

	log.Printf("session %s: %s (exit %d) in %s", r.ID, r.Status, r.ExitCode, r.EndTime.Sub(r.StartTime))
}
