package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/coduno/piper/internal/journal"
	"github.com/coduno/piper/internal/logsink"
	"github.com/coduno/piper/internal/proc"
	"github.com/coduno/piper/internal/session"
	"github.com/coduno/piper/internal/workspace"
)

// runRelay prints the working directory and target, then, when both
// programs are configured, runs them cross-wired with target as {dir}.
func runRelay(cfg appConfig, target string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}
	fmt.Println(cwd)
	fmt.Println(target)

	if !cfg.dualConfigured() {
		return nil
	}

	cleanupLogger := configureRuntimeLogger()
	defer cleanupLogger()

	dir, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", target, err)
	}
	vars, err := relayVars(runtime.GOOS, dir)
	if err != nil {
		return err
	}

	sink, finish, err := buildSink(cfg, os.Stdout)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cfg)
	defer cancel()

	report, runErr := session.Dual(ctx, session.DualConfig{
		User:         proc.Spec{Name: "user", Args: cfg.UserCommand}.Expand(vars),
		Test:         proc.Spec{Name: "test", Args: cfg.TestCommand}.Expand(vars),
		Sink:         sink,
		PollInterval: cfg.PollInterval,
		RunDir:       dir,
	})
	clean := runErr == nil && report != nil && report.Status == session.StatusDone
	if err := finish(clean); err != nil {
		log.Printf("relay: finishing sinks: %v", err)
	}
	if report == nil {
		return runErr
	}

	printSummary(os.Stdout, report, cfg.Color)
	if runErr != nil {
		return fmt.Errorf("relay halted: %w", runErr)
	}
	if report.Status != session.StatusDone {
		return fmt.Errorf("run %s failed with exit code %d", report.ID, report.ExitCode)
	}
	return nil
}

// relayVars returns the placeholders for the program commands: {dir} is
// the run directory as a volume mount, and a coduno.yaml in it adds
// {language}, {file} and {run_id}.
func relayVars(goos, dir string) (map[string]string, error) {
	mountDir, err := workspace.DockerPath(goos, dir)
	if err != nil {
		return nil, err
	}
	vars := map[string]string{"dir": mountDir}

	lang, runID, err := workspace.ReadConfig(dir)
	switch {
	case err == nil:
		vars["language"] = lang.Name
		vars["file"] = lang.FileName
		vars["run_id"] = runID
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}
	return vars, nil
}

// buildSink assembles the console sink and, when enabled, the journal.
// finish flushes them. A clean run commits its own lines so they are not
// replayed, but only when no earlier run left lines pending: the commit
// mark is a single watermark and would hide them too.
func buildSink(cfg appConfig, out io.Writer) (logsink.Sink, func(clean bool) error, error) {
	highlight, err := parseHighlight(cfg.Highlight)
	if err != nil {
		return nil, nil, err
	}
	console := logsink.NewConsole(out, logsink.ConsoleConfig{
		Highlight: highlight,
		NoColor:   !cfg.Color,
	})

	if !cfg.JournalEnabled {
		return console, func(bool) error { return nil }, nil
	}

	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open relay journal: %w", err)
	}
	start := j.LastSeq() + 1
	finish := func(clean bool) error {
		if clean && j.Committed() == start-1 {
			if err := j.Commit(j.LastSeq()); err != nil {
				_ = j.Close()
				return err
			}
		}
		return j.Close()
	}
	return logsink.Multi{console, j}, finish, nil
}

// signalContext is cancelled on SIGINT/SIGTERM or after the run timeout.
func signalContext(cfg appConfig) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	if cfg.RunTimeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

// runReplay prints every uncommitted journal line, labelled, to out.
func runReplay(path string, out io.Writer) error {
	j, err := journal.Open(path)
	if err != nil {
		return err
	}
	defer j.Close()

	w := logsink.NewWriter(out)
	if err := j.Replay(func(e journal.Entry) error {
		w.Append(e.Label, []byte(e.Line))
		return nil
	}); err != nil {
		return err
	}
	return w.Flush()
}
