package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coduno/piper/internal/httpserver"
	"github.com/coduno/piper/internal/session"
	"golang.org/x/sync/errgroup"
)

// runServer serves the run API until SIGINT/SIGTERM.
func runServer(cfg appConfig) error {
	cleanupLogger := configureRuntimeLogger()
	defer cleanupLogger()

	if err := os.MkdirAll(cfg.WorkspaceRoot, 0755); err != nil {
		return fmt.Errorf("failed to create workspace root: %w", err)
	}

	sink, finish, err := buildSink(cfg, os.Stdout)
	if err != nil {
		return err
	}
	// Any failed run keeps the whole journal pending for -replay.
	var failed atomic.Bool
	defer func() {
		if err := finish(!failed.Load()); err != nil {
			log.Printf("server: finishing sinks: %v", err)
		}
	}()

	apiServer := httpserver.NewServer(cfg.APIAddr, httpserver.Config{
		RunCommand:     cfg.RunCommand,
		WorkspaceRoot:  cfg.WorkspaceRoot,
		RunTimeout:     cfg.RunTimeout,
		PollInterval:   cfg.PollInterval,
		KeepWorkspaces: cfg.KeepWorkspaces,
		Sink:           sink,
		OnReport: func(r *session.Report) {
			if r.Status != session.StatusDone {
				failed.Store(true)
			}
		},
	})
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	printStartupBanner(cfg, apiServer.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return apiServer.Stop()
	})
	if err := g.Wait(); err != nil {
		log.Printf("server: errgroup exited with error: %v", err)
	}
	return nil
}

func configureRuntimeLogger() func() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	home, err := os.UserHomeDir()
	if err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	logDir := filepath.Join(home, ".local", "state", "piper")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	logPath := filepath.Join(logDir, "piper.log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	log.SetOutput(f)
	return func() {
		log.SetOutput(os.Stderr)
		_ = f.Close()
	}
}
