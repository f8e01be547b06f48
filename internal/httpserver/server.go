package httpserver

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/coduno/piper/internal/logsink"
	"github.com/coduno/piper/internal/proc"
	"github.com/coduno/piper/internal/session"
	"github.com/coduno/piper/internal/workspace"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const defaultRunTimeout = 60 * time.Second

// Config holds what the API needs to launch runs.
type Config struct {
	// RunCommand is the argv of a simple run. "{dir}" is replaced by the
	// run directory as the container runtime expects to see it.
	RunCommand    []string
	WorkspaceRoot string
	RunTimeout    time.Duration
	PollInterval  time.Duration
	// KeepWorkspaces leaves run directories on disk after the run.
	KeepWorkspaces bool
	// Sink also observes every relayed line, e.g. the process console.
	Sink logsink.Sink
	// OnReport, if set, is called with every finished run's report.
	OnReport func(*session.Report)
}

// runFunc matches session.Simple; tests substitute a fake.
type runFunc func(ctx context.Context, cfg session.SimpleConfig) (*session.Report, error)

// Server exposes run endpoints over HTTP.
type Server struct {
	addr      string
	cfg       Config
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
	upgrader  websocket.Upgrader
	run       runFunc
	goos      string
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, cfg Config) *Server {
	if addr == "" {
		addr = "127.0.0.1:8081"
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:     addr,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		upgrader: websocket.Upgrader{CheckOrigin: checkLocalOrigin},
		run:      session.Simple,
		goos:     runtime.GOOS,
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.POST("/api/run/start/simple", s.handleSimpleRun)
	r.GET("/api/run/stream", s.handleStreamRun)
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.routes(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.addr = listener.Addr().String()
	s.startTime = time.Now()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("httpserver: serve: %v", err)
		}
	}()
	return nil
}

// Addr returns the listen address; after Start it is the bound address.
func (s *Server) Addr() string { return s.addr }

// Stop gracefully shuts down the HTTP server. In-flight runs are cancelled.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"uptime":    time.Since(s.startTime).String(),
		"languages": workspace.LanguageNames(),
	})
}

// runRequest is the body of a simple run.
type runRequest struct {
	Language string `json:"language" binding:"required"`
	CodeBase string `json:"codeBase"`
}

func (s *Server) handleSimpleRun(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing language field"})
		return
	}

	report, status, err := s.execute(c.Request.Context(), req, nil)
	if err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, simpleResponse(report))
}

// execute prepares a workspace for req and runs the configured command in it.
// The returned status is the HTTP status to report when err is non-nil.
func (s *Server) execute(ctx context.Context, req runRequest, extra logsink.Sink) (*session.Report, int, error) {
	if len(s.cfg.RunCommand) == 0 {
		return nil, http.StatusServiceUnavailable, errors.New("no run command configured")
	}

	dir, err := workspace.Prepare(s.cfg.WorkspaceRoot, req.Language, req.CodeBase)
	if err != nil {
		if errors.Is(err, workspace.ErrUnknownLanguage) {
			return nil, http.StatusBadRequest, errors.New("language not available")
		}
		return nil, http.StatusInternalServerError, err
	}
	if !s.cfg.KeepWorkspaces {
		defer func() {
			if err := dir.Remove(); err != nil {
				log.Printf("httpserver: removing workspace %s: %v", dir.Path, err)
			}
		}()
	}

	mountDir, err := workspace.DockerPath(s.goos, dir.Path)
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	spec := proc.Spec{Name: "run-" + dir.Language.Name, Args: s.cfg.RunCommand}
	report, err := s.run(ctx, session.SimpleConfig{
		Program:      spec.Expand(map[string]string{"dir": mountDir}),
		Sink:         logsink.Multi{extra, s.cfg.Sink},
		PollInterval: s.cfg.PollInterval,
		RunDir:       dir.Path,
	})
	if err != nil && report == nil {
		return nil, http.StatusInternalServerError, err
	}
	if s.cfg.OnReport != nil {
		s.cfg.OnReport(report)
	}
	return report, http.StatusOK, nil
}

func simpleResponse(r *session.Report) gin.H {
	return gin.H{
		"id":        r.ID,
		"run":       r.OutLog,
		"err":       r.ErrLog,
		"status":    r.Status,
		"exit_code": r.ExitCode,
		"prepare":   r.PrepareLog,
		"usage":     r.Usage,
		"halt":      r.Halt,
	}
}
