package main

import (
	"time"

	"github.com/coduno/piper/internal/relay"
)

const (
	defaultAPIAddr      = "127.0.0.1:8081"
	defaultPollInterval = relay.DefaultPollInterval
	defaultRunTimeout   = 60 * time.Second
	defaultHighlight    = "warn"
)

var defaultRunCommand = []string{"docker", "run", "--rm", "-v", "{dir}:/run", "coduno_all"}

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	UserCommand    []string      `mapstructure:"user-command"`
	TestCommand    []string      `mapstructure:"test-command"`
	RunCommand     []string      `mapstructure:"run-command"`
	PollInterval   time.Duration `mapstructure:"poll-interval"`
	RunTimeout     time.Duration `mapstructure:"run-timeout"`
	JournalEnabled bool          `mapstructure:"journal-enabled"`
	JournalPath    string        `mapstructure:"journal-path"`
	APIAddr        string        `mapstructure:"api-addr"`
	WorkspaceRoot  string        `mapstructure:"workspace-root"`
	KeepWorkspaces bool          `mapstructure:"keep-workspaces"`
	Color          bool          `mapstructure:"color"`
	Highlight      string        `mapstructure:"highlight"`
	ConfigPath     string        `mapstructure:"-"` // not from config file
}

// dualConfigured reports whether both programs of a dual run are set.
func (c appConfig) dualConfigured() bool {
	return len(c.UserCommand) > 0 && len(c.TestCommand) > 0
}
