package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/coduno/piper/internal/logparse"
	"github.com/spf13/viper"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

func main() {
	var configPath string
	var replayPath string
	var showVersion bool
	var serve bool

	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/piper/config.yml)")
	flag.StringVar(&replayPath, "replay", "", "print the uncommitted lines of a relay journal and exit")
	flag.BoolVar(&serve, "serve", false, "serve the run API instead of relaying")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <path>\n\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("Piper - Process Stream Relay\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	if replayPath != "" {
		if err := runReplay(replayPath, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if serve {
		err = runServer(cfg)
	} else {
		if flag.NArg() != 1 {
			flag.Usage()
			os.Exit(2)
		}
		err = runRelay(cfg, flag.Arg(0))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("PIPER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("user-command", []string{})
	v.SetDefault("test-command", []string{})
	v.SetDefault("run-command", defaultRunCommand)
	v.SetDefault("poll-interval", defaultPollInterval)
	v.SetDefault("run-timeout", defaultRunTimeout)
	v.SetDefault("journal-enabled", false)
	v.SetDefault("journal-path", filepath.Join(home, ".local", "share", "piper", "relay.journal"))
	v.SetDefault("api-addr", defaultAPIAddr)
	v.SetDefault("workspace-root", filepath.Join(home, "tmp"))
	v.SetDefault("keep-workspaces", false)
	v.SetDefault("color", true)
	v.SetDefault("highlight", defaultHighlight)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "piper", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		cfg.ConfigPath = ""
	}

	if cfg.PollInterval <= 0 {
		return cfg, fmt.Errorf("invalid poll-interval: %s", cfg.PollInterval)
	}
	if cfg.RunTimeout < 0 {
		return cfg, fmt.Errorf("invalid run-timeout: %s", cfg.RunTimeout)
	}
	if (len(cfg.UserCommand) == 0) != (len(cfg.TestCommand) == 0) {
		return cfg, errors.New("user-command and test-command must be set together")
	}
	if _, err := parseHighlight(cfg.Highlight); err != nil {
		return cfg, err
	}

	// Expand ~ in paths
	cfg.JournalPath = expandHome(home, cfg.JournalPath)
	cfg.WorkspaceRoot = expandHome(home, cfg.WorkspaceRoot)

	return cfg, nil
}

// parseHighlight accepts any spelling logparse knows. Unrecognised words
// would silently mean INFO, so they are rejected.
func parseHighlight(s string) (logparse.Severity, error) {
	sev := logparse.ParseSeverity(s)
	if sev != logparse.Info {
		return sev, nil
	}
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INFO", "INF", "INFORMATION":
		return sev, nil
	}
	return sev, fmt.Errorf("invalid highlight severity: %q", s)
}

func expandHome(home, path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
