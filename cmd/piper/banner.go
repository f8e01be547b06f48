package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/coduno/piper/internal/session"
)

func printStartupBanner(cfg appConfig, addr string) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")
	row := func(mark, name, value string) string {
		return fmt.Sprintf("    %s  %-14s %s", mark, name, value)
	}

	lines := []string{
		"",
		cyan.Bold(true).Render("    piper"),
		"    " + dim.Render("v"+version),
		"",
	}
	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator, "", bold.Render("    Runs"), "")

	lines = append(lines, row(check, "HTTP API", cyan.Render(addr)))
	if len(cfg.RunCommand) > 0 {
		lines = append(lines, row(check, "Run Command", dim.Render(strings.Join(cfg.RunCommand, " "))))
	} else {
		lines = append(lines, row(dot, "Run Command", dim.Render("not configured")))
	}
	lines = append(lines, row(check, "Workspaces", dim.Render(shortenPath(cfg.WorkspaceRoot))))
	lines = append(lines, row(check, "Timeout", dim.Render(cfg.RunTimeout.String())))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Relay"), "")
	if cfg.JournalEnabled {
		lines = append(lines, row(check, "Journal", dim.Render(shortenPath(cfg.JournalPath))))
	} else {
		lines = append(lines, row(dot, "Journal", dim.Render("disabled")))
	}
	lines = append(lines, row(check, "Poll Interval", dim.Render(cfg.PollInterval.String())))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, row(check, "Config File", dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, row(dot, "Config File", dim.Render("default (no file)")))
	}

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	fmt.Println(strings.Join(lines, "\n"))
}

// printSummary writes the one-line outcome of a relay run.
func printSummary(w io.Writer, r *session.Report, color bool) {
	status := string(r.Status)
	if color {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
		if r.Status != session.StatusDone {
			style = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
		}
		status = style.Render(status)
	}
	line := fmt.Sprintf("%s %s exit=%d elapsed=%s", status, r.ID, r.ExitCode, r.EndTime.Sub(r.StartTime).Round(time.Millisecond))
	if u := r.Usage; u != nil {
		line += fmt.Sprintf(" user=%s sys=%s maxrss=%dKB", u.Utime.Duration(), u.Stime.Duration(), u.Maxrss)
	}
	if r.Halt != "" {
		line += " halt=" + r.Halt
	}
	fmt.Fprintln(w, line)
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
