// Package workspace lays out the per-run directory that a containerised run
// mounts, and reads back the files the run leaves behind.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the run configuration written into every run directory.
	ConfigFileName = "coduno.yaml"
	// PrepareLogName is written by the container while it builds the program.
	PrepareLogName = "prepare.log"
	// StatsLogName holds the JSON resource usage of the finished program.
	StatsLogName = "stats.log"

	dirMode  = 0755
	fileMode = 0644
)

// Language describes how code in one language is laid out for a run.
type Language struct {
	Name     string `yaml:"language"`
	FileName string `yaml:"file"`
}

// Languages lists the supported languages by name.
var Languages = map[string]Language{
	"python": {Name: "python", FileName: "app.py"},
	"c":      {Name: "c", FileName: "app.c"},
	"cpp":    {Name: "cpp", FileName: "app.cpp"},
	"java":   {Name: "java", FileName: "Application.java"},
}

// ErrUnknownLanguage is returned by Prepare for a language not in Languages.
var ErrUnknownLanguage = errors.New("workspace: language not available")

// LanguageNames returns the supported language names, sorted.
func LanguageNames() []string {
	names := make([]string, 0, len(Languages))
	for name := range Languages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// runConfig is the on-disk form of ConfigFileName.
type runConfig struct {
	Language  string    `yaml:"language"`
	File      string    `yaml:"file"`
	RunID     string    `yaml:"run_id"`
	CreatedAt time.Time `yaml:"created_at"`
}

// Dir is a prepared run directory.
type Dir struct {
	ID       string
	Path     string
	Language Language
}

// Prepare creates root/<uuid> holding the code file and ConfigFileName.
func Prepare(root, language, code string) (*Dir, error) {
	lang, ok := Languages[language]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLanguage, language)
	}

	id := uuid.NewString()
	path := filepath.Join(root, id)
	if err := os.MkdirAll(path, dirMode); err != nil {
		return nil, fmt.Errorf("workspace: mkdir: %w", err)
	}

	if err := os.WriteFile(filepath.Join(path, lang.FileName), []byte(code), fileMode); err != nil {
		return nil, fmt.Errorf("workspace: write code: %w", err)
	}

	cfg, err := yaml.Marshal(runConfig{
		Language:  lang.Name,
		File:      lang.FileName,
		RunID:     id,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("workspace: marshal run config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, ConfigFileName), cfg, fileMode); err != nil {
		return nil, fmt.Errorf("workspace: write run config: %w", err)
	}

	return &Dir{ID: id, Path: path, Language: lang}, nil
}

// Remove deletes the run directory.
func (d *Dir) Remove() error {
	return os.RemoveAll(d.Path)
}

// ReadConfig reads back ConfigFileName from dir.
func ReadConfig(dir string) (Language, string, error) {
	data, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	if err != nil {
		return Language{}, "", fmt.Errorf("workspace: read run config: %w", err)
	}
	var cfg runConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Language{}, "", fmt.Errorf("workspace: parse run config: %w", err)
	}
	return Language{Name: cfg.Language, FileName: cfg.File}, cfg.RunID, nil
}

// DockerPath translates a host path into the form the Docker CLI accepts for
// a volume mount. Windows paths like C:\Users\me\tmp become /c/Users/me/tmp;
// on every other OS the path is returned unchanged.
func DockerPath(goos, path string) (string, error) {
	if goos != "windows" {
		return path, nil
	}
	if len(path) < 3 {
		return "", fmt.Errorf("workspace: %q is not an absolute windows path", path)
	}
	drive := path[0]
	if !(drive >= 'A' && drive <= 'Z' || drive >= 'a' && drive <= 'z') {
		return "", fmt.Errorf("workspace: %q is not a valid disk designator", path[:1])
	}
	if path[1] != ':' {
		return "", errors.New("workspace: missing colon after disk designator")
	}
	if path[2] != '\\' {
		return "", errors.New("workspace: cannot deal with relative paths (backslash expected)")
	}
	rest := strings.ReplaceAll(path[2:], `\`, "/")
	return "/" + strings.ToLower(path[:1]) + rest, nil
}

// ReadPrepareLog returns the build output the container left in dir.
func ReadPrepareLog(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, PrepareLogName))
	if err != nil {
		return "", fmt.Errorf("workspace: read prepare log: %w", err)
	}
	return string(data), nil
}

// Timeval is a duration split into seconds and microseconds.
type Timeval struct {
	Sec  int64 `json:"Sec"`
	Usec int64 `json:"Usec"`
}

// Duration converts tv to a time.Duration.
func (tv Timeval) Duration() time.Duration {
	return time.Duration(tv.Sec)*time.Second + time.Duration(tv.Usec)*time.Microsecond
}

// Usage is the subset of getrusage(2) output recorded for a run.
type Usage struct {
	Utime  Timeval `json:"Utime"`
	Stime  Timeval `json:"Stime"`
	Maxrss int64   `json:"Maxrss"`
}

// ReadStats decodes StatsLogName from dir.
func ReadStats(dir string) (*Usage, error) {
	data, err := os.ReadFile(filepath.Join(dir, StatsLogName))
	if err != nil {
		return nil, fmt.Errorf("workspace: read stats: %w", err)
	}
	var u Usage
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("workspace: parse stats: %w", err)
	}
	return &u, nil
}
