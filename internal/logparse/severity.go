package logparse

import (
	"regexp"
	"strings"
)

// Severity is a coarse log level recognised in free-form process output.
type Severity int

const (
	Trace Severity = iota
	Debug
	Info
	Warn
	Error
	Fatal
)

var severityNames = [...]string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func (s Severity) String() string {
	if s < Trace || s > Fatal {
		return "INFO"
	}
	return severityNames[s]
}

// severityRegex matches common severity words in log text.
var severityRegex = regexp.MustCompile(`(?i)\b(TRACE|DEBUG|INFO|WARN|WARNING|ERROR|FATAL|CRITICAL|PANIC)\b`)

// ParseSeverity converts the many spellings of a level to a Severity.
// Unknown input is Info.
func ParseSeverity(s string) Severity {
	normalized := strings.ToUpper(strings.TrimSpace(s))

	switch normalized {
	case "TRACE", "TRAC", "TRC":
		return Trace
	case "DEBUG", "DEBU", "DBG", "DEB":
		return Debug
	case "INFO", "INFORMATION", "INF":
		return Info
	case "WARN", "WARNING", "WRNG", "WRN":
		return Warn
	case "ERROR", "ERR", "ERRO":
		return Error
	case "FATAL", "FATL", "FTL", "CRITICAL", "CRIT", "CRT", "PANIC", "PNC":
		return Fatal
	}

	if len(normalized) >= 4 {
		switch normalized[:4] {
		case "TRAC":
			return Trace
		case "DEBU":
			return Debug
		case "WARN":
			return Warn
		case "ERRO":
			return Error
		case "FATA", "CRIT":
			return Fatal
		}
	}
	return Info
}

// Classify returns the first severity word found in line, or Info.
func Classify(line []byte) Severity {
	m := severityRegex.FindSubmatch(line)
	if len(m) < 2 {
		return Info
	}
	return ParseSeverity(string(m[1]))
}
