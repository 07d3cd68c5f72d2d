// Package logging is the process logger: leveled, printf-style, text or JSON
// lines. Lines written for a run carry the run id so that concurrent runs can
// be told apart.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents logging verbosity level
type Level int

const (
	// LevelError only logs errors
	LevelError Level = iota
	// LevelWarn logs warnings and errors
	LevelWarn
	// LevelInfo logs info, warnings, and errors (default)
	LevelInfo
	// LevelDebug logs everything including debug messages
	LevelDebug
)

var levelNames = map[string]Level{
	"error":   LevelError,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"info":    LevelInfo,
	"debug":   LevelDebug,
}

// ParseLevel converts a string to a Level
func ParseLevel(s string) (Level, error) {
	if l, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l, nil
	}
	return LevelInfo, fmt.Errorf("unknown verbosity level: %s (valid: debug, info, warn, error)", s)
}

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

type logger struct {
	mu     sync.Mutex
	level  Level
	output io.Writer
	json   bool
}

var std = &logger{level: LevelInfo, output: os.Stdout}

// SetLevel sets the global log level
func SetLevel(level Level) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.level = level
}

// SetOutput sets the output destination for logging. nil restores stdout.
func SetOutput(w io.Writer) {
	std.mu.Lock()
	defer std.mu.Unlock()
	if w == nil {
		w = os.Stdout
	}
	std.output = w
}

// SetFormat selects "json" or "text" (default) output.
func SetFormat(format string) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.json = strings.EqualFold(format, "json")
}

// Enabled reports whether lines at level are written.
func Enabled(level Level) bool {
	std.mu.Lock()
	defer std.mu.Unlock()
	return level <= std.level
}

func Debug(format string, args ...any) { std.log(LevelDebug, "", format, args...) }
func Info(format string, args ...any)  { std.log(LevelInfo, "", format, args...) }
func Warn(format string, args ...any)  { std.log(LevelWarn, "", format, args...) }
func Error(format string, args ...any) { std.log(LevelError, "", format, args...) }

// RunLogger writes lines tagged with a run id.
type RunLogger struct {
	runID string
}

// ForRun returns a logger whose lines carry runID.
func ForRun(runID string) RunLogger { return RunLogger{runID: runID} }

// Log writes one line at level.
func (r RunLogger) Log(level Level, format string, args ...any) {
	std.log(level, r.runID, format, args...)
}

func (r RunLogger) Debug(format string, args ...any) { r.Log(LevelDebug, format, args...) }
func (r RunLogger) Info(format string, args ...any)  { r.Log(LevelInfo, format, args...) }
func (r RunLogger) Warn(format string, args ...any)  { r.Log(LevelWarn, format, args...) }
func (r RunLogger) Error(format string, args ...any) { r.Log(LevelError, format, args...) }

type jsonLine struct {
	TS    string `json:"ts"`
	Level string `json:"level"`
	Run   string `json:"run_id,omitempty"`
	Msg   string `json:"msg"`
}

func (l *logger) log(level Level, runID, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level > l.level {
		return
	}

	msg := strings.TrimSpace(fmt.Sprintf(format, args...))
	now := time.Now()

	if l.json {
		line, _ := json.Marshal(jsonLine{
			TS:    now.UTC().Format(time.RFC3339Nano),
			Level: strings.ToLower(level.String()),
			Run:   runID,
			Msg:   msg,
		})
		fmt.Fprintf(l.output, "%s\n", line)
		return
	}

	if runID != "" {
		msg = "[run " + shortID(runID) + "] " + msg
	}
	fmt.Fprintf(l.output, "%s [%s] %s\n", now.Format("2006-01-02 15:04:05"), level, msg)
}

// shortID keeps the first uuid group, which is enough to follow one run in a
// text log.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
