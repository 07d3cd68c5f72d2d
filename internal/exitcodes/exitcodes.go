// Package exitcodes defines standard exit codes for CLI operations, so that
// schedulers such as Airflow or Kubernetes jobs can decide whether to retry.
package exitcodes

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/samber/lo"

	"github.com/johndauphine/tablesync/internal/checkpoint"
	"github.com/johndauphine/tablesync/internal/connection"
	"github.com/johndauphine/tablesync/internal/mapping"
	"github.com/johndauphine/tablesync/internal/transfer"
)

// Exit codes shared by every command.
const (
	Success = 0

	// ConfigError - invalid YAML, unknown configuration or connection (don't retry)
	ConfigError = 1

	// ConnectionError - source or destination unreachable (recoverable)
	ConnectionError = 2

	// TransferError - extraction, load or watermark failure; run Failed or CompletedWithErrors
	TransferError = 3

	// ValidationError - row count or checksum mismatch
	ValidationError = 4

	// Cancelled - SIGINT/SIGTERM stopped the run between batches (recoverable)
	Cancelled = 5

	// StateError - state database or file still failing after retries
	StateError = 6

	// IOError - file I/O errors (recoverable)
	IOError = 7
)

var descriptions = map[int]string{
	Success:         "success",
	ConfigError:     "configuration error",
	ConnectionError: "connection error (recoverable)",
	TransferError:   "transfer error",
	ValidationError: "validation error",
	Cancelled:       "cancelled (recoverable)",
	StateError:      "state error",
	IOError:         "I/O error (recoverable)",
}

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// messageRule classifies errors that reach the CLI without a typed cause,
// typically driver errors. Rules are checked in order.
type messageRule struct {
	code     int
	contains []string
	unless   []string
}

var messageRules = []messageRule{
	{code: IOError, contains: []string{"no such file", "file not found", "permission denied", "is a directory", "not a directory"}},
	// before ConfigError so "validation failed" is not read as a config problem
	{code: ValidationError, contains: []string{"row count", "mismatch", "checksum", "validation failed"}},
	{
		code:     ConfigError,
		contains: []string{"yaml:", "json:", "unmarshal", "invalid config", "missing required", "invalid value", "parsing config", "unknown database driver"},
		unless:   []string{"connection", "connect", "dial"},
	},
	{code: ConnectionError, contains: []string{
		"connection", "connect", "dial", "refused", "timeout", "unreachable", "no such host",
		"network", "pool", "ping", "login failed", "authentication",
	}},
	{code: TransferError, contains: []string{"extract", "load", "bulk", "merge", "upsert", "insert", "copy", "watermark"}},
	{code: Cancelled, contains: []string{"cancel", "interrupt", "context deadline"}},
	{code: StateError, contains: []string{"state", "recording", "run not found"}},
}

// FromError determines the exit code for an error: typed errors first, then
// message rules. Anything unclassified is a TransferError.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	var (
		extractErr *transfer.ExtractionError
		loadErr    *transfer.LoadError
		pathErr    *os.PathError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, mapping.ErrConfigurationNotFound), errors.Is(err, connection.ErrUnknownConnection):
		return ConfigError
	case errors.Is(err, checkpoint.ErrRunNotFound), errors.Is(err, checkpoint.ErrWatermarkRegression):
		return StateError
	case errors.As(err, &extractErr), errors.As(err, &loadErr):
		return TransferError
	case errors.As(err, &pathErr):
		return IOError
	}

	msg := strings.ToLower(err.Error())
	hit := func(words []string) bool {
		return lo.SomeBy(words, func(w string) bool { return strings.Contains(msg, w) })
	}
	for _, r := range messageRules {
		if hit(r.contains) && !hit(r.unless) {
			return r.code
		}
	}
	return TransferError
}

// IsRecoverable returns true if the error is recoverable (safe to retry).
func IsRecoverable(code int) bool {
	return code == ConnectionError || code == Cancelled || code == IOError
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	if d, ok := descriptions[code]; ok {
		return d
	}
	return "unknown error"
}
