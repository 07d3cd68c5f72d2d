package transfer

import (
	"errors"
	"fmt"
	"strings"
)

// ExtractionError wraps a failed source read.
type ExtractionError struct {
	Table   string
	Err     error
	Timeout bool
}

func (e *ExtractionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("extracting %s: timed out: %v", e.Table, e.Err)
	}
	return fmt.Sprintf("extracting %s: %v", e.Table, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Retryable reports whether a later run is likely to succeed unchanged.
func (e *ExtractionError) Retryable() bool {
	return e.Timeout || isRetryableError(e.Err)
}

// LoadError wraps a failed destination write.
type LoadError struct {
	Table   string
	Err     error
	Timeout bool
}

func (e *LoadError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("loading %s: timed out: %v", e.Table, e.Err)
	}
	return fmt.Sprintf("loading %s: %v", e.Table, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Retryable reports whether a later run is likely to succeed unchanged.
func (e *LoadError) Retryable() bool {
	return e.Timeout || isRetryableError(e.Err)
}

// IsRetryable reports whether err is an extraction or load error worth retrying.
func IsRetryable(err error) bool {
	var ee *ExtractionError
	if errors.As(err, &ee) {
		return ee.Retryable()
	}
	var le *LoadError
	if errors.As(err, &le) {
		return le.Retryable()
	}
	return isRetryableError(err)
}

var retryableMarkers = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"deadlock",
	"deadline exceeded",
	"i/o timeout",
	"timeout",
	"database is locked",
	"retry",
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range retryableMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
