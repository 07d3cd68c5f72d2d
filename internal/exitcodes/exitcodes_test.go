package exitcodes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/johndauphine/tablesync/internal/checkpoint"
	"github.com/johndauphine/tablesync/internal/connection"
	"github.com/johndauphine/tablesync/internal/mapping"
	"github.com/johndauphine/tablesync/internal/transfer"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"nil error", nil, Success},
		{"path error", &os.PathError{Op: "open", Path: "/foo", Err: errors.New("no such file")}, IOError},
		{"yaml parse error", errors.New("yaml: unmarshal error"), ConfigError},
		{"json parse error", errors.New("json: unmarshal error"), ConfigError},
		{"no such file", errors.New("open config.yaml: no such file or directory"), IOError},
		{"connection refused", errors.New("dial tcp: connection refused"), ConnectionError},
		{"login failed", errors.New("login failed for user"), ConnectionError},
		{"transfer error", errors.New("bulk copy failed"), TransferError},
		{"row count mismatch", errors.New("row count mismatch: expected 100, got 99"), ValidationError},
		{"row count validation failed", errors.New("row count validation failed"), ValidationError},
		{"checksum mismatch", errors.New("checksum validation failed for dbo.Orders"), ValidationError},
		{"context canceled", errors.New("context canceled"), Cancelled},
		{"wrapped cancel", fmt.Errorf("run cancelled: %w", context.Canceled), Cancelled},
		{"configuration not found", fmt.Errorf("%w: sales", mapping.ErrConfigurationNotFound), ConfigError},
		{"load error", &transfer.LoadError{Table: "t", Err: errors.New("connection reset")}, TransferError},
		{"extraction error", fmt.Errorf("table: %w", &transfer.ExtractionError{Table: "t", Err: errors.New("bad")}), TransferError},
		{"watermark regression", fmt.Errorf("advance: %w", checkpoint.ErrWatermarkRegression), StateError},
		{"state error", errors.New("opening state: database is locked"), StateError},
		{"recording failure", errors.New("recording table metric: disk I/O error"), StateError},
		{"unknown connection", fmt.Errorf("%w: dst", connection.ErrUnknownConnection), ConfigError},
		{"unknown driver", errors.New(`unknown database driver: "oracle" (available: [mssql postgres sqlite])`), ConfigError},
		{"merge failure", errors.New("merge into dbo.Orders: deadlock victim"), TransferError},
		{"exit error passthrough", fmt.Errorf("run: %w", NewExitError(errors.New("validation"), ValidationError)), ValidationError},
		{"unknown error", errors.New("something unexpected happened"), TransferError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromError(tt.err)
			if got != tt.expected {
				t.Errorf("FromError(%v) = %d (%s), want %d (%s)",
					tt.err, got, Description(got), tt.expected, Description(tt.expected))
			}
		})
	}
}

func TestExitError(t *testing.T) {
	inner := errors.New("inner error")
	exitErr := NewExitError(inner, ConnectionError)

	if exitErr.Code != ConnectionError {
		t.Errorf("expected code %d, got %d", ConnectionError, exitErr.Code)
	}

	if exitErr.Error() != "inner error" {
		t.Errorf("expected error message 'inner error', got '%s'", exitErr.Error())
	}

	if errors.Unwrap(exitErr) != inner {
		t.Error("Unwrap should return inner error")
	}

	// Test that FromError extracts the code from ExitError
	if FromError(exitErr) != ConnectionError {
		t.Errorf("FromError should extract code from ExitError")
	}
}

func TestIsRecoverable(t *testing.T) {
	recoverable := []int{ConnectionError, Cancelled, IOError}
	nonRecoverable := []int{Success, ConfigError, TransferError, ValidationError, StateError}

	for _, code := range recoverable {
		if !IsRecoverable(code) {
			t.Errorf("expected code %d (%s) to be recoverable", code, Description(code))
		}
	}

	for _, code := range nonRecoverable {
		if IsRecoverable(code) {
			t.Errorf("expected code %d (%s) to be non-recoverable", code, Description(code))
		}
	}
}

func TestDescription(t *testing.T) {
	tests := []struct {
		code     int
		expected string
	}{
		{Success, "success"},
		{ConfigError, "configuration error"},
		{ConnectionError, "connection error (recoverable)"},
		{TransferError, "transfer error"},
		{ValidationError, "validation error"},
		{Cancelled, "cancelled (recoverable)"},
		{StateError, "state error"},
		{IOError, "I/O error (recoverable)"},
		{99, "unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			got := Description(tt.code)
			if got != tt.expected {
				t.Errorf("Description(%d) = %q, want %q", tt.code, got, tt.expected)
			}
		})
	}
}
