package notify

import "time"

// RunSummary carries the totals of a finished run.
type RunSummary struct {
	RunID           string
	ConfigurationID string
	StartTime       time.Time
	Duration        time.Duration
	Tables          int
	Succeeded       int
	Failed          int
	Rows            int64
	Throughput      float64 // rows per second
	DryRun          bool
}

// Provider defines the notification contract for run events.
// This interface allows for different notification backends (Slack, email, etc.)
// and enables easier testing through mock implementations.
type Provider interface {
	// RunStarted sends notification when a run starts.
	RunStarted(runID, configurationID, source, destination string, tableCount int, dryRun bool) error

	// RunCompleted sends notification when every table succeeded.
	RunCompleted(s RunSummary) error

	// RunCompletedWithErrors sends notification when some tables failed.
	RunCompletedWithErrors(s RunSummary, failures []string) error

	// RunFailed sends notification when the run as a whole failed.
	RunFailed(runID string, err error, duration time.Duration) error

	// TableFailed sends notification for individual table failures.
	TableFailed(runID, tableName string, err error) error

	// ValidationMismatch sends notification for a failed validation check.
	ValidationMismatch(runID, tableName, check, details string) error
}

// Ensure Notifier implements Provider
var _ Provider = (*Notifier)(nil)
