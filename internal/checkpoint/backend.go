package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/johndauphine/tablesync/internal/config"
)

var (
	// ErrWatermarkRegression is returned when an advance would move a watermark backwards.
	ErrWatermarkRegression = errors.New("watermark regression")

	// ErrRunNotFound is returned by GetRun for an unknown run id.
	ErrRunNotFound = errors.New("run not found")
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning             RunStatus = "Running"
	RunValidating          RunStatus = "Validating"
	RunCompleted           RunStatus = "Completed"
	RunCompletedWithErrors RunStatus = "CompletedWithErrors"
	RunFailed              RunStatus = "Failed"
)

// Terminal reports whether no further transitions are expected.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunCompletedWithErrors || s == RunFailed
}

// TableStatus is the lifecycle state of one mapping within a run.
type TableStatus string

const (
	TablePending   TableStatus = "Pending"
	TableRunning   TableStatus = "Running"
	TableCompleted TableStatus = "Completed"
	TableFailed    TableStatus = "Failed"
	TableCancelled TableStatus = "Cancelled"
)

// ValidationType names a validation check.
type ValidationType string

const (
	ValidationRowCount ValidationType = "RowCount"
	ValidationChecksum ValidationType = "Checksum"
)

// Run is the record of one migration or validation invocation.
type Run struct {
	ID                    string     `json:"id" yaml:"id"`
	ConfigurationID       string     `json:"configuration_id" yaml:"configuration_id"`
	StartTime             time.Time  `json:"start_time" yaml:"start_time"`
	EndTime               *time.Time `json:"end_time,omitempty" yaml:"end_time,omitempty"`
	Status                RunStatus  `json:"status" yaml:"status"`
	TriggeredBy           string     `json:"triggered_by" yaml:"triggered_by"`
	DryRun                bool       `json:"dry_run" yaml:"dry_run"`
	TotalTablesProcessed  int        `json:"total_tables_processed" yaml:"total_tables_processed"`
	SuccessfulTablesCount int        `json:"successful_tables_count" yaml:"successful_tables_count"`
	FailedTablesCount     int        `json:"failed_tables_count" yaml:"failed_tables_count"`
	TotalRowsProcessed    int64      `json:"total_rows_processed" yaml:"total_rows_processed"`
	ElapsedMs             int64      `json:"elapsed_ms" yaml:"elapsed_ms"`
	AverageRowsPerSecond  float64    `json:"average_rows_per_second" yaml:"average_rows_per_second"`
	Error                 string     `json:"error,omitempty" yaml:"error,omitempty"`
}

// TableMetric is the per-mapping outcome of a run.
type TableMetric struct {
	RunID              string      `json:"run_id" yaml:"run_id"`
	MappingID          string      `json:"mapping_id" yaml:"mapping_id"`
	TableName          string      `json:"table_name" yaml:"table_name"`
	RowsProcessed      int64       `json:"rows_processed" yaml:"rows_processed"`
	TotalRowsToProcess int64       `json:"total_rows_to_process" yaml:"total_rows_to_process"`
	Batches            int         `json:"batches" yaml:"batches"`
	Status             TableStatus `json:"status" yaml:"status"`
	ElapsedMs          int64       `json:"elapsed_ms" yaml:"elapsed_ms"`
	RowsPerSecond      float64     `json:"rows_per_second" yaml:"rows_per_second"`
	Success            bool        `json:"success" yaml:"success"`
	Message            string      `json:"message,omitempty" yaml:"message,omitempty"`
	StartedAt          *time.Time  `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	EndedAt            *time.Time  `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
}

// LogEntry is an append-only log line attached to a run.
type LogEntry struct {
	ID        int64     `json:"id" yaml:"id"`
	RunID     string    `json:"run_id" yaml:"run_id"`
	LogTime   time.Time `json:"log_time" yaml:"log_time"`
	LogLevel  string    `json:"log_level" yaml:"log_level"`
	Message   string    `json:"message" yaml:"message"`
	Exception string    `json:"exception,omitempty" yaml:"exception,omitempty"`
}

// ValidationResult is the outcome of one check against one table.
type ValidationResult struct {
	RunID          string         `json:"run_id" yaml:"run_id"`
	TableName      string         `json:"table_name" yaml:"table_name"`
	ValidationType ValidationType `json:"validation_type" yaml:"validation_type"`
	Success        bool           `json:"success" yaml:"success"`
	Details        string         `json:"details" yaml:"details"`
	ErrorMessage   string         `json:"error_message,omitempty" yaml:"error_message,omitempty"`
}

// Watermark is a stored high-water mark, formatted as text.
type Watermark struct {
	ConfigurationID string                 `json:"configuration_id" yaml:"configuration_id"`
	MappingID       string                 `json:"mapping_id" yaml:"mapping_id"`
	Type            config.IncrementalType `json:"type" yaml:"type"`
	Value           string                 `json:"value" yaml:"value"`
	UpdatedAt       time.Time              `json:"updated_at" yaml:"updated_at"`
}

// WatermarkStore persists the last fully-loaded incremental value per mapping.
// Watermarks are scoped by configuration so that two configurations may reuse
// a mapping id.
type WatermarkStore interface {
	// GetWatermark returns the stored value, or the mapping's parsed start
	// value with found=false when nothing is stored yet.
	GetWatermark(ctx context.Context, configID string, m config.TableMapping) (value any, found bool, err error)

	// AdvanceWatermark stores value atomically. A value lower than the stored
	// one fails with ErrWatermarkRegression and nothing is written.
	AdvanceWatermark(ctx context.Context, configID string, m config.TableMapping, value any) error

	ResetWatermark(ctx context.Context, configID, mappingID string) error
	ListWatermarks(ctx context.Context) ([]Watermark, error)
}

// Recorder persists run, table metric, log and validation records.
// Implementations are safe for concurrent use.
type Recorder interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRun(ctx context.Context, run Run) error
	SaveTableMetric(ctx context.Context, metric TableMetric) error
	AppendLog(ctx context.Context, entry LogEntry) error
	SaveValidationResult(ctx context.Context, result ValidationResult) error

	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	GetTableMetrics(ctx context.Context, runID string) ([]TableMetric, error)
	GetLogs(ctx context.Context, runID string) ([]LogEntry, error)
	GetValidationResults(ctx context.Context, runID string) ([]ValidationResult, error)
}

// Backend is a complete state store.
type Backend interface {
	WatermarkStore
	Recorder
	Close() error
}

// Ensure both backends implement Backend
var (
	_ Backend = (*State)(nil)
	_ Backend = (*FileState)(nil)
	_ Backend = (*Retrying)(nil)
)

// Open returns the state backend for a run: the YAML file when stateFile is
// set, otherwise the SQLite database at dbPath. The result retries transient
// failures.
func Open(dbPath, stateFile string) (*Retrying, error) {
	var (
		b   Backend
		err error
	)
	if stateFile != "" {
		b, err = NewFileState(stateFile)
	} else {
		b, err = New(dbPath)
	}
	if err != nil {
		return nil, err
	}
	return WithRetry(b), nil
}

// advance validates and formats a watermark advance against the current stored text.
func advance(m config.TableMapping, current string, hasCurrent bool, value any) (string, error) {
	next, err := m.IncrementalType.Normalize(value)
	if err != nil {
		return "", err
	}
	if hasCurrent {
		prev, err := m.IncrementalType.Parse(current)
		if err != nil {
			return "", err
		}
		if config.Compare(next, prev) < 0 {
			return "", ErrWatermarkRegression
		}
	}
	return m.IncrementalType.Format(next)
}

// initial returns the start value of a mapping with nothing stored.
func initial(m config.TableMapping) (any, bool, error) {
	v, err := m.StartValue()
	return v, false, err
}
