package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/johndauphine/tablesync/internal/config"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// State manages migration state in SQLite
type State struct {
	db *sql.DB
}

// New opens (creating if needed) the SQLite state database at path.
func New(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection serializes writers, which makes the
	// read-compare-write in AdvanceWatermark atomic.
	db.SetMaxOpenConns(1)

	s := &State{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return s, nil
}

func (s *State) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		configuration_id TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT,
		status TEXT NOT NULL DEFAULT 'Running',
		triggered_by TEXT,
		dry_run INTEGER NOT NULL DEFAULT 0,
		total_tables INTEGER NOT NULL DEFAULT 0,
		successful_tables INTEGER NOT NULL DEFAULT 0,
		failed_tables INTEGER NOT NULL DEFAULT 0,
		total_rows INTEGER NOT NULL DEFAULT 0,
		elapsed_ms INTEGER NOT NULL DEFAULT 0,
		avg_rows_per_sec REAL NOT NULL DEFAULT 0,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS table_metrics (
		run_id TEXT NOT NULL REFERENCES runs(id),
		mapping_id TEXT NOT NULL,
		table_name TEXT NOT NULL,
		rows_processed INTEGER NOT NULL DEFAULT 0,
		total_rows INTEGER NOT NULL DEFAULT 0,
		batches INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		elapsed_ms INTEGER NOT NULL DEFAULT 0,
		rows_per_sec REAL NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 0,
		message TEXT,
		started_at TEXT,
		ended_at TEXT,
		PRIMARY KEY (run_id, mapping_id)
	);

	CREATE TABLE IF NOT EXISTS log_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		log_time TEXT NOT NULL,
		log_level TEXT NOT NULL,
		message TEXT NOT NULL,
		exception TEXT
	);

	CREATE TABLE IF NOT EXISTS validation_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		table_name TEXT NOT NULL,
		validation_type TEXT NOT NULL,
		success INTEGER NOT NULL,
		details TEXT,
		error_message TEXT
	);

	CREATE TABLE IF NOT EXISTS watermarks (
		configuration_id TEXT NOT NULL,
		mapping_id TEXT NOT NULL,
		incremental_type TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (configuration_id, mapping_id)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_start ON runs(start_time);
	CREATE INDEX IF NOT EXISTS idx_logs_run ON log_entries(run_id);
	CREATE INDEX IF NOT EXISTS idx_validation_run ON validation_results(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *State) Close() error {
	return s.db.Close()
}

// GetWatermark returns the stored watermark or the mapping's start value.
func (s *State) GetWatermark(ctx context.Context, configID string, m config.TableMapping) (any, bool, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM watermarks WHERE configuration_id = ? AND mapping_id = ?
	`, configID, m.ID).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return initial(m)
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading watermark %s: %w", m.ID, err)
	}
	v, err := m.IncrementalType.Parse(text)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// AdvanceWatermark upserts the watermark inside one transaction.
func (s *State) AdvanceWatermark(ctx context.Context, configID string, m config.TableMapping, value any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	hasCurrent := true
	err = tx.QueryRowContext(ctx, `
		SELECT value FROM watermarks WHERE configuration_id = ? AND mapping_id = ?
	`, configID, m.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		hasCurrent = false
	} else if err != nil {
		return fmt.Errorf("reading watermark %s: %w", m.ID, err)
	}

	text, err := advance(m, current, hasCurrent, value)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO watermarks (configuration_id, mapping_id, incremental_type, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(configuration_id, mapping_id) DO UPDATE SET
			incremental_type = excluded.incremental_type,
			value = excluded.value,
			updated_at = excluded.updated_at
	`, configID, m.ID, string(m.IncrementalType), text, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("writing watermark %s: %w", m.ID, err)
	}
	return tx.Commit()
}

// ResetWatermark deletes a stored watermark so the next run starts from the start value.
func (s *State) ResetWatermark(ctx context.Context, configID, mappingID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM watermarks WHERE configuration_id = ? AND mapping_id = ?
	`, configID, mappingID)
	return err
}

// ListWatermarks returns every stored watermark.
func (s *State) ListWatermarks(ctx context.Context) ([]Watermark, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT configuration_id, mapping_id, incremental_type, value, updated_at
		FROM watermarks ORDER BY configuration_id, mapping_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Watermark
	for rows.Next() {
		var w Watermark
		var typ, updated string
		if err := rows.Scan(&w.ConfigurationID, &w.MappingID, &typ, &w.Value, &updated); err != nil {
			return nil, err
		}
		w.Type = config.IncrementalType(typ)
		w.UpdatedAt = parseTime(updated)
		out = append(out, w)
	}
	return out, rows.Err()
}

// CreateRun inserts a new run record.
func (s *State) CreateRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, configuration_id, start_time, status, triggered_by, dry_run)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.ConfigurationID, formatTime(r.StartTime), string(r.Status), r.TriggeredBy, r.DryRun)
	return err
}

// UpdateRun overwrites the mutable fields of a run.
func (s *State) UpdateRun(ctx context.Context, r Run) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			end_time = ?, status = ?, total_tables = ?, successful_tables = ?,
			failed_tables = ?, total_rows = ?, elapsed_ms = ?, avg_rows_per_sec = ?, error = ?
		WHERE id = ?
	`, formatTimePtr(r.EndTime), string(r.Status), r.TotalTablesProcessed, r.SuccessfulTablesCount,
		r.FailedTablesCount, r.TotalRowsProcessed, r.ElapsedMs, r.AverageRowsPerSecond, r.Error, r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, r.ID)
	}
	return nil
}

// SaveTableMetric upserts the metric for one mapping of a run.
func (s *State) SaveTableMetric(ctx context.Context, m TableMetric) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO table_metrics (run_id, mapping_id, table_name, rows_processed, total_rows, batches,
			status, elapsed_ms, rows_per_sec, success, message, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, mapping_id) DO UPDATE SET
			rows_processed = excluded.rows_processed,
			total_rows = excluded.total_rows,
			batches = excluded.batches,
			status = excluded.status,
			elapsed_ms = excluded.elapsed_ms,
			rows_per_sec = excluded.rows_per_sec,
			success = excluded.success,
			message = excluded.message,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at
	`, m.RunID, m.MappingID, m.TableName, m.RowsProcessed, m.TotalRowsToProcess, m.Batches,
		string(m.Status), m.ElapsedMs, m.RowsPerSecond, m.Success, m.Message,
		formatTimePtr(m.StartedAt), formatTimePtr(m.EndedAt))
	return err
}

// AppendLog inserts a log entry.
func (s *State) AppendLog(ctx context.Context, e LogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO log_entries (run_id, log_time, log_level, message, exception)
		VALUES (?, ?, ?, ?, ?)
	`, e.RunID, formatTime(e.LogTime), e.LogLevel, e.Message, e.Exception)
	return err
}

// SaveValidationResult inserts a validation result.
func (s *State) SaveValidationResult(ctx context.Context, v ValidationResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO validation_results (run_id, table_name, validation_type, success, details, error_message)
		VALUES (?, ?, ?, ?, ?, ?)
	`, v.RunID, v.TableName, string(v.ValidationType), v.Success, v.Details, v.ErrorMessage)
	return err
}

const runColumns = `id, configuration_id, start_time, end_time, status, triggered_by, dry_run,
	total_tables, successful_tables, failed_tables, total_rows, elapsed_ms, avg_rows_per_sec, error`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var r Run
	var start string
	var end, triggeredBy, errMsg sql.NullString
	var status string
	err := row.Scan(&r.ID, &r.ConfigurationID, &start, &end, &status, &triggeredBy, &r.DryRun,
		&r.TotalTablesProcessed, &r.SuccessfulTablesCount, &r.FailedTablesCount,
		&r.TotalRowsProcessed, &r.ElapsedMs, &r.AverageRowsPerSecond, &errMsg)
	if err != nil {
		return r, err
	}
	r.StartTime = parseTime(start)
	r.EndTime = parseTimePtr(end)
	r.Status = RunStatus(status)
	r.TriggeredBy = triggeredBy.String
	r.Error = errMsg.String
	return r, nil
}

// GetRun returns one run or ErrRunNotFound.
func (s *State) GetRun(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRuns returns the most recent runs first. A non-positive limit defaults to 20.
func (s *State) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY start_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetTableMetrics returns the metrics of a run ordered by table name.
func (s *State) GetTableMetrics(ctx context.Context, runID string) ([]TableMetric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, mapping_id, table_name, rows_processed, total_rows, batches, status,
			elapsed_ms, rows_per_sec, success, message, started_at, ended_at
		FROM table_metrics WHERE run_id = ? ORDER BY table_name
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TableMetric
	for rows.Next() {
		var m TableMetric
		var status string
		var msg, started, ended sql.NullString
		if err := rows.Scan(&m.RunID, &m.MappingID, &m.TableName, &m.RowsProcessed, &m.TotalRowsToProcess,
			&m.Batches, &status, &m.ElapsedMs, &m.RowsPerSecond, &m.Success, &msg, &started, &ended); err != nil {
			return nil, err
		}
		m.Status = TableStatus(status)
		m.Message = msg.String
		m.StartedAt = parseTimePtr(started)
		m.EndedAt = parseTimePtr(ended)
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetLogs returns a run's log entries in insertion order.
func (s *State) GetLogs(ctx context.Context, runID string) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, log_time, log_level, message, exception
		FROM log_entries WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var logTime string
		var exc sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &logTime, &e.LogLevel, &e.Message, &exc); err != nil {
			return nil, err
		}
		e.LogTime = parseTime(logTime)
		e.Exception = exc.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetValidationResults returns a run's validation results in insertion order.
func (s *State) GetValidationResults(ctx context.Context, runID string) ([]ValidationResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, table_name, validation_type, success, details, error_message
		FROM validation_results WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ValidationResult
	for rows.Next() {
		var v ValidationResult
		var typ string
		var details, errMsg sql.NullString
		if err := rows.Scan(&v.RunID, &v.TableName, &typ, &v.Success, &details, &errMsg); err != nil {
			return nil, err
		}
		v.ValidationType = ValidationType(typ)
		v.Details = details.String
		v.ErrorMessage = errMsg.String
		out = append(out, v)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
