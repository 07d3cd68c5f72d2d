package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/johndauphine/tablesync/internal/config"
)

func bigIntMapping(id, start string) config.TableMapping {
	return config.TableMapping{
		ID:                    id,
		SourceSchema:          "dbo",
		SourceTable:           "Orders",
		IncrementalType:       config.IncrementalBigInt,
		IncrementalColumn:     "OrderID",
		IncrementalStartValue: start,
	}
}

func dateTimeMapping(id string) config.TableMapping {
	return config.TableMapping{
		ID:                id,
		SourceTable:       "Events",
		IncrementalType:   config.IncrementalDateTime,
		IncrementalColumn: "ModifiedAt",
	}
}

// backends returns one fresh instance of every backend.
func backends(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()

	state, err := New(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { state.Close() })

	fs, err := NewFileState(filepath.Join(dir, "state.yaml"))
	if err != nil {
		t.Fatalf("NewFileState() error: %v", err)
	}

	return map[string]Backend{"sqlite": state, "file": fs}
}

func TestWatermarkLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := bigIntMapping("dbo.Orders", "10")

			v, found, err := b.GetWatermark(ctx, "sales", m)
			if err != nil {
				t.Fatalf("GetWatermark: %v", err)
			}
			if found || v != int64(10) {
				t.Fatalf("initial watermark = %v (found=%v), want start value 10", v, found)
			}

			if err := b.AdvanceWatermark(ctx, "sales", m, int64(100)); err != nil {
				t.Fatalf("AdvanceWatermark: %v", err)
			}
			// Equal values are allowed so that a replayed batch does not fail.
			if err := b.AdvanceWatermark(ctx, "sales", m, int64(100)); err != nil {
				t.Fatalf("AdvanceWatermark(equal): %v", err)
			}
			if err := b.AdvanceWatermark(ctx, "sales", m, int64(99)); !errors.Is(err, ErrWatermarkRegression) {
				t.Fatalf("AdvanceWatermark(99) error = %v, want ErrWatermarkRegression", err)
			}

			v, found, err = b.GetWatermark(ctx, "sales", m)
			if err != nil {
				t.Fatalf("GetWatermark: %v", err)
			}
			if !found || v != int64(100) {
				t.Fatalf("watermark = %v (found=%v), want 100", v, found)
			}

			// Same mapping id under another configuration is independent.
			v, found, _ = b.GetWatermark(ctx, "archive", m)
			if found || v != int64(10) {
				t.Errorf("other configuration watermark = %v (found=%v), want start value", v, found)
			}

			list, err := b.ListWatermarks(ctx)
			if err != nil {
				t.Fatalf("ListWatermarks: %v", err)
			}
			if len(list) != 1 || list[0].Value != "100" || list[0].Type != config.IncrementalBigInt {
				t.Fatalf("ListWatermarks = %+v", list)
			}

			if err := b.ResetWatermark(ctx, "sales", m.ID); err != nil {
				t.Fatalf("ResetWatermark: %v", err)
			}
			v, found, _ = b.GetWatermark(ctx, "sales", m)
			if found || v != int64(10) {
				t.Errorf("after reset watermark = %v (found=%v), want start value", v, found)
			}
		})
	}
}

func TestWatermarkDateTime(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := dateTimeMapping("Events")

			v, found, err := b.GetWatermark(ctx, "c", m)
			if err != nil || found || v != nil {
				t.Fatalf("GetWatermark without start value = %v, %v, %v", v, found, err)
			}

			ts := time.Date(2024, 6, 1, 12, 30, 0, 123456789, time.FixedZone("CEST", 2*3600))
			if err := b.AdvanceWatermark(ctx, "c", m, ts); err != nil {
				t.Fatalf("AdvanceWatermark: %v", err)
			}
			v, found, err = b.GetWatermark(ctx, "c", m)
			if err != nil || !found {
				t.Fatalf("GetWatermark = %v, %v", found, err)
			}
			got, ok := v.(time.Time)
			if !ok || !got.Equal(ts) {
				t.Fatalf("watermark = %v, want %v", v, ts)
			}
			if err := b.AdvanceWatermark(ctx, "c", m, ts.Add(-time.Nanosecond)); !errors.Is(err, ErrWatermarkRegression) {
				t.Errorf("regression error = %v", err)
			}
		})
	}
}

func TestRunRecords(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
			run := Run{ID: "run-1", ConfigurationID: "sales", StartTime: start, Status: RunRunning, TriggeredBy: "cli", DryRun: true}
			if err := b.CreateRun(ctx, run); err != nil {
				t.Fatalf("CreateRun: %v", err)
			}

			end := start.Add(2 * time.Second)
			run.EndTime = &end
			run.Status = RunCompletedWithErrors
			run.TotalTablesProcessed = 2
			run.SuccessfulTablesCount = 1
			run.FailedTablesCount = 1
			run.TotalRowsProcessed = 250
			run.ElapsedMs = 2000
			run.AverageRowsPerSecond = 125
			run.Error = "1 table failed"
			if err := b.UpdateRun(ctx, run); err != nil {
				t.Fatalf("UpdateRun: %v", err)
			}

			got, err := b.GetRun(ctx, "run-1")
			if err != nil {
				t.Fatalf("GetRun: %v", err)
			}
			if got.Status != RunCompletedWithErrors || got.TotalRowsProcessed != 250 || !got.DryRun || got.TriggeredBy != "cli" {
				t.Errorf("GetRun = %+v", got)
			}
			if got.EndTime == nil || !got.EndTime.Equal(end) || !got.StartTime.Equal(start) {
				t.Errorf("times = %v / %v", got.StartTime, got.EndTime)
			}

			if _, err := b.GetRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
				t.Errorf("GetRun(missing) error = %v", err)
			}
			if err := b.UpdateRun(ctx, Run{ID: "missing"}); !errors.Is(err, ErrRunNotFound) {
				t.Errorf("UpdateRun(missing) error = %v", err)
			}

			metric := TableMetric{RunID: "run-1", MappingID: "dbo.Orders", TableName: "dbo.Orders", Status: TableRunning}
			if err := b.SaveTableMetric(ctx, metric); err != nil {
				t.Fatalf("SaveTableMetric: %v", err)
			}
			metric.Status = TableCompleted
			metric.RowsProcessed = 250
			metric.Batches = 3
			metric.Success = true
			if err := b.SaveTableMetric(ctx, metric); err != nil {
				t.Fatalf("SaveTableMetric(update): %v", err)
			}
			if err := b.SaveTableMetric(ctx, TableMetric{RunID: "run-1", MappingID: "dbo.Customers", TableName: "dbo.Customers", Status: TableFailed, Message: "boom"}); err != nil {
				t.Fatalf("SaveTableMetric: %v", err)
			}

			metrics, err := b.GetTableMetrics(ctx, "run-1")
			if err != nil {
				t.Fatalf("GetTableMetrics: %v", err)
			}
			if len(metrics) != 2 {
				t.Fatalf("metrics = %d, want 2", len(metrics))
			}
			if metrics[0].TableName != "dbo.Customers" || metrics[0].Message != "boom" {
				t.Errorf("metrics[0] = %+v", metrics[0])
			}
			if metrics[1].Status != TableCompleted || metrics[1].RowsProcessed != 250 || !metrics[1].Success {
				t.Errorf("metrics[1] = %+v", metrics[1])
			}

			for i, msg := range []string{"first", "second"} {
				if err := b.AppendLog(ctx, LogEntry{RunID: "run-1", LogTime: start.Add(time.Duration(i) * time.Second), LogLevel: "WARN", Message: msg}); err != nil {
					t.Fatalf("AppendLog: %v", err)
				}
			}
			logs, err := b.GetLogs(ctx, "run-1")
			if err != nil {
				t.Fatalf("GetLogs: %v", err)
			}
			if len(logs) != 2 || logs[0].Message != "first" || logs[1].Message != "second" || logs[0].ID >= logs[1].ID {
				t.Errorf("logs = %+v", logs)
			}

			if err := b.SaveValidationResult(ctx, ValidationResult{RunID: "run-1", TableName: "dbo.Orders", ValidationType: ValidationRowCount, Success: false, Details: "source=1000 destination=998"}); err != nil {
				t.Fatalf("SaveValidationResult: %v", err)
			}
			results, err := b.GetValidationResults(ctx, "run-1")
			if err != nil {
				t.Fatalf("GetValidationResults: %v", err)
			}
			if len(results) != 1 || results[0].Success || results[0].Details != "source=1000 destination=998" {
				t.Errorf("results = %+v", results)
			}
		})
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			for i, id := range []string{"a", "b", "c"} {
				// Sub-second offsets check the stored timestamps sort correctly.
				start := base.Add(time.Duration(i) * 500 * time.Millisecond)
				if err := b.CreateRun(ctx, Run{ID: id, ConfigurationID: "x", StartTime: start, Status: RunRunning}); err != nil {
					t.Fatalf("CreateRun: %v", err)
				}
			}
			runs, err := b.ListRuns(ctx, 2)
			if err != nil {
				t.Fatalf("ListRuns: %v", err)
			}
			if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
				t.Fatalf("ListRuns = %+v", runs)
			}
		})
	}
}

func TestStateConcurrentAdvance(t *testing.T) {
	state, err := New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer state.Close()

	ctx := context.Background()
	m := bigIntMapping("dbo.Orders", "")
	errs := make(chan error, 50)
	for i := 1; i <= 50; i++ {
		go func(v int64) {
			err := state.AdvanceWatermark(ctx, "c", m, v)
			if errors.Is(err, ErrWatermarkRegression) {
				err = nil
			}
			errs <- err
		}(int64(i))
	}
	for i := 0; i < 50; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("AdvanceWatermark: %v", err)
		}
	}

	v, _, err := state.GetWatermark(ctx, "c", m)
	if err != nil {
		t.Fatalf("GetWatermark: %v", err)
	}
	if v != int64(50) {
		t.Errorf("watermark = %v, want 50", v)
	}
	if got := countRows(t, state.db, `SELECT COUNT(*) FROM watermarks`); got != 1 {
		t.Errorf("watermark rows = %d, want 1", got)
	}
}

func countRows(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var count int
	if err := db.QueryRow(query, args...).Scan(&count); err != nil {
		t.Fatalf("count query error: %v", err)
	}
	return count
}
