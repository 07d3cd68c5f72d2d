package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/johndauphine/tablesync/internal/checkpoint"
	"github.com/johndauphine/tablesync/internal/config"
)

// StatusReport is everything recorded about one run.
type StatusReport struct {
	Run             checkpoint.Run                `json:"run"`
	Tables          []checkpoint.TableMetric      `json:"tables"`
	Validation      []checkpoint.ValidationResult `json:"validation,omitempty"`
	Logs            []checkpoint.LogEntry         `json:"logs,omitempty"`
	ProgressPercent float64                       `json:"progress_percent"`
}

// Status returns the report of a run, or of the most recent run when runID is empty.
func (o *Orchestrator) Status(ctx context.Context, runID string) (*StatusReport, error) {
	if runID == "" {
		runs, err := o.state.ListRuns(ctx, 1)
		if err != nil {
			return nil, err
		}
		if len(runs) == 0 {
			return nil, fmt.Errorf("%w: no runs recorded", checkpoint.ErrRunNotFound)
		}
		runID = runs[0].ID
	}

	res, err := o.Result(ctx, runID)
	if err != nil {
		return nil, err
	}
	logs, err := o.state.GetLogs(ctx, runID)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{Run: res.Run, Tables: res.Tables, Validation: res.Validation, Logs: logs}
	var done, total int64
	for _, t := range res.Tables {
		done += t.RowsProcessed
		total += max(t.TotalRowsToProcess, t.RowsProcessed)
	}
	if total > 0 {
		report.ProgressPercent = float64(done) / float64(total) * 100
	} else if res.Run.Status.Terminal() {
		report.ProgressPercent = 100
	}
	return report, nil
}

// History returns the most recent runs, newest first.
func (o *Orchestrator) History(ctx context.Context, limit int) ([]checkpoint.Run, error) {
	return o.state.ListRuns(ctx, limit)
}

// Watermarks lists the stored watermarks.
func (o *Orchestrator) Watermarks(ctx context.Context) ([]checkpoint.Watermark, error) {
	return o.state.ListWatermarks(ctx)
}

// ResetWatermark forgets the watermark of a mapping so that the next run
// starts from the mapping's start value.
func (o *Orchestrator) ResetWatermark(ctx context.Context, configurationID, mappingID string) error {
	cfg, err := o.resolver.Configuration(configurationID)
	if err != nil {
		return err
	}
	m, ok := lo.Find(cfg.Mappings, func(m config.TableMapping) bool { return strings.EqualFold(m.ID, mappingID) })
	if !ok {
		return fmt.Errorf("configuration %s has no mapping %q", configurationID, mappingID)
	}
	if err := o.state.ResetWatermark(ctx, cfg.ID, m.ID); err != nil {
		return fmt.Errorf("resetting watermark of %s: %w", m.ID, err)
	}
	return nil
}

// ShowStatus prints the report of a run.
func ShowStatus(w io.Writer, r *StatusReport) {
	run := r.Run
	fmt.Fprintf(w, "Run:           %s\n", run.ID)
	fmt.Fprintf(w, "Configuration: %s\n", run.ConfigurationID)
	status := string(run.Status)
	if run.DryRun {
		status += " (dry run)"
	}
	fmt.Fprintf(w, "Status:        %s\n", status)
	if run.Error != "" {
		fmt.Fprintf(w, "Error:         %s\n", run.Error)
	}
	fmt.Fprintf(w, "Started:       %s\n", run.StartTime.Local().Format("2006-01-02 15:04:05"))
	if run.EndTime != nil {
		fmt.Fprintf(w, "Ended:         %s\n", run.EndTime.Local().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, "Duration:      %s\n", (time.Duration(run.ElapsedMs) * time.Millisecond).Round(time.Millisecond))
	}
	fmt.Fprintf(w, "Tables:        %d processed, %d succeeded, %d failed\n",
		run.TotalTablesProcessed, run.SuccessfulTablesCount, run.FailedTablesCount)
	fmt.Fprintf(w, "Rows:          %d (%.0f rows/sec)\n", run.TotalRowsProcessed, run.AverageRowsPerSecond)
	if !run.Status.Terminal() {
		fmt.Fprintf(w, "Progress:      %.1f%%\n", r.ProgressPercent)
	}

	if len(r.Tables) > 0 {
		fmt.Fprintf(w, "\n%-30s %-10s %-20s %-8s %s\n", "Table", "Status", "Rows", "Batches", "Message")
		fmt.Fprintln(w, strings.Repeat("-", 100))
		for _, t := range r.Tables {
			rows := fmt.Sprintf("%d", t.RowsProcessed)
			if t.TotalRowsToProcess > 0 {
				rows = fmt.Sprintf("%d/%d", t.RowsProcessed, t.TotalRowsToProcess)
			}
			fmt.Fprintf(w, "%-30s %s %-8s %-20s %-8d %s\n",
				truncate(t.TableName, 30), statusIcon(t.Status), t.Status, rows, t.Batches, truncate(t.Message, 40))
		}
	}

	if len(r.Validation) > 0 {
		fmt.Fprintf(w, "\n%-30s %-10s %-6s %s\n", "Validated table", "Check", "Result", "Details")
		fmt.Fprintln(w, strings.Repeat("-", 100))
		for _, v := range r.Validation {
			result, details := "ok", v.Details
			if !v.Success {
				result = "FAIL"
			}
			if v.ErrorMessage != "" {
				details = v.ErrorMessage
			}
			fmt.Fprintf(w, "%-30s %-10s %-6s %s\n", truncate(v.TableName, 30), v.ValidationType, result, details)
		}
	}

	if len(r.Logs) > 0 {
		fmt.Fprintln(w, "\nLog:")
		for _, l := range r.Logs {
			fmt.Fprintf(w, "  %s [%s] %s\n", l.LogTime.Local().Format("15:04:05"), l.LogLevel, l.Message)
			if l.Exception != "" {
				fmt.Fprintf(w, "           %s\n", l.Exception)
			}
		}
	}
}

// ShowHistory prints a run list.
func ShowHistory(w io.Writer, runs []checkpoint.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No migration history")
		return
	}

	fmt.Fprintf(w, "%-36s %-15s %-20s %-20s %-8s %s\n", "ID", "Configuration", "Started", "Status", "Tables", "Rows")
	fmt.Fprintln(w, strings.Repeat("-", 120))
	for _, r := range runs {
		status := string(r.Status)
		if r.DryRun {
			status += " (dry)"
		}
		fmt.Fprintf(w, "%-36s %-15s %-20s %-20s %-8s %d\n",
			r.ID, truncate(r.ConfigurationID, 15), r.StartTime.Local().Format("2006-01-02 15:04:05"), status,
			fmt.Sprintf("%d/%d", r.SuccessfulTablesCount, r.TotalTablesProcessed), r.TotalRowsProcessed)
		if r.Error != "" {
			fmt.Fprintf(w, "%36s Error: %s\n", "", r.Error)
		}
	}
	fmt.Fprintln(w, "\nUse 'status <ID>' to view a run's tables and log")
}

// ShowWatermarks prints stored watermarks.
func ShowWatermarks(w io.Writer, marks []checkpoint.Watermark) {
	if len(marks) == 0 {
		fmt.Fprintln(w, "No watermarks stored")
		return
	}
	fmt.Fprintf(w, "%-15s %-30s %-10s %-32s %s\n", "Configuration", "Mapping", "Type", "Value", "Updated")
	fmt.Fprintln(w, strings.Repeat("-", 110))
	for _, m := range marks {
		fmt.Fprintf(w, "%-15s %-30s %-10s %-32s %s\n",
			truncate(m.ConfigurationID, 15), truncate(m.MappingID, 30), m.Type, m.Value, m.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	}
}

func statusIcon(s checkpoint.TableStatus) string {
	switch s {
	case checkpoint.TableCompleted:
		return "✓"
	case checkpoint.TableFailed:
		return "✗"
	case checkpoint.TableRunning:
		return "►"
	case checkpoint.TableCancelled:
		return "■"
	default:
		return "○"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
