package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/johndauphine/tablesync/internal/checkpoint"
	"github.com/johndauphine/tablesync/internal/config"
	"github.com/johndauphine/tablesync/internal/driver"
	"github.com/johndauphine/tablesync/internal/progress"
	"github.com/johndauphine/tablesync/internal/transfer"
)

// recordError is a failure to persist a run, metric or validation record.
// It aborts the run.
type recordError struct {
	what string
	err  error
}

func (e *recordError) Error() string { return fmt.Sprintf("recording %s: %v", e.what, e.err) }
func (e *recordError) Unwrap() error { return e.err }

var errFailOnError = errors.New("table with fail_on_error failed")

func (o *Orchestrator) sink(runID string) progress.Sink {
	if o.opts.Progress == nil {
		return progress.Null{}
	}
	return o.opts.Progress(runID)
}

// saveMetric persists a metric even after the run context has ended.
func (o *Orchestrator) saveMetric(ctx context.Context, m checkpoint.TableMetric) error {
	if err := o.state.SaveTableMetric(context.WithoutCancel(ctx), m); err != nil {
		return &recordError{what: "table metric " + m.MappingID, err: err}
	}
	return nil
}

// transferAll migrates every mapping of the plan over a bounded worker pool
// and returns one metric per mapping, in mapping order. The error is non-nil
// only when a record could not be persisted.
func (o *Orchestrator) transferAll(ctx context.Context, p *plan, src, dst driver.Database, jr *journal) ([]checkpoint.TableMetric, error) {
	metrics := make([]checkpoint.TableMetric, len(p.mappings))
	for i, m := range p.mappings {
		metrics[i] = checkpoint.TableMetric{
			RunID:     p.run.ID,
			MappingID: m.ID,
			TableName: m.SourceName(),
			Status:    checkpoint.TablePending,
		}
		if err := o.saveMetric(ctx, metrics[i]); err != nil {
			return metrics, err
		}
	}

	sink := o.sink(p.run.ID)
	sink.Begin(len(p.mappings))
	defer sink.Finish()

	ext := transfer.NewExtractor(src, o.opts.ExtractTimeout)
	ldr := transfer.NewLoader(dst, o.opts.LoadTimeout)

	runCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	var abortOnce sync.Once

	g := new(errgroup.Group)
	g.SetLimit(o.opts.Workers)
	for i, m := range p.mappings {
		g.Go(func() error {
			metric := &metrics[i]
			if runCtx.Err() != nil {
				metric.Status = checkpoint.TableCancelled
				metric.Message = "not started"
				return o.saveMetric(ctx, *metric)
			}
			if err := o.migrateTable(runCtx, p, m, metric, ext, ldr, sink, jr); err != nil {
				stop(err)
				return err
			}
			if metric.Status == checkpoint.TableFailed && m.FailOnError {
				abortOnce.Do(func() {
					p.abort = fmt.Sprintf("table %s failed: %s", metric.TableName, metric.Message)
					jr.Warn("Stopping run: %s failed and has fail_on_error set", metric.TableName)
				})
				stop(errFailOnError)
			}
			return nil
		})
	}
	return metrics, g.Wait()
}

// migrateTable runs the batch loop of one mapping and records its outcome
// in metric. Table failures are recorded, not returned; the error is
// non-nil only when a record could not be persisted.
func (o *Orchestrator) migrateTable(ctx context.Context, p *plan, m config.TableMapping, metric *checkpoint.TableMetric,
	ext *transfer.Extractor, ldr *transfer.Loader, sink progress.Sink, jr *journal) error {

	name := m.SourceName()
	start := time.Now().UTC()
	metric.StartedAt = &start
	metric.Status = checkpoint.TableRunning
	if err := o.saveMetric(ctx, *metric); err != nil {
		return err
	}

	var watermark any
	var err error
	if m.IsIncremental() {
		var found bool
		watermark, found, err = o.state.GetWatermark(ctx, p.cfg.ID, m)
		if err == nil {
			jr.Debug("%s: starting after watermark %v (stored=%v)", name, watermark, found)
		} else {
			err = fmt.Errorf("reading watermark: %w", err)
		}
	}

	cancelled := false
	if err == nil {
		cur := transfer.StartCursor(m, watermark)
		if est, eerr := ext.EstimateRows(context.WithoutCancel(ctx), m, cur); eerr != nil {
			jr.Warn("Estimating rows for %s: %v", name, eerr)
		} else {
			metric.TotalRowsToProcess = est
		}
		sink.StartTable(name, metric.TotalRowsToProcess)
		cancelled, err = o.copyBatches(ctx, p, m, cur, metric, ext, ldr, sink, jr)
		sink.EndTable(name, err != nil || cancelled)
	}

	var rerr *recordError
	if errors.As(err, &rerr) {
		return err
	}

	end := time.Now().UTC()
	metric.EndedAt = &end
	metric.ElapsedMs = end.Sub(start).Milliseconds()
	if metric.ElapsedMs > 0 {
		metric.RowsPerSecond = float64(metric.RowsProcessed) / (float64(metric.ElapsedMs) / 1000)
	}

	switch {
	case err != nil:
		metric.Status = checkpoint.TableFailed
		metric.Message = err.Error()
		jr.Error(err, "Table %s failed after %d rows", name, metric.RowsProcessed)
		if nerr := o.notifier.TableFailed(p.run.ID, name, err); nerr != nil {
			jr.Warn("Slack notification failed: %v", nerr)
		}
	case cancelled:
		metric.Status = checkpoint.TableCancelled
		metric.Message = ErrRunCancelled.Error()
		jr.Warn("Table %s cancelled after %d rows", name, metric.RowsProcessed)
	default:
		metric.Status = checkpoint.TableCompleted
		metric.Success = true
		jr.Info("Table %s: %d rows in %d batches (%.0f rows/sec)", name, metric.RowsProcessed, metric.Batches, metric.RowsPerSecond)
	}
	return o.saveMetric(ctx, *metric)
}

// copyBatches extracts, loads and checkpoints one batch at a time until the
// source is drained. Cancellation is checked only between batches: batch I/O
// runs under a context detached from ctx and bounded by its own timeout.
func (o *Orchestrator) copyBatches(ctx context.Context, p *plan, m config.TableMapping, cur transfer.Cursor, metric *checkpoint.TableMetric,
	ext *transfer.Extractor, ldr *transfer.Loader, sink progress.Sink, jr *journal) (cancelled bool, err error) {

	name := m.SourceName()
	batchCtx := context.WithoutCancel(ctx)
	// maximum of the previous full batch; an empty read proves nothing is left at it
	var pending any
	for {
		if ctx.Err() != nil {
			return true, nil
		}

		b, err := ext.ExtractBatch(batchCtx, m, cur, p.cfg.BatchSize)
		if err != nil {
			return false, err
		}
		if len(b.Rows) == 0 {
			return false, o.advanceWatermark(batchCtx, p, m, pending)
		}

		if !p.run.DryRun {
			if _, err := ldr.LoadBatch(batchCtx, m, b.Rows); err != nil {
				return false, err
			}
		}
		if err := o.advanceWatermark(batchCtx, p, m, b.Checkpoint); err != nil {
			return false, err
		}
		if b.MaxWatermark != nil {
			pending = b.MaxWatermark
		}

		n := int64(len(b.Rows))
		metric.RowsProcessed += n
		metric.Batches++
		sink.Add(name, n)

		if metric.Batches%p.cfg.ReportingFrequency == 0 {
			jr.Debug("%s: batch %d, %d rows (%d total, watermark %v)", name, metric.Batches, n, metric.RowsProcessed, b.MaxWatermark)
			if err := o.saveMetric(ctx, *metric); err != nil {
				return false, err
			}
		}

		if !b.HasMore {
			return false, nil
		}
		cur = b.Next
	}
}

// advanceWatermark stores value as the mapping's watermark. Dry runs and
// non-incremental mappings never store one; nil keeps the stored value.
func (o *Orchestrator) advanceWatermark(ctx context.Context, p *plan, m config.TableMapping, value any) error {
	if p.run.DryRun || !m.IsIncremental() || value == nil {
		return nil
	}
	if err := o.state.AdvanceWatermark(ctx, p.cfg.ID, m, value); err != nil {
		return &WatermarkAdvanceError{MappingID: m.ID, Value: value, Err: err}
	}
	return nil
}
