// Package orchestrator runs migrations and validations for a configuration:
// it resolves mappings, drives the per-table batch loop over a bounded worker
// pool, and keeps run, table metric and log records up to date.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/johndauphine/tablesync/internal/checkpoint"
	"github.com/johndauphine/tablesync/internal/config"
	"github.com/johndauphine/tablesync/internal/driver"
	"github.com/johndauphine/tablesync/internal/logging"
	"github.com/johndauphine/tablesync/internal/mapping"
	"github.com/johndauphine/tablesync/internal/notify"
	"github.com/johndauphine/tablesync/internal/progress"
)

// Connections hands out open databases by logical connection id.
type Connections interface {
	Get(ctx context.Context, logicalID string) (driver.Database, error)
}

// Options controls engine behavior shared by all runs.
type Options struct {
	Workers            int
	ExtractTimeout     time.Duration
	LoadTimeout        time.Duration
	ChecksumSampleSize int
	// RecordLogLevel is the most verbose level stored as run log entries
	// (debug, info, warn or error). Empty means info.
	RecordLogLevel string
	// Progress creates the progress sink of a run. Nil disables progress output.
	Progress func(runID string) progress.Sink
}

// OptionsFromConfig builds Options from the migration section of the config file.
func OptionsFromConfig(m config.MigrationConfig) Options {
	return Options{
		Workers:            m.Workers,
		ExtractTimeout:     m.ExtractTimeout,
		LoadTimeout:        m.LoadTimeout,
		ChecksumSampleSize: m.ChecksumSampleSize,
		RecordLogLevel:     m.RecordLogLevel,
	}
}

// MigrationRequest describes one migration invocation.
type MigrationRequest struct {
	ConfigurationID string
	Tables          []string // optional filter on mapping id, schema.table or table name
	DryRun          bool
	Validate        bool
	TriggeredBy     string
}

// RunResult is the outcome of a run as recorded.
type RunResult struct {
	Run        checkpoint.Run                `json:"run"`
	Tables     []checkpoint.TableMetric      `json:"tables"`
	Validation []checkpoint.ValidationResult `json:"validation,omitempty"`
}

// Failed returns the metrics of tables that did not complete.
func (r *RunResult) Failed() []checkpoint.TableMetric {
	var out []checkpoint.TableMetric
	for _, t := range r.Tables {
		if !t.Success {
			out = append(out, t)
		}
	}
	return out
}

// ValidationPassed reports whether every recorded validation check succeeded.
func (r *RunResult) ValidationPassed() bool {
	for _, v := range r.Validation {
		if !v.Success {
			return false
		}
	}
	return true
}

// WatermarkAdvanceError means a batch was loaded but its watermark could not be stored.
type WatermarkAdvanceError struct {
	MappingID string
	Value     any
	Err       error
}

func (e *WatermarkAdvanceError) Error() string {
	return fmt.Sprintf("advancing watermark of %s to %v: %v", e.MappingID, e.Value, e.Err)
}

func (e *WatermarkAdvanceError) Unwrap() error { return e.Err }

// ErrRunCancelled is the error of a run stopped by its context.
var ErrRunCancelled = errors.New("run cancelled")

// Orchestrator coordinates migration and validation runs.
type Orchestrator struct {
	resolver *mapping.Resolver
	conns    Connections
	state    checkpoint.Backend
	notifier notify.Provider
	opts     Options
	logLevel logging.Level

	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

type job struct {
	cancel context.CancelFunc
	done   chan struct{}
	result *RunResult
	err    error
}

// New creates an orchestrator. The caller keeps ownership of conns and state.
func New(cfg *config.Config, conns Connections, state checkpoint.Backend, notifier notify.Provider, opts Options) *Orchestrator {
	if notifier == nil {
		notifier = notify.New(nil)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	level := logging.LevelInfo
	if opts.RecordLogLevel != "" {
		var err error
		if level, err = logging.ParseLevel(opts.RecordLogLevel); err != nil {
			logging.Warn("Invalid record_log_level %q, using info", opts.RecordLogLevel)
		}
	}
	return &Orchestrator{
		resolver: mapping.NewResolver(cfg),
		conns:    conns,
		state:    state,
		notifier: notifier,
		opts:     opts,
		logLevel: level,
		jobs:     make(map[string]*job),
	}
}

// Close cancels runs started with StartMigration or StartValidation and waits for them.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	for _, j := range o.jobs {
		j.cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// GetProcessedTables lists the source tables of the active mappings of a
// configuration, or of all active configurations when id is empty.
func (o *Orchestrator) GetProcessedTables(configurationID string) ([]string, error) {
	return o.resolver.ProcessedTables(configurationID)
}

// plan is a run whose record exists and whose mappings are resolved.
type plan struct {
	run      checkpoint.Run
	cfg      *config.Configuration
	mappings []config.TableMapping
	validate bool

	validationOnly bool
	abort          string // set when a FailOnError table stopped the run
}

func (o *Orchestrator) prepare(ctx context.Context, configurationID string, tables []string, status checkpoint.RunStatus, triggeredBy string, dryRun bool) (*plan, error) {
	cfg, err := o.resolver.Configuration(configurationID)
	if err != nil {
		return nil, err
	}
	mappings, err := o.resolver.ResolveMappings(configurationID, tables)
	if err != nil && !errors.Is(err, mapping.ErrNoActiveMappings) {
		return nil, err
	}
	if triggeredBy == "" {
		triggeredBy = "manual"
	}

	p := &plan{
		run: checkpoint.Run{
			ID:              uuid.NewString(),
			ConfigurationID: cfg.ID,
			StartTime:       time.Now().UTC(),
			Status:          status,
			TriggeredBy:     triggeredBy,
			DryRun:          dryRun,
		},
		cfg:      cfg,
		mappings: mappings,
	}
	if err := o.state.CreateRun(ctx, p.run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	return p, nil
}

// Migrate runs a migration and returns when it has finished. The returned
// result carries the run record even when an error is returned.
func (o *Orchestrator) Migrate(ctx context.Context, req MigrationRequest) (*RunResult, error) {
	p, err := o.prepare(ctx, req.ConfigurationID, req.Tables, checkpoint.RunRunning, req.TriggeredBy, req.DryRun)
	if err != nil {
		return nil, err
	}
	p.validate = req.Validate && !req.DryRun
	return o.migrate(ctx, p)
}

// StartMigration creates the run record and migrates in the background.
// The run is detached from ctx; stop it with Cancel.
func (o *Orchestrator) StartMigration(ctx context.Context, req MigrationRequest) (string, error) {
	p, err := o.prepare(ctx, req.ConfigurationID, req.Tables, checkpoint.RunRunning, req.TriggeredBy, req.DryRun)
	if err != nil {
		return "", err
	}
	p.validate = req.Validate && !req.DryRun
	o.launch(ctx, p.run.ID, func(ctx context.Context) (*RunResult, error) { return o.migrate(ctx, p) })
	return p.run.ID, nil
}

// RunValidation validates the mappings of a configuration in a run of its own.
func (o *Orchestrator) RunValidation(ctx context.Context, configurationID string, tables []string) (*RunResult, error) {
	p, err := o.prepare(ctx, configurationID, tables, checkpoint.RunValidating, "validation", false)
	if err != nil {
		return nil, err
	}
	p.validationOnly = true
	return o.validateOnly(ctx, p)
}

// StartValidation creates a validation run and executes it in the background.
func (o *Orchestrator) StartValidation(ctx context.Context, configurationID string, tables []string) (string, error) {
	p, err := o.prepare(ctx, configurationID, tables, checkpoint.RunValidating, "validation", false)
	if err != nil {
		return "", err
	}
	p.validationOnly = true
	o.launch(ctx, p.run.ID, func(ctx context.Context) (*RunResult, error) { return o.validateOnly(ctx, p) })
	return p.run.ID, nil
}

func (o *Orchestrator) launch(ctx context.Context, runID string, fn func(context.Context) (*RunResult, error)) {
	jctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j := &job{cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	o.jobs[runID] = j
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		j.result, j.err = fn(jctx)
		close(j.done)
	}()
}

// Cancel stops a background run at its next batch boundary.
// It reports false when the run is not running in this process.
func (o *Orchestrator) Cancel(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[runID]
	if !ok {
		return false
	}
	j.cancel()
	return true
}

// Wait blocks until a run has finished and returns its result. Runs not
// started by this process are read back from the recorder.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (*RunResult, error) {
	o.mu.Lock()
	j, ok := o.jobs[runID]
	o.mu.Unlock()
	if !ok {
		return o.Result(ctx, runID)
	}

	select {
	case <-j.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	o.mu.Lock()
	delete(o.jobs, runID)
	o.mu.Unlock()
	return j.result, j.err
}

// Result reads a run and its records from the recorder.
func (o *Orchestrator) Result(ctx context.Context, runID string) (*RunResult, error) {
	run, err := o.state.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	tables, err := o.state.GetTableMetrics(ctx, runID)
	if err != nil {
		return nil, err
	}
	validation, err := o.state.GetValidationResults(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunResult{Run: *run, Tables: tables, Validation: validation}, nil
}

func (o *Orchestrator) migrate(ctx context.Context, p *plan) (*RunResult, error) {
	run := &p.run
	res := &RunResult{}
	jr := o.newJournal(run.ID)

	mode := ""
	if run.DryRun {
		mode = " (dry run)"
	}
	jr.Info("Starting run %s for configuration %s%s: %d tables", run.ID, p.cfg.ID, mode, len(p.mappings))

	if len(p.mappings) == 0 {
		jr.Warn("No active table mappings for configuration %s", p.cfg.ID)
		return o.finish(ctx, p, res, nil, jr)
	}

	src, dst, err := o.endpoints(ctx, p.cfg)
	if err != nil {
		return o.finish(ctx, p, res, err, jr)
	}

	if nerr := o.notifier.RunStarted(run.ID, p.cfg.ID, p.cfg.Source, p.cfg.Destination, len(p.mappings), run.DryRun); nerr != nil {
		logging.Warn("Slack notification failed: %v", nerr)
	}

	res.Tables, err = o.transferAll(ctx, p, src, dst, jr)
	if err == nil && p.validate && ctx.Err() == nil && p.abort == "" {
		res.Validation, err = o.validateAfterTransfer(ctx, p, res.Tables, src, dst, jr)
	}
	return o.finish(ctx, p, res, err, jr)
}

func (o *Orchestrator) endpoints(ctx context.Context, cfg *config.Configuration) (driver.Database, driver.Database, error) {
	src, err := o.conns.Get(ctx, cfg.Source)
	if err != nil {
		return nil, nil, fmt.Errorf("source connection: %w", err)
	}
	dst, err := o.conns.Get(ctx, cfg.Destination)
	if err != nil {
		return nil, nil, fmt.Errorf("destination connection: %w", err)
	}
	return src, dst, nil
}

// finish computes the run totals, stores the final run record and sends the
// closing notification. fatal is a run-level error; table failures are read
// from the metrics.
func (o *Orchestrator) finish(ctx context.Context, p *plan, res *RunResult, fatal error, jr *journal) (*RunResult, error) {
	run := &p.run
	end := time.Now().UTC()
	if p.validationOnly {
		summarizeValidation(run, res.Validation, end)
	} else {
		summarize(run, res.Tables, end)
	}

	var failures []string
	for _, t := range res.Tables {
		if t.StartedAt != nil && !t.Success {
			failures = append(failures, t.TableName)
		}
	}

	switch {
	case fatal != nil:
		run.Status = checkpoint.RunFailed
		run.Error = fatal.Error()
	case ctx.Err() != nil:
		run.Status = checkpoint.RunFailed
		run.Error = ErrRunCancelled.Error()
		fatal = fmt.Errorf("%w: %w", ErrRunCancelled, context.Cause(ctx))
	case p.abort != "":
		run.Status = checkpoint.RunFailed
		run.Error = p.abort
	case run.FailedTablesCount > 0:
		run.Status = checkpoint.RunCompletedWithErrors
	default:
		run.Status = checkpoint.RunCompleted
	}
	res.Run = *run

	if err := o.state.UpdateRun(context.WithoutCancel(ctx), *run); err != nil {
		logging.Error("Recording final state of run %s: %v", run.ID, err)
		if fatal == nil {
			fatal = fmt.Errorf("recording run: %w", err)
		}
	}

	duration := end.Sub(run.StartTime)
	summary := notify.RunSummary{
		RunID:           run.ID,
		ConfigurationID: run.ConfigurationID,
		StartTime:       run.StartTime,
		Duration:        duration,
		Tables:          run.TotalTablesProcessed,
		Succeeded:       run.SuccessfulTablesCount,
		Failed:          run.FailedTablesCount,
		Rows:            run.TotalRowsProcessed,
		Throughput:      run.AverageRowsPerSecond,
		DryRun:          run.DryRun,
	}
	var nerr error
	switch run.Status {
	case checkpoint.RunFailed:
		jr.Error(errors.New(run.Error), "Run %s failed", run.ID)
		nerr = o.notifier.RunFailed(run.ID, errors.New(run.Error), duration)
	case checkpoint.RunCompletedWithErrors:
		jr.Warn("Run %s completed with errors: %d of %d tables failed", run.ID, run.FailedTablesCount, run.TotalTablesProcessed)
		nerr = o.notifier.RunCompletedWithErrors(summary, failures)
	default:
		jr.Info("Run %s completed: %d tables, %d rows in %s (%.0f rows/sec)",
			run.ID, run.TotalTablesProcessed, run.TotalRowsProcessed, duration.Round(time.Millisecond), run.AverageRowsPerSecond)
		nerr = o.notifier.RunCompleted(summary)
	}
	if nerr != nil {
		logging.Warn("Slack notification failed: %v", nerr)
	}
	return res, fatal
}

// summarize fills the run totals from the table metrics.
func summarize(run *checkpoint.Run, metrics []checkpoint.TableMetric, end time.Time) {
	run.EndTime = &end
	run.ElapsedMs = end.Sub(run.StartTime).Milliseconds()
	run.TotalTablesProcessed, run.SuccessfulTablesCount, run.FailedTablesCount = 0, 0, 0
	run.TotalRowsProcessed = 0
	for _, t := range metrics {
		run.TotalRowsProcessed += t.RowsProcessed
		if t.StartedAt == nil {
			continue
		}
		run.TotalTablesProcessed++
		if t.Success {
			run.SuccessfulTablesCount++
		} else {
			run.FailedTablesCount++
		}
	}
	run.AverageRowsPerSecond = 0
	if run.ElapsedMs > 0 {
		run.AverageRowsPerSecond = float64(run.TotalRowsProcessed) / (float64(run.ElapsedMs) / 1000)
	}
}
