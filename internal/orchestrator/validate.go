package orchestrator

import (
	"context"
	"time"

	"github.com/samber/lo"

	"github.com/johndauphine/tablesync/internal/checkpoint"
	"github.com/johndauphine/tablesync/internal/config"
	"github.com/johndauphine/tablesync/internal/driver"
	"github.com/johndauphine/tablesync/internal/validation"
)

// validateAfterTransfer validates the tables that completed in this run.
func (o *Orchestrator) validateAfterTransfer(ctx context.Context, p *plan, metrics []checkpoint.TableMetric, src, dst driver.Database, jr *journal) ([]checkpoint.ValidationResult, error) {
	completed := lo.Filter(p.mappings, func(_ config.TableMapping, i int) bool {
		return metrics[i].Status == checkpoint.TableCompleted
	})
	if len(completed) == 0 {
		return nil, nil
	}

	p.run.Status = checkpoint.RunValidating
	if err := o.state.UpdateRun(ctx, p.run); err != nil {
		return nil, &recordError{what: "run", err: err}
	}
	return o.validate(ctx, p, completed, src, dst, jr)
}

// validateOnly executes a standalone validation run.
func (o *Orchestrator) validateOnly(ctx context.Context, p *plan) (*RunResult, error) {
	res := &RunResult{}
	jr := o.newJournal(p.run.ID)
	jr.Info("Starting validation run %s for configuration %s: %d tables", p.run.ID, p.cfg.ID, len(p.mappings))

	if len(p.mappings) == 0 {
		jr.Warn("No active table mappings for configuration %s", p.cfg.ID)
		return o.finish(ctx, p, res, nil, jr)
	}

	src, dst, err := o.endpoints(ctx, p.cfg)
	if err != nil {
		return o.finish(ctx, p, res, err, jr)
	}
	res.Validation, err = o.validate(ctx, p, p.mappings, src, dst, jr)
	return o.finish(ctx, p, res, err, jr)
}

func (o *Orchestrator) validate(ctx context.Context, p *plan, mappings []config.TableMapping, src, dst driver.Database, jr *journal) ([]checkpoint.ValidationResult, error) {
	engine := validation.New(src, dst, o.opts.ChecksumSampleSize, o.opts.Workers)
	results, err := engine.Validate(ctx, p.run.ID, mappings)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, err
	}

	for _, r := range results {
		if err := o.state.SaveValidationResult(context.WithoutCancel(ctx), r); err != nil {
			return results, &recordError{what: "validation result", err: err}
		}
		switch {
		case r.Success:
			jr.Debug("Validation %s on %s passed: %s", r.ValidationType, r.TableName, r.Details)
		case r.ErrorMessage != "":
			jr.Warn("Validation %s on %s could not run: %s", r.ValidationType, r.TableName, r.ErrorMessage)
		default:
			jr.Warn("Validation %s on %s failed: %s", r.ValidationType, r.TableName, r.Details)
			if nerr := o.notifier.ValidationMismatch(p.run.ID, r.TableName, string(r.ValidationType), r.Details); nerr != nil {
				jr.Warn("Slack notification failed: %v", nerr)
			}
		}
	}

	if validation.Passed(results) {
		jr.Info("Validation passed for %d tables", len(mappings))
	}
	return results, nil
}

// summarizeValidation fills the totals of a validation run: a table succeeds
// when all of its checks pass.
func summarizeValidation(run *checkpoint.Run, results []checkpoint.ValidationResult, end time.Time) {
	run.EndTime = &end
	run.ElapsedMs = end.Sub(run.StartTime).Milliseconds()

	passed := make(map[string]bool)
	for _, r := range results {
		ok, seen := passed[r.TableName]
		passed[r.TableName] = r.Success && (ok || !seen)
	}
	run.TotalTablesProcessed = len(passed)
	run.SuccessfulTablesCount = len(lo.PickByValues(passed, []bool{true}))
	run.FailedTablesCount = run.TotalTablesProcessed - run.SuccessfulTablesCount
}
