package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/johndauphine/tablesync/internal/config"
	"github.com/johndauphine/tablesync/internal/logging"
)

// MaxRetries is the number of retries after the first failed attempt of a
// state operation.
const MaxRetries = 3

// Retrying wraps a Backend and retries failed operations with exponential
// backoff. Regressions and unknown runs are returned immediately.
type Retrying struct {
	Backend
	newBackOff func() backoff.BackOff
}

// WithRetry wraps b with the default policy.
func WithRetry(b Backend) *Retrying {
	return WithRetryPolicy(b, func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), MaxRetries)
	})
}

// WithRetryPolicy wraps b with a custom backoff factory.
func WithRetryPolicy(b Backend, newBackOff func() backoff.BackOff) *Retrying {
	return &Retrying{Backend: b, newBackOff: newBackOff}
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	operation := func() error {
		err := fn()
		if err != nil && isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(r.newBackOff(), ctx)
	err := backoff.RetryNotify(operation, b, func(err error, t time.Duration) {
		logging.Warn("state %s failed, retrying in %v: %v", op, t, err)
	})
	if err != nil && !isPermanent(err) {
		return fmt.Errorf("state %s: %w", op, err)
	}
	return err
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrWatermarkRegression) || errors.Is(err, ErrRunNotFound)
}

func (r *Retrying) GetWatermark(ctx context.Context, configID string, m config.TableMapping) (any, bool, error) {
	var (
		value any
		found bool
	)
	err := r.do(ctx, "get watermark", func() error {
		var err error
		value, found, err = r.Backend.GetWatermark(ctx, configID, m)
		return err
	})
	return value, found, err
}

func (r *Retrying) AdvanceWatermark(ctx context.Context, configID string, m config.TableMapping, value any) error {
	return r.do(ctx, "advance watermark", func() error {
		return r.Backend.AdvanceWatermark(ctx, configID, m, value)
	})
}

func (r *Retrying) ResetWatermark(ctx context.Context, configID, mappingID string) error {
	return r.do(ctx, "reset watermark", func() error {
		return r.Backend.ResetWatermark(ctx, configID, mappingID)
	})
}

func (r *Retrying) CreateRun(ctx context.Context, run Run) error {
	return r.do(ctx, "create run", func() error {
		return r.Backend.CreateRun(ctx, run)
	})
}

func (r *Retrying) UpdateRun(ctx context.Context, run Run) error {
	return r.do(ctx, "update run", func() error {
		return r.Backend.UpdateRun(ctx, run)
	})
}

func (r *Retrying) SaveTableMetric(ctx context.Context, m TableMetric) error {
	return r.do(ctx, "save table metric", func() error {
		return r.Backend.SaveTableMetric(ctx, m)
	})
}

func (r *Retrying) AppendLog(ctx context.Context, e LogEntry) error {
	return r.do(ctx, "append log", func() error {
		return r.Backend.AppendLog(ctx, e)
	})
}

func (r *Retrying) SaveValidationResult(ctx context.Context, v ValidationResult) error {
	return r.do(ctx, "save validation result", func() error {
		return r.Backend.SaveValidationResult(ctx, v)
	})
}
