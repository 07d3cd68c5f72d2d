package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/johndauphine/tablesync/internal/config"
	"github.com/johndauphine/tablesync/internal/driver"
)

// Loader upserts batches into a destination database.
type Loader struct {
	db      driver.Database
	timeout time.Duration
}

// NewLoader creates a loader over dst. The mapping's bulk copy timeout, when
// set, overrides defaultTimeout.
func NewLoader(dst driver.Database, defaultTimeout time.Duration) *Loader {
	return &Loader{db: dst, timeout: defaultTimeout}
}

// Target builds the write description of a mapping. Identity columns are
// dropped unless KeepIdentity is set. The returned index list selects the
// kept positions of a source-aligned row.
func Target(m config.TableMapping) (driver.WriteTarget, []int) {
	t := driver.WriteTarget{
		Schema: m.DestinationSchema,
		Table:  m.DestinationTable,
		Options: driver.WriteOptions{
			KeepIdentity: m.BulkCopy.KeepIdentity,
			KeepNulls:    m.BulkCopy.KeepNulls,
			TableLock:    m.BulkCopy.TableLock,
		},
	}
	var keep []int
	for i, c := range m.Columns {
		if c.IsIdentity && !m.BulkCopy.KeepIdentity {
			continue
		}
		keep = append(keep, i)
		t.Columns = append(t.Columns, c.Destination)
		if c.IsKey {
			t.KeyColumns = append(t.KeyColumns, c.Destination)
		}
		if c.IsIdentity {
			t.IdentityColumns = append(t.IdentityColumns, c.Destination)
		}
	}
	return t, keep
}

// LoadBatch upserts rows (aligned with the mapping's source columns) and
// returns the number of rows written.
func (l *Loader) LoadBatch(ctx context.Context, m config.TableMapping, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	target, keep := Target(m)
	if len(target.KeyColumns) == 0 {
		return 0, &LoadError{Table: m.DestinationName(), Err: fmt.Errorf("no key columns")}
	}
	projected := lo.Map(rows, func(row []any, _ int) []any {
		return driver.ConvertRow(lo.Map(keep, func(i int, _ int) any { return row[i] }))
	})

	timeout := l.timeout
	if m.BulkCopy.Timeout > 0 {
		timeout = m.BulkCopy.Timeout
	}
	wctx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		wctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	n, err := l.db.Writer().UpsertBatch(wctx, target, projected)
	if err != nil {
		return n, &LoadError{
			Table:   m.DestinationName(),
			Err:     err,
			Timeout: errors.Is(wctx.Err(), context.DeadlineExceeded),
		}
	}
	return n, nil
}
