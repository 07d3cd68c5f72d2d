package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/johndauphine/tablesync/internal/driver"
)

// PostgreSQL has a limit of 65535 parameters per statement.
const maxParams = 65000

// Writer implements driver.Writer with batched INSERT ... ON CONFLICT DO UPDATE.
type Writer struct {
	pool    *pgxpool.Pool
	dialect *Dialect
}

// UpsertBatch writes rows in one transaction using multi-row VALUES upserts.
func (w *Writer) UpsertBatch(ctx context.Context, target driver.WriteTarget, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(target.KeyColumns) == 0 {
		return 0, fmt.Errorf("upsert requires key columns")
	}

	chunkSize := maxParams / len(target.Columns)
	if chunkSize < 1 {
		chunkSize = 1
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if target.Options.TableLock {
		lockSQL := fmt.Sprintf("LOCK TABLE %s IN SHARE ROW EXCLUSIVE MODE",
			w.dialect.QualifyTable(target.Schema, target.Table))
		if _, err := tx.Exec(ctx, lockSQL); err != nil {
			return 0, fmt.Errorf("locking table: %w", err)
		}
	}

	for i := 0; i < len(rows); i += chunkSize {
		end := min(i+chunkSize, len(rows))
		upsertSQL, args := buildUpsertSQL(w.dialect, target, rows[i:end])
		if _, err := tx.Exec(ctx, upsertSQL, args...); err != nil {
			return 0, fmt.Errorf("executing batched upsert: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return int64(len(rows)), nil
}

// buildUpsertSQL generates a batched upsert with multi-row VALUES:
//
//	INSERT INTO schema.table (cols) [OVERRIDING SYSTEM VALUE] VALUES ($1, ...), (...)
//	ON CONFLICT (keys) DO UPDATE SET col = EXCLUDED.col, ...
//	WHERE (table.col, ...) IS DISTINCT FROM (EXCLUDED.col, ...)
//
// With KeepNulls off, NULL values are written as DEFAULT, which EXCLUDED
// carries into the update of an existing row.
func buildUpsertSQL(d *Dialect, target driver.WriteTarget, rows [][]any) (string, []any) {
	numCols := len(target.Columns)
	args := make([]any, 0, len(rows)*numCols)
	tuples := make([]string, len(rows))

	for r, row := range rows {
		row = driver.ConvertRow(row)
		params := make([]string, numCols)
		for c := range target.Columns {
			if row[c] == nil && !target.Options.KeepNulls {
				params[c] = "DEFAULT"
				continue
			}
			args = append(args, row[c])
			params[c] = d.ParameterPlaceholder(len(args))
		}
		tuples[r] = "(" + strings.Join(params, ", ") + ")"
	}

	var setClauses, targetCols, excludedCols []string
	for _, col := range target.Columns {
		if target.IsKey(col) {
			continue
		}
		q := d.QuoteIdentifier(col)
		setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
		targetCols = append(targetCols, d.QuoteIdentifier(target.Table)+"."+q)
		excludedCols = append(excludedCols, "EXCLUDED."+q)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s)",
		d.QualifyTable(target.Schema, target.Table), d.ColumnList(target.Columns))
	if target.Options.KeepIdentity && len(target.IdentityColumns) > 0 {
		sb.WriteString(" OVERRIDING SYSTEM VALUE")
	}
	fmt.Fprintf(&sb, " VALUES %s ON CONFLICT (%s)",
		strings.Join(tuples, ", "), d.ColumnList(target.KeyColumns))

	if len(setClauses) > 0 {
		fmt.Fprintf(&sb, " DO UPDATE SET %s WHERE (%s) IS DISTINCT FROM (%s)",
			strings.Join(setClauses, ", "),
			strings.Join(targetCols, ", "),
			strings.Join(excludedCols, ", "))
	} else {
		// All columns are keys
		sb.WriteString(" DO NOTHING")
	}

	return sb.String(), args
}
