package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/johndauphine/tablesync/internal/driver"
)

// Writer implements driver.Writer with INSERT ... ON CONFLICT DO UPDATE.
type Writer struct {
	db      *sql.DB
	dialect *Dialect
}

// UpsertBatch upserts rows one statement per row inside a single transaction.
// With KeepNulls off, NULL values are left out of the insert so the column
// default applies, and an existing row takes that default too.
func (w *Writer) UpsertBatch(ctx context.Context, target driver.WriteTarget, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(target.KeyColumns) == 0 {
		return 0, fmt.Errorf("upsert requires key columns")
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmts := make(map[string]*sql.Stmt)
	defer func() {
		for _, s := range stmts {
			s.Close()
		}
	}()

	for _, row := range rows {
		cols, args := target.Columns, row
		if !target.Options.KeepNulls {
			cols, args = dropNulls(target, row)
		}

		key := strings.Join(cols, "\x00")
		stmt, ok := stmts[key]
		if !ok {
			stmt, err = tx.PrepareContext(ctx, w.buildUpsertSQL(target, cols))
			if err != nil {
				return 0, fmt.Errorf("preparing upsert: %w", err)
			}
			stmts[key] = stmt
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("executing upsert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return int64(len(rows)), nil
}

// dropNulls removes NULL non-key values from a row and its column list.
func dropNulls(target driver.WriteTarget, row []any) ([]string, []any) {
	cols := make([]string, 0, len(row))
	args := make([]any, 0, len(row))
	for i, v := range row {
		if v == nil && !target.IsKey(target.Columns[i]) {
			continue
		}
		cols = append(cols, target.Columns[i])
		args = append(args, v)
	}
	return cols, args
}

func (w *Writer) buildUpsertSQL(target driver.WriteTarget, cols []string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

	// excluded holds the default of every column left out of the insert
	var sets []string
	for _, c := range target.Columns {
		if target.IsKey(c) {
			continue
		}
		q := w.dialect.QuoteIdentifier(c)
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", q, q))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s)",
		w.dialect.QualifyTable(target.Schema, target.Table),
		w.dialect.ColumnList(cols),
		placeholders,
		w.dialect.ColumnList(target.KeyColumns))
	if len(sets) == 0 {
		sb.WriteString(" DO NOTHING")
	} else {
		sb.WriteString(" DO UPDATE SET " + strings.Join(sets, ", "))
	}
	return sb.String()
}
