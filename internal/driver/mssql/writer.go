package mssql

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/johndauphine/tablesync/internal/driver"
	"github.com/johndauphine/tablesync/internal/logging"
	mssql "github.com/microsoft/go-mssqldb"
)

// Writer implements driver.Writer using a #staging table, TDS bulk copy and MERGE.
type Writer struct {
	db      *sql.DB
	dialect *Dialect
}

// UpsertBatch bulk-copies rows into a session temp table and merges them
// into the target on the key columns. All statements run on one pinned
// connection because #temp tables are session scoped.
func (w *Writer) UpsertBatch(ctx context.Context, target driver.WriteTarget, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(target.KeyColumns) == 0 {
		return 0, fmt.Errorf("upsert requires key columns")
	}

	conn, err := w.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Close()

	targetTable := w.dialect.QualifyTable(target.Schema, target.Table)
	stagingTable := stagingName(target.Schema, target.Table)
	cols := w.dialect.ColumnList(target.Columns)

	// UNION ALL keeps the IDENTITY property off the staging copy so that
	// explicit key values survive the bulk insert.
	createSQL := fmt.Sprintf(`IF OBJECT_ID('tempdb..%[1]s') IS NOT NULL DROP TABLE %[1]s;
SELECT TOP 0 %[2]s INTO %[1]s FROM %[3]s UNION ALL SELECT TOP 0 %[2]s FROM %[3]s`,
		stagingTable, cols, targetTable)
	if _, err := conn.ExecContext(ctx, createSQL); err != nil {
		return 0, fmt.Errorf("creating staging table: %w", err)
	}

	if err := w.bulkInsertToTemp(ctx, conn, stagingTable, target, rows); err != nil {
		return 0, fmt.Errorf("bulk insert to staging: %w", err)
	}

	var defaults map[string]string
	if !target.Options.KeepNulls {
		defaults, err = w.columnDefaults(ctx, conn, target.Schema, target.Table)
		if err != nil {
			return 0, fmt.Errorf("reading column defaults: %w", err)
		}
	}

	mergeSQL := buildMergeSQL(w.dialect, target, stagingTable, defaults)
	identityInsert := target.Options.KeepIdentity && len(target.IdentityColumns) > 0
	if err := executeMergeWithRetry(ctx, conn, targetTable, mergeSQL, identityInsert, 3); err != nil {
		return 0, fmt.Errorf("merge failed: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "DROP TABLE "+stagingTable); err != nil {
		logging.Debug("Dropping %s: %v", stagingTable, err)
	}
	return int64(len(rows)), nil
}

func stagingName(schema, table string) string {
	hash := sha256.Sum256([]byte(schema + "." + table))
	return fmt.Sprintf("#stg_%x", hash[:8])
}

func (w *Writer) bulkInsertToTemp(ctx context.Context, conn *sql.Conn, tempTable string, target driver.WriteTarget, rows [][]any) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(tempTable, mssql.BulkOptions{
		KeepNulls:    true,
		RowsPerBatch: len(rows),
		Tablock:      true,
	}, target.Columns...))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, driver.ConvertRow(row)...); err != nil {
			return err
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		return err
	}

	return tx.Commit()
}

// columnDefaults returns default constraint expressions keyed by column name.
func (w *Writer) columnDefaults(ctx context.Context, conn *sql.Conn, schema, table string) (map[string]string, error) {
	query := `
		SELECT c.name, dc.definition
		FROM sys.default_constraints dc
		JOIN sys.columns c ON dc.parent_object_id = c.object_id AND dc.parent_column_id = c.column_id
		WHERE dc.parent_object_id = OBJECT_ID(@p1)`

	rows, err := conn.QueryContext(ctx, query, w.dialect.QualifyTable(schema, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	defaults := make(map[string]string)
	for rows.Next() {
		var name, def string
		if err := rows.Scan(&name, &def); err != nil {
			return nil, err
		}
		defaults[strings.ToLower(name)] = def
	}
	return defaults, rows.Err()
}

// buildMergeSQL merges staging rows into the target. Matched rows are only
// updated when a non-key column changed. Columns listed in defaults get
// COALESCE(source.col, default) on insert and update.
func buildMergeSQL(d *Dialect, target driver.WriteTarget, stagingTable string, defaults map[string]string) string {
	var onClauses []string
	for _, k := range target.KeyColumns {
		q := d.QuoteIdentifier(k)
		onClauses = append(onClauses, fmt.Sprintf("target.%s = source.%s", q, q))
	}

	var setClauses, changeDetection []string
	sourceCols := make([]string, len(target.Columns))
	for i, col := range target.Columns {
		q := d.QuoteIdentifier(col)
		v := "source." + q
		if def, ok := defaults[strings.ToLower(col)]; ok {
			v = fmt.Sprintf("COALESCE(source.%s, %s)", q, def)
		}
		sourceCols[i] = v
		if target.IsKey(col) {
			continue
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = %s", q, v))
		changeDetection = append(changeDetection, fmt.Sprintf(
			"(target.%s <> %s OR "+
				"(target.%s IS NULL AND %s IS NOT NULL) OR "+
				"(target.%s IS NOT NULL AND %s IS NULL))",
			q, v, q, v, q, v))
	}

	hint := ""
	if target.Options.TableLock {
		hint = " WITH (TABLOCK)"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "MERGE INTO %s%s AS target\n", d.QualifyTable(target.Schema, target.Table), hint)
	fmt.Fprintf(&sb, "USING %s AS source\n", stagingTable)
	fmt.Fprintf(&sb, "ON %s\n", strings.Join(onClauses, " AND "))
	if len(setClauses) > 0 {
		fmt.Fprintf(&sb, "WHEN MATCHED AND (%s) THEN UPDATE SET %s\n",
			strings.Join(changeDetection, " OR "),
			strings.Join(setClauses, ", "))
	}
	fmt.Fprintf(&sb, "WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);",
		d.ColumnList(target.Columns),
		strings.Join(sourceCols, ", "))
	return sb.String()
}

func executeMergeWithRetry(ctx context.Context, conn *sql.Conn, targetTable, mergeSQL string, identityInsert bool, maxRetries int) error {
	const baseDelayMs = 200

	for attempt := 1; attempt <= maxRetries; attempt++ {
		var err error

		if identityInsert {
			if _, err = conn.ExecContext(ctx, fmt.Sprintf("SET IDENTITY_INSERT %s ON", targetTable)); err != nil {
				return fmt.Errorf("enabling identity insert: %w", err)
			}
			_, err = conn.ExecContext(ctx, mergeSQL)
			if _, disableErr := conn.ExecContext(ctx, fmt.Sprintf("SET IDENTITY_INSERT %s OFF", targetTable)); disableErr != nil {
				logging.Warn("Failed to disable IDENTITY_INSERT on %s: %v", targetTable, disableErr)
			}
		} else {
			_, err = conn.ExecContext(ctx, mergeSQL)
		}

		if err == nil {
			return nil
		}

		// Deadlock victims are retried at statement level; any other error
		// fails the batch.
		if !isDeadlockError(err) || attempt == maxRetries {
			return err
		}

		logging.Warn("Deadlock on %s, retry %d/%d", targetTable, attempt, maxRetries)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(baseDelayMs*attempt) * time.Millisecond):
		}
	}

	return fmt.Errorf("merge failed after %d retries", maxRetries)
}

func isDeadlockError(err error) bool {
	if err == nil {
		return false
	}

	if mssqlErr, ok := err.(interface{ SQLErrorNumber() int32 }); ok {
		return mssqlErr.SQLErrorNumber() == 1205
	}

	errStr := err.Error()
	return strings.Contains(errStr, "deadlock") || strings.Contains(errStr, "1205")
}
