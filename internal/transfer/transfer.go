// Package transfer moves one batch at a time from a source table to a
// destination table: Extractor reads a bounded, ordered page and Loader
// upserts it.
package transfer

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/johndauphine/tablesync/internal/config"
	"github.com/johndauphine/tablesync/internal/driver"
)

// Cursor is the position of the next batch. Value is the watermark compared
// with Operator; Skip counts rows already read at exactly Value (or, without
// a watermark, rows already read in total).
type Cursor struct {
	Value    any
	Operator config.CompareOperator
	Skip     int64
}

// StartCursor returns the cursor of the first batch of a run.
func StartCursor(m config.TableMapping, watermark any) Cursor {
	if !m.IsIncremental() {
		return Cursor{}
	}
	return Cursor{Value: watermark, Operator: m.IncrementalCompareOperator}
}

// Batch is one page read from the source.
type Batch struct {
	Rows         [][]any // aligned with the mapping's source columns
	MaxWatermark any     // nil for non-incremental mappings or all-NULL batches
	// Checkpoint is the watermark that may be stored after this batch: every
	// source row the next run's predicate would exclude has been read. It
	// trails MaxWatermark under ">" while rows at the maximum may continue
	// into the next page. nil keeps the stored watermark.
	Checkpoint any
	HasMore    bool
	Next       Cursor
}

// Extractor reads batches from a source database.
type Extractor struct {
	db      driver.Database
	timeout time.Duration
}

// NewExtractor creates an extractor over src. A zero timeout disables the per-batch deadline.
func NewExtractor(src driver.Database, timeout time.Duration) *Extractor {
	return &Extractor{db: src, timeout: timeout}
}

// selectColumns returns the columns to read and the index of the incremental
// column in that list (-1 when not incremental).
func selectColumns(m config.TableMapping) ([]string, int) {
	cols := lo.Map(m.Columns, func(c config.ColumnMapping, _ int) string { return c.Source })
	if !m.IsIncremental() {
		return cols, -1
	}
	for i, c := range cols {
		if strings.EqualFold(c, m.IncrementalColumn) {
			return cols, i
		}
	}
	return append(cols, m.IncrementalColumn), len(cols)
}

// orderColumns returns the ORDER BY list. Incremental mappings order on the
// incremental column first so that paging by tie count is exact.
func orderColumns(m config.TableMapping) []string {
	var order []string
	if m.IsIncremental() {
		order = append(order, m.IncrementalColumn)
	}
	if m.OrderByColumn != "" {
		order = append(order, m.OrderByColumn)
	}
	for _, k := range m.KeyColumns() {
		order = append(order, k.Source)
	}
	return lo.UniqBy(order, strings.ToLower)
}

func filterFor(m config.TableMapping, cur Cursor) *driver.Predicate {
	if !m.IsIncremental() || cur.Value == nil {
		return nil
	}
	op := cur.Operator
	if op == "" {
		op = m.IncrementalCompareOperator
	}
	return &driver.Predicate{Column: m.IncrementalColumn, Operator: string(op), Value: cur.Value}
}

// ExtractBatch reads up to batchSize rows after cur.
func (e *Extractor) ExtractBatch(ctx context.Context, m config.TableMapping, cur Cursor, batchSize int) (*Batch, error) {
	if batchSize <= 0 {
		return nil, &ExtractionError{Table: m.SourceName(), Err: fmt.Errorf("batch size must be positive, got %d", batchSize)}
	}

	cols, incIdx := selectColumns(m)
	query, args := e.db.Dialect().BuildExtractQuery(driver.ExtractQuery{
		Schema:      m.SourceSchema,
		Table:       m.SourceTable,
		Columns:     cols,
		Filter:      filterFor(m, cur),
		CustomWhere: m.CustomWhereClause,
		OrderBy:     orderColumns(m),
		Limit:       batchSize,
		Offset:      cur.Skip,
	})

	qctx, cancel := e.withTimeout(ctx)
	defer cancel()

	rows, err := e.db.DB().QueryContext(qctx, query, args...)
	if err != nil {
		return nil, e.wrap(qctx, m, err)
	}
	defer rows.Close()

	data, err := scanRows(rows)
	if err != nil {
		return nil, e.wrap(qctx, m, err)
	}

	batch := &Batch{HasMore: len(data) == batchSize}
	if incIdx >= 0 {
		var below any
		batch.MaxWatermark, below, batch.Next, err = advanceCursor(m, cur, data, incIdx)
		if err != nil {
			return nil, &ExtractionError{Table: m.SourceName(), Err: err}
		}
		batch.Checkpoint = batch.MaxWatermark
		if batch.HasMore && m.CompareOperator() == config.OpGreater {
			batch.Checkpoint = below
		}
		if incIdx == len(m.Columns) {
			for i := range data {
				data[i] = data[i][:incIdx]
			}
		}
	} else {
		batch.Next = Cursor{Skip: cur.Skip + int64(len(data))}
	}
	batch.Rows = data
	return batch, nil
}

// advanceCursor finds the batch maximum, the largest value strictly below it
// and the cursor that resumes right after the maximum.
func advanceCursor(m config.TableMapping, cur Cursor, data [][]any, incIdx int) (maxV, below any, next Cursor, err error) {
	var ties int64
	for _, row := range data {
		if row[incIdx] == nil {
			continue
		}
		v, err := m.IncrementalType.Normalize(row[incIdx])
		if err != nil {
			return nil, nil, cur, err
		}
		switch {
		case maxV == nil:
			maxV, ties = v, 1
		case config.Compare(v, maxV) > 0:
			below, maxV, ties = maxV, v, 1
		case config.Compare(v, maxV) == 0:
			ties++
		case below == nil || config.Compare(v, below) > 0:
			below = v
		}
	}

	if maxV == nil {
		next = cur
		next.Skip += int64(len(data))
		return nil, nil, next, nil
	}

	next = Cursor{Value: maxV, Operator: config.OpGreaterOrEqual, Skip: ties}
	if cur.Value != nil && cur.Operator == config.OpGreaterOrEqual {
		if prev, err := m.IncrementalType.Normalize(cur.Value); err == nil && config.Compare(prev, maxV) == 0 {
			next.Skip += cur.Skip
		}
	}
	return maxV, below, next, nil
}

// EstimateRows counts the rows a run starting at cur would read.
func (e *Extractor) EstimateRows(ctx context.Context, m config.TableMapping, cur Cursor) (int64, error) {
	query, args := e.db.Dialect().BuildCountQuery(driver.CountQuery{
		Schema:      m.SourceSchema,
		Table:       m.SourceTable,
		Filter:      filterFor(m, cur),
		CustomWhere: m.CustomWhereClause,
	})

	qctx, cancel := e.withTimeout(ctx)
	defer cancel()

	var n int64
	if err := e.db.DB().QueryRowContext(qctx, query, args...).Scan(&n); err != nil {
		return 0, e.wrap(qctx, m, err)
	}
	return n, nil
}

func (e *Extractor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

func (e *Extractor) wrap(qctx context.Context, m config.TableMapping, err error) error {
	return &ExtractionError{
		Table:   m.SourceName(),
		Err:     err,
		Timeout: errors.Is(qctx.Err(), context.DeadlineExceeded),
	}
}

// scanRows scans database rows into a slice of values with proper type handling.
func scanRows(rows *sql.Rows) ([][]any, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	colTypes := make([]string, len(types))
	for i, ct := range types {
		colTypes[i] = strings.ToLower(ct.DatabaseTypeName())
	}

	var result [][]any
	// Reuse pointers slice to avoid allocation per row
	ptrs := make([]any, len(colTypes))
	for rows.Next() {
		row := make([]any, len(colTypes))
		for i := range row {
			ptrs[i] = &row[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, val := range row {
			row[i] = processValue(val, colTypes[i])
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// processValue normalizes driver-specific representations so that any
// destination can accept them.
func processValue(val any, colType string) any {
	if val == nil {
		return nil
	}

	switch colType {
	case "uniqueidentifier":
		switch v := val.(type) {
		case []byte:
			if len(v) == 16 {
				return formatUUID(v)
			}
			return string(v)
		}
	case "bit":
		switch v := val.(type) {
		case int64:
			return v != 0
		case int:
			return v != 0
		}
	case "datetime", "datetime2", "smalldatetime", "datetimeoffset":
		if v, ok := val.(time.Time); ok && v.Year() < 1 {
			return nil
		}
	}

	return val
}

// formatUUID converts SQL Server GUID bytes to UUID string
func formatUUID(b []byte) string {
	if len(b) != 16 {
		return hex.EncodeToString(b)
	}
	// SQL Server stores GUIDs in mixed-endian format
	return fmt.Sprintf("%02x%02x%02x%02x-%02x%02x-%02x%02x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		b[3], b[2], b[1], b[0],
		b[5], b[4],
		b[7], b[6],
		b[8], b[9],
		b[10], b[11], b[12], b[13], b[14], b[15])
}
