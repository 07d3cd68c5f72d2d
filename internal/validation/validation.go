// Package validation compares source and destination tables after a run.
// It only reads: a mismatch is reported as a failed result and never changes
// watermarks or destination rows.
package validation

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/johndauphine/tablesync/internal/checkpoint"
	"github.com/johndauphine/tablesync/internal/config"
	"github.com/johndauphine/tablesync/internal/driver"
	"github.com/johndauphine/tablesync/internal/logging"
	"github.com/johndauphine/tablesync/internal/transfer"
)

// DefaultSampleSize is the number of rows hashed per side by the checksum check.
const DefaultSampleSize = 100

// Engine runs row count and checksum checks.
type Engine struct {
	src, dst   driver.Database
	sampleSize int
	workers    int
}

// New creates an engine comparing src against dst.
func New(src, dst driver.Database, sampleSize, workers int) *Engine {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	if workers <= 0 {
		workers = 1
	}
	return &Engine{src: src, dst: dst, sampleSize: sampleSize, workers: workers}
}

// Validate checks every mapping and returns the results in mapping order,
// RowCount before Checksum. The error is non-nil only when ctx ends.
func (e *Engine) Validate(ctx context.Context, runID string, mappings []config.TableMapping) ([]checkpoint.ValidationResult, error) {
	results := make([][]checkpoint.ValidationResult, len(mappings))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, m := range mappings {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = []checkpoint.ValidationResult{
				e.RowCount(gctx, runID, m),
				e.Checksum(gctx, runID, m),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return lo.Flatten(results), nil
}

// Passed reports whether every result succeeded.
func Passed(results []checkpoint.ValidationResult) bool {
	return lo.EveryBy(results, func(r checkpoint.ValidationResult) bool { return r.Success })
}

// scope holds the predicates that select the rows a migration copies: the
// start value under the mapping's operator on both sides, plus the custom
// WHERE on the source.
type scope struct {
	src, dst *driver.Predicate
	note     string
}

func scopeFor(m config.TableMapping) (scope, error) {
	start, err := m.StartValue()
	if err != nil || start == nil {
		return scope{}, err
	}
	op := string(m.CompareOperator())
	sc := scope{src: &driver.Predicate{Column: m.IncrementalColumn, Operator: op, Value: start}}
	if col, ok := m.DestinationColumnFor(m.IncrementalColumn); ok {
		sc.dst = &driver.Predicate{Column: col, Operator: op, Value: start}
	} else {
		sc.note = " (destination unfiltered: incremental column not mapped)"
	}
	return sc, nil
}

// RowCount compares row counts. An incremental mapping with a start value
// only counts rows past the start value on both sides.
func (e *Engine) RowCount(ctx context.Context, runID string, m config.TableMapping) checkpoint.ValidationResult {
	res := checkpoint.ValidationResult{RunID: runID, TableName: m.SourceName(), ValidationType: checkpoint.ValidationRowCount}

	sc, err := scopeFor(m)
	if err != nil {
		res.ErrorMessage = err.Error()
		return res
	}

	srcCount, err := count(ctx, e.src, driver.CountQuery{
		Schema: m.SourceSchema, Table: m.SourceTable, Filter: sc.src, CustomWhere: m.CustomWhereClause,
	})
	if err != nil {
		res.ErrorMessage = fmt.Sprintf("source count: %v", err)
		return res
	}
	dstCount, err := count(ctx, e.dst, driver.CountQuery{
		Schema: m.DestinationSchema, Table: m.DestinationTable, Filter: sc.dst,
	})
	if err != nil {
		res.ErrorMessage = fmt.Sprintf("destination count: %v", err)
		return res
	}

	res.Success = srcCount == dstCount
	res.Details = fmt.Sprintf("source=%d destination=%d", srcCount, dstCount) + sc.note
	if !res.Success {
		logging.Warn("Row count mismatch for %s: source=%d destination=%d", m.SourceName(), srcCount, dstCount)
	}
	return res
}

func count(ctx context.Context, db driver.Database, q driver.CountQuery) (int64, error) {
	query, args := db.Dialect().BuildCountQuery(q)
	var n int64
	err := db.DB().QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// Checksum hashes the first sampleSize migrated rows of both sides in key
// order and compares the hashes row by row, matched on key values.
func (e *Engine) Checksum(ctx context.Context, runID string, m config.TableMapping) checkpoint.ValidationResult {
	res := checkpoint.ValidationResult{RunID: runID, TableName: m.SourceName(), ValidationType: checkpoint.ValidationChecksum}

	target, keep := transfer.Target(m)
	srcCols := lo.Map(keep, func(i int, _ int) string { return m.Columns[i].Source })
	srcKeys := lo.Map(m.KeyColumns(), func(c config.ColumnMapping, _ int) string { return c.Source })
	keyIdx := lo.FilterMap(target.Columns, func(col string, i int) (int, bool) { return i, target.IsKey(col) })

	sc, err := scopeFor(m)
	if err != nil {
		res.ErrorMessage = err.Error()
		return res
	}

	srcRows, err := sample(ctx, e.src, driver.SampleQuery{
		Schema: m.SourceSchema, Table: m.SourceTable, Columns: srcCols,
		Filter: sc.src, CustomWhere: m.CustomWhereClause, OrderBy: srcKeys, Limit: e.sampleSize,
	})
	if err != nil {
		res.ErrorMessage = fmt.Sprintf("source sample: %v", err)
		return res
	}
	dstRows, err := sample(ctx, e.dst, driver.SampleQuery{
		Schema: m.DestinationSchema, Table: m.DestinationTable, Columns: target.Columns,
		Filter: sc.dst, OrderBy: target.KeyColumns, Limit: e.sampleSize,
	})
	if err != nil {
		res.ErrorMessage = fmt.Sprintf("destination sample: %v", err)
		return res
	}

	srcHashes := hashByKey(srcRows, keyIdx)
	dstHashes := hashByKey(dstRows, keyIdx)
	mismatched := 0
	for k, h := range srcHashes {
		if dstHashes[k] != h {
			mismatched++
		}
	}
	for k := range dstHashes {
		if _, ok := srcHashes[k]; !ok {
			mismatched++
		}
	}

	res.Success = mismatched == 0
	res.Details = fmt.Sprintf("sampled source=%d destination=%d mismatched=%d", len(srcRows), len(dstRows), mismatched) + sc.note
	if !res.Success {
		logging.Warn("Checksum mismatch for %s: %d of %d sampled rows differ", m.SourceName(), mismatched, len(srcRows))
	}
	return res
}

func sample(ctx context.Context, db driver.Database, q driver.SampleQuery) ([][]any, error) {
	query, args := db.Dialect().BuildSampleQuery(q)
	rows, err := db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAll(rows, len(q.Columns))
}

func scanAll(rows *sql.Rows, n int) ([][]any, error) {
	var out [][]any
	ptrs := make([]any, n)
	for rows.Next() {
		row := make([]any, n)
		for i := range row {
			ptrs[i] = &row[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func hashByKey(rows [][]any, keyIdx []int) map[string]string {
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		key := strings.Join(lo.Map(keyIdx, func(i int, _ int) string { return normalize(row[i]) }), "|")
		out[key] = RowHash(row)
	}
	return out
}

// RowHash returns the sha256 of the "|"-joined normalized values of a row.
func RowHash(row []any) string {
	values := make([]string, len(row))
	for i, v := range row {
		values[i] = normalize(v)
	}
	hash := sha256.Sum256([]byte(strings.Join(values, "|")))
	return hex.EncodeToString(hash[:])
}

// normalize renders a scanned value so that equal data read through
// different drivers produces the same text.
func normalize(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return normalizeText(string(val))
	case string:
		return normalizeText(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case bool:
		if val {
			return "1"
		}
		return "0"
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// normalizeText trims strings and canonicalizes decimal text such as "10.50".
func normalizeText(s string) string {
	s = strings.TrimSpace(s)
	if strings.ContainsAny(s, ".eE") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
	}
	return s
}
