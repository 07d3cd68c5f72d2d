package validation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/tablesync/internal/checkpoint"
	"github.com/johndauphine/tablesync/internal/config"
	"github.com/johndauphine/tablesync/internal/driver/sqlite"
)

func openDB(t *testing.T, name string) (*sql.DB, *sqlite.Database) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), name))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db, sqlite.NewDatabase(db)
}

func seed(t *testing.T, db *sql.DB, table string, n int, skip ...int) {
	t.Helper()
	_, err := db.Exec(fmt.Sprintf(`CREATE TABLE %s (id INTEGER PRIMARY KEY, name TEXT, amount TEXT, version INTEGER)`, table))
	require.NoError(t, err)
	skipped := make(map[int]bool)
	for _, s := range skip {
		skipped[s] = true
	}
	tx, err := db.Begin()
	require.NoError(t, err)
	for i := 1; i <= n; i++ {
		if skipped[i] {
			continue
		}
		_, err := tx.Exec(fmt.Sprintf(`INSERT INTO %s VALUES (?, ?, ?, ?)`, table), i, fmt.Sprintf("row-%d", i), "10.50", i)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
}

func ordersMapping() config.TableMapping {
	return config.TableMapping{
		ID:                "Orders",
		SourceTable:       "orders",
		DestinationTable:  "orders_copy",
		IncrementalType:   config.IncrementalBigInt,
		IncrementalColumn: "version",
		Columns: []config.ColumnMapping{
			{Source: "id", Destination: "id", IsKey: true},
			{Source: "name", Destination: "name"},
			{Source: "amount", Destination: "amount"},
			{Source: "version", Destination: "version"},
		},
	}
}

func TestValidateRowCountMismatch(t *testing.T) {
	srcDB, src := openDB(t, "src.db")
	dstDB, dst := openDB(t, "dst.db")
	seed(t, srcDB, "orders", 1000)
	seed(t, dstDB, "orders_copy", 1000, 500, 501)

	results, err := New(src, dst, 10, 2).Validate(context.Background(), "run-1", []config.TableMapping{ordersMapping()})
	require.NoError(t, err)
	require.Len(t, results, 2)

	rc := results[0]
	assert.Equal(t, checkpoint.ValidationRowCount, rc.ValidationType)
	assert.Equal(t, "orders", rc.TableName)
	assert.Equal(t, "run-1", rc.RunID)
	assert.False(t, rc.Success)
	assert.Equal(t, "source=1000 destination=998", rc.Details)

	// The first 10 rows by key are identical on both sides.
	assert.Equal(t, checkpoint.ValidationChecksum, results[1].ValidationType)
	assert.True(t, results[1].Success, results[1].Details)
	assert.False(t, Passed(results))
}

func TestValidateMatchingTables(t *testing.T) {
	srcDB, src := openDB(t, "src.db")
	dstDB, dst := openDB(t, "dst.db")
	seed(t, srcDB, "orders", 50)
	seed(t, dstDB, "orders_copy", 50)

	results, err := New(src, dst, 0, 1).Validate(context.Background(), "run-1", []config.TableMapping{ordersMapping()})
	require.NoError(t, err)
	assert.True(t, Passed(results))
	assert.Equal(t, "sampled source=50 destination=50 mismatched=0", results[1].Details)
}

func TestRowCountAppliesStartValue(t *testing.T) {
	srcDB, src := openDB(t, "src.db")
	dstDB, dst := openDB(t, "dst.db")
	seed(t, srcDB, "orders", 100)
	// A migration with "> 60" copied versions 61..100.
	seed(t, dstDB, "orders_copy", 100, firstN(60)...)

	m := ordersMapping()
	m.IncrementalStartValue = "60"
	res := New(src, dst, 10, 1).RowCount(context.Background(), "r", m)
	assert.True(t, res.Success, res.Details)
	assert.Equal(t, "source=40 destination=40", res.Details)

	// ">=" takes the start value itself on both sides.
	m.IncrementalCompareOperator = config.OpGreaterOrEqual
	res = New(src, dst, 10, 1).RowCount(context.Background(), "r", m)
	assert.False(t, res.Success)
	assert.Equal(t, "source=41 destination=40", res.Details)

	// Without the mapped incremental column the destination is counted whole.
	m.IncrementalCompareOperator = config.OpGreater
	m.Columns = m.Columns[:3]
	res = New(src, dst, 10, 1).RowCount(context.Background(), "r", m)
	assert.True(t, res.Success)
	assert.Contains(t, res.Details, "destination unfiltered")
}

func TestValidateOnlyComparesMigratedRows(t *testing.T) {
	srcDB, src := openDB(t, "src.db")
	dstDB, dst := openDB(t, "dst.db")
	seed(t, srcDB, "orders", 200)

	// Only even ids past version 60 were ever copied.
	skip := firstN(60)
	for i := 61; i <= 200; i += 2 {
		skip = append(skip, i)
	}
	seed(t, dstDB, "orders_copy", 200, skip...)

	m := ordersMapping()
	m.IncrementalStartValue = "60"
	m.CustomWhereClause = "id % 2 = 0"

	results, err := New(src, dst, 50, 1).Validate(context.Background(), "r", []config.TableMapping{m})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "source=70 destination=70", results[0].Details)
	assert.Equal(t, "sampled source=50 destination=50 mismatched=0", results[1].Details)
	assert.True(t, Passed(results))
}

func firstN(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

func TestChecksumDetectsChangedRow(t *testing.T) {
	srcDB, src := openDB(t, "src.db")
	dstDB, dst := openDB(t, "dst.db")
	seed(t, srcDB, "orders", 20)
	seed(t, dstDB, "orders_copy", 20)
	_, err := dstDB.Exec(`UPDATE orders_copy SET name = 'changed' WHERE id = 7`)
	require.NoError(t, err)

	res := New(src, dst, 20, 1).Checksum(context.Background(), "r", ordersMapping())
	assert.False(t, res.Success)
	assert.Equal(t, "sampled source=20 destination=20 mismatched=1", res.Details)
}

func TestChecksumSkipsDroppedIdentity(t *testing.T) {
	srcDB, src := openDB(t, "src.db")
	dstDB, dst := openDB(t, "dst.db")
	seed(t, srcDB, "orders", 5)
	_, err := dstDB.Exec(`CREATE TABLE orders_copy (id INTEGER PRIMARY KEY, name TEXT, amount TEXT)`)
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		_, err := dstDB.Exec(`INSERT INTO orders_copy VALUES (?, ?, ?)`, i, fmt.Sprintf("row-%d", i), "10.5")
		require.NoError(t, err)
	}

	m := ordersMapping()
	m.Columns[3].IsIdentity = true
	res := New(src, dst, 5, 1).Checksum(context.Background(), "r", m)
	assert.True(t, res.Success, res.Details)
}

func TestQueryFailureIsFailedResult(t *testing.T) {
	_, src := openDB(t, "src.db")
	_, dst := openDB(t, "dst.db")

	results, err := New(src, dst, 10, 1).Validate(context.Background(), "r", []config.TableMapping{ordersMapping()})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, r.Success)
		assert.Contains(t, r.ErrorMessage, "source")
	}
}

func TestValidateCancelled(t *testing.T) {
	_, src := openDB(t, "src.db")
	_, dst := openDB(t, "dst.db")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(src, dst, 10, 1).Validate(ctx, "r", []config.TableMapping{ordersMapping()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRowCountQueries(t *testing.T) {
	srcDB, srcMock, err := sqlmock.New()
	require.NoError(t, err)
	defer srcDB.Close()
	dstDB, dstMock, err := sqlmock.New()
	require.NoError(t, err)
	defer dstDB.Close()

	m := ordersMapping()
	m.IncrementalStartValue = "10"
	m.CustomWhereClause = "name <> 'x'"

	srcMock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "orders" WHERE "version" > ? AND (name <> 'x')`)).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1000))
	dstMock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "orders_copy" WHERE "version" > ?`)).
		WithArgs(int64(10)).
		WillReturnError(errors.New("relation does not exist"))

	res := New(sqlite.NewDatabase(srcDB), sqlite.NewDatabase(dstDB), 10, 1).RowCount(context.Background(), "r", m)
	assert.False(t, res.Success)
	assert.Equal(t, "destination count: relation does not exist", res.ErrorMessage)
	require.NoError(t, srcMock.ExpectationsWereMet())
	require.NoError(t, dstMock.ExpectationsWereMet())
}

func TestRowHashNormalizes(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	tests := []struct {
		name string
		a, b []any
	}{
		{"bytes and string", []any{[]byte("abc")}, []any{"abc"}},
		{"trailing zeros", []any{"10.50"}, []any{10.5}},
		{"bool as bit", []any{true, false}, []any{int64(1), int64(0)}},
		{"time zone", []any{ts}, []any{ts.UTC()}},
		{"padded text", []any{"abc  "}, []any{"abc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, RowHash(tt.a), RowHash(tt.b))
		})
	}
	assert.NotEqual(t, RowHash([]any{nil}), RowHash([]any{""}))
}
