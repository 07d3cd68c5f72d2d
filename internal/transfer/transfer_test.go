package transfer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/johndauphine/tablesync/internal/config"
	"github.com/johndauphine/tablesync/internal/driver/sqlite"
)

func openDB(t *testing.T, name string) (*sql.DB, *sqlite.Database) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db, sqlite.NewDatabase(db)
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func ordersMapping() config.TableMapping {
	return config.TableMapping{
		ID:                         "Orders",
		SourceTable:                "orders",
		DestinationTable:           "orders_copy",
		IncrementalType:            config.IncrementalBigInt,
		IncrementalColumn:          "version",
		IncrementalCompareOperator: config.OpGreater,
		Columns: []config.ColumnMapping{
			{Source: "id", Destination: "id", IsKey: true},
			{Source: "name", Destination: "name"},
		},
	}
}

// seedOrders creates n rows whose version is id/div, so div > 1 produces ties.
func seedOrders(t *testing.T, db *sql.DB, n, div int) {
	t.Helper()
	mustExec(t, db, `CREATE TABLE orders (id INTEGER PRIMARY KEY, name TEXT, version INTEGER)`)
	for i := 1; i <= n; i++ {
		mustExec(t, db, `INSERT INTO orders (id, name, version) VALUES (?, ?, ?)`, i, fmt.Sprintf("order-%d", i), i/div)
	}
}

// drain extracts every batch starting at cur and returns the batch sizes and all ids.
func drain(t *testing.T, e *Extractor, m config.TableMapping, cur Cursor, size int) ([]int, []int64) {
	t.Helper()
	var sizes []int
	var ids []int64
	for i := 0; i < 100; i++ {
		b, err := e.ExtractBatch(context.Background(), m, cur, size)
		if err != nil {
			t.Fatalf("ExtractBatch: %v", err)
		}
		if len(b.Rows) == 0 {
			break
		}
		sizes = append(sizes, len(b.Rows))
		for _, r := range b.Rows {
			if len(r) != len(m.Columns) {
				t.Fatalf("row width = %d, want %d", len(r), len(m.Columns))
			}
			ids = append(ids, r[0].(int64))
		}
		cur = b.Next
		if !b.HasMore {
			break
		}
	}
	return sizes, ids
}

func TestExtractBatchPagesByWatermark(t *testing.T) {
	db, src := openDB(t, "src.db")
	seedOrders(t, db, 250, 1)
	e := NewExtractor(src, 0)
	m := ordersMapping()

	b, err := e.ExtractBatch(context.Background(), m, StartCursor(m, nil), 100)
	if err != nil {
		t.Fatalf("ExtractBatch: %v", err)
	}
	if len(b.Rows) != 100 || !b.HasMore || b.MaxWatermark != int64(100) {
		t.Fatalf("first batch = %d rows, hasMore=%v, max=%v", len(b.Rows), b.HasMore, b.MaxWatermark)
	}
	if b.Checkpoint != int64(99) {
		t.Errorf("checkpoint = %v, want 99 while rows at the maximum may follow", b.Checkpoint)
	}

	sizes, ids := drain(t, e, m, StartCursor(m, nil), 100)
	if fmt.Sprint(sizes) != "[100 100 50]" {
		t.Errorf("batch sizes = %v, want [100 100 50]", sizes)
	}
	if len(ids) != 250 || ids[0] != 1 || ids[249] != 250 {
		t.Errorf("ids = %d rows, first=%d last=%d", len(ids), ids[0], ids[len(ids)-1])
	}

	// Resuming from a stored watermark only reads newer rows.
	sizes, _ = drain(t, e, m, StartCursor(m, int64(200)), 100)
	if fmt.Sprint(sizes) != "[50]" {
		t.Errorf("resumed batch sizes = %v, want [50]", sizes)
	}
}

func TestExtractBatchTiesAcrossPages(t *testing.T) {
	db, src := openDB(t, "src.db")
	// versions 0,0,0,1,1,1,... every value repeats three times.
	seedOrders(t, db, 31, 3)
	e := NewExtractor(src, 0)
	m := ordersMapping()

	_, ids := drain(t, e, m, StartCursor(m, nil), 4)
	if len(ids) != 31 {
		t.Fatalf("read %d rows, want 31", len(ids))
	}
	seen := make(map[int64]bool)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("id %d read twice", id)
		}
		seen[id] = true
	}
}

func TestCheckpointResumesWithoutLosingTies(t *testing.T) {
	db, src := openDB(t, "src.db")
	// ids 100 and 101 share version 50 across the first page boundary.
	seedOrders(t, db, 250, 2)
	e := NewExtractor(src, 0)
	m := ordersMapping()

	b, err := e.ExtractBatch(context.Background(), m, StartCursor(m, nil), 100)
	if err != nil {
		t.Fatalf("ExtractBatch: %v", err)
	}
	if b.MaxWatermark != int64(50) || b.Checkpoint != int64(49) {
		t.Fatalf("max=%v checkpoint=%v, want 50 and 49", b.MaxWatermark, b.Checkpoint)
	}

	// A new run after stopping here starts from the checkpoint.
	_, ids := drain(t, e, m, StartCursor(m, b.Checkpoint), 100)
	seen := make(map[int64]bool)
	for _, id := range ids {
		seen[id] = true
	}
	for id := int64(101); id <= 250; id++ {
		if !seen[id] {
			t.Fatalf("id %d not read after resuming from %v", id, b.Checkpoint)
		}
	}

	// ">=" re-reads the stored value anyway, so the maximum is safe to keep.
	m.IncrementalCompareOperator = config.OpGreaterOrEqual
	b, err = e.ExtractBatch(context.Background(), m, StartCursor(m, nil), 100)
	if err != nil {
		t.Fatalf("ExtractBatch: %v", err)
	}
	if b.Checkpoint != int64(50) {
		t.Errorf("checkpoint = %v, want 50", b.Checkpoint)
	}
}

func TestCheckpointWithoutSmallerValue(t *testing.T) {
	db, src := openDB(t, "src.db")
	// ids 1..9 share version 0.
	seedOrders(t, db, 12, 10)
	e := NewExtractor(src, 0)
	m := ordersMapping()

	b, err := e.ExtractBatch(context.Background(), m, StartCursor(m, nil), 5)
	if err != nil {
		t.Fatalf("ExtractBatch: %v", err)
	}
	if b.Checkpoint != nil {
		t.Errorf("checkpoint = %v, want nil for a page of one value", b.Checkpoint)
	}

	// The last page has nothing after it.
	b, err = e.ExtractBatch(context.Background(), m, b.Next, 100)
	if err != nil {
		t.Fatalf("ExtractBatch: %v", err)
	}
	if b.HasMore || b.Checkpoint != b.MaxWatermark || b.MaxWatermark != int64(1) {
		t.Errorf("last page hasMore=%v max=%v checkpoint=%v", b.HasMore, b.MaxWatermark, b.Checkpoint)
	}
}

func TestExtractBatchSkipAccumulatesOnLongTies(t *testing.T) {
	db, src := openDB(t, "src.db")
	// ids 1..20 all share version 0 except the last one.
	seedOrders(t, db, 20, 19)
	e := NewExtractor(src, 0)
	m := ordersMapping()

	_, ids := drain(t, e, m, StartCursor(m, nil), 5)
	if len(ids) != 20 {
		t.Fatalf("read %d rows, want 20", len(ids))
	}
}

func TestExtractBatchUnmappedIncrementalColumn(t *testing.T) {
	db, src := openDB(t, "src.db")
	seedOrders(t, db, 3, 1)
	e := NewExtractor(src, 0)
	m := ordersMapping()

	b, err := e.ExtractBatch(context.Background(), m, StartCursor(m, int64(1)), 10)
	if err != nil {
		t.Fatalf("ExtractBatch: %v", err)
	}
	if len(b.Rows) != 2 || b.HasMore {
		t.Fatalf("rows = %d hasMore = %v", len(b.Rows), b.HasMore)
	}
	if len(b.Rows[0]) != 2 {
		t.Errorf("incremental column should be stripped, row = %v", b.Rows[0])
	}
	if b.Next.Value != int64(3) || b.Next.Operator != config.OpGreaterOrEqual || b.Next.Skip != 1 {
		t.Errorf("next cursor = %+v", b.Next)
	}
}

func TestExtractBatchNonIncremental(t *testing.T) {
	db, src := openDB(t, "src.db")
	seedOrders(t, db, 25, 1)
	e := NewExtractor(src, 0)
	m := ordersMapping()
	m.IncrementalType = config.IncrementalNone
	m.IncrementalColumn = ""
	m.CustomWhereClause = "id % 2 = 1"

	sizes, ids := drain(t, e, m, StartCursor(m, nil), 5)
	if fmt.Sprint(sizes) != "[5 5 3]" {
		t.Errorf("sizes = %v, want [5 5 3]", sizes)
	}
	if ids[0] != 1 || ids[len(ids)-1] != 25 {
		t.Errorf("ids = %v", ids)
	}

	n, err := e.EstimateRows(context.Background(), m, StartCursor(m, nil))
	if err != nil || n != 13 {
		t.Errorf("EstimateRows = %d, %v; want 13", n, err)
	}
}

func TestEstimateRowsUsesWatermark(t *testing.T) {
	db, src := openDB(t, "src.db")
	seedOrders(t, db, 250, 1)
	e := NewExtractor(src, 0)
	m := ordersMapping()

	n, err := e.EstimateRows(context.Background(), m, StartCursor(m, int64(100)))
	if err != nil || n != 150 {
		t.Errorf("EstimateRows = %d, %v; want 150", n, err)
	}
}

func TestExtractBatchErrors(t *testing.T) {
	_, src := openDB(t, "src.db")
	e := NewExtractor(src, 0)
	m := ordersMapping()

	_, err := e.ExtractBatch(context.Background(), m, Cursor{}, 10)
	var ee *ExtractionError
	if !errors.As(err, &ee) {
		t.Fatalf("error = %T %v, want *ExtractionError", err, err)
	}
	if ee.Table != "orders" || ee.Timeout {
		t.Errorf("ExtractionError = %+v", ee)
	}

	if _, err := e.ExtractBatch(context.Background(), m, Cursor{}, 0); !errors.As(err, &ee) {
		t.Errorf("zero batch size error = %v", err)
	}
}

func TestLoadBatchIsIdempotent(t *testing.T) {
	srcDB, src := openDB(t, "src.db")
	seedOrders(t, srcDB, 10, 1)
	dstDB, dst := openDB(t, "dst.db")
	mustExec(t, dstDB, `CREATE TABLE orders_copy (id INTEGER PRIMARY KEY, name TEXT)`)

	m := ordersMapping()
	b, err := NewExtractor(src, 0).ExtractBatch(context.Background(), m, Cursor{}, 100)
	if err != nil {
		t.Fatalf("ExtractBatch: %v", err)
	}

	l := NewLoader(dst, 0)
	for i := 0; i < 2; i++ {
		n, err := l.LoadBatch(context.Background(), m, b.Rows)
		if err != nil {
			t.Fatalf("LoadBatch #%d: %v", i+1, err)
		}
		if n != 10 {
			t.Errorf("LoadBatch #%d wrote %d, want 10", i+1, n)
		}
	}

	var count int
	if err := dstDB.QueryRow(`SELECT COUNT(*) FROM orders_copy`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 10 {
		t.Errorf("destination rows = %d, want 10", count)
	}
}

func TestLoadBatchError(t *testing.T) {
	_, dst := openDB(t, "dst.db")
	m := ordersMapping()

	_, err := NewLoader(dst, 0).LoadBatch(context.Background(), m, [][]any{{int64(1), "x"}})
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("error = %v, want *LoadError", err)
	}
	if le.Table != "orders_copy" {
		t.Errorf("LoadError.Table = %q", le.Table)
	}

	if n, err := NewLoader(dst, 0).LoadBatch(context.Background(), m, nil); n != 0 || err != nil {
		t.Errorf("empty batch = %d, %v", n, err)
	}
}

func TestTargetDropsIdentityColumns(t *testing.T) {
	m := config.TableMapping{
		DestinationSchema: "dbo",
		DestinationTable:  "Customers",
		Columns: []config.ColumnMapping{
			{Source: "RowID", Destination: "row_id", IsIdentity: true},
			{Source: "Code", Destination: "code", IsKey: true},
			{Source: "Name", Destination: "name"},
		},
	}

	target, keep := Target(m)
	if fmt.Sprint(target.Columns) != "[code name]" || fmt.Sprint(keep) != "[1 2]" {
		t.Errorf("columns = %v keep = %v", target.Columns, keep)
	}
	if len(target.IdentityColumns) != 0 {
		t.Errorf("identity columns = %v", target.IdentityColumns)
	}

	m.BulkCopy.KeepIdentity = true
	target, keep = Target(m)
	if fmt.Sprint(target.Columns) != "[row_id code name]" || len(keep) != 3 {
		t.Errorf("columns = %v keep = %v", target.Columns, keep)
	}
	if fmt.Sprint(target.IdentityColumns) != "[row_id]" || fmt.Sprint(target.KeyColumns) != "[code]" {
		t.Errorf("identity = %v keys = %v", target.IdentityColumns, target.KeyColumns)
	}
	if !target.Options.KeepIdentity {
		t.Error("KeepIdentity option not carried")
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "connection reset", err: errors.New("connection reset by peer"), want: true},
		{name: "deadlock", err: errors.New("DEADLOCK detected"), want: true},
		{name: "context deadline", err: errors.New("context deadline exceeded"), want: true},
		{name: "retry hint", err: errors.New("please retry later"), want: true},
		{name: "non-retryable", err: errors.New("permission denied"), want: false},
		{name: "load timeout", err: &LoadError{Table: "t", Err: errors.New("canceled"), Timeout: true}, want: true},
		{name: "extract syntax", err: &ExtractionError{Table: "t", Err: errors.New("syntax error")}, want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestFormatUUID(t *testing.T) {
	b := []byte{0x33, 0x22, 0x11, 0x00, 0x55, 0x44, 0x77, 0x66, 0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	if got := formatUUID(b); got != "00112233-4455-6677-8899-aabbccddeeff" {
		t.Errorf("formatUUID = %s", got)
	}
}
