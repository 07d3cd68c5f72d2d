package mssql

import (
	"strings"
	"testing"

	"github.com/johndauphine/tablesync/internal/driver"
)

func TestQuoteIdentifier(t *testing.T) {
	d := &Dialect{}
	tests := []struct{ in, want string }{
		{"Orders", "[Orders]"},
		{"odd]name", "[odd]]name]"},
	}
	for _, tt := range tests {
		if got := d.QuoteIdentifier(tt.in); got != tt.want {
			t.Errorf("QuoteIdentifier(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildExtractQuery(t *testing.T) {
	d := &Dialect{}
	query, args := d.BuildExtractQuery(driver.ExtractQuery{
		Schema:  "dbo",
		Table:   "Orders",
		Columns: []string{"OrderId", "ModifiedAt"},
		Filter:  &driver.Predicate{Column: "OrderId", Operator: ">=", Value: int64(10)},
		OrderBy: []string{"OrderId"},
		Limit:   50,
		Offset:  2,
	})

	want := "SELECT [OrderId], [ModifiedAt] FROM [dbo].[Orders] WHERE [OrderId] >= @p1 ORDER BY [OrderId] OFFSET @p2 ROWS FETCH NEXT @p3 ROWS ONLY"
	if query != want {
		t.Errorf("query =\n%s\nwant\n%s", query, want)
	}
	if len(args) != 3 || args[1] != int64(2) || args[2] != 50 {
		t.Errorf("args = %v, want [10 2 50]", args)
	}
}

func TestBuildSampleQuery(t *testing.T) {
	d := &Dialect{}
	query, args := d.BuildSampleQuery(driver.SampleQuery{
		Schema: "dbo", Table: "Orders", Columns: []string{"OrderId"}, OrderBy: []string{"OrderId"}, Limit: 5,
	})
	if query != "SELECT TOP (@p1) [OrderId] FROM [dbo].[Orders] ORDER BY [OrderId]" {
		t.Errorf("query = %s", query)
	}
	if len(args) != 1 || args[0] != 5 {
		t.Errorf("args = %v", args)
	}

	query, args = d.BuildSampleQuery(driver.SampleQuery{
		Schema:      "dbo",
		Table:       "Orders",
		Columns:     []string{"OrderId"},
		Filter:      &driver.Predicate{Column: "ModifiedAt", Operator: ">", Value: "2024-01-01"},
		CustomWhere: "Status <> 'void'",
		OrderBy:     []string{"OrderId"},
		Limit:       5,
	})
	want := "SELECT TOP (@p1) [OrderId] FROM [dbo].[Orders] WHERE [ModifiedAt] > @p2 AND (Status <> 'void') ORDER BY [OrderId]"
	if query != want {
		t.Errorf("query =\n%s\nwant\n%s", query, want)
	}
	if len(args) != 2 || args[0] != 5 || args[1] != "2024-01-01" {
		t.Errorf("args = %v, want [5 2024-01-01]", args)
	}
}

func TestBuildMergeSQL(t *testing.T) {
	d := &Dialect{}
	target := driver.WriteTarget{
		Schema:     "dbo",
		Table:      "Orders",
		Columns:    []string{"OrderId", "Status"},
		KeyColumns: []string{"OrderId"},
		Options:    driver.WriteOptions{TableLock: true},
	}

	sql := buildMergeSQL(d, target, "#stg_x", map[string]string{"status": "('new')"})

	wantParts := []string{
		"MERGE INTO [dbo].[Orders] WITH (TABLOCK) AS target",
		"USING #stg_x AS source",
		"ON target.[OrderId] = source.[OrderId]",
		"THEN UPDATE SET [Status] = COALESCE(source.[Status], ('new'))",
		"(target.[Status] <> COALESCE(source.[Status], ('new')) OR",
		"INSERT ([OrderId], [Status]) VALUES (source.[OrderId], COALESCE(source.[Status], ('new')));",
	}
	for _, part := range wantParts {
		if !strings.Contains(sql, part) {
			t.Errorf("MERGE missing %q:\n%s", part, sql)
		}
	}
}

func TestBuildMergeSQLWithoutTableLock(t *testing.T) {
	d := &Dialect{}
	target := driver.WriteTarget{
		Table:      "Orders",
		Columns:    []string{"OrderId"},
		KeyColumns: []string{"OrderId"},
	}
	sql := buildMergeSQL(d, target, "#stg_x", nil)
	if strings.Contains(sql, "TABLOCK") {
		t.Errorf("unexpected TABLOCK:\n%s", sql)
	}
	if strings.Contains(sql, "WHEN MATCHED") {
		t.Errorf("all-key MERGE should not update:\n%s", sql)
	}
}

func TestStagingNameIsStable(t *testing.T) {
	a := stagingName("dbo", "Orders")
	if a != stagingName("dbo", "Orders") {
		t.Error("staging name should be deterministic")
	}
	if !strings.HasPrefix(a, "#stg_") || len(a) != len("#stg_")+16 {
		t.Errorf("unexpected staging name %q", a)
	}
}
