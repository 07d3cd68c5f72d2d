package sqlite

import (
	"strings"

	"github.com/johndauphine/tablesync/internal/driver"
)

// Dialect implements driver.Dialect for SQLite.
type Dialect struct{}

func (d *Dialect) DBType() string { return "sqlite" }

func (d *Dialect) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d *Dialect) QualifyTable(schema, table string) string {
	if schema == "" {
		return d.QuoteIdentifier(table)
	}
	return d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(table)
}

func (d *Dialect) ParameterPlaceholder(_ int) string {
	return "?"
}

func (d *Dialect) ColumnList(cols []string) string {
	return strings.Join(driver.QuoteAll(d, cols), ", ")
}

func (d *Dialect) BuildExtractQuery(q driver.ExtractQuery) (string, []any) {
	where, args := driver.WhereClause(d, q.Filter, q.CustomWhere, 1)
	query := "SELECT " + d.ColumnList(q.Columns) +
		" FROM " + d.QualifyTable(q.Schema, q.Table) +
		where +
		driver.OrderByClause(d, q.OrderBy) +
		" LIMIT ? OFFSET ?"
	return query, append(args, q.Limit, q.Offset)
}

func (d *Dialect) BuildCountQuery(q driver.CountQuery) (string, []any) {
	where, args := driver.WhereClause(d, q.Filter, q.CustomWhere, 1)
	return "SELECT COUNT(*) FROM " + d.QualifyTable(q.Schema, q.Table) + where, args
}

func (d *Dialect) BuildSampleQuery(q driver.SampleQuery) (string, []any) {
	where, args := driver.WhereClause(d, q.Filter, q.CustomWhere, 1)
	query := "SELECT " + d.ColumnList(q.Columns) +
		" FROM " + d.QualifyTable(q.Schema, q.Table) +
		where +
		driver.OrderByClause(d, q.OrderBy) +
		" LIMIT ?"
	return query, append(args, q.Limit)
}
