package mssql

import (
	"fmt"
	"strings"

	"github.com/johndauphine/tablesync/internal/driver"
)

// Dialect implements driver.Dialect for SQL Server.
type Dialect struct{}

func (d *Dialect) DBType() string { return "mssql" }

func (d *Dialect) QuoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (d *Dialect) QualifyTable(schema, table string) string {
	if schema == "" {
		return d.QuoteIdentifier(table)
	}
	return d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(table)
}

func (d *Dialect) ParameterPlaceholder(index int) string {
	return fmt.Sprintf("@p%d", index)
}

func (d *Dialect) ColumnList(cols []string) string {
	return strings.Join(driver.QuoteAll(d, cols), ", ")
}

// BuildExtractQuery uses OFFSET/FETCH, which requires an ORDER BY.
func (d *Dialect) BuildExtractQuery(q driver.ExtractQuery) (string, []any) {
	where, args := driver.WhereClause(d, q.Filter, q.CustomWhere, 1)
	n := len(args)
	orderBy := driver.OrderByClause(d, q.OrderBy)
	if orderBy == "" {
		orderBy = " ORDER BY (SELECT NULL)"
	}
	query := fmt.Sprintf("SELECT %s FROM %s%s%s OFFSET %s ROWS FETCH NEXT %s ROWS ONLY",
		d.ColumnList(q.Columns),
		d.QualifyTable(q.Schema, q.Table),
		where,
		orderBy,
		d.ParameterPlaceholder(n+1),
		d.ParameterPlaceholder(n+2))
	return query, append(args, q.Offset, q.Limit)
}

func (d *Dialect) BuildCountQuery(q driver.CountQuery) (string, []any) {
	where, args := driver.WhereClause(d, q.Filter, q.CustomWhere, 1)
	return "SELECT COUNT_BIG(*) FROM " + d.QualifyTable(q.Schema, q.Table) + where, args
}

// BuildSampleQuery binds the TOP count as @p1, so filter parameters start at @p2.
func (d *Dialect) BuildSampleQuery(q driver.SampleQuery) (string, []any) {
	where, args := driver.WhereClause(d, q.Filter, q.CustomWhere, 2)
	query := fmt.Sprintf("SELECT TOP (@p1) %s FROM %s%s%s",
		d.ColumnList(q.Columns),
		d.QualifyTable(q.Schema, q.Table),
		where,
		driver.OrderByClause(d, q.OrderBy))
	return query, append([]any{q.Limit}, args...)
}
