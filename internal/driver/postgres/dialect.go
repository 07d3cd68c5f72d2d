package postgres

import (
	"fmt"
	"strings"

	"github.com/johndauphine/tablesync/internal/driver"
	"github.com/lib/pq"
)

// Dialect implements driver.Dialect for PostgreSQL.
type Dialect struct{}

func (d *Dialect) DBType() string { return "postgres" }

func (d *Dialect) QuoteIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}

func (d *Dialect) QualifyTable(schema, table string) string {
	if schema == "" {
		return d.QuoteIdentifier(table)
	}
	return d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(table)
}

func (d *Dialect) ParameterPlaceholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

func (d *Dialect) ColumnList(cols []string) string {
	return strings.Join(driver.QuoteAll(d, cols), ", ")
}

func (d *Dialect) BuildExtractQuery(q driver.ExtractQuery) (string, []any) {
	where, args := driver.WhereClause(d, q.Filter, q.CustomWhere, 1)
	n := len(args)
	query := fmt.Sprintf("SELECT %s FROM %s%s%s LIMIT %s OFFSET %s",
		d.ColumnList(q.Columns),
		d.QualifyTable(q.Schema, q.Table),
		where,
		driver.OrderByClause(d, q.OrderBy),
		d.ParameterPlaceholder(n+1),
		d.ParameterPlaceholder(n+2))
	return query, append(args, q.Limit, q.Offset)
}

func (d *Dialect) BuildCountQuery(q driver.CountQuery) (string, []any) {
	where, args := driver.WhereClause(d, q.Filter, q.CustomWhere, 1)
	return "SELECT COUNT(*) FROM " + d.QualifyTable(q.Schema, q.Table) + where, args
}

func (d *Dialect) BuildSampleQuery(q driver.SampleQuery) (string, []any) {
	where, args := driver.WhereClause(d, q.Filter, q.CustomWhere, 1)
	query := fmt.Sprintf("SELECT %s FROM %s%s%s LIMIT %s",
		d.ColumnList(q.Columns),
		d.QualifyTable(q.Schema, q.Table),
		where,
		driver.OrderByClause(d, q.OrderBy),
		d.ParameterPlaceholder(len(args)+1))
	return query, append(args, q.Limit)
}
