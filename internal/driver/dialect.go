package driver

import (
	"fmt"
	"strings"
)

// Dialect abstracts database-specific SQL syntax differences.
// Each database driver provides its own Dialect implementation.
type Dialect interface {
	// DBType returns the database type (e.g., "mssql", "postgres").
	DBType() string

	// QuoteIdentifier quotes an identifier (table, column name).
	// PostgreSQL, SQLite: "identifier"
	// MSSQL: [identifier]
	QuoteIdentifier(name string) string

	// QualifyTable returns a fully qualified table reference.
	// An empty schema yields the quoted table alone.
	QualifyTable(schema, table string) string

	// ParameterPlaceholder returns the parameter placeholder for the given index.
	// PostgreSQL: $1, $2, $3
	// MSSQL: @p1, @p2, @p3
	// SQLite: ?
	ParameterPlaceholder(index int) string

	// ColumnList formats a list of quoted columns for SELECT.
	ColumnList(cols []string) string

	// BuildExtractQuery renders a bounded, ordered read of one batch.
	BuildExtractQuery(q ExtractQuery) (string, []any)

	// BuildCountQuery renders a COUNT(*) under an optional predicate.
	BuildCountQuery(q CountQuery) (string, []any)

	// BuildSampleQuery renders a filtered read of the first N rows in key order.
	BuildSampleQuery(q SampleQuery) (string, []any)
}

// WhereClause renders the watermark predicate and the custom filter.
// Parameter numbering starts at start. It returns "" when there is nothing to filter.
func WhereClause(d Dialect, filter *Predicate, custom string, start int) (string, []any) {
	var conds []string
	var args []any
	if filter != nil {
		conds = append(conds, fmt.Sprintf("%s %s %s",
			d.QuoteIdentifier(filter.Column), filter.Operator, d.ParameterPlaceholder(start)))
		args = append(args, filter.Value)
	}
	if c := strings.TrimSpace(custom); c != "" {
		conds = append(conds, "("+c+")")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// OrderByClause renders ORDER BY over the given columns, or "" for none.
func OrderByClause(d Dialect, cols []string) string {
	if len(cols) == 0 {
		return ""
	}
	return " ORDER BY " + d.ColumnList(cols)
}

// QuoteAll quotes every column with the dialect.
func QuoteAll(d Dialect, cols []string) []string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.QuoteIdentifier(c)
	}
	return quoted
}
