package driver

// Predicate is a single "column op value" filter on the incremental column.
type Predicate struct {
	Column   string
	Operator string // ">" or ">="
	Value    any
}

// ExtractQuery describes one batch read.
type ExtractQuery struct {
	Schema      string
	Table       string
	Columns     []string
	Filter      *Predicate
	CustomWhere string
	OrderBy     []string
	Limit       int
	Offset      int64
}

// CountQuery describes a row count under an optional predicate.
type CountQuery struct {
	Schema      string
	Table       string
	Filter      *Predicate
	CustomWhere string
}

// SampleQuery describes a read of the first Limit rows ordered by OrderBy,
// under the same optional filters as a count.
type SampleQuery struct {
	Schema      string
	Table       string
	Columns     []string
	Filter      *Predicate
	CustomWhere string
	OrderBy     []string
	Limit       int
}

// WriteTarget describes where and how a batch is upserted.
// Row values are positionally aligned with Columns.
type WriteTarget struct {
	Schema          string
	Table           string
	Columns         []string
	KeyColumns      []string
	IdentityColumns []string // subset of Columns, present only when identity values are kept
	Options         WriteOptions
}

// WriteOptions mirrors the bulk copy options of a table mapping.
type WriteOptions struct {
	KeepIdentity bool
	KeepNulls    bool
	TableLock    bool
}

// IsKey reports whether col is one of the target's key columns.
func (t WriteTarget) IsKey(col string) bool {
	for _, k := range t.KeyColumns {
		if k == col {
			return true
		}
	}
	return false
}
