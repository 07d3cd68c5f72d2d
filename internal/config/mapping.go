package config

import (
	"fmt"
	"strings"
	"time"
)

// IncrementalType selects how a mapping's incremental column is interpreted.
type IncrementalType string

const (
	IncrementalNone     IncrementalType = "None"
	IncrementalInt      IncrementalType = "Int"
	IncrementalBigInt   IncrementalType = "BigInt"
	IncrementalDateTime IncrementalType = "DateTime"
)

// CompareOperator is the operator applied between the incremental column and the watermark.
type CompareOperator string

const (
	OpGreater        CompareOperator = ">"
	OpGreaterOrEqual CompareOperator = ">="
)

// Configuration is one source/destination pairing and the tables it moves.
type Configuration struct {
	ID                 string         `yaml:"id"`
	Name               string         `yaml:"name"`
	Source             string         `yaml:"source"`      // logical connection id
	Destination        string         `yaml:"destination"` // logical connection id
	BatchSize          int            `yaml:"batch_size"`
	ReportingFrequency int            `yaml:"reporting_frequency"` // emit progress every N batches
	IsActive           *bool          `yaml:"is_active"`
	Mappings           []TableMapping `yaml:"mappings"`
	Schedules          []Schedule     `yaml:"schedules"`
}

// Schedule is informational; the engine never triggers runs by itself.
type Schedule struct {
	Name    string `yaml:"name"`
	Cron    string `yaml:"cron"`
	Enabled bool   `yaml:"enabled"`
}

// TableMapping describes how one source table maps to one destination table.
type TableMapping struct {
	ID                         string          `yaml:"id"`
	SourceSchema               string          `yaml:"source_schema"`
	SourceTable                string          `yaml:"source_table"`
	DestinationSchema          string          `yaml:"destination_schema"`
	DestinationTable           string          `yaml:"destination_table"`
	Columns                    []ColumnMapping `yaml:"columns"`
	IncrementalType            IncrementalType `yaml:"incremental_type"`
	IncrementalColumn          string          `yaml:"incremental_column"`
	IncrementalCompareOperator CompareOperator `yaml:"incremental_compare_operator"`
	IncrementalStartValue      string          `yaml:"incremental_start_value"`
	OrderByColumn              string          `yaml:"order_by_column"`
	CustomWhereClause          string          `yaml:"custom_where_clause"`
	Priority                   int             `yaml:"priority"`
	IsActive                   *bool           `yaml:"is_active"`
	FailOnError                bool            `yaml:"fail_on_error"`
	BulkCopy                   BulkCopyOptions `yaml:"bulk_copy"`
}

// ColumnMapping maps a source column onto a destination column.
type ColumnMapping struct {
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
	DataType    string `yaml:"data_type"`
	IsNullable  bool   `yaml:"is_nullable"`
	IsKey       bool   `yaml:"is_key"`
	IsIdentity  bool   `yaml:"is_identity"`
}

// BulkCopyOptions controls destination write behavior.
type BulkCopyOptions struct {
	KeepIdentity bool          `yaml:"keep_identity"`
	KeepNulls    bool          `yaml:"keep_nulls"`
	TableLock    bool          `yaml:"table_lock"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Active reports whether the configuration is enabled (default true).
func (c *Configuration) Active() bool {
	return c.IsActive == nil || *c.IsActive
}

// Active reports whether the mapping is enabled (default true).
func (m *TableMapping) Active() bool {
	return m.IsActive == nil || *m.IsActive
}

// SourceName returns schema.table for the source side.
func (m *TableMapping) SourceName() string {
	if m.SourceSchema == "" {
		return m.SourceTable
	}
	return m.SourceSchema + "." + m.SourceTable
}

// DestinationName returns schema.table for the destination side.
func (m *TableMapping) DestinationName() string {
	if m.DestinationSchema == "" {
		return m.DestinationTable
	}
	return m.DestinationSchema + "." + m.DestinationTable
}

// IsIncremental reports whether the mapping tracks a watermark.
func (m *TableMapping) IsIncremental() bool {
	return m.IncrementalType != IncrementalNone
}

// KeyColumns returns the key column mappings in declaration order.
func (m *TableMapping) KeyColumns() []ColumnMapping {
	var keys []ColumnMapping
	for _, c := range m.Columns {
		if c.IsKey {
			keys = append(keys, c)
		}
	}
	return keys
}

// DestinationColumnFor returns the destination column mapped from a source column.
func (m *TableMapping) DestinationColumnFor(source string) (string, bool) {
	for _, c := range m.Columns {
		if strings.EqualFold(c.Source, source) {
			return c.Destination, true
		}
	}
	return "", false
}

// StartValue parses IncrementalStartValue for the mapping's type. It returns nil when unset.
func (m *TableMapping) StartValue() (any, error) {
	if !m.IsIncremental() || m.IncrementalStartValue == "" {
		return nil, nil
	}
	return m.IncrementalType.Parse(m.IncrementalStartValue)
}

// CompareOperator returns the operator applied against the watermark, ">" when unset.
func (m *TableMapping) CompareOperator() CompareOperator {
	if m.IncrementalCompareOperator == "" {
		return OpGreater
	}
	return m.IncrementalCompareOperator
}

func (c *Configuration) applyDefaults(defaultBatchSize int) {
	if c.Name == "" {
		c.Name = c.ID
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.ReportingFrequency <= 0 {
		c.ReportingFrequency = 1
	}
	for i := range c.Mappings {
		c.Mappings[i].applyDefaults()
	}
}

func (m *TableMapping) applyDefaults() {
	if m.DestinationTable == "" {
		m.DestinationTable = m.SourceTable
	}
	if m.DestinationSchema == "" {
		m.DestinationSchema = m.SourceSchema
	}
	if m.ID == "" {
		m.ID = m.SourceName()
	}
	if m.IncrementalType == "" {
		m.IncrementalType = IncrementalNone
	}
	if m.IncrementalCompareOperator == "" {
		m.IncrementalCompareOperator = OpGreater
	}
	for i := range m.Columns {
		if m.Columns[i].Destination == "" {
			m.Columns[i].Destination = m.Columns[i].Source
		}
	}
}

func (c *Configuration) validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	ids := make(map[string]bool, len(c.Mappings))
	for i := range c.Mappings {
		m := &c.Mappings[i]
		key := strings.ToLower(m.ID)
		if ids[key] {
			return fmt.Errorf("duplicate mapping id %q", m.ID)
		}
		ids[key] = true
		if err := m.Validate(); err != nil {
			return fmt.Errorf("mapping %s: %w", m.ID, err)
		}
	}
	return nil
}

// Validate checks the mapping's structural invariants.
func (m *TableMapping) Validate() error {
	if m.SourceTable == "" {
		return fmt.Errorf("source_table is required")
	}
	if len(m.Columns) == 0 {
		return fmt.Errorf("at least one column mapping is required")
	}
	hasKey := false
	for _, c := range m.Columns {
		if c.Source == "" {
			return fmt.Errorf("column mapping with empty source")
		}
		if c.IsKey {
			hasKey = true
			if c.IsIdentity && !m.BulkCopy.KeepIdentity {
				return fmt.Errorf("key column %s is an identity column; enable keep_identity or key on a natural column", c.Source)
			}
		}
	}
	if !hasKey {
		return fmt.Errorf("at least one key column (is_key) is required for idempotent loads")
	}

	switch m.IncrementalType {
	case IncrementalNone:
	case IncrementalInt, IncrementalBigInt, IncrementalDateTime:
		if m.IncrementalColumn == "" {
			return fmt.Errorf("incremental_column is required when incremental_type is %s", m.IncrementalType)
		}
	default:
		return fmt.Errorf("incremental_type must be None, Int, BigInt or DateTime, got %q", m.IncrementalType)
	}

	switch m.IncrementalCompareOperator {
	case OpGreater, OpGreaterOrEqual:
	default:
		return fmt.Errorf("incremental_compare_operator must be '>' or '>=', got %q", m.IncrementalCompareOperator)
	}

	if _, err := m.StartValue(); err != nil {
		return fmt.Errorf("incremental_start_value: %w", err)
	}
	return nil
}
