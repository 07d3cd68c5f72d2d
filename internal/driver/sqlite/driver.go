// Package sqlite implements the SQLite driver (modernc.org/sqlite, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/johndauphine/tablesync/internal/driver"
	"github.com/johndauphine/tablesync/internal/stats"
	_ "modernc.org/sqlite" // registers "sqlite"
)

func init() {
	driver.Register(&Driver{})
}

// Driver implements driver.Driver for SQLite.
type Driver struct{}

// Name returns the primary driver name.
func (d *Driver) Name() string {
	return "sqlite"
}

// Aliases returns alternative names for the driver.
func (d *Driver) Aliases() []string {
	return []string{"sqlite3"}
}

// Dialect returns the SQLite dialect.
func (d *Driver) Dialect() driver.Dialect {
	return &Dialect{}
}

// Open opens a SQLite database file. The dsn is a file path with optional
// _pragma query parameters.
func (d *Driver) Open(ctx context.Context, dsn string, maxConns int) (driver.Database, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite: %w", err)
	}

	dialect := &Dialect{}
	return &Database{
		db:      db,
		dialect: dialect,
		writer:  &Writer{db: db, dialect: dialect},
	}, nil
}

// Database is an open SQLite database.
type Database struct {
	db      *sql.DB
	dialect *Dialect
	writer  *Writer
}

// NewDatabase wraps an existing handle, mainly for tests.
func NewDatabase(db *sql.DB) *Database {
	dialect := &Dialect{}
	return &Database{db: db, dialect: dialect, writer: &Writer{db: db, dialect: dialect}}
}

func (d *Database) DB() *sql.DB              { return d.db }
func (d *Database) Dialect() driver.Dialect { return d.dialect }
func (d *Database) Writer() driver.Writer   { return d.writer }
func (d *Database) Close() error            { return d.db.Close() }

// PoolStats returns connection pool statistics.
func (d *Database) PoolStats() stats.PoolStats {
	return stats.FromDBStats("sqlite", d.db.Stats())
}
