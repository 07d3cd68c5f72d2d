// Package driver provides pluggable database driver abstractions.
// Each database (SQL Server, PostgreSQL, SQLite) implements the Driver interface
// to provide all database-specific functionality in one cohesive unit.
package driver

import (
	"context"
	"database/sql"

	"github.com/johndauphine/tablesync/internal/stats"
)

// Driver represents a pluggable database driver.
//
// To add a new database:
// 1. Create a package under internal/driver/<dbname>/
// 2. Implement the Driver interface
// 3. Register via init(): driver.Register(&MyDriver{})
type Driver interface {
	// Name returns the primary driver name (e.g., "mssql", "postgres").
	Name() string

	// Aliases returns alternative names for this driver.
	Aliases() []string

	// Dialect returns the SQL dialect for this database.
	Dialect() Dialect

	// Open connects to the database and verifies the connection.
	Open(ctx context.Context, dsn string, maxConns int) (Database, error)
}

// Database is an open, pooled handle to one logical database.
// It is safe for concurrent use.
type Database interface {
	// DB returns the database/sql handle used for reads, counts and pings.
	DB() *sql.DB

	// Dialect returns the SQL dialect of this database.
	Dialect() Dialect

	// Writer returns the bulk upsert writer for this database.
	Writer() Writer

	// PoolStats returns connection pool statistics.
	PoolStats() stats.PoolStats

	// Close releases all connections.
	Close() error
}
