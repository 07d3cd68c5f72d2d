// Package mssql implements the SQL Server driver on top of go-mssqldb.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/johndauphine/tablesync/internal/driver"
	"github.com/johndauphine/tablesync/internal/stats"
	_ "github.com/microsoft/go-mssqldb" // registers "sqlserver"
)

func init() {
	driver.Register(&Driver{})
}

// Driver implements driver.Driver for Microsoft SQL Server.
type Driver struct{}

// Name returns the primary driver name.
func (d *Driver) Name() string {
	return "mssql"
}

// Aliases returns alternative names for the driver.
func (d *Driver) Aliases() []string {
	return []string{"sqlserver", "sql-server"}
}

// Dialect returns the MSSQL dialect.
func (d *Driver) Dialect() driver.Dialect {
	return &Dialect{}
}

// Open connects with the "sqlserver" driver and pings the server.
func (d *Driver) Open(ctx context.Context, dsn string, maxConns int) (driver.Database, error) {
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening connection: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 4
	}

	// Configure connection pool
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 4)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	dialect := &Dialect{}
	return &Database{
		db:      db,
		dialect: dialect,
		writer:  &Writer{db: db, dialect: dialect},
	}, nil
}

// Database is an open SQL Server database.
type Database struct {
	db      *sql.DB
	dialect *Dialect
	writer  *Writer
}

func (d *Database) DB() *sql.DB              { return d.db }
func (d *Database) Dialect() driver.Dialect { return d.dialect }
func (d *Database) Writer() driver.Writer   { return d.writer }
func (d *Database) Close() error            { return d.db.Close() }

// PoolStats returns connection pool statistics.
func (d *Database) PoolStats() stats.PoolStats {
	return stats.FromDBStats("mssql", d.db.Stats())
}
