// Package postgres implements the PostgreSQL driver. Reads go through
// database/sql with lib/pq; bulk upserts go through a pgx connection pool.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/johndauphine/tablesync/internal/driver"
	"github.com/johndauphine/tablesync/internal/stats"
	_ "github.com/lib/pq" // registers "postgres" for database/sql
)

func init() {
	driver.Register(&Driver{})
}

// Driver implements driver.Driver for PostgreSQL.
type Driver struct{}

// Name returns the primary driver name.
func (d *Driver) Name() string {
	return "postgres"
}

// Aliases returns alternative names for the driver.
func (d *Driver) Aliases() []string {
	return []string{"postgresql", "pg"}
}

// Dialect returns the PostgreSQL dialect.
func (d *Driver) Dialect() driver.Dialect {
	return &Dialect{}
}

// Open creates the pgx write pool and the lib/pq read handle and pings both.
func (d *Driver) Open(ctx context.Context, dsn string, maxConns int) (driver.Database, error) {
	if maxConns <= 0 {
		maxConns = 4
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	poolCfg.MaxConns = int32(maxConns)
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("opening read connection: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 4)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		pool.Close()
		db.Close()
		return nil, fmt.Errorf("pinging read connection: %w", err)
	}

	dialect := &Dialect{}
	return &Database{
		pool:    pool,
		db:      db,
		dialect: dialect,
		writer:  &Writer{pool: pool, dialect: dialect},
	}, nil
}

// Database is an open PostgreSQL database.
type Database struct {
	pool    *pgxpool.Pool
	db      *sql.DB
	dialect *Dialect
	writer  *Writer
}

func (d *Database) DB() *sql.DB              { return d.db }
func (d *Database) Dialect() driver.Dialect { return d.dialect }
func (d *Database) Writer() driver.Writer   { return d.writer }

// PoolStats reports the pgx write pool, which carries the load traffic.
func (d *Database) PoolStats() stats.PoolStats {
	s := d.pool.Stat()
	return stats.PoolStats{
		DBType:      "postgres",
		MaxConns:    int(s.MaxConns()),
		ActiveConns: int(s.AcquiredConns()),
		IdleConns:   int(s.IdleConns()),
		WaitCount:   s.EmptyAcquireCount(),
		WaitTimeMs:  s.AcquireDuration().Milliseconds(),
	}
}

// Close closes both pools.
func (d *Database) Close() error {
	d.pool.Close()
	return d.db.Close()
}
