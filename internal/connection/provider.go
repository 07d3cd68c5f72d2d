// Package connection resolves logical connection ids to open database pools.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/johndauphine/tablesync/internal/config"
	"github.com/johndauphine/tablesync/internal/driver"
	"github.com/johndauphine/tablesync/internal/logging"
	"github.com/johndauphine/tablesync/internal/secrets"
)

// ErrUnknownConnection is returned for logical ids missing from configuration.
var ErrUnknownConnection = errors.New("unknown connection")

// Provider opens and caches one pooled database per logical connection id.
// It is safe for concurrent use.
type Provider struct {
	conns    map[string]config.ConnectionConfig
	resolver secrets.Resolver

	mu   sync.Mutex
	open map[string]driver.Database
}

// NewProvider creates a provider over the configured connections.
func NewProvider(conns map[string]config.ConnectionConfig, resolver secrets.Resolver) *Provider {
	if resolver == nil {
		resolver = secrets.Passthrough{}
	}
	return &Provider{
		conns:    conns,
		resolver: resolver,
		open:     make(map[string]driver.Database),
	}
}

// ResolveConnectionString returns the connection string for a logical id
// with every secret placeholder resolved.
func (p *Provider) ResolveConnectionString(ctx context.Context, logicalID string) (string, error) {
	cc, ok := p.conns[logicalID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownConnection, logicalID)
	}

	fields := []*string{&cc.DSN, &cc.Host, &cc.Database, &cc.User, &cc.Password}
	for _, f := range fields {
		if *f == "" {
			continue
		}
		v, err := p.resolver.Resolve(ctx, *f)
		if err != nil {
			return "", fmt.Errorf("resolving secrets for connection %s: %w", logicalID, err)
		}
		*f = v
	}
	return cc.BuildDSN(), nil
}

// DriverName returns the configured driver for a logical id.
func (p *Provider) DriverName(logicalID string) string {
	return p.conns[logicalID].Driver
}

// Get returns the open database for a logical id, connecting on first use.
func (p *Provider) Get(ctx context.Context, logicalID string) (driver.Database, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.open[logicalID]; ok {
		return db, nil
	}

	cc, ok := p.conns[logicalID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, logicalID)
	}
	dsn, err := p.ResolveConnectionString(ctx, logicalID)
	if err != nil {
		return nil, err
	}

	db, err := driver.Open(ctx, cc.Driver, dsn, cc.MaxConnections)
	if err != nil {
		return nil, fmt.Errorf("connection %s: %w", logicalID, err)
	}
	logging.Debug("Connected %s (%s)", logicalID, driver.Canonicalize(cc.Driver))
	p.open[logicalID] = db
	return db, nil
}

// Register installs an already-open database under a logical id.
func (p *Provider) Register(logicalID string, db driver.Database) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open[logicalID] = db
	if _, ok := p.conns[logicalID]; !ok {
		if p.conns == nil {
			p.conns = make(map[string]config.ConnectionConfig)
		}
		p.conns[logicalID] = config.ConnectionConfig{Driver: db.Dialect().DBType()}
	}
}

// Close closes every open database.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for id, db := range p.open {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", id, err))
		}
		delete(p.open, id)
	}
	return errors.Join(errs...)
}
