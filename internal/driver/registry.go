package driver

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"
)

var (
	registryMu sync.RWMutex
	byName     = make(map[string]Driver) // primary names and aliases, lower case
)

// Register makes a driver available under its name and aliases. Driver
// packages call it from init; a duplicate name panics.
func Register(d Driver) {
	registryMu.Lock()
	defer registryMu.Unlock()

	for _, name := range append([]string{d.Name()}, d.Aliases()...) {
		key := strings.ToLower(name)
		if prev, ok := byName[key]; ok {
			panic(fmt.Sprintf("driver name %q registered by both %s and %s", key, prev.Name(), d.Name()))
		}
		byName[key] = d
	}
}

func lookup(nameOrAlias string) (Driver, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	d, ok := byName[strings.ToLower(nameOrAlias)]
	return d, ok
}

// Get returns the driver registered under a name or alias.
func Get(nameOrAlias string) (Driver, error) {
	d, ok := lookup(nameOrAlias)
	if !ok {
		return nil, fmt.Errorf("unknown database driver: %q (available: %v)", nameOrAlias, Available())
	}
	return d, nil
}

// Canonicalize maps an alias such as "sqlserver" to its primary name
// ("mssql"). Unknown names are returned unchanged.
func Canonicalize(nameOrAlias string) string {
	if d, ok := lookup(nameOrAlias); ok {
		return d.Name()
	}
	return nameOrAlias
}

// Available returns the sorted primary names of registered drivers.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := lo.Uniq(lo.MapToSlice(byName, func(_ string, d Driver) string { return d.Name() }))
	slices.Sort(names)
	return names
}

// Open connects to dsn with the named driver.
func Open(ctx context.Context, nameOrAlias, dsn string, maxConns int) (Database, error) {
	d, err := Get(nameOrAlias)
	if err != nil {
		return nil, err
	}
	db, err := d.Open(ctx, dsn, maxConns)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", d.Name(), err)
	}
	return db, nil
}
