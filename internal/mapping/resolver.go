// Package mapping resolves which table mappings a run processes, and in what order.
package mapping

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/johndauphine/tablesync/internal/config"
	"github.com/samber/lo"
)

var (
	// ErrConfigurationNotFound means the configuration id is unknown or inactive.
	ErrConfigurationNotFound = errors.New("configuration not found")

	// ErrNoActiveMappings means nothing is left to process after filtering.
	ErrNoActiveMappings = errors.New("no active table mappings")
)

// Resolver reads table mappings from the loaded configuration.
type Resolver struct {
	cfg *config.Config
}

// NewResolver creates a resolver over cfg.
func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{cfg: cfg}
}

// Configuration returns the active configuration with the given id.
func (r *Resolver) Configuration(id string) (*config.Configuration, error) {
	c, ok := r.cfg.Configuration(id)
	if !ok || !c.Active() {
		return nil, fmt.Errorf("%w: %s", ErrConfigurationNotFound, id)
	}
	return c, nil
}

// ResolveMappings returns the active mappings of a configuration, optionally
// restricted to tableFilter, sorted by Priority and then source table name.
func (r *Resolver) ResolveMappings(configurationID string, tableFilter []string) ([]config.TableMapping, error) {
	c, err := r.Configuration(configurationID)
	if err != nil {
		return nil, err
	}

	mappings := lo.Filter(c.Mappings, func(m config.TableMapping, _ int) bool {
		return m.Active() && (len(tableFilter) == 0 || matchesFilter(m, tableFilter))
	})
	if len(mappings) == 0 {
		return nil, fmt.Errorf("%w: configuration %s", ErrNoActiveMappings, configurationID)
	}

	sort.SliceStable(mappings, func(i, j int) bool {
		if mappings[i].Priority != mappings[j].Priority {
			return mappings[i].Priority < mappings[j].Priority
		}
		return strings.ToLower(mappings[i].SourceName()) < strings.ToLower(mappings[j].SourceName())
	})
	return mappings, nil
}

// ProcessedTables lists the distinct source tables handled by active mappings.
// An empty configurationID covers every active configuration.
func (r *Resolver) ProcessedTables(configurationID string) ([]string, error) {
	var configs []config.Configuration
	if configurationID == "" {
		configs = lo.Filter(r.cfg.Configurations, func(c config.Configuration, _ int) bool { return c.Active() })
	} else {
		c, err := r.Configuration(configurationID)
		if err != nil {
			return nil, err
		}
		configs = []config.Configuration{*c}
	}

	var tables []string
	for _, c := range configs {
		for _, m := range c.Mappings {
			if m.Active() {
				tables = append(tables, m.SourceName())
			}
		}
	}
	tables = lo.Uniq(tables)
	sort.Strings(tables)
	return tables, nil
}

// matchesFilter accepts a mapping id, schema.table or bare source table name.
func matchesFilter(m config.TableMapping, filter []string) bool {
	return lo.ContainsBy(filter, func(f string) bool {
		f = strings.TrimSpace(f)
		return strings.EqualFold(f, m.ID) ||
			strings.EqualFold(f, m.SourceName()) ||
			strings.EqualFold(f, m.SourceTable)
	})
}
