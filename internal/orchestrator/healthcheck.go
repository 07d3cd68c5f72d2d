package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/johndauphine/tablesync/internal/stats"
)

// HealthCheckResult reports connectivity of a configuration's endpoints.
type HealthCheckResult struct {
	Timestamp       string         `json:"timestamp"`
	ConfigurationID string         `json:"configuration_id"`
	Healthy         bool           `json:"healthy"`
	Source          EndpointHealth `json:"source"`
	Destination     EndpointHealth `json:"destination"`
}

// EndpointHealth is the check result of one logical connection.
type EndpointHealth struct {
	Connection string           `json:"connection"`
	DBType     string           `json:"db_type,omitempty"`
	Connected  bool             `json:"connected"`
	LatencyMs  int64            `json:"latency_ms"`
	Error      string           `json:"error,omitempty"`
	Pool       *stats.PoolStats `json:"pool,omitempty"`
}

const healthCheckTimeout = 30 * time.Second

// HealthCheck pings the source and destination of a configuration.
// Each side runs in parallel with its own timeout so that a slow endpoint
// cannot fail the other one.
func (o *Orchestrator) HealthCheck(ctx context.Context, configurationID string) (*HealthCheckResult, error) {
	cfg, err := o.resolver.Configuration(configurationID)
	if err != nil {
		return nil, err
	}

	result := &HealthCheckResult{
		Timestamp:       time.Now().Format(time.RFC3339),
		ConfigurationID: cfg.ID,
		Source:          EndpointHealth{Connection: cfg.Source},
		Destination:     EndpointHealth{Connection: cfg.Destination},
	}

	var g errgroup.Group
	for _, ep := range []*EndpointHealth{&result.Source, &result.Destination} {
		g.Go(func() error {
			o.checkEndpoint(ctx, ep)
			return nil
		})
	}
	_ = g.Wait()

	result.Healthy = result.Source.Connected && result.Destination.Connected
	return result, nil
}

func (o *Orchestrator) checkEndpoint(ctx context.Context, ep *EndpointHealth) {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	defer func() { ep.LatencyMs = time.Since(start).Milliseconds() }()

	db, err := o.conns.Get(cctx, ep.Connection)
	if err != nil {
		ep.Error = err.Error()
		return
	}
	ep.DBType = db.Dialect().DBType()
	if err := db.DB().PingContext(cctx); err != nil {
		ep.Error = err.Error()
		return
	}
	ep.Connected = true
	ps := db.PoolStats()
	ep.Pool = &ps
}
