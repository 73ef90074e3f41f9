package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/ptpm/legacy-sync/internal/config"
	"github.com/ptpm/legacy-sync/internal/source"
	"github.com/ptpm/legacy-sync/internal/target"
)

// HealthCheckResult reports connectivity to both ends of the sync.
type HealthCheckResult struct {
	Timestamp       string `json:"timestamp"`
	SourceDBType    string `json:"sourceDbType"`
	SourceConnected bool   `json:"sourceConnected"`
	SourceLatencyMs int64  `json:"sourceLatencyMs"`
	SourceError     string `json:"sourceError,omitempty"`
	TargetEndpoint  string `json:"targetEndpoint"`
	TargetConnected bool   `json:"targetConnected"`
	TargetLatencyMs int64  `json:"targetLatencyMs"`
	TargetError     string `json:"targetError,omitempty"`
	Healthy         bool   `json:"healthy"`
}

const checkTimeout = 30 * time.Second

// HealthCheck pings the source database and the GraphQL endpoint in
// parallel. Each side gets its own timeout so a slow one cannot starve the
// other.
func HealthCheck(ctx context.Context, cfg *config.Config) *HealthCheckResult {
	return healthCheck(ctx, cfg, func(ctx context.Context) error {
		pool, err := source.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		return pool.Close()
	}, target.NewClient(cfg.Target))
}

func healthCheck(ctx context.Context, cfg *config.Config, pingSource func(context.Context) error, client target.Doer) *HealthCheckResult {
	result := &HealthCheckResult{
		Timestamp:      time.Now().Format(time.RFC3339),
		SourceDBType:   cfg.Source.Type,
		TargetEndpoint: cfg.Target.Endpoint,
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		start := time.Now()
		sourceCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()

		if err := pingSource(sourceCtx); err != nil {
			result.SourceError = err.Error()
		} else {
			result.SourceConnected = true
		}
		result.SourceLatencyMs = time.Since(start).Milliseconds()
	}()

	go func() {
		defer wg.Done()
		start := time.Now()
		targetCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()

		if err := cfg.ValidateTarget(); err != nil {
			result.TargetError = err.Error()
		} else if _, err := client.Do(targetCtx, "query { __typename }", nil); err != nil {
			result.TargetError = err.Error()
		} else {
			result.TargetConnected = true
		}
		result.TargetLatencyMs = time.Since(start).Milliseconds()
	}()

	wg.Wait()

	result.Healthy = result.SourceConnected && result.TargetConnected
	return result
}
