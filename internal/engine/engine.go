// Package engine wires together the long-lived, rank-wide services a cache
// engine process needs regardless of which file it has open — the metrics
// endpoint, the circuit breaker, the Storage Backend variant, and the
// Local-Storage Manager pool — and exposes the one entry point the
// application side calls per file: OpenFile. cmd/arraycached's main only
// builds one Engine and blocks until shutdown; everything per-file goes
// through the Interposing Shim this Engine hands back.
package engine

import (
	"context"
	"fmt"

	"github.com/hdfgroup/arraycache/internal/backend"
	"github.com/hdfgroup/arraycache/internal/backend/device"
	"github.com/hdfgroup/arraycache/internal/backend/filemmap"
	globalbackend "github.com/hdfgroup/arraycache/internal/backend/global"
	"github.com/hdfgroup/arraycache/internal/backend/ram"
	"github.com/hdfgroup/arraycache/internal/cacheconfig"
	"github.com/hdfgroup/arraycache/internal/cachemetrics"
	"github.com/hdfgroup/arraycache/internal/circuitbreaker"
	"github.com/hdfgroup/arraycache/internal/lsm"
	"github.com/hdfgroup/arraycache/internal/mpi"
	"github.com/hdfgroup/arraycache/internal/shim"
	"github.com/hdfgroup/arraycache/internal/slowstore"
	"github.com/hdfgroup/arraycache/pkg/cachetypes"
	"github.com/hdfgroup/arraycache/pkg/utils"
)

// Engine holds one rank's long-lived cache-engine services.
type Engine struct {
	cfg     *cacheconfig.Configuration
	logger  *utils.StructuredLogger
	metrics *cachemetrics.Collector
	breaker *circuitbreaker.CircuitBreaker
	be      backend.Backend
	pool    *lsm.Pool
}

// New resolves the configured storage kind, builds the matching Storage
// Backend variant, starts the metrics endpoint, and sizes the Local-Storage
// Manager pool from cfg.Storage. The returned Engine owns all of it; call
// Close to shut the metrics endpoint down.
func New(ctx context.Context, cfg *cacheconfig.Configuration, logger *utils.StructuredLogger) (*Engine, error) {
	metrics, err := cachemetrics.NewCollector(&cachemetrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Port:      cfg.Metrics.Port,
		Path:      "/metrics",
		Namespace: "arraycache",
	})
	if err != nil {
		return nil, fmt.Errorf("build metrics collector: %w", err)
	}
	if err := metrics.Start(ctx); err != nil {
		return nil, fmt.Errorf("start metrics endpoint: %w", err)
	}

	breaker := circuitbreaker.NewCircuitBreaker("slow-store", circuitbreaker.Config{
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			if logger != nil {
				logger.Warn("circuit breaker state changed", map[string]interface{}{
					"breaker": name, "from": from.String(), "to": to.String(),
				})
			}
			metrics.SetCircuitBreakerState(name, int(to))
		},
	})

	kind, err := cfg.ResolveStorageKind()
	if err != nil {
		metrics.Stop(ctx)
		return nil, fmt.Errorf("resolve storage kind: %w", err)
	}
	be, err := buildBackend(ctx, kind, cfg)
	if err != nil {
		metrics.Stop(ctx)
		return nil, fmt.Errorf("build storage backend: %w", err)
	}

	pool := lsm.NewPool(cfg.Storage.Path, kind, cfg.Storage.SizeBytes, logger, metrics)

	return &Engine{cfg: cfg, logger: logger, metrics: metrics, breaker: breaker, be: be, pool: pool}, nil
}

// buildBackend selects the Storage Backend variant named by the resolved
// StorageKind, matching the cache-kind-to-constructor table §4.2
// describes.
func buildBackend(ctx context.Context, kind cachetypes.StorageKind, cfg *cacheconfig.Configuration) (backend.Backend, error) {
	switch kind {
	case cachetypes.StorageFileMmap:
		return filemmap.New(cfg.Storage.Path)
	case cachetypes.StorageRAM:
		return ram.New(), nil
	case cachetypes.StorageDevice:
		return device.New(), nil
	case cachetypes.StorageGlobal:
		return globalbackend.New(ctx, globalbackend.Config{
			Bucket:             cfg.Global.Bucket,
			Region:             cfg.Global.Region,
			Endpoint:           cfg.Global.Endpoint,
			PoolSize:           cfg.Global.PoolSize,
			EnableAcceleration: cfg.Global.EnableAcceleration,
		})
	default:
		return nil, fmt.Errorf("unsupported storage kind %q", kind)
	}
}

// OpenFile runs file open through the Interposing Shim using this Engine's
// shared backend, pool, breaker, metrics, and logger. nodeColor identifies
// which physical node comm owns, used to derive the node-local
// communicator the File Cache splits out of fileComm.
func (e *Engine) OpenFile(ctx context.Context, file string, fileComm *mpi.Comm, nodeColor int, store slowstore.Store) (*shim.File, error) {
	flags := shim.CacheFlags{
		WriteCache:        e.cfg.WriteCacheEnabled,
		ReadCache:         e.cfg.ReadCacheEnabled,
		DeferDatasetClose: e.cfg.DeferDatasetClose,
	}
	return shim.OpenFile(ctx, shim.FileConfig{
		File:             file,
		PoolPath:         e.cfg.Storage.Path,
		PerRankStageSize: e.cfg.Storage.WriteBufferSize,
		Policy:           e.cfg.Storage.ReplacementPolicy,
		Flags:            flags,
	}, fileComm, nodeColor, e.pool, e.be, store, e.breaker, e.metrics, e.logger)
}

// PoolRemaining reports the Local-Storage Manager pool's free bytes,
// surfaced for status logging.
func (e *Engine) PoolRemaining() int64 { return e.pool.Remaining() }

// BreakerState reports the slow-store circuit breaker's current state,
// surfaced for status logging.
func (e *Engine) BreakerState() circuitbreaker.State { return e.breaker.GetState() }

// Close shuts down the metrics endpoint. The backend and pool have no
// teardown of their own beyond what each open file's Close already does.
func (e *Engine) Close(ctx context.Context) error {
	return e.metrics.Stop(ctx)
}
