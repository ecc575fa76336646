// Package filecache establishes and tears down per-file caching state: it
// elects a node-local I/O rank, claims aggregate stage space from the Local-
// Storage Manager, and owns the Write Pipeline instance that claim backs.
// Per §4.3, a claim failure degrades the file to passthrough rather than
// failing the open — the interposing shim is expected to route writes
// straight to the slow store when IsWriteCachingDisabled reports true.
package filecache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/hdfgroup/arraycache/internal/backend"
	"github.com/hdfgroup/arraycache/internal/cachemetrics"
	"github.com/hdfgroup/arraycache/internal/circuitbreaker"
	"github.com/hdfgroup/arraycache/internal/lsm"
	"github.com/hdfgroup/arraycache/internal/mpi"
	"github.com/hdfgroup/arraycache/internal/slowstore"
	"github.com/hdfgroup/arraycache/internal/writepipeline"
	"github.com/hdfgroup/arraycache/pkg/cacheerrors"
	"github.com/hdfgroup/arraycache/pkg/cachetypes"
	"github.com/hdfgroup/arraycache/pkg/utils"
)

// Config parameterizes one file's cache record.
type Config struct {
	// File is the path being opened; only its basename is used to build
	// the cache record's path.
	File string
	// PoolPath is the node-local storage pool's mount path; the cache
	// record lives at PoolPath/basename(File)-cache/.
	PoolPath string
	// PerRankStageSize is the write-buffer-size configured for this
	// file, claimed once per rank.
	PerRankStageSize int64
	Policy           cachetypes.ReplacementPolicy
	RingCapacity     int
	PageSize         int64
}

func (c *Config) setDefaults() {
	if c.PerRankStageSize <= 0 {
		c.PerRankStageSize = 64 << 20
	}
	if c.Policy == "" {
		c.Policy = cachetypes.PolicyLRU
	}
}

// Cache is one file's open caching state: the claimed stage region, the
// Write Pipeline draining it, and this rank's position in the node-local
// communicator elected to do collective I/O.
type Cache struct {
	cfg    Config
	cache  cachetypes.CachePurpose
	id     string
	pool   *lsm.Pool
	be     backend.Backend
	store  slowstore.Store
	logger *utils.StructuredLogger

	fileComm *mpi.Comm
	nodeComm *mpi.Comm
	isIONode bool

	mu                   sync.Mutex
	writeCachingDisabled bool
	stageName            string
	pipeline             *writepipeline.Pipeline
	aggregateBytes       int64
}

// Open runs the eight-step file-open sequence: split to a node-local
// communicator, elect its rank 0 as the I/O node, compute stage sizes,
// attempt the LSM claim, allocate the cache record, reserve the backend
// stage, build an empty Write Pipeline, and register with the LSM pool.
func Open(ctx context.Context, cfg Config, fileComm *mpi.Comm, nodeColor int, pool *lsm.Pool, be backend.Backend, store slowstore.Store, breaker *circuitbreaker.CircuitBreaker, metrics *cachemetrics.Collector, logger *utils.StructuredLogger) (*Cache, error) {
	cfg.setDefaults()

	// The cache record's name is derived from the application-supplied file
	// path's basename, so it is joined through SecureJoin rather than a bare
	// fmt.Sprintf to guard against a basename smuggling a ".." segment out
	// of the configured pool.
	id, err := utils.SecureJoin(cfg.PoolPath, filepath.Base(cfg.File)+"-cache")
	if err != nil {
		return nil, cacheerrors.New(cacheerrors.CodeStageWriteError, "build cache record path").
			WithCause(err).WithComponent("filecache").WithOperation("Open")
	}

	nodeComm := fileComm.Split(nodeColor, fileComm.Rank())
	c := &Cache{
		cfg:      cfg,
		pool:     pool,
		be:       be,
		store:    store,
		logger:   logger,
		fileComm: fileComm,
		nodeComm: nodeComm,
		isIONode: nodeComm.Rank() == 0,
		id:       id,
	}

	aggregate := cfg.PerRankStageSize * int64(nodeComm.Size())
	c.aggregateBytes = aggregate

	if pool != nil {
		if err := pool.Claim(aggregate, cachetypes.ClaimHard, cfg.Policy); err != nil {
			c.writeCachingDisabled = true
			if logger != nil {
				logger.Warn("filecache: LSM claim failed, disabling write caching for this file", map[string]interface{}{
					"file": cfg.File, "bytes": aggregate, "error": err.Error(),
				})
			}
			return c, nil
		}
	}

	c.stageName = c.id + "/stage"
	if err := be.CreateWriteStage(ctx, c.stageName, cfg.PerRankStageSize); err != nil {
		if pool != nil {
			pool.Release(c.id, nil)
		}
		return nil, cacheerrors.New(cacheerrors.CodeStageWriteError, "reserve file stage").
			WithCause(err).WithComponent("filecache").WithOperation("Open")
	}

	c.pipeline = writepipeline.New(writepipeline.Config{
		Dataset:       cfg.File,
		StageName:     c.stageName,
		StageCapacity: cfg.PerRankStageSize,
		RingCapacity:  cfg.RingCapacity,
		PageSize:      cfg.PageSize,
	}, be, store, breaker, metrics, logger)

	if pool != nil {
		owner := fmt.Sprintf("rank-%d", fileComm.Rank())
		pool.Register(c.id, owner, aggregate, cachetypes.DurationTemporal)
	}

	return c, nil
}

// IsWriteCachingDisabled reports whether the LSM claim failed at open,
// meaning writes through this Cache must bypass staging entirely.
func (c *Cache) IsWriteCachingDisabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeCachingDisabled
}

// IsIONode reports whether this rank was elected rank 0 of the node-local
// communicator — the one responsible for node-scoped bookkeeping such as
// the shared stage's backend-side cleanup.
func (c *Cache) IsIONode() bool { return c.isIONode }

// Write stages src through the underlying Write Pipeline, or writes
// straight to the slow store if write caching was disabled at open.
// dataset names the stream within this file the Write Pipeline tracks
// separately for Flush purposes (e.g. "<file>/<dataset-name>").
func (c *Cache) Write(ctx context.Context, dataset string, memType cachetypes.ElementType, memSel, fileSel cachetypes.Selection, xferProps cachetypes.TransferProperties, src []byte) error {
	c.mu.Lock()
	disabled := c.writeCachingDisabled
	pipeline := c.pipeline
	c.mu.Unlock()

	if disabled {
		return c.passthroughWrite(ctx, dataset, memType, memSel, src)
	}
	return pipeline.Write(ctx, dataset, memType, memSel, fileSel, xferProps, src)
}

// passthroughWrite sends src straight to the slow store, synchronously,
// used when the file's stage claim failed and the interposing shim falls
// back to uncached I/O for this file.
func (c *Cache) passthroughWrite(ctx context.Context, dataset string, memType cachetypes.ElementType, memSel cachetypes.Selection, src []byte) error {
	plan := backend.PlanScatter(memSel, memType)
	size := memSel.Elements() * int64(memType.Size)
	staged := make([]byte, size)
	for _, run := range plan {
		copy(staged[run.DstByteOffset:run.DstByteOffset+run.RunByteLength], src[run.SrcByteOffset:run.SrcByteOffset+run.RunByteLength])
	}

	req, err := c.store.SubmitWrite(ctx, dataset+"/passthrough", 0, staged)
	if err != nil {
		return cacheerrors.New(cacheerrors.CodeSlowStoreError, "passthrough write").
			WithCause(err).WithComponent("filecache").WithOperation("Write")
	}
	if err := req.Wait(ctx); err != nil {
		return cacheerrors.New(cacheerrors.CodeSlowStoreError, "passthrough write").
			WithCause(err).WithComponent("filecache").WithOperation("Write")
	}
	return nil
}

// Flush waits for one dataset's pending writes within this file's pipeline
// to complete, used by the interposing shim's dataset-close path so a
// still-open file doesn't pay for a full pipeline drain per dataset.
func (c *Cache) Flush(ctx context.Context, dataset string) error {
	c.mu.Lock()
	pipeline := c.pipeline
	disabled := c.writeCachingDisabled
	c.mu.Unlock()

	if disabled || pipeline == nil {
		return nil
	}
	return pipeline.Flush(ctx, dataset)
}

// Pause suspends this file's Write Pipeline, deferring issue of new
// slow-store submissions until Resume. A no-op if write caching is
// disabled for this file.
func (c *Cache) Pause() {
	c.mu.Lock()
	pipeline := c.pipeline
	c.mu.Unlock()
	if pipeline != nil {
		pipeline.Pause()
	}
}

// Resume reverses Pause.
func (c *Cache) Resume(ctx context.Context) error {
	c.mu.Lock()
	pipeline := c.pipeline
	c.mu.Unlock()
	if pipeline == nil {
		return nil
	}
	return pipeline.Resume(ctx)
}

// Close flushes the Write Pipeline to completion, releases the cache
// record back to the LSM pool, destroys the backend stage, and drops the
// auxiliary node-local communicator.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	pipeline := c.pipeline
	disabled := c.writeCachingDisabled
	stageName := c.stageName
	c.mu.Unlock()

	if disabled {
		return nil
	}

	var flushErr error
	if pipeline != nil {
		flushErr = pipeline.FlushAll(ctx)
	}

	if c.pool != nil {
		var purge lsm.PurgeFunc
		if c.isIONode {
			purge = func(id string) error {
				return c.be.PurgeFolder(ctx, id)
			}
		}
		c.pool.Release(c.id, purge)
	}

	if err := c.be.DestroyWriteStage(ctx, stageName); err != nil {
		if c.logger != nil {
			c.logger.Warn("filecache: destroy file stage failed", map[string]interface{}{
				"file": c.cfg.File, "error": err.Error(),
			})
		}
	}

	c.nodeComm = nil
	return flushErr
}
