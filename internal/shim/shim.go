// Package shim is the Interposing Shim: the single surface every call from
// application code passes through before reaching either a cached path
// (Write Pipeline, Read Mirror) or straight through to the slow store. It
// decides which column of §4.6's truth table applies per call by looking
// at the dataset's (and its file's) read/write-cache flags, and forces
// write-caching off whenever the underlying pipeline's circuit breaker has
// tripped open.
package shim

import (
	"context"
	"fmt"
	"sync"

	"github.com/hdfgroup/arraycache/internal/backend"
	"github.com/hdfgroup/arraycache/internal/cachemetrics"
	"github.com/hdfgroup/arraycache/internal/circuitbreaker"
	"github.com/hdfgroup/arraycache/internal/filecache"
	"github.com/hdfgroup/arraycache/internal/lsm"
	"github.com/hdfgroup/arraycache/internal/mpi"
	"github.com/hdfgroup/arraycache/internal/readmirror"
	"github.com/hdfgroup/arraycache/internal/slowstore"
	"github.com/hdfgroup/arraycache/pkg/cachetypes"
	"github.com/hdfgroup/arraycache/pkg/utils"
)

// CacheFlags are the read/write-cache toggles that propagate from a file
// down to its groups and datasets on every create/open, per §4.6.
type CacheFlags struct {
	WriteCache bool
	ReadCache  bool
	// DeferDatasetClose mirrors HDF5_CACHE_DCLOSE_DELAY: a dataset close
	// only drops its entry from the live set, the actual Mirror/pipeline
	// teardown is deferred to file close.
	DeferDatasetClose bool
}

// FileConfig parameterizes one open file's shim state.
type FileConfig struct {
	File             string
	PoolPath         string
	PerRankStageSize int64
	Policy           cachetypes.ReplacementPolicy
	Flags            CacheFlags
}

// DatasetConfig parameterizes one dataset opened within a file. Flags
// default to the owning file's flags when zero-valued; pass an explicit
// CacheFlags to override what the dataset inherited.
type DatasetConfig struct {
	Name              string
	TotalSamples      int64
	ElementsPerSample int64
	ElementType       cachetypes.ElementType
	Flags             *CacheFlags // nil inherits the file's flags
}

// File is one open file's shim state: its write-cache record (if enabled)
// and the set of datasets opened within it.
type File struct {
	cfg     FileConfig
	comm    *mpi.Comm
	pool    *lsm.Pool
	be      backend.Backend
	store   slowstore.Store
	breaker *circuitbreaker.CircuitBreaker
	metrics *cachemetrics.Collector
	logger  *utils.StructuredLogger

	mu       sync.Mutex
	wcache   *filecache.Cache // nil if the file never enabled write-caching
	datasets map[string]*dataset
	// deferred holds datasets whose Close was requested but postponed
	// under DeferDatasetClose, torn down only at CloseFile.
	deferred map[string]*dataset

	breakerOpenLogged bool
}

type dataset struct {
	cfg    DatasetConfig
	flags  CacheFlags
	mirror *readmirror.Mirror // nil if the dataset never enabled read-caching
}

// OpenFile runs the write-cache half of file open: if cfg.Flags.WriteCache
// is set, it establishes a filecache.Cache via Open; otherwise every write
// on this file passes straight through.
func OpenFile(ctx context.Context, cfg FileConfig, comm *mpi.Comm, nodeColor int, pool *lsm.Pool, be backend.Backend, store slowstore.Store, breaker *circuitbreaker.CircuitBreaker, metrics *cachemetrics.Collector, logger *utils.StructuredLogger) (*File, error) {
	f := &File{
		cfg:      cfg,
		comm:     comm,
		pool:     pool,
		be:       be,
		store:    store,
		breaker:  breaker,
		metrics:  metrics,
		logger:   logger,
		datasets: make(map[string]*dataset),
		deferred: make(map[string]*dataset),
	}

	if !cfg.Flags.WriteCache {
		return f, nil
	}

	fcCfg := filecache.Config{
		File:             cfg.File,
		PoolPath:         cfg.PoolPath,
		PerRankStageSize: cfg.PerRankStageSize,
		Policy:           cfg.Policy,
	}
	wc, err := filecache.Open(ctx, fcCfg, comm, nodeColor, pool, be, store, breaker, metrics, logger)
	if err != nil {
		return nil, err
	}
	f.wcache = wc
	return f, nil
}

// OpenDataset registers a dataset under this file, propagating the file's
// cache flags unless dcfg.Flags overrides them, and opening a Read Mirror
// when read-caching applies.
func (f *File) OpenDataset(ctx context.Context, dcfg DatasetConfig) error {
	flags := f.cfg.Flags
	if dcfg.Flags != nil {
		flags = *dcfg.Flags
	}

	d := &dataset{cfg: dcfg, flags: flags}
	if flags.ReadCache {
		m := readmirror.New(readmirror.Config{
			Dataset:           fmt.Sprintf("%s/%s", f.cfg.File, dcfg.Name),
			TotalSamples:      dcfg.TotalSamples,
			ElementsPerSample: dcfg.ElementsPerSample,
			ElementType:       dcfg.ElementType,
			ReplacementPolicy: f.cfg.Policy,
		}, f.be, f.store, f.comm, f.pool, f.metrics, f.logger)
		if err := m.Open(ctx); err != nil {
			return err
		}
		d.mirror = m
	}

	f.mu.Lock()
	f.datasets[dcfg.Name] = d
	f.mu.Unlock()
	return nil
}

// writeCachingActive reports whether writes on this file should go through
// the pipeline right now: the flag must be set, a Cache must exist and not
// have degraded to passthrough at open, and the breaker (if any) must not
// be open. A breaker trip is logged once per transition, not once per call.
func (f *File) writeCachingActive() bool {
	if !f.cfg.Flags.WriteCache || f.wcache == nil || f.wcache.IsWriteCachingDisabled() {
		return false
	}
	if f.breaker != nil && f.breaker.GetState() == circuitbreaker.StateOpen {
		f.mu.Lock()
		if !f.breakerOpenLogged {
			f.breakerOpenLogged = true
			if f.logger != nil {
				f.logger.Warn("shim: circuit breaker open, forcing write-cache off for this file", map[string]interface{}{
					"file": f.cfg.File,
				})
			}
		}
		f.mu.Unlock()
		return false
	}
	f.mu.Lock()
	f.breakerOpenLogged = false
	f.mu.Unlock()
	return true
}

// Write implements the write row of the truth table.
func (f *File) Write(ctx context.Context, datasetName string, memType cachetypes.ElementType, memSel, fileSel cachetypes.Selection, xferProps cachetypes.TransferProperties, src []byte) error {
	trace := utils.StartTrace(utils.FromContext(ctx), utils.ComponentShim, "Write", map[string]interface{}{
		"file": f.cfg.File, "dataset": datasetName,
	})

	key := fmt.Sprintf("%s/%s", f.cfg.File, datasetName)
	var err error
	if !f.writeCachingActive() {
		err = f.passthroughWrite(ctx, datasetName, memSel, memType, src)
	} else {
		err = f.wcache.Write(ctx, key, memType, memSel, fileSel, xferProps, src)
	}

	if err != nil {
		trace.EndWithError(err)
	} else {
		trace.End("write complete")
	}
	return err
}

func (f *File) passthroughWrite(ctx context.Context, datasetName string, memSel cachetypes.Selection, memType cachetypes.ElementType, src []byte) error {
	plan := backend.PlanScatter(memSel, memType)
	size := memSel.Elements() * int64(memType.Size)
	staged := make([]byte, size)
	for _, run := range plan {
		copy(staged[run.DstByteOffset:run.DstByteOffset+run.RunByteLength], src[run.SrcByteOffset:run.SrcByteOffset+run.RunByteLength])
	}
	req, err := f.store.SubmitWrite(ctx, fmt.Sprintf("%s/%s/passthrough", f.cfg.File, datasetName), 0, staged)
	if err != nil {
		return err
	}
	return req.Wait(ctx)
}

// Read implements the read row: pass through if read-caching is off for
// this dataset, otherwise dispatch to read_from_cache once fully_cached or
// read_to_cache while the mirror is still filling.
func (f *File) Read(ctx context.Context, datasetName string, memType cachetypes.ElementType, fileSel cachetypes.Selection, dst []byte) error {
	trace := utils.StartTrace(utils.FromContext(ctx), utils.ComponentShim, "Read", map[string]interface{}{
		"file": f.cfg.File, "dataset": datasetName,
	})

	err := f.read(ctx, datasetName, memType, fileSel, dst)
	if err != nil {
		trace.EndWithError(err)
	} else {
		trace.End("read complete")
	}
	return err
}

func (f *File) read(ctx context.Context, datasetName string, memType cachetypes.ElementType, fileSel cachetypes.Selection, dst []byte) error {
	d, err := f.dataset(datasetName)
	if err != nil {
		return err
	}
	if !d.flags.ReadCache || d.mirror == nil {
		return f.passthroughRead(ctx, datasetName, fileSel, memType, dst)
	}
	if d.mirror.State() == cachetypes.MirrorFullyCached {
		return d.mirror.ReadFromCache(fileSel, memType, dst)
	}
	return d.mirror.ReadToCache(ctx, memType, fileSel, dst)
}

func (f *File) passthroughRead(ctx context.Context, datasetName string, fileSel cachetypes.Selection, memType cachetypes.ElementType, dst []byte) error {
	req, err := f.store.SubmitRead(ctx, fmt.Sprintf("%s/%s/passthrough", f.cfg.File, datasetName), 0, dst)
	if err != nil {
		return err
	}
	return req.Wait(ctx)
}

// Prefetch implements the prefetch row: a no-op pass-through when
// read-caching is off, otherwise kicks off the mirror's async prefetch.
func (f *File) Prefetch(ctx context.Context, datasetName string) error {
	d, err := f.dataset(datasetName)
	if err != nil {
		return err
	}
	if !d.flags.ReadCache || d.mirror == nil {
		return nil
	}
	return d.mirror.Prefetch(ctx)
}

// Pause suspends the file's write pipeline, a no-op if write-caching is
// off for this file.
func (f *File) Pause() {
	if f.wcache != nil {
		f.wcache.Pause()
	}
}

// Resume reverses Pause.
func (f *File) Resume(ctx context.Context) error {
	if f.wcache != nil {
		return f.wcache.Resume(ctx)
	}
	return nil
}

// CloseDataset implements the close-dataset row. Under DeferDatasetClose
// the dataset's mirror/pipeline state is kept alive and the teardown is
// deferred to CloseFile; otherwise it tears down immediately: flush the
// dataset's pending writes, then destroy the mirror and release its LSM
// claim.
func (f *File) CloseDataset(ctx context.Context, datasetName string) error {
	f.mu.Lock()
	d, ok := f.datasets[datasetName]
	if !ok {
		f.mu.Unlock()
		return nil
	}
	delete(f.datasets, datasetName)
	if f.cfg.Flags.DeferDatasetClose {
		f.deferred[datasetName] = d
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	return f.teardownDataset(ctx, datasetName, d)
}

func (f *File) teardownDataset(ctx context.Context, datasetName string, d *dataset) error {
	var flushErr error
	if f.writeCachingActive() {
		flushErr = f.wcache.Flush(ctx, fmt.Sprintf("%s/%s", f.cfg.File, datasetName))
	}
	if d.mirror != nil {
		if err := d.mirror.Close(ctx); err != nil && flushErr == nil {
			flushErr = err
		}
	}
	return flushErr
}

// CloseFile implements the close-file row: flush every remaining write,
// tear down every deferred (and still-open) dataset, and release the
// file's own write-cache record.
func (f *File) CloseFile(ctx context.Context) error {
	f.mu.Lock()
	remaining := make(map[string]*dataset, len(f.datasets)+len(f.deferred))
	for name, d := range f.datasets {
		remaining[name] = d
	}
	for name, d := range f.deferred {
		remaining[name] = d
	}
	f.datasets = make(map[string]*dataset)
	f.deferred = make(map[string]*dataset)
	f.mu.Unlock()

	var firstErr error
	for name, d := range remaining {
		if d.mirror != nil {
			if err := d.mirror.Close(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		_ = name
	}

	if f.wcache != nil {
		if err := f.wcache.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *File) dataset(name string) (*dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.datasets[name]
	if !ok {
		d, ok = f.deferred[name]
	}
	if !ok {
		return nil, fmt.Errorf("shim: dataset %q not open", name)
	}
	return d, nil
}
