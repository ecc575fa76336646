// Package readmirror implements the Read Mirror: per-rank partitioning of
// a dataset's samples, put-on-first-read staging via read_to_cache, pure
// one-sided reads via read_from_cache once a dataset is fully cached, and
// the collective state machine that decides when that point is reached.
package readmirror

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/hdfgroup/arraycache/internal/backend"
	"github.com/hdfgroup/arraycache/internal/cachemetrics"
	"github.com/hdfgroup/arraycache/internal/lsm"
	"github.com/hdfgroup/arraycache/internal/mpi"
	"github.com/hdfgroup/arraycache/internal/slowstore"
	"github.com/hdfgroup/arraycache/pkg/cacheerrors"
	"github.com/hdfgroup/arraycache/pkg/cachetypes"
	"github.com/hdfgroup/arraycache/pkg/utils"
)

// Config parameterizes one Mirror, one per dataset per rank.
type Config struct {
	Dataset           string
	TotalSamples      int64
	ElementsPerSample int64
	ElementType       cachetypes.ElementType
	ReplacementPolicy cachetypes.ReplacementPolicy

	// SubBlockThresholdBytes splits a prefetch into concurrent sub-block
	// reads once the rank's partition exceeds this size. Defaults to 1 GiB.
	SubBlockThresholdBytes int64
}

func (c *Config) setDefaults() {
	if c.SubBlockThresholdBytes <= 0 {
		c.SubBlockThresholdBytes = 1 << 30
	}
}

// Mirror is the Read Mirror for one dataset on one rank.
type Mirror struct {
	cfg     Config
	be      backend.Backend
	store   slowstore.Store
	comm    *mpi.Comm
	pool    *lsm.Pool // node-local storage pool this mirror claims space from; may be nil
	metrics *cachemetrics.Collector
	logger  *utils.StructuredLogger

	mu            sync.Mutex
	partition     Partition
	mirrorName    string
	win           *mpi.Window
	samplesCached int64
	state         cachetypes.MirrorState
	prefetchPool  *pool.ContextPool
}

// New builds a Mirror for the given communicator rank. pool, metrics, and
// logger may be nil.
func New(cfg Config, be backend.Backend, store slowstore.Store, comm *mpi.Comm, p *lsm.Pool, metrics *cachemetrics.Collector, logger *utils.StructuredLogger) *Mirror {
	cfg.setDefaults()
	return &Mirror{
		cfg:     cfg,
		be:      be,
		store:   store,
		comm:    comm,
		pool:    p,
		metrics: metrics,
		logger:  logger,
		state:   cachetypes.MirrorEmpty,
	}
}

func (m *Mirror) sampleBytes() int64 {
	return m.cfg.ElementsPerSample * int64(m.cfg.ElementType.Size)
}

// Open computes this rank's sample partition, claims space in the
// node-local pool, creates the mirror region via the storage backend, and
// exposes it through a one-sided window.
func (m *Mirror) Open(ctx context.Context) error {
	m.partition = computePartition(m.comm.Rank(), m.comm.Size(), m.cfg.TotalSamples)
	size := m.partition.Count * m.sampleBytes()
	m.mirrorName = fmt.Sprintf("mirror/%s/rank-%d", m.cfg.Dataset, m.comm.Rank())

	if m.pool != nil {
		if err := m.pool.Claim(size, cachetypes.ClaimHard, m.cfg.ReplacementPolicy); err != nil {
			return err
		}
		m.pool.Register(m.mirrorName, "readmirror", size, cachetypes.DurationTemporal)
	}

	if err := m.be.CreateReadMirror(ctx, m.mirrorName, size); err != nil {
		return cacheerrors.New(cacheerrors.CodeStageWriteError, "create read mirror").
			WithCause(err).WithComponent("readmirror").WithOperation("Open")
	}

	m.win = mpi.NewWindow(m.comm, size)
	m.state = cachetypes.MirrorEmpty
	return nil
}

// Close destroys the mirror region and releases its claimed space.
func (m *Mirror) Close(ctx context.Context) error {
	size := m.partition.Count * m.sampleBytes()
	err := m.be.DestroyReadMirror(ctx, m.mirrorName, size)
	if m.pool != nil {
		m.pool.Release(m.mirrorName, func(id string) error {
			return m.be.PurgeFolder(ctx, m.mirrorName)
		})
	}
	if err != nil {
		return cacheerrors.New(cacheerrors.CodeStageWriteError, "destroy read mirror").
			WithCause(err).WithComponent("readmirror").WithOperation("Close")
	}
	return nil
}

// State returns the mirror's current position in the
// empty/partially_cached/fully_cached state machine.
func (m *Mirror) State() cachetypes.MirrorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Prefetch issues an asynchronous slow-store read of this rank's entire
// sample partition directly into the mirror, splitting into concurrent
// sub-block reads once the partition exceeds the configured threshold.
// It returns once a goroutine has been launched for every sub-block read;
// PrefetchWait joins them.
func (m *Mirror) Prefetch(ctx context.Context) error {
	m.mu.Lock()
	if m.state != cachetypes.MirrorEmpty {
		m.mu.Unlock()
		return nil
	}
	total := m.partition.Count * m.sampleBytes()
	chunk := m.cfg.SubBlockThresholdBytes
	win := m.win
	baseByteOffset := m.partition.Start * m.sampleBytes()
	m.mu.Unlock()

	p := pool.New().WithErrors().WithContext(ctx)
	for off := int64(0); off < total; off += chunk {
		off := off
		length := chunk
		if off+length > total {
			length = total - off
		}
		p.Go(func(ctx context.Context) error {
			dst := win.Local()[off : off+length]
			req, err := m.store.SubmitRead(ctx, m.cfg.Dataset, baseByteOffset+off, dst)
			if err != nil {
				return err
			}
			return req.Wait(ctx)
		})
	}

	m.mu.Lock()
	m.prefetchPool = p
	m.mu.Unlock()
	return nil
}

// PrefetchWait blocks until every sub-block read launched by Prefetch has
// completed, surfacing the first error any of them reported.
func (m *Mirror) PrefetchWait() error {
	m.mu.Lock()
	p := m.prefetchPool
	m.mu.Unlock()
	if p == nil {
		return nil
	}
	if err := p.Wait(); err != nil {
		return cacheerrors.New(cacheerrors.CodeSlowStoreError, "prefetch sub-block read").
			WithCause(err).WithComponent("readmirror").WithOperation("PrefetchWait")
	}
	return nil
}

// ReadToCache performs a blocking slow-store read into dst, one-sided-puts
// the batch to its owning ranks, and advances the dataset's collective
// fully_cached state once every rank has cached its own partition.
func (m *Mirror) ReadToCache(ctx context.Context, memType cachetypes.ElementType, fileSel cachetypes.Selection, dst []byte) error {
	samples := batchSamples(fileSel, m.cfg.ElementsPerSample)
	if len(samples) == 0 {
		return cacheerrors.New(cacheerrors.CodeMisconfiguredCache, "read_to_cache batch selects no samples").
			WithComponent("readmirror").WithOperation("ReadToCache")
	}

	sampleBytes := m.cfg.ElementsPerSample * int64(memType.Size)
	readOffset := samples[0] * sampleBytes

	req, err := m.store.SubmitRead(ctx, m.cfg.Dataset, readOffset, dst)
	if err != nil {
		return cacheerrors.New(cacheerrors.CodeSlowStoreError, "read_to_cache slow-store read").
			WithCause(err).WithComponent("readmirror").WithOperation("ReadToCache")
	}
	if err := req.Wait(ctx); err != nil {
		return cacheerrors.New(cacheerrors.CodeSlowStoreError, "read_to_cache slow-store read").
			WithCause(err).WithComponent("readmirror").WithOperation("ReadToCache")
	}

	if err := m.putBatch(fileSel, samples, sampleBytes, dst); err != nil {
		return err
	}

	owned := int64(0)
	for _, s := range samples {
		r, _ := owner(s, m.comm.Size(), m.cfg.TotalSamples)
		if r == m.comm.Rank() {
			owned++
		}
	}

	m.mu.Lock()
	m.samplesCached += owned
	locallyFull := m.samplesCached >= m.partition.Count
	if m.samplesCached > 0 && m.state == cachetypes.MirrorEmpty {
		m.state = cachetypes.MirrorPartiallyCached
	}
	m.mu.Unlock()

	full := m.comm.AllReduceAnd(locallyFull)
	if full {
		m.mu.Lock()
		m.state = cachetypes.MirrorFullyCached
		m.mu.Unlock()
	}

	if m.metrics != nil {
		m.metrics.RecordReadMirrorMiss(m.cfg.Dataset)
	}
	return nil
}

// putBatch one-sided-puts the just-read bytes to each sample's owning
// rank, taking the single-put contiguous fast path when fileSel is one
// regular hyperslab and every sample in the batch belongs to the same
// owner.
func (m *Mirror) putBatch(fileSel cachetypes.Selection, samples []int64, sampleBytes int64, data []byte) error {
	fastPathRank, fastPathOK := m.singleOwner(fileSel, samples)

	m.win.Fence(mpi.FenceNoPrecede)
	defer m.win.Fence(mpi.FenceNoSucceed)

	if fastPathOK {
		_, firstLocal := owner(samples[0], m.comm.Size(), m.cfg.TotalSamples)
		if err := m.win.Put(fastPathRank, firstLocal*sampleBytes, data); err != nil {
			return cacheerrors.New(cacheerrors.CodeWindowError, "contiguous batch put").
				WithCause(err).WithComponent("readmirror").WithOperation("putBatch")
		}
		return nil
	}

	for i, s := range samples {
		rank, local := owner(s, m.comm.Size(), m.cfg.TotalSamples)
		chunk := data[int64(i)*sampleBytes : int64(i+1)*sampleBytes]
		if err := m.win.Put(rank, local*sampleBytes, chunk); err != nil {
			return cacheerrors.New(cacheerrors.CodeWindowError, "per-sample put").
				WithCause(err).WithComponent("readmirror").WithOperation("putBatch")
		}
	}
	return nil
}

// ReadFromCache serves a batch purely from the mirror via one-sided gets,
// valid once the dataset's state has reached fully_cached.
func (m *Mirror) ReadFromCache(fileSel cachetypes.Selection, memType cachetypes.ElementType, dst []byte) error {
	samples := batchSamples(fileSel, m.cfg.ElementsPerSample)
	if len(samples) == 0 {
		return cacheerrors.New(cacheerrors.CodeMisconfiguredCache, "read_from_cache batch selects no samples").
			WithComponent("readmirror").WithOperation("ReadFromCache")
	}
	sampleBytes := m.cfg.ElementsPerSample * int64(memType.Size)

	fastPathRank, fastPathOK := m.singleOwner(fileSel, samples)

	m.win.Fence(mpi.FenceNoPrecede | mpi.FenceNoPut)
	defer m.win.Fence(mpi.FenceNoSucceed)

	if fastPathOK {
		_, firstLocal := owner(samples[0], m.comm.Size(), m.cfg.TotalSamples)
		data, err := m.win.Get(fastPathRank, firstLocal*sampleBytes, int64(len(samples))*sampleBytes)
		if err != nil {
			return cacheerrors.New(cacheerrors.CodeWindowError, "contiguous batch get").
				WithCause(err).WithComponent("readmirror").WithOperation("ReadFromCache")
		}
		copy(dst, data)
	} else {
		for i, s := range samples {
			rank, local := owner(s, m.comm.Size(), m.cfg.TotalSamples)
			data, err := m.win.Get(rank, local*sampleBytes, sampleBytes)
			if err != nil {
				return cacheerrors.New(cacheerrors.CodeWindowError, "per-sample get").
					WithCause(err).WithComponent("readmirror").WithOperation("ReadFromCache")
			}
			copy(dst[int64(i)*sampleBytes:int64(i+1)*sampleBytes], data)
		}
	}

	if m.metrics != nil {
		m.metrics.RecordReadMirrorHit(m.cfg.Dataset)
	}
	return nil
}

// singleOwner reports whether fileSel is one regular hyperslab and every
// sample it covers belongs to the same rank — the precondition for the
// contiguous single-put/get fast path.
func (m *Mirror) singleOwner(fileSel cachetypes.Selection, samples []int64) (rank int, ok bool) {
	if !fileSel.Contiguous || len(samples) == 0 {
		return 0, false
	}
	first, _ := owner(samples[0], m.comm.Size(), m.cfg.TotalSamples)
	for _, s := range samples[1:] {
		r, _ := owner(s, m.comm.Size(), m.cfg.TotalSamples)
		if r != first {
			return 0, false
		}
	}
	return first, true
}

// batchSamples expands fileSel's runs into the list of global sample
// indices they cover, assuming each run's offset and length are multiples
// of elementsPerSample.
func batchSamples(fileSel cachetypes.Selection, elementsPerSample int64) []int64 {
	var out []int64
	for _, r := range fileSel.Runs {
		startSample := r.Offset / elementsPerSample
		n := r.Length / elementsPerSample
		for i := int64(0); i < n; i++ {
			out = append(out, startSample+i)
		}
	}
	return out
}

// remapper is implemented only by the file-mmap Storage Backend variant.
type remapper interface {
	Remap(name string, newSize int64) error
}

// Remap drops and re-establishes the mmap over this mirror's file, sized
// to the rank's partition. Only the file-mmap backend supports it. It
// does not drop the kernel page cache.
func (m *Mirror) Remap() error {
	r, ok := m.be.(remapper)
	if !ok {
		return cacheerrors.New(cacheerrors.CodeMisconfiguredCache, "remap is only supported by the file-mmap backend").
			WithComponent("readmirror").WithOperation("Remap")
	}
	return r.Remap(m.mirrorName, m.partition.Count*m.sampleBytes())
}
