// Package lsm is the Local-Storage Manager: admission control for a
// node-local staging pool. It tracks live cache records, enforces capacity
// through claim/release, and evicts temporal records under LRU, LFU, or
// FIFO policy when a hard claim needs room.
package lsm

import (
	"container/list"
	"sync"
	"time"

	"github.com/hdfgroup/arraycache/internal/cachemetrics"
	"github.com/hdfgroup/arraycache/pkg/cacheerrors"
	"github.com/hdfgroup/arraycache/pkg/cachetypes"
	"github.com/hdfgroup/arraycache/pkg/retry"
	"github.com/hdfgroup/arraycache/pkg/utils"
)

// Record is one registered cache's bookkeeping entry: what it is, how much
// space it holds, and its access history for eviction scoring.
type Record struct {
	ID       string
	Owner    string
	Bytes    int64
	Duration cachetypes.CacheDuration
	History  *cachetypes.AccessHistory

	element *list.Element
}

// Pool is one node-local storage pool (one per configured storage tier).
// It is safe for concurrent use.
type Pool struct {
	mu          sync.Mutex
	name        string
	kind        cachetypes.StorageKind
	capacity    int64
	remaining   int64
	records     map[string]*Record
	insertOrder *list.List // front = most recently registered

	logger  *utils.StructuredLogger
	metrics *cachemetrics.Collector
	retryer *retry.Retryer
}

// NewPool builds an empty pool with the given capacity.
func NewPool(name string, kind cachetypes.StorageKind, capacity int64, logger *utils.StructuredLogger, metrics *cachemetrics.Collector) *Pool {
	p := &Pool{
		name:        name,
		kind:        kind,
		capacity:    capacity,
		remaining:   capacity,
		records:     make(map[string]*Record),
		insertOrder: list.New(),
		logger:      logger,
		metrics:     metrics,
		retryer:     retry.New(retry.DefaultConfig()),
	}
	p.reportOccupancy()
	return p
}

// Claim deducts bytes from the pool, evicting temporal records under policy
// if mode is ClaimHard and the pool doesn't have enough free space outright.
func (p *Pool) Claim(bytes int64, mode cachetypes.ClaimMode, policy cachetypes.ReplacementPolicy) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.remaining >= bytes {
		p.remaining -= bytes
		p.logDebug("claim", bytes, true)
		p.reportOccupancyLocked()
		return nil
	}

	if mode == cachetypes.ClaimSoft {
		p.logDebug("claim", bytes, false)
		return cacheerrors.Newf(cacheerrors.CodeOutOfSpace,
			"pool %q: need %d bytes, have %d", p.name, bytes, p.remaining).
			WithComponent("lsm").WithOperation("Claim")
	}

	for p.remaining < bytes {
		victim := p.pickVictim(policy)
		if victim == nil {
			p.logDebug("claim", bytes, false)
			return cacheerrors.Newf(cacheerrors.CodeOutOfSpace,
				"pool %q: need %d bytes, have %d, no evictable temporal caches remain", p.name, bytes, p.remaining).
				WithComponent("lsm").WithOperation("Claim")
		}
		p.evictLocked(victim, policy)
	}

	p.remaining -= bytes
	p.logDebug("claim", bytes, true)
	p.reportOccupancyLocked()
	return nil
}

// Register prepends a new live record, stamping its first access time and
// zeroing its counter.
func (p *Pool) Register(id, owner string, bytes int64, duration cachetypes.CacheDuration) *Record {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := &Record{
		ID:       id,
		Owner:    owner,
		Bytes:    bytes,
		Duration: duration,
		History:  cachetypes.NewAccessHistory(1000),
	}
	rec.History.Record(time.Now())
	rec.History.Count = 0
	rec.element = p.insertOrder.PushFront(rec)
	p.records[id] = rec

	if p.logger != nil {
		p.logger.Debug("lsm: register", map[string]interface{}{
			"pool": p.name, "cache": id, "owner": owner, "bytes": bytes,
		})
	}
	return rec
}

// PurgeFunc releases any backend-side folder state for a file-backed cache
// on the node-local I/O rank. Release calls it after the record has left
// the live list and its bytes are back in the pool.
type PurgeFunc func(id string) error

// Release removes a record from the live list, optionally purges
// backend-side state, and returns its bytes to the pool. A double-release
// or release of an unregistered cache is ignored with a warning, per §4.1.
func (p *Pool) Release(id string, purge PurgeFunc) {
	p.mu.Lock()
	rec, exists := p.records[id]
	if !exists {
		p.mu.Unlock()
		if p.logger != nil {
			p.logger.Warn("lsm: release of unregistered or already-released cache ignored",
				map[string]interface{}{"pool": p.name, "cache": id})
		}
		return
	}
	delete(p.records, id)
	p.insertOrder.Remove(rec.element)
	p.remaining += rec.Bytes
	p.mu.Unlock()

	if purge != nil {
		if err := p.retryer.Do(func() error { return purge(id) }); err != nil {
			if p.logger != nil {
				p.logger.Warn("lsm: backend purge-folder failed during release",
					map[string]interface{}{"pool": p.name, "cache": id, "error": err.Error()})
			}
		}
	}

	if p.logger != nil {
		p.logger.Debug("lsm: release", map[string]interface{}{"pool": p.name, "cache": id})
	}
	p.reportOccupancy()
}

// RecordAccess bumps a record's access counter and appends a timestamp to
// its ring, wrapping modulo the ring size.
func (p *Pool) RecordAccess(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, exists := p.records[id]
	if !exists {
		return
	}
	rec.History.Record(time.Now())
}

// Remaining returns the pool's current free byte count.
func (p *Pool) Remaining() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remaining
}

// Capacity returns the pool's total byte capacity.
func (p *Pool) Capacity() int64 {
	return p.capacity
}

// pickVictim selects the temporal record (in insertion order, for
// deterministic tie-breaking) that minimizes the policy's scoring function.
// Must be called with p.mu held.
func (p *Pool) pickVictim(policy cachetypes.ReplacementPolicy) *Record {
	var best *Record
	var bestScore float64

	for e := p.insertOrder.Back(); e != nil; e = e.Prev() {
		rec := e.Value.(*Record)
		if rec.Duration != cachetypes.DurationTemporal {
			continue
		}
		score := p.score(rec, policy)
		if best == nil || score < bestScore {
			best, bestScore = rec, score
		}
	}
	return best
}

func (p *Pool) score(rec *Record, policy cachetypes.ReplacementPolicy) float64 {
	switch policy {
	case cachetypes.PolicyLRU:
		return float64(rec.History.Last().UnixNano())
	case cachetypes.PolicyFIFO:
		return float64(rec.History.First().UnixNano())
	case cachetypes.PolicyLFU:
		count := rec.History.Count
		if count == 0 {
			return 0
		}
		span := rec.History.Last().Sub(rec.History.First()).Seconds()
		return span / float64(count)
	default:
		return float64(rec.History.Last().UnixNano())
	}
}

func (p *Pool) evictLocked(rec *Record, policy cachetypes.ReplacementPolicy) {
	delete(p.records, rec.ID)
	p.insertOrder.Remove(rec.element)
	p.remaining += rec.Bytes

	if p.logger != nil {
		p.logger.Debug("lsm: evict", map[string]interface{}{
			"pool": p.name, "cache": rec.ID, "policy": string(policy),
		})
	}
	if p.metrics != nil {
		p.metrics.RecordEviction(p.name, string(policy))
	}
}

func (p *Pool) logDebug(op string, bytes int64, ok bool) {
	if p.logger == nil {
		return
	}
	p.logger.Debug("lsm: "+op, map[string]interface{}{
		"pool": p.name, "bytes": bytes, "ok": ok, "remaining": p.remaining,
	})
}

func (p *Pool) reportOccupancy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reportOccupancyLocked()
}

func (p *Pool) reportOccupancyLocked() {
	if p.metrics == nil {
		return
	}
	p.metrics.SetStageOccupancy(p.name, string(p.kind), p.capacity-p.remaining, p.remaining)
}
