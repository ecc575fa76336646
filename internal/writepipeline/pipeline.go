// Package writepipeline stages writes into node-local storage and drains
// them asynchronously to the slow store, per §4.4: a bounded ring of
// immutable task records, a synchronous enqueue path that only blocks the
// caller when the stage itself is full, and pause/resume/flush controls
// over the background drain.
package writepipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/hdfgroup/arraycache/internal/backend"
	"github.com/hdfgroup/arraycache/internal/cachemetrics"
	"github.com/hdfgroup/arraycache/internal/circuitbreaker"
	"github.com/hdfgroup/arraycache/internal/slowstore"
	"github.com/hdfgroup/arraycache/pkg/cacheerrors"
	"github.com/hdfgroup/arraycache/pkg/cachetypes"
	"github.com/hdfgroup/arraycache/pkg/retry"
	"github.com/hdfgroup/arraycache/pkg/utils"
)

// Config parameterizes one Pipeline, one per rank's write-staging area for
// a dataset.
type Config struct {
	Dataset string
	// StageName is the single per-rank backend region the File Cache
	// already created via CreateWriteStage at file open; every task
	// writes into it at its own stage_offset rather than getting a
	// backend region of its own. Ignored for backends that report
	// PerTaskStage (currently just the global backend).
	StageName     string
	StageCapacity int64 // per-rank-total bytes budgeted for in-flight tasks
	RingCapacity  int   // max in-flight tasks
	PageSize      int64
}

func (c *Config) setDefaults() {
	if c.RingCapacity <= 0 {
		c.RingCapacity = 64
	}
	if c.PageSize <= 0 {
		c.PageSize = 4096
	}
	if c.StageCapacity <= 0 {
		c.StageCapacity = 64 << 20
	}
}

// perTaskStager is implemented only by Storage Backend variants that need
// their own CreateWriteStage/DestroyWriteStage call per task instead of
// writing into the single per-rank stage the File Cache created at open —
// currently just the global backend, where a task's bytes become their
// own slow-store object rather than a byte range inside a shared buffer.
type perTaskStager interface {
	PerTaskStage() bool
}

// Pipeline is the Write Pipeline for one dataset on one rank. Every task
// writes into the single per-rank backend region the File Cache allocated
// at open, at its own stage_offset, and reuses it once drained — the
// global backend is the one exception, opting into a region per task via
// PerTaskStage since each of its tasks is its own slow-store object.
type Pipeline struct {
	cfg Config

	be           backend.Backend
	perTaskStage bool
	store        slowstore.Store
	breaker      *circuitbreaker.CircuitBreaker
	metrics      *cachemetrics.Collector
	logger       *utils.StructuredLogger
	retryer      *retry.Retryer

	mu             sync.Mutex
	ring           *ring
	nextID         int64
	stageOffset    int64
	stageRemaining int64
	paused         bool
	datasetTasks   map[string][]*Task
	drainErr       error
}

// New builds a Pipeline. breaker and metrics may be nil.
func New(cfg Config, be backend.Backend, store slowstore.Store, breaker *circuitbreaker.CircuitBreaker, metrics *cachemetrics.Collector, logger *utils.StructuredLogger) *Pipeline {
	cfg.setDefaults()
	perTask := false
	if pts, ok := be.(perTaskStager); ok {
		perTask = pts.PerTaskStage()
	}
	return &Pipeline{
		cfg:            cfg,
		be:             be,
		perTaskStage:   perTask,
		store:          store,
		breaker:        breaker,
		metrics:        metrics,
		logger:         logger,
		retryer:        retry.New(retry.DefaultConfig()),
		ring:           newRing(cfg.RingCapacity),
		stageRemaining: cfg.StageCapacity,
		datasetTasks:   make(map[string][]*Task),
	}
}

// Write stages src's selected bytes locally and returns once staged; it
// only blocks on the slow store if the stage is full and draining the
// oldest in-flight task is the only way to free room.
func (p *Pipeline) Write(ctx context.Context, dataset string, memType cachetypes.ElementType, memSel, fileSel cachetypes.Selection, xferProps cachetypes.TransferProperties, src []byte) error {
	start := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	size := memSel.Elements() * int64(memType.Size)

	direct, err := p.ensureSpaceLocked(ctx, size)
	if err != nil {
		return err
	}
	if direct {
		return p.directWriteLocked(ctx, dataset, size, memType, memSel, src)
	}

	if p.stageOffset+size > p.cfg.StageCapacity {
		if err := p.drainAllLocked(ctx); err != nil && p.logger != nil {
			p.logger.Warn("writepipeline: drain-all before wrap-around reported errors", map[string]interface{}{
				"dataset": dataset, "error": err.Error(),
			})
		}
		p.stageOffset = 0
	}

	plan := backend.PlanScatter(memSel, memType)
	staged := make([]byte, size)
	for _, run := range plan {
		copy(staged[run.DstByteOffset:run.DstByteOffset+run.RunByteLength], src[run.SrcByteOffset:run.SrcByteOffset+run.RunByteLength])
	}

	// Every backend except the global one writes into the single
	// per-rank stage the File Cache already created at open, at this
	// task's stage_offset; only the global backend gets a region of its
	// own, since each of its tasks becomes its own slow-store object.
	stageName := p.cfg.StageName
	baseOffset := p.stageOffset
	ownsStage := p.perTaskStage
	if ownsStage {
		stageName = fmt.Sprintf("%s/task-%d", p.cfg.Dataset, p.nextID)
		baseOffset = 0
		if err := p.be.CreateWriteStage(ctx, stageName, size); err != nil {
			return cacheerrors.New(cacheerrors.CodeStageWriteError, "create write stage").
				WithCause(err).WithComponent("writepipeline").WithOperation("Write")
		}
	}
	ref, err := p.be.WriteIntoStage(ctx, stageName, baseOffset, memSel, memType, src)
	if err != nil {
		if ownsStage {
			_ = p.be.DestroyWriteStage(ctx, stageName)
		}
		return cacheerrors.New(cacheerrors.CodeStageWriteError, "write into stage").
			WithCause(err).WithComponent("writepipeline").WithOperation("Write")
	}

	task := &Task{
		ID:          p.nextID,
		Dataset:     dataset,
		StageOffset: p.stageOffset,
		Size:        size,
		MemType:     memType,
		MemSel:      cachetypes.ContiguousSelection(memSel.Elements()),
		FileSel:     cloneSelection(fileSel),
		XferProps:   xferProps.Clone(),
		OpaqueRef:   ref,
		Paused:      p.paused,
		payload:     staged,
		stageName:   stageName,
		ownsStage:   ownsStage,
	}

	p.stageOffset += roundUp(size, p.cfg.PageSize)
	p.ring.push(task)
	p.stageRemaining -= size
	p.nextID++
	p.datasetTasks[dataset] = append(p.datasetTasks[dataset], task)

	if p.metrics != nil {
		p.metrics.ObserveEnqueue(p.cfg.Dataset, time.Since(start))
		p.metrics.SetTasksInFlight(p.cfg.Dataset, p.ring.count)
	}

	if !p.paused {
		if err := p.issueLocked(ctx, task); err != nil {
			p.latchDrainErr(err)
		}
	}
	return nil
}

// directWriteLocked is the fallback described in step 2: the stage has no
// room and the ring is already empty, so the write goes straight to the
// slow store, synchronously, with no local staging at all.
func (p *Pipeline) directWriteLocked(ctx context.Context, dataset string, size int64, memType cachetypes.ElementType, memSel cachetypes.Selection, src []byte) error {
	if p.logger != nil {
		p.logger.Warn("writepipeline: stage exhausted with no in-flight tasks to drain, falling back to synchronous slow-store write", map[string]interface{}{
			"dataset": dataset, "bytes": size,
		})
	}

	plan := backend.PlanScatter(memSel, memType)
	staged := make([]byte, size)
	for _, run := range plan {
		copy(staged[run.DstByteOffset:run.DstByteOffset+run.RunByteLength], src[run.SrcByteOffset:run.SrcByteOffset+run.RunByteLength])
	}

	key := fmt.Sprintf("%s/direct-%d", p.cfg.Dataset, p.nextID)
	p.nextID++

	// The stage-overflow fallback has no staged copy to replay from if the
	// slow store blips, so it retries the whole submit-and-wait round trip
	// with backoff before surfacing a failure to the caller.
	err := p.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var req slowstore.Request
		if err := p.executeBreaker(ctx, func(ctx context.Context) error {
			r, err := p.store.SubmitWrite(ctx, key, 0, staged)
			if err != nil {
				return err
			}
			req = r
			return nil
		}); err != nil {
			return err
		}
		return p.executeBreaker(ctx, func(ctx context.Context) error { return req.Wait(ctx) })
	})
	if err != nil {
		return cacheerrors.New(cacheerrors.CodeSlowStoreError, "direct synchronous write").
			WithCause(err).WithComponent("writepipeline").WithOperation("Write")
	}
	return nil
}

// ensureSpaceLocked implements step 2: drain the oldest in-flight task
// until size fits in stageRemaining. It reports direct=true when the ring
// is already empty and there is still no room, telling the caller to fall
// back to a synchronous slow-store write instead of enqueuing.
func (p *Pipeline) ensureSpaceLocked(ctx context.Context, size int64) (direct bool, err error) {
	for p.stageRemaining < size || p.ring.isFull() {
		if p.ring.isEmpty() {
			return true, nil
		}
		if derr := p.drainOneLocked(ctx); derr != nil {
			p.latchDrainErr(derr)
		}
	}
	return false, nil
}

// drainAllLocked drains every task still in the ring, used by the
// wrap-around step to guarantee no live data is about to be overwritten.
func (p *Pipeline) drainAllLocked(ctx context.Context) error {
	var errs error
	for !p.ring.isEmpty() {
		if err := p.drainOneLocked(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// drainOneLocked issues (if not already issued) and waits on the task at
// current, reclaims its bytes, destroys its backend region if the task
// owns one (global backend only), and advances current. Space is reclaimed regardless of whether the slow store
// reported a failure.
func (p *Pipeline) drainOneLocked(ctx context.Context) error {
	t := p.ring.peekCurrent()
	if t == nil {
		return nil
	}

	var drainErr error
	if err := p.issueLocked(ctx, t); err != nil {
		drainErr = err
	} else {
		drainStart := time.Now()
		waitErr := p.executeBreaker(ctx, func(ctx context.Context) error { return t.req.Wait(ctx) })
		if p.metrics != nil {
			p.metrics.ObserveDrain(p.cfg.Dataset, time.Since(drainStart))
		}
		if waitErr != nil {
			drainErr = cacheerrors.New(cacheerrors.CodeSlowStoreError, "drain wait").
				WithCause(waitErr).WithComponent("writepipeline").WithOperation("drainOne")
		}
	}

	t.drained = true
	t.drainErr = drainErr

	// file-mmap/RAM/device tasks share one per-rank stage and own no
	// heap allocation of their own; only the global backend's per-task
	// object gets destroyed here.
	if t.ownsStage {
		if err := p.be.DestroyWriteStage(ctx, t.stageName); err != nil && p.logger != nil {
			p.logger.Warn("writepipeline: destroy write stage after drain failed", map[string]interface{}{
				"stage": t.stageName, "error": err.Error(),
			})
		}
	}

	p.stageRemaining += t.Size
	p.ring.advanceCurrent()
	if p.metrics != nil {
		p.metrics.SetTasksInFlight(p.cfg.Dataset, p.ring.count)
	}
	return drainErr
}

// issueLocked submits t's payload to the slow store if it hasn't been
// submitted yet, stashing the resulting request handle on the task.
func (p *Pipeline) issueLocked(ctx context.Context, t *Task) error {
	if t.req != nil {
		return nil
	}
	key := fmt.Sprintf("%s/%d", p.cfg.Dataset, t.ID)

	var req slowstore.Request
	err := p.executeBreaker(ctx, func(ctx context.Context) error {
		r, err := p.store.SubmitWrite(ctx, key, 0, t.payload)
		if err != nil {
			return err
		}
		req = r
		return nil
	})
	if err != nil {
		return cacheerrors.New(cacheerrors.CodeSlowStoreError, "submit drain write").
			WithCause(err).WithComponent("writepipeline").WithOperation("issue")
	}
	t.req = req
	return nil
}

func (p *Pipeline) executeBreaker(ctx context.Context, fn func(context.Context) error) error {
	if p.breaker == nil {
		return fn(ctx)
	}
	return p.breaker.ExecuteWithContext(ctx, fn)
}

// Pause suspends issuing new tasks' slow-store requests; tasks enqueued
// while paused are still staged and recorded, just not submitted until
// Resume — this lets a caller batch many writes before releasing them.
func (p *Pipeline) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

// Resume clears the pause flag and issues every task that was enqueued
// while paused and hasn't been submitted yet.
func (p *Pipeline) Resume(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false

	var errs error
	for i := 0; i < p.ring.count; i++ {
		idx := (p.ring.current + i) % len(p.ring.slots)
		t := p.ring.slots[idx]
		if t != nil && t.req == nil {
			if err := p.issueLocked(ctx, t); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	return errs
}

// Flush waits for every task belonging to dataset to complete, returning
// the joined drain errors latched since the last flush boundary.
func (p *Pipeline) Flush(ctx context.Context, dataset string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tasks := p.datasetTasks[dataset]
	if len(tasks) == 0 {
		return nil
	}
	target := tasks[len(tasks)-1]
	for !target.drained && !p.ring.isEmpty() {
		if err := p.drainOneLocked(ctx); err != nil {
			p.latchDrainErr(err)
		}
	}
	delete(p.datasetTasks, dataset)

	err := p.drainErr
	p.drainErr = nil
	return err
}

// FlushAll waits for every queued task across every dataset on this
// pipeline.
func (p *Pipeline) FlushAll(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for !p.ring.isEmpty() {
		if err := p.drainOneLocked(ctx); err != nil {
			p.latchDrainErr(err)
		}
	}
	p.datasetTasks = make(map[string][]*Task)

	err := p.drainErr
	p.drainErr = nil
	return err
}

func (p *Pipeline) latchDrainErr(err error) {
	p.drainErr = multierr.Append(p.drainErr, err)
}

// InFlight returns the number of tasks currently live in the ring, used
// by tests and health reporting.
func (p *Pipeline) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ring.count
}

func roundUp(size, page int64) int64 {
	if page <= 0 {
		return size
	}
	return ((size + page - 1) / page) * page
}

func cloneSelection(sel cachetypes.Selection) cachetypes.Selection {
	out := cachetypes.Selection{Runs: make([]cachetypes.SelectionRun, len(sel.Runs)), Contiguous: sel.Contiguous}
	copy(out.Runs, sel.Runs)
	return out
}
