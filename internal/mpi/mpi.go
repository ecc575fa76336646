// Package mpi provides the one-sided communication abstraction the Read
// Mirror needs: a communicator with an all-reduce, and RMA windows with
// put/get and fence discipline. No MPI binding exists anywhere in the
// retrieved example pack (see DESIGN.md), so this simulates a single
// process's view of a multi-rank job: every virtual rank's window lives in
// the same address space, reachable through a shared registry keyed by
// rank, matching the access pattern a real MPI one-sided window would
// offer to this module's callers without requiring a system MPI install.
package mpi

import (
	"sort"
	"sync"

	"github.com/hdfgroup/arraycache/pkg/cacheerrors"
)

// Comm is a communicator over a fixed set of virtual ranks.
type Comm struct {
	rank  int
	size  int
	state *commState
}

type commState struct {
	mu      sync.Mutex
	cond    *sync.Cond
	windows map[int]*Window // rank -> its registered window, within one comm

	reduceGen    int  // bumps once per completed reduction, wakes late arrivals
	reduceArrived int
	reduceVals   []bool
	reduceResult bool

	splitGen     int // bumps once per completed split, wakes late arrivals
	splitArrived int
	splitReqs    []splitKey
	splitResults []*Comm
}

type splitKey struct {
	color, key int
}

// NewWorld builds a communicator of the given size, with rank 0..size-1
// each represented by its own *Comm sharing one commState.
func NewWorld(size int) []*Comm {
	if size <= 0 {
		size = 1
	}
	state := &commState{windows: make(map[int]*Window)}
	state.cond = sync.NewCond(&state.mu)
	comms := make([]*Comm, size)
	for r := 0; r < size; r++ {
		comms[r] = &Comm{rank: r, size: size, state: state}
	}
	return comms
}

// Rank returns this communicator handle's rank.
func (c *Comm) Rank() int { return c.rank }

// Size returns the communicator's rank count.
func (c *Comm) Size() int { return c.size }

// AllReduceAnd performs a logical-AND reduction of local across every rank
// in the communicator, blocking until all ranks have contributed. It is
// used by the Read Mirror to collectively decide a dataset is fully
// cached only once every rank's local samples_cached ≥ samples_per_rank.
func (c *Comm) AllReduceAnd(local bool) bool {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reduceVals == nil {
		s.reduceVals = make([]bool, c.size)
	}
	s.reduceVals[c.rank] = local
	s.reduceArrived++
	myGen := s.reduceGen

	if s.reduceArrived == c.size {
		result := true
		for _, v := range s.reduceVals {
			result = result && v
		}
		s.reduceResult = result
		s.reduceArrived = 0
		s.reduceVals = nil
		s.reduceGen++
		s.cond.Broadcast()
		return result
	}

	for s.reduceGen == myGen {
		s.cond.Wait()
	}
	return s.reduceResult
}

// Split partitions this communicator's ranks into new sub-communicators, one
// per distinct color; every rank that calls Split with the same color ends
// up in the same sub-communicator, ranked by ascending key. It is the
// collective every rank in c must call together — the File Cache uses it
// with color fixed to a shared node id and key set to the rank's original
// number to obtain the node-local communicator a real MPI_Comm_split_type
// with MPI_COMM_TYPE_SHARED would produce.
func (c *Comm) Split(color, key int) *Comm {
	s := c.state
	s.mu.Lock()

	if s.splitReqs == nil {
		s.splitReqs = make([]splitKey, c.size)
		s.splitResults = make([]*Comm, c.size)
	}
	s.splitReqs[c.rank] = splitKey{color: color, key: key}
	s.splitArrived++
	myGen := s.splitGen

	if s.splitArrived == c.size {
		groups := make(map[int][]int)
		for r, req := range s.splitReqs {
			groups[req.color] = append(groups[req.color], r)
		}
		for _, ranks := range groups {
			sort.Slice(ranks, func(i, j int) bool {
				return s.splitReqs[ranks[i]].key < s.splitReqs[ranks[j]].key
			})
			subState := &commState{windows: make(map[int]*Window)}
			subState.cond = sync.NewCond(&subState.mu)
			subSize := len(ranks)
			for subRank, origRank := range ranks {
				s.splitResults[origRank] = &Comm{rank: subRank, size: subSize, state: subState}
			}
		}
		s.splitArrived = 0
		s.splitReqs = nil
		s.splitGen++
		s.cond.Broadcast()
	} else {
		for s.splitGen == myGen {
			s.cond.Wait()
		}
	}

	result := s.splitResults[c.rank]
	s.mu.Unlock()
	return result
}

// FenceMode flags the access-epoch constraints a Fence call asserts.
type FenceMode int

const (
	// FenceNoPrecede marks the start of an access epoch: no RMA call on
	// this window has happened since the previous fence.
	FenceNoPrecede FenceMode = 1 << iota
	// FenceNoSucceed marks the end of an access epoch: no further RMA
	// call will happen before the next fence.
	FenceNoSucceed
	// FenceNoPut marks a read-only epoch: no Put calls are permitted
	// until the next fence.
	FenceNoPut
)

// Window is one rank's RMA-exposed buffer.
type Window struct {
	comm *Comm
	rank int
	data []byte

	mu       sync.Mutex
	inEpoch  bool
	readOnly bool
}

// NewWindow allocates a size-byte window for this rank and registers it in
// the communicator so other ranks' Put/Get calls can reach it.
func NewWindow(c *Comm, size int64) *Window {
	w := &Window{comm: c, rank: c.rank, data: make([]byte, size)}
	c.state.mu.Lock()
	c.state.windows[c.rank] = w
	c.state.mu.Unlock()
	return w
}

// Fence begins or ends an access epoch on this window. Calling it with
// FenceNoPrecede opens an epoch; calling it with FenceNoSucceed closes one.
func (w *Window) Fence(mode FenceMode) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if mode&FenceNoPrecede != 0 {
		w.inEpoch = true
		w.readOnly = mode&FenceNoPut != 0
	}
	if mode&FenceNoSucceed != 0 {
		w.inEpoch = false
	}
}

// Put writes data into the window registered for targetRank at
// targetOffset. Must be called within a begin/end fence bracket opened
// with a mode that does not set FenceNoPut.
func (w *Window) Put(targetRank int, targetOffset int64, data []byte) error {
	w.mu.Lock()
	inEpoch, readOnly := w.inEpoch, w.readOnly
	w.mu.Unlock()
	if !inEpoch {
		return cacheerrors.New(cacheerrors.CodeWindowError, "put outside an open access epoch").WithComponent("mpi")
	}
	if readOnly {
		return cacheerrors.New(cacheerrors.CodeWindowError, "put during a no_put epoch").WithComponent("mpi")
	}

	target, err := w.target(targetRank)
	if err != nil {
		return err
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	if targetOffset < 0 || targetOffset+int64(len(data)) > int64(len(target.data)) {
		return cacheerrors.Newf(cacheerrors.CodeWindowError, "put out of bounds for rank %d", targetRank).WithComponent("mpi")
	}
	copy(target.data[targetOffset:targetOffset+int64(len(data))], data)
	return nil
}

// Get reads length bytes from the window registered for targetRank at
// targetOffset. Must be called within an open fence bracket.
func (w *Window) Get(targetRank int, targetOffset, length int64) ([]byte, error) {
	w.mu.Lock()
	inEpoch := w.inEpoch
	w.mu.Unlock()
	if !inEpoch {
		return nil, cacheerrors.New(cacheerrors.CodeWindowError, "get outside an open access epoch").WithComponent("mpi")
	}

	target, err := w.target(targetRank)
	if err != nil {
		return nil, err
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	if targetOffset < 0 || targetOffset+length > int64(len(target.data)) {
		return nil, cacheerrors.Newf(cacheerrors.CodeWindowError, "get out of bounds for rank %d", targetRank).WithComponent("mpi")
	}
	out := make([]byte, length)
	copy(out, target.data[targetOffset:targetOffset+length])
	return out, nil
}

func (w *Window) target(rank int) (*Window, error) {
	w.comm.state.mu.Lock()
	defer w.comm.state.mu.Unlock()
	t, ok := w.comm.state.windows[rank]
	if !ok {
		return nil, cacheerrors.Newf(cacheerrors.CodeWindowError, "no window registered for rank %d", rank).WithComponent("mpi")
	}
	return t, nil
}

// Local returns a direct slice of this rank's own window backing array,
// used by callers to stage prefetched bytes before other ranks Get them.
func (w *Window) Local() []byte {
	return w.data
}
