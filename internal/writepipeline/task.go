package writepipeline

import (
	"github.com/hdfgroup/arraycache/internal/slowstore"
	"github.com/hdfgroup/arraycache/pkg/cachetypes"
)

// Task is one immutable, fully-staged write record. Once created it is
// never mutated except to attach its in-flight request handle and, on
// drain, the terminal error that handle reports.
type Task struct {
	ID      int64
	Dataset string

	StageOffset int64
	Size        int64

	MemType   cachetypes.ElementType
	MemSel    cachetypes.Selection // rewritten to a contiguous selection, see §4.4 step 5
	FileSel   cachetypes.Selection
	XferProps cachetypes.TransferProperties

	OpaqueRef string
	Paused    bool

	req       slowstore.Request
	payload   []byte // contiguous bytes handed to the slow store at issue
	stageName string // backend region this task was written into
	ownsStage bool   // true only for backends where each task owns its own region (global)
	drained   bool
	drainErr  error
}

// Drained reports whether this task's slow-store write has completed
// (successfully or not).
func (t *Task) Drained() bool { return t.drained }

// DrainError returns the terminal error the slow store reported for this
// task, or nil if it drained cleanly or hasn't drained yet.
func (t *Task) DrainError() error { return t.drainErr }
