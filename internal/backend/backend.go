// Package backend defines the narrow capability interface the Write
// Pipeline and Read Mirror call against, plus the selection-scatter helper
// shared by every Storage Backend variant (file-mmap, RAM, device, global).
package backend

import (
	"context"

	"github.com/hdfgroup/arraycache/pkg/cachetypes"
)

// Backend is the capability surface a storage pool's variant must
// implement. Every method is named for what it does to the underlying
// medium; callers never branch on which variant they're holding.
type Backend interface {
	// CreateWriteStage prepares a write-staging area of the given
	// capacity (mkdir+truncate for file-mmap, alloc for RAM/device, open
	// for global).
	CreateWriteStage(ctx context.Context, stage string, capacity int64) error

	// WriteIntoStage scatters selection's runs from src into the stage
	// starting at baseOffset bytes into it — the Write Pipeline's current
	// stage_offset within the single per-rank stage CreateWriteStage
	// already allocated — returning an opaque reference to the
	// just-written contiguous region for later migration to the slow
	// store.
	WriteIntoStage(ctx context.Context, stage string, baseOffset int64, sel cachetypes.Selection, elem cachetypes.ElementType, src []byte) (string, error)

	// DestroyWriteStage releases a write stage's resources.
	DestroyWriteStage(ctx context.Context, stage string) error

	// CreateReadMirror prepares a read-mirror region of the given size.
	CreateReadMirror(ctx context.Context, mirror string, size int64) error

	// PopulateMirror writes selection's runs from src into the mirror —
	// the read-side counterpart of WriteIntoStage, kept as a distinct
	// method since its caller (the Read Mirror) never needs to dispatch
	// dynamically between the two.
	PopulateMirror(ctx context.Context, mirror string, sel cachetypes.Selection, elem cachetypes.ElementType, src []byte) (string, error)

	// DestroyReadMirror releases a read-mirror region's resources.
	DestroyReadMirror(ctx context.Context, mirror string, size int64) error

	// PurgeFolder recursively removes a file-backed cache's on-disk
	// state. RAM/device variants treat this as a no-op.
	PurgeFolder(ctx context.Context, path string) error
}

// ScatterRun is one (offset_in_src, run_length) pair produced by walking a
// Selection's element-unit runs against an element's byte width.
type ScatterRun struct {
	SrcByteOffset int64
	RunByteLength int64
	DstByteOffset int64 // running contiguous offset into the destination
}

// PlanScatter walks sel's runs in order, computing the byte-domain
// (source offset, length, destination offset) triples every backend
// variant needs to either pwrite or memcpy. This is the "selection scatter
// contract" shared verbatim by all four variants.
func PlanScatter(sel cachetypes.Selection, elem cachetypes.ElementType) []ScatterRun {
	runs := make([]ScatterRun, 0, len(sel.Runs))
	var dst int64
	for _, r := range sel.Runs {
		length := r.Length * int64(elem.Size)
		runs = append(runs, ScatterRun{
			SrcByteOffset: r.Offset * int64(elem.Size),
			RunByteLength: length,
			DstByteOffset: dst,
		})
		dst += length
	}
	return runs
}
