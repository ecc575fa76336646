// Package device implements the device Storage Backend variant: a
// pinned-host-staging abstraction. No GPU runtime exists anywhere in the
// retrieved example pack, so this targets the same capability surface as
// the RAM variant but allocates page-aligned buffers (standing in for a
// pinned host-memory allocator) and reports a distinct kind/metric label,
// ready to be swapped for a real CUDA/ROCm pinned allocator without
// changing any caller.
package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/hdfgroup/arraycache/internal/backend"
	"github.com/hdfgroup/arraycache/pkg/cacheerrors"
	"github.com/hdfgroup/arraycache/pkg/cachetypes"
)

const pageSize = 4096

// Backend is the pinned-host-staging Storage Backend variant.
type Backend struct {
	mu     sync.Mutex
	region map[string][]byte
}

// New builds a device backend.
func New() *Backend {
	return &Backend{region: make(map[string][]byte)}
}

var _ backend.Backend = (*Backend)(nil)

// alignedAlloc rounds size up to a whole number of pages, simulating the
// page-granular allocation a real pinned-host allocator performs.
func alignedAlloc(size int64) []byte {
	pages := (size + pageSize - 1) / pageSize
	return make([]byte, pages*pageSize)[:size]
}

// CreateWriteStage allocates a page-aligned buffer of the given capacity.
func (b *Backend) CreateWriteStage(ctx context.Context, stage string, capacity int64) error {
	return b.alloc(stage, capacity)
}

// CreateReadMirror allocates a page-aligned buffer of the given size.
func (b *Backend) CreateReadMirror(ctx context.Context, mirror string, size int64) error {
	return b.alloc(mirror, size)
}

func (b *Backend) alloc(name string, size int64) error {
	buf := alignedAlloc(size)
	b.mu.Lock()
	b.region[name] = buf
	b.mu.Unlock()
	return nil
}

// WriteIntoStage scatter-copies from the (simulated) device source into the
// pinned host stage buffer starting at baseOffset.
func (b *Backend) WriteIntoStage(ctx context.Context, stage string, baseOffset int64, sel cachetypes.Selection, elem cachetypes.ElementType, src []byte) (string, error) {
	return b.scatter(stage, baseOffset, sel, elem, src)
}

// PopulateMirror scatter-copies into the pinned host mirror buffer.
func (b *Backend) PopulateMirror(ctx context.Context, mirror string, sel cachetypes.Selection, elem cachetypes.ElementType, src []byte) (string, error) {
	return b.scatter(mirror, 0, sel, elem, src)
}

func (b *Backend) scatter(name string, baseOffset int64, sel cachetypes.Selection, elem cachetypes.ElementType, src []byte) (string, error) {
	b.mu.Lock()
	buf, ok := b.region[name]
	b.mu.Unlock()
	if !ok {
		return "", cacheerrors.Newf(cacheerrors.CodeStageWriteError, "no pinned region allocated for %q", name).WithComponent("device")
	}

	var written int64
	for _, run := range backend.PlanScatter(sel, elem) {
		dst := baseOffset + run.DstByteOffset
		if dst+run.RunByteLength > int64(len(buf)) {
			return "", cacheerrors.Newf(cacheerrors.CodeStageWriteError, "scatter run exceeds pinned region for %q", name).WithComponent("device")
		}
		copy(buf[dst:dst+run.RunByteLength], src[run.SrcByteOffset:run.SrcByteOffset+run.RunByteLength])
		written += run.RunByteLength
	}
	return fmt.Sprintf("%s:%d:%d", name, baseOffset, written), nil
}

// DestroyWriteStage releases the pinned stage buffer.
func (b *Backend) DestroyWriteStage(ctx context.Context, stage string) error {
	return b.free(stage)
}

// DestroyReadMirror releases the pinned mirror buffer.
func (b *Backend) DestroyReadMirror(ctx context.Context, mirror string, size int64) error {
	return b.free(mirror)
}

func (b *Backend) free(name string) error {
	b.mu.Lock()
	delete(b.region, name)
	b.mu.Unlock()
	return nil
}

// PurgeFolder is a no-op for the device variant: there is no on-disk state.
func (b *Backend) PurgeFolder(ctx context.Context, path string) error {
	return nil
}
