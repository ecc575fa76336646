// Package ram implements the RAM Storage Backend variant: write stages and
// read mirrors are plain heap buffers drawn from a shared byte pool.
package ram

import (
	"context"
	"fmt"
	"sync"

	"github.com/hdfgroup/arraycache/internal/backend"
	"github.com/hdfgroup/arraycache/pkg/cacheerrors"
	"github.com/hdfgroup/arraycache/pkg/cachetypes"
)

// Backend is the heap-backed Storage Backend variant.
type Backend struct {
	pool *backend.BytePool

	mu     sync.Mutex
	region map[string][]byte
}

// New builds a RAM backend drawing buffers from a fresh byte pool.
func New() *Backend {
	return &Backend{pool: backend.NewBytePool(), region: make(map[string][]byte)}
}

var _ backend.Backend = (*Backend)(nil)

// CreateWriteStage allocates a heap buffer of the given capacity.
func (b *Backend) CreateWriteStage(ctx context.Context, stage string, capacity int64) error {
	return b.alloc(stage, capacity)
}

// CreateReadMirror allocates a heap buffer of the given size.
func (b *Backend) CreateReadMirror(ctx context.Context, mirror string, size int64) error {
	return b.alloc(mirror, size)
}

func (b *Backend) alloc(name string, size int64) error {
	buf := b.pool.Get(int(size))
	b.mu.Lock()
	b.region[name] = buf
	b.mu.Unlock()
	return nil
}

// WriteIntoStage memcpys sel's runs from src into the stage buffer
// starting at baseOffset.
func (b *Backend) WriteIntoStage(ctx context.Context, stage string, baseOffset int64, sel cachetypes.Selection, elem cachetypes.ElementType, src []byte) (string, error) {
	return b.scatter(stage, baseOffset, sel, elem, src)
}

// PopulateMirror memcpys sel's runs from src into the mirror buffer.
func (b *Backend) PopulateMirror(ctx context.Context, mirror string, sel cachetypes.Selection, elem cachetypes.ElementType, src []byte) (string, error) {
	return b.scatter(mirror, 0, sel, elem, src)
}

func (b *Backend) scatter(name string, baseOffset int64, sel cachetypes.Selection, elem cachetypes.ElementType, src []byte) (string, error) {
	b.mu.Lock()
	buf, ok := b.region[name]
	b.mu.Unlock()
	if !ok {
		return "", cacheerrors.Newf(cacheerrors.CodeStageWriteError, "no region allocated for %q", name).WithComponent("ram")
	}

	var written int64
	for _, run := range backend.PlanScatter(sel, elem) {
		dst := baseOffset + run.DstByteOffset
		if dst+run.RunByteLength > int64(len(buf)) {
			return "", cacheerrors.Newf(cacheerrors.CodeStageWriteError, "scatter run exceeds region for %q", name).WithComponent("ram")
		}
		copy(buf[dst:dst+run.RunByteLength], src[run.SrcByteOffset:run.SrcByteOffset+run.RunByteLength])
		written += run.RunByteLength
	}
	return fmt.Sprintf("%s:%d:%d", name, baseOffset, written), nil
}

// DestroyWriteStage frees the stage buffer back to the pool.
func (b *Backend) DestroyWriteStage(ctx context.Context, stage string) error {
	return b.free(stage)
}

// DestroyReadMirror frees the mirror buffer back to the pool.
func (b *Backend) DestroyReadMirror(ctx context.Context, mirror string, size int64) error {
	return b.free(mirror)
}

func (b *Backend) free(name string) error {
	b.mu.Lock()
	buf, ok := b.region[name]
	if ok {
		delete(b.region, name)
	}
	b.mu.Unlock()
	if ok {
		b.pool.Put(buf)
	}
	return nil
}

// PurgeFolder is a no-op for the RAM variant: there is no on-disk state.
func (b *Backend) PurgeFolder(ctx context.Context, path string) error {
	return nil
}

// Peek returns a read-only view of a region's current contents, used by
// tests and by the Read Mirror's direct-RMA fast path.
func (b *Backend) Peek(name string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.region[name]
	return buf, ok
}
