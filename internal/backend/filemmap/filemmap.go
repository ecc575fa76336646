// Package filemmap implements the file-mmap Storage Backend variant: write
// stages and read mirrors are plain files under a staging directory, mapped
// read-write with mmap so scatter writes and contiguous reads avoid a
// syscall per run.
package filemmap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/hdfgroup/arraycache/internal/backend"
	"github.com/hdfgroup/arraycache/pkg/cacheerrors"
	"github.com/hdfgroup/arraycache/pkg/cachetypes"
)

// Backend is the file-mmap Storage Backend variant.
type Backend struct {
	root string

	mu      sync.Mutex
	mapping map[string]*mapping
}

type mapping struct {
	file *os.File
	data []byte
}

// New builds a file-mmap backend rooted at dir; dir is created if absent.
func New(dir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create staging root: %w", err)
	}
	return &Backend{root: dir, mapping: make(map[string]*mapping)}, nil
}

var _ backend.Backend = (*Backend)(nil)

func (b *Backend) path(name string) string {
	return filepath.Join(b.root, name)
}

// CreateWriteStage mkdirs the parent, opens the stage file, and truncates
// it to capacity.
func (b *Backend) CreateWriteStage(ctx context.Context, stage string, capacity int64) error {
	return b.create(stage, capacity)
}

// CreateReadMirror opens the mirror file and pre-extends it to size, mapped
// read-write for the lifetime of the mirror.
func (b *Backend) CreateReadMirror(ctx context.Context, mirror string, size int64) error {
	return b.create(mirror, size)
}

func (b *Backend) create(name string, size int64) error {
	path := b.path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return cacheerrors.New(cacheerrors.CodeStageWriteError, "mkdir stage parent").WithCause(err).WithComponent("filemmap")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return cacheerrors.New(cacheerrors.CodeStageWriteError, "open stage file").WithCause(err).WithComponent("filemmap")
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return cacheerrors.New(cacheerrors.CodeStageWriteError, "truncate stage file").WithCause(err).WithComponent("filemmap")
	}

	var data []byte
	if size > 0 {
		data, err = unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			return cacheerrors.New(cacheerrors.CodeStageWriteError, "mmap stage file").WithCause(err).WithComponent("filemmap")
		}
	}

	b.mu.Lock()
	b.mapping[name] = &mapping{file: f, data: data}
	b.mu.Unlock()
	return nil
}

// WriteIntoStage scatters sel's runs from src into the mapped stage region
// starting at baseOffset and returns an opaque reference to the written
// byte range.
func (b *Backend) WriteIntoStage(ctx context.Context, stage string, baseOffset int64, sel cachetypes.Selection, elem cachetypes.ElementType, src []byte) (string, error) {
	return b.scatter(stage, baseOffset, sel, elem, src)
}

// PopulateMirror scatters sel's runs from src into the mapped mirror
// region.
func (b *Backend) PopulateMirror(ctx context.Context, mirror string, sel cachetypes.Selection, elem cachetypes.ElementType, src []byte) (string, error) {
	return b.scatter(mirror, 0, sel, elem, src)
}

func (b *Backend) scatter(name string, baseOffset int64, sel cachetypes.Selection, elem cachetypes.ElementType, src []byte) (string, error) {
	b.mu.Lock()
	m, ok := b.mapping[name]
	b.mu.Unlock()
	if !ok {
		return "", cacheerrors.Newf(cacheerrors.CodeStageWriteError, "no mapping registered for %q", name).WithComponent("filemmap")
	}

	var written int64
	for _, run := range backend.PlanScatter(sel, elem) {
		dst := baseOffset + run.DstByteOffset
		if dst+run.RunByteLength > int64(len(m.data)) {
			return "", cacheerrors.Newf(cacheerrors.CodeStageWriteError, "scatter run exceeds mapped region for %q", name).WithComponent("filemmap")
		}
		copy(m.data[dst:dst+run.RunByteLength], src[run.SrcByteOffset:run.SrcByteOffset+run.RunByteLength])
		written += run.RunByteLength
	}
	return fmt.Sprintf("%s:%d:%d", name, baseOffset, written), nil
}

// DestroyWriteStage unmaps, closes, and unlinks the stage file.
func (b *Backend) DestroyWriteStage(ctx context.Context, stage string) error {
	return b.destroy(stage)
}

// DestroyReadMirror unmaps, closes, and unlinks the mirror file.
func (b *Backend) DestroyReadMirror(ctx context.Context, mirror string, size int64) error {
	return b.destroy(mirror)
}

func (b *Backend) destroy(name string) error {
	b.mu.Lock()
	m, ok := b.mapping[name]
	if ok {
		delete(b.mapping, name)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	var firstErr error
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := m.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := os.Remove(b.path(name)); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return cacheerrors.New(cacheerrors.CodeStageWriteError, "destroy stage/mirror").WithCause(firstErr).WithComponent("filemmap")
	}
	return nil
}

// PurgeFolder recursively removes path beneath the staging root.
func (b *Backend) PurgeFolder(ctx context.Context, path string) error {
	if err := os.RemoveAll(b.path(path)); err != nil {
		return cacheerrors.New(cacheerrors.CodePartialCacheRemoval, "purge folder").WithCause(err).WithComponent("filemmap")
	}
	return nil
}

// Remap re-maps an already-open stage or mirror to a new size, used after
// the backing file has been resized out from under an existing mapping.
// Not reachable from any non-test operation — see DESIGN.md.
func (b *Backend) Remap(name string, newSize int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.mapping[name]
	if !ok {
		return cacheerrors.Newf(cacheerrors.CodeWindowError, "no mapping registered for %q", name).WithComponent("filemmap")
	}
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			return cacheerrors.New(cacheerrors.CodeWindowError, "unmap before remap").WithCause(err).WithComponent("filemmap")
		}
	}
	if err := m.file.Truncate(newSize); err != nil {
		return cacheerrors.New(cacheerrors.CodeWindowError, "truncate before remap").WithCause(err).WithComponent("filemmap")
	}
	data, err := unix.Mmap(int(m.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return cacheerrors.New(cacheerrors.CodeWindowError, "remap").WithCause(err).WithComponent("filemmap")
	}
	m.data = data
	return nil
}
