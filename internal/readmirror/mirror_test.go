package readmirror

import (
	"context"
	"testing"

	"github.com/hdfgroup/arraycache/internal/backend/ram"
	"github.com/hdfgroup/arraycache/internal/mpi"
	"github.com/hdfgroup/arraycache/internal/slowstore"
	"github.com/hdfgroup/arraycache/pkg/cachetypes"
)

func elemType() cachetypes.ElementType { return cachetypes.ElementType{Name: "float32", Size: 4} }

func TestOpenReadToCacheReachesFullyCachedSingleRank(t *testing.T) {
	comms := mpi.NewWorld(1)
	be := ram.New()
	store := slowstore.NewInMemory()

	full := make([]byte, 32)
	for i := range full {
		full[i] = byte(i)
	}
	if _, err := store.SubmitWrite(context.Background(), "dset", 0, full); err != nil {
		t.Fatalf("seed SubmitWrite() error = %v", err)
	}

	m := New(Config{Dataset: "dset", TotalSamples: 4, ElementsPerSample: 2, ElementType: elemType()}, be, store, comms[0], nil, nil, nil)
	if err := m.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if m.State() != cachetypes.MirrorEmpty {
		t.Fatalf("State() = %v, want empty", m.State())
	}

	dst := make([]byte, 32)
	fileSel := cachetypes.ContiguousSelection(8) // 4 samples * 2 elements
	if err := m.ReadToCache(context.Background(), elemType(), fileSel, dst); err != nil {
		t.Fatalf("ReadToCache() error = %v", err)
	}
	if string(dst) != string(full) {
		t.Errorf("ReadToCache() dst = %v, want %v", dst, full)
	}
	if m.State() != cachetypes.MirrorFullyCached {
		t.Fatalf("State() after full read = %v, want fully_cached", m.State())
	}

	out := make([]byte, 32)
	if err := m.ReadFromCache(fileSel, elemType(), out); err != nil {
		t.Fatalf("ReadFromCache() error = %v", err)
	}
	if string(out) != string(full) {
		t.Errorf("ReadFromCache() out = %v, want %v", out, full)
	}
}

func TestPrefetchAndWaitPopulatesMirror(t *testing.T) {
	comms := mpi.NewWorld(1)
	be := ram.New()
	store := slowstore.NewInMemory()

	full := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if _, err := store.SubmitWrite(context.Background(), "dset", 0, full); err != nil {
		t.Fatalf("seed SubmitWrite() error = %v", err)
	}

	m := New(Config{Dataset: "dset", TotalSamples: 1, ElementsPerSample: 2, ElementType: elemType()}, be, store, comms[0], nil, nil, nil)
	if err := m.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := m.Prefetch(context.Background()); err != nil {
		t.Fatalf("Prefetch() error = %v", err)
	}
	if err := m.PrefetchWait(); err != nil {
		t.Fatalf("PrefetchWait() error = %v", err)
	}

	if string(m.win.Local()) != string(full) {
		t.Errorf("prefetched mirror contents = %v, want %v", m.win.Local(), full)
	}
}

func TestRemapFailsOnNonFileMmapBackend(t *testing.T) {
	comms := mpi.NewWorld(1)
	be := ram.New()
	store := slowstore.NewInMemory()

	m := New(Config{Dataset: "dset", TotalSamples: 2, ElementsPerSample: 1, ElementType: elemType()}, be, store, comms[0], nil, nil, nil)
	if err := m.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := m.Remap(); err == nil {
		t.Error("expected Remap() to fail against a non-file-mmap backend")
	}
}
