package lsm

import (
	"testing"
	"time"

	"github.com/hdfgroup/arraycache/pkg/cacheerrors"
	"github.com/hdfgroup/arraycache/pkg/cachetypes"
)

func TestClaimSoftFailsWithoutEviction(t *testing.T) {
	p := NewPool("ssd0", cachetypes.StorageFileMmap, 100, nil, nil)
	p.Register("a", "rank0", 90, cachetypes.DurationTemporal)

	err := p.Claim(20, cachetypes.ClaimSoft, cachetypes.PolicyLRU)
	if err == nil {
		t.Fatal("expected OutOfSpace error, got nil")
	}
	if !cacheerrors.IsCode(err, cacheerrors.CodeOutOfSpace) {
		t.Errorf("expected CodeOutOfSpace, got %v", err)
	}
	if p.Remaining() != 10 {
		t.Errorf("soft claim failure must not change remaining: got %d, want 10", p.Remaining())
	}
}

func TestClaimHardEvictsLRU(t *testing.T) {
	p := NewPool("ssd0", cachetypes.StorageFileMmap, 100, nil, nil)
	a := p.Register("a", "rank0", 50, cachetypes.DurationTemporal)
	p.Register("b", "rank0", 40, cachetypes.DurationTemporal)

	// Touch "b" so "a" becomes the least-recently-accessed record.
	time.Sleep(time.Millisecond)
	p.RecordAccess("b")

	if err := p.Claim(15, cachetypes.ClaimHard, cachetypes.PolicyLRU); err != nil {
		t.Fatalf("hard claim should evict and succeed: %v", err)
	}
	if _, exists := p.records["a"]; exists {
		t.Error("expected \"a\" to be evicted as the LRU victim")
	}
	_ = a
}

func TestClaimHardSkipsPermanentRecords(t *testing.T) {
	p := NewPool("ssd0", cachetypes.StorageFileMmap, 100, nil, nil)
	p.Register("permanent", "rank0", 90, cachetypes.DurationPermanent)

	err := p.Claim(20, cachetypes.ClaimHard, cachetypes.PolicyLRU)
	if err == nil {
		t.Fatal("expected OutOfSpace since no temporal caches can be evicted")
	}
	if !cacheerrors.IsCode(err, cacheerrors.CodeOutOfSpace) {
		t.Errorf("expected CodeOutOfSpace, got %v", err)
	}
}

func TestReleaseReturnsBytesAndIgnoresDoubleRelease(t *testing.T) {
	p := NewPool("ssd0", cachetypes.StorageFileMmap, 100, nil, nil)
	p.Register("a", "rank0", 30, cachetypes.DurationTemporal)
	if got := p.Remaining(); got != 70 {
		t.Fatalf("remaining after register = %d, want 70", got)
	}

	purged := false
	p.Release("a", func(id string) error { purged = true; return nil })
	if !purged {
		t.Error("expected purge func to run")
	}
	if got := p.Remaining(); got != 100 {
		t.Errorf("remaining after release = %d, want 100", got)
	}

	// Second release and release of an unregistered id must both be no-ops.
	p.Release("a", func(id string) error { t.Fatal("purge must not run on double-release"); return nil })
	p.Release("never-registered", nil)
	if got := p.Remaining(); got != 100 {
		t.Errorf("remaining after no-op releases = %d, want 100", got)
	}
}

func TestClaimHardFIFOPicksOldestRegistration(t *testing.T) {
	p := NewPool("ssd0", cachetypes.StorageFileMmap, 100, nil, nil)
	p.Register("first", "rank0", 50, cachetypes.DurationTemporal)
	time.Sleep(time.Millisecond)
	p.Register("second", "rank0", 40, cachetypes.DurationTemporal)

	if err := p.Claim(15, cachetypes.ClaimHard, cachetypes.PolicyFIFO); err != nil {
		t.Fatalf("hard claim should evict and succeed: %v", err)
	}
	if _, exists := p.records["first"]; exists {
		t.Error("expected \"first\" to be evicted as the FIFO victim")
	}
	if _, exists := p.records["second"]; !exists {
		t.Error("expected \"second\" to survive")
	}
}
