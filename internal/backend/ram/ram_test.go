package ram

import (
	"context"
	"testing"

	"github.com/hdfgroup/arraycache/pkg/cachetypes"
)

func TestWriteIntoStageAndPeek(t *testing.T) {
	b := New()
	ctx := context.Background()

	if err := b.CreateWriteStage(ctx, "stage0", 32); err != nil {
		t.Fatalf("CreateWriteStage() error = %v", err)
	}

	elem := cachetypes.ElementType{Name: "i32", Size: 4}
	sel := cachetypes.ContiguousSelection(4)
	src := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	if _, err := b.WriteIntoStage(ctx, "stage0", 0, sel, elem, src); err != nil {
		t.Fatalf("WriteIntoStage() error = %v", err)
	}

	buf, ok := b.Peek("stage0")
	if !ok {
		t.Fatal("expected region to exist")
	}
	if string(buf[:16]) != string(src) {
		t.Errorf("region contents mismatch: got %v, want %v", buf[:16], src)
	}

	if err := b.DestroyWriteStage(ctx, "stage0"); err != nil {
		t.Fatalf("DestroyWriteStage() error = %v", err)
	}
	if _, ok := b.Peek("stage0"); ok {
		t.Error("expected region to be freed")
	}
}

func TestScatterExceedsRegionFails(t *testing.T) {
	b := New()
	ctx := context.Background()
	if err := b.CreateWriteStage(ctx, "small", 4); err != nil {
		t.Fatalf("CreateWriteStage() error = %v", err)
	}
	elem := cachetypes.ElementType{Name: "i64", Size: 8}
	sel := cachetypes.ContiguousSelection(4)
	if _, err := b.WriteIntoStage(ctx, "small", 0, sel, elem, make([]byte, 32)); err == nil {
		t.Error("expected error when scatter run exceeds region size")
	}
}

func TestWriteIntoStageAtOffsetReusesRegion(t *testing.T) {
	b := New()
	ctx := context.Background()
	if err := b.CreateWriteStage(ctx, "stage0", 32); err != nil {
		t.Fatalf("CreateWriteStage() error = %v", err)
	}

	elem := cachetypes.ElementType{Name: "i32", Size: 4}
	sel := cachetypes.ContiguousSelection(2)
	first := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	second := []byte{9, 10, 11, 12, 13, 14, 15, 16}

	if _, err := b.WriteIntoStage(ctx, "stage0", 0, sel, elem, first); err != nil {
		t.Fatalf("WriteIntoStage() error = %v", err)
	}
	if _, err := b.WriteIntoStage(ctx, "stage0", 8, sel, elem, second); err != nil {
		t.Fatalf("WriteIntoStage() error = %v", err)
	}

	buf, ok := b.Peek("stage0")
	if !ok {
		t.Fatal("expected region to exist")
	}
	if string(buf[:8]) != string(first) || string(buf[8:16]) != string(second) {
		t.Errorf("region contents = %v, want %v then %v", buf[:16], first, second)
	}
}
