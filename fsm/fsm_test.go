package fsm

import (
	"path/filepath"
	"testing"

	"github.com/arnavkj/skiplitekv/blockfile"
)

const testHdrOff = 12

func newTestFSM(t *testing.T) *FSM {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fsm.db")

	bf, err := blockfile.Open(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { bf.Close() })

	if err := bf.EnsureSize(testHdrOff + 255 + blockfile.BlockSize); err != nil {
		t.Fatal(err)
	}

	f, err := Open(bf, testHdrOff, 1)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestAllocateMarksBlocksUsed(t *testing.T) {
	f := newTestFSM(t)

	free0 := f.FreeBlocks()
	ext, err := f.Allocate(4, NoOverallocate, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ext.Length != 4 {
		t.Fatalf("expected length 4, got %d", ext.Length)
	}
	if got := f.FreeBlocks(); got != free0-4 {
		t.Fatalf("expected free blocks to drop by 4, got %d -> %d", free0, got)
	}
}

func TestDeallocateMergesAdjacentExtents(t *testing.T) {
	f := newTestFSM(t)

	a, err := f.Allocate(4, NoOverallocate, 0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.Allocate(4, NoOverallocate, 0)
	if err != nil {
		t.Fatal(err)
	}

	free1 := f.FreeBlocks()
	if err := f.Deallocate(a.Offset, a.Length, 0); err != nil {
		t.Fatal(err)
	}
	if err := f.Deallocate(b.Offset, b.Length, 0); err != nil {
		t.Fatal(err)
	}
	if got := f.FreeBlocks(); got != free1+8 {
		t.Fatalf("expected free blocks to rise by 8, got %d -> %d", free1, got)
	}
}

func TestDeallocateStrictRejectsAlreadyFreeRange(t *testing.T) {
	f := newTestFSM(t)

	ext, err := f.Allocate(4, NoOverallocate, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Deallocate(ext.Offset, ext.Length, Strict); err != nil {
		t.Fatal(err)
	}
	if err := f.Deallocate(ext.Offset, ext.Length, Strict); err == nil {
		t.Fatal("expected Strict deallocate of an already-free range to fail")
	}
}

func TestReallocateGrowInPlaceWhenAdjacentFreeSpaceExists(t *testing.T) {
	f := newTestFSM(t)

	ext, err := f.Allocate(4, NoOverallocate, 0)
	if err != nil {
		t.Fatal(err)
	}
	// Everything past ext is still free, so the grow can extend in place.
	grown, moved, err := f.Reallocate(ext.Offset, ext.Length, ext.Length+4, NoOverallocate)
	if err != nil {
		t.Fatal(err)
	}
	if grown.Length != 8 {
		t.Fatalf("expected grown length 8, got %d", grown.Length)
	}
	if moved {
		t.Fatal("expected the grow to happen in place, got a move")
	}
}

func TestReallocateShrinkFreesTheTail(t *testing.T) {
	f := newTestFSM(t)

	ext, err := f.Allocate(8, NoOverallocate, 0)
	if err != nil {
		t.Fatal(err)
	}
	free0 := f.FreeBlocks()

	shrunk, moved, err := f.Reallocate(ext.Offset, ext.Length, 4, 0)
	if err != nil {
		t.Fatal(err)
	}
	if moved {
		t.Fatal("shrink should never report a move")
	}
	if shrunk.Offset != ext.Offset || shrunk.Length != 4 {
		t.Fatalf("expected shrink to keep the same offset with length 4, got %+v", shrunk)
	}
	if got := f.FreeBlocks(); got != free0+4 {
		t.Fatalf("expected 4 blocks returned to free space, got %d -> %d", free0, got)
	}
}

func TestAllocateZeroBlocksFails(t *testing.T) {
	f := newTestFSM(t)
	if _, err := f.Allocate(0, 0, 0); err == nil {
		t.Fatal("expected error allocating 0 blocks")
	}
}

func TestExtendGrowsBitmapWhenFreeSpaceExhausted(t *testing.T) {
	f := newTestFSM(t)

	total := f.TotalBlocks()
	if _, err := f.Allocate(total*2, NoOverallocate, 0); err != nil {
		t.Fatal(err)
	}
	if f.TotalBlocks() <= total {
		t.Fatalf("expected bitmap to grow past %d blocks, got %d", total, f.TotalBlocks())
	}
}

func TestReopenRebuildsIndexFromBitmap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fsm.db")

	bf, err := blockfile.Open(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := bf.EnsureSize(testHdrOff + 255 + blockfile.BlockSize); err != nil {
		t.Fatal(err)
	}
	f, err := Open(bf, testHdrOff, 1)
	if err != nil {
		t.Fatal(err)
	}

	ext, err := f.Allocate(4, NoOverallocate, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Sync(); err != nil {
		t.Fatal(err)
	}
	if err := bf.Sync(blockfile.SyncData | blockfile.SyncMmap); err != nil {
		t.Fatal(err)
	}
	freeBefore := f.FreeBlocks()
	if err := bf.Close(); err != nil {
		t.Fatal(err)
	}

	bf2, err := blockfile.Open(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer bf2.Close()
	f2, err := Open(bf2, testHdrOff, 1)
	if err != nil {
		t.Fatal(err)
	}

	if f2.FreeBlocks() != freeBefore {
		t.Fatalf("expected free blocks to survive reopen: %d != %d", f2.FreeBlocks(), freeBefore)
	}

	ext2, err := f2.Allocate(4, NoOverallocate, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ext2.Offset == ext.Offset {
		t.Fatal("expected the reallocated extent to avoid the still-allocated region")
	}
}

func TestTrimShrinksTrailingFreeSpace(t *testing.T) {
	f := newTestFSM(t)

	total := f.TotalBlocks()
	ext, err := f.Allocate(total, NoOverallocate, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Deallocate(ext.Offset, ext.Length, 0); err != nil {
		t.Fatal(err)
	}

	truncBlocks, err := f.Trim()
	if err != nil {
		t.Fatal(err)
	}
	if truncBlocks >= f.TotalBlocks() {
		t.Fatalf("expected trim to report fewer than %d blocks, got %d", f.TotalBlocks(), truncBlocks)
	}
}
