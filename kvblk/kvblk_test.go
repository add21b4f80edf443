package kvblk

import (
	"bytes"
	"fmt"
	"testing"
)

// newRelocator returns a GrowFunc/ShrinkFunc pair that relocates a block
// within a single large backing buffer, one fresh region per call, so
// tests can exercise growOnce/maybeShrink without a real file/FSM.
func newRelocator(buf []byte) (grow GrowFunc, shrink ShrinkFunc) {
	const regionSize = 1 << 16
	next := 1

	alloc := func(curSzpow uint8, delta int8) ([]byte, int64, uint8, error) {
		off := int64(next) * regionSize
		next++
		return buf, off, uint8(int8(curSzpow) + delta), nil
	}
	grow = func(curSzpow uint8) ([]byte, int64, uint8, error) { return alloc(curSzpow, 1) }
	shrink = func(curSzpow uint8) ([]byte, int64, uint8, error) { return alloc(curSzpow, -1) }
	return grow, shrink
}

func TestAddKVAndPeek(t *testing.T) {
	buf := make([]byte, 1<<20)
	blk, err := Create(buf, 0, MinSzPow)
	if err != nil {
		t.Fatal(err)
	}

	slot, err := blk.AddKV([]byte("hello"), []byte("world"), nil)
	if err != nil {
		t.Fatal(err)
	}

	k, err := blk.PeekKey(slot)
	if err != nil {
		t.Fatal(err)
	}
	v, err := blk.PeekVal(slot)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(k, []byte("hello")) || !bytes.Equal(v, []byte("world")) {
		t.Fatalf("expected (hello,world), got (%s,%s)", k, v)
	}
	if blk.Pnum() != 1 {
		t.Fatalf("expected 1 live slot, got %d", blk.Pnum())
	}
}

func TestUpdateKVInPlaceWhenItFits(t *testing.T) {
	buf := make([]byte, 1<<20)
	blk, err := Create(buf, 0, MinSzPow)
	if err != nil {
		t.Fatal(err)
	}
	slot, err := blk.AddKV([]byte("k"), []byte("aaaaaaaaaa"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := blk.UpdateKV(slot, []byte("k"), []byte("short"), nil); err != nil {
		t.Fatal(err)
	}
	v, err := blk.PeekVal(slot)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(v, []byte("short")) {
		t.Fatalf("expected short, got %s", v)
	}
}

func TestUpdateKVGrowsValueBeyondOriginalSlot(t *testing.T) {
	buf := make([]byte, 1<<20)
	blk, err := Create(buf, 0, MinSzPow)
	if err != nil {
		t.Fatal(err)
	}
	slot, err := blk.AddKV([]byte("k"), []byte("short"), nil)
	if err != nil {
		t.Fatal(err)
	}

	grow, _ := newRelocator(buf)
	big := bytes.Repeat([]byte("x"), 400)
	if err := blk.UpdateKV(slot, []byte("k"), big, grow); err != nil {
		t.Fatal(err)
	}
	v, err := blk.PeekVal(slot)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(v, big) {
		t.Fatal("update did not preserve the grown value")
	}
}

func TestRmKVFreesSlot(t *testing.T) {
	buf := make([]byte, 1<<20)
	blk, err := Create(buf, 0, MinSzPow)
	if err != nil {
		t.Fatal(err)
	}
	slot, err := blk.AddKV([]byte("k"), []byte("v"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := blk.RmKV(slot, nil); err != nil {
		t.Fatal(err)
	}
	if blk.Pnum() != 0 {
		t.Fatalf("expected 0 live slots after remove, got %d", blk.Pnum())
	}
	if _, err := blk.PeekKey(slot); err == nil {
		t.Fatal("expected error peeking a removed slot")
	}
}

func TestAddKVFillsAllSlotsThenFails(t *testing.T) {
	buf := make([]byte, 1<<20)
	blk, err := Create(buf, 0, MinSzPow)
	if err != nil {
		t.Fatal(err)
	}
	grow, _ := newRelocator(buf)

	for i := 0; i < MaxSlots; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		if _, err := blk.AddKV(key, []byte("v"), grow); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if blk.Pnum() != MaxSlots {
		t.Fatalf("expected %d live slots, got %d", MaxSlots, blk.Pnum())
	}
	if _, err := blk.AddKV([]byte("one-too-many"), []byte("v"), grow); err == nil {
		t.Fatal("expected KvBlockFull once all slots are used")
	}
}

func TestAddKVGrowsBlockWhenOutOfSpace(t *testing.T) {
	buf := make([]byte, 1<<20)
	blk, err := Create(buf, 0, MinSzPow)
	if err != nil {
		t.Fatal(err)
	}
	grow, _ := newRelocator(buf)

	startSzpow := blk.SzPow()
	big := bytes.Repeat([]byte("v"), 400)
	if _, err := blk.AddKV([]byte("a"), big, grow); err != nil {
		t.Fatal(err)
	}
	if _, err := blk.AddKV([]byte("b"), big, grow); err != nil {
		t.Fatal(err)
	}
	if blk.SzPow() <= startSzpow {
		t.Fatalf("expected block to grow past szpow %d, got %d", startSzpow, blk.SzPow())
	}
}

func TestRmKVShrinksBlockWhenMostlyEmpty(t *testing.T) {
	buf := make([]byte, 1<<20)
	blk, err := Create(buf, 0, MinSzPow)
	if err != nil {
		t.Fatal(err)
	}
	grow, shrink := newRelocator(buf)

	big := bytes.Repeat([]byte("v"), 400)
	s1, err := blk.AddKV([]byte("a"), big, grow)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := blk.AddKV([]byte("b"), big, grow); err != nil {
		t.Fatal(err)
	}
	grownSzpow := blk.SzPow()

	if err := blk.RmKV(s1, shrink); err != nil {
		t.Fatal(err)
	}
	if blk.SzPow() >= grownSzpow {
		t.Fatalf("expected block to shrink back below szpow %d, got %d", grownSzpow, blk.SzPow())
	}
}

func TestLoadRoundTripsEncodedBlock(t *testing.T) {
	buf := make([]byte, 1<<20)
	blk, err := Create(buf, 0, MinSzPow)
	if err != nil {
		t.Fatal(err)
	}
	slot, err := blk.AddKV([]byte("persisted-key"), []byte("persisted-val"), nil)
	if err != nil {
		t.Fatal(err)
	}

	reloaded, err := Load(buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	k, err := reloaded.PeekKey(slot)
	if err != nil {
		t.Fatal(err)
	}
	v, err := reloaded.PeekVal(slot)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(k, []byte("persisted-key")) || !bytes.Equal(v, []byte("persisted-val")) {
		t.Fatalf("round trip mismatch: (%s,%s)", k, v)
	}
}

func TestCompactReclaimsFragmentedSpace(t *testing.T) {
	buf := make([]byte, 1<<20)
	blk, err := Create(buf, 0, MinSzPow)
	if err != nil {
		t.Fatal(err)
	}

	var slots []int
	for i := 0; i < 10; i++ {
		slot, err := blk.AddKV([]byte(fmt.Sprintf("k%d", i)), []byte("0123456789"), nil)
		if err != nil {
			t.Fatal(err)
		}
		slots = append(slots, slot)
	}
	for i := 0; i < len(slots); i += 2 {
		if err := blk.RmKV(slots[i], nil); err != nil {
			t.Fatal(err)
		}
	}

	freeBefore := blk.freeSpace()
	blk.Compact()
	if blk.freeSpace() < freeBefore {
		t.Fatal("compact should never reduce free space")
	}

	// Surviving odd-indexed slots must still read back correctly.
	for i := 1; i < len(slots); i += 2 {
		v, err := blk.PeekVal(slots[i])
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(v, []byte("0123456789")) {
			t.Fatalf("slot %d corrupted by compact: %s", slots[i], v)
		}
	}
}
