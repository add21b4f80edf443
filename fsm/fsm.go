package fsm

import (
	"fmt"
	"sync"

	"github.com/arnavkj/skiplitekv/blockfile"
	"github.com/arnavkj/skiplitekv/errkind"
)

// AllocFlags control an individual allocate/deallocate call (§4.2).
type AllocFlags uint32

const (
	// PageAligned requires the returned extent to start on an OS page
	// boundary (in blocks).
	PageAligned AllocFlags = 1 << iota
	// NoOverallocate forces the remainder of an over-sized best-fit
	// extent to always be split and reinserted rather than absorbed.
	NoOverallocate
	// NoStats suppresses updating the running allocation-size stats.
	NoStats
	// NoExtend forbids growing the bitmap/file to satisfy a request
	// that doesn't currently fit.
	NoExtend
	// Strict requires every bit cleared by Deallocate to have been set.
	Strict
)

// varianceFactor is the "6" in §4.2's "(avg − tail_len)² > 6·variance"
// overallocation heuristic.
const varianceFactor = 6

// statsResetThreshold bounds crznum arithmetic (§4.2).
const statsResetThreshold = 65536

// FSM is the free-space manager: a persistent block bitmap plus the
// in-memory best-fit extent index (§4.2, C2).
type FSM struct {
	mu sync.RWMutex

	bf           *blockfile.File
	hdrByteOff   int64 // absolute byte offset of the FSM header in the file
	pageBlocks   uint64
	bpow         uint8

	hdr Header
	bm  *bitmap
	idx *extentIndex

	// Welford running mean/variance of allocation sizes in blocks,
	// mirrored into hdr.CrzSum/CrzNum/CrzVar on Sync.
	mean float64
	m2   float64
}

func blockBytes(bpow uint8) uint64 { return 1 << bpow }

// Open loads an existing FSM header at hdrByteOff, or initializes a new
// one if the header region reads as all-zero. pageBlocks is the OS page
// size expressed in blocks, used for PAGE_ALIGNED requests.
func Open(bf *blockfile.File, hdrByteOff int64, pageBlocks uint64) (*FSM, error) {
	f := &FSM{
		bf:         bf,
		hdrByteOff: hdrByteOff,
		pageBlocks: pageBlocks,
		bpow:       blockfile.BlockPow,
	}

	buf := make([]byte, headerSize)
	if err := bf.ReadHeader(hdrByteOff, buf); err != nil {
		return nil, err
	}

	if isZero(buf) {
		return f, f.initEmpty()
	}

	hdr, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}
	f.hdr = hdr
	f.bpow = hdr.Bpow

	data := make([]byte, hdr.BmLen)
	if err := bf.ReadHeader(int64(hdr.BmOff), data); err != nil {
		return nil, err
	}
	bm, err := loadBitmap(data)
	if err != nil {
		return nil, err
	}
	f.bm = bm
	f.idx = newExtentIndex()
	f.rebuildIndexFromBitmap()

	if hdr.CrzNum > 0 {
		f.mean = float64(hdr.CrzSum) / float64(hdr.CrzNum)
		f.m2 = float64(hdr.CrzVar)
	}

	return f, nil
}

func isZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

// initEmpty sets up a brand-new FSM: a minimal bitmap that marks its
// own blocks allocated (I6), placed immediately after the header
// region, and persists the header.
func (f *FSM) initEmpty() error {
	const initialTrackedBlocks = 4096 // bits tracked by the first bitmap generation

	bmOffBytes := uint64(f.hdrByteOff) + headerSize + 32 // header, then 32 spare bytes

	f.bm = newBitmap(initialTrackedBlocks)
	f.idx = newExtentIndex()

	bmBlockOff := bmOffBytes / blockBytes(f.bpow)
	// Reserve enough blocks, counted from the block the bitmap starts
	// in, for the marshaled bitmap itself (bitset's
	// encoding is a small fixed header plus nbits/8 bytes); round up
	// generously so a later Sync never needs to grow this region.
	bmBlocks := (bmOffBytes+initialTrackedBlocks/8+64+blockBytes(f.bpow)-1)/blockBytes(f.bpow) - bmBlockOff

	// The header blocks before the bitmap are allocated too.
	f.bm.setRange(0, uint(bmBlockOff+bmBlocks))
	f.idx.insert(Extent{Offset: bmBlockOff + bmBlocks, Length: uint64(f.bm.len()) - bmBlockOff - bmBlocks})

	f.hdr = Header{
		Magic: Magic,
		Bpow:  f.bpow,
		BmOff: bmOffBytes,
	}

	if err := f.ensureFileCovers(uint64(f.bm.len())); err != nil {
		return err
	}
	if err := f.ensureFileCovers((bmOffBytes + bmBlocks*blockBytes(f.bpow))); err != nil {
		return err
	}

	return f.syncLocked()
}

// ensureFileCovers grows the backing file so it can hold nblocks.
func (f *FSM) ensureFileCovers(nblocks uint64) error {
	need := int64(nblocks) * int64(blockBytes(f.bpow))
	return f.bf.EnsureSize(need)
}

// rebuildIndexFromBitmap walks the bitmap and reconstructs the free
// extent index, as required on store open (§4.8: "rebuilds the FSM tree
// from the bitmap").
func (f *FSM) rebuildIndexFromBitmap() {
	n := f.bm.len()
	var i uint
	for i < n {
		if f.bm.test(i) {
			i++
			continue
		}
		start := i
		for i < n && !f.bm.test(i) {
			i++
		}
		f.idx.insert(Extent{Offset: uint64(start), Length: uint64(i - start)})
	}
}

// TotalBlocks returns the number of blocks the bitmap currently tracks.
func (f *FSM) TotalBlocks() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return uint64(f.bm.len())
}

// FreeBlocks returns the number of currently-free blocks (P5).
func (f *FSM) FreeBlocks() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var total uint64
	for _, e := range f.idx.all() {
		total += e.Length
	}
	return total
}

// Allocate services an allocate request per the contract in §4.2.
func (f *FSM) Allocate(lenBlocks uint64, opts AllocFlags, hintOffset uint64) (Extent, error) {
	if lenBlocks == 0 {
		return Extent{}, fmt.Errorf("fsm: allocate 0 blocks: %w", errkind.ErrInvalidArgs)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	need := lenBlocks
	if opts&PageAligned != 0 && f.pageBlocks > 1 {
		need += f.pageBlocks // room to carve an aligned sub-range
	}

	var ext Extent
	var found bool
	if hintOffset > 0 {
		ext, found = f.idx.bestFitNear(need, hintOffset, f.pageBlocks*16)
	} else {
		ext, found = f.idx.bestFit(need)
	}

	if !found {
		if opts&NoExtend != 0 {
			return Extent{}, fmt.Errorf("fsm: allocate %d blocks: %w", lenBlocks, errkind.ErrNoFreeSpace)
		}
		if err := f.extend(need); err != nil {
			return Extent{}, err
		}
		ext, found = f.idx.bestFit(need)
		if !found {
			return Extent{}, fmt.Errorf("fsm: allocate %d blocks after extend: %w", lenBlocks, errkind.ErrNoFreeSpace)
		}
	}

	f.idx.remove(ext)

	result := ext
	if opts&PageAligned != 0 && f.pageBlocks > 1 {
		aligned := alignUp(ext.Offset, f.pageBlocks)
		if pre := aligned - ext.Offset; pre > 0 {
			f.idx.insert(Extent{Offset: ext.Offset, Length: pre})
		}
		result = Extent{Offset: aligned, Length: ext.Offset + ext.Length - aligned}
	}

	tailLen := result.Length - lenBlocks
	result.Length = lenBlocks
	if tailLen > 0 {
		if opts&NoOverallocate != 0 || !f.shouldAbsorb(tailLen) {
			f.idx.insert(Extent{Offset: result.Offset + lenBlocks, Length: tailLen})
		} else {
			result.Length += tailLen
		}
	}

	f.bm.setRange(uint(result.Offset), uint(result.Length))

	if opts&NoStats == 0 {
		f.recordStat(result.Length)
	}

	if err := f.syncLocked(); err != nil {
		return Extent{}, err
	}

	return result, nil
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	rem := v % align
	if rem == 0 {
		return v
	}
	return v + (align - rem)
}

// shouldAbsorb implements §4.2's overallocation heuristic: round up by
// absorbing the whole remaining extent when the squared distance between
// its length and the running average of past allocation sizes exceeds
// varianceFactor times their variance, else split.
func (f *FSM) shouldAbsorb(tailLen uint64) bool {
	if f.mean == 0 {
		return false
	}
	variance := 0.0
	if n := f.statCount(); n > 1 {
		variance = f.m2 / float64(n)
	}
	d := f.mean - float64(tailLen)
	return d*d > varianceFactor*variance
}

func (f *FSM) statCount() uint32 { return f.hdr.CrzNum }

// recordStat folds one more allocation size into the running Welford
// mean/variance, resetting the counters once they exceed the bound in
// §4.2 so the arithmetic stays small.
func (f *FSM) recordStat(sizeBlocks uint64) {
	if f.hdr.CrzNum >= statsResetThreshold {
		f.hdr.CrzNum = 0
		f.hdr.CrzSum = 0
		f.mean, f.m2 = 0, 0
	}

	f.hdr.CrzNum++
	f.hdr.CrzSum += sizeBlocks

	x := float64(sizeBlocks)
	delta := x - f.mean
	f.mean += delta / float64(f.hdr.CrzNum)
	delta2 := x - f.mean
	f.m2 += delta * delta2

	f.hdr.CrzVar = uint64(f.m2)
}

// Deallocate clears [off, off+lenBlocks) and merges with adjacent free
// extents (§4.2 Deallocation).
func (f *FSM) Deallocate(off, lenBlocks uint64, opts AllocFlags) error {
	if lenBlocks == 0 {
		return fmt.Errorf("fsm: deallocate 0 blocks: %w", errkind.ErrInvalidArgs)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if opts&Strict != 0 && !f.bm.isRangeSet(uint(off), uint(lenBlocks)) {
		return fmt.Errorf("fsm: deallocate [%d,%d): %w", off, off+lenBlocks, errkind.ErrSegmentation)
	}

	f.bm.clearRange(uint(off), uint(lenBlocks))

	merged := Extent{Offset: off, Length: lenBlocks}

	// Merge with the left neighbor if it ends exactly where we begin.
	for _, e := range f.idx.all() {
		if e.Offset+e.Length == merged.Offset {
			f.idx.remove(e)
			merged.Offset = e.Offset
			merged.Length += e.Length
			break
		}
	}
	// Merge with the right neighbor if it begins exactly where we end.
	for _, e := range f.idx.all() {
		if merged.Offset+merged.Length == e.Offset {
			f.idx.remove(e)
			merged.Length += e.Length
			break
		}
	}

	f.idx.insert(merged)

	return f.syncLocked()
}

// Reallocate grows or shrinks the extent at addr in place when
// possible, else allocates a fresh extent, copies no bytes itself (the
// caller owns the payload move) and deallocates the old extent,
// returning the new extent (§4.1 reallocate).
func (f *FSM) Reallocate(addr, curLen, newLen uint64, opts AllocFlags) (Extent, bool, error) {
	if newLen == curLen {
		return Extent{Offset: addr, Length: curLen}, false, nil
	}

	f.mu.Lock()
	if newLen < curLen {
		f.mu.Unlock()
		if err := f.Deallocate(addr+newLen, curLen-newLen, opts); err != nil {
			return Extent{}, false, err
		}
		return Extent{Offset: addr, Length: newLen}, false, nil
	}

	grow := newLen - curLen
	for _, e := range f.idx.all() {
		if e.Offset == addr+curLen && e.Length >= grow {
			f.idx.remove(e)
			if e.Length > grow {
				f.idx.insert(Extent{Offset: e.Offset + grow, Length: e.Length - grow})
			}
			f.bm.setRange(uint(addr+curLen), uint(grow))
			err := f.syncLocked()
			f.mu.Unlock()
			return Extent{Offset: addr, Length: newLen}, false, err
		}
	}
	f.mu.Unlock()

	newExt, err := f.Allocate(newLen, opts, addr)
	if err != nil {
		return Extent{}, false, err
	}
	if err := f.Deallocate(addr, curLen, opts); err != nil {
		return Extent{}, false, err
	}
	return newExt, true, nil
}

// extend doubles the bitmap size to make room for an allocation that
// doesn't currently fit (§4.2: "double the bitmap size ... or, if none
// exists, by appending past the current bitmap tail").
func (f *FSM) extend(need uint64) error {
	cur := uint64(f.bm.len())
	newLen := cur * 2
	if newLen < cur+need {
		newLen = cur + need
	}

	f.bm.growTo(uint(newLen))
	f.idx.insert(Extent{Offset: cur, Length: newLen - cur})

	return f.ensureFileCovers(newLen)
}

// Sync persists the header and bitmap to the block file's reserved
// header region.
func (f *FSM) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncLocked()
}

func (f *FSM) syncLocked() error {
	data, err := f.bm.marshal()
	if err != nil {
		return err
	}
	f.hdr.BmLen = uint64(len(data))

	if err := f.ensureFileCovers(uint64(f.bm.len())); err != nil {
		return err
	}
	if err := f.bf.WriteHeader(int64(f.hdr.BmOff), data); err != nil {
		return err
	}
	return f.bf.WriteHeader(f.hdrByteOff, f.hdr.encode())
}

// Trim relocates the bitmap to the largest sufficient free extent
// found below its current location, then reports the new file
// length truncation point at the first allocated bit from the end
// (§4.2 Trimming). It does not itself truncate the file; the caller
// (Store.Close) does so after Trim returns the suggested length.
func (f *FSM) Trim() (truncateBlocks uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bmBlocks := (f.hdr.BmLen + blockBytes(f.bpow) - 1) / blockBytes(f.bpow)
	curBmOff := f.hdr.BmOff / blockBytes(f.bpow)

	if ext, ok := f.idx.largestBelow(bmBlocks, curBmOff); ok {
		f.idx.remove(ext)
		f.bm.clearRange(uint(curBmOff), uint(bmBlocks))
		f.idx.insert(Extent{Offset: curBmOff, Length: bmBlocks})

		f.bm.setRange(uint(ext.Offset), uint(bmBlocks))
		if ext.Length > bmBlocks {
			f.idx.insert(Extent{Offset: ext.Offset + bmBlocks, Length: ext.Length - bmBlocks})
		}
		f.hdr.BmOff = ext.Offset * blockBytes(f.bpow)

		if err := f.syncLocked(); err != nil {
			return 0, err
		}
	}

	n := f.bm.len()
	last := n
	for last > 0 && !f.bm.test(last-1) {
		last--
	}
	return uint64(last), nil
}
