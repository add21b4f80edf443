// Package kvblk implements the variable-size key/value data block
// described in §4.3 (C3): up to 32 slots indexed by
// (offset, length) descriptors, with pairs packed from the block's end
// toward the middle, compaction, and in-place grow/shrink.
package kvblk

import (
	"encoding/binary"
	"fmt"

	"github.com/arnavkj/skiplitekv/errkind"
)

// MaxSlots is the fixed number of key/value slots a KVBLK can hold (§3).
const MaxSlots = 32

// MinSzPow is the smallest allowed block-size power (§3: "minimum 512
// bytes; szpow >= 9").
const MinSzPow = 9

// fixedHdrSize covers szpow, zidx, maxoff and idxsz (§4.3's header
// fields preceding the slot index).
const fixedHdrSize = 1 + 1 + 4 + 2

// GrowFunc reallocates the block's storage to a larger size and
// returns a view over the new location, used when AddKV can't make a
// pair fit even after compaction (§4.3: "reallocate the block doubling
// szpow until it fits"). The caller (which owns FSM access) is
// responsible for copying no bytes itself — KVBlk does the payload
// move once it has the new window.
type GrowFunc func(curSzpow uint8) (newData []byte, newOff int64, newSzpow uint8, err error)

// ShrinkFunc is the mirror of GrowFunc for RmKV's shrink-on-delete path.
type ShrinkFunc func(curSzpow uint8) (newData []byte, newOff int64, newSzpow uint8, err error)

type slotDesc struct {
	off uint32 // absolute offset within the block, 0 = empty slot
	len uint32
}

// KVBlk is a decoded view over one key/value block living at Off
// within Data.
type KVBlk struct {
	Data   []byte
	Off    int64
	szpow  uint8
	zidx   uint8
	maxoff uint32
	idxsz  uint16
	slots  [MaxSlots]slotDesc
	dirty  bool
}

func blockSize(szpow uint8) int64 { return 1 << szpow }

// Create initializes an empty KVBLK at off within data.
func Create(data []byte, off int64, szpow uint8) (*KVBlk, error) {
	if szpow < MinSzPow {
		return nil, fmt.Errorf("kvblk: szpow %d below minimum %d: %w", szpow, MinSzPow, errkind.ErrInvalidBlockSize)
	}
	b := &KVBlk{Data: data, Off: off, szpow: szpow, dirty: true}
	b.idxsz = uint16(2 * MaxSlots) // 2 * varint(0) * 32, varint(0) is one byte
	return b, b.syncHeader()
}

// Load decodes an existing KVBLK at off within data.
func Load(data []byte, off int64) (*KVBlk, error) {
	hdr := data[off : off+fixedHdrSize]
	b := &KVBlk{Data: data, Off: off}
	b.szpow = hdr[0]
	b.zidx = hdr[1]
	b.maxoff = binary.LittleEndian.Uint32(hdr[2:6])
	b.idxsz = binary.LittleEndian.Uint16(hdr[6:8])

	if b.szpow < MinSzPow {
		return nil, fmt.Errorf("kvblk: decoded szpow %d: %w", b.szpow, errkind.ErrCorrupted)
	}

	p := off + fixedHdrSize
	for i := 0; i < MaxSlots; i++ {
		offFromEnd, n1 := binary.Uvarint(data[p:])
		p += int64(n1)
		length, n2 := binary.Uvarint(data[p:])
		p += int64(n2)
		if length == 0 {
			b.slots[i] = slotDesc{}
			continue
		}
		end := off + blockSize(b.szpow)
		b.slots[i] = slotDesc{off: uint32(end - int64(offFromEnd)), len: uint32(length)}
	}
	return b, nil
}

func (b *KVBlk) blockEnd() int64 { return b.Off + blockSize(b.szpow) }

// syncHeader rewrites the fixed header and slot index (§4.3 sync_mm:
// "if dirty, rewrite the header descriptors; the pair payloads are
// mutated in place so they are never written separately").
func (b *KVBlk) syncHeader() error {
	hdr := b.Data[b.Off : b.Off+fixedHdrSize]
	hdr[0] = b.szpow
	hdr[1] = b.zidx
	binary.LittleEndian.PutUint32(hdr[2:6], b.maxoff)

	p := b.Off + fixedHdrSize
	var idxsz int
	for i := 0; i < MaxSlots; i++ {
		s := b.slots[i]
		var offFromEnd, length uint64
		if s.len != 0 {
			offFromEnd = uint64(b.blockEnd() - int64(s.off))
			length = uint64(s.len)
		}
		n := binary.PutUvarint(b.Data[p:], offFromEnd)
		p += int64(n)
		idxsz += n
		n = binary.PutUvarint(b.Data[p:], length)
		p += int64(n)
		idxsz += n
	}
	b.idxsz = uint16(idxsz)
	binary.LittleEndian.PutUint16(hdr[6:8], b.idxsz)

	b.dirty = false
	return nil
}

// SyncMM flushes the header/index if dirty.
func (b *KVBlk) SyncMM() error {
	if !b.dirty {
		return nil
	}
	return b.syncHeader()
}

func (b *KVBlk) indexAreaEnd() int64 { return b.Off + fixedHdrSize + int64(b.idxsz) }

// freeSpace is the number of contiguous bytes between the end of the
// slot index and the start of the lowest-offset pair.
func (b *KVBlk) freeSpace() int64 {
	lowest := b.blockEnd()
	for _, s := range b.slots {
		if s.len != 0 && int64(s.off) < lowest {
			lowest = int64(s.off)
		}
	}
	return lowest - b.indexAreaEnd()
}

func pairSize(keylen, vallen int) int64 {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(keylen))
	return int64(n) + int64(keylen) + int64(vallen)
}

// PeekKey returns a zero-copy view of slot's key.
func (b *KVBlk) PeekKey(slot int) ([]byte, error) {
	s, err := b.slotAt(slot)
	if err != nil {
		return nil, err
	}
	keylen, n := binary.Uvarint(b.Data[s.off:])
	return b.Data[int64(s.off)+int64(n) : int64(s.off)+int64(n)+int64(keylen)], nil
}

// PeekVal returns a zero-copy view of slot's value.
func (b *KVBlk) PeekVal(slot int) ([]byte, error) {
	s, err := b.slotAt(slot)
	if err != nil {
		return nil, err
	}
	keylen, n := binary.Uvarint(b.Data[s.off:])
	valOff := int64(s.off) + int64(n) + int64(keylen)
	valLen := int64(s.len) - int64(n) - int64(keylen)
	return b.Data[valOff : valOff+valLen], nil
}

func (b *KVBlk) slotAt(slot int) (slotDesc, error) {
	if slot < 0 || slot >= MaxSlots || b.slots[slot].len == 0 {
		return slotDesc{}, fmt.Errorf("kvblk: slot %d: %w", slot, errkind.ErrOutOfBounds)
	}
	return b.slots[slot], nil
}

// firstFreeSlot returns the first free slot index at or after zidx,
// wrapping around to the slots before zidx, or -1 if none.
func (b *KVBlk) firstFreeSlot() int {
	for i := int(b.zidx); i < MaxSlots; i++ {
		if b.slots[i].len == 0 {
			return i
		}
	}
	for i := 0; i < int(b.zidx); i++ {
		if b.slots[i].len == 0 {
			return i
		}
	}
	return -1
}

// AddKV inserts key/val, growing the block via grow if neither the
// current free space nor compaction can fit it (§4.3 add_kv).
func (b *KVBlk) AddKV(key, val []byte, grow GrowFunc) (int, error) {
	slot := b.firstFreeSlot()
	if slot < 0 {
		return 0, errkind.ErrKvBlockFull()
	}

	psz := pairSize(len(key), len(val))

	if b.freeSpace() < psz {
		b.Compact()
	}
	for b.freeSpace() < psz {
		if grow == nil {
			return 0, fmt.Errorf("kvblk: pair of %d bytes does not fit: %w", psz, errkind.ErrMaxKvSize)
		}
		if err := b.growOnce(grow); err != nil {
			return 0, err
		}
	}

	writeOff := b.lowestPairOffset() - psz
	n := binary.PutUvarint(b.Data[writeOff:], uint64(len(key)))
	copy(b.Data[writeOff+int64(n):], key)
	copy(b.Data[writeOff+int64(n)+int64(len(key)):], val)

	b.slots[slot] = slotDesc{off: uint32(writeOff), len: uint32(psz)}
	if dist := uint32(b.blockEnd() - writeOff); dist > b.maxoff {
		b.maxoff = dist
	}
	b.zidx = uint8((slot + 1) % MaxSlots)
	b.dirty = true

	return slot, b.syncHeader()
}

func (b *KVBlk) lowestPairOffset() int64 {
	lowest := b.blockEnd()
	for _, s := range b.slots {
		if s.len != 0 && int64(s.off) < lowest {
			lowest = int64(s.off)
		}
	}
	return lowest
}

// growOnce doubles szpow via grow, rewriting Data/Off in place.
func (b *KVBlk) growOnce(grow GrowFunc) error {
	newData, newOff, newSzpow, err := grow(b.szpow)
	if err != nil {
		return err
	}

	oldEnd := b.blockEnd()
	payloadLen := oldEnd - b.lowestPairOffset()
	newEnd := newOff + blockSize(newSzpow)

	// Read the old payload out of newData, not b.Data: grow may have
	// remapped the file, making b.Data a stale view of an unmapped
	// region. newData is the fresh mapping and the bytes at the old
	// absolute offset haven't moved, only the mapping address has.
	if payloadLen > 0 {
		copy(newData[newEnd-payloadLen:newEnd], newData[oldEnd-payloadLen:oldEnd])
	}
	for i := range b.slots {
		if b.slots[i].len != 0 {
			distFromEnd := int64(oldEnd) - int64(b.slots[i].off)
			b.slots[i].off = uint32(newEnd - distFromEnd)
		}
	}

	b.Data = newData
	b.Off = newOff
	b.szpow = newSzpow
	b.dirty = true
	return nil
}

// UpdateKV overwrites slot's value, growing/moving the pair in place
// when it still fits between neighboring slots, else falling back to a
// remove+add (§4.3 update_kv).
func (b *KVBlk) UpdateKV(slot int, key, val []byte, grow GrowFunc) error {
	s, err := b.slotAt(slot)
	if err != nil {
		return err
	}
	newSize := pairSize(len(key), len(val))

	if newSize <= int64(s.len) {
		n := binary.PutUvarint(b.Data[s.off:], uint64(len(key)))
		copy(b.Data[int64(s.off)+int64(n):], key)
		copy(b.Data[int64(s.off)+int64(n)+int64(len(key)):], val)
		b.slots[slot].len = uint32(newSize)
		b.dirty = true
		return b.syncHeader()
	}

	// Room between this slot and the next lower-offset slot?
	nextLowerEnd := int64(s.off)
	spaceBelow := nextLowerEnd - b.gapStartBelow(s.off)
	if spaceBelow+int64(s.len) >= newSize {
		newOff := nextLowerEnd + int64(s.len) - newSize
		n := binary.PutUvarint(b.Data[newOff:], uint64(len(key)))
		copy(b.Data[newOff+int64(n):], key)
		copy(b.Data[newOff+int64(n)+int64(len(key)):], val)
		b.slots[slot] = slotDesc{off: uint32(newOff), len: uint32(newSize)}
		if dist := uint32(b.blockEnd() - newOff); dist > b.maxoff {
			b.maxoff = dist
		}
		b.dirty = true
		return b.syncHeader()
	}

	if err := b.RmKV(slot, nil); err != nil {
		return err
	}
	_, err = b.addAtSlot(slot, key, val, grow)
	return err
}

// addAtSlot is AddKV but forcing a specific (already-freed) slot index,
// used by UpdateKV's remove+add fallback so the slot identity is kept
// stable for callers holding onto it.
func (b *KVBlk) addAtSlot(slot int, key, val []byte, grow GrowFunc) (int, error) {
	psz := pairSize(len(key), len(val))
	if b.freeSpace() < psz {
		b.Compact()
	}
	for b.freeSpace() < psz {
		if grow == nil {
			return 0, fmt.Errorf("kvblk: pair of %d bytes does not fit: %w", psz, errkind.ErrMaxKvSize)
		}
		if err := b.growOnce(grow); err != nil {
			return 0, err
		}
	}
	writeOff := b.lowestPairOffset() - psz
	n := binary.PutUvarint(b.Data[writeOff:], uint64(len(key)))
	copy(b.Data[writeOff+int64(n):], key)
	copy(b.Data[writeOff+int64(n)+int64(len(key)):], val)
	b.slots[slot] = slotDesc{off: uint32(writeOff), len: uint32(psz)}
	if dist := uint32(b.blockEnd() - writeOff); dist > b.maxoff {
		b.maxoff = dist
	}
	b.dirty = true
	return slot, b.syncHeader()
}

// gapStartBelow returns where the free gap directly below off begins:
// the end of the nearest lower-offset pair, or the end of the slot index
// when no pair lies below off.
func (b *KVBlk) gapStartBelow(off uint32) int64 {
	start := b.indexAreaEnd()
	for _, s := range b.slots {
		if s.len != 0 && s.off < off && int64(s.off)+int64(s.len) > start {
			start = int64(s.off) + int64(s.len)
		}
	}
	return start
}

// RmKV clears slot, recomputing maxoff if it owned it, and shrinks the
// block in place when the occupied data drops to half capacity (§4.3
// rm_kv).
func (b *KVBlk) RmKV(slot int, shrink ShrinkFunc) error {
	s, err := b.slotAt(slot)
	if err != nil {
		return err
	}
	owned := b.blockEnd()-int64(s.off) == int64(b.maxoff)
	b.slots[slot] = slotDesc{}
	b.dirty = true

	if owned {
		b.recomputeMaxoff()
	}

	if err := b.syncHeader(); err != nil {
		return err
	}

	if shrink != nil {
		return b.maybeShrink(shrink)
	}
	return nil
}

func (b *KVBlk) recomputeMaxoff() {
	var max uint32
	for _, s := range b.slots {
		if s.len == 0 {
			continue
		}
		distFromEnd := uint32(b.blockEnd() - int64(s.off))
		if distFromEnd > max {
			max = distFromEnd
		}
	}
	b.maxoff = max
}

// occupied returns the sum of live pair lengths (§3 I8: "sum(len_i) ==
// maxoff" once compacted).
func (b *KVBlk) occupied() int64 {
	var sum int64
	for _, s := range b.slots {
		sum += int64(s.len)
	}
	return sum
}

func (b *KVBlk) maybeShrink(shrink ShrinkFunc) error {
	for b.szpow > MinSzPow && b.occupied()*2 <= blockSize(b.szpow) {
		b.Compact()
		newData, newOff, newSzpow, err := shrink(b.szpow)
		if err != nil {
			return err
		}
		if newSzpow >= b.szpow {
			return nil
		}
		oldEnd := b.blockEnd()
		payloadLen := b.occupied()
		newEnd := newOff + blockSize(newSzpow)
		// See growOnce: read from newData, not the possibly-stale b.Data.
		if payloadLen > 0 {
			copy(newData[newEnd-payloadLen:newEnd], newData[oldEnd-payloadLen:oldEnd])
		}
		for i := range b.slots {
			if b.slots[i].len != 0 {
				distFromEnd := int64(oldEnd) - int64(b.slots[i].off)
				b.slots[i].off = uint32(newEnd - distFromEnd)
			}
		}
		b.Data = newData
		b.Off = newOff
		b.szpow = newSzpow
		b.dirty = true
		if err := b.syncHeader(); err != nil {
			return err
		}
	}
	return nil
}

// Compact insertion-sorts slot descriptors by offset and slides each pair
// toward the block's end, eliminating internal fragmentation (§4.3).
func (b *KVBlk) Compact() {
	type entry struct {
		slot int
		s    slotDesc
	}
	var live []entry
	for i, s := range b.slots {
		if s.len != 0 {
			live = append(live, entry{i, s})
		}
	}
	// Stable-sort by offset ascending (closest to the index area first,
	// so the lowest-offset pair lands closest to the new free gap).
	for i := 1; i < len(live); i++ {
		for j := i; j > 0 && live[j].s.off < live[j-1].s.off; j-- {
			live[j], live[j-1] = live[j-1], live[j]
		}
	}

	write := b.blockEnd()
	tmp := make([][]byte, len(live))
	for i, e := range live {
		buf := make([]byte, e.s.len)
		copy(buf, b.Data[e.s.off:int64(e.s.off)+int64(e.s.len)])
		tmp[i] = buf
	}
	for i := len(live) - 1; i >= 0; i-- {
		write -= int64(live[i].s.len)
		copy(b.Data[write:write+int64(live[i].s.len)], tmp[i])
		b.slots[live[i].slot].off = uint32(write)
	}

	b.recomputeMaxoff()
	b.dirty = true
	_ = b.syncHeader()
}

// Pnum reports the number of live (non-empty) slots.
func (b *KVBlk) Pnum() int {
	n := 0
	for _, s := range b.slots {
		if s.len != 0 {
			n++
		}
	}
	return n
}

// SzPow returns the current block-size power.
func (b *KVBlk) SzPow() uint8 { return b.szpow }
