// Package fsm implements the free-space manager described in
// §4.2 (C2): a persistent block bitmap plus an in-memory best-fit tree
// of free extents, servicing allocate/deallocate/reallocate with
// locality, alignment, and overallocation heuristics.
package fsm

import (
	"encoding/binary"
	"fmt"

	"github.com/arnavkj/skiplitekv/errkind"
	"github.com/bits-and-blooms/bitset"
)

// Magic identifies a valid FSM header (0x19cc7cc, §4.2).
const Magic uint32 = 0x19cc7cc

// headerSize is the on-disk size of the fixed FSM header fields,
// including the 32-byte reserved pad but not any trailing user header
// bytes.
const headerSize = 4 + 1 + 8 + 8 + 8 + 4 + 8 + 32 + 4

// Header is the on-disk FSM metadata block (§4.2), persisted
// big-endian in the store's reserved custom-header region.
type Header struct {
	Magic  uint32
	Bpow   uint8
	BmOff  uint64 // byte offset of the bitmap within the file
	BmLen  uint64 // byte length of the bitmap
	CrzSum uint64 // sum of allocation sizes (blocks), for the running average
	CrzNum uint32 // count of allocations contributing to CrzSum/CrzVar
	CrzVar uint64 // running variance numerator (blocks^2), fixed-point
	HdrLen uint32 // length of the user header region that follows
}

func (h *Header) encode() []byte {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Bpow
	binary.BigEndian.PutUint64(buf[5:13], h.BmOff)
	binary.BigEndian.PutUint64(buf[13:21], h.BmLen)
	binary.BigEndian.PutUint64(buf[21:29], h.CrzSum)
	binary.BigEndian.PutUint32(buf[29:33], h.CrzNum)
	binary.BigEndian.PutUint64(buf[33:41], h.CrzVar)
	// buf[41:73] reserved, left zero
	binary.BigEndian.PutUint32(buf[73:77], h.HdrLen)
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, fmt.Errorf("fsm: short header (%d bytes): %w", len(buf), errkind.ErrInvalidFileMeta)
	}
	var h Header
	h.Magic = binary.BigEndian.Uint32(buf[0:4])
	if h.Magic != Magic {
		return Header{}, fmt.Errorf("fsm: bad magic %#x: %w", h.Magic, errkind.ErrCorrupted)
	}
	h.Bpow = buf[4]
	h.BmOff = binary.BigEndian.Uint64(buf[5:13])
	h.BmLen = binary.BigEndian.Uint64(buf[13:21])
	h.CrzSum = binary.BigEndian.Uint64(buf[21:29])
	h.CrzNum = binary.BigEndian.Uint32(buf[29:33])
	h.CrzVar = binary.BigEndian.Uint64(buf[33:41])
	h.HdrLen = binary.BigEndian.Uint32(buf[73:77])
	return h, nil
}

// bitmap wraps bits-and-blooms/bitset as the in-memory mirror of the
// on-disk allocation bitmap (§4.2, I6). Bit i set means block i is
// allocated to some live entity, including the bitmap's own blocks.
type bitmap struct {
	bs *bitset.BitSet
}

func newBitmap(nbits uint) *bitmap {
	return &bitmap{bs: bitset.New(nbits)}
}

func loadBitmap(data []byte) (*bitmap, error) {
	bs := &bitset.BitSet{}
	if err := bs.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("fsm: decode bitmap: %w: %w", errkind.ErrCorrupted, err)
	}
	return &bitmap{bs: bs}, nil
}

func (b *bitmap) marshal() ([]byte, error) {
	data, err := b.bs.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("fsm: encode bitmap: %w: %w", errkind.ErrCorrupted, err)
	}
	return data, nil
}

func (b *bitmap) len() uint { return b.bs.Len() }

func (b *bitmap) test(i uint) bool { return i < b.bs.Len() && b.bs.Test(i) }

func (b *bitmap) setRange(off, n uint) {
	b.growTo(off + n)
	for i := uint(0); i < n; i++ {
		b.bs.Set(off + i)
	}
}

func (b *bitmap) clearRange(off, n uint) {
	for i := uint(0); i < n; i++ {
		b.bs.Clear(off + i)
	}
}

// growTo ensures the bitmap can address bit n-1.
func (b *bitmap) growTo(n uint) {
	if b.bs.Len() < n {
		b.bs.Set(n - 1)
		b.bs.Clear(n - 1)
	}
}

// isRangeClear reports whether every bit in [off, off+n) is clear.
func (b *bitmap) isRangeClear(off, n uint) bool {
	for i := uint(0); i < n; i++ {
		if b.test(off + i) {
			return false
		}
	}
	return true
}

// isRangeSet reports whether every bit in [off, off+n) is set.
func (b *bitmap) isRangeSet(off, n uint) bool {
	for i := uint(0); i < n; i++ {
		if !b.test(off + i) {
			return false
		}
	}
	return true
}
