// Package sblk implements the fixed 256-byte skip-list node described
// in §4.4 (C4): a sorted permutation of KVBLK slot indices, the
// lowest-key prefix, level, and forward pointers.
package sblk

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/arnavkj/skiplitekv/errkind"
)

// Size is the fixed on-disk size of an SBLK (§4.4).
const Size = 256

// SLevels is the maximum number of skip-list levels (§4.5).
const SLevels = 30

// MaxPairs is the maximum number of live pairs referenced by an SBLK's
// permutation (§3 I2).
const MaxPairs = 32

// MaxLowerKey is the inline lower-key prefix capacity (§3).
const MaxLowerKey = 64

// Persistent flags (§4.4). Only FlagFullLKey is written to disk; the
// rest are runtime-only and kept as separate Go fields on Node.
const FlagFullLKey uint8 = 1 << 0

// layout offsets within the 256-byte node, matching:
//
//	flags:u8 | lvl:u8 | lkl:u8 | pnum:u8 |
//	p0:u32   | kvblkn:u32 | pi[32]:u8 |
//	n[30]:u32 | pad[28] | lk[64]
const (
	offFlags  = 0
	offLvl    = 1
	offLkl    = 2
	offPnum   = 3
	offP0     = 4
	offKvBlkN = 8
	offPi     = 12
	offN      = 44
	offPad    = 164
	offLk     = 192
)

// Comparator orders two keys, returning <0, 0, >0 like bytes.Compare.
type Comparator func(a, b []byte) int

// ByteComparator is the default lexicographic byte comparator (§4.5).
func ByteComparator(a, b []byte) int { return bytes.Compare(a, b) }

// Uint32Comparator compares keys as fixed-width big-endian uint32s
// (§4.5, selected by the UINT32_KEYS database flag).
func Uint32Comparator(a, b []byte) int {
	av := binary.BigEndian.Uint32(pad4(a))
	bv := binary.BigEndian.Uint32(pad4(b))
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

// Uint64Comparator compares keys as fixed-width big-endian uint64s.
func Uint64Comparator(a, b []byte) int {
	av := binary.BigEndian.Uint64(pad8(a))
	bv := binary.BigEndian.Uint64(pad8(b))
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

func pad4(b []byte) []byte {
	if len(b) >= 4 {
		return b[:4]
	}
	out := make([]byte, 4)
	copy(out[4-len(b):], b)
	return out
}

func pad8(b []byte) []byte {
	if len(b) >= 8 {
		return b[:8]
	}
	out := make([]byte, 8)
	copy(out[8-len(b):], b)
	return out
}

// Node is a decoded view over one SBLK living at Addr within Data.
type Node struct {
	Data []byte
	Addr int64

	flags  uint8
	lvl    uint8
	lkl    uint8
	pnum   uint8
	p0     uint32
	kvblkn uint32
	pi     [MaxPairs]uint8
	n      [SLevels]uint32
	lk     [MaxLowerKey]byte

	// Runtime-only flags, never persisted (§4.4).
	Dirty    bool
	LKeyOnly bool
}

// Create initializes a new empty SBLK at addr.
func Create(data []byte, addr int64, kvblkn uint32, level uint8) *Node {
	n := &Node{Data: data, Addr: addr, kvblkn: kvblkn, lvl: level, Dirty: true}
	return n
}

// Load decodes an existing SBLK at addr.
func Load(data []byte, addr int64) (*Node, error) {
	raw := data[addr : addr+Size]
	n := &Node{Data: data, Addr: addr}
	n.flags = raw[offFlags]
	n.lvl = raw[offLvl]
	n.lkl = raw[offLkl]
	n.pnum = raw[offPnum]
	n.p0 = binary.LittleEndian.Uint32(raw[offP0 : offP0+4])
	n.kvblkn = binary.LittleEndian.Uint32(raw[offKvBlkN : offKvBlkN+4])
	copy(n.pi[:], raw[offPi:offPi+MaxPairs])
	for i := 0; i < SLevels; i++ {
		n.n[i] = binary.LittleEndian.Uint32(raw[offN+i*4 : offN+i*4+4])
	}
	copy(n.lk[:], raw[offLk:offLk+MaxLowerKey])

	if n.lvl >= SLevels || n.lkl > MaxLowerKey || n.pnum > MaxPairs {
		return nil, fmt.Errorf("sblk: decoded node at %d: %w", addr, errkind.ErrCorrupted)
	}
	return n, nil
}

// SyncMM writes the fixed fields plus n[0..lvl] and lk[0..lkl] if dirty
// (§4.4 sync_mm).
func (n *Node) SyncMM() error {
	if !n.Dirty {
		return nil
	}
	raw := n.Data[n.Addr : n.Addr+Size]
	raw[offFlags] = n.flags
	raw[offLvl] = n.lvl
	raw[offLkl] = n.lkl
	raw[offPnum] = n.pnum
	binary.LittleEndian.PutUint32(raw[offP0:offP0+4], n.p0)
	binary.LittleEndian.PutUint32(raw[offKvBlkN:offKvBlkN+4], n.kvblkn)
	copy(raw[offPi:offPi+MaxPairs], n.pi[:])
	for i := 0; i <= int(n.lvl); i++ {
		binary.LittleEndian.PutUint32(raw[offN+i*4:offN+i*4+4], n.n[i])
	}
	copy(raw[offLk:offLk+int(n.lkl)], n.lk[:n.lkl])
	n.Dirty = false
	return nil
}

// IsHeader reports false: an SBLK is never the virtual skip-list head
// (§9's "variant {SBLK, DbHeader}" tag dispatch).
func (n *Node) IsHeader() bool { return false }

func (n *Node) Level() uint8    { return n.lvl }
func (n *Node) Pnum() int       { return int(n.pnum) }
func (n *Node) P0() uint32      { return n.p0 }
func (n *Node) SetP0(a uint32)  { n.p0 = a; n.Dirty = true }
func (n *Node) KVBlkN() uint32  { return n.kvblkn }
func (n *Node) SetKVBlkN(a uint32) { n.kvblkn = a; n.Dirty = true }
func (n *Node) FullLKey() bool  { return n.flags&FlagFullLKey != 0 }
func (n *Node) LowerKey() []byte { return n.lk[:n.lkl] }

func (n *Node) Forward(i int) uint32 {
	if i < 0 || i >= SLevels {
		return 0
	}
	return n.n[i]
}

func (n *Node) SetForward(i int, addr uint32) {
	n.n[i] = addr
	n.Dirty = true
}

// PiAt returns the KVBLK slot index at permutation position idx.
func (n *Node) PiAt(idx int) int { return int(n.pi[idx]) }

// setLowerKey stores the prefix of the minimum key, setting FULL_LKEY
// when the key fits entirely (§3 I4).
func (n *Node) setLowerKey(key []byte) {
	if len(key) <= MaxLowerKey {
		n.flags |= FlagFullLKey
		n.lkl = uint8(len(key))
	} else {
		n.flags &^= FlagFullLKey
		n.lkl = MaxLowerKey
	}
	copy(n.lk[:], key[:n.lkl])
	n.Dirty = true
}

// FindPi binary-searches the permutation for key, using cmpSlot to
// compare the key at a given KVBLK slot against key (slot key first:
// negative when the slot key sorts before key; lazy load via the
// caller, §4.4). It returns the permutation index where key is (if
// found) or where it should be inserted (if not).
func (n *Node) FindPi(key []byte, cmpSlot func(slot int) int) (found bool, idx int) {
	lo, hi := 0, int(n.pnum)
	for lo < hi {
		mid := (lo + hi) / 2
		c := cmpSlot(int(n.pi[mid]))
		switch {
		case c == 0:
			return true, mid
		case c > 0:
			hi = mid
		default:
			lo = mid + 1
		}
	}
	return false, lo
}

// InsertPi inserts kvSlot into the permutation at idx, shifting
// subsequent entries right (§4.4).
func (n *Node) InsertPi(idx int, kvSlot int) error {
	if int(n.pnum) >= MaxPairs {
		return errkind.ErrKvBlockFull()
	}
	copy(n.pi[idx+1:n.pnum+1], n.pi[idx:n.pnum])
	n.pi[idx] = uint8(kvSlot)
	n.pnum++
	n.Dirty = true
	return nil
}

// RemovePi removes the permutation entry at idx.
func (n *Node) RemovePi(idx int) {
	copy(n.pi[idx:n.pnum-1], n.pi[idx+1:n.pnum])
	n.pnum--
	n.Dirty = true
}

// RefreshLowerKey recomputes lk/lkl/FULL_LKEY from the key now at
// permutation position 0, called after an rmkv(0) or addkv of a new
// minimum (§4.4).
func (n *Node) RefreshLowerKey(newMinKey []byte) {
	n.setLowerKey(newMinKey)
}
