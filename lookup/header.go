// Package lookup implements the database chain, the skip-list descent
// algorithm, and the put/get/delete operations described in
// §4.5-§4.6 (C5) and the database-header half of §3/§4.4 (C6's data
// model). It owns the Database type because the descent algorithms need
// unrestricted access to its header fields.
package lookup

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"

	"github.com/arnavkj/skiplitekv/blockfile"
	"github.com/arnavkj/skiplitekv/errkind"
	"github.com/arnavkj/skiplitekv/fsm"
	"github.com/arnavkj/skiplitekv/kvblk"
	"github.com/arnavkj/skiplitekv/sblk"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/sirupsen/logrus"
)

// DBFlags select per-database key/value interpretation (§6).
type DBFlags uint32

const (
	Uint32Keys    DBFlags = 1 << iota // UINT32_KEYS
	Uint64Keys                        // UINT64_KEYS
	DupUint32Vals                     // DUP_UINT32_VALS
	DupUint64Vals                     // DUP_UINT64_VALS
)

const (
	dbMagic uint32 = 0x1dcdb1d

	// HeaderSize is the on-disk database-header block size: §3
	// requires >= 257 bytes rounded up to the block grain; 320 is the
	// next 64-byte multiple that comfortably fits magic+flags+id+next+p0
	// plus 30 forward pointers and 30 level counts.
	HeaderSize = 320

	hdrFixed = 4 + 4 + 4 + 8 + 4 // magic, flags, id, next, p0
	hdrNOff  = hdrFixed
	hdrCOff  = hdrFixed + sblk.SLevels*4
)

// Database is one named database inside the store: the virtual
// level-30 skip-list head (its own header block) plus the chain of
// SBLKs it owns (§3, §4.5).
type Database struct {
	mu sync.RWMutex

	bf     *blockfile.File
	fm     *fsm.FSM
	rng    *rand.Rand
	logger logrus.FieldLogger

	Addr  int64
	id    uint32
	flags DBFlags
	next  uint64
	p0    uint32
	n     [sblk.SLevels]uint32
	lcnt  [sblk.SLevels]uint32

	cmp      sblk.Comparator
	dupWidth kvblk.DupWidth

	open    bool
	wkCount int
	wkCond  *sync.Cond

	bloom *bloom.BloomFilter

	dirty bool
}

// ID returns the database's numeric identifier.
func (db *Database) ID() uint32 { return db.id }

// Flags returns the database's flags.
func (db *Database) Flags() DBFlags { return db.flags }

// IsHeader satisfies the {SBLK, DbHeader} node variant (§9): the
// database header is always the virtual skip-list head.
func (db *Database) IsHeader() bool { return true }

// Level returns the topmost level with a non-zero forward pointer,
// synthesized from n[] rather than stored (§4.4 "at(addr)").
func (db *Database) Level() uint8 {
	for i := sblk.SLevels - 1; i >= 0; i-- {
		if db.n[i] != 0 {
			return uint8(i)
		}
	}
	return 0
}

func (db *Database) Forward(i int) uint32 {
	if i < 0 || i >= sblk.SLevels {
		return 0
	}
	return db.n[i]
}

func (db *Database) SetForward(i int, addr uint32) {
	db.n[i] = addr
	db.dirty = true
}

func (db *Database) P0() uint32     { return db.p0 }
func (db *Database) SetP0(a uint32) { db.p0 = a; db.dirty = true }

// LCount returns the number of SBLKs at lvl (§3 I5).
func (db *Database) LCount(lvl int) uint32 { return db.lcnt[lvl] }

func (db *Database) incLCount(lvl int) { db.lcnt[lvl]++; db.dirty = true }
func (db *Database) decLCount(lvl int) {
	if db.lcnt[lvl] > 0 {
		db.lcnt[lvl]--
	}
	db.dirty = true
}

func encodeDBHeader(db *Database) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], dbMagic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(db.flags))
	binary.BigEndian.PutUint32(buf[8:12], db.id)
	binary.BigEndian.PutUint64(buf[12:20], db.next)
	binary.BigEndian.PutUint32(buf[20:24], db.p0)
	for i := 0; i < sblk.SLevels; i++ {
		binary.BigEndian.PutUint32(buf[hdrNOff+i*4:hdrNOff+i*4+4], db.n[i])
		binary.BigEndian.PutUint32(buf[hdrCOff+i*4:hdrCOff+i*4+4], db.lcnt[i])
	}
	return buf
}

func decodeDBHeader(buf []byte) (*Database, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("lookup: short database header: %w", errkind.ErrInvalidFileMeta)
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != dbMagic {
		return nil, fmt.Errorf("lookup: bad database header magic %#x: %w", magic, errkind.ErrCorrupted)
	}
	db := &Database{}
	db.flags = DBFlags(binary.BigEndian.Uint32(buf[4:8]))
	db.id = binary.BigEndian.Uint32(buf[8:12])
	db.next = binary.BigEndian.Uint64(buf[12:20])
	db.p0 = binary.BigEndian.Uint32(buf[20:24])
	for i := 0; i < sblk.SLevels; i++ {
		db.n[i] = binary.BigEndian.Uint32(buf[hdrNOff+i*4 : hdrNOff+i*4+4])
		db.lcnt[i] = binary.BigEndian.Uint32(buf[hdrCOff+i*4 : hdrCOff+i*4+4])
	}
	return db, nil
}

// SyncMM persists the header fields if dirty (mirrors sblk.Node.SyncMM).
func (db *Database) SyncMM() error {
	if !db.dirty {
		return nil
	}
	if err := db.bf.WriteHeader(db.Addr, encodeDBHeader(db)); err != nil {
		return err
	}
	db.dirty = false
	return nil
}

// NextAddr returns the byte address of the next database header in
// the chain, or 0 if this is the last one.
func (db *Database) NextAddr() uint64 { return db.next }

func (db *Database) setNext(addr uint64) { db.next = addr; db.dirty = true }

// Comparator returns the key comparator selected by this database's
// flags (§4.5).
func (db *Database) Comparator() sblk.Comparator {
	switch {
	case db.flags&Uint32Keys != 0:
		return sblk.Uint32Comparator
	case db.flags&Uint64Keys != 0:
		return sblk.Uint64Comparator
	default:
		return sblk.ByteComparator
	}
}

// DupWidth returns the sorted-duplicate value width, or 0 if this
// database is not in dup mode.
func (db *Database) DupWidth() kvblk.DupWidth {
	switch {
	case db.flags&DupUint32Vals != 0:
		return kvblk.Dup32
	case db.flags&DupUint64Vals != 0:
		return kvblk.Dup64
	default:
		return 0
	}
}
