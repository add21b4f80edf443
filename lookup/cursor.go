package lookup

import (
	"fmt"

	"github.com/arnavkj/skiplitekv/errkind"
	"github.com/arnavkj/skiplitekv/kvblk"
	"github.com/arnavkj/skiplitekv/sblk"
)

// CursorOp selects a Cursor positioning operation (§4.6, §6).
type CursorOp int

const (
	BeforeFirst CursorOp = iota
	AfterLast
	Next
	Prev
	EQ
	GE
)

// cursorState tracks whether the cursor sits before/after the chain or
// is bound to a live (node, permutation-position) pair.
type cursorState int

const (
	csBeforeFirst cursorState = iota
	csAfterLast
	csBound
)

// Cursor iterates a Database's sorted key space (§4.6).
type Cursor struct {
	db *Database

	state cursorState
	addr  uint32 // bound SBLK block address
	node  *sblk.Node
	cnpos int // permutation position within node
}

// CursorOpen creates a cursor positioned BEFORE_FIRST.
func (db *Database) CursorOpen() *Cursor {
	return &Cursor{db: db, state: csBeforeFirst}
}

// Close releases the cursor. Cursors hold no resources beyond Go
// references, so this only guards against further use (§5: "a cursor
// may only be closed between operations").
func (c *Cursor) Close() error {
	c.db = nil
	return nil
}

// To repositions the cursor per op (§4.6 to()). EQ/GE require ToKey.
func (c *Cursor) To(op CursorOp) error {
	switch op {
	case BeforeFirst:
		c.state, c.node, c.addr = csBeforeFirst, nil, 0
		return nil
	case AfterLast:
		c.state, c.node, c.addr = csAfterLast, nil, 0
		return nil
	case Next:
		return c.next()
	case Prev:
		return c.prev()
	default:
		return fmt.Errorf("lookup: cursor to %d: %w", op, errkind.ErrInvalidArgs)
	}
}

// next advances cnpos, following n[0] to the next non-empty node when
// it runs past the end (§4.6 NEXT).
func (c *Cursor) next() error {
	if c.state == csAfterLast {
		return fmt.Errorf("lookup: cursor next: %w", errkind.ErrNotFound)
	}
	if c.state == csBeforeFirst {
		addr := c.db.Forward(0)
		return c.seekFirstFrom(addr)
	}
	c.cnpos++
	if c.cnpos < c.node.Pnum() {
		return nil
	}
	return c.seekFirstFrom(c.node.Forward(0))
}

func (c *Cursor) seekFirstFrom(addr uint32) error {
	for addr != 0 {
		n, err := c.db.loadSBLK(addr)
		if err != nil {
			return err
		}
		if n.Pnum() > 0 {
			c.state, c.node, c.addr, c.cnpos = csBound, n, addr, 0
			return nil
		}
		addr = n.Forward(0)
	}
	c.state, c.node, c.addr = csAfterLast, nil, 0
	return fmt.Errorf("lookup: cursor next: %w", errkind.ErrNotFound)
}

// prev decrements cnpos, following p0 to the previous non-empty node on
// underflow, stopping at the database header (§4.6 PREV).
func (c *Cursor) prev() error {
	if c.state == csBeforeFirst {
		return fmt.Errorf("lookup: cursor prev: %w", errkind.ErrNotFound)
	}
	if c.state == csAfterLast {
		return c.seekLastFrom(c.db.lastNodeAddr())
	}
	c.cnpos--
	if c.cnpos >= 0 {
		return nil
	}
	return c.seekLastFrom(c.node.P0())
}

func (c *Cursor) seekLastFrom(addr uint32) error {
	for addr != 0 {
		n, err := c.db.loadSBLK(addr)
		if err != nil {
			return err
		}
		if n.Pnum() > 0 {
			c.state, c.node, c.addr, c.cnpos = csBound, n, addr, n.Pnum()-1
			return nil
		}
		addr = n.P0()
	}
	c.state, c.node, c.addr = csBeforeFirst, nil, 0
	return fmt.Errorf("lookup: cursor prev: %w", errkind.ErrNotFound)
}

// lastNodeAddr walks level 0 to the tail, used by AFTER_LAST+PREV.
func (db *Database) lastNodeAddr() uint32 {
	addr := db.Forward(0)
	last := uint32(0)
	for addr != 0 {
		n, err := db.loadSBLK(addr)
		if err != nil {
			return 0
		}
		last = addr
		addr = n.Forward(0)
	}
	return last
}

// ToKey positions for EQ or GE (§4.6: "on not-found, EQ fails NotFound;
// GE positions to the first key >= key").
func (c *Cursor) ToKey(op CursorOp, key []byte) error {
	if op != EQ && op != GE {
		return fmt.Errorf("lookup: cursor to_key: %w", errkind.ErrInvalidArgs)
	}
	lx, err := descend(c.db, key)
	if err != nil {
		return err
	}
	if lx.lower == nil {
		if op == EQ {
			return fmt.Errorf("lookup: cursor to_key %x: %w", key, errkind.ErrNotFound)
		}
		return c.seekFirstFrom(lx.pupper[0])
	}

	blk, err := c.db.loadKVBlk(lx.lower.KVBlkN())
	if err != nil {
		return err
	}
	found, idx := lx.lower.FindPi(key, func(slot int) int {
		k, perr := blk.PeekKey(slot)
		if perr != nil {
			return 0
		}
		return c.db.cmp(k, key)
	})
	if !found {
		if op == EQ {
			return fmt.Errorf("lookup: cursor to_key %x: %w", key, errkind.ErrNotFound)
		}
		if idx < lx.lower.Pnum() {
			c.state, c.node, c.addr, c.cnpos = csBound, lx.lower, lx.lowerAddr, idx
			return nil
		}
		return c.seekFirstFrom(lx.lower.Forward(0))
	}
	c.state, c.node, c.addr, c.cnpos = csBound, lx.lower, lx.lowerAddr, idx
	return nil
}

// Get returns the key and/or value at the cursor's current position
// (§4.6 get()).
func (c *Cursor) Get() (key, val []byte, err error) {
	if c.state != csBound {
		return nil, nil, fmt.Errorf("lookup: cursor get: %w", errkind.ErrInvalidState)
	}
	blk, err := c.db.loadKVBlk(c.node.KVBlkN())
	if err != nil {
		return nil, nil, err
	}
	slot := c.node.PiAt(c.cnpos)
	k, err := blk.PeekKey(slot)
	if err != nil {
		return nil, nil, err
	}
	v, err := blk.PeekVal(slot)
	if err != nil {
		return nil, nil, err
	}
	return append([]byte(nil), k...), append([]byte(nil), v...), nil
}

// Set overwrites the value at the cursor's current position in place
// (§4.6 set()).
func (c *Cursor) Set(val []byte, opflags PutFlags) error {
	if c.state != csBound {
		return fmt.Errorf("lookup: cursor set: %w", errkind.ErrInvalidState)
	}
	if c.db.bf.ReadOnly() {
		return fmt.Errorf("lookup: cursor set: %w", errkind.ErrReadOnly)
	}
	blk, err := c.db.loadKVBlk(c.node.KVBlkN())
	if err != nil {
		return err
	}
	slot := c.node.PiAt(c.cnpos)
	key, err := blk.PeekKey(slot)
	if err != nil {
		return err
	}
	if err := blk.UpdateKV(slot, key, val, c.db.grow(c.node)); err != nil {
		return err
	}
	// grow may have remapped the file; blk.Data is the fresh view.
	c.node.Data = blk.Data
	if err := blk.SyncMM(); err != nil {
		return err
	}
	return c.node.SyncMM()
}

// DupNum returns the number of duplicate values at the cursor's
// current key (§4.6 dup_num).
func (c *Cursor) DupNum() (int, error) {
	_, val, err := c.Get()
	if err != nil {
		return 0, err
	}
	vals, err := kvblk.DecodeDupSlot(val, c.db.dupWidth)
	if err != nil {
		return 0, err
	}
	return len(vals), nil
}

// DupContains reports whether v is present in the cursor's current
// key's duplicate set (§4.6 dup_contains).
func (c *Cursor) DupContains(v uint64) (bool, error) {
	_, val, err := c.Get()
	if err != nil {
		return false, err
	}
	vals, err := kvblk.DecodeDupSlot(val, c.db.dupWidth)
	if err != nil {
		return false, err
	}
	return kvblk.DupContains(vals, v), nil
}

// DupIter visits every duplicate value at the cursor's current key in
// direction order (1 ascending, -1 descending) starting at start,
// calling visit for each until it returns false (§4.6 dup_iter).
func (c *Cursor) DupIter(start uint64, direction int, visit func(v uint64) bool) error {
	_, val, err := c.Get()
	if err != nil {
		return err
	}
	vals, err := kvblk.DecodeDupSlot(val, c.db.dupWidth)
	if err != nil {
		return err
	}
	if direction >= 0 {
		for _, v := range vals {
			if v < start {
				continue
			}
			if !visit(v) {
				break
			}
		}
		return nil
	}
	for i := len(vals) - 1; i >= 0; i-- {
		if vals[i] > start {
			continue
		}
		if !visit(vals[i]) {
			break
		}
	}
	return nil
}
