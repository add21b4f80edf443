package lookup

import (
	"fmt"

	"github.com/arnavkj/skiplitekv/errkind"
	"github.com/arnavkj/skiplitekv/kvblk"
	"github.com/arnavkj/skiplitekv/sblk"
)

// PutFlags controls Put's overwrite behaviour (§6).
type PutFlags uint32

const (
	// NoOverwrite makes Put fail with KeyExists instead of replacing an
	// existing value.
	NoOverwrite PutFlags = 1 << iota
)

// splitPivot is the permutation index at which a full SBLK is divided:
// the lower node keeps pivot entries, the new node takes the rest
// (§4.5 "split at a fixed pivot so the lower half stays dense").
const splitPivot = 17

// Put inserts or replaces key's value (§4.5, §6).
func (db *Database) Put(key, val []byte, flags PutFlags) error {
	if len(key) == 0 {
		return fmt.Errorf("lookup: put: %w", errkind.ErrInvalidArgs)
	}
	if db.bf.ReadOnly() {
		return fmt.Errorf("lookup: put: %w", errkind.ErrReadOnly)
	}
	db.beginWork()
	defer db.endWork()

	db.mu.Lock()
	defer db.mu.Unlock()

	lx, err := descend(db, key)
	if err != nil {
		return err
	}

	// Case A: database is entirely empty.
	if lx.lower == nil && lx.pupper[0] == 0 {
		return db.putIntoNewFirstNode(key, val)
	}

	target := lx.lower
	targetAddr := lx.lowerAddr
	if target == nil {
		// Case B: key precedes every existing SBLK; it belongs in the
		// current first node and becomes its new minimum.
		targetAddr = lx.pupper[0]
		target, err = db.loadSBLK(targetAddr)
		if err != nil {
			return err
		}
	}

	blk, err := db.loadKVBlk(target.KVBlkN())
	if err != nil {
		return err
	}

	found, idx := target.FindPi(key, func(slot int) int {
		k, perr := blk.PeekKey(slot)
		if perr != nil {
			return 0
		}
		return db.cmp(k, key)
	})

	if found {
		if flags&NoOverwrite != 0 {
			return fmt.Errorf("lookup: put %x: %w", key, errkind.ErrKeyExists)
		}
		return db.updateExisting(target, blk, idx, val)
	}

	if target.Pnum() < sblk.MaxPairs {
		slot, err := blk.AddKV(key, val, db.grow(target))
		if err != nil {
			return err
		}
		// grow may have remapped the file out from under target's own
		// mmap view; blk.Data is always the fresh one.
		target.Data = blk.Data
		if ierr := target.InsertPi(idx, slot); ierr != nil {
			return ierr
		}
		if idx == 0 {
			target.RefreshLowerKey(key)
		}
		if err := blk.SyncMM(); err != nil {
			return err
		}
		if err := target.SyncMM(); err != nil {
			return err
		}
		db.bloom.Add(key)
		return nil
	}

	return db.splitAndInsert(lx, targetAddr, target, blk, key, val, idx)
}

func (db *Database) putIntoNewFirstNode(key, val []byte) error {
	level := sblk.GenLevel(db.rng)
	blk, kvAddr, err := db.allocateKVBlk()
	if err != nil {
		return err
	}
	node, nodeAddr, err := db.allocateSBLK(level, kvAddr)
	if err != nil {
		return err
	}
	slot, err := blk.AddKV(key, val, db.grow(node))
	if err != nil {
		return err
	}
	node.Data = blk.Data
	if err := node.InsertPi(0, slot); err != nil {
		return err
	}
	node.RefreshLowerKey(key)
	for lvl := 0; lvl <= int(level); lvl++ {
		db.SetForward(lvl, nodeAddr)
	}
	db.incLCount(int(level))
	if err := blk.SyncMM(); err != nil {
		return err
	}
	if err := node.SyncMM(); err != nil {
		return err
	}
	db.bloom.Add(key)
	return db.SyncMM()
}

// updateExisting overwrites the value at idx verbatim. Dup-mode merge
// semantics live in PutDup/DelDup, which read-modify-write the whole
// encoded slot before calling updateExisting; a plain Put always
// replaces.
func (db *Database) updateExisting(target *sblk.Node, blk *kvblk.KVBlk, idx int, val []byte) error {
	slot := target.PiAt(idx)
	key, err := blk.PeekKey(slot)
	if err != nil {
		return err
	}
	if err := blk.UpdateKV(slot, key, val, db.grow(target)); err != nil {
		return err
	}
	target.Data = blk.Data
	if err := blk.SyncMM(); err != nil {
		return err
	}
	return target.SyncMM()
}

// splitAndInsert divides a full SBLK in two around splitPivot,
// inserting the new pair into whichever half it belongs (§4.5).
func (db *Database) splitAndInsert(lx *LookupContext, targetAddr uint32, target *sblk.Node, blk *kvblk.KVBlk, key, val []byte, insertIdx int) error {
	type pair struct{ key, val []byte }
	pairs := make([]pair, 0, sblk.MaxPairs+1)
	for i := 0; i < target.Pnum(); i++ {
		if i == insertIdx {
			pairs = append(pairs, pair{key, val})
		}
		k, err := blk.PeekKey(target.PiAt(i))
		if err != nil {
			return err
		}
		v, err := blk.PeekVal(target.PiAt(i))
		if err != nil {
			return err
		}
		pairs = append(pairs, pair{append([]byte(nil), k...), append([]byte(nil), v...)})
	}
	if insertIdx == target.Pnum() {
		pairs = append(pairs, pair{key, val})
	}

	lowerPairs, upperPairs := pairs[:splitPivot], pairs[splitPivot:]

	// Rebuild the original KVBLK+SBLK from scratch with only the lower
	// half; slot indices in pi no longer track the old KVBLK layout once
	// the block is fully rewritten, so discard and re-add rather than
	// patch in place.
	for i := target.Pnum() - 1; i >= 0; i-- {
		if err := blk.RmKV(target.PiAt(i), db.shrink(target)); err != nil {
			return err
		}
		target.Data = blk.Data
		target.RemovePi(i)
	}
	for _, p := range lowerPairs {
		slot, err := blk.AddKV(p.key, p.val, db.grow(target))
		if err != nil {
			return err
		}
		target.Data = blk.Data
		if err := target.InsertPi(target.Pnum(), slot); err != nil {
			return err
		}
	}
	target.RefreshLowerKey(lowerPairs[0].key)

	newBlk, newKvAddr, err := db.allocateKVBlk()
	if err != nil {
		return err
	}
	newLevel := sblk.ClampToNonOrphan(sblk.GenLevel(db.rng), db.lcnt)
	newNode, newAddr, err := db.allocateSBLK(newLevel, newKvAddr)
	if err != nil {
		return err
	}
	// Allocating may have extended (and remapped) the file to find room;
	// newNode.Data is the freshest view, so rebind everything acquired
	// earlier in this call to it.
	blk.Data = newNode.Data
	target.Data = newNode.Data
	newBlk.Data = newNode.Data

	newSlots := make([]int, len(upperPairs))
	for i, p := range upperPairs {
		slot, err := newBlk.AddKV(p.key, p.val, db.grow(newNode))
		if err != nil {
			return err
		}
		newNode.Data = newBlk.Data
		newSlots[i] = slot
	}
	for i, slot := range newSlots {
		if err := newNode.InsertPi(i, slot); err != nil {
			return err
		}
	}
	newNode.RefreshLowerKey(upperPairs[0].key)

	if err := db.relinkAfterSplit(lx, targetAddr, target, newAddr, newNode); err != nil {
		return err
	}
	db.incLCount(int(newLevel))

	for _, p := range pairs {
		db.bloom.Add(p.key)
	}

	if err := blk.SyncMM(); err != nil {
		return err
	}
	if err := newBlk.SyncMM(); err != nil {
		return err
	}
	if err := target.SyncMM(); err != nil {
		return err
	}
	if err := newNode.SyncMM(); err != nil {
		return err
	}
	return db.SyncMM()
}

// relinkAfterSplit wires newNode into the chain immediately after
// target at every level newNode participates in, falling back to the
// descent rails for levels target doesn't reach, and sets the level-0
// back-pointers (p0): newNode's to target, and target's old successor's
// to newNode.
func (db *Database) relinkAfterSplit(lx *LookupContext, targetAddr uint32, target *sblk.Node, newAddr uint32, newNode *sblk.Node) error {
	for lvl := 0; lvl <= int(newNode.Level()); lvl++ {
		if lvl <= int(target.Level()) {
			newNode.SetForward(lvl, target.Forward(lvl))
			target.SetForward(lvl, newAddr)
			continue
		}
		predAddr := uint32(0)
		if lvl < lx.nlvl {
			predAddr = lx.plower[lvl]
		}
		if predAddr == 0 {
			newNode.SetForward(lvl, db.Forward(lvl))
			db.SetForward(lvl, newAddr)
			continue
		}
		pred, err := db.loadSBLK(predAddr)
		if err != nil {
			return err
		}
		newNode.SetForward(lvl, pred.Forward(lvl))
		pred.SetForward(lvl, newAddr)
		if err := pred.SyncMM(); err != nil {
			return err
		}
	}
	newNode.SetP0(targetAddr)
	if succAddr := newNode.Forward(0); succAddr != 0 {
		succ, err := db.loadSBLK(succAddr)
		if err != nil {
			return err
		}
		succ.SetP0(newAddr)
		if err := succ.SyncMM(); err != nil {
			return err
		}
	}
	return nil
}

// PutDup inserts v into key's sorted duplicate-value set (§4.3 dup_add,
// §6), creating the key if absent.
func (db *Database) PutDup(key []byte, v uint64) error {
	if db.dupWidth == 0 {
		return fmt.Errorf("lookup: put dup: %w", errkind.ErrIncompatibleDbMode)
	}
	raw := kvblk.EncodeDupSlot([]uint64{v}, db.dupWidth)
	existing, err := db.Get(key)
	if err == nil {
		vals, derr := kvblk.DecodeDupSlot(existing, db.dupWidth)
		if derr != nil {
			return derr
		}
		merged, _ := kvblk.DupInsert(vals, v)
		raw = kvblk.EncodeDupSlot(merged, db.dupWidth)
	} else if !errIsNotFound(err) {
		return err
	}
	return db.Put(key, raw, 0)
}

func errIsNotFound(err error) bool {
	return errkind.Code(err) == errkind.KindNotFound
}
