package lookup

import (
	"fmt"

	"github.com/arnavkj/skiplitekv/errkind"
	"github.com/arnavkj/skiplitekv/kvblk"
	"github.com/arnavkj/skiplitekv/sblk"
)

// Del removes key, returning NotFound if it is absent (§4.6, §6).
func (db *Database) Del(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("lookup: del: %w", errkind.ErrInvalidArgs)
	}
	if db.bf.ReadOnly() {
		return fmt.Errorf("lookup: del: %w", errkind.ErrReadOnly)
	}
	db.beginWork()
	defer db.endWork()

	db.mu.Lock()
	defer db.mu.Unlock()

	lx, err := descend(db, key)
	if err != nil {
		return err
	}
	if lx.lower == nil {
		return fmt.Errorf("lookup: del %x: %w", key, errkind.ErrNotFound)
	}
	target, targetAddr := lx.lower, lx.lowerAddr

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
	if !found {
		return fmt.Errorf("lookup: del %x: %w", key, errkind.ErrNotFound)
	}

	slot := target.PiAt(idx)
	if err := blk.RmKV(slot, db.shrink(target)); err != nil {
		return err
	}
	// shrink may have remapped the file; blk.Data is the fresh view.
	target.Data = blk.Data
	target.RemovePi(idx)

	if target.Pnum() == 0 {
		if err := db.unlinkEmptyNode(lx, targetAddr, target); err != nil {
			return err
		}
		return db.deallocateSBLKAndKVBlk(targetAddr, blk, target.KVBlkN())
	}

	if idx == 0 {
		newMin, err := blk.PeekKey(target.PiAt(0))
		if err != nil {
			return err
		}
		target.RefreshLowerKey(newMin)
	}
	if err := blk.SyncMM(); err != nil {
		return err
	}
	return target.SyncMM()
}

// unlinkEmptyNode splices target out of the chain at every level it
// participates in and points its level-0 successor's back-pointer (p0)
// at target's own predecessor (§4.4's p0 field, §4.6). The database
// header's p0 moves to target's successor when it held target.
func (db *Database) unlinkEmptyNode(lx *LookupContext, targetAddr uint32, target *sblk.Node) error {
	for lvl := 0; lvl <= int(target.Level()); lvl++ {
		// The descent rails end on target itself at its levels, so walk
		// the level from the header to find target's predecessor.
		predAddr := uint32(0)
		for fwd := db.Forward(lvl); fwd != 0 && fwd != targetAddr; {
			n, err := db.loadSBLK(fwd)
			if err != nil {
				return err
			}
			predAddr, fwd = fwd, n.Forward(lvl)
		}
		if predAddr == 0 || predAddr == targetAddr {
			db.SetForward(lvl, target.Forward(lvl))
			continue
		}
		pred, err := db.loadSBLK(predAddr)
		if err != nil {
			return err
		}
		pred.SetForward(lvl, target.Forward(lvl))
		if err := pred.SyncMM(); err != nil {
			return err
		}
	}
	if succAddr := target.Forward(0); succAddr != 0 {
		succ, err := db.loadSBLK(succAddr)
		if err != nil {
			return err
		}
		succ.SetP0(target.P0())
		if err := succ.SyncMM(); err != nil {
			return err
		}
	}
	db.decLCount(int(target.Level()))

	if db.p0 == targetAddr {
		db.SetP0(target.Forward(0))
	}
	return db.SyncMM()
}

// DelDup removes v from key's sorted duplicate-value set, deleting the
// key entirely once its set becomes empty (§4.3 dup_rm, §6).
func (db *Database) DelDup(key []byte, v uint64) error {
	if db.dupWidth == 0 {
		return fmt.Errorf("lookup: del dup: %w", errkind.ErrIncompatibleDbMode)
	}
	raw, err := db.Get(key)
	if err != nil {
		return err
	}
	vals, err := kvblk.DecodeDupSlot(raw, db.dupWidth)
	if err != nil {
		return err
	}
	remaining, ok := kvblk.DupRemove(vals, v)
	if !ok {
		return fmt.Errorf("lookup: del dup %x/%d: %w", key, v, errkind.ErrNotFound)
	}
	if len(remaining) == 0 {
		return db.Del(key)
	}
	return db.Put(key, kvblk.EncodeDupSlot(remaining, db.dupWidth), 0)
}
