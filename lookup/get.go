package lookup

import (
	"fmt"

	"github.com/arnavkj/skiplitekv/errkind"
	"github.com/arnavkj/skiplitekv/kvblk"
)

// Get looks up key in db, returning a copy of its value (§4.6, §6).
func (db *Database) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("lookup: get: %w", errkind.ErrInvalidArgs)
	}
	db.beginWork()
	defer db.endWork()

	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.bloom != nil && !db.bloom.Test(key) {
		return nil, fmt.Errorf("lookup: get %x: %w", key, errkind.ErrNotFound)
	}

	lx, err := descend(db, key)
	if err != nil {
		return nil, err
	}
	if lx.lower == nil {
		return nil, fmt.Errorf("lookup: get %x: %w", key, errkind.ErrNotFound)
	}
	blk, err := db.loadKVBlk(lx.lower.KVBlkN())
	if err != nil {
		return nil, err
	}
	found, idx := lx.lower.FindPi(key, func(slot int) int {
		k, perr := blk.PeekKey(slot)
		if perr != nil {
			return 0
		}
		return db.cmp(k, key)
	})
	if !found {
		return nil, fmt.Errorf("lookup: get %x: %w", key, errkind.ErrNotFound)
	}
	val, err := blk.PeekVal(lx.lower.PiAt(idx))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// GetDup returns the sorted array of duplicate values for key in a
// DUP_UINT32_VALS / DUP_UINT64_VALS database (§4.3's dup_* family, §6).
func (db *Database) GetDup(key []byte) ([]uint64, error) {
	if db.dupWidth == 0 {
		return nil, fmt.Errorf("lookup: get dup: %w", errkind.ErrIncompatibleDbMode)
	}
	raw, err := db.Get(key)
	if err != nil {
		return nil, err
	}
	return kvblk.DecodeDupSlot(raw, db.dupWidth)
}
