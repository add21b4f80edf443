package lookup

import (
	"github.com/arnavkj/skiplitekv/sblk"
)

// LookupContext carries the rails built up by a descent for a single
// key: at each level i, plower[i] is the address of the last node whose
// minimum key is <= the target (or 0 for the database header) and
// pupper[i] is the address of the node after it at that level (0 if
// none). Uses plain per-call Go arrays rather than a ring-allocated arena (§9): the garbage collector
// reclaims them when the operation returns, so there is no need to
// hand-manage a fixed-size ring buffer.
type LookupContext struct {
	db  *Database
	key []byte

	// plower/pupper are block addresses (0 == the database header
	// itself), one entry per level from 0 to nlvl-1.
	plower [sblk.SLevels]uint32
	pupper [sblk.SLevels]uint32
	nlvl   int

	// lower is the last node at level 0 whose minimum key is <= key (nil
	// means the database header itself, i.e. key is the new minimum).
	lowerAddr uint32
	lower     *sblk.Node
}

// keyOf returns the comparable minimum key stored by the SBLK at addr,
// lazily loading its KVBLK only when the inline prefix isn't the full
// key (§4.4's FULL_LKEY optimization).
func (db *Database) keyOf(n *sblk.Node) ([]byte, error) {
	if n.FullLKey() {
		return n.LowerKey(), nil
	}
	blk, err := db.loadKVBlk(n.KVBlkN())
	if err != nil {
		return nil, err
	}
	return blk.PeekKey(n.PiAt(0))
}

// descend walks the skip list from the database header down to level 0,
// building the rails needed by Get/Put/Delete (§4.5 "find_bounds").
func descend(db *Database, key []byte) (*LookupContext, error) {
	lx := &LookupContext{db: db, key: key}

	curAddr := uint32(0) // 0 denotes the database header
	var cur node = db

	for lvl := int(db.Level()); lvl >= 0; lvl-- {
		for {
			fwd := cur.Forward(lvl)
			if fwd == 0 {
				break
			}
			n, err := db.loadSBLK(fwd)
			if err != nil {
				return nil, err
			}
			mk, err := db.keyOf(n)
			if err != nil {
				return nil, err
			}
			if db.cmp(mk, key) > 0 {
				break
			}
			curAddr, cur = fwd, n
		}
		lx.plower[lvl] = curAddr
		lx.pupper[lvl] = cur.Forward(lvl)
	}
	lx.nlvl = int(db.Level()) + 1
	lx.lowerAddr = curAddr
	if curAddr != 0 {
		lx.lower = cur.(*sblk.Node)
	}
	return lx, nil
}
