package lookup

import (
	"github.com/arnavkj/skiplitekv/blockfile"
	"github.com/arnavkj/skiplitekv/sblk"
)

// SetNext relinks this database header to point at the next header in
// the chain (byte address, 0 if this is the last one). Exported so the
// store package can splice the chain on DBDestroy.
func (db *Database) SetNext(addr uint64) { db.setNext(addr) }

// Sweep walks the entire skip list and deallocates every SBLK/KVBLK
// pair through the FSM, then deallocates the database's own header
// block. It is the body of the detached db_destroy sweeper (§4.8, §9).
func (db *Database) Sweep() error {
	addr := db.Forward(0)
	for addr != 0 {
		n, err := db.loadSBLK(addr)
		if err != nil {
			return err
		}
		next := n.Forward(0)
		if n.Pnum() > 0 {
			blk, err := db.loadKVBlk(n.KVBlkN())
			if err != nil {
				return err
			}
			if err := db.deallocateSBLKAndKVBlk(addr, blk, n.KVBlkN()); err != nil {
				return err
			}
		} else if err := db.fm.Deallocate(uint64(addr), blocksFor(sblk.Size), 0); err != nil {
			return err
		}
		addr = next
	}
	return db.fm.Deallocate(uint64(blockfile.ToBlock(db.Addr)), blocksFor(HeaderSize), 0)
}
