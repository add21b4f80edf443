package lookup

import (
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

// node is the common capability set dispatched over the {SBLK,
// DbHeader} variant during descent (§9): "a common capability set
// {read_forward, read_back, read_level, mark_dirty, flush}".
type node interface {
	IsHeader() bool
	Level() uint8
	Forward(i int) uint32
	SetForward(i int, addr uint32)
}

// New creates a fresh, empty Database at addr with the given id/flags,
// writing an initial header (§4.8: "created by first use of a given id
// with matching flags").
func New(bf *blockfile.File, fm *fsm.FSM, rng *rand.Rand, logger logrus.FieldLogger, addr int64, id uint32, flags DBFlags) (*Database, error) {
	db := &Database{
		bf:     bf,
		fm:     fm,
		rng:    rng,
		logger: logger,
		Addr:   addr,
		id:     id,
		flags:  flags,
		open:   true,
		dirty:  true,
	}
	db.wkCond = sync.NewCond(&db.mu)
	db.cmp = db.Comparator()
	db.dupWidth = db.DupWidth()
	db.bloom = bloom.NewWithEstimates(100000, 0.01)
	return db, db.SyncMM()
}

// OpenExisting decodes a Database header already persisted at addr.
func OpenExisting(bf *blockfile.File, fm *fsm.FSM, rng *rand.Rand, logger logrus.FieldLogger, addr int64) (*Database, error) {
	buf := make([]byte, HeaderSize)
	if err := bf.ReadHeader(addr, buf); err != nil {
		return nil, err
	}
	db, err := decodeDBHeader(buf)
	if err != nil {
		return nil, err
	}
	db.bf, db.fm, db.rng, db.logger, db.Addr, db.open = bf, fm, rng, logger, addr, true
	db.wkCond = sync.NewCond(&db.mu)
	db.cmp = db.Comparator()
	db.dupWidth = db.DupWidth()
	db.bloom = bloom.NewWithEstimates(100000, 0.01)
	if err := db.rebuildBloom(); err != nil {
		return nil, err
	}
	return db, nil
}

// beginWork increments the active-worker count so Close/Destroy can
// wait for it to drain (§5, §4.8).
func (db *Database) beginWork() { db.mu.Lock(); db.wkCount++; db.mu.Unlock() }

func (db *Database) endWork() {
	db.mu.Lock()
	db.wkCount--
	if db.wkCount == 0 {
		db.wkCond.Broadcast()
	}
	db.mu.Unlock()
}

// WaitIdle blocks until wkCount reaches zero.
func (db *Database) WaitIdle() {
	db.mu.Lock()
	for db.wkCount != 0 {
		db.wkCond.Wait()
	}
	db.mu.Unlock()
}

// loadNode decodes the SBLK at block addr. Address 0 denotes this
// database's own header, which is not an SBLK, and is rejected with
// ErrInvalidState.
func (db *Database) loadNode(blockAddr uint32) (node, error) {
	if blockAddr == 0 {
		return nil, fmt.Errorf("lookup: load node: %w", errkind.ErrInvalidState)
	}
	data, err := db.bf.AcquireMmap()
	if err != nil {
		return nil, err
	}
	defer db.bf.ReleaseMmap()
	return sblk.Load(data, blockfile.FromBlock(blockAddr))
}

func (db *Database) loadSBLK(blockAddr uint32) (*sblk.Node, error) {
	data, err := db.bf.AcquireMmap()
	if err != nil {
		return nil, err
	}
	defer db.bf.ReleaseMmap()
	return sblk.Load(data, blockfile.FromBlock(blockAddr))
}

func (db *Database) loadKVBlk(blockAddr uint32) (*kvblk.KVBlk, error) {
	data, err := db.bf.AcquireMmap()
	if err != nil {
		return nil, err
	}
	defer db.bf.ReleaseMmap()
	return kvblk.Load(data, blockfile.FromBlock(blockAddr))
}

// allocateSBLK allocates a fresh SBLK block and returns its decoded,
// empty Node plus block number.
func (db *Database) allocateSBLK(level uint8, kvblkn uint32) (*sblk.Node, uint32, error) {
	ext, err := db.fm.Allocate(blocksFor(sblk.Size), fsm.AllocFlags(0), 0)
	if err != nil {
		return nil, 0, err
	}
	data, err := db.bf.AcquireMmap()
	if err != nil {
		return nil, 0, err
	}
	defer db.bf.ReleaseMmap()
	addr := blockfile.FromBlock(uint32(ext.Offset))
	n := sblk.Create(data, addr, kvblkn, level)
	return n, uint32(ext.Offset), n.SyncMM()
}

// allocateKVBlk allocates a fresh minimum-size KVBLK.
func (db *Database) allocateKVBlk() (*kvblk.KVBlk, uint32, error) {
	const minSzPow = kvblk.MinSzPow
	ext, err := db.fm.Allocate(1<<(minSzPow-blockfile.BlockPow), fsm.AllocFlags(0), 0)
	if err != nil {
		return nil, 0, err
	}
	data, err := db.bf.AcquireMmap()
	if err != nil {
		return nil, 0, err
	}
	defer db.bf.ReleaseMmap()
	addr := blockfile.FromBlock(uint32(ext.Offset))
	blk, err := kvblk.Create(data, addr, minSzPow)
	return blk, uint32(ext.Offset), err
}

// grow returns a kvblk.GrowFunc bound to the KVBLK owned by node, used
// by AddKV/UpdateKV when they need more room (§4.3). Reallocate may
// relocate the block entirely, so the callback patches node's kvblkn
// back-pointer whenever the address changes — otherwise the node would
// keep pointing at a now-deallocated block after the next sync.
func (db *Database) grow(node *sblk.Node) kvblk.GrowFunc {
	return func(curSzpow uint8) ([]byte, int64, uint8, error) {
		curBlockAddr := node.KVBlkN()
		curLenBlocks := blocksFor(int64(1) << curSzpow)
		newSzpow := curSzpow + 1
		newLenBlocks := blocksFor(int64(1) << newSzpow)
		ext, _, err := db.fm.Reallocate(uint64(curBlockAddr), curLenBlocks, newLenBlocks, 0)
		if err != nil {
			return nil, 0, 0, err
		}
		if uint32(ext.Offset) != curBlockAddr {
			node.SetKVBlkN(uint32(ext.Offset))
		}
		data, err := db.bf.AcquireMmap()
		if err != nil {
			return nil, 0, 0, err
		}
		db.bf.ReleaseMmap()
		return data, blockfile.FromBlock(uint32(ext.Offset)), newSzpow, nil
	}
}

func (db *Database) shrink(node *sblk.Node) kvblk.ShrinkFunc {
	return func(curSzpow uint8) ([]byte, int64, uint8, error) {
		curBlockAddr := node.KVBlkN()
		if curSzpow <= kvblk.MinSzPow {
			data, _ := db.bf.AcquireMmap()
			db.bf.ReleaseMmap()
			return data, blockfile.FromBlock(curBlockAddr), curSzpow, nil
		}
		curLenBlocks := blocksFor(int64(1) << curSzpow)
		newSzpow := curSzpow - 1
		newLenBlocks := blocksFor(int64(1) << newSzpow)
		ext, _, err := db.fm.Reallocate(uint64(curBlockAddr), curLenBlocks, newLenBlocks, 0)
		if err != nil {
			return nil, 0, 0, err
		}
		if uint32(ext.Offset) != curBlockAddr {
			node.SetKVBlkN(uint32(ext.Offset))
		}
		data, err := db.bf.AcquireMmap()
		if err != nil {
			return nil, 0, 0, err
		}
		db.bf.ReleaseMmap()
		return data, blockfile.FromBlock(uint32(ext.Offset)), newSzpow, nil
	}
}

func blocksFor(nbytes int64) uint64 {
	return uint64((nbytes + blockfile.BlockSize - 1) / blockfile.BlockSize)
}

// deallocateSBLKAndKVBlk returns both blocks to the FSM (§4.5 Delete,
// §4.8 destroy sweeper).
func (db *Database) deallocateSBLKAndKVBlk(sblkAddr uint32, kv *kvblk.KVBlk, kvAddr uint32) error {
	if err := db.fm.Deallocate(uint64(sblkAddr), blocksFor(sblk.Size), 0); err != nil {
		return err
	}
	return db.fm.Deallocate(uint64(kvAddr), blocksFor(int64(1)<<kv.SzPow()), 0)
}
