package store

import (
	"fmt"

	"github.com/arnavkj/skiplitekv/blockfile"
	"github.com/arnavkj/skiplitekv/errkind"
	"github.com/arnavkj/skiplitekv/lookup"
)

func blocksFor(nbytes int64) uint64 {
	return uint64((nbytes + blockfile.BlockSize - 1) / blockfile.BlockSize)
}

// DB gets or creates the named database (§6 "db(store, id, flags) →
// db"). A mismatched flags on re-open of an existing id is
// IncompatibleDbMode.
func (s *Store) DB(id uint32, opts ...DBOption) (*lookup.Database, error) {
	cfg := dbConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	s.beginWork()
	defer s.endWork()

	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.dbs[id]; ok {
		if db.Flags() != cfg.flags {
			return nil, fmt.Errorf("store: db %d: %w", id, errkind.ErrIncompatibleDbMode)
		}
		return db, nil
	}

	if existing, err := s.findOnDisk(id); err != nil {
		return nil, err
	} else if existing != nil {
		if existing.Flags() != cfg.flags {
			return nil, fmt.Errorf("store: db %d: %w", id, errkind.ErrIncompatibleDbMode)
		}
		s.dbs[id] = existing
		return existing, nil
	}

	if s.bf.ReadOnly() {
		return nil, fmt.Errorf("store: db %d: %w", id, errkind.ErrReadOnly)
	}
	return s.createDB(id, cfg.flags)
}

// findOnDisk walks the database chain looking for id, decoding each
// header in turn (§4.8's chain, linked via each header's next field).
func (s *Store) findOnDisk(id uint32) (*lookup.Database, error) {
	addr := s.firstDBAddr
	for addr != 0 {
		db, err := lookup.OpenExisting(s.bf, s.fm, s.rng, s.logger, int64(addr))
		if err != nil {
			return nil, err
		}
		if db.ID() == id {
			return db, nil
		}
		addr = db.NextAddr()
	}
	return nil, nil
}

func (s *Store) createDB(id uint32, flags lookup.DBFlags) (*lookup.Database, error) {
	ext, err := s.fm.Allocate(blocksFor(lookup.HeaderSize), 0, 0)
	if err != nil {
		return nil, err
	}
	addr := blockfile.FromBlock(uint32(ext.Offset))

	db, err := lookup.New(s.bf, s.fm, s.rng, s.logger, addr, id, flags)
	if err != nil {
		return nil, err
	}

	db.SetNext(s.firstDBAddr)
	if err := db.SyncMM(); err != nil {
		return nil, err
	}
	s.firstDBAddr = uint64(addr)
	if err := s.writeStoreHeader(); err != nil {
		return nil, err
	}

	s.dbs[id] = db
	return db, nil
}

// DBDestroy asynchronously purges db: it is unlinked from the chain
// immediately, and a detached sweeper walks its skip list deallocating
// each SBLK/KVBLK pair through the FSM in the background (§4.8, §9:
// "release the database lock, and let the worker deallocate
// block-by-block"). DBDestroy returns as soon as the sweeper is
// dispatched. The sweeper is counted only against the store's own
// wkCount, not db's, so db.WaitIdle() does not wait for it; it is
// counted there so Close still waits for it instead
// of closing the file out from under it.
func (s *Store) DBDestroy(db *lookup.Database) error {
	if s.bf.ReadOnly() {
		return fmt.Errorf("store: destroy db %d: %w", db.ID(), errkind.ErrReadOnly)
	}

	s.mu.Lock()
	delete(s.dbs, db.ID())
	s.mu.Unlock()

	if err := s.unlinkFromChain(db); err != nil {
		return err
	}

	s.beginWork()
	go func() {
		defer s.endWork()
		db.WaitIdle()
		if err := db.Sweep(); err != nil {
			s.logger.WithError(err).WithField("db", db.ID()).Error("store: destroy sweeper failed")
		}
	}()
	return nil
}

// unlinkFromChain splices db out of the singly-linked database chain.
func (s *Store) unlinkFromChain(db *lookup.Database) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.firstDBAddr == uint64(db.Addr) {
		s.firstDBAddr = db.NextAddr()
		return s.writeStoreHeader()
	}

	addr := s.firstDBAddr
	for addr != 0 {
		prev, err := lookup.OpenExisting(s.bf, s.fm, s.rng, s.logger, int64(addr))
		if err != nil {
			return err
		}
		if prev.NextAddr() == uint64(db.Addr) {
			prev.SetNext(db.NextAddr())
			return prev.SyncMM()
		}
		addr = prev.NextAddr()
	}
	return nil
}
