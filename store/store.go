// Package store is the top-level facade: the block file, the
// free-space manager, and the chain of named databases, wired together
// behind the public Open/Close/Sync/DB/Put/Get/Del/Cursor* API (§6,
// C6). It owns none of the skip-list algorithms itself — those live in
// package lookup — but owns the on-disk store header and the database
// chain's bookkeeping.
package store

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"

	"github.com/arnavkj/skiplitekv/blockfile"
	"github.com/arnavkj/skiplitekv/errkind"
	"github.com/arnavkj/skiplitekv/fsm"
	"github.com/arnavkj/skiplitekv/lookup"
	"github.com/sirupsen/logrus"
)

// storeMagic is "iwkv" in big-endian bytes (§6).
const storeMagic uint32 = 0x69776b76

// kvHdrSz is the size of the reserved header region at the start of the
// file: magic (4) + first-db-header address (8) + FSM custom header,
// rounded up to KVHDRSZ=255 per §6.
const kvHdrSz = 255

// fsmHdrOff is where the FSM's own header begins within the reserved
// region, right after the magic and first-db-header address fields.
const fsmHdrOff = 12

// state is the store's open-state machine (§4.8).
type state int

const (
	stateInit state = iota
	stateOpen
	stateClosing
	stateClosed
)

// Store is one open skiplitekv file.
type Store struct {
	mu sync.RWMutex

	bf     *blockfile.File
	fm     *fsm.FSM
	rng    *rand.Rand
	logger logrus.FieldLogger

	firstDBAddr uint64
	dbs         map[uint32]*lookup.Database

	st      state
	wkCount int
	wkCond  *sync.Cond
}

// Open opens or creates the file at path (§6, §4.8).
func Open(path string, opts ...OpenOption) (*Store, error) {
	cfg := defaultOpenConfig()
	for _, o := range opts {
		o(&cfg)
	}

	bf, err := blockfile.Open(path, cfg.fileFlags())
	if err != nil {
		return nil, err
	}

	s := &Store{
		bf:     bf,
		rng:    rand.New(rand.NewSource(cfg.seed)),
		logger: cfg.logger,
		dbs:    make(map[uint32]*lookup.Database),
		st:     stateInit,
	}
	s.wkCond = sync.NewCond(&s.mu)

	if bf.Size() == 0 {
		if err := s.bootstrap(); err != nil {
			bf.Close()
			return nil, err
		}
	} else if err := s.loadExisting(); err != nil {
		bf.Close()
		return nil, err
	}

	s.st = stateOpen
	return s, nil
}

// bootstrap initializes a brand-new file: writes the magic, reserves
// the header region, and brings up an empty FSM (§4.8 "Open-on-new
// writes the magic").
func (s *Store) bootstrap() error {
	if err := s.bf.EnsureSize(kvHdrSz + blockfile.BlockSize); err != nil {
		return err
	}
	fm, err := fsm.Open(s.bf, fsmHdrOff, pageBlocksHint())
	if err != nil {
		return err
	}
	s.fm = fm
	return s.writeStoreHeader()
}

// loadExisting validates the magic and rebuilds the FSM tree from the
// bitmap (§4.8 "Open-on-existing validates magic and rebuilds the FSM
// tree from the bitmap").
func (s *Store) loadExisting() error {
	hdr := make([]byte, 12)
	if err := s.bf.ReadHeader(0, hdr); err != nil {
		return err
	}
	magic := binary.BigEndian.Uint32(hdr[0:4])
	if magic != storeMagic {
		return fmt.Errorf("store: bad file magic %#x: %w", magic, errkind.ErrCorrupted)
	}
	s.firstDBAddr = binary.BigEndian.Uint64(hdr[4:12])

	fm, err := fsm.Open(s.bf, fsmHdrOff, pageBlocksHint())
	if err != nil {
		return err
	}
	s.fm = fm
	return nil
}

func (s *Store) writeStoreHeader() error {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], storeMagic)
	binary.BigEndian.PutUint64(buf[4:12], s.firstDBAddr)
	return s.bf.WriteHeader(0, buf)
}

func pageBlocksHint() uint64 {
	const osPageSize = 4096
	return osPageSize / blockfile.BlockSize
}

func (s *Store) beginWork() { s.mu.Lock(); s.wkCount++; s.mu.Unlock() }

func (s *Store) endWork() {
	s.mu.Lock()
	s.wkCount--
	if s.wkCount == 0 {
		s.wkCond.Broadcast()
	}
	s.mu.Unlock()
}

// Close drains outstanding workers, flushes, and releases resources
// (§4.8: "Close waits ... for wk_count == 0 before releasing
// resources").
func (s *Store) Close() error {
	s.mu.Lock()
	s.st = stateClosing
	for s.wkCount != 0 {
		s.wkCond.Wait()
	}
	s.mu.Unlock()

	for _, db := range s.dbs {
		db.WaitIdle()
		if err := db.SyncMM(); err != nil {
			s.logger.WithError(err).WithField("db", db.ID()).Error("store: flushing database header on close")
		}
	}
	if err := s.fm.Sync(); err != nil {
		s.logger.WithError(err).Error("store: flushing fsm on close")
	}

	// Trim, then truncate, only after the fsm header/bitmap are already
	// flushed to their pre-trim layout: fm.Sync's own ensureFileCovers
	// only ever grows the file to fit the bitmap's tracked bit count, so
	// running it after TruncateTo would immediately regrow the file and
	// undo the trim.
	if truncBlocks, err := s.fm.Trim(); err != nil {
		s.logger.WithError(err).Error("store: trimming fsm on close")
	} else if err := s.bf.TruncateTo(int64(truncBlocks) * blockfile.BlockSize); err != nil {
		s.logger.WithError(err).Error("store: truncating file on close")
	}

	if err := s.bf.Sync(blockfile.SyncData | blockfile.SyncMmap); err != nil {
		s.logger.WithError(err).Error("store: final sync on close")
	}

	err := s.bf.Close()
	s.mu.Lock()
	s.st = stateClosed
	s.mu.Unlock()
	return err
}

// SyncFlags select what Sync flushes, mirroring blockfile.SyncFlags
// (§6 sync).
type SyncFlags = blockfile.SyncFlags

const (
	SyncData = blockfile.SyncData
	SyncMmap = blockfile.SyncMmap
)

// Sync flushes all databases' headers, the FSM, and the file to the
// point in time at which it acquired the shared store lock (§5).
// Mutations are written straight into the mmap'd file and are durable
// only after Sync (or the OS's own page writeback); there is no
// write-ahead log and no crash recovery beyond that.
func (s *Store) Sync(flags SyncFlags) error {
	if s.bf.ReadOnly() {
		return fmt.Errorf("store: sync: %w", errkind.ErrReadOnly)
	}
	s.beginWork()
	defer s.endWork()

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, db := range s.dbs {
		if err := db.SyncMM(); err != nil {
			return err
		}
	}
	if err := s.fm.Sync(); err != nil {
		return err
	}
	return s.bf.Sync(flags)
}
