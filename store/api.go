package store

import (
	"github.com/arnavkj/skiplitekv/lookup"
)

// Cursor, CursorOp and their constants are re-exported from lookup so
// callers only need to import package store (§6 cursor_* family).
type Cursor = lookup.Cursor

type CursorOp = lookup.CursorOp

const (
	BeforeFirst = lookup.BeforeFirst
	AfterLast   = lookup.AfterLast
	Next        = lookup.Next
	Prev        = lookup.Prev
	EQ          = lookup.EQ
	GE          = lookup.GE
)

// PutFlags is re-exported from lookup (§6 operation flags).
type PutFlags = lookup.PutFlags

const NoOverwrite = lookup.NoOverwrite

// Put inserts or updates key/val in db (§6 "put(db, key, val,
// opflags)"). A thin pass-through kept for symmetry with the table in
// §6; callers may call db.Put directly just as well.
func Put(db *lookup.Database, key, val []byte, opflags PutFlags) error {
	return db.Put(key, val, opflags)
}

// Get looks up key in db (§6 "get(db, key, &val)").
func Get(db *lookup.Database, key []byte) ([]byte, error) {
	return db.Get(key)
}

// Del removes key from db (§6 "del(db, key)").
func Del(db *lookup.Database, key []byte) error {
	return db.Del(key)
}

// CursorOpen opens a cursor over db, positioned BEFORE_FIRST.
func CursorOpen(db *lookup.Database) *Cursor {
	return db.CursorOpen()
}
