package store

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/arnavkj/skiplitekv/errkind"
	"github.com/arnavkj/skiplitekv/lookup"
)

func openTestStore(t *testing.T, opts ...OpenOption) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestOpenCreatesNewFileAndDBRoundTrips(t *testing.T) {
	s, _ := openTestStore(t, WithRNGSeed(1))

	db, err := s.DB(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := Put(db, []byte("k"), []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	v, err := Get(db, []byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(v, []byte("v")) {
		t.Fatalf("expected v, got %s", v)
	}
}

func TestDBReturnsSameHandleForSameID(t *testing.T) {
	s, _ := openTestStore(t)

	db1, err := s.DB(5)
	if err != nil {
		t.Fatal(err)
	}
	db2, err := s.DB(5)
	if err != nil {
		t.Fatal(err)
	}
	if db1 != db2 {
		t.Fatal("expected DB to return the cached handle for an already-open id")
	}
}

func TestDBWithMismatchedFlagsFails(t *testing.T) {
	s, _ := openTestStore(t)

	if _, err := s.DB(9, WithDBFlags(0)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DB(9, WithDBFlags(lookup.Uint64Keys)); errkind.Code(err) != errkind.KindIncompatibleDbMode {
		t.Fatalf("expected IncompatibleDbMode, got %v", err)
	}
}

func TestMultipleDatabasesAreIndependent(t *testing.T) {
	s, _ := openTestStore(t)

	dbA, err := s.DB(1)
	if err != nil {
		t.Fatal(err)
	}
	dbB, err := s.DB(2)
	if err != nil {
		t.Fatal(err)
	}

	if err := Put(dbA, []byte("k"), []byte("a"), 0); err != nil {
		t.Fatal(err)
	}
	if err := Put(dbB, []byte("k"), []byte("b"), 0); err != nil {
		t.Fatal(err)
	}

	va, err := Get(dbA, []byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	vb, err := Get(dbB, []byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if string(va) != "a" || string(vb) != "b" {
		t.Fatalf("expected independent values, got %s and %s", va, vb)
	}
}

func TestReopenStorePreservesDatabaseChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.db")

	s, err := Open(path, WithRNGSeed(2))
	if err != nil {
		t.Fatal(err)
	}
	db1, err := s.DB(1)
	if err != nil {
		t.Fatal(err)
	}
	db2, err := s.DB(2)
	if err != nil {
		t.Fatal(err)
	}
	if err := Put(db1, []byte("a"), []byte("1"), 0); err != nil {
		t.Fatal(err)
	}
	if err := Put(db2, []byte("b"), []byte("2"), 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path, WithRNGSeed(2))
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	reopened1, err := s2.DB(1)
	if err != nil {
		t.Fatal(err)
	}
	reopened2, err := s2.DB(2)
	if err != nil {
		t.Fatal(err)
	}
	v1, err := Get(reopened1, []byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	v2, err := Get(reopened2, []byte("b"))
	if err != nil {
		t.Fatal(err)
	}
	if string(v1) != "1" || string(v2) != "2" {
		t.Fatalf("expected (1,2), got (%s,%s)", v1, v2)
	}
}

func TestDBDestroyRemovesDatabaseFromChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "destroy.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	db1, err := s.DB(1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.DB(2); err != nil {
		t.Fatal(err)
	}
	if err := Put(db1, []byte("k"), []byte("v"), 0); err != nil {
		t.Fatal(err)
	}

	if err := s.DBDestroy(db1); err != nil {
		t.Fatal(err)
	}

	if _, err := s.findOnDisk(1); err != nil {
		t.Fatal(err)
	} else {
		// findOnDisk returning (nil, nil) means the chain no longer
		// contains id 1, i.e. unlinkFromChain worked.
	}

	found, err := s.findOnDisk(1)
	if err != nil {
		t.Fatal(err)
	}
	if found != nil {
		t.Fatal("expected db 1 to be unlinked from the on-disk chain after destroy")
	}

	still, err := s.findOnDisk(2)
	if err != nil {
		t.Fatal(err)
	}
	if still == nil {
		t.Fatal("expected db 2 to remain in the chain")
	}
}

func TestDBDestroyReturnsBeforeSweepCompletes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "destroy_async.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	db1, err := s.DB(1)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		if err := Put(db1, []byte(fmt.Sprintf("k%02d", i)), []byte("v"), 0); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.DBDestroy(db1); err != nil {
		t.Fatal(err)
	}

	// DBDestroy must not block on the sweeper; Close, which does wait
	// for it (via s.wkCount), must still succeed afterward.
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOpenReadOnlyRejectsNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.DB(1); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	roStore, err := Open(path, WithReadOnly())
	if err != nil {
		t.Fatal(err)
	}
	defer roStore.Close()

	if _, err := roStore.DB(1); err != nil {
		t.Fatal(err)
	}
	if _, err := roStore.DB(2); errkind.Code(err) != errkind.KindReadOnly {
		t.Fatalf("expected ReadOnly creating a new db on a read-only store, got %v", err)
	}
}

func TestCursorOpenAndScan(t *testing.T) {
	s, _ := openTestStore(t)
	db, err := s.DB(1)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		if err := Put(db, []byte(fmt.Sprintf("k%02d", i)), []byte(fmt.Sprintf("v%02d", i)), 0); err != nil {
			t.Fatal(err)
		}
	}

	c := CursorOpen(db)
	defer c.Close()
	count := 0
	for err := c.To(Next); err == nil; err = c.To(Next) {
		count++
	}
	if count != 10 {
		t.Fatalf("expected 10 keys, got %d", count)
	}
}

func TestDelThroughStoreAPI(t *testing.T) {
	s, _ := openTestStore(t)
	db, err := s.DB(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := Put(db, []byte("k"), []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	if err := Del(db, []byte("k")); err != nil {
		t.Fatal(err)
	}
	if _, err := Get(db, []byte("k")); errkind.Code(err) != errkind.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
