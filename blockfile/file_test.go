package blockfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/arnavkj/skiplitekv/errkind"
)

func withTempFile(t *testing.T, fn func(path string)) {
	dir := t.TempDir()
	fn(filepath.Join(dir, "blocks.db"))
}

func TestOpenEmptyFileHasZeroSize(t *testing.T) {
	withTempFile(t, func(path string) {
		bf, err := Open(path, 0)
		if err != nil {
			t.Fatal(err)
		}
		defer bf.Close()

		if bf.Size() != 0 {
			t.Fatalf("expected size 0, got %d", bf.Size())
		}
	})
}

func TestEnsureSizeGrowsAndRoundsUp(t *testing.T) {
	withTempFile(t, func(path string) {
		bf, err := Open(path, 0)
		if err != nil {
			t.Fatal(err)
		}
		defer bf.Close()

		if err := bf.EnsureSize(100); err != nil {
			t.Fatal(err)
		}
		if bf.Size() < 100 {
			t.Fatalf("expected size >= 100, got %d", bf.Size())
		}

		prev := bf.Size()
		if err := bf.EnsureSize(prev); err != nil {
			t.Fatal(err)
		}
		if bf.Size() != prev {
			t.Fatalf("EnsureSize with the current size as target grew the file: %d -> %d", prev, bf.Size())
		}
	})
}

func TestWriteAtAndReadAtRoundTrip(t *testing.T) {
	withTempFile(t, func(path string) {
		bf, err := Open(path, 0)
		if err != nil {
			t.Fatal(err)
		}
		defer bf.Close()

		if err := bf.EnsureSize(BlockSize); err != nil {
			t.Fatal(err)
		}

		want := []byte("hello, block")
		if _, err := bf.WriteAt(8, want); err != nil {
			t.Fatal(err)
		}

		got := make([]byte, len(want))
		if _, err := bf.ReadAt(8, got); err != nil {
			t.Fatal(err)
		}
		if string(got) != string(want) {
			t.Fatalf("expected %q, got %q", want, got)
		}
	})
}

func TestWriteAtOutOfBoundsFails(t *testing.T) {
	withTempFile(t, func(path string) {
		bf, err := Open(path, 0)
		if err != nil {
			t.Fatal(err)
		}
		defer bf.Close()

		if err := bf.EnsureSize(BlockSize); err != nil {
			t.Fatal(err)
		}

		if _, err := bf.WriteAt(bf.Size()-1, []byte("xx")); errkind.Code(err) != errkind.KindOutOfBounds {
			t.Fatalf("expected OutOfBounds, got %v", err)
		}
	})
}

func TestReopenPreservesContent(t *testing.T) {
	withTempFile(t, func(path string) {
		bf, err := Open(path, 0)
		if err != nil {
			t.Fatal(err)
		}
		if err := bf.EnsureSize(BlockSize); err != nil {
			t.Fatal(err)
		}
		if _, err := bf.WriteAt(0, []byte("persisted")); err != nil {
			t.Fatal(err)
		}
		if err := bf.Sync(SyncData | SyncMmap); err != nil {
			t.Fatal(err)
		}
		if err := bf.Close(); err != nil {
			t.Fatal(err)
		}

		bf2, err := Open(path, 0)
		if err != nil {
			t.Fatal(err)
		}
		defer bf2.Close()

		got := make([]byte, len("persisted"))
		if _, err := bf2.ReadAt(0, got); err != nil {
			t.Fatal(err)
		}
		if string(got) != "persisted" {
			t.Fatalf("expected %q, got %q", "persisted", got)
		}
	})
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	withTempFile(t, func(path string) {
		bf, err := Open(path, 0)
		if err != nil {
			t.Fatal(err)
		}
		if err := bf.EnsureSize(BlockSize); err != nil {
			t.Fatal(err)
		}
		if err := bf.Close(); err != nil {
			t.Fatal(err)
		}

		roBf, err := Open(path, RDONLY)
		if err != nil {
			t.Fatal(err)
		}
		defer roBf.Close()

		if !roBf.ReadOnly() {
			t.Fatal("expected ReadOnly() true")
		}
		if _, err := roBf.WriteAt(0, []byte("x")); errkind.Code(err) != errkind.KindReadOnly {
			t.Fatalf("expected ReadOnly error, got %v", err)
		}
	})
}

func TestOpenNonexistentDirFails(t *testing.T) {
	if _, err := Open("/nonexistent-dir-for-test/blocks.db", 0); err == nil {
		t.Fatal("expected error opening file in a nonexistent directory")
	}
}

func TestFibonacciGrowthNeverShrinksAndRespectsMax(t *testing.T) {
	sizes := []int64{0, 1, 1 << 16, 1 << 20, MaxFileSize + 1}
	prev := int64(0)
	for _, want := range sizes {
		got := nextFibonacciSize(prev, want)
		if got < want && got != MaxFileSize {
			t.Fatalf("nextFibonacciSize(%d, %d) = %d, too small", prev, want, got)
		}
		if got > MaxFileSize {
			t.Fatalf("nextFibonacciSize(%d, %d) = %d exceeds MaxFileSize", prev, want, got)
		}
		prev = got
	}
}

func TestEnsureSizeRejectsOversizedRequest(t *testing.T) {
	withTempFile(t, func(path string) {
		bf, err := Open(path, 0)
		if err != nil {
			t.Fatal(err)
		}
		defer bf.Close()

		if err := bf.EnsureSize(MaxFileSize + 1); errkind.Code(err) != errkind.KindMaxDbSize {
			t.Fatalf("expected MaxDbSize error, got %v", err)
		}
	})
}

func TestSizeAfterClose(t *testing.T) {
	withTempFile(t, func(path string) {
		bf, err := Open(path, 0)
		if err != nil {
			t.Fatal(err)
		}
		if err := bf.EnsureSize(BlockSize); err != nil {
			t.Fatal(err)
		}
		if err := bf.Close(); err != nil {
			t.Fatal(err)
		}

		fi, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if fi.Size() != BlockSize && fi.Size() < BlockSize {
			t.Fatalf("unexpected on-disk size %d", fi.Size())
		}
	})
}
