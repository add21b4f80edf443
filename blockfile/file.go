// Package blockfile implements the block-granular, memory-mapped
// backing store described in §4.1 (C1): positional read/write,
// Fibonacci-policy size growth, and a sliding mmap window. Unlike a
// general-purpose mmap pool, File maps the whole file at once and grows
// the mapping in step with EnsureSize, which is sufficient at the sizes
// this engine targets.
package blockfile

import (
	"fmt"
	"os"
	"sync"

	"github.com/arnavkj/skiplitekv/errkind"
)

// BlockPow is IWKV_FSM_BPOW: block size is 2^BlockPow bytes (§4.1).
const BlockPow = 6

// BlockSize is the block grain in bytes (64).
const BlockSize = 1 << BlockPow

// OpenFlags configure how a File is opened (§6).
type OpenFlags uint32

const (
	// RDONLY opens the file for reads only; any write returns ErrReadOnly.
	RDONLY OpenFlags = 1 << iota
	// TRUNC truncates an existing file on open. Implies write access,
	// so RDONLY|TRUNC resolves to write-capable per §6.
	TRUNC
	// NOLOCKS disables the advisory whole-file flock.
	NOLOCKS
)

// SyncFlags select what Sync flushes.
type SyncFlags uint32

const (
	SyncData SyncFlags = 1 << iota
	SyncMmap
)

// File is a block-granular, memory-mapped file handle.
type File struct {
	mu       sync.RWMutex
	f        *os.File
	path     string
	size     int64
	data     []byte
	readOnly bool
	noLocks  bool
	locked   bool
}

// Open opens or creates path according to flags. A newly-created file
// starts at length 0; callers grow it with EnsureSize before use.
func Open(path string, flags OpenFlags) (*File, error) {
	readOnly := flags&RDONLY != 0 && flags&TRUNC == 0

	osFlags := os.O_RDWR | os.O_CREATE
	if readOnly {
		osFlags = os.O_RDONLY
	}
	if flags&TRUNC != 0 {
		osFlags |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, osFlags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockfile: open %s: %w: %w", path, errkind.ErrIO, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blockfile: stat %s: %w: %w", path, errkind.ErrIO, err)
	}

	bf := &File{
		f:        f,
		path:     path,
		size:     fi.Size(),
		readOnly: readOnly,
		noLocks:  flags&NOLOCKS != 0,
	}

	if !bf.noLocks {
		if err := bf.lock(); err != nil {
			f.Close()
			return nil, err
		}
	}

	if bf.size > 0 {
		if err := bf.mmapLocked(); err != nil {
			bf.unlockIfHeld()
			f.Close()
			return nil, err
		}
	}

	return bf, nil
}

// Size returns the current file length.
func (bf *File) Size() int64 {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.size
}

// ReadOnly reports whether the file was opened read-only.
func (bf *File) ReadOnly() bool { return bf.readOnly }

// ReadAt performs a positional read, returning a short read at EOF
// rather than an error, matching the contract in §4.1.
func (bf *File) ReadAt(off int64, buf []byte) (int, error) {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	if off < 0 || off > bf.size {
		return 0, fmt.Errorf("blockfile: read at %d: %w", off, errkind.ErrOutOfBounds)
	}
	n := copy(buf, bf.data[off:])
	return n, nil
}

// WriteAt performs a positional write directly into the mmap'd region.
// The caller must have already grown the file with EnsureSize.
func (bf *File) WriteAt(off int64, buf []byte) (int, error) {
	if bf.readOnly {
		return 0, errkind.ErrReadOnly
	}

	bf.mu.RLock()
	defer bf.mu.RUnlock()

	if off < 0 || off+int64(len(buf)) > bf.size {
		return 0, fmt.Errorf("blockfile: write at %d len %d: %w", off, len(buf), errkind.ErrOutOfBounds)
	}
	n := copy(bf.data[off:], buf)
	return n, nil
}

// WriteHeader writes into the reserved custom-header region (the first
// KVHDRSZ bytes) without requiring the FSM write lock (§4.1).
func (bf *File) WriteHeader(off int64, buf []byte) error {
	_, err := bf.WriteAt(off, buf)
	return err
}

// ReadHeader reads from the reserved custom-header region.
func (bf *File) ReadHeader(off int64, buf []byte) error {
	_, err := bf.ReadAt(off, buf)
	return err
}

// EnsureSize grows the file so its length is at least n, following the
// Fibonacci-like policy of §4.1, then remaps.
func (bf *File) EnsureSize(n int64) error {
	if bf.readOnly {
		return errkind.ErrReadOnly
	}

	bf.mu.Lock()
	defer bf.mu.Unlock()

	if n <= bf.size {
		return nil
	}
	if n > MaxFileSize {
		return fmt.Errorf("blockfile: requested size %d: %w", n, errkind.ErrMaxDbSize)
	}

	newSize := nextFibonacciSize(bf.size, n)

	if err := bf.unmapLocked(); err != nil {
		return err
	}
	if err := bf.f.Truncate(newSize); err != nil {
		return fmt.Errorf("blockfile: truncate %s to %d: %w: %w", bf.path, newSize, errkind.ErrIO, err)
	}
	bf.size = newSize

	return bf.mmapLocked()
}

// TruncateTo shrinks the file to exactly n bytes and remaps, the
// mirror image of EnsureSize's grow path. Used by Store.Close to apply
// the length fsm.FSM.Trim computes. A no-op if n >= the current size.
func (bf *File) TruncateTo(n int64) error {
	if bf.readOnly {
		return errkind.ErrReadOnly
	}

	bf.mu.Lock()
	defer bf.mu.Unlock()

	if n >= bf.size {
		return nil
	}
	if n < 0 {
		return fmt.Errorf("blockfile: truncate to %d: %w", n, errkind.ErrOutOfBounds)
	}

	if err := bf.unmapLocked(); err != nil {
		return err
	}
	if err := bf.f.Truncate(n); err != nil {
		return fmt.Errorf("blockfile: truncate %s to %d: %w: %w", bf.path, n, errkind.ErrIO, err)
	}
	bf.size = n

	return bf.mmapLocked()
}

// Sync flushes file data and/or mmap pages per flags.
func (bf *File) Sync(flags SyncFlags) error {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	if flags&SyncMmap != 0 && bf.data != nil {
		if err := msync(bf.data); err != nil {
			return fmt.Errorf("blockfile: msync %s: %w: %w", bf.path, errkind.ErrIO, err)
		}
	}
	if flags&SyncData != 0 {
		if err := bf.f.Sync(); err != nil {
			return fmt.Errorf("blockfile: fsync %s: %w: %w", bf.path, errkind.ErrIO, err)
		}
	}
	return nil
}

// Close flushes and releases the mmap, then closes the file.
func (bf *File) Close() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	var firstErr error
	if bf.data != nil {
		if err := bf.unmapLocked(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	bf.unlockIfHeld()
	if err := bf.f.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("blockfile: close %s: %w: %w", bf.path, errkind.ErrIO, err)
	}
	return firstErr
}
