package blockfile

import (
	"fmt"

	"github.com/arnavkj/skiplitekv/errkind"
	"golang.org/x/sys/unix"
)

// AcquireMmap pins the current mmap window and returns it. Callers must
// call ReleaseMmap when done; the window is guaranteed valid until then
// (§5: "each mutation obtains an mmap reference that is guaranteed valid
// until release_mmap").
func (bf *File) AcquireMmap() ([]byte, error) {
	bf.mu.RLock()
	if bf.data == nil {
		bf.mu.RUnlock()
		return nil, fmt.Errorf("blockfile: acquire mmap: %w", errkind.ErrInvalidState)
	}
	return bf.data, nil
}

// ReleaseMmap releases a window obtained from AcquireMmap.
func (bf *File) ReleaseMmap() {
	bf.mu.RUnlock()
}

// mmapLocked (re)creates the mmap covering the whole file. Caller must
// hold bf.mu for writing.
func (bf *File) mmapLocked() error {
	if bf.size == 0 {
		bf.data = nil
		return nil
	}

	prot := unix.PROT_READ
	if !bf.readOnly {
		prot |= unix.PROT_WRITE
	}

	data, err := unix.Mmap(int(bf.f.Fd()), 0, int(bf.size), prot, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("blockfile: mmap %s: %w: %w", bf.path, errkind.ErrIO, err)
	}
	bf.data = data
	return nil
}

// unmapLocked tears down the current mapping. Caller must hold bf.mu.
func (bf *File) unmapLocked() error {
	if bf.data == nil {
		return nil
	}
	if err := unix.Munmap(bf.data); err != nil {
		return fmt.Errorf("blockfile: munmap %s: %w: %w", bf.path, errkind.ErrIO, err)
	}
	bf.data = nil
	return nil
}

// msync flushes dirty mmap'd pages to the backing file.
func msync(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Msync(data, unix.MS_SYNC)
}

// lock acquires an advisory exclusive (or shared, read-only) flock on
// the whole file, matching §5's note that NOLOCKS disables it.
func (bf *File) lock() error {
	how := unix.LOCK_EX
	if bf.readOnly {
		how = unix.LOCK_SH
	}
	if err := unix.Flock(int(bf.f.Fd()), how|unix.LOCK_NB); err != nil {
		return fmt.Errorf("blockfile: flock %s: %w: %w", bf.path, errkind.ErrIO, err)
	}
	bf.locked = true
	return nil
}

// unlockIfHeld releases the advisory lock if one was taken.
func (bf *File) unlockIfHeld() {
	if !bf.locked {
		return
	}
	_ = unix.Flock(int(bf.f.Fd()), unix.LOCK_UN)
	bf.locked = false
}
