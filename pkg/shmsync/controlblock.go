package shmsync

import (
	"fmt"
	"os"
	"syscall"
)

// ControlBlock is the shared control block from spec.md §3: process-shared
// rwlock (held separately, see RWLock), reference count of open handles,
// creator-chosen mode flags, current mapped size of the data file, current
// allocated size of the shared hash-table mirror, current number of valid
// hash-table pages, and a "cache region created" flag.
//
// Backed by an mmap'd regular file at the "-shm-info" path (spec.md §6),
// the shared-memory emulation this whole package uses (see the package
// doc in names.go).
type ControlBlock struct {
	f    *os.File
	data []byte
}

const controlBlockSize = 4096 // rounded to a page, spec.md §6 "≈ 1 page"

const (
	cbOffRefCount       = 0 * 8
	cbOffMappedSize     = 1 * 8
	cbOffHashMirrorSize = 2 * 8
	cbOffHashPageCount  = 3 * 8
	cbOffCacheCreated   = 4 * 8
	cbOffOpenMode       = 5 * 8
	cbOffWriteMode      = 6 * 8
	cbOffCacheBytes     = 7 * 8
	cbOffGeneration     = 8 * 8
)

// OpenControlBlock opens (creating if absent) the shared control block
// file and mmaps it. The caller must hold the named semaphore while doing
// the first-opener initialization dance (zero vs. already-populated).
func OpenControlBlock(path string) (*ControlBlock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shmsync: open control block: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("shmsync: stat control block: %w", err)
	}

	if info.Size() < controlBlockSize {
		if err := f.Truncate(controlBlockSize); err != nil {
			_ = f.Close()

			return nil, fmt.Errorf("shmsync: grow control block: %w", err)
		}
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, controlBlockSize, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("shmsync: map control block: %w", err)
	}

	return &ControlBlock{f: f, data: data}, nil
}

func (c *ControlBlock) Close() error {
	munmapErr := syscall.Munmap(c.data)
	closeErr := c.f.Close()

	if munmapErr != nil {
		return fmt.Errorf("shmsync: unmap control block: %w", munmapErr)
	}

	if closeErr != nil {
		return fmt.Errorf("shmsync: close control block: %w", closeErr)
	}

	return nil
}

func (c *ControlBlock) IncRef() uint64       { return addU64(c.data[cbOffRefCount:], 1) }
func (c *ControlBlock) DecRef() uint64       { return addU64(c.data[cbOffRefCount:], ^uint64(0)) }
func (c *ControlBlock) RefCount() uint64     { return loadU64(c.data[cbOffRefCount:]) }
func (c *ControlBlock) MappedSize() uint64   { return loadU64(c.data[cbOffMappedSize:]) }
func (c *ControlBlock) SetMappedSize(v uint64) { storeU64(c.data[cbOffMappedSize:], v) }

func (c *ControlBlock) HashMirrorSize() uint64     { return loadU64(c.data[cbOffHashMirrorSize:]) }
func (c *ControlBlock) SetHashMirrorSize(v uint64) { storeU64(c.data[cbOffHashMirrorSize:], v) }

func (c *ControlBlock) HashPageCount() uint64     { return loadU64(c.data[cbOffHashPageCount:]) }
func (c *ControlBlock) SetHashPageCount(v uint64) { storeU64(c.data[cbOffHashPageCount:], v) }

func (c *ControlBlock) CacheCreated() bool {
	return loadU64(c.data[cbOffCacheCreated:]) != 0
}

func (c *ControlBlock) SetCacheCreated(v bool) {
	if v {
		storeU64(c.data[cbOffCacheCreated:], 1)
	} else {
		storeU64(c.data[cbOffCacheCreated:], 0)
	}
}

// CacheTotalBytes/SetCacheTotalBytes record the dirty-cache segment's total
// byte size, set once by whichever process creates it, so later openers map
// the segment at the right length without recomputing from options that
// might differ across processes.
func (c *ControlBlock) CacheTotalBytes() uint64     { return loadU64(c.data[cbOffCacheBytes:]) }
func (c *ControlBlock) SetCacheTotalBytes(v uint64) { storeU64(c.data[cbOffCacheBytes:], v) }

// Generation/IncGeneration back SPEC_FULL.md §13.2's change counter,
// grounded on the teacher's pkg/slotcache/cache.go Generation: a cheap
// "did anything change" signal for a caller that does not want to diff a
// full list_keys on every poll.
func (c *ControlBlock) Generation() uint64   { return loadU64(c.data[cbOffGeneration:]) }
func (c *ControlBlock) IncGeneration() uint64 { return addU64(c.data[cbOffGeneration:], 1) }

func (c *ControlBlock) OpenMode() uint64      { return loadU64(c.data[cbOffOpenMode:]) }
func (c *ControlBlock) SetOpenMode(v uint64)  { storeU64(c.data[cbOffOpenMode:], v) }
func (c *ControlBlock) WriteMode() uint64     { return loadU64(c.data[cbOffWriteMode:]) }
func (c *ControlBlock) SetWriteMode(v uint64) { storeU64(c.data[cbOffWriteMode:], v) }
