// Package kvengine implements the on-disk database engine from spec.md
// §4.1-§4.3/§4.6: file format, hash-table chain, dual-block writer, and
// recovery. Cross-process cooperation (named semaphore + shared rwlock) is
// pkg/shmsync; the write-back dirty cache is cache.go in this package.
//
// A *Database is one per-process handle (spec.md §3's "per-process
// handle"): it owns its own file descriptor and mapping, and its own
// connections to the shared control block / hash-table mirror / cache
// segment. Multiple handles, in this or other processes, cooperate through
// those shared objects and the rwlock.
package kvengine

import (
	"errors"
	"fmt"
	"path/filepath"
	"syscall"
	"unsafe"

	"github.com/genivi/pcokv/pkg/dbfs"
	"github.com/genivi/pcokv/pkg/shmsync"
)

// Database is a single open handle onto a database file, per spec.md §3.
type Database struct {
	path string
	opts Options

	hdr fileHeader

	fm  *fileMapping
	sem *shmsync.Semaphore
	cb  *shmsync.ControlBlock

	htMirror *shmsync.HashMirror
	cache    *dirtyCache
	rwlock   *shmsync.RWLock

	pageByteSize    uint64
	blockByteSize   uint64
	firstPageOffset uint64

	readOnly     bool
	cacheEnabled bool

	closed bool
}

// Open opens or creates a database at opts.Path, per spec.md §4.1's open
// and §4.5's first-opener dance (gated by the named semaphore so two
// concurrent first-openers never race on hash-table-mirror or header
// initialization).
func Open(opts Options) (*Database, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidParam)
	}

	path, err := resolveSymlink(opts.Path)
	if err != nil {
		return nil, err
	}

	readOnly := opts.Mode.has(ModeReadOnly)
	create := opts.Mode.has(ModeCreate) && !readOnly

	if opts.CacheCapacityBytes == 0 {
		opts.CacheCapacityBytes = DefaultCacheCapacityBytes
	}

	if opts.ShmDir == "" {
		opts.ShmDir = DefaultShmDir
	}

	names := shmsync.DeriveNames(opts.ShmDir, path)

	sem, err := shmsync.OpenSemaphore(names.Sem)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenShm, err)
	}

	if err := sem.Lock(); err != nil {
		_ = sem.Close()

		return nil, fmt.Errorf("%w: %v", ErrOpenShm, err)
	}

	db, err := openLocked(path, opts, readOnly, create, names, sem)

	if unlockErr := sem.Unlock(); unlockErr != nil && err == nil {
		err = fmt.Errorf("%w: %v", ErrOpenShm, unlockErr)
	}

	if err != nil {
		_ = sem.Close()

		return nil, err
	}

	return db, nil
}

func resolveSymlink(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if errors.Is(err, syscall.ENOENT) {
			return path, nil
		}

		return "", fmt.Errorf("%w: resolve %q: %v", ErrIO, path, err)
	}

	return resolved, nil
}

func openLocked(path string, opts Options, readOnly, create bool, names shmsync.Names, sem *shmsync.Semaphore) (db *Database, err error) {
	exists, err := fileExists(path)
	if err != nil {
		return nil, err
	}

	if !exists {
		if !create {
			return nil, fmt.Errorf("%w: %q does not exist", ErrIO, path)
		}

		if opts.SlotCount == 0 || opts.MaxKeyLen == 0 || opts.MaxValueLen == 0 {
			return nil, fmt.Errorf("%w: SlotCount/MaxKeyLen/MaxValueLen required to create a database", ErrInvalidParam)
		}

		if err := bootstrapNewFile(path, opts); err != nil {
			return nil, err
		}
	}

	fm, err := openFileMapping(path, readOnly, false, 0)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			_ = fm.close()
		}
	}()

	hdr, err := decodeHeader(fm.data)
	if err != nil {
		return nil, err
	}

	if hdr.MajorVersion != headerVersionMajor || hdr.MinorVersion != headerVersionMinor {
		return nil, ErrWrongDatabaseVersion
	}

	if !exists {
		// We just wrote this header ourselves; nothing to cross-check.
	} else if opts.SlotCount != 0 && opts.SlotCount != hdr.SlotCount {
		return nil, fmt.Errorf("%w: slot count mismatch", ErrInvalidParam)
	}

	cb, err := shmsync.OpenControlBlock(names.ShmInfo)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenShm, err)
	}

	defer func() {
		if err != nil {
			_ = cb.Close()
		}
	}()

	htMirror, err := shmsync.OpenHashMirror(names.HashMirror)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenShm, err)
	}

	defer func() {
		if err != nil {
			_ = htMirror.Close()
		}
	}()

	// The rwlock flocks the control block's own backing file (spec.md §4.5
	// names the rwlock as living "inside the shared control block"); this
	// is a second, independent open of the same path purely to get a
	// flock-able fd, since ControlBlock itself never flocks its own fd.
	rwlock, err := shmsync.OpenRWLock(names.ShmInfo)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenShm, err)
	}

	if err := rwlock.Lock(); err != nil {
		_ = rwlock.Close()

		return nil, fmt.Errorf("%w: %v", ErrOpenShm, err)
	}

	defer func() { _ = rwlock.Unlock() }()

	defer func() {
		if err != nil {
			_ = rwlock.Close()
		}
	}()

	db = &Database{
		path:            path,
		opts:            opts,
		hdr:             hdr,
		fm:              fm,
		sem:             sem,
		cb:              cb,
		htMirror:        htMirror,
		rwlock:          rwlock,
		pageByteSize:    hashPageByteSize(hdr.SlotCount),
		blockByteSize:   blockByteSize(hdr.MaxKeyLen, hdr.MaxValueLen),
		firstPageOffset: firstPageOffset,
		readOnly:        readOnly,
		cacheEnabled:    !readOnly && !opts.Mode.has(ModeWriteThrough),
	}

	firstOpener := cb.RefCount() == 0

	if firstOpener {
		if hdr.CloseFailed || !hdr.CloseOK {
			if err := db.recover(); err != nil {
				return nil, err
			}
		}

		if err := db.discoverPages(); err != nil {
			return nil, err
		}

		cb.SetMappedSize(uint64(fm.size()))

		if !readOnly {
			db.markOpenUnclean()
		}
	} else if err := db.fm.remapIfGrown(int64(cb.MappedSize())); err != nil {
		return nil, err
	}

	if db.cacheEnabled {
		cache, err := openDirtyCache(names.Cache, cb, hdr.MaxKeyLen, hdr.MaxValueLen, opts.CacheCapacityBytes, firstOpener)
		if err != nil {
			return nil, err
		}

		db.cache = cache
	}

	cb.IncRef()

	return db, nil
}

func fileExists(path string) (bool, error) {
	var st syscall.Stat_t

	err := syscall.Stat(path, &st)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, syscall.ENOENT) {
		return false, nil
	}

	return false, fmt.Errorf("%w: stat %q: %v", ErrIO, path, err)
}

// bootstrapNewFile writes a brand-new database's header and first
// hash-table page in one atomic operation (pkg/dbfs.BootstrapFile), so a
// crash during creation cannot leave a zero-length or truncated file that a
// later opener would misclassify as a corrupt *existing* database rather
// than as "not yet created".
func bootstrapNewFile(path string, opts Options) error {
	hdr := fileHeader{
		MajorVersion: headerVersionMajor,
		MinorVersion: headerVersionMinor,
		CloseFailed:  false,
		CloseOK:      true,
		SlotCount:    opts.SlotCount,
		MaxKeyLen:    opts.MaxKeyLen,
		MaxValueLen:  opts.MaxValueLen,
	}

	pageSize := hashPageByteSize(opts.SlotCount)

	buf := make([]byte, firstPageOffset+pageSize)
	copy(buf, encodeHeader(&hdr))

	writeFreshPageInto(buf[firstPageOffset:], opts.SlotCount, pageSize, 0)

	if err := dbfs.BootstrapFile(path, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	return nil
}

// writeFreshPageInto is writeFreshPage's standalone counterpart for a
// buffer that is not yet part of an open fileMapping (used only during
// initial bootstrap, before Database exists).
func writeFreshPageInto(buf []byte, slotCount, pageSize uint64, pageIndex uint32) {
	putU64(buf, hashPageStartDelim)
	putU64(buf[pageSize-pageTrlSize:], hashPageEndDelim)

	slots := buf[pageHdrSize : pageHdrSize+(slotCount+1)*slotSize]
	clear(slots)

	crc := computeHashPageCRC(slots)
	putU64(buf[8:], packPageMeta(pageIndex, crc))
}

// discoverPages walks the on-disk page chain from the first page and grows
// the shared control block's page count / hash mirror to match, so a first
// opener that finds an existing, already-populated file publishes its true
// page count instead of assuming a freshly created one.
func (db *Database) discoverPages() error {
	var count uint64

	pageOff := db.firstPageOffset

	for pageOff != 0 && pageOff+db.pageByteSize <= uint64(db.fm.size()) {
		count++

		next := db.nextPageOffset(pageOff)
		if next == 0 {
			break
		}

		pageOff = next
	}

	db.cb.SetHashPageCount(count)

	return db.htMirror.GrowTo(count * db.pageByteSize)
}

// markOpenUnclean sets the close-failed flag and clears close-ok, the
// "unsafe until proven otherwise" state spec.md §3 invariant 6 requires: if
// this process dies before Close runs, the next opener's firstOpener sees
// CloseFailed set and runs recovery.
func (db *Database) markOpenUnclean() {
	db.hdr.CloseFailed = true
	db.hdr.CloseOK = false
	db.writeHeaderFlags()
}

func (db *Database) writeHeaderFlags() {
	putU64(db.fm.data[offCloseFailed:], boolToFlag(db.hdr.CloseFailed))
	putU64(db.fm.data[offCloseOK:], boolToFlag(db.hdr.CloseOK))
}

// remap re-synchronizes this handle's mapping with the shared control
// block's published size, per spec.md §4.1's remap_if_grown. Every public
// operation calls this before touching file-offset-derived pointers.
func (db *Database) remap() error {
	return db.fm.remapIfGrown(int64(db.cb.MappedSize()))
}

// UserHeader returns the caller-owned header region (SPEC_FULL.md §13.1).
func (db *Database) UserHeader() (flags uint64, data [64]byte) {
	return db.hdr.UserFlags, db.hdr.UserData
}

// SetUserHeader writes the caller-owned header region straight into the
// mapped header; no msync is issued here (it is not part of the
// crash-recovery-sensitive state).
func (db *Database) SetUserHeader(flags uint64, data [64]byte) error {
	if db.readOnly {
		return ErrReadOnly
	}

	db.hdr.UserFlags = flags
	db.hdr.UserData = data

	putU64(db.fm.data[offUserFlags:], flags)
	copy(db.fm.data[offUserData:offUserData+64], data[:])

	return nil
}

// msyncSync flushes dirty mmap'd pages to disk, the explicit durability
// step SPEC_FULL.md §11 adds on top of the original's mmap-only durability
// (spec.md §9's design note: "a language-neutral rewrite SHOULD add an
// explicit flush at close"). Called with raw syscall numbers (MS_SYNC=0x4)
// rather than a named package constant: the standard syscall package does
// not export msync's MS_* flags (it exports the unrelated mount-flag MS_*
// family under the same names), and adding golang.org/x/sys/unix for one
// constant is not worth a new dependency the teacher's stack never carries.
func msyncSync(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	const sysMsSync = 0x4

	_, _, errno := syscall.Syscall(syscall.SYS_MSYNC, uintptr(unsafe.Pointer(&data[0])), uintptr(len(data)), sysMsSync)
	if errno != 0 {
		return fmt.Errorf("%w: msync: %v", ErrIO, errno)
	}

	return nil
}
