package kvengine

import (
	"errors"
	"fmt"
	"os"

	"github.com/genivi/pcokv/pkg/shmsync"
)

// Close releases this handle, per spec.md §4.5's last-closer protocol. A
// non-last closer simply decrements the shared refcount and tears down
// its own private resources (fd, mapping, rwlock handle). The last
// closer additionally: flushes the dirty cache into the file (if
// cached mode was in use), writes the close-ok header flags and msyncs
// them, and unlinks the shared objects (control block, hash mirror,
// cache segment, semaphore) so a future Open starts clean.
func (db *Database) Close() error {
	if db.closed {
		return ErrClosed
	}

	db.closed = true

	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	names := shmsync.DeriveNames(db.opts.ShmDir, db.path)

	if err := db.sem.Lock(); err != nil {
		note(fmt.Errorf("%w: %v", ErrOpenShm, err))
	} else {
		defer func() { _ = db.sem.Unlock() }()
	}

	isLast := db.cb.RefCount() <= 1

	if !db.readOnly {
		if err := db.withLock(func() error {
			if db.cacheEnabled && isLast {
				if err := db.flushCache(); err != nil {
					return err
				}
			}

			if isLast {
				db.hdr.CloseFailed = false
				db.hdr.CloseOK = true
				db.writeHeaderFlags()

				if err := msyncSync(db.fm.data); err != nil {
					return err
				}
			}

			return nil
		}); err != nil {
			note(err)
		}
	}

	db.cb.DecRef()

	if db.cacheEnabled && db.cache != nil {
		note(db.cache.close())
	}

	note(db.htMirror.Close())
	note(db.cb.Close())
	note(db.rwlock.Close())
	note(db.fm.close())

	if isLast {
		_ = os.Remove(names.Cache)
		_ = os.Remove(names.HashMirror)
		_ = os.Remove(names.ShmInfo)
		note(db.sem.Unlink())
	}

	note(db.sem.Close())

	return firstErr
}

// flushCache drains every live cache entry into the file, in slot
// iteration order. The cache itself is left as it is: the segment is
// unlinked right after by the last closer, so there is nothing left to
// drain on the next first-opener (spec.md §4.4: the cache is not itself
// durable).
func (db *Database) flushCache() error {
	return db.cache.iterate(func(e cacheEntry) error {
		key := trimKey(e.key)

		switch e.state {
		case cacheStateWrite:
			return db.writeKV(key, e.value)
		case cacheStateDelete:
			if err := db.deleteKV(key); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}

			return nil
		default:
			return nil
		}
	})
}
