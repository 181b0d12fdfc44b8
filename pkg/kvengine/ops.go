package kvengine

import "fmt"

// Write stores key -> value, per spec.md §3's core operation. In cached
// mode the write lands in the dirty cache; in write-through mode (or a
// read-only handle, which is rejected outright) it goes straight to the
// file under the rwlock.
func (db *Database) Write(key, value []byte) error {
	if db.readOnly {
		return ErrReadOnly
	}

	if err := db.validateKV(key, value); err != nil {
		return err
	}

	if db.cacheEnabled {
		return db.withWriteLock(func() error {
			if err := db.cache.put(key, value); err != nil {
				return err
			}

			db.cb.IncGeneration()

			return nil
		})
	}

	return db.withWriteLock(func() error {
		if err := db.writeKV(key, value); err != nil {
			return err
		}

		db.cb.IncGeneration()

		return nil
	})
}

// Generation returns the change counter from SPEC_FULL.md §13.2: it
// increments on every Write and Delete (cached or write-through), so a
// caller can detect "something changed" cheaply without a full ListKeys
// diff.
func (db *Database) Generation() uint64 {
	return db.cb.Generation()
}

// Read returns key's current value, merging cache and file per spec.md
// §3 invariant 5: a cache Delete tombstone shadows the file outright; a
// cache Write overrides the file; otherwise the file is authoritative.
func (db *Database) Read(key []byte) ([]byte, error) {
	if err := db.validateKey(key); err != nil {
		return nil, err
	}

	if db.cacheEnabled {
		if hit, ok := db.cache.get(key); ok {
			if hit.state == cacheStateDelete {
				return nil, ErrNotFound
			}

			return hit.value, nil
		}
	}

	var out []byte

	err := db.withReadLock(func() error {
		v, err := db.readKV(key)
		if err != nil {
			return err
		}

		out = v

		return nil
	})

	return out, err
}

// ValueSize returns the byte length of key's current value by reading it
// through Read, per spec.md §3's sizing operation (used by callers to
// size a read buffer).
func (db *Database) ValueSize(key []byte) (int, error) {
	v, err := db.Read(key)
	if err != nil {
		return 0, err
	}

	return len(v), nil
}

// Delete removes key, per spec.md §3. In cached mode this inserts a
// tombstone into the cache (the file entry, if any, is only actually
// removed when the cache is flushed at last close); in write-through
// mode it tombstones the file's block pair immediately.
func (db *Database) Delete(key []byte) error {
	if db.readOnly {
		return ErrReadOnly
	}

	if err := db.validateKey(key); err != nil {
		return err
	}

	if db.cacheEnabled {
		return db.withWriteLock(func() error {
			if err := db.cache.delete(key); err != nil {
				return err
			}

			db.cb.IncGeneration()

			return nil
		})
	}

	return db.withWriteLock(func() error {
		if err := db.deleteKV(key); err != nil {
			return err
		}

		db.cb.IncGeneration()

		return nil
	})
}

// ListSize returns the number of bytes ListKeys would need to return
// every live key, per spec.md §3's list-sizing operation: callers are
// expected to call this first, size a buffer, then call ListKeys.
func (db *Database) ListSize() (int, error) {
	total := 0

	err := db.forEachLiveKey(func(key []byte) error {
		total += len(key) + 1 // NUL-separated, matching ListKeys' encoding

		return nil
	})

	return total, err
}

// ListKeys writes every live key into buf, NUL-separated, returning the
// number of bytes written. Returns ErrBufferTooSmall (never truncates)
// if buf is not large enough, per SPEC_FULL.md §14's Open Question
// resolution.
func (db *Database) ListKeys(buf []byte) (int, error) {
	n := 0

	err := db.forEachLiveKey(func(key []byte) error {
		need := len(key) + 1
		if n+need > len(buf) {
			return ErrBufferTooSmall
		}

		copy(buf[n:], key)
		buf[n+len(key)] = 0
		n += need

		return nil
	})
	if err != nil {
		return 0, err
	}

	return n, nil
}

// forEachLiveKey enumerates every currently-live key exactly once,
// merging cache state over the file's per spec.md §3 invariant 5: a file
// key shadowed by a cache delete is skipped; a cache-only write is
// included; a file key not mentioned in the cache is included as-is.
func (db *Database) forEachLiveKey(fn func(key []byte) error) error {
	seen := make(map[string]struct{})

	if db.cacheEnabled {
		if err := db.cache.iterate(func(e cacheEntry) error {
			seen[string(trimKey(e.key))] = struct{}{}

			if e.state == cacheStateWrite {
				return fn(trimKey(e.key))
			}

			return nil
		}); err != nil {
			return err
		}
	}

	return db.withReadLock(func() error {
		return db.forEachFileKey(func(key []byte) error {
			if _, ok := seen[string(key)]; ok {
				return nil
			}

			return fn(key)
		})
	})
}

// forEachFileKey walks the page chain and, for each occupied,
// non-tombstoned slot, reads and reports its key. A slot whose selected
// block fails CRC falls back to the backup copy, same self-healing
// behavior as readKV.
func (db *Database) forEachFileKey(fn func(key []byte) error) error {
	pageOff := db.firstPageOffset

	for {
		for idx := uint64(0); idx < db.hdr.SlotCount; idx++ {
			slot := db.readSlot(pageOff, idx)

			if slot.OffsetA == 0 && slot.OffsetB == 0 {
				continue
			}

			if slot.OffsetA < 0 && slot.OffsetB < 0 {
				continue
			}

			b, ok := db.readBlockAt(selectedOffset(slot))
			if !ok {
				b, ok = db.readBlockAt(backupOffset(slot))
			}

			if !ok || !b.Flavor.isLive() {
				continue
			}

			if err := fn(trimKey(b.Key)); err != nil {
				return err
			}
		}

		next := db.nextPageOffset(pageOff)
		if next == 0 {
			return nil
		}

		pageOff = next
	}
}

func trimKey(fixed []byte) []byte {
	return fixed[:keyLenOf(fixed)]
}

func (db *Database) validateKey(key []byte) error {
	if len(key) == 0 || uint64(len(key)) > db.hdr.MaxKeyLen {
		return fmt.Errorf("%w: key length %d exceeds max %d", ErrInvalidParam, len(key), db.hdr.MaxKeyLen)
	}

	return nil
}

func (db *Database) validateKV(key, value []byte) error {
	if err := db.validateKey(key); err != nil {
		return err
	}

	if uint64(len(value)) > db.hdr.MaxValueLen {
		return fmt.Errorf("%w: value length %d exceeds max %d", ErrInvalidParam, len(value), db.hdr.MaxValueLen)
	}

	return nil
}

// withWriteLock remaps to the shared current size, takes the rwlock, and
// runs fn; every mutating file operation goes through this so no handle
// ever touches file-offset-derived data with a stale mapping (spec.md
// §4.1's remap_if_grown contract).
func (db *Database) withWriteLock(fn func() error) error {
	return db.withLock(fn)
}

// withReadLock is withWriteLock's read-side counterpart. The rwlock has
// no separate read mode (see pkg/shmsync/lock.go); spec.md §4.5 accepts
// coarser, writer-serialized-with-readers locking in exchange for a
// simple, portable flock-based implementation.
func (db *Database) withReadLock(fn func() error) error {
	return db.withLock(fn)
}

func (db *Database) withLock(fn func() error) error {
	if err := db.rwlock.Lock(); err != nil {
		return fmt.Errorf("%w: %v", ErrOpenShm, err)
	}

	defer func() { _ = db.rwlock.Unlock() }()

	if err := db.remap(); err != nil {
		return err
	}

	return fn()
}
