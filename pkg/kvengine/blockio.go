package kvengine

import "fmt"

// readBlockAt decodes and CRC-verifies the block at byteOff. ok is false
// if the block fails CRC (a torn write, or not a block at all).
func (db *Database) readBlockAt(byteOff uint64) (dataBlock, bool) {
	buf := db.fm.data[byteOff : byteOff+db.blockByteSize]

	return verifyBlockCRC(buf, db.hdr.MaxKeyLen, db.hdr.MaxValueLen)
}

// readBlockKeyIfLive returns the key stored at blockOff if that block
// CRC-verifies and is a live (non-tombstone) flavor. Used by locate: a
// slot's selected offset is only trusted once CRC confirms it was not
// torn mid-write, matching spec.md §4.2's "the hash table entry for a key
// is trusted only once the pointed-to block round-trips its checksum"
// reading of lookup.
func (db *Database) readBlockKeyIfLive(blockOff uint64) ([]byte, bool, error) {
	if blockOff == 0 {
		return nil, false, nil
	}

	b, ok := db.readBlockAt(blockOff)
	if !ok || !b.Flavor.isLive() {
		return nil, false, nil
	}

	return b.Key, true, nil
}

// writeBlockPair appends a fresh (A, B) data-block pair at EOF, writing B
// first then A (spec.md §4.3: "the non-selected copy is written first, the
// selected copy last"; for a brand-new pair either order is crash-safe
// since no slot points at either yet, but writing in this fixed order
// keeps insert and update sharing one code path). Returns the byte offset
// of the pair (the A block's offset; the B block immediately follows).
func (db *Database) writeBlockPair(key, value []byte, ownerPage uint64) (uint64, error) {
	pairSize := 2 * db.blockByteSize

	oldEnd := db.fm.size()
	if err := db.fm.grow(oldEnd + int64(pairSize)); err != nil {
		return 0, err
	}

	aOff := uint64(oldEnd)
	bOff := aOff + db.blockByteSize

	bBuf := db.fm.data[bOff : bOff+db.blockByteSize]
	encodeBlock(bBuf, flavorBLive, key, uint32(len(value)), value, ownerPage, db.hdr.MaxKeyLen, db.hdr.MaxValueLen)

	aBuf := db.fm.data[aOff : aOff+db.blockByteSize]
	encodeBlock(aBuf, flavorALive, key, uint32(len(value)), value, ownerPage, db.hdr.MaxKeyLen, db.hdr.MaxValueLen)

	db.cb.SetMappedSize(uint64(db.fm.size()))

	return aOff, nil
}

// updateBlockPair is the first half of spec.md §4.3's crash-safe
// dual-block protocol for an overwrite: it writes the NOT-currently-selected
// copy (the live reader keeps seeing the old, still-intact selected copy
// throughout) and returns the slot with its selector flipped to that copy.
// The caller stores the returned slot and then calls syncBackupCopy to
// overwrite the now-stale copy with the same new value (bringing both
// copies back in sync so the next overwrite has a clean backup again).
func (db *Database) updateBlockPair(pairOff uint64, cur hashSlot, key, value []byte, ownerPage uint64) (hashSlot, error) {
	aOff := pairOff
	bOff := pairOff + db.blockByteSize

	writeOff, writeFlavor, selectAfter := bOff, flavorBLive, selectorB
	if cur.Selector == selectorB {
		writeOff, writeFlavor, selectAfter = aOff, flavorALive, selectorA
	}

	buf := db.fm.data[writeOff : writeOff+db.blockByteSize]
	encodeBlock(buf, writeFlavor, key, uint32(len(value)), value, ownerPage, db.hdr.MaxKeyLen, db.hdr.MaxValueLen)

	next := cur
	next.Selector = selectAfter

	return next, nil
}

// syncBackupCopy brings the now-stale copy back in sync with the freshly
// selected one, the second half of updateBlockPair's protocol. Called
// only after the slot's selector has been flipped, so a crash
// between the two writes leaves the selected copy (already written and
// already selected) fully valid; the stale copy either still holds the
// old value (also fine: it is not selected) or the new one.
func (db *Database) syncBackupCopy(pairOff uint64, selected hashSlot, key, value []byte, ownerPage uint64) {
	aOff := pairOff
	bOff := pairOff + db.blockByteSize

	backupOff, backupFlavor := aOff, flavorALive
	if selected.Selector == selectorA {
		backupOff, backupFlavor = bOff, flavorBLive
	}

	buf := db.fm.data[backupOff : backupOff+db.blockByteSize]
	encodeBlock(buf, backupFlavor, key, uint32(len(value)), value, ownerPage, db.hdr.MaxKeyLen, db.hdr.MaxValueLen)
}

// tombstonePair rewrites both copies of a pair as tombstones and negates
// both offsets in the slot, per spec.md §4.3's delete protocol: write the
// non-selected copy's tombstone first, flip selector, write the other
// copy's tombstone, then store both offsets negated so the slot reads as
// "present but dead" rather than "never used" (distinguishing a deleted
// slot from an empty one matters for locate()'s early-stop and for
// insert's slot-reuse scan).
func (db *Database) tombstonePair(pairOff uint64, cur hashSlot, key []byte, ownerPage uint64) hashSlot {
	aOff := pairOff
	bOff := pairOff + db.blockByteSize

	writeOff, writeFlavor, selectAfter := bOff, flavorBTomb, selectorB
	if cur.Selector == selectorB {
		writeOff, writeFlavor, selectAfter = aOff, flavorATomb, selectorA
	}

	buf := db.fm.data[writeOff : writeOff+db.blockByteSize]
	encodeBlock(buf, writeFlavor, key, 0, nil, ownerPage, db.hdr.MaxKeyLen, db.hdr.MaxValueLen)

	otherOff, otherFlavor := aOff, flavorATomb
	if selectAfter == selectorA {
		otherOff, otherFlavor = bOff, flavorBTomb
	}

	otherBuf := db.fm.data[otherOff : otherOff+db.blockByteSize]
	encodeBlock(otherBuf, otherFlavor, key, 0, nil, ownerPage, db.hdr.MaxKeyLen, db.hdr.MaxValueLen)

	return hashSlot{
		OffsetA:  -int64(aOff),
		OffsetB:  -int64(bOff),
		Selector: selectAfter,
	}
}

// writeKV performs the file-level write (insert or overwrite) of key ->
// value; cached-mode writes never reach this path (see Write in ops.go).
// The caller must hold the rwlock for write.
func (db *Database) writeKV(key, value []byte) error {
	loc, err := db.locate(key)
	if err != nil {
		return err
	}

	switch {
	case loc.found:
		// Overwrite: loc.blockOff is the selected block's offset of the
		// existing pair (locate resolves through selectedOffset, which can
		// be either A or B); derive the pair's A-offset from it.
		pairOff := loc.blockOff
		if loc.slot.Selector == selectorB {
			pairOff -= db.blockByteSize
		}

		next, err := db.updateBlockPair(pairOff, loc.slot, key, value, db.pageIndexOf(loc.pageOff))
		if err != nil {
			return err
		}

		db.writeSlot(loc.pageOff, loc.slotIdx, next)
		db.recomputePageCRC(loc.pageOff)

		db.syncBackupCopy(pairOff, next, key, value, db.pageIndexOf(loc.pageOff))

		return nil

	case loc.slot.OffsetA < 0 && loc.slot.OffsetB < 0:
		// Reuse a tombstoned slot's existing block pair.
		pairOff := uint64(-loc.slot.OffsetA)

		reused := hashSlot{OffsetA: int64(pairOff), OffsetB: int64(pairOff + db.blockByteSize), Selector: selectorB}

		next, err := db.updateBlockPair(pairOff, reused, key, value, db.pageIndexOf(loc.pageOff))
		if err != nil {
			return err
		}

		db.writeSlot(loc.pageOff, loc.slotIdx, next)
		db.recomputePageCRC(loc.pageOff)

		db.syncBackupCopy(pairOff, next, key, value, db.pageIndexOf(loc.pageOff))

		return nil

	case loc.slot.OffsetA == 0 && loc.slot.OffsetB == 0:
		return db.insertIntoEmptySlot(loc, key, value)

	default:
		return db.insertViaChain(loc, key, value)
	}
}

// insertIntoEmptySlot handles the common case: the walk stopped at an
// all-zero slot in some page, meaning key is not present anywhere in the
// chain and this slot is free.
func (db *Database) insertIntoEmptySlot(loc locateResult, key, value []byte) error {
	pairOff, err := db.writeBlockPair(key, value, db.pageIndexOf(loc.pageOff))
	if err != nil {
		return err
	}

	db.writeSlot(loc.pageOff, loc.slotIdx, hashSlot{OffsetA: int64(pairOff), OffsetB: int64(pairOff + db.blockByteSize), Selector: selectorA})
	db.recomputePageCRC(loc.pageOff)

	return nil
}

// insertViaChain handles the case where locate() stopped because the
// chain ran out (last page's slot was occupied by a different key and
// there was no next page): allocate a new page and insert there.
func (db *Database) insertViaChain(loc locateResult, key, value []byte) error {
	newPageOff, err := db.allocatePage()
	if err != nil {
		return err
	}

	db.setNextPageOffset(loc.pageOff, newPageOff)

	return db.insertIntoEmptySlot(locateResult{pageOff: newPageOff, slotIdx: loc.slotIdx}, key, value)
}

// deleteKV tombstones key's block pair and negates its slot offsets. The
// caller must hold the rwlock for write and must have already confirmed
// (via locate) that the key exists.
func (db *Database) deleteKV(key []byte) error {
	loc, err := db.locate(key)
	if err != nil {
		return err
	}

	if !loc.found {
		return ErrNotFound
	}

	pairOff := loc.blockOff
	if loc.slot.Selector == selectorB {
		pairOff -= db.blockByteSize
	}

	next := db.tombstonePair(pairOff, loc.slot, key, db.pageIndexOf(loc.pageOff))
	db.writeSlot(loc.pageOff, loc.slotIdx, next)
	db.recomputePageCRC(loc.pageOff)

	return nil
}

// readKV reads key's live value from the file, self-healing from the
// backup copy when the selected copy fails CRC (spec.md §4.1's
// crash-consistency note: a reader must never observe a torn write, and
// the untouched backup copy from before the crash is still valid).
func (db *Database) readKV(key []byte) ([]byte, error) {
	loc, err := db.locate(key)
	if err != nil {
		return nil, err
	}

	if !loc.found {
		return nil, ErrNotFound
	}

	if b, ok := db.readBlockAt(loc.blockOff); ok {
		out := make([]byte, b.ValueLen)
		copy(out, b.Value[:b.ValueLen])

		return out, nil
	}

	backupOff := backupOffset(loc.slot)

	b, ok := db.readBlockAt(backupOff)
	if !ok {
		return nil, fmt.Errorf("%w: both copies of block at %d failed CRC", ErrCorruptDbFile, loc.blockOff)
	}

	out := make([]byte, b.ValueLen)
	copy(out, b.Value[:b.ValueLen])

	return out, nil
}
