package kvengine

import "fmt"

// recover implements spec.md §4.6's three-step recovery procedure. Only
// the first opener after an unclean close (header CloseFailed set, or
// CloseOK clear) runs this, under the named semaphore, before anything
// else touches the file.
func (db *Database) recover() error {
	if ok := db.verifyAllPagesCRC(); ok {
		return db.recoverDataBlocks()
	}

	if err := db.rebuildHashTable(); err != nil {
		return err
	}

	return db.recoverDataBlocks()
}

// verifyAllPagesCRC is recovery step 1: walk the page chain and confirm
// every page's slot-array CRC matches. Because allocatePage/writeFreshPage/
// recomputePageCRC keep the CRC current on every mutation, an orderly
// writer crash can only ever leave the LAST-touched page with a stale
// CRC (a torn page write); any earlier page is exactly as the last
// successful recomputePageCRC left it.
func (db *Database) verifyAllPagesCRC() bool {
	pageOff := db.firstPageOffset

	for {
		if pageOff+db.pageByteSize > uint64(db.fm.size()) {
			return false
		}

		if !db.verifyPageCRC(pageOff) {
			return false
		}

		next := db.nextPageOffset(pageOff)
		if next == 0 {
			return true
		}

		pageOff = next
	}
}

// rebuildHashTable is recovery step 2: when any page's CRC fails,
// the hash table cannot be trusted at all (a single torn page could be
// the middle of the chain if page allocation and chain-linking ever
// raced, which this engine does not allow, but recovery does not rely on
// that invariant holding under an arbitrary crash). Pages are not laid
// out at a fixed stride in the file — allocatePage and writeBlockPair
// both append at EOF, so a page's byte range can be followed immediately
// by a data-block pair rather than the next page — so their true
// locations are rediscovered with scanForPageLocations instead of being
// assumed. Every located page is reinitialized from scratch and relinked
// into a chain in file-offset order (the same order they were originally
// allocated in), then data blocks are recovered by a blind linear scan
// for delimiters, using each live block's OwnerPage field (spec.md §4.3:
// every block also stores which page's slot it belongs to) to route
// recovered entries back to the correct rebuilt page.
func (db *Database) rebuildHashTable() error {
	locs := db.scanForPageLocations()
	if len(locs) == 0 {
		return fmt.Errorf("%w: no hash-table pages found during rebuild", ErrCorruptDbFile)
	}

	for i, pageOff := range locs {
		db.writeFreshPage(pageOff)
		putU64(db.fm.data[pageOff+8:], packPageMeta(uint32(i), computeHashPageCRC(db.pageSlotsBytes(pageOff))))
	}

	for i := 0; i < len(locs)-1; i++ {
		db.setNextPageOffset(locs[i], locs[i+1])
	}

	pageCount := uint64(len(locs))
	db.cb.SetHashPageCount(pageCount)

	if err := db.htMirror.GrowTo(pageCount * db.pageByteSize); err != nil {
		return fmt.Errorf("%w: %v", ErrResizeShm, err)
	}

	return db.scanAndRelinkBlocks()
}

// scanForPageLocations finds every hash-table page's true byte offset by
// a blind scan: step by scanStepSize (gcd of page size and block size,
// per spec.md §4.6, so the scan cannot straddle past an aligned
// structure boundary) and accept a location only once both its start and
// end delimiter check out at the expected page size — a plain start-delim
// match is not enough, since page and block regions are interleaved and
// only a delimiter pair at the right distance apart confirms a real page
// rather than a coincidental byte pattern. A confirmed page's entire
// byte range is then skipped rather than stepped through.
func (db *Database) scanForPageLocations() []uint64 {
	step := scanStepSize(db.blockByteSize)
	end := uint64(db.fm.size())

	var locs []uint64

	for off := db.firstPageOffset; off+db.pageByteSize <= end; {
		trailerOff := off + db.pageByteSize - pageTrlSize

		if getU64(db.fm.data[off:]) == hashPageStartDelim && getU64(db.fm.data[trailerOff:]) == hashPageEndDelim {
			locs = append(locs, off)
			off += db.pageByteSize

			continue
		}

		off += step
	}

	return locs
}

// scanAndRelinkBlocks walks the whole post-header region of the file
// looking for block-sized regions whose leading 8 bytes match one of the
// four start delimiters; on a match it CRC-verifies the block and, if
// live, re-inserts its (key -> offset) mapping into the slot the block's
// OwnerPage/key hash say it belongs to. The just-rebuilt hash-table pages
// are safely stepped over in the process: their bytes carry page
// delimiters, which flavorFromStart does not recognize as any block
// flavor.
func (db *Database) scanAndRelinkBlocks() error {
	step := scanStepSize(db.blockByteSize)
	end := uint64(db.fm.size())

	for off := db.firstPageOffset; off+db.blockByteSize <= end; off += step {
		startV := getU64(db.fm.data[off:])

		flavor := flavorFromStart(startV)
		if flavor == flavorUnknown || !flavor.isA() {
			// Only re-anchor on an A-start so each live pair is processed
			// once, from its lower-addressed half.
			continue
		}

		b, ok := db.readBlockAt(off)
		if !ok || !b.Flavor.isLive() {
			continue
		}

		if err := db.relinkRecoveredBlock(off, b); err != nil {
			return err
		}
	}

	return nil
}

// relinkRecoveredBlock re-establishes the hash-table slot pointing at a
// data block pair recovered during rebuild, per spec.md §4.6 step 2.
func (db *Database) relinkRecoveredBlock(aOff uint64, b dataBlock) error {
	if b.OwnerPage >= db.cb.HashPageCount() {
		return nil // stale owner reference from a page that no longer exists; drop it
	}

	// Pages are not at a fixed stride; follow the just-relinked chain,
	// which is in allocation order, to the OwnerPage-th page.
	pageOff := db.firstPageOffset
	for p := uint64(0); p < b.OwnerPage; p++ {
		pageOff = db.nextPageOffset(pageOff)
		if pageOff == 0 {
			return nil
		}
	}

	idx := djb2Hash(b.Key[:keyLenOf(b.Key)]) % db.hdr.SlotCount

	slot := hashSlot{
		OffsetA:  int64(aOff),
		OffsetB:  int64(aOff + db.blockByteSize),
		Selector: selectorA,
	}

	if b.Flavor == flavorBLive {
		slot.Selector = selectorB
	}

	db.writeSlot(pageOff, idx, slot)
	db.recomputePageCRC(pageOff)

	return nil
}

// keyLenOf trims a fixed-width, zero-padded key buffer back to its
// logical length. Keys never legitimately contain an embedded NUL
// (spec.md §3's key alphabet), so the first zero byte is the boundary.
func keyLenOf(fixed []byte) int {
	for i, c := range fixed {
		if c == 0 {
			return i
		}
	}

	return len(fixed)
}

// recoverDataBlocks is recovery step 3: for every occupied, non-tombstoned
// slot, verify its selected data block; if that fails CRC, fall back to
// the backup copy and flip the selector; if both fail, invalidate the
// slot (negate both offsets, as a delete does, so it neither matches a
// future lookup nor blocks reuse of that slot).
func (db *Database) recoverDataBlocks() error {
	pageCount := db.cb.HashPageCount()
	pageOff := db.firstPageOffset

	for p := uint64(0); p < pageCount; p++ {
		for idx := uint64(0); idx < db.hdr.SlotCount; idx++ {
			slot := db.readSlot(pageOff, idx)
			if slot.OffsetA == 0 && slot.OffsetB == 0 {
				continue
			}

			if slot.OffsetA < 0 && slot.OffsetB < 0 {
				continue // tombstoned: no live data block to verify
			}

			db.recoverSlot(pageOff, idx, slot)
		}

		next := db.nextPageOffset(pageOff)
		if next == 0 {
			break
		}

		pageOff = next
	}

	return nil
}

func (db *Database) recoverSlot(pageOff, idx uint64, slot hashSlot) {
	selOff := selectedOffset(slot)
	if _, ok := db.readBlockAt(selOff); ok {
		return
	}

	backOff := backupOffset(slot)

	if _, ok := db.readBlockAt(backOff); ok {
		flipped := slot
		if slot.Selector == selectorA {
			flipped.Selector = selectorB
		} else {
			flipped.Selector = selectorA
		}

		db.writeSlot(pageOff, idx, flipped)
		db.recomputePageCRC(pageOff)

		return
	}

	// Both copies are torn: invalidate by negating both offsets, the same
	// encoding a delete leaves. locate skips such a slot, and an insert
	// that lands on it reuses the pair.
	invalid := hashSlot{OffsetA: -slot.OffsetA, OffsetB: -slot.OffsetB, Selector: slot.Selector}
	db.writeSlot(pageOff, idx, invalid)
	db.recomputePageCRC(pageOff)
}
