package kvengine

import "fmt"

// djb2Hash is the hash spec.md §4.2 specifies for locating a key's slot.
func djb2Hash(key []byte) uint64 {
	var h uint64 = 5381

	for _, c := range key {
		h = ((h << 5) + h) + uint64(c) // h*33 + c
	}

	return h
}

func (db *Database) slotIndex(key []byte) uint64 {
	return djb2Hash(key) % db.hdr.SlotCount
}

// pageSlotsBytes returns the raw bytes of the N+1 slot array for the page
// at pageOff, for CRC computation or direct slot access.
func (db *Database) pageSlotsBytes(pageOff uint64) []byte {
	slotsLen := (db.hdr.SlotCount + 1) * slotSize
	start := pageOff + pageHdrSize

	return db.fm.data[start : start+slotsLen]
}

func (db *Database) readSlot(pageOff, idx uint64) hashSlot {
	b := db.pageSlotsBytes(pageOff)

	return decodeSlot(b[idx*slotSize : (idx+1)*slotSize])
}

func (db *Database) writeSlot(pageOff, idx uint64, s hashSlot) {
	b := db.pageSlotsBytes(pageOff)
	encodeSlot(b[idx*slotSize:(idx+1)*slotSize], s)
}

// The page header's second 8-byte field holds the slot-array CRC-32 in its
// low 32 bits. Its high 32 bits hold the page's sequential allocation
// index (0-based) — not part of spec.md's bit-exact layout, but carved
// from the same field rather than widening the header, the same way the
// supplemented UserHeader region is carved from the file header's
// zero-padding. Rebuild (§4.6 step 2) needs to know which mirror page a
// recovered data block belongs to, and pages are not allocated at a fixed
// stride (data blocks are interleaved between them), so the index cannot
// be derived from pageOff alone.

func packPageMeta(pageIndex uint32, crc uint32) uint64 {
	return uint64(pageIndex)<<32 | uint64(crc)
}

func unpackPageMeta(v uint64) (pageIndex uint32, crc uint32) {
	return uint32(v >> 32), uint32(v)
}

func (db *Database) pageIndexOf(pageOff uint64) uint64 {
	idx, _ := unpackPageMeta(getU64(db.fm.data[pageOff+8:]))

	return uint64(idx)
}

// recomputePageCRC recomputes and stores the page's CRC over its slot
// array, preserving the page's index. Called after every slot mutation so
// that an abnormal-shutdown recovery's step 1 (hash-table CRC
// verification) can trust an untouched-since-last-write page without a
// full rebuild scan.
func (db *Database) recomputePageCRC(pageOff uint64) {
	idx := db.pageIndexOf(pageOff)
	crc := computeHashPageCRC(db.pageSlotsBytes(pageOff))
	putU64(db.fm.data[pageOff+8:], packPageMeta(uint32(idx), crc))
}

func (db *Database) readPageCRCField(pageOff uint64) uint32 {
	_, crc := unpackPageMeta(getU64(db.fm.data[pageOff+8:]))

	return crc
}

func (db *Database) verifyPageCRC(pageOff uint64) bool {
	if getU64(db.fm.data[pageOff:]) != hashPageStartDelim {
		return false
	}

	trailerOff := pageOff + db.pageByteSize - pageTrlSize
	if getU64(db.fm.data[trailerOff:]) != hashPageEndDelim {
		return false
	}

	want := computeHashPageCRC(db.pageSlotsBytes(pageOff))

	return want == db.readPageCRCField(pageOff)
}

// nextPageOffset reads the reserved last slot's forward link.
func (db *Database) nextPageOffset(pageOff uint64) uint64 {
	s := db.readSlot(pageOff, db.hdr.SlotCount)

	return uint64(s.OffsetA)
}

func (db *Database) setNextPageOffset(pageOff, next uint64) {
	db.writeSlot(pageOff, db.hdr.SlotCount, hashSlot{OffsetA: int64(next)})
	db.recomputePageCRC(pageOff)
}

// writeFreshPage initializes a brand-new, all-empty hash-table page at
// pageOff (the caller has already grown the file to make room for it).
func (db *Database) writeFreshPage(pageOff uint64) {
	putU64(db.fm.data[pageOff:], hashPageStartDelim)

	trailerOff := pageOff + db.pageByteSize - pageTrlSize
	putU64(db.fm.data[trailerOff:], hashPageEndDelim)

	slots := db.pageSlotsBytes(pageOff)
	clear(slots)

	db.recomputePageCRC(pageOff)
}

// allocatePage grows the file by one hash-table page, initializes it, and
// returns its offset. The caller must already hold the rwlock in write
// mode.
func (db *Database) allocatePage() (uint64, error) {
	oldEnd := db.fm.size()

	if err := db.fm.grow(oldEnd + int64(db.pageByteSize)); err != nil {
		return 0, err
	}

	pageOff := uint64(oldEnd)
	db.writeFreshPage(pageOff)

	pageIndex := uint32(db.cb.HashPageCount())
	putU64(db.fm.data[pageOff+8:], packPageMeta(pageIndex, computeHashPageCRC(db.pageSlotsBytes(pageOff))))

	db.cb.SetMappedSize(uint64(db.fm.size()))
	db.cb.SetHashPageCount(db.cb.HashPageCount() + 1)

	if err := db.htMirror.GrowTo(db.cb.HashPageCount() * db.pageByteSize); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrResizeShm, err)
	}

	return pageOff, nil
}

// locateResult is what walking the hash-table chain for a key produces.
type locateResult struct {
	pageOff  uint64
	slotIdx  uint64
	slot     hashSlot
	found    bool // an occupied, non-tombstoned slot whose stored key matches
	blockOff uint64
}

// locate walks the page chain for key's hashed slot, per spec.md §4.2's
// lookup algorithm: an empty slot in a page means the key is absent from
// the whole chain (inserts always use the first page with room for a
// given hash index, so nothing later can hold it); a tombstoned
// (negative) selected offset or an occupied slot whose stored key
// mismatches both mean only "not here" and the walk continues to the
// next page. The first page/slot that matches, or the last page reached
// once the chain runs out, is returned.
func (db *Database) locate(key []byte) (locateResult, error) {
	idx := db.slotIndex(key)
	pageOff := db.firstPageOffset

	for {
		slot := db.readSlot(pageOff, idx)

		switch {
		case slot.OffsetA == 0 && slot.OffsetB == 0:
			// Empty in this page. Not present (unless a later page has it,
			// which cannot happen: inserts always use the first page with
			// room, and a key only ever lives in one page).
			return locateResult{pageOff: pageOff, slotIdx: idx, slot: slot}, nil

		case slot.OffsetA < 0 && slot.OffsetB < 0:
			// Tombstoned: not live in this page, but a negative offset
			// only rules out this page — a later page can still hold a
			// live collision for the same hash index, so the walk must
			// continue instead of stopping here.

		default:
			blockOff := selectedOffset(slot)

			k, ok, err := db.readBlockKeyIfLive(blockOff)
			if err != nil {
				return locateResult{}, err
			}

			if ok && bytesEqualKey(k, key) {
				return locateResult{pageOff: pageOff, slotIdx: idx, slot: slot, found: true, blockOff: blockOff}, nil
			}
		}

		next := db.nextPageOffset(pageOff)
		if next == 0 {
			return locateResult{pageOff: pageOff, slotIdx: idx, slot: db.readSlot(pageOff, idx)}, nil
		}

		pageOff = next
	}
}

func selectedOffset(s hashSlot) uint64 {
	if s.Selector == selectorB {
		return uint64(s.OffsetB)
	}

	return uint64(s.OffsetA)
}

func backupOffset(s hashSlot) uint64 {
	if s.Selector == selectorB {
		return uint64(s.OffsetA)
	}

	return uint64(s.OffsetB)
}

func bytesEqualKey(stored, key []byte) bool {
	if len(stored) != len(key) {
		return false
	}

	for i := range stored {
		if stored[i] != key[i] {
			return false
		}
	}

	return true
}
