package kvengine

import (
	"encoding/binary"
	"fmt"

	"github.com/genivi/pcokv/pkg/shmsync"
)

// dirtyCache is the write-back dirty-write cache from spec.md §4.4: a
// fixed-capacity, shared-memory, open-addressing table mapping key ->
// {Write, bytes} or {Delete}. It absorbs writes/deletes for a cached-mode
// handle; the file is only touched when the last handle closes (see
// flush in close.go).
//
// This is not pkg/slotcache adapted in place: as retrieved, that package
// carries several mutually incompatible historical copies of its own API
// flattened into one directory (see DESIGN.md). Rather than guess which
// subset is the canonical one, this type reproduces the same *idiom* the
// teacher uses throughout pkg/slotcache — a fixed-size mmap'd region,
// open addressing, a small binary header, direct byte-slice slot access —
// written directly against this package's own djb2 hash and CRC-free slot
// format (the cache does not need CRC protection: it is not crash-durable
// by design, per spec.md §9's cache-saturation note, and is wholly
// rebuilt from nothing on the next first-opener if lost).
type dirtyCache struct {
	seg *shmsync.Segment

	capacity  uint64
	keySize   uint64
	valueSize uint64
	slotSize  uint64
}

const (
	cacheMagic = "PCOKVC1\x00"

	cacheHdrOffMagic    = 0
	cacheHdrOffCapacity = 8
	cacheHdrOffKeySize  = 16
	cacheHdrOffValSize  = 24
	cacheHeaderSize     = 64
)

const (
	cacheStateEmpty uint64 = iota
	cacheStateWrite
	cacheStateDelete
)

func cacheSlotSize(keySize, valueSize uint64) uint64 {
	return 8 + keySize + 8 + valueSize // state + key + valueLen + value
}

func openDirtyCache(path string, cb *shmsync.ControlBlock, keySize, valueSize, requestedBytes uint64, _ bool) (*dirtyCache, error) {
	slotSize := cacheSlotSize(keySize, valueSize)

	var total uint64

	created := cb.CacheCreated()
	if created {
		total = cb.CacheTotalBytes()
	} else {
		var capacity uint64
		if requestedBytes > cacheHeaderSize {
			capacity = (requestedBytes - cacheHeaderSize) / slotSize
		}

		if capacity == 0 {
			capacity = 1
		}

		total = cacheHeaderSize + capacity*slotSize
	}

	seg, err := shmsync.OpenSegment(path, total)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenShm, err)
	}

	c := &dirtyCache{seg: seg, keySize: keySize, valueSize: valueSize, slotSize: slotSize}

	if !created {
		c.capacity = (total - cacheHeaderSize) / slotSize
		c.writeHeader()

		cb.SetCacheTotalBytes(total)
		cb.SetCacheCreated(true)
	} else {
		if err := c.readHeader(); err != nil {
			_ = seg.Close()

			return nil, err
		}
	}

	return c, nil
}

func (c *dirtyCache) writeHeader() {
	b := c.seg.Bytes()
	copy(b[cacheHdrOffMagic:], cacheMagic)
	binary.LittleEndian.PutUint64(b[cacheHdrOffCapacity:], c.capacity)
	binary.LittleEndian.PutUint64(b[cacheHdrOffKeySize:], c.keySize)
	binary.LittleEndian.PutUint64(b[cacheHdrOffValSize:], c.valueSize)
}

func (c *dirtyCache) readHeader() error {
	b := c.seg.Bytes()
	if string(b[cacheHdrOffMagic:cacheHdrOffMagic+8]) != cacheMagic {
		return fmt.Errorf("%w: dirty cache header magic mismatch", ErrCorruptDbFile)
	}

	c.capacity = binary.LittleEndian.Uint64(b[cacheHdrOffCapacity:])

	return nil
}

func (c *dirtyCache) close() error {
	return c.seg.Close()
}

func (c *dirtyCache) slotBytes(i uint64) []byte {
	off := cacheHeaderSize + i*c.slotSize

	return c.seg.Bytes()[off : off+c.slotSize]
}

func (c *dirtyCache) slotState(s []byte) uint64  { return binary.LittleEndian.Uint64(s[0:]) }
func (c *dirtyCache) slotKey(s []byte) []byte    { return s[8 : 8+c.keySize] }
func (c *dirtyCache) slotValLen(s []byte) uint64 { return binary.LittleEndian.Uint64(s[8+c.keySize:]) }
func (c *dirtyCache) slotVal(s []byte) []byte {
	start := 8 + c.keySize + 8

	return s[start : start+c.valueSize]
}

// probe returns the index of key's slot if present (state != empty and key
// matches), or the index of the first empty slot encountered along the
// open-addressing probe sequence, plus whether key was found.
func (c *dirtyCache) probe(key []byte) (idx uint64, found bool) {
	start := djb2Hash(key) % c.capacity

	firstEmpty := uint64(1<<63) - 1 // sentinel: "none seen yet"
	haveEmpty := false

	for i := uint64(0); i < c.capacity; i++ {
		idx := (start + i) % c.capacity
		s := c.slotBytes(idx)
		state := c.slotState(s)

		switch state {
		case cacheStateEmpty:
			if !haveEmpty {
				firstEmpty = idx
				haveEmpty = true
			}
			// Empty slot terminates the probe sequence for a *miss*: the
			// key, if present, would have been inserted no later than
			// here (open addressing never leaves a hole before an
			// existing entry's ideal probe chain).
			return firstEmptyOr(firstEmpty, idx, haveEmpty), false
		default:
			if bytesEqualKey(trimKey(c.slotKey(s)), key) {
				return idx, true
			}
		}
	}

	return firstEmptyOr(firstEmpty, 0, haveEmpty), false
}

func firstEmptyOr(firstEmpty, fallback uint64, have bool) uint64 {
	if have {
		return firstEmpty
	}

	return fallback
}

// put upserts key with a Write-tagged entry. Returns ErrFull if the table
// has no room for a new key (spec.md §4.4: "the caller must treat this as
// hard failure, not fall-through to the file").
func (c *dirtyCache) put(key, value []byte) error {
	idx, found := c.probe(key)
	if !found && c.full() {
		return ErrFull
	}

	s := c.slotBytes(idx)
	binary.LittleEndian.PutUint64(s[0:], cacheStateWrite)
	clear(c.slotKey(s))
	copy(c.slotKey(s), key)
	binary.LittleEndian.PutUint64(s[8+c.keySize:], uint64(len(value)))
	clear(c.slotVal(s))
	copy(c.slotVal(s), value)

	return nil
}

// delete inserts a Delete tombstone for key (spec.md §4.4: "subsequent
// reads MUST return NotFound for that key without consulting the file").
func (c *dirtyCache) delete(key []byte) error {
	idx, found := c.probe(key)
	if !found && c.full() {
		return ErrFull
	}

	s := c.slotBytes(idx)
	binary.LittleEndian.PutUint64(s[0:], cacheStateDelete)
	clear(c.slotKey(s))
	copy(c.slotKey(s), key)
	binary.LittleEndian.PutUint64(s[8+c.keySize:], 0)

	return nil
}

// cacheLookup is the outcome of a cache Get: missing, a live write, or a
// tombstone.
type cacheLookup struct {
	state uint64
	value []byte
}

func (c *dirtyCache) get(key []byte) (cacheLookup, bool) {
	idx, found := c.probe(key)
	if !found {
		return cacheLookup{}, false
	}

	s := c.slotBytes(idx)
	state := c.slotState(s)

	if state == cacheStateDelete {
		return cacheLookup{state: cacheStateDelete}, true
	}

	n := c.slotValLen(s)
	val := make([]byte, n)
	copy(val, c.slotVal(s)[:n])

	return cacheLookup{state: cacheStateWrite, value: val}, true
}

// full conservatively reports the table as full once every slot is
// occupied; open addressing with no deletion-compaction means a table at
// capacity has no empty slot to terminate future probes into, so inserts
// of genuinely new keys must stop here.
func (c *dirtyCache) full() bool {
	for i := uint64(0); i < c.capacity; i++ {
		if c.slotState(c.slotBytes(i)) == cacheStateEmpty {
			return false
		}
	}

	return true
}

// cacheEntry is one live (non-empty) slot, surfaced by iterate for flush
// (close.go) and for list_keys (ops.go).
type cacheEntry struct {
	key   []byte
	state uint64
	value []byte
}

func (c *dirtyCache) iterate(fn func(cacheEntry) error) error {
	for i := uint64(0); i < c.capacity; i++ {
		s := c.slotBytes(i)

		state := c.slotState(s)
		if state == cacheStateEmpty {
			continue
		}

		key := make([]byte, c.keySize)
		copy(key, c.slotKey(s))

		e := cacheEntry{key: key, state: state}

		if state == cacheStateWrite {
			n := c.slotValLen(s)
			e.value = make([]byte, n)
			copy(e.value, c.slotVal(s)[:n])
		}

		if err := fn(e); err != nil {
			return err
		}
	}

	return nil
}
