package kvengine

import (
	"encoding/binary"
	"hash/crc32"
)

// On-disk layout. All multi-byte integers are little-endian; the format is
// not portable to big-endian hosts (see spec Non-goals).
//
// file := header page, then a chain of hash-table pages, each followed at
// some later point in the file by the data-block pairs its slots point to.
// New hash-table pages and new data-block pairs are both appended at EOF,
// which is what makes a forward-link chain discoverable by a blind scan.

// pageSize is the system page size the reference layout is built around.
// kvengine does not query the actual OS page size; 4096 matches the
// reference layout in spec.md §6 (three 4-KiB pages for N=510).
const pageSize = 4096

// crcTable is fixed at build time to CRC-32C (Castagnoli), resolving
// spec.md §9 Open Question 1. A file written with a different polynomial
// is indistinguishable from a corrupt one: it fails the same CRC checks.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// --- Header (one page) ---

const (
	headerMagic        = "KdB"
	headerVersionMajor = 1
	headerVersionMinor = 0
)

const (
	offMagicVersion  = 0x00 // 8 bytes: "KdB" + major + '.' + minor + 2 pad
	offChecksumRsvd  = 0x08 // 8 bytes: reserved, unused by this spec
	offCloseFailed   = 0x10 // 8 bytes: 1 = unsafe, 0 = safe
	offCloseOK       = 0x18 // 8 bytes: 1 = safe, 0 = unsafe
	offSlotCount     = 0x20 // 8 bytes: N, hash-table slots per page
	offMaxKeyLen     = 0x28 // 8 bytes
	offMaxValueLen   = 0x30 // 8 bytes
	offUserFlags     = 0x38 // 8 bytes: caller-owned (supplemented feature)
	offUserData      = 0x40 // 64 bytes: caller-owned (supplemented feature)
	headerUsedBytes  = 0x80 // everything past this is zero-padding
	firstPageOffset  = pageSize
)

type fileHeader struct {
	MajorVersion uint8
	MinorVersion uint8
	CloseFailed  bool
	CloseOK      bool
	SlotCount    uint64
	MaxKeyLen    uint64
	MaxValueLen  uint64
	UserFlags    uint64
	UserData     [64]byte
}

func encodeHeader(h *fileHeader) []byte {
	buf := make([]byte, pageSize)

	buf[0], buf[1], buf[2] = 'K', 'd', 'B'
	buf[3] = '0' + h.MajorVersion
	buf[4] = '.'
	buf[5] = '0' + h.MinorVersion
	// buf[6], buf[7] stay zero padding.

	binary.LittleEndian.PutUint64(buf[offCloseFailed:], boolToFlag(h.CloseFailed))
	binary.LittleEndian.PutUint64(buf[offCloseOK:], boolToFlag(h.CloseOK))
	binary.LittleEndian.PutUint64(buf[offSlotCount:], h.SlotCount)
	binary.LittleEndian.PutUint64(buf[offMaxKeyLen:], h.MaxKeyLen)
	binary.LittleEndian.PutUint64(buf[offMaxValueLen:], h.MaxValueLen)
	binary.LittleEndian.PutUint64(buf[offUserFlags:], h.UserFlags)
	copy(buf[offUserData:offUserData+64], h.UserData[:])

	return buf
}

func decodeHeader(buf []byte) (fileHeader, error) {
	var h fileHeader

	if len(buf) < pageSize {
		return h, ErrCorruptDbFile
	}

	if buf[0] != 'K' || buf[1] != 'd' || buf[2] != 'B' || buf[4] != '.' {
		return h, ErrCorruptDbFile
	}

	h.MajorVersion = buf[3] - '0'
	h.MinorVersion = buf[5] - '0'
	h.CloseFailed = flagToBool(binary.LittleEndian.Uint64(buf[offCloseFailed:]))
	h.CloseOK = flagToBool(binary.LittleEndian.Uint64(buf[offCloseOK:]))
	h.SlotCount = binary.LittleEndian.Uint64(buf[offSlotCount:])
	h.MaxKeyLen = binary.LittleEndian.Uint64(buf[offMaxKeyLen:])
	h.MaxValueLen = binary.LittleEndian.Uint64(buf[offMaxValueLen:])
	h.UserFlags = binary.LittleEndian.Uint64(buf[offUserFlags:])
	copy(h.UserData[:], buf[offUserData:offUserData+64])

	return h, nil
}

func putU64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
func getU64(b []byte) uint64    { return binary.LittleEndian.Uint64(b) }

func boolToFlag(b bool) uint64 {
	if b {
		return 1
	}

	return 0
}

func flagToBool(v uint64) bool {
	return v != 0
}

// --- Hash-table page ---

const (
	hashPageStartDelim uint64 = 0x0000000033333333
	hashPageEndDelim    uint64 = 0x00000000CCCCCCCC

	pageHdrSize = 16 // start delim (8) + crc32-in-8 (8)
	pageTrlSize = 8  // end delim (8)
	slotSize    = 24 // offsetA int64 (8) + offsetB int64 (8) + selector uint64 (8)
)

// hashPageByteSize returns the total on-disk size of a hash-table page
// holding n+1 slots (the +1th slot is the reserved forward link), rounded
// up to a multiple of pageSize.
func hashPageByteSize(n uint64) uint64 {
	raw := uint64(pageHdrSize) + (n+1)*uint64(slotSize) + uint64(pageTrlSize)

	return roundUpPage(raw)
}

func roundUpPage(n uint64) uint64 {
	if n%pageSize == 0 {
		return n
	}

	return (n/pageSize + 1) * pageSize
}

// hashSlot mirrors spec.md §3's hash-table slot.
type hashSlot struct {
	OffsetA  int64
	OffsetB  int64
	Selector uint64
}

const (
	selectorA uint64 = 0
	selectorB uint64 = 1
)

func encodeSlot(buf []byte, s hashSlot) {
	binary.LittleEndian.PutUint64(buf[0:], uint64(s.OffsetA))
	binary.LittleEndian.PutUint64(buf[8:], uint64(s.OffsetB))
	binary.LittleEndian.PutUint64(buf[16:], s.Selector)
}

func decodeSlot(buf []byte) hashSlot {
	return hashSlot{
		OffsetA:  int64(binary.LittleEndian.Uint64(buf[0:])),
		OffsetB:  int64(binary.LittleEndian.Uint64(buf[8:])),
		Selector: binary.LittleEndian.Uint64(buf[16:]),
	}
}

// computeHashPageCRC computes the CRC-32 over the N+1 slot array only, as
// spec.md §4.3 requires ("a separate CRC-32 over its slot array only").
func computeHashPageCRC(slotBytes []byte) uint32 {
	return crc32.Checksum(slotBytes, crcTable)
}

// --- Data block ---

// Eight distinct delimiter constants, one (start,end) pair per flavor, none
// a prefix of another in the 4-byte window (spec.md §4.3/§6).
const (
	delimALiveStart uint64 = 0x000000002AAAAAAA
	delimALiveEnd   uint64 = 0x0000000055555555
	delimBLiveStart uint64 = 0x00000000E38E38E3
	delimBLiveEnd   uint64 = 0x00000000AAAAAAA8
	delimATombStart uint64 = 0x00000000AAAAAAAA
	delimATombEnd   uint64 = 0x00000000D5555555
	delimBTombStart uint64 = 0x000000007E07E07E
	delimBTombEnd   uint64 = 0x0000000081F81F81
)

type blockFlavor int

const (
	flavorUnknown blockFlavor = iota
	flavorALive
	flavorBLive
	flavorATomb
	flavorBTomb
)

func flavorFromStart(v uint64) blockFlavor {
	switch v {
	case delimALiveStart:
		return flavorALive
	case delimBLiveStart:
		return flavorBLive
	case delimATombStart:
		return flavorATomb
	case delimBTombStart:
		return flavorBTomb
	default:
		return flavorUnknown
	}
}

func (f blockFlavor) delimiters() (start, end uint64) {
	switch f {
	case flavorALive:
		return delimALiveStart, delimALiveEnd
	case flavorBLive:
		return delimBLiveStart, delimBLiveEnd
	case flavorATomb:
		return delimATombStart, delimATombEnd
	case flavorBTomb:
		return delimBTombStart, delimBTombEnd
	default:
		return 0, 0
	}
}

func (f blockFlavor) isLive() bool {
	return f == flavorALive || f == flavorBLive
}

func (f blockFlavor) isA() bool {
	return f == flavorALive || f == flavorATomb
}

// blockFixedOverhead is the portion of a data block not occupied by the
// (fixed-size) key and value buffers: start delim, crc, 32-bit
// value-length field, owning-page index, end delim (spec.md §6).
const blockFixedOverhead = 8 + 8 + 4 + 8 + 8

func blockByteSize(maxKeyLen, maxValueLen uint64) uint64 {
	return blockFixedOverhead + maxKeyLen + maxValueLen
}

// dataBlock is the decoded, in-memory form of one physical block.
type dataBlock struct {
	Flavor    blockFlavor
	CRC       uint32
	Key       []byte // fixed-width, zero-padded
	ValueLen  uint32
	Value     []byte // fixed-width, zero-padded
	OwnerPage uint64
}

func blockOffsets(maxKeyLen, maxValueLen uint64) (keyOff, valueLenOff, valueOff, ownerOff, endOff uint64) {
	keyOff = 16
	valueLenOff = keyOff + maxKeyLen
	valueOff = valueLenOff + 4
	ownerOff = valueOff + maxValueLen
	endOff = ownerOff + 8

	return
}

// encodeBlock serializes a block into buf (which must be exactly
// blockByteSize(maxKeyLen, maxValueLen) bytes) and returns the CRC it wrote.
func encodeBlock(buf []byte, flavor blockFlavor, key []byte, valueLen uint32, value []byte, ownerPage uint64, maxKeyLen, maxValueLen uint64) uint32 {
	start, end := flavor.delimiters()
	keyOff, valueLenOff, valueOff, ownerOff, endOff := blockOffsets(maxKeyLen, maxValueLen)

	binary.LittleEndian.PutUint64(buf[0:], start)

	clear(buf[keyOff : keyOff+maxKeyLen])
	copy(buf[keyOff:], key)

	binary.LittleEndian.PutUint32(buf[valueLenOff:], valueLen)

	clear(buf[valueOff : valueOff+maxValueLen])
	copy(buf[valueOff:], value)

	binary.LittleEndian.PutUint64(buf[ownerOff:], ownerPage)
	binary.LittleEndian.PutUint64(buf[endOff:], end)

	crc := computeBlockCRC(buf[keyOff:keyOff+maxKeyLen], valueLen, buf[valueOff:valueOff+maxValueLen], ownerPage)
	binary.LittleEndian.PutUint64(buf[8:], uint64(crc))

	return crc
}

// decodeBlock parses a raw block buffer. It does not validate CRC; callers
// that care about integrity call verifyBlockCRC separately.
func decodeBlock(buf []byte, maxKeyLen, maxValueLen uint64) dataBlock {
	startV := binary.LittleEndian.Uint64(buf[0:])
	crc := uint32(binary.LittleEndian.Uint64(buf[8:]))
	keyOff, valueLenOff, valueOff, ownerOff, _ := blockOffsets(maxKeyLen, maxValueLen)

	return dataBlock{
		Flavor:    flavorFromStart(startV),
		CRC:       crc,
		Key:       buf[keyOff : keyOff+maxKeyLen],
		ValueLen:  binary.LittleEndian.Uint32(buf[valueLenOff:]),
		Value:     buf[valueOff : valueOff+maxValueLen],
		OwnerPage: binary.LittleEndian.Uint64(buf[ownerOff:]),
	}
}

// verifyBlockCRC checks delimiters and the stored CRC against a freshly
// computed one. A torn write (crash mid-write) almost always fails this,
// which is exactly the property recovery relies on.
func verifyBlockCRC(buf []byte, maxKeyLen, maxValueLen uint64) (dataBlock, bool) {
	b := decodeBlock(buf, maxKeyLen, maxValueLen)
	if b.Flavor == flavorUnknown {
		return b, false
	}

	start, end := b.Flavor.delimiters()
	startOff := uint64(0)
	_, _, _, _, endOff := blockOffsets(maxKeyLen, maxValueLen)

	if binary.LittleEndian.Uint64(buf[startOff:]) != start {
		return b, false
	}

	if binary.LittleEndian.Uint64(buf[endOff:]) != end {
		return b, false
	}

	if b.ValueLen > uint32(maxValueLen) {
		return b, false
	}

	want := computeBlockCRC(b.Key, b.ValueLen, b.Value, b.OwnerPage)

	return b, want == b.CRC
}

func computeBlockCRC(key []byte, valueLen uint32, value []byte, ownerPage uint64) uint32 {
	crc := crc32.New(crcTable)
	_, _ = crc.Write(key)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], valueLen)
	_, _ = crc.Write(lenBuf[:])

	_, _ = crc.Write(value)

	var ownerBuf [8]byte
	binary.LittleEndian.PutUint64(ownerBuf[:], ownerPage)
	_, _ = crc.Write(ownerBuf[:])

	return crc.Sum32()
}

// scanStepSize is the stride used by recovery's blind linear scan: the
// greatest common divisor of page size and block size, so any
// page-or-block aligned structure is discoverable (spec.md §4.6 step 1).
func scanStepSize(blockSize uint64) uint64 {
	return gcd(pageSize, blockSize)
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}

	if a == 0 {
		return 1
	}

	return a
}
