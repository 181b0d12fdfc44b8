package kvengine

// Mode is the open-mode bitfield from spec.md §6's engine API table.
type Mode uint32

const (
	ModeCreate       Mode = 1 << 0
	ModeWriteThrough Mode = 1 << 1
	ModeReadOnly     Mode = 1 << 2
)

func (m Mode) has(flag Mode) bool { return m&flag != 0 }

// Options configures Open. It plays the same role Options plays for
// pkg/slotcache.Open in the teacher: a plain struct, no hidden defaults
// baked into package-level globals.
type Options struct {
	Path string

	Mode Mode

	// SlotCount is N, the hash-table slot count per page (spec.md §3).
	// Only meaningful (and required) when ModeCreate is set; on an
	// existing file the value is read back from the header.
	SlotCount uint64

	// MaxKeyLen/MaxValueLen bound key and value length in bytes. Only
	// meaningful when ModeCreate is set.
	MaxKeyLen   uint64
	MaxValueLen uint64

	// CacheCapacityBytes sizes the write-back dirty-cache shared-memory
	// region (spec.md §4.4). Zero selects DefaultCacheCapacityBytes.
	// Ignored when ModeWriteThrough is set.
	CacheCapacityBytes uint64

	// ShmDir overrides the directory used for the shared-memory-style
	// segments and the named semaphore (spec.md §6's "/" + sanitize(P)
	// naming is relative to this directory). Empty selects DefaultShmDir.
	ShmDir string
}

// DefaultCacheCapacityBytes is "a few megabytes per database", per
// spec.md §4.4.
const DefaultCacheCapacityBytes = 4 << 20

// DefaultShmDir is where the shared-memory-style segments and named
// semaphore live when Options.ShmDir is unset. /dev/shm is tmpfs-backed on
// Linux, the same property a real POSIX shm_open/sem_open namespace has.
const DefaultShmDir = "/dev/shm"

// Purpose tags a handle as addressing the general database or the
// Resource Configuration Table (spec.md §1, §4.7). The engine does not
// interpret RCT values; it persists the fixed-size byte block unchanged.
type Purpose int

const (
	PurposeDB Purpose = iota
	PurposeRCT
)
