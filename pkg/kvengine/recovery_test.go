package kvengine

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// openInternal opens a Database with test.Database internals visible, for
// tests that reach past the public API to corrupt bytes on disk directly
// (the same vantage point the teacher's internal _test.go files use for
// pkg/slotcache's crash-injection tests).
func openInternal(t *testing.T, path string) *Database {
	t.Helper()

	db, err := Open(Options{
		Path: path, Mode: ModeCreate | ModeWriteThrough,
		SlotCount: 4, MaxKeyLen: 16, MaxValueLen: 32, ShmDir: t.TempDir(),
	})
	require.NoError(t, err)

	return db
}

func Test_SelfHeal_ReadFallsBackToBackupOnPrimaryCRCFailure(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")
	db := openInternal(t, path)
	defer func() { _ = db.Close() }()

	require.NoError(t, db.writeKV([]byte("k"), []byte("v1")))

	loc, err := db.locate([]byte("k"))
	require.NoError(t, err)
	require.True(t, loc.found)

	// Tear the selected copy's CRC field so it fails verification, leaving
	// the unselected backup copy (written and synced by the prior writeKV)
	// intact.
	putU64(db.fm.data[loc.blockOff+8:], 0xdeadbeef)

	got, err := db.readKV([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)
}

func Test_ReadKV_BothCopiesCorrupt_ReturnsCorruptError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")
	db := openInternal(t, path)
	defer func() { _ = db.Close() }()

	require.NoError(t, db.writeKV([]byte("k"), []byte("v1")))

	loc, err := db.locate([]byte("k"))
	require.NoError(t, err)
	require.True(t, loc.found)

	backupOff := backupOffset(loc.slot)

	putU64(db.fm.data[loc.blockOff+8:], 0xdeadbeef)
	putU64(db.fm.data[backupOff+8:], 0xdeadbeef)

	_, err = db.readKV([]byte("k"))
	require.ErrorIs(t, err, ErrCorruptDbFile)
}

func Test_UpdateBlockPair_WritesBackupFirstThenFlipsSelector(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")
	db := openInternal(t, path)
	defer func() { _ = db.Close() }()

	require.NoError(t, db.writeKV([]byte("k"), []byte("first")))

	loc, err := db.locate([]byte("k"))
	require.NoError(t, err)

	before := loc.slot.Selector

	require.NoError(t, db.writeKV([]byte("k"), []byte("second-value")))

	loc2, err := db.locate([]byte("k"))
	require.NoError(t, err)

	require.NotEqual(t, before, loc2.slot.Selector)

	got, err := db.readKV([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("second-value"), got)
}

func Test_DeleteKV_TombstonesAndNegatesOffsets(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")
	db := openInternal(t, path)
	defer func() { _ = db.Close() }()

	require.NoError(t, db.writeKV([]byte("k"), []byte("v")))
	require.NoError(t, db.deleteKV([]byte("k")))

	loc, err := db.locate([]byte("k"))
	require.NoError(t, err)
	require.False(t, loc.found)
	require.Less(t, loc.slot.OffsetA, int64(0))
	require.Less(t, loc.slot.OffsetB, int64(0))

	_, err = db.readKV([]byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
}

func Test_DeletedSlot_ReusedByNextInsert(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")
	db := openInternal(t, path)
	defer func() { _ = db.Close() }()

	require.NoError(t, db.writeKV([]byte("k"), []byte("v1")))
	require.NoError(t, db.deleteKV([]byte("k")))

	sizeBefore := db.fm.size()

	require.NoError(t, db.writeKV([]byte("k"), []byte("v2")))

	require.Equal(t, sizeBefore, db.fm.size(), "reusing a tombstoned slot must not append a new block pair")

	got, err := db.readKV([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)
}

func Test_Recover_RebuildsHashTableAfterPageCorruption(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")
	db := openInternal(t, path)

	require.NoError(t, db.writeKV([]byte("alpha"), []byte("one")))
	require.NoError(t, db.writeKV([]byte("beta"), []byte("two")))
	require.NoError(t, db.writeKV([]byte("gamma"), []byte("three")))

	require.True(t, db.verifyAllPagesCRC())

	// Corrupt the first page's CRC field directly, simulating a torn
	// hash-table-page write left behind by a crash.
	putU64(db.fm.data[db.firstPageOffset+8:], 0xbadc0de)

	require.False(t, db.verifyAllPagesCRC())

	require.NoError(t, db.recover())

	require.True(t, db.verifyAllPagesCRC())

	for k, v := range map[string]string{"alpha": "one", "beta": "two", "gamma": "three"} {
		got, err := db.readKV([]byte(k))
		require.NoError(t, err, "key %q should survive rebuild", k)
		require.Equal(t, v, string(got))
	}

	require.NoError(t, db.Close())
}

func Test_Locate_SkipsTombstoneToFindLiveKeyInLaterPage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")

	// SlotCount=1 collides every key into the same hash slot, so the
	// second key written always overflows into a second page.
	db, err := Open(Options{
		Path: path, Mode: ModeCreate | ModeWriteThrough,
		SlotCount: 1, MaxKeyLen: 16, MaxValueLen: 32, ShmDir: t.TempDir(),
	})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, db.writeKV([]byte("K_A"), []byte("a-value")))
	require.NoError(t, db.writeKV([]byte("K_B"), []byte("b-value")))

	// Tombstone K_A's slot in the first page. A lookup for K_B must keep
	// walking past it instead of reporting not-found.
	require.NoError(t, db.deleteKV([]byte("K_A")))

	got, err := db.readKV([]byte("K_B"))
	require.NoError(t, err)
	require.Equal(t, []byte("b-value"), got)

	sizeBefore := db.fm.size()

	require.NoError(t, db.writeKV([]byte("K_B"), []byte("b-value-updated")))

	got, err = db.readKV([]byte("K_B"))
	require.NoError(t, err)
	require.Equal(t, []byte("b-value-updated"), got)
	require.Equal(t, sizeBefore, db.fm.size(), "overwriting a key found past a tombstone must not append a new block pair")
}

func Test_Recover_RebuildsHashTableAcrossNonContiguousPages(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")

	// SlotCount=1 forces every key into the same hash slot, so each insert
	// past the first overflows into a brand-new page; the data-block pair
	// for the prior key sits, in the file, between the two pages. A rebuild
	// that assumed pages occupy a fixed stride right after each other
	// would zero that live block-pair range.
	db, err := Open(Options{
		Path: path, Mode: ModeCreate | ModeWriteThrough,
		SlotCount: 1, MaxKeyLen: 16, MaxValueLen: 32, ShmDir: t.TempDir(),
	})
	require.NoError(t, err)

	keys := []string{"alpha", "beta", "gamma", "delta"}
	for i, k := range keys {
		require.NoError(t, db.writeKV([]byte(k), []byte(fmt.Sprintf("v%d", i))))
	}

	require.Greater(t, db.cb.HashPageCount(), uint64(1), "single-slot pages must have overflowed past one page")

	// Corrupt the FIRST page's CRC to force rebuildHashTable, which must
	// rediscover every later page's true, non-contiguous location rather
	// than assume a fixed stride.
	putU64(db.fm.data[db.firstPageOffset+8:], 0xbadc0de)
	require.False(t, db.verifyAllPagesCRC())

	require.NoError(t, db.recover())
	require.True(t, db.verifyAllPagesCRC())

	for i, k := range keys {
		got, err := db.readKV([]byte(k))
		require.NoError(t, err, "key %q should survive rebuild", k)
		require.Equal(t, fmt.Sprintf("v%d", i), string(got))
	}

	require.NoError(t, db.Close())
}

func Test_Recover_IsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")
	db := openInternal(t, path)
	defer func() { _ = db.Close() }()

	require.NoError(t, db.writeKV([]byte("k"), []byte("v")))

	require.NoError(t, db.recover())
	require.NoError(t, db.recover())

	got, err := db.readKV([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)
}

func Test_KeyLenOf_StopsAtFirstZeroByte(t *testing.T) {
	t.Parallel()

	fixed := make([]byte, 8)
	copy(fixed, "abc")

	require.Equal(t, 3, keyLenOf(fixed))
}
