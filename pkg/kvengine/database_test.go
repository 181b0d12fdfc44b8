package kvengine_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/genivi/pcokv/pkg/kvengine"
)

func tempDBPath(t *testing.T) string {
	t.Helper()

	return filepath.Join(t.TempDir(), "test.db")
}

func openFresh(t *testing.T, opts kvengine.Options) *kvengine.Database {
	t.Helper()

	if opts.Path == "" {
		opts.Path = tempDBPath(t)
	}

	if opts.SlotCount == 0 {
		opts.SlotCount = 16
	}

	if opts.MaxKeyLen == 0 {
		opts.MaxKeyLen = 32
	}

	if opts.MaxValueLen == 0 {
		opts.MaxValueLen = 128
	}

	opts.ShmDir = t.TempDir()
	opts.Mode |= kvengine.ModeCreate

	db, err := kvengine.Open(opts)
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return db
}

func Test_WriteRead_RoundTrip(t *testing.T) {
	t.Parallel()

	db := openFresh(t, kvengine.Options{})

	require.NoError(t, db.Write([]byte("alpha"), []byte("one")))

	got, err := db.Read([]byte("alpha"))
	require.NoError(t, err)
	require.Equal(t, []byte("one"), got)
}

func Test_Read_NotFound(t *testing.T) {
	t.Parallel()

	db := openFresh(t, kvengine.Options{})

	_, err := db.Read([]byte("missing"))
	require.ErrorIs(t, err, kvengine.ErrNotFound)
}

func Test_Delete_ThenRead_NotFound(t *testing.T) {
	t.Parallel()

	db := openFresh(t, kvengine.Options{Mode: kvengine.ModeWriteThrough})

	require.NoError(t, db.Write([]byte("k"), []byte("v")))
	require.NoError(t, db.Delete([]byte("k")))

	_, err := db.Read([]byte("k"))
	require.ErrorIs(t, err, kvengine.ErrNotFound)
}

func Test_Overwrite_Idempotent(t *testing.T) {
	t.Parallel()

	db := openFresh(t, kvengine.Options{Mode: kvengine.ModeWriteThrough})

	require.NoError(t, db.Write([]byte("k"), []byte("first")))
	require.NoError(t, db.Write([]byte("k"), []byte("second")))
	require.NoError(t, db.Write([]byte("k"), []byte("third")))

	got, err := db.Read([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("third"), got)
}

func Test_ListKeys_ReflectsWritesAndDeletes(t *testing.T) {
	t.Parallel()

	db := openFresh(t, kvengine.Options{Mode: kvengine.ModeWriteThrough})

	for _, k := range []string{"a", "bb", "ccc"} {
		require.NoError(t, db.Write([]byte(k), []byte("v-"+k)))
	}

	require.NoError(t, db.Delete([]byte("bb")))

	size, err := db.ListSize()
	require.NoError(t, err)

	buf := make([]byte, size)
	n, err := db.ListKeys(buf)
	require.NoError(t, err)

	keys := splitNUL(buf[:n])
	require.ElementsMatch(t, []string{"a", "ccc"}, keys)
}

func Test_ListKeys_BufferTooSmall(t *testing.T) {
	t.Parallel()

	db := openFresh(t, kvengine.Options{Mode: kvengine.ModeWriteThrough})

	require.NoError(t, db.Write([]byte("longkey"), []byte("v")))

	_, err := db.ListKeys(make([]byte, 1))
	require.ErrorIs(t, err, kvengine.ErrBufferTooSmall)
}

func Test_Close_ThenReopen_Durable(t *testing.T) {
	t.Parallel()

	path := tempDBPath(t)
	shmDir := t.TempDir()

	db, err := kvengine.Open(kvengine.Options{
		Path: path, Mode: kvengine.ModeCreate | kvengine.ModeWriteThrough,
		SlotCount: 16, MaxKeyLen: 32, MaxValueLen: 128, ShmDir: shmDir,
	})
	require.NoError(t, err)

	require.NoError(t, db.Write([]byte("durable"), []byte("value")))
	require.NoError(t, db.Close())

	db2, err := kvengine.Open(kvengine.Options{
		Path: path, SlotCount: 16, MaxKeyLen: 32, MaxValueLen: 128, ShmDir: shmDir,
	})
	require.NoError(t, err)
	defer func() { _ = db2.Close() }()

	got, err := db2.Read([]byte("durable"))
	require.NoError(t, err)
	require.Equal(t, []byte("value"), got)
}

func Test_CachedMode_FlushesOnLastClose(t *testing.T) {
	t.Parallel()

	path := tempDBPath(t)
	shmDir := t.TempDir()

	db, err := kvengine.Open(kvengine.Options{
		Path: path, Mode: kvengine.ModeCreate,
		SlotCount: 16, MaxKeyLen: 32, MaxValueLen: 128, ShmDir: shmDir,
	})
	require.NoError(t, err)

	require.NoError(t, db.Write([]byte("cached"), []byte("v")))
	require.NoError(t, db.Close())

	db2, err := kvengine.Open(kvengine.Options{
		Path: path, Mode: kvengine.ModeWriteThrough, SlotCount: 16, MaxKeyLen: 32, MaxValueLen: 128, ShmDir: shmDir,
	})
	require.NoError(t, err)
	defer func() { _ = db2.Close() }()

	got, err := db2.Read([]byte("cached"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)
}

func Test_Write_RejectsOversizedKeyAndValue(t *testing.T) {
	t.Parallel()

	db := openFresh(t, kvengine.Options{MaxKeyLen: 4, MaxValueLen: 4})

	err := db.Write([]byte("toolong"), []byte("v"))
	require.ErrorIs(t, err, kvengine.ErrInvalidParam)

	err = db.Write([]byte("ok"), []byte("toolongvalue"))
	require.ErrorIs(t, err, kvengine.ErrInvalidParam)
}

func Test_ReadOnly_RejectsWrites(t *testing.T) {
	t.Parallel()

	path := tempDBPath(t)
	shmDir := t.TempDir()

	db, err := kvengine.Open(kvengine.Options{
		Path: path, Mode: kvengine.ModeCreate | kvengine.ModeWriteThrough,
		SlotCount: 16, MaxKeyLen: 32, MaxValueLen: 128, ShmDir: shmDir,
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	ro, err := kvengine.Open(kvengine.Options{
		Path: path, Mode: kvengine.ModeReadOnly, SlotCount: 16, MaxKeyLen: 32, MaxValueLen: 128, ShmDir: shmDir,
	})
	require.NoError(t, err)
	defer func() { _ = ro.Close() }()

	require.ErrorIs(t, ro.Write([]byte("k"), []byte("v")), kvengine.ErrReadOnly)
	require.ErrorIs(t, ro.Delete([]byte("k")), kvengine.ErrReadOnly)
}

func Test_HashChainGrowsAcrossPages(t *testing.T) {
	t.Parallel()

	db := openFresh(t, kvengine.Options{SlotCount: 2, Mode: kvengine.ModeWriteThrough})

	for i := 0; i < 50; i++ {
		k := []byte{byte(i), byte(i >> 8)}
		require.NoError(t, db.Write(k, []byte("v")))
	}

	for i := 0; i < 50; i++ {
		k := []byte{byte(i), byte(i >> 8)}
		got, err := db.Read(k)
		require.NoError(t, err)
		require.Equal(t, []byte("v"), got)
	}
}

func Test_UserHeader_RoundTrip(t *testing.T) {
	t.Parallel()

	db := openFresh(t, kvengine.Options{})

	var data [64]byte
	copy(data[:], "hello")

	require.NoError(t, db.SetUserHeader(42, data))

	flags, got := db.UserHeader()
	require.Equal(t, uint64(42), flags)
	require.Equal(t, data, got)
}

func Test_Generation_IncrementsOnMutation(t *testing.T) {
	t.Parallel()

	db := openFresh(t, kvengine.Options{Mode: kvengine.ModeWriteThrough})

	before := db.Generation()

	require.NoError(t, db.Write([]byte("k"), []byte("v")))

	after := db.Generation()
	require.Greater(t, after, before)
}

func splitNUL(buf []byte) []string {
	var out []string

	start := 0

	for i, b := range buf {
		if b == 0 {
			out = append(out, string(buf[start:i]))
			start = i + 1
		}
	}

	return out
}
