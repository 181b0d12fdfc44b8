package kvengine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/genivi/pcokv/pkg/shmsync"
)

func openTestCache(t *testing.T, keySize, valueSize, bytes uint64) *dirtyCache {
	t.Helper()

	path := filepath.Join(t.TempDir(), "shm-info")

	cb, err := shmsync.OpenControlBlock(path)
	require.NoError(t, err)

	t.Cleanup(func() { _ = cb.Close() })

	c, err := openDirtyCache(filepath.Join(t.TempDir(), "cache"), cb, keySize, valueSize, bytes, false)
	require.NoError(t, err)

	t.Cleanup(func() { _ = c.close() })

	return c
}

func Test_DirtyCache_PutGet_RoundTrip(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, 16, 32, 4096)

	require.NoError(t, c.put([]byte("k"), []byte("v")))

	got, ok := c.get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, cacheStateWrite, got.state)
	require.Equal(t, []byte("v"), got.value)
}

func Test_DirtyCache_Get_Miss(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, 16, 32, 4096)

	_, ok := c.get([]byte("nope"))
	require.False(t, ok)
}

func Test_DirtyCache_Delete_ShadowsWrite(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, 16, 32, 4096)

	require.NoError(t, c.put([]byte("k"), []byte("v")))
	require.NoError(t, c.delete([]byte("k")))

	got, ok := c.get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, cacheStateDelete, got.state)
}

func Test_DirtyCache_Put_OverwritesExistingSlot(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, 16, 32, 4096)

	require.NoError(t, c.put([]byte("k"), []byte("first")))
	require.NoError(t, c.put([]byte("k"), []byte("second")))

	got, ok := c.get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("second"), got.value)
}

func Test_DirtyCache_KeysOfDifferentLengthDoNotCollide(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, 16, 32, 8192)

	require.NoError(t, c.put([]byte("a"), []byte("short")))
	require.NoError(t, c.put([]byte("ab"), []byte("longerkey")))

	got1, ok := c.get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("short"), got1.value)

	got2, ok := c.get([]byte("ab"))
	require.True(t, ok)
	require.Equal(t, []byte("longerkey"), got2.value)
}

func Test_DirtyCache_Full_ReturnsErrFull(t *testing.T) {
	t.Parallel()

	slotSize := cacheSlotSize(8, 8)
	bytes := cacheHeaderSize + 2*slotSize

	c := openTestCache(t, 8, 8, bytes)

	require.NoError(t, c.put([]byte("a"), []byte("1")))
	require.NoError(t, c.put([]byte("b"), []byte("2")))

	err := c.put([]byte("c"), []byte("3"))
	require.ErrorIs(t, err, ErrFull)
}

func Test_DirtyCache_Iterate_VisitsEveryLiveSlot(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, 16, 32, 8192)

	require.NoError(t, c.put([]byte("a"), []byte("1")))
	require.NoError(t, c.put([]byte("b"), []byte("2")))
	require.NoError(t, c.delete([]byte("c")))

	seen := map[string]uint64{}

	require.NoError(t, c.iterate(func(e cacheEntry) error {
		seen[string(trimKey(e.key))] = e.state

		return nil
	}))

	require.Equal(t, cacheStateWrite, seen["a"])
	require.Equal(t, cacheStateWrite, seen["b"])
	require.Equal(t, cacheStateDelete, seen["c"])
}

func Test_DirtyCache_ReopenReadsBackHeader(t *testing.T) {
	t.Parallel()

	shmPath := filepath.Join(t.TempDir(), "shm-info")
	cachePath := filepath.Join(t.TempDir(), "cache")

	cb, err := shmsync.OpenControlBlock(shmPath)
	require.NoError(t, err)
	defer func() { _ = cb.Close() }()

	c1, err := openDirtyCache(cachePath, cb, 16, 32, 4096, false)
	require.NoError(t, err)
	require.NoError(t, c1.put([]byte("k"), []byte("v")))
	require.NoError(t, c1.close())

	c2, err := openDirtyCache(cachePath, cb, 16, 32, 4096, false)
	require.NoError(t, err)
	defer func() { _ = c2.close() }()

	require.Equal(t, c1.capacity, c2.capacity)

	got, ok := c2.get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v"), got.value)
}
