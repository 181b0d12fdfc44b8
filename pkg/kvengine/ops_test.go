package kvengine_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/genivi/pcokv/pkg/kvengine"
)

func Test_CachedMode_ReadSeesUnflushedWrite(t *testing.T) {
	t.Parallel()

	db := openFresh(t, kvengine.Options{})

	require.NoError(t, db.Write([]byte("k"), []byte("cached-value")))

	got, err := db.Read([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("cached-value"), got)
}

func Test_CachedMode_DeleteTombstoneShadowsFile(t *testing.T) {
	t.Parallel()

	path := tempDBPath(t)
	shmDir := t.TempDir()

	wt, err := kvengine.Open(kvengine.Options{
		Path: path, Mode: kvengine.ModeCreate | kvengine.ModeWriteThrough,
		SlotCount: 16, MaxKeyLen: 32, MaxValueLen: 128, ShmDir: shmDir,
	})
	require.NoError(t, err)
	require.NoError(t, wt.Write([]byte("k"), []byte("on-disk")))
	require.NoError(t, wt.Close())

	cached, err := kvengine.Open(kvengine.Options{
		Path: path, SlotCount: 16, MaxKeyLen: 32, MaxValueLen: 128, ShmDir: shmDir,
	})
	require.NoError(t, err)
	defer func() { _ = cached.Close() }()

	_, err = cached.Read([]byte("k"))
	require.NoError(t, err)

	require.NoError(t, cached.Delete([]byte("k")))

	_, err = cached.Read([]byte("k"))
	require.ErrorIs(t, err, kvengine.ErrNotFound)
}

func Test_CachedMode_ListKeysMergesCacheAndFile(t *testing.T) {
	t.Parallel()

	path := tempDBPath(t)
	shmDir := t.TempDir()

	wt, err := kvengine.Open(kvengine.Options{
		Path: path, Mode: kvengine.ModeCreate | kvengine.ModeWriteThrough,
		SlotCount: 16, MaxKeyLen: 32, MaxValueLen: 128, ShmDir: shmDir,
	})
	require.NoError(t, err)
	require.NoError(t, wt.Write([]byte("onDisk"), []byte("v")))
	require.NoError(t, wt.Write([]byte("toDelete"), []byte("v")))
	require.NoError(t, wt.Close())

	cached, err := kvengine.Open(kvengine.Options{
		Path: path, SlotCount: 16, MaxKeyLen: 32, MaxValueLen: 128, ShmDir: shmDir,
	})
	require.NoError(t, err)
	defer func() { _ = cached.Close() }()

	require.NoError(t, cached.Write([]byte("inCache"), []byte("v")))
	require.NoError(t, cached.Delete([]byte("toDelete")))

	size, err := cached.ListSize()
	require.NoError(t, err)

	buf := make([]byte, size)
	n, err := cached.ListKeys(buf)
	require.NoError(t, err)

	keys := splitNUL(buf[:n])
	require.ElementsMatch(t, []string{"onDisk", "inCache"}, keys)
}

func Test_ValueSize_MatchesReadLength(t *testing.T) {
	t.Parallel()

	db := openFresh(t, kvengine.Options{Mode: kvengine.ModeWriteThrough})

	require.NoError(t, db.Write([]byte("k"), []byte("twelve-bytes")))

	n, err := db.ValueSize([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, len("twelve-bytes"), n)
}
