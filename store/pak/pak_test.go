package pak

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	tieredcache "github.com/wolfeidau/tiered-cache"
	"github.com/wolfeidau/tiered-cache/store"
)

func writeArchive(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	w, err := OpenWritePak("writer", path, nil)
	require.NoError(t, err)
	for identity, raw := range entries {
		status := w.Put(context.Background(), tieredcache.KeyFor("Mesh", identity), tieredcache.MustValue([]byte(raw)), false)
		require.Equal(t, store.Cached, status)
	}
	require.NoError(t, w.Close())
}

func TestWriteThenReadPak(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shipped.pak")
	writeArchive(t, path, map[string]string{"a": "alpha", "b": "beta"})

	r, err := OpenReadPak("shipped", path, nil)
	require.NoError(t, err)
	defer r.Close()

	require.False(t, r.IsWritable())
	require.True(t, r.Exists(ctx, tieredcache.KeyFor("Mesh", "a")))
	require.False(t, r.Exists(ctx, tieredcache.KeyFor("Mesh", "z")))

	v, err := r.Get(ctx, tieredcache.KeyFor("Mesh", "b"), tieredcache.Default)
	require.NoError(t, err)
	raw, err := v.Raw()
	require.NoError(t, err)
	require.Equal(t, []byte("beta"), raw)

	require.Equal(t, store.Skipped, r.Put(ctx, tieredcache.KeyFor("Mesh", "c"), tieredcache.MustValue([]byte("c")), false))
	r.Remove(ctx, tieredcache.KeyFor("Mesh", "a"), false)
	require.True(t, r.Exists(ctx, tieredcache.KeyFor("Mesh", "a")), "remove is a no-op")

	keys, err := r.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

func TestReadPakMissingFile(t *testing.T) {
	_, err := OpenReadPak("missing", filepath.Join(t.TempDir(), "nope.pak"), nil)
	require.Error(t, err)
}

func TestWritePakOverwrite(t *testing.T) {
	ctx := context.Background()
	w, err := OpenWritePak("w", filepath.Join(t.TempDir(), "w.pak"), nil)
	require.NoError(t, err)
	defer w.Close()
	key := tieredcache.KeyFor("Mesh", "a")

	first := tieredcache.MustValue([]byte("first"))
	second := tieredcache.MustValue([]byte("second"))
	require.Equal(t, store.Cached, w.Put(ctx, key, first, false))
	require.Equal(t, store.Cached, w.Put(ctx, key, second, false))
	got, err := w.Get(ctx, key, tieredcache.Default)
	require.NoError(t, err)
	require.True(t, got.Equal(first))

	w.Put(ctx, key, second, true)
	got, err = w.Get(ctx, key, tieredcache.Default|tieredcache.SkipData)
	require.NoError(t, err)
	require.True(t, got.Equal(second))
	require.False(t, got.HasData())

	require.Equal(t, store.NotCached, w.Put(ctx, key, second.RemoveData(), true))
}

func TestWritePakMerge(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := filepath.Join(dir, "src.pak")
	writeArchive(t, src, map[string]string{"a": "alpha", "b": "beta"})

	w, err := OpenWritePak("dst", filepath.Join(dir, "dst.pak"), nil)
	require.NoError(t, err)
	defer w.Close()
	w.Put(ctx, tieredcache.KeyFor("Mesh", "a"), tieredcache.MustValue([]byte("mine")), false)

	copied, err := w.Merge(ctx, src)
	require.NoError(t, err)
	require.Equal(t, 1, copied)

	v, err := w.Get(ctx, tieredcache.KeyFor("Mesh", "a"), tieredcache.Default)
	require.NoError(t, err)
	raw, _ := v.Raw()
	require.Equal(t, []byte("mine"), raw)
	require.True(t, w.Exists(ctx, tieredcache.KeyFor("Mesh", "b")))
}

func TestClosedArchiveMisses(t *testing.T) {
	ctx := context.Background()
	w, err := OpenWritePak("w", filepath.Join(t.TempDir(), "w.pak"), nil)
	require.NoError(t, err)
	key := tieredcache.KeyFor("Mesh", "a")
	w.Put(ctx, key, tieredcache.MustValue([]byte("x")), false)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	require.False(t, w.Exists(ctx, key))
	require.Equal(t, store.NotCached, w.Put(ctx, key, tieredcache.MustValue([]byte("x")), true))
}

func TestTamperedEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tampered.pak")
	w, err := OpenWritePak("w", path, nil)
	require.NoError(t, err)
	key := tieredcache.KeyFor("Mesh", "a")
	require.Equal(t, store.Cached, w.Put(ctx, key, tieredcache.MustValue([]byte("archived payload")), false))

	require.NoError(t, w.update(func(b *bbolt.Bucket) error {
		data := append([]byte(nil), b.Get([]byte(key.String()))...)
		data[len(data)-1] ^= 0xff
		return b.Put([]byte(key.String()), data)
	}))
	require.NoError(t, w.Close())

	r, err := OpenReadPak("shipped", path, nil)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Get(ctx, key, tieredcache.Default)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.True(t, r.Exists(ctx, key), "the entry is skipped, not removed")
}
