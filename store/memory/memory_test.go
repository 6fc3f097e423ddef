package memory

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	tieredcache "github.com/wolfeidau/tiered-cache"
	"github.com/wolfeidau/tiered-cache/store"
)

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()
	key := tieredcache.KeyFor("Mesh", "a")
	v := tieredcache.MustValue([]byte("payload"))

	require.Equal(t, store.Cached, s.Put(ctx, key, v, false))
	require.True(t, s.Exists(ctx, key))

	got, err := s.Get(ctx, key, tieredcache.Default)
	require.NoError(t, err)
	raw, err := got.Raw()
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), raw)

	meta, err := s.Get(ctx, key, tieredcache.Default|tieredcache.SkipData)
	require.NoError(t, err)
	require.False(t, meta.HasData())
	require.True(t, meta.Equal(v))
}

func TestGetMiss(t *testing.T) {
	s := New()
	_, err := s.Get(context.Background(), tieredcache.KeyFor("Mesh", "missing"), tieredcache.Default)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPutWithoutOverwriteKeepsExisting(t *testing.T) {
	ctx := context.Background()
	s := New()
	key := tieredcache.KeyFor("Mesh", "a")
	first := tieredcache.MustValue([]byte("first"))
	second := tieredcache.MustValue([]byte("second"))

	require.Equal(t, store.Cached, s.Put(ctx, key, first, false))
	require.Equal(t, store.Cached, s.Put(ctx, key, second, false))
	got, err := s.Get(ctx, key, tieredcache.Default)
	require.NoError(t, err)
	require.True(t, got.Equal(first))

	require.Equal(t, store.Cached, s.Put(ctx, key, second, true))
	got, err = s.Get(ctx, key, tieredcache.Default)
	require.NoError(t, err)
	require.True(t, got.Equal(second))
}

func TestPutMetadataOnlyIsNotCached(t *testing.T) {
	s := New()
	v := tieredcache.MustValue([]byte("x")).RemoveData()
	require.Equal(t, store.NotCached, s.Put(context.Background(), tieredcache.KeyFor("Mesh", "a"), v, false))
}

func TestEvictionKeepsBudget(t *testing.T) {
	ctx := context.Background()
	s := New(WithMaxSize(4096))
	for i := range 64 {
		raw := bytes.Repeat([]byte{byte(i)}, 100)
		s.Put(ctx, tieredcache.KeyFor("Mesh", fmt.Sprint(i)), tieredcache.MustValue(raw), false)
	}
	require.LessOrEqual(t, s.Bytes(), int64(4096))
	require.Less(t, s.Len(), 64)

	huge := tieredcache.MustValue(randomBytes(8192))
	require.Equal(t, store.NotCached, s.Put(ctx, tieredcache.KeyFor("Mesh", "huge"), huge, false))
}

func TestWipeAndDisable(t *testing.T) {
	ctx := context.Background()
	s := New()
	key := tieredcache.KeyFor("Mesh", "a")
	s.Put(ctx, key, tieredcache.MustValue([]byte("x")), false)

	s.Wipe()
	require.False(t, s.Exists(ctx, key))
	require.Zero(t, s.Bytes())

	s.Disable()
	require.False(t, s.IsWritable())
	require.Equal(t, store.NotCached, s.Put(ctx, key, tieredcache.MustValue([]byte("x")), false))
	require.False(t, s.Exists(ctx, key))
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	s := New()
	key := tieredcache.KeyFor("Mesh", "a")
	s.Put(ctx, key, tieredcache.MustValue([]byte("x")), false)
	s.Remove(ctx, key, true)
	require.False(t, s.Exists(ctx, key))
	require.Zero(t, s.Bytes())
}

func TestDebugMissTypes(t *testing.T) {
	ctx := context.Background()
	s := New()
	shader := tieredcache.KeyFor("Shaders", "a")
	mesh := tieredcache.KeyFor("Mesh", "a")

	require.True(t, store.ApplyDebugOptions(s, store.DebugOptions{MissTypes: []string{"shaders"}}))
	require.Equal(t, store.Cached, s.Put(ctx, shader, tieredcache.MustValue([]byte("x")), false))
	require.Equal(t, store.Cached, s.Put(ctx, mesh, tieredcache.MustValue([]byte("x")), false))

	_, err := s.Get(ctx, shader, tieredcache.Default)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.False(t, s.Exists(ctx, shader))
	_, err = s.Get(ctx, mesh, tieredcache.Default)
	require.NoError(t, err)
}

func TestDebugSpeedOverride(t *testing.T) {
	s := New()
	require.Equal(t, store.SpeedLocal, s.SpeedClass())
	s.ApplyDebugOptions(store.DebugOptions{Speed: store.SpeedFast})
	require.Equal(t, store.SpeedFast, s.SpeedClass())
}

func randomBytes(n int) []byte {
	r := rand.New(rand.NewPCG(1, 2))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.Uint32())
	}
	return b
}
