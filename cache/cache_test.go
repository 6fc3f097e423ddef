package cache

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	tieredcache "github.com/wolfeidau/tiered-cache"
	"github.com/wolfeidau/tiered-cache/store"
	"github.com/wolfeidau/tiered-cache/store/asyncstore"
	"github.com/wolfeidau/tiered-cache/store/memory"
)

func newCache(t *testing.T, opts ...Option) (*Cache, *memory.Store) {
	t.Helper()
	mem := memory.New()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return New(mem, opts...), mem
}

func buildRecord(t *testing.T, key tieredcache.CacheKey, values map[string]string) *tieredcache.CacheRecord {
	t.Helper()
	b := tieredcache.NewRecordBuilder(key)
	require.NoError(t, b.SetMeta(map[string]any{"values": float64(len(values))}))
	for name, data := range values {
		require.NoError(t, b.AddValue(tieredcache.NewValueID(name), tieredcache.MustValue([]byte(data))))
	}
	return b.Build()
}

func byUserData[T any](t *testing.T, rs []T, userData func(T) uint64) map[uint64]T {
	t.Helper()
	out := make(map[uint64]T, len(rs))
	for _, r := range rs {
		out[userData(r)] = r
	}
	return out
}

func TestRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t)
	key := tieredcache.KeyFor("Shaders", "pixel")
	rec := buildRecord(t, key, map[string]string{"vertex": "vertex code", "pixel": strings.Repeat("pixel code ", 400)})

	puts := Collect(c.Put(ctx, []PutRequest{{Name: "shader", Record: rec, Policy: tieredcache.Default, UserData: 7}}))
	require.Len(t, puts, 1)
	require.Equal(t, tieredcache.StatusOk, puts[0].Status)
	require.Equal(t, uint64(7), puts[0].UserData)
	require.Equal(t, key, puts[0].Key)

	gets := Collect(c.Get(ctx, []GetRequest{{Name: "shader", Key: key, Policy: tieredcache.Default, UserData: 8}}))
	require.Len(t, gets, 1)
	require.Equal(t, tieredcache.StatusOk, gets[0].Status)
	got := gets[0].Record
	require.Equal(t, key, got.Key())
	require.Equal(t, float64(2), got.Meta().GetFields()["values"].GetNumberValue())
	for _, rv := range rec.Values() {
		v, ok := got.Value(rv.ID)
		require.True(t, ok)
		require.True(t, v.HasData())
		require.True(t, v.Equal(rv.Value))
	}

	meta := Collect(c.Get(ctx, []GetRequest{{Key: key, Policy: tieredcache.Default | tieredcache.SkipData}}))
	require.Equal(t, tieredcache.StatusOk, meta[0].Status)
	for _, rv := range meta[0].Record.Values() {
		require.False(t, rv.Value.HasData())
	}
}

func TestRecordMissingValueIsError(t *testing.T) {
	ctx := context.Background()
	c, mem := newCache(t)
	key := tieredcache.KeyFor("Shaders", "pixel")
	rec := buildRecord(t, key, map[string]string{"vertex": "vertex code"})
	require.Equal(t, tieredcache.StatusOk, Collect(c.Put(ctx, []PutRequest{{Record: rec, Policy: tieredcache.Default}}))[0].Status)

	v, _ := rec.Value(tieredcache.NewValueID("vertex"))
	mem.Remove(ctx, contentKey(key.Bucket, v.RawHash), true)

	gets := Collect(c.Get(ctx, []GetRequest{{Key: key, Policy: tieredcache.Default}}))
	require.Equal(t, tieredcache.StatusError, gets[0].Status)
	require.Nil(t, gets[0].Record)

	// existence only needs the package
	gets = Collect(c.Get(ctx, []GetRequest{{Key: key, Policy: tieredcache.Default | tieredcache.SkipData}}))
	require.Equal(t, tieredcache.StatusOk, gets[0].Status)
}

func TestPutWithoutStorePolicyFails(t *testing.T) {
	ctx := context.Background()
	c, mem := newCache(t)
	key := tieredcache.KeyFor("Mesh", "k1")
	rs := Collect(c.PutValue(ctx, []PutValueRequest{{Key: key, Value: tieredcache.MustValue([]byte("x")), Policy: tieredcache.Query}}))
	require.Equal(t, tieredcache.StatusError, rs[0].Status)
	require.Zero(t, mem.Len())
}

func TestValuesMatchedByUserData(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t, WithConcurrency(3))

	var puts []PutValueRequest
	var gets []GetValueRequest
	for i := range 20 {
		key := tieredcache.KeyFor("Mesh", strings.Repeat("m", i+1))
		if i%4 != 0 {
			puts = append(puts, PutValueRequest{Key: key, Value: tieredcache.MustValue(bytes.Repeat([]byte{byte(i)}, 100)), Policy: tieredcache.Default, UserData: uint64(i)})
		}
		gets = append(gets, GetValueRequest{Key: key, Policy: tieredcache.Default, UserData: uint64(i)})
	}
	for _, r := range Collect(c.PutValue(ctx, puts)) {
		require.Equal(t, tieredcache.StatusOk, r.Status)
	}

	rs := Collect(c.GetValue(ctx, gets))
	require.Len(t, rs, len(gets))
	byID := byUserData(t, rs, func(r GetValueResponse) uint64 { return r.UserData })
	for i := range 20 {
		r, ok := byID[uint64(i)]
		require.True(t, ok)
		require.Equal(t, gets[i].Key, r.Key)
		if i%4 == 0 {
			require.Equal(t, tieredcache.StatusError, r.Status)
			continue
		}
		require.Equal(t, tieredcache.StatusOk, r.Status)
		raw, err := r.Value.Raw()
		require.NoError(t, err)
		require.Equal(t, bytes.Repeat([]byte{byte(i)}, 100), raw)
	}
}

func TestBlockingRequestsCompleteBeforeReturn(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t)
	key := tieredcache.KeyFor("Mesh", "k1")
	Collect(c.PutValue(ctx, []PutValueRequest{{Key: key, Value: tieredcache.MustValue([]byte("x")), Policy: tieredcache.Default}}))

	ch := c.GetValue(ctx, []GetValueRequest{
		{Key: key, Policy: tieredcache.Default, UserData: 1, Priority: tieredcache.PriorityLow},
		{Key: key, Policy: tieredcache.Default, UserData: 2, Priority: tieredcache.PriorityBlocking},
	})
	// the blocking response is already buffered
	first := <-ch
	require.Equal(t, uint64(2), first.UserData)
	rest := Collect(ch)
	require.Len(t, rest, 1)
	require.Equal(t, uint64(1), rest[0].UserData)
}

func TestCancelledRequestsFail(t *testing.T) {
	c, _ := newCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rs := Collect(c.GetValue(ctx, []GetValueRequest{{Key: tieredcache.KeyFor("Mesh", "k1"), Policy: tieredcache.Default, UserData: 3}}))
	require.Len(t, rs, 1)
	require.Equal(t, tieredcache.StatusError, rs[0].Status)
	require.Equal(t, uint64(3), rs[0].UserData)
}

func TestGetChunk(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t)
	payload := []byte(strings.Repeat("0123456789", 500))
	plain := tieredcache.KeyFor("Texture", "plain")
	Collect(c.PutValue(ctx, []PutValueRequest{{Key: plain, Value: tieredcache.MustValue(payload), Policy: tieredcache.Default}}))

	recKey := tieredcache.KeyFor("Texture", "record")
	rec := buildRecord(t, recKey, map[string]string{"mip0": string(payload)})
	Collect(c.Put(ctx, []PutRequest{{Record: rec, Policy: tieredcache.Default}}))

	rs := Collect(c.GetChunk(ctx, []ChunkRequest{
		{Key: plain, RawOffset: 10, RawSize: 5, Policy: tieredcache.Default, UserData: 1},
		{Key: plain, RawOffset: 4990, Policy: tieredcache.Default, UserData: 2},
		{Key: recKey, ID: tieredcache.NewValueID("mip0"), RawOffset: 3, RawSize: 4, Policy: tieredcache.Default, UserData: 3},
		{Key: recKey, ID: tieredcache.NewValueID("mip0"), Policy: tieredcache.Default | tieredcache.SkipData, UserData: 4},
		{Key: plain, RawOffset: 6000, Policy: tieredcache.Default, UserData: 5},
		{Key: recKey, ID: tieredcache.NewValueID("missing"), Policy: tieredcache.Default, UserData: 6},
		{Key: plain, RawOffset: 4998, RawSize: 100, Policy: tieredcache.Default, UserData: 7},
	}))
	byID := byUserData(t, rs, func(r ChunkResponse) uint64 { return r.UserData })

	require.Equal(t, []byte("01234"), byID[1].Data)
	require.Equal(t, uint64(5), byID[1].RawSize)
	require.Equal(t, uint64(len(payload)), byID[1].TotalSize)
	require.Equal(t, tieredcache.HashBytes(payload), byID[1].RawHash)

	require.Equal(t, []byte("0123456789"), byID[2].Data)
	require.Equal(t, []byte("3456"), byID[3].Data)

	require.Equal(t, tieredcache.StatusOk, byID[4].Status)
	require.Nil(t, byID[4].Data)
	require.Equal(t, uint64(len(payload)), byID[4].TotalSize)

	require.Equal(t, tieredcache.StatusError, byID[5].Status)
	require.Equal(t, tieredcache.StatusError, byID[6].Status)
	require.Equal(t, []byte("89"), byID[7].Data, "size is clamped to the value")
}

func TestLegacyKeys(t *testing.T) {
	ctx := context.Background()
	c, mem := newCache(t, WithMaxLegacyKeyLength(80))
	short := tieredcache.LegacyKey("Mesh_rock_lod0")
	long := tieredcache.LegacyKey("Mesh_" + strings.Repeat("a", 200))

	require.Equal(t, tieredcache.StatusOk, c.PutLegacy(ctx, short, []byte("rock"), tieredcache.Default))
	require.Equal(t, tieredcache.StatusOk, c.PutLegacy(ctx, long, []byte("long"), tieredcache.Default))

	data, st := c.GetLegacy(ctx, short, tieredcache.Default)
	require.Equal(t, tieredcache.StatusOk, st)
	require.Equal(t, []byte("rock"), data)
	data, st = c.GetLegacy(ctx, long, tieredcache.Default)
	require.Equal(t, tieredcache.StatusOk, st)
	require.Equal(t, []byte("long"), data)

	_, st = c.GetLegacy(ctx, short, tieredcache.Default|tieredcache.SkipData)
	require.Equal(t, tieredcache.StatusOk, st)

	found := c.ExistsLegacy(ctx, []tieredcache.LegacyKey{short, "Mesh_missing", "bad key!", long})
	require.True(t, found.Test(0))
	require.False(t, found.Test(1))
	require.False(t, found.Test(2))
	require.True(t, found.Test(3))

	// a blob written for another key is rejected and dropped
	ck, err := short.CacheKey(c.MaxLegacyKeyLength())
	require.NoError(t, err)
	forged := tieredcache.MustValue(tieredcache.AppendLegacyTrailer([]byte("rock"), "Mesh_other"))
	require.Equal(t, store.Cached, mem.Put(ctx, ck, forged, true))
	_, st = c.GetLegacy(ctx, short, tieredcache.Default)
	require.Equal(t, tieredcache.StatusError, st)
	require.False(t, mem.Exists(ctx, ck))

	c.RemoveLegacy(ctx, long)
	_, st = c.GetLegacy(ctx, long, tieredcache.Default)
	require.Equal(t, tieredcache.StatusError, st)
}

func TestConcurrentBatches(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := tieredcache.KeyFor("Mesh", strings.Repeat("c", i+1))
			rs := Collect(c.PutValue(ctx, []PutValueRequest{{Key: key, Value: tieredcache.MustValue([]byte{byte(i)}), Policy: tieredcache.Default}}))
			if rs[0].Status != tieredcache.StatusOk {
				t.Errorf("put %d failed", i)
			}
		}()
	}
	wg.Wait()
}

// landingStore records the order in which writes land. Writes to any key
// other than fast are slowed down.
type landingStore struct {
	*memory.Store
	fast tieredcache.CacheKey

	mu     sync.Mutex
	landed []tieredcache.CacheKey
}

func (l *landingStore) Put(ctx context.Context, key tieredcache.CacheKey, v tieredcache.Value, allowOverwrite bool) store.PutStatus {
	if key != l.fast {
		time.Sleep(20 * time.Millisecond)
	}
	st := l.Store.Put(ctx, key, v, allowOverwrite)
	l.mu.Lock()
	l.landed = append(l.landed, key)
	l.mu.Unlock()
	return st
}

func TestAsyncRootLandsValuesBeforeRecord(t *testing.T) {
	ctx := context.Background()
	key := tieredcache.KeyFor("Shaders", "async")
	inner := &landingStore{Store: memory.New(), fast: key}
	w := asyncstore.NewWorkers(asyncstore.WithSize(4))
	w.Start()
	t.Cleanup(w.Stop)
	c := New(asyncstore.New(inner, w), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	rec := buildRecord(t, key, map[string]string{"a": "value a", "b": "value b", "c": "value c"})
	puts := Collect(c.Put(ctx, []PutRequest{{Record: rec, Policy: tieredcache.Default}}))
	require.Equal(t, tieredcache.StatusOk, puts[0].Status)
	require.NoError(t, w.Tracker().WaitForQuiescence(ctx))

	inner.mu.Lock()
	defer inner.mu.Unlock()
	require.Len(t, inner.landed, 4)
	require.Equal(t, key, inner.landed[3])
}
