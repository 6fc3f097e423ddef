package asyncstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	tieredcache "github.com/wolfeidau/tiered-cache"
	"github.com/wolfeidau/tiered-cache/store"
	"github.com/wolfeidau/tiered-cache/store/memory"
)

// gatedStore holds every Put until the gate is opened.
type gatedStore struct {
	*memory.Store
	gate chan struct{}
	puts atomic.Int32
}

func newGatedStore() *gatedStore {
	return &gatedStore{Store: memory.New(), gate: make(chan struct{})}
}

func (g *gatedStore) Put(ctx context.Context, key tieredcache.CacheKey, v tieredcache.Value, allowOverwrite bool) store.PutStatus {
	g.puts.Add(1)
	<-g.gate
	return g.Store.Put(ctx, key, v, allowOverwrite)
}

func startWorkers(t *testing.T, opts ...WorkersOption) *Workers {
	t.Helper()
	w := NewWorkers(opts...)
	w.Start()
	t.Cleanup(w.Stop)
	return w
}

func TestTrackerNegativePanics(t *testing.T) {
	tr := NewTracker()
	require.Panics(t, tr.Done)
}

func TestTrackerQuiescence(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.WaitForQuiescence(context.Background()))

	tr.Add()
	tr.Add()
	require.Equal(t, int64(2), tr.Outstanding())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, tr.WaitForQuiescence(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- tr.WaitForQuiescence(context.Background()) }()
	tr.Done()
	tr.Done()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("quiescence not signalled")
	}
}

func TestWorkersStartTwicePanics(t *testing.T) {
	w := startWorkers(t, WithSize(1))
	require.Panics(t, w.Start)
}

func TestWorkersRunTasks(t *testing.T) {
	w := startWorkers(t, WithSize(4))
	var n atomic.Int32
	for range 100 {
		w.Go(func() { n.Add(1) })
	}
	require.NoError(t, w.Tracker().WaitForQuiescence(context.Background()))
	require.Equal(t, int32(100), n.Load())
}

func TestWorkersInlineAfterStop(t *testing.T) {
	w := NewWorkers(WithSize(1))
	w.Start()
	w.Stop()
	ran := false
	w.Go(func() { ran = true })
	require.True(t, ran)
}

func TestPutReturnsExecutingAndServesPending(t *testing.T) {
	ctx := context.Background()
	inner := newGatedStore()
	s := New(inner, startWorkers(t, WithSize(2)))
	key := tieredcache.KeyFor("Mesh", "a")
	v := tieredcache.MustValue([]byte("pending"))

	require.Equal(t, store.Executing, s.Put(ctx, key, v, false))
	require.True(t, s.Exists(ctx, key))
	got, err := s.Get(ctx, key, tieredcache.Default)
	require.NoError(t, err)
	require.True(t, got.Equal(v))
	require.False(t, inner.Store.Exists(ctx, key), "write has not landed yet")
	require.Equal(t, int64(1), s.Tracker().Outstanding())

	close(inner.gate)
	require.NoError(t, s.Tracker().WaitForQuiescence(ctx))
	require.True(t, inner.Store.Exists(ctx, key))
	require.Zero(t, s.pending.Len())
}

func TestIdenticalPutsCollapse(t *testing.T) {
	ctx := context.Background()
	inner := newGatedStore()
	s := New(inner, startWorkers(t, WithSize(4)))
	key := tieredcache.KeyFor("Mesh", "a")
	v := tieredcache.MustValue([]byte("same"))

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Put(ctx, key, v, false)
		}()
	}
	wg.Wait()
	require.Eventually(t, func() bool { return inner.puts.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(inner.gate)
	require.NoError(t, s.Tracker().WaitForQuiescence(ctx))
	require.Equal(t, int32(1), inner.puts.Load())
}

func TestCancelledPutIsDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New(memory.New(), startWorkers(t))
	require.Equal(t, store.NotCached, s.Put(ctx, tieredcache.KeyFor("Mesh", "a"), tieredcache.MustValue([]byte("x")), false))
}

func TestGetAsync(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	key := tieredcache.KeyFor("Mesh", "a")
	mem.Put(ctx, key, tieredcache.MustValue([]byte("x")), false)
	s := New(mem, startWorkers(t))

	res := <-s.GetAsync(ctx, key, tieredcache.Default)
	require.NoError(t, res.Err)
	require.True(t, res.Value.HasData())

	res = <-s.GetAsync(ctx, tieredcache.KeyFor("Mesh", "missing"), tieredcache.Default)
	require.ErrorIs(t, res.Err, store.ErrNotFound)
}

func TestExistsBatchMergesPending(t *testing.T) {
	ctx := context.Background()
	inner := newGatedStore()
	defer close(inner.gate)
	stored := tieredcache.KeyFor("Mesh", "stored")
	inner.Store.Put(ctx, stored, tieredcache.MustValue([]byte("s")), false)
	s := New(inner, startWorkers(t))

	pending := tieredcache.KeyFor("Mesh", "pending")
	s.Put(ctx, pending, tieredcache.MustValue([]byte("p")), false)

	bits := s.ExistsBatch(ctx, []tieredcache.CacheKey{pending, tieredcache.KeyFor("Mesh", "none"), stored})
	require.True(t, bits.Test(0))
	require.False(t, bits.Test(1))
	require.True(t, bits.Test(2))
}
