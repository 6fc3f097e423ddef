package asyncstore

import (
	"context"
	"log/slog"

	"github.com/bits-and-blooms/bitset"

	tieredcache "github.com/wolfeidau/tiered-cache"
	"github.com/wolfeidau/tiered-cache/inflight"
	"github.com/wolfeidau/tiered-cache/store"
)

// Result is the outcome of an asynchronous Get.
type Result struct {
	Value tieredcache.Value
	Err   error
}

// Store wraps a tier so that Put returns immediately with Executing and
// the write runs on the worker pool. Until the write lands, Get and Exists
// for that key are answered from the pending value.
type Store struct {
	inner   store.Store
	workers *Workers
	pending *inflight.Table[tieredcache.CacheKey, tieredcache.Value]
	puts    *inflight.Group[store.PutStatus]
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithStoreLogger sets the logger.
func WithStoreLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New wraps inner, running writes on workers.
func New(inner store.Store, workers *Workers, opts ...Option) *Store {
	s := &Store{
		inner:   inner,
		workers: workers,
		pending: inflight.NewTable[tieredcache.CacheKey, tieredcache.Value](),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "async", "tier", inner.Name())
	s.puts = inflight.NewGroup[store.PutStatus](inflight.WithLogger(s.logger))
	return s
}

func (s *Store) Name() string { return s.inner.Name() }

// Inner returns the wrapped tier.
func (s *Store) Inner() store.Store { return s.inner }

// Tracker returns the outstanding-work tracker of the worker pool.
func (s *Store) Tracker() *Tracker { return s.workers.Tracker() }

func (s *Store) Exists(ctx context.Context, key tieredcache.CacheKey) bool {
	if _, ok := s.pending.Get(key); ok {
		return true
	}
	return s.inner.Exists(ctx, key)
}

// ExistsBatch answers pending keys locally and forwards the rest.
func (s *Store) ExistsBatch(ctx context.Context, keys []tieredcache.CacheKey) *bitset.BitSet {
	result := bitset.New(uint(len(keys)))
	var rest []tieredcache.CacheKey
	var restIdx []uint
	for i, key := range keys {
		if _, ok := s.pending.Get(key); ok {
			result.Set(uint(i))
			continue
		}
		rest = append(rest, key)
		restIdx = append(restIdx, uint(i))
	}
	if len(rest) == 0 {
		return result
	}
	found := store.ExistsBatch(ctx, s.inner, rest)
	for i, idx := range restIdx {
		if found.Test(uint(i)) {
			result.Set(idx)
		}
	}
	return result
}

func (s *Store) Get(ctx context.Context, key tieredcache.CacheKey, policy tieredcache.Policy) (tieredcache.Value, error) {
	if v, ok := s.pending.Get(key); ok {
		if policy.Has(tieredcache.SkipData) {
			v = v.RemoveData()
		}
		return v, nil
	}
	return s.inner.Get(ctx, key, policy)
}

// GetAsync runs Get on the worker pool. The channel receives exactly one
// Result.
func (s *Store) GetAsync(ctx context.Context, key tieredcache.CacheKey, policy tieredcache.Policy) <-chan Result {
	ch := make(chan Result, 1)
	if err := ctx.Err(); err != nil {
		ch <- Result{Err: err}
		return ch
	}
	s.workers.Go(func() {
		v, err := s.Get(ctx, key, policy)
		ch <- Result{Value: v, Err: err}
	})
	return ch
}

// Put queues the write and returns Executing. A request whose context is
// already done is dropped. Identical concurrent writes collapse into one.
func (s *Store) Put(ctx context.Context, key tieredcache.CacheKey, value tieredcache.Value, allowOverwrite bool) store.PutStatus {
	return s.PutPolicy(ctx, key, value, allowOverwrite, tieredcache.Default)
}

// PutPolicy is Put with the write gated by policy in the wrapped tier.
func (s *Store) PutPolicy(ctx context.Context, key tieredcache.CacheKey, value tieredcache.Value, allowOverwrite bool, policy tieredcache.Policy) store.PutStatus {
	if policy&tieredcache.Store == 0 {
		return store.Skipped
	}
	if ctx.Err() != nil || !s.inner.IsWritable() {
		return store.NotCached
	}
	release := s.pending.Add(key, value)
	bg := context.WithoutCancel(ctx)
	flight := key.String() + "@" + value.RawHash.String() + "/" + policy.String()

	s.workers.Go(func() {
		defer release()
		status, _, _ := s.puts.Do(bg, flight, func(ctx context.Context) (store.PutStatus, error) {
			return store.PutPolicy(ctx, s.inner, key, value, allowOverwrite, policy), nil
		})
		if !status.Accepted() {
			s.logger.Debug("async put not cached", "key", key, "status", status)
		}
	})
	return store.Executing
}

// Flush waits until the worker pool has no outstanding work.
func (s *Store) Flush(ctx context.Context) error {
	return s.workers.Tracker().WaitForQuiescence(ctx)
}

// Remove deletes key synchronously.
func (s *Store) Remove(ctx context.Context, key tieredcache.CacheKey, transient bool) {
	s.inner.Remove(ctx, key, transient)
}

func (s *Store) SpeedClass() store.SpeedClass { return s.inner.SpeedClass() }

func (s *Store) IsWritable() bool { return s.inner.IsWritable() }

// ApplyDebugOptions forwards to the wrapped tier.
func (s *Store) ApplyDebugOptions(opts store.DebugOptions) bool {
	return store.ApplyDebugOptions(s.inner, opts)
}

// Close waits for outstanding writes and closes the wrapped tier.
func (s *Store) Close() error {
	_ = s.workers.Tracker().WaitForQuiescence(context.Background())
	return store.Close(s.inner)
}

var (
	_ store.Store        = (*Store)(nil)
	_ store.BatchExister = (*Store)(nil)
	_ store.DebugApplier = (*Store)(nil)
	_ store.Flusher      = (*Store)(nil)
	_ store.PolicyPutter = (*Store)(nil)
)
