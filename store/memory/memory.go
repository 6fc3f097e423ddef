// Package memory implements the in-process cache tier: a map of values kept
// within a byte budget by S3-FIFO eviction.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	tieredcache "github.com/wolfeidau/tiered-cache"
	"github.com/wolfeidau/tiered-cache/store"
	"github.com/wolfeidau/tiered-cache/store/s3fifo"
	"github.com/wolfeidau/tiered-cache/telemetry"
)

// DefaultMaxSize is the byte budget used when none is configured.
const DefaultMaxSize = 256 << 20

// Store is the Memory tier.
type Store struct {
	store.Debuggable

	name    string
	maxSize int64
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[tieredcache.CacheKey]tieredcache.Value
	evictor *s3fifo.Manager[tieredcache.CacheKey]

	disabled atomic.Bool
}

// Option configures a Store.
type Option func(*Store)

// WithName sets the tier name. Default: "Memory".
func WithName(name string) Option {
	return func(s *Store) {
		s.name = name
	}
}

// WithMaxSize sets the byte budget.
func WithMaxSize(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a Memory tier.
func New(opts ...Option) *Store {
	s := &Store{
		name:    "Memory",
		maxSize: DefaultMaxSize,
		logger:  slog.Default(),
		entries: make(map[tieredcache.CacheKey]tieredcache.Value),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "memory", "tier", s.name)
	s.evictor = s3fifo.NewManager[tieredcache.CacheKey](s3fifo.Config{
		Name:    s.name,
		MaxSize: s.maxSize,
		Logger:  s.logger,
	})
	s.SetNativeSpeed(store.SpeedLocal)
	return s
}

func (s *Store) Name() string { return s.name }

// Exists reports whether key is held in memory.
func (s *Store) Exists(ctx context.Context, key tieredcache.CacheKey) bool {
	if s.disabled.Load() {
		return false
	}
	if s.SimulateMiss(ctx, key) {
		telemetry.RecordSimulatedMiss(ctx, s.name)
		return false
	}
	s.mu.RLock()
	_, ok := s.entries[key]
	s.mu.RUnlock()
	return ok
}

// Get returns the value for key. With SkipData only the value metadata is
// returned.
func (s *Store) Get(ctx context.Context, key tieredcache.CacheKey, policy tieredcache.Policy) (tieredcache.Value, error) {
	start := time.Now()
	if s.disabled.Load() {
		return tieredcache.Value{}, store.ErrNotFound
	}
	if s.SimulateMiss(ctx, key) {
		telemetry.RecordSimulatedMiss(ctx, s.name)
		telemetry.RecordStoreOp(ctx, s.name, "get", "miss", time.Since(start), 0)
		return tieredcache.Value{}, store.ErrNotFound
	}

	s.mu.RLock()
	v, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		telemetry.RecordStoreOp(ctx, s.name, "get", "miss", time.Since(start), 0)
		return tieredcache.Value{}, store.ErrNotFound
	}
	s.evictor.Access(key)
	if policy.Has(tieredcache.SkipData) {
		v = v.RemoveData()
	}
	telemetry.RecordStoreOp(ctx, s.name, "get", "hit", time.Since(start), int64(v.Size()))
	return v, nil
}

// Put stores value. Values without data and values larger than the whole
// budget are not cached.
func (s *Store) Put(ctx context.Context, key tieredcache.CacheKey, value tieredcache.Value, allowOverwrite bool) store.PutStatus {
	start := time.Now()
	if s.disabled.Load() {
		return store.NotCached
	}
	s.RecordPut(ctx, key)

	if !value.HasData() {
		return store.NotCached
	}
	size := int64(value.Size())
	if size > s.maxSize {
		s.logger.Debug("value exceeds memory budget", "key", key, "size", size)
		telemetry.RecordStoreOp(ctx, s.name, "put", "too_large", time.Since(start), size)
		return store.NotCached
	}

	s.mu.Lock()
	if _, exists := s.entries[key]; exists && !allowOverwrite {
		s.mu.Unlock()
		telemetry.RecordStoreOp(ctx, s.name, "put", "exists", time.Since(start), 0)
		return store.Cached
	}
	s.entries[key] = value
	for _, victim := range s.evictor.Admit(ctx, key, size) {
		delete(s.entries, victim)
	}
	_, kept := s.entries[key]
	s.mu.Unlock()

	if !kept {
		telemetry.RecordStoreOp(ctx, s.name, "put", "evicted", time.Since(start), size)
		return store.NotCached
	}
	telemetry.RecordStoreOp(ctx, s.name, "put", "stored", time.Since(start), size)
	return store.Cached
}

// Remove deletes key. Memory is transient so every removal applies.
func (s *Store) Remove(ctx context.Context, key tieredcache.CacheKey, transient bool) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	s.evictor.Remove(key)
}

// SpeedClass is Local unless overridden by debug options.
func (s *Store) SpeedClass() store.SpeedClass {
	return s.EffectiveSpeed(store.SpeedLocal)
}

// IsWritable reports false once the tier is disabled.
func (s *Store) IsWritable() bool {
	return !s.disabled.Load()
}

// Wipe drops every entry, as if the process had restarted.
func (s *Store) Wipe() {
	s.mu.Lock()
	clear(s.entries)
	s.evictor.Reset()
	s.mu.Unlock()
	s.logger.Debug("memory tier wiped")
}

// Disable wipes the tier and turns every later operation into a miss.
func (s *Store) Disable() {
	s.disabled.Store(true)
	s.Wipe()
	s.logger.Info("memory tier disabled")
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Bytes returns the accounted size of all entries.
func (s *Store) Bytes() int64 {
	return s.evictor.Bytes()
}

var (
	_ store.Store        = (*Store)(nil)
	_ store.DebugApplier = (*Store)(nil)
	_ store.Disabler     = (*Store)(nil)
)
