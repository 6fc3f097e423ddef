// Package verify wraps a tier with integrity checks. Reads are validated
// against the value's raw hash and writes are compared with what the tier
// already holds, which surfaces non-deterministic producers.
package verify

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	tieredcache "github.com/wolfeidau/tiered-cache"
	"github.com/wolfeidau/tiered-cache/store"
)

// Store is the Verify tier.
type Store struct {
	inner  store.Store
	fix    bool
	logger *slog.Logger

	corrupt    atomic.Int64
	mismatched atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithFix removes corrupt entries on read and replaces mismatched entries
// on write.
func WithFix(fix bool) Option {
	return func(s *Store) {
		s.fix = fix
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New wraps inner.
func New(inner store.Store, opts ...Option) *Store {
	s := &Store{inner: inner, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "verify", "tier", inner.Name())
	return s
}

func (s *Store) Name() string { return s.inner.Name() }

func (s *Store) Exists(ctx context.Context, key tieredcache.CacheKey) bool {
	return s.inner.Exists(ctx, key)
}

// Get returns the inner value after checking its integrity. Corrupt values
// are reported as misses.
func (s *Store) Get(ctx context.Context, key tieredcache.CacheKey, policy tieredcache.Policy) (tieredcache.Value, error) {
	value, err := s.inner.Get(ctx, key, policy)
	if err != nil {
		return value, err
	}
	if err := value.Validate(); err != nil {
		s.corrupt.Add(1)
		s.logger.Error("corrupt value", "key", key, "error", err, "fix", s.fix)
		if s.fix {
			s.inner.Remove(ctx, key, false)
		}
		return tieredcache.Value{}, store.ErrNotFound
	}
	return value, nil
}

// Put compares value with any existing entry before delegating.
func (s *Store) Put(ctx context.Context, key tieredcache.CacheKey, value tieredcache.Value, allowOverwrite bool) store.PutStatus {
	existing, err := s.inner.Get(ctx, key, tieredcache.Default|tieredcache.SkipData)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		s.logger.Warn("verify lookup failed", "key", key, "error", err)
	case !existing.Equal(value):
		s.mismatched.Add(1)
		s.logger.Error("non-deterministic value",
			"key", key,
			"existing_hash", existing.RawHash.ShortString(),
			"existing_size", existing.RawSize,
			"new_hash", value.RawHash.ShortString(),
			"new_size", value.RawSize,
		)
		if s.fix {
			allowOverwrite = true
		}
	}
	return s.inner.Put(ctx, key, value, allowOverwrite)
}

func (s *Store) Remove(ctx context.Context, key tieredcache.CacheKey, transient bool) {
	s.inner.Remove(ctx, key, transient)
}

func (s *Store) SpeedClass() store.SpeedClass { return s.inner.SpeedClass() }

func (s *Store) IsWritable() bool { return s.inner.IsWritable() }

// ApplyDebugOptions forwards to the wrapped tier.
func (s *Store) ApplyDebugOptions(opts store.DebugOptions) bool {
	return store.ApplyDebugOptions(s.inner, opts)
}

// Close closes the wrapped tier.
func (s *Store) Close() error { return store.Close(s.inner) }

// Inner returns the wrapped tier.
func (s *Store) Inner() store.Store { return s.inner }

// Corrupt returns the number of corrupt reads seen.
func (s *Store) Corrupt() int64 { return s.corrupt.Load() }

// Mismatched returns the number of writes that disagreed with stored data.
func (s *Store) Mismatched() int64 { return s.mismatched.Load() }

var _ store.Store = (*Store)(nil)
