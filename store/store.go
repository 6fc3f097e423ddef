// Package store defines the contract shared by every cache tier along with
// the optional capabilities a tier may implement.
package store

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/bits-and-blooms/bitset"

	tieredcache "github.com/wolfeidau/tiered-cache"
)

// ErrNotFound is returned by Get on a miss.
var ErrNotFound = tieredcache.ErrNotFound

// Store is a cache tier. Implementations must be safe for concurrent use.
//
// Exists is probabilistic: a true result may be followed by a Get miss when
// the entry is evicted or the tier fails in between. Remove is best effort.
type Store interface {
	// Name identifies the tier in logs and configuration.
	Name() string

	// Exists reports whether key is likely present.
	Exists(ctx context.Context, key tieredcache.CacheKey) bool

	// Get returns the value for key or ErrNotFound. With SkipData in policy
	// the returned value may have no payload.
	Get(ctx context.Context, key tieredcache.CacheKey, policy tieredcache.Policy) (tieredcache.Value, error)

	// Put writes value under key. Existing entries are kept unless
	// allowOverwrite is set.
	Put(ctx context.Context, key tieredcache.CacheKey, value tieredcache.Value, allowOverwrite bool) PutStatus

	// Remove deletes key. Transient removals may be ignored by persistent
	// tiers.
	Remove(ctx context.Context, key tieredcache.CacheKey, transient bool)

	// SpeedClass returns the tier's access speed.
	SpeedClass() SpeedClass

	// IsWritable reports whether Put can ever store data.
	IsWritable() bool
}

// PutStatus is the outcome of a Put.
type PutStatus uint8

const (
	// NotCached means the write failed or was refused.
	NotCached PutStatus = iota
	// Cached means the value is stored.
	Cached
	// Executing means the write continues in the background.
	Executing
	// Skipped means the tier chose not to store the value.
	Skipped
)

func (s PutStatus) String() string {
	switch s {
	case NotCached:
		return "NotCached"
	case Cached:
		return "Cached"
	case Executing:
		return "Executing"
	case Skipped:
		return "Skipped"
	default:
		return fmt.Sprintf("PutStatus(%d)", uint8(s))
	}
}

// Accepted reports whether the write was stored or is being stored.
func (s PutStatus) Accepted() bool {
	return s == Cached || s == Executing
}

// SpeedClass orders tiers by access latency.
type SpeedClass uint8

const (
	SpeedUnknown SpeedClass = iota
	SpeedSlow
	SpeedOk
	SpeedFast
	SpeedLocal
)

var speedNames = [...]string{"Unknown", "Slow", "Ok", "Fast", "Local"}

func (s SpeedClass) String() string {
	if int(s) < len(speedNames) {
		return speedNames[s]
	}
	return fmt.Sprintf("SpeedClass(%d)", uint8(s))
}

// ParseSpeedClass parses a speed class name case-insensitively.
func ParseSpeedClass(s string) (SpeedClass, error) {
	for i, name := range speedNames {
		if strings.EqualFold(s, name) {
			return SpeedClass(i), nil
		}
	}
	return SpeedUnknown, fmt.Errorf("unknown speed class %q", s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SpeedClass) UnmarshalText(text []byte) error {
	v, err := ParseSpeedClass(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// BatchExister is implemented by tiers that can answer several existence
// queries in one round trip.
type BatchExister interface {
	ExistsBatch(ctx context.Context, keys []tieredcache.CacheKey) *bitset.BitSet
}

// ExistsBatch queries keys against s, using the batch capability when
// available and falling back to one Exists call per key. Bit i is set when
// keys[i] is likely present.
func ExistsBatch(ctx context.Context, s Store, keys []tieredcache.CacheKey) *bitset.BitSet {
	if be, ok := s.(BatchExister); ok {
		return be.ExistsBatch(ctx, keys)
	}
	result := bitset.New(uint(len(keys)))
	for i, key := range keys {
		if s.Exists(ctx, key) {
			result.Set(uint(i))
		}
	}
	return result
}

// PolicyPutter is implemented by composite tiers that gate writes by tier
// class.
type PolicyPutter interface {
	PutPolicy(ctx context.Context, key tieredcache.CacheKey, value tieredcache.Value, allowOverwrite bool, policy tieredcache.Policy) PutStatus
}

// PutPolicy writes value to s under policy. Tiers without the capability
// store whenever the policy allows any store.
func PutPolicy(ctx context.Context, s Store, key tieredcache.CacheKey, value tieredcache.Value, allowOverwrite bool, policy tieredcache.Policy) PutStatus {
	if pp, ok := s.(PolicyPutter); ok {
		return pp.PutPolicy(ctx, key, value, allowOverwrite, policy)
	}
	if policy&tieredcache.Store == 0 {
		return Skipped
	}
	return s.Put(ctx, key, value, allowOverwrite)
}

// Flusher is implemented by tiers whose Put can return Executing. Flush
// blocks until writes queued before the call have landed.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Flush waits for queued writes in s. Tiers without the capability write
// synchronously and return at once.
func Flush(ctx context.Context, s Store) error {
	if f, ok := s.(Flusher); ok {
		return f.Flush(ctx)
	}
	return nil
}

// DebugApplier is implemented by tiers that support fault injection.
type DebugApplier interface {
	ApplyDebugOptions(opts DebugOptions) bool
}

// ApplyDebugOptions applies opts to s. It returns false when s does not
// support debug options; callers should warn and continue.
func ApplyDebugOptions(s Store, opts DebugOptions) bool {
	if da, ok := s.(DebugApplier); ok {
		return da.ApplyDebugOptions(opts)
	}
	return false
}

// Close closes s if it holds resources.
func Close(s Store) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Disabler is implemented by tiers that can be switched off at runtime.
type Disabler interface {
	Disable()
}
