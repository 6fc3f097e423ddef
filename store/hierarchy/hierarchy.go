// Package hierarchy orders several tiers into one store. Lookups walk the
// tiers top-down and copy hits into the faster tiers above; writes go to
// every storing tier until one flagged StopStore accepts them.
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bits-and-blooms/bitset"

	tieredcache "github.com/wolfeidau/tiered-cache"
	"github.com/wolfeidau/tiered-cache/inflight"
	"github.com/wolfeidau/tiered-cache/store"
	"github.com/wolfeidau/tiered-cache/store/asyncstore"
	"github.com/wolfeidau/tiered-cache/telemetry"
)

// ErrNoSuchChild is returned by Unmount for unknown tiers.
var ErrNoSuchChild = errors.New("hierarchy: no such child")

// child is one mounted tier. Requests hold mu for reading while they use
// the tier, so Unmount can take it for writing to wait for them.
type child struct {
	store  store.Store
	flags  Flags
	mu     sync.RWMutex
	closed bool
}

// acquire locks the child for one request. It reports false once the child
// has been unmounted.
func (c *child) acquire() bool {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return false
	}
	return true
}

func (c *child) release() { c.mu.RUnlock() }

// ChildInfo describes a mounted tier.
type ChildInfo struct {
	Name  string
	Flags Flags
	Speed store.SpeedClass
}

// Hierarchy is a store made of ordered tiers.
type Hierarchy struct {
	name      string
	workers   *asyncstore.Workers
	backfills *inflight.Group[store.PutStatus]
	logger    *slog.Logger

	mu       sync.RWMutex
	children []*child
}

// Option configures a Hierarchy.
type Option func(*Hierarchy)

// WithWorkers runs backfills on workers. Without it backfills run on their
// own goroutines, untracked.
func WithWorkers(w *asyncstore.Workers) Option {
	return func(s *Hierarchy) {
		s.workers = w
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Hierarchy) {
		s.logger = logger
	}
}

// WithChild mounts a tier at construction time.
func WithChild(st store.Store, flags Flags) Option {
	return func(s *Hierarchy) {
		s.children = append(s.children, &child{store: st, flags: flags})
	}
}

// New creates a hierarchy.
func New(name string, opts ...Option) *Hierarchy {
	s := &Hierarchy{name: name, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "hierarchy", "tier", name)
	s.backfills = inflight.NewGroup[store.PutStatus](inflight.WithLogger(s.logger))
	return s
}

func (s *Hierarchy) Name() string { return s.name }

// Mount appends a tier below the existing ones.
func (s *Hierarchy) Mount(st store.Store, flags Flags) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]*child, len(s.children), len(s.children)+1)
	copy(next, s.children)
	s.children = append(next, &child{store: st, flags: flags})
	s.logger.Info("mounted tier", "child", st.Name(), "flags", flags)
}

// Unmount removes the named tier, waits for requests still using it, and
// closes it.
func (s *Hierarchy) Unmount(name string) error {
	s.mu.Lock()
	var removed *child
	next := make([]*child, 0, len(s.children))
	for _, c := range s.children {
		if removed == nil && c.store.Name() == name {
			removed = c
			continue
		}
		next = append(next, c)
	}
	s.children = next
	s.mu.Unlock()

	if removed == nil {
		return fmt.Errorf("%w: %s", ErrNoSuchChild, name)
	}
	removed.mu.Lock()
	removed.closed = true
	removed.mu.Unlock()
	s.logger.Info("unmounted tier", "child", name)
	return store.Close(removed.store)
}

// Children describes the mounted tiers in order.
func (s *Hierarchy) Children() []ChildInfo {
	children := s.snapshot()
	infos := make([]ChildInfo, len(children))
	for i, c := range children {
		infos[i] = ChildInfo{Name: c.store.Name(), Flags: c.flags, Speed: c.store.SpeedClass()}
	}
	return infos
}

func (s *Hierarchy) snapshot() []*child {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.children
}

func queryable(c *child, policy tieredcache.Policy) bool {
	return c.flags.Has(Query) && policy.HasQuery(c.flags.IsLocal())
}

// Exists reports whether any queryable tier probably holds key.
func (s *Hierarchy) Exists(ctx context.Context, key tieredcache.CacheKey) bool {
	for _, c := range s.snapshot() {
		if !queryable(c, tieredcache.Default) || !c.acquire() {
			continue
		}
		ok := c.store.Exists(ctx, key)
		c.release()
		if ok {
			return true
		}
	}
	return false
}

// ExistsBatch asks each tier only about the keys still unresolved.
func (s *Hierarchy) ExistsBatch(ctx context.Context, keys []tieredcache.CacheKey) *bitset.BitSet {
	result := bitset.New(uint(len(keys)))
	for _, c := range s.snapshot() {
		if result.Count() == uint(len(keys)) {
			break
		}
		if !queryable(c, tieredcache.Default) || !c.acquire() {
			continue
		}
		var pending []tieredcache.CacheKey
		var idx []uint
		for i, key := range keys {
			if !result.Test(uint(i)) {
				pending = append(pending, key)
				idx = append(idx, uint(i))
			}
		}
		found := store.ExistsBatch(ctx, c.store, pending)
		c.release()
		for i, j := range idx {
			if found.Test(uint(i)) {
				result.Set(j)
			}
		}
	}
	return result
}

// Get returns the first hit walking the tiers in order. A hit is copied
// asynchronously into the storing tiers above it unless the tier is flagged
// NoBackfillLowerCacheLevels.
func (s *Hierarchy) Get(ctx context.Context, key tieredcache.CacheKey, policy tieredcache.Policy) (tieredcache.Value, error) {
	children := s.snapshot()
	for i, c := range children {
		if !queryable(c, policy) || !c.acquire() {
			continue
		}
		v, err := c.store.Get(ctx, key, policy)
		c.release()
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.logger.Debug("tier lookup failed", "child", c.store.Name(), "key", key, "error", err)
			}
			continue
		}
		if i > 0 && c.flags.Backfills() && v.HasData() && !policy.Has(tieredcache.SkipData) {
			s.backfill(ctx, children[:i], key, v, policy)
		}
		return v, nil
	}
	return tieredcache.Value{}, store.ErrNotFound
}

// Put writes to every storing tier top-down and stops once a StopStore
// tier accepted the write.
func (s *Hierarchy) Put(ctx context.Context, key tieredcache.CacheKey, value tieredcache.Value, allowOverwrite bool) store.PutStatus {
	return s.putTiers(ctx, s.snapshot(), key, value, allowOverwrite, tieredcache.Default)
}

// PutPolicy is Put restricted to the tier classes policy allows.
func (s *Hierarchy) PutPolicy(ctx context.Context, key tieredcache.CacheKey, value tieredcache.Value, allowOverwrite bool, policy tieredcache.Policy) store.PutStatus {
	return s.putTiers(ctx, s.snapshot(), key, value, allowOverwrite, policy)
}

func (s *Hierarchy) putTiers(ctx context.Context, children []*child, key tieredcache.CacheKey, value tieredcache.Value, allowOverwrite bool, policy tieredcache.Policy) store.PutStatus {
	result := store.NotCached
	for _, c := range children {
		if !c.flags.Has(Store) || !policy.HasStore(c.flags.IsLocal()) || !c.acquire() {
			continue
		}
		status := c.store.Put(ctx, key, value, allowOverwrite)
		c.release()
		result = merge(result, status)
		if c.flags.Has(StopStore) && status.Accepted() {
			break
		}
	}
	return result
}

// merge ranks outcomes Cached > Executing > Skipped > NotCached.
func merge(a, b store.PutStatus) store.PutStatus {
	rank := func(p store.PutStatus) int {
		switch p {
		case store.Cached:
			return 3
		case store.Executing:
			return 2
		case store.Skipped:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

func (s *Hierarchy) backfill(ctx context.Context, above []*child, key tieredcache.CacheKey, v tieredcache.Value, policy tieredcache.Policy) {
	bg := context.WithoutCancel(ctx)
	flight := key.String()
	run := func() {
		status, _, _ := s.backfills.Do(bg, flight, func(ctx context.Context) (store.PutStatus, error) {
			return s.putTiers(ctx, above, key, v, false, policy), nil
		})
		telemetry.RecordBackfill(bg, s.name, status.String())
		s.logger.Debug("backfilled", "key", key, "status", status)
	}
	if s.workers != nil {
		s.workers.Go(run)
		return
	}
	go run()
}

// Flush waits for queued writes in every child.
func (s *Hierarchy) Flush(ctx context.Context) error {
	for _, c := range s.snapshot() {
		if !c.acquire() {
			continue
		}
		err := store.Flush(ctx, c.store)
		c.release()
		if err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes key from every tier.
func (s *Hierarchy) Remove(ctx context.Context, key tieredcache.CacheKey, transient bool) {
	for _, c := range s.snapshot() {
		if !c.acquire() {
			continue
		}
		c.store.Remove(ctx, key, transient)
		c.release()
	}
}

// SpeedClass is the fastest child's class.
func (s *Hierarchy) SpeedClass() store.SpeedClass {
	best := store.SpeedUnknown
	for _, c := range s.snapshot() {
		if sc := c.store.SpeedClass(); sc > best {
			best = sc
		}
	}
	return best
}

// IsWritable reports whether any storing child is writable.
func (s *Hierarchy) IsWritable() bool {
	for _, c := range s.snapshot() {
		if c.flags.Has(Store) && c.store.IsWritable() {
			return true
		}
	}
	return false
}

// Close closes every child.
func (s *Hierarchy) Close() error {
	s.mu.Lock()
	children := s.children
	s.children = nil
	s.mu.Unlock()

	var errs []error
	for _, c := range children {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		if err := store.Close(c.store); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", c.store.Name(), err))
		}
	}
	return errors.Join(errs...)
}

var (
	_ store.Store        = (*Hierarchy)(nil)
	_ store.BatchExister = (*Hierarchy)(nil)
	_ store.PolicyPutter = (*Hierarchy)(nil)
	_ store.Flusher      = (*Hierarchy)(nil)
)
