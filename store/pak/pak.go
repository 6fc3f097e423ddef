// Package pak implements archive tiers backed by a single bbolt file. A
// ReadPak serves a prebuilt archive shipped alongside an install; a WritePak
// collects everything written to it so the file can be shipped later.
package pak

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	tieredcache "github.com/wolfeidau/tiered-cache"
	"github.com/wolfeidau/tiered-cache/store"
	"github.com/wolfeidau/tiered-cache/telemetry"
)

var bucketValues = []byte("values") // bucket/hex -> encoded value

// ErrClosed is returned when an archive is used after Close.
var ErrClosed = errors.New("pak: archive closed")

// archive holds the shared read path of both pak tiers.
type archive struct {
	store.Debuggable

	name   string
	path   string
	logger *slog.Logger

	mu sync.RWMutex
	db *bbolt.DB
}

func openArchive(name, path string, readOnly bool, logger *slog.Logger) (*archive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if readOnly {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("pak %s: %w", name, err)
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second, ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("pak %s: opening %s: %w", name, path, err)
	}
	if !readOnly {
		err = db.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketValues)
			return err
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("pak %s: creating bucket: %w", name, err)
		}
	}
	a := &archive{
		name:   name,
		path:   path,
		db:     db,
		logger: logger.With("component", "pak", "tier", name),
	}
	a.SetNativeSpeed(store.SpeedLocal)
	return a, nil
}

func (a *archive) Name() string { return a.name }

// Path returns the archive file.
func (a *archive) Path() string { return a.path }

func (a *archive) Exists(ctx context.Context, key tieredcache.CacheKey) bool {
	if a.SimulateMiss(ctx, key) {
		telemetry.RecordSimulatedMiss(ctx, a.name)
		return false
	}
	found := false
	_ = a.view(func(b *bbolt.Bucket) error {
		found = b.Get([]byte(key.String())) != nil
		return nil
	})
	return found
}

func (a *archive) Get(ctx context.Context, key tieredcache.CacheKey, policy tieredcache.Policy) (tieredcache.Value, error) {
	start := time.Now()
	if a.SimulateMiss(ctx, key) {
		telemetry.RecordSimulatedMiss(ctx, a.name)
		return tieredcache.Value{}, store.ErrNotFound
	}
	var data []byte
	err := a.view(func(b *bbolt.Bucket) error {
		if v := b.Get([]byte(key.String())); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || data == nil {
		telemetry.RecordStoreOp(ctx, a.name, "get", "miss", time.Since(start), 0)
		return tieredcache.Value{}, store.ErrNotFound
	}
	value, err := tieredcache.DecodeValue(data)
	if err == nil && !policy.Has(tieredcache.SkipData) {
		err = value.Validate()
	}
	if err != nil {
		a.logger.Warn("corrupt archive entry", "key", key, "error", err)
		telemetry.RecordStoreOp(ctx, a.name, "get", "corrupt", time.Since(start), 0)
		return tieredcache.Value{}, store.ErrNotFound
	}
	if policy.Has(tieredcache.SkipData) {
		value = value.RemoveData()
	}
	telemetry.RecordStoreOp(ctx, a.name, "get", "hit", time.Since(start), int64(len(data)))
	return value, nil
}

// Keys returns every key in the archive.
func (a *archive) Keys(ctx context.Context) ([]tieredcache.CacheKey, error) {
	var keys []tieredcache.CacheKey
	err := a.view(func(b *bbolt.Bucket) error {
		return b.ForEach(func(k, _ []byte) error {
			key, err := tieredcache.ParseCacheKey(string(k))
			if err != nil {
				a.logger.Warn("skipping malformed archive key", "key", string(k))
				return nil
			}
			keys = append(keys, key)
			return ctx.Err()
		})
	})
	return keys, err
}

// Remove is a no-op; archives are immutable apart from appends.
func (a *archive) Remove(context.Context, tieredcache.CacheKey, bool) {}

func (a *archive) SpeedClass() store.SpeedClass {
	return a.EffectiveSpeed(store.SpeedLocal)
}

// Close closes the archive file. Later operations miss.
func (a *archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

func (a *archive) view(fn func(b *bbolt.Bucket) error) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.db == nil {
		return ErrClosed
	}
	return a.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketValues)
		if b == nil {
			return store.ErrNotFound
		}
		return fn(b)
	})
}

// ReadPak is a read-only archive tier.
type ReadPak struct {
	*archive
}

// OpenReadPak opens an existing archive read-only.
func OpenReadPak(name, path string, logger *slog.Logger) (*ReadPak, error) {
	a, err := openArchive(name, path, true, logger)
	if err != nil {
		return nil, err
	}
	return &ReadPak{archive: a}, nil
}

// Put is refused by read-only archives.
func (p *ReadPak) Put(context.Context, tieredcache.CacheKey, tieredcache.Value, bool) store.PutStatus {
	return store.Skipped
}

func (p *ReadPak) IsWritable() bool { return false }

// WritePak is an append-only archive tier.
type WritePak struct {
	*archive
}

// OpenWritePak opens or creates a writable archive.
func OpenWritePak(name, path string, logger *slog.Logger) (*WritePak, error) {
	a, err := openArchive(name, path, false, logger)
	if err != nil {
		return nil, err
	}
	return &WritePak{archive: a}, nil
}

// Put appends value. Existing entries are replaced only with allowOverwrite.
func (p *WritePak) Put(ctx context.Context, key tieredcache.CacheKey, value tieredcache.Value, allowOverwrite bool) store.PutStatus {
	start := time.Now()
	p.RecordPut(ctx, key)
	if !value.HasData() {
		return store.NotCached
	}
	encoded := value.Encode()
	status := store.Cached
	err := p.update(func(b *bbolt.Bucket) error {
		k := []byte(key.String())
		if !allowOverwrite && b.Get(k) != nil {
			return nil
		}
		return b.Put(k, encoded)
	})
	if err != nil {
		p.logger.Warn("archive write failed", "key", key, "error", err)
		status = store.NotCached
	}
	telemetry.RecordStoreOp(ctx, p.name, "put", status.String(), time.Since(start), int64(len(encoded)))
	return status
}

func (p *WritePak) IsWritable() bool { return true }

// Merge copies every entry of the archive at path that this archive does
// not already hold. It returns the number of entries copied.
func (p *WritePak) Merge(ctx context.Context, path string) (int, error) {
	src, err := OpenReadPak(p.name+"-merge", path, p.logger)
	if err != nil {
		return 0, err
	}
	defer func() { _ = src.Close() }()

	copied := 0
	err = src.view(func(from *bbolt.Bucket) error {
		return p.update(func(to *bbolt.Bucket) error {
			return from.ForEach(func(k, v []byte) error {
				if to.Get(k) != nil {
					return nil
				}
				copied++
				if err := to.Put(append([]byte(nil), k...), append([]byte(nil), v...)); err != nil {
					return err
				}
				return ctx.Err()
			})
		})
	})
	if err != nil {
		return 0, fmt.Errorf("pak %s: merging %s: %w", p.name, path, err)
	}
	p.logger.Info("merged archive", "source", path, "entries", copied)
	return copied, nil
}

func (p *WritePak) update(fn func(b *bbolt.Bucket) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.db == nil {
		return ErrClosed
	}
	return p.db.Update(func(tx *bbolt.Tx) error {
		return fn(tx.Bucket(bucketValues))
	})
}

var (
	_ store.Store        = (*ReadPak)(nil)
	_ store.Store        = (*WritePak)(nil)
	_ store.DebugApplier = (*ReadPak)(nil)
	_ store.DebugApplier = (*WritePak)(nil)
)
