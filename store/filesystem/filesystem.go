// Package filesystem implements the local disk cache tier. Values are
// stored one per file under bucket/hh/hex with a framed header so metadata
// lookups do not need to read the payload.
package filesystem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	tieredcache "github.com/wolfeidau/tiered-cache"
	"github.com/wolfeidau/tiered-cache/backend"
	"github.com/wolfeidau/tiered-cache/expiry"
	"github.com/wolfeidau/tiered-cache/store"
	"github.com/wolfeidau/tiered-cache/telemetry"
)

// IndexFile is the name of the access index kept in the cache root.
const IndexFile = ".access-index.db"

// Config configures a FileSystem tier.
type Config struct {
	// Name identifies the tier. Default: "FileSystem".
	Name string

	// Root is the cache directory.
	Root string

	// ReadOnly rejects writes. Puts report Skipped.
	ReadOnly bool

	// NoTouch disables access time updates on reads.
	NoTouch bool

	// UnusedFileAge deletes files not read for this long. Zero disables it.
	UnusedFileAge time.Duration

	// MaxSize bounds the total size of stored files. Zero means unbounded.
	MaxSize int64

	// CheckInterval is how often expiry runs. Default: 1 hour.
	CheckInterval time.Duration

	Logger *slog.Logger
}

// Store is the FileSystem tier.
type Store struct {
	store.Debuggable

	name     string
	readOnly bool
	touch    bool
	fs       *backend.Filesystem
	backend  *backend.Metered
	index    *expiry.Index
	expiry   *expiry.Manager
	logger   *slog.Logger
	now      func() time.Time

	closeOnce sync.Once
	closeErr  error
}

// New opens a FileSystem tier rooted at cfg.Root. Writable tiers keep an
// access index and start background expiry when an age or size limit is
// configured.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, errors.New("filesystem tier: root path is required")
	}
	if cfg.Name == "" {
		cfg.Name = "FileSystem"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "filesystem", "tier", cfg.Name)

	fs, err := backend.NewFilesystem(cfg.Root, backend.WithReadOnly(cfg.ReadOnly))
	if err != nil {
		return nil, fmt.Errorf("filesystem tier %s: %w", cfg.Name, err)
	}

	s := &Store{
		name:     cfg.Name,
		readOnly: cfg.ReadOnly,
		touch:    !cfg.NoTouch && !cfg.ReadOnly,
		fs:       fs,
		backend:  backend.NewMetered(fs, cfg.Name),
		logger:   logger,
		now:      time.Now,
	}
	s.SetNativeSpeed(store.SpeedLocal)
	if cfg.ReadOnly {
		return s, nil
	}

	s.index, err = expiry.OpenIndex(filepath.Join(fs.Root(), IndexFile), expiry.WithIndexLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("filesystem tier %s: %w", cfg.Name, err)
	}
	if cfg.UnusedFileAge > 0 || cfg.MaxSize > 0 {
		s.expiry = expiry.NewManager(s.index, s.backend, expiry.Config{
			Name:          cfg.Name,
			UnusedFileAge: cfg.UnusedFileAge,
			MaxSize:       cfg.MaxSize,
			CheckInterval: cfg.CheckInterval,
			Logger:        logger,
		})
		s.expiry.Start(ctx)
	}
	return s, nil
}

func (s *Store) Name() string { return s.name }

// Root returns the cache directory.
func (s *Store) Root() string { return s.fs.Root() }

// Exists reports whether a file exists for key.
func (s *Store) Exists(ctx context.Context, key tieredcache.CacheKey) bool {
	if s.SimulateMiss(ctx, key) {
		telemetry.RecordSimulatedMiss(ctx, s.name)
		return false
	}
	ok, err := s.backend.Exists(ctx, key.StoragePath())
	if err != nil {
		s.logger.Warn("exists check failed", "key", key, "error", err)
		return false
	}
	return ok
}

// Get reads the value for key. Corrupt files are logged, removed when the
// tier is writable, and reported as a miss.
func (s *Store) Get(ctx context.Context, key tieredcache.CacheKey, policy tieredcache.Policy) (tieredcache.Value, error) {
	start := time.Now()
	if s.SimulateMiss(ctx, key) {
		telemetry.RecordSimulatedMiss(ctx, s.name)
		telemetry.RecordStoreOp(ctx, s.name, "get", "miss", time.Since(start), 0)
		return tieredcache.Value{}, store.ErrNotFound
	}

	path := key.StoragePath()
	header, body, err := s.backend.ReadFramed(ctx, path)
	if errors.Is(err, backend.ErrNotFound) {
		telemetry.RecordStoreOp(ctx, s.name, "get", "miss", time.Since(start), 0)
		return tieredcache.Value{}, store.ErrNotFound
	}
	if err != nil {
		s.corrupt(ctx, key, err)
		return tieredcache.Value{}, store.ErrNotFound
	}
	defer func() { _ = body.Close() }()

	if header.Key != key {
		s.corrupt(ctx, key, fmt.Errorf("%w: header describes %s", tieredcache.ErrCorrupt, header.Key))
		return tieredcache.Value{}, store.ErrNotFound
	}

	var value tieredcache.Value
	if policy.Has(tieredcache.SkipData) {
		value = tieredcache.Value{RawHash: header.RawHash, RawSize: header.RawSize}
	} else {
		data, err := io.ReadAll(body)
		if err != nil {
			s.logger.Warn("reading cache file failed", "key", key, "error", err)
			return tieredcache.Value{}, store.ErrNotFound
		}
		value, err = tieredcache.DecodeValue(data)
		if err == nil && !header.Describes(key, value) {
			err = fmt.Errorf("%w: payload does not match header", tieredcache.ErrCorrupt)
		}
		if err == nil {
			err = value.Validate()
		}
		if err != nil {
			s.corrupt(ctx, key, err)
			return tieredcache.Value{}, store.ErrNotFound
		}
	}

	if s.touch {
		s.touchEntry(ctx, path)
	}
	telemetry.RecordStoreOp(ctx, s.name, "get", "hit", time.Since(start), int64(value.Size()))
	return value, nil
}

// Put writes value to disk.
func (s *Store) Put(ctx context.Context, key tieredcache.CacheKey, value tieredcache.Value, allowOverwrite bool) store.PutStatus {
	start := time.Now()
	if s.readOnly {
		return store.Skipped
	}
	s.RecordPut(ctx, key)
	if !value.HasData() {
		return store.NotCached
	}

	path := key.StoragePath()
	if !allowOverwrite {
		if ok, err := s.backend.Exists(ctx, path); err == nil && ok {
			telemetry.RecordStoreOp(ctx, s.name, "put", "exists", time.Since(start), 0)
			return store.Cached
		}
	}

	body := value.Encode()
	header := backend.HeaderFor(key, value, len(body), s.now())
	if err := s.backend.WriteFramed(ctx, path, header, bytes.NewReader(body)); err != nil {
		s.logger.Warn("writing cache file failed", "key", key, "error", err)
		telemetry.RecordStoreOp(ctx, s.name, "put", "error", time.Since(start), 0)
		return store.NotCached
	}
	if s.index != nil {
		if err := s.index.Create(ctx, path, int64(len(body))); err != nil {
			s.logger.Debug("access index update failed", "key", key, "error", err)
		}
	}
	telemetry.RecordStoreOp(ctx, s.name, "put", "stored", time.Since(start), int64(len(body)))
	return store.Cached
}

// Remove deletes the file for key. Transient removals are ignored because
// the disk cache outlives the process.
func (s *Store) Remove(ctx context.Context, key tieredcache.CacheKey, transient bool) {
	if transient || s.readOnly {
		return
	}
	s.remove(ctx, key.StoragePath())
}

// SpeedClass is Local unless overridden by debug options.
func (s *Store) SpeedClass() store.SpeedClass {
	return s.EffectiveSpeed(store.SpeedLocal)
}

// IsWritable reports whether the tier accepts writes.
func (s *Store) IsWritable() bool { return !s.readOnly }

// RunExpiry runs one expiry pass immediately. It is a no-op for read-only
// tiers and tiers without limits.
func (s *Store) RunExpiry(ctx context.Context) expiry.Result {
	if s.expiry == nil {
		return expiry.Result{}
	}
	return s.expiry.Sweep(ctx)
}

// Close stops expiry and closes the access index.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.expiry != nil {
			s.expiry.Stop()
		}
		if s.index != nil {
			s.closeErr = s.index.Close()
		}
	})
	return s.closeErr
}

func (s *Store) touchEntry(ctx context.Context, path string) {
	if err := s.backend.Touch(ctx, path, s.now()); err != nil {
		s.logger.Debug("touch failed", "path", path, "error", err)
	}
	if s.index != nil {
		if err := s.index.Touch(ctx, path); errors.Is(err, expiry.ErrNotFound) {
			// files written by an earlier process without an index record
			if size, serr := s.backend.Size(ctx, path); serr == nil {
				_ = s.index.Create(ctx, path, size)
			}
		}
	}
}

func (s *Store) corrupt(ctx context.Context, key tieredcache.CacheKey, err error) {
	s.logger.Warn("corrupt cache file", "key", key, "error", err)
	telemetry.RecordStoreOp(ctx, s.name, "get", "corrupt", 0, 0)
	if !s.readOnly {
		s.remove(ctx, key.StoragePath())
	}
}

func (s *Store) remove(ctx context.Context, path string) {
	if err := s.backend.Delete(ctx, path); err != nil {
		s.logger.Warn("removing cache file failed", "path", path, "error", err)
	}
	if s.index != nil {
		_ = s.index.Delete(ctx, path)
	}
}

var (
	_ store.Store        = (*Store)(nil)
	_ store.DebugApplier = (*Store)(nil)
	_ io.Closer          = (*Store)(nil)
)
