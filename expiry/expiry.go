package expiry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/tiered-cache/backend"
	"github.com/wolfeidau/tiered-cache/telemetry"
)

const defaultCheckInterval = time.Hour

// Config bounds a FileSystem tier. A zero limit is not enforced.
type Config struct {
	// Name labels logs and metrics.
	Name string

	// UnusedFileAge is how long a file may go unread before it is deleted.
	UnusedFileAge time.Duration

	// MaxSize caps the total size of tracked files in bytes. The least
	// recently used files go first.
	MaxSize int64

	// CheckInterval defaults to an hour.
	CheckInterval time.Duration

	Logger *slog.Logger
}

// Reason says why an entry was chosen for deletion.
type Reason string

const (
	ReasonUnused   Reason = "unused"
	ReasonOverSize Reason = "over_size"
)

// Victim is an entry a sweep will delete.
type Victim struct {
	*Entry
	Reason Reason
}

// Plan picks the entries to delete from entries, which must be ordered least
// recently used first. Entries last accessed before cutoff go first; a zero
// cutoff skips that step. Then the oldest survivors go until the total is at
// most maxSize, unless maxSize is zero.
func Plan(entries []*Entry, cutoff time.Time, maxSize int64) []Victim {
	var victims []Victim
	var kept []*Entry
	var total int64
	for _, e := range entries {
		if !cutoff.IsZero() && e.LastAccessed.Before(cutoff) {
			victims = append(victims, Victim{Entry: e, Reason: ReasonUnused})
			continue
		}
		kept = append(kept, e)
		total += e.Size
	}
	if maxSize <= 0 {
		return victims
	}
	for _, e := range kept {
		if total <= maxSize {
			break
		}
		victims = append(victims, Victim{Entry: e, Reason: ReasonOverSize})
		total -= e.Size
	}
	return victims
}

// Result summarises one sweep.
type Result struct {
	Unused     int
	OverSize   int
	Errors     int
	BytesFreed int64
	Duration   time.Duration
}

// Deleted is the number of files removed.
func (r Result) Deleted() int { return r.Unused + r.OverSize }

// Manager sweeps a tier's files against its Config, once per CheckInterval
// after Start.
type Manager struct {
	config  Config
	index   *Index
	backend backend.Backend
	logger  *slog.Logger
	now     func() time.Time
	onEvict func(key string)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

type ManagerOption func(*Manager)

// WithOnEvict is called with the storage path of each deleted file.
func WithOnEvict(fn func(key string)) ManagerOption {
	return func(m *Manager) { m.onEvict = fn }
}

func NewManager(index *Index, b backend.Backend, cfg Config, opts ...ManagerOption) *Manager {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "expiry"
	}
	m := &Manager{
		config:  cfg,
		index:   index,
		backend: b,
		logger:  cfg.Logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start sweeps immediately and then every CheckInterval until ctx ends or
// Stop is called. Later calls are no-ops.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.done != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
}

// Stop ends the background loop and waits for a sweep in progress. It is
// safe to call more than once, and before Start.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.closed = true
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()
	for {
		m.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep deletes what Plan selects under the configured limits.
func (m *Manager) Sweep(ctx context.Context) Result {
	var cutoff time.Time
	if m.config.UnusedFileAge > 0 {
		cutoff = m.now().Add(-m.config.UnusedFileAge)
	}
	return m.sweep(ctx, cutoff, m.config.MaxSize)
}

// ExpireOlderThan deletes every file unused for longer than age, ignoring
// the size limit. A negative age deletes everything.
func (m *Manager) ExpireOlderThan(ctx context.Context, age time.Duration) Result {
	return m.sweep(ctx, m.now().Add(-age), 0)
}

// Stats reports what the index tracks.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	return m.index.GetStats(ctx)
}

func (m *Manager) sweep(ctx context.Context, cutoff time.Time, maxSize int64) Result {
	start := m.now()
	var res Result
	entries, err := m.index.List(ctx)
	if err != nil {
		m.logger.Error("listing access index failed", "error", err)
		res.Errors++
		return res
	}

	for _, v := range Plan(entries, cutoff, maxSize) {
		if ctx.Err() != nil {
			break
		}
		if err := m.delete(ctx, v.Key); err != nil {
			m.logger.Warn("deleting cache file failed", "key", v.Key, "reason", v.Reason, "error", err)
			res.Errors++
			continue
		}
		if v.Reason == ReasonUnused {
			res.Unused++
		} else {
			res.OverSize++
		}
		res.BytesFreed += v.Size
		m.logger.Debug("deleted cache file", "key", v.Key, "reason", v.Reason,
			"size", v.Size, "last_accessed", v.LastAccessed)
	}

	res.Duration = m.now().Sub(start)
	telemetry.RecordReaperCycle(ctx, m.config.Name, res.Deleted(), res.Duration)
	if res.Deleted() > 0 {
		m.logger.Info("expiry sweep", "unused", res.Unused, "over_size", res.OverSize,
			"bytes_freed", res.BytesFreed, "errors", res.Errors, "duration", res.Duration)
	}
	return res
}

func (m *Manager) delete(ctx context.Context, key string) error {
	if err := m.backend.Delete(ctx, key); err != nil && !errors.Is(err, backend.ErrNotFound) {
		return err
	}
	if err := m.index.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if m.onEvict != nil {
		m.onEvict(key)
	}
	return nil
}
