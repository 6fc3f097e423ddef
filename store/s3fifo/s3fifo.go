// Package s3fifo implements the S3-FIFO eviction policy: a small
// probationary FIFO, a main FIFO with second chances and a ghost set of
// recently evicted keys. The policy tracks keys and sizes only; the owner
// stores the values and deletes whatever the policy evicts.
package s3fifo

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wolfeidau/tiered-cache/telemetry"
)

const (
	defaultSmallQueuePercent = 10
	ghostFloor               = 128 // minimum ghost max entries when auto-sizing
)

// Config holds S3-FIFO eviction configuration.
type Config struct {
	// Name labels metrics, usually the owning tier name.
	Name string

	// MaxSize is the maximum total size of tracked entries in bytes.
	MaxSize int64

	// SmallQueuePercent is the fraction of MaxSize reserved for the small
	// (probationary) queue. Default: 10.
	SmallQueuePercent int

	// GhostMaxEntries caps the ghost queue size.
	// 0 = auto: capped at the current main queue entry count (with a floor of ghostFloor).
	GhostMaxEntries int

	// Logger for eviction events.
	Logger *slog.Logger
}

// Stats is a snapshot of the queue state.
type Stats struct {
	SmallBytes int64
	MainBytes  int64
	SmallLen   int
	MainLen    int
	GhostLen   int
}

// Manager tracks admitted keys and decides which ones to evict when the
// byte budget is exceeded. Eviction runs inline in Admit, one decision at a
// time, until the total is back under MaxSize. Manager is safe for
// concurrent use.
type Manager[K comparable] struct {
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[K]*entry[K]
	small   fifo[K]
	main    fifo[K]
	ghost   *ghost[K]
}

// NewManager creates a Manager for cfg.
func NewManager[K comparable](cfg Config) *Manager[K] {
	if cfg.SmallQueuePercent <= 0 {
		cfg.SmallQueuePercent = defaultSmallQueuePercent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager[K]{
		config:  cfg,
		logger:  cfg.Logger,
		entries: make(map[K]*entry[K]),
		ghost:   newGhost[K](),
	}
}

// Admit records a newly stored key and returns the keys evicted to make
// room, which the caller must delete. Admitting a key that is already
// tracked updates its size in place. A key larger than MaxSize is evicted
// straight away.
func (m *Manager[K]) Admit(ctx context.Context, key K, size int64) []K {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok {
		q := m.queue(e.queue)
		q.bytes += size - e.size
		e.size = size
		return m.evictLocked(ctx)
	}

	e := &entry[K]{key: key, size: size}
	m.entries[key] = e
	if m.ghost.contains(key) {
		m.ghost.remove(key)
		m.main.pushHead(e, QueueMain)
		telemetry.RecordGhostHit(ctx, m.config.Name)
	} else {
		m.small.pushHead(e, QueueSmall)
	}
	return m.evictLocked(ctx)
}

// Access marks key as recently used. It reports whether the key is tracked.
func (m *Manager[K]) Access(key K) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return false
	}
	if e.freq < maxFrequency {
		e.freq++
	}
	return true
}

// Remove forgets key, including any ghost record of it.
func (m *Manager[K]) Remove(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		m.queue(e.queue).remove(e)
		delete(m.entries, key)
	}
	m.ghost.remove(key)
}

// Reset drops every tracked key and the ghost set.
func (m *Manager[K]) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.entries)
	m.small = fifo[K]{}
	m.main = fifo[K]{}
	m.ghost.reset()
}

// Bytes returns the tracked total.
func (m *Manager[K]) Bytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.small.bytes + m.main.bytes
}

// Stats returns a snapshot of the queue state.
func (m *Manager[K]) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		SmallBytes: m.small.bytes,
		MainBytes:  m.main.bytes,
		SmallLen:   m.small.len(),
		MainLen:    m.main.len(),
		GhostLen:   m.ghost.len(),
	}
}

func (m *Manager[K]) queue(name string) *fifo[K] {
	if name == QueueMain {
		return &m.main
	}
	return &m.small
}

// evictLocked makes eviction decisions until the total fits. Each decision
// either evicts one entry or moves one entry, so the loop terminates: moved
// entries lose frequency and are eventually evicted.
func (m *Manager[K]) evictLocked(ctx context.Context) []K {
	var evicted []K
	smallTarget := m.config.MaxSize * int64(m.config.SmallQueuePercent) / 100

	for m.small.bytes+m.main.bytes > m.config.MaxSize {
		var victim *entry[K]
		if m.small.len() > 0 && (m.small.bytes > smallTarget || m.main.len() == 0) {
			victim = m.evictFromSmall(ctx)
		} else if m.main.len() > 0 {
			victim = m.evictFromMain()
		}
		if victim == nil {
			continue
		}
		delete(m.entries, victim.key)
		evicted = append(evicted, victim.key)
		telemetry.RecordEviction(ctx, m.config.Name, victim.queue, victim.size)
	}

	if len(evicted) > 0 {
		m.logger.Debug("s3fifo: evicted entries",
			"tier", m.config.Name,
			"count", len(evicted),
			"small_bytes", m.small.bytes,
			"main_bytes", m.main.bytes,
		)
	}
	return evicted
}

// evictFromSmall pops the tail of the small queue and either promotes it to
// main when it was accessed while on probation, or evicts it and records it
// in the ghost set. It returns the evicted entry or nil on promotion.
func (m *Manager[K]) evictFromSmall(ctx context.Context) *entry[K] {
	e := m.small.popTail()
	if e.freq > 0 {
		e.freq = 0
		m.main.pushHead(e, QueueMain)
		telemetry.RecordPromotion(ctx, m.config.Name)
		return nil
	}
	m.ghost.add(e.key)
	m.ghost.trim(m.ghostMaxEntries())
	return e
}

// evictFromMain pops the tail of the main queue and either reinserts it
// with a decremented frequency or evicts it.
func (m *Manager[K]) evictFromMain() *entry[K] {
	e := m.main.popTail()
	if e.freq > 0 {
		e.freq--
		m.main.pushHead(e, QueueMain)
		return nil
	}
	return e
}

// ghostMaxEntries returns the effective maximum ghost queue size.
func (m *Manager[K]) ghostMaxEntries() int {
	if m.config.GhostMaxEntries > 0 {
		return m.config.GhostMaxEntries
	}
	if n := m.main.len(); n > ghostFloor {
		return n
	}
	return ghostFloor
}
