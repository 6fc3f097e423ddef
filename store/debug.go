package store

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tieredcache "github.com/wolfeidau/tiered-cache"
)

// DebugOptions configures fault injection for a tier.
type DebugOptions struct {
	// RandomMissRate is the percentage (0-100) of keys that miss.
	RandomMissRate int
	// MissTypes lists key buckets that always miss.
	MissTypes []string
	// Speed overrides the tier speed class and adds matching latency.
	Speed SpeedClass
}

// IsZero reports whether the options inject nothing.
func (o DebugOptions) IsZero() bool {
	return o.RandomMissRate <= 0 && len(o.MissTypes) == 0 && o.Speed == SpeedUnknown
}

type decision uint8

const (
	undecided decision = iota
	decidedHit
	decidedMiss
)

// MissSimulator decides once per key whether lookups should pretend to
// miss. Decisions are remembered for the lifetime of the simulator so
// repeated lookups of a key agree with each other.
type MissSimulator struct {
	rate      int
	missTypes map[string]struct{}
	draw      func() int

	mu        sync.RWMutex
	decisions map[tieredcache.CacheKey]decision
}

// NewMissSimulator creates a simulator for opts.
func NewMissSimulator(opts DebugOptions) *MissSimulator {
	m := &MissSimulator{
		rate:      opts.RandomMissRate,
		missTypes: make(map[string]struct{}, len(opts.MissTypes)),
		draw:      func() int { return rand.IntN(100) },
		decisions: make(map[tieredcache.CacheKey]decision),
	}
	for _, t := range opts.MissTypes {
		m.missTypes[strings.ToLower(t)] = struct{}{}
	}
	return m
}

// ShouldMiss returns the memoized decision for key, deciding on first use.
func (m *MissSimulator) ShouldMiss(key tieredcache.CacheKey) bool {
	m.mu.RLock()
	d := m.decisions[key]
	m.mu.RUnlock()
	if d != undecided {
		return d == decidedMiss
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if d = m.decisions[key]; d == undecided {
		d = m.decide(key)
		m.decisions[key] = d
	}
	return d == decidedMiss
}

// RecordPut memoizes the decision for a key being written so later lookups
// stay consistent. The write itself is never blocked.
func (m *MissSimulator) RecordPut(key tieredcache.CacheKey) {
	m.ShouldMiss(key)
}

func (m *MissSimulator) decide(key tieredcache.CacheKey) decision {
	if m.rate >= 100 {
		return decidedMiss
	}
	if _, ok := m.missTypes[strings.ToLower(key.Bucket)]; ok {
		return decidedMiss
	}
	if m.rate > 0 && m.draw() < m.rate {
		return decidedMiss
	}
	return decidedHit
}

// simulatedLatency is added to each operation when a tier's speed is
// overridden to something slower than its native class. Tiers that never
// set a native class get no latency.
var simulatedLatency = map[SpeedClass]time.Duration{
	SpeedSlow: 60 * time.Millisecond,
	SpeedOk:   20 * time.Millisecond,
	SpeedFast: 2 * time.Millisecond,
}

// Debuggable gives a tier fault injection support. Embed it and call
// SimulateMiss in lookups and RecordPut in writes.
type Debuggable struct {
	opts   atomic.Pointer[DebugOptions]
	sim    atomic.Pointer[MissSimulator]
	native atomic.Uint32
}

// SetNativeSpeed records the speed class the tier has without overrides.
func (d *Debuggable) SetNativeSpeed(s SpeedClass) { d.native.Store(uint32(s)) }

// ApplyDebugOptions installs opts, replacing earlier decisions.
func (d *Debuggable) ApplyDebugOptions(opts DebugOptions) bool {
	if opts.IsZero() {
		d.opts.Store(nil)
		d.sim.Store(nil)
		return true
	}
	d.opts.Store(&opts)
	d.sim.Store(NewMissSimulator(opts))
	return true
}

// DebugOptions returns the active options.
func (d *Debuggable) DebugOptions() DebugOptions {
	if o := d.opts.Load(); o != nil {
		return *o
	}
	return DebugOptions{}
}

// SimulateMiss reports whether a lookup of key should behave as a miss. It
// also waits out any simulated latency.
func (d *Debuggable) SimulateMiss(ctx context.Context, key tieredcache.CacheKey) bool {
	d.simulateLatency(ctx)
	sim := d.sim.Load()
	return sim != nil && sim.ShouldMiss(key)
}

// RecordPut memoizes the decision for a written key.
func (d *Debuggable) RecordPut(ctx context.Context, key tieredcache.CacheKey) {
	d.simulateLatency(ctx)
	if sim := d.sim.Load(); sim != nil {
		sim.RecordPut(key)
	}
}

// EffectiveSpeed returns the overridden speed class, or native.
func (d *Debuggable) EffectiveSpeed(native SpeedClass) SpeedClass {
	if o := d.opts.Load(); o != nil && o.Speed != SpeedUnknown {
		return o.Speed
	}
	return native
}

func (d *Debuggable) simulateLatency(ctx context.Context) {
	o := d.opts.Load()
	if o == nil {
		return
	}
	latency, ok := simulatedLatency[o.Speed]
	if !ok || o.Speed >= SpeedClass(d.native.Load()) { //nolint:gosec // stored from a SpeedClass
		return
	}
	t := time.NewTimer(latency)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
