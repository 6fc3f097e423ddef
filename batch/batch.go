// Package batch coalesces small concurrent requests into combined network
// calls. A fixed ring of rounds accepts reservations through one atomic
// word per round; the first reserver of a round drives it: it lingers for
// company, takes one pooled connection shared by the whole round, issues
// one combined call and hands every reserver its own matched result.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/tiered-cache/pool"
	"github.com/wolfeidau/tiered-cache/telemetry"
	"github.com/wolfeidau/tiered-cache/wire"
)

// ErrMissingRecord is returned to a reserver whose operation was not
// answered by the combined response.
var ErrMissingRecord = errors.New("batch response has no record for operation")

// Func issues one combined call for ops on conn. Records are matched to
// operations by name, in any order.
type Func[C any] func(ctx context.Context, conn C, ops []wire.Op) ([]wire.Record, error)

// SingleFunc issues an unbatched call for op on conn.
type SingleFunc[C any] func(ctx context.Context, conn C, op wire.Op) (wire.Record, error)

// Config tunes a Coordinator.
type Config struct {
	// Name labels metrics and logs.
	Name string
	// Slots is the number of rounds in the ring.
	Slots int
	// Capacity is the maximum number of operations per round.
	Capacity int
	// Weight is the weight budget per round.
	Weight int
	// GetWeight is the weight of a get; existence checks weigh 1.
	GetWeight int
	// Linger is how long a driver waits for a round to fill.
	Linger time.Duration
	// PostTimeout bounds the wait for reservers to post their operation
	// after the round closed. Late reservers fall back to unbatched calls.
	PostTimeout time.Duration
	Logger      *slog.Logger
}

const (
	DefaultSlots       = 4
	DefaultCapacity    = 32
	DefaultWeight      = 64
	DefaultGetWeight   = 4
	DefaultLinger      = 2 * time.Millisecond
	DefaultPostTimeout = 50 * time.Millisecond
)

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "batch"
	}
	if c.Slots <= 0 {
		c.Slots = DefaultSlots
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.Capacity > wire.MaxBatchOps {
		c.Capacity = wire.MaxBatchOps
	}
	if c.Weight <= 0 {
		c.Weight = DefaultWeight
	}
	if c.GetWeight <= 0 {
		c.GetWeight = DefaultGetWeight
	}
	if c.Linger <= 0 {
		c.Linger = DefaultLinger
	}
	if c.PostTimeout <= 0 {
		c.PostTimeout = DefaultPostTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Round state word: count in bits 0-15, weight in bits 16-47, closed in
// bit 48, generation above.
const (
	countMask   = 1<<16 - 1
	weightShift = 16
	weightMask  = 1<<32 - 1
	closedBit   = 1 << 48
	genShift    = 49
	genMask     = 1<<(64-genShift) - 1
)

func unpack(s uint64) (count, weight int, closed bool, gen uint64) {
	return int(s & countMask), int(s >> weightShift & weightMask), s&closedBit != 0, s >> genShift
}

type outcome struct {
	rec   wire.Record
	err   error
	share func()
}

// settle releases the waiter's share of the batch connection.
func (o outcome) settle() {
	if o.share != nil {
		o.share()
	}
}

type waiter struct {
	op   wire.Op
	done chan outcome
}

type round struct {
	state atomic.Uint64
	kick  chan struct{}

	mu        sync.Mutex
	gen       uint64
	waiters   []*waiter
	posted    int
	expected  int
	sealed    bool
	allPosted chan struct{}
}

func (r *round) resetLocked() {
	r.gen = (r.gen + 1) & genMask
	clear(r.waiters)
	r.posted = 0
	r.expected = -1
	r.sealed = false
	r.allPosted = make(chan struct{})
}

// Stats counts coordinator activity.
type Stats struct {
	Batches    int64
	BatchedOps int64
	Fallbacks  int64
	Abandoned  int64
}

// Coordinator batches operations over a connection pool.
type Coordinator[C any] struct {
	cfg    Config
	pool   *pool.Pool[C]
	batch  Func[C]
	single SingleFunc[C]
	rounds []*round
	cursor atomic.Uint32
	logger *slog.Logger

	batches    atomic.Int64
	batchedOps atomic.Int64
	fallbacks  atomic.Int64
	abandoned  atomic.Int64
}

// New creates a coordinator.
func New[C any](p *pool.Pool[C], batch Func[C], single SingleFunc[C], cfg Config) *Coordinator[C] {
	cfg.setDefaults()
	c := &Coordinator[C]{
		cfg:    cfg,
		pool:   p,
		batch:  batch,
		single: single,
		rounds: make([]*round, cfg.Slots),
		logger: cfg.Logger.With("component", "batch", "coordinator", cfg.Name),
	}
	for i := range c.rounds {
		r := &round{kick: make(chan struct{}, 1), waiters: make([]*waiter, cfg.Capacity)}
		r.resetLocked()
		r.state.Store(r.gen << genShift)
		c.rounds[i] = r
	}
	return c
}

// Stats returns a snapshot of the counters.
func (c *Coordinator[C]) Stats() Stats {
	return Stats{
		Batches:    c.batches.Load(),
		BatchedOps: c.batchedOps.Load(),
		Fallbacks:  c.fallbacks.Load(),
		Abandoned:  c.abandoned.Load(),
	}
}

func (c *Coordinator[C]) weight(op wire.Op) int {
	if op.Verb == wire.VerbGet {
		return c.cfg.GetWeight
	}
	return 1
}

// Do runs op, batched when a round has room and unbatched otherwise.
func (c *Coordinator[C]) Do(ctx context.Context, op wire.Op) (wire.Record, error) {
	if err := ctx.Err(); err != nil {
		return wire.Record{}, err
	}
	w := c.weight(op)
	if w > c.cfg.Weight {
		return c.fallback(ctx, op, "too_heavy")
	}
	r, idx, gen, ok := c.reserve(w)
	if !ok {
		return c.fallback(ctx, op, "no_slot")
	}
	wt := &waiter{op: op, done: make(chan outcome, 1)}
	if !c.post(r, idx, gen, wt) {
		c.abandoned.Add(1)
		return c.fallback(ctx, op, "abandoned")
	}
	if idx == 0 {
		go c.drive(context.WithoutCancel(ctx), r)
	}
	select {
	case out := <-wt.done:
		out.settle()
		return out.rec, out.err
	case <-ctx.Done():
		// the round still answers this waiter; drop its share when it does
		go func() { (<-wt.done).settle() }()
		return wire.Record{}, ctx.Err()
	}
}

// reserve claims a position in an open round. Reservers share the current
// round until it fills, then move on along the ring.
func (c *Coordinator[C]) reserve(w int) (*round, int, uint64, bool) {
	start := int(c.cursor.Load())
	for i := range c.rounds {
		ri := (start + i) % len(c.rounds)
		r := c.rounds[ri]
		for {
			s := r.state.Load()
			count, weight, closed, gen := unpack(s)
			if closed || count >= c.cfg.Capacity || weight+w > c.cfg.Weight {
				break
			}
			if !r.state.CompareAndSwap(s, s+1+uint64(w)<<weightShift) {
				continue
			}
			if count+1 == c.cfg.Capacity || weight+w == c.cfg.Weight {
				select {
				case r.kick <- struct{}{}:
				default:
				}
			}
			if i > 0 {
				c.cursor.CompareAndSwap(uint32(start), uint32(ri)) //nolint:gosec // ri < len(rounds)
			}
			return r, count, gen, true
		}
	}
	return nil, 0, 0, false
}

// post records the waiter at idx. It reports false when the driver has
// already given up on this position.
func (c *Coordinator[C]) post(r *round, idx int, gen uint64, wt *waiter) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen || r.sealed {
		return false
	}
	r.waiters[idx] = wt
	r.posted++
	if r.expected >= 0 && r.posted == r.expected {
		close(r.allPosted)
	}
	return true
}

// drive lingers for the round to fill, then takes one pooled connection
// shared by every collected reserver. Each reserver releases its share once
// it has its result, which frees the slot after the last one.
func (c *Coordinator[C]) drive(ctx context.Context, r *round) {
	linger := time.NewTimer(c.cfg.Linger)
	select {
	case <-r.kick:
	case <-linger.C:
	}
	linger.Stop()

	waiters := c.collect(r)
	if len(waiters) == 0 {
		c.finish(r, nil, nil, nil, nil)
		return
	}
	shares, err := c.pool.AcquireShared(ctx, len(waiters))
	if err != nil {
		c.finish(r, waiters, nil, nil, err)
		return
	}
	ops := make([]wire.Op, 0, len(waiters))
	index := make(map[string]int, len(waiters))
	for _, wt := range waiters {
		name := wt.op.Name()
		if i, ok := index[name]; ok {
			if wt.op.Verb == wire.VerbGet {
				ops[i].Verb = wire.VerbGet
			}
			continue
		}
		index[name] = len(ops)
		ops = append(ops, wt.op)
	}

	c.batches.Add(1)
	c.batchedOps.Add(int64(len(waiters)))
	telemetry.RecordBatch(ctx, c.cfg.Name, len(waiters))
	recs, err := c.batch(ctx, shares[0].Value(), ops)
	c.finish(r, waiters, shares, recs, err)
}

// collect closes the round and waits, bounded by PostTimeout, for every
// reserver to post. Positions still empty afterwards are abandoned.
func (c *Coordinator[C]) collect(r *round) []*waiter {
	var count int
	for {
		s := r.state.Load()
		n, _, _, _ := unpack(s)
		if r.state.CompareAndSwap(s, s|closedBit) {
			count = n
			break
		}
	}

	r.mu.Lock()
	r.expected = count
	done := r.posted == count
	wait := r.allPosted
	r.mu.Unlock()

	if !done {
		timer := time.NewTimer(c.cfg.PostTimeout)
		select {
		case <-wait:
		case <-timer.C:
		}
		timer.Stop()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
	waiters := make([]*waiter, 0, r.posted)
	for _, wt := range r.waiters[:count] {
		if wt != nil {
			waiters = append(waiters, wt)
		}
	}
	if missing := count - len(waiters); missing > 0 {
		c.logger.Warn("abandoning slow reservers", "missing", missing, "round_size", count)
	}
	return waiters
}

// finish signals every waiter with its own copy of the matching record and
// share, and reopens the round.
func (c *Coordinator[C]) finish(r *round, waiters []*waiter, shares []*pool.Lease[C], recs []wire.Record, err error) {
	byName := make(map[string]wire.Record, len(recs))
	for _, rec := range recs {
		byName[rec.Name] = rec
	}
	for i, wt := range waiters {
		out := outcome{err: err}
		if i < len(shares) {
			out.share = shares[i].Release
		}
		if err == nil {
			rec, ok := byName[wt.op.Name()]
			switch {
			case !ok:
				out.err = fmt.Errorf("%w: %s", ErrMissingRecord, wt.op.Name())
			case wt.op.Verb == wire.VerbExists:
				rec.Payload = nil
				out.rec = rec
			default:
				out.rec = rec.Clone()
			}
		}
		wt.done <- out
	}

	r.mu.Lock()
	r.resetLocked()
	gen := r.gen
	r.mu.Unlock()
	select {
	case <-r.kick:
	default:
	}
	r.state.Store(gen << genShift)
}

func (c *Coordinator[C]) fallback(ctx context.Context, op wire.Op, reason string) (wire.Record, error) {
	c.fallbacks.Add(1)
	telemetry.RecordBatchFallback(ctx, c.cfg.Name, reason)
	lease, err := c.pool.Acquire(ctx)
	if err != nil {
		return wire.Record{}, err
	}
	defer lease.Release()
	return c.single(ctx, lease.Value(), op)
}
