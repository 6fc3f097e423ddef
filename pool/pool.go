// Package pool provides a fixed-size pool of reusable resources such as
// HTTP connections. Slots live in a fixed arena and are referenced by index;
// waiters queue in FIFO order and a released slot is handed directly to the
// oldest waiter.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/tiered-cache/telemetry"
)

// ErrInvalidShare is returned when AcquireShared is called with k < 1.
var ErrInvalidShare = errors.New("share count must be at least 1")

type slot[T any] struct {
	value T
	usage atomic.Int32
}

type waiter struct {
	shares int32
	ready  chan int
}

// Pool is a fixed set of values handed out as leases. A slot is free only
// when its usage count is zero. Pool is safe for concurrent use.
type Pool[T any] struct {
	name  string
	slots []slot[T]

	mu      sync.Mutex
	waiters list.List // of *waiter, oldest first
	waiting atomic.Int32
}

// Option configures a Pool.
type Option func(*options)

type options struct {
	name string
}

// WithName sets the name used in metrics.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// New creates a pool over items. The pool size is fixed at len(items).
func New[T any](items []T, opts ...Option) *Pool[T] {
	o := options{name: "default"}
	for _, opt := range opts {
		opt(&o)
	}
	p := &Pool[T]{name: o.name, slots: make([]slot[T], len(items))}
	for i, item := range items {
		p.slots[i].value = item
	}
	return p
}

// Size returns the number of slots.
func (p *Pool[T]) Size() int { return len(p.slots) }

// InUse returns the number of slots currently held.
func (p *Pool[T]) InUse() int {
	n := 0
	for i := range p.slots {
		if p.slots[i].usage.Load() > 0 {
			n++
		}
	}
	return n
}

// Shares returns the number of unreleased leases across all slots.
func (p *Pool[T]) Shares() int {
	n := 0
	for i := range p.slots {
		n += int(p.slots[i].usage.Load())
	}
	return n
}

// Waiting returns the number of queued waiters.
func (p *Pool[T]) Waiting() int { return int(p.waiting.Load()) }

// TryAcquire returns a lease on a free slot without blocking.
func (p *Pool[T]) TryAcquire() (*Lease[T], bool) {
	idx, ok := p.tryClaim(1)
	if !ok {
		return nil, false
	}
	return p.lease(idx), true
}

// Acquire blocks until a slot is available or ctx is done.
func (p *Pool[T]) Acquire(ctx context.Context) (*Lease[T], error) {
	leases, err := p.AcquireShared(ctx, 1)
	if err != nil {
		return nil, err
	}
	return leases[0], nil
}

// AcquireShared claims one slot on behalf of k callers and returns k
// leases. The slot is freed once every lease has been released.
func (p *Pool[T]) AcquireShared(ctx context.Context, k int) ([]*Lease[T], error) {
	if k < 1 {
		return nil, ErrInvalidShare
	}
	if len(p.slots) == 0 {
		return nil, fmt.Errorf("pool %s has no slots", p.name)
	}
	start := time.Now()
	idx, err := p.claim(ctx, int32(k))
	telemetry.RecordPoolWait(ctx, p.name, time.Since(start))
	if err != nil {
		return nil, err
	}
	telemetry.RecordPoolInUse(ctx, p.name, p.InUse())
	leases := make([]*Lease[T], k)
	for i := range leases {
		leases[i] = p.lease(idx)
	}
	return leases, nil
}

func (p *Pool[T]) claim(ctx context.Context, shares int32) (int, error) {
	// skip the fast path while others queue so release order stays FIFO
	if p.waiting.Load() == 0 {
		if idx, ok := p.tryClaim(shares); ok {
			return idx, nil
		}
	}

	p.mu.Lock()
	// a release may have happened between the fast path and taking the lock
	if p.waiters.Len() == 0 {
		if idx, ok := p.tryClaim(shares); ok {
			p.mu.Unlock()
			return idx, nil
		}
	}
	w := &waiter{shares: shares, ready: make(chan int, 1)}
	elem := p.waiters.PushBack(w)
	p.waiting.Add(1)
	p.mu.Unlock()

	select {
	case idx := <-w.ready:
		return idx, nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	select {
	case idx := <-w.ready:
		// handed a slot while cancelling, give it back
		p.mu.Unlock()
		p.release(idx, shares)
	default:
		p.waiters.Remove(elem)
		p.waiting.Add(-1)
		p.mu.Unlock()
	}
	return 0, ctx.Err()
}

func (p *Pool[T]) tryClaim(shares int32) (int, bool) {
	for i := range p.slots {
		if p.slots[i].usage.CompareAndSwap(0, shares) {
			return i, true
		}
	}
	return 0, false
}

func (p *Pool[T]) release(idx int, n int32) {
	remaining := p.slots[idx].usage.Add(-n)
	if remaining < 0 {
		panic(fmt.Sprintf("pool %s: slot %d released more times than acquired", p.name, idx))
	}
	if remaining > 0 {
		return
	}
	p.handoff(idx)
}

// handoff gives a freed slot to the oldest waiter.
func (p *Pool[T]) handoff(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	front := p.waiters.Front()
	if front == nil {
		return
	}
	w := front.Value.(*waiter)
	if !p.slots[idx].usage.CompareAndSwap(0, w.shares) {
		// claimed by a fast-path caller in between
		return
	}
	p.waiters.Remove(front)
	p.waiting.Add(-1)
	w.ready <- idx
}

func (p *Pool[T]) lease(idx int) *Lease[T] {
	return &Lease[T]{pool: p, idx: idx}
}

// Lease is a claim on one pool slot. Release it exactly once; further calls
// are ignored, so it is safe to defer Release and also release early.
type Lease[T any] struct {
	pool *Pool[T]
	idx  int
	once sync.Once
}

// Value returns the pooled value.
func (l *Lease[T]) Value() T { return l.pool.slots[l.idx].value }

// Index returns the slot index.
func (l *Lease[T]) Index() int { return l.idx }

// Release gives the lease back to the pool.
func (l *Lease[T]) Release() {
	l.once.Do(func() {
		l.pool.release(l.idx, 1)
		telemetry.RecordPoolInUse(context.Background(), l.pool.name, l.pool.InUse())
	})
}
