// Package asyncstore runs cache operations on a fixed pool of background
// workers and counts outstanding work so shutdown can wait for quiescence.
package asyncstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/wolfeidau/tiered-cache/telemetry"
)

// Tracker counts outstanding asynchronous operations. The count going
// negative is a programming error and panics.
type Tracker struct {
	mu   sync.Mutex
	n    int64
	idle chan struct{} // closed while n == 0
}

// NewTracker creates a Tracker with no outstanding work.
func NewTracker() *Tracker {
	idle := make(chan struct{})
	close(idle)
	return &Tracker{idle: idle}
}

// Add records one more outstanding operation.
func (t *Tracker) Add() {
	t.mu.Lock()
	if t.n == 0 {
		t.idle = make(chan struct{})
	}
	t.n++
	n := t.n
	t.mu.Unlock()
	telemetry.RecordOutstanding(context.Background(), n)
}

// Done records the completion of an operation.
func (t *Tracker) Done() {
	t.mu.Lock()
	t.n--
	n := t.n
	if n < 0 {
		t.mu.Unlock()
		panic(fmt.Sprintf("asyncstore: outstanding operation count went negative (%d)", n))
	}
	if n == 0 {
		close(t.idle)
	}
	t.mu.Unlock()
	telemetry.RecordOutstanding(context.Background(), n)
}

// Outstanding returns the current count.
func (t *Tracker) Outstanding() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

// WaitForQuiescence blocks until no operations are outstanding or ctx is
// done.
func (t *Tracker) WaitForQuiescence(ctx context.Context) error {
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
