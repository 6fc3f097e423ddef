// Package inflight suppresses duplicate work on the same cache key. Group
// collapses concurrent calls into one; Table exposes values that are still
// being written so readers can be served before the write lands.
package inflight

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// Func does the shared work. The context passed to Func is detached from
// any single caller so that one caller giving up does not cancel the work
// for the others.
type Func[V any] func(ctx context.Context) (V, error)

// Group deduplicates concurrent calls for the same key using singleflight.
// It uses DoChan so each caller can respect its own context deadline
// without cancelling the in-flight call for others.
type Group[V any] struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Group.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger for the group.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// NewGroup creates a new Group.
func NewGroup[V any](opts ...Option) *Group[V] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Group[V]{logger: o.logger}
}

// Do runs fn once for all concurrent callers of key and returns its result,
// whether it was shared with another caller, and any error.
//
// If the caller's context expires first, Do returns the context error but
// the in-flight call continues for other waiters.
func (g *Group[V]) Do(ctx context.Context, key string, fn Func[V]) (V, bool, error) {
	ch := g.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	var zero V
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		return res.Val.(V), res.Shared, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Forget removes key from the group so the next call starts fresh.
func (g *Group[V]) Forget(key string) {
	g.group.Forget(key)
}

// ForgetOnError forgets key after a failed call, unless the failure was the
// caller's own context ending, in which case the shared call is still
// running and later callers should join it.
func (g *Group[V]) ForgetOnError(key string, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	g.logger.Debug("forgetting failed call", "key", key, "error", err)
	g.group.Forget(key)
}
