package asyncstore

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
)

// Workers is a fixed-size pool of background goroutines. Tasks submitted
// while the queue is full, before Start or after Stop run inline on the
// caller's goroutine.
type Workers struct {
	size    int
	tracker *Tracker
	logger  *slog.Logger

	tasks   chan func()
	started atomic.Bool
	wg      sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// WorkersOption configures Workers.
type WorkersOption func(*Workers)

// WithSize sets the number of goroutines. Default: GOMAXPROCS.
func WithSize(n int) WorkersOption {
	return func(w *Workers) {
		if n > 0 {
			w.size = n
		}
	}
}

// WithTracker shares a Tracker between pools.
func WithTracker(t *Tracker) WorkersOption {
	return func(w *Workers) {
		w.tracker = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) WorkersOption {
	return func(w *Workers) {
		w.logger = logger
	}
}

// NewWorkers creates a pool. Call Start before submitting work.
func NewWorkers(opts ...WorkersOption) *Workers {
	w := &Workers{
		size:   runtime.GOMAXPROCS(0),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.tracker == nil {
		w.tracker = NewTracker()
	}
	w.tasks = make(chan func(), w.size*64)
	return w
}

// Start launches the goroutines. Starting twice panics.
func (w *Workers) Start() {
	if !w.started.CompareAndSwap(false, true) {
		panic("asyncstore: workers started twice")
	}
	for range w.size {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for task := range w.tasks {
				task()
			}
		}()
	}
	w.logger.Debug("async workers started", "size", w.size)
}

// Go runs fn in the background. The tracker counts fn from submission
// until it returns.
func (w *Workers) Go(fn func()) {
	w.tracker.Add()
	task := func() {
		defer w.tracker.Done()
		fn()
	}

	w.mu.RLock()
	if !w.stopped && w.started.Load() {
		select {
		case w.tasks <- task:
			w.mu.RUnlock()
			return
		default:
		}
	}
	w.mu.RUnlock()
	task()
}

// Tracker returns the pool's outstanding-work tracker.
func (w *Workers) Tracker() *Tracker { return w.tracker }

// Size returns the number of goroutines.
func (w *Workers) Size() int { return w.size }

// Stop drains queued work and stops the goroutines.
func (w *Workers) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.tasks)
	w.mu.Unlock()
	w.wg.Wait()
}
