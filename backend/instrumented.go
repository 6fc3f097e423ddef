package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/tiered-cache/telemetry"
)

// Metered records a backend operation metric for every call made through it.
// Metrics are labelled with the owning tier's name.
type Metered struct {
	inner EntryBackend
	tier  string
}

// NewMetered wraps b for the named tier.
func NewMetered(b EntryBackend, tier string) *Metered {
	return &Metered{inner: b, tier: tier}
}

// observe returns a func that records op once the call has finished.
func (m *Metered) observe(ctx context.Context, op string) func(err error, n int64) {
	start := time.Now()
	return func(err error, n int64) {
		telemetry.RecordBackendOp(ctx, m.tier, op, outcome(err), time.Since(start), n)
	}
}

func (m *Metered) Write(ctx context.Context, key string, r io.Reader) error {
	done := m.observe(ctx, "write")
	cr := &countingReader{r: r}
	err := m.inner.Write(ctx, key, cr)
	done(err, cr.n)
	return err
}

func (m *Metered) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	done := m.observe(ctx, "read")
	rc, err := m.inner.Read(ctx, key)
	done(err, 0)
	return rc, err
}

func (m *Metered) Delete(ctx context.Context, key string) error {
	done := m.observe(ctx, "delete")
	err := m.inner.Delete(ctx, key)
	done(err, 0)
	return err
}

func (m *Metered) Exists(ctx context.Context, key string) (bool, error) {
	done := m.observe(ctx, "exists")
	ok, err := m.inner.Exists(ctx, key)
	done(err, 0)
	return ok, err
}

func (m *Metered) List(ctx context.Context, prefix string) ([]string, error) {
	done := m.observe(ctx, "list")
	keys, err := m.inner.List(ctx, prefix)
	done(err, 0)
	return keys, err
}

func (m *Metered) Size(ctx context.Context, key string) (int64, error) {
	done := m.observe(ctx, "size")
	n, err := m.inner.Size(ctx, key)
	done(err, 0)
	return n, err
}

// WriteFramed records the body bytes written, not the header.
func (m *Metered) WriteFramed(ctx context.Context, key string, header *EntryHeader, body io.Reader) error {
	done := m.observe(ctx, "write_entry")
	cr := &countingReader{r: body}
	err := m.inner.WriteFramed(ctx, key, header, cr)
	done(err, cr.n)
	return err
}

func (m *Metered) ReadFramed(ctx context.Context, key string) (*EntryHeader, io.ReadCloser, error) {
	done := m.observe(ctx, "read_entry")
	header, rc, err := m.inner.ReadFramed(ctx, key)
	if err != nil {
		done(err, 0)
		return nil, nil, err
	}
	done(nil, header.BodySize)
	return header, rc, nil
}

func (m *Metered) Touch(ctx context.Context, key string, at time.Time) error {
	done := m.observe(ctx, "touch")
	err := m.inner.Touch(ctx, key, at)
	done(err, 0)
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrReadOnly):
		return "read_only"
	case errors.Is(err, ErrInvalidMagic), errors.Is(err, ErrBodySize):
		return "corrupt"
	}
	return "error"
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

var _ EntryBackend = (*Metered)(nil)
