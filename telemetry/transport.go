package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// RemoteTransport records one remote request metric per round trip made by
// an http tier. The byte count is taken when the response body is closed.
type RemoteTransport struct {
	base http.RoundTripper
	tier string
}

// NewRemoteTransport wraps base, or http.DefaultTransport when base is nil.
func NewRemoteTransport(base http.RoundTripper, tier string) *RemoteTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &RemoteTransport{base: base, tier: tier}
}

func (t *RemoteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		RecordRemoteRequest(ctx, t.tier, time.Since(start), 0, remoteOutcome(ctx, 0))
		return nil, err
	}
	resp.Body = &meteredBody{
		ReadCloser: resp.Body,
		done: func(n int64) {
			RecordRemoteRequest(ctx, t.tier, time.Since(start), n, remoteOutcome(ctx, resp.StatusCode))
		},
	}
	return resp, nil
}

// remoteOutcome classifies a round trip. A zero status means the request
// failed before a response arrived.
func remoteOutcome(ctx context.Context, status int) string {
	switch {
	case status == 0 && ctx.Err() != nil:
		return "canceled"
	case status == 0:
		return "error"
	case status == http.StatusTooManyRequests:
		return "throttled"
	case status == http.StatusUnauthorized:
		return "unauthorized"
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	}
	return "success"
}

type meteredBody struct {
	io.ReadCloser
	n    int64
	done func(int64)
}

func (b *meteredBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	return n, err
}

func (b *meteredBody) Close() error {
	if b.done != nil {
		b.done(b.n)
		b.done = nil
	}
	return b.ReadCloser.Close()
}
