package httpstore

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/tiered-cache/store"
)

func TestSpeedForRTT(t *testing.T) {
	require.Equal(t, store.SpeedFast, speedForRTT(2*time.Millisecond))
	require.Equal(t, store.SpeedOk, speedForRTT(30*time.Millisecond))
	require.Equal(t, store.SpeedSlow, speedForRTT(200*time.Millisecond))
}

func TestRetryAfter(t *testing.T) {
	h := http.Header{}
	require.Equal(t, 0, retryAfter(h))
	h.Set("Retry-After", "3")
	require.Equal(t, 3, retryAfter(h))
	h.Set("Retry-After", "3600")
	require.Equal(t, int(maxRetryAfter/time.Second), retryAfter(h))
	h.Set("Retry-After", "garbage")
	require.Equal(t, 0, retryAfter(h))
}

func TestResolveOnceLiteral(t *testing.T) {
	addr, err := resolveOnce(context.Background(), net.DefaultResolver, "127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", addr)
}
