package httpstore_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	tieredcache "github.com/wolfeidau/tiered-cache"
	"github.com/wolfeidau/tiered-cache/server"
	"github.com/wolfeidau/tiered-cache/store"
	"github.com/wolfeidau/tiered-cache/store/asyncstore"
	"github.com/wolfeidau/tiered-cache/store/hierarchy"
	"github.com/wolfeidau/tiered-cache/store/httpstore"
	"github.com/wolfeidau/tiered-cache/store/memory"
	"github.com/wolfeidau/tiered-cache/wire"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// service is a reference blob service with request counting and an
// optional fault hook. A hook returning true has answered the request.
type service struct {
	*httptest.Server
	srv *server.Server
	mem *memory.Store

	mu     sync.Mutex
	counts map[string]int
	hook   func(w http.ResponseWriter, r *http.Request) bool
}

func newService(t *testing.T, cfg server.Config) *service {
	t.Helper()
	s := &service{mem: memory.New(), counts: map[string]int{}}
	cfg.Store = s.mem
	cfg.Logger = discard()
	srv, err := server.New(cfg)
	require.NoError(t, err)
	s.srv = srv
	next := srv.Handler()
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.counts[r.Method+" "+route(r.URL.Path)]++
		hook := s.hook
		s.mu.Unlock()
		if hook != nil && hook(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func route(path string) string {
	switch {
	case path == wire.HealthPath:
		return "health"
	case path == wire.TokenPath:
		return "token"
	case strings.HasSuffix(path, "/batch"):
		return "batch"
	default:
		return "ref"
	}
}

func (s *service) count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key]
}

func (s *service) setHook(hook func(w http.ResponseWriter, r *http.Request) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

func newTier(t *testing.T, svc *service, mutate func(*httpstore.Config)) *httpstore.Store {
	t.Helper()
	cfg := httpstore.Config{
		Host:          svc.URL,
		Namespace:     "test",
		RetryInterval: time.Millisecond,
		Logger:        discard(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := httpstore.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testValue(t *testing.T, s string) tieredcache.Value {
	t.Helper()
	v, err := tieredcache.NewValue([]byte(strings.Repeat(s, 300)))
	require.NoError(t, err)
	return v
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, server.Config{})
	tier := newTier(t, svc, nil)
	require.True(t, tier.Usable())
	require.True(t, tier.IsWritable())
	require.NotEqual(t, store.SpeedUnknown, tier.SpeedClass())

	key := tieredcache.KeyFor("Mesh", "k1")
	v := testValue(t, "mesh ")

	_, err := tier.Get(ctx, key, tieredcache.Default)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.False(t, tier.Exists(ctx, key))

	require.Equal(t, store.Cached, tier.Put(ctx, key, v, true))
	require.True(t, tier.Exists(ctx, key))

	got, err := tier.Get(ctx, key, tieredcache.Default)
	require.NoError(t, err)
	require.True(t, got.Equal(v))

	meta, err := tier.Get(ctx, key, tieredcache.Default|tieredcache.SkipData)
	require.NoError(t, err)
	require.False(t, meta.HasData())
	require.Equal(t, v.RawHash, meta.RawHash)
	require.Equal(t, 1, svc.count("HEAD ref"))

	require.Equal(t, store.Cached, tier.Put(ctx, key, v, false), "existing remote value counts as cached")

	tier.Remove(ctx, key, true)
	require.True(t, tier.Exists(ctx, key), "transient removes stay local")
	tier.Remove(ctx, key, false)
	require.False(t, tier.Exists(ctx, key))
}

func TestExistsBatchSharesRounds(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, server.Config{})
	tier := newTier(t, svc, nil)

	keys := make([]tieredcache.CacheKey, 16)
	for i := range keys {
		keys[i] = tieredcache.KeyFor("Mesh", strings.Repeat("k", i+1))
		if i%2 == 0 {
			require.Equal(t, store.Cached, tier.Put(ctx, keys[i], testValue(t, "x"), true))
		}
	}

	found := store.ExistsBatch(ctx, tier, keys)
	for i := range keys {
		require.Equal(t, i%2 == 0, found.Test(uint(i)), "key %d", i)
	}

	stats := tier.BatchStats()
	require.GreaterOrEqual(t, stats.Batches, int64(1))
	require.Equal(t, int64(len(keys)), stats.BatchedOps+stats.Fallbacks)
	require.Equal(t, int(stats.Batches), svc.count("POST batch"))
}

func TestBatchedGets(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, server.Config{})
	tier := newTier(t, svc, func(c *httpstore.Config) { c.BatchGets = true })

	key := tieredcache.KeyFor("Mesh", "k1")
	v := testValue(t, "batched ")
	require.Equal(t, store.Cached, tier.Put(ctx, key, v, true))

	got, err := tier.Get(ctx, key, tieredcache.Default)
	require.NoError(t, err)
	require.True(t, got.Equal(v))
	require.Equal(t, 0, svc.count("GET ref"))
}

func TestUnusableWhenHealthCheckFails(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, server.Config{})
	svc.setHook(func(w http.ResponseWriter, r *http.Request) bool {
		w.WriteHeader(http.StatusServiceUnavailable)
		return true
	})
	tier := newTier(t, svc, nil)
	require.False(t, tier.Usable())
	require.False(t, tier.IsWritable())

	key := tieredcache.KeyFor("Mesh", "k1")
	_, err := tier.Get(ctx, key, tieredcache.Default)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, err, httpstore.ErrUnusable)
	require.False(t, tier.Exists(ctx, key))
	require.Equal(t, store.NotCached, tier.Put(ctx, key, testValue(t, "x"), true))

	svc.mu.Lock()
	total := 0
	for _, n := range svc.counts {
		total += n
	}
	svc.mu.Unlock()
	require.Equal(t, 1, total, "only the health check reaches the service")
}

func TestReadOnlyPutIsSkipped(t *testing.T) {
	svc := newService(t, server.Config{})
	tier := newTier(t, svc, func(c *httpstore.Config) { c.ReadOnly = true })
	require.False(t, tier.IsWritable())
	status := tier.Put(context.Background(), tieredcache.KeyFor("Mesh", "k1"), testValue(t, "x"), true)
	require.Equal(t, store.Skipped, status)
	require.Equal(t, 0, svc.count("PUT ref"))
}

func TestUnauthorizedRefreshesOnce(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, server.Config{OAuthClients: map[string]string{"builder": "s3cret"}})
	tier := newTier(t, svc, func(c *httpstore.Config) {
		c.OAuthProvider = svc.URL + wire.TokenPath
		c.OAuthClientID = "builder"
		c.OAuthSecret = "s3cret"
	})
	require.Equal(t, 1, svc.count("POST token"))

	key := tieredcache.KeyFor("Mesh", "k1")
	v := testValue(t, "auth ")
	require.Equal(t, store.Cached, tier.Put(ctx, key, v, true))

	svc.srv.RevokeTokens()
	got, err := tier.Get(ctx, key, tieredcache.Default)
	require.NoError(t, err)
	require.True(t, got.Equal(v))
	require.Equal(t, 2, svc.count("POST token"))
	require.Equal(t, 2, svc.count("GET ref"))

	// a service that keeps refusing gets one refresh and then a miss
	svc.setHook(func(w http.ResponseWriter, r *http.Request) bool {
		if route(r.URL.Path) != "ref" {
			return false
		}
		w.WriteHeader(http.StatusUnauthorized)
		return true
	})
	_, err = tier.Get(ctx, key, tieredcache.Default)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Equal(t, 3, svc.count("POST token"))
	require.Equal(t, 4, svc.count("GET ref"))
}

func TestLoginRefusedAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, server.Config{OAuthClients: map[string]string{"builder": "s3cret"}})
	tier := newTier(t, svc, func(c *httpstore.Config) {
		c.OAuthProvider = svc.URL + wire.TokenPath
		c.OAuthClientID = "builder"
		c.OAuthSecret = "wrong"
		c.MaxLoginAttempts = 2
	})

	key := tieredcache.KeyFor("Mesh", "k1")
	for range 3 {
		_, err := tier.Get(ctx, key, tieredcache.Default)
		require.ErrorIs(t, err, store.ErrNotFound)
	}
	require.Equal(t, 2, svc.count("POST token"))
	require.Equal(t, 0, svc.count("GET ref"))
}

func TestThrottledRequestsRetry(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, server.Config{})
	tier := newTier(t, svc, nil)
	key := tieredcache.KeyFor("Mesh", "k1")
	v := testValue(t, "throttle ")
	require.Equal(t, store.Cached, tier.Put(ctx, key, v, true))

	var mu sync.Mutex
	throttled := 0
	svc.setHook(func(w http.ResponseWriter, r *http.Request) bool {
		mu.Lock()
		defer mu.Unlock()
		if r.Method != http.MethodGet || throttled == 2 {
			return false
		}
		throttled++
		w.WriteHeader(http.StatusTooManyRequests)
		return true
	})

	got, err := tier.Get(ctx, key, tieredcache.Default)
	require.NoError(t, err)
	require.True(t, got.Equal(v))
	require.Equal(t, 3, svc.count("GET ref"))
}

func TestServerErrorsExhaustToMiss(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, server.Config{})
	tier := newTier(t, svc, func(c *httpstore.Config) { c.MaxAttempts = 3 })
	svc.setHook(func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method != http.MethodGet || route(r.URL.Path) != "ref" {
			return false
		}
		w.WriteHeader(http.StatusBadGateway)
		return true
	})

	_, err := tier.Get(ctx, tieredcache.KeyFor("Mesh", "k1"), tieredcache.Default)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Equal(t, 3, svc.count("GET ref"))
}

func TestCorruptResponseIsMiss(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, server.Config{})
	tier := newTier(t, svc, nil)
	key := tieredcache.KeyFor("Mesh", "k1")
	require.Equal(t, store.Cached, tier.Put(ctx, key, testValue(t, "corrupt "), true))

	svc.setHook(func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method != http.MethodGet {
			return false
		}
		rec := httptest.NewRecorder()
		svc.srv.Handler().ServeHTTP(rec, r)
		for k, vs := range rec.Header() {
			w.Header()[k] = vs
		}
		wire.SetContentHash(w.Header(), []byte("something else"))
		w.WriteHeader(rec.Code)
		_, _ = w.Write(rec.Body.Bytes())
		return true
	})

	_, err := tier.Get(ctx, key, tieredcache.Default)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, err, tieredcache.ErrCorrupt)
	require.Equal(t, 1, svc.count("GET ref"), "corruption is not retried")
}

func TestConfigValidation(t *testing.T) {
	ctx := context.Background()
	cases := map[string]httpstore.Config{
		"missing host":      {Namespace: "test"},
		"missing namespace": {Host: "localhost:1"},
		"bad namespace":     {Host: "localhost:1", Namespace: "no/slash"},
		"missing client":    {Host: "localhost:1", Namespace: "test", OAuthProvider: "http://localhost:1/oauth/token"},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			cfg.Logger = discard()
			_, err := httpstore.New(ctx, cfg)
			require.Error(t, err)
		})
	}
}

func TestDebugMissTypes(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, server.Config{})
	tier := newTier(t, svc, nil)
	key := tieredcache.KeyFor("Mesh", "k1")
	require.Equal(t, store.Cached, tier.Put(ctx, key, testValue(t, "x"), true))

	require.True(t, store.ApplyDebugOptions(tier, store.DebugOptions{MissTypes: []string{"mesh"}, Speed: store.SpeedSlow}))
	require.Equal(t, store.SpeedSlow, tier.SpeedClass())
	_, err := tier.Get(ctx, key, tieredcache.Default)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.False(t, tier.Exists(ctx, key))

	require.True(t, store.ApplyDebugOptions(tier, store.DebugOptions{}))
	_, err = tier.Get(ctx, key, tieredcache.Default)
	require.NoError(t, err)
}

func TestStartupChecksHealthThenLogsIn(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, server.Config{OAuthClients: map[string]string{"builder": "s3cret"}})
	var mu sync.Mutex
	var order []string
	svc.setHook(func(_ http.ResponseWriter, r *http.Request) bool {
		mu.Lock()
		order = append(order, route(r.URL.Path))
		mu.Unlock()
		return false
	})
	tier := newTier(t, svc, func(c *httpstore.Config) {
		c.OAuthProvider = svc.URL + wire.TokenPath
		c.OAuthClientID = "builder"
		c.OAuthSecret = "s3cret"
		c.ResolveHost = true
	})
	require.True(t, tier.Usable())

	mu.Lock()
	require.Equal(t, []string{"health", "token"}, order)
	mu.Unlock()

	key := tieredcache.KeyFor("Mesh", "k1")
	require.Equal(t, store.Cached, tier.Put(ctx, key, testValue(t, "pinned "), true))
	require.True(t, tier.Exists(ctx, key))
}

// A process restart loses the memory tier; the next get is served by the
// service and backfilled so the one after is local again.
func TestMemoryRestartBackfillsFromService(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, server.Config{})
	remote := newTier(t, svc, nil)

	workers := asyncstore.NewWorkers(asyncstore.WithSize(2))
	workers.Start()
	t.Cleanup(workers.Stop)

	local := memory.New(memory.WithName("Memory"))
	root := hierarchy.New("root",
		hierarchy.WithWorkers(workers),
		hierarchy.WithLogger(discard()),
		hierarchy.WithChild(local, hierarchy.Local|hierarchy.Query|hierarchy.Store),
		hierarchy.WithChild(remote, hierarchy.Remote|hierarchy.Query|hierarchy.Store),
	)

	key := tieredcache.KeyFor("Mesh", "k1")
	v := testValue(t, "restart ")
	require.True(t, root.Put(ctx, key, v, true).Accepted())
	require.True(t, local.Exists(ctx, key))
	require.True(t, remote.Exists(ctx, key))

	local.Wipe()
	require.False(t, local.Exists(ctx, key))

	got, err := root.Get(ctx, key, tieredcache.Default)
	require.NoError(t, err)
	require.True(t, got.Equal(v))

	qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, workers.Tracker().WaitForQuiescence(qctx))
	require.True(t, local.Exists(ctx, key))

	gets := svc.count("GET ref")
	got, err = root.Get(ctx, key, tieredcache.Default)
	require.NoError(t, err)
	require.True(t, got.Equal(v))
	require.Equal(t, gets, svc.count("GET ref"), "second get is served locally")
}
