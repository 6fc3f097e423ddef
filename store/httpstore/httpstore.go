// Package httpstore is a cache tier backed by a remote blob service. Requests
// run on pooled connections, existence checks are batched, and transient
// failures are retried before they degrade to a miss.
package httpstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	tieredcache "github.com/wolfeidau/tiered-cache"
	"github.com/wolfeidau/tiered-cache/batch"
	"github.com/wolfeidau/tiered-cache/pool"
	"github.com/wolfeidau/tiered-cache/store"
	"github.com/wolfeidau/tiered-cache/telemetry"
	"github.com/wolfeidau/tiered-cache/wire"
)

const (
	DefaultName             = "Http"
	DefaultPoolSize         = 8
	DefaultMaxAttempts      = 4
	DefaultMaxLoginAttempts = 3
	DefaultTimeout          = 30 * time.Second
	DefaultRetryInterval    = 50 * time.Millisecond

	maxResponseSize = 1 << 30
	maxRetryAfter   = 30 * time.Second
)

var (
	// ErrUnusable is returned when the service failed its startup health check.
	ErrUnusable = errors.New("http tier is not usable")

	errUnauthorized = errors.New("unauthorized")
	errThrottled    = errors.New("throttled")
	errServer       = errors.New("server error")
)

// Config configures an HTTP tier.
type Config struct {
	Name      string
	Host      string
	Namespace string

	// OAuthProvider is the token endpoint. Requests are unauthenticated
	// when it is empty.
	OAuthProvider string
	OAuthClientID string
	OAuthSecret   string
	OAuthScope    string

	// SpeedClass overrides the class derived from the health check RTT.
	SpeedClass store.SpeedClass
	ReadOnly   bool

	PoolSize      int
	BatchSlots    int
	BatchCapacity int
	BatchWeight   int
	// BatchGets routes gets through the batching coordinator as well.
	BatchGets bool

	MaxAttempts      int
	MaxLoginAttempts int
	RetryInterval    time.Duration
	// ResolveHost pins every connection to the first DNS address of Host.
	ResolveHost bool
	Timeout     time.Duration

	// HTTPClient supplies the transport; a pinned clone of
	// http.DefaultTransport is used when nil.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MaxLoginAttempts <= 0 {
		c.MaxLoginAttempts = DefaultMaxLoginAttempts
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *Config) validate() error {
	if c.Host == "" {
		return errors.New("http tier: host is required")
	}
	if c.Namespace == "" {
		return errors.New("http tier: namespace is required")
	}
	if err := tieredcache.ValidateBucket(c.Namespace); err != nil {
		return fmt.Errorf("http tier: namespace: %w", err)
	}
	if c.OAuthProvider != "" && c.OAuthClientID == "" {
		return errors.New("http tier: oauth client id is required with an oauth provider")
	}
	return nil
}

// conn is one pooled connection slot.
type conn struct {
	id     int
	client *http.Client
}

// Store is the HTTP tier.
type Store struct {
	store.Debuggable

	cfg     Config
	name    string
	base    string
	session string
	speed   store.SpeedClass
	usable  atomic.Bool
	auth    *authenticator
	conns   *pool.Pool[*conn]
	batcher *batch.Coordinator[*conn]
	idle    []*http.Transport
	logger  *slog.Logger

	closeOnce sync.Once
}

// New connects to the service: it runs the health check, logs in and then
// pins the host for the pooled connections. A failed health check leaves a
// store that misses on every request; invalid configuration is an error.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	host := cfg.Host
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("http tier: parsing host: %w", err)
	}

	s := &Store{
		cfg:     cfg,
		name:    cfg.Name,
		base:    strings.TrimSuffix(u.String(), "/"),
		session: uuid.NewString(),
		logger:  cfg.Logger.With("component", "httpstore", "tier", cfg.Name),
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	setup := s.clientFactory(base)()
	rtt, err := s.healthCheck(ctx, setup)
	if err != nil {
		s.logger.Warn("health check failed, tier disabled", "host", s.base, "error", err)
		s.openPool(s.clientFactory(base))
		return s, nil
	}
	s.usable.Store(true)
	s.speed = cfg.SpeedClass
	if s.speed == store.SpeedUnknown {
		s.speed = speedForRTT(rtt)
	}
	s.SetNativeSpeed(s.speed)

	if cfg.OAuthProvider != "" {
		s.auth = newAuthenticator(cfg.Name, cfg, setup, s.logger)
		if _, err := s.auth.Token(ctx); err != nil {
			s.logger.Warn("initial oauth login failed", "provider", cfg.OAuthProvider, "error", err)
		}
	}

	if cfg.ResolveHost && cfg.HTTPClient == nil {
		base = s.pin(ctx, base, u.Hostname())
	}
	s.openPool(s.clientFactory(base))

	s.logger.Info("http tier ready", "host", s.base, "namespace", cfg.Namespace,
		"speed", s.speed, "rtt", rtt, "read_only", cfg.ReadOnly, "session", s.session)
	return s, nil
}

// openPool creates the connection pool and the batch coordinator over it.
func (s *Store) openPool(newClient func() *http.Client) {
	conns := make([]*conn, s.cfg.PoolSize)
	for i := range conns {
		conns[i] = &conn{id: i, client: newClient()}
	}
	s.conns = pool.New(conns, pool.WithName(s.cfg.Name))
	s.batcher = batch.New(s.conns, s.batchCall, s.singleCall, batch.Config{
		Name:     s.cfg.Name,
		Slots:    s.cfg.BatchSlots,
		Capacity: s.cfg.BatchCapacity,
		Weight:   s.cfg.BatchWeight,
		Logger:   s.logger,
	})
}

// pin resolves hostname once and returns a transport that always dials
// that address. On failure base is returned unchanged.
func (s *Store) pin(ctx context.Context, base *http.Transport, hostname string) *http.Transport {
	addr, err := resolveOnce(ctx, net.DefaultResolver, hostname)
	if err != nil {
		s.logger.Warn("host resolution failed, connections are not pinned", "error", err)
		return base
	}
	s.logger.Info("pinned host", "host", hostname, "address", addr)
	return pinnedTransport(base, hostname, addr)
}

// clientFactory returns a constructor for per-connection clients over
// base, or over the configured HTTPClient's transport when one is set.
func (s *Store) clientFactory(base *http.Transport) func() *http.Client {
	if s.cfg.HTTPClient != nil {
		inner := s.cfg.HTTPClient.Transport
		return func() *http.Client {
			return &http.Client{
				Transport: telemetry.NewRemoteTransport(inner, s.name),
				Timeout:   s.cfg.Timeout,
			}
		}
	}
	return func() *http.Client {
		tr := base.Clone()
		tr.MaxConnsPerHost = 1
		s.idle = append(s.idle, tr)
		return &http.Client{
			Transport: telemetry.NewRemoteTransport(tr, s.name),
			Timeout:   s.cfg.Timeout,
		}
	}
}

func (s *Store) healthCheck(ctx context.Context, client *http.Client) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+wire.HealthPath, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	rtt := time.Since(start)
	if resp.StatusCode != http.StatusOK {
		return rtt, fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return rtt, nil
}

func speedForRTT(rtt time.Duration) store.SpeedClass {
	switch {
	case rtt < 10*time.Millisecond:
		return store.SpeedFast
	case rtt < 60*time.Millisecond:
		return store.SpeedOk
	default:
		return store.SpeedSlow
	}
}

func (s *Store) Name() string { return s.name }

// Usable reports whether the startup health check passed.
func (s *Store) Usable() bool { return s.usable.Load() }

// BatchStats returns the batching coordinator counters.
func (s *Store) BatchStats() batch.Stats { return s.batcher.Stats() }

func (s *Store) SpeedClass() store.SpeedClass { return s.EffectiveSpeed(s.speed) }

func (s *Store) IsWritable() bool { return s.usable.Load() && !s.cfg.ReadOnly }

// Exists asks the service through the batching coordinator.
func (s *Store) Exists(ctx context.Context, key tieredcache.CacheKey) bool {
	if !s.usable.Load() || s.SimulateMiss(ctx, key) {
		return false
	}
	start := time.Now()
	rec, err := s.batcher.Do(ctx, wire.OpFor(key, wire.VerbExists))
	if err != nil {
		s.logger.Debug("exists failed", "key", key, "error", err)
		telemetry.RecordStoreOp(ctx, s.name, "exists", "error", time.Since(start), 0)
		return false
	}
	telemetry.RecordStoreOp(ctx, s.name, "exists", outcome(rec.Found()), time.Since(start), 0)
	return rec.Found()
}

// ExistsBatch issues one existence check per key concurrently so they share
// batch rounds.
func (s *Store) ExistsBatch(ctx context.Context, keys []tieredcache.CacheKey) *bitset.BitSet {
	result := bitset.New(uint(len(keys)))
	if !s.usable.Load() {
		return result
	}
	found := make([]bool, len(keys))
	var g errgroup.Group
	g.SetLimit(wire.MaxBatchOps)
	for i, key := range keys {
		g.Go(func() error {
			found[i] = s.Exists(ctx, key)
			return nil
		})
	}
	_ = g.Wait()
	for i, ok := range found {
		if ok {
			result.Set(uint(i))
		}
	}
	return result
}

// Get fetches and verifies a value. Every failure is reported as a miss.
func (s *Store) Get(ctx context.Context, key tieredcache.CacheKey, policy tieredcache.Policy) (tieredcache.Value, error) {
	if !s.usable.Load() {
		return tieredcache.Value{}, fmt.Errorf("%w: %w", store.ErrNotFound, ErrUnusable)
	}
	if s.SimulateMiss(ctx, key) {
		return tieredcache.Value{}, store.ErrNotFound
	}
	start := time.Now()
	verb := wire.VerbGet
	if policy.Has(tieredcache.SkipData) {
		verb = wire.VerbExists
	}
	op := wire.OpFor(key, verb)

	var rec wire.Record
	var err error
	if s.cfg.BatchGets {
		rec, err = s.batcher.Do(ctx, op)
	} else {
		rec, err = s.withConn(ctx, func(c *conn) (wire.Record, error) {
			return s.singleCall(ctx, c, op)
		})
	}
	if err != nil {
		s.logger.Debug("get failed", "key", key, "error", err)
		telemetry.RecordStoreOp(ctx, s.name, "get", "error", time.Since(start), 0)
		return tieredcache.Value{}, fmt.Errorf("%w: %w", store.ErrNotFound, err)
	}
	if !rec.Found() {
		telemetry.RecordStoreOp(ctx, s.name, "get", "miss", time.Since(start), 0)
		return tieredcache.Value{}, store.ErrNotFound
	}

	v, err := rec.Value()
	if err == nil && verb == wire.VerbGet {
		if !v.HasData() {
			err = fmt.Errorf("%w: response has no payload", tieredcache.ErrCorrupt)
		} else {
			err = v.Validate()
		}
	}
	if err != nil {
		s.logger.Warn("discarding corrupt response", "key", key, "error", err)
		telemetry.RecordStoreOp(ctx, s.name, "get", "corrupt", time.Since(start), 0)
		return tieredcache.Value{}, fmt.Errorf("%w: %w", store.ErrNotFound, err)
	}
	telemetry.RecordStoreOp(ctx, s.name, "get", "hit", time.Since(start), int64(len(rec.Payload)))
	return v, nil
}

// Put uploads value. Existing remote values are kept unless allowOverwrite.
func (s *Store) Put(ctx context.Context, key tieredcache.CacheKey, value tieredcache.Value, allowOverwrite bool) store.PutStatus {
	if s.cfg.ReadOnly {
		return store.Skipped
	}
	if !s.usable.Load() || !value.HasData() {
		return store.NotCached
	}
	s.RecordPut(ctx, key)
	start := time.Now()
	body := value.Encode()
	header := http.Header{}
	header.Set("Content-Type", wire.ContentTypeValue)
	header.Set(wire.HeaderRawHash, value.RawHash.String())
	header.Set(wire.HeaderRawSize, strconv.FormatUint(value.RawSize, 10))
	if !allowOverwrite {
		header.Set("If-None-Match", "*")
	}

	resp, err := s.withConnResponse(ctx, func(c *conn) (*response, error) {
		return s.roundTrip(ctx, c, http.MethodPut, wire.RefPath(s.cfg.Namespace, key), body, header)
	})
	if err != nil {
		s.logger.Debug("put failed", "key", key, "error", err)
		telemetry.RecordStoreOp(ctx, s.name, "put", "error", time.Since(start), 0)
		return store.NotCached
	}
	switch resp.status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		telemetry.RecordStoreOp(ctx, s.name, "put", "stored", time.Since(start), int64(len(body)))
		return store.Cached
	case http.StatusPreconditionFailed:
		telemetry.RecordStoreOp(ctx, s.name, "put", "exists", time.Since(start), 0)
		return store.Cached
	default:
		s.logger.Debug("put rejected", "key", key, "status", resp.status)
		telemetry.RecordStoreOp(ctx, s.name, "put", "rejected", time.Since(start), 0)
		return store.NotCached
	}
}

// Remove deletes key remotely. Transient removals only concern local tiers.
func (s *Store) Remove(ctx context.Context, key tieredcache.CacheKey, transient bool) {
	if transient || s.cfg.ReadOnly || !s.usable.Load() {
		return
	}
	_, err := s.withConnResponse(ctx, func(c *conn) (*response, error) {
		return s.roundTrip(ctx, c, http.MethodDelete, wire.RefPath(s.cfg.Namespace, key), nil, nil)
	})
	if err != nil {
		s.logger.Debug("remove failed", "key", key, "error", err)
	}
}

// Close releases idle connections.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		for _, tr := range s.idle {
			tr.CloseIdleConnections()
		}
	})
	return nil
}

func (s *Store) withConn(ctx context.Context, fn func(*conn) (wire.Record, error)) (wire.Record, error) {
	lease, err := s.conns.Acquire(ctx)
	if err != nil {
		return wire.Record{}, err
	}
	defer lease.Release()
	return fn(lease.Value())
}

func (s *Store) withConnResponse(ctx context.Context, fn func(*conn) (*response, error)) (*response, error) {
	lease, err := s.conns.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	return fn(lease.Value())
}

// singleCall runs one unbatched operation and shapes the reply as a batch
// record.
func (s *Store) singleCall(ctx context.Context, c *conn, op wire.Op) (wire.Record, error) {
	key, err := op.CacheKey()
	if err != nil {
		return wire.Record{}, err
	}
	method := http.MethodGet
	if op.Verb == wire.VerbExists {
		method = http.MethodHead
	}
	resp, err := s.roundTrip(ctx, c, method, wire.RefPath(s.cfg.Namespace, key), nil, nil)
	if err != nil {
		return wire.Record{}, err
	}
	rec := wire.Record{Name: op.Name()}
	switch resp.status {
	case http.StatusOK:
		rec.Code = wire.CodeOK
	case http.StatusNotFound:
		rec.Code = wire.CodeNotFound
		return rec, nil
	default:
		return wire.Record{}, fmt.Errorf("unexpected status %d", resp.status)
	}
	if h := resp.header.Get(wire.HeaderRawHash); h != "" {
		if rec.Hash, err = tieredcache.ParseHash(h); err != nil {
			return wire.Record{}, fmt.Errorf("%w: %s header: %v", tieredcache.ErrCorrupt, wire.HeaderRawHash, err)
		}
	}
	if sz := resp.header.Get(wire.HeaderRawSize); sz != "" {
		if rec.Size, err = strconv.ParseUint(sz, 10, 64); err != nil {
			return wire.Record{}, fmt.Errorf("%w: %s header: %v", tieredcache.ErrCorrupt, wire.HeaderRawSize, err)
		}
	}
	if op.Verb == wire.VerbGet {
		rec.Payload = resp.body.Bytes()
	}
	return rec, nil
}

// batchCall posts ops to the batch endpoint and parses the record stream.
func (s *Store) batchCall(ctx context.Context, c *conn, ops []wire.Op) ([]wire.Record, error) {
	body, err := wire.EncodeBatchRequest(ops)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	resp, err := s.roundTrip(ctx, c, http.MethodPost, wire.BatchPath(s.cfg.Namespace), body, header)
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, fmt.Errorf("batch returned %d", resp.status)
	}
	recs, err := wire.NewRecordReader(resp.body.Reader()).ReadAll()
	if err != nil {
		s.logger.Warn("malformed batch response", "ops", len(ops), "error", err)
		return nil, err
	}
	return recs, nil
}

type response struct {
	status int
	header http.Header
	body   *tieredcache.CompositeBuffer
}

// roundTrip sends one request with retries. 401 triggers exactly one token
// refresh, 429 retries honouring Retry-After, network and 5xx errors retry;
// MaxAttempts bounds the total.
func (s *Store) roundTrip(ctx context.Context, c *conn, method, path string, body []byte, header http.Header) (*response, error) {
	refreshed := false
	op := func() (*response, error) {
		req, err := http.NewRequestWithContext(ctx, method, s.base+path, bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		for k, vs := range header {
			req.Header[k] = vs
		}
		wire.SetContentHash(req.Header, body)
		req.Header.Set(wire.HeaderSession, s.session)

		var tok *oauth2.Token
		if s.auth != nil {
			access, err := s.auth.Token(ctx)
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			tok = s.auth.Current()
			req.Header.Set("Authorization", "Bearer "+access)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			telemetry.RecordRemoteRetry(ctx, s.name, "network")
			return nil, err
		}
		data, err := tieredcache.ReadCompositeBuffer(resp.Body, maxResponseSize)
		_ = resp.Body.Close()
		if err != nil {
			telemetry.RecordRemoteRetry(ctx, s.name, "network")
			return nil, fmt.Errorf("reading response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && s.auth != nil:
			if refreshed {
				return nil, backoff.Permanent(errUnauthorized)
			}
			refreshed = true
			telemetry.RecordRemoteRetry(ctx, s.name, "unauthorized")
			if _, err := s.auth.Refresh(ctx, tok); err != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, errUnauthorized
		case resp.StatusCode == http.StatusTooManyRequests:
			telemetry.RecordRemoteRetry(ctx, s.name, "throttled")
			if secs := retryAfter(resp.Header); secs > 0 {
				return nil, backoff.RetryAfter(secs)
			}
			return nil, errThrottled
		case resp.StatusCode >= http.StatusInternalServerError:
			telemetry.RecordRemoteRetry(ctx, s.name, "server_error")
			return nil, fmt.Errorf("%w: %d", errServer, resp.StatusCode)
		}

		if resp.StatusCode == http.StatusOK && data.Len() > 0 {
			if err := wire.VerifyHash(resp.Header, data.Hash()); err != nil {
				return nil, backoff.Permanent(fmt.Errorf("%w: %w", tieredcache.ErrCorrupt, err))
			}
		}
		return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInterval
	b.MaxInterval = 20 * s.cfg.RetryInterval
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.cfg.MaxAttempts)), //nolint:gosec // positive after defaults
	)
}

// retryAfter parses a Retry-After header in seconds or HTTP date form,
// capped at maxRetryAfter.
func retryAfter(h http.Header) int {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(v); err == nil {
		d = time.Until(t)
	}
	d = min(d, maxRetryAfter)
	if d <= 0 {
		return 0
	}
	return int(d / time.Second)
}

func outcome(found bool) string {
	if found {
		return "hit"
	}
	return "miss"
}

var (
	_ store.Store        = (*Store)(nil)
	_ store.BatchExister = (*Store)(nil)
)
