// Package cache is the request facade over a store graph. Requests are
// submitted in batches; responses arrive on a channel in completion order
// and are matched to requests by their UserData.
//
// A record is stored as a package (the record with metadata-only values)
// under its own key, and each record value under a content key in the same
// bucket, so records sharing payloads share storage.
package cache

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	tieredcache "github.com/wolfeidau/tiered-cache"
	"github.com/wolfeidau/tiered-cache/store"
	"github.com/wolfeidau/tiered-cache/telemetry"
)

// DefaultConcurrency bounds how many requests of one batch run at a time.
const DefaultConcurrency = 16

const metricsName = "cache"

// Cache serves requests against a root store.
type Cache struct {
	root         store.Store
	maxLegacyLen int
	concurrency  int
	logger       *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithMaxLegacyKeyLength sets the longest legacy key stored verbatim.
func WithMaxLegacyKeyLength(n int) Option {
	return func(c *Cache) {
		c.maxLegacyLen = n
	}
}

// WithConcurrency bounds the number of requests of one batch in flight.
func WithConcurrency(n int) Option {
	return func(c *Cache) {
		c.concurrency = n
	}
}

// New creates a facade over root.
func New(root store.Store, opts ...Option) *Cache {
	c := &Cache{
		root:         root,
		maxLegacyLen: tieredcache.DefaultMaxLegacyKeyLength,
		concurrency:  DefaultConcurrency,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.maxLegacyLen = max(c.maxLegacyLen, tieredcache.MinMaxLegacyKeyLength)
	c.concurrency = max(c.concurrency, 1)
	c.logger = c.logger.With("component", "cache")
	return c
}

// Root returns the store requests run against.
func (c *Cache) Root() store.Store { return c.root }

// MaxLegacyKeyLength returns the configured legacy key length.
func (c *Cache) MaxLegacyKeyLength() int { return c.maxLegacyLen }

// Put stores records.
func (c *Cache) Put(ctx context.Context, reqs []PutRequest) <-chan PutResponse {
	return dispatch(ctx, c, reqs, func(r PutRequest) tieredcache.Priority { return r.Priority }, c.putRecord)
}

// Get loads records.
func (c *Cache) Get(ctx context.Context, reqs []GetRequest) <-chan GetResponse {
	return dispatch(ctx, c, reqs, func(r GetRequest) tieredcache.Priority { return r.Priority }, c.getRecord)
}

// PutValue stores single values.
func (c *Cache) PutValue(ctx context.Context, reqs []PutValueRequest) <-chan PutValueResponse {
	return dispatch(ctx, c, reqs, func(r PutValueRequest) tieredcache.Priority { return r.Priority }, c.putValue)
}

// GetValue loads single values.
func (c *Cache) GetValue(ctx context.Context, reqs []GetValueRequest) <-chan GetValueResponse {
	return dispatch(ctx, c, reqs, func(r GetValueRequest) tieredcache.Priority { return r.Priority }, c.getValue)
}

// GetChunk loads byte ranges of values.
func (c *Cache) GetChunk(ctx context.Context, reqs []ChunkRequest) <-chan ChunkResponse {
	return dispatch(ctx, c, reqs, func(r ChunkRequest) tieredcache.Priority { return r.Priority }, c.getChunk)
}

// Collect drains a response channel.
func Collect[T any](ch <-chan T) []T {
	var out []T
	for r := range ch {
		out = append(out, r)
	}
	return out
}

// dispatch runs reqs in priority order. Blocking requests complete before
// dispatch returns; the rest run in the background, bounded by the
// configured concurrency. The channel is closed after the last response.
func dispatch[Req, Resp any](ctx context.Context, c *Cache, reqs []Req, priority func(Req) tieredcache.Priority, run func(context.Context, Req) Resp) <-chan Resp {
	out := make(chan Resp, len(reqs))
	order := make([]int, len(reqs))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(priority(reqs[b]), priority(reqs[a]))
	})

	var background []int
	for _, i := range order {
		if priority(reqs[i]) == tieredcache.PriorityBlocking {
			out <- run(ctx, reqs[i])
			continue
		}
		background = append(background, i)
	}
	if len(background) == 0 {
		close(out)
		return out
	}

	go func() {
		defer close(out)
		var g errgroup.Group
		g.SetLimit(c.concurrency)
		for _, i := range background {
			g.Go(func() error {
				out <- run(ctx, reqs[i])
				return nil
			})
		}
		_ = g.Wait()
	}()
	return out
}

func status(ok bool) tieredcache.Status {
	if ok {
		return tieredcache.StatusOk
	}
	return tieredcache.StatusError
}

func (c *Cache) observe(ctx context.Context, op string, ok bool, start time.Time, bytes int) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	telemetry.RecordStoreOp(ctx, metricsName, op, outcome, time.Since(start), int64(bytes))
}

// contentKey addresses a record value by its raw hash.
func contentKey(bucket string, h tieredcache.Hash) tieredcache.CacheKey {
	return tieredcache.CacheKey{Bucket: bucket, Hash: h}
}

func (c *Cache) putRecord(ctx context.Context, req PutRequest) PutResponse {
	resp := PutResponse{Name: req.Name, UserData: req.UserData, Status: tieredcache.StatusError}
	if req.Record == nil {
		c.logger.Warn("put without a record", "name", req.Name)
		return resp
	}
	resp.Key = req.Record.Key()
	if ctx.Err() != nil {
		return resp
	}
	start := time.Now()
	err := c.storeRecord(ctx, req.Record, req.Policy)
	if err != nil {
		c.logger.Debug("put failed", "name", req.Name, "key", resp.Key, "error", err)
	}
	resp.Status = status(err == nil)
	c.observe(ctx, "put", err == nil, start, 0)
	return resp
}

// storeRecord writes the values before the package so a stored package
// never references missing values. Queued value writes are flushed before
// the package is written.
func (c *Cache) storeRecord(ctx context.Context, rec *tieredcache.CacheRecord, policy tieredcache.Policy) error {
	key := rec.Key()
	queued := false
	for _, rv := range rec.Values() {
		if !rv.Value.HasData() {
			return fmt.Errorf("value %s has no data", rv.ID)
		}
		st := store.PutPolicy(ctx, c.root, contentKey(key.Bucket, rv.Value.RawHash), rv.Value, false, policy)
		if !st.Accepted() {
			return fmt.Errorf("storing value %s: %s", rv.ID, st)
		}
		queued = queued || st == store.Executing
	}
	if queued {
		if err := store.Flush(ctx, c.root); err != nil {
			return fmt.Errorf("flushing values: %w", err)
		}
	}
	pkg, err := tieredcache.EncodeRecord(rec.WithoutData())
	if err != nil {
		return err
	}
	v, err := tieredcache.NewValue(pkg)
	if err != nil {
		return err
	}
	if st := store.PutPolicy(ctx, c.root, key, v, true, policy); !st.Accepted() {
		return fmt.Errorf("storing record package: %s", st)
	}
	return nil
}

func (c *Cache) getRecord(ctx context.Context, req GetRequest) GetResponse {
	resp := GetResponse{Name: req.Name, Key: req.Key, UserData: req.UserData, Status: tieredcache.StatusError}
	if ctx.Err() != nil {
		return resp
	}
	start := time.Now()
	rec, err := c.loadRecord(ctx, req.Key, req.Policy)
	if err != nil {
		c.logMiss("get", req.Name, req.Key, err)
		c.observe(ctx, "get", false, start, 0)
		return resp
	}
	resp.Record = rec
	resp.Status = tieredcache.StatusOk
	c.observe(ctx, "get", true, start, 0)
	return resp
}

// loadPackage fetches and decodes the package stored under key.
func (c *Cache) loadPackage(ctx context.Context, key tieredcache.CacheKey, policy tieredcache.Policy) (*tieredcache.CacheRecord, error) {
	v, err := c.root.Get(ctx, key, policy&^tieredcache.SkipData)
	if err != nil {
		return nil, err
	}
	raw, err := v.Raw()
	if err != nil {
		return nil, err
	}
	rec, err := tieredcache.DecodeRecord(raw)
	if err != nil {
		return nil, err
	}
	if rec.Key() != key {
		return nil, fmt.Errorf("%w: package holds record %s", tieredcache.ErrCorrupt, rec.Key())
	}
	return rec, nil
}

func (c *Cache) loadRecord(ctx context.Context, key tieredcache.CacheKey, policy tieredcache.Policy) (*tieredcache.CacheRecord, error) {
	rec, err := c.loadPackage(ctx, key, policy)
	if err != nil || policy.Has(tieredcache.SkipData) {
		return rec, err
	}

	values := rec.Values()
	loaded := make([]tieredcache.Value, len(values))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, rv := range values {
		g.Go(func() error {
			v, err := c.loadValue(gctx, contentKey(key.Bucket, rv.Value.RawHash), policy)
			if err != nil {
				return fmt.Errorf("value %s: %w", rv.ID, err)
			}
			if !v.Equal(rv.Value) {
				return fmt.Errorf("%w: value %s does not match the package", tieredcache.ErrCorrupt, rv.ID)
			}
			loaded[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	byID := make(map[tieredcache.ValueID]tieredcache.Value, len(values))
	for i, rv := range values {
		byID[rv.ID] = loaded[i]
	}
	return rec.WithValues(byID), nil
}

// loadValue fetches key and validates the payload when present.
func (c *Cache) loadValue(ctx context.Context, key tieredcache.CacheKey, policy tieredcache.Policy) (tieredcache.Value, error) {
	v, err := c.root.Get(ctx, key, policy)
	if err != nil {
		return tieredcache.Value{}, err
	}
	if err := v.Validate(); err != nil {
		return tieredcache.Value{}, err
	}
	return v, nil
}

func (c *Cache) putValue(ctx context.Context, req PutValueRequest) PutValueResponse {
	resp := PutValueResponse{Name: req.Name, Key: req.Key, UserData: req.UserData, Status: tieredcache.StatusError}
	if ctx.Err() != nil {
		return resp
	}
	if !req.Value.HasData() {
		c.logger.Warn("put value without data", "name", req.Name, "key", req.Key)
		return resp
	}
	start := time.Now()
	st := store.PutPolicy(ctx, c.root, req.Key, req.Value, true, req.Policy)
	resp.Status = status(st.Accepted())
	c.observe(ctx, "put_value", st.Accepted(), start, req.Value.Size())
	return resp
}

func (c *Cache) getValue(ctx context.Context, req GetValueRequest) GetValueResponse {
	resp := GetValueResponse{Name: req.Name, Key: req.Key, UserData: req.UserData, Status: tieredcache.StatusError}
	if ctx.Err() != nil {
		return resp
	}
	start := time.Now()
	v, err := c.loadValue(ctx, req.Key, req.Policy)
	if err != nil {
		c.logMiss("get_value", req.Name, req.Key, err)
		c.observe(ctx, "get_value", false, start, 0)
		return resp
	}
	resp.Value = v
	resp.Status = tieredcache.StatusOk
	c.observe(ctx, "get_value", true, start, v.Size())
	return resp
}

func (c *Cache) getChunk(ctx context.Context, req ChunkRequest) ChunkResponse {
	resp := ChunkResponse{
		Name:      req.Name,
		Key:       req.Key,
		ID:        req.ID,
		RawOffset: req.RawOffset,
		UserData:  req.UserData,
		Status:    tieredcache.StatusError,
	}
	if ctx.Err() != nil {
		return resp
	}
	start := time.Now()
	v, err := c.chunkSource(ctx, req)
	if err == nil && !req.Policy.Has(tieredcache.SkipData) && !v.HasData() {
		err = fmt.Errorf("value %s has no data", v.RawHash.ShortString())
	}
	if err == nil && req.RawOffset > v.RawSize {
		err = fmt.Errorf("offset %d beyond value size %d", req.RawOffset, v.RawSize)
	}
	if err != nil {
		c.logMiss("get_chunk", req.Name, req.Key, err)
		c.observe(ctx, "get_chunk", false, start, 0)
		return resp
	}

	resp.RawHash = v.RawHash
	resp.TotalSize = v.RawSize
	resp.RawSize = v.RawSize - req.RawOffset
	if req.RawSize > 0 {
		resp.RawSize = min(req.RawSize, resp.RawSize)
	}
	if !req.Policy.Has(tieredcache.SkipData) {
		data, err := v.Data.DecompressRange(req.RawOffset, resp.RawSize)
		if err != nil {
			c.logMiss("get_chunk", req.Name, req.Key, err)
			c.observe(ctx, "get_chunk", false, start, 0)
			return resp
		}
		resp.Data = data
	}
	resp.Status = tieredcache.StatusOk
	c.observe(ctx, "get_chunk", true, start, len(resp.Data))
	return resp
}

// chunkSource resolves the value a chunk request reads from.
func (c *Cache) chunkSource(ctx context.Context, req ChunkRequest) (tieredcache.Value, error) {
	if req.ID == (tieredcache.ValueID{}) {
		return c.loadValue(ctx, req.Key, req.Policy)
	}
	rec, err := c.loadPackage(ctx, req.Key, req.Policy)
	if err != nil {
		return tieredcache.Value{}, err
	}
	meta, ok := rec.Value(req.ID)
	if !ok {
		return tieredcache.Value{}, fmt.Errorf("%w: record has no value %s", tieredcache.ErrNotFound, req.ID)
	}
	if req.Policy.Has(tieredcache.SkipData) {
		return meta, nil
	}
	v, err := c.loadValue(ctx, contentKey(req.Key.Bucket, meta.RawHash), req.Policy)
	if err != nil {
		return tieredcache.Value{}, err
	}
	if !v.Equal(meta) {
		return tieredcache.Value{}, fmt.Errorf("%w: value %s does not match the package", tieredcache.ErrCorrupt, req.ID)
	}
	return v, nil
}

func (c *Cache) logMiss(op, name string, key tieredcache.CacheKey, err error) {
	if errors.Is(err, tieredcache.ErrCorrupt) {
		c.logger.Warn("corrupt cache entry", "op", op, "name", name, "key", key, "error", err)
		return
	}
	c.logger.Debug("cache miss", "op", op, "name", name, "key", key, "error", err)
}
