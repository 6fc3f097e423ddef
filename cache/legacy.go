package cache

import (
	"context"
	"time"

	"github.com/bits-and-blooms/bitset"

	tieredcache "github.com/wolfeidau/tiered-cache"
	"github.com/wolfeidau/tiered-cache/store"
)

// legacyKey maps key with the configured maximum length.
func (c *Cache) legacyKey(key tieredcache.LegacyKey) (tieredcache.CacheKey, bool) {
	ck, err := key.CacheKey(c.maxLegacyLen)
	if err != nil {
		c.logger.Warn("invalid legacy key", "key", string(key), "error", err)
		return tieredcache.CacheKey{}, false
	}
	return ck, true
}

// PutLegacy stores data under a legacy key. The stored bytes carry a trailer
// naming the full key so collisions of shortened keys are detected on read.
func (c *Cache) PutLegacy(ctx context.Context, key tieredcache.LegacyKey, data []byte, policy tieredcache.Policy) tieredcache.Status {
	ck, ok := c.legacyKey(key)
	if !ok || ctx.Err() != nil {
		return tieredcache.StatusError
	}
	start := time.Now()
	v, err := tieredcache.NewValue(tieredcache.AppendLegacyTrailer(data, key))
	if err != nil {
		c.logger.Warn("encoding legacy value", "key", string(key), "error", err)
		return tieredcache.StatusError
	}
	accepted := store.PutPolicy(ctx, c.root, ck, v, true, policy).Accepted()
	c.observe(ctx, "put_legacy", accepted, start, len(data))
	return status(accepted)
}

// GetLegacy loads the data stored under a legacy key. With SkipData the
// data is nil and Ok only reports existence. Entries whose trailer does not
// match key are removed from the local tiers and reported as errors.
func (c *Cache) GetLegacy(ctx context.Context, key tieredcache.LegacyKey, policy tieredcache.Policy) ([]byte, tieredcache.Status) {
	ck, ok := c.legacyKey(key)
	if !ok || ctx.Err() != nil {
		return nil, tieredcache.StatusError
	}
	start := time.Now()
	v, err := c.loadValue(ctx, ck, policy)
	if err != nil {
		c.logMiss("get_legacy", string(key), ck, err)
		c.observe(ctx, "get_legacy", false, start, 0)
		return nil, tieredcache.StatusError
	}
	if policy.Has(tieredcache.SkipData) {
		c.observe(ctx, "get_legacy", true, start, 0)
		return nil, tieredcache.StatusOk
	}
	blob, err := v.Raw()
	if err == nil {
		blob, err = tieredcache.SplitLegacyTrailer(blob, key)
	}
	if err != nil {
		c.logMiss("get_legacy", string(key), ck, err)
		c.root.Remove(ctx, ck, true)
		c.observe(ctx, "get_legacy", false, start, 0)
		return nil, tieredcache.StatusError
	}
	c.observe(ctx, "get_legacy", true, start, len(blob))
	return blob, tieredcache.StatusOk
}

// ExistsLegacy reports which legacy keys are likely present.
func (c *Cache) ExistsLegacy(ctx context.Context, keys []tieredcache.LegacyKey) *bitset.BitSet {
	cks := make([]tieredcache.CacheKey, 0, len(keys))
	idx := make([]uint, 0, len(keys))
	for i, key := range keys {
		if ck, ok := c.legacyKey(key); ok {
			cks = append(cks, ck)
			idx = append(idx, uint(i))
		}
	}
	result := bitset.New(uint(len(keys)))
	found := store.ExistsBatch(ctx, c.root, cks)
	for i, at := range idx {
		if found.Test(uint(i)) {
			result.Set(at)
		}
	}
	return result
}

// RemoveLegacy deletes a legacy key from every tier.
func (c *Cache) RemoveLegacy(ctx context.Context, key tieredcache.LegacyKey) {
	if ck, ok := c.legacyKey(key); ok {
		c.root.Remove(ctx, ck, false)
	}
}
