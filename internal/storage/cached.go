package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/annel0/voxel-store/internal/cache"
	"github.com/annel0/voxel-store/internal/logging"
)

// Cached ставит горячий кеш перед KV. Чтение идёт через кеш
// (read-through), запись сначала в KV, затем в кеш (write-through).
// Обход ключей всегда идёт по нижнему KV.
type Cached struct {
	kv    KV
	cache cache.CacheRepo
	ttl   time.Duration
}

// NewCached создаёт KV с кешем. ttl = 0 означает TTL кеша по умолчанию.
// Close закрывает только kv: кеш принадлежит вызывающему коду.
func NewCached(kv KV, c cache.CacheRepo, ttl time.Duration) *Cached {
	return &Cached{kv: kv, cache: c, ttl: ttl}
}

func cacheKey(key []byte) string { return hex.EncodeToString(key) }

// Get реализует KV.
func (c *Cached) Get(ctx context.Context, key []byte) ([]byte, error) {
	ck := cacheKey(key)
	v, err := c.cache.Get(ctx, ck)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		logging.Warn("⚠️ Кеш недоступен для %s: %v", ck, err)
	}

	v, err = c.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, ck, v, c.ttl); err != nil {
		logging.Warn("⚠️ Не удалось положить %s в кеш: %v", ck, err)
	}
	return v, nil
}

// Put реализует KV.
func (c *Cached) Put(ctx context.Context, key, value []byte) error {
	if err := c.kv.Put(ctx, key, value); err != nil {
		return err
	}
	ck := cacheKey(key)
	if err := c.cache.Set(ctx, ck, value, c.ttl); err != nil {
		// Старое значение в кеше хуже промаха
		logging.Warn("⚠️ Не удалось обновить кеш %s: %v", ck, err)
		_ = c.cache.Delete(ctx, ck)
	}
	return nil
}

// Delete реализует KV.
func (c *Cached) Delete(ctx context.Context, key []byte) error {
	if err := c.cache.Delete(ctx, cacheKey(key)); err != nil {
		return err
	}
	return c.kv.Delete(ctx, key)
}

// Scan реализует KV.
func (c *Cached) Scan(ctx context.Context, prefix []byte, fn func(key []byte) bool) error {
	return c.kv.Scan(ctx, prefix, fn)
}

// Evict сбрасывает ключ из кеша, не трогая KV.
func (c *Cached) Evict(ctx context.Context, key []byte) error {
	return c.cache.Delete(ctx, cacheKey(key))
}

// Close закрывает нижний KV.
func (c *Cached) Close() error {
	return c.kv.Close()
}
