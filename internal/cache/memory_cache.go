package cache

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// MemoryCache - CacheRepo в памяти процесса с истечением по TTL.
// Подходит для одного узла и для тестов.
type MemoryCache struct {
	mu          sync.Mutex
	config      CacheConfig
	items       map[string]memoryItem
	invalidator CacheInvalidator
	metrics     CacheMetrics
	closed      bool
	now         func() time.Time
}

type memoryItem struct {
	value   []byte
	expires time.Time
}

// NewMemoryCache создаёт кеш в памяти. invalidator может быть nil.
func NewMemoryCache(config CacheConfig, invalidator CacheInvalidator) *MemoryCache {
	return &MemoryCache{
		config:      config.withDefaults(),
		items:       make(map[string]memoryItem),
		invalidator: invalidator,
		now:         time.Now,
	}
}

// lookup возвращает живую запись. Истёкшие записи удаляются. Вызывается под mu.
func (m *MemoryCache) lookup(key string) ([]byte, bool) {
	it, ok := m.items[key]
	if !ok {
		return nil, false
	}
	if !m.now().Before(it.expires) {
		delete(m.items, key)
		return nil, false
	}
	return it.value, true
}

func (m *MemoryCache) record(hit bool) {
	m.metrics.TotalRequests++
	if hit {
		m.metrics.CacheHits++
	} else {
		m.metrics.CacheMisses++
	}
	m.metrics.HitRatio = float64(m.metrics.CacheHits) / float64(m.metrics.TotalRequests)
}

// Get реализует CacheRepo.
func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrCacheClosed
	}
	v, ok := m.lookup(key)
	m.record(ok)
	if !ok {
		return nil, ErrCacheMiss
	}
	return bytes.Clone(v), nil
}

// Set реализует CacheRepo.
func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrCacheClosed
	}
	if key == "" {
		return ErrInvalidKey
	}
	m.items[key] = memoryItem{value: bytes.Clone(value), expires: m.now().Add(m.config.clampTTL(ttl))}
	return nil
}

// Delete реализует CacheRepo.
func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrCacheClosed
	}
	delete(m.items, key)
	return nil
}

// Exists реализует CacheRepo.
func (m *MemoryCache) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrCacheClosed
	}
	_, ok := m.lookup(key)
	return ok, nil
}

// Invalidate реализует CacheRepo.
func (m *MemoryCache) Invalidate(ctx context.Context, key string) error {
	if err := m.Delete(ctx, key); err != nil {
		return err
	}
	if m.invalidator != nil {
		return m.invalidator.PublishInvalidation(ctx, key)
	}
	return nil
}

// BatchGet реализует CacheRepo.
func (m *MemoryCache) BatchGet(_ context.Context, keys []string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrCacheClosed
	}
	result := make(map[string][]byte, len(keys))
	for _, key := range keys {
		v, ok := m.lookup(key)
		m.record(ok)
		if ok {
			result[key] = bytes.Clone(v)
		}
	}
	return result, nil
}

// BatchSet реализует CacheRepo.
func (m *MemoryCache) BatchSet(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	for key, value := range items {
		if err := m.Set(ctx, key, value, ttl); err != nil {
			return err
		}
	}
	return nil
}

// Close реализует CacheRepo.
func (m *MemoryCache) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.items = nil
	return nil
}

// GetMetrics реализует CacheRepo.
func (m *MemoryCache) GetMetrics() *CacheMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	metrics := m.metrics
	metrics.TotalKeys = int64(len(m.items))
	metrics.LastUpdate = m.now()
	return &metrics
}
