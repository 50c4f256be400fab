package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/voxel-store/internal/logging"
	"github.com/go-redis/redis/v8"
)

// RedisCache реализует CacheRepo используя Redis как горячий кеш.
//
// Особенности:
// - Автоматические метрики (hit ratio, latency)
// - Batch операции через pipeline
// - Префикс ключей, чтобы несколько сохранений делили один Redis
type RedisCache struct {
	client      *redis.Client
	config      CacheConfig
	invalidator CacheInvalidator

	// Метрики
	metrics      *CacheMetrics
	metricsMutex sync.RWMutex

	// Статистика latency
	latencySum   int64 // в наносекундах
	latencyCount int64
	maxLatency   int64
}

// NewRedisCache создаёт новый Redis кеш.
//
// Параметры:
//
//	config - конфигурация Redis
//	invalidator - опциональный invalidator для Pub/Sub (может быть nil)
//
// Возвращает:
//
//	*RedisCache - готовый к использованию кеш
//	error - ошибка подключения
func NewRedisCache(config CacheConfig, invalidator CacheInvalidator) (*RedisCache, error) {
	config = config.withDefaults()

	// Создаём Redis клиент
	rdb := redis.NewClient(&redis.Options{
		Addr:         config.RedisURL,
		Password:     config.RedisPassword,
		DB:           config.RedisDB,
		PoolSize:     config.MaxConnections,
		PoolTimeout:  config.PoolTimeout,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	// Проверяем соединение
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	cache := &RedisCache{
		client:      rdb,
		config:      config,
		invalidator: invalidator,
		metrics: &CacheMetrics{
			LastUpdate: time.Now(),
		},
	}

	logging.Info("🔴 Redis cache initialized: %s (prefix: %s)", config.RedisURL, config.KeyPrefix)
	return cache, nil
}

func (r *RedisCache) key(key string) string {
	return r.config.KeyPrefix + key
}

// Get получает значение по ключу из Redis кеша.
func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	defer r.recordLatency(start)

	atomic.AddInt64(&r.metrics.TotalRequests, 1)

	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == nil {
		atomic.AddInt64(&r.metrics.CacheHits, 1)
		r.updateHitRatio()
		return val, nil
	}

	// Промах в Redis
	atomic.AddInt64(&r.metrics.CacheMisses, 1)
	r.updateHitRatio()

	if !errors.Is(err, redis.Nil) {
		logging.Error("Redis Get error for key %s: %v", key, err)
		return nil, fmt.Errorf("redis get error: %w", err)
	}
	return nil, ErrCacheMiss
}

// Set сохраняет значение в Redis кеше.
func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	defer r.recordLatency(start)

	err := r.client.Set(ctx, r.key(key), value, r.config.clampTTL(ttl)).Err()
	if err != nil {
		logging.Error("Redis Set error for key %s: %v", key, err)
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

// Delete удаляет ключ из кеша.
func (r *RedisCache) Delete(ctx context.Context, key string) error {
	start := time.Now()
	defer r.recordLatency(start)

	err := r.client.Del(ctx, r.key(key)).Err()
	if err != nil {
		logging.Error("Redis Delete error for key %s: %v", key, err)
		return fmt.Errorf("redis delete error: %w", err)
	}
	return nil
}

// Exists проверяет существование ключа в кеше.
func (r *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	defer r.recordLatency(start)

	count, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists error: %w", err)
	}

	return count > 0, nil
}

// Invalidate удаляет ключ и уведомляет другие узлы.
func (r *RedisCache) Invalidate(ctx context.Context, key string) error {
	if err := r.Delete(ctx, key); err != nil {
		return err
	}
	if r.invalidator != nil {
		if err := r.invalidator.PublishInvalidation(ctx, key); err != nil {
			logging.Error("Failed to publish invalidation for key %s: %v", key, err)
			return err
		}
	}
	return nil
}

// BatchGet получает несколько значений за один запрос.
func (r *RedisCache) BatchGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	start := time.Now()
	defer r.recordLatency(start)

	if len(keys) == 0 {
		return make(map[string][]byte), nil
	}

	atomic.AddInt64(&r.metrics.TotalRequests, int64(len(keys)))

	pipe := r.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(keys))

	for _, key := range keys {
		cmds[key] = pipe.Get(ctx, r.key(key))
	}

	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		logging.Error("Redis BatchGet pipeline error: %v", err)
		return nil, fmt.Errorf("redis batch get error: %w", err)
	}

	result := make(map[string][]byte)
	var hits, misses int64

	for key, cmd := range cmds {
		val, err := cmd.Bytes()
		switch {
		case err == nil:
			result[key] = val
			hits++
		case errors.Is(err, redis.Nil):
			misses++
		default:
			logging.Error("Redis BatchGet error for key %s: %v", key, err)
			misses++
		}
	}

	atomic.AddInt64(&r.metrics.CacheHits, hits)
	atomic.AddInt64(&r.metrics.CacheMisses, misses)
	r.updateHitRatio()

	return result, nil
}

// BatchSet сохраняет несколько значений за один запрос.
func (r *RedisCache) BatchSet(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	start := time.Now()
	defer r.recordLatency(start)

	if len(items) == 0 {
		return nil
	}

	ttl = r.config.clampTTL(ttl)
	pipe := r.client.Pipeline()
	for key, value := range items {
		pipe.Set(ctx, r.key(key), value, ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		logging.Error("Redis BatchSet pipeline error: %v", err)
		return fmt.Errorf("redis batch set error: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis.
func (r *RedisCache) Close() error {
	err := r.client.Close()
	if err != nil {
		logging.Error("Error closing Redis connection: %v", err)
		return err
	}

	logging.Info("Redis cache closed")
	return nil
}

// GetMetrics возвращает текущие метрики кеша.
func (r *RedisCache) GetMetrics() *CacheMetrics {
	r.updateLatencyMetrics()

	r.metricsMutex.RLock()
	defer r.metricsMutex.RUnlock()

	metrics := CacheMetrics{
		TotalRequests: atomic.LoadInt64(&r.metrics.TotalRequests),
		CacheHits:     atomic.LoadInt64(&r.metrics.CacheHits),
		CacheMisses:   atomic.LoadInt64(&r.metrics.CacheMisses),
		HitRatio:      r.metrics.HitRatio,
		AvgLatencyMs:  r.metrics.AvgLatencyMs,
		MaxLatencyMs:  r.metrics.MaxLatencyMs,
		LastUpdate:    time.Now(),
	}
	return &metrics
}

// recordLatency записывает latency метрику.
func (r *RedisCache) recordLatency(start time.Time) {
	latency := time.Since(start).Nanoseconds()

	atomic.AddInt64(&r.latencySum, latency)
	atomic.AddInt64(&r.latencyCount, 1)

	// Обновляем максимальную latency
	for {
		current := atomic.LoadInt64(&r.maxLatency)
		if latency <= current || atomic.CompareAndSwapInt64(&r.maxLatency, current, latency) {
			break
		}
	}
}

// updateLatencyMetrics обновляет метрики latency.
func (r *RedisCache) updateLatencyMetrics() {
	count := atomic.LoadInt64(&r.latencyCount)
	if count == 0 {
		return
	}

	sum := atomic.LoadInt64(&r.latencySum)
	max := atomic.LoadInt64(&r.maxLatency)

	r.metricsMutex.Lock()
	r.metrics.AvgLatencyMs = float64(sum) / float64(count) / 1e6 // нс в мс
	r.metrics.MaxLatencyMs = float64(max) / 1e6
	r.metricsMutex.Unlock()
}

// updateHitRatio обновляет hit ratio в метриках.
func (r *RedisCache) updateHitRatio() {
	hits := atomic.LoadInt64(&r.metrics.CacheHits)
	misses := atomic.LoadInt64(&r.metrics.CacheMisses)
	total := hits + misses

	if total > 0 {
		r.metricsMutex.Lock()
		r.metrics.HitRatio = float64(hits) / float64(total)
		r.metricsMutex.Unlock()
	}
}
