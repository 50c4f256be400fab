package cache

import (
	"context"
	"time"
)

// CacheRepo определяет интерфейс горячего кеша перед хранилищем секций.
//
// Использование:
//
//	cache := NewRedisCache(config, nil)
//	data, err := cache.Get(ctx, "key")
//	err = cache.Set(ctx, "key", data, 30*time.Second)
//	err = cache.Invalidate(ctx, "key")
type CacheRepo interface {
	// Get получает значение по ключу из кеша.
	// Возвращает ErrCacheMiss если ключ не найден.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set сохраняет значение в кеше с указанным TTL.
	// TTL = 0 означает TTL по умолчанию из конфигурации.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete удаляет ключ из кеша.
	Delete(ctx context.Context, key string) error

	// Exists проверяет существование ключа в кеше.
	Exists(ctx context.Context, key string) (bool, error)

	// Invalidate удаляет ключ и рассылает уведомление другим узлам.
	Invalidate(ctx context.Context, key string) error

	// BatchGet получает несколько значений за один запрос.
	// Отсутствующие ключи в результат не попадают.
	BatchGet(ctx context.Context, keys []string) (map[string][]byte, error)

	// BatchSet сохраняет несколько значений за один запрос.
	BatchSet(ctx context.Context, items map[string][]byte, ttl time.Duration) error

	// Close закрывает соединение с кешем.
	Close() error

	// GetMetrics возвращает метрики кеша.
	GetMetrics() *CacheMetrics
}

// CacheInvalidator управляет инвалидацией через Pub/Sub.
// Сигнатура совпадает с world.Invalidator, поэтому реализации
// подключаются к миру напрямую.
type CacheInvalidator interface {
	// PublishInvalidation отправляет уведомление об инвалидации.
	PublishInvalidation(ctx context.Context, key string) error

	// SubscribeInvalidations подписывается на уведомления об инвалидации.
	SubscribeInvalidations(ctx context.Context, handler InvalidationHandler) error

	// Close закрывает соединение.
	Close() error
}

// InvalidationHandler обрабатывает уведомления об инвалидации.
type InvalidationHandler = func(key string) error

// CacheMetrics содержит метрики производительности кеша.
type CacheMetrics struct {
	// Общие метрики
	TotalRequests int64   `json:"total_requests"`
	CacheHits     int64   `json:"cache_hits"`
	CacheMisses   int64   `json:"cache_misses"`
	HitRatio      float64 `json:"hit_ratio"`

	// Метрики производительности
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	MaxLatencyMs float64 `json:"max_latency_ms"`

	// Метрики хранилища
	TotalKeys int64 `json:"total_keys"`

	// Последнее обновление
	LastUpdate time.Time `json:"last_update"`
}

// CacheConfig содержит конфигурацию для кеша.
type CacheConfig struct {
	// Redis конфигурация
	RedisURL      string `yaml:"redis_url" toml:"redis_url" json:"redis_url"`
	RedisPassword string `yaml:"redis_password" toml:"redis_password" json:"redis_password"`
	RedisDB       int    `yaml:"redis_db" toml:"redis_db" json:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix" toml:"key_prefix" json:"key_prefix"`

	// TTL настройки
	DefaultTTL time.Duration `yaml:"default_ttl" toml:"default_ttl" json:"default_ttl"`
	MaxTTL     time.Duration `yaml:"max_ttl" toml:"max_ttl" json:"max_ttl"`

	// Производительность
	MaxConnections int           `yaml:"max_connections" toml:"max_connections" json:"max_connections"`
	PoolTimeout    time.Duration `yaml:"pool_timeout" toml:"pool_timeout" json:"pool_timeout"`
}

// withDefaults заполняет нулевые поля значениями по умолчанию.
func (c CacheConfig) withDefaults() CacheConfig {
	if c.DefaultTTL == 0 {
		c.DefaultTTL = 30 * time.Second
	}
	if c.MaxTTL == 0 {
		c.MaxTTL = 1 * time.Hour
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 10
	}
	if c.PoolTimeout == 0 {
		c.PoolTimeout = 30 * time.Second
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "voxel:"
	}
	return c
}

// clampTTL приводит TTL к диапазону (0, MaxTTL].
func (c CacheConfig) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = c.DefaultTTL
	}
	if ttl > c.MaxTTL {
		ttl = c.MaxTTL
	}
	return ttl
}

// Ошибки кеша
var (
	ErrCacheMiss   = NewCacheError("cache miss")
	ErrCacheClosed = NewCacheError("cache closed")
	ErrInvalidKey  = NewCacheError("invalid key")
)

// CacheError представляет ошибку кеша.
type CacheError struct {
	Message string
}

func (e *CacheError) Error() string {
	return e.Message
}

func NewCacheError(message string) *CacheError {
	return &CacheError{Message: message}
}

// IsCacheMiss проверяет, является ли ошибка промахом кеша.
func IsCacheMiss(err error) bool {
	return err == ErrCacheMiss
}
