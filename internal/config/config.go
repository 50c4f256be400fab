package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/annel0/voxel-store/internal/cache"
	"github.com/annel0/voxel-store/internal/storage"
	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации хранилища.
type Config struct {
	Save         SaveConfig         `yaml:"save" toml:"save" json:"save"`
	Storage      StorageConfig      `yaml:"storage" toml:"storage" json:"storage"`
	Cache        CacheConfig        `yaml:"cache" toml:"cache" json:"cache"`
	Invalidation InvalidationConfig `yaml:"invalidation" toml:"invalidation" json:"invalidation"`
	Metrics      MetricsConfig      `yaml:"metrics" toml:"metrics" json:"metrics"`
	Telemetry    TelemetryConfig    `yaml:"telemetry" toml:"telemetry" json:"telemetry"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging" json:"logging"`
}

// SaveConfig - параметры сохранения и его миров.
type SaveConfig struct {
	Root       string `yaml:"root" toml:"root" json:"root"`
	Blocks     string `yaml:"blocks" toml:"blocks" json:"blocks"` // JSON-палитра блоков; пусто - встроенная
	Access     string `yaml:"access" toml:"access" json:"access"`
	MinSection int    `yaml:"min_section" toml:"min_section" json:"min_section"`
	MaxSection int    `yaml:"max_section" toml:"max_section" json:"max_section"`
	Layers     int    `yaml:"layers" toml:"layers" json:"layers"`
	// SkyLight - идентификаторы измерений с небесным светом.
	SkyLight      []string        `yaml:"sky_light" toml:"sky_light" json:"sky_light"`
	Workers       int             `yaml:"workers" toml:"workers" json:"workers"`
	QueueSize     int             `yaml:"queue_size" toml:"queue_size" json:"queue_size"`
	FlushOnUnload bool            `yaml:"flush_on_unload" toml:"flush_on_unload" json:"flush_on_unload"`
	Shards        int             `yaml:"shards" toml:"shards" json:"shards"`
	Eviction      EvictionConfig  `yaml:"eviction" toml:"eviction" json:"eviction"`
	Generator     GeneratorConfig `yaml:"generator" toml:"generator" json:"generator"`
}

// EvictionConfig выбирает политику выгрузки чанков.
type EvictionConfig struct {
	Policy           string  `yaml:"policy" toml:"policy" json:"policy"` // none, all, lru, memory
	MaxChunks        int     `yaml:"max_chunks" toml:"max_chunks" json:"max_chunks"`
	ThresholdPercent float64 `yaml:"threshold_percent" toml:"threshold_percent" json:"threshold_percent"`
	Fraction         float64 `yaml:"fraction" toml:"fraction" json:"fraction"`
}

// GeneratorConfig выбирает генератор новых секций.
type GeneratorConfig struct {
	Type   string            `yaml:"type" toml:"type" json:"type"` // air, flat, perlin
	Seed   int64             `yaml:"seed" toml:"seed" json:"seed"`
	MinY   int               `yaml:"min_y" toml:"min_y" json:"min_y"`
	Layers []FlatLayerConfig `yaml:"layers" toml:"layers" json:"layers"`
}

// FlatLayerConfig - слой плоского мира.
type FlatLayerConfig struct {
	Block  string `yaml:"block" toml:"block" json:"block"`
	Meta   int    `yaml:"meta" toml:"meta" json:"meta"`
	Height int    `yaml:"height" toml:"height" json:"height"`
}

// StorageConfig выбирает KV-хранилище.
type StorageConfig struct {
	Backend string `yaml:"backend" toml:"backend" json:"backend"`
	Path    string `yaml:"path" toml:"path" json:"path"`
	DSN     string `yaml:"dsn" toml:"dsn" json:"dsn"`

	// Compress включает zstd для файлового хранилища.
	Compress bool                `yaml:"compress" toml:"compress" json:"compress"`
	Mongo    storage.MongoConfig `yaml:"mongo" toml:"mongo" json:"mongo"`
}

// CacheConfig включает горячий кеш перед хранилищем.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Backend string `yaml:"backend" toml:"backend" json:"backend"` // redis, memory

	Redis  cache.CacheConfig `yaml:"redis" toml:"redis" json:"redis"`
	Memory cache.CacheConfig `yaml:"memory" toml:"memory" json:"memory"`
}

// InvalidationConfig включает рассылку инвалидаций между узлами.
// Backend local связывает сохранения одного процесса.
type InvalidationConfig struct {
	Enabled bool                    `yaml:"enabled" toml:"enabled" json:"enabled"`
	Backend string                  `yaml:"backend" toml:"backend" json:"backend"` // nats, local
	NodeID  string                  `yaml:"node_id" toml:"node_id" json:"node_id"`
	NATS    cache.InvalidatorConfig `yaml:"nats" toml:"nats" json:"nats"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" toml:"addr" json:"addr"`
}

// TelemetryConfig - экспорт трасс по OTLP HTTP.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled" toml:"enabled" json:"enabled"`
	ServiceName    string  `yaml:"service_name" toml:"service_name" json:"service_name"`
	ServiceVersion string  `yaml:"service_version" toml:"service_version" json:"service_version"`
	Endpoint       string  `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	Insecure       bool    `yaml:"insecure" toml:"insecure" json:"insecure"`
	SampleRatio    float64 `yaml:"sample_ratio" toml:"sample_ratio" json:"sample_ratio"`
	// Attributes добавляются к ресурсу как есть.
	Attributes map[string]string `yaml:"attributes" toml:"attributes" json:"attributes"`
}

type LoggingConfig struct {
	Level string `yaml:"level" toml:"level" json:"level"`
}

// Поддерживаемые хранилища.
const (
	BackendBadger       = "badger"
	BackendBadgerMemory = "badger-memory"
	BackendLevelDB      = "leveldb"
	BackendMySQL        = "mysql"
	BackendSQLite       = "sqlite"
	BackendMongo        = "mongo"
	BackendMemory       = "memory"
	BackendFile         = "file"
)

// Кеши и транспорты инвалидаций.
const (
	CacheRedis        = "redis"
	CacheMemory       = "memory"
	InvalidationNATS  = "nats"
	InvalidationLocal = "local"
)

// Default возвращает конфигурацию по умолчанию: badger в ./world.
func Default() *Config {
	return &Config{
		Save: SaveConfig{
			Root:      "world",
			Access:    "read-write",
			SkyLight:  []string{"minecraft:overworld"},
			Eviction:  EvictionConfig{Policy: "none"},
			Generator: GeneratorConfig{Type: "air"},
		},
		Storage: StorageConfig{Backend: BackendBadger},
		Metrics: MetricsConfig{Addr: ":2112"},
		Telemetry: TelemetryConfig{
			ServiceName: "voxel-store",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// GetRoot возвращает корень сохранения с поддержкой fallback значений
func (s *SaveConfig) GetRoot() string {
	return getWithEnvFallback(s.Root, "VOXEL_SAVE_ROOT", "world")
}

// GetAddr возвращает адрес Prometheus метрик с поддержкой fallback значений
func (m *MetricsConfig) GetAddr() string {
	return getWithEnvFallback(m.Addr, "VOXEL_METRICS_ADDR", ":2112")
}

// GetMetricsPort возвращает порт метрик из адреса или 0.
func (m *MetricsConfig) GetMetricsPort() int {
	addr := m.GetAddr()
	i := strings.LastIndexByte(addr, ':')
	if i < 0 {
		return 0
	}
	port, err := strconv.Atoi(addr[i+1:])
	if err != nil {
		return 0
	}
	return port
}

// getWithEnvFallback возвращает значение с приоритетом: config -> env -> default
func getWithEnvFallback(value, envVar, def string) string {
	if value != "" {
		return value
	}
	if envVal := os.Getenv(envVar); envVal != "" {
		return envVal
	}
	return def
}

// Load читает файл конфигурации. Формат определяется расширением:
// .toml - TOML, иначе YAML. Перед разбором документ проверяется
// JSON-схемой. Если path == "", берётся ENV VOXEL_CONFIG; без него
// возвращается Default().
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("VOXEL_CONFIG")
		if path == "" {
			return Default(), nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return parseTOML(data)
	}
	return parseYAML(data)
}

// Parse разбирает конфигурацию в формате format ("yaml" или "toml").
func Parse(data []byte, format string) (*Config, error) {
	switch strings.ToLower(format) {
	case "yaml", "yml":
		return parseYAML(data)
	case "toml":
		return parseTOML(data)
	default:
		return nil, fmt.Errorf("config: unknown format %q", format)
	}
}

func parseYAML(data []byte) (*Config, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := validate(raw); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func parseTOML(data []byte) (*Config, error) {
	tree, err := toml.LoadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := validate(tree.ToMap()); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := tree.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
