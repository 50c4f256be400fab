package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/annel0/voxel-store/internal/cache"
	"github.com/annel0/voxel-store/internal/ident"
	"github.com/annel0/voxel-store/internal/logging"
	"github.com/annel0/voxel-store/internal/registry"
	"github.com/annel0/voxel-store/internal/save"
	"github.com/annel0/voxel-store/internal/storage"
	"github.com/annel0/voxel-store/internal/task"
	"github.com/annel0/voxel-store/internal/world"
	"github.com/annel0/voxel-store/internal/world/block"
	"github.com/prometheus/client_golang/prometheus"
)

// ParseAccess разбирает режим доступа.
func ParseAccess(s string) (save.Access, error) {
	switch s {
	case "", "read-write", "rw":
		return save.ReadWrite, nil
	case "read-only", "ro":
		return save.ReadOnly, nil
	default:
		return 0, fmt.Errorf("config: unknown access %q", s)
	}
}

// Apply выставляет уровень всем логгерам.
func (l LoggingConfig) Apply() error {
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return err
	}
	logging.GetLoggerManager().SetAllLevels(level)
	return nil
}

// BlockRegistry загружает палитру блоков или возвращает встроенную.
func (s *SaveConfig) BlockRegistry() (*block.Registry, error) {
	if s.Blocks == "" {
		return block.Defaults(), nil
	}
	return block.LoadFile(s.Blocks)
}

// EvictionPolicy строит политику выгрузки.
func (e EvictionConfig) EvictionPolicy() (world.EvictionPolicy, error) {
	var lru world.EvictionPolicy = world.EvictNone
	if e.MaxChunks > 0 {
		lru = world.LRUPolicy{MaxChunks: e.MaxChunks}
	}
	switch e.Policy {
	case "", "none":
		return world.EvictNone, nil
	case "all":
		return world.EvictAll, nil
	case "lru":
		if e.MaxChunks <= 0 {
			return nil, fmt.Errorf("config: lru eviction needs max_chunks")
		}
		return lru, nil
	case "memory":
		threshold := e.ThresholdPercent
		if threshold == 0 {
			threshold = 90
		}
		return world.MemoryPressurePolicy{
			ThresholdPercent: threshold,
			Fraction:         e.Fraction,
			Inner:            lru,
		}, nil
	default:
		return nil, fmt.Errorf("config: unknown eviction policy %q", e.Policy)
	}
}

// Build создаёт генератор секций для реестра reg.
func (g GeneratorConfig) Build(reg *block.Registry) (world.Generator, error) {
	switch g.Type {
	case "", "air":
		return world.AirGenerator, nil
	case "flat":
		layers := make([]world.FlatLayer, 0, len(g.Layers))
		for _, l := range g.Layers {
			id, err := ident.Parse(l.Block)
			if err != nil {
				return nil, fmt.Errorf("config: flat layer: %w", err)
			}
			st, err := reg.State(id, l.Meta)
			if err != nil {
				return nil, fmt.Errorf("config: flat layer: %w", err)
			}
			layers = append(layers, world.FlatLayer{State: st, Height: l.Height})
		}
		return world.FlatGenerator{MinY: g.MinY, Layers: layers}, nil
	case "perlin":
		return world.NewPerlinGenerator(g.Seed, reg)
	default:
		return nil, fmt.Errorf("config: unknown generator %q", g.Type)
	}
}

// Options переводит секцию save в опции сохранения. Executor, Invalidator
// и хранилище заполняет Build.
func (s *SaveConfig) Options(reg prometheus.Registerer) (save.Options, error) {
	access, err := ParseAccess(s.Access)
	if err != nil {
		return save.Options{}, err
	}
	blocks, err := s.BlockRegistry()
	if err != nil {
		return save.Options{}, err
	}
	dims := registry.Dimensions()
	sky := make(map[int]bool, len(s.SkyLight))
	for _, name := range s.SkyLight {
		n, err := dims.IDString(name)
		if err != nil {
			return save.Options{}, fmt.Errorf("config: sky_light: %w", err)
		}
		sky[n] = true
	}
	eviction, err := s.Eviction.EvictionPolicy()
	if err != nil {
		return save.Options{}, err
	}
	gen, err := s.Generator.Build(blocks)
	if err != nil {
		return save.Options{}, err
	}
	return save.Options{
		Access:        access,
		BlockRegistry: blocks,
		Dimensions:    dims,
		MinSection:    s.MinSection,
		MaxSection:    s.MaxSection,
		Layers:        s.Layers,
		SkyLight:      sky,
		Eviction:      eviction,
		FlushOnUnload: s.FlushOnUnload,
		Metrics:       reg,
		Generator:     gen,
		Shards:        s.Shards,
	}, nil
}

// OpenKV открывает хранилище. Относительные пути считаются от root.
func (s *StorageConfig) OpenKV(root string) (storage.KV, error) {
	path := func(def string) string {
		p := s.Path
		if p == "" {
			p = def
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		return p
	}
	switch s.Backend {
	case "", BackendBadger:
		return storage.OpenBadger(path(save.DBDir))
	case BackendBadgerMemory:
		return storage.OpenBadgerInMemory()
	case BackendLevelDB:
		return storage.OpenLevelDB(path("leveldb"))
	case BackendMySQL:
		if s.DSN == "" {
			return nil, fmt.Errorf("config: mysql backend needs dsn")
		}
		return storage.OpenSQL(storage.DriverMySQL, s.DSN)
	case BackendSQLite:
		dsn := s.DSN
		if dsn == "" {
			dsn = path("world.db")
		}
		return storage.OpenSQL(storage.DriverSQLite, dsn)
	case BackendMongo:
		return storage.OpenMongo(s.Mongo)
	case BackendMemory:
		return storage.NewMemory(), nil
	case BackendFile:
		return storage.OpenFile(path("chunks"), s.Compress)
	default:
		return nil, fmt.Errorf("config: unknown storage backend %q", s.Backend)
	}
}

// localHub связывает инвалидаторы local всех Runtime процесса.
var localHub = cache.NewLocalHub()

// Invalidator - инвалидатор, которым владеет Runtime.
type Invalidator interface {
	world.Invalidator
	Close() error
}

// Open создаёт инвалидатор выбранного транспорта.
func (i *InvalidationConfig) Open() (Invalidator, error) {
	switch i.Backend {
	case "", InvalidationNATS:
		nats := i.NATS
		inv, err := cache.NewNATSInvalidator(&nats, i.NodeID)
		if err != nil {
			return nil, fmt.Errorf("config: nats: %w", err)
		}
		return inv, nil
	case InvalidationLocal:
		return localHub.Node(), nil
	default:
		return nil, fmt.Errorf("config: unknown invalidation backend %q", i.Backend)
	}
}

// Open создаёт кеш выбранного типа.
func (c *CacheConfig) Open() (cache.CacheRepo, error) {
	switch c.Backend {
	case "", CacheRedis:
		redis, err := cache.NewRedisCache(c.Redis, nil)
		if err != nil {
			return nil, fmt.Errorf("config: redis: %w", err)
		}
		return redis, nil
	case CacheMemory:
		return cache.NewMemoryCache(c.Memory, nil), nil
	default:
		return nil, fmt.Errorf("config: unknown cache backend %q", c.Backend)
	}
}

// Runtime - собранное по конфигурации окружение одного сохранения:
// опции, поставщик миров и ресурсы, которые нужно закрыть после Save.
type Runtime struct {
	Root     string
	Options  save.Options
	Provider *save.KVProvider
	// Pool - пул загрузок, nil при синхронном исполнителе.
	Pool *task.Pool

	closers []func() error
	used    bool
}

// Build открывает хранилище, кеш, инвалидатор и пул загрузок.
// reg может быть nil.
func (c *Config) Build(reg prometheus.Registerer) (*Runtime, error) {
	rt := &Runtime{Root: c.Save.GetRoot()}
	opts, err := c.Save.Options(reg)
	if err != nil {
		return nil, err
	}

	if c.Save.Workers > 0 {
		queue := c.Save.QueueSize
		if queue <= 0 {
			queue = c.Save.Workers * 64
		}
		pool := task.NewPool(c.Save.Workers, queue)
		opts.Executor = pool
		rt.Pool = pool
		rt.closers = append(rt.closers, func() error { pool.Stop(); return nil })
	}

	if c.Invalidation.Enabled {
		inv, err := c.Invalidation.Open()
		if err != nil {
			rt.Close()
			return nil, err
		}
		opts.Invalidator = inv
		rt.closers = append(rt.closers, inv.Close)
	}

	kv, err := c.Storage.OpenKV(rt.Root)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("config: storage %s: %w", c.Storage.Backend, err)
	}
	if c.Cache.Enabled {
		repo, err := c.Cache.Open()
		if err != nil {
			_ = kv.Close()
			rt.Close()
			return nil, err
		}
		kv = storage.NewCached(kv, repo, 0)
		rt.closers = append(rt.closers, repo.Close)
	}

	rt.Options = opts
	rt.Provider = save.NewKVProvider(kv)
	logging.Info("⚙️ Конфигурация собрана: хранилище %s, корень %s", c.Storage.Backend, rt.Root)
	return rt, nil
}

// OpenSave открывает сохранение поверх поставщика. Вызывается один раз:
// сохранение забирает поставщика и закрывает его при освобождении.
func (r *Runtime) OpenSave(ctx context.Context, o ...save.Option) (*save.Save, error) {
	if r.used {
		return nil, errors.New("config: runtime already used")
	}
	r.used = true
	s, err := save.Open(ctx, r.Root, r.Options, append(o, save.WithProvider(r.Provider))...)
	if err != nil {
		_ = r.Provider.Close()
		return nil, err
	}
	return s, nil
}

// Close освобождает пул, инвалидатор и кеш в обратном порядке.
// Вызывается после освобождения сохранения.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	if !r.used && r.Provider != nil {
		r.used = true
		errs = append(errs, r.Provider.Close())
	}
	return errors.Join(errs...)
}
