package world

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/annel0/voxel-store/internal/ident"
	"github.com/annel0/voxel-store/internal/logging"
	"github.com/annel0/voxel-store/internal/refcount"
	"github.com/annel0/voxel-store/internal/task"
	"github.com/annel0/voxel-store/internal/world/block"
	"github.com/annel0/voxel-store/internal/world/tile"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultLayers - число слоёв блоков по умолчанию.
const DefaultLayers = 2

// Диапазон секций по умолчанию: y от 0 до 255.
const (
	DefaultMinSection = 0
	DefaultMaxSection = 15
)

var (
	// ErrNoRegistry - мир создаётся без реестра блоков.
	ErrNoRegistry = errors.New("world: block registry required")
	// ErrNoStorage - мир создаётся без хранилища.
	ErrNoStorage = errors.New("world: storage required")
	// ErrInvalidHeight - некорректный диапазон секций.
	ErrInvalidHeight = errors.New("world: invalid section range")
)

// InvalidationHandler получает ключ изменённого чанка от другого узла.
type InvalidationHandler = func(key string) error

// Invalidator рассылает и принимает уведомления об изменённых чанках.
// Реализуется NATS-инвалидатором из пакета cache.
type Invalidator interface {
	PublishInvalidation(ctx context.Context, key string) error
	SubscribeInvalidations(ctx context.Context, handler InvalidationHandler) error
}

// Config задаёт параметры мира.
type Config struct {
	ID        ident.Identifier
	NumericID int
	Registry  *block.Registry
	Storage   Storage
	// Executor выполняет загрузки чанков. По умолчанию task.Go.
	Executor  task.Executor
	Generator Generator

	// TileEntities разбирает блочные сущности. По умолчанию tile.Defaults().
	TileEntities *tile.Registry

	// MinSection и MaxSection - включительный диапазон индексов секций.
	// Если оба равны нулю, используется 0..15.
	MinSection int
	MaxSection int
	Layers     int
	SkyLight   bool
	ReadOnly   bool

	Eviction      EvictionPolicy
	FlushOnUnload bool
	Metrics       prometheus.Registerer
	Invalidator   Invalidator
	Shards        int
}

func (c *Config) withDefaults() {
	if c.MinSection == 0 && c.MaxSection == 0 {
		c.MinSection, c.MaxSection = DefaultMinSection, DefaultMaxSection
	}
	if c.Layers == 0 {
		c.Layers = DefaultLayers
	}
	if c.Generator == nil {
		c.Generator = AirGenerator
	}
	if c.TileEntities == nil {
		c.TileEntities = tile.Defaults()
	}
}

// Validate проверяет конфигурацию.
func (c Config) Validate() error {
	if c.Registry == nil {
		return ErrNoRegistry
	}
	if c.Storage == nil {
		return ErrNoStorage
	}
	if c.ID.IsZero() {
		return fmt.Errorf("world: dimension identifier required")
	}
	if c.MinSection > c.MaxSection {
		return fmt.Errorf("%w: %d > %d", ErrInvalidHeight, c.MinSection, c.MaxSection)
	}
	if c.Layers < 1 {
		return fmt.Errorf("%w: layers %d", ErrOutOfRange, c.Layers)
	}
	if c.Generator != nil {
		return CheckGenerator(c.Generator, c.Registry)
	}
	return nil
}

// World - измерение: реестр блоков, менеджер чанков, хранилище и генератор.
// Реализует BlockAccess и LightAccess в глобальных координатах.
type World struct {
	accessor

	refs       refcount.Counter
	id         ident.Identifier
	numericID  int
	registry   *block.Registry
	tiles      *tile.Registry
	storage    Storage
	generator  Generator
	manager    *ChunkManager
	minSection int
	maxSection int
	layers     int
	skyLight   bool
	readOnly   bool

	invalidator Invalidator

	ctx    context.Context
	cancel context.CancelFunc
	log    *logging.Logger
}

// New создаёт мир. Мир владеет хранилищем и закрывает его при освобождении.
func New(cfg Config) (*World, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &World{
		id:          cfg.ID,
		numericID:   cfg.NumericID,
		registry:    cfg.Registry,
		tiles:       cfg.TileEntities,
		storage:     cfg.Storage,
		generator:   cfg.Generator,
		minSection:  cfg.MinSection,
		maxSection:  cfg.MaxSection,
		layers:      cfg.Layers,
		skyLight:    cfg.SkyLight,
		readOnly:    cfg.ReadOnly,
		invalidator: cfg.Invalidator,
		ctx:         ctx,
		cancel:      cancel,
		log:         logging.GetWorldLogger(),
	}
	w.accessor = accessor{
		registry: w.registry,
		tiles:    w.tiles,
		layers:   w.layers,
		locate:   w.locate,
	}
	w.manager = newChunkManager(w, cfg)
	w.refs.Init(w.free)

	if w.invalidator != nil {
		if err := w.invalidator.SubscribeInvalidations(ctx, w.handleInvalidation); err != nil {
			cancel()
			return nil, fmt.Errorf("subscribe invalidations for %s: %w", w.id, err)
		}
	}

	w.log.Info("🌍 Мир %s (#%d) открыт: секции %d..%d, слоёв %d, небесный свет %v",
		w.id, w.numericID, w.minSection, w.maxSection, w.layers, w.skyLight)
	return w, nil
}

// free выгружает все чанки и закрывает хранилище.
func (w *World) free() {
	w.cancel()
	w.manager.awaitPending()
	if _, err := w.manager.UnloadAllChunks(context.Background()); err != nil {
		w.log.Error("❌ Ошибка выгрузки чанков мира %s: %v", w.id, err)
	}
	if err := w.storage.Close(); err != nil {
		w.log.Error("❌ Ошибка закрытия хранилища мира %s: %v", w.id, err)
	}
	w.log.Info("🌍 Мир %s закрыт", w.id)
}

// Retain увеличивает счётчик ссылок.
func (w *World) Retain() { w.refs.Retain() }

// Release уменьшает счётчик ссылок. Последний Release выгружает чанки
// (сохраняя их, если включено FlushOnUnload) и закрывает хранилище.
func (w *World) Release() bool { return w.refs.Release() }

// RefCount возвращает текущее число ссылок.
func (w *World) RefCount() int32 { return w.refs.RefCount() }

func (w *World) ID() ident.Identifier { return w.id }
func (w *World) NumericID() int { return w.numericID }
func (w *World) Registry() *block.Registry { return w.registry }
func (w *World) TileRegistry() *tile.Registry { return w.tiles }
func (w *World) Storage() Storage { return w.storage }
func (w *World) Generator() Generator { return w.generator }
func (w *World) Manager() *ChunkManager { return w.manager }
func (w *World) MinSection() int { return w.minSection }
func (w *World) MaxSection() int { return w.maxSection }
func (w *World) HasSkyLight() bool { return w.skyLight }
func (w *World) ReadOnly() bool { return w.readOnly }
func (w *World) Context() context.Context { return w.ctx }

// MinY возвращает нижнюю границу высоты в блоках.
func (w *World) MinY() int { return w.minSection * SectionSize }

// MaxY возвращает верхнюю границу высоты в блоках (включительно).
func (w *World) MaxY() int { return w.maxSection*SectionSize + SectionSize - 1 }

// Chunk возвращает загруженный чанк или nil. Не блокирует.
func (w *World) Chunk(x, z int) *Chunk {
	w.refs.Ensure()
	return w.manager.GetChunk(x, z)
}

// GetOrLoadChunk блокирует до загрузки чанка.
func (w *World) GetOrLoadChunk(ctx context.Context, x, z int) (*Chunk, error) {
	w.refs.Ensure()
	return w.manager.GetOrLoadChunk(ctx, x, z)
}

// StoredChunks перечисляет чанки, сохранённые в хранилище.
func (w *World) StoredChunks(ctx context.Context) iter.Seq2[ChunkPos, error] {
	w.refs.Ensure()
	return w.storage.AllChunks(ctx, w)
}

// StoredSections перечисляет секции, сохранённые в хранилище.
func (w *World) StoredSections(ctx context.Context) iter.Seq2[SectionPos, error] {
	w.refs.Ensure()
	return w.storage.AllSections(ctx, w)
}

// locate разрешает глобальные координаты. Чанк удерживается до вызова done.
func (w *World) locate(x, y, z int, write bool) (*Section, int, int, int, func(), error) {
	w.refs.Ensure()
	if write && w.readOnly {
		return nil, 0, 0, 0, nil, ErrReadOnly
	}
	if sy := y >> 4; sy < w.minSection || sy > w.maxSection {
		return nil, 0, 0, 0, nil, fmt.Errorf("%w: y %d not in [%d,%d]", ErrOutOfRange, y, w.MinY(), w.MaxY())
	}

	c, err := w.manager.AcquireChunk(w.ctx, x>>4, z>>4)
	if err != nil {
		return nil, 0, 0, 0, nil, err
	}
	s, err := c.GetOrLoadSection(w.ctx, y>>4)
	if err != nil {
		c.Release()
		return nil, 0, 0, 0, nil, err
	}
	c.Touch()
	return s, x & 0xF, y & 0xF, z & 0xF, func() { c.Release() }, nil
}

// Save сохраняет изменённые секции всех загруженных чанков.
func (w *World) Save(ctx context.Context) error {
	w.refs.Ensure()
	if err := w.manager.Flush(ctx); err != nil {
		return fmt.Errorf("save world %s: %w", w.id, err)
	}
	return nil
}

// chunkSaved рассылает уведомление о сохранённом чанке.
func (w *World) chunkSaved(ctx context.Context, c *Chunk) {
	if w.invalidator == nil {
		return
	}
	key := InvalidationKey(w.id, c.x, c.z)
	if err := w.invalidator.PublishInvalidation(ctx, key); err != nil {
		w.log.Warn("⚠️ Не удалось разослать инвалидацию %s: %v", key, err)
	}
}

// handleInvalidation выгружает чанк, изменённый другим узлом.
func (w *World) handleInvalidation(key string) error {
	dim, x, z, err := ParseInvalidationKey(key)
	if err != nil {
		return err
	}
	if !dim.Equal(w.id) {
		return nil
	}
	if w.manager.InvalidateChunk(x, z) {
		w.log.Debug("🔄 Чанк (%d,%d) в %s инвалидирован удалённо", x, z, w.id)
	}
	return nil
}

const invalidationPrefix = "chunk:"

// InvalidationKey формирует ключ инвалидации "chunk:<измерение>:<x>:<z>".
func InvalidationKey(dim ident.Identifier, x, z int) string {
	return invalidationPrefix + dim.String() + ":" + strconv.Itoa(x) + ":" + strconv.Itoa(z)
}

// ParseInvalidationKey разбирает ключ, созданный InvalidationKey.
func ParseInvalidationKey(key string) (ident.Identifier, int, int, error) {
	rest, ok := strings.CutPrefix(key, invalidationPrefix)
	if !ok {
		return ident.Identifier{}, 0, 0, fmt.Errorf("world: invalidation key %q: missing prefix", key)
	}
	i := strings.LastIndexByte(rest, ':')
	if i < 0 {
		return ident.Identifier{}, 0, 0, fmt.Errorf("world: invalidation key %q: missing z", key)
	}
	z, err := strconv.Atoi(rest[i+1:])
	if err != nil {
		return ident.Identifier{}, 0, 0, fmt.Errorf("world: invalidation key %q: %w", key, err)
	}
	rest = rest[:i]
	i = strings.LastIndexByte(rest, ':')
	if i < 0 {
		return ident.Identifier{}, 0, 0, fmt.Errorf("world: invalidation key %q: missing x", key)
	}
	x, err := strconv.Atoi(rest[i+1:])
	if err != nil {
		return ident.Identifier{}, 0, 0, fmt.Errorf("world: invalidation key %q: %w", key, err)
	}
	dim, err := ident.Parse(rest[:i])
	if err != nil {
		return ident.Identifier{}, 0, 0, err
	}
	return dim, x, z, nil
}

// String возвращает краткое описание мира.
func (w *World) String() string {
	return fmt.Sprintf("World{%s #%d}", w.id, w.numericID)
}
