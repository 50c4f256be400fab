package world

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/annel0/voxel-store/internal/logging"
	"github.com/annel0/voxel-store/internal/task"
	"github.com/segmentio/fasthash/fnv1a"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/annel0/voxel-store/internal/world"

// ChunkKey упаковывает координаты чанка в 64-битный ключ.
func ChunkKey(x, z int) int64 {
	return int64(x)<<32 | int64(uint32(z))
}

// ChunkKeyPos распаковывает ключ обратно в координаты.
func ChunkKeyPos(key int64) (x, z int) {
	return int(int32(key >> 32)), int(int32(key))
}

func hashChunkKey(key int64) uint64 {
	return fnv1a.HashUint64(uint64(key))
}

// ChunkManager - кэш чанков с единственной загрузкой на ключ.
//
// Выгрузка удаляет запись из кэша под блокировкой шарда и только затем
// снимает ссылку менеджера с чанка. Загрузка, конкурирующая с выгрузкой,
// видит отсутствие записи и читает чанк заново из хранилища.
type ChunkManager struct {
	world         *World
	cache         *task.Cache[int64, *Chunk]
	exec          task.Executor
	policy        EvictionPolicy
	flushOnUnload bool
	metrics       *managerMetrics
	tracer        trace.Tracer
	log           *logging.Logger
}

func newChunkManager(w *World, cfg Config) *ChunkManager {
	exec := cfg.Executor
	if exec == nil {
		exec = task.Go
	}
	policy := cfg.Eviction
	if policy == nil {
		policy = EvictNone
	}
	return &ChunkManager{
		world:         w,
		cache:         task.NewCache[int64, *Chunk](cfg.Shards, hashChunkKey),
		exec:          exec,
		policy:        policy,
		flushOnUnload: cfg.FlushOnUnload,
		metrics:       newManagerMetrics(cfg.Metrics, w.id.String()),
		tracer:        otel.Tracer(tracerName),
		log:           logging.GetWorldLogger(),
	}
}

// LoadChunk возвращает Future чанка, запуская загрузку, если её ещё нет.
func (m *ChunkManager) LoadChunk(x, z int) *task.Future[*Chunk] {
	key := ChunkKey(x, z)
	f, started := m.cache.LoadOrStart(key, func(f *task.Future[*Chunk]) {
		m.metrics.inflight.Inc()
		f.Then(func(_ *Chunk, err error) {
			m.metrics.inflight.Dec()
			if err != nil {
				m.metrics.loadFailures.Inc()
				return
			}
			m.metrics.loaded.Inc()
		})
		task.Launch(m.world.ctx, m.exec, f, func(ctx context.Context) (*Chunk, error) {
			return m.load(ctx, x, z)
		}, func(c *Chunk) {
			c.Release()
		})
	})
	if started {
		m.metrics.misses.Inc()
	} else {
		m.metrics.hits.Inc()
	}
	return f
}

// load читает чанк из хранилища
func (m *ChunkManager) load(ctx context.Context, x, z int) (*Chunk, error) {
	ctx, span := m.tracer.Start(ctx, "ChunkManager.load", trace.WithAttributes(
		attribute.String("dimension", m.world.id.String()),
		attribute.Int("chunk.x", x),
		attribute.Int("chunk.z", z),
	))
	defer span.End()

	start := time.Now()
	m.metrics.loads.Inc()
	c, err := m.world.storage.LoadChunk(ctx, m.world, x, z)
	m.metrics.loadSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.log.Warn("⚠️ Ошибка загрузки чанка (%d,%d) в %s: %v", x, z, m.world.id, err)
		return nil, fmt.Errorf("load chunk (%d,%d): %w", x, z, err)
	}
	m.log.Trace("📦 Чанк (%d,%d) загружен в %s за %s", x, z, m.world.id, time.Since(start))
	return c, nil
}

// GetChunk возвращает чанк, только если он уже загружен. Не блокирует.
// Указатель действителен до выгрузки чанка; чтобы удержать чанк, используйте AcquireChunk.
func (m *ChunkManager) GetChunk(x, z int) *Chunk {
	f, ok := m.cache.Get(ChunkKey(x, z))
	if !ok {
		return nil
	}
	c, err, done := f.Poll()
	if !done || err != nil {
		return nil
	}
	return c
}

// GetOrLoadChunk блокирует до окончания загрузки чанка.
// Указатель действителен до выгрузки чанка.
func (m *ChunkManager) GetOrLoadChunk(ctx context.Context, x, z int) (*Chunk, error) {
	return m.LoadChunk(x, z).Await(ctx)
}

// AcquireChunk загружает чанк и увеличивает его счётчик ссылок.
// Вызывающий обязан вызвать Release.
func (m *ChunkManager) AcquireChunk(ctx context.Context, x, z int) (*Chunk, error) {
	key := ChunkKey(x, z)
	for {
		f := m.LoadChunk(x, z)
		c, err := f.Await(ctx)
		if err != nil {
			return nil, err
		}
		acquired := false
		m.cache.Locked(key, func(cur *task.Future[*Chunk]) bool {
			if cur == f {
				c.Retain()
				acquired = true
			}
			return false
		})
		if acquired {
			return c, nil
		}
		// Чанк выгрузили между загрузкой и захватом: пробуем снова.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// LoadedChunks возвращает снимок загруженных чанков без незавершённых загрузок.
func (m *ChunkManager) LoadedChunks() []*Chunk {
	var out []*Chunk
	m.cache.Range(func(_ int64, f *task.Future[*Chunk]) bool {
		if c, err, done := f.Poll(); done && err == nil {
			out = append(out, c)
		}
		return true
	})
	return out
}

// Len возвращает число записей кэша, включая незавершённые загрузки.
func (m *ChunkManager) Len() int { return m.cache.Len() }

// UnloadSomeChunks выгружает чанки, выбранные политикой вытеснения.
func (m *ChunkManager) UnloadSomeChunks(ctx context.Context) (int, error) {
	return m.unload(ctx, m.policy.SelectEvictions(m.LoadedChunks()))
}

// UnloadAllChunks выгружает все загруженные чанки.
func (m *ChunkManager) UnloadAllChunks(ctx context.Context) (int, error) {
	return m.unload(ctx, m.LoadedChunks())
}

func (m *ChunkManager) unload(ctx context.Context, victims []*Chunk) (int, error) {
	var errs []error
	n := 0
	for _, c := range victims {
		ok, err := m.evict(ctx, c)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		m.log.Debug("🧹 Выгружено %d чанков из %s", n, m.world.id)
	}
	return n, errors.Join(errs...)
}

// entryHolds сообщает, что запись кэша содержит именно загруженный чанк c.
func entryHolds(cur *task.Future[*Chunk], c *Chunk) bool {
	if cur == nil {
		return false
	}
	v, err, done := cur.Poll()
	return done && err == nil && v == c
}

// hold временно захватывает чанк, если он всё ещё в кэше.
func (m *ChunkManager) hold(c *Chunk) bool {
	held := false
	m.cache.Locked(ChunkKey(c.X(), c.Z()), func(cur *task.Future[*Chunk]) bool {
		if entryHolds(cur, c) {
			c.Retain()
			held = true
		}
		return false
	})
	return held
}

// evict сохраняет (если включено), удаляет запись и снимает ссылку менеджера.
// Сохранение идёт до удаления, чтобы новая загрузка не прочитала старые данные.
// Если сохранить не удалось, чанк остаётся загруженным вместе с изменениями.
func (m *ChunkManager) evict(ctx context.Context, c *Chunk) (bool, error) {
	if !m.hold(c) {
		return false, nil
	}
	defer c.Release()

	if m.flushOnUnload && !m.world.readOnly {
		if err := c.Save(ctx); err != nil {
			m.log.Error("❌ Не удалось сохранить чанк %s, он остаётся загруженным: %v", c, err)
			return false, err
		}
	}

	removed := false
	m.cache.Locked(ChunkKey(c.X(), c.Z()), func(cur *task.Future[*Chunk]) bool {
		removed = entryHolds(cur, c)
		return removed
	})
	if !removed {
		return false, nil
	}

	c.Release()
	m.metrics.evictions.Inc()
	m.metrics.loaded.Dec()
	return true, nil
}

// InvalidateChunk удаляет чанк из кэша без сохранения. Используется, когда
// данные чанка изменил другой узел.
func (m *ChunkManager) InvalidateChunk(x, z int) bool {
	f, ok := m.cache.Remove(ChunkKey(x, z))
	if !ok {
		return false
	}
	f.Then(func(c *Chunk, err error) {
		if err == nil {
			c.Release()
			m.metrics.evictions.Inc()
			m.metrics.loaded.Dec()
		}
	})
	return true
}

// awaitPending дожидается завершения всех незавершённых загрузок.
func (m *ChunkManager) awaitPending() {
	var pending []*task.Future[*Chunk]
	m.cache.Range(func(_ int64, f *task.Future[*Chunk]) bool {
		pending = append(pending, f)
		return true
	})
	for _, f := range pending {
		<-f.Done()
	}
}

// Flush сохраняет изменённые секции всех загруженных чанков.
func (m *ChunkManager) Flush(ctx context.Context) error {
	if m.world.readOnly {
		return nil
	}
	var errs []error
	for _, c := range m.LoadedChunks() {
		if !m.hold(c) {
			continue
		}
		if err := c.Save(ctx); err != nil {
			errs = append(errs, err)
		}
		c.Release()
	}
	return errors.Join(errs...)
}
