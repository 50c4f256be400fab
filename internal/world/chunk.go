package world

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/annel0/voxel-store/internal/refcount"
)

// ErrChunkReleased возвращается, если чанк освободили во время загрузки секции.
var ErrChunkReleased = errors.New("world: chunk released during section load")

// slotState - состояние ячейки секции в чанке.
type slotState uint8

const (
	slotUnloaded slotState = iota
	slotLoading
	slotLoaded
)

// sectionSlot - ячейка секции: не загружена, загружается или загружена.
type sectionSlot struct {
	state   slotState
	section *Section
	wait    chan struct{} // закрывается по окончании загрузки
}

// Chunk - вертикальная колонка секций. Секции материализуются лениво
// при первом обращении через GetOrLoadSection.
//
// Освобождение чанка снимает по одной ссылке с каждой загруженной секции.
// Секции, которые кто-то удерживает через Retain, живут до своего
// последнего Release.
type Chunk struct {
	accessor

	refs       refcount.Counter
	world      *World
	x, z       int
	mu         sync.Mutex
	slots      []sectionSlot // индекс = секция - world.minSection
	lastAccess time.Time
	accessMu   sync.Mutex
}

// NewChunk создаёт чанк без загруженных секций.
func NewChunk(w *World, x, z int) *Chunk {
	c := &Chunk{
		world:      w,
		x:          x,
		z:          z,
		slots:      make([]sectionSlot, w.maxSection-w.minSection+1),
		lastAccess: time.Now(),
	}
	c.accessor = accessor{
		registry: w.registry,
		tiles:    w.tiles,
		layers:   w.layers,
		locate:   c.locate,
	}
	c.refs.Init(c.free)
	return c
}

// free снимает ссылку чанка с каждой загруженной секции.
func (c *Chunk) free() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		slot := &c.slots[i]
		if slot.state == slotLoaded {
			slot.section.Release()
			slot.section = nil
			slot.state = slotUnloaded
		}
	}
}

// Retain увеличивает счётчик ссылок.
func (c *Chunk) Retain() { c.refs.Retain() }

// Release уменьшает счётчик ссылок.
func (c *Chunk) Release() bool { return c.refs.Release() }

// RefCount возвращает текущее число ссылок.
func (c *Chunk) RefCount() int32 { return c.refs.RefCount() }

// X возвращает координату X чанка.
func (c *Chunk) X() int { return c.x }

// Z возвращает координату Z чанка.
func (c *Chunk) Z() int { return c.z }

// World возвращает мир чанка.
func (c *Chunk) World() *World { return c.world }

// Pos возвращает позицию чанка.
func (c *Chunk) Pos() ChunkPos { return ChunkPos{X: c.x, Z: c.z} }

// LastAccess возвращает время последнего обращения к блокам чанка.
func (c *Chunk) LastAccess() time.Time {
	c.accessMu.Lock()
	defer c.accessMu.Unlock()
	return c.lastAccess
}

// Touch обновляет время последнего обращения.
func (c *Chunk) Touch() {
	c.accessMu.Lock()
	c.lastAccess = time.Now()
	c.accessMu.Unlock()
}

func (c *Chunk) slotIndex(index int) (int, error) {
	if index < c.world.minSection || index > c.world.maxSection {
		return 0, fmt.Errorf("%w: section %d not in [%d,%d]", ErrOutOfRange, index, c.world.minSection, c.world.maxSection)
	}
	return index - c.world.minSection, nil
}

// Section возвращает уже загруженную секцию или nil. Не блокирует.
func (c *Chunk) Section(index int) *Section {
	c.refs.Ensure()
	i, err := c.slotIndex(index)
	if err != nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slots[i].state == slotLoaded {
		return c.slots[i].section
	}
	return nil
}

// LoadedSections возвращает снимок загруженных секций.
func (c *Chunk) LoadedSections() []*Section {
	c.refs.Ensure()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Section
	for i := range c.slots {
		if c.slots[i].state == slotLoaded {
			out = append(out, c.slots[i].section)
		}
	}
	return out
}

// GetOrLoadSection - единственная точка материализации секции.
// Конкурентные вызовы для одной ячейки ждут один и тот же переход;
// неудачная загрузка возвращает ячейку в состояние "не загружена".
func (c *Chunk) GetOrLoadSection(ctx context.Context, index int) (*Section, error) {
	c.refs.Ensure()
	i, err := c.slotIndex(index)
	if err != nil {
		return nil, err
	}

	for {
		c.mu.Lock()
		slot := &c.slots[i]
		switch slot.state {
		case slotLoaded:
			s := slot.section
			c.mu.Unlock()
			return s, nil

		case slotLoading:
			wait := slot.wait
			c.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		default:
			wait := make(chan struct{})
			slot.state = slotLoading
			slot.wait = wait
			c.mu.Unlock()

			s, err := c.materialize(ctx, index)

			c.mu.Lock()
			if err == nil && !c.refs.Alive() {
				s.Release()
				s, err = nil, ErrChunkReleased
			}
			if err != nil {
				slot.state = slotUnloaded
			} else {
				slot.state = slotLoaded
				slot.section = s
			}
			slot.wait = nil
			c.mu.Unlock()
			close(wait)
			return s, err
		}
	}
}

// materialize читает секцию из хранилища или генерирует пустую.
func (c *Chunk) materialize(ctx context.Context, index int) (*Section, error) {
	w := c.world
	s, err := w.storage.LoadSection(ctx, c, index)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrSectionNotFound) {
		return nil, fmt.Errorf("load section (%d,%d,%d): %w", c.x, index, c.z, err)
	}

	s = NewSection(c.x, index, c.z, w.registry, w.layers, w.skyLight)
	if err := w.generator.GenerateSection(s); err != nil {
		s.Release()
		return nil, fmt.Errorf("generate section (%d,%d,%d): %w", c.x, index, c.z, err)
	}
	return s, nil
}

// locate разрешает локальные x/z и глобальный y.
func (c *Chunk) locate(x, y, z int, write bool) (*Section, int, int, int, func(), error) {
	if write && c.world.readOnly {
		return nil, 0, 0, 0, nil, ErrReadOnly
	}
	if uint(x) >= SectionSize || uint(z) >= SectionSize {
		return nil, 0, 0, 0, nil, fmt.Errorf("%w: chunk-local (%d,%d)", ErrOutOfRange, x, z)
	}
	s, err := c.GetOrLoadSection(c.world.ctx, y>>4)
	if err != nil {
		return nil, 0, 0, 0, nil, err
	}
	c.Touch()
	return s, x, y & 0xF, z, noop, nil
}

// Save сохраняет изменённые секции и запись чанка.
func (c *Chunk) Save(ctx context.Context) error {
	c.refs.Ensure()
	if c.world.readOnly {
		return nil
	}

	saved := 0
	for _, s := range c.LoadedSections() {
		if !s.Dirty() {
			continue
		}
		s.MarkClean()
		if err := c.world.storage.SaveSection(ctx, s); err != nil {
			s.MarkDirty()
			return fmt.Errorf("save section %s: %w", s, err)
		}
		saved++
	}
	if saved == 0 {
		return nil
	}
	if err := c.world.storage.SaveChunk(ctx, c); err != nil {
		return fmt.Errorf("save chunk (%d,%d): %w", c.x, c.z, err)
	}
	c.world.manager.metrics.savedSections.Add(float64(saved))
	c.world.chunkSaved(ctx, c)
	return nil
}

// Dirty сообщает, есть ли несохранённые секции.
func (c *Chunk) Dirty() bool {
	for _, s := range c.LoadedSections() {
		if s.Dirty() {
			return true
		}
	}
	return false
}

// String возвращает краткое описание чанка.
func (c *Chunk) String() string {
	return fmt.Sprintf("Chunk{%d,%d}", c.x, c.z)
}
