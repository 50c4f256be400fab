package world

import (
	"context"
	"errors"
	"iter"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/annel0/voxel-store/internal/ident"
	"github.com/annel0/voxel-store/internal/world/block"
	"github.com/stretchr/testify/require"
)

var testDimension = ident.MustParse("minecraft:overworld")

// memStorage - хранилище в памяти для тестов пакета.
type memStorage struct {
	mu       sync.Mutex
	chunks   map[ChunkPos]bool
	sections map[SectionPos]SectionData

	chunkLoads   atomic.Int32
	sectionLoads atomic.Int32
	closed       atomic.Bool

	gate     chan struct{} // если не nil, LoadChunk ждёт закрытия
	failNext atomic.Int32  // сколько следующих LoadChunk вернут ошибку
	failSave atomic.Int32  // сколько следующих SaveSection вернут ошибку
}

var errInjected = errors.New("injected failure")

func newMemStorage() *memStorage {
	return &memStorage{
		chunks:   make(map[ChunkPos]bool),
		sections: make(map[SectionPos]SectionData),
	}
}

func (m *memStorage) LoadChunk(ctx context.Context, w *World, x, z int) (*Chunk, error) {
	m.chunkLoads.Add(1)
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.failNext.Load() > 0 {
		m.failNext.Add(-1)
		return nil, errInjected
	}
	return NewChunk(w, x, z), nil
}

func (m *memStorage) LoadSection(_ context.Context, c *Chunk, index int) (*Section, error) {
	m.sectionLoads.Add(1)
	m.mu.Lock()
	d, ok := m.sections[SectionPos{X: c.X(), Y: index, Z: c.Z()}]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSectionNotFound
	}
	w := c.World()
	return NewSectionFromData(c.X(), index, c.Z(), w.Registry(), w.Layers(), d)
}

func (m *memStorage) SaveChunk(_ context.Context, c *Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[c.Pos()] = true
	return nil
}

func (m *memStorage) SaveSection(_ context.Context, s *Section) error {
	if m.failSave.Load() > 0 {
		m.failSave.Add(-1)
		return errInjected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sections[SectionPos{X: s.X(), Y: s.Y(), Z: s.Z()}] = s.Export()
	return nil
}

func (m *memStorage) AllChunks(context.Context, *World) iter.Seq2[ChunkPos, error] {
	m.mu.Lock()
	var out []ChunkPos
	for p := range m.chunks {
		out = append(out, p)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		return out[i].Z < out[j].Z
	})
	return func(yield func(ChunkPos, error) bool) {
		for _, p := range out {
			if !yield(p, nil) {
				return
			}
		}
	}
}

func (m *memStorage) AllSections(context.Context, *World) iter.Seq2[SectionPos, error] {
	m.mu.Lock()
	var out []SectionPos
	for p := range m.sections {
		out = append(out, p)
	}
	m.mu.Unlock()
	return func(yield func(SectionPos, error) bool) {
		for _, p := range out {
			if !yield(p, nil) {
				return
			}
		}
	}
}

func (m *memStorage) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *memStorage) hasSection(x, y, z int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sections[SectionPos{X: x, Y: y, Z: z}]
	return ok
}

// newTestWorld создаёт мир поверх memStorage. Мир освобождается в t.Cleanup,
// если тест не освободил его сам.
func newTestWorld(t *testing.T, st *memStorage, mutate func(*Config)) *World {
	t.Helper()
	cfg := Config{
		ID:       testDimension,
		Registry: block.Defaults(),
		Storage:  st,
		SkyLight: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	w, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		if w.RefCount() > 0 {
			w.Release()
		}
	})
	return w
}

func mustState(t *testing.T, reg *block.Registry, id ident.Identifier, meta int) *block.State {
	t.Helper()
	st, err := reg.State(id, meta)
	require.NoError(t, err)
	return st
}

// fakeInvalidator запоминает опубликованные ключи и обработчик подписки.
type fakeInvalidator struct {
	mu        sync.Mutex
	published []string
	handler   InvalidationHandler
}

func (f *fakeInvalidator) PublishInvalidation(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, key)
	return nil
}

func (f *fakeInvalidator) SubscribeInvalidations(_ context.Context, h InvalidationHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
	return nil
}

func (f *fakeInvalidator) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...)
}
