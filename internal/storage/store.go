package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/annel0/voxel-store/internal/logging"
	"github.com/annel0/voxel-store/internal/world"
	"github.com/sandertv/gophertunnel/minecraft/nbt"
)

// chunkRecord - запись чанка. Наличие записи означает, что чанк сохранялся.
type chunkRecord struct {
	XPos       int32 `nbt:"xPos"`
	ZPos       int32 `nbt:"zPos"`
	LastUpdate int64 `nbt:"LastUpdate"`
}

// Store реализует world.Storage для одного измерения поверх KV.
type Store struct {
	kv  KV
	dim int
	log *logging.Logger
}

// NewStore создаёт хранилище измерения dim. Store закрывает kv в Close;
// для общего KV передавайте SharedKV.Retain().
func NewStore(kv KV, dim int) *Store {
	return &Store{kv: kv, dim: dim, log: logging.GetStorageLogger()}
}

// KV возвращает нижнее хранилище.
func (s *Store) KV() KV { return s.kv }

// Dimension возвращает числовой id измерения.
func (s *Store) Dimension() int { return s.dim }

// LoadChunk реализует world.Storage. Чанк без записи тоже создаётся:
// его секции сгенерируются при первом обращении.
func (s *Store) LoadChunk(ctx context.Context, w *world.World, x, z int) (*world.Chunk, error) {
	data, err := s.kv.Get(ctx, ChunkKey(s.dim, x, z))
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("read chunk (%d,%d): %w", x, z, err)
	default:
		var rec chunkRecord
		if err := nbt.UnmarshalEncoding(data, &rec, nbt.LittleEndian); err != nil {
			return nil, fmt.Errorf("%w: chunk (%d,%d): %v", ErrCorrupt, x, z, err)
		}
		if int(rec.XPos) != x || int(rec.ZPos) != z {
			return nil, fmt.Errorf("%w: chunk (%d,%d) stored as (%d,%d)", ErrCorrupt, x, z, rec.XPos, rec.ZPos)
		}
	}
	return world.NewChunk(w, x, z), nil
}

// LoadSection реализует world.Storage.
func (s *Store) LoadSection(ctx context.Context, c *world.Chunk, index int) (*world.Section, error) {
	blob, err := s.kv.Get(ctx, SectionKey(s.dim, c.X(), index, c.Z()))
	if errors.Is(err, ErrNotFound) {
		return nil, world.ErrSectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read section (%d,%d,%d): %w", c.X(), index, c.Z(), err)
	}

	w := c.World()
	d, err := DecodeSection(blob, w.Registry())
	if err != nil {
		s.log.Warn("⚠️ Секция (%d,%d,%d) измерения %d не читается: %v", c.X(), index, c.Z(), s.dim, err)
		return nil, err
	}
	if !w.HasSkyLight() {
		d.SkyLight = nil
	}
	return world.NewSectionFromData(c.X(), index, c.Z(), w.Registry(), w.Layers(), d)
}

// SaveChunk реализует world.Storage.
func (s *Store) SaveChunk(ctx context.Context, c *world.Chunk) error {
	data, err := nbt.MarshalEncoding(chunkRecord{
		XPos:       int32(c.X()),
		ZPos:       int32(c.Z()),
		LastUpdate: time.Now().Unix(),
	}, nbt.LittleEndian)
	if err != nil {
		return fmt.Errorf("encode chunk (%d,%d): %w", c.X(), c.Z(), err)
	}
	return s.kv.Put(ctx, ChunkKey(s.dim, c.X(), c.Z()), data)
}

// SaveSection реализует world.Storage.
func (s *Store) SaveSection(ctx context.Context, sec *world.Section) error {
	blob, err := EncodeSection(sec.Export(), sec.Registry())
	if err != nil {
		return fmt.Errorf("encode section %s: %w", sec, err)
	}
	return s.kv.Put(ctx, SectionKey(s.dim, sec.X(), sec.Y(), sec.Z()), blob)
}

// DeleteChunk удаляет запись чанка и все его секции.
func (s *Store) DeleteChunk(ctx context.Context, x, z int) error {
	var keys [][]byte
	err := s.kv.Scan(ctx, ChunkSectionsPrefix(s.dim, x, z), func(key []byte) bool {
		keys = append(keys, append([]byte(nil), key...))
		return true
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.kv.Delete(ctx, key); err != nil {
			return err
		}
	}
	return s.kv.Delete(ctx, ChunkKey(s.dim, x, z))
}

// AllChunks реализует world.Storage.
func (s *Store) AllChunks(ctx context.Context, _ *world.World) iter.Seq2[world.ChunkPos, error] {
	return func(yield func(world.ChunkPos, error) bool) {
		stopped := false
		err := s.kv.Scan(ctx, ChunkPrefix(s.dim), func(key []byte) bool {
			_, x, z, err := ParseChunkKey(key)
			if err != nil {
				stopped = !yield(world.ChunkPos{}, err)
				return !stopped
			}
			stopped = !yield(world.ChunkPos{X: x, Z: z}, nil)
			return !stopped
		})
		if err != nil && !stopped {
			yield(world.ChunkPos{}, err)
		}
	}
}

// AllSections реализует world.Storage.
func (s *Store) AllSections(ctx context.Context, _ *world.World) iter.Seq2[world.SectionPos, error] {
	return func(yield func(world.SectionPos, error) bool) {
		stopped := false
		err := s.kv.Scan(ctx, SectionPrefix(s.dim), func(key []byte) bool {
			_, x, y, z, err := ParseSectionKey(key)
			if err != nil {
				stopped = !yield(world.SectionPos{}, err)
				return !stopped
			}
			stopped = !yield(world.SectionPos{X: x, Y: y, Z: z}, nil)
			return !stopped
		})
		if err != nil && !stopped {
			yield(world.SectionPos{}, err)
		}
	}
}

// Close закрывает KV.
func (s *Store) Close() error {
	return s.kv.Close()
}
