package save

import (
	"context"
	"fmt"

	"github.com/annel0/voxel-store/internal/ident"
	"github.com/annel0/voxel-store/internal/storage"
	"github.com/annel0/voxel-store/internal/world"
)

// WorldProvider создаёт миры сохранения.
type WorldProvider interface {
	// OpenWorld создаёт мир измерения id с номером n.
	// Счётчик ссылок мира равен 1 и принадлежит сохранению.
	OpenWorld(ctx context.Context, s *Save, id ident.Identifier, n int) (*world.World, error)
	// Close освобождает ресурсы поставщика после освобождения всех миров.
	Close() error
}

// KVProvider строит миры поверх одного KV: каждое измерение получает
// storage.Store со своим номером.
type KVProvider struct {
	kv *storage.SharedKV
}

// NewKVProvider забирает kv во владение.
func NewKVProvider(kv storage.KV) *KVProvider {
	return &KVProvider{kv: storage.NewShared(kv)}
}

// KV возвращает общее хранилище.
func (p *KVProvider) KV() *storage.SharedKV { return p.kv }

// OpenWorld реализует WorldProvider.
func (p *KVProvider) OpenWorld(ctx context.Context, s *Save, id ident.Identifier, n int) (*world.World, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := s.opts
	var kv storage.KV = p.kv.Retain()
	if opts.Access == ReadOnly {
		kv = storage.ReadOnly(kv)
	}

	w, err := world.New(world.Config{
		ID:            id,
		NumericID:     n,
		Registry:      opts.BlockRegistry,
		TileEntities:  opts.TileEntities,
		Storage:       storage.NewStore(kv, n),
		Executor:      opts.Executor,
		Generator:     opts.generator(n),
		MinSection:    opts.MinSection,
		MaxSection:    opts.MaxSection,
		Layers:        opts.Layers,
		SkyLight:      opts.SkyLight[n],
		ReadOnly:      opts.Access == ReadOnly,
		Eviction:      opts.Eviction,
		FlushOnUnload: opts.FlushOnUnload,
		Metrics:       opts.Metrics,
		Invalidator:   s.Invalidator(),
		Shards:        opts.Shards,
	})
	if err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("open world %s: %w", id, err)
	}
	return w, nil
}

// Close снимает ссылку поставщика с KV.
func (p *KVProvider) Close() error {
	return p.kv.Close()
}
