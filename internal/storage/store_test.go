package storage

import (
	"context"
	"testing"

	"github.com/annel0/voxel-store/internal/ident"
	"github.com/annel0/voxel-store/internal/task"
	"github.com/annel0/voxel-store/internal/world"
	"github.com/annel0/voxel-store/internal/world/block"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var overworld = ident.MustParse("minecraft:overworld")

func openWorld(t *testing.T, kv KV, dim int, readOnly bool) *world.World {
	t.Helper()
	w, err := world.New(world.Config{
		ID:        overworld,
		NumericID: dim,
		Registry:  block.Defaults(),
		Storage:   NewStore(kv, dim),
		SkyLight:  true,
		ReadOnly:  readOnly,
		Metrics:   prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return w
}

func TestStore_WorldRoundTrip(t *testing.T) {
	for name, open := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			shared := NewShared(open(t))
			defer shared.Close()

			w := openWorld(t, shared.Retain(), 0, false)
			require.NoError(t, w.SetBlockStateByID(17, 70, -3, 0, block.Stone, 2))
			require.NoError(t, w.SetBlockID(17, 71, -3, 1, block.Water))
			require.NoError(t, w.SetBlockLight(17, 70, -3, 9))
			require.NoError(t, w.Save(ctx))
			w.Release()

			w = openWorld(t, shared.Retain(), 0, false)
			defer w.Release()

			id, err := w.BlockID(17, 70, -3, 0)
			require.NoError(t, err)
			assert.Equal(t, block.Stone, id)
			meta, err := w.BlockMeta(17, 70, -3, 0)
			require.NoError(t, err)
			assert.Equal(t, 2, meta)
			id, err = w.BlockID(17, 71, -3, 1)
			require.NoError(t, err)
			assert.Equal(t, block.Water, id)
			light, err := w.BlockLight(17, 70, -3)
			require.NoError(t, err)
			assert.Equal(t, 9, light)

			var chunks []world.ChunkPos
			for pos, err := range w.StoredChunks(ctx) {
				require.NoError(t, err)
				chunks = append(chunks, pos)
			}
			assert.Equal(t, []world.ChunkPos{{X: 1, Z: -1}}, chunks)

			var sections []world.SectionPos
			for pos, err := range w.StoredSections(ctx) {
				require.NoError(t, err)
				sections = append(sections, pos)
			}
			assert.Equal(t, []world.SectionPos{{X: 1, Y: 4, Z: -1}}, sections)
		})
	}
}

func TestStore_DimensionsShareKV(t *testing.T) {
	ctx := context.Background()
	shared := NewShared(NewMemory())
	defer shared.Close()

	a := openWorld(t, shared.Retain(), 0, false)
	b := openWorld(t, shared.Retain(), 1, false)
	require.NoError(t, a.SetBlockID(0, 0, 0, 0, block.Dirt))
	require.NoError(t, b.SetBlockID(0, 0, 0, 0, block.Sand))
	require.NoError(t, a.Save(ctx))
	require.NoError(t, b.Save(ctx))
	a.Release()
	b.Release()
	assert.Equal(t, int32(1), shared.RefCount(), "миры вернули свои ссылки")

	a = openWorld(t, shared.Retain(), 0, false)
	defer a.Release()
	id, err := a.BlockID(0, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, block.Dirt, id, "измерения не пересекаются по ключам")
}

func TestStore_ReadOnlyWorld(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	w := openWorld(t, NewShared(mem).Retain(), 0, false)
	require.NoError(t, w.SetBlockID(1, 1, 1, 0, block.Bedrock))
	require.NoError(t, w.Save(ctx))
	w.Release()

	ro := openWorld(t, ReadOnly(mem), 0, true)
	defer ro.Release()
	id, err := ro.BlockID(1, 1, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, block.Bedrock, id)
	assert.ErrorIs(t, ro.SetBlockID(1, 1, 1, 0, block.Air), world.ErrReadOnly)
}

func TestStore_CorruptSection(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	require.NoError(t, mem.Put(ctx, SectionKey(0, 0, 0, 0), []byte("garbage!!")))

	w := openWorld(t, mem, 0, false)
	defer w.Release()
	_, err := w.BlockID(0, 0, 0, 0)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestStore_DeleteChunk(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	st := NewStore(mem, 0)
	w := openWorld(t, mem, 0, false)
	defer w.Release()
	require.NoError(t, w.SetBlockID(0, 0, 0, 0, block.Dirt))
	require.NoError(t, w.SetBlockID(0, 40, 0, 0, block.Dirt))
	require.NoError(t, w.SetBlockID(16, 0, 0, 0, block.Dirt))
	require.NoError(t, w.Save(ctx))
	require.Equal(t, 5, mem.Len(), "два чанка и три секции")

	require.NoError(t, st.DeleteChunk(ctx, 0, 0))
	assert.Equal(t, 2, mem.Len(), "остался соседний чанк")
	_, err := mem.Get(ctx, ChunkKey(0, 1, 0))
	assert.NoError(t, err)
}

func TestAsyncStorage(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	w := openWorld(t, mem, 0, false)
	defer w.Release()

	pool := task.NewPool(2, 16)
	defer pool.Stop()
	async := world.NewAsyncStorage(NewStore(mem, 0), pool)

	c, err := async.LoadChunkAsync(ctx, w, 4, 5).Await(ctx)
	require.NoError(t, err)
	defer c.Release()

	_, err = async.LoadSectionAsync(ctx, c, 0).Await(ctx)
	assert.ErrorIs(t, err, world.ErrSectionNotFound)

	s := world.NewSection(4, 0, 5, w.Registry(), w.Layers(), true)
	defer s.Release()
	require.NoError(t, s.SetBlockID(0, 0, 0, 0, block.Cactus))
	_, err = async.SaveSectionAsync(ctx, s).Await(ctx)
	require.NoError(t, err)
	_, err = async.SaveChunkAsync(ctx, c).Await(ctx)
	require.NoError(t, err)

	loaded, err := async.LoadSectionAsync(ctx, c, 0).Await(ctx)
	require.NoError(t, err)
	defer loaded.Release()
	id, err := loaded.BlockID(0, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, block.Cactus, id)
}
