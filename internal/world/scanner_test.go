package world

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/annel0/voxel-store/internal/task"
	"github.com/annel0/voxel-store/internal/world/block"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storedWorld сохраняет по камню в каждом чанке pos и выгружает всё.
func storedWorld(t *testing.T, pos ...ChunkPos) (*World, *memStorage) {
	t.Helper()
	ctx := context.Background()
	st := newMemStorage()
	w := newTestWorld(t, st, nil)
	for _, p := range pos {
		require.NoError(t, w.SetBlockID(p.X<<4, 10, p.Z<<4, DefaultLayer, block.Stone))
	}
	require.NoError(t, w.Save(ctx))
	_, err := w.Manager().UnloadAllChunks(ctx)
	require.NoError(t, err)
	return w, st
}

func TestScanner_Sequential(t *testing.T) {
	w, _ := storedWorld(t, ChunkPos{0, 0}, ChunkPos{3, -1}, ChunkPos{-2, 4})

	var seen []ChunkPos
	var progress []Progress
	res, err := NewScanner(w).
		AddFunc(func(c *Chunk) error {
			seen = append(seen, c.Pos())
			id, err := c.BlockID(0, 10, 0, DefaultLayer)
			if err == nil && !id.Equal(block.Stone) {
				t.Errorf("чанк %s: %s", c, id)
			}
			return err
		}).
		AddProcessor(ChunkProcessorFunc(func(_ context.Context, p Progress, _ *Chunk) error {
			progress = append(progress, p)
			return nil
		})).
		Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []ChunkPos{{-2, 4}, {0, 0}, {3, -1}}, seen, "последовательный обход идёт по порядку координат")
	assert.Equal(t, []Progress{{0, 3}, {1, 3}, {2, 3}}, progress)
	assert.Equal(t, int64(3), res.Processed)
	assert.Equal(t, int64(3), res.Total)
	assert.Equal(t, 3, res.Unloaded)
	assert.Equal(t, 0, w.Manager().Len(), "загруженные обходом чанки выгружены")
}

func TestScanner_KeepsPreloadedChunks(t *testing.T) {
	ctx := context.Background()
	w, _ := storedWorld(t, ChunkPos{0, 0}, ChunkPos{1, 1})
	held, err := w.GetOrLoadChunk(ctx, 0, 0)
	require.NoError(t, err)

	res, err := NewScanner(w).AddFunc(func(*Chunk) error { return nil }).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unloaded)
	assert.Same(t, held, w.Chunk(0, 0), "чанк, загруженный до обхода, остаётся")
	assert.Nil(t, w.Manager().GetChunk(1, 1))

	_, err = NewScanner(w).KeepLoaded().AddFunc(func(*Chunk) error { return nil }).Run(ctx)
	require.NoError(t, err)
	assert.NotNil(t, w.Manager().GetChunk(1, 1))
}

func TestScanner_Parallel(t *testing.T) {
	var pos []ChunkPos
	for x := 0; x < 4; x++ {
		for z := 0; z < 4; z++ {
			pos = append(pos, ChunkPos{x, z})
		}
	}
	w, _ := storedWorld(t, pos...)

	var (
		mu      sync.Mutex
		seen    = map[ChunkPos]int{}
		active  atomic.Int32
		maxSeen atomic.Int32
	)
	res, err := NewScanner(w).
		Parallel(task.Go, 3).
		AddFunc(func(c *Chunk) error {
			n := active.Add(1)
			defer active.Add(-1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			seen[c.Pos()]++
			mu.Unlock()
			return nil
		}).
		Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(16), res.Processed)
	assert.Len(t, seen, 16)
	for p, n := range seen {
		assert.Equal(t, 1, n, "чанк %v обработан один раз", p)
	}
	assert.LessOrEqual(t, maxSeen.Load(), int32(3), "не больше limit чанков одновременно")
	assert.Equal(t, 0, w.Manager().Len())
}

func TestScanner_Neighbors(t *testing.T) {
	w, st := storedWorld(t, ChunkPos{0, 0}, ChunkPos{1, 0}, ChunkPos{1, 1}, ChunkPos{8, 8})
	loadsBefore := st.chunkLoads.Load()

	type view struct {
		east, northEast, west *Chunk
	}
	views := map[ChunkPos]view{}
	var plain atomic.Int32
	_, err := NewScanner(w).
		AddFunc(func(*Chunk) error { plain.Add(1); return nil }).
		AddNeighborProcessor(NeighborProcessorFunc(func(_ context.Context, _ Progress, n *Neighborhood) error {
			views[n.Center().Pos()] = view{east: n.Chunk(1, 0), northEast: n.Chunk(1, 1), west: n.Chunk(-1, 0)}
			assert.Same(t, n.Center(), n.ChunkAt(n.Center().X(), n.Center().Z()))
			assert.Nil(t, n.Chunk(2, 0))
			return nil
		})).
		Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(4), plain.Load(), "обычные обработчики тоже вызываются")
	require.Len(t, views, 4)
	origin := views[ChunkPos{0, 0}]
	require.NotNil(t, origin.east)
	assert.Equal(t, ChunkPos{1, 0}, origin.east.Pos())
	require.NotNil(t, origin.northEast)
	assert.Equal(t, ChunkPos{1, 1}, origin.northEast.Pos())
	assert.Nil(t, origin.west, "несохранённый сосед не создаётся")
	assert.Equal(t, view{}, views[ChunkPos{8, 8}])
	assert.Equal(t, int32(4), st.chunkLoads.Load()-loadsBefore, "загружены только сохранённые чанки")
}

type neighborCounter struct{ chunks, hoods atomic.Int32 }

func (n *neighborCounter) ProcessChunk(context.Context, Progress, *Chunk) error {
	n.chunks.Add(1)
	return nil
}

func (n *neighborCounter) ProcessNeighborhood(context.Context, Progress, *Neighborhood) error {
	n.hoods.Add(1)
	return nil
}

func TestScanner_AddProcessorRoutesNeighborProcessors(t *testing.T) {
	w, _ := storedWorld(t, ChunkPos{0, 0}, ChunkPos{2, 2})
	var nc neighborCounter
	_, err := NewScanner(w).AddProcessor(&nc).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(0), nc.chunks.Load())
	assert.Equal(t, int32(2), nc.hoods.Load(), "обработчик окрестностей получает окрестность")

	s := NewScanner(w).AddProcessor(&nc).Clear()
	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Processed, "обход без обработчиков только загружает чанки")
	assert.Equal(t, int32(2), nc.hoods.Load())
}

func TestScanner_ErrorStops(t *testing.T) {
	var pos []ChunkPos
	for x := 0; x < 8; x++ {
		pos = append(pos, ChunkPos{x, 0})
	}
	w, _ := storedWorld(t, pos...)

	for name, s := range map[string]*Scanner{
		"sequential": NewScanner(w),
		"parallel":   NewScanner(w).Parallel(task.Go, 2),
	} {
		t.Run(name, func(t *testing.T) {
			var calls atomic.Int32
			res, err := s.AddFunc(func(c *Chunk) error {
				calls.Add(1)
				if c.X() == 1 {
					return errInjected
				}
				time.Sleep(5 * time.Millisecond)
				return nil
			}).Run(context.Background())
			assert.ErrorIs(t, err, errInjected)
			assert.Less(t, calls.Load(), int32(8), "обход остановлен")
			assert.Less(t, res.Processed, int64(8))
			assert.Equal(t, 0, w.Manager().Len(), "загруженные чанки выгружены и после ошибки")
		})
	}
}

func TestScanner_Cancelled(t *testing.T) {
	w, _ := storedWorld(t, ChunkPos{0, 0})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewScanner(w).AddFunc(func(*Chunk) error { return nil }).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
