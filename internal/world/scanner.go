package world

import (
	"cmp"
	"context"
	"errors"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/voxel-store/internal/task"
	"golang.org/x/sync/semaphore"
)

// Progress - место чанка в обходе.
type Progress struct {
	Current int64 // порядковый номер обработки, с нуля
	Total   int64 // число сохранённых чанков на начало обхода
}

// ChunkProcessor обрабатывает один сохранённый чанк.
type ChunkProcessor interface {
	ProcessChunk(ctx context.Context, p Progress, c *Chunk) error
}

// ChunkProcessorFunc адаптирует функцию к ChunkProcessor.
type ChunkProcessorFunc func(ctx context.Context, p Progress, c *Chunk) error

// ProcessChunk реализует ChunkProcessor.
func (f ChunkProcessorFunc) ProcessChunk(ctx context.Context, p Progress, c *Chunk) error {
	return f(ctx, p, c)
}

// NeighborProcessor обрабатывает чанк вместе с восемью соседями.
type NeighborProcessor interface {
	ProcessNeighborhood(ctx context.Context, p Progress, n *Neighborhood) error
}

// NeighborProcessorFunc адаптирует функцию к NeighborProcessor.
type NeighborProcessorFunc func(ctx context.Context, p Progress, n *Neighborhood) error

// ProcessNeighborhood реализует NeighborProcessor.
func (f NeighborProcessorFunc) ProcessNeighborhood(ctx context.Context, p Progress, n *Neighborhood) error {
	return f(ctx, p, n)
}

// Neighborhood - чанк и его соседи. Соседей, которых нет в хранилище,
// обход не создаёт: для них Chunk возвращает nil.
type Neighborhood struct {
	center ChunkPos
	chunks [9]*Chunk
}

func neighborIndex(dx, dz int) int { return (dx+1)*3 + dz + 1 }

// Center возвращает обрабатываемый чанк.
func (n *Neighborhood) Center() *Chunk { return n.chunks[4] }

// Chunk возвращает соседа со смещением (dx, dz) в -1..1 или nil.
func (n *Neighborhood) Chunk(dx, dz int) *Chunk {
	if dx < -1 || dx > 1 || dz < -1 || dz > 1 {
		return nil
	}
	return n.chunks[neighborIndex(dx, dz)]
}

// ChunkAt возвращает чанк окрестности по координатам чанка.
func (n *Neighborhood) ChunkAt(x, z int) *Chunk {
	return n.Chunk(x-n.center.X, z-n.center.Z)
}

func (n *Neighborhood) release() {
	for _, c := range n.chunks {
		if c != nil {
			c.Release()
		}
	}
}

// ScanResult - итог обхода.
type ScanResult struct {
	Total     int64 // сохранённых чанков на начало обхода
	Processed int64
	Unloaded  int
	Elapsed   time.Duration
}

// Scanner обходит все сохранённые чанки мира и передаёт их обработчикам.
// По умолчанию обход последовательный, а чанки, загруженные обходом,
// выгружаются в конце.
type Scanner struct {
	world      *World
	processors []ChunkProcessor
	neighbors  []NeighborProcessor
	exec       task.Executor
	limit      int64
	keep       bool
}

// NewScanner создаёт обход мира w.
func NewScanner(w *World) *Scanner {
	return &Scanner{world: w, exec: task.Inline, limit: 1}
}

// AddProcessor добавляет обработчик. Если p реализует и NeighborProcessor,
// он получает окрестность вместо одного чанка.
func (s *Scanner) AddProcessor(p ChunkProcessor) *Scanner {
	if np, ok := p.(NeighborProcessor); ok {
		return s.AddNeighborProcessor(np)
	}
	s.processors = append(s.processors, p)
	return s
}

// AddFunc добавляет обработчик, которому нужен только чанк.
func (s *Scanner) AddFunc(fn func(c *Chunk) error) *Scanner {
	return s.AddProcessor(ChunkProcessorFunc(func(_ context.Context, _ Progress, c *Chunk) error {
		return fn(c)
	}))
}

// AddNeighborProcessor добавляет обработчик окрестностей.
func (s *Scanner) AddNeighborProcessor(p NeighborProcessor) *Scanner {
	s.neighbors = append(s.neighbors, p)
	return s
}

// Clear убирает все обработчики.
func (s *Scanner) Clear() *Scanner {
	s.processors, s.neighbors = nil, nil
	return s
}

// Parallel обрабатывает до limit чанков одновременно на exec.
// limit <= 0 означает runtime.NumCPU().
func (s *Scanner) Parallel(exec task.Executor, limit int) *Scanner {
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	s.exec, s.limit = exec, int64(limit)
	return s
}

// KeepLoaded оставляет загруженными чанки, которые загрузил обход.
func (s *Scanner) KeepLoaded() *Scanner {
	s.keep = true
	return s
}

// Run обходит чанки. Первая ошибка обработчика останавливает обход;
// Run возвращается только после завершения всех запущенных задач.
func (s *Scanner) Run(ctx context.Context) (ScanResult, error) {
	start := time.Now()
	w := s.world
	m := w.manager

	var positions []ChunkPos
	for pos, err := range w.StoredChunks(ctx) {
		if err != nil {
			return ScanResult{}, err
		}
		positions = append(positions, pos)
	}
	slices.SortFunc(positions, func(a, b ChunkPos) int {
		return cmp.Or(cmp.Compare(a.X, b.X), cmp.Compare(a.Z, b.Z))
	})
	stored := make(map[ChunkPos]bool, len(positions))
	for _, pos := range positions {
		stored[pos] = true
	}
	preloaded := make(map[ChunkPos]bool)
	for _, c := range m.LoadedChunks() {
		preloaded[c.Pos()] = true
	}

	res := ScanResult{Total: int64(len(positions))}
	var counter atomic.Int64
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	sem := semaphore.NewWeighted(s.limit)
	futures := make([]*task.Future[struct{}], 0, len(positions))
	for _, pos := range positions {
		if err := sem.Acquire(runCtx, 1); err != nil {
			break
		}
		f := task.Run(runCtx, s.exec, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.scanChunk(ctx, pos, stored, &counter, res.Total)
		})
		f.Then(func(_ struct{}, err error) {
			sem.Release(1)
			if err != nil {
				fail(err)
			}
		})
		futures = append(futures, f)
	}
	for _, f := range futures {
		<-f.Done()
	}
	res.Processed = counter.Load()

	var unloadErr error
	if !s.keep {
		// Отменённые задачи могли оставить загрузки в полёте.
		m.awaitPending()
		var victims []*Chunk
		for _, c := range m.LoadedChunks() {
			if pos := c.Pos(); stored[pos] && !preloaded[pos] {
				victims = append(victims, c)
			}
		}
		res.Unloaded, unloadErr = m.unload(ctx, victims)
	}
	res.Elapsed = time.Since(start)

	err := firstErr
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return res, errors.Join(err, unloadErr)
	}
	w.log.Info("🔍 Обход %s: %d из %d чанков за %v", w.id, res.Processed, res.Total, res.Elapsed)
	return res, unloadErr
}

func (s *Scanner) scanChunk(ctx context.Context, pos ChunkPos, stored map[ChunkPos]bool, counter *atomic.Int64, total int64) error {
	m := s.world.manager
	n := &Neighborhood{center: pos}
	defer n.release()

	c, err := m.AcquireChunk(ctx, pos.X, pos.Z)
	if err != nil {
		return err
	}
	n.chunks[4] = c
	if len(s.neighbors) > 0 {
		for dx := -1; dx <= 1; dx++ {
			for dz := -1; dz <= 1; dz++ {
				np := ChunkPos{X: pos.X + dx, Z: pos.Z + dz}
				if (dx == 0 && dz == 0) || !stored[np] {
					continue
				}
				nc, err := m.AcquireChunk(ctx, np.X, np.Z)
				if err != nil {
					return err
				}
				n.chunks[neighborIndex(dx, dz)] = nc
			}
		}
	}

	p := Progress{Current: counter.Add(1) - 1, Total: total}
	for _, proc := range s.processors {
		if err := proc.ProcessChunk(ctx, p, c); err != nil {
			return err
		}
	}
	for _, proc := range s.neighbors {
		if err := proc.ProcessNeighborhood(ctx, p, n); err != nil {
			return err
		}
	}
	return nil
}
