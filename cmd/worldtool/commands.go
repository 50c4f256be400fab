package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/annel0/voxel-store/internal/config"
	"github.com/annel0/voxel-store/internal/ident"
	"github.com/annel0/voxel-store/internal/logging"
	"github.com/annel0/voxel-store/internal/observability"
	"github.com/annel0/voxel-store/internal/save"
	"github.com/annel0/voxel-store/internal/storage"
	"github.com/annel0/voxel-store/internal/task"
	"github.com/annel0/voxel-store/internal/world"
	"github.com/prometheus/client_golang/prometheus"
)

// unloadInterval - период выгрузки чанков в режиме serve.
const unloadInterval = 30 * time.Second

var errUsage = errors.New("worldtool: bad arguments")

// Options - аргументы команд.
type Options struct {
	Dim     string
	X, Y, Z int
	Layer   int
	Block   string
	Meta    int
	Radius  int
}

// runCommand собирает окружение по cfg, открывает сохранение и выполняет команду.
func runCommand(ctx context.Context, out io.Writer, cfg *config.Config, command string, o Options) error {
	reg := prometheus.NewRegistry()
	rt, err := cfg.Build(reg)
	if err != nil {
		return err
	}
	defer rt.Close()

	s, err := rt.OpenSave(ctx)
	if err != nil {
		return err
	}
	defer s.Release()

	switch command {
	case "info":
		return printInfo(ctx, out, s)
	case "chunks":
		return listChunks(ctx, out, s, o)
	case "sections":
		return listSections(ctx, out, s, o)
	case "get":
		return getBlock(ctx, out, s, o)
	case "set":
		return setBlock(ctx, out, s, o)
	case "prune":
		return pruneChunk(ctx, out, s, o)
	case "generate":
		return generate(ctx, out, s, o)
	case "scan":
		return scan(ctx, out, s, o, cfg.Save.Workers)
	case "serve":
		return serve(ctx, out, cfg, s, rt.Pool, reg)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
}

func loadWorld(ctx context.Context, s *save.Save, dim string) (*world.World, error) {
	id, err := ident.Parse(dim)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	return s.GetOrLoadWorld(ctx, id)
}

func requireWritable(s *save.Save) error {
	if s.Access() == save.ReadOnly {
		return world.ErrReadOnly
	}
	return nil
}

func printInfo(ctx context.Context, out io.Writer, s *save.Save) error {
	fmt.Fprintf(out, "📁 Save: %s (%s)\n", s.Root(), s.Access())
	if name, ok := s.Level().Get("LevelName"); ok {
		fmt.Fprintf(out, "   Level: %v\n", name)
	}

	var err error
	s.Dimensions().ForEach(func(id ident.Identifier, n int) bool {
		var w *world.World
		if w, err = s.GetOrLoadWorld(ctx, id); err != nil {
			return false
		}
		var chunks, sections int
		for _, e := range w.StoredChunks(ctx) {
			if err = e; err != nil {
				return false
			}
			chunks++
		}
		for _, e := range w.StoredSections(ctx) {
			if err = e; err != nil {
				return false
			}
			sections++
		}
		fmt.Fprintf(out, "🌍 %s (#%d): %d chunks, %d sections, sections %d..%d, sky light %t\n",
			id, n, chunks, sections, w.MinSection(), w.MaxSection(), w.HasSkyLight())
		return true
	})
	return err
}

func listChunks(ctx context.Context, out io.Writer, s *save.Save, o Options) error {
	w, err := loadWorld(ctx, s, o.Dim)
	if err != nil {
		return err
	}
	var chunks []world.ChunkPos
	for pos, err := range w.StoredChunks(ctx) {
		if err != nil {
			return err
		}
		chunks = append(chunks, pos)
	}
	slices.SortFunc(chunks, func(a, b world.ChunkPos) int {
		return cmp.Or(cmp.Compare(a.X, b.X), cmp.Compare(a.Z, b.Z))
	})
	for _, pos := range chunks {
		fmt.Fprintf(out, "%d %d\n", pos.X, pos.Z)
	}
	fmt.Fprintf(out, "📦 %d chunks in %s\n", len(chunks), w.ID())
	return nil
}

// listSections печатает сохранённые секции чанка (-x, -z).
func listSections(ctx context.Context, out io.Writer, s *save.Save, o Options) error {
	w, err := loadWorld(ctx, s, o.Dim)
	if err != nil {
		return err
	}
	var ys []int
	for pos, err := range w.StoredSections(ctx) {
		if err != nil {
			return err
		}
		if pos.X == o.X && pos.Z == o.Z {
			ys = append(ys, pos.Y)
		}
	}
	slices.Sort(ys)
	for _, y := range ys {
		fmt.Fprintf(out, "%d %d %d\n", o.X, y, o.Z)
	}
	fmt.Fprintf(out, "📦 %d sections in chunk %d,%d\n", len(ys), o.X, o.Z)
	return nil
}

func getBlock(ctx context.Context, out io.Writer, s *save.Save, o Options) error {
	w, err := loadWorld(ctx, s, o.Dim)
	if err != nil {
		return err
	}
	st, err := w.BlockState(o.X, o.Y, o.Z, o.Layer)
	if err != nil {
		return err
	}
	light, err := w.BlockLight(o.X, o.Y, o.Z)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d %d %d layer %d: %s light %d\n", o.X, o.Y, o.Z, o.Layer, st, light)
	return nil
}

func setBlock(ctx context.Context, out io.Writer, s *save.Save, o Options) error {
	if err := requireWritable(s); err != nil {
		return err
	}
	id, err := ident.Parse(o.Block)
	if err != nil {
		return fmt.Errorf("%w: block: %v", errUsage, err)
	}
	w, err := loadWorld(ctx, s, o.Dim)
	if err != nil {
		return err
	}
	if err := w.SetBlockStateByID(o.X, o.Y, o.Z, o.Layer, id, o.Meta); err != nil {
		return err
	}
	if err := s.Save(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "✅ %d %d %d layer %d = %s[%d]\n", o.X, o.Y, o.Z, o.Layer, id, o.Meta)
	return nil
}

// pruneChunk удаляет чанк (-x, -z) из хранилища вместе с секциями.
func pruneChunk(ctx context.Context, out io.Writer, s *save.Save, o Options) error {
	if err := requireWritable(s); err != nil {
		return err
	}
	w, err := loadWorld(ctx, s, o.Dim)
	if err != nil {
		return err
	}
	store, ok := w.Storage().(*storage.Store)
	if !ok {
		return fmt.Errorf("worldtool: storage %T cannot delete chunks", w.Storage())
	}
	w.Manager().InvalidateChunk(o.X, o.Z)
	if err := store.DeleteChunk(ctx, o.X, o.Z); err != nil {
		return err
	}
	fmt.Fprintf(out, "🗑️ Chunk %d,%d removed from %s\n", o.X, o.Z, w.ID())
	return nil
}

// generate материализует все секции чанков в радиусе -radius вокруг
// чанка (-x, -z) и сохраняет результат.
func generate(ctx context.Context, out io.Writer, s *save.Save, o Options) error {
	if err := requireWritable(s); err != nil {
		return err
	}
	if o.Radius < 0 {
		return fmt.Errorf("%w: negative radius", errUsage)
	}
	w, err := loadWorld(ctx, s, o.Dim)
	if err != nil {
		return err
	}

	n := 0
	for cx := o.X - o.Radius; cx <= o.X+o.Radius; cx++ {
		for cz := o.Z - o.Radius; cz <= o.Z+o.Radius; cz++ {
			if err := fillChunk(ctx, w, cx, cz); err != nil {
				return err
			}
			n++
		}
	}
	if err := s.Save(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "🌱 Generated %d chunks around %d,%d in %s\n", n, o.X, o.Z, w.ID())
	return nil
}

func fillChunk(ctx context.Context, w *world.World, x, z int) error {
	c, err := w.Manager().AcquireChunk(ctx, x, z)
	if err != nil {
		return err
	}
	defer c.Release()
	for i := w.MinSection(); i <= w.MaxSection(); i++ {
		if _, err := c.GetOrLoadSection(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

// scan обходит сохранённые чанки измерения и считает блочные сущности по типам.
func scan(ctx context.Context, out io.Writer, s *save.Save, o Options, workers int) error {
	w, err := loadWorld(ctx, s, o.Dim)
	if err != nil {
		return err
	}
	sections := make(map[world.ChunkPos][]int)
	for pos, err := range w.StoredSections(ctx) {
		if err != nil {
			return err
		}
		cp := world.ChunkPos{X: pos.X, Z: pos.Z}
		sections[cp] = append(sections[cp], pos.Y)
	}

	var (
		mu     sync.Mutex
		counts = make(map[string]int)
	)
	res, err := world.NewScanner(w).
		Parallel(task.Go, workers).
		AddFunc(func(c *world.Chunk) error {
			local := make(map[string]int)
			for _, y := range sections[c.Pos()] {
				sec, err := c.GetOrLoadSection(ctx, y)
				if err != nil {
					return err
				}
				var decodeErr error
				sec.ForEachTileEntity(func(_, _, _ int, te world.TileEntity) bool {
					e, err := w.TileRegistry().Decode(te)
					if err != nil {
						decodeErr = fmt.Errorf("chunk %v section %d: %w", c.Pos(), y, err)
						return false
					}
					local[e.ID().String()]++
					return true
				})
				if decodeErr != nil {
					return decodeErr
				}
			}
			mu.Lock()
			for id, n := range local {
				counts[id] += n
			}
			mu.Unlock()
			return nil
		}).
		Run(ctx)
	if err != nil {
		return err
	}

	for _, id := range slices.Sorted(maps.Keys(counts)) {
		fmt.Fprintf(out, "%s %d\n", id, counts[id])
	}
	fmt.Fprintf(out, "🔍 Scanned %d chunks in %s\n", res.Processed, w.ID())
	return nil
}

// telemetry описывает узел для трассировки: узел инвалидаций и корень сохранения.
func telemetry(cfg *config.Config, s *save.Save) observability.Telemetry {
	attrs := maps.Clone(cfg.Telemetry.Attributes)
	if attrs == nil {
		attrs = make(map[string]string, 2)
	}
	attrs["voxel.save.root"] = s.Root()
	attrs["voxel.save.access"] = s.Access().String()
	return observability.Telemetry{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		NodeID:         cfg.Invalidation.NodeID,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRatio:    cfg.Telemetry.SampleRatio,
		Attributes:     attrs,
	}
}

// serve держит сохранение открытым до сигнала: отдаёт метрики, периодически
// выгружает чанки по политике и сохраняет всё при выходе.
func serve(ctx context.Context, out io.Writer, cfg *config.Config, s *save.Save, pool *task.Pool, reg *prometheus.Registry) error {
	if cfg.Telemetry.Enabled {
		shutdown, err := observability.InitTelemetry(ctx, telemetry(cfg, s))
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logging.Warn("⚠️ Ошибка остановки телеметрии: %v", err)
			}
		}()
	}

	s.Dimensions().ForEachID(func(n int) bool {
		s.LoadWorldByID(n)
		return true
	})

	me := observability.NewMetricsExporter(reg, observability.SaveStats(s, pool))
	if cfg.Metrics.Enabled {
		me.StartHTTP(cfg.Metrics.GetAddr())
	}
	fmt.Fprintf(out, "🚀 Serving %s (%s)\n", s.Root(), s.Access())

	ticker := time.NewTicker(unloadInterval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ticker.C:
			for _, w := range s.Worlds() {
				if n, err := w.Manager().UnloadSomeChunks(ctx); err != nil {
					logging.Warn("⚠️ Выгрузка чанков %s: %v", w.ID(), err)
				} else if n > 0 {
					logging.Debug("🧹 %s: выгружено чанков: %d", w.ID(), n)
				}
			}
		case <-ctx.Done():
			break loop
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := me.Stop(stopCtx); err != nil {
		logging.Warn("⚠️ Ошибка остановки метрик: %v", err)
	}
	if err := s.Save(stopCtx); err != nil {
		return err
	}
	fmt.Fprintf(out, "👋 %s saved\n", s.Root())
	return nil
}
