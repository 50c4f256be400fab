// Package save - корневой контейнер хранилища: миры измерений, метаданные
// level.dat и замороженные опции. Освобождение Save каскадом освобождает
// миры, поставщика и метаданные.
package save

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/annel0/voxel-store/internal/ident"
	"github.com/annel0/voxel-store/internal/logging"
	"github.com/annel0/voxel-store/internal/refcount"
	"github.com/annel0/voxel-store/internal/registry"
	"github.com/annel0/voxel-store/internal/storage"
	"github.com/annel0/voxel-store/internal/task"
	"github.com/annel0/voxel-store/internal/world"
	"golang.org/x/sync/errgroup"
)

// DBDir - каталог badger внутри корня сохранения.
const DBDir = "db"

// ErrUnknownDimension - измерения нет в реестре измерений.
var ErrUnknownDimension = errors.New("save: unknown dimension")

// Save владеет мирами измерений и метаданными уровня.
type Save struct {
	refs     refcount.Counter
	root     string
	opts     Options
	level    *Level
	provider WorldProvider
	worlds   *task.Cache[int, *world.World]
	inval    *invalidationMux

	ctx    context.Context
	cancel context.CancelFunc
	log    *logging.Logger
}

// New создаёт сохранение в root. Опции проходят значения по умолчанию,
// хук WithOptionsHook и Validate, после чего замораживаются. При успехе
// Save забирает ссылку на level. Без WithProvider миры хранятся в badger
// в каталоге root/db.
func New(root string, opts Options, level *Level, o ...Option) (*Save, error) {
	var st settings
	for _, fn := range o {
		fn(&st)
	}
	opts, err := opts.process(st.hook)
	if err != nil {
		return nil, err
	}
	if level == nil {
		level = NewLevel(nil)
	}

	provider := st.provider
	if provider == nil {
		kv, err := storage.OpenBadger(filepath.Join(root, DBDir))
		if err != nil {
			return nil, fmt.Errorf("open save %s: %w", root, err)
		}
		provider = NewKVProvider(kv)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Save{
		root:     root,
		opts:     opts,
		level:    level,
		provider: provider,
		worlds: task.NewCache[int, *world.World](4, func(n int) uint64 {
			return uint64(n)
		}),
		ctx:    ctx,
		cancel: cancel,
		log:    logging.GetSaveLogger(),
	}
	if opts.Invalidator != nil {
		s.inval = newInvalidationMux(ctx, opts.Invalidator)
	}
	s.refs.Init(s.free)
	s.log.Info("💾 Сохранение %s открыто (%s, измерений: %d)", root, opts.Access, opts.Dimensions.Size())
	return s, nil
}

// Open читает root/level.dat и создаёт сохранение. Если level.dat нет,
// сохранение для записи начинается с пустых метаданных, а для чтения
// возвращается ErrNoLevel.
func Open(ctx context.Context, root string, opts Options, o ...Option) (*Save, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	level, err := ReadLevel(root)
	switch {
	case errors.Is(err, ErrNoLevel) && opts.Access == ReadWrite:
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, err
		}
		level = NewLevel(map[string]any{"LevelName": filepath.Base(root)})
	case err != nil:
		return nil, err
	}

	s, err := New(root, opts, level, o...)
	if err != nil {
		level.Release()
		return nil, err
	}
	return s, nil
}

func (s *Save) free() {
	s.cancel()
	var pending []*task.Future[*world.World]
	s.worlds.Range(func(_ int, f *task.Future[*world.World]) bool {
		pending = append(pending, f)
		return true
	})
	for _, f := range pending {
		<-f.Done()
	}
	for _, f := range pending {
		if w, err, _ := f.Poll(); err == nil {
			w.Release()
		}
	}
	if err := s.provider.Close(); err != nil {
		s.log.Error("❌ Ошибка закрытия хранилища сохранения %s: %v", s.root, err)
	}
	s.level.Release()
	s.log.Info("💾 Сохранение %s закрыто", s.root)
}

// Retain увеличивает счётчик ссылок.
func (s *Save) Retain() { s.refs.Retain() }

// Release уменьшает счётчик ссылок. Последний Release освобождает миры
// (с сохранением, если включено FlushOnUnload), закрывает поставщика
// и освобождает метаданные.
func (s *Save) Release() bool { return s.refs.Release() }

// RefCount возвращает текущее число ссылок.
func (s *Save) RefCount() int32 { return s.refs.RefCount() }

func (s *Save) Root() string { return s.root }
func (s *Save) Level() *Level { return s.level }
func (s *Save) Dimensions() *registry.Registry { return s.opts.Dimensions }
func (s *Save) Context() context.Context { return s.ctx }
func (s *Save) Provider() WorldProvider { return s.provider }
func (s *Save) Access() Access { return s.opts.Access }

// Invalidator возвращает инвалидатор для миров сохранения или nil.
// Все миры делят одну подписку на Options.Invalidator.
func (s *Save) Invalidator() world.Invalidator {
	if s.inval == nil {
		return nil
	}
	return s.inval
}

// Options возвращает копию замороженных опций.
func (s *Save) Options() Options { return s.opts.clone() }

// World возвращает уже загруженный мир или nil. Не блокирует.
func (s *Save) World(id ident.Identifier) *world.World {
	n, err := s.opts.Dimensions.ID(id)
	if err != nil {
		return nil
	}
	return s.WorldByID(n)
}

// WorldByID возвращает уже загруженный мир по номеру измерения или nil.
func (s *Save) WorldByID(n int) *world.World {
	f, ok := s.worlds.Get(n)
	if !ok {
		return nil
	}
	w, err, done := f.Poll()
	if !done || err != nil {
		return nil
	}
	return w
}

// Worlds возвращает загруженные миры.
func (s *Save) Worlds() []*world.World {
	var out []*world.World
	s.worlds.Range(func(_ int, f *task.Future[*world.World]) bool {
		if w, err, done := f.Poll(); done && err == nil {
			out = append(out, w)
		}
		return true
	})
	return out
}

// LoadWorld возвращает Future мира. Одновременные вызовы для одного
// измерения получают один и тот же Future; неудачная загрузка удаляется
// из кэша, и следующий вызов начинает её заново.
func (s *Save) LoadWorld(id ident.Identifier) *task.Future[*world.World] {
	n, err := s.opts.Dimensions.ID(id)
	if err != nil {
		return task.Completed[*world.World](nil, fmt.Errorf("%w: %s", ErrUnknownDimension, id))
	}
	return s.load(id, n)
}

// LoadWorldByID - LoadWorld по номеру измерения.
func (s *Save) LoadWorldByID(n int) *task.Future[*world.World] {
	id, err := s.opts.Dimensions.Identifier(n)
	if err != nil {
		return task.Completed[*world.World](nil, fmt.Errorf("%w: %d", ErrUnknownDimension, n))
	}
	return s.load(id, n)
}

func (s *Save) load(id ident.Identifier, n int) *task.Future[*world.World] {
	s.refs.Ensure()
	f, started := s.worlds.LoadOrStart(n, func(f *task.Future[*world.World]) {
		task.Launch(s.ctx, s.opts.Executor, f, func(ctx context.Context) (*world.World, error) {
			w, err := s.provider.OpenWorld(ctx, s, id, n)
			if err != nil {
				s.log.Warn("⚠️ Ошибка загрузки мира %s: %v", id, err)
				return nil, err
			}
			s.log.Debug("🌍 Мир %s (%d) загружен", id, n)
			return w, nil
		}, func(w *world.World) {
			w.Release()
		})
	})
	if started {
		s.log.Trace("💾 Запущена загрузка мира %s", id)
	}
	return f
}

// GetOrLoadWorld загружает мир и ждёт результата.
func (s *Save) GetOrLoadWorld(ctx context.Context, id ident.Identifier) (*world.World, error) {
	return s.LoadWorld(id).Await(ctx)
}

// Save сохраняет все загруженные миры и записывает level.dat.
// Для сохранения только для чтения ничего не делает.
func (s *Save) Save(ctx context.Context) error {
	s.refs.Ensure()
	if s.opts.Access == ReadOnly {
		return nil
	}
	// Миры независимы и сохраняются параллельно; ошибки собираются все.
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, w := range s.Worlds() {
		g.Go(func() error {
			if err := w.Save(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("save world %s: %w", w.ID(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := s.level.WriteFile(s.root); err != nil {
		errs = append(errs, fmt.Errorf("write %s: %w", LevelFile, err))
	}
	if err := errors.Join(errs...); err != nil {
		s.log.Error("❌ Ошибка сохранения %s: %v", s.root, err)
		return err
	}
	s.log.Info("💾 Сохранение %s записано", s.root)
	return nil
}
