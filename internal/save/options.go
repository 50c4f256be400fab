package save

import (
	"errors"
	"fmt"
	"maps"

	"github.com/annel0/voxel-store/internal/registry"
	"github.com/annel0/voxel-store/internal/task"
	"github.com/annel0/voxel-store/internal/world"
	"github.com/annel0/voxel-store/internal/world/block"
	"github.com/annel0/voxel-store/internal/world/tile"
	"github.com/prometheus/client_golang/prometheus"
)

// Access - режим доступа к сохранению.
type Access int

const (
	// ReadWrite - чтение и запись.
	ReadWrite Access = iota
	// ReadOnly - только чтение; любая запись в мир возвращает world.ErrReadOnly.
	ReadOnly
)

func (a Access) String() string {
	switch a {
	case ReadWrite:
		return "read-write"
	case ReadOnly:
		return "read-only"
	default:
		return fmt.Sprintf("Access(%d)", int(a))
	}
}

// ErrInvalidOptions - опции сохранения не прошли проверку.
var ErrInvalidOptions = errors.New("save: invalid options")

// Options - параметры сохранения. После New опции заморожены:
// Save.Options возвращает копию.
type Options struct {
	Access Access
	// Executor выполняет загрузки чанков и миров. По умолчанию task.Go.
	Executor      task.Executor
	BlockRegistry *block.Registry
	// TileEntities разбирает блочные сущности. По умолчанию tile.Defaults().
	TileEntities *tile.Registry
	// Dimensions сопоставляет идентификаторы измерений и их номера.
	Dimensions *registry.Registry

	MinSection int
	MaxSection int
	Layers     int
	// SkyLight - номера измерений с небесным светом. nil означает {0}.
	SkyLight map[int]bool

	Eviction      world.EvictionPolicy
	FlushOnUnload bool
	Metrics       prometheus.Registerer
	Invalidator   world.Invalidator
	// Generator используется для измерений без записи в Generators.
	Generator  world.Generator
	Generators map[int]world.Generator
	Shards     int
}

// OptionsHook дополняет или проверяет опции после обработки по умолчанию.
type OptionsHook func(Options) (Options, error)

// withDefaults заполняет пропущенные поля.
func (o Options) withDefaults() Options {
	if o.Executor == nil {
		o.Executor = task.Go
	}
	if o.BlockRegistry == nil {
		o.BlockRegistry = block.Defaults()
	}
	if o.TileEntities == nil {
		o.TileEntities = tile.Defaults()
	}
	if o.Dimensions == nil {
		o.Dimensions = registry.Dimensions()
	}
	if o.MinSection == 0 && o.MaxSection == 0 {
		o.MinSection, o.MaxSection = world.DefaultMinSection, world.DefaultMaxSection
	}
	if o.Layers == 0 {
		o.Layers = world.DefaultLayers
	}
	if o.SkyLight == nil {
		o.SkyLight = map[int]bool{0: true}
	}
	if o.Generator == nil {
		o.Generator = world.AirGenerator
	}
	return o
}

// Validate проверяет опции.
func (o Options) Validate() error {
	if o.Access != ReadWrite && o.Access != ReadOnly {
		return fmt.Errorf("%w: access %s", ErrInvalidOptions, o.Access)
	}
	if o.Executor == nil {
		return fmt.Errorf("%w: executor required", ErrInvalidOptions)
	}
	if o.BlockRegistry == nil {
		return fmt.Errorf("%w: block registry required", ErrInvalidOptions)
	}
	if o.Dimensions == nil || o.Dimensions.Size() == 0 {
		return fmt.Errorf("%w: no dimensions", ErrInvalidOptions)
	}
	if o.MinSection > o.MaxSection {
		return fmt.Errorf("%w: section range %d..%d", ErrInvalidOptions, o.MinSection, o.MaxSection)
	}
	if o.Layers < 1 || o.Layers > 255 {
		return fmt.Errorf("%w: layers %d", ErrInvalidOptions, o.Layers)
	}
	for dim := range o.SkyLight {
		if !o.Dimensions.ContainsID(dim) {
			return fmt.Errorf("%w: sky light for unknown dimension %d", ErrInvalidOptions, dim)
		}
	}
	for dim, gen := range o.Generators {
		if !o.Dimensions.ContainsID(dim) {
			return fmt.Errorf("%w: generator for unknown dimension %d", ErrInvalidOptions, dim)
		}
		if err := world.CheckGenerator(gen, o.BlockRegistry); err != nil {
			return fmt.Errorf("%w: dimension %d: %w", ErrInvalidOptions, dim, err)
		}
	}
	if err := world.CheckGenerator(o.Generator, o.BlockRegistry); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	return nil
}

// process применяет значения по умолчанию, хук и проверку.
func (o Options) process(hook OptionsHook) (Options, error) {
	o = o.withDefaults()
	if hook != nil {
		var err error
		if o, err = hook(o); err != nil {
			return Options{}, fmt.Errorf("options hook: %w", err)
		}
	}
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o.clone(), nil
}

// clone копирует карты, чтобы замороженные опции нельзя было изменить снаружи.
func (o Options) clone() Options {
	o.SkyLight = maps.Clone(o.SkyLight)
	o.Generators = maps.Clone(o.Generators)
	return o
}

// generator возвращает генератор измерения.
func (o Options) generator(dim int) world.Generator {
	if g, ok := o.Generators[dim]; ok && g != nil {
		return g
	}
	return o.Generator
}

// Option настраивает создание Save.
type Option func(*settings)

type settings struct {
	hook     OptionsHook
	provider WorldProvider
}

// WithOptionsHook задаёт хук обработки опций.
func WithOptionsHook(hook OptionsHook) Option {
	return func(s *settings) { s.hook = hook }
}

// WithProvider задаёт поставщика миров вместо KV по умолчанию.
func WithProvider(p WorldProvider) Option {
	return func(s *settings) { s.provider = p }
}
