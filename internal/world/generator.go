package world

import (
	"fmt"
	"math"

	"github.com/annel0/voxel-store/internal/ident"
	"github.com/annel0/voxel-store/internal/world/block"
	"github.com/aquilax/go-perlin"
)

// Generator заполняет новую пустую секцию, когда в хранилище её нет.
type Generator interface {
	GenerateSection(s *Section) error
}

// StateSource реализуют генераторы, заранее выбравшие состояния блоков.
// Мир проверяет, что все они принадлежат его реестру.
type StateSource interface {
	States() []*block.State
}

// CheckGenerator возвращает ErrForeignState, если генератор ставит
// состояния не из reg.
func CheckGenerator(g Generator, reg *block.Registry) error {
	src, ok := g.(StateSource)
	if !ok {
		return nil
	}
	for _, st := range src.States() {
		if err := checkState(reg, st); err != nil {
			return fmt.Errorf("generator %T: %w", g, err)
		}
	}
	return nil
}

// GeneratorFunc адаптирует функцию к Generator.
type GeneratorFunc func(s *Section) error

// GenerateSection реализует Generator.
func (f GeneratorFunc) GenerateSection(s *Section) error { return f(s) }

// AirGenerator оставляет секцию пустой.
var AirGenerator Generator = GeneratorFunc(func(*Section) error { return nil })

// FlatLayer - слой плоского мира: состояние и толщина в блоках.
type FlatLayer struct {
	State  *block.State
	Height int
}

// FlatGenerator выкладывает слои снизу вверх начиная с MinY.
type FlatGenerator struct {
	MinY   int
	Layers []FlatLayer
}

// States реализует StateSource.
func (g FlatGenerator) States() []*block.State {
	states := make([]*block.State, len(g.Layers))
	for i, l := range g.Layers {
		states[i] = l.State
	}
	return states
}

// GenerateSection реализует Generator.
func (g FlatGenerator) GenerateSection(s *Section) error {
	baseY := s.Y() << 4
	y := g.MinY
	for _, l := range g.Layers {
		for i := 0; i < l.Height; i, y = i+1, y+1 {
			ly := y - baseY
			if ly < 0 || ly >= SectionSize {
				continue
			}
			for x := 0; x < SectionSize; x++ {
				for z := 0; z < SectionSize; z++ {
					if err := s.SetBlockState(x, ly, z, DefaultLayer, l.State); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// Константы высот для генерации
const (
	WaterLevel    = 0.30 // Ниже - вода
	MountainStart = 0.80 // Выше - камень на поверхности
)

// PerlinGenerator строит рельеф по двумерному шуму Перлина.
type PerlinGenerator struct {
	Seed       int64   // Сид для генерации шума
	NoiseScale float64 // Масштаб основного шума (высота)
	BaseHeight int     // Средняя высота поверхности в блоках
	Amplitude  int     // Разброс высоты в блоках
	SeaLevel   int     // Уровень воды в блоках

	Bedrock, Stone, Dirt, Grass, Sand, Water *block.State

	noise *perlin.Perlin
}

// NewPerlinGenerator создаёт генератор рельефа для реестра reg.
func NewPerlinGenerator(seed int64, reg *block.Registry) (*PerlinGenerator, error) {
	g := &PerlinGenerator{
		Seed:       seed,
		NoiseScale: 0.01, // Настройка сглаженности ландшафта
		BaseHeight: 64,
		Amplitude:  24,
		SeaLevel:   62,
		noise:      perlin.NewPerlin(2, 2, 3, seed),
	}
	for _, p := range []struct {
		dst **block.State
		id  ident.Identifier
	}{
		{&g.Bedrock, block.Bedrock},
		{&g.Stone, block.Stone},
		{&g.Dirt, block.Dirt},
		{&g.Grass, block.Grass},
		{&g.Sand, block.Sand},
		{&g.Water, block.Water},
	} {
		st, err := reg.DefaultState(p.id)
		if err != nil {
			return nil, fmt.Errorf("perlin generator: %w", err)
		}
		*p.dst = st
	}
	return g, nil
}

// States реализует StateSource.
func (g *PerlinGenerator) States() []*block.State {
	return []*block.State{g.Bedrock, g.Stone, g.Dirt, g.Grass, g.Sand, g.Water}
}

// Height возвращает высоту поверхности в глобальной колонке (x, z).
func (g *PerlinGenerator) Height(x, z int) int {
	n := g.noise.Noise2D(float64(x)*g.NoiseScale, float64(z)*g.NoiseScale)
	return g.BaseHeight + int(math.Round(n*float64(g.Amplitude)))
}

// GenerateSection реализует Generator.
func (g *PerlinGenerator) GenerateSection(s *Section) error {
	baseX, baseY, baseZ := s.X()<<4, s.Y()<<4, s.Z()<<4
	for x := 0; x < SectionSize; x++ {
		for z := 0; z < SectionSize; z++ {
			height := g.Height(baseX+x, baseZ+z)
			for ly := 0; ly < SectionSize; ly++ {
				st := g.stateAt(baseY+ly, height)
				if st == nil {
					continue
				}
				if err := s.SetBlockState(x, ly, z, DefaultLayer, st); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// stateAt возвращает блок на высоте y для колонки с поверхностью height
func (g *PerlinGenerator) stateAt(y, height int) *block.State {
	relative := float64(height-g.BaseHeight+g.Amplitude) / float64(2*g.Amplitude)
	switch {
	case y == 0:
		return g.Bedrock
	case y > height:
		if y <= g.SeaLevel {
			return g.Water
		}
		return nil
	case y < height-3:
		return g.Stone
	case y < height:
		return g.Dirt
	case relative > MountainStart:
		return g.Stone
	case height <= g.SeaLevel || relative < WaterLevel:
		return g.Sand
	default:
		return g.Grass
	}
}
