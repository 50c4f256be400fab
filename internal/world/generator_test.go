package world

import (
	"context"
	"testing"

	"github.com/annel0/voxel-store/internal/world/block"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlatGenerator(t *testing.T) {
	reg := block.Defaults()
	bedrock := mustState(t, reg, block.Bedrock, 0)
	dirt := mustState(t, reg, block.Dirt, 0)
	grass := mustState(t, reg, block.Grass, 0)

	gen := FlatGenerator{Layers: []FlatLayer{
		{State: bedrock, Height: 1},
		{State: dirt, Height: 14},
		{State: grass, Height: 2},
	}}

	st := newMemStorage()
	w := newTestWorld(t, st, func(c *Config) {
		c.Registry = reg
		c.Generator = gen
	})
	require.Same(t, reg, w.Registry())

	for y, want := range map[int]string{0: "minecraft:bedrock", 1: "minecraft:dirt", 14: "minecraft:dirt", 15: "minecraft:grass", 16: "minecraft:grass", 17: "minecraft:air"} {
		id, err := w.BlockID(-7, y, 9, DefaultLayer)
		require.NoError(t, err)
		assert.Equal(t, want, id.String(), "y=%d", y)
	}

	require.NoError(t, w.Save(context.Background()))
	assert.True(t, st.hasSection(-1, 0, 0), "сгенерированная секция сохраняется")
	assert.True(t, st.hasSection(-1, 1, 0))
}

func TestConfig_RejectsForeignGenerator(t *testing.T) {
	other := block.Defaults()
	perlin, err := NewPerlinGenerator(7, other)
	require.NoError(t, err)
	flat := FlatGenerator{Layers: []FlatLayer{{State: mustState(t, other, block.Stone, 0), Height: 3}}}

	for name, gen := range map[string]Generator{"flat": flat, "perlin": perlin} {
		cfg := Config{ID: testDimension, Registry: block.Defaults(), Storage: newMemStorage(), Generator: gen}
		_, err := New(cfg)
		assert.ErrorIs(t, err, ErrForeignState, "%s: состояния генератора из другого реестра", name)

		cfg.Registry = other
		assert.NoError(t, cfg.Validate(), name)
	}

	mixed := FlatGenerator{Layers: []FlatLayer{
		{State: mustState(t, other, block.Stone, 0), Height: 1},
		{State: mustState(t, block.Defaults(), block.Dirt, 0), Height: 1},
	}}
	assert.ErrorIs(t, CheckGenerator(mixed, other), ErrForeignState, "слои из разных реестров")
	assert.NoError(t, CheckGenerator(AirGenerator, other), "генератор без состояний")
}

func TestAirGenerator_LeavesSectionClean(t *testing.T) {
	s := NewSection(0, 0, 0, block.Defaults(), 1, true)
	defer s.Release()
	require.NoError(t, AirGenerator.GenerateSection(s))
	assert.False(t, s.Dirty())
	assert.False(t, s.LayerAllocated(DefaultLayer))
}

func TestPerlinGenerator(t *testing.T) {
	reg := block.Defaults()
	a, err := NewPerlinGenerator(42, reg)
	require.NoError(t, err)
	b, err := NewPerlinGenerator(42, reg)
	require.NoError(t, err)

	for _, p := range [][2]int{{0, 0}, {100, -250}, {-1234, 987}} {
		h := a.Height(p[0], p[1])
		assert.Equal(t, h, b.Height(p[0], p[1]), "одинаковый сид даёт одинаковый рельеф")
	}

	s := NewSection(0, 0, 0, reg, 1, true)
	defer s.Release()
	require.NoError(t, a.GenerateSection(s))
	st, err := s.BlockState(3, 0, 3, DefaultLayer)
	require.NoError(t, err)
	assert.Same(t, a.Bedrock, st, "нижний слой мира - бедрок")

	st, err = s.BlockState(3, 5, 3, DefaultLayer)
	require.NoError(t, err)
	assert.Same(t, a.Stone, st, "глубоко под поверхностью - камень")

	high := NewSection(0, 15, 0, reg, 1, true)
	defer high.Release()
	require.NoError(t, a.GenerateSection(high))
	st, err = high.BlockState(0, 15, 0, DefaultLayer)
	require.NoError(t, err)
	assert.True(t, st.IsAir(), "выше поверхности и уровня воды - воздух")
}

func TestNewPerlinGenerator_MissingBlocks(t *testing.T) {
	reg, err := block.FromDefinitions([]block.Definition{{ID: "minecraft:air", LegacyID: 0}})
	require.NoError(t, err)
	_, err = NewPerlinGenerator(1, reg)
	assert.ErrorIs(t, err, block.ErrUnknownBlock)
}
