package block

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/annel0/voxel-store/internal/ident"
	"github.com/annel0/voxel-store/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewBuilder().
		MustRegister(Air, 0).
		MustRegister(Stone, 1, 0, 1, 2).
		MustRegister(Dirt, 3, 2, 0).
		Build()
	require.NoError(t, err)
	return r
}

func TestRegistry_StoneScenario(t *testing.T) {
	r := newTestRegistry(t)

	def, err := r.DefaultState(Stone)
	require.NoError(t, err)
	assert.Equal(t, 0, def.Meta(), "состояние по умолчанию должно иметь meta 0")
	assert.Equal(t, 1, def.LegacyID())

	granite, err := def.WithMeta(1)
	require.NoError(t, err)
	assert.NotSame(t, def, granite)
	assert.Equal(t, def.LegacyID(), granite.LegacyID())
	assert.Equal(t, 1, granite.Meta())

	_, err = def.WithMeta(9)
	assert.ErrorIs(t, err, ErrInvalidMeta)
	_, err = r.State(Stone, 9)
	assert.ErrorIs(t, err, ErrInvalidMeta, "незарегистрированная meta должна быть ошибкой")
	_, err = r.StateByLegacyID(1, 3)
	assert.ErrorIs(t, err, ErrInvalidMeta)
}

func TestRegistry_Bijectivity(t *testing.T) {
	r := newTestRegistry(t)

	r.ForEachState(func(s *State) bool {
		byID, err := r.State(s.ID(), s.Meta())
		require.NoError(t, err)
		rid, err := r.RuntimeID(s.ID(), s.Meta())
		require.NoError(t, err)
		byRuntime, err := r.StateByRuntimeID(rid)
		require.NoError(t, err)
		byLegacy, err := r.StateByLegacyID(s.LegacyID(), s.Meta())
		require.NoError(t, err)
		ridLegacy, err := r.RuntimeIDByLegacyID(s.LegacyID(), s.Meta())
		require.NoError(t, err)

		assert.Same(t, byID, byRuntime, "id/meta и runtime id должны указывать на одно состояние")
		assert.Same(t, byID, byLegacy)
		assert.Equal(t, rid, ridLegacy)
		assert.True(t, r.Owns(s))
		return true
	})
}

func TestRegistry_RuntimeIDsDenseAndOrdered(t *testing.T) {
	r := newTestRegistry(t)

	var got []string
	r.ForEachRuntimeID(func(rid int) bool {
		s, err := r.StateByRuntimeID(rid)
		require.NoError(t, err)
		assert.Equal(t, rid, s.RuntimeID())
		got = append(got, s.String())
		return true
	})
	assert.Equal(t, []string{
		"minecraft:air[0]",
		"minecraft:stone[0]", "minecraft:stone[1]", "minecraft:stone[2]",
		"minecraft:dirt[0]", "minecraft:dirt[2]",
	}, got, "runtime id раздаются в порядке (legacy id, meta)")
	assert.Equal(t, 6, r.States())
	assert.Equal(t, 5, r.MaxRuntimeID())
	assert.Equal(t, 3, r.Blocks())

	_, err := r.StateByRuntimeID(6)
	assert.ErrorIs(t, err, ErrUnknownRuntimeID)
	_, err = r.StateByRuntimeID(-1)
	assert.ErrorIs(t, err, ErrUnknownRuntimeID)
}

func TestRegistry_Lookups(t *testing.T) {
	r := newTestRegistry(t)

	assert.True(t, r.Air().IsAir())
	assert.Equal(t, 0, r.Air().RuntimeID())

	legacy, err := r.LegacyID(Dirt)
	require.NoError(t, err)
	assert.Equal(t, 3, legacy)

	id, err := r.BlockID(3)
	require.NoError(t, err)
	assert.Equal(t, Dirt, id)

	def, err := r.DefaultStateByLegacyID(3)
	require.NoError(t, err)
	assert.Equal(t, 0, def.Meta())

	metas, err := r.Metas(Dirt)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, metas)
	metas[0] = 99
	again, _ := r.Metas(Dirt)
	assert.Equal(t, []int{0, 2}, again, "Metas должен возвращать копию")

	assert.True(t, r.ContainsBlock(Stone))
	assert.False(t, r.ContainsBlock(Water))
	assert.True(t, r.ContainsLegacyID(1))
	assert.False(t, r.ContainsLegacyID(2))
	assert.True(t, r.ContainsState(Dirt, 2))
	assert.False(t, r.ContainsState(Dirt, 1))
	assert.True(t, r.ContainsRuntimeID(5))
	assert.False(t, r.ContainsRuntimeID(6))

	_, err = r.State(Water, 0)
	assert.ErrorIs(t, err, ErrUnknownBlock)
	_, err = r.DefaultStateByLegacyID(200)
	assert.ErrorIs(t, err, ErrUnknownBlock)
	_, err = r.BlockID(200)
	assert.ErrorIs(t, err, ErrUnknownBlock)

	n, err := r.IDs().ID(Stone)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRegistry_ForEachStops(t *testing.T) {
	r := newTestRegistry(t)

	count := 0
	r.ForEachBlockID(func(ident.Identifier) bool { count++; return count < 2 })
	assert.Equal(t, 2, count)

	var legacy []int
	r.ForEachLegacyID(func(id int) bool { legacy = append(legacy, id); return true })
	assert.Equal(t, []int{0, 1, 3}, legacy)
}

func TestBuilder_Errors(t *testing.T) {
	_, err := NewBuilder().MustRegister(Stone, 1).Build()
	assert.ErrorIs(t, err, ErrNoAir)

	b := NewBuilder().MustRegister(Air, 0)
	assert.ErrorIs(t, b.Register(Stone, 1, 0, 0), ErrInvalidMeta, "повтор meta должен отклоняться")
	assert.ErrorIs(t, b.Register(Stone, 1, -1), ErrInvalidMeta)
	assert.ErrorIs(t, b.Register(Air, 5), registry.ErrDuplicateID)
	assert.ErrorIs(t, b.Register(Stone, 0), registry.ErrDuplicateNumericID)

	_, err = b.Build()
	require.NoError(t, err)
	assert.ErrorIs(t, b.Register(Stone, 1), registry.ErrBuilt)
}

func TestState_ForeignRegistry(t *testing.T) {
	a := newTestRegistry(t)
	b := newTestRegistry(t)

	s, err := a.DefaultState(Stone)
	require.NoError(t, err)
	assert.False(t, b.Owns(s), "состояние чужого реестра не должно приниматься")
	assert.Same(t, a, s.Registry())
}

func TestDecode_Palette(t *testing.T) {
	r, err := Decode(strings.NewReader(`[
		{"id": "minecraft:air", "legacy_id": 0},
		{"id": "minecraft:stone", "legacy_id": 1, "metas": [0, 1]}
	]`))
	require.NoError(t, err)
	assert.Equal(t, 3, r.States())

	_, err = Decode(strings.NewReader(`[{"id": "minecraft:air", "legacy_id": -1}]`))
	assert.Error(t, err, "схема должна отклонять отрицательный legacy id")

	_, err = Decode(strings.NewReader(`[{"id": "minecraft:air", "legacy_id": 0, "extra": 1}]`))
	assert.Error(t, err)

	_, err = Decode(strings.NewReader(`[{"id": "minecraft:stone", "legacy_id": 1}]`))
	assert.ErrorIs(t, err, ErrNoAir)
}

func TestLoadFile_DefaultsRoundTrip(t *testing.T) {
	defs := Defaults().Definitions()
	data, err := json.Marshal(defs)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "blocks.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	r, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, Defaults().States(), r.States())
	assert.Equal(t, defs, r.Definitions())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
