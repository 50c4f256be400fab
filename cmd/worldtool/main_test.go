package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/annel0/voxel-store/internal/config"
	"github.com/annel0/voxel-store/internal/world"
	"github.com/annel0/voxel-store/internal/world/tile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Save.Root = t.TempDir()
	cfg.Save.Generator = config.GeneratorConfig{
		Type:   "flat",
		Layers: []config.FlatLayerConfig{{Block: "minecraft:bedrock", Height: 1}},
	}
	return cfg
}

func run(t *testing.T, cfg *config.Config, command string, o Options) (string, error) {
	t.Helper()
	if o.Dim == "" {
		o.Dim = "minecraft:overworld"
	}
	var out bytes.Buffer
	err := runCommand(context.Background(), &out, cfg, command, o)
	return out.String(), err
}

func TestWorldtool_SetGetPrune(t *testing.T) {
	cfg := testConfig(t)

	out, err := run(t, cfg, "set", Options{X: 1, Y: 2, Z: 3, Block: "minecraft:stone", Meta: 5})
	require.NoError(t, err)
	assert.Contains(t, out, "✅")

	out, err = run(t, cfg, "get", Options{X: 1, Y: 2, Z: 3})
	require.NoError(t, err)
	assert.Contains(t, out, "minecraft:stone[5]", "блок пережил повторное открытие")

	out, err = run(t, cfg, "get", Options{X: 1, Y: 0, Z: 3})
	require.NoError(t, err)
	assert.Contains(t, out, "minecraft:bedrock[0]", "нижний слой от генератора")

	out, err = run(t, cfg, "chunks", Options{})
	require.NoError(t, err)
	assert.Equal(t, "0 0\n📦 1 chunks in minecraft:overworld\n", out)

	out, err = run(t, cfg, "sections", Options{})
	require.NoError(t, err)
	assert.Equal(t, "0 0 0\n📦 1 sections in chunk 0,0\n", out)

	out, err = run(t, cfg, "info", Options{})
	require.NoError(t, err)
	assert.Contains(t, out, "minecraft:overworld (#0): 1 chunks, 1 sections")
	assert.Contains(t, out, "minecraft:the_nether (#1): 0 chunks")

	_, err = run(t, cfg, "prune", Options{})
	require.NoError(t, err)
	out, err = run(t, cfg, "chunks", Options{})
	require.NoError(t, err)
	assert.Equal(t, "📦 0 chunks in minecraft:overworld\n", out)
}

func TestWorldtool_Generate(t *testing.T) {
	cfg := testConfig(t)

	out, err := run(t, cfg, "generate", Options{X: 5, Z: -5, Radius: 1})
	require.NoError(t, err)
	assert.Contains(t, out, "Generated 9 chunks")

	out, err = run(t, cfg, "chunks", Options{})
	require.NoError(t, err)
	assert.Contains(t, out, "📦 9 chunks")
	assert.Contains(t, out, "4 -6\n")
	assert.Contains(t, out, "6 -4\n")

	out, err = run(t, cfg, "sections", Options{X: 5, Z: -5})
	require.NoError(t, err)
	assert.Equal(t, "5 0 -5\n📦 1 sections in chunk 5,-5\n", out, "сохраняются только секции с блоками")
}

func TestWorldtool_ReadOnly(t *testing.T) {
	cfg := testConfig(t)
	_, err := run(t, cfg, "set", Options{Block: "minecraft:dirt"})
	require.NoError(t, err)

	cfg.Save.Access = "read-only"
	for _, command := range []string{"set", "prune", "generate"} {
		_, err := run(t, cfg, command, Options{Block: "minecraft:dirt"})
		assert.ErrorIs(t, err, world.ErrReadOnly, command)
	}
	out, err := run(t, cfg, "get", Options{})
	require.NoError(t, err)
	assert.Contains(t, out, "minecraft:dirt[0]")
}

func TestWorldtool_BadArguments(t *testing.T) {
	cfg := testConfig(t)

	_, err := run(t, cfg, "explode", Options{})
	assert.ErrorIs(t, err, errUsage)

	_, err = run(t, cfg, "set", Options{Block: "not an id!"})
	assert.ErrorIs(t, err, errUsage)

	_, err = run(t, cfg, "generate", Options{Radius: -1})
	assert.ErrorIs(t, err, errUsage)

	cfg.Save.Root = t.TempDir()
	cfg.Save.Access = "read-only"
	_, err = run(t, cfg, "info", Options{})
	assert.Error(t, err, "пустой каталог нельзя открыть только для чтения")
}

func TestWorldtool_Scan(t *testing.T) {
	cfg := testConfig(t)
	_, err := run(t, cfg, "generate", Options{Radius: 1})
	require.NoError(t, err)

	ctx := context.Background()
	rt, err := cfg.Build(nil)
	require.NoError(t, err)
	s, err := rt.OpenSave(ctx)
	require.NoError(t, err)
	w, err := loadWorld(ctx, s, "minecraft:overworld")
	require.NoError(t, err)
	sign := tile.NewSign(tile.SignID).(*tile.Sign)
	sign.Lines[0] = "hi"
	require.NoError(t, w.SetTypedTileEntity(1, 0, 1, sign))
	require.NoError(t, w.SetTileEntity(-5, 0, 7, world.TileEntity{"id": "Chest"}))
	require.NoError(t, w.SetTileEntity(20, 0, 20, world.TileEntity{"id": "minecraft:beacon"}))
	require.NoError(t, w.SetTileEntity(21, 0, 20, world.TileEntity{"id": "minecraft:beacon"}))
	require.NoError(t, s.Save(ctx))
	s.Release()
	require.NoError(t, rt.Close())

	out, err := run(t, cfg, "scan", Options{})
	require.NoError(t, err)
	assert.Equal(t, "minecraft:beacon 2\nminecraft:chest 1\nminecraft:sign 1\n🔍 Scanned 9 chunks in minecraft:overworld\n", out,
		"старые id приводятся к новым, неизвестные считаются по своему id")
}

func TestWorldtool_Serve(t *testing.T) {
	cfg := testConfig(t)
	cfg.Save.Workers = 2

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var out bytes.Buffer
	require.NoError(t, runCommand(ctx, &out, cfg, "serve", Options{}))
	assert.Contains(t, out.String(), "🚀 Serving")
	assert.Contains(t, out.String(), "👋")
}

func TestTelemetry_FromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Telemetry.ServiceVersion = "0.3.1"
	cfg.Telemetry.SampleRatio = 0.5
	cfg.Telemetry.Attributes = map[string]string{"deployment": "lab"}
	cfg.Invalidation.NodeID = "node-7"
	cfg.Storage.Backend = config.BackendMemory

	rt, err := cfg.Build(nil)
	require.NoError(t, err)
	defer rt.Close()
	s, err := rt.OpenSave(context.Background())
	require.NoError(t, err)
	defer s.Release()

	tel := telemetry(cfg, s)
	assert.Equal(t, "voxel-store", tel.ServiceName)
	assert.Equal(t, "0.3.1", tel.ServiceVersion)
	assert.Equal(t, "node-7", tel.NodeID, "узел трасс совпадает с узлом инвалидаций")
	assert.Equal(t, 0.5, tel.SampleRatio)
	assert.Equal(t, map[string]string{
		"deployment":        "lab",
		"voxel.save.root":   cfg.Save.Root,
		"voxel.save.access": "read-write",
	}, tel.Attributes)
	assert.Equal(t, map[string]string{"deployment": "lab"}, cfg.Telemetry.Attributes, "конфигурация не меняется")
}
