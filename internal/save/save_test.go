package save

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/annel0/voxel-store/internal/cache"
	"github.com/annel0/voxel-store/internal/ident"
	"github.com/annel0/voxel-store/internal/registry"
	"github.com/annel0/voxel-store/internal/storage"
	"github.com/annel0/voxel-store/internal/task"
	"github.com/annel0/voxel-store/internal/world"
	"github.com/annel0/voxel-store/internal/world/block"
	"github.com/sandertv/gophertunnel/minecraft/nbt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

// stubProvider считает открытия и умеет задерживать или ронять загрузку.
type stubProvider struct {
	*KVProvider
	gate  chan struct{}
	opens atomic.Int32
	fail  atomic.Int32
}

func (p *stubProvider) OpenWorld(ctx context.Context, s *Save, id ident.Identifier, n int) (*world.World, error) {
	p.opens.Add(1)
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.fail.Add(-1) >= 0 {
		return nil, errBoom
	}
	return p.KVProvider.OpenWorld(ctx, s, id, n)
}

func memorySave(t *testing.T, opts Options, o ...Option) (*Save, *KVProvider) {
	t.Helper()
	p := NewKVProvider(storage.NewMemory())
	s, err := New(t.TempDir(), opts, nil, append([]Option{WithProvider(p)}, o...)...)
	require.NoError(t, err)
	return s, p
}

func TestOptions_Defaults(t *testing.T) {
	s, _ := memorySave(t, Options{})
	defer s.Release()

	opts := s.Options()
	assert.Equal(t, ReadWrite, opts.Access)
	assert.Equal(t, world.DefaultLayers, opts.Layers)
	assert.Equal(t, world.DefaultMinSection, opts.MinSection)
	assert.Equal(t, world.DefaultMaxSection, opts.MaxSection)
	assert.Equal(t, map[int]bool{0: true}, opts.SkyLight, "небесный свет только в верхнем мире")
	assert.NotNil(t, opts.BlockRegistry)
	assert.Equal(t, 3, s.Dimensions().Size())

	opts.SkyLight[2] = true
	assert.False(t, s.Options().SkyLight[2], "опции заморожены")
}

func TestOptions_Validate(t *testing.T) {
	cases := map[string]Options{
		"layers":    {Layers: 300},
		"height":    {MinSection: 4, MaxSection: 1},
		"access":    {Access: Access(7)},
		"skylight":  {SkyLight: map[int]bool{9: true}},
		"generator": {Generators: map[int]world.Generator{5: world.AirGenerator}},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(t.TempDir(), opts, nil, WithProvider(NewKVProvider(storage.NewMemory())))
			assert.ErrorIs(t, err, ErrInvalidOptions)
		})
	}
}

func TestOptions_ForeignGenerator(t *testing.T) {
	// Генератор собран по своему реестру, а сохранение создаёт реестр по умолчанию
	gen, err := world.NewPerlinGenerator(3, block.Defaults())
	require.NoError(t, err)

	for name, opts := range map[string]Options{
		"default":       {Generator: gen},
		"per-dimension": {Generators: map[int]world.Generator{0: gen}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(t.TempDir(), opts, nil, WithProvider(NewKVProvider(storage.NewMemory())))
			assert.ErrorIs(t, err, ErrInvalidOptions)
			assert.ErrorIs(t, err, world.ErrForeignState)
		})
	}

	opts := Options{BlockRegistry: gen.Bedrock.Registry(), Generator: gen}
	s, _ := memorySave(t, opts)
	defer s.Release()
	w, err := s.GetOrLoadWorld(context.Background(), registry.Overworld)
	require.NoError(t, err)
	id, err := w.BlockID(0, 0, 0, world.DefaultLayer)
	require.NoError(t, err)
	assert.Equal(t, block.Bedrock, id, "генератор с общим реестром материализует секции")
}

func TestOptions_Hook(t *testing.T) {
	s, _ := memorySave(t, Options{}, WithOptionsHook(func(o Options) (Options, error) {
		assert.Equal(t, world.DefaultLayers, o.Layers, "хук видит опции после обработки по умолчанию")
		o.Layers = 3
		return o, nil
	}))
	defer s.Release()
	assert.Equal(t, 3, s.Options().Layers)

	_, err := New(t.TempDir(), Options{}, nil,
		WithProvider(NewKVProvider(storage.NewMemory())),
		WithOptionsHook(func(o Options) (Options, error) { return o, errBoom }))
	assert.ErrorIs(t, err, errBoom)

	_, err = New(t.TempDir(), Options{}, nil,
		WithProvider(NewKVProvider(storage.NewMemory())),
		WithOptionsHook(func(o Options) (Options, error) {
			o.Layers = 0
			return o, nil
		}))
	assert.ErrorIs(t, err, ErrInvalidOptions, "результат хука проверяется")
}

func TestSave_LoadWorldSingleFlight(t *testing.T) {
	p := &stubProvider{KVProvider: NewKVProvider(storage.NewMemory()), gate: make(chan struct{})}
	s, err := New(t.TempDir(), Options{}, nil, WithProvider(p))
	require.NoError(t, err)
	defer s.Release()

	assert.Nil(t, s.World(registry.Overworld), "мир ещё не загружен")

	const callers = 8
	futures := make([]*task.Future[*world.World], callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			futures[i] = s.LoadWorld(registry.Overworld)
		}()
	}
	wg.Wait()
	for _, f := range futures[1:] {
		assert.Same(t, futures[0], f, "одна загрузка на измерение")
	}
	assert.Nil(t, s.World(registry.Overworld), "незавершённая загрузка не видна")

	close(p.gate)
	w, err := futures[0].Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.opens.Load())
	assert.Same(t, w, s.World(registry.Overworld))
	assert.Same(t, w, s.WorldByID(0))
	assert.Equal(t, 0, w.NumericID())
	assert.True(t, w.HasSkyLight())

	again, err := s.GetOrLoadWorld(context.Background(), registry.Overworld)
	require.NoError(t, err)
	assert.Same(t, w, again)
	assert.Equal(t, int32(1), p.opens.Load(), "повторная загрузка берётся из кэша")
}

func TestSave_UnknownDimension(t *testing.T) {
	s, _ := memorySave(t, Options{})
	defer s.Release()

	_, err := s.GetOrLoadWorld(context.Background(), ident.MustParse("custom:moon"))
	assert.ErrorIs(t, err, ErrUnknownDimension)
	_, err = s.LoadWorldByID(42).Await(context.Background())
	assert.ErrorIs(t, err, ErrUnknownDimension)
	assert.Nil(t, s.World(ident.MustParse("custom:moon")))
}

func TestSave_FailedLoadRetried(t *testing.T) {
	p := &stubProvider{KVProvider: NewKVProvider(storage.NewMemory())}
	p.fail.Store(1)
	s, err := New(t.TempDir(), Options{}, nil, WithProvider(p))
	require.NoError(t, err)
	defer s.Release()

	_, err = s.GetOrLoadWorld(context.Background(), registry.Nether)
	assert.ErrorIs(t, err, errBoom)
	assert.Eventually(t, func() bool { return s.WorldByID(1) == nil && len(s.Worlds()) == 0 },
		time.Second, 5*time.Millisecond, "неудачная загрузка удалена из кэша")

	w, err := s.GetOrLoadWorld(context.Background(), registry.Nether)
	require.NoError(t, err)
	assert.Equal(t, registry.Nether, w.ID())
	assert.False(t, w.HasSkyLight())
	assert.Equal(t, int32(2), p.opens.Load())
}

func TestSave_ReleaseCancelsPendingLoad(t *testing.T) {
	p := &stubProvider{KVProvider: NewKVProvider(storage.NewMemory()), gate: make(chan struct{})}
	s, err := New(t.TempDir(), Options{}, nil, WithProvider(p))
	require.NoError(t, err)

	f := s.LoadWorld(registry.End)
	assert.True(t, s.Release())

	_, err = f.Await(context.Background())
	assert.ErrorIs(t, err, context.Canceled, "отменённая загрузка ведёт себя как неудачная")
	assert.Panics(t, func() { s.LoadWorld(registry.End) }, "освобождённое сохранение")
}

func TestSave_ReleaseCascade(t *testing.T) {
	level := NewLevel(map[string]any{"LevelName": "cascade"})
	p := NewKVProvider(storage.NewMemory())
	s, err := New(t.TempDir(), Options{}, level, WithProvider(p))
	require.NoError(t, err)

	a, err := s.GetOrLoadWorld(context.Background(), registry.Overworld)
	require.NoError(t, err)
	_, err = s.GetOrLoadWorld(context.Background(), registry.End)
	require.NoError(t, err)
	assert.Equal(t, int32(3), p.KV().RefCount(), "поставщик и два мира")

	a.Retain()
	s.Retain()
	assert.False(t, s.Release())
	assert.True(t, s.Release())

	assert.Equal(t, int32(0), level.RefCount(), "метаданные освобождены")
	assert.Equal(t, int32(1), p.KV().RefCount(), "удерживаемый мир держит хранилище")
	assert.True(t, a.Release())
	assert.Equal(t, int32(0), p.KV().RefCount())
}

func TestSave_OpenRoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	s, err := Open(ctx, root, Options{})
	require.NoError(t, err)
	w, err := s.GetOrLoadWorld(ctx, registry.Overworld)
	require.NoError(t, err)
	require.NoError(t, w.SetBlockStateByID(3, 64, 9, 0, block.Stone, 5))
	s.Level().Set("LevelName", "roundtrip")
	s.Level().Set("RandomSeed", int64(1234))
	require.NoError(t, s.Save(ctx))
	assert.True(t, s.Release())

	ro, err := Open(ctx, root, Options{Access: ReadOnly})
	require.NoError(t, err)
	defer ro.Release()

	name, ok := ro.Level().Get("LevelName")
	require.True(t, ok)
	assert.Equal(t, "roundtrip", name)
	seed, _ := ro.Level().Get("RandomSeed")
	assert.Equal(t, int64(1234), seed)

	w, err = ro.GetOrLoadWorld(ctx, registry.Overworld)
	require.NoError(t, err)
	id, err := w.BlockID(3, 64, 9, 0)
	require.NoError(t, err)
	assert.Equal(t, block.Stone, id)
	meta, err := w.BlockMeta(3, 64, 9, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, meta)

	assert.ErrorIs(t, w.SetBlockID(3, 64, 9, 0, block.Air), world.ErrReadOnly)
	assert.NoError(t, ro.Save(ctx), "сохранение только для чтения ничего не пишет")
}

func TestOpen_MissingLevel(t *testing.T) {
	_, err := Open(context.Background(), t.TempDir(), Options{Access: ReadOnly},
		WithProvider(NewKVProvider(storage.NewMemory())))
	assert.ErrorIs(t, err, ErrNoLevel)

	_, err = Open(context.Background(), t.TempDir(), Options{Layers: -1},
		WithProvider(NewKVProvider(storage.NewMemory())))
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestLevel_Formats(t *testing.T) {
	l := NewLevel(map[string]any{"LevelName": "java", "Time": int64(77)})
	var buf bytes.Buffer
	require.NoError(t, l.Encode(&buf))
	assert.Equal(t, []byte{0x1f, 0x8b}, buf.Bytes()[:2], "gzip")

	decoded, err := DecodeLevel(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, l.Data(), decoded.Data())

	raw, err := nbt.MarshalEncoding(map[string]any{"LevelName": "bedrock", "StorageVersion": int32(9)}, nbt.LittleEndian)
	require.NoError(t, err)
	for name, blob := range map[string][]byte{
		"без заголовка": raw,
		"с заголовком":  append(binary.LittleEndian.AppendUint32(binary.LittleEndian.AppendUint32(nil, 9), uint32(len(raw))), raw...),
	} {
		t.Run(name, func(t *testing.T) {
			l, err := DecodeLevel(blob)
			require.NoError(t, err)
			v, _ := l.Get("StorageVersion")
			assert.Equal(t, int32(9), v)
		})
	}

	_, err = DecodeLevel([]byte{1, 2, 3})
	assert.Error(t, err)

	assert.True(t, l.Release())
	assert.Panics(t, func() { l.Get("LevelName") })
}

func TestSave_SharedInvalidation(t *testing.T) {
	ctx := context.Background()
	hub := cache.NewLocalHub()
	shared := storage.NewShared(storage.NewMemory())
	defer shared.Close()

	open := func() *Save {
		node := hub.Node()
		t.Cleanup(func() { _ = node.Close() })
		s, err := New(t.TempDir(), Options{Invalidator: node}, nil,
			WithProvider(NewKVProvider(shared.Retain())))
		require.NoError(t, err)
		return s
	}
	a, b := open(), open()
	defer a.Release()
	defer b.Release()

	wa, err := a.GetOrLoadWorld(ctx, registry.Overworld)
	require.NoError(t, err)
	wb, err := b.GetOrLoadWorld(ctx, registry.Overworld)
	require.NoError(t, err)
	_, err = b.GetOrLoadWorld(ctx, registry.Nether)
	require.NoError(t, err, "несколько миров делят одну подписку")

	id, err := wb.BlockID(0, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, block.Air, id)
	require.NotNil(t, wb.Chunk(0, 0))

	require.NoError(t, wa.SetBlockID(0, 0, 0, 0, block.Dirt))
	require.NoError(t, a.Save(ctx))
	assert.Nil(t, wb.Chunk(0, 0), "чанк выгружен по уведомлению")

	id, err = wb.BlockID(0, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, block.Dirt, id, "перечитан из общего хранилища")
}
