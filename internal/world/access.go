package world

import (
	"errors"
	"fmt"

	"github.com/annel0/voxel-store/internal/ident"
	"github.com/annel0/voxel-store/internal/world/block"
	"github.com/annel0/voxel-store/internal/world/tile"
)

// DefaultLayer - основной слой блоков.
const DefaultLayer = 0

// Размеры секции
const (
	SectionSize   = 16
	SectionVolume = SectionSize * SectionSize * SectionSize
	MaxLightLevel = 15
)

var (
	// ErrOutOfRange - координата или слой вне допустимых границ.
	ErrOutOfRange = errors.New("world: coordinate or layer out of range")
	// ErrForeignState - состояние получено из другого реестра.
	ErrForeignState = errors.New("world: block state belongs to another registry")
	// ErrNoSkyLight - у секции нет массива небесного света.
	ErrNoSkyLight = errors.New("world: sky light unsupported")
	// ErrReadOnly - запись в мир или хранилище только для чтения.
	ErrReadOnly = errors.New("world: read-only")
	// ErrInvalidLight - уровень света вне 0..15.
	ErrInvalidLight = errors.New("world: light level out of range")
)

// BlockAccess - доступ к блокам по координатам. Все методы принимают слой.
// Секция использует локальные координаты 0..15, чанк - локальные x/z и
// глобальный y, мир - глобальные координаты.
type BlockAccess interface {
	// Layers возвращает верхнюю границу числа слоёв (>= 1).
	Layers() int

	BlockState(x, y, z, layer int) (*block.State, error)
	BlockID(x, y, z, layer int) (ident.Identifier, error)
	BlockLegacyID(x, y, z, layer int) (int, error)
	BlockMeta(x, y, z, layer int) (int, error)
	BlockRuntimeID(x, y, z, layer int) (int, error)

	SetBlockState(x, y, z, layer int, state *block.State) error
	SetBlockStateByID(x, y, z, layer int, id ident.Identifier, meta int) error
	SetBlockStateByLegacyID(x, y, z, layer int, legacyID, meta int) error
	SetBlockRuntimeID(x, y, z, layer int, runtimeID int) error
	// SetBlockID ставит блок с meta по умолчанию.
	SetBlockID(x, y, z, layer int, id ident.Identifier) error
	// SetBlockMeta меняет meta у уже стоящего блока.
	SetBlockMeta(x, y, z, layer int, meta int) error
}

// LightAccess - доступ к уровням освещения.
type LightAccess interface {
	BlockLight(x, y, z int) (int, error)
	SkyLight(x, y, z int) (int, error)
	SetBlockLight(x, y, z, level int) error
	SetSkyLight(x, y, z, level int) error
}

// locateFunc переводит координаты в секцию и локальные координаты.
// done освобождает всё, что было захвачено на время операции.
type locateFunc func(x, y, z int, write bool) (s *Section, lx, ly, lz int, done func(), err error)

func noop() {}

// accessor реализует BlockAccess и LightAccess для чанка и мира
// через общую функцию разрешения координат.
type accessor struct {
	registry *block.Registry
	tiles    *tile.Registry
	layers   int
	locate   locateFunc
}

func (a *accessor) Layers() int { return a.layers }

func (a *accessor) BlockState(x, y, z, layer int) (*block.State, error) {
	s, lx, ly, lz, done, err := a.locate(x, y, z, false)
	if err != nil {
		return nil, err
	}
	defer done()
	return s.BlockState(lx, ly, lz, layer)
}

func (a *accessor) BlockID(x, y, z, layer int) (ident.Identifier, error) {
	st, err := a.BlockState(x, y, z, layer)
	if err != nil {
		return ident.Identifier{}, err
	}
	return st.ID(), nil
}

func (a *accessor) BlockLegacyID(x, y, z, layer int) (int, error) {
	st, err := a.BlockState(x, y, z, layer)
	if err != nil {
		return 0, err
	}
	return st.LegacyID(), nil
}

func (a *accessor) BlockMeta(x, y, z, layer int) (int, error) {
	st, err := a.BlockState(x, y, z, layer)
	if err != nil {
		return 0, err
	}
	return st.Meta(), nil
}

func (a *accessor) BlockRuntimeID(x, y, z, layer int) (int, error) {
	s, lx, ly, lz, done, err := a.locate(x, y, z, false)
	if err != nil {
		return 0, err
	}
	defer done()
	return s.BlockRuntimeID(lx, ly, lz, layer)
}

func (a *accessor) SetBlockState(x, y, z, layer int, state *block.State) error {
	if err := checkState(a.registry, state); err != nil {
		return err
	}
	return a.SetBlockRuntimeID(x, y, z, layer, state.RuntimeID())
}

func (a *accessor) SetBlockStateByID(x, y, z, layer int, id ident.Identifier, meta int) error {
	st, err := a.registry.State(id, meta)
	if err != nil {
		return err
	}
	return a.SetBlockRuntimeID(x, y, z, layer, st.RuntimeID())
}

func (a *accessor) SetBlockStateByLegacyID(x, y, z, layer int, legacyID, meta int) error {
	st, err := a.registry.StateByLegacyID(legacyID, meta)
	if err != nil {
		return err
	}
	return a.SetBlockRuntimeID(x, y, z, layer, st.RuntimeID())
}

func (a *accessor) SetBlockRuntimeID(x, y, z, layer int, runtimeID int) error {
	s, lx, ly, lz, done, err := a.locate(x, y, z, true)
	if err != nil {
		return err
	}
	defer done()
	return s.SetBlockRuntimeID(lx, ly, lz, layer, runtimeID)
}

func (a *accessor) SetBlockID(x, y, z, layer int, id ident.Identifier) error {
	st, err := a.registry.DefaultState(id)
	if err != nil {
		return err
	}
	return a.SetBlockRuntimeID(x, y, z, layer, st.RuntimeID())
}

func (a *accessor) SetBlockMeta(x, y, z, layer int, meta int) error {
	s, lx, ly, lz, done, err := a.locate(x, y, z, true)
	if err != nil {
		return err
	}
	defer done()
	return s.SetBlockMeta(lx, ly, lz, layer, meta)
}

func (a *accessor) BlockLight(x, y, z int) (int, error) {
	s, lx, ly, lz, done, err := a.locate(x, y, z, false)
	if err != nil {
		return 0, err
	}
	defer done()
	return s.BlockLight(lx, ly, lz)
}

func (a *accessor) SkyLight(x, y, z int) (int, error) {
	s, lx, ly, lz, done, err := a.locate(x, y, z, false)
	if err != nil {
		return 0, err
	}
	defer done()
	return s.SkyLight(lx, ly, lz)
}

func (a *accessor) SetBlockLight(x, y, z, level int) error {
	s, lx, ly, lz, done, err := a.locate(x, y, z, true)
	if err != nil {
		return err
	}
	defer done()
	return s.SetBlockLight(lx, ly, lz, level)
}

func (a *accessor) SetSkyLight(x, y, z, level int) error {
	s, lx, ly, lz, done, err := a.locate(x, y, z, true)
	if err != nil {
		return err
	}
	defer done()
	return s.SetSkyLight(lx, ly, lz, level)
}

// TileEntity возвращает тег блочной сущности или nil.
func (a *accessor) TileEntity(x, y, z int) (TileEntity, error) {
	s, lx, ly, lz, done, err := a.locate(x, y, z, false)
	if err != nil {
		return nil, err
	}
	defer done()
	return s.TileEntity(lx, ly, lz)
}

// SetTileEntity ставит тег блочной сущности; nil удаляет её.
func (a *accessor) SetTileEntity(x, y, z int, te TileEntity) error {
	s, lx, ly, lz, done, err := a.locate(x, y, z, true)
	if err != nil {
		return err
	}
	defer done()
	return s.SetTileEntity(lx, ly, lz, te)
}

// TypedTileEntity разбирает блочную сущность реестром мира.
// Если сущности нет, возвращает nil без ошибки.
func (a *accessor) TypedTileEntity(x, y, z int) (tile.Entity, error) {
	te, err := a.TileEntity(x, y, z)
	if err != nil || te == nil {
		return nil, err
	}
	return a.tiles.Decode(te)
}

// SetTypedTileEntity сохраняет сущность как тег.
func (a *accessor) SetTypedTileEntity(x, y, z int, e tile.Entity) error {
	if e == nil {
		return a.SetTileEntity(x, y, z, nil)
	}
	return a.SetTileEntity(x, y, z, e.Save())
}

func checkState(reg *block.Registry, state *block.State) error {
	if state == nil {
		return fmt.Errorf("%w: nil state", block.ErrUnknownBlock)
	}
	if !reg.Owns(state) {
		return fmt.Errorf("%w: %s", ErrForeignState, state)
	}
	return nil
}

func checkLocal(x, y, z int) error {
	if uint(x) >= SectionSize || uint(y) >= SectionSize || uint(z) >= SectionSize {
		return fmt.Errorf("%w: local (%d,%d,%d)", ErrOutOfRange, x, y, z)
	}
	return nil
}

func checkLight(level int) error {
	if level < 0 || level > MaxLightLevel {
		return fmt.Errorf("%w: %d", ErrInvalidLight, level)
	}
	return nil
}
