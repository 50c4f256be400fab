package world

import (
	"fmt"
	"maps"
	"sync/atomic"

	"github.com/annel0/voxel-store/internal/ident"
	"github.com/annel0/voxel-store/internal/refcount"
	"github.com/annel0/voxel-store/internal/world/block"
)

// TileEntity - NBT-составной тег блочной сущности.
type TileEntity map[string]any

// Section - куб 16x16x16 блоков со светом и блочными сущностями.
//
// Чтение и запись в одну секцию не синхронизированы: вызывающий код
// обязан сериализовать запись в секцию (например, ограничить её одной
// горутиной или внешней блокировкой).
type Section struct {
	refs       refcount.Counter
	x, y, z    int // Координаты секции: чанк X, индекс секции, чанк Z
	registry   *block.Registry
	blocks     *blockStorage
	blockLight *nibbleArray
	skyLight   *nibbleArray // nil, если небесного света нет
	tiles      map[int]TileEntity
	dirty      atomic.Bool
}

// SectionData - содержимое секции для импорта и экспорта.
type SectionData struct {
	Layers       [][]uint32 // nil для невыделенного слоя, иначе SectionVolume runtime id
	BlockLight   []byte     // NibbleArrayLen байт
	SkyLight     []byte     // nil, если небесного света нет
	TileEntities map[int]TileEntity
}

// NewSection создаёт пустую секцию: воздух, блочный свет 0, небесный свет 15.
func NewSection(x, y, z int, reg *block.Registry, layers int, skyLight bool) *Section {
	if layers < 1 {
		layers = 1
	}
	s := &Section{
		x: x, y: y, z: z,
		registry:   reg,
		blocks:     newBlockStorage(layers, uint32(reg.Air().RuntimeID())),
		blockLight: newNibbleArray(0),
		tiles:      make(map[int]TileEntity),
	}
	if skyLight {
		s.skyLight = newNibbleArray(MaxLightLevel)
	}
	s.refs.Init(s.free)
	return s
}

// NewSectionFromData восстанавливает секцию из SectionData.
func NewSectionFromData(x, y, z int, reg *block.Registry, layers int, d SectionData) (*Section, error) {
	if len(d.Layers) > layers {
		return nil, fmt.Errorf("%w: %d layers, limit %d", ErrOutOfRange, len(d.Layers), layers)
	}
	if d.BlockLight != nil && len(d.BlockLight) != NibbleArrayLen {
		return nil, fmt.Errorf("block light: %w: length %d", ErrOutOfRange, len(d.BlockLight))
	}
	if d.SkyLight != nil && len(d.SkyLight) != NibbleArrayLen {
		return nil, fmt.Errorf("sky light: %w: length %d", ErrOutOfRange, len(d.SkyLight))
	}

	s := NewSection(x, y, z, reg, layers, d.SkyLight != nil)
	for layer, ids := range d.Layers {
		if ids == nil {
			continue
		}
		if len(ids) != SectionVolume {
			s.Release()
			return nil, fmt.Errorf("layer %d: %w: length %d", layer, ErrOutOfRange, len(ids))
		}
		l := s.blocks.allocate(layer)
		for i, rid := range ids {
			if !reg.ContainsRuntimeID(int(rid)) {
				s.Release()
				return nil, fmt.Errorf("layer %d: %w: %d", layer, block.ErrUnknownRuntimeID, rid)
			}
			l[i] = rid
		}
	}
	if d.BlockLight != nil {
		s.blockLight.load(d.BlockLight)
	}
	if d.SkyLight != nil {
		s.skyLight.load(d.SkyLight)
	}
	for key, te := range d.TileEntities {
		if key < 0 || key >= SectionVolume {
			s.Release()
			return nil, fmt.Errorf("tile entity: %w: key %d", ErrOutOfRange, key)
		}
		s.tiles[key] = te
	}
	return s, nil
}

// free освобождает подресурсы в порядке: блоки, блочный свет, небесный свет.
func (s *Section) free() {
	s.blocks.refs.Release()
	s.blockLight.refs.Release()
	if s.skyLight != nil {
		s.skyLight.refs.Release()
	}
	s.tiles = nil
}

// Retain увеличивает счётчик ссылок.
func (s *Section) Retain() { s.refs.Retain() }

// Release уменьшает счётчик ссылок и на нуле возвращает массивы в пул.
func (s *Section) Release() bool { return s.refs.Release() }

// RefCount возвращает текущее число ссылок.
func (s *Section) RefCount() int32 { return s.refs.RefCount() }

// X возвращает координату X чанка.
func (s *Section) X() int { return s.x }

// Y возвращает индекс секции в чанке.
func (s *Section) Y() int { return s.y }

// Z возвращает координату Z чанка.
func (s *Section) Z() int { return s.z }

// Registry возвращает реестр блоков секции.
func (s *Section) Registry() *block.Registry { return s.registry }

// Layers возвращает число слоёв.
func (s *Section) Layers() int { return len(s.blocks.layers) }

// HasSkyLight сообщает, есть ли у секции небесный свет.
func (s *Section) HasSkyLight() bool { return s.skyLight != nil }

// Dirty сообщает, что секция менялась с последнего сохранения.
func (s *Section) Dirty() bool { return s.dirty.Load() }

// MarkDirty помечает секцию изменённой.
func (s *Section) MarkDirty() { s.dirty.Store(true) }

// MarkClean снимает пометку об изменениях.
func (s *Section) MarkClean() { s.dirty.Store(false) }

// LayerAllocated сообщает, выделен ли слой.
func (s *Section) LayerAllocated(layer int) bool {
	s.refs.Ensure()
	return layer >= 0 && layer < len(s.blocks.layers) && s.blocks.allocated(layer)
}

func blockIndex(x, y, z int) int { return y<<8 | z<<4 | x }

// TileKey упаковывает локальные координаты блочной сущности.
func TileKey(x, y, z int) int { return x<<8 | y<<4 | z }

// TileKeyPos раскладывает ключ блочной сущности обратно в координаты.
func TileKeyPos(key int) (x, y, z int) {
	return key >> 8 & 0xF, key >> 4 & 0xF, key & 0xF
}

func (s *Section) check(x, y, z, layer int) error {
	s.refs.Ensure()
	if err := checkLocal(x, y, z); err != nil {
		return err
	}
	if layer < 0 || layer >= len(s.blocks.layers) {
		return fmt.Errorf("%w: layer %d of %d", ErrOutOfRange, layer, len(s.blocks.layers))
	}
	return nil
}

// BlockRuntimeID возвращает runtime id блока.
func (s *Section) BlockRuntimeID(x, y, z, layer int) (int, error) {
	if err := s.check(x, y, z, layer); err != nil {
		return 0, err
	}
	return int(s.blocks.get(blockIndex(x, y, z), layer)), nil
}

// BlockState возвращает состояние блока.
func (s *Section) BlockState(x, y, z, layer int) (*block.State, error) {
	rid, err := s.BlockRuntimeID(x, y, z, layer)
	if err != nil {
		return nil, err
	}
	return s.registry.StateByRuntimeID(rid)
}

// BlockID возвращает идентификатор блока.
func (s *Section) BlockID(x, y, z, layer int) (ident.Identifier, error) {
	st, err := s.BlockState(x, y, z, layer)
	if err != nil {
		return ident.Identifier{}, err
	}
	return st.ID(), nil
}

// BlockLegacyID возвращает legacy id блока.
func (s *Section) BlockLegacyID(x, y, z, layer int) (int, error) {
	st, err := s.BlockState(x, y, z, layer)
	if err != nil {
		return 0, err
	}
	return st.LegacyID(), nil
}

// BlockMeta возвращает meta блока.
func (s *Section) BlockMeta(x, y, z, layer int) (int, error) {
	st, err := s.BlockState(x, y, z, layer)
	if err != nil {
		return 0, err
	}
	return st.Meta(), nil
}

// SetBlockRuntimeID ставит блок по runtime id.
func (s *Section) SetBlockRuntimeID(x, y, z, layer int, runtimeID int) error {
	if err := s.check(x, y, z, layer); err != nil {
		return err
	}
	if !s.registry.ContainsRuntimeID(runtimeID) {
		return fmt.Errorf("%w: %d", block.ErrUnknownRuntimeID, runtimeID)
	}
	s.blocks.set(blockIndex(x, y, z), layer, uint32(runtimeID))
	s.dirty.Store(true)
	return nil
}

// SetBlockState ставит блок по состоянию.
func (s *Section) SetBlockState(x, y, z, layer int, state *block.State) error {
	if err := checkState(s.registry, state); err != nil {
		return err
	}
	return s.SetBlockRuntimeID(x, y, z, layer, state.RuntimeID())
}

// SetBlockStateByID ставит блок по (id, meta).
func (s *Section) SetBlockStateByID(x, y, z, layer int, id ident.Identifier, meta int) error {
	st, err := s.registry.State(id, meta)
	if err != nil {
		return err
	}
	return s.SetBlockRuntimeID(x, y, z, layer, st.RuntimeID())
}

// SetBlockStateByLegacyID ставит блок по (legacy id, meta).
func (s *Section) SetBlockStateByLegacyID(x, y, z, layer int, legacyID, meta int) error {
	st, err := s.registry.StateByLegacyID(legacyID, meta)
	if err != nil {
		return err
	}
	return s.SetBlockRuntimeID(x, y, z, layer, st.RuntimeID())
}

// SetBlockID ставит блок с meta по умолчанию.
func (s *Section) SetBlockID(x, y, z, layer int, id ident.Identifier) error {
	st, err := s.registry.DefaultState(id)
	if err != nil {
		return err
	}
	return s.SetBlockRuntimeID(x, y, z, layer, st.RuntimeID())
}

// SetBlockMeta меняет meta у блока, который уже стоит в ячейке.
func (s *Section) SetBlockMeta(x, y, z, layer int, meta int) error {
	cur, err := s.BlockState(x, y, z, layer)
	if err != nil {
		return err
	}
	st, err := cur.WithMeta(meta)
	if err != nil {
		return err
	}
	return s.SetBlockRuntimeID(x, y, z, layer, st.RuntimeID())
}

// BlockLight возвращает блочный свет 0..15.
func (s *Section) BlockLight(x, y, z int) (int, error) {
	if err := s.check(x, y, z, 0); err != nil {
		return 0, err
	}
	return s.blockLight.get(blockIndex(x, y, z)), nil
}

// SkyLight возвращает небесный свет 0..15.
func (s *Section) SkyLight(x, y, z int) (int, error) {
	if err := s.check(x, y, z, 0); err != nil {
		return 0, err
	}
	if s.skyLight == nil {
		return 0, ErrNoSkyLight
	}
	return s.skyLight.get(blockIndex(x, y, z)), nil
}

// SetBlockLight задаёт блочный свет.
func (s *Section) SetBlockLight(x, y, z, level int) error {
	if err := s.check(x, y, z, 0); err != nil {
		return err
	}
	if err := checkLight(level); err != nil {
		return err
	}
	s.blockLight.set(blockIndex(x, y, z), level)
	s.dirty.Store(true)
	return nil
}

// SetSkyLight задаёт небесный свет.
func (s *Section) SetSkyLight(x, y, z, level int) error {
	if err := s.check(x, y, z, 0); err != nil {
		return err
	}
	if s.skyLight == nil {
		return ErrNoSkyLight
	}
	if err := checkLight(level); err != nil {
		return err
	}
	s.skyLight.set(blockIndex(x, y, z), level)
	s.dirty.Store(true)
	return nil
}

// TileEntity возвращает блочную сущность в ячейке или nil.
func (s *Section) TileEntity(x, y, z int) (TileEntity, error) {
	if err := s.check(x, y, z, 0); err != nil {
		return nil, err
	}
	return s.tiles[TileKey(x, y, z)], nil
}

// SetTileEntity ставит блочную сущность; nil удаляет запись.
func (s *Section) SetTileEntity(x, y, z int, te TileEntity) error {
	if err := s.check(x, y, z, 0); err != nil {
		return err
	}
	key := TileKey(x, y, z)
	if te == nil {
		delete(s.tiles, key)
	} else {
		s.tiles[key] = te
	}
	s.dirty.Store(true)
	return nil
}

// TileEntityCount возвращает число блочных сущностей.
func (s *Section) TileEntityCount() int {
	s.refs.Ensure()
	return len(s.tiles)
}

// ForEachTileEntity обходит блочные сущности секции.
func (s *Section) ForEachTileEntity(fn func(x, y, z int, te TileEntity) bool) {
	s.refs.Ensure()
	for key, te := range s.tiles {
		x, y, z := TileKeyPos(key)
		if !fn(x, y, z, te) {
			return
		}
	}
}

// Export копирует содержимое секции.
func (s *Section) Export() SectionData {
	s.refs.Ensure()
	d := SectionData{
		Layers:       make([][]uint32, len(s.blocks.layers)),
		BlockLight:   s.blockLight.bytes(),
		TileEntities: maps.Clone(s.tiles),
	}
	for i, l := range s.blocks.layers {
		if l != nil {
			d.Layers[i] = append([]uint32(nil), l[:]...)
		}
	}
	if s.skyLight != nil {
		d.SkyLight = s.skyLight.bytes()
	}
	return d
}

// Fill заполняет слой одним состоянием. Используется генераторами.
func (s *Section) Fill(layer int, state *block.State) error {
	if err := s.check(0, 0, 0, layer); err != nil {
		return err
	}
	if err := checkState(s.registry, state); err != nil {
		return err
	}
	l := s.blocks.layers[layer]
	if l == nil {
		l = s.blocks.allocate(layer)
	}
	rid := uint32(state.RuntimeID())
	for i := range l {
		l[i] = rid
	}
	s.dirty.Store(true)
	return nil
}

// String возвращает краткое описание секции.
func (s *Section) String() string {
	return fmt.Sprintf("Section{%d,%d,%d}", s.x, s.y, s.z)
}
