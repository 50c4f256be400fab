package world

import (
	"github.com/annel0/voxel-store/internal/ident"
	"github.com/annel0/voxel-store/internal/world/block"
)

// readOnlyAccess пропускает чтение и отклоняет любую запись.
type readOnlyAccess struct {
	inner BlockAccess
}

// ReadOnlyAccess оборачивает BlockAccess: чтение проходит насквозь,
// каждая запись возвращает ErrReadOnly.
func ReadOnlyAccess(inner BlockAccess) BlockAccess {
	if ro, ok := inner.(readOnlyAccess); ok {
		return ro
	}
	return readOnlyAccess{inner: inner}
}

func (r readOnlyAccess) Layers() int { return r.inner.Layers() }

func (r readOnlyAccess) BlockState(x, y, z, layer int) (*block.State, error) {
	return r.inner.BlockState(x, y, z, layer)
}

func (r readOnlyAccess) BlockID(x, y, z, layer int) (ident.Identifier, error) {
	return r.inner.BlockID(x, y, z, layer)
}

func (r readOnlyAccess) BlockLegacyID(x, y, z, layer int) (int, error) {
	return r.inner.BlockLegacyID(x, y, z, layer)
}

func (r readOnlyAccess) BlockMeta(x, y, z, layer int) (int, error) {
	return r.inner.BlockMeta(x, y, z, layer)
}

func (r readOnlyAccess) BlockRuntimeID(x, y, z, layer int) (int, error) {
	return r.inner.BlockRuntimeID(x, y, z, layer)
}

func (readOnlyAccess) SetBlockState(int, int, int, int, *block.State) error { return ErrReadOnly }

func (readOnlyAccess) SetBlockStateByID(int, int, int, int, ident.Identifier, int) error {
	return ErrReadOnly
}

func (readOnlyAccess) SetBlockStateByLegacyID(int, int, int, int, int, int) error {
	return ErrReadOnly
}

func (readOnlyAccess) SetBlockRuntimeID(int, int, int, int, int) error { return ErrReadOnly }

func (readOnlyAccess) SetBlockID(int, int, int, int, ident.Identifier) error { return ErrReadOnly }

func (readOnlyAccess) SetBlockMeta(int, int, int, int, int) error { return ErrReadOnly }
