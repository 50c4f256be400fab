package world

import (
	"sync"

	"github.com/annel0/voxel-store/internal/refcount"
)

var layerPool = sync.Pool{New: func() any { return new([SectionVolume]uint32) }}

// blockStorage хранит runtime id блоков по слоям. Слой выделяется
// при первой записи; чтение невыделенного слоя возвращает воздух.
type blockStorage struct {
	refs   refcount.Counter
	layers []*[SectionVolume]uint32
	air    uint32
}

func newBlockStorage(layers int, air uint32) *blockStorage {
	bs := &blockStorage{
		layers: make([]*[SectionVolume]uint32, layers),
		air:    air,
	}
	bs.refs.Init(bs.free)
	return bs
}

func (bs *blockStorage) free() {
	for i, l := range bs.layers {
		if l != nil {
			layerPool.Put(l)
			bs.layers[i] = nil
		}
	}
}

func (bs *blockStorage) get(index, layer int) uint32 {
	l := bs.layers[layer]
	if l == nil {
		return bs.air
	}
	return l[index]
}

func (bs *blockStorage) set(index, layer int, runtimeID uint32) {
	l := bs.layers[layer]
	if l == nil {
		l = bs.allocate(layer)
	}
	l[index] = runtimeID
}

func (bs *blockStorage) allocate(layer int) *[SectionVolume]uint32 {
	l := layerPool.Get().(*[SectionVolume]uint32)
	for i := range l {
		l[i] = bs.air
	}
	bs.layers[layer] = l
	return l
}

// allocated сообщает, выделен ли слой.
func (bs *blockStorage) allocated(layer int) bool {
	return bs.layers[layer] != nil
}
