package world

import (
	"sync"

	"github.com/annel0/voxel-store/internal/refcount"
)

// NibbleArrayLen - размер массива по 4 бита на ячейку секции.
const NibbleArrayLen = SectionVolume / 2

var nibblePool = sync.Pool{New: func() any { return new([NibbleArrayLen]byte) }}

// nibbleArray хранит по 4 бита на блок секции. Индекс (y<<8)|(z<<4)|x,
// чётные индексы в младшей половине байта.
type nibbleArray struct {
	refs refcount.Counter
	data *[NibbleArrayLen]byte
}

// newNibbleArray берёт массив из пула и заполняет его значением fill.
func newNibbleArray(fill byte) *nibbleArray {
	n := &nibbleArray{data: nibblePool.Get().(*[NibbleArrayLen]byte)}
	b := fill&0xF | fill<<4
	for i := range n.data {
		n.data[i] = b
	}
	n.refs.Init(n.free)
	return n
}

func (n *nibbleArray) free() {
	nibblePool.Put(n.data)
	n.data = nil
}

func (n *nibbleArray) get(index int) int {
	b := n.data[index>>1]
	if index&1 == 0 {
		return int(b & 0x0F)
	}
	return int(b >> 4)
}

func (n *nibbleArray) set(index, v int) {
	i := index >> 1
	if index&1 == 0 {
		n.data[i] = n.data[i]&0xF0 | byte(v)&0x0F
	} else {
		n.data[i] = n.data[i]&0x0F | byte(v)<<4
	}
}

// load копирует сырые данные.
func (n *nibbleArray) load(raw []byte) {
	copy(n.data[:], raw)
}

// bytes возвращает копию сырых данных.
func (n *nibbleArray) bytes() []byte {
	out := make([]byte, NibbleArrayLen)
	copy(out, n.data[:])
	return out
}
