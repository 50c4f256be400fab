// Package storage содержит бэкенды ключ-значение, кодек секций и
// реализацию world.Storage поверх них.
package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/annel0/voxel-store/internal/refcount"
)

var (
	// ErrNotFound - ключа нет в хранилище.
	ErrNotFound = errors.New("storage: key not found")
	// ErrClosed - хранилище уже закрыто.
	ErrClosed = errors.New("storage: closed")
	// ErrReadOnly - запись в хранилище только для чтения.
	ErrReadOnly = errors.New("storage: read-only")
	// ErrBadKey - ключ не разбирается как ключ чанка или секции.
	ErrBadKey = errors.New("storage: malformed key")
)

// KV - хранилище ключ-значение, поверх которого работает SectionStore.
// Реализации потокобезопасны.
type KV interface {
	// Get возвращает копию значения или ErrNotFound.
	Get(ctx context.Context, key []byte) ([]byte, error)
	Put(ctx context.Context, key, value []byte) error
	// Delete удаляет ключ. Отсутствие ключа не ошибка.
	Delete(ctx context.Context, key []byte) error
	// Scan обходит ключи с префиксом prefix в порядке возрастания.
	// Срез key действителен только внутри вызова fn.
	Scan(ctx context.Context, prefix []byte, fn func(key []byte) bool) error
	Close() error
}

// Префиксы ключей
const (
	chunkTag   = 'c'
	sectionTag = 's'
)

// Длины ключей: тег + int32 поля в big-endian.
const (
	chunkKeyLen   = 1 + 4*3
	sectionKeyLen = 1 + 4*4
)

// ChunkKey возвращает ключ записи чанка: 'c' | dim | x | z.
func ChunkKey(dim, x, z int) []byte {
	key := make([]byte, chunkKeyLen)
	key[0] = chunkTag
	binary.BigEndian.PutUint32(key[1:], uint32(int32(dim)))
	binary.BigEndian.PutUint32(key[5:], uint32(int32(x)))
	binary.BigEndian.PutUint32(key[9:], uint32(int32(z)))
	return key
}

// SectionKey возвращает ключ секции: 's' | dim | x | z | y.
// Секции одного чанка лежат рядом.
func SectionKey(dim, x, y, z int) []byte {
	key := make([]byte, sectionKeyLen)
	key[0] = sectionTag
	binary.BigEndian.PutUint32(key[1:], uint32(int32(dim)))
	binary.BigEndian.PutUint32(key[5:], uint32(int32(x)))
	binary.BigEndian.PutUint32(key[9:], uint32(int32(z)))
	binary.BigEndian.PutUint32(key[13:], uint32(int32(y)))
	return key
}

// ChunkPrefix - префикс ключей всех чанков измерения.
func ChunkPrefix(dim int) []byte { return ChunkKey(dim, 0, 0)[:5] }

// SectionPrefix - префикс ключей всех секций измерения.
func SectionPrefix(dim int) []byte { return SectionKey(dim, 0, 0, 0)[:5] }

// ChunkSectionsPrefix - префикс ключей секций одного чанка.
func ChunkSectionsPrefix(dim, x, z int) []byte { return SectionKey(dim, x, 0, z)[:13] }

func readInt32(b []byte) int { return int(int32(binary.BigEndian.Uint32(b))) }

// ParseChunkKey разбирает ключ, созданный ChunkKey.
func ParseChunkKey(key []byte) (dim, x, z int, err error) {
	if len(key) != chunkKeyLen || key[0] != chunkTag {
		return 0, 0, 0, fmt.Errorf("%w: chunk key %x", ErrBadKey, key)
	}
	return readInt32(key[1:]), readInt32(key[5:]), readInt32(key[9:]), nil
}

// ParseSectionKey разбирает ключ, созданный SectionKey.
func ParseSectionKey(key []byte) (dim, x, y, z int, err error) {
	if len(key) != sectionKeyLen || key[0] != sectionTag {
		return 0, 0, 0, 0, fmt.Errorf("%w: section key %x", ErrBadKey, key)
	}
	return readInt32(key[1:]), readInt32(key[5:]), readInt32(key[13:]), readInt32(key[9:]), nil
}

// SharedKV делит одно хранилище между мирами одного сохранения.
// Close снимает одну ссылку; нижнее хранилище закрывается последним Close.
type SharedKV struct {
	KV
	refs refcount.Counter
	err  error
}

// NewShared оборачивает kv со счётчиком ссылок, равным 1.
func NewShared(kv KV) *SharedKV {
	s := &SharedKV{KV: kv}
	s.refs.Init(func() { s.err = kv.Close() })
	return s
}

// Retain добавляет ссылку и возвращает то же хранилище.
func (s *SharedKV) Retain() *SharedKV {
	s.refs.Retain()
	return s
}

// RefCount возвращает текущее число ссылок.
func (s *SharedKV) RefCount() int32 { return s.refs.RefCount() }

// Close снимает ссылку. Ошибку закрытия возвращает последний вызов.
func (s *SharedKV) Close() error {
	if s.refs.Release() {
		return s.err
	}
	return nil
}
