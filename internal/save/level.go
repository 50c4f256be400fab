package save

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/annel0/voxel-store/internal/refcount"
	"github.com/klauspost/compress/gzip"
	"github.com/sandertv/gophertunnel/minecraft/nbt"
)

// LevelFile - имя файла метаданных в корне сохранения.
const LevelFile = "level.dat"

// ErrNoLevel - в корне сохранения нет level.dat.
var ErrNoLevel = errors.New("save: level.dat not found")

// Level - метаданные сохранения: непрозрачный NBT-составной тег.
// Хранилище его не интерпретирует, только читает и записывает.
type Level struct {
	refs refcount.Counter
	mu   sync.RWMutex
	data map[string]any
}

// NewLevel оборачивает data. Счётчик ссылок равен 1.
func NewLevel(data map[string]any) *Level {
	if data == nil {
		data = make(map[string]any)
	}
	l := &Level{data: data}
	l.refs.Init(l.free)
	return l
}

// DecodeLevel разбирает level.dat. Основной формат - gzip с NBT
// big-endian; без gzip данные читаются как NBT little-endian, в том числе
// с 8-байтовым заголовком версии и длины.
func DecodeLevel(b []byte) (*Level, error) {
	data := make(map[string]any)
	if zr, err := gzip.NewReader(bytes.NewReader(b)); err == nil {
		defer zr.Close()
		if err := nbt.NewDecoderWithEncoding(zr, nbt.BigEndian).Decode(&data); err != nil {
			return nil, fmt.Errorf("decode level.dat: %w", err)
		}
		return NewLevel(data), nil
	}

	if len(b) > 8 && int(binary.LittleEndian.Uint32(b[4:8])) == len(b)-8 {
		b = b[8:]
	}
	if err := nbt.UnmarshalEncoding(b, &data, nbt.LittleEndian); err != nil {
		return nil, fmt.Errorf("decode level.dat: %w", err)
	}
	return NewLevel(data), nil
}

// ReadLevel читает level.dat из корня сохранения.
func ReadLevel(root string) (*Level, error) {
	b, err := os.ReadFile(filepath.Join(root, LevelFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoLevel, root)
	}
	if err != nil {
		return nil, err
	}
	return DecodeLevel(b)
}

func (l *Level) free() {
	l.mu.Lock()
	l.data = nil
	l.mu.Unlock()
}

// Retain увеличивает счётчик ссылок.
func (l *Level) Retain() { l.refs.Retain() }

// Release уменьшает счётчик ссылок. true - метаданные освобождены.
func (l *Level) Release() bool { return l.refs.Release() }

// RefCount возвращает текущее число ссылок.
func (l *Level) RefCount() int32 { return l.refs.RefCount() }

// Data возвращает копию корневого тега.
func (l *Level) Data() map[string]any {
	l.refs.Ensure()
	l.mu.RLock()
	defer l.mu.RUnlock()
	return maps.Clone(l.data)
}

// Get возвращает значение поля.
func (l *Level) Get(key string) (any, bool) {
	l.refs.Ensure()
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.data[key]
	return v, ok
}

// Set меняет поле. Значение должно кодироваться в NBT.
func (l *Level) Set(key string, v any) {
	l.refs.Ensure()
	l.mu.Lock()
	l.data[key] = v
	l.mu.Unlock()
}

// Encode кодирует метаданные в gzip с NBT big-endian.
func (l *Level) Encode(w io.Writer) error {
	data := l.Data()
	zw := gzip.NewWriter(w)
	if err := nbt.NewEncoderWithEncoding(zw, nbt.BigEndian).Encode(data); err != nil {
		_ = zw.Close()
		return fmt.Errorf("encode level.dat: %w", err)
	}
	return zw.Close()
}

// WriteFile записывает level.dat в корень сохранения через временный файл.
func (l *Level) WriteFile(root string) error {
	var buf bytes.Buffer
	if err := l.Encode(&buf); err != nil {
		return err
	}
	path := filepath.Join(root, LevelFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
