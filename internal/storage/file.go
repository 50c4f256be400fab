package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/annel0/voxel-store/internal/logging"
	"github.com/klauspost/compress/zstd"
)

// fileExt - расширение файлов значений.
const fileExt = ".bin"

// Первый байт файла - формат значения.
const (
	formatRaw  byte = 0
	formatZstd byte = 1
)

// FileKV хранит каждое значение в отдельном файле каталога. Имя файла -
// hex ключа, поэтому порядок имён совпадает с порядком ключей.
type FileKV struct {
	basePath string
	compress bool

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu     sync.RWMutex
	closed bool
}

// OpenFile открывает файловое хранилище в dir. Если compress, новые значения
// сжимаются zstd; читаются оба формата независимо от compress.
func OpenFile(dir string, compress bool) (*FileKV, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	logging.GetStorageLogger().Info("📂 Файловое хранилище открыто: %s (сжатие: %t)", dir, compress)
	return &FileKV{basePath: dir, compress: compress, enc: enc, dec: dec}, nil
}

func (f *FileKV) filename(key []byte) string {
	return filepath.Join(f.basePath, hex.EncodeToString(key)+fileExt)
}

// Get реализует KV.
func (f *FileKV) Get(_ context.Context, key []byte) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}
	data, err := os.ReadFile(f.filename(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file for key %x", ErrCorrupt, key)
	}
	switch data[0] {
	case formatRaw:
		return data[1:], nil
	case formatZstd:
		value, err := f.dec.DecodeAll(data[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: key %x: %v", ErrCorrupt, key, err)
		}
		return value, nil
	default:
		return nil, fmt.Errorf("%w: unknown file format %d for key %x", ErrCorrupt, data[0], key)
	}
}

// Put реализует KV. Файл пишется во временный и переименовывается.
func (f *FileKV) Put(_ context.Context, key, value []byte) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrClosed
	}
	var data []byte
	if f.compress {
		data = f.enc.EncodeAll(value, []byte{formatZstd})
	} else {
		data = append([]byte{formatRaw}, value...)
	}
	name := f.filename(key)
	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("ошибка записи файла %s: %w", tmp, err)
	}
	return os.Rename(tmp, name)
}

// Delete реализует KV.
func (f *FileKV) Delete(_ context.Context, key []byte) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrClosed
	}
	err := os.Remove(f.filename(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Scan реализует KV. os.ReadDir возвращает имена отсортированными.
func (f *FileKV) Scan(ctx context.Context, prefix []byte, fn func(key []byte) bool) error {
	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return ErrClosed
	}
	entries, err := os.ReadDir(f.basePath)
	f.mu.RUnlock()
	if err != nil {
		return err
	}

	p := hex.EncodeToString(prefix)
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), fileExt)
		if !ok || e.IsDir() || !strings.HasPrefix(name, p) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		key, err := hex.DecodeString(name)
		if err != nil {
			continue
		}
		if !fn(key) {
			return nil
		}
	}
	return nil
}

// Close реализует KV.
func (f *FileKV) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.dec.Close()
	return f.enc.Close()
}
