package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/df-mc/goleveldb/leveldb"
	"github.com/df-mc/goleveldb/leveldb/opt"
	"github.com/df-mc/goleveldb/leveldb/util"
)

// LevelDB - KV поверх LevelDB. Блобы секций уже сжаты zstd,
// поэтому собственное сжатие LevelDB отключено.
type LevelDB struct {
	db     *leveldb.DB
	mu     sync.RWMutex
	closed bool
}

// OpenLevelDB открывает (или создаёт) базу в каталоге dir.
func OpenLevelDB(dir string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(dir, &opt.Options{
		Compression: opt.NoCompression,
	})
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть LevelDB %s: %w", dir, err)
	}
	return &LevelDB{db: db}, nil
}

// Get реализует KV.
func (l *LevelDB) Get(_ context.Context, key []byte) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	v, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения из LevelDB: %w", err)
	}
	return v, nil
}

// Put реализует KV.
func (l *LevelDB) Put(_ context.Context, key, value []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	if err := l.db.Put(key, value, nil); err != nil {
		return fmt.Errorf("ошибка сохранения в LevelDB: %w", err)
	}
	return nil
}

// Delete реализует KV.
func (l *LevelDB) Delete(_ context.Context, key []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	if err := l.db.Delete(key, nil); err != nil {
		return fmt.Errorf("ошибка удаления из LevelDB: %w", err)
	}
	return nil
}

// Scan реализует KV.
func (l *LevelDB) Scan(ctx context.Context, prefix []byte, fn func(key []byte) bool) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}

	it := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(it.Key()) {
			break
		}
	}
	return it.Error()
}

// Close реализует KV.
func (l *LevelDB) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}
