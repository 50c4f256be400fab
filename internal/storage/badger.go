package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v3"
)

// Badger - KV поверх BadgerDB. Бэкенд сохранений по умолчанию.
type Badger struct {
	db      *badger.DB
	dbPath  string
	mutex   sync.RWMutex
	isReady bool
}

// OpenBadger открывает (или создаёт) базу в каталоге dir.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // Отключаем логирование BadgerDB
	return openBadger(opts, dir)
}

// OpenBadgerInMemory открывает базу без файлов на диске.
func OpenBadgerInMemory() (*Badger, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return openBadger(opts, "")
}

func openBadger(opts badger.Options, dir string) (*Badger, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB: %w", err)
	}
	return &Badger{
		db:      db,
		dbPath:  dir,
		isReady: true,
	}, nil
}

// Path возвращает каталог базы; пусто для базы в памяти.
func (b *Badger) Path() string { return b.dbPath }

// Get реализует KV.
func (b *Badger) Get(_ context.Context, key []byte) ([]byte, error) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	if !b.isReady {
		return nil, ErrClosed
	}

	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения из BadgerDB: %w", err)
	}
	return data, nil
}

// Put реализует KV.
func (b *Badger) Put(_ context.Context, key, value []byte) error {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	if !b.isReady {
		return ErrClosed
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("ошибка сохранения в BadgerDB: %w", err)
	}
	return nil
}

// Delete реализует KV.
func (b *Badger) Delete(_ context.Context, key []byte) error {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	if !b.isReady {
		return ErrClosed
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("ошибка удаления из BadgerDB: %w", err)
	}
	return nil
}

// Scan реализует KV. Значения не подгружаются.
func (b *Badger) Scan(ctx context.Context, prefix []byte, fn func(key []byte) bool) error {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	if !b.isReady {
		return ErrClosed
	}

	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !fn(it.Item().Key()) {
				return nil
			}
		}
		return nil
	})
}

// Close закрывает базу
func (b *Badger) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.isReady {
		return nil
	}

	b.isReady = false
	return b.db.Close()
}
