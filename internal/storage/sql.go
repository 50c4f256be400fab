package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Драйверы database/sql, которые понимает SQL.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// SQL реализует KV поверх таблицы world_kv в MariaDB/MySQL или SQLite.
type SQL struct {
	db     *sql.DB
	driver string
}

// OpenSQL подключается к базе и создаёт таблицу world_kv, если её нет.
//
// Параметры:
//
//	driver - DriverMySQL или DriverSQLite
//	dsn - строка подключения (user:pass@tcp(host:port)/dbname) или путь к файлу SQLite
func OpenSQL(driver, dsn string) (*SQL, error) {
	if driver != DriverMySQL && driver != DriverSQLite {
		return nil, fmt.Errorf("неизвестный SQL драйвер: %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("не удалось подключиться к %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite не переносит параллельную запись из нескольких соединений
		db.SetMaxOpenConns(1)
	}

	// Проверяем соединение
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось проверить соединение с %s: %w", driver, err)
	}

	s := &SQL{db: db, driver: driver}
	if err := s.createTable(); err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось создать таблицу: %w", err)
	}
	return s, nil
}

func (s *SQL) createTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS world_kv (
			k VARBINARY(32) PRIMARY KEY,
			v LONGBLOB      NOT NULL
		)
	`
	if s.driver == DriverSQLite {
		query = `
			CREATE TABLE IF NOT EXISTS world_kv (
				k BLOB PRIMARY KEY,
				v BLOB NOT NULL
			) WITHOUT ROWID
		`
	}

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("ошибка создания таблицы world_kv: %w", err)
	}
	return nil
}

// Get реализует KV.
func (s *SQL) Get(ctx context.Context, key []byte) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, "SELECT v FROM world_kv WHERE k = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения world_kv: %w", err)
	}
	return v, nil
}

// Put реализует KV. REPLACE INTO поддерживают оба диалекта.
func (s *SQL) Put(ctx context.Context, key, value []byte) error {
	if _, err := s.db.ExecContext(ctx, "REPLACE INTO world_kv (k, v) VALUES (?, ?)", key, value); err != nil {
		return fmt.Errorf("ошибка записи world_kv: %w", err)
	}
	return nil
}

// Delete реализует KV.
func (s *SQL) Delete(ctx context.Context, key []byte) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM world_kv WHERE k = ?", key); err != nil {
		return fmt.Errorf("ошибка удаления из world_kv: %w", err)
	}
	return nil
}

// Scan реализует KV. Ключи сначала читаются целиком, чтобы fn мог
// обращаться к той же базе без второго соединения.
func (s *SQL) Scan(ctx context.Context, prefix []byte, fn func(key []byte) bool) error {
	rows, err := s.db.QueryContext(ctx, "SELECT k FROM world_kv WHERE k >= ? ORDER BY k", prefix)
	if err != nil {
		return fmt.Errorf("ошибка обхода world_kv: %w", err)
	}

	var keys [][]byte
	for rows.Next() {
		var k []byte
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return fmt.Errorf("ошибка чтения ключа world_kv: %w", err)
		}
		if !bytes.HasPrefix(k, prefix) {
			break
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(k) {
			return nil
		}
	}
	return nil
}

// Close закрывает пул соединений.
func (s *SQL) Close() error {
	return s.db.Close()
}
