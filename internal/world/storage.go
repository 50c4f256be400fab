package world

import (
	"context"
	"errors"
	"iter"

	"github.com/annel0/voxel-store/internal/task"
)

// ErrSectionNotFound - секции нет в хранилище; чанк сгенерирует пустую.
var ErrSectionNotFound = errors.New("world: section not found")

// ChunkPos - позиция чанка.
type ChunkPos struct {
	X, Z int
}

// SectionPos - позиция секции: чанк X, индекс секции Y, чанк Z.
type SectionPos struct {
	X, Y, Z int
}

// Storage - бэкенд, превращающий координаты в чанки и секции.
type Storage interface {
	// LoadChunk создаёт чанк (x, z) для мира w. Отсутствие данных не ошибка.
	LoadChunk(ctx context.Context, w *World, x, z int) (*Chunk, error)
	// LoadSection читает секцию или возвращает ErrSectionNotFound.
	LoadSection(ctx context.Context, c *Chunk, index int) (*Section, error)
	SaveChunk(ctx context.Context, c *Chunk) error
	SaveSection(ctx context.Context, s *Section) error
	// AllChunks лениво перечисляет сохранённые чанки мира.
	AllChunks(ctx context.Context, w *World) iter.Seq2[ChunkPos, error]
	// AllSections лениво перечисляет сохранённые секции мира.
	AllSections(ctx context.Context, w *World) iter.Seq2[SectionPos, error]
	Close() error
}

// AsyncStorage добавляет к Storage варианты, возвращающие Future.
type AsyncStorage struct {
	Storage
	Executor task.Executor
}

// NewAsyncStorage оборачивает хранилище. nil exec означает task.Go.
func NewAsyncStorage(s Storage, exec task.Executor) AsyncStorage {
	if exec == nil {
		exec = task.Go
	}
	return AsyncStorage{Storage: s, Executor: exec}
}

// LoadChunkAsync загружает чанк на исполнителе.
func (a AsyncStorage) LoadChunkAsync(ctx context.Context, w *World, x, z int) *task.Future[*Chunk] {
	return task.Run(ctx, a.Executor, func(ctx context.Context) (*Chunk, error) {
		return a.LoadChunk(ctx, w, x, z)
	})
}

// LoadSectionAsync загружает секцию на исполнителе.
func (a AsyncStorage) LoadSectionAsync(ctx context.Context, c *Chunk, index int) *task.Future[*Section] {
	return task.Run(ctx, a.Executor, func(ctx context.Context) (*Section, error) {
		return a.LoadSection(ctx, c, index)
	})
}

// SaveChunkAsync сохраняет запись чанка на исполнителе.
func (a AsyncStorage) SaveChunkAsync(ctx context.Context, c *Chunk) *task.Future[struct{}] {
	return task.Run(ctx, a.Executor, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.SaveChunk(ctx, c)
	})
}

// SaveSectionAsync сохраняет секцию на исполнителе.
func (a AsyncStorage) SaveSectionAsync(ctx context.Context, s *Section) *task.Future[struct{}] {
	return task.Run(ctx, a.Executor, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.SaveSection(ctx, s)
	})
}
