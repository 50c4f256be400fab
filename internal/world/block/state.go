package block

import (
	"strconv"

	"github.com/annel0/voxel-store/internal/ident"
)

// State - неизменяемое состояние блока. Получить его можно только
// через поиск в Registry; реестр отдаёт общие экземпляры, поэтому
// состояния одного реестра можно сравнивать указателями.
type State struct {
	id        ident.Identifier
	legacyID  int
	meta      int
	runtimeID int
	block     *entry
	registry  *Registry
}

// ID возвращает идентификатор блока.
func (s *State) ID() ident.Identifier { return s.id }

// LegacyID возвращает legacy id блока.
func (s *State) LegacyID() int { return s.legacyID }

// Meta возвращает meta состояния.
func (s *State) Meta() int { return s.meta }

// RuntimeID возвращает runtime id. Действителен только для своего реестра.
func (s *State) RuntimeID() int { return s.runtimeID }

// Registry возвращает реестр, создавший состояние.
func (s *State) Registry() *Registry { return s.registry }

// WithMeta возвращает состояние того же блока с другой meta.
func (s *State) WithMeta(meta int) (*State, error) {
	return s.block.state(meta)
}

// IsAir сообщает, что состояние - воздух.
func (s *State) IsAir() bool { return s.id.Equal(Air) }

// String возвращает "ns:path[meta]".
func (s *State) String() string {
	return s.id.String() + "[" + strconv.Itoa(s.meta) + "]"
}
