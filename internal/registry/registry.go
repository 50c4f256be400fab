// Package registry реализует неизменяемые двусторонние таблицы
// Identifier <-> числовой id. Изменять таблицу можно только через Builder.
package registry

import (
	"errors"
	"fmt"

	"github.com/annel0/voxel-store/internal/ident"
)

var (
	// ErrNotFound - идентификатор или числовой id не зарегистрирован.
	ErrNotFound = errors.New("registry: entry not found")
	// ErrDuplicateID - идентификатор уже зарегистрирован.
	ErrDuplicateID = errors.New("registry: duplicate identifier")
	// ErrDuplicateNumericID - числовой id уже занят.
	ErrDuplicateNumericID = errors.New("registry: duplicate numeric id")
	// ErrNegativeID - числовой id меньше нуля.
	ErrNegativeID = errors.New("registry: negative numeric id")
	// ErrBuilt - Builder уже собран и больше не принимает записи.
	ErrBuilt = errors.New("registry: builder already built")
)

// Registry - неизменяемое отображение Identifier <-> int.
type Registry struct {
	name   ident.Identifier
	byName map[string]int
	byID   []ident.Identifier
	size   int
	maxID  int
}

// Builder собирает Registry. Не потокобезопасен.
type Builder struct {
	name    ident.Identifier
	entries map[ident.Identifier]int
	ids     map[int]ident.Identifier
	built   bool
}

// NewBuilder создаёт пустой Builder для реестра с именем name.
func NewBuilder(name ident.Identifier) *Builder {
	return &Builder{
		name:    name,
		entries: make(map[ident.Identifier]int),
		ids:     make(map[int]ident.Identifier),
	}
}

// Register добавляет пару (id, numericID).
func (b *Builder) Register(id ident.Identifier, numericID int) error {
	switch {
	case b.built:
		return ErrBuilt
	case id.IsZero():
		return fmt.Errorf("%w: zero identifier", ident.ErrMalformed)
	case numericID < 0:
		return fmt.Errorf("%w: %s -> %d", ErrNegativeID, id, numericID)
	}
	if prev, ok := b.entries[id]; ok {
		return fmt.Errorf("%w: %s already mapped to %d", ErrDuplicateID, id, prev)
	}
	if prev, ok := b.ids[numericID]; ok {
		return fmt.Errorf("%w: %d already mapped to %s", ErrDuplicateNumericID, numericID, prev)
	}
	b.entries[id] = numericID
	b.ids[numericID] = id
	return nil
}

// MustRegister как Register, но паникует при ошибке.
func (b *Builder) MustRegister(id ident.Identifier, numericID int) *Builder {
	if err := b.Register(id, numericID); err != nil {
		panic(err)
	}
	return b
}

// Build фиксирует содержимое. Повторный вызов возвращает ErrBuilt.
func (b *Builder) Build() (*Registry, error) {
	if b.built {
		return nil, ErrBuilt
	}
	b.built = true

	maxID := -1
	for n := range b.ids {
		if n > maxID {
			maxID = n
		}
	}
	r := &Registry{
		name:   b.name,
		byName: make(map[string]int, len(b.entries)),
		byID:   make([]ident.Identifier, maxID+1),
		size:   len(b.entries),
		maxID:  maxID,
	}
	for id, n := range b.entries {
		r.byName[id.String()] = n
		r.byID[n] = id
	}
	return r, nil
}

// Name возвращает имя реестра.
func (r *Registry) Name() ident.Identifier { return r.name }

// ID возвращает числовой id идентификатора.
func (r *Registry) ID(id ident.Identifier) (int, error) {
	if n, ok := r.byName[id.String()]; ok {
		return n, nil
	}
	return 0, fmt.Errorf("%w: %s in %s", ErrNotFound, id, r.name)
}

// IDString ищет по канонической строке без разбора в Identifier.
func (r *Registry) IDString(s string) (int, error) {
	if n, ok := r.byName[s]; ok {
		return n, nil
	}
	return 0, fmt.Errorf("%w: %s in %s", ErrNotFound, s, r.name)
}

// Identifier возвращает идентификатор по числовому id.
func (r *Registry) Identifier(n int) (ident.Identifier, error) {
	if n < 0 || n >= len(r.byID) || r.byID[n].IsZero() {
		return ident.Identifier{}, fmt.Errorf("%w: %d in %s", ErrNotFound, n, r.name)
	}
	return r.byID[n], nil
}

// Contains сообщает, зарегистрирован ли идентификатор.
func (r *Registry) Contains(id ident.Identifier) bool {
	_, ok := r.byName[id.String()]
	return ok
}

// ContainsID сообщает, занят ли числовой id.
func (r *Registry) ContainsID(n int) bool {
	return n >= 0 && n < len(r.byID) && !r.byID[n].IsZero()
}

// ForEach обходит записи по возрастанию числового id.
// Обход прекращается, когда fn возвращает false.
func (r *Registry) ForEach(fn func(id ident.Identifier, n int) bool) {
	for n, id := range r.byID {
		if id.IsZero() {
			continue
		}
		if !fn(id, n) {
			return
		}
	}
}

// ForEachID обходит занятые числовые id по возрастанию.
func (r *Registry) ForEachID(fn func(n int) bool) {
	r.ForEach(func(_ ident.Identifier, n int) bool { return fn(n) })
}

// Size возвращает количество записей.
func (r *Registry) Size() int { return r.size }

// MaxID возвращает наибольший числовой id или -1 для пустого реестра.
func (r *Registry) MaxID() int { return r.maxID }
