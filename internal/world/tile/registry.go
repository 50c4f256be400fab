// Package tile содержит реестр блочных сущностей. Сущность в секции
// хранится как NBT-составной тег; реестр по полю "id" строит из тега
// типизированное значение, а незарегистрированные id отдаёт запасной фабрике.
package tile

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/annel0/voxel-store/internal/ident"
	"github.com/annel0/voxel-store/internal/registry"
)

// IDField - поле составного тега с идентификатором сущности.
const IDField = "id"

var (
	// ErrUnknown - id не зарегистрирован, а запасной фабрики нет.
	ErrUnknown = errors.New("tile: unknown tile entity")
	// ErrDuplicate - id уже зарегистрирован в Builder.
	ErrDuplicate = errors.New("tile: tile entity already registered")
	// ErrNoID - в составном теге нет строкового поля id.
	ErrNoID = errors.New("tile: compound has no id")
	// ErrMalformed - поле тега имеет неожиданный тип.
	ErrMalformed = errors.New("tile: malformed tile entity")
)

// Entity - типизированная блочная сущность.
type Entity interface {
	ID() ident.Identifier
	// Load читает поля из составного тега. Тег не удерживается.
	Load(data map[string]any) error
	// Save возвращает новый составной тег вместе с полем id.
	Save() map[string]any
}

// Factory создаёт пустую сущность для id.
type Factory func(id ident.Identifier) Entity

// Registry - неизменяемое отображение id -> Factory.
type Registry struct {
	factories map[string]Factory
	ids       []ident.Identifier // по возрастанию канонической строки
	fallback  Factory
}

// Builder собирает Registry. Не потокобезопасен.
type Builder struct {
	factories map[string]Factory
	ids       map[string]ident.Identifier
	fallback  Factory
	built     bool
}

// NewBuilder создаёт пустой Builder без запасной фабрики.
func NewBuilder() *Builder {
	return &Builder{
		factories: make(map[string]Factory),
		ids:       make(map[string]ident.Identifier),
	}
}

// BuilderFrom создаёт Builder с записями и запасной фабрикой r.
func BuilderFrom(r *Registry) *Builder {
	b := NewBuilder()
	b.PutAll(r)
	b.fallback = r.fallback
	return b
}

// Add регистрирует фабрику. Повторный id - ошибка.
func (b *Builder) Add(id ident.Identifier, f Factory) error {
	if b.built {
		return registry.ErrBuilt
	}
	if id.IsZero() || f == nil {
		return fmt.Errorf("%w: empty registration %q", ident.ErrMalformed, id)
	}
	if _, ok := b.factories[id.String()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	b.factories[id.String()] = f
	b.ids[id.String()] = id
	return nil
}

// MustAdd как Add, но паникует при ошибке.
func (b *Builder) MustAdd(id ident.Identifier, f Factory) *Builder {
	if err := b.Add(id, f); err != nil {
		panic(err)
	}
	return b
}

// Put регистрирует фабрику, заменяя прежнюю. После Build ничего не делает.
func (b *Builder) Put(id ident.Identifier, f Factory) *Builder {
	if b.built || id.IsZero() || f == nil {
		return b
	}
	b.factories[id.String()] = f
	b.ids[id.String()] = id
	return b
}

// AddAll переносит записи r. Если хоть один id уже есть, Builder не меняется.
func (b *Builder) AddAll(r *Registry) error {
	if b.built {
		return registry.ErrBuilt
	}
	for _, id := range r.ids {
		if _, ok := b.factories[id.String()]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicate, id)
		}
	}
	b.PutAll(r)
	return nil
}

// PutAll переносит записи r, заменяя совпадающие.
func (b *Builder) PutAll(r *Registry) *Builder {
	for _, id := range r.ids {
		b.Put(id, r.factories[id.String()])
	}
	return b
}

// Fallback задаёт фабрику для незарегистрированных id. nil - ошибка ErrUnknown.
func (b *Builder) Fallback(f Factory) *Builder {
	if !b.built {
		b.fallback = f
	}
	return b
}

// Build собирает реестр. Builder после этого не принимает записи.
func (b *Builder) Build() (*Registry, error) {
	if b.built {
		return nil, registry.ErrBuilt
	}
	b.built = true
	r := &Registry{
		factories: maps.Clone(b.factories),
		ids:       slices.Collect(maps.Values(b.ids)),
		fallback:  b.fallback,
	}
	slices.SortFunc(r.ids, func(a, b ident.Identifier) int {
		return strings.Compare(a.String(), b.String())
	})
	return r, nil
}

// Contains сообщает, зарегистрирован ли id.
func (r *Registry) Contains(id ident.Identifier) bool {
	_, ok := r.factories[id.String()]
	return ok
}

// IDs возвращает зарегистрированные id по возрастанию.
func (r *Registry) IDs() []ident.Identifier { return slices.Clone(r.ids) }

// HasFallback сообщает, есть ли запасная фабрика.
func (r *Registry) HasFallback() bool { return r.fallback != nil }

// Create создаёт пустую сущность для id.
func (r *Registry) Create(id ident.Identifier) (Entity, error) {
	f, ok := r.factories[id.String()]
	if !ok {
		f = r.fallback
	}
	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	return f(id), nil
}

// Decode строит сущность по составному тегу.
func (r *Registry) Decode(data map[string]any) (Entity, error) {
	raw, ok := data[IDField].(string)
	if !ok {
		return nil, ErrNoID
	}
	id, err := ParseID(raw)
	if err != nil {
		return nil, err
	}
	e, err := r.Create(id)
	if err != nil {
		return nil, err
	}
	if err := e.Load(data); err != nil {
		return nil, fmt.Errorf("tile %s: %w", id, err)
	}
	return e, nil
}

// ParseID разбирает id сущности. Старые id без пространства имён
// ("Chest", "MobSpawner") переводятся в minecraft:chest, minecraft:mob_spawner.
func ParseID(s string) (ident.Identifier, error) {
	if strings.Contains(s, ":") {
		return ident.Parse(s)
	}
	var sb strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				sb.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		sb.WriteRune(r)
	}
	return ident.New("minecraft", sb.String())
}

// Стандартные id.
var (
	SignID  = ident.MustParse("minecraft:sign")
	ChestID = ident.MustParse("minecraft:chest")
)

// Defaults возвращает общий реестр: таблички, сундуки и Unknown для остального.
var Defaults = sync.OnceValue(func() *Registry {
	r, err := NewBuilder().
		MustAdd(SignID, NewSign).
		MustAdd(ChestID, NewChest).
		Fallback(NewUnknown).
		Build()
	if err != nil {
		panic(err)
	}
	return r
})
