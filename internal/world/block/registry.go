// Package block содержит реестр состояний блоков. Каноническое
// представление состояния - пара (идентификатор, meta); legacy id и
// runtime id выводятся из неё таблицами, построенными при сборке реестра.
package block

import (
	"errors"
	"fmt"
	"slices"

	"github.com/annel0/voxel-store/internal/ident"
	"github.com/annel0/voxel-store/internal/registry"
	"github.com/brentp/intintmap"
)

// MaxMeta - наибольшее допустимое значение meta.
const MaxMeta = 0xFFFF

var (
	// ErrUnknownBlock - блок не зарегистрирован.
	ErrUnknownBlock = errors.New("block: unknown block")
	// ErrInvalidMeta - meta не зарегистрирована для блока.
	ErrInvalidMeta = errors.New("block: invalid meta")
	// ErrUnknownRuntimeID - runtime id вне реестра.
	ErrUnknownRuntimeID = errors.New("block: unknown runtime id")
	// ErrNoAir - в реестре нет minecraft:air.
	ErrNoAir = errors.New("block: registry has no minecraft:air")
)

// Стандартные имена.
var (
	Name = ident.MustParse("minecraft:block")
	Air  = ident.MustParse("minecraft:air")
)

// entry - один зарегистрированный блок со всеми его состояниями.
type entry struct {
	id       ident.Identifier
	legacyID int
	metas    []int    // зарегистрированные meta по возрастанию
	states   []*State // индекс = meta; nil для незарегистрированных
}

// Registry - неизменяемый реестр блоков и их состояний.
type Registry struct {
	ids      *registry.Registry
	entries  []*entry          // по возрастанию legacy id
	byName   map[string]*entry // каноническая строка -> блок
	byLegacy *intintmap.Map    // legacy id -> индекс в entries
	states   []*State          // индекс = runtime id
	air      *State
}

// Builder собирает Registry.
type Builder struct {
	ids    *registry.Builder
	metas  map[ident.Identifier][]int
	legacy map[ident.Identifier]int
	built  bool
}

// NewBuilder создаёт пустой Builder.
func NewBuilder() *Builder {
	return &Builder{
		ids:    registry.NewBuilder(Name),
		metas:  make(map[ident.Identifier][]int),
		legacy: make(map[ident.Identifier]int),
	}
}

// Register добавляет блок с набором meta. Пустой набор означает {0}.
func (b *Builder) Register(id ident.Identifier, legacyID int, metas ...int) error {
	if b.built {
		return registry.ErrBuilt
	}
	if len(metas) == 0 {
		metas = []int{0}
	}
	sorted := slices.Clone(metas)
	slices.Sort(sorted)
	for i, m := range sorted {
		if m < 0 || m > MaxMeta {
			return fmt.Errorf("%w: %s meta %d out of range", ErrInvalidMeta, id, m)
		}
		if i > 0 && sorted[i-1] == m {
			return fmt.Errorf("%w: %s duplicate meta %d", ErrInvalidMeta, id, m)
		}
	}
	if err := b.ids.Register(id, legacyID); err != nil {
		return err
	}
	b.metas[id] = sorted
	b.legacy[id] = legacyID
	return nil
}

// MustRegister как Register, но паникует при ошибке.
func (b *Builder) MustRegister(id ident.Identifier, legacyID int, metas ...int) *Builder {
	if err := b.Register(id, legacyID, metas...); err != nil {
		panic(err)
	}
	return b
}

// Build собирает реестр. Runtime id раздаются плотно в порядке (legacy id, meta).
func (b *Builder) Build() (*Registry, error) {
	if b.built {
		return nil, registry.ErrBuilt
	}
	if _, ok := b.metas[Air]; !ok {
		return nil, ErrNoAir
	}
	ids, err := b.ids.Build()
	if err != nil {
		return nil, err
	}
	b.built = true

	r := &Registry{
		ids:      ids,
		entries:  make([]*entry, 0, ids.Size()),
		byName:   make(map[string]*entry, ids.Size()),
		byLegacy: intintmap.New(ids.Size()+1, 0.6),
	}
	ids.ForEach(func(id ident.Identifier, legacyID int) bool {
		metas := b.metas[id]
		e := &entry{
			id:       id,
			legacyID: legacyID,
			metas:    metas,
			states:   make([]*State, metas[len(metas)-1]+1),
		}
		for _, m := range metas {
			s := &State{
				id:        id,
				legacyID:  legacyID,
				meta:      m,
				runtimeID: len(r.states),
				block:     e,
				registry:  r,
			}
			e.states[m] = s
			r.states = append(r.states, s)
		}
		r.byLegacy.Put(int64(legacyID), int64(len(r.entries)))
		r.byName[id.String()] = e
		r.entries = append(r.entries, e)
		return true
	})
	r.air = r.byName[Air.String()].defaultState()
	return r, nil
}

func (e *entry) defaultState() *State {
	return e.states[e.metas[0]]
}

func (e *entry) state(meta int) (*State, error) {
	if meta < 0 || meta >= len(e.states) || e.states[meta] == nil {
		return nil, fmt.Errorf("%w: %s meta %d", ErrInvalidMeta, e.id, meta)
	}
	return e.states[meta], nil
}

func (r *Registry) lookup(id ident.Identifier) (*entry, error) {
	if e, ok := r.byName[id.String()]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, id)
}

func (r *Registry) lookupLegacy(legacyID int) (*entry, error) {
	if i, ok := r.byLegacy.Get(int64(legacyID)); ok {
		return r.entries[i], nil
	}
	return nil, fmt.Errorf("%w: legacy id %d", ErrUnknownBlock, legacyID)
}

// IDs возвращает реестр идентификатор <-> legacy id.
func (r *Registry) IDs() *registry.Registry { return r.ids }

// Air возвращает состояние воздуха по умолчанию.
func (r *Registry) Air() *State { return r.air }

// State возвращает состояние (id, meta).
func (r *Registry) State(id ident.Identifier, meta int) (*State, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.state(meta)
}

// StateByLegacyID возвращает состояние (legacy id, meta).
func (r *Registry) StateByLegacyID(legacyID, meta int) (*State, error) {
	e, err := r.lookupLegacy(legacyID)
	if err != nil {
		return nil, err
	}
	return e.state(meta)
}

// StateByRuntimeID возвращает состояние по runtime id.
func (r *Registry) StateByRuntimeID(runtimeID int) (*State, error) {
	if runtimeID < 0 || runtimeID >= len(r.states) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRuntimeID, runtimeID)
	}
	return r.states[runtimeID], nil
}

// DefaultState возвращает состояние блока с наименьшей meta.
func (r *Registry) DefaultState(id ident.Identifier) (*State, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.defaultState(), nil
}

// DefaultStateByLegacyID - DefaultState по legacy id.
func (r *Registry) DefaultStateByLegacyID(legacyID int) (*State, error) {
	e, err := r.lookupLegacy(legacyID)
	if err != nil {
		return nil, err
	}
	return e.defaultState(), nil
}

// RuntimeID возвращает runtime id состояния (id, meta).
func (r *Registry) RuntimeID(id ident.Identifier, meta int) (int, error) {
	s, err := r.State(id, meta)
	if err != nil {
		return 0, err
	}
	return s.runtimeID, nil
}

// RuntimeIDByLegacyID возвращает runtime id состояния (legacy id, meta).
func (r *Registry) RuntimeIDByLegacyID(legacyID, meta int) (int, error) {
	s, err := r.StateByLegacyID(legacyID, meta)
	if err != nil {
		return 0, err
	}
	return s.runtimeID, nil
}

// LegacyID возвращает legacy id блока.
func (r *Registry) LegacyID(id ident.Identifier) (int, error) {
	e, err := r.lookup(id)
	if err != nil {
		return 0, err
	}
	return e.legacyID, nil
}

// BlockID возвращает идентификатор блока по legacy id.
func (r *Registry) BlockID(legacyID int) (ident.Identifier, error) {
	e, err := r.lookupLegacy(legacyID)
	if err != nil {
		return ident.Identifier{}, err
	}
	return e.id, nil
}

// Metas возвращает копию зарегистрированных meta блока.
func (r *Registry) Metas(id ident.Identifier) ([]int, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return slices.Clone(e.metas), nil
}

// ContainsBlock сообщает, зарегистрирован ли блок.
func (r *Registry) ContainsBlock(id ident.Identifier) bool {
	_, ok := r.byName[id.String()]
	return ok
}

// ContainsLegacyID сообщает, занят ли legacy id.
func (r *Registry) ContainsLegacyID(legacyID int) bool {
	_, ok := r.byLegacy.Get(int64(legacyID))
	return ok
}

// ContainsState сообщает, зарегистрирована ли пара (id, meta).
func (r *Registry) ContainsState(id ident.Identifier, meta int) bool {
	_, err := r.State(id, meta)
	return err == nil
}

// ContainsRuntimeID сообщает, существует ли runtime id.
func (r *Registry) ContainsRuntimeID(runtimeID int) bool {
	return runtimeID >= 0 && runtimeID < len(r.states)
}

// Owns сообщает, что состояние создано этим реестром.
func (r *Registry) Owns(s *State) bool {
	return s != nil && s.registry == r
}

// Blocks возвращает количество блоков.
func (r *Registry) Blocks() int { return len(r.entries) }

// States возвращает количество состояний.
func (r *Registry) States() int { return len(r.states) }

// MaxRuntimeID возвращает наибольший runtime id.
func (r *Registry) MaxRuntimeID() int { return len(r.states) - 1 }

// ForEachBlockID обходит блоки по возрастанию legacy id.
func (r *Registry) ForEachBlockID(fn func(id ident.Identifier) bool) {
	for _, e := range r.entries {
		if !fn(e.id) {
			return
		}
	}
}

// ForEachLegacyID обходит legacy id по возрастанию.
func (r *Registry) ForEachLegacyID(fn func(legacyID int) bool) {
	for _, e := range r.entries {
		if !fn(e.legacyID) {
			return
		}
	}
}

// ForEachState обходит все состояния по возрастанию runtime id.
func (r *Registry) ForEachState(fn func(s *State) bool) {
	for _, s := range r.states {
		if !fn(s) {
			return
		}
	}
}

// ForEachRuntimeID обходит все runtime id по возрастанию.
func (r *Registry) ForEachRuntimeID(fn func(runtimeID int) bool) {
	for i := range r.states {
		if !fn(i) {
			return
		}
	}
}
