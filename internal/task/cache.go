package task

import (
	"sync"
)

// DefaultShards - число шардов кэша по умолчанию.
const DefaultShards = 32

// Cache - шардированная карта ключ -> Future с атомарной вставкой
// "если отсутствует". На каждый ключ приходится не больше одной задачи.
// Future, завершившийся ошибкой, удаляется из кэша до пробуждения ожидающих.
type Cache[K comparable, V any] struct {
	shards []*cacheShard[K, V]
	hash   func(K) uint64
}

type cacheShard[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*Future[V]
}

// NewCache создаёт кэш из shards шардов; hash выбирает шард для ключа.
func NewCache[K comparable, V any](shards int, hash func(K) uint64) *Cache[K, V] {
	if shards <= 0 {
		shards = DefaultShards
	}
	c := &Cache[K, V]{
		shards: make([]*cacheShard[K, V], shards),
		hash:   hash,
	}
	for i := range c.shards {
		c.shards[i] = &cacheShard[K, V]{entries: make(map[K]*Future[V])}
	}
	return c
}

func (c *Cache[K, V]) shard(key K) *cacheShard[K, V] {
	return c.shards[c.hash(key)%uint64(len(c.shards))]
}

// LoadOrStart возвращает Future для key. Если записи нет, новый Future
// вставляется под блокировкой шарда, а launch вызывается уже после неё.
// started сообщает, что задачу запустил именно этот вызов.
func (c *Cache[K, V]) LoadOrStart(key K, launch func(f *Future[V])) (f *Future[V], started bool) {
	s := c.shard(key)
	s.mu.Lock()
	if existing, ok := s.entries[key]; ok {
		s.mu.Unlock()
		return existing, false
	}
	f = NewFuture[V]()
	s.entries[key] = f
	s.mu.Unlock()

	f.Then(func(_ V, err error) {
		if err != nil {
			c.RemoveIf(key, f)
		}
	})
	launch(f)
	return f, true
}

// Get возвращает Future для key, если он есть.
func (c *Cache[K, V]) Get(key K) (*Future[V], bool) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.entries[key]
	return f, ok
}

// Locked вызывает fn под блокировкой шарда с текущей записью (или nil).
// Если fn возвращает remove=true, запись удаляется.
func (c *Cache[K, V]) Locked(key K, fn func(cur *Future[V]) (remove bool)) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.entries[key]
	if fn(cur) && cur != nil {
		delete(s.entries, key)
	}
}

// Remove удаляет запись и возвращает её.
func (c *Cache[K, V]) Remove(key K) (*Future[V], bool) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	return f, ok
}

// RemoveIf удаляет запись, только если она всё ещё указывает на f.
func (c *Cache[K, V]) RemoveIf(key K, f *Future[V]) bool {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[key]; ok && cur == f {
		delete(s.entries, key)
		return true
	}
	return false
}

// Range обходит снимок записей. fn вызывается без блокировок.
func (c *Cache[K, V]) Range(fn func(key K, f *Future[V]) bool) {
	type entry struct {
		key K
		f   *Future[V]
	}
	var snapshot []entry
	for _, s := range c.shards {
		s.mu.Lock()
		for k, f := range s.entries {
			snapshot = append(snapshot, entry{k, f})
		}
		s.mu.Unlock()
	}
	for _, e := range snapshot {
		if !fn(e.key, e.f) {
			return
		}
	}
}

// Len возвращает число записей, включая незавершённые.
func (c *Cache[K, V]) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
