package save

import (
	"context"
	"errors"
	"sync"

	"github.com/annel0/voxel-store/internal/world"
)

// invalidationMux делит одну подписку на инвалидации между мирами
// сохранения: NATS и локальный инвалидатор допускают только одного
// подписчика, а миров может быть несколько.
type invalidationMux struct {
	inner world.Invalidator
	ctx   context.Context

	once   sync.Once
	subErr error

	mu       sync.RWMutex
	handlers map[uint64]world.InvalidationHandler
	next     uint64
}

func newInvalidationMux(ctx context.Context, inner world.Invalidator) *invalidationMux {
	return &invalidationMux{
		inner:    inner,
		ctx:      ctx,
		handlers: make(map[uint64]world.InvalidationHandler),
	}
}

func (m *invalidationMux) PublishInvalidation(ctx context.Context, key string) error {
	return m.inner.PublishInvalidation(ctx, key)
}

// SubscribeInvalidations добавляет обработчик; отмена ctx снимает его.
// Нижняя подписка создаётся при первом вызове и живёт до закрытия сохранения.
func (m *invalidationMux) SubscribeInvalidations(ctx context.Context, handler world.InvalidationHandler) error {
	m.once.Do(func() {
		m.subErr = m.inner.SubscribeInvalidations(m.ctx, m.dispatch)
	})
	if m.subErr != nil {
		return m.subErr
	}

	m.mu.Lock()
	id := m.next
	m.next++
	m.handlers[id] = handler
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
	}()
	return nil
}

// Len возвращает число активных обработчиков.
func (m *invalidationMux) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers)
}

func (m *invalidationMux) dispatch(key string) error {
	m.mu.RLock()
	handlers := make([]world.InvalidationHandler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
