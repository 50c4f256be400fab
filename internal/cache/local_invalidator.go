package cache

import (
	"context"
	"sync"

	"github.com/annel0/voxel-store/internal/logging"
	"github.com/google/uuid"
)

// LocalHub - шина инвалидаций внутри одного процесса.
// Узлы, созданные через Node, получают ключи, опубликованные другими узлами.
type LocalHub struct {
	mu    sync.RWMutex
	nodes map[string]*LocalInvalidator
}

// NewLocalHub создаёт пустую шину.
func NewLocalHub() *LocalHub {
	return &LocalHub{nodes: make(map[string]*LocalInvalidator)}
}

// Node регистрирует новый узел на шине.
func (h *LocalHub) Node() *LocalInvalidator {
	n := &LocalInvalidator{hub: h, nodeID: uuid.NewString()}
	h.mu.Lock()
	h.nodes[n.nodeID] = n
	h.mu.Unlock()
	return n
}

func (h *LocalHub) broadcast(from, key string) {
	h.mu.RLock()
	targets := make([]*LocalInvalidator, 0, len(h.nodes))
	for id, n := range h.nodes {
		if id != from {
			targets = append(targets, n)
		}
	}
	h.mu.RUnlock()

	for _, n := range targets {
		n.deliver(key)
	}
}

// LocalInvalidator - узел LocalHub. Реализует CacheInvalidator.
type LocalInvalidator struct {
	hub     *LocalHub
	nodeID  string
	mu      sync.Mutex
	handler InvalidationHandler
}

// NodeID возвращает идентификатор узла.
func (n *LocalInvalidator) NodeID() string { return n.nodeID }

// PublishInvalidation синхронно доставляет key остальным узлам.
func (n *LocalInvalidator) PublishInvalidation(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.hub.broadcast(n.nodeID, key)
	return nil
}

// SubscribeInvalidations устанавливает обработчик. Отмена ctx снимает его.
func (n *LocalInvalidator) SubscribeInvalidations(ctx context.Context, handler InvalidationHandler) error {
	n.mu.Lock()
	if n.handler != nil {
		n.mu.Unlock()
		return ErrAlreadySubscribed
	}
	n.handler = handler
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		n.handler = nil
		n.mu.Unlock()
	}()
	return nil
}

func (n *LocalInvalidator) deliver(key string) {
	n.mu.Lock()
	h := n.handler
	n.mu.Unlock()
	if h == nil {
		return
	}
	if err := h(key); err != nil {
		logging.Error("Invalidation handler failed for key %s: %v", key, err)
	}
}

// Close снимает узел с шины.
func (n *LocalInvalidator) Close() error {
	n.hub.mu.Lock()
	delete(n.hub.nodes, n.nodeID)
	n.hub.mu.Unlock()
	return nil
}
