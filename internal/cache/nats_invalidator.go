package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/voxel-store/internal/logging"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// ErrAlreadySubscribed - у инвалидатора уже есть обработчик.
var ErrAlreadySubscribed = errors.New("cache: already subscribed to invalidations")

// InvalidatorConfig содержит конфигурацию NATS инвалидатора.
type InvalidatorConfig struct {
	NATSURL string `yaml:"nats_url" toml:"nats_url" json:"nats_url"`
	// Subject общий для всех процессов одного сохранения.
	Subject string `yaml:"subject" toml:"subject" json:"subject"`

	MaxReconnects int           `yaml:"max_reconnects" toml:"max_reconnects" json:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" toml:"reconnect_wait" json:"reconnect_wait"`

	// DedupeWindow - сколько помнить полученные сообщения.
	DedupeWindow time.Duration `yaml:"dedupe_window" toml:"dedupe_window" json:"dedupe_window"`
	// PublishTimeout ограничивает ожидание подтверждения сервера.
	PublishTimeout time.Duration `yaml:"publish_timeout" toml:"publish_timeout" json:"publish_timeout"`
}

func (c *InvalidatorConfig) withDefaults() {
	if c.Subject == "" {
		c.Subject = "voxel.invalidation"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 10
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.DedupeWindow == 0 {
		c.DedupeWindow = 5 * time.Second
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = 5 * time.Second
	}
}

// InvalidationMessage - уведомление о сохранённом чанке.
// Пара (NodeID, Seq) уникальна для каждой публикации.
type InvalidationMessage struct {
	Key     string    `json:"key"`
	NodeID  string    `json:"node_id"`
	Seq     uint64    `json:"seq"`
	SavedAt time.Time `json:"saved_at"`
}

func (m *InvalidationMessage) id() string {
	return fmt.Sprintf("%s/%d", m.NodeID, m.Seq)
}

// InvalidatorStats - счётчики инвалидатора.
type InvalidatorStats struct {
	Published  int64
	Received   int64
	Duplicates int64
	Errors     int64
	Connected  bool
}

// NATSInvalidator рассылает ключи сохранённых чанков между процессами,
// открывшими одно сохранение. Свои сообщения и повторные доставки
// обработчику не передаются.
type NATSInvalidator struct {
	conn   *nats.Conn
	config InvalidatorConfig
	nodeID string
	seq    atomic.Uint64

	mu      sync.Mutex
	sub     *nats.Subscription
	handler InvalidationHandler

	seenMu sync.Mutex
	seen   map[string]time.Time

	published  atomic.Int64
	received   atomic.Int64
	duplicates atomic.Int64
	failed     atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewNATSInvalidator подключается к NATS. Пустой nodeID заменяется случайным UUID.
func NewNATSInvalidator(config *InvalidatorConfig, nodeID string) (*NATSInvalidator, error) {
	cfg := *config
	cfg.withDefaults()
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	conn, err := nats.Connect(cfg.NATSURL,
		nats.Name("voxel-store "+nodeID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logging.Warn("⚠️ NATS отключён: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("🔌 NATS переподключён к %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	n := &NATSInvalidator{
		conn:   conn,
		config: cfg,
		nodeID: nodeID,
		seen:   make(map[string]time.Time),
		stopCh: make(chan struct{}),
	}
	n.wg.Add(1)
	go n.cleanupLoop()

	logging.Info("📡 NATS инвалидатор: %s (subject: %s, node: %s)", cfg.NATSURL, cfg.Subject, nodeID)
	return n, nil
}

// NodeID возвращает идентификатор узла в сообщениях.
func (n *NATSInvalidator) NodeID() string { return n.nodeID }

// Stats возвращает снимок счётчиков.
func (n *NATSInvalidator) Stats() InvalidatorStats {
	return InvalidatorStats{
		Published:  n.published.Load(),
		Received:   n.received.Load(),
		Duplicates: n.duplicates.Load(),
		Errors:     n.failed.Load(),
		Connected:  n.conn.IsConnected(),
	}
}

// PublishInvalidation публикует key и ждёт подтверждения сервера
// не дольше PublishTimeout.
func (n *NATSInvalidator) PublishInvalidation(ctx context.Context, key string) error {
	data, err := json.Marshal(&InvalidationMessage{
		Key:     key,
		NodeID:  n.nodeID,
		Seq:     n.seq.Add(1),
		SavedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.config.Subject, data); err != nil {
		n.failed.Add(1)
		return fmt.Errorf("publish invalidation %s: %w", key, err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.config.PublishTimeout)
	defer cancel()
	if err := n.conn.FlushWithContext(ctx); err != nil {
		n.failed.Add(1)
		return fmt.Errorf("flush invalidation %s: %w", key, err)
	}
	n.published.Add(1)
	logging.Trace("📤 Инвалидация %s", key)
	return nil
}

// SubscribeInvalidations регистрирует единственный обработчик.
// Подписка снимается при отмене ctx или Close.
func (n *NATSInvalidator) SubscribeInvalidations(ctx context.Context, handler InvalidationHandler) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sub != nil {
		return ErrAlreadySubscribed
	}
	sub, err := n.conn.Subscribe(n.config.Subject, n.receive)
	if err != nil {
		return fmt.Errorf("subscribe invalidations: %w", err)
	}
	n.sub, n.handler = sub, handler

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		select {
		case <-ctx.Done():
		case <-n.stopCh:
		}
		n.unsubscribe()
	}()
	logging.Info("📥 Подписка на инвалидации: %s", n.config.Subject)
	return nil
}

func (n *NATSInvalidator) unsubscribe() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sub == nil {
		return
	}
	if err := n.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		logging.Warn("⚠️ Ошибка отписки от инвалидаций: %v", err)
	}
	n.sub, n.handler = nil, nil
}

func (n *NATSInvalidator) receive(msg *nats.Msg) {
	n.received.Add(1)

	var m InvalidationMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		n.failed.Add(1)
		logging.Warn("⚠️ Битое сообщение инвалидации: %v", err)
		return
	}
	if m.NodeID == n.nodeID {
		return
	}
	if !n.remember(m.id()) {
		n.duplicates.Add(1)
		return
	}

	n.mu.Lock()
	handler := n.handler
	n.mu.Unlock()
	if handler == nil {
		return
	}
	if err := handler(m.Key); err != nil {
		n.failed.Add(1)
		logging.Error("Ошибка обработки инвалидации %s от %s: %v", m.Key, m.NodeID, err)
	}
}

// remember отмечает сообщение полученным. false - оно уже было.
func (n *NATSInvalidator) remember(id string) bool {
	n.seenMu.Lock()
	defer n.seenMu.Unlock()
	if _, ok := n.seen[id]; ok {
		return false
	}
	n.seen[id] = time.Now()
	return true
}

func (n *NATSInvalidator) cleanupLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.config.DedupeWindow)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			n.forget(now.Add(-n.config.DedupeWindow))
		case <-n.stopCh:
			return
		}
	}
}

// forget удаляет сообщения, полученные раньше before.
func (n *NATSInvalidator) forget(before time.Time) {
	n.seenMu.Lock()
	defer n.seenMu.Unlock()
	for id, at := range n.seen {
		if at.Before(before) {
			delete(n.seen, id)
		}
	}
}

// Close снимает подписку и закрывает соединение. Повторный вызов безопасен.
func (n *NATSInvalidator) Close() error {
	n.once.Do(func() {
		close(n.stopCh)
		n.wg.Wait()
		n.conn.Close()
		logging.Info("📴 NATS инвалидатор закрыт")
	})
	return nil
}
