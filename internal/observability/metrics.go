package observability

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/annel0/voxel-store/internal/logging"
	"github.com/annel0/voxel-store/internal/save"
	"github.com/annel0/voxel-store/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/mem"
)

// Stats - снимок состояния хранилища для экспортера.
type Stats struct {
	Worlds         int
	LoadedChunks   int
	PendingTasks   int
	CompletedTasks int64
}

// StatsProvider отдаёт текущее состояние. Экспортер не знает о конкретной
// реализации: ему достаточно этого метода.
type StatsProvider interface {
	Stats() Stats
}

// StatsFunc адаптирует функцию к StatsProvider.
type StatsFunc func() Stats

func (f StatsFunc) Stats() Stats { return f() }

// SaveStats собирает Stats по сохранению и, если задан, пулу загрузок.
func SaveStats(s *save.Save, pool *task.Pool) StatsProvider {
	return StatsFunc(func() Stats {
		var st Stats
		for _, w := range s.Worlds() {
			st.Worlds++
			st.LoadedChunks += w.Manager().Len()
		}
		if pool != nil {
			st.PendingTasks = pool.Pending()
			st.CompletedTasks = pool.Completed()
		}
		return st
	})
}

// MetricsExporter управляет HTTP-эндпоинтом Prometheus и периодически
// обновляет Gauge/Counter по StatsProvider.
type MetricsExporter struct {
	reg      *prometheus.Registry
	stats    StatsProvider
	interval time.Duration

	worlds     prometheus.Gauge
	chunks     prometheus.Gauge
	pending    prometheus.Gauge
	completed  prometheus.Counter
	memoryUsed prometheus.Gauge

	mu     sync.Mutex
	prev   Stats
	server *http.Server
	quit   chan struct{}
	done   chan struct{}
}

// NewMetricsExporter создаёт экспортер поверх reg, но не запускает HTTP-сервер.
// В reg также регистрируются коллекторы Go-рантайма и процесса.
func NewMetricsExporter(reg *prometheus.Registry, stats StatsProvider) *MetricsExporter {
	me := &MetricsExporter{
		reg:      reg,
		stats:    stats,
		interval: time.Second,
		worlds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voxel",
			Subsystem: "save",
			Name:      "worlds_loaded",
			Help:      "Количество загруженных миров.",
		}),
		chunks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voxel",
			Subsystem: "save",
			Name:      "chunks_loaded",
			Help:      "Чанки во всех загруженных мирах.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voxel",
			Subsystem: "pool",
			Name:      "pending_tasks",
			Help:      "Задачи в очереди пула загрузок.",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voxel",
			Subsystem: "pool",
			Name:      "completed_tasks_total",
			Help:      "Выполненные задачи пула загрузок.",
		}),
		memoryUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voxel",
			Subsystem: "host",
			Name:      "memory_used_percent",
			Help:      "Занятая память хоста в процентах.",
		}),
	}
	reg.MustRegister(me.worlds, me.chunks, me.pending, me.completed, me.memoryUsed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return me
}

// Handler возвращает HTTP-обработчик /metrics.
func (m *MetricsExporter) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Update один раз переносит Stats в метрики.
func (m *MetricsExporter) Update() {
	stats := m.stats.Stats()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.worlds.Set(float64(stats.Worlds))
	m.chunks.Set(float64(stats.LoadedChunks))
	m.pending.Set(float64(stats.PendingTasks))
	// Для коррекции Counter храним прошлое значение и прибавляем дельту.
	if delta := stats.CompletedTasks - m.prev.CompletedTasks; delta > 0 {
		m.completed.Add(float64(delta))
	}
	m.prev = stats

	if vm, err := mem.VirtualMemory(); err == nil {
		m.memoryUsed.Set(vm.UsedPercent)
	}
}

// StartHTTP запускает HTTP-эндпоинт Prometheus на addr (например, ":2112").
// Метод неблокирующий: сервер и обновление метрик работают в горутинах.
func (m *MetricsExporter) StartHTTP(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	m.mu.Lock()
	m.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	m.quit = make(chan struct{})
	m.done = make(chan struct{})
	server := m.server
	m.mu.Unlock()

	go func() {
		logging.Info("📈 Prometheus /metrics доступен по адресу %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Ошибка Prometheus HTTP сервера: %v", err)
		}
	}()
	go m.loop()
}

// Stop останавливает обновление метрик и HTTP-сервер.
func (m *MetricsExporter) Stop(ctx context.Context) error {
	m.mu.Lock()
	server, quit, done := m.server, m.quit, m.done
	m.server = nil
	m.mu.Unlock()
	if server == nil {
		return nil
	}
	close(quit)
	<-done
	return server.Shutdown(ctx)
}

func (m *MetricsExporter) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	defer close(m.done)

	for {
		select {
		case <-ticker.C:
			m.Update()
		case <-m.quit:
			return
		}
	}
}
