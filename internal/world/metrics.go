package world

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// managerMetrics - Prometheus-метрики менеджера чанков одного измерения.
type managerMetrics struct {
	loads         prometheus.Counter
	loadFailures  prometheus.Counter
	hits          prometheus.Counter
	misses        prometheus.Counter
	evictions     prometheus.Counter
	savedSections prometheus.Counter
	loaded        prometheus.Gauge
	inflight      prometheus.Gauge
	loadSeconds   prometheus.Histogram
}

// newManagerMetrics создаёт метрики с меткой измерения. Если reg не nil,
// метрики регистрируются в нём; уже зарегистрированные переиспользуются.
func newManagerMetrics(reg prometheus.Registerer, dimension string) *managerMetrics {
	labels := prometheus.Labels{"dimension": dimension}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "voxel",
			Subsystem:   "chunks",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "voxel",
			Subsystem:   "chunks",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	m := &managerMetrics{
		loads:         counter("loads_total", "Общее число загрузок чанков из хранилища."),
		loadFailures:  counter("load_failures_total", "Загрузки чанков, завершившиеся ошибкой или отменой."),
		hits:          counter("cache_hits_total", "Обращения, нашедшие чанк в кэше."),
		misses:        counter("cache_misses_total", "Обращения, запустившие загрузку."),
		evictions:     counter("evictions_total", "Выгруженные чанки."),
		savedSections: counter("saved_sections_total", "Сохранённые секции."),
		loaded:        gauge("loaded", "Количество загруженных чанков."),
		inflight:      gauge("inflight_loads", "Загрузки чанков, находящиеся в процессе."),
		loadSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "voxel",
			Subsystem:   "chunks",
			Name:        "load_duration_seconds",
			Help:        "Длительность загрузки чанка из хранилища.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
	if reg == nil {
		return m
	}

	register := func(c prometheus.Collector) prometheus.Collector {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return are.ExistingCollector
			}
		}
		return c
	}
	m.loads = register(m.loads).(prometheus.Counter)
	m.loadFailures = register(m.loadFailures).(prometheus.Counter)
	m.hits = register(m.hits).(prometheus.Counter)
	m.misses = register(m.misses).(prometheus.Counter)
	m.evictions = register(m.evictions).(prometheus.Counter)
	m.savedSections = register(m.savedSections).(prometheus.Counter)
	m.loaded = register(m.loaded).(prometheus.Gauge)
	m.inflight = register(m.inflight).(prometheus.Gauge)
	m.loadSeconds = register(m.loadSeconds).(prometheus.Histogram)
	return m
}
