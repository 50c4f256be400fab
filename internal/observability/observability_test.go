package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/annel0/voxel-store/internal/registry"
	"github.com/annel0/voxel-store/internal/save"
	"github.com/annel0/voxel-store/internal/storage"
	"github.com/annel0/voxel-store/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

func TestMetricsExporter_Update(t *testing.T) {
	stats := Stats{Worlds: 2, LoadedChunks: 7, PendingTasks: 1, CompletedTasks: 5}
	me := NewMetricsExporter(prometheus.NewRegistry(), StatsFunc(func() Stats { return stats }))

	me.Update()
	stats.CompletedTasks = 8
	stats.LoadedChunks = 3
	me.Update()

	assert.Equal(t, 2.0, testutil.ToFloat64(me.worlds))
	assert.Equal(t, 3.0, testutil.ToFloat64(me.chunks))
	assert.Equal(t, 1.0, testutil.ToFloat64(me.pending))
	assert.Equal(t, 8.0, testutil.ToFloat64(me.completed), "счётчик растёт на дельту")

	rec := httptest.NewRecorder()
	me.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "voxel_save_worlds_loaded 2")
	assert.Contains(t, body, "voxel_pool_completed_tasks_total 8")
	assert.Contains(t, body, "go_goroutines")
}

func TestMetricsExporter_StopWithoutStart(t *testing.T) {
	me := NewMetricsExporter(prometheus.NewRegistry(), StatsFunc(func() Stats { return Stats{} }))
	assert.NoError(t, me.Stop(context.Background()))
}

func TestSaveStats(t *testing.T) {
	ctx := context.Background()
	pool := task.NewPool(2, 8)
	defer pool.Stop()

	s, err := save.New(t.TempDir(), save.Options{Executor: pool}, nil,
		save.WithProvider(save.NewKVProvider(storage.NewMemory())))
	require.NoError(t, err)
	defer s.Release()

	w, err := s.GetOrLoadWorld(ctx, registry.Overworld)
	require.NoError(t, err)
	_, err = w.GetOrLoadChunk(ctx, 0, 0)
	require.NoError(t, err)
	_, err = w.GetOrLoadChunk(ctx, 1, 0)
	require.NoError(t, err)

	st := SaveStats(s, pool).Stats()
	assert.Equal(t, 1, st.Worlds)
	assert.Equal(t, 2, st.LoadedChunks)
	assert.Eventually(t, func() bool {
		return SaveStats(s, pool).Stats().CompletedTasks >= 3
	}, time.Second, 5*time.Millisecond, "мир и чанки загружены через пул")
}

func TestInitTelemetry(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := InitTelemetry(context.Background(), Telemetry{
		ServiceName: "voxel-test",
		NodeID:      "node-a",
		Endpoint:    "127.0.0.1:4318",
		Insecure:    true,
	})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NotSame(t, prev, otel.GetTracerProvider())
	assert.NoError(t, shutdown(context.Background()), "без спанов экспорт не нужен")
}

func TestTelemetry_Resource(t *testing.T) {
	tel := Telemetry{
		ServiceName:    "voxel-store",
		ServiceVersion: "1.2.0",
		NodeID:         "node-b",
		Attributes:     map[string]string{"save.root": "/srv/world", "deployment": "eu-1"},
	}
	res, err := tel.resource(context.Background())
	require.NoError(t, err)

	for key, want := range map[attribute.Key]string{
		semconv.ServiceNameKey:       "voxel-store",
		semconv.ServiceVersionKey:    "1.2.0",
		semconv.ServiceInstanceIDKey: "node-b",
		"save.root":                  "/srv/world",
		"deployment":                 "eu-1",
	} {
		v, ok := res.Set().Value(key)
		require.True(t, ok, "нет атрибута %s", key)
		assert.Equal(t, want, v.AsString(), key)
	}

	res, err = Telemetry{ServiceName: "bare"}.resource(context.Background())
	require.NoError(t, err)
	_, ok := res.Set().Value(semconv.ServiceInstanceIDKey)
	assert.False(t, ok, "пустой узел не попадает в ресурс")
}

func TestTelemetry_Sampler(t *testing.T) {
	assert.Contains(t, Telemetry{}.sampler().Description(), "AlwaysOnSampler")
	assert.Contains(t, Telemetry{SampleRatio: 1.5}.sampler().Description(), "AlwaysOnSampler")
	assert.Contains(t, Telemetry{SampleRatio: 0.25}.sampler().Description(), "TraceIDRatioBased{0.25}")
}
