package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"negotiation-hive/internal/domain"
	"negotiation-hive/internal/skill"
)

type fakePrometheus struct {
	cpu, mem string
	down     atomic.Bool
	hits     atomic.Int32
}

func (f *fakePrometheus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.hits.Add(1)
	if f.down.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	value := f.mem
	if strings.Contains(r.FormValue("query"), "cpu") {
		value = f.cpu
	}
	result := "[]"
	if value != "" {
		result = fmt.Sprintf(`[{"metric":{},"value":[1700000000,%q]}]`, value)
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":%s}}`, result)
}

func newTelemetry(t *testing.T, promURL string, rdb *redis.Client, reg prometheus.Registerer) *Skill {
	t.Helper()
	s := NewSkill(zerolog.Nop())
	s.Bind(Settings{PrometheusURL: promURL, CacheTTL: 30 * time.Second, QueryTimeout: 2 * time.Second}, Provider{
		Redis:    rdb,
		Counters: NewCounters(reg),
	})
	require.True(t, s.Initialize(context.Background()))
	return s
}

func vitalsOf(t *testing.T, s *Skill) domain.SystemVitals {
	t.Helper()
	obs, err := s.Execute(context.Background(), IntentGetVitals, nil)
	require.NoError(t, err)
	require.True(t, obs.Success)
	return obs.Data.(domain.SystemVitals)
}

func TestVitalsAreFetchedAndCached(t *testing.T) {
	prom := &fakePrometheus{cpu: "42.123", mem: "512"}
	srv := httptest.NewServer(prom)
	defer srv.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	s := newTelemetry(t, srv.URL, rdb, prometheus.NewRegistry())

	v := vitalsOf(t, s)
	assert.Equal(t, "ok", v.Status)
	assert.Equal(t, 42.12, v.CPUUsagePercent)
	assert.Equal(t, 512.0, v.MemoryUsageMB)
	assert.False(t, v.Cached)
	hits := prom.hits.Load()

	v = vitalsOf(t, s)
	assert.True(t, v.Cached)
	assert.Equal(t, hits, prom.hits.Load())
}

func TestVitalsCacheWriteFailureIsLogged(t *testing.T) {
	srv := httptest.NewServer(&fakePrometheus{cpu: "12", mem: "256"})
	defer srv.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()

	var buf bytes.Buffer
	s := NewSkill(zerolog.New(&buf).Level(zerolog.DebugLevel))
	s.Bind(Settings{PrometheusURL: srv.URL, CacheTTL: 30 * time.Second, QueryTimeout: 2 * time.Second}, Provider{
		Redis:    rdb,
		Counters: NewCounters(prometheus.NewRegistry()),
	})
	require.True(t, s.Initialize(context.Background()))
	mr.Close()

	v := vitalsOf(t, s)
	assert.Equal(t, "ok", v.Status)
	assert.Contains(t, buf.String(), "vitals cache write failed")
}

func TestVitalsPartialWhenOneQueryHasNoData(t *testing.T) {
	srv := httptest.NewServer(&fakePrometheus{cpu: "10"})
	defer srv.Close()

	v := vitalsOf(t, newTelemetry(t, srv.URL, nil, prometheus.NewRegistry()))
	assert.Equal(t, "PARTIAL", v.Status)
	assert.Equal(t, []string{"mem_no_data"}, v.Warnings)
	assert.Equal(t, 10.0, v.CPUUsagePercent)
}

func TestVitalsFallBackToStaleCache(t *testing.T) {
	prom := &fakePrometheus{cpu: "55", mem: "256"}
	srv := httptest.NewServer(prom)
	defer srv.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	s := newTelemetry(t, srv.URL, rdb, prometheus.NewRegistry())
	require.Equal(t, "ok", vitalsOf(t, s).Status)

	mr.FastForward(time.Minute)
	prom.down.Store(true)

	v := vitalsOf(t, s)
	assert.True(t, v.Cached)
	assert.Equal(t, 55.0, v.CPUUsagePercent)
	assert.True(t, strings.HasPrefix(v.Error, "Stale data due to:"), v.Error)
}

func TestVitalsUnstableWithoutCache(t *testing.T) {
	prom := &fakePrometheus{}
	prom.down.Store(true)
	srv := httptest.NewServer(prom)
	defer srv.Close()

	v := vitalsOf(t, newTelemetry(t, srv.URL, nil, prometheus.NewRegistry()))
	assert.Equal(t, "unstable", v.Status)
	assert.Contains(t, v.Error, "cpu_fetch_error")

	v = vitalsOf(t, newTelemetry(t, "", nil, prometheus.NewRegistry()))
	assert.Equal(t, "unstable", v.Status)
}

func TestIncrementCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := newTelemetry(t, "", nil, reg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		obs, err := s.Execute(ctx, IntentIncrementCounter, skill.Params{"name": CounterNegotiations})
		require.NoError(t, err)
		require.True(t, obs.Success)
	}
	obs, err := s.Execute(ctx, IntentIncrementCounter, skill.Params{"name": "bogus_total"})
	require.NoError(t, err)
	assert.False(t, obs.Success)

	families, err := reg.Gather()
	require.NoError(t, err)
	var got float64
	for _, mf := range families {
		if mf.GetName() == CounterNegotiations {
			got = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, got)
}

func TestUnknownIntent(t *testing.T) {
	s := newTelemetry(t, "", nil, prometheus.NewRegistry())
	_, err := s.Execute(context.Background(), "reboot", nil)
	assert.Error(t, err)
}
