package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"negotiation-hive/internal/domain"
)

const (
	cpuQuery = `avg(rate(container_cpu_usage_seconds_total{namespace="default"}[5m])) * 100`
	memQuery = `avg(container_memory_working_set_bytes{namespace="default"}) / 1024 / 1024`

	statusOK       = "ok"
	statusPartial  = "PARTIAL"
	statusUnstable = "unstable"
)

// vitalsCache keeps the last snapshot. The fresh key expires after the TTL;
// the stale key does not and serves as fallback when Prometheus is down.
type vitalsCache struct {
	rdb      *redis.Client
	freshKey string
	staleKey string
	ttl      time.Duration
}

func newVitalsCache(rdb *redis.Client, prefix string, ttl time.Duration) *vitalsCache {
	if rdb == nil {
		return nil
	}
	return &vitalsCache{
		rdb:      rdb,
		freshKey: prefix + ":vitals",
		staleKey: prefix + ":vitals:last",
		ttl:      ttl,
	}
}

func (c *vitalsCache) get(ctx context.Context, ignoreTTL bool) (domain.SystemVitals, bool) {
	if c == nil {
		return domain.SystemVitals{}, false
	}
	key := c.freshKey
	if ignoreTTL {
		key = c.staleKey
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return domain.SystemVitals{}, false
	}
	var v domain.SystemVitals
	if err := json.Unmarshal(raw, &v); err != nil {
		return domain.SystemVitals{}, false
	}
	return v, true
}

func (c *vitalsCache) set(ctx context.Context, v domain.SystemVitals) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.freshKey, data, c.ttl)
		pipe.Set(ctx, c.staleKey, data, 0)
		return nil
	})
	return err
}

// vitalsSource queries Prometheus for CPU and memory of the deployment.
type vitalsSource struct {
	api     promv1.API
	timeout time.Duration
	cache   *vitalsCache
	now     func() time.Time
	logger  zerolog.Logger
}

func newVitalsSource(prometheusURL string, timeout time.Duration, cache *vitalsCache, logger zerolog.Logger) (*vitalsSource, error) {
	src := &vitalsSource{timeout: timeout, cache: cache, now: time.Now, logger: logger}
	if prometheusURL == "" {
		return src, nil
	}
	client, err := api.NewClient(api.Config{Address: strings.TrimRight(prometheusURL, "/")})
	if err != nil {
		return nil, fmt.Errorf("prometheus client: %w", err)
	}
	src.api = promv1.NewAPI(client)
	return src, nil
}

// Fetch returns a vitals snapshot. It never fails: any error degrades to the
// stale cached value or to an unstable snapshot.
func (s *vitalsSource) Fetch(ctx context.Context) domain.SystemVitals {
	if cached, ok := s.cache.get(ctx, false); ok {
		cached.Cached = true
		return cached
	}

	if s.api == nil {
		return s.degrade(ctx, "prometheus url not configured")
	}

	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		cpu, mem       float64
		cpuErr, memErr error
	)
	g, gctx := errgroup.WithContext(qctx)
	g.Go(func() error {
		cpu, cpuErr = s.scalar(gctx, cpuQuery)
		return nil
	})
	g.Go(func() error {
		mem, memErr = s.scalar(gctx, memQuery)
		return nil
	})
	_ = g.Wait()

	var warnings []string
	if cpuErr != nil {
		warnings = append(warnings, "cpu_"+reason(cpuErr))
	}
	if memErr != nil {
		warnings = append(warnings, "mem_"+reason(memErr))
	}
	if cpuErr != nil && memErr != nil {
		return s.degrade(ctx, "Metric fetch failed: "+strings.Join(warnings, ", "))
	}

	v := domain.SystemVitals{
		Status:          statusOK,
		CPUUsagePercent: round2(cpu),
		MemoryUsageMB:   round2(mem),
		Timestamp:       s.now().UTC(),
	}
	if len(warnings) > 0 {
		v.Status = statusPartial
		v.Warnings = warnings
	}
	if err := s.cache.set(ctx, v); err != nil {
		s.logger.Debug().Err(err).Msg("vitals cache write failed")
	}
	return v
}

func (s *vitalsSource) degrade(ctx context.Context, msg string) domain.SystemVitals {
	if stale, ok := s.cache.get(ctx, true); ok {
		stale.Cached = true
		stale.Error = "Stale data due to: " + msg
		return stale
	}
	v := domain.UnstableVitals(msg)
	v.Timestamp = s.now().UTC()
	return v
}

var errNoData = errors.New("no_data")

func (s *vitalsSource) scalar(ctx context.Context, query string) (float64, error) {
	value, _, err := s.api.Query(ctx, query, s.now())
	if err != nil {
		return 0, err
	}
	vec, ok := value.(model.Vector)
	if !ok || len(vec) == 0 {
		if sc, ok := value.(*model.Scalar); ok {
			return float64(sc.Value), nil
		}
		return 0, errNoData
	}
	f := float64(vec[0].Value)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errNoData
	}
	return f, nil
}

func reason(err error) string {
	if errors.Is(err, errNoData) {
		return "no_data"
	}
	return "fetch_error"
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
