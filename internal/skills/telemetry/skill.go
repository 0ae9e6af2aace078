// Package telemetry serves system vitals and business counters.
package telemetry

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"negotiation-hive/internal/domain"
	"negotiation-hive/internal/skill"
)

// Name is the registry key of the telemetry skill.
const Name = "telemetry"

// Intents served by the telemetry skill.
const (
	IntentFetchMetrics     = "fetch_metrics"
	IntentGetVitals        = "get_vitals"
	IntentHealthCheck      = "health_check"
	IntentIncrementCounter = "increment_counter"
)

// Settings locate Prometheus and shape the cache.
type Settings struct {
	PrometheusURL string
	CacheTTL      time.Duration
	QueryTimeout  time.Duration
	CachePrefix   string
	Service       string
}

// Provider carries shared clients. Redis is optional.
type Provider struct {
	Redis    *redis.Client
	Counters *Counters
}

// Skill implements the telemetry capability.
type Skill struct {
	settings Settings
	provider Provider
	source   *vitalsSource
	logger   zerolog.Logger
}

// NewSkill constructs an unbound telemetry skill.
func NewSkill(logger zerolog.Logger) *Skill {
	return &Skill{logger: logger.With().Str("component", "telemetry").Logger()}
}

func (s *Skill) Bind(settings Settings, provider Provider) {
	if settings.CacheTTL <= 0 {
		settings.CacheTTL = 30 * time.Second
	}
	if settings.QueryTimeout <= 0 {
		settings.QueryTimeout = 5 * time.Second
	}
	if settings.CachePrefix == "" {
		settings.CachePrefix = "hive:telemetry"
	}
	if settings.Service == "" {
		settings.Service = "core"
	}
	s.settings = settings
	s.provider = provider
}

func (s *Skill) Name() string { return Name }

func (s *Skill) Capabilities() []string {
	return []string{IntentFetchMetrics, IntentGetVitals, IntentHealthCheck, IntentIncrementCounter}
}

func (s *Skill) Initialize(ctx context.Context) bool {
	src, err := newVitalsSource(s.settings.PrometheusURL, s.settings.QueryTimeout,
		newVitalsCache(s.provider.Redis, s.settings.CachePrefix, s.settings.CacheTTL), s.logger)
	if err != nil {
		s.logger.Error().Err(err).Msg("vitals source unavailable")
		return false
	}
	s.source = src
	if s.provider.Redis != nil {
		if err := s.provider.Redis.Ping(ctx).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("redis unreachable; vitals cache degraded")
		}
	}
	return true
}

// Vitals returns the current load snapshot.
func (s *Skill) Vitals(ctx context.Context) domain.SystemVitals {
	if s.source == nil {
		return domain.UnstableVitals("telemetry not initialised")
	}
	return s.source.Fetch(ctx)
}

func (s *Skill) Execute(ctx context.Context, intent string, params skill.Params) (domain.Observation, error) {
	switch intent {
	case IntentFetchMetrics, IntentGetVitals:
		v := s.Vitals(ctx)
		if v.Status == statusUnstable {
			s.logger.Warn().Str("error", v.Error).Msg("monitoring failure")
		}
		return domain.Succeeded(v), nil

	case IntentHealthCheck:
		return domain.Succeeded(map[string]any{"status": "healthy"}), nil

	case IntentIncrementCounter:
		if s.provider.Counters == nil {
			return domain.Failedf("counters not bound"), nil
		}
		service := s.settings.Service
		if labels, ok := params["labels"].(map[string]string); ok && labels["service"] != "" {
			service = labels["service"]
		}
		if err := s.provider.Counters.Inc(params.StringOr("name", ""), service); err != nil {
			return domain.Failed(err), nil
		}
		return domain.Observation{Success: true}, nil
	}

	return domain.Observation{}, skill.UnknownIntent(Name, intent)
}

var _ skill.Trinity[Settings, Provider] = (*Skill)(nil)
