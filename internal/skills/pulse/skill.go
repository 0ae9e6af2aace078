// Package pulse publishes binary events onto Redis streams.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"negotiation-hive/internal/domain"
	"negotiation-hive/internal/skill"
)

// Name is the registry key of the pulse skill.
const Name = "pulse"

// Intents served by the pulse skill.
const (
	IntentEmitNegotiation = "emit_negotiation"
	IntentEmitHeartbeat   = "emit_heartbeat"
	IntentEmitVitals      = "emit_vitals"
	IntentEmitAlert       = "emit_alert"
)

// PayloadField is the stream entry field holding the encoded event.
const PayloadField = "event"

// Settings shape topic names and stream retention.
type Settings struct {
	StreamPrefix string
	MaxLen       int64
	Service      string
}

// Skill emits events.
type Skill struct {
	settings Settings
	rdb      *redis.Client
	logger   zerolog.Logger
	now      func() time.Time
}

// NewSkill constructs an unbound pulse skill.
func NewSkill(logger zerolog.Logger) *Skill {
	return &Skill{
		logger: logger.With().Str("component", "pulse").Logger(),
		now:    time.Now,
	}
}

func (s *Skill) Bind(settings Settings, rdb *redis.Client) {
	if settings.StreamPrefix == "" {
		settings.StreamPrefix = "aura.hive"
	}
	if settings.Service == "" {
		settings.Service = "core"
	}
	s.settings = settings
	s.rdb = rdb
}

func (s *Skill) Name() string { return Name }

func (s *Skill) Capabilities() []string {
	return []string{IntentEmitNegotiation, IntentEmitHeartbeat, IntentEmitVitals, IntentEmitAlert}
}

func (s *Skill) Initialize(ctx context.Context) bool {
	if s.rdb == nil {
		return false
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("event bus unreachable")
		return false
	}
	return true
}

func (s *Skill) Execute(ctx context.Context, intent string, params skill.Params) (domain.Observation, error) {
	if s.rdb == nil {
		return domain.Failedf("provider_not_initialized"), nil
	}

	var (
		topic     string
		eventType string
		payload   map[string]any
	)
	switch intent {
	case IntentEmitNegotiation:
		action := params.StringOr("action", "")
		if action == "" {
			return domain.Observation{}, errors.New("pulse: action param required")
		}
		topic = "events.negotiation_" + action
		eventType = "negotiation_" + action
		payload = map[string]any{
			"session_token": params.StringOr("session_token", ""),
			"action":        action,
			"price":         priceString(params),
			"item_id":       params.StringOr("item_id", ""),
			"agent_did":     params.StringOr("agent_did", ""),
		}

	case IntentEmitHeartbeat:
		topic = "heartbeat"
		eventType = "heartbeat"
		payload = map[string]any{
			"service":     params.StringOr("service", s.settings.Service),
			"instance_id": params.StringOr("instance_id", ""),
			"status":      params.StringOr("status", "ok"),
		}

	case IntentEmitVitals:
		service := params.StringOr("service", s.settings.Service)
		topic = "vitals." + service
		eventType = "vitals"
		payload = map[string]any{
			"service":      service,
			"cpu_usage":    params.Float("cpu_usage", 0),
			"memory_usage": params.Float("memory_usage", 0),
			"status":       params.StringOr("status", "ok"),
		}

	case IntentEmitAlert:
		severity := params.StringOr("severity", "info")
		topic = "events.alert_" + severity
		eventType = "alert"
		payload = map[string]any{
			"severity": severity,
			"message":  params.StringOr("message", ""),
			"source":   params.StringOr("source", "unknown"),
		}

	default:
		return domain.Observation{}, skill.UnknownIntent(Name, intent)
	}

	ev, err := s.publish(ctx, topic, payload)
	if err != nil {
		return domain.Observation{}, err
	}
	return domain.Observation{
		Success:   true,
		EventType: eventType,
		Metadata:  map[string]any{"event_id": ev.ID, "topic": ev.Topic},
	}, nil
}

func (s *Skill) publish(ctx context.Context, topic string, payload map[string]any) (domain.Event, error) {
	ev := domain.Event{
		ID:        uuid.NewString(),
		Topic:     s.settings.StreamPrefix + "." + topic,
		Payload:   payload,
		Timestamp: s.now().UTC(),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		ev.TraceID = sc.TraceID().String()
		ev.SpanID = sc.SpanID().String()
	}

	data, err := Encode(ev)
	if err != nil {
		return domain.Event{}, err
	}

	args := &redis.XAddArgs{
		Stream: ev.Topic,
		Values: map[string]any{PayloadField: data},
	}
	if s.settings.MaxLen > 0 {
		args.MaxLen = s.settings.MaxLen
		args.Approx = true
	}
	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return domain.Event{}, fmt.Errorf("publish %s: %w", ev.Topic, err)
	}
	s.logger.Debug().Str("topic", ev.Topic).Str("event_id", ev.ID).Msg("event published")
	return ev, nil
}

func priceString(params skill.Params) string {
	price, err := params.Decimal("price")
	if err != nil {
		return "0"
	}
	return price.StringFixed(2)
}

var _ skill.Trinity[Settings, *redis.Client] = (*Skill)(nil)
