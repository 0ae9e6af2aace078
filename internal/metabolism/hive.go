package metabolism

import (
	"context"

	"github.com/rs/zerolog"

	"negotiation-hive/internal/domain"
	"negotiation-hive/internal/skill"
	"negotiation-hive/internal/skills/telemetry"
)

// NegotiationLoop is the loop specialised to the negotiation domain.
type NegotiationLoop = Loop[domain.Signal, domain.Context, domain.Decision, domain.Observation, domain.Observation]

// NegotiationStages are the stages of a NegotiationLoop.
type NegotiationStages = Stages[domain.Signal, domain.Context, domain.Decision, domain.Observation, domain.Observation]

// Executor invokes capabilities by name.
type Executor interface {
	Execute(ctx context.Context, name, intent string, params skill.Params) domain.Observation
}

// NewNegotiationLoop wires the negotiation defaults: FailureDecision style
// failures and vitals injected into the context.
func NewNegotiationLoop(stages NegotiationStages, settings Settings) (*NegotiationLoop, error) {
	if stages.Failure == nil {
		stages.Failure = domain.Failed
	}
	if stages.Inject == nil {
		stages.Inject = func(c domain.Context, v domain.SystemVitals) domain.Context {
			c.Vitals = &v
			return c
		}
	}
	return New(stages, settings)
}

// HiveLoop counts negotiations around a NegotiationLoop.
type HiveLoop struct {
	loop     *NegotiationLoop
	registry Executor
	service  string
	logger   zerolog.Logger
}

// NewHiveLoop wraps loop. registry may be nil, in which case nothing is counted.
func NewHiveLoop(loop *NegotiationLoop, registry Executor, service string, logger zerolog.Logger) *HiveLoop {
	if service == "" {
		service = "core"
	}
	return &HiveLoop{
		loop:     loop,
		registry: registry,
		service:  service,
		logger:   logger.With().Str("component", "hive_loop").Logger(),
	}
}

// Negotiate runs one bid. The error is non-nil only for rejected input.
func (h *HiveLoop) Negotiate(ctx context.Context, signal domain.Signal) (domain.Observation, error) {
	h.count(ctx, telemetry.CounterNegotiations)
	h.logger.Info().Str("item_id", signal.ItemID).Str("request_id", signal.RequestID).Msg("metabolism cycle started")

	obs, err := h.loop.Execute(ctx, signal)
	if err != nil {
		h.logger.Warn().Err(err).Str("request_id", signal.RequestID).Msg("signal rejected at membrane")
		return obs, err
	}

	if obs.Success && obs.EventType == "negotiation_"+domain.ActionAccept.String() {
		h.count(ctx, telemetry.CounterAccepted)
	}
	h.logger.Info().Bool("success", obs.Success).Str("event_type", obs.EventType).Msg("metabolism cycle completed")
	return obs, nil
}

func (h *HiveLoop) count(ctx context.Context, name string) {
	if h.registry == nil {
		return
	}
	obs := h.registry.Execute(ctx, telemetry.Name, telemetry.IntentIncrementCounter, skill.Params{
		"name":   name,
		"labels": map[string]string{"service": h.service},
	})
	if !obs.Success {
		h.logger.Debug().Str("counter", name).Str("error", obs.Error).Msg("counter not incremented")
	}
}
