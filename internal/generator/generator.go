// Package generator turns pipeline outcomes into events on the hive bus.
package generator

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"negotiation-hive/internal/domain"
	"negotiation-hive/internal/skill"
	"negotiation-hive/internal/skills/pulse"
)

// ErrDisabled is returned when the event capability is not available.
var ErrDisabled = errors.New("generator: event bus unavailable")

// Executor invokes capabilities by name.
type Executor interface {
	Execute(ctx context.Context, name, intent string, params skill.Params) domain.Observation
	Available(name string) bool
}

// Generator publishes negotiation, heartbeat, vitals and alert events.
type Generator struct {
	registry Executor
	service  string
	logger   zerolog.Logger
}

// New builds a generator emitting on behalf of service.
func New(registry Executor, service string, logger zerolog.Logger) *Generator {
	return &Generator{
		registry: registry,
		service:  service,
		logger:   logger.With().Str("component", "generator").Logger(),
	}
}

// Pulse emits the event describing a connector outcome. Failed outcomes
// raise a warning alert instead.
func (g *Generator) Pulse(ctx context.Context, outcome domain.Observation) (domain.Observation, error) {
	if !outcome.Success {
		return g.Alert(ctx, "warning", outcome.Error, "connector")
	}

	resp, ok := outcome.Data.(domain.NegotiateResponse)
	if !ok {
		return domain.Observation{}, nil
	}
	params := skill.Params{
		"session_token": resp.SessionToken,
		"action":        outcome.Metadata["decision"],
		"price":         outcome.Metadata["price"],
		"item_id":       outcome.Metadata["item_id"],
		"agent_did":     outcome.Metadata["agent_did"],
	}
	return g.emit(ctx, pulse.IntentEmitNegotiation, params)
}

// Heartbeat announces that the service is alive.
func (g *Generator) Heartbeat(ctx context.Context, instanceID, status string) (domain.Observation, error) {
	return g.emit(ctx, pulse.IntentEmitHeartbeat, skill.Params{
		"service":     g.service,
		"instance_id": instanceID,
		"status":      status,
	})
}

// Vitals publishes a load snapshot.
func (g *Generator) Vitals(ctx context.Context, v domain.SystemVitals) (domain.Observation, error) {
	return g.emit(ctx, pulse.IntentEmitVitals, skill.Params{
		"service":      g.service,
		"cpu_usage":    v.CPUUsagePercent,
		"memory_usage": v.MemoryUsageMB,
		"status":       v.Status,
	})
}

// Alert publishes an operator alert.
func (g *Generator) Alert(ctx context.Context, severity, message, source string) (domain.Observation, error) {
	return g.emit(ctx, pulse.IntentEmitAlert, skill.Params{
		"severity": severity,
		"message":  message,
		"source":   source,
	})
}

func (g *Generator) emit(ctx context.Context, intent string, params skill.Params) (domain.Observation, error) {
	if g.registry == nil || !g.registry.Available(pulse.Name) {
		return domain.Observation{}, ErrDisabled
	}
	obs := g.registry.Execute(ctx, pulse.Name, intent, params)
	if !obs.Success {
		g.logger.Warn().Str("intent", intent).Str("error", obs.Error).Msg("event not published")
		return obs, errors.New(obs.Error)
	}
	return obs, nil
}
