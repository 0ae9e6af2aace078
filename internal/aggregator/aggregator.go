// Package aggregator assembles the decision context from catalog data.
package aggregator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"negotiation-hive/internal/domain"
	"negotiation-hive/internal/skill"
	"negotiation-hive/internal/skills/persistence"
	"negotiation-hive/internal/skills/telemetry"
)

// Executor invokes capabilities by name.
type Executor interface {
	Execute(ctx context.Context, name, intent string, params skill.Params) domain.Observation
}

// Aggregator reads the item and the current vitals through the registry.
type Aggregator struct {
	registry Executor
	logger   zerolog.Logger
}

// New builds an aggregator.
func New(registry Executor, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		registry: registry,
		logger:   logger.With().Str("component", "aggregator").Logger(),
	}
}

// Perceive builds the context. A missing item leaves Item nil so the
// strategy can reject it; any other lookup failure aborts the run.
func (a *Aggregator) Perceive(ctx context.Context, signal domain.Signal) (domain.Context, error) {
	c := domain.Context{
		RequestID: signal.RequestID,
		ItemID:    signal.ItemID,
		Offer: domain.Offer{
			BidAmount:  signal.BidAmount,
			Reputation: signal.Agent.ReputationScore,
			AgentDID:   signal.Agent.DID,
		},
		Metadata: map[string]any{"currency_code": signal.CurrencyCode},
	}

	obs := a.registry.Execute(ctx, persistence.Name, persistence.IntentReadItem, skill.Params{"item_id": signal.ItemID})
	if persistence.NotFound(obs) {
		a.logger.Info().Str("item_id", signal.ItemID).Msg("item not in catalog")
		return c, nil
	}
	if !obs.Success {
		a.logger.Error().Str("item_id", signal.ItemID).Str("error", obs.Error).Msg("item lookup failed")
		return c, fmt.Errorf("read item %s: %s", signal.ItemID, obs.Error)
	}
	if item, ok := obs.Data.(domain.Item); ok {
		c.Item = &item
	}
	return c, nil
}

// Vitals asks the telemetry capability for a load snapshot.
func (a *Aggregator) Vitals(ctx context.Context) (domain.SystemVitals, error) {
	obs := a.registry.Execute(ctx, telemetry.Name, telemetry.IntentGetVitals, nil)
	if !obs.Success {
		return domain.UnstableVitals(obs.Error), errors.New(obs.Error)
	}
	v, ok := obs.Data.(domain.SystemVitals)
	if !ok {
		return domain.UnstableVitals("unexpected vitals payload"), errors.New("unexpected vitals payload")
	}
	return v, nil
}
