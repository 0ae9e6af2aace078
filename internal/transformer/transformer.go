// Package transformer turns an assembled context into a proposed decision,
// either with the built-in rule strategy or through the reasoning capability.
package transformer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"negotiation-hive/internal/domain"
	"negotiation-hive/internal/skill"
	"negotiation-hive/internal/skills/reasoning"
)

// Modes of the transformer.
const (
	ModeRule   = "rule"
	ModeRemote = "remote"
)

// highLoadPercent is the CPU level above which the strategy is asked to be brief.
const highLoadPercent = 80.0

// Executor invokes capabilities by name.
type Executor interface {
	Execute(ctx context.Context, name, intent string, params skill.Params) domain.Observation
}

// Settings select the strategy.
type Settings struct {
	Mode         string
	TriggerPrice decimal.Decimal
}

// Transformer is the reasoning stage.
type Transformer struct {
	settings Settings
	registry Executor
	rules    RuleStrategy
	logger   zerolog.Logger
}

// New builds a transformer.
func New(settings Settings, registry Executor, logger zerolog.Logger) *Transformer {
	if settings.Mode == "" {
		settings.Mode = ModeRule
	}
	return &Transformer{
		settings: settings,
		registry: registry,
		rules:    NewRuleStrategy(settings.TriggerPrice),
		logger:   logger.With().Str("component", "transformer").Logger(),
	}
}

// Think never returns an error: reasoning failures degrade into an error
// decision for the outbound membrane to recover.
func (t *Transformer) Think(ctx context.Context, c domain.Context) (domain.Decision, error) {
	if strings.EqualFold(t.settings.Mode, ModeRule) {
		return t.rules.Evaluate(c), nil
	}

	if t.registry == nil {
		return domain.FailureDecision(errors.New("reasoning registry not configured")), nil
	}

	obs := t.registry.Execute(ctx, reasoning.Name, reasoning.IntentNegotiate, skill.Params{
		"bid":     c.Offer.BidAmount,
		"context": EconomicContext(c),
		"history": []any{},
	})
	if !obs.Success {
		t.logger.Error().Str("error", obs.Error).Str("request_id", c.RequestID).Msg("reasoning capability failed")
		return domain.FailureDecision(errors.New(nonEmpty(obs.Error, "unknown_error"))), nil
	}

	d, ok := obs.Data.(domain.Decision)
	if !ok {
		return domain.FailureDecision(fmt.Errorf("unexpected reasoning payload %T", obs.Data)), nil
	}
	if d.Thought != "" {
		d.Thought = "<think>\n" + d.Thought + "\n</think>"
	}
	return d, nil
}

// EconomicContext is what the remote strategy sees. It never includes the
// internal cost unless the catalog metadata carries it.
func EconomicContext(c domain.Context) map[string]any {
	var constraints []any
	if c.Vitals != nil && c.Vitals.CPUUsagePercent > highLoadPercent {
		constraints = append(constraints, "SYSTEM_LOAD_HIGH: Be extremely concise.")
	}
	ec := map[string]any{
		"reputation":         c.Offer.Reputation,
		"system_constraints": constraints,
	}
	if c.Item != nil {
		ec["item_id"] = c.Item.ID
		ec["base_price"] = c.Item.BasePrice.String()
		ec["floor_price"] = c.Item.FloorPrice.String()
		ec["meta"] = c.Item.Meta
	}
	return ec
}

func nonEmpty(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
