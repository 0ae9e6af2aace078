// Package membrane holds the deterministic guardrails around reasoning:
// inbound sanitising and outbound economic and disclosure checks.
package membrane

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"negotiation-hive/internal/domain"
	"negotiation-hive/internal/skill"
	"negotiation-hive/internal/skills/guard"
)

// Replacement values for fields carrying prompt-injection markers.
const (
	InvalidItemID = "INVALID_ID_POTENTIAL_INJECTION"
	RedactedDID   = "REDACTED"
)

const dlpMessage = "I cannot disclose internal pricing details."

var injectionMarkers = []string{
	"ignore all previous instructions",
	"system override",
	"you are now",
}

// Registry is the slice of the capability registry the membrane needs.
type Registry interface {
	Execute(ctx context.Context, name, intent string, params skill.Params) domain.Observation
	Available(name string) bool
}

// Membrane is the hive's immune system.
type Membrane struct {
	registry Registry
	settings *guard.Settings
	logger   zerolog.Logger
}

// New builds a membrane. registry may be nil; the pure guard is then applied
// directly.
func New(registry Registry, settings *guard.Settings, logger zerolog.Logger) *Membrane {
	return &Membrane{
		registry: registry,
		settings: settings,
		logger:   logger.With().Str("component", "membrane").Logger(),
	}
}

// InspectInbound rejects non-positive bids and neutralises injection markers.
func (m *Membrane) InspectInbound(ctx context.Context, signal domain.Signal) (domain.Signal, error) {
	if !signal.BidAmount.IsPositive() {
		m.logger.Warn().Str("bid_amount", signal.BidAmount.String()).Msg("membrane inbound invalid bid")
		return signal, fmt.Errorf("%w: bid amount must be positive", domain.ErrInvalidSignal)
	}

	if marker, ok := injected(signal.ItemID); ok {
		m.logger.Warn().Str("field", "item_id").Str("pattern", marker).Msg("membrane inbound injection detected")
		signal.ItemID = InvalidItemID
	}
	if marker, ok := injected(signal.Agent.DID); ok {
		m.logger.Warn().Str("field", "agent.did").Str("pattern", marker).Msg("membrane inbound injection detected")
		signal.Agent.DID = RedactedDID
	}
	return signal, nil
}

func injected(value string) (string, bool) {
	lowered := strings.ToLower(value)
	for _, marker := range injectionMarkers {
		if strings.Contains(lowered, marker) {
			return marker, true
		}
	}
	return "", false
}

// InspectOutbound recovers failures, blocks floor-price disclosure and
// overrides any priced decision the guard rejects.
func (m *Membrane) InspectOutbound(ctx context.Context, d domain.Decision, c domain.Context) (domain.Decision, error) {
	if c.Item == nil && (d.Action == domain.ActionError || d.Action.ClaimsPrice()) {
		m.logger.Warn().
			Str("request_id", c.RequestID).
			Str("item_id", c.ItemID).
			Str("action", d.Action.String()).
			Msg("membrane blocked priced decision without catalog item")
		return unknownItem(d), nil
	}

	floor := c.FloorPrice()

	if d.Action == domain.ActionError {
		safe := m.safePrice(ctx, floor, guard.CodeFailureRecovery)
		return override(d, safe, guard.CodeFailureRecovery), nil
	}

	if leaksFloor(d.Message, floor) {
		m.logger.Warn().Str("request_id", c.RequestID).Msg("membrane DLP block")
		d.Message = dlpMessage
		d.Thought += " [MEMBRANE: DLP block]"
	}

	if !d.Action.ClaimsPrice() {
		return d, nil
	}

	ec := guard.EconomicContext{FloorPrice: floor, InternalCost: c.InternalCost()}
	verdict := m.validate(ctx, d, ec)
	if verdict.OK {
		return d, nil
	}

	m.logger.Warn().
		Str("request_id", c.RequestID).
		Str("code", string(verdict.Code)).
		Str("action", d.Action.String()).
		Msg("membrane override")
	return override(d, verdict.SafePrice, verdict.Code), nil
}

// validate prefers the guard capability and falls back to the pure check.
func (m *Membrane) validate(ctx context.Context, d domain.Decision, ec guard.EconomicContext) guard.Verdict {
	if m.registry != nil && m.registry.Available(guard.Name) {
		obs := m.registry.Execute(ctx, guard.Name, guard.IntentValidateDecision, skill.Params{
			"action":        d.Action.String(),
			"price":         d.Price,
			"floor_price":   ec.FloorPrice,
			"internal_cost": ec.InternalCost,
		})
		if v, ok := obs.Data.(guard.Verdict); ok {
			return v
		}
		m.logger.Warn().Str("error", obs.Error).Msg("guard capability gave no verdict; applying local guard")
	}
	return guard.Validate(d.Action, d.Price, ec, m.settings)
}

func (m *Membrane) safePrice(ctx context.Context, floor decimal.Decimal, code guard.Code) decimal.Decimal {
	if m.registry != nil && m.registry.Available(guard.Name) {
		obs := m.registry.Execute(ctx, guard.Name, guard.IntentGetSafePrice, skill.Params{
			"floor_price": floor,
			"reason":      string(code),
		})
		if price, ok := obs.Data.(decimal.Decimal); ok && obs.Success {
			return price
		}
	}
	return guard.SafePrice(floor, code, m.settings)
}

func override(original domain.Decision, safe decimal.Decimal, code guard.Code) domain.Decision {
	price := safe.Round(2)
	thought := fmt.Sprintf("Membrane Override: %s. Reasoning suggested %s at %s.", code, original.Action, original.Price.String())
	if original.Thought != "" {
		thought = original.Thought + " | " + thought
	}
	return domain.Decision{
		Action:  domain.ActionCounter,
		Price:   price,
		Message: fmt.Sprintf("I've reached my final limit for this item. My best offer is $%s.", price.StringFixed(2)),
		Thought: thought,
		Metadata: map[string]any{
			"original_decision": original.Action.String(),
			"original_price":    original.Price,
			"override_reason":   string(code),
		},
	}
}

// unknownItem rejects a decision that has no floor to be checked against.
func unknownItem(original domain.Decision) domain.Decision {
	thought := fmt.Sprintf("Membrane Override: %s. Reasoning suggested %s at %s.", domain.ReasonItemNotFound, original.Action, original.Price.String())
	if original.Thought != "" {
		thought = original.Thought + " | " + thought
	}
	return domain.Decision{
		Action:  domain.ActionReject,
		Price:   decimal.Zero,
		Message: "Item not found",
		Thought: thought,
		Metadata: map[string]any{
			"reason_code":       domain.ReasonItemNotFound,
			"original_decision": original.Action.String(),
			"original_price":    original.Price,
			"override_reason":   domain.ReasonItemNotFound,
		},
	}
}

// leaksFloor matches the floor key or any rendering of its value.
func leaksFloor(message string, floor decimal.Decimal) bool {
	lowered := strings.ToLower(message)
	if strings.Contains(lowered, "floor_price") {
		return true
	}
	if !floor.IsPositive() {
		return false
	}
	for _, form := range []string{floor.String(), floor.StringFixed(2)} {
		if containsNumber(message, form) {
			return true
		}
	}
	return false
}

// containsNumber finds form in s where it is not part of a longer number.
func containsNumber(s, form string) bool {
	for start := 0; ; {
		i := strings.Index(s[start:], form)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(form)
		before := i > 0 && isNumeric(s[i-1])
		after := end < len(s) && (isDigit(s[end]) || (s[end] == '.' && end+1 < len(s) && isDigit(s[end+1])))
		if !before && !after {
			return true
		}
		start = i + 1
	}
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isNumeric(b byte) bool { return isDigit(b) || b == '.' || b == ',' }
