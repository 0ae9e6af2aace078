package transformer

import (
	"fmt"

	"github.com/shopspring/decimal"

	"negotiation-hive/internal/domain"
)

// DefaultTriggerPrice is the bid above which a human must confirm.
var DefaultTriggerPrice = decimal.NewFromInt(1000)

// RuleStrategy is the deterministic pricing strategy.
type RuleStrategy struct {
	triggerPrice decimal.Decimal
}

// NewRuleStrategy builds the strategy; a non-positive trigger uses the default.
func NewRuleStrategy(trigger decimal.Decimal) RuleStrategy {
	if !trigger.IsPositive() {
		trigger = DefaultTriggerPrice
	}
	return RuleStrategy{triggerPrice: trigger}
}

// Evaluate applies, in order: unknown item, high-value escalation, below floor, accept.
func (r RuleStrategy) Evaluate(c domain.Context) domain.Decision {
	bid := c.Offer.BidAmount

	if c.Item == nil {
		return domain.Decision{
			Action:   domain.ActionReject,
			Price:    decimal.Zero,
			Message:  "Item not found",
			Thought:  "<think>Item not found. Rejecting.</think>",
			Metadata: map[string]any{"reason_code": domain.ReasonItemNotFound},
		}
	}

	if bid.GreaterThan(r.triggerPrice) {
		return domain.Decision{
			Action:   domain.ActionUIRequired,
			Price:    bid,
			Message:  fmt.Sprintf("Bid of $%s exceeds security threshold", bid.StringFixed(2)),
			Thought:  "<think>Bid exceeds security threshold. UI confirmation required.</think>",
			Metadata: map[string]any{"template_id": "high_value_confirm"},
		}
	}

	floor := c.Item.FloorPrice
	if bid.LessThan(floor) {
		return domain.Decision{
			Action:   domain.ActionCounter,
			Price:    floor,
			Message:  fmt.Sprintf("We cannot accept less than $%s.", floor.StringFixed(2)),
			Thought:  fmt.Sprintf("<think>Bid %s below floor %s. Countering.</think>", bid, floor),
			Metadata: map[string]any{"reason_code": "BELOW_FLOOR"},
		}
	}

	return domain.Decision{
		Action:  domain.ActionAccept,
		Price:   bid,
		Message: "Offer accepted.",
		Thought: "<think>Bid at or above floor price. Accepting.</think>",
	}
}
