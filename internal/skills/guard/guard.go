// Package guard enforces the economic floor of every priced decision.
package guard

import (
	"github.com/shopspring/decimal"

	"negotiation-hive/internal/domain"
)

// Code names a violated rule.
type Code string

const (
	CodeInvalidPrice    Code = "INVALID_PRICE"
	CodeFloorViolation  Code = "FLOOR_PRICE_VIOLATION"
	CodeMarginViolation Code = "MIN_MARGIN_VIOLATION"
	CodeFailureRecovery Code = "FAILURE_RECOVERY"
	CodeSafetyViolation Code = "SAFETY_VIOLATION"
)

// DefaultMinMargin stands in when margin settings are missing or unusable.
var DefaultMinMargin = decimal.RequireFromString("0.1")

var (
	floorMarkup = decimal.RequireFromString("1.05")
	one         = decimal.NewFromInt(1)
)

// Settings carry the configured margin policy.
type Settings struct {
	MinProfitMargin decimal.Decimal
}

// EconomicContext is the pricing data a decision is checked against.
type EconomicContext struct {
	FloorPrice   decimal.Decimal
	InternalCost decimal.Decimal
}

// Verdict is the outcome of Validate.
type Verdict struct {
	OK        bool
	Code      Code
	SafePrice decimal.Decimal
	Margin    decimal.Decimal
}

// Validate checks a proposed action and price. It is pure: the result depends
// only on its arguments. A nil settings value fails closed.
func Validate(action domain.Action, price decimal.Decimal, ec EconomicContext, settings *Settings) Verdict {
	if !action.ClaimsPrice() {
		return Verdict{OK: true}
	}
	if !price.IsPositive() {
		return violation(CodeInvalidPrice, ec, settings)
	}
	if price.LessThan(ec.FloorPrice) {
		return violation(CodeFloorViolation, ec, settings)
	}

	margin := price.Sub(ec.InternalCost).Div(price)
	if settings == nil {
		v := violation(CodeMarginViolation, ec, nil)
		v.Margin = margin
		return v
	}
	if margin.LessThan(settings.MinProfitMargin) {
		v := violation(CodeMarginViolation, ec, settings)
		v.Margin = margin
		return v
	}
	return Verdict{OK: true, Margin: margin}
}

// SafePrice returns the fallback counter price for a violation code.
// Margin violations price at floor/(1-m); a margin of 1 or more cannot be
// divided through and falls back to the floor markup.
func SafePrice(floor decimal.Decimal, code Code, settings *Settings) decimal.Decimal {
	if code == CodeMarginViolation {
		m := DefaultMinMargin
		if settings != nil {
			m = settings.MinProfitMargin
		}
		if m.LessThan(one) {
			return floor.Div(one.Sub(m)).Round(2)
		}
	}
	return floor.Mul(floorMarkup).Round(2)
}

func violation(code Code, ec EconomicContext, settings *Settings) Verdict {
	return Verdict{Code: code, SafePrice: SafePrice(ec.FloorPrice, code, settings)}
}
