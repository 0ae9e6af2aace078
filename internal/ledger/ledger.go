// Package ledger verifies settlement payments on chain.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"negotiation-hive/internal/domain"
)

// ErrUnsupportedCurrency is returned for currencies the verifier cannot settle.
var ErrUnsupportedCurrency = errors.New("ledger: unsupported currency")

// Supported settlement currencies.
const (
	CurrencySOL  = "SOL"
	CurrencyUSDC = "USDC"
)

// Tolerance is the accepted absolute difference between expected and paid amounts.
var Tolerance = decimal.RequireFromString("0.0001")

var (
	lamportsPerSOL = decimal.NewFromInt(1_000_000_000)
	usdcUnits      = decimal.NewFromInt(1_000_000)
)

// Verifier looks for an on-chain payment matching amount, memo and currency.
// A nil proof with a nil error means no match yet.
type Verifier interface {
	VerifyPayment(ctx context.Context, amount decimal.Decimal, memo, currency string) (*domain.PaymentProof, error)
}

// NormalizeCurrency upper-cases and validates a currency code.
func NormalizeCurrency(currency string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(currency))
	switch c {
	case CurrencySOL, CurrencyUSDC:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedCurrency, currency)
}

func withinTolerance(paid, expected decimal.Decimal) bool {
	return paid.Sub(expected).Abs().LessThanOrEqual(Tolerance)
}

// PriceConverter turns USD prices into settlement-currency amounts at fixed rates.
type PriceConverter struct {
	rates map[string]decimal.Decimal
}

// NewPriceConverter uses the given USD rates per currency unit. Missing rates
// default to SOL=100 and USDC=1.
func NewPriceConverter(rates map[string]decimal.Decimal) *PriceConverter {
	merged := map[string]decimal.Decimal{
		CurrencySOL:  decimal.NewFromInt(100),
		CurrencyUSDC: decimal.NewFromInt(1),
	}
	for k, v := range rates {
		if v.IsPositive() {
			merged[strings.ToUpper(k)] = v
		}
	}
	return &PriceConverter{rates: merged}
}

// ConvertUSD converts a USD amount into currency, rounded to the currency's precision.
func (p *PriceConverter) ConvertUSD(usd decimal.Decimal, currency string) (decimal.Decimal, error) {
	c, err := NormalizeCurrency(currency)
	if err != nil {
		return decimal.Decimal{}, err
	}
	rate := p.rates[c]
	places := int32(6)
	if c == CurrencySOL {
		places = 9
	}
	return usd.Div(rate).Round(places), nil
}
