package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidSignal marks a bid rejected before any reasoning happens.
var ErrInvalidSignal = errors.New("invalid signal")

// Agent identifies the negotiating party.
type Agent struct {
	DID             string  `json:"did"`
	ReputationScore float64 `json:"reputation_score"`
}

// Signal is one inbound bid.
type Signal struct {
	ItemID       string          `json:"item_id"`
	BidAmount    decimal.Decimal `json:"bid_amount"`
	CurrencyCode string          `json:"currency_code"`
	Agent        Agent           `json:"agent"`
	RequestID    string          `json:"request_id"`
}

// Item is a catalog entry.
type Item struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	BasePrice  decimal.Decimal `json:"base_price"`
	FloorPrice decimal.Decimal `json:"floor_price"`
	Meta       map[string]any  `json:"meta,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// InternalCost reads meta.internal_cost, defaulting to the floor price.
func (i Item) InternalCost() decimal.Decimal {
	if i.Meta == nil {
		return i.FloorPrice
	}
	switch v := i.Meta["internal_cost"].(type) {
	case decimal.Decimal:
		return v
	case float64:
		return decimal.NewFromFloat(v)
	case int:
		return decimal.NewFromInt(int64(v))
	case int64:
		return decimal.NewFromInt(v)
	case string:
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return i.FloorPrice
}

// Offer is the bid as seen by reasoning.
type Offer struct {
	BidAmount  decimal.Decimal `json:"bid_amount"`
	Reputation float64         `json:"reputation"`
	AgentDID   string          `json:"agent_did"`
}

// Context is the assembled input of one decision run.
type Context struct {
	RequestID string         `json:"request_id"`
	ItemID    string         `json:"item_id"`
	Offer     Offer          `json:"offer"`
	Item      *Item          `json:"item,omitempty"`
	Vitals    *SystemVitals  `json:"system_health,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// FloorPrice returns the item floor, or zero when the item is unknown.
func (c Context) FloorPrice() decimal.Decimal {
	if c.Item == nil {
		return decimal.Zero
	}
	return c.Item.FloorPrice
}

// InternalCost returns the item cost basis, or zero when the item is unknown.
func (c Context) InternalCost() decimal.Decimal {
	if c.Item == nil {
		return decimal.Zero
	}
	return c.Item.InternalCost()
}

// SystemVitals is a load snapshot of the running service.
type SystemVitals struct {
	Status          string    `json:"status"`
	CPUUsagePercent float64   `json:"cpu_usage_percent"`
	MemoryUsageMB   float64   `json:"memory_usage_mb"`
	Timestamp       time.Time `json:"timestamp"`
	Cached          bool      `json:"cached"`
	Warnings        []string  `json:"warnings,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// UnstableVitals describes an unknown system state.
func UnstableVitals(reason string) SystemVitals {
	return SystemVitals{Status: "unstable", Timestamp: time.Now().UTC(), Error: reason}
}
