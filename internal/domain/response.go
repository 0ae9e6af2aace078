package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reason codes surfaced to negotiating agents.
const (
	ReasonNegotiationOngoing = "NEGOTIATION_ONGOING"
	ReasonOfferTooLow        = "OFFER_TOO_LOW"
	ReasonUIRequired         = "UI_REQUIRED"
	ReasonInternalError      = "INTERNAL_ERROR"
	ReasonItemNotFound       = "ITEM_NOT_FOUND"
)

// SessionValidity is how long a negotiation response stays valid.
const SessionValidity = 600 * time.Second

// NegotiateResponse carries exactly one outcome plus session metadata.
type NegotiateResponse struct {
	SessionToken string      `json:"session_token"`
	ValidUntil   int64       `json:"valid_until_timestamp"`
	Accepted     *Accepted   `json:"accepted,omitempty"`
	Countered    *Countered  `json:"countered,omitempty"`
	Rejected     *Rejected   `json:"rejected,omitempty"`
	UIRequired   *UIRequired `json:"ui_required,omitempty"`
}

// Accepted closes the negotiation.
type Accepted struct {
	FinalPrice      decimal.Decimal      `json:"final_price"`
	ReservationCode string               `json:"reservation_code,omitempty"`
	CryptoPayment   *PaymentInstructions `json:"crypto_payment,omitempty"`
}

// Countered proposes another price.
type Countered struct {
	ProposedPrice decimal.Decimal `json:"proposed_price"`
	HumanMessage  string          `json:"human_message"`
	ReasonCode    string          `json:"reason_code"`
}

// Rejected ends the negotiation without a deal.
type Rejected struct {
	ReasonCode string `json:"reason_code"`
}

// UIRequired escalates to a human.
type UIRequired struct {
	ReasonCode string `json:"reason_code"`
}

// Outcome names the populated branch.
func (r NegotiateResponse) Outcome() string {
	switch {
	case r.Accepted != nil:
		return "accepted"
	case r.Countered != nil:
		return "countered"
	case r.Rejected != nil:
		return "rejected"
	case r.UIRequired != nil:
		return "ui_required"
	default:
		return "empty"
	}
}
