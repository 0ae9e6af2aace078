package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DealStatus is the settlement state of a locked deal.
type DealStatus string

const (
	DealPending DealStatus = "PENDING"
	DealPaid    DealStatus = "PAID"
	DealExpired DealStatus = "EXPIRED"
	// DealNotFound is only ever reported, never stored.
	DealNotFound DealStatus = "NOT_FOUND"
)

// Terminal reports whether no further transition is allowed.
func (s DealStatus) Terminal() bool {
	return s == DealPaid || s == DealExpired
}

// LockedDeal is an escrow record awaiting on-chain payment.
type LockedDeal struct {
	ID              uuid.UUID
	ItemID          string
	ItemName        string
	FinalPrice      decimal.Decimal
	Currency        string
	PaymentMemo     string
	SecretContent   string
	Status          DealStatus
	BuyerDID        string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	PaidAt          *time.Time
	TransactionHash *string
	BlockNumber     *string
	FromAddress     *string
}

// Expired reports whether the deal is still pending past its expiry.
func (d LockedDeal) Expired(now time.Time) bool {
	return d.Status == DealPending && now.After(d.ExpiresAt)
}

// Proof returns the stored payment proof of a paid deal.
func (d LockedDeal) Proof() *PaymentProof {
	if d.TransactionHash == nil {
		return nil
	}
	proof := PaymentProof{TransactionHash: *d.TransactionHash}
	if d.BlockNumber != nil {
		proof.BlockNumber = *d.BlockNumber
	}
	if d.FromAddress != nil {
		proof.FromAddress = *d.FromAddress
	}
	if d.PaidAt != nil {
		proof.ConfirmedAt = *d.PaidAt
	}
	return &proof
}

// PaymentProof references the transaction that settled a deal.
type PaymentProof struct {
	TransactionHash string    `json:"transaction_hash"`
	BlockNumber     string    `json:"block_number"`
	FromAddress     string    `json:"from_address"`
	ConfirmedAt     time.Time `json:"confirmed_at"`
}

// PaymentInstructions tell the buyer how to pay a pending deal.
type PaymentInstructions struct {
	DealID        uuid.UUID       `json:"deal_id"`
	WalletAddress string          `json:"wallet_address"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Memo          string          `json:"memo"`
	Network       string          `json:"network"`
	ExpiresAt     int64           `json:"expires_at"`
}

// DealSecret is revealed once a deal is paid.
type DealSecret struct {
	ReservationCode string          `json:"reservation_code"`
	ItemName        string          `json:"item_name"`
	FinalPrice      decimal.Decimal `json:"final_price"`
	PaidAt          time.Time       `json:"paid_at"`
}

// DealStatusReport is the answer to a deal status check.
type DealStatusReport struct {
	Status  DealStatus           `json:"status"`
	Payment *PaymentInstructions `json:"payment_instructions,omitempty"`
	Secret  *DealSecret          `json:"secret,omitempty"`
	Proof   *PaymentProof        `json:"proof,omitempty"`
}
