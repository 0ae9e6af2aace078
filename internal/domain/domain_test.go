package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	a, err := ParseAction(" Counter ")
	require.NoError(t, err)
	assert.Equal(t, ActionCounter, a)
	assert.True(t, a.ClaimsPrice())

	_, err = ParseAction("haggle")
	assert.Error(t, err)
	assert.False(t, ActionReject.ClaimsPrice())
}

func TestItemInternalCostDefaultsToFloor(t *testing.T) {
	item := Item{FloorPrice: decimal.NewFromInt(500)}
	assert.True(t, item.InternalCost().Equal(decimal.NewFromInt(500)))

	item.Meta = map[string]any{"internal_cost": 420.5}
	assert.True(t, item.InternalCost().Equal(decimal.RequireFromString("420.5")))

	item.Meta = map[string]any{"internal_cost": "not-a-number"}
	assert.True(t, item.InternalCost().Equal(decimal.NewFromInt(500)))
}

func TestFailureDecision(t *testing.T) {
	d := FailureDecision(errors.New("model timeout"))
	assert.Equal(t, ActionError, d.Action)
	assert.Equal(t, "model timeout", d.Err)
	assert.NotContains(t, d.Message, "model timeout")
}

func TestLockedDealExpiry(t *testing.T) {
	now := time.Now()
	deal := LockedDeal{Status: DealPending, ExpiresAt: now.Add(-time.Second)}
	assert.True(t, deal.Expired(now))

	deal.Status = DealPaid
	assert.False(t, deal.Expired(now))
	assert.True(t, deal.Status.Terminal())
	assert.False(t, DealPending.Terminal())
}

func TestLockedDealProof(t *testing.T) {
	assert.Nil(t, LockedDeal{}.Proof())

	hash, block, from := "sig", "42", "sender"
	paid := time.Unix(1700000000, 0)
	proof := LockedDeal{TransactionHash: &hash, BlockNumber: &block, FromAddress: &from, PaidAt: &paid}.Proof()
	require.NotNil(t, proof)
	assert.Equal(t, "sig", proof.TransactionHash)
	assert.Equal(t, "42", proof.BlockNumber)
	assert.Equal(t, "sender", proof.FromAddress)
	assert.Equal(t, paid, proof.ConfirmedAt)
}
