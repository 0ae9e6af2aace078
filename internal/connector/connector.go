// Package connector executes a vetted decision and shapes the negotiation
// response returned to the buying agent.
package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"negotiation-hive/internal/domain"
	"negotiation-hive/internal/market"
	"negotiation-hive/internal/skill"
	"negotiation-hive/internal/skills/transaction"
)

// Keys injected into every step's params.
const (
	ContextParam             = "_context"
	PreviousObservationParam = "_previous_observation"
)

// Executor invokes capabilities by name.
type Executor interface {
	Execute(ctx context.Context, name, intent string, params skill.Params) domain.Observation
}

// Escrow locks accepted prices for on-chain payment.
type Escrow interface {
	CreateOffer(ctx context.Context, req market.OfferRequest) (domain.PaymentInstructions, error)
}

// Settings control escrow on accept.
type Settings struct {
	EscrowEnabled bool
	Currency      string
	DealTTL       time.Duration
}

// Connector is the action stage.
type Connector struct {
	settings Settings
	registry Executor
	escrow   Escrow
	now      func() time.Time
	logger   zerolog.Logger
}

// New builds a connector. escrow may be nil when settlement is disabled.
func New(settings Settings, registry Executor, escrow Escrow, logger zerolog.Logger) *Connector {
	return &Connector{
		settings: settings,
		registry: registry,
		escrow:   escrow,
		now:      time.Now,
		logger:   logger.With().Str("component", "connector").Logger(),
	}
}

// Act runs the decision's steps when present, otherwise maps it onto a
// negotiation response.
func (c *Connector) Act(ctx context.Context, d domain.Decision, nc domain.Context) (domain.Observation, error) {
	if len(d.Steps) > 0 {
		return c.runSteps(ctx, d.Steps, nc), nil
	}

	resp := domain.NegotiateResponse{
		SessionToken: sessionToken(nc.RequestID),
		ValidUntil:   c.now().Add(domain.SessionValidity).Unix(),
	}

	switch d.Action {
	case domain.ActionAccept:
		accepted, err := c.accept(ctx, d, nc)
		if err != nil {
			c.logger.Error().Err(err).Str("item_id", nc.ItemID).Msg("crypto lock failed")
			return domain.Failedf("crypto lock failed"), nil
		}
		resp.Accepted = accepted
	case domain.ActionCounter:
		resp.Countered = &domain.Countered{
			ProposedPrice: d.Price,
			HumanMessage:  d.Message,
			ReasonCode:    domain.ReasonNegotiationOngoing,
		}
	case domain.ActionReject:
		reason := domain.ReasonOfferTooLow
		if d.ReasonCode() == domain.ReasonItemNotFound {
			reason = domain.ReasonItemNotFound
		}
		resp.Rejected = &domain.Rejected{ReasonCode: reason}
	case domain.ActionUIRequired:
		resp.UIRequired = &domain.UIRequired{ReasonCode: domain.ReasonUIRequired}
	case domain.ActionError:
		resp.Rejected = &domain.Rejected{ReasonCode: domain.ReasonInternalError}
	default:
		return domain.Observation{}, fmt.Errorf("unknown action %q", d.Action)
	}

	obs := domain.Succeeded(resp)
	obs.EventType = "negotiation_" + d.Action.String()
	obs.Metadata = map[string]any{
		"decision":  d.Action.String(),
		"item_id":   nc.ItemID,
		"agent_did": nc.Offer.AgentDID,
		"price":     d.Price,
	}
	return obs, nil
}

func (c *Connector) accept(ctx context.Context, d domain.Decision, nc domain.Context) (*domain.Accepted, error) {
	accepted := &domain.Accepted{
		FinalPrice:      d.Price,
		ReservationCode: "HIVE-" + uuid.NewString(),
	}
	if !c.settings.EscrowEnabled || c.escrow == nil {
		return accepted, nil
	}

	obs := c.registry.Execute(ctx, transaction.Name, transaction.IntentConvertPrice, skill.Params{
		"usd_amount": d.Price,
		"currency":   c.settings.Currency,
	})
	if !obs.Success {
		return nil, fmt.Errorf("convert price: %s", obs.Error)
	}
	amount, ok := obs.Data.(decimal.Decimal)
	if !ok {
		return nil, fmt.Errorf("convert price: unexpected payload %T", obs.Data)
	}

	req := market.OfferRequest{
		ItemID:   nc.ItemID,
		Secret:   accepted.ReservationCode,
		Price:    amount,
		Currency: c.settings.Currency,
		BuyerDID: nc.Offer.AgentDID,
		TTL:      c.settings.DealTTL,
	}
	if nc.Item != nil {
		req.ItemName = nc.Item.Name
	}
	payment, err := c.escrow.CreateOffer(ctx, req)
	if err != nil {
		return nil, err
	}

	accepted.ReservationCode = ""
	accepted.CryptoPayment = &payment
	return accepted, nil
}

// runSteps executes steps in order, feeding each the previous observation,
// and stops at the first failure.
func (c *Connector) runSteps(ctx context.Context, steps []domain.Step, nc domain.Context) domain.Observation {
	var last domain.Observation
	for i, step := range steps {
		params := skill.Params(step.Params).Clone()
		params[ContextParam] = nc
		if i > 0 {
			params[PreviousObservationParam] = last
		}

		last = c.registry.Execute(ctx, step.Skill, step.Intent, params)
		if !last.Success {
			c.logger.Warn().Int("step", i).Str("skill", step.Skill).Str("intent", step.Intent).Str("error", last.Error).Msg("step failed")
			return last
		}
	}
	return last
}

func sessionToken(requestID string) string {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return "sess_" + requestID
}
