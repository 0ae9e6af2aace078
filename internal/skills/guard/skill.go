package guard

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"negotiation-hive/internal/domain"
	"negotiation-hive/internal/skill"
)

// Name is the registry key of the guard skill.
const Name = "guard"

// Intents served by the guard skill.
const (
	IntentValidateDecision = "validate_decision"
	IntentValidateMargin   = "validate_margin"
	IntentValidateFloor    = "validate_floor"
	IntentGetSafePrice     = "get_safe_price"
)

// Skill exposes Validate and SafePrice through the registry.
type Skill struct {
	settings *Settings
	logger   zerolog.Logger
}

// NewSkill constructs an unbound guard skill.
func NewSkill(logger zerolog.Logger) *Skill {
	return &Skill{logger: logger.With().Str("component", "guard").Logger()}
}

// Bind attaches margin settings. The guard has no backing resource.
func (s *Skill) Bind(settings *Settings, _ struct{}) {
	s.settings = settings
}

func (s *Skill) Name() string { return Name }

func (s *Skill) Capabilities() []string {
	return []string{IntentValidateDecision, IntentValidateMargin, IntentValidateFloor, IntentGetSafePrice}
}

// Initialize always succeeds; missing settings are handled by failing closed.
func (s *Skill) Initialize(ctx context.Context) bool {
	if s.settings == nil {
		s.logger.Warn().Msg("guard bound without margin settings; every priced decision will be overridden")
	}
	return true
}

// Execute runs a guard intent. Params: action, price, floor_price,
// internal_cost, and reason for get_safe_price.
func (s *Skill) Execute(ctx context.Context, intent string, params skill.Params) (domain.Observation, error) {
	floor, err := params.Decimal("floor_price")
	if err != nil {
		return domain.Observation{}, err
	}

	switch intent {
	case IntentValidateDecision, IntentValidateMargin, IntentValidateFloor:
		action, err := domain.ParseAction(params.StringOr("action", ""))
		if err != nil {
			return domain.Observation{}, err
		}
		price, err := params.Decimal("price")
		if err != nil {
			price = decimal.Zero
		}
		cost, err := params.Decimal("internal_cost")
		if err != nil {
			cost = floor
		}

		verdict := Validate(action, price, EconomicContext{FloorPrice: floor, InternalCost: cost}, s.settings)
		if verdict.OK {
			return domain.Observation{Success: true, Data: verdict}, nil
		}
		s.logger.Warn().
			Str("code", string(verdict.Code)).
			Str("action", action.String()).
			Str("safe_price", verdict.SafePrice.StringFixed(2)).
			Msg("safety violation")
		return domain.Observation{
			Success: false,
			Error:   string(verdict.Code),
			Data:    verdict,
		}, nil

	case IntentGetSafePrice:
		code := Code(params.StringOr("reason", string(CodeFailureRecovery)))
		return domain.Succeeded(SafePrice(floor, code, s.settings)), nil
	}

	return domain.Observation{}, skill.UnknownIntent(Name, intent)
}

var _ skill.Trinity[*Settings, struct{}] = (*Skill)(nil)
