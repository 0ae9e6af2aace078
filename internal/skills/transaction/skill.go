// Package transaction bundles payment verification, secret sealing and price
// conversion behind one skill.
package transaction

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"negotiation-hive/internal/domain"
	"negotiation-hive/internal/ledger"
	"negotiation-hive/internal/skill"
)

// Name is the registry key of the transaction skill.
const Name = "transaction"

// Intents served by the transaction skill.
const (
	IntentVerifyPayment  = "verify_payment"
	IntentEncryptSecret  = "encrypt_secret"
	IntentDecryptSecret  = "decrypt_secret"
	IntentGetAddress     = "get_address"
	IntentGetNetworkName = "get_network_name"
	IntentConvertPrice   = "convert_price"
)

// ErrPaymentNotFound is the observation error when no matching payment exists yet.
var ErrPaymentNotFound = errors.New("payment_not_found")

// Sealer encrypts deal secrets at rest.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(token string) (string, error)
}

// Settings select the settlement currency and network label.
type Settings struct {
	Currency string
	Network  string
}

// Provider groups the backing resources.
type Provider struct {
	Verifier  ledger.Verifier
	Sealer    Sealer
	Converter *ledger.PriceConverter
	Wallet    string
}

// Skill implements settlement primitives.
type Skill struct {
	settings Settings
	provider Provider
	logger   zerolog.Logger
}

// NewSkill constructs an unbound transaction skill.
func NewSkill(logger zerolog.Logger) *Skill {
	return &Skill{logger: logger.With().Str("component", "transaction").Logger()}
}

func (s *Skill) Bind(settings Settings, provider Provider) {
	s.settings = settings
	s.provider = provider
}

func (s *Skill) Name() string { return Name }

func (s *Skill) Capabilities() []string {
	return []string{IntentVerifyPayment, IntentEncryptSecret, IntentDecryptSecret, IntentGetAddress, IntentGetNetworkName, IntentConvertPrice}
}

func (s *Skill) Initialize(ctx context.Context) bool {
	return s.provider.Verifier != nil && s.provider.Sealer != nil && s.provider.Converter != nil
}

// VerifyPayment delegates to the ledger verifier.
func (s *Skill) VerifyPayment(ctx context.Context, amount decimal.Decimal, memo, currency string) (*domain.PaymentProof, error) {
	if s.provider.Verifier == nil {
		return nil, errors.New("transaction: verifier not bound")
	}
	return s.provider.Verifier.VerifyPayment(ctx, amount, memo, currency)
}

// EncryptSecret seals a reservation code.
func (s *Skill) EncryptSecret(plaintext string) (string, error) {
	if s.provider.Sealer == nil {
		return "", errors.New("transaction: sealer not bound")
	}
	return s.provider.Sealer.Encrypt(plaintext)
}

// DecryptSecret opens a sealed reservation code.
func (s *Skill) DecryptSecret(token string) (string, error) {
	if s.provider.Sealer == nil {
		return "", errors.New("transaction: sealer not bound")
	}
	return s.provider.Sealer.Decrypt(token)
}

// ConvertPrice converts USD into the settlement currency.
func (s *Skill) ConvertPrice(usd decimal.Decimal, currency string) (decimal.Decimal, error) {
	if s.provider.Converter == nil {
		return decimal.Decimal{}, errors.New("transaction: converter not bound")
	}
	if currency == "" {
		currency = s.settings.Currency
	}
	return s.provider.Converter.ConvertUSD(usd, currency)
}

// Address is the receiving wallet, or "unknown".
func (s *Skill) Address() string {
	if s.provider.Wallet == "" {
		return "unknown"
	}
	return s.provider.Wallet
}

// NetworkName labels the settlement network.
func (s *Skill) NetworkName() string {
	if s.settings.Network == "" {
		return "solana"
	}
	return "solana-" + s.settings.Network
}

// Currency is the default settlement currency.
func (s *Skill) Currency() string { return s.settings.Currency }

func (s *Skill) Execute(ctx context.Context, intent string, params skill.Params) (domain.Observation, error) {
	switch intent {
	case IntentVerifyPayment:
		amount, err := params.Decimal("amount")
		if err != nil {
			return domain.Observation{}, err
		}
		proof, err := s.VerifyPayment(ctx, amount, params.StringOr("memo", ""), params.StringOr("currency", s.settings.Currency))
		if err != nil {
			return domain.Observation{}, err
		}
		if proof == nil {
			return domain.Failed(ErrPaymentNotFound), nil
		}
		return domain.Succeeded(*proof), nil

	case IntentEncryptSecret:
		sealed, err := s.EncryptSecret(params.StringOr("secret", ""))
		if err != nil {
			return domain.Observation{}, err
		}
		return domain.Succeeded(sealed), nil

	case IntentDecryptSecret:
		plain, err := s.DecryptSecret(params.StringOr("encrypted_secret", ""))
		if err != nil {
			return domain.Observation{}, err
		}
		return domain.Succeeded(plain), nil

	case IntentGetAddress:
		return domain.Succeeded(s.Address()), nil

	case IntentGetNetworkName:
		return domain.Succeeded(s.NetworkName()), nil

	case IntentConvertPrice:
		usd, err := params.Decimal("usd_amount")
		if err != nil {
			return domain.Observation{}, err
		}
		amount, err := s.ConvertPrice(usd, params.StringOr("currency", ""))
		if err != nil {
			return domain.Observation{}, err
		}
		return domain.Succeeded(amount), nil
	}

	return domain.Observation{}, skill.UnknownIntent(Name, intent)
}

// Close releases the ledger connection when it holds one.
func (s *Skill) Close(ctx context.Context) error {
	if c, ok := s.provider.Verifier.(interface{ Close() }); ok {
		c.Close()
	}
	return nil
}

var (
	_ skill.Trinity[Settings, Provider] = (*Skill)(nil)
	_ skill.Closer                      = (*Skill)(nil)
)
