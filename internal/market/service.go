// Package market locks accepted prices into escrow deals and settles them
// once a matching on-chain payment is observed.
package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"negotiation-hive/internal/alerting"
	"negotiation-hive/internal/domain"
	"negotiation-hive/internal/storage"
)

const (
	defaultDealTTL = time.Hour
	memoAttempts   = 3
)

// ErrVerification wraps ledger failures so callers never mistake them for "not paid".
var ErrVerification = errors.New("payment verification failed")

// Transactions is the settlement surface of the transaction capability.
type Transactions interface {
	VerifyPayment(ctx context.Context, amount decimal.Decimal, memo, currency string) (*domain.PaymentProof, error)
	EncryptSecret(plaintext string) (string, error)
	DecryptSecret(token string) (string, error)
	Address() string
	NetworkName() string
}

// OfferRequest describes an accepted price to lock.
type OfferRequest struct {
	ItemID   string
	ItemName string
	Secret   string
	Price    decimal.Decimal
	Currency string
	BuyerDID string
	TTL      time.Duration
}

// Settings tune deal creation.
type Settings struct {
	Currency   string
	DealTTL    time.Duration
	MemoLength int
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithNotifier sends an operator alert when a deal is paid.
func WithNotifier(n alerting.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// Service is the settlement service.
type Service struct {
	settings Settings
	deals    storage.DealStore
	tx       Transactions
	notifier alerting.Notifier
	now      func() time.Time
	logger   zerolog.Logger
}

// NewService wires the deal store and the transaction capability.
func NewService(settings Settings, deals storage.DealStore, tx Transactions, logger zerolog.Logger, opts ...Option) *Service {
	if settings.DealTTL <= 0 {
		settings.DealTTL = defaultDealTTL
	}
	if settings.MemoLength <= 0 {
		settings.MemoLength = DefaultMemoLength
	}
	s := &Service{
		settings: settings,
		deals:    deals,
		tx:       tx,
		notifier: alerting.NopNotifier{},
		now:      time.Now,
		logger:   logger.With().Str("component", "market").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOffer persists a pending deal and returns payment instructions.
func (s *Service) CreateOffer(ctx context.Context, req OfferRequest) (domain.PaymentInstructions, error) {
	if !req.Price.IsPositive() {
		return domain.PaymentInstructions{}, fmt.Errorf("create offer: price must be positive, got %s", req.Price)
	}
	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = strings.ToUpper(s.settings.Currency)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.settings.DealTTL
	}

	sealed, err := s.tx.EncryptSecret(req.Secret)
	if err != nil {
		return domain.PaymentInstructions{}, fmt.Errorf("seal secret: %w", err)
	}

	now := s.now().UTC()
	deal := domain.LockedDeal{
		ID:            uuid.New(),
		ItemID:        req.ItemID,
		ItemName:      req.ItemName,
		FinalPrice:    req.Price,
		Currency:      currency,
		SecretContent: sealed,
		Status:        domain.DealPending,
		BuyerDID:      req.BuyerDID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}

	for attempt := 1; ; attempt++ {
		deal.PaymentMemo, err = NewMemo(s.settings.MemoLength)
		if err != nil {
			return domain.PaymentInstructions{}, err
		}
		err = s.deals.CreateDeal(ctx, deal)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrDuplicateMemo) || attempt >= memoAttempts {
			return domain.PaymentInstructions{}, fmt.Errorf("create deal: %w", err)
		}
		s.logger.Warn().Int("attempt", attempt).Msg("memo collision, regenerating")
	}

	s.logger.Info().
		Str("deal_id", deal.ID.String()).
		Str("item_id", deal.ItemID).
		Str("price", deal.FinalPrice.String()).
		Str("currency", currency).
		Msg("deal locked")
	return s.instructions(deal), nil
}

// CheckStatus reports the settlement state of a deal, advancing it when the
// deal has expired or a matching payment is found.
func (s *Service) CheckStatus(ctx context.Context, dealID uuid.UUID) (domain.DealStatusReport, error) {
	deal, err := s.deals.GetDeal(ctx, dealID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.DealStatusReport{Status: domain.DealNotFound}, nil
	}
	if err != nil {
		return domain.DealStatusReport{}, fmt.Errorf("load deal: %w", err)
	}

	switch deal.Status {
	case domain.DealPaid:
		return s.paidReport(deal)
	case domain.DealExpired:
		return domain.DealStatusReport{Status: domain.DealExpired}, nil
	case domain.DealPending:
	default:
		return domain.DealStatusReport{}, fmt.Errorf("deal %s has unknown status %q", deal.ID, deal.Status)
	}

	now := s.now().UTC()
	if deal.Expired(now) {
		err := s.deals.MarkDealExpired(ctx, deal.ID, now)
		if errors.Is(err, storage.ErrStatusConflict) {
			return s.reload(ctx, deal.ID)
		}
		if err != nil {
			return domain.DealStatusReport{}, fmt.Errorf("expire deal: %w", err)
		}
		s.logger.Info().Str("deal_id", deal.ID.String()).Msg("deal expired")
		return domain.DealStatusReport{Status: domain.DealExpired}, nil
	}

	proof, err := s.tx.VerifyPayment(ctx, deal.FinalPrice, deal.PaymentMemo, deal.Currency)
	if err != nil {
		s.logger.Error().Err(err).Str("deal_id", deal.ID.String()).Msg("payment verification failed")
		return domain.DealStatusReport{}, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	if proof == nil {
		instructions := s.instructions(deal)
		return domain.DealStatusReport{Status: domain.DealPending, Payment: &instructions}, nil
	}

	err = s.deals.MarkDealPaid(ctx, deal.ID, *proof)
	if errors.Is(err, storage.ErrStatusConflict) {
		return s.reload(ctx, deal.ID)
	}
	if err != nil {
		return domain.DealStatusReport{}, fmt.Errorf("mark deal paid: %w", err)
	}

	paid, err := s.deals.GetDeal(ctx, deal.ID)
	if err != nil {
		return domain.DealStatusReport{}, fmt.Errorf("reload paid deal: %w", err)
	}
	s.logger.Info().Str("deal_id", deal.ID.String()).Str("tx", proof.TransactionHash).Msg("deal paid")
	s.alert(ctx, paid, *proof)
	return s.paidReport(paid)
}

// reload answers from the stored row after losing a conditional update.
func (s *Service) reload(ctx context.Context, id uuid.UUID) (domain.DealStatusReport, error) {
	deal, err := s.deals.GetDeal(ctx, id)
	if err != nil {
		return domain.DealStatusReport{}, fmt.Errorf("reload deal: %w", err)
	}
	switch deal.Status {
	case domain.DealPaid:
		return s.paidReport(deal)
	case domain.DealExpired:
		return domain.DealStatusReport{Status: domain.DealExpired}, nil
	default:
		instructions := s.instructions(deal)
		return domain.DealStatusReport{Status: domain.DealPending, Payment: &instructions}, nil
	}
}

func (s *Service) paidReport(deal domain.LockedDeal) (domain.DealStatusReport, error) {
	code, err := s.tx.DecryptSecret(deal.SecretContent)
	if err != nil {
		return domain.DealStatusReport{}, fmt.Errorf("open secret: %w", err)
	}
	secret := &domain.DealSecret{
		ReservationCode: code,
		ItemName:        deal.ItemName,
		FinalPrice:      deal.FinalPrice,
	}
	if deal.PaidAt != nil {
		secret.PaidAt = *deal.PaidAt
	}
	return domain.DealStatusReport{Status: domain.DealPaid, Secret: secret, Proof: deal.Proof()}, nil
}

func (s *Service) instructions(deal domain.LockedDeal) domain.PaymentInstructions {
	return domain.PaymentInstructions{
		DealID:        deal.ID,
		WalletAddress: s.tx.Address(),
		Amount:        deal.FinalPrice,
		Currency:      deal.Currency,
		Memo:          deal.PaymentMemo,
		Network:       s.tx.NetworkName(),
		ExpiresAt:     deal.ExpiresAt.Unix(),
	}
}

func (s *Service) alert(ctx context.Context, deal domain.LockedDeal, proof domain.PaymentProof) {
	note := alerting.Notification{
		DealID:          deal.ID.String(),
		ItemID:          deal.ItemID,
		ItemName:        deal.ItemName,
		FinalPrice:      deal.FinalPrice,
		Currency:        deal.Currency,
		TransactionHash: proof.TransactionHash,
		FromAddress:     proof.FromAddress,
		PaidAt:          proof.ConfirmedAt,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Warn().Err(err).Str("deal_id", note.DealID).Msg("paid alert failed")
	}
}
