// Package persistence exposes the catalog and escrow tables as a skill.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"negotiation-hive/internal/domain"
	"negotiation-hive/internal/skill"
	"negotiation-hive/internal/storage"
)

// Name is the registry key of the persistence skill.
const Name = "persistence"

// Intents served by the persistence skill.
const (
	IntentReadItem        = "read_item"
	IntentUpsertItem      = "upsert_item"
	IntentCreateDeal      = "create_deal"
	IntentGetDeal         = "get_deal_by_id"
	IntentGetDealByMemo   = "get_deal_by_memo"
	IntentListRecentDeals = "list_recent_deals"
	IntentUpdateDeal      = "update_deal_status"
)

// ReasonNotFound marks a failed lookup whose row does not exist.
const ReasonNotFound = "not_found"

// NotFound reports whether obs is a lookup miss rather than a storage failure.
func NotFound(obs domain.Observation) bool {
	reason, _ := obs.Metadata["reason"].(string)
	return !obs.Success && reason == ReasonNotFound
}

func notFound(format string, args ...any) domain.Observation {
	obs := domain.Failedf(format, args...)
	obs.Metadata = map[string]any{"reason": ReasonNotFound}
	return obs
}

// Backend is the storage the skill reads and writes.
type Backend interface {
	storage.ItemStore
	storage.DealStore
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Settings tune the skill.
type Settings struct {
	DefaultListLimit int
}

// Skill serves item and deal lookups.
type Skill struct {
	settings Settings
	backend  Backend
	logger   zerolog.Logger
}

// NewSkill constructs an unbound persistence skill.
func NewSkill(logger zerolog.Logger) *Skill {
	return &Skill{logger: logger.With().Str("component", "persistence").Logger()}
}

func (s *Skill) Bind(settings Settings, backend Backend) {
	if settings.DefaultListLimit <= 0 {
		settings.DefaultListLimit = 20
	}
	s.settings = settings
	s.backend = backend
}

func (s *Skill) Name() string { return Name }

func (s *Skill) Capabilities() []string {
	return []string{IntentReadItem, IntentUpsertItem, IntentCreateDeal, IntentGetDeal, IntentGetDealByMemo, IntentListRecentDeals, IntentUpdateDeal}
}

// Initialize pings the database when the backend supports it.
func (s *Skill) Initialize(ctx context.Context) bool {
	if s.backend == nil {
		return false
	}
	if p, ok := s.backend.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			s.logger.Error().Err(err).Msg("database ping failed")
			return false
		}
	}
	return true
}

func (s *Skill) Execute(ctx context.Context, intent string, params skill.Params) (domain.Observation, error) {
	if s.backend == nil {
		return domain.Observation{}, errors.New("persistence: backend not bound")
	}

	switch intent {
	case IntentReadItem:
		id, _ := params.String("item_id")
		item, err := s.backend.GetItem(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return notFound("item %q not found", id), nil
		}
		if err != nil {
			return domain.Observation{}, err
		}
		return domain.Succeeded(item), nil

	case IntentUpsertItem:
		item, ok := params["item"].(domain.Item)
		if !ok {
			return domain.Observation{}, errors.New("persistence: item param required")
		}
		if err := s.backend.UpsertItem(ctx, item); err != nil {
			return domain.Observation{}, err
		}
		return domain.Succeeded(item.ID), nil

	case IntentCreateDeal:
		deal, ok := params["deal"].(domain.LockedDeal)
		if !ok {
			return domain.Observation{}, errors.New("persistence: deal param required")
		}
		if err := s.backend.CreateDeal(ctx, deal); err != nil {
			return domain.Observation{}, err
		}
		return domain.Succeeded(deal.ID.String()), nil

	case IntentGetDeal:
		id, err := uuid.Parse(params.StringOr("deal_id", ""))
		if err != nil {
			return domain.Observation{}, fmt.Errorf("persistence: invalid deal_id: %w", err)
		}
		return s.dealObservation(s.backend.GetDeal(ctx, id))

	case IntentGetDealByMemo:
		return s.dealObservation(s.backend.GetDealByMemo(ctx, params.StringOr("memo", "")))

	case IntentUpdateDeal:
		id, err := uuid.Parse(params.StringOr("deal_id", ""))
		if err != nil {
			return domain.Observation{}, fmt.Errorf("persistence: invalid deal_id: %w", err)
		}
		switch status := domain.DealStatus(params.StringOr("status", "")); status {
		case domain.DealPaid:
			proof, ok := params["proof"].(domain.PaymentProof)
			if !ok {
				return domain.Observation{}, errors.New("persistence: proof param required")
			}
			err = s.backend.MarkDealPaid(ctx, id, proof)
		case domain.DealExpired:
			err = s.backend.MarkDealExpired(ctx, id, time.Now().UTC())
		default:
			return domain.Observation{}, fmt.Errorf("persistence: cannot transition to %q", status)
		}
		if errors.Is(err, storage.ErrStatusConflict) {
			return domain.Failed(err), nil
		}
		if err != nil {
			return domain.Observation{}, err
		}
		return domain.Succeeded(id.String()), nil

	case IntentListRecentDeals:
		limit := int(params.Float("limit", float64(s.settings.DefaultListLimit)))
		deals, err := s.backend.ListRecentDeals(ctx, limit)
		if err != nil {
			return domain.Observation{}, err
		}
		return domain.Succeeded(deals), nil
	}

	return domain.Observation{}, skill.UnknownIntent(Name, intent)
}

func (s *Skill) dealObservation(deal domain.LockedDeal, err error) (domain.Observation, error) {
	if errors.Is(err, storage.ErrNotFound) {
		return notFound("deal not found"), nil
	}
	if err != nil {
		return domain.Observation{}, err
	}
	// never hand the sealed secret to callers of the generic skill interface
	deal.SecretContent = ""
	return domain.Observation{Success: true, Data: deal, Metadata: map[string]any{"checked_at": time.Now().UTC()}}, nil
}

var _ skill.Trinity[Settings, Backend] = (*Skill)(nil)
