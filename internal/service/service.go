// Package service runs the heartbeat negotiation that keeps the pipeline warm
// and proves, end to end, that the hive is alive.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"negotiation-hive/internal/domain"
	"negotiation-hive/internal/scheduler"
	"negotiation-hive/internal/skill"
	"negotiation-hive/internal/skills/persistence"
	"negotiation-hive/internal/skills/telemetry"
	"negotiation-hive/internal/storage"
)

// DefaultAgentDID identifies heartbeat bids.
const DefaultAgentDID = "did:aura:heartbeat"

// Negotiator runs one bid through the pipeline.
type Negotiator interface {
	Negotiate(ctx context.Context, signal domain.Signal) (domain.Observation, error)
}

// Executor invokes capabilities by name.
type Executor interface {
	Execute(ctx context.Context, name, intent string, params skill.Params) domain.Observation
}

// Emitter publishes heartbeat and vitals events.
type Emitter interface {
	Heartbeat(ctx context.Context, instanceID, status string) (domain.Observation, error)
	Vitals(ctx context.Context, v domain.SystemVitals) (domain.Observation, error)
}

// Settings shape the synthetic bid.
type Settings struct {
	ItemID          string
	BidMultiplier   float64
	AgentDID        string
	AgentReputation float64
	AdvisoryLockKey int64
	Service         string
}

// Service fires a heartbeat negotiation on every scheduler beat.
type Service struct {
	settings   Settings
	scheduler  *scheduler.Scheduler
	negotiator Negotiator
	registry   Executor
	emitter    Emitter
	locker     storage.AdvisoryLocker
	instanceID string
	logger     zerolog.Logger
}

// New constructs the heartbeat service. locker and emitter may be nil.
func New(settings Settings, sched *scheduler.Scheduler, negotiator Negotiator, registry Executor, emitter Emitter, locker storage.AdvisoryLocker, logger zerolog.Logger) *Service {
	if settings.AgentDID == "" {
		settings.AgentDID = DefaultAgentDID
	}
	if settings.BidMultiplier <= 0 {
		settings.BidMultiplier = 1
	}
	host, _ := os.Hostname()
	return &Service{
		settings:   settings,
		scheduler:  sched,
		negotiator: negotiator,
		registry:   registry,
		emitter:    emitter,
		locker:     locker,
		instanceID: fmt.Sprintf("%s-%d", host, os.Getpid()),
		logger:     logger.With().Str("component", "heartbeat").Logger(),
	}
}

// Run begins the heartbeat loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return errors.New("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.Beat)
}

// Beat runs a single heartbeat negotiation when this replica holds the lock.
func (s *Service) Beat(ctx context.Context, at time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("beat", at).Msg("skip beat because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}
	return s.execute(ctx, at)
}

func (s *Service) execute(ctx context.Context, at time.Time) error {
	obs := s.registry.Execute(ctx, persistence.Name, persistence.IntentReadItem, skill.Params{"item_id": s.settings.ItemID})
	if !obs.Success {
		return fmt.Errorf("read heartbeat item %q: %s", s.settings.ItemID, obs.Error)
	}
	item, ok := obs.Data.(domain.Item)
	if !ok {
		return fmt.Errorf("read heartbeat item: unexpected payload %T", obs.Data)
	}

	bid := item.BasePrice.Mul(decimal.NewFromFloat(s.settings.BidMultiplier)).Round(2)
	signal := domain.Signal{
		ItemID:       item.ID,
		BidAmount:    bid,
		CurrencyCode: "USD",
		Agent:        domain.Agent{DID: s.settings.AgentDID, ReputationScore: s.settings.AgentReputation},
		RequestID:    fmt.Sprintf("heartbeat-%d", at.Unix()),
	}

	result, err := s.negotiator.Negotiate(ctx, signal)
	status := "ok"
	switch {
	case err != nil:
		status = "rejected"
	case !result.Success:
		status = "degraded"
	}

	s.count(ctx)
	s.emit(ctx, status)

	s.logger.Info().Time("beat", at).
		Str("item_id", item.ID).
		Str("bid", bid.String()).
		Str("event_type", result.EventType).
		Str("status", status).
		Msg("heartbeat negotiated")
	if err != nil {
		return fmt.Errorf("heartbeat negotiation: %w", err)
	}
	return nil
}

func (s *Service) count(ctx context.Context) {
	obs := s.registry.Execute(ctx, telemetry.Name, telemetry.IntentIncrementCounter, skill.Params{
		"name":   telemetry.CounterHeartbeats,
		"labels": map[string]string{"service": s.settings.Service},
	})
	if !obs.Success {
		s.logger.Debug().Str("error", obs.Error).Msg("heartbeat counter not incremented")
	}
}

func (s *Service) emit(ctx context.Context, status string) {
	if s.emitter == nil {
		return
	}
	if _, err := s.emitter.Heartbeat(ctx, s.instanceID, status); err != nil {
		s.logger.Debug().Err(err).Msg("heartbeat event not published")
	}

	obs := s.registry.Execute(ctx, telemetry.Name, telemetry.IntentGetVitals, nil)
	if v, ok := obs.Data.(domain.SystemVitals); ok && obs.Success {
		if _, err := s.emitter.Vitals(ctx, v); err != nil {
			s.logger.Debug().Err(err).Msg("vitals event not published")
		}
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.settings.AdvisoryLockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.settings.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
