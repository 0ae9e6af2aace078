package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"negotiation-hive/internal/aggregator"
	"negotiation-hive/internal/api"
	"negotiation-hive/internal/connector"
	"negotiation-hive/internal/generator"
	"negotiation-hive/internal/ledger"
	"negotiation-hive/internal/market"
	"negotiation-hive/internal/membrane"
	"negotiation-hive/internal/metabolism"
	"negotiation-hive/internal/observability"
	"negotiation-hive/internal/secretbox"
	"negotiation-hive/internal/skill"
	"negotiation-hive/internal/skills/guard"
	"negotiation-hive/internal/skills/persistence"
	"negotiation-hive/internal/skills/pulse"
	"negotiation-hive/internal/skills/reasoning"
	"negotiation-hive/internal/skills/telemetry"
	"negotiation-hive/internal/skills/transaction"
	"negotiation-hive/internal/storage"
	"negotiation-hive/internal/transformer"
	"negotiation-hive/internal/version"
)

// Hive is the assembled runtime shared by the serve and one-shot commands.
type Hive struct {
	Registry  *skill.Registry
	Loop      *metabolism.HiveLoop
	Market    *market.Service
	Generator *generator.Generator
	Telemetry *telemetry.Skill
	Metrics   *prometheus.Registry
	Backend   persistence.Backend
	Locker    storage.AdvisoryLocker
	Checks    map[string]api.ReadinessCheck

	closers []func(ctx context.Context)
}

// Close releases every resource in reverse order of acquisition.
func (h *Hive) Close(ctx context.Context) {
	for i := len(h.closers) - 1; i >= 0; i-- {
		h.closers[i](ctx)
	}
}

func (h *Hive) onClose(fn func(ctx context.Context)) {
	h.closers = append(h.closers, fn)
}

// Deals returns the settlement checker, or nil when escrow is disabled.
func (h *Hive) Deals() api.DealChecker {
	if h.Market == nil {
		return nil
	}
	return h.Market
}

// Build assembles the skill registry and the negotiation pipeline.
func (a *App) Build(ctx context.Context) (*Hive, error) {
	cfg := a.Config
	h := &Hive{
		Metrics: prometheus.NewRegistry(),
		Checks:  make(map[string]api.ReadinessCheck),
	}
	h.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	obs, err := observability.New(ctx, observability.Config{
		ServiceName:    cfg.App.Name,
		ServiceVersion: version.Version,
		Environment:    cfg.App.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.OTLPInsecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	}, h.Metrics, a.Logger)
	if err != nil {
		return nil, err
	}
	h.onClose(func(ctx context.Context) {
		if err := obs.Shutdown(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("observability shutdown failed")
		}
	})

	if err := a.openBackend(ctx, h); err != nil {
		h.Close(ctx)
		return nil, err
	}
	rdb := a.openRedis(h)

	h.Registry = skill.NewRegistry(a.Logger,
		skill.WithTracer(obs.Tracer()),
		skill.WithTimeout(cfg.Server.SkillTimeout),
	)
	h.onClose(func(ctx context.Context) {
		if err := h.Registry.Close(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("skill shutdown failed")
		}
	})

	guardSettings := &guard.Settings{MinProfitMargin: decimal.NewFromFloat(cfg.Safety.MinProfitMargin)}
	h.Registry.Register(guard.Name, skill.Bind[*guard.Settings, struct{}](guard.NewSkill(a.Logger), guardSettings, struct{}{}))

	h.Registry.Register(persistence.Name, skill.Bind[persistence.Settings, persistence.Backend](
		persistence.NewSkill(a.Logger), persistence.Settings{}, h.Backend))

	h.Telemetry = telemetry.NewSkill(a.Logger)
	h.Registry.Register(telemetry.Name, skill.Bind[telemetry.Settings, telemetry.Provider](h.Telemetry, telemetry.Settings{
		PrometheusURL: cfg.Telemetry.PrometheusURL,
		CacheTTL:      cfg.Telemetry.CacheTTL,
		QueryTimeout:  cfg.Telemetry.QueryTimeout,
		Service:       cfg.Events.Service,
	}, telemetry.Provider{Redis: rdb, Counters: telemetry.NewCounters(h.Metrics)}))

	if cfg.Events.Enabled {
		if rdb == nil {
			a.Logger.Warn().Msg("events enabled but redis.addr not configured; pulse disabled")
		} else {
			h.Registry.Register(pulse.Name, skill.Bind[pulse.Settings, *redis.Client](pulse.NewSkill(a.Logger), pulse.Settings{
				StreamPrefix: cfg.Events.StreamPrefix,
				MaxLen:       cfg.Events.MaxLen,
				Service:      cfg.Events.Service,
			}, rdb))
		}
	}

	if strings.EqualFold(cfg.Reasoning.Mode, transformer.ModeRemote) {
		userAgent := cfg.Reasoning.UserAgent
		if userAgent == "" {
			userAgent = version.UserAgent()
		}
		h.Registry.Register(reasoning.Name, skill.Bind[reasoning.Settings, *http.Client](reasoning.NewSkill(a.Logger), reasoning.Settings{
			Endpoint:  cfg.Reasoning.Endpoint,
			Timeout:   cfg.Reasoning.Timeout,
			UserAgent: userAgent,
		}, &http.Client{Timeout: cfg.Reasoning.Timeout}))
	}

	var tx *transaction.Skill
	if cfg.Crypto.Enabled {
		tx, err = a.newTransaction()
		if err != nil {
			h.Close(ctx)
			return nil, err
		}
		h.Registry.Register(transaction.Name, tx)
	}

	if failed := h.Registry.InitializeAll(ctx); len(failed) > 0 {
		a.Logger.Warn().Strs("skills", failed).Msg("skills unavailable after initialisation")
	}

	var escrow connector.Escrow
	if tx != nil {
		h.Market = market.NewService(market.Settings{
			Currency:   cfg.Crypto.Currency,
			DealTTL:    cfg.Crypto.DealTTL,
			MemoLength: cfg.Crypto.MemoLength,
		}, h.Backend, tx, a.Logger, market.WithNotifier(a.newNotifier()))
		escrow = h.Market
	}

	h.Generator = generator.New(h.Registry, cfg.Events.Service, a.Logger)
	loop, err := metabolism.NewNegotiationLoop(metabolism.NegotiationStages{
		Aggregator: aggregator.New(h.Registry, a.Logger),
		Transformer: transformer.New(transformer.Settings{
			Mode:         strings.ToLower(cfg.Reasoning.Mode),
			TriggerPrice: decimal.NewFromFloat(cfg.Reasoning.TriggerPrice),
		}, h.Registry, a.Logger),
		Membrane: membrane.New(h.Registry, guardSettings, a.Logger),
		Connector: connector.New(connector.Settings{
			EscrowEnabled: cfg.Crypto.Enabled,
			Currency:      cfg.Crypto.Currency,
			DealTTL:       cfg.Crypto.DealTTL,
		}, h.Registry, escrow, a.Logger),
		Generator: h.Generator,
	}, metabolism.Settings{
		StageTimeout: cfg.Server.StageTimeout,
		Tracer:       obs.Tracer(),
		Meter:        obs.Meter(),
		Logger:       a.Logger,
	})
	if err != nil {
		h.Close(ctx)
		return nil, err
	}
	h.Loop = metabolism.NewHiveLoop(loop, h.Registry, cfg.Events.Service, a.Logger)

	a.Logger.Info().
		Strs("skills", h.Registry.Names()).
		Str("reasoning_mode", cfg.Reasoning.Mode).
		Bool("escrow", h.Market != nil).
		Msg("hive assembled")
	return h, nil
}

// openBackend connects PostgreSQL, falling back to an in-memory store when no
// DSN is configured.
func (a *App) openBackend(ctx context.Context, h *Hive) error {
	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory store")
		h.Backend = storage.NewMemory()
		return nil
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	h.Backend = store
	h.Locker = store
	h.Checks["database"] = store.Ping
	h.onClose(func(context.Context) { closeStore() })
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn not configured")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database, a.Config.App.Name)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	return store, store.Close, nil
}

func (a *App) openRedis(h *Hive) *redis.Client {
	cfg := a.Config.Redis
	if cfg.Addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	h.Checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	h.onClose(func(context.Context) {
		if err := rdb.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("redis close failed")
		}
	})
	return rdb
}

func (a *App) newTransaction() (*transaction.Skill, error) {
	cfg := a.Config.Crypto
	key, err := cfg.Key()
	if err != nil {
		return nil, err
	}
	box, err := secretbox.New(key)
	if err != nil {
		return nil, fmt.Errorf("secret box: %w", err)
	}

	verifier := ledger.NewSolana(ledger.SolanaOptions{
		RPCURL:         cfg.RPCURL,
		WalletAddress:  cfg.WalletAddress,
		TokenAccount:   cfg.TokenAccount,
		Timeout:        cfg.RequestTimeout,
		SignatureLimit: cfg.SignatureLimit,
	}, a.Logger)

	tx := transaction.NewSkill(a.Logger)
	tx.Bind(transaction.Settings{Currency: cfg.Currency, Network: cfg.Network}, transaction.Provider{
		Verifier:  verifier,
		Sealer:    box,
		Converter: ledger.NewPriceConverter(nil),
		Wallet:    cfg.WalletAddress,
	})
	return tx, nil
}
