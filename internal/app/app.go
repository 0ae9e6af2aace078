package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"negotiation-hive/internal/alerting"
	"negotiation-hive/internal/api"
	"negotiation-hive/internal/config"
	"negotiation-hive/internal/domain"
	"negotiation-hive/internal/scheduler"
	"negotiation-hive/internal/service"
)

const shutdownTimeout = 10 * time.Second

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return alerting.NopNotifier{}
}

// Serve runs the HTTP API and, when enabled, the heartbeat loop until a
// termination signal arrives.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hive, err := a.Build(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		hive.Close(closeCtx)
	}()

	server := api.NewServer(api.Deps{
		Negotiator: hive.Loop,
		Deals:      hive.Deals(),
		Vitals:     hive.Telemetry,
		Gatherer:   hive.Metrics,
		Checks:     hive.Checks,
	}, a.Logger)

	var heartbeat *service.Service
	if a.Config.Heartbeat.Enabled {
		if heartbeat, err = a.newHeartbeat(hive); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:         a.Config.Server.Addr,
		Handler:      server.Router(),
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if heartbeat != nil {
		g.Go(func() error {
			if err := heartbeat.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	server.SetReady(true)
	a.Logger.Info().Bool("heartbeat", a.Config.Heartbeat.Enabled).Msg("hive started")

	if err := g.Wait(); err != nil {
		a.Logger.Error().Err(err).Msg("hive terminated with error")
		return err
	}
	a.Logger.Info().Msg("hive stopped")
	return nil
}

func (a *App) newHeartbeat(hive *Hive) (*service.Service, error) {
	cfg := a.Config.Heartbeat
	sched, err := scheduler.New(scheduler.Options{
		Interval:     cfg.Interval,
		AlignToStart: cfg.AlignToBucket,
		StartupDelay: cfg.StartupDelay,
	}, a.Logger)
	if err != nil {
		return nil, err
	}
	return service.New(service.Settings{
		ItemID:          cfg.ItemID,
		BidMultiplier:   cfg.BidMultiplier,
		AgentDID:        cfg.AgentDID,
		AgentReputation: cfg.AgentReputation,
		AdvisoryLockKey: cfg.AdvisoryLockKey,
		Service:         a.Config.Events.Service,
	}, sched, hive.Loop, hive.Registry, hive.Generator, hive.Locker, a.Logger), nil
}

// NegotiateOptions describe a bid submitted from the command line.
type NegotiateOptions struct {
	Signal domain.Signal
	Out    io.Writer
}

// Negotiate runs one bid through the pipeline and prints the response.
func (a *App) Negotiate(ctx context.Context, opts NegotiateOptions) error {
	hive, err := a.Build(ctx)
	if err != nil {
		return err
	}
	defer hive.Close(context.Background())

	if opts.Signal.RequestID == "" {
		opts.Signal.RequestID = uuid.NewString()
	}
	obs, err := hive.Loop.Negotiate(ctx, opts.Signal)
	if err != nil {
		return err
	}
	if !obs.Success {
		return fmt.Errorf("negotiation failed: %s", obs.Error)
	}
	return printJSON(opts.Out, obs.Data)
}

// DealStatus polls a deal once and prints the report.
func (a *App) DealStatus(ctx context.Context, id uuid.UUID, out io.Writer) error {
	hive, err := a.Build(ctx)
	if err != nil {
		return err
	}
	defer hive.Close(context.Background())

	if hive.Market == nil {
		return errors.New("crypto payments are disabled")
	}
	report, err := hive.Market.CheckStatus(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(out, report)
}

// Migrate applies the postgres schema.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	a.Logger.Info().Msg("schema applied")
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ExportOptions hold parameters for exporting locked deals.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	Out   io.Writer
}
