// Package api exposes the negotiation pipeline and deal settlement over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"negotiation-hive/internal/domain"
	"negotiation-hive/internal/logging"
)

const (
	maxBodyBytes    = 1 << 20
	requestIDHeader = "X-Request-ID"
)

// Negotiator runs one bid through the pipeline.
type Negotiator interface {
	Negotiate(ctx context.Context, signal domain.Signal) (domain.Observation, error)
}

// DealChecker reports and advances deal settlement.
type DealChecker interface {
	CheckStatus(ctx context.Context, dealID uuid.UUID) (domain.DealStatusReport, error)
}

// VitalsSource reports system load.
type VitalsSource interface {
	Vitals(ctx context.Context) domain.SystemVitals
}

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Deps are the collaborators of the HTTP surface. Deals may be nil when
// escrow is disabled.
type Deps struct {
	Negotiator Negotiator
	Deals      DealChecker
	Vitals     VitalsSource
	Gatherer   prometheus.Gatherer
	Checks     map[string]ReadinessCheck
}

// Server holds the router and readiness state.
type Server struct {
	deps   Deps
	ready  atomic.Bool
	logger zerolog.Logger
}

// NewServer builds a server that reports not-ready until SetReady(true).
func NewServer(deps Deps, logger zerolog.Logger) *Server {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{deps: deps, logger: logger.With().Str("component", "api").Logger()}
}

// SetReady flips the readiness flag.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestScope)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/negotiate", s.handleNegotiate)
		v1.Get("/deals/{dealID}", s.handleDealStatus)
		v1.Get("/status", s.handleStatus)
	})
	return r
}

// requestScope assigns a request id and a request-scoped logger.
func (s *Server) requestScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ctx := logging.WithRequest(r.Context(), s.logger, id)
		next.ServeHTTP(ww, r.WithContext(ctx))

		s.logger.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	})
}

type negotiateRequest struct {
	ItemID       string       `json:"item_id"`
	BidAmount    *json.Number `json:"bid_amount"`
	CurrencyCode string       `json:"currency_code"`
	Agent        domain.Agent `json:"agent"`
	RequestID    string       `json:"request_id"`
}

func (s *Server) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	requestID := w.Header().Get(requestIDHeader)
	log := logging.FromContext(r.Context(), s.logger)

	if !s.ready.Load() {
		writeError(w, http.StatusServiceUnavailable, requestID, CodeUnavailable, "service is starting")
		return
	}

	var body negotiateRequest
	if err := readJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, requestID, CodeBadRequest, "malformed request body")
		return
	}
	signal, err := body.signal()
	if err != nil {
		writeError(w, http.StatusBadRequest, requestID, CodeBadRequest, err.Error())
		return
	}
	if r.Header.Get(requestIDHeader) != "" || signal.RequestID == "" {
		signal.RequestID = requestID
	}

	obs, err := s.deps.Negotiator.Negotiate(r.Context(), signal)
	if errors.Is(err, domain.ErrInvalidSignal) {
		writeError(w, http.StatusBadRequest, requestID, CodeBadRequest, "bid_amount must be positive")
		return
	}
	if err != nil || !obs.Success {
		log.Error().Err(err).Str("observation_error", obs.Error).Msg("negotiation failed")
		writeError(w, http.StatusInternalServerError, requestID, CodeInternal, "negotiation could not be completed")
		return
	}

	if resp, ok := obs.Data.(domain.NegotiateResponse); ok {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": obs.Data, "event_type": obs.EventType})
}

func (b negotiateRequest) signal() (domain.Signal, error) {
	if strings.TrimSpace(b.ItemID) == "" {
		return domain.Signal{}, errors.New("item_id is required")
	}
	if b.BidAmount == nil {
		return domain.Signal{}, errors.New("bid_amount is required")
	}
	bid, err := decimal.NewFromString(b.BidAmount.String())
	if err != nil {
		return domain.Signal{}, errors.New("bid_amount must be a number")
	}
	currency := strings.ToUpper(strings.TrimSpace(b.CurrencyCode))
	if currency == "" {
		currency = "USD"
	}
	return domain.Signal{
		ItemID:       b.ItemID,
		BidAmount:    bid,
		CurrencyCode: currency,
		Agent:        b.Agent,
		RequestID:    b.RequestID,
	}, nil
}

func (s *Server) handleDealStatus(w http.ResponseWriter, r *http.Request) {
	requestID := w.Header().Get(requestIDHeader)
	if s.deps.Deals == nil {
		writeError(w, http.StatusNotImplemented, requestID, CodeNotImplemented, "crypto payments are disabled")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "dealID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, requestID, CodeBadRequest, "invalid deal id")
		return
	}

	report, err := s.deps.Deals.CheckStatus(r.Context(), id)
	if err != nil {
		log := logging.FromContext(r.Context(), s.logger)
		log.Error().Err(err).Str("deal_id", id.String()).Msg("deal status check failed")
		writeError(w, http.StatusInternalServerError, requestID, CodeInternal, "payment verification failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Vitals == nil {
		writeJSON(w, http.StatusOK, domain.UnstableVitals("telemetry not configured"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Vitals.Vitals(r.Context()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failures := make(map[string]string)
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "checks": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
