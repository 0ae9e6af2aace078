package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"negotiation-hive/internal/domain"
)

type fakeNegotiator struct {
	last domain.Signal
	obs  domain.Observation
	err  error
}

func (f *fakeNegotiator) Negotiate(ctx context.Context, signal domain.Signal) (domain.Observation, error) {
	f.last = signal
	if !signal.BidAmount.IsPositive() {
		return domain.Observation{}, domain.ErrInvalidSignal
	}
	return f.obs, f.err
}

type fakeDeals struct {
	report domain.DealStatusReport
	err    error
}

func (f fakeDeals) CheckStatus(ctx context.Context, id uuid.UUID) (domain.DealStatusReport, error) {
	return f.report, f.err
}

func serve(t *testing.T, deps Deps) *httptest.Server {
	t.Helper()
	s := NewServer(deps, zerolog.Nop())
	s.SetReady(true)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestNegotiateCountered(t *testing.T) {
	neg := &fakeNegotiator{obs: domain.Succeeded(domain.NegotiateResponse{
		SessionToken: "sess_abc",
		ValidUntil:   1700000600,
		Countered: &domain.Countered{
			ProposedPrice: decimal.RequireFromString("525"),
			HumanMessage:  "I've reached my final limit for this item. My best offer is $525.00.",
			ReasonCode:    domain.ReasonNegotiationOngoing,
		},
	})}
	srv := serve(t, Deps{Negotiator: neg})

	resp := post(t, srv.URL+"/v1/negotiate",
		`{"item_id":"hotel_alpha","bid_amount":400,"agent":{"did":"did:key:buyer","reputation_score":0.9}}`,
		map[string]string{"X-Request-ID": "abc"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "abc", resp.Header.Get("X-Request-ID"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "sess_abc", body["session_token"])
	countered := body["countered"].(map[string]any)
	assert.Equal(t, "NEGOTIATION_ONGOING", countered["reason_code"])
	assert.NotContains(t, body, "accepted")

	assert.Equal(t, "abc", neg.last.RequestID)
	assert.Equal(t, "USD", neg.last.CurrencyCode)
	assert.True(t, neg.last.BidAmount.Equal(decimal.NewFromInt(400)))
	assert.Equal(t, 0.9, neg.last.Agent.ReputationScore)
}

func TestNegotiateBadRequests(t *testing.T) {
	srv := serve(t, Deps{Negotiator: &fakeNegotiator{}})
	for name, body := range map[string]string{
		"malformed":    `{"item_id":`,
		"unknown":      `{"item_id":"x","bid_amount":1,"extra":true}`,
		"missing item": `{"bid_amount":10}`,
		"missing bid":  `{"item_id":"x"}`,
		"zero bid":     `{"item_id":"x","bid_amount":0}`,
		"negative bid": `{"item_id":"x","bid_amount":-5}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp := post(t, srv.URL+"/v1/negotiate", body, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestNegotiateInternalErrorIsGeneric(t *testing.T) {
	neg := &fakeNegotiator{obs: domain.Failedf("pq: floor_price 500 lookup exploded")}
	srv := serve(t, Deps{Negotiator: neg})

	resp := post(t, srv.URL+"/v1/negotiate", `{"item_id":"x","bid_amount":10}`, nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body struct {
		Error map[string]string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, CodeInternal, body.Error["code"])
	assert.NotContains(t, body.Error["message"], "500")
	assert.NotContains(t, body.Error["message"], "floor")
}

func TestNegotiateNotReady(t *testing.T) {
	s := NewServer(Deps{Negotiator: &fakeNegotiator{}}, zerolog.Nop())
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp := post(t, srv.URL+"/v1/negotiate", `{"item_id":"x","bid_amount":10}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ready, err := http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	defer ready.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, ready.StatusCode)
}

func TestDealStatus(t *testing.T) {
	id := uuid.New()

	disabled := serve(t, Deps{Negotiator: &fakeNegotiator{}})
	resp, err := http.Get(disabled.URL + "/v1/deals/" + id.String())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	srv := serve(t, Deps{Negotiator: &fakeNegotiator{}, Deals: fakeDeals{report: domain.DealStatusReport{Status: domain.DealPending}}})
	resp, err = http.Get(srv.URL + "/v1/deals/not-a-uuid")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/deals/" + id.String())
	require.NoError(t, err)
	var report map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PENDING", report["status"])

	failing := serve(t, Deps{Negotiator: &fakeNegotiator{}, Deals: fakeDeals{err: errors.New("rpc down")}})
	resp, err = http.Get(failing.URL + "/v1/deals/" + id.String())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHealthReadyMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	sample := prometheus.NewCounter(prometheus.CounterOpts{Name: "sample_total", Help: "sample"})
	reg.MustRegister(sample)
	sample.Inc()

	srv := serve(t, Deps{
		Negotiator: &fakeNegotiator{},
		Gatherer:   reg,
		Checks: map[string]ReadinessCheck{
			"database": func(ctx context.Context) error { return nil },
		},
	})

	for path, want := range map[string]int{"/health": http.StatusOK, "/ready": http.StatusOK, "/metrics": http.StatusOK} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, want, resp.StatusCode, path)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := new(strings.Builder)
	_, _ = io.Copy(buf, resp.Body)
	assert.Contains(t, buf.String(), "sample_total 1")

	degraded := serve(t, Deps{
		Negotiator: &fakeNegotiator{},
		Checks:     map[string]ReadinessCheck{"redis": func(ctx context.Context) error { return errors.New("down") }},
	})
	resp2, err := http.Get(degraded.URL + "/ready")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestStatusWithoutTelemetry(t *testing.T) {
	srv := serve(t, Deps{Negotiator: &fakeNegotiator{}})
	resp, err := http.Get(srv.URL + "/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var v domain.SystemVitals
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	assert.Equal(t, "unstable", v.Status)
}
