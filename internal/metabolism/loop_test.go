package metabolism

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"negotiation-hive/internal/domain"
	"negotiation-hive/internal/skill"
)

type fakeStages struct {
	mu    sync.Mutex
	calls []string

	perceiveErr error
	vitalsErr   error
	thinkErr    error
	thinkPanic  bool
	thinkDelay  time.Duration
	actErr      error
	pulseErr    error
	decision    domain.Decision
	seenVitals  *domain.SystemVitals
}

func (f *fakeStages) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeStages) InspectInbound(ctx context.Context, s domain.Signal) (domain.Signal, error) {
	f.record("membrane_in")
	if !s.BidAmount.IsPositive() {
		return s, domain.ErrInvalidSignal
	}
	return s, nil
}

func (f *fakeStages) InspectOutbound(ctx context.Context, d domain.Decision, c domain.Context) (domain.Decision, error) {
	f.record("membrane_out")
	return d, nil
}

func (f *fakeStages) Perceive(ctx context.Context, s domain.Signal) (domain.Context, error) {
	f.record("aggregator")
	return domain.Context{ItemID: s.ItemID, RequestID: s.RequestID}, f.perceiveErr
}

func (f *fakeStages) Vitals(ctx context.Context) (domain.SystemVitals, error) {
	f.record("vitals")
	return domain.SystemVitals{Status: "ok", CPUUsagePercent: 12}, f.vitalsErr
}

func (f *fakeStages) Think(ctx context.Context, c domain.Context) (domain.Decision, error) {
	f.record("transformer")
	f.seenVitals = c.Vitals
	if f.thinkPanic {
		panic("boom")
	}
	if f.thinkDelay > 0 {
		select {
		case <-time.After(f.thinkDelay):
		case <-ctx.Done():
			return domain.Decision{}, ctx.Err()
		}
	}
	return f.decision, f.thinkErr
}

func (f *fakeStages) Act(ctx context.Context, d domain.Decision, c domain.Context) (domain.Observation, error) {
	f.record("connector")
	if f.actErr != nil {
		return domain.Observation{}, f.actErr
	}
	return domain.Observation{Success: true, Data: d, EventType: "negotiation_" + d.Action.String()}, nil
}

func (f *fakeStages) Pulse(ctx context.Context, o domain.Observation) (domain.Observation, error) {
	f.record("generator")
	return domain.Observation{Success: f.pulseErr == nil}, f.pulseErr
}

func newLoop(t *testing.T, f *fakeStages, settings Settings) *NegotiationLoop {
	t.Helper()
	settings.Logger = zerolog.Nop()
	loop, err := NewNegotiationLoop(NegotiationStages{
		Aggregator:  f,
		Transformer: f,
		Membrane:    f,
		Connector:   f,
		Generator:   f,
	}, settings)
	require.NoError(t, err)
	return loop
}

func bid(amount int64) domain.Signal {
	return domain.Signal{ItemID: "hotel_alpha", BidAmount: decimal.NewFromInt(amount), RequestID: "r1"}
}

func TestLoopRunsStagesInOrder(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	f := &fakeStages{decision: domain.Decision{Action: domain.ActionAccept, Price: decimal.NewFromInt(900)}}
	loop := newLoop(t, f, Settings{Tracer: tp.Tracer("test"), Meter: mp.Meter("test"), StageTimeout: time.Second})

	obs, err := loop.Execute(context.Background(), bid(900))
	require.NoError(t, err)
	assert.True(t, obs.Success)
	assert.Equal(t, "negotiation_accept", obs.EventType)
	assert.Equal(t, []string{"membrane_in", "aggregator", "vitals", "transformer", "membrane_out", "connector", "generator"}, f.calls)
	require.NotNil(t, f.seenVitals)
	assert.Equal(t, 12.0, f.seenVitals.CPUUsagePercent)

	names := map[string]bool{}
	for _, s := range rec.Ended() {
		names[s.Name()] = true
	}
	for _, want := range []string{"metabolism.loop", "metabolism.membrane_in", "metabolism.transformer", "metabolism.connector"} {
		assert.True(t, names[want], want)
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.NotEmpty(t, rm.ScopeMetrics)
	assert.Equal(t, "metabolism.stage.duration", rm.ScopeMetrics[0].Metrics[0].Name)
}

func TestInboundRejectionIsReturnedAsError(t *testing.T) {
	f := &fakeStages{}
	obs, err := newLoop(t, f, Settings{}).Execute(context.Background(), bid(0))
	assert.ErrorIs(t, err, domain.ErrInvalidSignal)
	assert.False(t, obs.Success)
	assert.Equal(t, []string{"membrane_in"}, f.calls)
}

func TestStageErrorsBecomeFailedObservations(t *testing.T) {
	cases := map[string]*fakeStages{
		"aggregator":  {perceiveErr: errors.New("db down")},
		"transformer": {thinkErr: errors.New("strategy down")},
		"connector":   {actErr: errors.New("lock failed")},
		"panic":       {thinkPanic: true},
	}
	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			obs, err := newLoop(t, f, Settings{}).Execute(context.Background(), bid(900))
			require.NoError(t, err)
			assert.False(t, obs.Success)
			assert.NotEmpty(t, obs.Error)
		})
	}
}

func TestVitalsAndGeneratorFailuresAreIgnored(t *testing.T) {
	f := &fakeStages{
		vitalsErr: errors.New("prometheus down"),
		pulseErr:  errors.New("bus down"),
		decision:  domain.Decision{Action: domain.ActionCounter, Price: decimal.NewFromInt(950)},
	}
	obs, err := newLoop(t, f, Settings{}).Execute(context.Background(), bid(900))
	require.NoError(t, err)
	assert.True(t, obs.Success)
	assert.Nil(t, f.seenVitals)
}

func TestStageTimeout(t *testing.T) {
	f := &fakeStages{thinkDelay: time.Second}
	obs, err := newLoop(t, f, Settings{StageTimeout: 20 * time.Millisecond}).Execute(context.Background(), bid(900))
	require.NoError(t, err)
	assert.False(t, obs.Success)
	assert.Contains(t, obs.Error, "deadline")
}

func TestNewRequiresStages(t *testing.T) {
	_, err := NewNegotiationLoop(NegotiationStages{}, Settings{})
	assert.Error(t, err)
}

type countingExecutor struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingExecutor) Execute(ctx context.Context, name, intent string, params skill.Params) domain.Observation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[params.StringOr("name", "")]++
	return domain.Observation{Success: true}
}

func TestHiveLoopCountsAccepts(t *testing.T) {
	exec := &countingExecutor{}

	accept := &fakeStages{decision: domain.Decision{Action: domain.ActionAccept, Price: decimal.NewFromInt(900)}}
	hive := NewHiveLoop(newLoop(t, accept, Settings{}), exec, "core", zerolog.Nop())
	_, err := hive.Negotiate(context.Background(), bid(900))
	require.NoError(t, err)

	counter := &fakeStages{decision: domain.Decision{Action: domain.ActionCounter, Price: decimal.NewFromInt(950)}}
	hive = NewHiveLoop(newLoop(t, counter, Settings{}), exec, "core", zerolog.Nop())
	_, err = hive.Negotiate(context.Background(), bid(900))
	require.NoError(t, err)

	_, err = hive.Negotiate(context.Background(), bid(-1))
	require.Error(t, err)

	assert.Equal(t, 3, exec.counts["negotiation_total"])
	assert.Equal(t, 1, exec.counts["negotiation_accepted_total"])
}
