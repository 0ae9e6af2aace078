package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"negotiation-hive/internal/domain"
	"negotiation-hive/internal/skill"
	"negotiation-hive/internal/skills/persistence"
	"negotiation-hive/internal/skills/telemetry"
	"negotiation-hive/internal/storage"
)

type recordingNegotiator struct {
	mu      sync.Mutex
	signals []domain.Signal
	err     error
}

func (r *recordingNegotiator) Negotiate(ctx context.Context, signal domain.Signal) (domain.Observation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, signal)
	if r.err != nil {
		return domain.Observation{}, r.err
	}
	return domain.Observation{Success: true, EventType: "negotiation_accept"}, nil
}

type recordingEmitter struct {
	statuses []string
	vitals   int
}

func (e *recordingEmitter) Heartbeat(ctx context.Context, instanceID, status string) (domain.Observation, error) {
	e.statuses = append(e.statuses, status)
	return domain.Observation{Success: true}, nil
}

func (e *recordingEmitter) Vitals(ctx context.Context, v domain.SystemVitals) (domain.Observation, error) {
	e.vitals++
	return domain.Observation{Success: true}, nil
}

type stubLocker struct {
	acquired bool
	err      error
	unlocked bool
}

func (l *stubLocker) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if l.err != nil || !l.acquired {
		return nil, false, l.err
	}
	return func() { l.unlocked = true }, true, nil
}

func newRegistry(t *testing.T, reg *prometheus.Registry) *skill.Registry {
	t.Helper()
	mem := storage.NewMemory()
	if err := mem.UpsertItem(context.Background(), domain.Item{
		ID:         "hotel_alpha",
		Name:       "Hotel Alpha",
		BasePrice:  decimal.NewFromInt(1000),
		FloorPrice: decimal.NewFromInt(800),
	}); err != nil {
		t.Fatalf("写入商品失败: %v", err)
	}

	r := skill.NewRegistry(zerolog.Nop())
	r.Register(persistence.Name, skill.Bind[persistence.Settings, persistence.Backend](
		persistence.NewSkill(zerolog.Nop()), persistence.Settings{}, mem))
	r.Register(telemetry.Name, skill.Bind[telemetry.Settings, telemetry.Provider](
		telemetry.NewSkill(zerolog.Nop()), telemetry.Settings{}, telemetry.Provider{Counters: telemetry.NewCounters(reg)}))
	r.InitializeAll(context.Background())
	return r
}

func TestBeatNegotiatesMultipliedBid(t *testing.T) {
	reg := prometheus.NewRegistry()
	neg := &recordingNegotiator{}
	emitter := &recordingEmitter{}
	svc := New(Settings{ItemID: "hotel_alpha", BidMultiplier: 0.9, AgentReputation: 0.95, Service: "core"},
		nil, neg, newRegistry(t, reg), emitter, nil, zerolog.Nop())

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := svc.Beat(context.Background(), at); err != nil {
		t.Fatalf("心跳失败: %v", err)
	}

	if len(neg.signals) != 1 {
		t.Fatalf("应发起一次谈判, 实际 %d", len(neg.signals))
	}
	sig := neg.signals[0]
	if !sig.BidAmount.Equal(decimal.NewFromInt(900)) {
		t.Fatalf("出价错误: %s", sig.BidAmount)
	}
	if sig.Agent.DID != DefaultAgentDID || sig.Agent.ReputationScore != 0.95 {
		t.Fatalf("代理信息错误: %+v", sig.Agent)
	}
	if sig.RequestID != "heartbeat-1772366400" {
		t.Fatalf("请求ID错误: %s", sig.RequestID)
	}
	if len(emitter.statuses) != 1 || emitter.statuses[0] != "ok" {
		t.Fatalf("心跳事件错误: %v", emitter.statuses)
	}
	if emitter.vitals != 1 {
		t.Fatalf("应发布一次 vitals, 实际 %d", emitter.vitals)
	}

	if got := counterValue(t, reg, telemetry.CounterHeartbeats); got != 1 {
		t.Fatalf("心跳计数错误: %v", got)
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("采集指标失败: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestBeatUnknownItem(t *testing.T) {
	neg := &recordingNegotiator{}
	svc := New(Settings{ItemID: "missing"}, nil, neg, newRegistry(t, prometheus.NewRegistry()), nil, nil, zerolog.Nop())
	if err := svc.Beat(context.Background(), time.Now()); err == nil {
		t.Fatal("商品不存在时应报错")
	}
	if len(neg.signals) != 0 {
		t.Fatal("商品不存在时不应谈判")
	}
}

func TestBeatReportsRejectedNegotiation(t *testing.T) {
	neg := &recordingNegotiator{err: domain.ErrInvalidSignal}
	emitter := &recordingEmitter{}
	svc := New(Settings{ItemID: "hotel_alpha"}, nil, neg, newRegistry(t, prometheus.NewRegistry()), emitter, nil, zerolog.Nop())

	err := svc.Beat(context.Background(), time.Now())
	if !errors.Is(err, domain.ErrInvalidSignal) {
		t.Fatalf("应透传谈判错误: %v", err)
	}
	if len(emitter.statuses) != 1 || emitter.statuses[0] != "rejected" {
		t.Fatalf("心跳状态错误: %v", emitter.statuses)
	}
}

func TestBeatHonoursAdvisoryLock(t *testing.T) {
	neg := &recordingNegotiator{}
	registry := newRegistry(t, prometheus.NewRegistry())

	held := &stubLocker{}
	svc := New(Settings{ItemID: "hotel_alpha", AdvisoryLockKey: 42}, nil, neg, registry, nil, held, zerolog.Nop())
	if err := svc.Beat(context.Background(), time.Now()); err != nil {
		t.Fatalf("未获取锁时应静默跳过: %v", err)
	}
	if len(neg.signals) != 0 {
		t.Fatal("未获取锁时不应谈判")
	}

	broken := &stubLocker{err: errors.New("db down")}
	svc = New(Settings{ItemID: "hotel_alpha", AdvisoryLockKey: 42}, nil, neg, registry, nil, broken, zerolog.Nop())
	if err := svc.Beat(context.Background(), time.Now()); err == nil {
		t.Fatal("加锁失败应报错")
	}

	free := &stubLocker{acquired: true}
	svc = New(Settings{ItemID: "hotel_alpha", AdvisoryLockKey: 42}, nil, neg, registry, nil, free, zerolog.Nop())
	if err := svc.Beat(context.Background(), time.Now()); err != nil {
		t.Fatalf("心跳失败: %v", err)
	}
	if len(neg.signals) != 1 || !free.unlocked {
		t.Fatal("获取锁后应谈判并释放锁")
	}
}

func TestRunWithoutScheduler(t *testing.T) {
	svc := New(Settings{}, nil, &recordingNegotiator{}, newRegistry(t, prometheus.NewRegistry()), nil, nil, zerolog.Nop())
	if err := svc.Run(context.Background()); err == nil {
		t.Fatal("缺少调度器时应报错")
	}
}
