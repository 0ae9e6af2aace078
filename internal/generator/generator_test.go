package generator

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"negotiation-hive/internal/domain"
	"negotiation-hive/internal/skill"
	"negotiation-hive/internal/skills/pulse"
)

func withBus(t *testing.T) (*Generator, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := skill.NewRegistry(zerolog.Nop())
	reg.Register(pulse.Name, skill.Bind[pulse.Settings, *redis.Client](pulse.NewSkill(zerolog.Nop()), pulse.Settings{}, rdb))
	require.Empty(t, reg.InitializeAll(context.Background()))
	return New(reg, "core", zerolog.Nop()), rdb
}

func decode(t *testing.T, rdb *redis.Client, stream string) domain.Event {
	t.Helper()
	msgs, err := rdb.XRange(context.Background(), stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	ev, err := pulse.Decode([]byte(msgs[0].Values[pulse.PayloadField].(string)))
	require.NoError(t, err)
	return ev
}

func TestPulseEmitsNegotiationEvent(t *testing.T) {
	g, rdb := withBus(t)
	outcome := domain.Succeeded(domain.NegotiateResponse{
		SessionToken: "sess_r1",
		Countered:    &domain.Countered{ProposedPrice: decimal.NewFromInt(525)},
	})
	outcome.EventType = "negotiation_counter"
	outcome.Metadata = map[string]any{
		"decision":  "counter",
		"price":     decimal.NewFromInt(525),
		"item_id":   "hotel_alpha",
		"agent_did": "did:key:buyer",
	}

	obs, err := g.Pulse(context.Background(), outcome)
	require.NoError(t, err)
	assert.Equal(t, "negotiation_counter", obs.EventType)

	ev := decode(t, rdb, "aura.hive.events.negotiation_counter")
	assert.Equal(t, "sess_r1", ev.Payload["session_token"])
	assert.Equal(t, "525.00", ev.Payload["price"])
	assert.Equal(t, "did:key:buyer", ev.Payload["agent_did"])
}

func TestPulseAlertsOnFailedOutcome(t *testing.T) {
	g, rdb := withBus(t)
	_, err := g.Pulse(context.Background(), domain.Failedf("crypto lock failed"))
	require.NoError(t, err)

	ev := decode(t, rdb, "aura.hive.events.alert_warning")
	assert.Equal(t, "crypto lock failed", ev.Payload["message"])
	assert.Equal(t, "connector", ev.Payload["source"])
}

func TestHeartbeatAndVitals(t *testing.T) {
	g, rdb := withBus(t)
	ctx := context.Background()

	_, err := g.Heartbeat(ctx, "node-1", "ok")
	require.NoError(t, err)
	ev := decode(t, rdb, "aura.hive.heartbeat")
	assert.Equal(t, "node-1", ev.Payload["instance_id"])
	assert.Equal(t, "core", ev.Payload["service"])

	_, err = g.Vitals(ctx, domain.SystemVitals{Status: "ok", CPUUsagePercent: 42.5, MemoryUsageMB: 512})
	require.NoError(t, err)
	ev = decode(t, rdb, "aura.hive.vitals.core")
	assert.Equal(t, 42.5, ev.Payload["cpu_usage"])
}

func TestDisabledBus(t *testing.T) {
	g := New(skill.NewRegistry(zerolog.Nop()), "core", zerolog.Nop())
	_, err := g.Heartbeat(context.Background(), "node-1", "ok")
	assert.ErrorIs(t, err, ErrDisabled)
}
