package aggregator

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"negotiation-hive/internal/domain"
	"negotiation-hive/internal/skill"
	"negotiation-hive/internal/skills/persistence"
	"negotiation-hive/internal/skills/telemetry"
	"negotiation-hive/internal/storage"
)

func TestPerceiveReadsItem(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	require.NoError(t, mem.UpsertItem(ctx, domain.Item{ID: "hotel_alpha", Name: "Hotel Alpha", FloorPrice: decimal.NewFromInt(500)}))

	reg := skill.NewRegistry(zerolog.Nop())
	reg.Register(persistence.Name, skill.Bind[persistence.Settings, persistence.Backend](persistence.NewSkill(zerolog.Nop()), persistence.Settings{}, mem))
	agg := New(reg, zerolog.Nop())

	c, err := agg.Perceive(ctx, domain.Signal{
		ItemID:    "hotel_alpha",
		BidAmount: decimal.NewFromInt(450),
		Agent:     domain.Agent{DID: "did:key:buyer", ReputationScore: 0.9},
		RequestID: "r1",
	})
	require.NoError(t, err)
	require.NotNil(t, c.Item)
	assert.Equal(t, "Hotel Alpha", c.Item.Name)
	assert.Equal(t, "did:key:buyer", c.Offer.AgentDID)
	assert.Equal(t, 0.9, c.Offer.Reputation)

	c, err = agg.Perceive(ctx, domain.Signal{ItemID: "ghost", BidAmount: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.Nil(t, c.Item)
}

type brokenCatalog struct {
	*storage.Memory
}

func (brokenCatalog) GetItem(ctx context.Context, id string) (domain.Item, error) {
	return domain.Item{}, errors.New("pool exhausted")
}

func TestPerceiveSurfacesStorageFailure(t *testing.T) {
	reg := skill.NewRegistry(zerolog.Nop())
	reg.Register(persistence.Name, skill.Bind[persistence.Settings, persistence.Backend](
		persistence.NewSkill(zerolog.Nop()), persistence.Settings{}, brokenCatalog{storage.NewMemory()}))
	agg := New(reg, zerolog.Nop())

	_, err := agg.Perceive(context.Background(), domain.Signal{ItemID: "hotel_alpha", BidAmount: decimal.NewFromInt(450)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool exhausted")
}

func TestVitals(t *testing.T) {
	reg := skill.NewRegistry(zerolog.Nop())
	agg := New(reg, zerolog.Nop())

	_, err := agg.Vitals(context.Background())
	assert.Error(t, err)

	tel := telemetry.NewSkill(zerolog.Nop())
	tel.Bind(telemetry.Settings{}, telemetry.Provider{Counters: telemetry.NewCounters(prometheus.NewRegistry())})
	reg.Register(telemetry.Name, tel)
	require.Empty(t, reg.InitializeAll(context.Background()))

	v, err := agg.Vitals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "unstable", v.Status)
}
