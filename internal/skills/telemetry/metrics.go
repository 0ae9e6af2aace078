package telemetry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counter names accepted by the increment_counter intent.
const (
	CounterNegotiations = "negotiation_total"
	CounterAccepted     = "negotiation_accepted_total"
	CounterHeartbeats   = "heartbeat_total"
)

// Counters are the business counters exposed on /metrics.
type Counters struct {
	vecs map[string]*prometheus.CounterVec
}

// NewCounters registers the counters on reg.
func NewCounters(reg prometheus.Registerer) *Counters {
	factory := promauto.With(reg)
	return &Counters{vecs: map[string]*prometheus.CounterVec{
		CounterNegotiations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: CounterNegotiations,
			Help: "Total negotiations",
		}, []string{"service"}),
		CounterAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: CounterAccepted,
			Help: "Total accepted negotiations",
		}, []string{"service"}),
		CounterHeartbeats: factory.NewCounterVec(prometheus.CounterOpts{
			Name: CounterHeartbeats,
			Help: "Total heartbeats",
		}, []string{"service"}),
	}}
}

// Inc bumps a counter for service.
func (c *Counters) Inc(name, service string) error {
	vec, ok := c.vecs[name]
	if !ok {
		return fmt.Errorf("unknown counter: %s", name)
	}
	vec.WithLabelValues(service).Inc()
	return nil
}
