package circuitbreaker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "touch_circuit_breaker_state",
			Help: "Current breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "service"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "touch_circuit_breaker_requests_total",
			Help: "Calls routed through a breaker",
		},
		[]string{"name", "service", "state", "result"},
	)

	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "touch_circuit_breaker_state_changes_total",
			Help: "Breaker state transitions",
		},
		[]string{"name", "service", "from_state", "to_state"},
	)

	breakerOpenSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "touch_circuit_breaker_open_since_seconds",
			Help: "Unix time the breaker opened (0 when not open)",
		},
		[]string{"name", "service"},
	)
)

type metricsCollector struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

var collector = &metricsCollector{breakers: make(map[string]*Breaker)}

func (c *metricsCollector) register(b *Breaker) {
	c.mu.Lock()
	c.breakers[b.service+":"+b.name] = b
	c.mu.Unlock()
	breakerState.WithLabelValues(b.name, b.service).Set(float64(StateClosed))
}

func (c *metricsCollector) observe(b *Breaker, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	breakerRequests.WithLabelValues(b.name, b.service, b.State().String(), result).Inc()
}

func (c *metricsCollector) stateChanged(b *Breaker, from, to State) {
	breakerTransitions.WithLabelValues(b.name, b.service, from.String(), to.String()).Inc()
	breakerState.WithLabelValues(b.name, b.service).Set(float64(to))
	if to == StateOpen {
		breakerOpenSince.WithLabelValues(b.name, b.service).SetToCurrentTime()
	} else if from == StateOpen {
		breakerOpenSince.WithLabelValues(b.name, b.service).Set(0)
	}
}

// Snapshot reports the state of every registered breaker keyed by service:name.
// The readiness endpoint exposes it.
func Snapshot() map[string]string {
	collector.mu.RLock()
	defer collector.mu.RUnlock()
	out := make(map[string]string, len(collector.breakers))
	for k, b := range collector.breakers {
		out[k] = b.State().String()
	}
	return out
}
