package health

import (
	"context"
	"strings"
	"time"

	"github.com/Kocoro-lab/touch/internal/circuitbreaker"
)

// Pinger is anything with a connectivity probe, such as the conversation store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports a dependency unhealthy when its ping fails and
// degraded when the ping is slow.
type PingChecker struct {
	name     string
	target   Pinger
	critical bool
	timeout  time.Duration
	slow     time.Duration
}

func NewPingChecker(name string, target Pinger, critical bool) *PingChecker {
	return &PingChecker{name: name, target: target, critical: critical, timeout: 5 * time.Second, slow: 100 * time.Millisecond}
}

func (p *PingChecker) Name() string           { return p.name }
func (p *PingChecker) IsCritical() bool       { return p.critical }
func (p *PingChecker) Timeout() time.Duration { return p.timeout }

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := p.target.Ping(ctx)
	elapsed := time.Since(start)
	details := map[string]any{"latency_ms": elapsed.Milliseconds()}
	switch {
	case err != nil:
		return CheckResult{Status: StatusUnhealthy, Message: p.name + " ping failed", Error: err.Error(), Details: details}
	case elapsed > p.slow:
		return CheckResult{Status: StatusDegraded, Message: p.name + " responding with high latency", Details: details}
	}
	return CheckResult{Status: StatusHealthy, Message: p.name + " healthy", Details: details}
}

// BreakerChecker reports degraded while any circuit breaker is open.
// Open breakers mean a provider is failing, not that the service is down.
type BreakerChecker struct {
	snapshot func() map[string]string
}

func NewBreakerChecker() *BreakerChecker {
	return &BreakerChecker{snapshot: circuitbreaker.Snapshot}
}

func (b *BreakerChecker) Name() string           { return "circuit_breakers" }
func (b *BreakerChecker) IsCritical() bool       { return false }
func (b *BreakerChecker) Timeout() time.Duration { return time.Second }

func (b *BreakerChecker) Check(context.Context) CheckResult {
	states := b.snapshot()
	details := make(map[string]any, len(states))
	var open []string
	for name, state := range states {
		details[name] = state
		if state == circuitbreaker.StateOpen.String() {
			open = append(open, name)
		}
	}
	if len(open) > 0 {
		return CheckResult{Status: StatusDegraded, Message: "open: " + strings.Join(open, ", "), Details: details}
	}
	return CheckResult{Status: StatusHealthy, Message: "all breakers closed", Details: details}
}
