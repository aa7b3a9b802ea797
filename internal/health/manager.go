package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Manager holds the registered checkers and runs them on demand.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	last     map[string]CheckResult
	logger   *zap.Logger
	now      func() time.Time
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers: make(map[string]Checker),
		last:     make(map[string]CheckResult),
		logger:   logger,
		now:      time.Now,
	}
}

// Register adds a checker. Names must be unique.
func (m *Manager) Register(c Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := c.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = c
	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", c.IsCritical()),
		zap.Duration("timeout", c.Timeout()),
	)
	return nil
}

// Check runs every checker concurrently, each under its own timeout.
func (m *Manager) Check(ctx context.Context) Report {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		i, c := i, c
		g.Go(func() error {
			results[i] = m.run(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	components := make(map[string]CheckResult, len(results))
	for _, r := range results {
		components[r.Component] = r
	}
	m.mu.Lock()
	for name, r := range components {
		m.last[name] = r
	}
	m.mu.Unlock()

	report := aggregate(components)
	report.Timestamp = m.now().UTC()
	return report
}

// Last returns the most recent result per checker without running checks.
func (m *Manager) Last() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CheckResult, len(m.last))
	for k, v := range m.last {
		out[k] = v
	}
	return out
}

func (m *Manager) run(ctx context.Context, c Checker) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	start := m.now()
	result := c.Check(checkCtx)
	result.Component = c.Name()
	result.Critical = c.IsCritical()
	result.Duration = m.now().Sub(start)
	result.Timestamp = start.UTC()
	if result.Status == StatusUnhealthy {
		m.logger.Warn("Health check failed",
			zap.String("checker", result.Component),
			zap.String("error", result.Error),
		)
	}
	return result
}

func aggregate(components map[string]CheckResult) Report {
	if len(components) == 0 {
		return Report{Status: StatusHealthy, Ready: true, Components: components, Message: "No dependencies to check"}
	}
	critical, other, degraded := 0, 0, 0
	for _, r := range components {
		switch {
		case r.Status == StatusDegraded:
			degraded++
		case r.Status == StatusUnhealthy && r.Critical:
			critical++
		case r.Status == StatusUnhealthy:
			other++
		}
	}
	switch {
	case critical > 0:
		return Report{Status: StatusUnhealthy, Components: components,
			Message: fmt.Sprintf("%d critical component(s) failing", critical)}
	case degraded > 0 || other > 0:
		return Report{Status: StatusDegraded, Ready: true, Components: components,
			Message: fmt.Sprintf("%d component(s) degraded", degraded+other)}
	}
	return Report{Status: StatusHealthy, Ready: true, Components: components,
		Message: fmt.Sprintf("All %d components healthy", len(components))}
}
