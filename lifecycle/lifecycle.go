// Package lifecycle starts and stops the long-running pieces of a worker
// process in dependency order. Services start after their dependencies and
// stop in reverse start order.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Service is one managed component of the process.
type Service interface {
	// Name identifies the service in logs and dependency declarations.
	Name() string

	// Start brings the service up. It must return once the service is
	// ready, not block for its lifetime.
	Start(ctx context.Context) error

	// Stop shuts the service down, honoring the context deadline.
	Stop(ctx context.Context) error
}

// Manager owns the registered services.
type Manager struct {
	log     *zap.Logger
	timeout time.Duration

	mu       sync.Mutex
	services map[string]Service
	deps     map[string][]string
	started  []string
	running  bool
}

// NewManager creates a manager logging through log. A nil logger is valid.
func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		log:      log,
		timeout:  30 * time.Second,
		services: make(map[string]Service),
		deps:     make(map[string][]string),
	}
}

// SetTimeout bounds each service's Start and Stop call.
func (m *Manager) SetTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = d
}

// Register adds a service and the names of the services it depends on.
func (m *Manager) Register(svc Service, deps ...string) error {
	if svc == nil || svc.Name() == "" {
		return fmt.Errorf("service must have a name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("cannot register %s: manager already started", svc.Name())
	}
	if _, exists := m.services[svc.Name()]; exists {
		return fmt.Errorf("service %s already registered", svc.Name())
	}
	m.services[svc.Name()] = svc
	m.deps[svc.Name()] = deps
	return nil
}

// Start brings all services up in dependency order. The first failure
// aborts the startup; already-started services are left running for the
// caller to Stop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("manager already started")
	}
	order, err := m.startOrder()
	if err != nil {
		return err
	}

	for _, name := range order {
		svc := m.services[name]
		startCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := svc.Start(startCtx)
		cancel()
		if err != nil {
			m.log.Error("service failed to start",
				zap.String("service", name),
				zap.Error(err))
			return fmt.Errorf("failed to start %s: %w", name, err)
		}
		m.started = append(m.started, name)
		m.log.Info("service started", zap.String("service", name))
	}

	m.running = true
	return nil
}

// Stop shuts services down in reverse start order. Every started service
// gets a Stop call; the last error wins.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastErr error
	for i := len(m.started) - 1; i >= 0; i-- {
		name := m.started[i]
		svc := m.services[name]
		stopCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := svc.Stop(stopCtx)
		cancel()
		if err != nil {
			lastErr = err
			m.log.Warn("service failed to stop",
				zap.String("service", name),
				zap.Error(err))
			continue
		}
		m.log.Info("service stopped", zap.String("service", name))
	}

	m.started = nil
	m.running = false
	return lastErr
}

// Started lists the services currently running, in start order.
func (m *Manager) Started() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.started))
	copy(out, m.started)
	return out
}

// startOrder topologically sorts services by their dependencies.
func (m *Manager) startOrder() ([]string, error) {
	inDegree := make(map[string]int, len(m.services))
	dependents := make(map[string][]string, len(m.services))
	for name := range m.services {
		inDegree[name] = 0
	}
	for name, deps := range m.deps {
		for _, dep := range deps {
			if _, exists := m.services[dep]; !exists {
				return nil, fmt.Errorf("service %s depends on unregistered %s", name, dep)
			}
			dependents[dep] = append(dependents[dep], name)
			inDegree[name]++
		}
	}

	var queue []string
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}

	var order []string
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		for _, dep := range dependents[name] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if len(order) != len(m.services) {
		return nil, fmt.Errorf("circular service dependency")
	}
	return order, nil
}
