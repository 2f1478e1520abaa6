package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Monitor tracks the health of the daemon's components (backend
// connection, broker, stores). Beyond holding the latest Status per
// component it remembers how long the current state has been held and
// logs every healthy/unhealthy flip, so a flapping backend is visible
// in the logs and not only in point-in-time /healthz snapshots.
type Monitor struct {
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*componentEntry
}

type componentEntry struct {
	status Status
	since  time.Time // when the current status value was first reported
	flips  int       // healthy/unhealthy transitions observed
}

// MonitorOption configures a Monitor
type MonitorOption func(*Monitor)

// WithLogger sets the logger used for health transition logging
func WithLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMonitor creates a health monitor
func NewMonitor(opts ...MonitorOption) *Monitor {
	m := &Monitor{
		logger:  slog.Default(),
		entries: make(map[string]*componentEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Update records the health status for a named component and logs the
// transition when the component flips between healthy and unhealthy.
func (m *Monitor) Update(name string, status Status) {
	now := time.Now()
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = now
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev, known := m.entries[name]
	next := &componentEntry{status: status, since: now}

	if !known {
		m.entries[name] = next
		m.logger.Debug("component health registered",
			"component", name, "status", status.Status, "message", status.Message)
		return
	}

	next.flips = prev.flips
	if prev.status.Status == status.Status {
		next.since = prev.since
	}
	if prev.status.Healthy != status.Healthy {
		next.flips++
		level := slog.LevelWarn
		if status.Healthy {
			level = slog.LevelInfo
		}
		m.logger.Log(context.Background(), level, "component health changed",
			"component", name,
			"from", prev.status.Status,
			"to", status.Status,
			"held_for", now.Sub(prev.since).Round(time.Millisecond),
			"flips", next.flips,
			"message", status.Message)
	}

	m.entries[name] = next
}

// UpdateHealthy records a component as healthy
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy records a component as unhealthy
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded records a component as degraded
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Get retrieves the health status for a named component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[name]
	if !ok {
		return Status{}, false
	}
	return e.status, true
}

// Since reports how long the component has held its current status
func (m *Monitor) Since(name string) (time.Duration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[name]
	if !ok {
		return 0, false
	}
	return time.Since(e.since), true
}

// GetAll returns a copy of all current health statuses
func (m *Monitor) GetAll() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]Status, len(m.entries))
	for name, e := range m.entries {
		result[name] = e.status
	}
	return result
}

// Remove stops tracking a component
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, name)
}

// AggregateHealth folds every tracked component into one system status
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subStatuses := make([]Status, 0, len(m.entries))
	for _, e := range m.entries {
		subStatuses = append(subStatuses, e.status)
	}

	return Aggregate(systemName, subStatuses)
}

// Count returns the number of components being tracked
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.entries)
}
