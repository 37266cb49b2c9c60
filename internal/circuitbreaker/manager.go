package circuitbreaker

import (
	"context"
	"sync"
)

// Manager indexes circuit breakers by external service name ("emr", "embed",
// "llm") and creates them on demand with a shared configuration.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   *Config
}

// NewManager creates a breaker manager. All breakers it creates share config.
func NewManager(config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// Breaker returns the breaker for a service, creating it if needed.
func (m *Manager) Breaker(service string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[service]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[service]; ok {
		return cb
	}
	cb = New(&Config{
		FailureThreshold: m.config.FailureThreshold,
		ResetTimeout:     m.config.ResetTimeout,
		OnStateChange:    m.config.OnStateChange,
	})
	m.breakers[service] = cb
	return cb
}

// Execute runs fn under the named service's breaker.
func (m *Manager) Execute(ctx context.Context, service string, fn func(context.Context) error) error {
	return m.Breaker(service).Execute(ctx, fn)
}

// GetStats returns telemetry for every known breaker.
func (m *Manager) GetStats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Stats, len(m.breakers))
	for name, cb := range m.breakers {
		stats[name] = cb.GetStats()
	}
	return stats
}
