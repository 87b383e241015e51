package circuitbreaker

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Manager owns the named breakers of a process
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	logger   *zap.Logger
	notify   func(name string, to State)
}

// NewManager creates a manager. notify, when set, observes every breaker the
// manager creates unless the breaker's config has its own.
func NewManager(logger *zap.Logger, notify func(name string, to State)) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{breakers: make(map[string]*CircuitBreaker), logger: logger, notify: notify}
}

// GetOrCreate returns the named breaker, creating it from cfg on first use.
// The name argument wins over cfg.Name.
func (m *Manager) GetOrCreate(name string, cfg Config) (*CircuitBreaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[name]; ok {
		return cb, nil
	}
	cfg.Name = name
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = m.notify
	}
	cb, err := New(cfg, m.logger)
	if err != nil {
		return nil, err
	}
	m.breakers[name] = cb
	return cb, nil
}

// HealthStatus describes one breaker
type HealthStatus struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
	Healthy  bool   `json:"healthy"`
}

// GetHealthStatus reports every breaker sorted by name; open breakers are unhealthy
func (m *Manager) GetHealthStatus() []HealthStatus {
	m.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		list = append(list, cb)
	}
	m.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].name < list[j].name })

	out := make([]HealthStatus, 0, len(list))
	for _, cb := range list {
		state := cb.State()
		counts := cb.Counts()
		out = append(out, HealthStatus{
			Name:     cb.name,
			State:    state,
			Requests: counts.Requests,
			Failures: counts.TotalFailures,
			Healthy:  state != StateOpen,
		})
	}
	return out
}
