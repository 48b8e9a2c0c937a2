package stats

import "sync"

// MockStatsProvider is an in-memory StatsProvider for tests.
type MockStatsProvider struct {
	mu       sync.Mutex
	Counters map[string]int64
}

func NewMockStatsProvider() *MockStatsProvider {
	return &MockStatsProvider{Counters: make(map[string]int64)}
}

func (m *MockStatsProvider) Incr(name string) { m.Add(name, 1) }
func (m *MockStatsProvider) Decr(name string) { m.Add(name, -1) }

func (m *MockStatsProvider) Add(name string, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counters[name] += int64(delta)
}

func (m *MockStatsProvider) Value(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Counters[name]
}

func (m *MockStatsProvider) RegisterMetric(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Counters[name]; !ok {
		m.Counters[name] = 0
	}
}

func (m *MockStatsProvider) Run() {}
