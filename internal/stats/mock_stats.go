package stats

import "github.com/stretchr/testify/mock"

type MockStatsProvider struct {
	mock.Mock
}

func (m *MockStatsProvider) Incr(name string) {
	m.Called(name)
}
func (m *MockStatsProvider) Decr(name string) {
	m.Called(name)
}
func (m *MockStatsProvider) RegisterMetric(name string) {
	m.Called(name)
}
func (m *MockStatsProvider) Run() {
	m.Called()
}

// NoopStats satisfies StatsProvider for tests that don't assert on
// metrics.
type NoopStats struct{}

func (NoopStats) Incr(string)           {}
func (NoopStats) Decr(string)           {}
func (NoopStats) RegisterMetric(string) {}
func (NoopStats) Run()                  {}
