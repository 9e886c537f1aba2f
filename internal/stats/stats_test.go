package stats

import (
	"expvar"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewStatsUpdater(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	assert.NotNil(t, su, "expected StatsUpdater to be non-nil")
	assert.NotNil(t, su.updateChan, "expected updateChan to be initialized")
	handler, pattern := mux.Handler(&http.Request{URL: &url.URL{Path: "/debug/vars"}, Method: http.MethodGet})
	assert.NotNil(t, handler, "expected handler for /debug/vars to be set")
	assert.Equal(t, "GET /debug/vars", pattern, "expected handler to be registered for GET method on /debug/vars")
}

func TestStatsUpdater_counters(t *testing.T) {
	// Built directly so the test does not publish to the process-wide
	// expvar registry a second time.
	su := &StatsUpdater{
		vars:       new(expvar.Map).Init(),
		updateChan: make(chan *metricsUpdateReq, 8),
	}
	for _, name := range []string{MetricActiveConnections, MetricMessagesPublished, MetricPresenceWrites, MetricStaleSweeps} {
		su.RegisterMetric(name)
	}

	su.Run()
	defer su.Stop()

	su.Incr(MetricMessagesPublished)
	su.Incr(MetricActiveConnections)
	su.Incr(MetricActiveConnections)
	su.Decr(MetricActiveConnections)

	assert.Eventually(t, func() bool {
		return su.vars.Get(MetricMessagesPublished).String() == "1" &&
			su.vars.Get(MetricActiveConnections).String() == "1"
	}, time.Second, 10*time.Millisecond)
}
