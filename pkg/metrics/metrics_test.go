package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Creation(t *testing.T) {
	m := New(prometheus.NewRegistry())

	assert.NotNil(t, m.FramesReceived)
	assert.NotNil(t, m.Deliveries)
	assert.NotNil(t, m.ServersLinked)
	assert.NotNil(t, m.GossipDuplicates)
}

func TestMetrics_Counting(t *testing.T) {
	m := New(nil)

	m.Deliveries.WithLabelValues(OutcomeLocal).Inc()
	m.Deliveries.WithLabelValues(OutcomeLocal).Inc()
	m.Deliveries.WithLabelValues(OutcomeNotFound).Inc()
	m.ServersLinked.Set(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Deliveries.WithLabelValues(OutcomeLocal)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues(OutcomeNotFound)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ServersLinked))
}

func TestHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	m.HeartbeatsSent.Add(4)

	rec := httptest.NewRecorder()
	Handler(registry).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "socp_heartbeats_sent_total 4"))
}
