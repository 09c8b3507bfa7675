package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersRecord(t *testing.T) {
	t.Parallel()

	m := New()
	m.Webhook("push", "accepted")
	m.Webhook("push", "accepted")
	m.Transition("PENDING", "APPROVED")
	m.Execution("deploy", "success", 2*time.Second)

	assert.Equal(t, 2.0, counterValue(t, m, "devcontrol_webhooks_total"))
	assert.Equal(t, 1.0, counterValue(t, m, "devcontrol_deployment_transitions_total"))
	assert.Equal(t, 1.0, counterValue(t, m, "devcontrol_agent_executions_total"))
}

func counterValue(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.Webhook("push", "accepted")
	m.Transition("a", "b")
	m.Delivery("sent")
	m.Job("notify", "succeeded")
	m.SetOpenRequests(3)

	h := m.Instrument("/x", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)
}

func TestHandlerExposesInstrumentedRoutes(t *testing.T) {
	t.Parallel()

	m := New()
	h := m.Instrument("/webhook/github/{projectId}", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/webhook/github/p1", nil))

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `devcontrol_http_requests_total{method="POST",route="/webhook/github/{projectId}",status="401"} 1`))
}
