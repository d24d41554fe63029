package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IndependentRegistries(t *testing.T) {
	// Two instances must not trip duplicate registration.
	m1 := New()
	m2 := New()

	m1.EventsAppended.WithLabelValues("run.started").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m1.EventsAppended.WithLabelValues("run.started")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m2.EventsAppended.WithLabelValues("run.started")))
}

func TestHandler_ServesCollectors(t *testing.T) {
	m := New()
	m.TasksTotal.WithLabelValues("completed").Add(3)
	m.OpenRequirements.Set(2)
	m.SentinelAlerts.WithLabelValues("loop").Inc()
	m.LLMTokens.WithLabelValues("gpt-4o-mini").Add(128)
	m.CommandDuration.WithLabelValues("run.start").Observe(0.042)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `apiary_tasks_total{state="completed"} 3`)
	assert.Contains(t, body, "apiary_open_requirements 2")
	assert.Contains(t, body, `apiary_sentinel_alerts_total{pattern="loop"} 1`)
	assert.Contains(t, body, `apiary_llm_tokens_total{model="gpt-4o-mini"} 128`)
	assert.Contains(t, body, "apiary_command_duration_seconds_bucket")
}
