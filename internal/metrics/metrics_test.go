package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersDistinctInstances(t *testing.T) {
	a := New()
	b := New()
	require.NotNil(t, a)
	require.NotNil(t, b)

	a.TasksStarted.Inc()
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "agentfleet_task_started_total 1")

	rec2 := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec2, httptest.NewRequest("GET", "/metrics", nil))
	assert.NotContains(t, rec2.Body.String(), "agentfleet_task_started_total 1")
}

func TestObserveRPC(t *testing.T) {
	m := New()
	m.ObserveRPC("agent.input", true, 5*time.Millisecond)
	m.ObserveRPC("agent.input", false, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	assert.True(t, strings.Contains(body, `method="agent.input",result="ok"`))
	assert.True(t, strings.Contains(body, `method="agent.input",result="error"`))
}
