package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionLifecycle(t *testing.T) {
	m := New()

	m.ExecutionStarted("wf")
	m.ExecutionStarted("wf")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.executionsStarted.WithLabelValues("wf")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.running))

	m.ExecutionFinished("wf", "completed", 50*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executionsFinished.WithLabelValues("wf", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.running))
}

func TestStepFinished(t *testing.T) {
	m := New()
	m.StepFinished("echo", "completed", time.Millisecond)
	m.StepFinished("echo", "skipped", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepsFinished.WithLabelValues("echo", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepsFinished.WithLabelValues("echo", "skipped")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.stepDuration))
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetWorkflows(3)
	m.ExecutionStarted("wf")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "toolflow_workflows_registered 3")
	assert.Contains(t, string(body), `toolflow_executions_started_total{workflow="wf"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
