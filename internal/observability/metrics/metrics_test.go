package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Fired("a")
	m.Fired("a")
	m.Skipped("a")
	m.RunStarted("default")
	m.RunFinished("default", "success", 20*time.Millisecond)
	m.Reconciled(true)
	m.Reconciled(false)
	m.SetEntries(3)

	require.Equal(t, 2.0, testutil.ToFloat64(m.fires.WithLabelValues("a")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.skips.WithLabelValues("a")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.inFlight.WithLabelValues("default")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("default", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.reconciles.WithLabelValues("error")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.entries))

	m.Forget("a")
	require.Equal(t, 0, testutil.CollectAndCount(m.fires))
}

func TestNilSafe(t *testing.T) {
	var m *Metrics
	m.Fired("x")
	m.RunFinished("default", "failure", time.Second)
	m.SetEntries(1)
	require.Nil(t, m.Registry())
}

func TestHandlerExposesSeries(t *testing.T) {
	m := New()
	m.Fired("job-1")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), `supertask_job_fires_total{job="job-1"} 1`))
}
