package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notebook-builder/internal/domain"
)

func TestBuild_Lifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := NewBuild(reg)

	b.BuildStarted()
	b.BuildStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(b.inFlight))

	b.StageFinished("push", 3*time.Second)
	b.PushRetried()
	b.BuildFinished(domain.BuildStatusCancelled, time.Minute)

	assert.Equal(t, 2.0, testutil.ToFloat64(b.started))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.inFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.finished.WithLabelValues("Cancelled")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.finished.WithLabelValues("Finished")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.pushRetries))
	assert.Equal(t, 1, testutil.CollectAndCount(b.stage))
}

func TestDispatch_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	d := NewDispatch(reg)

	d.SessionOpened()
	d.Command("start", "ok")
	d.Command("cancel", "denied")
	d.Relayed()
	d.Relayed()
	d.Delivery("start", "dispatched")
	d.SessionClosed()

	assert.Equal(t, 0.0, testutil.ToFloat64(d.sessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(d.commands.WithLabelValues("cancel", "denied")))
	assert.Equal(t, 2.0, testutil.ToFloat64(d.relayed))
	assert.Equal(t, 1.0, testutil.ToFloat64(d.deliveries.WithLabelValues("start", "dispatched")))
}

func TestHandler(t *testing.T) {
	reg := NewRegistry()
	NewBuild(reg).BuildStarted()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "notebook_builder_builds_started_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
