package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordScheduledResult(t *testing.T) {
	before := testutil.ToFloat64(executionsCreated)
	triggeredBefore := testutil.ToFloat64(scheduledResults.WithLabelValues("triggered"))

	RecordScheduledResult("triggered", 3)
	RecordScheduledResult("skipped", 0)

	assert.Equal(t, before+3, testutil.ToFloat64(executionsCreated))
	assert.Equal(t, triggeredBefore+1, testutil.ToFloat64(scheduledResults.WithLabelValues("triggered")))
}

func TestRecordActivityTick(t *testing.T) {
	before := testutil.ToFloat64(successorsCreated)

	RecordActivityTick(2, 1, 0)

	assert.Equal(t, before+1, testutil.ToFloat64(successorsCreated))
}

func TestHandler(t *testing.T) {
	ObserveTick("scheduled_workflows", 20*time.Millisecond, nil)
	ObserveTick("scheduled_workflows", time.Second, errors.New("db down"))

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "crm_automations_tick_duration_seconds")
	assert.Contains(t, w.Body.String(), `outcome="fatal"`)
}
