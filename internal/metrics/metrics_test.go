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

func TestRecorders_IncrementLabeledSeries(t *testing.T) {
	before := testutil.ToFloat64(joinDecisions.WithLabelValues("rejected", "seats_exhausted"))
	RecordJoinDecision("rejected", "seats_exhausted")
	assert.Equal(t, before+1, testutil.ToFloat64(joinDecisions.WithLabelValues("rejected", "seats_exhausted")))

	before = testutil.ToFloat64(outboxPublished.WithLabelValues("dead"))
	RecordOutboxPublish("dead")
	assert.Equal(t, before+1, testutil.ToFloat64(outboxPublished.WithLabelValues("dead")))

	before = testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "/api/v1/reservations", "201"))
	RecordHTTPRequest("POST", "/api/v1/reservations", 201, 15*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "/api/v1/reservations", "201")))
}

func TestInFlightGauge(t *testing.T) {
	base := testutil.ToFloat64(httpRequestsInFlight)
	InFlightInc()
	InFlightInc()
	InFlightDec()
	assert.Equal(t, base+1, testutil.ToFloat64(httpRequestsInFlight))
	InFlightDec()
}

func TestHandler_ExposesNamespace(t *testing.T) {
	RecordReservationCreated("prive")

	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `reservation_service_reservations_created_total{type="prive"}`)
}
