package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordMark(t *testing.T) {
	before := testutil.ToFloat64(attendanceMarks.WithLabelValues("absent", "should_notify"))
	RecordMark("absent", "should_notify")
	after := testutil.ToFloat64(attendanceMarks.WithLabelValues("absent", "should_notify"))
	if after-before != 1 {
		t.Errorf("counter moved by %v, want 1", after-before)
	}
}

func TestRecordDelivery(t *testing.T) {
	before := testutil.ToFloat64(deliveriesTotal.WithLabelValues("sms", "failed"))
	RecordDelivery("sms", "failed", 200*time.Millisecond)
	RecordDelivery("email", "sent", 50*time.Millisecond)
	if got := testutil.ToFloat64(deliveriesTotal.WithLabelValues("sms", "failed")) - before; got != 1 {
		t.Errorf("sms failed moved by %v, want 1", got)
	}
}

func TestRecordReconciled(t *testing.T) {
	before := testutil.ToFloat64(reconciled.WithLabelValues("stale_delivery"))
	RecordReconciled("stale_delivery", 3)
	if got := testutil.ToFloat64(reconciled.WithLabelValues("stale_delivery")) - before; got != 3 {
		t.Errorf("reconciled moved by %v, want 3", got)
	}
}

func TestCampaignJobsInFlight(t *testing.T) {
	before := testutil.ToFloat64(campaignJobsInFlight)
	IncCampaignJobsInFlight()
	IncCampaignJobsInFlight()
	DecCampaignJobsInFlight()
	if got := testutil.ToFloat64(campaignJobsInFlight) - before; got != 1 {
		t.Errorf("in-flight moved by %v, want 1", got)
	}
}

func TestSetBreakerState(t *testing.T) {
	SetBreakerState("ses", 1)
	if got := testutil.ToFloat64(breakerState.WithLabelValues("ses")); got != 1 {
		t.Errorf("breaker state = %v, want 1", got)
	}
}

func TestSmokeHelpers(t *testing.T) {
	RecordAbsenceNotification("email", "sent")
	RecordCampaignFinished("sent")
	RecordCampaignRecipients(50)
	RecordSendLockContended()
	RecordRateLimitRejection()
	SetDBConnections(10)
	SetRedisConnections(5)
}

func TestHandler(t *testing.T) {
	RecordCampaignFinished("failed")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "flock_campaigns_finished_total") {
		t.Error("metrics output should include flock_campaigns_finished_total")
	}
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/campaigns/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/campaigns/{id}", "201"))

	req := httptest.NewRequest("GET", "/v1/campaigns/3f1a", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/campaigns/{id}", "201"))
	if after-before != 1 {
		t.Errorf("route counter moved by %v, want 1", after-before)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}
