package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flock_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flock_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	attendanceMarks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flock_attendance_marks_total",
			Help: "Attendance marks applied by status and resulting decision",
		},
		[]string{"status", "decision"},
	)

	absenceNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flock_absence_notifications_total",
			Help: "Absence follow-up notifications by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flock_deliveries_total",
			Help: "Delivery attempts by channel and resulting status",
		},
		[]string{"channel", "status"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flock_delivery_duration_seconds",
			Help:    "Transport call latency per delivery",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"channel"},
	)

	campaignsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flock_campaigns_finished_total",
			Help: "Campaigns that left Sending, by final status",
		},
		[]string{"status"},
	)

	campaignRecipients = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flock_campaign_recipients",
			Help:    "Resolved recipient count per executed campaign",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	campaignJobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flock_campaign_jobs_in_flight",
			Help: "Queued campaign jobs currently being processed",
		},
	)

	sendLockContended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flock_campaign_send_lock_contended_total",
			Help: "Campaign executions refused because another send held the lock",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flock_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
	)

	reconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flock_reconciled_total",
			Help: "Records repaired by the reconciler, by kind",
		},
		[]string{"kind"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flock_circuit_breaker_state",
			Help: "Transport circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flock_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flock_redis_connections_active",
			Help: "Active Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordMark records one applied attendance mark and the decision it produced.
func RecordMark(status, decision string) {
	attendanceMarks.WithLabelValues(status, decision).Inc()
}

// RecordAbsenceNotification records the outcome of an absence follow-up.
func RecordAbsenceNotification(channel, outcome string) {
	absenceNotifications.WithLabelValues(channel, outcome).Inc()
}

// RecordDelivery records one transport attempt.
func RecordDelivery(channel, status string, duration time.Duration) {
	deliveriesTotal.WithLabelValues(channel, status).Inc()
	deliveryDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

func RecordCampaignFinished(status string) {
	campaignsFinished.WithLabelValues(status).Inc()
}

func RecordCampaignRecipients(n int) {
	campaignRecipients.Observe(float64(n))
}

func IncCampaignJobsInFlight() { campaignJobsInFlight.Inc() }
func DecCampaignJobsInFlight() { campaignJobsInFlight.Dec() }

func RecordSendLockContended() {
	sendLockContended.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// RecordReconciled adds n repaired records of the given kind.
func RecordReconciled(kind string, n int) {
	reconciled.WithLabelValues(kind).Add(float64(n))
}

// SetBreakerState publishes a breaker state as its numeric value.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics labelled with the matched chi route
// pattern, so IDs in paths do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		RecordRequest(r.Method, route, wrapped.status, time.Since(start))
	})
}
