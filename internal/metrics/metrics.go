package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Batch pass metrics
	passDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ranking_pass_duration_seconds",
			Help:    "Duration of full population passes in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"pass"},
	)

	passUsersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ranking_pass_users_total",
			Help: "Total number of users handled by full population passes",
		},
		[]string{"pass", "outcome"},
	)

	promotionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ranking_promotions_total",
			Help: "Total number of league promotions",
		},
		[]string{"from", "to"},
	)

	// Activity metrics
	activityEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ranking_activity_events_total",
			Help: "Total number of page activity events by outcome",
		},
		[]string{"outcome"},
	)

	kafkaMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ranking_kafka_messages_total",
			Help: "Total number of page activity messages consumed from Kafka",
		},
		[]string{"outcome"},
	)

	// Scheduler metrics
	executorRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ranking_executor_runs_total",
			Help: "Total number of scheduled operations by executor and outcome",
		},
		[]string{"operation", "executor", "outcome"},
	)

	executorFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ranking_executor_fallbacks_total",
			Help: "Total number of fallbacks from the remote to the local executor",
		},
		[]string{"operation"},
	)

	periodSkipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ranking_period_skips_total",
			Help: "Total number of period checks that found the period already done",
		},
		[]string{"operation"},
	)

	// Archive metrics
	archivedRecordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ranking_archived_records_total",
			Help: "Total number of ranking records copied to the archive",
		},
	)

	// HTTP and websocket metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ranking_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ranking_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	websocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ranking_websocket_clients",
			Help: "Number of connected websocket clients",
		},
	)
)

// RecordPass records the outcome of a full population pass
func RecordPass(pass string, duration time.Duration, processed, failed int) {
	passDuration.WithLabelValues(pass).Observe(duration.Seconds())
	passUsersTotal.WithLabelValues(pass, "ok").Add(float64(processed - failed))
	if failed > 0 {
		passUsersTotal.WithLabelValues(pass, "failed").Add(float64(failed))
	}
}

// RecordPromotion records a single league promotion
func RecordPromotion(from, to string) {
	promotionsTotal.WithLabelValues(from, to).Inc()
}

// RecordActivity records a tracked activity event. Outcome is one of
// applied, skipped or failed.
func RecordActivity(outcome string) {
	activityEventsTotal.WithLabelValues(outcome).Inc()
}

// RecordKafkaMessage records a consumed Kafka message
func RecordKafkaMessage(outcome string) {
	kafkaMessagesTotal.WithLabelValues(outcome).Inc()
}

// RecordExecutorRun records a scheduled operation run by an executor
func RecordExecutorRun(operation, executor string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	executorRunsTotal.WithLabelValues(operation, executor, outcome).Inc()
}

// RecordExecutorFallback records a fallback to local execution
func RecordExecutorFallback(operation string) {
	executorFallbacksTotal.WithLabelValues(operation).Inc()
}

// RecordPeriodSkip records a gated check that did nothing
func RecordPeriodSkip(operation string) {
	periodSkipsTotal.WithLabelValues(operation).Inc()
}

// RecordArchived adds n records to the archive counter
func RecordArchived(n int) {
	archivedRecordsTotal.Add(float64(n))
}

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetWebsocketClients sets the connected websocket client gauge
func SetWebsocketClients(n int) {
	websocketClients.Set(float64(n))
}

// Handler returns the Prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}
