// Package metrics exposes the watcher's Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aboveme_poll_cycles_total",
			Help: "Poll cycles by outcome (processed, stale, feed_error).",
		},
		[]string{"outcome"},
	)

	cycleDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aboveme_poll_cycle_duration_seconds",
			Help:    "Duration of processed poll cycles, including notification.",
			Buckets: prometheus.DefBuckets,
		},
	)

	droppedRecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aboveme_dropped_records_total",
			Help: "Malformed aircraft records dropped by the feed parser.",
		},
	)

	skippedAircraftTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aboveme_skipped_aircraft_total",
			Help: "Aircraft skipped for a cycle after an enrichment failure.",
		},
	)

	aircraftSeen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aboveme_aircraft_seen",
			Help: "Aircraft in the most recent snapshot.",
		},
	)

	alarmsTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aboveme_alarms_tracked",
			Help: "Aircraft currently in the alarm table.",
		},
	)

	fireEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aboveme_fire_events_total",
			Help: "Alarm episodes that ended and were handed to notification.",
		},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aboveme_notifications_total",
			Help: "Notification pipeline results by stage and result.",
		},
		[]string{"stage", "result"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aboveme_http_requests_total",
			Help: "Total number of status HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)
)

func init() {
	prometheus.MustRegister(cyclesTotal)
	prometheus.MustRegister(cycleDurationSeconds)
	prometheus.MustRegister(droppedRecordsTotal)
	prometheus.MustRegister(skippedAircraftTotal)
	prometheus.MustRegister(aircraftSeen)
	prometheus.MustRegister(alarmsTracked)
	prometheus.MustRegister(fireEventsTotal)
	prometheus.MustRegister(notificationsTotal)
	prometheus.MustRegister(httpRequestsTotal)
}

// Cycle outcomes.
const (
	OutcomeProcessed = "processed"
	OutcomeStale     = "stale"
	OutcomeFeedError = "feed_error"
)

// ObserveCycle counts a poll cycle. d is only recorded for processed cycles.
func ObserveCycle(outcome string, d time.Duration) {
	cyclesTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeProcessed {
		cycleDurationSeconds.Observe(d.Seconds())
	}
}

// ObserveSnapshot records the shape of a processed snapshot.
func ObserveSnapshot(aircraft, dropped, skipped, tracked int) {
	aircraftSeen.Set(float64(aircraft))
	droppedRecordsTotal.Add(float64(dropped))
	skippedAircraftTotal.Add(float64(skipped))
	alarmsTracked.Set(float64(tracked))
}

// FireEvent counts an ended alarm episode.
func FireEvent() {
	fireEventsTotal.Inc()
}

// Notification records one stage of the notification pipeline.
func Notification(stage string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	notificationsTotal.WithLabelValues(stage, result).Inc()
}

// MetadataLookup records an aircraft metadata lookup. A lookup that resolved
// nothing counts as "unknown" rather than "ok".
func MetadataLookup(resolved bool) {
	result := "ok"
	if !resolved {
		result = "unknown"
	}
	notificationsTotal.WithLabelValues("metadata", result).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware counts status server requests.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		httpRequestsTotal.WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rw.statusCode)).Inc()
	})
}
