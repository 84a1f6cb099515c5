package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	eventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarm_events_ingested_total",
			Help: "Alarm events persisted as novel, by ingress path.",
		},
		[]string{"path"},
	)
	eventsDuplicate = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarm_events_duplicate_total",
			Help: "Alarm events dropped as duplicates, by ingress path.",
		},
		[]string{"path"},
	)
	webhookRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_rejected_total",
			Help: "Webhook deliveries rejected before ingestion.",
		},
		[]string{"reason"},
	)
	dispatchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "alarm_dispatch_failures_total",
			Help: "Processing jobs that failed to enqueue.",
		},
	)
	eventsPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "alarm_events_pruned_total",
			Help: "Alarm events deleted by the retention sweep.",
		},
	)
	devicesSweptOffline = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "devices_swept_offline_total",
			Help: "Devices transitioned to offline by the staleness sweep.",
		},
	)
	pollFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panel_poll_failures_total",
			Help: "Panel poll attempts that failed, by outcome.",
		},
		[]string{"outcome"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

func Register() {
	prometheus.MustRegister(httpRequests, httpLatency, eventsIngested, eventsDuplicate, webhookRejected, dispatchFailures, eventsPruned, devicesSweptOffline, pollFailures, influxWriteFailures, asynqQueueDepth)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func IncEventIngested(path string) {
	eventsIngested.WithLabelValues(path).Inc()
}

func IncEventDuplicate(path string) {
	eventsDuplicate.WithLabelValues(path).Inc()
}

func IncWebhookRejected(reason string) {
	webhookRejected.WithLabelValues(reason).Inc()
}

func IncDispatchFailure() {
	dispatchFailures.Inc()
}

func AddEventsPruned(n int64) {
	eventsPruned.Add(float64(n))
}

func AddDevicesSweptOffline(n int) {
	devicesSweptOffline.Add(float64(n))
}

func IncPollFailure(outcome string) {
	pollFailures.WithLabelValues(outcome).Inc()
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
