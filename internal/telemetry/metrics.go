package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EmailsScheduled   = prometheus.NewCounter(prometheus.CounterOpts{Name: "emails_scheduled_total", Help: "Email records created by batch scheduling"})
	EmailsSent        = prometheus.NewCounter(prometheus.CounterOpts{Name: "emails_sent_total", Help: "Emails accepted by the mail transport"})
	EmailsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "emails_failed_total", Help: "Emails that ended in the failed status"})
	EmailsRateLimited = prometheus.NewCounter(prometheus.CounterOpts{Name: "emails_rate_limited_total", Help: "Send attempts denied by the hourly sender limit"})
	EmailsReconciled  = prometheus.NewCounter(prometheus.CounterOpts{Name: "emails_reconciled_total", Help: "Jobs resubmitted for records that had no live job"})
	ReadyDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "email_queue_ready_depth", Help: "Jobs due and waiting for a worker"})
	DelayedDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "email_queue_delayed_depth", Help: "Jobs waiting for their due time"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "email_jobs_inflight", Help: "Jobs currently leased by a worker"})
	SendDuration      = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "email_send_duration_seconds",
		Help:    "Time spent in the mail transport per send",
		Buckets: prometheus.DefBuckets,
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EmailsScheduled,
			EmailsSent,
			EmailsFailed,
			EmailsRateLimited,
			EmailsReconciled,
			ReadyDepthGauge,
			DelayedDepthGauge,
			InFlightGauge,
			SendDuration,
		)
	})
	return promhttp.Handler()
}
