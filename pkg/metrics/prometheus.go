package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	alertsReceived   *prometheus.CounterVec
	alertsBroadcast  *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	subscribers      prometheus.Gauge
	heartbeats       *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	latency          *prometheus.HistogramVec
	broadcastFailing *prometheus.CounterVec
}

// New creates a recorder registered on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		alertsReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsescout_alerts_received_total",
				Help: "Total number of alerts accepted for broadcast",
			},
			[]string{"origin", "source"},
		),
		alertsBroadcast: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsescout_alerts_broadcast_total",
				Help: "Total number of alerts fanned out",
			},
			[]string{"source"},
		),
		broadcastFailing: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsescout_broadcast_failed_subscribers_total",
				Help: "Subscribers dropped during a broadcast",
			},
			[]string{"source"},
		),
		deliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsescout_deliveries_total",
				Help: "Per-subscriber delivery attempts by result",
			},
			[]string{"result"},
		),
		subscribers: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "pulsescout_subscribers",
				Help: "Number of live stream subscribers",
			},
		),
		heartbeats: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsescout_heartbeats_total",
				Help: "Heartbeats sent by result",
			},
			[]string{"result"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsescout_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pulsescout_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// RecordAlertReceived counts an alert accepted from an ingestion origin (webhook, emit, fallback, kafka).
func (r *Recorder) RecordAlertReceived(origin, source string) {
	r.alertsReceived.WithLabelValues(origin, source).Inc()
}

// RecordAlertBroadcast records one fan-out and how many subscribers it dropped.
func (r *Recorder) RecordAlertBroadcast(source string, delivered, failed int) {
	r.alertsBroadcast.WithLabelValues(source).Inc()
	if failed > 0 {
		r.broadcastFailing.WithLabelValues(source).Add(float64(failed))
	}
}

func (r *Recorder) RecordDelivery(result string) {
	r.deliveries.WithLabelValues(result).Inc()
}

func (r *Recorder) RecordSubscribers(n int) {
	r.subscribers.Set(float64(n))
}

func (r *Recorder) RecordHeartbeat(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	r.heartbeats.WithLabelValues(result).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) RecordAlertReceived(string, string) {}
func (Nop) RecordAlertBroadcast(string, int, int) {}
func (Nop) RecordDelivery(string) {}
func (Nop) RecordSubscribers(int) {}
func (Nop) RecordHeartbeat(bool) {}
func (Nop) RecordError(string) {}
func (Nop) RecordLatency(string, float64) {}
