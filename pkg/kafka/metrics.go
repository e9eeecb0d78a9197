package kafka

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce       sync.Once
	metricsRegisterer prometheus.Registerer = prometheus.DefaultRegisterer

	producerMsgsTotal   *prometheus.CounterVec
	producerBytesTotal  *prometheus.CounterVec
	producerLatencyHist *prometheus.HistogramVec

	consumerQueueDepth    *prometheus.GaugeVec
	consumerHandleLatency *prometheus.HistogramVec
	consumerResults       *prometheus.CounterVec
)

// SetMetricsRegisterer replaces the registerer used for kafka metrics.
// It only has an effect before the first producer or consumer is created.
func SetMetricsRegisterer(reg prometheus.Registerer) {
	if reg != nil {
		metricsRegisterer = reg
	}
}

func initMetrics() {
	metricsOnce.Do(func() {
		f := promauto.With(metricsRegisterer)
		producerMsgsTotal = f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsescout_kafka_producer_messages_total",
				Help: "Total messages published to Kafka",
			},
			[]string{"topic", "compression", "result"},
		)
		producerBytesTotal = f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsescout_kafka_producer_bytes_total",
				Help: "Total payload bytes published",
			},
			[]string{"topic", "compression"},
		)
		producerLatencyHist = f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pulsescout_kafka_producer_publish_seconds",
				Help:    "Publish latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		)
		consumerQueueDepth = f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pulsescout_kafka_consumer_queue_depth",
				Help: "Number of messages waiting for a worker",
			},
			[]string{"topic"},
		)
		consumerHandleLatency = f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "pulsescout_kafka_consumer_handle_seconds",
				Help: "Handling time per message including retries",
			},
			[]string{"topic"},
		)
		consumerResults = f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsescout_kafka_consumer_messages_total",
				Help: "Consumed messages by outcome",
			},
			[]string{"topic", "result"},
		)
	})
}

func observePublish(topic, comp string, bytes int64, count int, dur time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	producerMsgsTotal.WithLabelValues(topic, comp, result).Add(float64(count))
	producerBytesTotal.WithLabelValues(topic, comp).Add(float64(bytes))
	if dur > 0 {
		producerLatencyHist.WithLabelValues(topic).Observe(dur.Seconds())
	}
}
