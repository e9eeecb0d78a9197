package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	domrepo "PulseScout/internal/domain/repository"
	pkgkafka "PulseScout/pkg/kafka"
	applogger "PulseScout/pkg/logger"
)

// MaxFeedMessageBytes bounds one feed message, matching the webhook body limit.
const MaxFeedMessageBytes = 1 << 20

// KafkaAlertsHandler consumes raw alert payloads from a feed topic and broadcasts them.
type KafkaAlertsHandler struct {
	topic    string
	source   string
	ingestor *AlertIngestor
	metrics  domrepo.Metrics
}

func NewKafkaAlertsHandler(topic, defaultSource string, ingestor *AlertIngestor, metrics domrepo.Metrics) *KafkaAlertsHandler {
	return &KafkaAlertsHandler{topic: topic, source: defaultSource, ingestor: ingestor, metrics: metrics}
}

func (h *KafkaAlertsHandler) Topic() string { return h.topic }

// incoming message: one raw alert object or an array of them
func (h *KafkaAlertsHandler) Handle(ctx context.Context, b []byte) error {
	body, err := DecodeBody(b)
	if err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return err
	}
	start := time.Now()
	h.ingestor.Ingest(ctx, OriginKafka, h.source, body)
	h.metrics.RecordLatency("kafka_ingest", time.Since(start).Seconds())
	return nil
}

// DecodeBody parses a JSON body keeping numbers as json.Number.
func DecodeBody(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var body any
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("decode alert body: %w", err)
	}
	return body, nil
}

// NewFeedHook rejects messages that can never be handled before any retry happens,
// sending them straight to the DLQ, and records final handling errors.
func NewFeedHook(metrics domrepo.Metrics, l *applogger.Logger) pkgkafka.HookFuncs {
	if l == nil {
		l = applogger.Nop()
	}
	return pkgkafka.HookFuncs{
		BeforeFunc: func(_ context.Context, _ string, km kafka.Message) error {
			switch {
			case len(km.Value) > MaxFeedMessageBytes:
				return pkgkafka.Reject("ERR_TOO_LARGE", nil)
			case !json.Valid(km.Value):
				return pkgkafka.Reject("ERR_INVALID_JSON", nil)
			}
			return nil
		},
		AfterFunc: func(_ context.Context, topic string, km kafka.Message, err error) {
			if err == nil {
				return
			}
			kind := "consumer_handle"
			if pkgkafka.IsRejected(err) {
				kind = "consumer_rejected"
			}
			metrics.RecordError(kind)
			l.Warn("alert feed message failed",
				applogger.String("topic", topic),
				applogger.Int("partition", km.Partition),
				applogger.Int64("offset", km.Offset),
				applogger.Error(err),
			)
		},
	}
}

var _ pkgkafka.MessageHandler = (*KafkaAlertsHandler)(nil)
