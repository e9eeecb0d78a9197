package repository

import (
	"context"

	"PulseScout/internal/domain/models"
	"PulseScout/internal/domain/repository"
	pkgkafka "PulseScout/pkg/kafka"
)

// KafkaAlertRelay implements AlertRelay for Kafka. Messages are keyed by symbol
// so a hash balancer keeps each symbol's alerts on one partition.
type KafkaAlertRelay struct {
	producer *pkgkafka.Producer
	topic    string
}

// NewKafkaAlertRelay creates Kafka relay.
func NewKafkaAlertRelay(producer *pkgkafka.Producer, topic string) repository.AlertRelay {
	return &KafkaAlertRelay{producer: producer, topic: topic}
}

func (r *KafkaAlertRelay) Publish(ctx context.Context, a models.Alert) error {
	return r.producer.Publish(ctx, r.topic, []byte(a.Symbol), a)
}

func (r *KafkaAlertRelay) Close() error {
	if r.producer != nil {
		return r.producer.Close()
	}
	return nil
}
