package repository

import (
	"context"

	"PulseScout/internal/domain/models"
)

// AlertRelay forwards normalized alerts to downstream consumers outside the hub.
type AlertRelay interface {
	Publish(ctx context.Context, a models.Alert) error
	Close() error
}

// AlertGenerator asks an external text-generation service for candidate alerts.
// Each returned item is a raw payload that still has to go through the normalizer.
type AlertGenerator interface {
	Generate(ctx context.Context, symbols []string, max int) ([]map[string]any, error)
}

type Metrics interface {
	RecordAlertReceived(origin, source string)
	RecordAlertBroadcast(source string, delivered, failed int)
	RecordDelivery(result string)
	RecordSubscribers(n int)
	RecordHeartbeat(ok bool)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
}
