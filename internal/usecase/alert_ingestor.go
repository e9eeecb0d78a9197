package usecase

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"PulseScout/internal/domain/models"
	domrepo "PulseScout/internal/domain/repository"
	"PulseScout/internal/service/pulse"
	applogger "PulseScout/pkg/logger"
)

// Ingestion origins, used as the metrics label.
const (
	OriginWebhook  = "webhook"
	OriginEmit     = "emit"
	OriginFallback = "fallback"
	OriginKafka    = "kafka"
)

var (
	ErrUnauthorized = errors.New("invalid secret")
	ErrUpstream     = errors.New("alert generator failed")
)

// AlertIngestor turns inbound payloads into broadcast alerts.
type AlertIngestor struct {
	secret     []byte
	hub        *pulse.Hub
	normalizer *pulse.Normalizer
	relay      domrepo.AlertRelay
	generator  domrepo.AlertGenerator
	metrics    domrepo.Metrics
	l          *applogger.Logger
}

// NewAlertIngestor wires the ingestion path. relay and generator may be nil.
func NewAlertIngestor(
	secret string,
	hub *pulse.Hub,
	normalizer *pulse.Normalizer,
	relay domrepo.AlertRelay,
	generator domrepo.AlertGenerator,
	metrics domrepo.Metrics,
	l *applogger.Logger,
) *AlertIngestor {
	return &AlertIngestor{
		secret:     []byte(secret),
		hub:        hub,
		normalizer: normalizer,
		relay:      relay,
		generator:  generator,
		metrics:    metrics,
		l:          l,
	}
}

// Authorize accepts if any candidate equals the configured secret.
// An unconfigured secret rejects everything.
func (u *AlertIngestor) Authorize(candidates ...string) error {
	if len(u.secret) == 0 {
		return ErrUnauthorized
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(c), u.secret) == 1 {
			return nil
		}
	}
	u.metrics.RecordError("unauthorized")
	return ErrUnauthorized
}

// Ingest normalizes and broadcasts a decoded JSON body: an array is a batch, anything else one item.
// defaultSource fills in the source of items that carry none.
func (u *AlertIngestor) Ingest(ctx context.Context, origin, defaultSource string, body any) int {
	items, ok := body.([]any)
	if !ok {
		items = []any{body}
	}
	for _, it := range items {
		raw, _ := it.(map[string]any)
		u.publish(ctx, origin, u.normalizer.Normalize(pulse.WithDefaultSource(raw, defaultSource)))
	}
	return len(items)
}

// Emit broadcasts one manually described alert.
func (u *AlertIngestor) Emit(ctx context.Context, req *models.EmitRequest) models.Alert {
	a := u.normalizer.Normalize(req.Fields())
	u.publish(ctx, OriginEmit, a)
	return a
}

// Fallback asks the generator for candidate alerts and broadcasts those meeting the minimum validity.
// Nothing is broadcast when generation fails.
func (u *AlertIngestor) Fallback(ctx context.Context, req *models.FallbackRequest) (models.FallbackResult, error) {
	if u.generator == nil {
		return models.FallbackResult{}, fmt.Errorf("%w: generator not configured", ErrUpstream)
	}

	start := time.Now()
	raws, err := u.generator.Generate(ctx, req.Symbols, req.Max)
	u.metrics.RecordLatency("generate", time.Since(start).Seconds())
	if err != nil {
		u.metrics.RecordError("generator")
		u.l.Warn("fallback generation failed", applogger.Error(err))
		return models.FallbackResult{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	accepted := make([]models.Alert, 0, len(raws))
	for _, raw := range raws {
		a := u.normalizer.Normalize(pulse.WithDefaultSource(raw, OriginFallback))
		if a.Validity < req.Threshold() {
			continue
		}
		accepted = append(accepted, a)
		if len(accepted) == req.Max {
			break
		}
	}
	for _, a := range accepted {
		u.publish(ctx, OriginFallback, a)
	}

	u.l.Info("fallback alerts generated",
		applogger.Int("generated", len(raws)),
		applogger.Int("broadcast", len(accepted)),
	)
	return models.FallbackResult{OK: true, Generated: len(raws), Broadcast: len(accepted)}, nil
}

// Subscribers is the live subscriber count.
func (u *AlertIngestor) Subscribers() int { return u.hub.Len() }

func (u *AlertIngestor) publish(ctx context.Context, origin string, a models.Alert) {
	u.metrics.RecordAlertReceived(origin, a.Source)
	rep := u.hub.Broadcast(a)
	u.l.Debug("alert broadcast",
		applogger.String("origin", origin),
		applogger.String("source", a.Source),
		applogger.String("symbol", a.Symbol),
		applogger.Int("delivered", rep.Delivered),
		applogger.Int("failed", rep.Failed),
	)

	// relay errors are logged only
	if u.relay == nil {
		return
	}
	if err := u.relay.Publish(ctx, a); err != nil {
		u.metrics.RecordError("relay_publish")
		u.l.Warn("alert relay failed", applogger.String("symbol", a.Symbol), applogger.Error(err))
	}
}
