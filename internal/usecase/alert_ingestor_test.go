package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PulseScout/internal/domain/models"
	domrepo "PulseScout/internal/domain/repository"
	"PulseScout/internal/service/pulse"
	pkgkafka "PulseScout/pkg/kafka"
	applogger "PulseScout/pkg/logger"
	"PulseScout/pkg/metrics"
)

const testSecret = "s3cret"

type captureSub struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (c *captureSub) WriteEvent(ev pulse.Event) error {
	if ev.Name != pulse.EventMessage {
		return nil
	}
	var a models.Alert
	if err := json.Unmarshal(ev.Data, &a); err != nil {
		return err
	}
	c.mu.Lock()
	c.alerts = append(c.alerts, a)
	c.mu.Unlock()
	return nil
}

func (c *captureSub) received() []models.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Alert(nil), c.alerts...)
}

type stubGenerator struct {
	items []map[string]any
	err   error
}

func (g *stubGenerator) Generate(context.Context, []string, int) ([]map[string]any, error) {
	return g.items, g.err
}

type memRelay struct {
	mu        sync.Mutex
	published []models.Alert
	err       error
}

func (r *memRelay) Publish(_ context.Context, a models.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, a)
	return r.err
}

func (r *memRelay) Close() error { return nil }

type fixture struct {
	ingestor *AlertIngestor
	sub      *captureSub
	relay    *memRelay
}

func newFixture(t *testing.T, secret string, gen *stubGenerator) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC))
	hub := pulse.NewHub(pulse.WithClock(clock))
	t.Cleanup(hub.Shutdown)

	sub := &captureSub{}
	_, err := hub.Subscribe(sub)
	require.NoError(t, err)

	relay := &memRelay{}
	var g domrepo.AlertGenerator
	if gen != nil {
		g = gen
	}
	u := NewAlertIngestor(secret, hub, pulse.NewNormalizer(clock), relay, g, metrics.Nop{}, applogger.Nop())
	return &fixture{ingestor: u, sub: sub, relay: relay}
}

func TestAuthorize(t *testing.T) {
	f := newFixture(t, testSecret, nil)

	assert.NoError(t, f.ingestor.Authorize("", "wrong", testSecret))
	assert.ErrorIs(t, f.ingestor.Authorize(), ErrUnauthorized)
	assert.ErrorIs(t, f.ingestor.Authorize("", "s3cre", "s3cret!"), ErrUnauthorized)
}

func TestAuthorizeWithoutConfiguredSecret(t *testing.T) {
	f := newFixture(t, "", nil)

	assert.ErrorIs(t, f.ingestor.Authorize(""), ErrUnauthorized)
	assert.ErrorIs(t, f.ingestor.Authorize("anything"), ErrUnauthorized)
}

func TestIngestSingle(t *testing.T) {
	f := newFixture(t, testSecret, nil)

	n := f.ingestor.Ingest(context.Background(), OriginWebhook, "", map[string]any{"symbol": "btc", "signal": "whale buy"})

	assert.Equal(t, 1, n)
	got := f.sub.received()
	require.Len(t, got, 1)
	assert.Equal(t, "btc", got[0].Symbol)
	assert.Equal(t, "whale buy", got[0].Signal)
	assert.Equal(t, pulse.DefaultSource, got[0].Source)
	assert.Len(t, f.relay.published, 1)
}

func TestIngestBatchWithMalformedItem(t *testing.T) {
	f := newFixture(t, testSecret, nil)
	body := []any{
		map[string]any{"symbol": "ETH"},
		"not an object",
		map[string]any{"ticker": "SOL", "source": "tradingview"},
	}

	n := f.ingestor.Ingest(context.Background(), OriginWebhook, "dexscreener", body)

	assert.Equal(t, 3, n)
	got := f.sub.received()
	require.Len(t, got, 3)
	assert.Equal(t, "ETH", got[0].Symbol)
	assert.Equal(t, "dexscreener", got[0].Source)
	assert.Equal(t, pulse.DefaultSymbol, got[1].Symbol)
	assert.Equal(t, "SOL", got[2].Symbol)
	assert.Equal(t, "tradingview", got[2].Source)
}

func TestIngestRelayFailureStillBroadcasts(t *testing.T) {
	f := newFixture(t, testSecret, nil)
	f.relay.err = errors.New("kafka down")

	f.ingestor.Ingest(context.Background(), OriginKafka, "", map[string]any{"symbol": "BTC"})

	assert.Len(t, f.sub.received(), 1)
}

func TestEmit(t *testing.T) {
	f := newFixture(t, testSecret, nil)
	v := 0.7

	a := f.ingestor.Emit(context.Background(), &models.EmitRequest{
		Symbol:   "doge",
		Validity: &v,
		Side:     "buy",
		Payload:  map[string]any{"signal": "breakout", "symbol": "shib"},
	})

	assert.Equal(t, "doge", a.Symbol)
	assert.Equal(t, "breakout", a.Signal)
	assert.Equal(t, "manual", a.Source)
	assert.Equal(t, models.SideLong, a.Side)
	assert.InDelta(t, 0.7, a.Validity, 1e-9)
	assert.Equal(t, []models.Alert{a}, f.sub.received())
}

func TestFallbackFiltersByValidity(t *testing.T) {
	gen := &stubGenerator{items: []map[string]any{
		{"symbol": "BTC", "validity": 0.95},
		{"symbol": "ETH", "validity": 0.4},
		{"symbol": "SOL", "validity": 0.9},
		{"symbol": "XRP", "validity": 0.99},
	}}
	f := newFixture(t, testSecret, gen)

	res, err := f.ingestor.Fallback(context.Background(), &models.FallbackRequest{Max: 2})

	require.NoError(t, err)
	assert.Equal(t, models.FallbackResult{OK: true, Generated: 4, Broadcast: 2}, res)
	got := f.sub.received()
	require.Len(t, got, 2)
	assert.Equal(t, "BTC", got[0].Symbol)
	assert.Equal(t, "SOL", got[1].Symbol)
	assert.Equal(t, OriginFallback, got[0].Source)
}

func TestFallbackExplicitZeroThresholdKeepsAll(t *testing.T) {
	gen := &stubGenerator{items: []map[string]any{
		{"symbol": "BTC", "validity": 0.5},
		{"symbol": "ETH", "validity": 0},
	}}
	f := newFixture(t, testSecret, gen)
	zero := 0.0

	res, err := f.ingestor.Fallback(context.Background(), &models.FallbackRequest{MinValidity: &zero, Max: 3})

	require.NoError(t, err)
	assert.Equal(t, 2, res.Broadcast)
	assert.Len(t, f.sub.received(), 2)
}

func TestFallbackUpstreamFailure(t *testing.T) {
	f := newFixture(t, testSecret, &stubGenerator{err: errors.New("timeout")})

	_, err := f.ingestor.Fallback(context.Background(), &models.FallbackRequest{Max: 3})

	assert.ErrorIs(t, err, ErrUpstream)
	assert.Empty(t, f.sub.received())
}

func TestFallbackWithoutGenerator(t *testing.T) {
	f := newFixture(t, testSecret, nil)

	_, err := f.ingestor.Fallback(context.Background(), &models.FallbackRequest{Max: 3})

	assert.ErrorIs(t, err, ErrUpstream)
}

func TestKafkaAlertsHandler(t *testing.T) {
	f := newFixture(t, testSecret, nil)
	h := NewKafkaAlertsHandler("pulse.alerts.raw", "kafka", f.ingestor, metrics.Nop{})

	require.NoError(t, h.Handle(context.Background(), []byte(`[{"symbol":"BTC","volume_z":3}, {"symbol":"ETH"}]`)))
	assert.Error(t, h.Handle(context.Background(), []byte(`{not json`)))

	got := f.sub.received()
	require.Len(t, got, 2)
	assert.Equal(t, "kafka", got[0].Source)
	assert.InDelta(t, pulse.ValidityFromScore(3), got[0].Validity, 1e-9)
	assert.Equal(t, "pulse.alerts.raw", h.Topic())
}

func TestDecodeBodyKeepsNumbers(t *testing.T) {
	body, err := DecodeBody([]byte(`{"ts": 1728555010123}`))
	require.NoError(t, err)
	assert.Equal(t, json.Number("1728555010123"), body.(map[string]any)["ts"])
}

type errorCounter struct {
	metrics.Nop
	kinds []string
}

func (e *errorCounter) RecordError(kind string) { e.kinds = append(e.kinds, kind) }

func TestFeedHook(t *testing.T) {
	m := &errorCounter{}
	hook := NewFeedHook(m, nil)
	ctx := context.Background()

	assert.NoError(t, hook.Before(ctx, "t", kafka.Message{Value: []byte(`{"symbol":"BTC"}`)}))

	err := hook.Before(ctx, "t", kafka.Message{Value: []byte(`{oops`)})
	require.Error(t, err)
	assert.True(t, pkgkafka.IsRejected(err))
	assert.Contains(t, err.Error(), "ERR_INVALID_JSON")

	big := make([]byte, MaxFeedMessageBytes+1)
	assert.ErrorContains(t, hook.Before(ctx, "t", kafka.Message{Value: big}), "ERR_TOO_LARGE")

	hook.After(ctx, "t", kafka.Message{}, nil)
	hook.After(ctx, "t", kafka.Message{}, err)
	hook.After(ctx, "t", kafka.Message{}, errors.New("boom"))
	assert.Equal(t, []string{"consumer_rejected", "consumer_handle"}, m.kinds)
}
