package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PulseScout/internal/domain/models"
	domrepo "PulseScout/internal/domain/repository"
	"PulseScout/internal/middleware"
	"PulseScout/internal/service/pulse"
	"PulseScout/internal/service/ratelimit"
	"PulseScout/internal/usecase"
	xhttp "PulseScout/pkg/http"
	applogger "PulseScout/pkg/logger"
	"PulseScout/pkg/metrics"
)

const testSecret = "s3cret"

var greeting = map[string]any{"ok": true, "hello": "PulseScout SSE connected"}

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

type testEnv struct {
	e   *echo.Echo
	hub *pulse.Hub
}

func newTestEnv(t *testing.T, secret string, gen domrepo.AlertGenerator, opts ...PulseOption) *testEnv {
	t.Helper()
	hub := pulse.NewHub(pulse.WithGreeting(greeting))
	t.Cleanup(hub.Shutdown)

	ingestor := usecase.NewAlertIngestor(secret, hub, pulse.NewNormalizer(nil), nil, gen, metrics.Nop{}, applogger.Nop())
	h := NewPulseHandler(nil, hub, ingestor, opts...)
	srv := xhttp.NewServer(h, xhttp.WithMetricsPath(""), xhttp.WithCORS(false))
	return &testEnv{e: srv.Echo(), hub: hub}
}

// subscribe attaches an in-memory subscriber next to the HTTP ones.
func (env *testEnv) subscribe(t *testing.T) *captureSub {
	t.Helper()
	sub := &captureSub{}
	_, err := env.hub.Subscribe(sub)
	require.NoError(t, err)
	return sub
}

func (env *testEnv) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	assert.Equal(t, rec.Code, env.Status)
	return env
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var errs []xhttp.AppError
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &errs))
	require.NotEmpty(t, errs)
	return errs[0].Code
}

func TestWebhookBatch(t *testing.T) {
	env := newTestEnv(t, testSecret, nil)
	sub := env.subscribe(t)

	rec := env.do(http.MethodPost, "/api/pulse/webhook/"+testSecret,
		`[{"symbol":"btc","volume_z":3.1,"usd":1300000}, 42, {"ticker":"eth"}]`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"received":3}`, string(decodeEnvelope(t, rec).Data))

	got := sub.received()
	require.Len(t, got, 3)
	assert.Equal(t, "btc", got[0].Symbol)
	assert.Equal(t, "anomaly z3.1 $1.3M", got[0].Signal)
	assert.Equal(t, pulse.DefaultSymbol, got[1].Symbol)
	assert.Equal(t, "eth", got[2].Symbol)
}

func TestWebhookFeedSetsDefaultSource(t *testing.T) {
	env := newTestEnv(t, testSecret, nil)
	sub := env.subscribe(t)

	rec := env.do(http.MethodPost, "/api/pulse/webhook/tradingview/"+testSecret, `{"symbol":"SOL"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sub.received(), 1)
	assert.Equal(t, "tradingview", sub.received()[0].Source)
}

func TestWebhookSecretLocations(t *testing.T) {
	env := newTestEnv(t, testSecret, nil)
	sub := env.subscribe(t)

	assert.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/pulse/webhook/x?secret="+testSecret, `{}`).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/pulse/webhook/x", `{"secret":"`+testSecret+`"}`).Code)
	assert.Len(t, sub.received(), 2)
}

func TestWebhookRejectsWrongSecret(t *testing.T) {
	env := newTestEnv(t, testSecret, nil)
	sub := env.subscribe(t)

	rec := env.do(http.MethodPost, "/api/pulse/webhook/nope", `{"symbol":"BTC"}`)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "ERR_UNAUTHORIZED", errorCode(t, rec))
	assert.Empty(t, sub.received())
}

func TestWebhookNonJSON(t *testing.T) {
	env := newTestEnv(t, testSecret, nil)
	sub := env.subscribe(t)

	bad := env.do(http.MethodPost, "/api/pulse/webhook/"+testSecret, `symbol=BTC`)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
	assert.Equal(t, "ERR_BAD_REQUEST", errorCode(t, bad))

	// authorization is decided before the body is judged
	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodPost, "/api/pulse/webhook/nope", `symbol=BTC`).Code)
	assert.Empty(t, sub.received())
}

func TestIngestionDisabledWithoutSecret(t *testing.T) {
	env := newTestEnv(t, "", nil)
	sub := env.subscribe(t)

	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodPost, "/api/pulse/webhook/anything", `{}`).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodPost, "/api/pulse/emit", `{"secret":""}`).Code)
	assert.Empty(t, sub.received())
}

func TestEmit(t *testing.T) {
	env := newTestEnv(t, testSecret, nil)
	sub := env.subscribe(t)

	rec := env.do(http.MethodPost, "/api/pulse/emit",
		`{"secret":"`+testSecret+`","symbol":"eth","signal":"breakout","validity":0.7,"side":"sell"}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := sub.received()
	require.Len(t, got, 1)
	assert.Equal(t, "eth", got[0].Symbol)
	assert.Equal(t, "breakout", got[0].Signal)
	assert.Equal(t, "manual", got[0].Source)
	assert.Equal(t, models.SideShort, got[0].Side)
	assert.InDelta(t, 0.7, got[0].Validity, 1e-9)
}

func TestEmitQuerySecret(t *testing.T) {
	env := newTestEnv(t, testSecret, nil)
	sub := env.subscribe(t)

	rec := env.do(http.MethodPost, "/api/pulse/emit?secret="+testSecret, `{"payload":{"pair":"PEPE"}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sub.received(), 1)
	assert.Equal(t, "PEPE", sub.received()[0].Symbol)
}

func TestEmitValidation(t *testing.T) {
	env := newTestEnv(t, testSecret, nil)
	sub := env.subscribe(t)

	rec := env.do(http.MethodPost, "/api/pulse/emit", `{"secret":"`+testSecret+`","validity":2}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/api/pulse/emit", `{"secret":"wrong","validity":2}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, sub.received())
}

func TestFallback(t *testing.T) {
	gen := &stubGenerator{items: []map[string]any{
		{"symbol": "BTC", "validity": 0.9, "signal": "funding flip"},
		{"symbol": "ETH", "validity": 0.5},
		{"symbol": "SOL", "volume_z": 4},
	}}
	env := newTestEnv(t, testSecret, gen)
	sub := env.subscribe(t)

	rec := env.do(http.MethodPost, "/api/pulse/fallback", `{"secret":"`+testSecret+`"}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"ok":true,"generated":3,"broadcast":1}`, string(decodeEnvelope(t, rec).Data))
	require.Len(t, sub.received(), 1)
	assert.Equal(t, "BTC", sub.received()[0].Symbol)
	assert.Equal(t, "fallback", sub.received()[0].Source)
}

func TestFallbackMinValidityZero(t *testing.T) {
	env := newTestEnv(t, testSecret, &stubGenerator{items: []map[string]any{
		{"symbol": "ETH", "validity": 0.5},
	}})
	sub := env.subscribe(t)

	rec := env.do(http.MethodPost, "/api/pulse/fallback", `{"secret":"`+testSecret+`","min_validity":0}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"ok":true,"generated":1,"broadcast":1}`, string(decodeEnvelope(t, rec).Data))
	require.Len(t, sub.received(), 1)
	assert.InDelta(t, 0.5, sub.received()[0].Validity, 1e-9)

	rec = env.do(http.MethodPost, "/api/pulse/fallback", `{"secret":"`+testSecret+`","min_validity":1.5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFallbackUpstreamError(t *testing.T) {
	env := newTestEnv(t, testSecret, &stubGenerator{err: errors.New("rate limited upstream")})
	sub := env.subscribe(t)

	rec := env.do(http.MethodPost, "/api/pulse/fallback", `{"secret":"`+testSecret+`","max":2}`)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "ERR_UPSTREAM", errorCode(t, rec))
	assert.Empty(t, sub.received())
}

func TestFallbackMaxOutOfRange(t *testing.T) {
	env := newTestEnv(t, testSecret, &stubGenerator{})

	rec := env.do(http.MethodPost, "/api/pulse/fallback", `{"secret":"`+testSecret+`","max":11}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemory(ratelimit.Policy{Limit: 2, Window: time.Minute}, clockwork.NewFakeClock())
	env := newTestEnv(t, testSecret, nil, WithIngestLimit(middleware.RateLimit(limiter, 10, nil)))

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/pulse/webhook/"+testSecret, `{}`).Code)
	}
	rec := env.do(http.MethodPost, "/api/pulse/webhook/"+testSecret, `{}`)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "ERR_RATE_LIMITED", errorCode(t, rec))
	assert.Equal(t, "10", rec.Header().Get("Retry-After"))

	// streams and stats are not limited
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/pulse/stats", "").Code)
}

func TestStatsAndHealth(t *testing.T) {
	env := newTestEnv(t, testSecret, nil)
	env.subscribe(t)

	rec := env.do(http.MethodGet, "/api/pulse/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"subscribers":1}`, string(decodeEnvelope(t, rec).Data))

	for _, path := range []string{"/", "/health"} {
		rec = env.do(http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"ok":true,"service":"pulsescout"}`, rec.Body.String())
	}
}

func readSSE(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			return name, data
		}
	}
}

func TestStreamSSE(t *testing.T) {
	env := newTestEnv(t, testSecret, nil)
	srv := httptest.NewServer(env.e)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/pulse/stream")
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", resp.Header.Get(echo.HeaderContentType))
	r := bufio.NewReader(resp.Body)

	name, data := readSSE(t, r)
	assert.Equal(t, pulse.EventReady, name)
	assert.JSONEq(t, `{"ok":true,"hello":"PulseScout SSE connected"}`, data)
	assert.Equal(t, 1, env.hub.Len())

	post, err := http.Post(srv.URL+"/api/pulse/webhook/"+testSecret, echo.MIMEApplicationJSON,
		strings.NewReader(`{"symbol":"BTC","signal":"whale"}`))
	require.NoError(t, err)
	post.Body.Close()

	name, data = readSSE(t, r)
	assert.Equal(t, pulse.EventMessage, name)
	var a models.Alert
	require.NoError(t, json.Unmarshal([]byte(data), &a))
	assert.Equal(t, "BTC", a.Symbol)
	assert.Equal(t, "whale", a.Signal)

	resp.Body.Close()
	assert.Eventually(t, func() bool { return env.hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamWebSocket(t *testing.T) {
	env := newTestEnv(t, testSecret, nil)
	srv := httptest.NewServer(env.e)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/pulse/ws", nil)
	require.NoError(t, err)

	var frame struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, pulse.EventReady, frame.Event)
	assert.JSONEq(t, `{"ok":true,"hello":"PulseScout SSE connected"}`, string(frame.Data))

	post, err := http.Post(srv.URL+"/api/pulse/webhook/"+testSecret, echo.MIMEApplicationJSON,
		strings.NewReader(`{"symbol":"ETH"}`))
	require.NoError(t, err)
	post.Body.Close()

	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, pulse.EventMessage, frame.Event)
	assert.Contains(t, string(frame.Data), `"symbol":"ETH"`)

	conn.Close()
	assert.Eventually(t, func() bool { return env.hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestOriginChecker(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/api/pulse/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, originChecker(nil)(req("https://evil.example")))
	assert.True(t, originChecker([]string{"*"})(req("https://evil.example")))

	check := originChecker([]string{"https://app.example"})
	assert.True(t, check(req("https://APP.example")))
	assert.True(t, check(req("")))
	assert.False(t, check(req("https://evil.example")))
}
