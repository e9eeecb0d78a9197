package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"PulseScout/internal/domain/models"
	"PulseScout/internal/service/pulse"
	"PulseScout/internal/usecase"
	xhttp "PulseScout/pkg/http"
	xlogger "PulseScout/pkg/logger"
)

// PulseHandler serves alert ingestion and the subscriber streams.
type PulseHandler struct {
	logger       *xlogger.Logger
	hub          *pulse.Hub
	ingestor     *usecase.AlertIngestor
	limit        echo.MiddlewareFunc
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
}

// PulseOption configures PulseHandler.
type PulseOption func(*PulseHandler)

// WithIngestLimit guards the ingestion routes.
func WithIngestLimit(mw echo.MiddlewareFunc) PulseOption {
	return func(h *PulseHandler) { h.limit = mw }
}

// WithStreamWriteTimeout bounds each write to a stream connection.
func WithStreamWriteTimeout(d time.Duration) PulseOption {
	return func(h *PulseHandler) { h.writeTimeout = d }
}

// WithAllowedOrigins restricts websocket upgrades. Empty or "*" allows any origin.
func WithAllowedOrigins(origins []string) PulseOption {
	return func(h *PulseHandler) { h.upgrader.CheckOrigin = originChecker(origins) }
}

func NewPulseHandler(logger *xlogger.Logger, hub *pulse.Hub, ingestor *usecase.AlertIngestor, opts ...PulseOption) *PulseHandler {
	h := &PulseHandler{
		logger:       logger,
		hub:          hub,
		ingestor:     ingestor,
		writeTimeout: pulse.DefaultWriteTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(nil),
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = xlogger.Nop()
	}
	return h
}

func (h *PulseHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/", h.Health)
	e.GET("/health", h.Health)

	g := e.Group("/api/pulse")
	g.GET("/stream", h.Stream)
	g.GET("/ws", h.WebSocket)
	g.GET("/stats", h.Stats)

	var mws []echo.MiddlewareFunc
	if h.limit != nil {
		mws = append(mws, h.limit)
	}
	g.POST("/webhook/:secret", h.Webhook, mws...)
	g.POST("/webhook/:feed/:secret", h.Webhook, mws...)
	g.POST("/emit", h.Emit, mws...)
	g.POST("/fallback", h.Fallback, mws...)
}

func (h *PulseHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "service": "pulsescout"})
}

func (h *PulseHandler) Stats(c echo.Context) error {
	return xhttp.SuccessResponse(c, map[string]int{"subscribers": h.ingestor.Subscribers()})
}

// Webhook accepts one raw alert object or an array of them.
func (h *PulseHandler) Webhook(c echo.Context) error {
	b, err := io.ReadAll(c.Request().Body)
	if err != nil {
		// body limit exceeded surfaces here as an echo.HTTPError
		return err
	}
	body, decErr := usecase.DecodeBody(b)

	if err := h.ingestor.Authorize(c.Param("secret"), c.QueryParam("secret"), bodySecret(body)); err != nil {
		return unauthorized(c)
	}
	if decErr != nil {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError("body must be JSON").WithError(decErr))
	}

	n := h.ingestor.Ingest(c.Request().Context(), usecase.OriginWebhook, c.Param("feed"), body)
	return xhttp.SuccessResponse(c, models.IngestResult{OK: true, Received: n})
}

func (h *PulseHandler) Emit(c echo.Context) error {
	req := &models.EmitRequest{}
	verr := xhttp.ReadAndValidateRequest(c, req)
	if err := h.ingestor.Authorize(req.Secret, c.QueryParam("secret")); err != nil {
		return unauthorized(c)
	}
	if verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	a := h.ingestor.Emit(c.Request().Context(), req)
	return xhttp.SuccessResponse(c, map[string]any{"ok": true, "alert": a})
}

func (h *PulseHandler) Fallback(c echo.Context) error {
	req := &models.FallbackRequest{}
	verr := xhttp.ReadAndValidateRequest(c, req)
	if err := h.ingestor.Authorize(req.Secret, c.QueryParam("secret")); err != nil {
		return unauthorized(c)
	}
	if verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	res, err := h.ingestor.Fallback(c.Request().Context(), req)
	if err != nil {
		if errors.Is(err, usecase.ErrUpstream) {
			return xhttp.AppErrorResponse(c, xhttp.BadGatewayError("alert generation failed").WithError(err))
		}
		h.logger.Error("fallback usecase error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.SuccessResponse(c, res)
}

func unauthorized(c echo.Context) error {
	return xhttp.AppErrorResponse(c, xhttp.UnauthorizedError("invalid secret"))
}

func bodySecret(body any) string {
	m, ok := body.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m["secret"].(string)
	return s
}
