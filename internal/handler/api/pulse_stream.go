package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"PulseScout/internal/service/pulse"
	xlogger "PulseScout/pkg/logger"
)

const wsReadLimit = 4096

// Stream holds an SSE connection open as a hub subscriber until the client goes away.
func (h *PulseHandler) Stream(c echo.Context) error {
	res := c.Response()
	hdr := res.Header()
	hdr.Set(echo.HeaderContentType, "text/event-stream")
	hdr.Set(echo.HeaderCacheControl, "no-cache")
	hdr.Set(echo.HeaderConnection, "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(res)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("sse flush unsupported", xlogger.Error(err))
		return nil
	}

	sub, err := h.hub.Subscribe(&sseSubscriber{w: res, rc: rc, timeout: h.writeTimeout})
	if err != nil {
		h.logger.Debug("sse subscribe failed", xlogger.Error(err))
		return nil
	}
	defer sub.Detach()

	select {
	case <-c.Request().Context().Done():
	case <-sub.Done():
	}
	return nil
}

// WebSocket is the same subscription over a websocket, one JSON text frame per event.
func (h *PulseHandler) WebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already replied
		h.logger.Debug("websocket upgrade failed", xlogger.Error(err))
		return nil
	}
	defer conn.Close()

	sub, err := h.hub.Subscribe(&wsSubscriber{conn: conn, timeout: h.writeTimeout})
	if err != nil {
		h.logger.Debug("websocket subscribe failed", xlogger.Error(err))
		return nil
	}
	defer sub.Detach()

	conn.SetReadLimit(wsReadLimit)
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	<-sub.Done()
	return nil
}

type sseSubscriber struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration
}

func (s *sseSubscriber) WriteEvent(ev pulse.Event) error {
	if s.timeout > 0 {
		// not every writer supports deadlines; the hub still bounds the wait
		_ = s.rc.SetWriteDeadline(time.Now().Add(s.timeout))
	}
	if _, err := s.w.Write(ev.SSE()); err != nil {
		return err
	}
	return s.rc.Flush()
}

type wsSubscriber struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func (s *wsSubscriber) WriteEvent(ev pulse.Event) error {
	if s.timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteJSON(ev)
}

func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			allowed[strings.ToLower(o)] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[strings.ToLower(origin)]
		return ok
	}
}
