package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"PulseScout/pkg/http/middleware"
	applogger "PulseScout/pkg/logger"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler registers its routes on the echo instance.
type Handler interface {
	RegisterRoutes(e *echo.Echo)
}

// ServerOption configures Server.
type ServerOption func(*ServerConfig)

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORS            bool
	CORSOrigins     []string
	BodyLimit       string
	MetricsPath     string
	SlowThreshold   time.Duration
	Logger          *applogger.Logger
}

// Server wraps Echo HTTP server.
type Server struct {
	echo   *echo.Echo
	config *ServerConfig
	l      *applogger.Logger
	bound  atomic.Value // string
}

// NewServer creates a new HTTP server with Echo.
// A zero WriteTimeout leaves long-lived streams to their own per-write deadlines.
func NewServer(handler Handler, opts ...ServerOption) *Server {
	cfg := &ServerConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    0,
		ShutdownTimeout: 10 * time.Second,
		CORS:            true,
		CORSOrigins:     []string{"*"},
		BodyLimit:       "1M",
		MetricsPath:     "/metrics",
		SlowThreshold:   time.Second,
	}

	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = applogger.Nop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.WriteTimeout = cfg.WriteTimeout

	e.HTTPErrorHandler = errorHandler(cfg.Logger)

	e.Use(middleware.Observe(cfg.Logger, cfg.SlowThreshold))
	e.Use(middleware.Recover(cfg.Logger))
	if cfg.BodyLimit != "" {
		e.Use(echomw.BodyLimit(cfg.BodyLimit))
	}

	if cfg.CORS {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
			AllowOrigins: cfg.CORSOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{
				echo.HeaderOrigin,
				echo.HeaderContentType,
				echo.HeaderAccept,
				echo.HeaderAuthorization,
			},
		}))
	}

	if handler != nil {
		handler.RegisterRoutes(e)
	}

	if cfg.MetricsPath != "" {
		e.GET(cfg.MetricsPath, echo.WrapHandler(promhttp.Handler()))
	}

	return &Server{
		echo:   e,
		config: cfg,
		l:      cfg.Logger,
	}
}

// errorHandler renders errors that reach echo, such as unknown routes, oversized
// bodies and recovered panics, in the same envelope as handler errors.
func errorHandler(l *applogger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		var appErr *AppError
		var he *echo.HTTPError
		switch {
		case errors.As(err, &appErr):
		case errors.As(err, &he):
			appErr = NewAppError(httpErrorCode(he.Code), "", fmt.Sprint(he.Message), he.Code)
		default:
			l.Error("http unhandled error", applogger.String("route", c.Path()), applogger.Error(err))
			appErr = InternalError("something went wrong")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(appErr.Status)
		} else {
			werr = AppErrorResponse(c, appErr)
		}
		if werr != nil {
			l.Warn("http write error response", applogger.Error(werr))
		}
	}
}

func httpErrorCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return "ERR_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "ERR_METHOD_NOT_ALLOWED"
	case http.StatusRequestEntityTooLarge:
		return "ERR_TOO_LARGE"
	case http.StatusUnauthorized:
		return "ERR_UNAUTHORIZED"
	case http.StatusTooManyRequests:
		return "ERR_RATE_LIMITED"
	}
	if status < 500 {
		return "ERR_BAD_REQUEST"
	}
	return "ERR_INTERNAL"
}

// Start binds the listen address and serves in the background.
// Bind errors are returned, serve errors are logged.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", addr, err)
	}
	s.echo.Listener = ln
	s.bound.Store(ln.Addr().String())
	s.l.Info("http server: listening", applogger.String("addr", ln.Addr().String()))

	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Error("http server error", applogger.Error(err))
		}
	}()
	return nil
}

// Addr is the bound address once Start returned, e.g. with port 0.
func (s *Server) Addr() string {
	addr, _ := s.bound.Load().(string)
	return addr
}

// Stop drains in-flight requests. Without a deadline on ctx, ShutdownTimeout applies.
func (s *Server) Stop(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok && s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.l.Info("http server: stopped")
	return nil
}

func (s *Server) Echo() *echo.Echo { return s.echo }

func WithHost(host string) ServerOption {
	return func(c *ServerConfig) { c.Host = host }
}

// WithPort sets the listen port. 0 picks a free one.
func WithPort(port int) ServerOption {
	return func(c *ServerConfig) { c.Port = port }
}

func WithTimeouts(read, write, shutdown time.Duration) ServerOption {
	return func(c *ServerConfig) {
		c.ReadTimeout, c.WriteTimeout, c.ShutdownTimeout = read, write, shutdown
	}
}

func WithCORS(enabled bool) ServerOption {
	return func(c *ServerConfig) { c.CORS = enabled }
}

// WithCORSOrigins restricts allowed origins. Empty keeps the wildcard.
func WithCORSOrigins(origins []string) ServerOption {
	return func(c *ServerConfig) {
		if len(origins) > 0 {
			c.CORSOrigins = origins
		}
	}
}

// WithBodyLimit caps request bodies, e.g. "1M". Empty disables the cap.
func WithBodyLimit(limit string) ServerOption {
	return func(c *ServerConfig) { c.BodyLimit = limit }
}

// WithMetricsPath sets where prometheus is exposed. Empty disables it.
func WithMetricsPath(path string) ServerOption {
	return func(c *ServerConfig) { c.MetricsPath = path }
}

func WithLogger(l *applogger.Logger) ServerOption {
	return func(c *ServerConfig) { c.Logger = l }
}

// WithSlowThreshold sets the latency above which a non-stream request is logged as slow.
func WithSlowThreshold(d time.Duration) ServerOption {
	return func(c *ServerConfig) { c.SlowThreshold = d }
}
