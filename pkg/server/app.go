package server

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"PulseScout/internal/service/pulse"
	"PulseScout/pkg/config"
	xhttp "PulseScout/pkg/http"
	pkgkafka "PulseScout/pkg/kafka"
	applogger "PulseScout/pkg/logger"
)

// Closer is any infrastructure client released at shutdown.
type Closer = io.Closer

// App encapsulates the entire application lifecycle.
type App struct {
	cfg        *config.Config
	l          *applogger.Logger
	hub        *pulse.Hub
	httpServer *xhttp.Server
	consumer   *pkgkafka.Consumer
	kh         pkgkafka.MessageHandler
	closers    []namedCloser
}

type namedCloser struct {
	name string
	c    Closer
}

// New creates a new App instance with all dependencies. consumer and kh may be nil.
func New(
	cfg *config.Config,
	l *applogger.Logger,
	hub *pulse.Hub,
	httpServer *xhttp.Server,
	consumer *pkgkafka.Consumer,
	kh pkgkafka.MessageHandler,
) *App {
	if l == nil {
		l = applogger.Nop()
	}
	return &App{
		cfg:        cfg,
		l:          l,
		hub:        hub,
		httpServer: httpServer,
		consumer:   consumer,
		kh:         kh,
	}
}

// OnClose registers a client closed after the servers stop, in registration order.
func (a *App) OnClose(name string, c Closer) {
	if c != nil {
		a.closers = append(a.closers, namedCloser{name: name, c: c})
	}
}

// Run starts the application and blocks until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

// RunContext starts the application and blocks until ctx is done.
func (a *App) RunContext(ctx context.Context) error {
	// Start consumer if configured
	if a.consumer != nil && a.kh != nil {
		a.consumer.RegisterHandler(a.kh)
		if err := a.consumer.Start(); err != nil {
			a.l.Error("kafka consumer error", applogger.Error(err))
			return err
		}
		a.l.Info("kafka consumer started", applogger.String("topic", a.kh.Topic()))
	}

	// Start HTTP server
	if err := a.httpServer.Start(); err != nil {
		a.l.Error("http server start error", applogger.Error(err))
		if serr := a.shutdown(); serr != nil {
			a.l.Warn("shutdown after failed start", applogger.Error(serr))
		}
		return err
	}
	if a.cfg.Pulse.Secret == "" {
		a.l.Warn("pulse secret is not set, ingestion endpoints will reject every request")
	}

	<-ctx.Done()
	a.l.Info("shutdown signal received")
	return a.shutdown()
}

// shutdown gracefully stops all services.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stream handlers only return once their subscription closes
	if a.hub != nil {
		a.hub.Shutdown()
	}

	if err := a.httpServer.Stop(ctx); err != nil {
		a.l.Error("http shutdown error", applogger.Error(err))
	}

	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			a.l.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}

	for _, nc := range a.closers {
		if err := nc.c.Close(); err != nil {
			a.l.Warn("close error", applogger.String("component", nc.name), applogger.Error(err))
		}
	}

	a.l.Info("shutdown complete")
	return nil
}
