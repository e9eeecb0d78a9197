//go:build wireinject
// +build wireinject

package di

import (
	"PulseScout/pkg/config"
	"PulseScout/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Ambient
		ProvideLogger,
		ProvideMetrics,
		ProvideClock,

		// Infrastructure clients
		ProvideRedis,
		ProvideKafkaProducer,
		ProvideKafkaConsumer,

		// Services and repositories
		ProvideHub,
		ProvideNormalizer,
		ProvideLimiter,
		ProvideAlertRelay,
		ProvideGenerator,

		// Use cases
		ProvideAlertIngestor,
		ProvideKafkaAlertsHandler,

		// Transport
		ProvidePulseHandler,
		ProvideHTTPServer,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
