package di

import (
	"fmt"

	"github.com/jonboulle/clockwork"

	"PulseScout/internal/domain/repository"
	"PulseScout/internal/handler/api"
	mid "PulseScout/internal/middleware"
	internalrepo "PulseScout/internal/repository"
	"PulseScout/internal/service/generator"
	"PulseScout/internal/service/pulse"
	"PulseScout/internal/service/ratelimit"
	"PulseScout/internal/usecase"
	"PulseScout/pkg/cache"
	"PulseScout/pkg/config"
	xhttp "PulseScout/pkg/http"
	pkgkafka "PulseScout/pkg/kafka"
	applogger "PulseScout/pkg/logger"
	"PulseScout/pkg/metrics"
	"PulseScout/pkg/server"
)

// Greeting is the body of the ready event sent to every new subscriber.
var Greeting = map[string]any{"ok": true, "hello": "PulseScout SSE connected"}

// ProvideLogger creates the application logger. With the collector enabled and a producer
// available, error digests are published to kafka.
func ProvideLogger(cfg *config.Config, producer *pkgkafka.Producer) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	if cfg.Log.Collector.Enabled && producer != nil {
		l.AddCollector(&applogger.CollectionConfig{
			TimeInterval:   cfg.Log.Collector.Interval,
			CountThreshold: cfg.Log.Collector.Threshold,
			Topic:          cfg.Log.Collector.Topic,
			Publisher:      producer,
		})
	}
	return l, nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New(nil)
}

func ProvideClock() clockwork.Clock {
	return clockwork.NewRealClock()
}

// ProvideHub creates the broadcast hub shared by every transport.
func ProvideHub(cfg *config.Config, clock clockwork.Clock, l *applogger.Logger, m repository.Metrics) *pulse.Hub {
	return pulse.NewHub(
		pulse.WithClock(clock),
		pulse.WithHeartbeatInterval(cfg.Pulse.HeartbeatInterval),
		pulse.WithWriteTimeout(cfg.Pulse.WriteTimeout),
		pulse.WithGreeting(Greeting),
		pulse.WithLogger(l.With("hub")),
		pulse.WithMetrics(m),
	)
}

func ProvideNormalizer(clock clockwork.Clock) *pulse.Normalizer {
	return pulse.NewNormalizer(clock)
}

// ProvideRedis connects to redis when enabled. Nil otherwise.
func ProvideRedis(cfg *config.Config) (*cache.RedisCache, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	rc, err := cache.NewRedisCache(
		cache.WithRedisAddr(cfg.Redis.Addr),
		cache.WithRedisAuth(cfg.Redis.Password, cfg.Redis.DB),
		cache.WithRedisPool(cfg.Redis.PoolSize, cfg.Redis.MinIdleConns, cfg.Redis.PoolTimeout),
		cache.WithRedisPrefix(cfg.Redis.Prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return rc, nil
}

// ProvideLimiter picks the shared redis limiter when redis is up, the in-process one otherwise.
// Nil when rate limiting is disabled.
func ProvideLimiter(cfg *config.Config, rc *cache.RedisCache, clock clockwork.Clock, l *applogger.Logger) ratelimit.Limiter {
	if !cfg.RateLimit.Enabled {
		return nil
	}
	policy := ratelimit.Policy{Limit: cfg.RateLimit.Limit, Window: cfg.RateLimit.Window}
	if rc != nil {
		return ratelimit.NewRedis(rc, policy, clock, l.With("ratelimit"))
	}
	return ratelimit.NewMemory(policy, clock)
}

// ProvideKafkaProducer creates the relay producer. Nil when kafka or the relay is off.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if !cfg.KafkaEnabled() || !cfg.Kafka.Relay.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatchSize(cfg.Kafka.Producer.BatchSize),
		pkgkafka.WithBatchBytes(cfg.Kafka.Producer.BatchBytes),
		pkgkafka.WithBatchTimeout(cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideAlertRelay wraps the producer. Nil without a producer.
func ProvideAlertRelay(producer *pkgkafka.Producer, cfg *config.Config) repository.AlertRelay {
	if producer == nil {
		return nil
	}
	return internalrepo.NewKafkaAlertRelay(producer, cfg.Kafka.Relay.Topic)
}

// ProvideGenerator builds the generative fallback. Nil without an API key.
func ProvideGenerator(cfg *config.Config, l *applogger.Logger) repository.AlertGenerator {
	if !cfg.GeneratorEnabled() {
		return nil
	}
	completer := generator.NewOpenAICompleter(generator.OpenAIConfig{
		APIKey:      cfg.Generator.APIKey,
		BaseURL:     cfg.Generator.BaseURL,
		Model:       cfg.Generator.Model,
		Timeout:     cfg.Generator.Timeout,
		MaxRetries:  cfg.Generator.MaxRetries,
		Temperature: cfg.Generator.Temperature,
		MaxTokens:   cfg.Generator.MaxTokens,
	})
	return generator.New(completer, generator.BreakerConfig{
		MaxFailures: cfg.Generator.Breaker.MaxFailures,
		OpenTimeout: cfg.Generator.Breaker.OpenTimeout,
	}, l.With("generator"))
}

func ProvideAlertIngestor(
	cfg *config.Config,
	hub *pulse.Hub,
	normalizer *pulse.Normalizer,
	relay repository.AlertRelay,
	gen repository.AlertGenerator,
	m repository.Metrics,
	l *applogger.Logger,
) *usecase.AlertIngestor {
	return usecase.NewAlertIngestor(cfg.Pulse.Secret, hub, normalizer, relay, gen, m, l.With("ingest"))
}

// ProvideKafkaConsumer creates the feed consumer. Nil when kafka or the feed is off.
func ProvideKafkaConsumer(cfg *config.Config, m repository.Metrics, l *applogger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.KafkaEnabled() || !cfg.Kafka.Feed.Enabled {
		return nil, nil
	}
	cl := l.With("kafka")
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerAutoOffsetReset(cfg.Kafka.Consumer.AutoOffsetReset),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
		pkgkafka.WithConsumerLogger(cl),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.WithConsumerHook(usecase.NewFeedHook(m, cl))
	return consumer, nil
}

// ProvideKafkaAlertsHandler handles the feed topic. Nil when the consumer is off.
func ProvideKafkaAlertsHandler(cfg *config.Config, consumer *pkgkafka.Consumer, ingestor *usecase.AlertIngestor, m repository.Metrics) *usecase.KafkaAlertsHandler {
	if consumer == nil {
		return nil
	}
	return usecase.NewKafkaAlertsHandler(cfg.Kafka.Feed.Topic, cfg.Kafka.Feed.Source, ingestor, m)
}

func ProvidePulseHandler(
	cfg *config.Config,
	l *applogger.Logger,
	hub *pulse.Hub,
	ingestor *usecase.AlertIngestor,
	limiter ratelimit.Limiter,
) *api.PulseHandler {
	opts := []api.PulseOption{
		api.WithStreamWriteTimeout(cfg.Pulse.WriteTimeout),
		api.WithAllowedOrigins(cfg.CORS.Origins),
	}
	if limiter != nil {
		retryAfter := int(cfg.RateLimit.Window.Seconds())
		opts = append(opts, api.WithIngestLimit(mid.RateLimit(limiter, retryAfter, l)))
	}
	return api.NewPulseHandler(l.With("http"), hub, ingestor, opts...)
}

func ProvideHTTPServer(cfg *config.Config, l *applogger.Logger, h *api.PulseHandler) *xhttp.Server {
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	return xhttp.NewServer(h,
		xhttp.WithHost(cfg.Server.Host),
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithBodyLimit(cfg.Server.BodyLimit),
		xhttp.WithCORS(cfg.CORS.Enabled),
		xhttp.WithCORSOrigins(cfg.CORS.Origins),
		xhttp.WithMetricsPath(metricsPath),
		xhttp.WithSlowThreshold(cfg.Server.SlowThreshold),
		xhttp.WithLogger(l.With("http")),
	)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	hub *pulse.Hub,
	srv *xhttp.Server,
	consumer *pkgkafka.Consumer,
	kh *usecase.KafkaAlertsHandler,
	relay repository.AlertRelay,
	rc *cache.RedisCache,
) *server.App {
	var mh pkgkafka.MessageHandler
	if kh != nil {
		mh = kh
	}
	app := server.New(cfg, l, hub, srv, consumer, mh)
	// the collector flushes through the relay producer, so it closes first
	app.OnClose("log collector", l)
	if relay != nil {
		app.OnClose("kafka relay", relay)
	}
	if rc != nil {
		app.OnClose("redis", rc)
	}
	return app
}
