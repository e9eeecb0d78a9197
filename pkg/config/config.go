package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string `yaml:"environment" default:"development"`
	Server      struct {
		Host            string        `yaml:"host" default:"0.0.0.0"`
		Port            int           `yaml:"port" default:"8080"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"15s"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
		BodyLimit       string        `yaml:"body_limit" default:"1M"`
		SlowThreshold   time.Duration `yaml:"slow_threshold" default:"1s"`
	} `yaml:"server"`
	Pulse struct {
		Secret            string        `yaml:"secret"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval" default:"25s"`
		WriteTimeout      time.Duration `yaml:"write_timeout" default:"5s"`
	} `yaml:"pulse"`
	RateLimit struct {
		Enabled bool          `yaml:"enabled" default:"true"`
		Limit   int           `yaml:"limit" default:"40"`
		Window  time.Duration `yaml:"window" default:"10s"`
	} `yaml:"ratelimit"`
	Redis struct {
		Enabled      bool          `yaml:"enabled"`
		Addr         string        `yaml:"addr" default:"localhost:6379"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size" default:"10"`
		MinIdleConns int           `yaml:"min_idle_conns" default:"2"`
		PoolTimeout  time.Duration `yaml:"pool_timeout" default:"4s"`
		Prefix       string        `yaml:"prefix" default:"pulsescout"`
	} `yaml:"redis"`
	Kafka struct {
		Brokers      []string `yaml:"brokers"`
		RequiredAcks int      `yaml:"required_acks" default:"1"`
		Compression  string   `yaml:"compression" default:"snappy"`
		Feed         struct {
			Enabled bool   `yaml:"enabled" default:"true"`
			Topic   string `yaml:"topic" default:"pulse.alerts.raw"`
			Source  string `yaml:"source" default:"kafka"`
		} `yaml:"feed"`
		Relay struct {
			Enabled bool   `yaml:"enabled" default:"true"`
			Topic   string `yaml:"topic" default:"pulse.alerts"`
		} `yaml:"relay"`
		Producer struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"3"`
			Linger       time.Duration `yaml:"linger" default:"50ms"`
			BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
			BatchSize    int           `yaml:"batch_size" default:"100"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
			ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
			Async        bool          `yaml:"async" default:"true"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID         string        `yaml:"group_id" default:"pulsescout"`
			AutoOffsetReset string        `yaml:"auto_offset_reset" default:"latest"`
			Workers         int           `yaml:"workers" default:"4"`
			BufferSize      int           `yaml:"buffer_size" default:"256"`
			RetryMax        int           `yaml:"retry_max" default:"3"`
			BackoffMin      time.Duration `yaml:"backoff_min" default:"100ms"`
			BackoffMax      time.Duration `yaml:"backoff_max" default:"2s"`
			DLQTopic        string        `yaml:"dlq_topic" default:"pulse.alerts.dlq"`
			MinBytes        int           `yaml:"min_bytes" default:"1"`
			MaxBytes        int           `yaml:"max_bytes" default:"10485760"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	Generator struct {
		APIKey      string        `yaml:"api_key"`
		BaseURL     string        `yaml:"base_url"`
		Model       string        `yaml:"model" default:"gpt-4.1-mini"`
		Timeout     time.Duration `yaml:"timeout" default:"15s"`
		MaxRetries  int           `yaml:"max_retries" default:"1"`
		Temperature float64       `yaml:"temperature" default:"0.2"`
		MaxTokens   int64         `yaml:"max_tokens" default:"500"`
		Breaker     struct {
			MaxFailures uint32        `yaml:"max_failures" default:"5"`
			OpenTimeout time.Duration `yaml:"open_timeout" default:"30s"`
		} `yaml:"breaker"`
	} `yaml:"generator"`
	CORS struct {
		Enabled bool     `yaml:"enabled" default:"true"`
		Origins []string `yaml:"origins" default:"[\"*\"]"`
	} `yaml:"cors"`
	Metrics struct {
		Enabled bool   `yaml:"enabled" default:"true"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`
	Log struct {
		Level     string `yaml:"level" default:"info"`
		Format    string `yaml:"format" default:"json"`
		Output    string `yaml:"output" default:"stdout"`
		Collector struct {
			Enabled   bool          `yaml:"enabled"`
			Topic     string        `yaml:"topic" default:"pulse.logs"`
			Interval  time.Duration `yaml:"interval" default:"30s"`
			Threshold int           `yaml:"threshold" default:"100"`
		} `yaml:"collector"`
	} `yaml:"log"`
}

// KafkaEnabled reports whether any brokers are configured.
func (c *Config) KafkaEnabled() bool { return len(c.Kafka.Brokers) > 0 }

// GeneratorEnabled reports whether the generative fallback has credentials.
func (c *Config) GeneratorEnabled() bool { return c.Generator.APIKey != "" }

// Load reads a YAML configuration file over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	c, err := load(path)
	if err != nil {
		return nil, err
	}

	// Validate required fields
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return c, nil
}

func load(path string) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if path == "" {
		return &c, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
// A missing file is tolerated so the service can run from the environment alone.
func LoadWithEnv(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	c, err := load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables
	if err := c.applyEnv(); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PULSE_SECRET"); v != "" {
		c.Pulse.Secret = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Generator.APIKey = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		c.Generator.Model = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Enabled = true
		c.Redis.Addr = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.CORS.Origins = splitList(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Pulse.HeartbeatInterval <= 0 {
		return fmt.Errorf("pulse.heartbeat_interval must be positive")
	}
	if c.Pulse.WriteTimeout <= 0 {
		return fmt.Errorf("pulse.write_timeout must be positive")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("ratelimit.limit and ratelimit.window must be positive when enabled")
	}
	if c.Redis.Enabled {
		if _, _, err := net.SplitHostPort(c.Redis.Addr); err != nil {
			return fmt.Errorf("redis.addr: %w", err)
		}
	}
	if c.KafkaEnabled() {
		if c.Kafka.Feed.Enabled && c.Kafka.Feed.Topic == "" {
			return fmt.Errorf("kafka.feed.topic is required when the feed is enabled")
		}
		if c.Kafka.Feed.Enabled && c.Kafka.Consumer.GroupID == "" {
			return fmt.Errorf("kafka.consumer.group_id is required when the feed is enabled")
		}
		if c.Kafka.Relay.Enabled && c.Kafka.Relay.Topic == "" {
			return fmt.Errorf("kafka.relay.topic is required when the relay is enabled")
		}
	}
	if c.Generator.Temperature < 0 || c.Generator.Temperature > 2 {
		return fmt.Errorf("generator.temperature must be in 0..2, got %v", c.Generator.Temperature)
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
