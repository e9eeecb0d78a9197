package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	domrepo "PulseScout/internal/domain/repository"
	applogger "PulseScout/pkg/logger"
)

var ErrUnparseable = errors.New("generator: no alert array in model output")

const systemPrompt = "You are a crypto market anomaly scanner. " +
	"Reply with a JSON array only, no prose. Each element is an object with keys: " +
	"source, symbol, signal, validity (0..1), side (long|short|neutral), notes."

// Completer returns the model's text answer for a system and user prompt.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// BreakerConfig tunes the circuit breaker around the completer.
type BreakerConfig struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

// Generator produces raw alert candidates for the fallback path.
type Generator struct {
	completer Completer
	cb        *gobreaker.CircuitBreaker
	l         *applogger.Logger
}

func New(completer Completer, bc BreakerConfig, l *applogger.Logger) *Generator {
	if bc.MaxFailures == 0 {
		bc.MaxFailures = 5
	}
	if bc.OpenTimeout <= 0 {
		bc.OpenTimeout = 30 * time.Second
	}
	if l == nil {
		l = applogger.Nop()
	}
	g := &Generator{completer: completer, l: l}
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "generator",
		MaxRequests: 1,
		Timeout:     bc.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bc.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.Warn("circuit breaker state changed",
				applogger.String("component", name),
				applogger.String("from", from.String()),
				applogger.String("to", to.String()),
			)
		},
	})
	return g
}

// Generate asks for up to max alerts about symbols. Items are raw maps for the normalizer.
func (g *Generator) Generate(ctx context.Context, symbols []string, max int) ([]map[string]any, error) {
	out, err := g.cb.Execute(func() (interface{}, error) {
		return g.completer.Complete(ctx, systemPrompt, BuildPrompt(symbols, max))
	})
	if err != nil {
		return nil, fmt.Errorf("generate alerts: %w", err)
	}
	items, err := ParseAlerts(out.(string))
	if err != nil {
		g.l.Debug("unparseable generator output", applogger.Int("bytes", len(out.(string))))
		return nil, err
	}
	return items, nil
}

// State exposes the breaker state.
func (g *Generator) State() gobreaker.State { return g.cb.State() }

// BuildPrompt is the user prompt for a fallback request.
func BuildPrompt(symbols []string, max int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Produce up to %d short market anomaly alerts", max)
	if len(symbols) > 0 {
		fmt.Fprintf(&b, " for these symbols: %s", strings.Join(symbols, ", "))
	}
	b.WriteString(". Only include alerts you would rate with validity of at least 0.5.")
	return b.String()
}

// ParseAlerts extracts the JSON alert array from model text. It tolerates code fences,
// surrounding prose and an {"alerts": [...]} wrapper. Non-object elements are skipped.
func ParseAlerts(text string) ([]map[string]any, error) {
	text = strings.TrimSpace(stripFences(text))

	var body any
	if err := decode(text, &body); err != nil {
		start, end := strings.Index(text, "["), strings.LastIndex(text, "]")
		if start < 0 || end <= start {
			return nil, ErrUnparseable
		}
		if err := decode(text[start:end+1], &body); err != nil {
			return nil, ErrUnparseable
		}
	}

	if obj, ok := body.(map[string]any); ok {
		body = obj["alerts"]
	}
	arr, ok := body.([]any)
	if !ok {
		return nil, ErrUnparseable
	}
	items := make([]map[string]any, 0, len(arr))
	for _, it := range arr {
		if m, ok := it.(map[string]any); ok {
			items = append(items, m)
		}
	}
	return items, nil
}

func decode(s string, v any) error {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data")
	}
	return nil
}

func stripFences(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return rest
}

var _ domrepo.AlertGenerator = (*Generator)(nil)
