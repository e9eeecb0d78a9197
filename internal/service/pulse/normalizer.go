package pulse

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"PulseScout/internal/domain/models"
	"PulseScout/pkg/util"
)

const (
	DefaultSource   = "unknown"
	DefaultSymbol   = "UNKNOWN"
	DefaultSignal   = "anomaly"
	DefaultValidity = 0.86

	maxDerivedValidity = 0.99
)

// Candidate keys per canonical field, first present wins.
// Supporting a new feed vocabulary means adding a key here.
var (
	sourceKeys   = []string{"source", "feed", "_source"}
	symbolKeys   = []string{"symbol", "ticker", "pair", "token"}
	signalKeys   = []string{"signal", "event", "reason"}
	sideKeys     = []string{"side", "bias"}
	notesKeys    = []string{"notes", "message", "desc", "description"}
	validityKeys = []string{"validity", "confidence"}
	scoreKeys    = []string{"volume_z", "z", "score"}
	tsKeys       = []string{"ts", "timestamp", "time", "t"}
)

// signalSuffix appends a short numeric token to the signal label.
type signalSuffix struct {
	keys   []string
	format func(float64) string
}

var signalSuffixes = []signalSuffix{
	{keys: []string{"volume_z", "z"}, format: func(v float64) string { return "z" + strconv.FormatFloat(v, 'f', 1, 64) }},
	{keys: []string{"usd", "amount_usd", "value_usd", "volume_usd"}, format: compactUSD},
}

var sideAliases = map[string]models.Side{
	"long":    models.SideLong,
	"buy":     models.SideLong,
	"bull":    models.SideLong,
	"bullish": models.SideLong,
	"short":   models.SideShort,
	"sell":    models.SideShort,
	"bear":    models.SideShort,
	"bearish": models.SideShort,
	"neutral": models.SideNeutral,
}

// Normalizer maps loosely structured feed payloads onto models.Alert.
type Normalizer struct {
	clock clockwork.Clock
}

// NewNormalizer creates a normalizer stamping missing timestamps from clock.
func NewNormalizer(clock clockwork.Clock) *Normalizer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Normalizer{clock: clock}
}

// Normalize never fails: missing or malformed fields resolve to defaults.
func (n *Normalizer) Normalize(raw map[string]any) models.Alert {
	a := models.Alert{
		TS:       n.timestamp(raw),
		Source:   firstString(raw, sourceKeys, DefaultSource),
		Symbol:   firstString(raw, symbolKeys, DefaultSymbol),
		Signal:   enrichSignal(raw, firstString(raw, signalKeys, DefaultSignal)),
		Validity: validity(raw),
		Side:     side(raw),
		Notes:    firstString(raw, notesKeys, ""),
	}
	return a
}

func (n *Normalizer) timestamp(raw map[string]any) time.Time {
	for _, k := range tsKeys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		if f, ok := toFloat(v); ok {
			if t, ok := util.ParseEpoch(f); ok {
				return t
			}
			continue
		}
		if s, ok := v.(string); ok {
			if t, ok := util.ParseTime(s); ok {
				return t
			}
		}
	}
	return n.clock.Now().UTC()
}

func validity(raw map[string]any) float64 {
	if v, ok := firstFloat(raw, validityKeys); ok {
		return clamp(0, 1, v)
	}
	if z, ok := firstFloat(raw, scoreKeys); ok {
		return ValidityFromScore(z)
	}
	return DefaultValidity
}

// ValidityFromScore squashes an unbounded z-score into [0, 0.99], 0.5 at zero.
func ValidityFromScore(z float64) float64 {
	return clamp(0, maxDerivedValidity, 0.5+math.Tanh(z/4)*0.4)
}

func side(raw map[string]any) models.Side {
	s := strings.ToLower(firstString(raw, sideKeys, ""))
	if sd, ok := sideAliases[s]; ok {
		return sd
	}
	return models.SideNeutral
}

func enrichSignal(raw map[string]any, signal string) string {
	for _, sfx := range signalSuffixes {
		v, ok := firstFloat(raw, sfx.keys)
		if !ok {
			continue
		}
		token := sfx.format(v)
		if strings.Contains(signal, token) {
			continue
		}
		signal += " " + token
	}
	return signal
}

func firstString(raw map[string]any, keys []string, def string) string {
	for _, k := range keys {
		if s, ok := toString(raw[k]); ok {
			return s
		}
	}
	return def
}

func firstFloat(raw map[string]any, keys []string) (float64, bool) {
	for _, k := range keys {
		if f, ok := toFloat(raw[k]); ok {
			return f, true
		}
	}
	return 0, false
}

func toString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case json.Number:
		return t.String(), true
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return "", false
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	}
	return "", false
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		x, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = x
	case string:
		x, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = x
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func clamp(lo, hi, v float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func compactUSD(v float64) string {
	abs := math.Abs(v)
	switch {
	case abs >= 1e9:
		return "$" + strconv.FormatFloat(v/1e9, 'f', 1, 64) + "B"
	case abs >= 1e6:
		return "$" + strconv.FormatFloat(v/1e6, 'f', 1, 64) + "M"
	case abs >= 1e3:
		return "$" + strconv.FormatFloat(v/1e3, 'f', 1, 64) + "K"
	}
	return "$" + strconv.FormatFloat(v, 'f', 0, 64)
}

// WithDefaultSource returns a copy of raw carrying src as source when no source key is set.
func WithDefaultSource(raw map[string]any, src string) map[string]any {
	if src == "" {
		return raw
	}
	if firstString(raw, sourceKeys, "") != "" {
		return raw
	}
	out := make(map[string]any, len(raw)+1)
	for k, v := range raw {
		out[k] = v
	}
	out["source"] = src
	return out
}
