package models

// Requests for pulse ingestion endpoints. Defined in domain for consistency and reuse.

type EmitRequest struct {
	Secret   string         `json:"secret"`
	Payload  map[string]any `json:"payload"`
	Source   string         `json:"source" validate:"omitempty,max=64"`
	Symbol   string         `json:"symbol" validate:"omitempty,max=32"`
	Signal   string         `json:"signal" validate:"omitempty,max=256"`
	Validity *float64       `json:"validity" validate:"omitempty,gte=0,lte=1"`
	Side     string         `json:"side" validate:"omitempty,max=16"`
	Notes    string         `json:"notes" validate:"omitempty,max=2000"`
}

// Fields merges the explicit fields over the raw payload. Explicit values win.
func (r *EmitRequest) Fields() map[string]any {
	out := make(map[string]any, len(r.Payload)+6)
	for k, v := range r.Payload {
		out[k] = v
	}
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set("source", r.Source)
	set("symbol", r.Symbol)
	set("signal", r.Signal)
	set("side", r.Side)
	set("notes", r.Notes)
	if r.Validity != nil {
		out["validity"] = *r.Validity
	}
	if !hasAny(out, "source", "feed", "_source") {
		out["source"] = "manual"
	}
	return out
}

// DefaultMinValidity is the fallback threshold when the request sets none.
const DefaultMinValidity = 0.85

type FallbackRequest struct {
	Secret      string   `json:"secret"`
	MinValidity *float64 `json:"min_validity" validate:"omitempty,gte=0,lte=1"`
	Max         int      `json:"max" default:"3" validate:"gte=1,lte=10"`
	Symbols     []string `json:"symbols" default:"[\"BTC\",\"ETH\",\"SOL\"]" validate:"max=20,dive,required,max=32"`
}

// Threshold is MinValidity, or DefaultMinValidity when it was omitted. An explicit 0 keeps everything.
func (r *FallbackRequest) Threshold() float64 {
	if r.MinValidity == nil {
		return DefaultMinValidity
	}
	return *r.MinValidity
}

// IngestResult is the body returned by webhook ingestion.
type IngestResult struct {
	OK       bool `json:"ok"`
	Received int  `json:"received"`
}

// FallbackResult is the body returned by the generative fallback.
type FallbackResult struct {
	OK        bool `json:"ok"`
	Generated int  `json:"generated"`
	Broadcast int  `json:"broadcast"`
}

func hasAny(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}
