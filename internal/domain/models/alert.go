package models

import "time"

// Side is the directional bias carried by an alert.
type Side string

const (
	SideLong    Side = "long"
	SideShort   Side = "short"
	SideNeutral Side = "neutral"
)

// Valid reports whether s is one of the canonical sides.
func (s Side) Valid() bool {
	switch s {
	case SideLong, SideShort, SideNeutral:
		return true
	}
	return false
}

// Alert is the canonical shape every feed payload is normalized into.
// Values are built once by the normalizer and never mutated afterwards.
type Alert struct {
	TS       time.Time `json:"ts"`
	Source   string    `json:"source"`
	Symbol   string    `json:"symbol"`
	Signal   string    `json:"signal"`
	Validity float64   `json:"validity"`
	Side     Side      `json:"side"`
	Notes    string    `json:"notes"`
}
