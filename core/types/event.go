package types

import "time"

// Event represents a typed event emitted during market state transitions.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	// EmittedAt is stamped by the engine when the owning operation commits.
	EmittedAt time.Time `json:"emittedAt"`
}

// Attr returns the attribute value for key, or "" when absent.
func (e *Event) Attr(key string) string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}
