package domain

import "time"

// Event is a fire-and-forget notification derived from an observation.
type Event struct {
	ID        string         `json:"event_id"`
	Topic     string         `json:"topic"`
	Payload   map[string]any `json:"payload"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
