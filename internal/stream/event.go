package stream

import (
	"encoding/json"
	"time"
)

// EventType tags an Event. Clients must ignore types they do not know.
type EventType string

const (
	EventStarted            EventType = "started"
	EventStep               EventType = "step"
	EventCompleted          EventType = "completed"
	EventFailed             EventType = "failed"
	EventTimedOut           EventType = "timed_out"
	EventCancelled          EventType = "cancelled"
	EventBenchmarkProgress  EventType = "benchmark_progress"
	EventBenchmarkCompleted EventType = "benchmark_completed"
)

// Terminal reports whether t ends a session.
func (t EventType) Terminal() bool {
	switch t {
	case EventCompleted, EventFailed, EventTimedOut, EventCancelled, EventBenchmarkCompleted:
		return true
	}
	return false
}

// Event is the envelope delivered to subscribers. Seq is assigned by the
// broker and is strictly increasing per session.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// RawEvent is the client-side view of an Event with the payload undecoded.
type RawEvent struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}
