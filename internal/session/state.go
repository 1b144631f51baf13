package session

import (
	"errors"
	"time"

	"algo-trace-engine/internal/benchmark"
	"algo-trace-engine/internal/sandbox"
	"algo-trace-engine/internal/trace"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrTerminal = errors.New("session already finished")
	ErrClosed   = errors.New("session manager closed")
)

// State is a session's lifecycle position. Terminal states never change.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// ParseState accepts the wire name of a state.
func ParseState(s string) (State, bool) {
	switch st := State(s); st {
	case StatePending, StateRunning, StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return st, true
	}
	return "", false
}

type Kind string

const (
	KindExecution Kind = "execution"
	KindBenchmark Kind = "benchmark"
)

// Warning is a non-blocking screening finding attached at submission.
type Warning struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// Meta is caller context recorded with a session.
type Meta struct {
	RequestIP string
	Warnings  []Warning
}

// Snapshot is the polling view of a session.
type Snapshot struct {
	ID          string     `json:"id"`
	Kind        Kind       `json:"kind"`
	State       State      `json:"state"`
	Language    string     `json:"language"`
	AlgorithmID string     `json:"algorithm_id,omitempty"`
	CodeHash    string     `json:"code_hash"`
	Backend     string     `json:"backend,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	Error string `json:"error,omitempty"`
	Limit string `json:"limit,omitempty"`

	StepCount      int          `json:"step_count"`
	StepsTruncated bool         `json:"steps_truncated,omitempty"`
	Steps          []trace.Step `json:"steps,omitempty"`

	Result   *sandbox.ExecutionResult `json:"result,omitempty"`
	Progress []benchmark.Point        `json:"progress,omitempty"`
	Report   *benchmark.Report        `json:"benchmark,omitempty"`

	Warnings []Warning `json:"warnings,omitempty"`

	// Archived marks a snapshot served from the history store.
	Archived bool `json:"archived,omitempty"`
}

// ListFilter selects in-memory sessions. Zero fields match everything.
type ListFilter struct {
	State State
	Kind  Kind
	Limit int
}
