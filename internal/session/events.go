package session

import (
	"algo-trace-engine/internal/benchmark"
	"algo-trace-engine/internal/complexity"
	"algo-trace-engine/internal/sandbox"
)

// Event payloads, keyed by stream.EventType.

type StartedData struct {
	Kind        Kind   `json:"kind"`
	Language    string `json:"language"`
	AlgorithmID string `json:"algorithm_id,omitempty"`
	Backend     string `json:"backend,omitempty"`
}

type CompletedData struct {
	Result *sandbox.ExecutionResult `json:"result"`
}

type FailedData struct {
	Error  string                   `json:"error"`
	Limit  string                   `json:"limit,omitempty"`
	Result *sandbox.ExecutionResult `json:"result,omitempty"`
	Points []benchmark.Point        `json:"points,omitempty"`
}

type TimedOutData struct {
	Error  string                   `json:"error"`
	Result *sandbox.ExecutionResult `json:"result,omitempty"`
}

type CancelledData struct {
	Reason string `json:"reason"`
}

type BenchmarkProgressData struct {
	Size  int             `json:"size"`
	Point benchmark.Point `json:"point"`
}

type BenchmarkCompletedData struct {
	Points        []benchmark.Point `json:"points"`
	ComplexityFit complexity.Fit    `json:"complexity_fit"`
	MemoryFit     complexity.Fit    `json:"memory_fit"`
}
