package api

import (
	"encoding/json"

	"algo-trace-engine/internal/sandbox"
	"algo-trace-engine/internal/session"
)

// SessionRequest is the API-level request to run code once.
type SessionRequest struct {
	Code       string                 `json:"code"`
	Language   string                 `json:"language"` // python, node
	Input      json.RawMessage        `json:"input,omitempty"`
	Entrypoint string                 `json:"entrypoint,omitempty"`
	Limits     sandbox.ResourceLimits `json:"limits,omitempty"`
	Trace      *bool                  `json:"trace,omitempty"` // defaults to true
}

func (r SessionRequest) execution() sandbox.ExecutionRequest {
	traceOn := true
	if r.Trace != nil {
		traceOn = *r.Trace
	}
	return sandbox.ExecutionRequest{
		Code:         r.Code,
		Language:     r.Language,
		Input:        r.Input,
		Entrypoint:   r.Entrypoint,
		Limits:       r.Limits,
		TraceEnabled: traceOn,
	}
}

// SubmitResponse acknowledges an accepted session.
type SubmitResponse struct {
	SessionID string            `json:"session_id"`
	State     session.State     `json:"state"`
	Warnings  []session.Warning `json:"warnings,omitempty"`
}

// ListResponse is returned by GET /v1/sessions.
type ListResponse struct {
	Sessions []session.Snapshot    `json:"sessions"`
	Counts   map[session.State]int `json:"counts,omitempty"`
	Archived bool                  `json:"archived,omitempty"`
}

// ErrorResponse is returned for API errors. Session carries the status
// snapshot for SESSION_TERMINAL.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Code      string            `json:"code"`
	RequestID string            `json:"request_id"`
	Session   *session.Snapshot `json:"session,omitempty"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status           string                `json:"status"`
	Backend          string                `json:"backend"`
	BackendHealthy   bool                  `json:"backend_healthy"`
	Database         bool                  `json:"database"`
	ActiveExecutions int64                 `json:"active_executions"`
	Sessions         map[session.State]int `json:"sessions"`
	Uptime           string                `json:"uptime"`
}
