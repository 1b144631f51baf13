package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"algo-trace-engine/internal/benchmark"
	"algo-trace-engine/internal/monitor"
	"algo-trace-engine/internal/sandbox"
	"algo-trace-engine/internal/session"
	"algo-trace-engine/internal/storage"
	"algo-trace-engine/internal/stream"
)

// Sessions is the part of *session.Manager the handlers use.
type Sessions interface {
	Submit(req sandbox.ExecutionRequest, meta session.Meta) (session.Snapshot, error)
	SubmitBenchmark(req benchmark.Request, meta session.Meta) (session.Snapshot, error)
	Status(ctx context.Context, id string, withSteps bool) (session.Snapshot, error)
	Cancel(id string) (session.Snapshot, error)
	Subscribe(ctx context.Context, id string) (*stream.Subscription, session.Snapshot, error)
	Unsubscribe(sub *stream.Subscription)
	List(filter session.ListFilter) []session.Snapshot
	History(ctx context.Context, filter storage.SessionFilter) ([]session.Snapshot, error)
	Counts() map[session.State]int
}

type Handlers struct {
	sessions      Sessions
	metrics       *monitor.Metrics
	screener      *monitor.CodeScreener
	tracer        *monitor.Tracer
	blockCritical bool
}

func NewHandlers(sessions Sessions, metrics *monitor.Metrics, blockCritical bool) *Handlers {
	return &Handlers{
		sessions:      sessions,
		metrics:       metrics,
		screener:      monitor.NewCodeScreener(),
		tracer:        monitor.NewTracer(),
		blockCritical: blockCritical,
	}
}

// HandleSubmit accepts a single traced execution.
func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Language == "" {
		writeError(w, "language is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	ctx, span := h.tracer.StartSubmission(r.Context(), monitor.Submission{
		Kind:      string(session.KindExecution),
		Language:  req.Language,
		RequestID: RequestIDFromContext(r.Context()),
		CodeBytes: len(req.Code),
	})
	warnings, blocked := h.screen(ctx, req.Language, req.Code)
	if blocked != nil {
		monitor.EndSpan(span, sandbox.ErrSecurityViolation)
		writeError(w, "code rejected: "+blocked.Detail, "SECURITY_BLOCKED", http.StatusForbidden, r)
		return
	}

	snap, err := h.sessions.Submit(req.execution(), session.Meta{RequestIP: clientIP(r), Warnings: warnings})
	if err == nil {
		monitor.Accepted(span, snap.ID, snap.CodeHash)
	}
	monitor.EndSpan(span, err)
	if err != nil {
		h.writeSessionError(w, r, err, session.Snapshot{})
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{SessionID: snap.ID, State: snap.State, Warnings: warnings})
}

// HandleBenchmark accepts a benchmark over a size ladder.
func (h *Handlers) HandleBenchmark(w http.ResponseWriter, r *http.Request) {
	var req benchmark.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Language == "" || req.Code == "" {
		writeError(w, "language and code are required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	ctx, span := h.tracer.StartSubmission(r.Context(), monitor.Submission{
		Kind:        string(session.KindBenchmark),
		Language:    req.Language,
		AlgorithmID: req.AlgorithmID,
		RequestID:   RequestIDFromContext(r.Context()),
		CodeBytes:   len(req.Code),
	})
	warnings, blocked := h.screen(ctx, req.Language, req.Code)
	if blocked != nil {
		monitor.EndSpan(span, sandbox.ErrSecurityViolation)
		writeError(w, "code rejected: "+blocked.Detail, "SECURITY_BLOCKED", http.StatusForbidden, r)
		return
	}

	snap, err := h.sessions.SubmitBenchmark(req, session.Meta{RequestIP: clientIP(r), Warnings: warnings})
	if err == nil {
		monitor.Accepted(span, snap.ID, snap.CodeHash)
	}
	monitor.EndSpan(span, err)
	if err != nil {
		h.writeSessionError(w, r, err, session.Snapshot{})
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{SessionID: snap.ID, State: snap.State, Warnings: warnings})
}

// HandleList lists live sessions, or archived ones with ?history=true.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var state session.State
	if v := q.Get("state"); v != "" {
		st, ok := session.ParseState(v)
		if !ok {
			writeError(w, "unknown state "+strconv.Quote(v), "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		state = st
	}

	var kind session.Kind
	switch v := session.Kind(q.Get("kind")); v {
	case "", session.KindExecution, session.KindBenchmark:
		kind = v
	default:
		writeError(w, "unknown kind "+strconv.Quote(string(v)), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		limit = n
	}

	if history, _ := strconv.ParseBool(q.Get("history")); history {
		snaps, err := h.sessions.History(r.Context(), storage.SessionFilter{
			Kind:     string(kind),
			State:    string(state),
			Language: q.Get("language"),
			Limit:    limit,
		})
		if err != nil {
			log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("listing session history")
			writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
			return
		}
		if snaps == nil {
			snaps = []session.Snapshot{}
		}
		writeJSON(w, http.StatusOK, ListResponse{Sessions: snaps, Archived: true})
		return
	}

	snaps := h.sessions.List(session.ListFilter{State: state, Kind: kind, Limit: limit})
	writeJSON(w, http.StatusOK, ListResponse{Sessions: snaps, Counts: h.sessions.Counts()})
}

// HandleGet returns a status snapshot; ?steps=true includes retained steps.
func (h *Handlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "session ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	withSteps, _ := strconv.ParseBool(r.URL.Query().Get("steps"))

	snap, err := h.sessions.Status(r.Context(), id, withSteps)
	if err != nil {
		h.writeSessionError(w, r, err, session.Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleCancel requests cancellation. It is idempotent: a finished session
// is returned unchanged.
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "session ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	snap, err := h.sessions.Cancel(id)
	if err != nil {
		h.writeSessionError(w, r, err, session.Snapshot{})
		return
	}
	log.Info().
		Str("session_id", id).
		Str("state", string(snap.State)).
		Str("request_id", RequestIDFromContext(r.Context())).
		Msg("cancel requested")
	writeJSON(w, http.StatusAccepted, snap)
}

// screen runs the code screener. Critical findings block the request when
// configured to; everything else becomes a session warning.
func (h *Handlers) screen(ctx context.Context, language, code string) ([]session.Warning, *monitor.Detection) {
	if h.metrics != nil {
		h.metrics.CodeSizeBytes.Observe(float64(len(code)))
	}

	dets := h.screener.Analyze(language, code)
	for _, d := range dets {
		if h.metrics != nil {
			h.metrics.RecordSecurityEvent(d.Pattern)
		}
	}
	if blocked, ok := monitor.Blocking(dets); ok && h.blockCritical {
		monitor.Blocked(ctx, blocked)
		return nil, &blocked
	}

	var warnings []session.Warning
	for _, d := range dets {
		warnings = append(warnings, session.Warning{Pattern: d.Pattern, Severity: d.Level, Detail: d.Detail})
	}
	return warnings, nil
}

func (h *Handlers) writeSessionError(w http.ResponseWriter, r *http.Request, err error, snap session.Snapshot) {
	switch {
	case errors.Is(err, sandbox.ErrUnsupportedLang):
		writeError(w, err.Error(), "UNSUPPORTED_LANGUAGE", http.StatusBadRequest, r)
	case errors.Is(err, sandbox.ErrInvalidRequest):
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
	case errors.Is(err, sandbox.ErrSecurityViolation):
		writeError(w, err.Error(), "SECURITY_BLOCKED", http.StatusForbidden, r)
	case errors.Is(err, session.ErrNotFound):
		writeError(w, "session not found", "NOT_FOUND", http.StatusNotFound, r)
	case errors.Is(err, session.ErrTerminal):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:     "session already finished; poll its status instead",
			Code:      "SESSION_TERMINAL",
			RequestID: RequestIDFromContext(r.Context()),
			Session:   &snap,
		})
	case errors.Is(err, session.ErrClosed):
		writeError(w, "server is shutting down", "UNAVAILABLE", http.StatusServiceUnavailable, r)
	default:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("session request failed")
		writeError(w, "internal error", "INTERNAL", http.StatusInternalServerError, r)
	}
}

// clientIP is RemoteAddr without the port. X-Forwarded-For is not trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
