package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"algo-trace-engine/internal/config"
	"algo-trace-engine/internal/session"
	"algo-trace-engine/internal/stream"
)

// SSEWriter writes session events as Server-Sent Events and flushes each one.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter returns nil if the ResponseWriter does not support flushing.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &SSEWriter{w: w, flusher: flusher}
}

// WriteEvent sends ev with its type as the SSE event name and its sequence
// number as the event id.
func (s *SSEWriter) WriteEvent(ev stream.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(s.w, "event: %s\nid: %d\n", ev.Type, ev.Seq)
	// Every line of a payload needs its own "data:" prefix or it would end
	// the event early.
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(s.w, "data: %s\n", line)
	}
	if _, err := fmt.Fprint(s.w, "\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Ping writes an SSE comment to keep intermediaries from timing out.
func (s *SSEWriter) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// StreamHandlers serves the live event transports.
type StreamHandlers struct {
	sessions Sessions
	cfg      config.StreamConfig
	upgrader websocket.Upgrader
}

func NewStreamHandlers(sessions Sessions, cfg config.StreamConfig, allowedOrigins []string) *StreamHandlers {
	sh := &StreamHandlers{sessions: sessions, cfg: cfg}
	sh.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return sh
}

// originChecker returns nil, which keeps gorilla's same-origin check, when
// no origins are configured.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := set[r.Header.Get("Origin")]
		return ok
	}
}

// subscribe attaches to id or writes the error response.
func (sh *StreamHandlers) subscribe(w http.ResponseWriter, r *http.Request) (*stream.Subscription, bool) {
	id := r.PathValue("id")
	sub, snap, err := sh.sessions.Subscribe(r.Context(), id)
	if err == nil {
		return sub, true
	}

	switch {
	case errors.Is(err, session.ErrTerminal):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:     "session already finished; poll its status instead",
			Code:      "SESSION_TERMINAL",
			RequestID: RequestIDFromContext(r.Context()),
			Session:   &snap,
		})
	case errors.Is(err, session.ErrNotFound):
		writeError(w, "session not found", "NOT_FOUND", http.StatusNotFound, r)
	default:
		log.Error().Err(err).Str("session_id", id).Msg("subscribe failed")
		writeError(w, "internal error", "INTERNAL", http.StatusInternalServerError, r)
	}
	return nil, false
}

func (sh *StreamHandlers) pingInterval() time.Duration {
	if sh.cfg.PingInterval > 0 {
		return sh.cfg.PingInterval
	}
	return 30 * time.Second
}

func (sh *StreamHandlers) writeTimeout() time.Duration {
	if sh.cfg.WriteTimeout > 0 {
		return sh.cfg.WriteTimeout
	}
	return 10 * time.Second
}

// HandleEvents streams a session over Server-Sent Events until its terminal
// event or until the client goes away.
func (sh *StreamHandlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}
	sub, ok := sh.subscribe(w, r)
	if !ok {
		return
	}
	defer sh.sessions.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sse := NewSSEWriter(w)
	sse.flusher.Flush()
	ping := time.NewTicker(sh.pingInterval())
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := sse.WriteEvent(ev); err != nil {
				log.Debug().Err(err).Str("session_id", sub.Topic()).Msg("sse client write failed")
				return
			}
			if ev.Type.Terminal() {
				return
			}
		case <-ping.C:
			if err := sse.Ping(); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// HandleWebSocket streams a session as JSON text frames. The server closes
// the connection with a normal closure after the terminal event.
func (sh *StreamHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sub, ok := sh.subscribe(w, r)
	if !ok {
		return
	}
	defer sh.sessions.Unsubscribe(sub)

	conn, err := sh.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Debug().Err(err).Str("session_id", sub.Topic()).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// The reader only services control frames and notices the client leaving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(4096)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(sh.pingInterval())
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				sh.closeWS(conn, websocket.CloseNormalClosure, "")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(sh.writeTimeout()))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Str("session_id", sub.Topic()).Msg("websocket write failed")
				return
			}
			if ev.Type.Terminal() {
				sh.closeWS(conn, websocket.CloseNormalClosure, string(ev.Type))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(sh.writeTimeout())); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (sh *StreamHandlers) closeWS(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(sh.writeTimeout()))
}
