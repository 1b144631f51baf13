package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"algo-trace-engine/internal/benchmark"
	"algo-trace-engine/internal/complexity"
	"algo-trace-engine/internal/config"
	"algo-trace-engine/internal/monitor"
	"algo-trace-engine/internal/sandbox"
	"algo-trace-engine/internal/session"
	"algo-trace-engine/internal/stream"
	"algo-trace-engine/internal/trace"
)

// gatedRunner emits steps once its gate opens and then completes.
type gatedRunner struct {
	mu    sync.Mutex
	gate  chan struct{}
	steps int
	calls int
	block bool // wait for cancellation instead of completing
}

func newGatedRunner(steps int) *gatedRunner {
	return &gatedRunner{gate: make(chan struct{}), steps: steps}
}

func (g *gatedRunner) open() { close(g.gate) }

func (g *gatedRunner) Backend() string { return "fake" }

func (g *gatedRunner) Healthy(context.Context) bool { return true }

func (g *gatedRunner) ActiveCount() int64 { return 0 }

func (g *gatedRunner) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *gatedRunner) Normalize(req sandbox.ExecutionRequest) (sandbox.ExecutionRequest, error) {
	if req.Language != "python" && req.Language != "node" {
		return req, fmt.Errorf("%w: %s", sandbox.ErrUnsupportedLang, req.Language)
	}
	return req, nil
}

func (g *gatedRunner) Execute(ctx context.Context, req sandbox.ExecutionRequest, onStep func(trace.Step)) (*sandbox.ExecutionResult, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()

	if g.block {
		<-ctx.Done()
		return &sandbox.ExecutionResult{ID: req.ID, Status: sandbox.StatusCancelled}, ctx.Err()
	}
	select {
	case <-g.gate:
	case <-ctx.Done():
		return &sandbox.ExecutionResult{ID: req.ID, Status: sandbox.StatusCancelled}, ctx.Err()
	}
	for i := 0; i < g.steps; i++ {
		onStep(trace.Step{Index: i, Description: fmt.Sprintf("compare %d", i)})
	}
	return &sandbox.ExecutionResult{
		ID:      req.ID,
		Backend: "fake",
		Status:  sandbox.StatusCompleted,
		Success: true,
		Value:   json.RawMessage(`[0,1]`),
		Steps:   g.steps,
	}, nil
}

type stubBench struct{}

func (stubBench) Normalize(req benchmark.Request) (benchmark.Request, error) {
	if len(req.Sizes) == 0 {
		req.Sizes = []int{10, 20, 40}
	}
	return req, nil
}

func (stubBench) Run(_ context.Context, req benchmark.Request, progress func(benchmark.Point)) (*benchmark.Report, error) {
	report := &benchmark.Report{AlgorithmID: req.AlgorithmID, Language: req.Language}
	for _, n := range req.Sizes {
		p := benchmark.Point{Size: n, Trials: 1, Succeeded: 1, Measurement: &benchmark.Measurement{Samples: 1, MeanElapsedMS: float64(n)}}
		report.Points = append(report.Points, p)
		progress(p)
	}
	report.Fit = complexity.Fit{Model: complexity.Linear, Notation: "O(n)", Confidence: 1}
	return report, nil
}

type testEnv struct {
	server  *httptest.Server
	manager *session.Manager
	runner  *gatedRunner
}

func newTestEnv(t *testing.T, runner *gatedRunner) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Security.RateLimitRPS = 0
	cfg.Stream.PingInterval = time.Hour

	broker := stream.NewBroker(64)
	mgr := session.New(runner, stubBench{}, broker, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})

	srv := NewServer(cfg, Deps{Sessions: mgr, Runner: runner, Metrics: monitor.NewMetrics()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, manager: mgr, runner: runner}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	return resp, buf.Bytes()
}

func (e *testEnv) submit(t *testing.T, code string) SubmitResponse {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/v1/sessions", SessionRequest{
		Language: "python",
		Code:     code,
		Input:    json.RawMessage(`{"nums":[2,7],"target":9}`),
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, body %s", resp.StatusCode, body)
	}
	var sr SubmitResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		t.Fatal(err)
	}
	return sr
}

func (e *testEnv) wait(t *testing.T, id string) session.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := e.manager.Wait(ctx, id)
	if err != nil {
		t.Fatalf("waiting for %s: %v", id, err)
	}
	return snap
}

func decodeError(t *testing.T, body []byte) ErrorResponse {
	t.Helper()
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil {
		t.Fatalf("decoding error body %s: %v", body, err)
	}
	return er
}

const cleanCode = "def two_sum(nums, target):\n    return [0, 1]\n"

func TestSubmit_CompletesWithSteps(t *testing.T) {
	runner := newGatedRunner(4)
	env := newTestEnv(t, runner)

	sr := env.submit(t, cleanCode)
	if sr.SessionID == "" {
		t.Fatal("empty session id")
	}
	runner.open()
	if snap := env.wait(t, sr.SessionID); snap.State != session.StateCompleted {
		t.Fatalf("state = %s, want completed", snap.State)
	}

	resp, body := env.do(t, http.MethodGet, "/v1/sessions/"+sr.SessionID+"?steps=true", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var snap session.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Steps) != 4 || snap.StepCount != 4 {
		t.Fatalf("steps = %d (count %d), want 4", len(snap.Steps), snap.StepCount)
	}
	for i, st := range snap.Steps {
		if st.Index != i {
			t.Errorf("step %d has index %d", i, st.Index)
		}
	}
	if snap.Result == nil || !snap.Result.Success {
		t.Errorf("result = %+v, want success", snap.Result)
	}
}

func TestSubmit_Validation(t *testing.T) {
	env := newTestEnv(t, newGatedRunner(0))

	tests := []struct {
		name     string
		body     any
		wantCode string
	}{
		{"missing language", SessionRequest{Code: cleanCode}, "INVALID_REQUEST"},
		{"missing code", SessionRequest{Language: "python"}, "INVALID_REQUEST"},
		{"unsupported language", SessionRequest{Language: "cobol", Code: "DISPLAY 1"}, "UNSUPPORTED_LANGUAGE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, "/v1/sessions", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if er := decodeError(t, body); er.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", er.Code, tt.wantCode)
			}
		})
	}

	t.Run("invalid json", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/v1/sessions", strings.NewReader("{not json"))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	if n := len(env.manager.List(session.ListFilter{})); n != 0 {
		t.Errorf("rejected requests created %d sessions", n)
	}
}

func TestSubmit_SecurityBlocked(t *testing.T) {
	runner := newGatedRunner(0)
	env := newTestEnv(t, runner)

	resp, body := env.do(t, http.MethodPost, "/v1/sessions", SessionRequest{
		Language: "python",
		Code:     "import subprocess\nsubprocess.run(['id'])",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if er := decodeError(t, body); er.Code != "SECURITY_BLOCKED" {
		t.Errorf("code = %q, want SECURITY_BLOCKED", er.Code)
	}
	if runner.Calls() != 0 {
		t.Error("blocked code reached the runner")
	}
}

func TestSubmit_WarningsAttached(t *testing.T) {
	runner := newGatedRunner(0)
	env := newTestEnv(t, runner)

	sr := env.submit(t, "def f(s):\n    return eval(s)\n")
	if len(sr.Warnings) == 0 || sr.Warnings[0].Pattern != "dynamic_eval" {
		t.Fatalf("warnings = %+v, want dynamic_eval", sr.Warnings)
	}
	runner.open()
	if snap := env.wait(t, sr.SessionID); len(snap.Warnings) == 0 {
		t.Error("snapshot lost the screening warnings")
	}
}

func TestGet_NotFound(t *testing.T) {
	env := newTestEnv(t, newGatedRunner(0))

	resp, body := env.do(t, http.MethodGet, "/v1/sessions/does-not-exist", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if er := decodeError(t, body); er.Code != "NOT_FOUND" || er.RequestID == "" {
		t.Errorf("error = %+v", er)
	}
}

func TestCancel_RunningSession(t *testing.T) {
	runner := newGatedRunner(0)
	runner.block = true
	env := newTestEnv(t, runner)

	sr := env.submit(t, cleanCode)
	resp, _ := env.do(t, http.MethodDelete, "/v1/sessions/"+sr.SessionID, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if snap := env.wait(t, sr.SessionID); snap.State != session.StateCancelled {
		t.Fatalf("state = %s, want cancelled", snap.State)
	}

	// Idempotent on a finished session.
	resp, body := env.do(t, http.MethodDelete, "/v1/sessions/"+sr.SessionID, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("second cancel status = %d", resp.StatusCode)
	}
	var snap session.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.State != session.StateCancelled {
		t.Errorf("state = %s, want cancelled", snap.State)
	}
}

func TestList_Filters(t *testing.T) {
	runner := newGatedRunner(0)
	env := newTestEnv(t, runner)

	done := env.submit(t, cleanCode)
	runner.open()
	env.wait(t, done.SessionID)

	resp, body := env.do(t, http.MethodGet, "/v1/sessions?state=completed&kind=execution", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var lr ListResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		t.Fatal(err)
	}
	if len(lr.Sessions) != 1 || lr.Sessions[0].ID != done.SessionID {
		t.Fatalf("sessions = %+v", lr.Sessions)
	}
	if lr.Counts[session.StateCompleted] != 1 {
		t.Errorf("counts = %v", lr.Counts)
	}

	for _, q := range []string{"state=exploded", "kind=batch", "limit=-1"} {
		resp, _ := env.do(t, http.MethodGet, "/v1/sessions?"+q, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestBenchmark_Completes(t *testing.T) {
	env := newTestEnv(t, newGatedRunner(0))

	resp, body := env.do(t, http.MethodPost, "/v1/benchmarks", benchmark.Request{
		Language:    "python",
		Code:        cleanCode,
		AlgorithmID: "two_sum",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var sr SubmitResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		t.Fatal(err)
	}

	snap := env.wait(t, sr.SessionID)
	if snap.State != session.StateCompleted {
		t.Fatalf("state = %s", snap.State)
	}
	if snap.Report == nil || snap.Report.Fit.Model != complexity.Linear {
		t.Errorf("report = %+v", snap.Report)
	}
}

func TestEvents_SSE(t *testing.T) {
	runner := newGatedRunner(3)
	env := newTestEnv(t, runner)
	sr := env.submit(t, cleanCode)

	resp, err := http.Get(env.server.URL + "/v1/sessions/" + sr.SessionID + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	runner.open()

	var events []stream.RawEvent
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev stream.RawEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decoding %q: %v", line, err)
		}
		events = append(events, ev)
	}

	var steps []int
	var lastSeq uint64
	for _, ev := range events {
		if ev.Seq <= lastSeq {
			t.Errorf("seq %d after %d", ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
		if ev.Type == stream.EventStep {
			var st trace.Step
			if err := json.Unmarshal(ev.Data, &st); err != nil {
				t.Fatal(err)
			}
			steps = append(steps, st.Index)
		}
	}
	if fmt.Sprint(steps) != "[0 1 2]" {
		t.Errorf("steps = %v, want [0 1 2]", steps)
	}
	if len(events) == 0 || events[len(events)-1].Type != stream.EventCompleted {
		t.Errorf("last event = %+v, want completed", events)
	}
}

func TestEvents_TerminalSessionConflict(t *testing.T) {
	runner := newGatedRunner(1)
	env := newTestEnv(t, runner)
	sr := env.submit(t, cleanCode)
	runner.open()
	env.wait(t, sr.SessionID)

	for _, path := range []string{"/events", "/ws"} {
		resp, body := env.do(t, http.MethodGet, "/v1/sessions/"+sr.SessionID+path, nil)
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("%s: status = %d, want 409", path, resp.StatusCode)
		}
		er := decodeError(t, body)
		if er.Code != "SESSION_TERMINAL" {
			t.Errorf("%s: code = %q", path, er.Code)
		}
		if er.Session == nil || er.Session.State != session.StateCompleted {
			t.Errorf("%s: snapshot = %+v", path, er.Session)
		}
	}
}

func TestWebSocket_StreamsUntilTerminal(t *testing.T) {
	runner := newGatedRunner(2)
	env := newTestEnv(t, runner)
	sr := env.submit(t, cleanCode)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/sessions/" + sr.SessionID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	runner.open()

	var types []stream.EventType
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var ev stream.RawEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read: %v", err)
			}
			break
		}
		types = append(types, ev.Type)
	}

	want := []stream.EventType{stream.EventStep, stream.EventStep, stream.EventCompleted}
	if len(types) < len(want) {
		t.Fatalf("types = %v", types)
	}
	// A started event may precede the subscription.
	got := types[len(types)-len(want):]
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("types = %v, want suffix %v", types, want)
		}
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, newGatedRunner(0))

	resp, body := env.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var hr HealthResponse
	if err := json.Unmarshal(body, &hr); err != nil {
		t.Fatal(err)
	}
	if hr.Status != "ok" || hr.Backend != "fake" || !hr.BackendHealthy {
		t.Errorf("health = %+v", hr)
	}
}
