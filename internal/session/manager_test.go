package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"algo-trace-engine/internal/benchmark"
	"algo-trace-engine/internal/complexity"
	"algo-trace-engine/internal/config"
	"algo-trace-engine/internal/governor"
	"algo-trace-engine/internal/sandbox"
	"algo-trace-engine/internal/storage"
	"algo-trace-engine/internal/stream"
	"algo-trace-engine/internal/trace"
)

type execFunc func(ctx context.Context, req sandbox.ExecutionRequest, onStep func(trace.Step)) (*sandbox.ExecutionResult, error)

type fakeRunner struct {
	mu           sync.Mutex
	calls        int
	normalizeErr error
	lastOnStep   func(trace.Step)
	exec         execFunc
}

func (f *fakeRunner) Backend() string { return "fake" }

func (f *fakeRunner) Normalize(req sandbox.ExecutionRequest) (sandbox.ExecutionRequest, error) {
	if f.normalizeErr != nil {
		return req, f.normalizeErr
	}
	if req.Language == "" {
		req.Language = "python"
	}
	return req, nil
}

func (f *fakeRunner) Execute(ctx context.Context, req sandbox.ExecutionRequest, onStep func(trace.Step)) (*sandbox.ExecutionResult, error) {
	f.mu.Lock()
	f.calls++
	f.lastOnStep = onStep
	exec := f.exec
	f.mu.Unlock()
	return exec(ctx, req, onStep)
}

func (f *fakeRunner) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// emitting runs n steps after gate is closed and completes with value.
func emitting(gate <-chan struct{}, n int, value string) execFunc {
	return func(ctx context.Context, req sandbox.ExecutionRequest, onStep func(trace.Step)) (*sandbox.ExecutionResult, error) {
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return &sandbox.ExecutionResult{ID: req.ID, Status: sandbox.StatusCancelled}, ctx.Err()
			}
		}
		for i := 0; i < n; i++ {
			onStep(trace.Step{Index: i, Description: fmt.Sprintf("step %d", i)})
		}
		return &sandbox.ExecutionResult{
			ID:       req.ID,
			Backend:  "fake",
			Status:   sandbox.StatusCompleted,
			Success:  true,
			Value:    json.RawMessage(value),
			Steps:    n,
			CodeHash: "h",
		}, nil
	}
}

func blockUntilCancelled(ctx context.Context, req sandbox.ExecutionRequest, _ func(trace.Step)) (*sandbox.ExecutionResult, error) {
	<-ctx.Done()
	return &sandbox.ExecutionResult{ID: req.ID, Status: sandbox.StatusCancelled, Error: "execution cancelled"}, ctx.Err()
}

type fakeBench struct {
	points    []benchmark.Point
	fit       complexity.Fit
	memoryFit complexity.Fit
	err       error
}

func (f *fakeBench) Normalize(req benchmark.Request) (benchmark.Request, error) {
	if req.Language == "" {
		return req, fmt.Errorf("%w: language required", sandbox.ErrInvalidRequest)
	}
	return req, nil
}

func (f *fakeBench) Run(_ context.Context, req benchmark.Request, progress func(benchmark.Point)) (*benchmark.Report, error) {
	report := &benchmark.Report{AlgorithmID: req.AlgorithmID, Language: req.Language}
	for _, p := range f.points {
		report.Points = append(report.Points, p)
		progress(p)
	}
	report.Fit = f.fit
	report.MemoryFit = f.memoryFit
	return report, f.err
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testConfig(concurrency int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Sandbox.MaxConcurrent = concurrency
	cfg.Sessions.Retention = time.Minute
	cfg.Sessions.SweepInterval = 0
	cfg.Sessions.MaxSteps = 100
	return cfg
}

func newManager(t *testing.T, runner Runner, bench Benchmarker, cfg *config.Config, opts ...Option) *Manager {
	t.Helper()
	m := New(runner, bench, stream.NewBroker(64), cfg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func collect(t *testing.T, sub *stream.Subscription) []stream.Event {
	t.Helper()
	var events []stream.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("subscription not closed, got %d events", len(events))
		}
	}
}

func stepIndices(events []stream.Event) []int {
	var out []int
	for _, ev := range events {
		if ev.Type == stream.EventStep {
			out = append(out, ev.Data.(trace.Step).Index)
		}
	}
	return out
}

func waitFor(t *testing.T, m *Manager, id string) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := m.Wait(ctx, id)
	require.NoError(t, err)
	return snap
}

func TestSubmit_StreamsStepsThenCompletes(t *testing.T) {
	gate := make(chan struct{})
	runner := &fakeRunner{exec: emitting(gate, 3, `[0,1]`)}
	m := newManager(t, runner, nil, testConfig(4))

	snap, err := m.Submit(sandbox.ExecutionRequest{Code: "def f(x): return x"}, Meta{})
	require.NoError(t, err)
	assert.Equal(t, KindExecution, snap.Kind)
	assert.Equal(t, "python", snap.Language)
	assert.Len(t, snap.CodeHash, 64)

	sub, _, err := m.Subscribe(context.Background(), snap.ID)
	require.NoError(t, err)
	close(gate)

	events := collect(t, sub)
	require.NotEmpty(t, events)
	assert.Equal(t, []int{0, 1, 2}, stepIndices(events))

	last := events[len(events)-1]
	assert.Equal(t, stream.EventCompleted, last.Type)
	data := last.Data.(CompletedData)
	assert.JSONEq(t, `[0,1]`, string(data.Result.Value))

	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}

	final := waitFor(t, m, snap.ID)
	assert.Equal(t, StateCompleted, final.State)
	assert.Equal(t, 3, final.StepCount)
	assert.Equal(t, "fake", final.Backend)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.FinishedAt)

	withSteps, err := m.Status(context.Background(), snap.ID, true)
	require.NoError(t, err)
	assert.Len(t, withSteps.Steps, 3)
}

func TestSubscribe_TwoSubscribersSeeSameOrder(t *testing.T) {
	gate := make(chan struct{})
	m := newManager(t, &fakeRunner{exec: emitting(gate, 50, `1`)}, nil, testConfig(4))

	snap, err := m.Submit(sandbox.ExecutionRequest{Code: "x"}, Meta{})
	require.NoError(t, err)

	a, _, err := m.Subscribe(context.Background(), snap.ID)
	require.NoError(t, err)
	b, _, err := m.Subscribe(context.Background(), snap.ID)
	require.NoError(t, err)
	close(gate)

	// Both buffers hold the whole run, so draining one after the other
	// loses nothing.
	ea := collect(t, a)
	eb := collect(t, b)

	assert.Equal(t, ea, eb)
	assert.Len(t, stepIndices(ea), 50)
}

func TestCancel_PendingNeverLaunches(t *testing.T) {
	gate := make(chan struct{})
	runner := &fakeRunner{exec: emitting(gate, 0, `null`)}
	m := newManager(t, runner, nil, testConfig(1))

	first, err := m.Submit(sandbox.ExecutionRequest{Code: "a"}, Meta{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return runner.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	second, err := m.Submit(sandbox.ExecutionRequest{Code: "b"}, Meta{})
	require.NoError(t, err)
	assert.Equal(t, StatePending, second.State)

	sub, _, err := m.Subscribe(context.Background(), second.ID)
	require.NoError(t, err)

	snap, err := m.Cancel(second.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, snap.State)
	assert.Nil(t, snap.StartedAt)

	events := collect(t, sub)
	require.Len(t, events, 1)
	assert.Equal(t, stream.EventCancelled, events[0].Type)

	close(gate)
	assert.Equal(t, StateCompleted, waitFor(t, m, first.ID).State)
	assert.Equal(t, StateCancelled, waitFor(t, m, second.ID).State)
	assert.Equal(t, 1, runner.Calls())
}

func TestCancel_RunningTransitionsAfterTeardown(t *testing.T) {
	runner := &fakeRunner{exec: blockUntilCancelled}
	m := newManager(t, runner, nil, testConfig(2))

	snap, err := m.Submit(sandbox.ExecutionRequest{Code: "while True: pass"}, Meta{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := m.Status(context.Background(), snap.ID, false)
		return s.State == StateRunning
	}, 2*time.Second, 5*time.Millisecond)

	_, err = m.Cancel(snap.ID)
	require.NoError(t, err)

	final := waitFor(t, m, snap.ID)
	assert.Equal(t, StateCancelled, final.State)

	again, err := m.Cancel(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, again.State)
}

func TestCancel_Unknown(t *testing.T) {
	m := newManager(t, &fakeRunner{exec: blockUntilCancelled}, nil, testConfig(1))
	_, err := m.Cancel("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubmit_ValidationCreatesNoSession(t *testing.T) {
	runner := &fakeRunner{normalizeErr: fmt.Errorf("%w: code is empty", sandbox.ErrInvalidRequest)}
	m := newManager(t, runner, nil, testConfig(1))

	_, err := m.Submit(sandbox.ExecutionRequest{}, Meta{})
	require.ErrorIs(t, err, sandbox.ErrInvalidRequest)
	assert.Empty(t, m.List(ListFilter{}))
	assert.Equal(t, 0, runner.Calls())
}

func TestOutcomeMapping(t *testing.T) {
	tests := []struct {
		name      string
		exec      execFunc
		wantState State
		wantEvent stream.EventType
		wantLimit string
		wantError string
	}{
		{
			name: "timed out",
			exec: func(_ context.Context, req sandbox.ExecutionRequest, _ func(trace.Step)) (*sandbox.ExecutionResult, error) {
				v := governor.Violation{Limit: governor.LimitWallClock}
				return &sandbox.ExecutionResult{ID: req.ID, Status: sandbox.StatusTimedOut, Limit: governor.LimitWallClock, Error: "wall clock limit"},
					&sandbox.LimitError{Violation: v}
			},
			wantState: StateTimedOut,
			wantEvent: stream.EventTimedOut,
			wantLimit: "wall_clock",
			wantError: "wall clock limit",
		},
		{
			name: "memory breach",
			exec: func(_ context.Context, req sandbox.ExecutionRequest, _ func(trace.Step)) (*sandbox.ExecutionResult, error) {
				v := governor.Violation{Limit: governor.LimitMemory}
				return &sandbox.ExecutionResult{ID: req.ID, Status: sandbox.StatusResourceLimit, Limit: governor.LimitMemory, Error: "memory limit"},
					&sandbox.LimitError{Violation: v}
			},
			wantState: StateFailed,
			wantEvent: stream.EventFailed,
			wantLimit: "memory",
			wantError: "memory limit",
		},
		{
			name: "runtime error",
			exec: func(_ context.Context, req sandbox.ExecutionRequest, _ func(trace.Step)) (*sandbox.ExecutionResult, error) {
				return &sandbox.ExecutionResult{ID: req.ID, Status: sandbox.StatusFailed, Error: "ZeroDivisionError: division by zero"},
					&sandbox.RuntimeError{Message: "ZeroDivisionError: division by zero", ExitCode: 1}
			},
			wantState: StateFailed,
			wantEvent: stream.EventFailed,
			wantError: "ZeroDivisionError: division by zero",
		},
		{
			name: "launch failure",
			exec: func(context.Context, sandbox.ExecutionRequest, func(trace.Step)) (*sandbox.ExecutionResult, error) {
				return nil, fmt.Errorf("%w: no such image", sandbox.ErrLaunch)
			},
			wantState: StateFailed,
			wantEvent: stream.EventFailed,
			wantError: "sandbox launch failed: no such image",
		},
		{
			name: "panic",
			exec: func(context.Context, sandbox.ExecutionRequest, func(trace.Step)) (*sandbox.ExecutionResult, error) {
				panic("boom")
			},
			wantState: StateFailed,
			wantEvent: stream.EventFailed,
			wantError: "internal error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := make(chan struct{})
			exec := tt.exec
			runner := &fakeRunner{exec: func(ctx context.Context, req sandbox.ExecutionRequest, onStep func(trace.Step)) (*sandbox.ExecutionResult, error) {
				<-gate
				return exec(ctx, req, onStep)
			}}
			m := newManager(t, runner, nil, testConfig(1))

			snap, err := m.Submit(sandbox.ExecutionRequest{Code: "x"}, Meta{})
			require.NoError(t, err)
			sub, _, err := m.Subscribe(context.Background(), snap.ID)
			require.NoError(t, err)
			close(gate)

			events := collect(t, sub)
			require.NotEmpty(t, events)
			assert.Equal(t, tt.wantEvent, events[len(events)-1].Type)

			final := waitFor(t, m, snap.ID)
			assert.Equal(t, tt.wantState, final.State)
			assert.Equal(t, tt.wantLimit, final.Limit)
			assert.Equal(t, tt.wantError, final.Error)

			// The manager keeps serving after a failed session.
			runner.mu.Lock()
			runner.exec = emitting(nil, 1, `true`)
			runner.mu.Unlock()
			next, err := m.Submit(sandbox.ExecutionRequest{Code: "y"}, Meta{})
			require.NoError(t, err)
			assert.Equal(t, StateCompleted, waitFor(t, m, next.ID).State)
		})
	}
}

func TestTerminalStateIsSticky(t *testing.T) {
	runner := &fakeRunner{exec: emitting(nil, 2, `1`)}
	m := newManager(t, runner, nil, testConfig(1))

	snap, err := m.Submit(sandbox.ExecutionRequest{Code: "x"}, Meta{})
	require.NoError(t, err)
	final := waitFor(t, m, snap.ID)
	require.Equal(t, StateCompleted, final.State)

	runner.mu.Lock()
	late := runner.lastOnStep
	runner.mu.Unlock()
	late(trace.Step{Index: 2, Description: "late"})

	after, err := m.Status(context.Background(), snap.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, after.State)
	assert.Equal(t, 2, after.StepCount)
	assert.Len(t, after.Steps, 2)

	out := outcome{state: StateFailed, event: stream.EventFailed}
	assert.False(t, m.finish(m.lookup(snap.ID), out))
}

func TestStepRetentionCap(t *testing.T) {
	cfg := testConfig(1)
	cfg.Sessions.MaxSteps = 2
	m := newManager(t, &fakeRunner{exec: emitting(nil, 5, `1`)}, nil, cfg)

	snap, err := m.Submit(sandbox.ExecutionRequest{Code: "x"}, Meta{})
	require.NoError(t, err)
	final := waitFor(t, m, snap.ID)
	assert.Equal(t, 2, final.StepCount)
	assert.True(t, final.StepsTruncated)
}

func TestSubscribe_TerminalSessionReturnsSnapshot(t *testing.T) {
	m := newManager(t, &fakeRunner{exec: emitting(nil, 1, `1`)}, nil, testConfig(1))

	snap, err := m.Submit(sandbox.ExecutionRequest{Code: "x"}, Meta{})
	require.NoError(t, err)
	waitFor(t, m, snap.ID)

	sub, got, err := m.Subscribe(context.Background(), snap.ID)
	assert.Nil(t, sub)
	require.ErrorIs(t, err, ErrTerminal)
	assert.Equal(t, StateCompleted, got.State)

	_, _, err = m.Subscribe(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubmitBenchmark(t *testing.T) {
	bench := &fakeBench{
		points: []benchmark.Point{
			{Size: 100, Trials: 1, Succeeded: 1, Measurement: &benchmark.Measurement{Samples: 1, MeanElapsedMS: 1}},
			{Size: 200, Trials: 1, Succeeded: 1, Measurement: &benchmark.Measurement{Samples: 1, MeanElapsedMS: 2}},
		},
		fit:       complexity.Fit{Model: complexity.InsufficientData, Points: 2},
		memoryFit: complexity.Fit{Model: complexity.InsufficientData, Points: 2},
	}
	m := newManager(t, &fakeRunner{}, bench, testConfig(1))

	_, err := m.SubmitBenchmark(benchmark.Request{Code: "x"}, Meta{})
	require.ErrorIs(t, err, sandbox.ErrInvalidRequest)

	snap, err := m.SubmitBenchmark(benchmark.Request{Code: "x", Language: "python", AlgorithmID: "sort"}, Meta{})
	require.NoError(t, err)
	assert.Equal(t, KindBenchmark, snap.Kind)
	assert.Equal(t, "sort", snap.AlgorithmID)

	final := waitFor(t, m, snap.ID)
	assert.Equal(t, StateCompleted, final.State)
	require.NotNil(t, final.Report)
	assert.Len(t, final.Progress, 2)
	assert.Equal(t, complexity.InsufficientData, final.Report.Fit.Model)
	assert.Equal(t, 2, final.Report.MemoryFit.Points)
}

func TestSubmitBenchmark_FailureKeepsPartialPoints(t *testing.T) {
	bench := &fakeBench{
		points: []benchmark.Point{{Size: 100, Trials: 1}},
		err:    sandbox.ErrBackendClosed,
	}
	m := newManager(t, &fakeRunner{}, bench, testConfig(1))

	snap, err := m.SubmitBenchmark(benchmark.Request{Code: "x", Language: "python"}, Meta{})
	require.NoError(t, err)
	final := waitFor(t, m, snap.ID)
	assert.Equal(t, StateFailed, final.State)
	assert.Equal(t, sandbox.ErrBackendClosed.Error(), final.Error)
	require.NotNil(t, final.Report)
	assert.Len(t, final.Report.Points, 1)
}

func TestSweepAndArchivedStatus(t *testing.T) {
	store, err := storage.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	writer := storage.NewHistoryWriter(store, 16)
	writer.Start()
	t.Cleanup(func() { writer.Flush(time.Second) })

	clk := &clock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	m := newManager(t, &fakeRunner{exec: emitting(nil, 1, `42`)}, nil, testConfig(1), WithStore(store), WithHistory(writer))
	m.now = clk.Now

	snap, err := m.Submit(sandbox.ExecutionRequest{Code: "x"}, Meta{RequestIP: "10.0.0.1", Warnings: []Warning{{Pattern: "file_access", Severity: "medium"}}})
	require.NoError(t, err)
	waitFor(t, m, snap.ID)

	require.Eventually(t, func() bool {
		_, err := store.GetSession(context.Background(), snap.ID)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, m.Sweep())
	clk.Advance(2 * time.Minute)
	assert.Equal(t, 1, m.Sweep())
	assert.Empty(t, m.List(ListFilter{}))

	got, err := m.Status(context.Background(), snap.ID, false)
	require.NoError(t, err)
	assert.True(t, got.Archived)
	assert.Equal(t, StateCompleted, got.State)
	require.NotNil(t, got.Result)
	assert.JSONEq(t, `42`, string(got.Result.Value))
	assert.Len(t, got.Warnings, 1)

	history, err := m.History(context.Background(), storage.SessionFilter{State: "completed"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, snap.ID, history[0].ID)

	rec, err := store.GetSession(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", rec.RequestIP)

	_, err = m.Status(context.Background(), "missing", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListFilters(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	m := newManager(t, &fakeRunner{exec: emitting(gate, 0, `1`)}, nil, testConfig(1))

	a, err := m.Submit(sandbox.ExecutionRequest{Code: "a"}, Meta{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(m.List(ListFilter{State: StateRunning})) == 1
	}, 2*time.Second, 5*time.Millisecond)
	_, err = m.Submit(sandbox.ExecutionRequest{Code: "b"}, Meta{})
	require.NoError(t, err)

	running := m.List(ListFilter{State: StateRunning})
	require.Len(t, running, 1)
	assert.Equal(t, a.ID, running[0].ID)
	assert.Len(t, m.List(ListFilter{State: StatePending}), 1)
	assert.Len(t, m.List(ListFilter{Kind: KindBenchmark}), 0)
	assert.Len(t, m.List(ListFilter{Limit: 1}), 1)
	assert.Equal(t, map[State]int{StateRunning: 1, StatePending: 1}, m.Counts())
}

func TestClose_CancelsInFlightAndRejectsNew(t *testing.T) {
	runner := &fakeRunner{exec: blockUntilCancelled}
	m := New(runner, nil, stream.NewBroker(8), testConfig(1))

	running, err := m.Submit(sandbox.ExecutionRequest{Code: "a"}, Meta{})
	require.NoError(t, err)
	pending, err := m.Submit(sandbox.ExecutionRequest{Code: "b"}, Meta{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))

	for _, id := range []string{running.ID, pending.ID} {
		snap, err := m.Status(context.Background(), id, false)
		require.NoError(t, err)
		assert.Equal(t, StateCancelled, snap.State)
	}

	_, err = m.Submit(sandbox.ExecutionRequest{Code: "c"}, Meta{})
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestParseState(t *testing.T) {
	st, ok := ParseState("timed_out")
	assert.True(t, ok)
	assert.True(t, st.Terminal())
	_, ok = ParseState("exploded")
	assert.False(t, ok)
	assert.False(t, StateRunning.Terminal())
}
