// Package session owns the lifecycle of execution and benchmark sessions:
// admission, the pending queue, cancellation, the terminal state and its
// publication to subscribers.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"algo-trace-engine/internal/benchmark"
	"algo-trace-engine/internal/config"
	"algo-trace-engine/internal/sandbox"
	"algo-trace-engine/internal/storage"
	"algo-trace-engine/internal/stream"
	"algo-trace-engine/internal/trace"
)

// Runner executes one request. *sandbox.Runner satisfies it.
type Runner interface {
	Backend() string
	Normalize(req sandbox.ExecutionRequest) (sandbox.ExecutionRequest, error)
	Execute(ctx context.Context, req sandbox.ExecutionRequest, onStep func(trace.Step)) (*sandbox.ExecutionResult, error)
}

// Benchmarker runs a benchmark. *benchmark.Orchestrator satisfies it.
type Benchmarker interface {
	Normalize(req benchmark.Request) (benchmark.Request, error)
	Run(ctx context.Context, req benchmark.Request, progress func(benchmark.Point)) (*benchmark.Report, error)
}

// Observer receives lifecycle measurements.
type Observer interface {
	SessionStarted(kind string, queued time.Duration)
	// SessionFinished reports a terminal transition; started is false for
	// sessions cancelled before launch.
	SessionFinished(kind, state string, started bool, d time.Duration)
	StepPublished()
	FitReported(model string, confidence float64)
}

type Option func(*Manager)

// WithStore serves status queries for evicted sessions from store and purges
// it on the retention schedule.
func WithStore(store storage.Store) Option {
	return func(m *Manager) { m.store = store }
}

// WithHistory records every terminal session through w.
func WithHistory(w *storage.HistoryWriter) Option {
	return func(m *Manager) { m.history = w }
}

func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// Manager tracks sessions in memory. Sessions run in parallel up to the
// configured concurrency; the rest wait in Pending.
type Manager struct {
	runner Runner
	bench  Benchmarker
	broker *stream.Broker

	store    storage.Store
	history  *storage.HistoryWriter
	observer Observer
	tracer   oteltrace.Tracer

	slots            chan struct{}
	maxSteps         int
	retention        time.Duration
	sweepInterval    time.Duration
	historyRetention time.Duration

	baseCtx    context.Context
	cancelBase context.CancelFunc
	scheduler  *cron.Cron

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup

	now func() time.Time
}

func New(runner Runner, bench Benchmarker, broker *stream.Broker, cfg *config.Config, opts ...Option) *Manager {
	baseCtx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		runner:           runner,
		bench:            bench,
		broker:           broker,
		tracer:           otel.Tracer("algo-trace-engine/session"),
		slots:            make(chan struct{}, max(cfg.Sandbox.MaxConcurrent, 1)),
		maxSteps:         cfg.Sessions.MaxSteps,
		retention:        cfg.Sessions.Retention,
		sweepInterval:    cfg.Sessions.SweepInterval,
		historyRetention: cfg.Database.Retention,
		baseCtx:          baseCtx,
		cancelBase:       cancel,
		sessions:         make(map[string]*session),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start schedules the retention sweeps.
func (m *Manager) Start() error {
	m.scheduler = cron.New()
	if m.sweepInterval > 0 {
		if _, err := m.scheduler.AddFunc(fmt.Sprintf("@every %s", m.sweepInterval), func() { m.Sweep() }); err != nil {
			return fmt.Errorf("scheduling session sweep: %w", err)
		}
	}
	if m.store != nil && m.historyRetention > 0 {
		if _, err := m.scheduler.AddFunc("@every 1h", m.purgeHistory); err != nil {
			return fmt.Errorf("scheduling history purge: %w", err)
		}
	}
	m.scheduler.Start()
	return nil
}

// Submit validates req and queues it. Validation failures return an error
// wrapping sandbox.ErrInvalidRequest or sandbox.ErrUnsupportedLang and create
// no session.
func (m *Manager) Submit(req sandbox.ExecutionRequest, meta Meta) (Snapshot, error) {
	req, err := m.runner.Normalize(req)
	if err != nil {
		return Snapshot{}, err
	}

	s, err := m.admit(KindExecution, req.Language, "", req.Code, meta)
	if err != nil {
		return Snapshot{}, err
	}
	req.ID = s.id

	m.launch(s, func(ctx context.Context) outcome {
		return m.runExecution(ctx, s, req)
	})
	return s.snapshot(false), nil
}

// SubmitBenchmark validates req and queues it.
func (m *Manager) SubmitBenchmark(req benchmark.Request, meta Meta) (Snapshot, error) {
	if m.bench == nil {
		return Snapshot{}, fmt.Errorf("%w: benchmarks are not enabled", sandbox.ErrInvalidRequest)
	}
	req, err := m.bench.Normalize(req)
	if err != nil {
		return Snapshot{}, err
	}

	s, err := m.admit(KindBenchmark, req.Language, req.AlgorithmID, req.Code, meta)
	if err != nil {
		return Snapshot{}, err
	}

	m.launch(s, func(ctx context.Context) outcome {
		return m.runBenchmark(ctx, s, req)
	})
	return s.snapshot(false), nil
}

func (m *Manager) admit(kind Kind, language, algorithmID, code string, meta Meta) (*session, error) {
	sum := sha256.Sum256([]byte(code))
	ctx, cancel := context.WithCancel(m.baseCtx)
	s := &session{
		id:          uuid.New().String(),
		kind:        kind,
		language:    language,
		algorithmID: algorithmID,
		codeHash:    hex.EncodeToString(sum[:]),
		requestIP:   meta.RequestIP,
		warnings:    meta.Warnings,
		state:       StatePending,
		created:     m.now(),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		cancel()
		return nil, ErrClosed
	}
	m.broker.Open(s.id)
	m.sessions[s.id] = s
	m.wg.Add(1)
	return s, nil
}

// outcome is what a session body reports back to the lifecycle.
type outcome struct {
	state State
	event stream.EventType
	data  any
	err   string
	limit string
}

func cancelledOutcome(reason string) outcome {
	return outcome{state: StateCancelled, event: stream.EventCancelled, data: CancelledData{Reason: reason}, err: reason}
}

func (m *Manager) launch(s *session, body func(ctx context.Context) outcome) {
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Str("session_id", s.id).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("session panicked")
				m.finish(s, outcome{
					state: StateFailed,
					event: stream.EventFailed,
					data:  FailedData{Error: "internal error"},
					err:   "internal error",
				})
			}
		}()

		select {
		case m.slots <- struct{}{}:
		case <-s.ctx.Done():
			m.finish(s, cancelledOutcome("cancelled before launch"))
			return
		}
		defer func() { <-m.slots }()

		if !s.markRunning(m.now()) {
			return
		}
		if m.observer != nil {
			m.observer.SessionStarted(string(s.kind), m.now().Sub(s.created))
		}
		m.publish(s, stream.EventStarted, StartedData{
			Kind:        s.kind,
			Language:    s.language,
			AlgorithmID: s.algorithmID,
			Backend:     m.runner.Backend(),
		})

		ctx, span := m.tracer.Start(s.ctx, "session.run", oteltrace.WithAttributes(
			attribute.String("session.id", s.id),
			attribute.String("session.kind", string(s.kind)),
			attribute.String("session.language", s.language),
		))
		out := body(ctx)
		span.SetAttributes(attribute.String("session.state", string(out.state)))
		if out.state != StateCompleted {
			span.SetStatus(codes.Error, out.err)
		}
		span.End()

		m.finish(s, out)
	}()
}

func (m *Manager) runExecution(ctx context.Context, s *session, req sandbox.ExecutionRequest) outcome {
	res, err := m.runner.Execute(ctx, req, func(step trace.Step) {
		if s.addStep(step, m.maxSteps) {
			m.publish(s, stream.EventStep, step)
			if m.observer != nil {
				m.observer.StepPublished()
			}
		}
	})
	s.setResult(res)

	if res == nil {
		if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return cancelledOutcome("cancelled")
		}
		msg := "execution failed"
		if err != nil {
			msg = err.Error()
		}
		return outcome{state: StateFailed, event: stream.EventFailed, data: FailedData{Error: msg}, err: msg}
	}

	switch res.Status {
	case sandbox.StatusCompleted:
		return outcome{state: StateCompleted, event: stream.EventCompleted, data: CompletedData{Result: res}}
	case sandbox.StatusTimedOut:
		return outcome{state: StateTimedOut, event: stream.EventTimedOut, data: TimedOutData{Error: res.Error, Result: res}, err: res.Error, limit: string(res.Limit)}
	case sandbox.StatusCancelled:
		return cancelledOutcome("cancelled")
	default:
		return outcome{
			state: StateFailed,
			event: stream.EventFailed,
			data:  FailedData{Error: res.Error, Limit: string(res.Limit), Result: res},
			err:   res.Error,
			limit: string(res.Limit),
		}
	}
}

func (m *Manager) runBenchmark(ctx context.Context, s *session, req benchmark.Request) outcome {
	report, err := m.bench.Run(ctx, req, func(p benchmark.Point) {
		if s.addPoint(p) {
			m.publish(s, stream.EventBenchmarkProgress, BenchmarkProgressData{Size: p.Size, Point: p})
		}
	})
	s.setReport(report)

	switch {
	case err == nil:
		if m.observer != nil {
			m.observer.FitReported(string(report.Fit.Model), report.Fit.Confidence)
		}
		return outcome{
			state: StateCompleted,
			event: stream.EventBenchmarkCompleted,
			data:  BenchmarkCompletedData{Points: report.Points, ComplexityFit: report.Fit, MemoryFit: report.MemoryFit},
		}
	case s.ctx.Err() != nil || errors.Is(err, context.Canceled):
		return cancelledOutcome("cancelled")
	default:
		data := FailedData{Error: err.Error()}
		if report != nil {
			data.Points = report.Points
		}
		return outcome{state: StateFailed, event: stream.EventFailed, data: data, err: err.Error()}
	}
}

func (m *Manager) publish(s *session, typ stream.EventType, data any) {
	_, err := m.broker.Publish(s.id, stream.Event{Type: typ, Data: data})
	if err != nil && !errors.Is(err, stream.ErrTopicClosed) && !errors.Is(err, stream.ErrUnknownTopic) {
		log.Warn().Err(err).Str("session_id", s.id).Msg("publish failed")
	}
}

// finish moves s to its terminal state once. Later calls are discarded.
func (m *Manager) finish(s *session, out outcome) bool {
	if !s.terminate(out, m.now(), "") {
		return false
	}
	m.finalize(s, out)
	return true
}

// finalize publishes the terminal event and records the session. It runs
// once, after terminate succeeded.
func (m *Manager) finalize(s *session, out outcome) {
	s.cancel()
	if err := m.broker.Close(s.id, stream.Event{Type: out.event, Data: out.data}); err != nil {
		log.Debug().Err(err).Str("session_id", s.id).Msg("closing session topic")
	}

	snap := s.snapshot(false)
	if m.observer != nil && snap.FinishedAt != nil {
		m.observer.SessionFinished(string(s.kind), string(out.state), snap.StartedAt != nil, snap.FinishedAt.Sub(s.created))
	}
	m.record(s, snap)

	log.Info().
		Str("session_id", s.id).
		Str("kind", string(s.kind)).
		Str("state", string(out.state)).
		Int("steps", snap.StepCount).
		Msg("session finished")
}

func (m *Manager) record(s *session, snap Snapshot) {
	if m.history == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		log.Error().Err(err).Str("session_id", snap.ID).Msg("encoding session snapshot")
		return
	}
	rec := &storage.SessionRecord{
		ID:          snap.ID,
		Kind:        string(snap.Kind),
		State:       string(snap.State),
		Language:    snap.Language,
		AlgorithmID: snap.AlgorithmID,
		CodeHash:    snap.CodeHash,
		Backend:     snap.Backend,
		Error:       snap.Error,
		Steps:       snap.StepCount,
		Snapshot:    data,
		RequestIP:   s.requestIP,
		CreatedAt:   snap.CreatedAt,
	}
	if snap.FinishedAt != nil {
		rec.FinishedAt = *snap.FinishedAt
	}
	if snap.Result != nil {
		rec.ElapsedMS = snap.Result.ElapsedMS
		rec.PeakMemoryBytes = snap.Result.PeakMemoryBytes
	}
	m.history.Record(rec)
}

func (m *Manager) lookup(id string) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Cancel asks a session to stop. A pending session is cancelled at once; a
// running one is cancelled after its sandbox is torn down. Cancelling a
// finished session is a no-op.
func (m *Manager) Cancel(id string) (Snapshot, error) {
	s := m.lookup(id)
	if s == nil {
		return Snapshot{}, ErrNotFound
	}

	out := cancelledOutcome("cancelled before launch")
	if s.terminate(out, m.now(), StatePending) {
		m.finalize(s, out)
	}
	s.cancel()
	return s.snapshot(false), nil
}

// Status returns the current snapshot, falling back to the history store for
// sessions no longer held in memory.
func (m *Manager) Status(ctx context.Context, id string, withSteps bool) (Snapshot, error) {
	if s := m.lookup(id); s != nil {
		return s.snapshot(withSteps), nil
	}
	return m.archived(ctx, id)
}

func (m *Manager) archived(ctx context.Context, id string) (Snapshot, error) {
	if m.store == nil {
		return Snapshot{}, ErrNotFound
	}
	rec, err := m.store.GetSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("loading session %s: %w", id, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Snapshot, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decoding session %s: %w", id, err)
	}
	snap.Archived = true
	return snap, nil
}

// Subscribe attaches to the live event stream of id. A finished session
// returns ErrTerminal together with its snapshot: late observers resync by
// polling, there is no replay.
func (m *Manager) Subscribe(ctx context.Context, id string) (*stream.Subscription, Snapshot, error) {
	s := m.lookup(id)
	if s == nil {
		snap, err := m.archived(ctx, id)
		if err != nil {
			return nil, Snapshot{}, err
		}
		return nil, snap, ErrTerminal
	}

	snap := s.snapshot(false)
	if snap.State.Terminal() {
		return nil, snap, ErrTerminal
	}
	sub, err := m.broker.Subscribe(id)
	if err != nil {
		return nil, s.snapshot(false), ErrTerminal
	}
	return sub, snap, nil
}

// Unsubscribe detaches a subscriber obtained from Subscribe.
func (m *Manager) Unsubscribe(sub *stream.Subscription) {
	m.broker.Unsubscribe(sub)
}

// Wait blocks until id reaches a terminal state or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (Snapshot, error) {
	s := m.lookup(id)
	if s == nil {
		return m.archived(ctx, id)
	}
	select {
	case <-s.done:
		return s.snapshot(false), nil
	case <-ctx.Done():
		return s.snapshot(false), ctx.Err()
	}
}

// List returns in-memory sessions, newest first.
func (m *Manager) List(filter ListFilter) []Snapshot {
	m.mu.RLock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		snap := s.snapshot(false)
		if filter.State != "" && snap.State != filter.State {
			continue
		}
		if filter.Kind != "" && snap.Kind != filter.Kind {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// History lists archived sessions from the store.
func (m *Manager) History(ctx context.Context, filter storage.SessionFilter) ([]Snapshot, error) {
	if m.store == nil {
		return nil, nil
	}
	recs, err := m.store.ListSessions(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(recs))
	for _, rec := range recs {
		var snap Snapshot
		if err := json.Unmarshal(rec.Snapshot, &snap); err != nil {
			log.Warn().Err(err).Str("session_id", rec.ID).Msg("skipping undecodable archived session")
			continue
		}
		snap.Archived = true
		out = append(out, snap)
	}
	return out, nil
}

// Counts returns the number of in-memory sessions per state.
func (m *Manager) Counts() map[State]int {
	m.mu.RLock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	counts := make(map[State]int)
	for _, s := range all {
		s.mu.Lock()
		counts[s.state]++
		s.mu.Unlock()
	}
	return counts
}

// Sweep evicts terminal sessions older than the retention window and returns
// how many were removed.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int
	for id, s := range m.sessions {
		s.mu.Lock()
		expired := s.state.Terminal() && s.finished.Before(cutoff)
		s.mu.Unlock()
		if expired {
			delete(m.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("swept finished sessions")
	}
	return removed
}

func (m *Manager) purgeHistory() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := m.store.Purge(ctx, m.now().Add(-m.historyRetention))
	if err != nil {
		log.Error().Err(err).Msg("purging session history")
		return
	}
	if n > 0 {
		log.Info().Int64("purged", n).Msg("purged session history")
	}
}

// Close rejects new sessions, cancels the ones in flight and waits for their
// teardown or for ctx to end.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancelBase()
	if m.scheduler != nil {
		m.scheduler.Stop()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sessions: %w", ctx.Err())
	}
}

// session is the mutable state of one session, guarded by mu.
type session struct {
	id          string
	kind        Kind
	language    string
	algorithmID string
	codeHash    string
	requestIP   string
	warnings    []Warning

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu              sync.Mutex
	state           State
	created         time.Time
	started         time.Time
	finished        time.Time
	errMsg          string
	limit           string
	backend         string
	steps           []trace.Step
	stepCount       int
	truncated       bool
	result          *sandbox.ExecutionResult
	progress        []benchmark.Point
	report          *benchmark.Report
}

func (s *session) markRunning(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePending {
		return false
	}
	s.state = StateRunning
	s.started = now
	return true
}

// terminate applies out unless s is already terminal or, when from is set,
// not currently in state from.
func (s *session) terminate(out outcome, now time.Time, from State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() || (from != "" && s.state != from) {
		return false
	}
	s.state = out.state
	s.finished = now
	s.errMsg = out.err
	s.limit = out.limit
	close(s.done)
	return true
}

// addStep retains step unless the session is terminal. Steps past limit are
// counted as truncated and not published.
func (s *session) addStep(step trace.Step, limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	if limit > 0 && len(s.steps) >= limit {
		s.truncated = true
		return false
	}
	s.steps = append(s.steps, step)
	s.stepCount++
	return true
}

func (s *session) addPoint(p benchmark.Point) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.progress = append(s.progress, p)
	return true
}

func (s *session) setResult(res *sandbox.ExecutionResult) {
	if res == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = res
	s.backend = res.Backend
	if res.StepsTruncated {
		s.truncated = true
	}
}

func (s *session) setReport(report *benchmark.Report) {
	if report == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report = report
}

func (s *session) snapshot(withSteps bool) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:             s.id,
		Kind:           s.kind,
		State:          s.state,
		Language:       s.language,
		AlgorithmID:    s.algorithmID,
		CodeHash:       s.codeHash,
		Backend:        s.backend,
		CreatedAt:      s.created,
		Error:          s.errMsg,
		Limit:          s.limit,
		StepCount:      s.stepCount,
		StepsTruncated: s.truncated,
		Result:         s.result,
		Report:         s.report,
		Warnings:       s.warnings,
	}
	if !s.started.IsZero() {
		t := s.started
		snap.StartedAt = &t
	}
	if !s.finished.IsZero() {
		t := s.finished
		snap.FinishedAt = &t
	}
	if len(s.progress) > 0 {
		snap.Progress = append([]benchmark.Point(nil), s.progress...)
	}
	if withSteps && len(s.steps) > 0 {
		snap.Steps = append([]trace.Step(nil), s.steps...)
	}
	return snap
}
