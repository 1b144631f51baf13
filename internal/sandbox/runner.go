package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"algo-trace-engine/internal/config"
	"algo-trace-engine/internal/governor"
	"algo-trace-engine/internal/runtime"
	"algo-trace-engine/internal/trace"
)

// ExecutionRequest is one run of submitted code against one input.
type ExecutionRequest struct {
	ID           string          `json:"id,omitempty"`
	Code         string          `json:"code"`
	Language     string          `json:"language"`
	Input        json.RawMessage `json:"input"`
	Entrypoint   string          `json:"entrypoint,omitempty"`
	Limits       ResourceLimits  `json:"limits"`
	TraceEnabled bool            `json:"trace"`
}

// Status is the terminal classification of one execution.
type Status string

const (
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusTimedOut      Status = "timed_out"
	StatusResourceLimit Status = "resource_limit_exceeded"
	StatusCancelled     Status = "cancelled"
)

type ExecutionResult struct {
	ID       string          `json:"id"`
	Backend  string          `json:"backend"`
	Status   Status          `json:"status"`
	Success  bool            `json:"success"`
	Value    json.RawMessage `json:"value,omitempty"`
	Error    string          `json:"error,omitempty"`
	Limit    governor.Limit  `json:"limit,omitempty"`
	ExitCode int             `json:"exit_code"`
	Stderr   string          `json:"stderr,omitempty"`

	// ElapsedMS is the algorithm time reported by the harness, or the wall
	// time when no result line was produced.
	ElapsedMS            float64 `json:"elapsed_ms"`
	WallMS               float64 `json:"wall_ms"`
	PeakMemoryBytes      int64   `json:"peak_memory_bytes"`
	AlgorithmMemoryBytes int64   `json:"algorithm_memory_bytes"`
	PeakCPUPercent       float64 `json:"peak_cpu_percent"`

	Steps          int    `json:"steps"`
	StepsTruncated bool   `json:"steps_truncated,omitempty"`
	CodeHash       string `json:"code_hash"`
}

// Observer receives per-execution measurements.
type Observer interface {
	ObserveExecution(language, backend, status string, wall time.Duration, peakMemory int64)
	ObserveKill(limit string)
	ObserveLaunchFailure(backend string)
}

// Runner executes requests on a Backend under the resource governor.
type Runner struct {
	backend  Backend
	gov      *governor.Governor
	runtimes *runtime.Registry
	observer Observer

	defaults    ResourceLimits
	maxDuration time.Duration
	workRoot    string
	maxCode     int
	maxInput    int
	maxLine     int
	maxStderr   int
	maxSteps    int
	killGrace   time.Duration

	active atomic.Int64
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewRunner creates a runner. observer may be nil.
func NewRunner(backend Backend, gov *governor.Governor, cfg *config.Config, observer Observer) *Runner {
	return &Runner{
		backend:     backend,
		gov:         gov,
		runtimes:    runtime.NewRegistry(),
		observer:    observer,
		defaults:    DefaultLimits(cfg.Sandbox.DefaultLimits),
		maxDuration: cfg.Sandbox.MaxTimeout,
		workRoot:    cfg.Sandbox.WorkRoot,
		maxCode:     cfg.Sandbox.MaxCodeBytes,
		maxInput:    cfg.Sandbox.MaxInputBytes,
		maxLine:     cfg.Sandbox.MaxLineBytes,
		maxStderr:   cfg.Sandbox.MaxStderrBytes,
		maxSteps:    cfg.Sessions.MaxSteps,
		killGrace:   cfg.Sandbox.KillGrace,
	}
}

func (r *Runner) Backend() string { return r.backend.Name() }

// Languages lists the accepted language names.
func (r *Runner) Languages() []string { return r.runtimes.Languages() }

// Normalize validates req and returns it with the language canonicalised, the
// entrypoint resolved and the limits defaulted.
func (r *Runner) Normalize(req ExecutionRequest) (ExecutionRequest, error) {
	rt, err := r.runtimes.Get(req.Language)
	if err != nil {
		return req, fmt.Errorf("%w: %s", ErrUnsupportedLang, req.Language)
	}
	req.Language = rt.Name()

	if err := rt.Validate(req.Code); err != nil {
		return req, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	if r.maxCode > 0 && len(req.Code) > r.maxCode {
		return req, fmt.Errorf("%w: code exceeds %d bytes", ErrInvalidRequest, r.maxCode)
	}

	if len(req.Input) == 0 {
		req.Input = json.RawMessage("null")
	}
	if r.maxInput > 0 && len(req.Input) > r.maxInput {
		return req, fmt.Errorf("%w: input exceeds %d bytes", ErrInvalidRequest, r.maxInput)
	}
	if !json.Valid(req.Input) {
		return req, fmt.Errorf("%w: input is not valid JSON", ErrInvalidRequest)
	}

	entry, err := rt.Entrypoint(req.Code, req.Entrypoint)
	if err != nil {
		return req, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	req.Entrypoint = entry

	req.Limits = req.Limits.WithDefaults(r.defaults)
	if err := req.Limits.Validate(r.maxDuration); err != nil {
		return req, err
	}
	return req, nil
}

// Execute runs req to completion. onStep, if non-nil, is called from a single
// goroutine for every trace step in index order.
//
// The returned result is non-nil whenever the process was launched. The error
// is nil only for a successful run; otherwise it is a *LimitError, a
// *RuntimeError, context.Canceled or an *ExecutionError.
func (r *Runner) Execute(ctx context.Context, req ExecutionRequest, onStep func(trace.Step)) (*ExecutionResult, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrBackendClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	execID := req.ID
	if execID == "" {
		execID = uuid.New().String()
	}
	sum := sha256.Sum256([]byte(req.Code))
	codeHash := hex.EncodeToString(sum[:])

	logger := log.With().
		Str("exec_id", execID).
		Str("language", req.Language).
		Str("code_hash", codeHash[:16]).
		Logger()

	req, err := r.Normalize(req)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}
	rt, err := r.runtimes.Get(req.Language)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "get_runtime", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.active.Add(1)
	defer r.active.Add(-1)

	workspace, err := r.prepareWorkspace(execID, rt, req)
	if err != nil {
		return nil, launchError(execID, "prepare_workspace", err)
	}
	defer os.RemoveAll(workspace)

	resultTag := strings.ReplaceAll(uuid.NewString(), "-", "")

	start := time.Now()
	proc, err := r.backend.Launch(ctx, LaunchSpec{
		ExecID:       execID,
		Runtime:      rt,
		Workspace:    workspace,
		Entrypoint:   req.Entrypoint,
		TraceEnabled: req.TraceEnabled,
		Limits:       req.Limits,
		ResultTag:    resultTag,
	})
	if err != nil {
		if r.observer != nil {
			r.observer.ObserveLaunchFailure(r.backend.Name())
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, launchError(execID, "launch", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := proc.Cleanup(cleanupCtx); err != nil {
			logger.Error().Err(err).Msg("sandbox cleanup failed")
		}
	}()

	logger.Debug().Str("sandbox", proc.ID()).Msg("sandbox launched")

	// The governor outlives ctx so that a cancelled run is still bounded.
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	reportCh := make(chan governor.Report, 1)
	go func() {
		reportCh <- r.gov.Watch(watchCtx, proc, req.Limits.Governor(), proc.Kill)
	}()

	exited := make(chan struct{})
	var cancelled atomic.Bool
	go r.watchCancel(ctx, proc, exited, &cancelled)

	parser := trace.NewParser(r.maxSteps).WithResultTag(resultTag)
	stderr := newCappedBuffer(r.maxStderr)

	var g errgroup.Group
	g.Go(func() error {
		return trace.Scan(proc.Stdout(), r.maxLine, func(line []byte) {
			rec := parser.Parse(line)
			if rec.Kind == trace.KindStep && onStep != nil {
				onStep(rec.Step)
			}
		})
	})
	g.Go(func() error {
		_, err := io.Copy(stderr, proc.Stderr())
		return err
	})

	exitCode, waitErr := proc.Wait()
	drainErr := g.Wait()
	wall := time.Since(start)
	close(exited)
	stopWatch()
	rep := <-reportCh

	if drainErr != nil {
		logger.Warn().Err(drainErr).Msg("draining sandbox output failed")
	}
	if dropped := parser.Dropped(); dropped > 0 {
		logger.Debug().Int("dropped", dropped).Msg("malformed protocol lines dropped")
	}

	res := &ExecutionResult{
		ID:              execID,
		Backend:         r.backend.Name(),
		ExitCode:        exitCode,
		Stderr:          stderr.String(),
		ElapsedMS:       float64(wall.Microseconds()) / 1000,
		WallMS:          float64(wall.Microseconds()) / 1000,
		PeakMemoryBytes: rep.PeakMemoryBytes,
		PeakCPUPercent:  rep.PeakCPUPercent,
		Steps:           parser.Steps(),
		StepsTruncated:  parser.Truncated(),
		CodeHash:        codeHash,
	}
	result, hasResult := parser.Result()
	if hasResult {
		// The harness time cannot exceed what the host observed.
		if result.ElapsedMS >= 0 {
			res.ElapsedMS = min(result.ElapsedMS, res.WallMS)
		}
		res.AlgorithmMemoryBytes = result.PeakMemoryBytes
	}

	execErr := r.classify(ctx, res, rep, result, cancelled.Load(), waitErr, req.Limits)

	if r.observer != nil {
		r.observer.ObserveExecution(req.Language, res.Backend, string(res.Status), wall, res.PeakMemoryBytes)
		if rep.Violation != nil {
			r.observer.ObserveKill(string(rep.Violation.Limit))
		}
	}

	logger.Info().
		Str("status", string(res.Status)).
		Int("exit_code", exitCode).
		Int("steps", res.Steps).
		Dur("wall", wall).
		Int64("peak_memory", res.PeakMemoryBytes).
		Msg("execution finished")

	return res, execErr
}

// classify fills the outcome fields of res. A governor violation outranks
// everything else, so a killed run never reports partial success.
func (r *Runner) classify(
	ctx context.Context,
	res *ExecutionResult,
	rep governor.Report,
	result *trace.Result,
	cancelled bool,
	waitErr error,
	limits ResourceLimits,
) error {
	switch {
	case rep.Violation != nil:
		res.Status = StatusResourceLimit
		if rep.Violation.Limit == governor.LimitWallClock {
			res.Status = StatusTimedOut
		}
		res.Limit = rep.Violation.Limit
		res.Error = rep.Violation.String()
		return &LimitError{Violation: *rep.Violation}

	case cancelled:
		res.Status = StatusCancelled
		res.Error = "execution cancelled"
		if err := ctx.Err(); err != nil {
			return err
		}
		return context.Canceled

	case waitErr != nil:
		res.Status = StatusFailed
		res.Error = waitErr.Error()
		return &ExecutionError{ExecID: res.ID, Op: "wait", Err: waitErr}

	case result != nil && result.Success:
		res.Status = StatusCompleted
		res.Success = true
		res.Value = result.Value
		return nil

	case result != nil && strings.HasPrefix(result.Error, "MemoryError"):
		// The address-space rlimit refused an allocation past the ceiling.
		v := governor.Violation{
			Limit:    governor.LimitMemory,
			Observed: float64(limits.KernelMemoryBytes()),
			Ceiling:  float64(limits.MaxMemoryBytes),
			After:    time.Duration(res.WallMS * float64(time.Millisecond)),
		}
		res.Status = StatusResourceLimit
		res.Limit = governor.LimitMemory
		res.Error = v.String() + ": " + result.Error
		return &LimitError{Violation: v}

	case result != nil:
		res.Status = StatusFailed
		res.Error = result.Error
		return &RuntimeError{Message: result.Error, ExitCode: res.ExitCode}

	case res.ExitCode == 137:
		// SIGKILL without a governor verdict: the kernel ceiling fired first.
		v := governor.Violation{
			Limit:    governor.LimitMemory,
			Observed: float64(res.PeakMemoryBytes),
			Ceiling:  float64(limits.KernelMemoryBytes()),
			After:    time.Duration(res.WallMS * float64(time.Millisecond)),
		}
		res.Status = StatusResourceLimit
		res.Limit = governor.LimitMemory
		res.Error = v.String()
		return &LimitError{Violation: v}

	default:
		res.Status = StatusFailed
		res.Error = lastLine(res.Stderr)
		if res.Error == "" {
			res.Error = fmt.Sprintf("process exited with code %d without a result", res.ExitCode)
		}
		return &RuntimeError{Message: res.Error, ExitCode: res.ExitCode}
	}
}

// watchCancel tears the process down when ctx ends before it exits:
// Terminate first, Kill after the grace period.
func (r *Runner) watchCancel(ctx context.Context, proc Process, exited <-chan struct{}, cancelled *atomic.Bool) {
	select {
	case <-exited:
		return
	case <-ctx.Done():
	}
	cancelled.Store(true)

	termCtx, cancel := context.WithTimeout(context.Background(), r.killGrace)
	if err := proc.Terminate(termCtx); err != nil {
		log.Debug().Err(err).Str("sandbox", proc.ID()).Msg("terminate failed")
	}
	cancel()

	timer := time.NewTimer(r.killGrace)
	defer timer.Stop()
	select {
	case <-exited:
		return
	case <-timer.C:
	}

	killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := proc.Kill(killCtx); err != nil {
		log.Warn().Err(err).Str("sandbox", proc.ID()).Msg("kill after grace failed")
	}
}

func (r *Runner) prepareWorkspace(execID string, rt runtime.Runtime, req ExecutionRequest) (string, error) {
	dir, err := os.MkdirTemp(r.workRoot, "algo-"+execID+"-*")
	if err != nil {
		return "", fmt.Errorf("creating workspace: %w", err)
	}

	files := map[string][]byte{
		runtime.HarnessFile(rt):  rt.Harness(),
		runtime.SolutionFile(rt): []byte(req.Code),
		runtime.InputFile:        req.Input,
	}
	for name, data := range files {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, data, 0600); err != nil {
			_ = os.RemoveAll(dir)
			return "", fmt.Errorf("writing %s: %w", name, err)
		}
		if err := os.Chmod(p, 0444); err != nil { // #nosec G302 -- sandbox runs as nobody (UID 65534)
			_ = os.RemoveAll(dir)
			return "", fmt.Errorf("chmod %s: %w", name, err)
		}
	}

	// The process backend uses this as its scratch area.
	if err := os.Mkdir(filepath.Join(dir, "scratch"), 0700); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("creating scratch dir: %w", err)
	}
	if err := os.Chmod(filepath.Join(dir, "scratch"), 0777); err != nil { // #nosec G302 -- writable by the sandbox user
		_ = os.RemoveAll(dir)
		return "", err
	}
	if err := os.Chmod(dir, 0755); err != nil { // #nosec G302 -- readable by the sandbox user
		_ = os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

// ActiveCount returns the number of currently running executions.
func (r *Runner) ActiveCount() int64 {
	return r.active.Load()
}

// Healthy reports whether the backend can launch.
func (r *Runner) Healthy(ctx context.Context) bool {
	return r.backend.Healthy(ctx)
}

// Close stops accepting work, waits for in-flight executions to finish or
// for ctx to end, and closes the backend.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Int64("active", r.active.Load()).Msg("closing runner with executions in flight")
	}
	return r.backend.Close()
}

// cappedBuffer keeps the first max bytes written and discards the rest
// without failing the writer.
type cappedBuffer struct {
	buf       []byte
	max       int
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	if max <= 0 {
		max = 64 << 10
	}
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - len(b.buf)
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return string(b.buf) + "\n... [stderr truncated]"
	}
	return string(b.buf)
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\r\n ")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
