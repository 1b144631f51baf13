// Package benchmark runs submitted code over a ladder of input sizes and
// infers its growth rate from the measured timings.
package benchmark

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"algo-trace-engine/internal/complexity"
	"algo-trace-engine/internal/config"
	"algo-trace-engine/internal/sandbox"
	"algo-trace-engine/internal/trace"
)

// Executor runs one trial. *sandbox.Runner satisfies it.
type Executor interface {
	Normalize(req sandbox.ExecutionRequest) (sandbox.ExecutionRequest, error)
	Execute(ctx context.Context, req sandbox.ExecutionRequest, onStep func(trace.Step)) (*sandbox.ExecutionResult, error)
}

type Request struct {
	Code        string                 `json:"code"`
	Language    string                 `json:"language"`
	AlgorithmID string                 `json:"algorithm_id"`
	Entrypoint  string                 `json:"entrypoint,omitempty"`
	Sizes       []int                  `json:"sizes,omitempty"`
	Trials      int                    `json:"trial_count,omitempty"`
	Limits      sandbox.ResourceLimits `json:"limits"`
	Seed        uint64                 `json:"seed,omitempty"`
}

// TrialFailure records a trial excluded from the statistics.
type TrialFailure struct {
	Trial  int            `json:"trial"`
	Status sandbox.Status `json:"status"`
	Limit  string         `json:"limit,omitempty"`
	Error  string         `json:"error"`
}

// Measurement aggregates the successful trials of one size.
type Measurement struct {
	Samples         int     `json:"samples"`
	MeanElapsedMS   float64 `json:"mean_elapsed_ms"`
	StdDevElapsedMS float64 `json:"stddev_elapsed_ms"`
	MinElapsedMS    float64 `json:"min_elapsed_ms"`
	MaxElapsedMS    float64 `json:"max_elapsed_ms"`
	MeanMemoryBytes float64 `json:"mean_memory_bytes"`
}

// Point is the outcome of one size. Measurement is nil when every trial failed.
type Point struct {
	Size        int            `json:"size"`
	Trials      int            `json:"trials"`
	Succeeded   int            `json:"succeeded"`
	Failures    []TrialFailure `json:"failures,omitempty"`
	Measurement *Measurement   `json:"measurement"`
}

// Report is the outcome of a benchmark. Fit is the time complexity over mean
// elapsed time; MemoryFit is the space complexity over mean memory.
type Report struct {
	AlgorithmID string         `json:"algorithm_id"`
	Language    string         `json:"language"`
	Points      []Point        `json:"points"`
	Fit         complexity.Fit `json:"complexity_fit"`
	MemoryFit   complexity.Fit `json:"memory_fit"`
}

type Orchestrator struct {
	exec   Executor
	engine *complexity.Engine
	cfg    config.BenchmarkConfig
	tracer oteltrace.Tracer
}

func New(exec Executor, engine *complexity.Engine, cfg config.BenchmarkConfig) *Orchestrator {
	return &Orchestrator{
		exec:   exec,
		engine: engine,
		cfg:    cfg,
		tracer: otel.Tracer("algo-trace-engine/benchmark"),
	}
}

// Normalize applies defaults and validates req, including a dry validation
// of the trial request at the largest size so that a bad submission is
// rejected before any trial runs.
func (o *Orchestrator) Normalize(req Request) (Request, error) {
	if len(req.Sizes) == 0 {
		req.Sizes = append([]int(nil), o.cfg.DefaultSizes...)
	}
	if req.Trials == 0 {
		req.Trials = o.cfg.DefaultTrials
	}
	if req.Limits.MaxDurationMS == 0 && o.cfg.TrialTimeout > 0 {
		req.Limits.MaxDurationMS = o.cfg.TrialTimeout.Milliseconds()
	}

	if o.cfg.MaxSizes > 0 && len(req.Sizes) > o.cfg.MaxSizes {
		return req, fmt.Errorf("%w: at most %d sizes allowed, got %d", sandbox.ErrInvalidRequest, o.cfg.MaxSizes, len(req.Sizes))
	}
	for i, n := range req.Sizes {
		if n < 1 {
			return req, fmt.Errorf("%w: sizes must be positive, got %d", sandbox.ErrInvalidRequest, n)
		}
		if o.cfg.MaxInputSize > 0 && n > o.cfg.MaxInputSize {
			return req, fmt.Errorf("%w: size %d exceeds maximum %d", sandbox.ErrInvalidRequest, n, o.cfg.MaxInputSize)
		}
		if i > 0 && n <= req.Sizes[i-1] {
			return req, fmt.Errorf("%w: sizes must be strictly increasing", sandbox.ErrInvalidRequest)
		}
	}
	if req.Trials < 1 || (o.cfg.MaxTrials > 0 && req.Trials > o.cfg.MaxTrials) {
		return req, fmt.Errorf("%w: trial_count must be 1-%d, got %d", sandbox.ErrInvalidRequest, o.cfg.MaxTrials, req.Trials)
	}

	probe, err := o.trialRequest(req, req.Sizes[len(req.Sizes)-1])
	if err != nil {
		return req, err
	}
	normalized, err := o.exec.Normalize(probe)
	if err != nil {
		return req, err
	}
	req.Language = normalized.Language
	req.Entrypoint = normalized.Entrypoint
	req.Limits = normalized.Limits
	return req, nil
}

func (o *Orchestrator) trialRequest(req Request, size int) (sandbox.ExecutionRequest, error) {
	input, err := Generate(req.AlgorithmID, size, req.Seed)
	if err != nil {
		return sandbox.ExecutionRequest{}, fmt.Errorf("%w: %s", sandbox.ErrInvalidRequest, err)
	}
	return sandbox.ExecutionRequest{
		Code:       req.Code,
		Language:   req.Language,
		Input:      input,
		Entrypoint: req.Entrypoint,
		Limits:     req.Limits,
	}, nil
}

// Run measures every size in order and calls progress once per completed
// size. A size whose trials all fail yields a point with a nil measurement
// and the run moves on. Run stops early, returning the points gathered so
// far, when ctx ends or a trial fails for a reason that would fail every
// later trial too.
func (o *Orchestrator) Run(ctx context.Context, req Request, progress func(Point)) (*Report, error) {
	req, err := o.Normalize(req)
	if err != nil {
		return nil, err
	}

	ctx, span := o.tracer.Start(ctx, "benchmark.run", oteltrace.WithAttributes(
		attribute.String("benchmark.algorithm", req.AlgorithmID),
		attribute.String("benchmark.language", req.Language),
		attribute.Int("benchmark.sizes", len(req.Sizes)),
		attribute.Int("benchmark.trials", req.Trials),
	))
	defer span.End()

	logger := log.With().Str("algorithm", req.AlgorithmID).Str("language", req.Language).Logger()
	report := &Report{AlgorithmID: req.AlgorithmID, Language: req.Language}

	for _, size := range req.Sizes {
		point, err := o.runSize(ctx, req, size)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "benchmark aborted")
			o.fitAll(report)
			return report, err
		}
		report.Points = append(report.Points, point)
		if progress != nil {
			progress(point)
		}
		logger.Debug().
			Int("size", size).
			Int("succeeded", point.Succeeded).
			Int("failed", len(point.Failures)).
			Msg("benchmark size measured")
	}

	o.fitAll(report)
	span.SetAttributes(
		attribute.String("benchmark.fit", string(report.Fit.Model)),
		attribute.Float64("benchmark.confidence", report.Fit.Confidence),
		attribute.String("benchmark.memory_fit", string(report.MemoryFit.Model)),
	)
	logger.Info().
		Str("model", string(report.Fit.Model)).
		Float64("confidence", report.Fit.Confidence).
		Str("memory_model", string(report.MemoryFit.Model)).
		Int("points", report.Fit.Points).
		Msg("benchmark finished")
	return report, nil
}

func (o *Orchestrator) runSize(ctx context.Context, req Request, size int) (Point, error) {
	ctx, span := o.tracer.Start(ctx, "benchmark.size", oteltrace.WithAttributes(attribute.Int("benchmark.size", size)))
	defer span.End()

	point := Point{Size: size, Trials: req.Trials}
	trial, err := o.trialRequest(req, size)
	if err != nil {
		return point, err
	}

	var elapsed, memory []float64
	for i := 0; i < req.Trials; i++ {
		if err := ctx.Err(); err != nil {
			return point, err
		}
		trial.ID = ""
		res, err := o.exec.Execute(ctx, trial, nil)
		if err != nil {
			if fatal(ctx, err) {
				return point, err
			}
			point.Failures = append(point.Failures, failureOf(i, res, err))
			continue
		}
		elapsed = append(elapsed, res.ElapsedMS)
		mem := res.AlgorithmMemoryBytes
		if mem == 0 {
			mem = res.PeakMemoryBytes
		}
		memory = append(memory, float64(mem))
	}

	point.Succeeded = len(elapsed)
	point.Measurement = measure(elapsed, memory)
	span.SetAttributes(attribute.Int("benchmark.succeeded", point.Succeeded))
	return point, nil
}

// fatal reports whether err would repeat on every remaining trial.
func fatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, sandbox.ErrInvalidRequest) ||
		errors.Is(err, sandbox.ErrUnsupportedLang) ||
		errors.Is(err, sandbox.ErrSecurityViolation) ||
		errors.Is(err, sandbox.ErrLaunch) ||
		errors.Is(err, sandbox.ErrBackendClosed)
}

func failureOf(trial int, res *sandbox.ExecutionResult, err error) TrialFailure {
	f := TrialFailure{Trial: trial, Status: sandbox.StatusFailed, Error: err.Error()}
	if res != nil {
		f.Status = res.Status
		f.Limit = string(res.Limit)
		if res.Error != "" {
			f.Error = res.Error
		}
	}
	return f
}

func measure(elapsed, memory []float64) *Measurement {
	if len(elapsed) == 0 {
		return nil
	}
	m := &Measurement{
		Samples:         len(elapsed),
		MinElapsedMS:    floats.Min(elapsed),
		MaxElapsedMS:    floats.Max(elapsed),
		MeanMemoryBytes: stat.Mean(memory, nil),
	}
	if len(elapsed) > 1 {
		m.MeanElapsedMS, m.StdDevElapsedMS = stat.MeanStdDev(elapsed, nil)
	} else {
		m.MeanElapsedMS = elapsed[0]
	}
	if math.IsNaN(m.StdDevElapsedMS) {
		m.StdDevElapsedMS = 0
	}
	return m
}

func (o *Orchestrator) fitAll(report *Report) {
	report.Fit = o.fit(report.Points, func(m *Measurement) float64 { return m.MeanElapsedMS })
	report.MemoryFit = o.fit(report.Points, func(m *Measurement) float64 { return m.MeanMemoryBytes })
}

func (o *Orchestrator) fit(points []Point, value func(*Measurement) float64) complexity.Fit {
	samples := make([]complexity.Sample, 0, len(points))
	for _, p := range points {
		if p.Measurement == nil {
			continue
		}
		samples = append(samples, complexity.Sample{Size: p.Size, Value: value(p.Measurement)})
	}
	return o.engine.Fit(samples)
}
