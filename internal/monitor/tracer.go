package monitor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "algo-trace-engine/api"

// Attribute keys shared by API, session and benchmark spans.
var (
	AttrSessionID   = attribute.Key("algo.session.id")
	AttrSessionKind = attribute.Key("algo.session.kind")
	AttrLanguage    = attribute.Key("algo.language")
	AttrAlgorithm   = attribute.Key("algo.algorithm_id")
	AttrCodeHash    = attribute.Key("algo.code_hash")
	AttrCodeBytes   = attribute.Key("algo.code_bytes")
	AttrRequestID   = attribute.Key("algo.request_id")
)

// Tracer opens server spans for session submissions.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer uses the global TracerProvider.
func NewTracer() *Tracer {
	return NewTracerFrom(otel.GetTracerProvider())
}

func NewTracerFrom(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(tracerName)}
}

// Submission describes an incoming session request.
type Submission struct {
	Kind        string
	Language    string
	AlgorithmID string
	RequestID   string
	CodeBytes   int
}

// StartSubmission opens the span "api.<kind>".
func (t *Tracer) StartSubmission(ctx context.Context, sub Submission) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		AttrSessionKind.String(sub.Kind),
		AttrLanguage.String(sub.Language),
		AttrCodeBytes.Int(sub.CodeBytes),
	}
	if sub.AlgorithmID != "" {
		attrs = append(attrs, AttrAlgorithm.String(sub.AlgorithmID))
	}
	if sub.RequestID != "" {
		attrs = append(attrs, AttrRequestID.String(sub.RequestID))
	}
	return t.tracer.Start(ctx, "api."+sub.Kind,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
}

// Accepted tags span with the session it created.
func Accepted(span trace.Span, sessionID, codeHash string) {
	span.SetAttributes(AttrSessionID.String(sessionID))
	if codeHash != "" {
		span.SetAttributes(AttrCodeHash.String(codeHash))
	}
}

// Blocked records a screening rejection on the span carried by ctx.
func Blocked(ctx context.Context, d Detection) {
	trace.SpanFromContext(ctx).AddEvent("code.blocked", trace.WithAttributes(
		attribute.String("pattern", d.Pattern),
		attribute.String("severity", d.Level),
		attribute.Int("line", d.Line),
	))
}

// EndSpan records err, if any, and ends span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
