// Package diagnostics turns pipeline reports into log records, timeline rows
// and OpenTelemetry metrics and spans. Only ids, codes, counts and durations
// are recorded; transcript and signal text never are.
package diagnostics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/failure"
	"github.com/loqalabs/loqa-dictate/internal/pipeline"
	"github.com/loqalabs/loqa-dictate/internal/transcribe"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/loqalabs/loqa-dictate/pipeline"

// Timeline is the part of the event store the recorder writes to.
type Timeline interface {
	BeginSession(ctx context.Context, sessionID, mode string) error
	FinishSession(ctx context.Context, sessionID, status, reason string, duration time.Duration) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

type Options struct {
	Mode          string
	MeterProvider metric.MeterProvider
	TraceProvider trace.TracerProvider
	WriteTimeout  time.Duration
}

// Recorder implements pipeline.Reporter.
type Recorder struct {
	logger   *slog.Logger
	timeline Timeline
	opts     Options
	tracer   trace.Tracer

	sessions    metric.Int64Counter
	transitions metric.Int64Counter
	warnings    metric.Int64Counter
	duration    metric.Float64Histogram

	mu    sync.Mutex
	spans map[string]trace.Span
}

// NewRecorder builds a recorder. timeline may be nil.
func NewRecorder(logger *slog.Logger, timeline Timeline, opts Options) (*Recorder, error) {
	if opts.MeterProvider == nil {
		opts.MeterProvider = otel.GetMeterProvider()
	}
	if opts.TraceProvider == nil {
		opts.TraceProvider = otel.GetTracerProvider()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 2 * time.Second
	}
	meter := opts.MeterProvider.Meter(instrumentation)
	r := &Recorder{
		logger:   logger.With(slog.String("component", "diagnostics")),
		timeline: timeline,
		opts:     opts,
		tracer:   opts.TraceProvider.Tracer(instrumentation),
		spans:    make(map[string]trace.Span),
	}
	var err error
	if r.sessions, err = meter.Int64Counter("loqa.dictation.sessions",
		metric.WithDescription("Finished dictation sessions by status and reason")); err != nil {
		return nil, fmt.Errorf("create sessions counter: %w", err)
	}
	if r.transitions, err = meter.Int64Counter("loqa.dictation.transitions",
		metric.WithDescription("Pipeline state transitions")); err != nil {
		return nil, fmt.Errorf("create transitions counter: %w", err)
	}
	if r.warnings, err = meter.Int64Counter("loqa.dictation.warnings",
		metric.WithDescription("Non-fatal pipeline warnings by code")); err != nil {
		return nil, fmt.Errorf("create warnings counter: %w", err)
	}
	if r.duration, err = meter.Float64Histogram("loqa.dictation.provider.duration",
		metric.WithDescription("Duration of provider calls"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create provider histogram: %w", err)
	}
	return r, nil
}

var _ pipeline.Reporter = (*Recorder)(nil)

func (r *Recorder) Transition(sessionID string, from, to pipeline.State) {
	ctx := context.Background()
	if from == pipeline.StateIdle && to == pipeline.StateRecording {
		_, span := r.tracer.Start(ctx, "dictation.session",
			trace.WithAttributes(attribute.String("session.id", sessionID), attribute.String("pipeline.mode", r.opts.Mode)))
		r.mu.Lock()
		r.spans[sessionID] = span
		r.mu.Unlock()
		r.write(func(ctx context.Context) error { return r.timeline.BeginSession(ctx, sessionID, r.opts.Mode) })
	}
	if span := r.span(sessionID); span != nil {
		span.AddEvent("transition", trace.WithAttributes(attribute.String("from", string(from)), attribute.String("to", string(to))))
	}
	r.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("from", string(from)), attribute.String("to", string(to))))
	r.write(func(ctx context.Context) error {
		return r.timeline.AppendEvent(ctx, eventstore.Event{SessionID: sessionID, Type: "transition", Detail: string(from) + "->" + string(to)})
	})
}

func (r *Recorder) ProviderCall(call pipeline.ProviderCall) {
	code := string(call.Code)
	if code == "" {
		code = "ok"
	}
	r.duration.Record(context.Background(), call.Duration.Seconds(), metric.WithAttributes(
		attribute.String("provider", call.Provider),
		attribute.String("op", call.Op),
		attribute.String("code", code)))
	if span := r.span(call.SessionID); span != nil {
		span.AddEvent("provider_call", trace.WithAttributes(
			attribute.String("provider", call.Provider),
			attribute.String("op", call.Op),
			attribute.String("code", code),
			attribute.Int64("duration_ms", call.Duration.Milliseconds())))
	}
	level := slog.LevelDebug
	if call.Code != "" {
		level = slog.LevelWarn
	}
	r.logger.Log(context.Background(), level, "provider call",
		slog.String("session", call.SessionID),
		slog.String("provider", call.Provider),
		slog.String("op", call.Op),
		slog.String("code", code),
		slog.Duration("duration", call.Duration))
	r.write(func(ctx context.Context) error {
		return r.timeline.AppendEvent(ctx, eventstore.Event{
			SessionID: call.SessionID,
			Type:      "provider_call",
			Code:      code,
			Provider:  call.Provider,
			Duration:  call.Duration,
			Detail:    call.Op,
		})
	})
}

func (r *Recorder) Partial(sessionID string, result transcribe.Result) {
	r.logger.Debug("partial transcript",
		slog.String("session", sessionID),
		slog.Int("revision", result.Revision),
		slog.Int("chars", len([]rune(result.Text))))
}

func (r *Recorder) Warning(sessionID string, code failure.Code, detail string) {
	r.warnings.Add(context.Background(), 1, metric.WithAttributes(attribute.String("code", string(code))))
	if span := r.span(sessionID); span != nil {
		span.AddEvent("warning", trace.WithAttributes(attribute.String("code", string(code))))
	}
	r.logger.Warn("session warning",
		slog.String("session", sessionID),
		slog.String("code", string(code)),
		slog.String("detail", detail))
	r.write(func(ctx context.Context) error {
		return r.timeline.AppendEvent(ctx, eventstore.Event{SessionID: sessionID, Type: "warning", Code: string(code), Detail: detail})
	})
}

func (r *Recorder) Outcome(o pipeline.Outcome) {
	r.sessions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("status", string(o.Status)),
		attribute.String("reason", o.Reason)))

	r.mu.Lock()
	span := r.spans[o.SessionID]
	delete(r.spans, o.SessionID)
	r.mu.Unlock()
	if span != nil {
		span.SetAttributes(attribute.String("outcome.status", string(o.Status)), attribute.String("outcome.reason", o.Reason))
		if o.Status == pipeline.StatusFailed {
			span.SetStatus(codes.Error, o.Reason)
		}
		span.End()
	}

	attrs := []any{
		slog.String("session", o.SessionID),
		slog.String("status", string(o.Status)),
		slog.String("reason", o.Reason),
		slog.Duration("duration", o.Duration),
	}
	if o.Status == pipeline.StatusDelivered {
		attrs = append(attrs, slog.Int("chars", o.Chars))
	}
	r.logger.Info("session outcome", attrs...)
	r.write(func(ctx context.Context) error {
		return r.timeline.FinishSession(ctx, o.SessionID, string(o.Status), o.Reason, o.Duration)
	})
}

func (r *Recorder) span(sessionID string) trace.Span {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spans[sessionID]
}

func (r *Recorder) write(fn func(context.Context) error) {
	if r.timeline == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		r.logger.Warn("timeline write failed", slog.String("error", err.Error()))
	}
}
