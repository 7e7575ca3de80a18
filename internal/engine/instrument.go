package engine

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-sing/internal/project"
)

const instrumentationName = "github.com/loqalabs/loqa-sing/engine"

// CallLatencyMetric is the histogram recording engine call latency in seconds.
const CallLatencyMetric = "loqa_sing_engine_call_seconds"

type instrumented struct {
	next     SongAPI
	log      *slog.Logger
	tracer   trace.Tracer
	calls    metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
}

// Instrument wraps api with tracing spans, call counters and a latency
// histogram using the global otel providers.
func Instrument(api SongAPI, logger *slog.Logger) SongAPI {
	meter := otel.Meter(instrumentationName)
	i := &instrumented{
		next:   api,
		log:    logger.With(slog.String("component", "engine")),
		tracer: otel.Tracer(instrumentationName),
	}
	var err error
	if i.calls, err = meter.Int64Counter("loqa_sing_engine_calls_total", metric.WithDescription("Engine calls by operation")); err != nil {
		i.log.Warn("failed to create engine call counter", slog.String("error", err.Error()))
	}
	if i.errors, err = meter.Int64Counter("loqa_sing_engine_errors_total", metric.WithDescription("Failed engine calls by operation")); err != nil {
		i.log.Warn("failed to create engine error counter", slog.String("error", err.Error()))
	}
	if i.duration, err = meter.Float64Histogram(CallLatencyMetric, metric.WithDescription("Engine call latency"), metric.WithUnit("s")); err != nil {
		i.log.Warn("failed to create engine latency histogram", slog.String("error", err.Error()))
	}
	return i
}

func (i *instrumented) observe(ctx context.Context, op string, engineID project.EngineID, styleID project.StyleID, fn func(context.Context) error) error {
	attrs := []attribute.KeyValue{
		attribute.String("operation", op),
		attribute.String("engine_id", string(engineID)),
	}
	ctx, span := i.tracer.Start(ctx, "engine."+op, trace.WithAttributes(append(attrs, attribute.Int("style_id", int(styleID)))...))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	opt := metric.WithAttributes(attrs...)
	if i.calls != nil {
		i.calls.Add(ctx, 1, opt)
	}
	if i.duration != nil {
		i.duration.Record(ctx, elapsed.Seconds(), opt)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if i.errors != nil {
			i.errors.Add(ctx, 1, opt)
		}
		i.log.Debug("engine call failed", slog.String("operation", op), slog.Duration("elapsed", elapsed), slog.String("error", err.Error()))
		return err
	}
	i.log.Debug("engine call", slog.String("operation", op), slog.Duration("elapsed", elapsed))
	return nil
}

func (i *instrumented) FetchFrameAudioQuery(ctx context.Context, engineID project.EngineID, styleID project.StyleID, engineFrameRate float64, notes []Note) (FrameAudioQuery, error) {
	var q FrameAudioQuery
	err := i.observe(ctx, OpFrameAudioQuery, engineID, styleID, func(ctx context.Context) error {
		var err error
		q, err = i.next.FetchFrameAudioQuery(ctx, engineID, styleID, engineFrameRate, notes)
		return err
	})
	return q, err
}

func (i *instrumented) FetchSingFrameF0(ctx context.Context, notes []Note, query FrameAudioQuery, engineID project.EngineID, styleID project.StyleID) ([]float64, error) {
	var f0 []float64
	err := i.observe(ctx, OpSingFrameF0, engineID, styleID, func(ctx context.Context) error {
		var err error
		f0, err = i.next.FetchSingFrameF0(ctx, notes, query, engineID, styleID)
		return err
	})
	return f0, err
}

func (i *instrumented) FetchSingFrameVolume(ctx context.Context, notes []Note, query FrameAudioQuery, engineID project.EngineID, styleID project.StyleID) ([]float64, error) {
	var volume []float64
	err := i.observe(ctx, OpSingFrameVolume, engineID, styleID, func(ctx context.Context) error {
		var err error
		volume, err = i.next.FetchSingFrameVolume(ctx, notes, query, engineID, styleID)
		return err
	})
	return volume, err
}

func (i *instrumented) FrameSynthesis(ctx context.Context, query FrameAudioQuery, engineID project.EngineID, styleID project.StyleID) ([]byte, error) {
	var wav []byte
	err := i.observe(ctx, OpFrameSynthesis, engineID, styleID, func(ctx context.Context) error {
		var err error
		wav, err = i.next.FrameSynthesis(ctx, query, engineID, styleID)
		return err
	})
	return wav, err
}
