// Package dispatch runs the synthesis pipeline: validate the request, consult
// the cache, walk the registry's candidate order and fall back across engines
// until one produces audio.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/maeumlabs/kotts-bridge/internal/cache"
	"github.com/maeumlabs/kotts-bridge/internal/config"
	"github.com/maeumlabs/kotts-bridge/internal/engine"
	"github.com/maeumlabs/kotts-bridge/internal/events"
	"github.com/maeumlabs/kotts-bridge/internal/registry"
)

// Request is one bridge-level synthesis request. Engine pins a preferred
// engine by name; empty means registry priority order. AllowFallback controls
// whether remaining candidates are tried after a failure.
type Request struct {
	Text          string
	Voice         string
	Speed         float64
	Engine        string
	AllowFallback bool
}

// Attempt records one failed engine try, in order.
type Attempt struct {
	Engine       string `json:"engine"`
	Kind         string `json:"kind"`
	ErrorKind    string `json:"error_kind"`
	ErrorMessage string `json:"error_message"`
}

// FallbackError aggregates every failed attempt once the candidate list is
// exhausted. errors.Is matches engine.ErrAllEnginesFailed.
type FallbackError struct {
	Attempts []Attempt
}

func (e *FallbackError) Error() string {
	names := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		names[i] = fmt.Sprintf("%s (%s)", a.Engine, a.ErrorKind)
	}
	return fmt.Sprintf("all candidate engines failed: %s", strings.Join(names, ", "))
}

func (e *FallbackError) Unwrap() error { return engine.ErrAllEnginesFailed }

// Attempts extracts the per-engine failure list when err carries one.
func Attempts(err error) []Attempt {
	var fe *FallbackError
	if errors.As(err, &fe) {
		return fe.Attempts
	}
	return nil
}

type Dispatcher struct {
	reg      *registry.Registry
	cache    *cache.Cache
	pub      *events.Publisher
	defaults config.DefaultsConfig
	log      *slog.Logger

	tracer          trace.Tracer
	requestCounter  metric.Int64Counter
	fallbackCounter metric.Int64Counter
	cacheHits       metric.Int64Counter
	latency         metric.Float64Histogram
}

// New wires the dispatcher. cache and pub may be nil; both degrade to no-ops.
func New(reg *registry.Registry, c *cache.Cache, pub *events.Publisher, defaults config.DefaultsConfig, log *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		reg:      reg,
		cache:    c,
		pub:      pub,
		defaults: defaults,
		log:      log.With(slog.String("component", "dispatch")),
		tracer:   otel.Tracer("github.com/maeumlabs/kotts-bridge/dispatch"),
	}
	d.initMetrics()
	return d
}

func (d *Dispatcher) initMetrics() {
	meter := otel.Meter("github.com/maeumlabs/kotts-bridge/dispatch")
	var err error
	if d.requestCounter, err = meter.Int64Counter("kotts.synthesis.requests",
		metric.WithDescription("Synthesis requests by outcome")); err != nil {
		d.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if d.fallbackCounter, err = meter.Int64Counter("kotts.synthesis.fallbacks",
		metric.WithDescription("Engine failures that triggered fallback")); err != nil {
		d.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if d.cacheHits, err = meter.Int64Counter("kotts.synthesis.cache_hits",
		metric.WithDescription("Requests served from the synthesis cache")); err != nil {
		d.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if d.latency, err = meter.Float64Histogram("kotts.synthesis.duration_seconds",
		metric.WithDescription("End-to-end synthesis latency")); err != nil {
		d.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
}

// Synthesize runs the full pipeline for one request.
func (d *Dispatcher) Synthesize(ctx context.Context, req Request) (*engine.Result, error) {
	start := time.Now()
	requestID := uuid.NewString()

	ctx, span := d.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.String("tts.request_id", requestID),
		attribute.String("tts.preferred_engine", req.Engine),
		attribute.Int("tts.text_length", utf8.RuneCountInString(req.Text)),
	))
	defer span.End()

	if err := d.validate(req); err != nil {
		d.finishFailed(span, requestID, req, nil, err, start)
		return nil, err
	}

	voice := req.Voice
	if voice == "" {
		voice = d.defaults.Voice
	}
	speed := engine.ClampSpeed(req.Speed)

	var key string
	if d.cache != nil {
		key = cache.Key(req.Engine, req.Text, voice, speed)
		if entry, ok := d.cache.Get(ctx, key); ok {
			res := resultFromEntry(entry)
			d.count(ctx, "cache_hit", res.EngineUsed)
			d.add(ctx, d.cacheHits, 1)
			d.observeLatency(ctx, start)
			span.SetAttributes(attribute.Bool("tts.cached", true), attribute.String("tts.engine_used", res.EngineUsed))
			d.pub.Done(doneEvent(requestID, req, res, 0, start))
			return res, nil
		}
	}

	candidates, err := d.reg.Select(req.Engine)
	if err != nil {
		d.finishFailed(span, requestID, req, nil, err, start)
		return nil, err
	}

	var attempts []Attempt
	for _, cand := range candidates {
		res, attemptErr := d.attempt(ctx, cand, req.Text, voice, req.Speed)
		if attemptErr == nil {
			if d.cache != nil {
				d.cache.Put(ctx, key, entryFromResult(res))
			}
			d.count(ctx, "success", res.EngineUsed)
			d.observeLatency(ctx, start)
			span.SetAttributes(
				attribute.String("tts.engine_used", res.EngineUsed),
				attribute.Int("tts.fallback_count", len(attempts)),
			)
			if len(attempts) > 0 {
				d.log.Info("synthesis succeeded after fallback",
					slog.String("request_id", requestID),
					slog.String("engine", res.EngineUsed),
					slog.Int("failed_attempts", len(attempts)))
			}
			d.pub.Done(doneEvent(requestID, req, res, len(attempts), start))
			return res, nil
		}

		if ctx.Err() != nil {
			err := fmt.Errorf("synthesis canceled: %w", ctx.Err())
			d.finishFailed(span, requestID, req, attempts, err, start)
			return nil, err
		}

		attempts = append(attempts, Attempt{
			Engine:       cand.Desc.Name,
			Kind:         string(cand.Desc.Kind),
			ErrorKind:    engine.Code(attemptErr),
			ErrorMessage: attemptErr.Error(),
		})
		d.log.Warn("engine attempt failed",
			slog.String("request_id", requestID),
			slog.String("engine", cand.Desc.Name),
			slog.String("error_kind", engine.Code(attemptErr)),
			slog.String("error", attemptErr.Error()))
		d.add(ctx, d.fallbackCounter, 1)

		if !req.AllowFallback {
			d.finishFailed(span, requestID, req, attempts, attemptErr, start)
			return nil, attemptErr
		}
		if engine.Code(attemptErr) == engine.CodeInvalidVoice {
			// the remaining engines get their own default voice instead of a
			// name only the failed engine understood
			voice = ""
		}
	}

	aggErr := &FallbackError{Attempts: attempts}
	d.finishFailed(span, requestID, req, attempts, aggErr, start)
	return nil, aggErr
}

// attempt runs one engine under its configured timeout, serialized when the
// engine is not concurrent-safe.
func (d *Dispatcher) attempt(ctx context.Context, cand registry.Candidate, text, voice string, speed float64) (*engine.Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, cand.Timeout)
	defer cancel()

	cand.Acquire()
	defer cand.Release()

	res, err := cand.Engine.Synthesize(attemptCtx, engine.Request{Text: text, Voice: voice, Speed: speed})
	if err != nil {
		if attemptCtx.Err() != nil && ctx.Err() == nil && engine.Code(err) == engine.CodeInternal {
			return nil, fmt.Errorf("engine %s timed out after %v: %w", cand.Desc.Name, cand.Timeout, engine.ErrEngineUnavailable)
		}
		return nil, err
	}
	return res, nil
}

func (d *Dispatcher) validate(req Request) error {
	if strings.TrimSpace(req.Text) == "" {
		return fmt.Errorf("text must not be empty: %w", engine.ErrInvalidRequest)
	}
	if max := d.defaults.MaxTextLength; max > 0 && utf8.RuneCountInString(req.Text) > max {
		return fmt.Errorf("text exceeds %d characters: %w", max, engine.ErrInvalidRequest)
	}
	if req.Speed < 0 || math.IsNaN(req.Speed) || math.IsInf(req.Speed, 0) {
		return fmt.Errorf("speed must be a positive number: %w", engine.ErrInvalidRequest)
	}
	return nil
}

func (d *Dispatcher) finishFailed(span trace.Span, requestID string, req Request, attempts []Attempt, err error, start time.Time) {
	span.RecordError(err)
	span.SetStatus(codes.Error, engine.Code(err))
	d.count(context.Background(), "failed", "")
	d.observeLatency(context.Background(), start)
	d.pub.Failed(events.SynthesisFailed{
		RequestID:  requestID,
		ErrorKind:  engine.Code(err),
		TextLength: utf8.RuneCountInString(req.Text),
		Attempts:   len(attempts),
		Timestamp:  time.Now().UTC(),
	})
}

func (d *Dispatcher) count(ctx context.Context, outcome, engineName string) {
	if d.requestCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	if engineName != "" {
		attrs = append(attrs, attribute.String("engine", engineName))
	}
	d.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (d *Dispatcher) add(ctx context.Context, counter metric.Int64Counter, n int64) {
	if counter != nil {
		counter.Add(ctx, n)
	}
}

func (d *Dispatcher) observeLatency(ctx context.Context, start time.Time) {
	if d.latency != nil {
		d.latency.Record(ctx, time.Since(start).Seconds())
	}
}

func resultFromEntry(e *cache.Entry) *engine.Result {
	return &engine.Result{
		Audio:          e.Audio,
		SampleRate:     e.SampleRate,
		Duration:       e.Duration,
		Format:         engine.Format(e.Format),
		EngineUsed:     e.EngineUsed,
		Voice:          e.Voice,
		EffectiveSpeed: e.Speed,
		Cached:         true,
	}
}

func entryFromResult(r *engine.Result) *cache.Entry {
	return &cache.Entry{
		Audio:      r.Audio,
		SampleRate: r.SampleRate,
		Duration:   r.Duration,
		Format:     string(r.Format),
		EngineUsed: r.EngineUsed,
		Voice:      r.Voice,
		Speed:      r.EffectiveSpeed,
	}
}

func doneEvent(requestID string, req Request, res *engine.Result, fallbacks int, start time.Time) events.SynthesisDone {
	return events.SynthesisDone{
		RequestID:     requestID,
		Engine:        res.EngineUsed,
		Voice:         res.Voice,
		Speed:         res.EffectiveSpeed,
		TextLength:    utf8.RuneCountInString(req.Text),
		DurationMS:    res.Duration.Milliseconds(),
		ProcessingMS:  time.Since(start).Milliseconds(),
		Cached:        res.Cached,
		FallbackCount: fallbacks,
		Timestamp:     time.Now().UTC(),
	}
}
