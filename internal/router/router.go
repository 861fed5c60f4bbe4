// Package router drives a request through a backend fallback chain. Each
// backend gets up to MaxAttempts tries for retryable failures; a
// non-retryable failure or spent attempts move on to the next backend in
// configured order. Every attempt is written to the trace before the next
// decision is made.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/featurespec/internal/backend"
	"github.com/ashita-ai/featurespec/internal/model"
	"github.com/ashita-ai/featurespec/internal/ratelimit"
	"github.com/ashita-ai/featurespec/internal/registry"
	"github.com/ashita-ai/featurespec/internal/telemetry"
)

// TraceWriter is the subset of the trace store the router writes to.
type TraceWriter interface {
	AppendItem(ctx context.Context, runID int64, itemType model.ItemType, payload json.RawMessage, sourceAgent, targetAgent *string) (model.RunItem, error)
	AppendRawResponse(ctx context.Context, runID int64, payload json.RawMessage) (model.RawResponse, error)
}

// Policy is the per-request retry configuration.
type Policy struct {
	// MaxAttempts is the number of tries per backend. Values below 1 mean 1.
	MaxAttempts int
	// Timeout bounds each individual call. Zero means no per-call bound.
	Timeout     time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultPolicy is used when the caller supplies no overrides.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	Timeout:     60 * time.Second,
	BackoffBase: 500 * time.Millisecond,
	BackoffMax:  10 * time.Second,
}

// Attempt records one backend call.
type Attempt struct {
	Backend string
	Model   string
	Number  int
	Latency time.Duration
	Err     *backend.Error
	// RawRecorded is set when a raw response was written for this attempt.
	RawRecorded bool
}

// Result is a successful routing outcome.
type Result struct {
	Backend  string
	Model    string
	Response backend.Response
	Attempts []Attempt
}

// Engine routes requests. It is safe for concurrent use; all state is per
// call except the throttle and concurrency gates.
type Engine struct {
	backends map[string]backend.Backend
	trace    TraceWriter
	logger   *slog.Logger
	limiter  ratelimit.Limiter
	gates    map[string]*semaphore.Weighted

	sleep func(ctx context.Context, d time.Duration) error
	// randomization spreads each delay over ±this fraction of its interval.
	randomization float64

	tracer   trace.Tracer
	attempts metric.Int64Counter
	latency  metric.Float64Histogram
}

// Option configures an Engine.
type Option func(*Engine)

// WithLimiter paces calls per backend.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithConcurrency bounds in-flight calls per backend using each
// descriptor's MaxConcurrency. Zero means unbounded.
func WithConcurrency(descs []registry.Descriptor) Option {
	return func(e *Engine) {
		for _, d := range descs {
			if d.MaxConcurrency > 0 {
				e.gates[d.Name] = semaphore.NewWeighted(int64(d.MaxConcurrency))
			}
		}
	}
}

// WithSleep replaces the backoff sleep. Tests use it to observe delays
// without waiting.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// WithRandomization sets the backoff jitter as a fraction of each delay.
// Zero gives the exact exponential schedule.
func WithRandomization(f float64) Option {
	return func(e *Engine) { e.randomization = f }
}

// New creates an Engine over backends keyed by name.
func New(backends map[string]backend.Backend, tw TraceWriter, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		backends: backends,
		trace:    tw,
		logger:   logger,
		limiter:  ratelimit.NoopLimiter{},
		gates:    make(map[string]*semaphore.Weighted),
		sleep:    sleepCtx,
		tracer:   telemetry.Tracer("featurespec/router"),

		randomization: defaultRandomization,
	}
	meter := telemetry.Meter("featurespec/router")
	if c, err := meter.Int64Counter("featurespec.router.attempts"); err == nil {
		e.attempts = c
	}
	if h, err := meter.Float64Histogram("featurespec.router.attempt_duration", metric.WithUnit("ms")); err == nil {
		e.latency = h
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Route tries chain in order. The first descriptor is the primary and is
// called with req.Model; fallbacks are called with their own default model.
// Trace write failures abort routing and are returned as-is so the caller
// can treat them as storage failures.
func (e *Engine) Route(ctx context.Context, runID int64, chain []registry.Descriptor, req backend.Request, policy Policy) (Result, error) {
	if len(chain) == 0 {
		return Result{}, errors.New("router: empty backend chain")
	}
	maxAttempts := max(policy.MaxAttempts, 1)

	var attempts []Attempt
	for i, desc := range chain {
		callReq := req
		if i > 0 || callReq.Model == "" {
			callReq.Model = desc.DefaultModel
		}

		delays := e.schedule(policy)
		for n := 1; n <= maxAttempts; n++ {
			if n > 1 {
				if err := e.sleep(ctx, delays.next()); err != nil {
					return Result{}, &RoutingExhaustedError{Attempts: attempts, Cause: err}
				}
			}

			a, resp, err := e.attempt(ctx, runID, desc, callReq, n, policy.Timeout)
			if err != nil {
				return Result{}, err
			}
			attempts = append(attempts, a)

			callErr := a.Err
			if callErr == nil {
				return Result{Backend: desc.Name, Model: resp.Model, Response: resp, Attempts: attempts}, nil
			}
			if ctx.Err() != nil {
				return Result{}, &RoutingExhaustedError{Attempts: attempts, Cause: ctx.Err()}
			}
			if !callErr.Retryable() {
				e.logger.Warn("router: backend failed, not retrying",
					"run_id", runID, "backend", desc.Name, "attempt", n, "kind", callErr.Kind, "error", callErr)
				break
			}
			e.logger.Warn("router: backend failed",
				"run_id", runID, "backend", desc.Name, "attempt", n, "max_attempts", maxAttempts, "kind", callErr.Kind, "error", callErr)
		}
	}
	return Result{}, &RoutingExhaustedError{Attempts: attempts}
}

// attempt makes one call and writes its trace. The returned Attempt carries
// the backend's classified failure; err is a trace-store failure.
func (e *Engine) attempt(ctx context.Context, runID int64, desc registry.Descriptor, req backend.Request, n int, timeout time.Duration) (Attempt, backend.Response, error) {
	ctx, span := e.tracer.Start(ctx, "router.attempt", trace.WithAttributes(
		attribute.String("featurespec.backend", desc.Name),
		attribute.String("featurespec.model", req.Model),
		attribute.Int("featurespec.attempt", n),
		attribute.Int64("featurespec.run_id", runID),
	))
	defer span.End()

	start := time.Now()
	resp, callErr := e.invoke(ctx, desc, req, timeout)
	a := Attempt{Backend: desc.Name, Model: req.Model, Number: n, Latency: time.Since(start), Err: callErr}

	// Trace writes outlive caller cancellation. Raw response first, so the
	// audit trail has the body even if the item write fails.
	traceCtx := context.WithoutCancel(ctx)
	var raw json.RawMessage
	switch {
	case callErr == nil:
		raw = rawPayload(resp)
	case callErr.Body != nil:
		raw = callErr.Body.Payload()
	}
	if raw != nil {
		if _, err := e.trace.AppendRawResponse(traceCtx, runID, raw); err != nil {
			return a, resp, fmt.Errorf("router: record raw response: %w", err)
		}
		a.RawRecorded = true
	}

	payload := model.ModelCallPayload{
		Backend:   desc.Name,
		Model:     req.Model,
		Attempt:   n,
		Outcome:   model.OutcomeSuccess,
		LatencyMs: a.Latency.Milliseconds(),
	}
	if callErr != nil {
		payload.Outcome = model.OutcomeFailure
		payload.ErrorKind = string(callErr.Kind)
		payload.Error = callErr.Error()
		span.SetStatus(codes.Error, string(callErr.Kind))
	}
	body, _ := json.Marshal(payload)
	target := desc.Name
	if _, err := e.trace.AppendItem(traceCtx, runID, model.ItemModelCall, body, nil, &target); err != nil {
		return a, resp, fmt.Errorf("router: record attempt: %w", err)
	}

	attrs := metric.WithAttributes(
		attribute.String("backend", desc.Name),
		attribute.String("outcome", string(payload.Outcome)),
		attribute.String("error_kind", payload.ErrorKind),
	)
	if e.attempts != nil {
		e.attempts.Add(ctx, 1, attrs)
	}
	if e.latency != nil {
		e.latency.Record(ctx, float64(a.Latency.Milliseconds()), attrs)
	}
	return a, resp, nil
}

// invoke runs one bounded backend call. The per-call context is cancelled
// before invoke returns, which releases the underlying connection.
func (e *Engine) invoke(ctx context.Context, desc registry.Descriptor, req backend.Request, timeout time.Duration) (backend.Response, *backend.Error) {
	b, ok := e.backends[desc.Name]
	if !ok {
		return backend.Response{}, &backend.Error{Backend: desc.Name, Kind: backend.KindUnavailable, Permanent: true, Message: "backend not configured"}
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := e.limiter.Wait(callCtx, desc.Name); err != nil {
		return backend.Response{}, backend.AsError(desc.Name, err)
	}
	if gate, ok := e.gates[desc.Name]; ok {
		if err := gate.Acquire(callCtx, 1); err != nil {
			return backend.Response{}, backend.AsError(desc.Name, err)
		}
		defer gate.Release(1)
	}

	resp, err := b.Invoke(callCtx, req)
	if err != nil {
		return backend.Response{}, backend.AsError(desc.Name, err)
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return resp, nil
}

const defaultRandomization = 0.25

// schedule yields the delays between attempts on one backend: BackoffBase
// doubling per retry, randomized, never above BackoffMax.
type schedule struct {
	b   *backoff.ExponentialBackOff
	max time.Duration
}

func (e *Engine) schedule(p Policy) *schedule {
	if p.BackoffBase <= 0 {
		return &schedule{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BackoffBase
	b.Multiplier = 2
	b.RandomizationFactor = e.randomization
	if p.BackoffMax > 0 {
		b.MaxInterval = p.BackoffMax
	}
	b.Reset()
	return &schedule{b: b, max: p.BackoffMax}
}

func (s *schedule) next() time.Duration {
	if s.b == nil {
		return 0
	}
	d := s.b.NextBackOff()
	if d == backoff.Stop || d < 0 {
		return s.max
	}
	if s.max > 0 && d > s.max {
		d = s.max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// rawPayload is the received body when the backend supplied one, otherwise
// a minimal JSON rendering of the response.
func rawPayload(resp backend.Response) json.RawMessage {
	if resp.Body != nil {
		return resp.Body.Payload()
	}
	b, _ := json.Marshal(struct {
		Text  string        `json:"text"`
		Model string        `json:"model"`
		Usage backend.Usage `json:"usage"`
	}{resp.Text, resp.Model, resp.Usage})
	return b
}

// RoutingExhaustedError reports that every backend in the chain failed.
type RoutingExhaustedError struct {
	Attempts []Attempt
	// Cause is set when routing stopped early because ctx ended.
	Cause error
}

func (e *RoutingExhaustedError) Error() string {
	var b strings.Builder
	b.WriteString("router: all backends failed")
	if e.Cause != nil {
		fmt.Fprintf(&b, " (%v)", e.Cause)
	}
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "; %s#%d: %s", a.Backend, a.Number, a.Err.Kind)
	}
	return b.String()
}

func (e *RoutingExhaustedError) Unwrap() error { return e.Cause }

// Backends lists the distinct backends tried, in order.
func (e *RoutingExhaustedError) Backends() []string {
	var out []string
	for _, a := range e.Attempts {
		if len(out) == 0 || out[len(out)-1] != a.Backend {
			out = append(out, a.Backend)
		}
	}
	return out
}

// Detail is a JSON-friendly rendering of one failed attempt.
type Detail struct {
	Backend string `json:"backend"`
	Model   string `json:"model"`
	Attempt int    `json:"attempt"`
	Kind    string `json:"kind"`
	Error   string `json:"error"`
}

// Details renders every attempt for an error payload.
func (e *RoutingExhaustedError) Details() []Detail {
	out := make([]Detail, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		d := Detail{Backend: a.Backend, Model: a.Model, Attempt: a.Number}
		if a.Err != nil {
			d.Kind = string(a.Err.Kind)
			d.Error = a.Err.Error()
		}
		out = append(out, d)
	}
	return out
}
