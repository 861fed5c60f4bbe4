// Package orchestrator runs the request lifecycle: create the run, check the
// input, consult the cache, route to a backend, check the output, complete
// the run. Every path that creates a run also completes it.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/featurespec/internal/backend"
	"github.com/ashita-ai/featurespec/internal/cache"
	"github.com/ashita-ai/featurespec/internal/guardrail"
	"github.com/ashita-ai/featurespec/internal/model"
	"github.com/ashita-ai/featurespec/internal/redact"
	"github.com/ashita-ai/featurespec/internal/registry"
	"github.com/ashita-ai/featurespec/internal/router"
	"github.com/ashita-ai/featurespec/internal/telemetry"
)

// Store is the trace-store surface the orchestrator writes to.
type Store interface {
	router.TraceWriter
	CreateRun(ctx context.Context, sessionID, input string) (int64, error)
	CompleteRun(ctx context.Context, runID int64, finalOutput, outputType, lastAgent string) error
	AppendGuardrailResult(ctx context.Context, runID int64, kind model.GuardrailType, result json.RawMessage) (model.GuardrailResult, error)
}

// Router obtains a backend response for a chain.
type Router interface {
	Route(ctx context.Context, runID int64, chain []registry.Descriptor, req backend.Request, policy router.Policy) (router.Result, error)
}

// OutputRejectPolicy decides what happens when the output guardrail fails.
type OutputRejectPolicy string

const (
	// RejectAnnotate returns the raw output marked as rejected.
	RejectAnnotate OutputRejectPolicy = "annotate"
	// RejectFail fails the request.
	RejectFail OutputRejectPolicy = "fail"
)

// Valid reports whether p is a known policy.
func (p OutputRejectPolicy) Valid() bool { return p == RejectAnnotate || p == RejectFail }

// Output formats.
const (
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
	FormatText     = "text"
)

// ValidFormat reports whether f is a supported output format.
func ValidFormat(f string) bool {
	return f == FormatJSON || f == FormatMarkdown || f == FormatText
}

// Config holds defaults applied to every request.
type Config struct {
	// DefaultModel is used when a request names no model. Empty selects
	// the registry's default backend.
	DefaultModel       string
	DefaultTemperature float64
	DefaultFormat      string
	FallbackEnabled    bool
	Policy             router.Policy
	RejectPolicy       OutputRejectPolicy
}

// DefaultConfig matches the CLI defaults.
var DefaultConfig = Config{
	DefaultTemperature: 0.7,
	DefaultFormat:      FormatJSON,
	FallbackEnabled:    true,
	Policy:             router.DefaultPolicy,
	RejectPolicy:       RejectAnnotate,
}

// Request is one generation request. Zero fields take Config defaults.
type Request struct {
	Prompt      string
	Model       string
	Temperature *float64
	MaxTokens   int
	Format      string
	SessionID   string
	Timeout     time.Duration
	MaxRetries  int
	NoCache     bool
}

// Result is the structured outcome of Execute. On failure it still carries
// the run id and trace counts.
type Result struct {
	RunID        int64  `json:"run_id"`
	SessionID    string `json:"session_id"`
	Output       string `json:"output"`
	OutputType   string `json:"output_type"`
	Backend      string `json:"backend,omitempty"`
	Model        string `json:"model,omitempty"`
	CacheHit     bool   `json:"cache_hit"`
	Rejected     bool   `json:"rejected"`
	Items        int    `json:"items"`
	Guardrails   int    `json:"guardrails"`
	RawResponses int    `json:"raw_responses"`
}

// Service executes requests. It holds no per-request state.
type Service struct {
	store     Store
	registry  *registry.Holder
	cache     *cache.Cache
	router    Router
	guardrail guardrail.Validator
	cfg       Config
	logger    *slog.Logger

	tracer   trace.Tracer
	runs     metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates a Service.
func New(store Store, reg *registry.Holder, c *cache.Cache, r Router, g guardrail.Validator, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.RejectPolicy.Valid() {
		cfg.RejectPolicy = RejectAnnotate
	}
	if cfg.DefaultFormat == "" {
		cfg.DefaultFormat = FormatJSON
	}
	meter := telemetry.Meter("featurespec/orchestrator")
	runs, _ := meter.Int64Counter("featurespec.runs",
		metric.WithDescription("Completed runs by status"))
	dur, _ := meter.Float64Histogram("featurespec.run.duration",
		metric.WithDescription("End-to-end request time (ms)"),
		metric.WithUnit("ms"),
	)
	return &Service{
		store:     store,
		registry:  reg,
		cache:     c,
		router:    r,
		guardrail: g,
		cfg:       cfg,
		logger:    logger,
		tracer:    telemetry.Tracer("featurespec/orchestrator"),
		runs:      runs,
		duration:  dur,
	}
}

// run is the per-request state threaded through Execute.
type run struct {
	res    Result
	format string
}

// Execute runs one request to completion. Failures are returned as *Failure
// alongside a Result carrying whatever trace was written.
func (s *Service) Execute(ctx context.Context, req Request) (res Result, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "orchestrator.execute")
	defer func() {
		status := "success"
		var f *Failure
		if errors.As(err, &f) {
			status = string(f.Kind)
			span.SetStatus(codes.Error, status)
		}
		span.SetAttributes(
			attribute.Int64("featurespec.run_id", res.RunID),
			attribute.String("featurespec.backend", res.Backend),
			attribute.Bool("featurespec.cache_hit", res.CacheHit),
		)
		span.End()
		attrs := metric.WithAttributes(attribute.String("status", status))
		if s.runs != nil {
			s.runs.Add(ctx, 1, attrs)
		}
		if s.duration != nil {
			s.duration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
		}
	}()

	r := &run{}
	bReq, policy, err := s.prepare(&req)
	if err != nil {
		return r.res, err
	}
	r.format = bReq.Format
	r.res.SessionID = req.SessionID

	// 1. Create the run. Nothing to complete if this fails.
	runID, err := s.store.CreateRun(ctx, req.SessionID, redact.String(req.Prompt))
	if err != nil {
		return r.res, &Failure{Kind: KindStorage, Err: err}
	}
	r.res.RunID = runID
	s.logger.Info("run started", "run_id", runID, "session_id", req.SessionID, "model", req.Model)

	if err := s.appendItem(ctx, r, model.ItemMessage, messagePayload{Role: "user", Content: redact.String(req.Prompt)}, nil); err != nil {
		return s.fail(ctx, r, KindStorage, err, "")
	}

	// 2. Input guardrail.
	passed, gr, err := s.check(ctx, r, s.guardrail, req.Prompt, model.GuardrailInput)
	if err != nil {
		return s.fail(ctx, r, kindOf(err), err, "")
	}
	if !passed {
		return s.fail(ctx, r, KindValidation, &guardrail.RejectedError{Kind: model.GuardrailInput, Result: gr}, "")
	}

	// Resolve the backend chain. Unknown models never reach a backend.
	reg := s.registry.Load()
	primary, err := reg.Resolve(req.Model)
	if err != nil {
		return s.fail(ctx, r, KindUnknownModel, err, "")
	}
	chain := reg.Chain(primary, s.cfg.FallbackEnabled)
	bReq.Model = primary.ModelFor(req.Model)

	// 3-5. Cache, then router.
	key := cache.Key(bReq)
	var (
		output   string
		cacheHit bool
	)
	if !req.NoCache {
		entry, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			return s.fail(ctx, r, KindStorage, err, "")
		}
		if ok {
			cacheHit = true
			output = entry.Response
			r.res.Backend = entry.Metadata.Backend
			r.res.Model = entry.Metadata.Model
			hit := model.CacheHitPayload{Source: "cache", CacheKey: key, Backend: entry.Metadata.Backend, Model: entry.Metadata.Model}
			if err := s.appendItem(ctx, r, model.ItemMessage, hit, nil); err != nil {
				return s.fail(ctx, r, KindStorage, err, r.res.Backend)
			}
			s.logger.Info("cache hit", "run_id", runID, "key", key, "backend", entry.Metadata.Backend)
		}
	}
	if !cacheHit {
		routed, err := s.router.Route(ctx, runID, chain, bReq, policy)
		for _, a := range attemptsOf(routed, err) {
			r.res.Items++
			if a.RawRecorded {
				r.res.RawResponses++
			}
		}
		if err != nil {
			return s.fail(ctx, r, kindOf(err), err, "")
		}
		output = routed.Response.Text
		r.res.Backend = routed.Backend
		r.res.Model = routed.Model
	}
	r.res.CacheHit = cacheHit

	// 6. Output guardrail.
	outGuard := s.guardrail
	if fa, ok := s.guardrail.(guardrail.FormatAware); ok {
		outGuard = fa.ForFormat(r.format)
	}
	passed, gr, err = s.check(ctx, r, outGuard, output, model.GuardrailOutput)
	if err != nil {
		return s.fail(ctx, r, kindOf(err), err, r.res.Backend)
	}
	if !passed {
		rejectErr := &guardrail.RejectedError{Kind: model.GuardrailOutput, Result: gr}
		if s.cfg.RejectPolicy == RejectFail {
			return s.fail(ctx, r, KindValidation, rejectErr, r.res.Backend)
		}
		r.res.Rejected = true
		s.logger.Warn("output rejected, returning annotated", "run_id", runID, "reason", gr.Details.Reason)
	}

	// Only verified, accepted responses are cached.
	if !cacheHit && !r.res.Rejected && !req.NoCache {
		meta := model.CacheMetadata{Model: r.res.Model, Backend: r.res.Backend}
		if err := s.cache.Put(ctx, key, output, meta); err != nil {
			s.logger.Warn("cache write failed", "run_id", runID, "error", err)
		}
	}

	// 7. Final output item and completion.
	final := model.FinalOutputPayload{
		OutputType: r.format,
		Backend:    r.res.Backend,
		CacheHit:   cacheHit,
		Rejected:   r.res.Rejected,
		Length:     len(output),
	}
	if err := s.appendItem(ctx, r, model.ItemFinalOutput, final, &r.res.Backend); err != nil {
		return s.fail(ctx, r, KindStorage, err, r.res.Backend)
	}
	if err := s.store.CompleteRun(ctx, runID, output, r.format, r.res.Backend); err != nil {
		return r.res, &Failure{Kind: KindStorage, RunID: runID, Err: err}
	}

	// 8. Result.
	r.res.Output = output
	r.res.OutputType = r.format
	s.logger.Info("run completed", "run_id", runID, "backend", r.res.Backend, "cache_hit", cacheHit, "rejected", r.res.Rejected)
	return r.res, nil
}

// prepare applies defaults and validates the request parameters.
func (s *Service) prepare(req *Request) (backend.Request, router.Policy, error) {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.Model == "" {
		req.Model = s.cfg.DefaultModel
	}
	if err := model.ValidateSessionID(req.SessionID); err != nil {
		return backend.Request{}, router.Policy{}, &Failure{Kind: KindValidation, Err: err}
	}

	temp := s.cfg.DefaultTemperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	if temp < 0 || temp > 2 {
		return backend.Request{}, router.Policy{}, &Failure{Kind: KindValidation, Err: fmt.Errorf("temperature %v out of range [0, 2]", temp)}
	}
	if req.MaxTokens < 0 {
		return backend.Request{}, router.Policy{}, &Failure{Kind: KindValidation, Err: fmt.Errorf("max_tokens must not be negative")}
	}
	format := strings.ToLower(req.Format)
	if format == "" {
		format = s.cfg.DefaultFormat
	}
	if !ValidFormat(format) {
		return backend.Request{}, router.Policy{}, &Failure{Kind: KindValidation, Err: fmt.Errorf("unsupported format %q", req.Format)}
	}

	policy := s.cfg.Policy
	if req.MaxRetries > 0 {
		policy.MaxAttempts = req.MaxRetries
	}
	if req.Timeout > 0 {
		policy.Timeout = req.Timeout
	}

	return backend.Request{
		Prompt:      req.Prompt,
		System:      systemPrompt(format),
		Temperature: temp,
		MaxTokens:   req.MaxTokens,
		Format:      format,
	}, policy, nil
}

// systemPrompt states the output shape for the requested format.
func systemPrompt(format string) string {
	switch format {
	case FormatJSON:
		return "Respond with a single JSON object describing the feature, with the keys " +
			strings.Join(guardrail.FeatureFields, ", ") + "."
	case FormatMarkdown:
		return "Respond with a Markdown feature specification."
	default:
		return "Respond with a plain-text feature specification."
	}
}

// check runs one guardrail and records its result.
func (s *Service) check(ctx context.Context, r *run, v guardrail.Validator, payload string, kind model.GuardrailType) (bool, guardrail.Result, error) {
	gr, err := v.Validate(ctx, payload, kind)
	if err != nil {
		return false, gr, &guardrailError{kind: kind, err: err}
	}
	if _, err := s.store.AppendGuardrailResult(context.WithoutCancel(ctx), r.res.RunID, kind, gr.JSON()); err != nil {
		return false, gr, err
	}
	r.res.Guardrails++
	return gr.Passed, gr, nil
}

type messagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (s *Service) appendItem(ctx context.Context, r *run, itemType model.ItemType, payload any, source *string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("orchestrator: encode %s item: %w", itemType, err)
	}
	if _, err := s.store.AppendItem(context.WithoutCancel(ctx), r.res.RunID, itemType, body, source, nil); err != nil {
		return err
	}
	r.res.Items++
	return nil
}

// fail completes the run with an error payload and returns the Failure.
// Completion is best-effort: if the store itself is failing the run may stay
// open, and that is logged.
func (s *Service) fail(ctx context.Context, r *run, kind Kind, cause error, lastAgent string) (Result, error) {
	f := &Failure{Kind: kind, RunID: r.res.RunID, Err: cause}
	runErr := model.RunError{Kind: string(kind), Message: redact.String(cause.Error())}
	var exhausted *router.RoutingExhaustedError
	if errors.As(cause, &exhausted) {
		runErr.Attempts, _ = json.Marshal(exhausted.Details())
		if lastAgent == "" && len(exhausted.Attempts) > 0 {
			lastAgent = exhausted.Attempts[len(exhausted.Attempts)-1].Backend
		}
	}

	encoded := runErr.Encode()
	if err := s.store.CompleteRun(context.WithoutCancel(ctx), r.res.RunID, encoded, model.OutputTypeError, lastAgent); err != nil {
		s.logger.Error("run left open: completion failed", "run_id", r.res.RunID, "kind", kind, "error", err)
	}
	s.logger.Warn("run failed", "run_id", r.res.RunID, "kind", kind, "error", cause)

	r.res.Output = encoded
	r.res.OutputType = model.OutputTypeError
	return r.res, f
}

func attemptsOf(res router.Result, err error) []router.Attempt {
	var exhausted *router.RoutingExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted.Attempts
	}
	return res.Attempts
}
