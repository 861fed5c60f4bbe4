// Package featurespec is the public API for embedding the feature
// specification generator.
//
//	app, err := featurespec.New(ctx,
//	    featurespec.WithVersion(version),
//	    featurespec.WithLogger(logger),
//	)
//	if err != nil { ... }
//	defer app.Close(ctx)
//	res, err := app.Generate(ctx, featurespec.Request{Prompt: "..."})
//
// The root package imports internal/*; internal/* never imports the root.
// Public extension types (Backend, Guardrail) carry no internal imports and
// are adapted at the boundary in this file.
package featurespec

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"time"

	"github.com/ashita-ai/featurespec/internal/backend"
	"github.com/ashita-ai/featurespec/internal/cache"
	"github.com/ashita-ai/featurespec/internal/config"
	"github.com/ashita-ai/featurespec/internal/guardrail"
	"github.com/ashita-ai/featurespec/internal/mcp"
	"github.com/ashita-ai/featurespec/internal/model"
	"github.com/ashita-ai/featurespec/internal/protocol"
	"github.com/ashita-ai/featurespec/internal/ratelimit"
	"github.com/ashita-ai/featurespec/internal/registry"
	"github.com/ashita-ai/featurespec/internal/router"
	"github.com/ashita-ai/featurespec/internal/service/orchestrator"
	"github.com/ashita-ai/featurespec/internal/service/status"
	"github.com/ashita-ai/featurespec/internal/storage"
	"github.com/ashita-ai/featurespec/internal/telemetry"
)

// dispatchQueue bounds pending file-protocol messages.
const dispatchQueue = 16

// App owns the trace store and every service built on it. Construct with
// New, release with Close.
type App struct {
	cfg          config.Config
	store        storage.Store
	registry     *registry.Holder
	cache        *cache.Cache
	limiter      ratelimit.Limiter
	orch         *orchestrator.Service
	status       *status.Service
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New loads configuration, opens the trace store (applying migrations),
// loads the backend catalog and wires the request pipeline. It starts no
// goroutines.
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	getenv := o.getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	config.LoadDotenv()
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.backendsFile != "" {
		cfg.BackendsFile = o.backendsFile
	}

	reg, err := LoadRegistry(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.DefaultModel != "" {
		if _, err := reg.Resolve(cfg.DefaultModel); err != nil {
			return nil, fmt.Errorf("FEATURESPEC_DEFAULT_MODEL: %w", err)
		}
	}

	backends, err := backend.NewSet(reg, backend.Options{HTTPClient: o.httpClient, Getenv: getenv})
	if err != nil {
		return nil, err
	}
	for name, b := range o.backends {
		if _, ok := reg.Get(name); !ok {
			return nil, fmt.Errorf("backend override %q is not in the catalog", name)
		}
		backends[name] = &publicBackend{name: name, b: b}
	}

	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("open trace store: %w", err)
	}

	holder := registry.NewHolder(reg)
	limiter := ratelimit.New(cfg.BackendRate, cfg.BackendBurst)
	engine := router.New(backends, store, logger,
		router.WithLimiter(limiter),
		router.WithConcurrency(reg.Descriptors()),
	)
	c := cache.New(store, cache.Config{Enabled: cfg.CacheEnabled, TTL: cfg.CacheTTL}, logger)

	var validator guardrail.Validator = guardrail.NewStructural()
	if o.guardrail != nil {
		validator = guardrailAdapter(o.guardrail)
	}

	orch := orchestrator.New(store, holder, c, engine, validator, orchestrator.Config{
		DefaultModel:       cfg.DefaultModel,
		DefaultTemperature: cfg.DefaultTemperature,
		DefaultFormat:      cfg.DefaultFormat,
		FallbackEnabled:    cfg.FallbackEnabled,
		Policy: router.Policy{
			MaxAttempts: cfg.MaxRetries,
			Timeout:     cfg.ModelTimeout,
			BackoffBase: cfg.BackoffBase,
			BackoffMax:  cfg.BackoffMax,
		},
		RejectPolicy: orchestrator.OutputRejectPolicy(cfg.OutputRejectPolicy),
	}, logger)

	logger.Info("featurespec ready", "version", version, "backends", len(backends), "default", reg.Default().Name)

	return &App{
		cfg:          cfg,
		store:        store,
		registry:     holder,
		cache:        c,
		limiter:      limiter,
		orch:         orch,
		status:       status.New(store, holder, c, version).WithGetenv(getenv),
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// LoadRegistry loads the backend catalog named by cfg and applies the
// configured fallback override.
func LoadRegistry(cfg config.Config) (*registry.Registry, error) {
	reg, err := registry.Load(cfg.BackendsFile)
	if err != nil {
		return nil, err
	}
	if len(cfg.FallbackChain) > 0 {
		reg, err = reg.WithFallback(cfg.FallbackChain)
		if err != nil {
			return nil, fmt.Errorf("FEATURESPEC_FALLBACK_CHAIN: %w", err)
		}
	}
	return reg, nil
}

// Generate runs one request through the pipeline. Failures are returned as
// errors whose Kind is available via FailureKind; the Result still carries
// the run id and trace counts.
func (a *App) Generate(ctx context.Context, req Request) (Result, error) {
	res, err := a.orch.Execute(ctx, orchestrator.Request{
		Prompt:      req.Prompt,
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Format:      req.Format,
		SessionID:   req.SessionID,
		Timeout:     req.Timeout,
		MaxRetries:  req.MaxRetries,
		NoCache:     req.NoCache,
	})
	return Result(res), err
}

// FailureKind returns the failure classification of an error from
// Generate: validation, unknown_model, routing_exhausted, storage, or
// guardrail_error. It returns "" for other errors.
func FailureKind(err error) string {
	var f *orchestrator.Failure
	if errors.As(err, &f) {
		return string(f.Kind)
	}
	return ""
}

// Status reports backend, credential and store health.
func (a *App) Status(ctx context.Context) *StatusReport {
	return a.status.Compute(ctx)
}

// RunHistory lists runs, newest first.
func (a *App) RunHistory(ctx context.Context, limit int, filter RunFilter) iter.Seq2[Run, error] {
	return a.store.RunHistory(ctx, limit, filter)
}

// RunDetail returns one run with its replay-ordered trace.
func (a *App) RunDetail(ctx context.Context, runID int64) (RunDetail, error) {
	return a.store.GetRunDetail(ctx, runID)
}

// Cleanup deletes runs older than days (with their trace) and cache entries
// older than cacheMaxAge. A zero argument skips that half.
func (a *App) Cleanup(ctx context.Context, days int, cacheMaxAge time.Duration) (PurgeCount, error) {
	var total model.PurgeCount
	if days > 0 {
		n, err := a.store.CleanupOldRuns(ctx, days)
		if err != nil {
			return total, err
		}
		total = n
	}
	if cacheMaxAge > 0 {
		n, err := a.store.CleanupCache(ctx, cacheMaxAge)
		if err != nil {
			return total, err
		}
		total.CacheEntries += n.CacheEntries
	}
	return total, nil
}

// CheckIntegrity runs the trace store's structural self-check.
func (a *App) CheckIntegrity(ctx context.Context) (IntegrityReport, error) {
	return a.store.CheckIntegrity(ctx)
}

// Serve processes file-protocol messages until ctx is cancelled. The
// retention loop runs alongside when FEATURESPEC_RUN_RETENTION_DAYS is set.
func (a *App) Serve(ctx context.Context) error {
	d := protocol.NewDispatcher(protocol.NewHandler(a.orch, a.status, a.logger), dispatchQueue, a.logger)
	d.Start()
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		d.Drain(drainCtx)
	}()

	ft, err := protocol.NewFileTransport(a.cfg.InboxPath, a.cfg.OutboxPath, a.cfg.PollInterval, d, a.logger)
	if err != nil {
		return err
	}
	if a.cfg.RunRetentionDays > 0 {
		go a.retentionLoop(ctx)
	}
	return ft.Run(ctx)
}

// ServeMCP serves the MCP protocol over stdio until the client disconnects.
func (a *App) ServeMCP(ctx context.Context) error {
	if a.cfg.RunRetentionDays > 0 {
		go a.retentionLoop(ctx)
	}
	return mcp.New(a.orch, a.store, a.status, a.logger, a.version).ServeStdio()
}

// Close releases the store, the limiter and the telemetry exporters.
func (a *App) Close(ctx context.Context) error {
	return errors.Join(
		a.limiter.Close(),
		a.store.Close(),
		a.otelShutdown(ctx),
	)
}

func (a *App) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.RetentionInterval)
	defer ticker.Stop()

	for {
		opCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		purged, err := a.Cleanup(opCtx, a.cfg.RunRetentionDays, a.cfg.CacheTTL)
		cancel()
		switch {
		case err != nil && ctx.Err() == nil:
			a.logger.Warn("retention cleanup failed", "error", err)
		case purged.Total() > 0:
			a.logger.Info("retention cleanup deleted rows",
				"runs", purged.Runs, "items", purged.Items, "guardrails", purged.Guardrails,
				"raw_responses", purged.RawResponses, "cache_entries", purged.CacheEntries)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// publicBackend adapts a public Backend to backend.Backend.
type publicBackend struct {
	name string
	b    Backend
}

func (p *publicBackend) Name() string { return p.name }

func (p *publicBackend) Invoke(ctx context.Context, req backend.Request) (backend.Response, error) {
	resp, err := p.b.Generate(ctx, BackendRequest{
		Prompt:      req.Prompt,
		System:      req.System,
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Format:      req.Format,
	})
	if err != nil {
		var be *BackendError
		if errors.As(err, &be) {
			return backend.Response{}, &backend.Error{Backend: p.name, Kind: backendKind(be.Kind), Message: be.Message, Body: rawBody(be.Raw), Err: err}
		}
		return backend.Response{}, err
	}
	modelID := resp.Model
	if modelID == "" {
		modelID = req.Model
	}
	return backend.Response{
		Text:  resp.Text,
		Model: modelID,
		Body:  rawBody(resp.Raw),
		Usage: backend.Usage{
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
			TotalTokens:      resp.PromptTokens + resp.CompletionTokens,
		},
	}, nil
}

func rawBody(raw []byte) *backend.Body {
	if len(raw) == 0 {
		return nil
	}
	return &backend.Body{Bytes: raw}
}

func backendKind(kind string) backend.Kind {
	switch k := backend.Kind(kind); k {
	case backend.KindTimeout, backend.KindAuth, backend.KindRateLimited,
		backend.KindMalformedRequest, backend.KindUnavailable, backend.KindQuotaExhausted:
		return k
	}
	return backend.KindUnavailable
}

// guardrailAdapter adapts a public Guardrail to guardrail.Validator.
func guardrailAdapter(g Guardrail) guardrail.Validator {
	return guardrail.Func(func(ctx context.Context, payload string, kind model.GuardrailType) (guardrail.Result, error) {
		v, err := g.Check(ctx, payload, GuardrailStage(kind))
		if err != nil {
			return guardrail.Result{}, err
		}
		return guardrail.Result{
			Passed:  v.Passed,
			Name:    "custom",
			Details: guardrail.Details{Reason: v.Reason, Length: len([]rune(payload))},
		}, nil
	})
}
