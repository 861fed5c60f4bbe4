package featurespec

import (
	"log/slog"
	"net/http"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
type resolvedOptions struct {
	databaseURL  string
	backendsFile string
	logger       *slog.Logger
	version      string
	httpClient   *http.Client
	backends     map[string]Backend
	guardrail    Guardrail
	getenv       func(string) string
}

// WithDatabaseURL overrides the trace store location (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithBackendsFile overrides the backend catalog path (FEATURESPEC_BACKENDS_FILE env var).
func WithBackendsFile(path string) Option {
	return func(o *resolvedOptions) { o.backendsFile = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in status and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithHTTPClient sets the client used by the built-in backends.
func WithHTTPClient(c *http.Client) Option {
	return func(o *resolvedOptions) { o.httpClient = c }
}

// WithBackend replaces the built-in client for the named catalog entry.
// The name must exist in the catalog.
func WithBackend(name string, b Backend) Option {
	return func(o *resolvedOptions) {
		if o.backends == nil {
			o.backends = map[string]Backend{}
		}
		o.backends[name] = b
	}
}

// WithGuardrail replaces the built-in structural guardrail.
func WithGuardrail(g Guardrail) Option {
	return func(o *resolvedOptions) { o.guardrail = g }
}

// WithGetenv replaces the credential lookup used by remote backends and
// status reporting. Configuration itself is still read from the process
// environment.
func WithGetenv(fn func(string) string) Option {
	return func(o *resolvedOptions) { o.getenv = fn }
}
