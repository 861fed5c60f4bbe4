package featurespec

import "context"

// Backend is a language-model client supplied by the embedder. Registered
// with WithBackend, it replaces the built-in client for the catalog entry
// of the same name; routing, retries, caching and tracing still apply.
type Backend interface {
	Generate(ctx context.Context, req BackendRequest) (BackendResponse, error)
}

// BackendRequest is one generation call.
type BackendRequest struct {
	Prompt      string
	System      string
	Model       string
	Temperature float64
	MaxTokens   int
	Format      string
}

// BackendResponse is the text a backend produced. Raw, when set, is the
// backend's own response body and becomes the run's raw response: stored as
// is when it is JSON, wrapped in an envelope otherwise.
type BackendResponse struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Raw              []byte
}

// BackendError lets a Backend classify its failure. Any other error is
// treated as a transient outage and retried.
type BackendError struct {
	// Kind is one of timeout, auth, rate_limited, malformed_request,
	// unavailable, quota_exhausted.
	Kind    string
	Message string
	// Raw is the response body behind the failure, if any. It is traced
	// like BackendResponse.Raw.
	Raw []byte
}

func (e *BackendError) Error() string { return e.Kind + ": " + e.Message }

// Guardrail validates prompts and outputs. Registered with WithGuardrail,
// it replaces the built-in structural check.
type Guardrail interface {
	Check(ctx context.Context, payload string, stage GuardrailStage) (GuardrailVerdict, error)
}

// GuardrailStage says which side of the model call is being checked.
type GuardrailStage string

const (
	StageInput  GuardrailStage = "input"
	StageOutput GuardrailStage = "output"
)

// GuardrailVerdict is a Guardrail's decision.
type GuardrailVerdict struct {
	Passed bool
	Reason string
}
