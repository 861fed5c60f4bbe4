// Package backend invokes language-model backends. Each implementation turns
// a Request into text or a classified *Error; the Router decides what to do
// with failures.
package backend

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/ashita-ai/featurespec/internal/registry"
)

// Request is one generation call.
type Request struct {
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	// Format is a hint ("json", "markdown", "text"); backends that support
	// constrained JSON output enable it for "json".
	Format string `json:"format,omitempty"`
}

// Usage is the token accounting reported by the backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a successful generation. Body is the backend-native body as
// received, kept for the trace.
type Response struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
	Body  *Body  `json:"-"`
	Model string `json:"model"`
}

// Backend produces text for a prompt.
type Backend interface {
	Name() string
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Func adapts a function to Backend.
type Func struct {
	BackendName string
	Fn          func(ctx context.Context, req Request) (Response, error)
}

// Name returns the backend name.
func (f Func) Name() string { return f.BackendName }

// Invoke calls Fn.
func (f Func) Invoke(ctx context.Context, req Request) (Response, error) { return f.Fn(ctx, req) }

// Options configure backends built by New.
type Options struct {
	HTTPClient *http.Client
	// Getenv looks up credentials. Defaults to os.Getenv.
	Getenv func(string) string
}

// New builds the backend described by d.
func New(d registry.Descriptor, opts Options) (Backend, error) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if !d.Available() {
		return unavailable{name: d.Name, reason: d.Unavailable}, nil
	}

	switch d.Kind {
	case registry.KindLocal:
		if d.Local == nil {
			return nil, fmt.Errorf("backend: %s: missing local parameters", d.Name)
		}
		return NewOllama(d.Name, d.Local.Endpoint, d.Local, opts.HTTPClient), nil
	case registry.KindRemote:
		if d.Remote == nil {
			return nil, fmt.Errorf("backend: %s: missing remote parameters", d.Name)
		}
		apiKey := ""
		if d.Remote.CredentialEnv != "" {
			apiKey = opts.Getenv(d.Remote.CredentialEnv)
		}
		switch d.Remote.Protocol {
		case registry.ProtocolOpenAI:
			return NewOpenAI(d.Name, d.Remote.Endpoint, apiKey, d.Remote.CredentialEnv, opts.HTTPClient), nil
		case registry.ProtocolAnthropic:
			return NewAnthropic(d.Name, d.Remote.Endpoint, apiKey, d.Remote.CredentialEnv, opts.HTTPClient), nil
		}
		return nil, fmt.Errorf("backend: %s: unsupported protocol %q", d.Name, d.Remote.Protocol)
	}
	return nil, fmt.Errorf("backend: %s: unsupported kind %q", d.Name, d.Kind)
}

// unavailable stands in for a backend that failed its load-time checks.
type unavailable struct {
	name   string
	reason string
}

func (u unavailable) Name() string { return u.name }

func (u unavailable) Invoke(context.Context, Request) (Response, error) {
	return Response{}, &Error{Backend: u.name, Kind: KindUnavailable, Permanent: true, Message: u.reason}
}

// NewSet builds one backend per descriptor in the registry, keyed by name.
func NewSet(reg *registry.Registry, opts Options) (map[string]Backend, error) {
	set := make(map[string]Backend, len(reg.Descriptors()))
	for _, d := range reg.Descriptors() {
		b, err := New(d, opts)
		if err != nil {
			return nil, err
		}
		set[d.Name] = b
	}
	return set, nil
}
