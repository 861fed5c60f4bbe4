package backend

import (
	"context"
	"net/http"

	"github.com/ashita-ai/featurespec/internal/registry"
)

// Ollama runs local weights through an Ollama-compatible server's generate
// API. Nothing leaves the machine.
type Ollama struct {
	name       string
	baseURL    string
	params     registry.LocalParams
	httpClient *http.Client
}

// NewOllama creates a local backend. An empty baseURL uses the default
// Ollama port.
func NewOllama(name, baseURL string, params *registry.LocalParams, client *http.Client) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	o := &Ollama{name: name, baseURL: baseURL, httpClient: client}
	if params != nil {
		o.params = *params
	}
	return o
}

// Name returns the backend name.
func (o *Ollama) Name() string { return o.name }

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
	NumThread   int     `json:"num_thread,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
}

type ollamaGenerateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Format  string        `json:"format,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Invoke runs one non-streaming generation.
func (o *Ollama) Invoke(ctx context.Context, req Request) (Response, error) {
	wire := ollamaGenerateRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		System: req.System,
		Stream: false,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
			NumThread:   o.params.Threads,
			NumCtx:      o.params.ContextSize,
		},
	}
	if req.Format == "json" {
		wire.Format = "json"
	}

	body, err := postJSON(ctx, o.httpClient, o.name, joinURL(o.baseURL, "/api/generate"), nil, wire)
	if err != nil {
		return Response{}, err
	}

	var out ollamaGenerateResponse
	if err := decodeBody(o.name, body, &out); err != nil {
		return Response{}, err
	}
	model := out.Model
	if model == "" {
		model = req.Model
	}
	return Response{
		Text: out.Response,
		Usage: Usage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
			TotalTokens:      out.PromptEvalCount + out.EvalCount,
		},
		Body:  body,
		Model: model,
	}, nil
}
