package backend

import (
	"context"
	"net/http"
	"strings"
)

const (
	anthropicVersion = "2023-06-01"
	// The messages API requires max_tokens.
	anthropicDefaultMaxTokens = 4096
)

// Anthropic speaks the messages protocol.
type Anthropic struct {
	name          string
	baseURL       string
	apiKey        string
	credentialEnv string
	httpClient    *http.Client
}

// NewAnthropic creates a messages backend. baseURL includes the version
// path, e.g. https://api.anthropic.com/v1.
func NewAnthropic(name, baseURL, apiKey, credentialEnv string, client *http.Client) *Anthropic {
	return &Anthropic{name: name, baseURL: baseURL, apiKey: apiKey, credentialEnv: credentialEnv, httpClient: client}
}

// Name returns the backend name.
func (a *Anthropic) Name() string { return a.name }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Invoke sends one message request and concatenates the text blocks.
func (a *Anthropic) Invoke(ctx context.Context, req Request) (Response, error) {
	if a.apiKey == "" && a.credentialEnv != "" {
		return Response{}, missingCredential(a.name, a.credentialEnv)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	wire := anthropicRequest{
		Model:       req.Model,
		System:      req.System,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}
	headers := map[string]string{"anthropic-version": anthropicVersion}
	if a.apiKey != "" {
		headers["x-api-key"] = a.apiKey
	}

	body, err := postJSON(ctx, a.httpClient, a.name, joinURL(a.baseURL, "/messages"), headers, wire)
	if err != nil {
		return Response{}, err
	}

	var out anthropicResponse
	if err := decodeBody(a.name, body, &out); err != nil {
		return Response{}, err
	}
	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	model := out.Model
	if model == "" {
		model = req.Model
	}
	return Response{
		Text: text.String(),
		Usage: Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		},
		Body:  body,
		Model: model,
	}, nil
}
