package backend

import (
	"context"
	"net/http"
)

// OpenAI speaks the chat-completions protocol. It works against
// api.openai.com and any compatible server.
type OpenAI struct {
	name          string
	baseURL       string
	apiKey        string
	credentialEnv string
	httpClient    *http.Client
}

// NewOpenAI creates a chat-completions backend. baseURL includes the
// version path, e.g. https://api.openai.com/v1.
func NewOpenAI(name, baseURL, apiKey, credentialEnv string, client *http.Client) *OpenAI {
	return &OpenAI{name: name, baseURL: baseURL, apiKey: apiKey, credentialEnv: credentialEnv, httpClient: client}
}

// Name returns the backend name.
func (o *OpenAI) Name() string { return o.name }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	Temperature    float64               `json:"temperature"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Invoke sends one chat completion.
func (o *OpenAI) Invoke(ctx context.Context, req Request) (Response, error) {
	if o.apiKey == "" && o.credentialEnv != "" {
		return Response{}, missingCredential(o.name, o.credentialEnv)
	}

	wire := openAIRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.System != "" {
		wire.Messages = append(wire.Messages, openAIMessage{Role: "system", Content: req.System})
	}
	wire.Messages = append(wire.Messages, openAIMessage{Role: "user", Content: req.Prompt})
	if req.Format == "json" {
		wire.ResponseFormat = &openAIResponseFormat{Type: "json_object"}
	}

	headers := map[string]string{}
	if o.apiKey != "" {
		headers["Authorization"] = "Bearer " + o.apiKey
	}
	body, err := postJSON(ctx, o.httpClient, o.name, joinURL(o.baseURL, "/chat/completions"), headers, wire)
	if err != nil {
		return Response{}, err
	}

	var out openAIResponse
	if err := decodeBody(o.name, body, &out); err != nil {
		return Response{}, err
	}
	if len(out.Choices) == 0 {
		return Response{}, &Error{Backend: o.name, Kind: KindUnavailable, Body: body, Message: "response has no choices"}
	}
	model := out.Model
	if model == "" {
		model = req.Model
	}
	return Response{
		Text: out.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		},
		Body:  body,
		Model: model,
	}, nil
}
