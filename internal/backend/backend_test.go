package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/featurespec/internal/registry"
)

func TestOpenAIInvoke(t *testing.T) {
	var got openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"model":"gpt-4o-mini-2024","choices":[{"message":{"role":"assistant","content":"{\"name\":\"x\"}"}}],"usage":{"prompt_tokens":3,"completion_tokens":5,"total_tokens":8}}`))
	}))
	defer srv.Close()

	b := NewOpenAI("openai", srv.URL+"/v1", "sk-test", "OPENAI_API_KEY", srv.Client())
	resp, err := b.Invoke(context.Background(), Request{Prompt: "hi", System: "sys", Model: "gpt-4o-mini", Temperature: 0.2, Format: "json"})
	require.NoError(t, err)

	assert.Equal(t, `{"name":"x"}`, resp.Text)
	assert.Equal(t, "gpt-4o-mini-2024", resp.Model)
	assert.Equal(t, Usage{PromptTokens: 3, CompletionTokens: 5, TotalTokens: 8}, resp.Usage)
	require.NotNil(t, resp.Body)
	assert.Contains(t, string(resp.Body.Payload()), `"gpt-4o-mini-2024"`)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "hi", got.Messages[1].Content)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
}

func TestOpenAIMissingCredential(t *testing.T) {
	b := NewOpenAI("openai", "http://127.0.0.1:1", "", "OPENAI_API_KEY", http.DefaultClient)
	_, err := b.Invoke(context.Background(), Request{Prompt: "hi"})

	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindAuth, be.Kind)
	assert.False(t, be.Retryable())
	assert.Contains(t, be.Error(), "OPENAI_API_KEY")
}

func TestAnthropicInvoke(t *testing.T) {
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"model":"claude-3-5-haiku","content":[{"type":"text","text":"a"},{"type":"tool_use"},{"type":"text","text":"b"}],"usage":{"input_tokens":2,"output_tokens":4}}`))
	}))
	defer srv.Close()

	b := NewAnthropic("anthropic", srv.URL+"/v1", "key", "ANTHROPIC_API_KEY", srv.Client())
	resp, err := b.Invoke(context.Background(), Request{Prompt: "hi", System: "sys", Model: "claude-3-5-haiku"})
	require.NoError(t, err)

	assert.Equal(t, "ab", resp.Text)
	assert.Equal(t, 6, resp.Usage.TotalTokens)
	assert.Equal(t, "sys", got.System)
	assert.Equal(t, anthropicDefaultMaxTokens, got.MaxTokens)
}

func TestOllamaInvoke(t *testing.T) {
	var got ollamaGenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"model":"qwen","response":"spec","done":true,"prompt_eval_count":1,"eval_count":2}`))
	}))
	defer srv.Close()

	b := NewOllama("local", srv.URL, &registry.LocalParams{Threads: 4, ContextSize: 2048}, srv.Client())
	resp, err := b.Invoke(context.Background(), Request{Prompt: "p", Model: "qwen", Format: "json", MaxTokens: 100})
	require.NoError(t, err)

	assert.Equal(t, "spec", resp.Text)
	assert.Equal(t, 3, resp.Usage.TotalTokens)
	assert.False(t, got.Stream)
	assert.Equal(t, "json", got.Format)
	assert.Equal(t, 4, got.Options.NumThread)
	assert.Equal(t, 2048, got.Options.NumCtx)
	assert.Equal(t, 100, got.Options.NumPredict)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		kind      Kind
		retryable bool
	}{
		{"unauthorized", 401, `{"error":{"type":"authentication_error","message":"bad key"}}`, KindAuth, false},
		{"forbidden", 403, `{"error":{"type":"permission_error","message":"no"}}`, KindAuth, false},
		{"rate limited", 429, `{"error":{"type":"rate_limit_error","message":"slow down"}}`, KindRateLimited, true},
		{"quota", 429, `{"error":{"type":"insufficient_quota","message":"pay up"}}`, KindQuotaExhausted, false},
		{"quota code", 429, `{"error":{"type":"requests","code":"insufficient_quota","message":"pay up"}}`, KindQuotaExhausted, false},
		{"bad request", 400, `{"error":{"type":"invalid_request_error","message":"bad"}}`, KindMalformedRequest, false},
		{"model not found", 404, `{"error":"model not found"}`, KindMalformedRequest, false},
		{"server error", 500, `oops`, KindUnavailable, true},
		{"overloaded", 529, `{"error":{"type":"overloaded_error","message":"busy"}}`, KindUnavailable, true},
		{"gateway timeout", 504, ``, KindTimeout, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			b := NewOpenAI("openai", srv.URL, "k", "", srv.Client())
			_, err := b.Invoke(context.Background(), Request{Prompt: "x"})

			var be *Error
			require.ErrorAs(t, err, &be)
			assert.Equal(t, tc.kind, be.Kind)
			assert.Equal(t, tc.status, be.StatusCode)
			assert.Equal(t, tc.retryable, be.Retryable())
		})
	}
}

func TestErrorKeepsRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAI("openai", srv.URL, "k", "", srv.Client()).Invoke(context.Background(), Request{})
	var be *Error
	require.ErrorAs(t, err, &be)
	require.NotNil(t, be.Body)
	assert.JSONEq(t, `{"error":{"type":"invalid_request_error","message":"bad"}}`, string(be.Body.Payload()))
	assert.Equal(t, "bad", be.Message)
}

func TestTimeoutClassified(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewOllama("local", srv.URL, nil, srv.Client()).Invoke(ctx, Request{Prompt: "x"})

	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindTimeout, be.Kind)
	assert.True(t, be.Retryable())
}

func TestMalformedSuccessBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := NewOllama("local", srv.URL, nil, srv.Client()).Invoke(context.Background(), Request{})
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindUnavailable, be.Kind)
	require.NotNil(t, be.Body)
	assert.Equal(t, "not json", string(be.Body.Bytes))
	assert.JSONEq(t, `{"status":200,"content_type":"text/plain","body":"not json","truncated":false}`, string(be.Body.Payload()))
}

func TestHTMLErrorPageKept(t *testing.T) {
	page := "<html><body><h1>502 Bad Gateway</h1></body></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	_, err := NewOllama("local", srv.URL, nil, srv.Client()).Invoke(context.Background(), Request{})
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindUnavailable, be.Kind)
	assert.Equal(t, http.StatusBadGateway, be.StatusCode)
	require.NotNil(t, be.Body)

	var env bodyEnvelope
	require.NoError(t, json.Unmarshal(be.Body.Payload(), &env))
	assert.Equal(t, page, env.Body)
	assert.Equal(t, http.StatusBadGateway, env.Status)
	assert.Equal(t, "text/html", env.ContentType)
}

func TestBodyPayload(t *testing.T) {
	assert.Nil(t, (*Body)(nil).Payload())
	assert.Equal(t, `{"a":1}`, string((&Body{Status: 200, Bytes: []byte(`{"a":1}`)}).Payload()))

	truncated := &Body{Status: 200, Bytes: []byte(`{"a":`), Truncated: true}
	var env bodyEnvelope
	require.NoError(t, json.Unmarshal(truncated.Payload(), &env))
	assert.True(t, env.Truncated)
	assert.Equal(t, `{"a":`, env.Body)

	binary := &Body{Status: 500, Bytes: []byte{0xff, 0xfe, 0x00}}
	env = bodyEnvelope{}
	require.NoError(t, json.Unmarshal(binary.Payload(), &env))
	assert.Equal(t, []byte{0xff, 0xfe, 0x00}, env.BodyBase64)
	assert.Empty(t, env.Body)
}

func TestAsError(t *testing.T) {
	be := AsError("b", context.DeadlineExceeded)
	assert.Equal(t, KindTimeout, be.Kind)

	be = AsError("b", errors.New("connection refused"))
	assert.Equal(t, KindUnavailable, be.Kind)
	assert.True(t, be.Retryable())

	orig := &Error{Backend: "x", Kind: KindAuth}
	assert.Same(t, orig, AsError("b", orig))
}

func TestNewFromDescriptor(t *testing.T) {
	env := map[string]string{"KEY": "secret"}
	opts := Options{Getenv: func(k string) string { return env[k] }}

	local, err := New(registry.Descriptor{Name: "l", Kind: registry.KindLocal, Local: &registry.LocalParams{Endpoint: "http://x"}}, opts)
	require.NoError(t, err)
	assert.IsType(t, &Ollama{}, local)

	oa, err := New(registry.Descriptor{Name: "o", Kind: registry.KindRemote, Remote: &registry.RemoteParams{Endpoint: "http://x", CredentialEnv: "KEY", Protocol: registry.ProtocolOpenAI}}, opts)
	require.NoError(t, err)
	require.IsType(t, &OpenAI{}, oa)
	assert.Equal(t, "secret", oa.(*OpenAI).apiKey)

	an, err := New(registry.Descriptor{Name: "a", Kind: registry.KindRemote, Remote: &registry.RemoteParams{Endpoint: "http://x", Protocol: registry.ProtocolAnthropic}}, opts)
	require.NoError(t, err)
	assert.IsType(t, &Anthropic{}, an)

	_, err = New(registry.Descriptor{Name: "bad", Kind: registry.KindRemote, Remote: &registry.RemoteParams{Protocol: "grpc"}}, opts)
	assert.Error(t, err)
}

func TestUnavailableBackendIsPermanent(t *testing.T) {
	b, err := New(registry.Descriptor{Name: "l", Kind: registry.KindLocal, Unavailable: "model file missing"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "l", b.Name())

	_, err = b.Invoke(context.Background(), Request{})
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindUnavailable, be.Kind)
	assert.False(t, be.Retryable())
	assert.Contains(t, be.Error(), "model file missing")
}

func TestNewSetFromDefaultCatalog(t *testing.T) {
	reg, err := registry.Load("")
	require.NoError(t, err)

	set, err := NewSet(reg, Options{Getenv: func(string) string { return "" }})
	require.NoError(t, err)
	require.Len(t, set, len(reg.Descriptors()))
	for _, d := range reg.Descriptors() {
		assert.Equal(t, d.Name, set[d.Name].Name())
	}
}
