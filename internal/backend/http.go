package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"
)

// maxResponseBytes bounds how much of any response body is read.
const maxResponseBytes = 8 << 20

// Body is a response body as received. Bytes are never parsed or rewritten.
type Body struct {
	Status      int
	ContentType string
	Bytes       []byte
	// Truncated is set when the body exceeded the read limit.
	Truncated bool
}

// bodyEnvelope wraps a body that is not a complete JSON document.
type bodyEnvelope struct {
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Body        string `json:"body,omitempty"`
	BodyBase64  []byte `json:"body_base64,omitempty"`
	Truncated   bool   `json:"truncated"`
}

// Payload renders the body for the raw-response trace. A complete JSON body
// is returned as is; anything else (HTML error pages, plain text, truncated
// or non-UTF-8 bodies) goes into an envelope that still holds every byte
// that was read.
func (b *Body) Payload() json.RawMessage {
	if b == nil {
		return nil
	}
	if !b.Truncated && json.Valid(b.Bytes) {
		return json.RawMessage(b.Bytes)
	}
	env := bodyEnvelope{Status: b.Status, ContentType: b.ContentType, Truncated: b.Truncated}
	if utf8.Valid(b.Bytes) {
		env.Body = string(b.Bytes)
	} else {
		env.BodyBase64 = b.Bytes
	}
	out, _ := json.Marshal(env)
	return out
}

// readBody reads at most maxResponseBytes of resp's body.
func readBody(resp *http.Response) (*Body, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	body := &Body{Status: resp.StatusCode, ContentType: resp.Header.Get("Content-Type"), Bytes: raw}
	if len(raw) > maxResponseBytes {
		body.Bytes = raw[:maxResponseBytes]
		body.Truncated = true
	}
	return body, err
}

// postJSON sends wireRequest to endpoint and returns the success body.
// Non-200 statuses come back as a classified *Error carrying the body;
// transport failures are classified by AsError.
func postJSON(ctx context.Context, client *http.Client, backendName, endpoint string, headers map[string]string, wireRequest any) (*Body, error) {
	payload, err := json.Marshal(wireRequest)
	if err != nil {
		return nil, &Error{Backend: backendName, Kind: KindMalformedRequest, Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Backend: backendName, Kind: KindMalformedRequest, Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, AsError(backendName, fmt.Errorf("send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := readBody(resp)
	if err != nil {
		e := AsError(backendName, fmt.Errorf("read response: %w", err))
		if len(body.Bytes) > 0 {
			e.Body = body
		}
		return nil, e
	}
	if resp.StatusCode != http.StatusOK {
		return nil, readError(backendName, body)
	}
	return body, nil
}

// decodeBody unmarshals a success body. A body that does not parse is an
// Unavailable failure: the server answered, but not with the protocol we
// expected. The body stays attached for the trace.
func decodeBody(backendName string, body *Body, v any) error {
	if err := json.Unmarshal(body.Bytes, v); err != nil {
		return &Error{Backend: backendName, Kind: KindUnavailable, Body: body, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

func missingCredential(backendName, envName string) *Error {
	return &Error{Backend: backendName, Kind: KindAuth, Message: fmt.Sprintf("credential %s is not set", envName)}
}
