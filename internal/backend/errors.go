package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind classifies a backend failure.
type Kind string

const (
	KindTimeout          Kind = "timeout"
	KindAuth             Kind = "auth"
	KindRateLimited      Kind = "rate_limited"
	KindMalformedRequest Kind = "malformed_request"
	KindUnavailable      Kind = "unavailable"
	KindQuotaExhausted   Kind = "quota_exhausted"
)

// maxErrorMessage bounds an unstructured error body quoted in Error.Message.
// The full body stays in Error.Body.
const maxErrorMessage = 512

// Error is a classified backend failure.
type Error struct {
	Backend    string
	Kind       Kind
	StatusCode int
	// Type is the provider error type string, when the body carried one.
	Type    string
	Message string
	// Permanent marks an Unavailable failure that will not clear within
	// the request (for example a missing weights file).
	Permanent bool
	// Body is the response body, when one was received.
	Body *Body
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "backend: %s: %s", e.Backend, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	} else if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same backend may succeed on another attempt.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindRateLimited:
		return true
	case KindUnavailable:
		return !e.Permanent
	default:
		return false
	}
}

// AsError classifies any error from Invoke. Errors that are not already a
// *Error become Timeout when a deadline expired and transient Unavailable
// otherwise.
func AsError(backendName string, err error) *Error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Backend: backendName, Kind: KindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Backend: backendName, Kind: KindTimeout, Err: err}
	}
	return &Error{Backend: backendName, Kind: KindUnavailable, Err: err}
}

// classifyStatus maps an HTTP error status and provider error type to a Kind.
func classifyStatus(status int, errType string) Kind {
	switch {
	case errType == "insufficient_quota" || status == http.StatusPaymentRequired:
		return KindQuotaExhausted
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		// Includes Anthropic's 529 overloaded.
		return KindUnavailable
	default:
		return KindMalformedRequest
	}
}

// readError turns a non-200 response into a classified *Error. It parses
// the common {"error":{"type","message"}} body shape used by OpenAI,
// Anthropic, and compatible servers, and Ollama's {"error":"..."}.
func readError(backendName string, b *Body) *Error {
	body := b.Bytes

	var structured struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	var flat struct {
		Error string `json:"error"`
	}

	e := &Error{Backend: backendName, StatusCode: b.Status, Body: b}
	switch {
	case json.Unmarshal(body, &structured) == nil && structured.Error.Message != "":
		e.Type = structured.Error.Type
		if structured.Error.Code == "insufficient_quota" {
			e.Type = structured.Error.Code
		}
		e.Message = structured.Error.Message
	case json.Unmarshal(body, &flat) == nil && flat.Error != "":
		e.Message = flat.Error
	default:
		e.Message = strings.TrimSpace(string(body))
		if len(e.Message) > maxErrorMessage {
			e.Message = e.Message[:maxErrorMessage] + "..."
		}
	}
	e.Kind = classifyStatus(b.Status, e.Type)
	return e
}
