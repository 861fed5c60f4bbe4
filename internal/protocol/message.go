// Package protocol is the file-based message boundary. The JSON message shape
// lives here only; inside, requests travel over a Dispatcher channel to a
// Handler that calls the orchestrator and status services.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Message types.
const (
	TypeFeature = "feature"
	TypeStatus  = "status"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ErrMalformed is returned for messages that cannot be decoded.
var ErrMalformed = errors.New("malformed message")

// Message is one inbound request.
type Message struct {
	ID       string   `json:"id,omitempty"`
	Content  string   `json:"content"`
	Metadata Metadata `json:"metadata"`
}

// Metadata selects the command and its options.
type Metadata struct {
	Type    string  `json:"type,omitempty"`
	Options Options `json:"options"`
}

// Options are per-request generation overrides.
type Options struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Format      string   `json:"format,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
}

// Response is one outbound result.
type Response struct {
	ID       string           `json:"id"`
	Content  any              `json:"content"`
	Metadata ResponseMetadata `json:"metadata"`
}

// ResponseMetadata carries the outcome and trace counts.
type ResponseMetadata struct {
	Status       string `json:"status"`
	Type         string `json:"type"`
	RunID        int64  `json:"run_id,omitempty"`
	Backend      string `json:"backend,omitempty"`
	CacheHit     bool   `json:"cache_hit,omitempty"`
	Rejected     bool   `json:"rejected,omitempty"`
	Items        int    `json:"items"`
	Guardrails   int    `json:"guardrails"`
	RawResponses int    `json:"raw_responses"`
}

// ErrorContent is the content of an error response.
type ErrorContent struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// DecodeMessage parses one message. A missing type means feature.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Metadata.Type == "" {
		msg.Metadata.Type = TypeFeature
	}
	return msg, nil
}

// errorResponse builds an error response for msg.
func errorResponse(id, typ, kind string, err error) Response {
	return Response{
		ID:       id,
		Content:  ErrorContent{Error: err.Error(), Kind: kind},
		Metadata: ResponseMetadata{Status: StatusError, Type: typ},
	}
}
