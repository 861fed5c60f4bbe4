package model

import (
	"encoding/json"
	"time"
)

// ItemType represents the category of a run item.
type ItemType string

const (
	ItemMessage     ItemType = "message"
	ItemHandoff     ItemType = "handoff"
	ItemModelCall   ItemType = "model_call"
	ItemFinalOutput ItemType = "final_output"
)

// Valid reports whether t is one of the enumerated item types.
func (t ItemType) Valid() bool {
	switch t {
	case ItemMessage, ItemHandoff, ItemModelCall, ItemFinalOutput:
		return true
	}
	return false
}

// GuardrailType distinguishes input checks from output checks.
type GuardrailType string

const (
	GuardrailInput  GuardrailType = "input"
	GuardrailOutput GuardrailType = "output"
)

// Valid reports whether t is input or output.
func (t GuardrailType) Valid() bool {
	return t == GuardrailInput || t == GuardrailOutput
}

// RunItem is an append-only event within a run. Immutable once written.
// Seq is a per-run counter shared with guardrail results and raw responses,
// so (created_at, seq) is a total replay order.
type RunItem struct {
	ID          int64           `json:"id"`
	RunID       int64           `json:"run_id"`
	Seq         int64           `json:"seq"`
	CreatedAt   time.Time       `json:"created_at"`
	ItemType    ItemType        `json:"item_type"`
	Payload     json.RawMessage `json:"payload"`
	SourceAgent *string         `json:"source_agent,omitempty"`
	TargetAgent *string         `json:"target_agent,omitempty"`
}

// GuardrailResult is the outcome of one guardrail check.
type GuardrailResult struct {
	ID            int64           `json:"id"`
	RunID         int64           `json:"run_id"`
	Seq           int64           `json:"seq"`
	CreatedAt     time.Time       `json:"created_at"`
	GuardrailType GuardrailType   `json:"guardrail_type"`
	Result        json.RawMessage `json:"result"`
}

// RawResponse is the verbatim backend payload for one attempt.
type RawResponse struct {
	ID          int64           `json:"id"`
	RunID       int64           `json:"run_id"`
	Seq         int64           `json:"seq"`
	CreatedAt   time.Time       `json:"created_at"`
	Payload     json.RawMessage `json:"payload"`
	ContentHash string          `json:"content_hash"`
}

// CallOutcome is the result recorded for a single backend attempt.
type CallOutcome string

const (
	OutcomeSuccess CallOutcome = "success"
	OutcomeFailure CallOutcome = "failure"
)

// ModelCallPayload is the payload of a model_call item.
type ModelCallPayload struct {
	Backend   string      `json:"backend"`
	Model     string      `json:"model"`
	Attempt   int         `json:"attempt"`
	Outcome   CallOutcome `json:"outcome"`
	ErrorKind string      `json:"error_kind,omitempty"`
	Error     string      `json:"error,omitempty"`
	LatencyMs int64       `json:"latency_ms"`
}

// CacheHitPayload is the payload of the message item written when a
// response is served from the cache.
type CacheHitPayload struct {
	Source   string `json:"source"`
	CacheKey string `json:"cache_key"`
	Backend  string `json:"backend,omitempty"`
	Model    string `json:"model,omitempty"`
}

// FinalOutputPayload is the payload of the final_output item.
type FinalOutputPayload struct {
	OutputType string `json:"output_type"`
	Backend    string `json:"backend,omitempty"`
	CacheHit   bool   `json:"cache_hit"`
	Rejected   bool   `json:"rejected"`
	Length     int    `json:"length"`
}
