// Package model defines the core domain types for featurespec.
//
// All types correspond directly to the trace-store tables (agent_runs,
// run_items, guardrail_results, raw_responses, model_cache) and to the
// structured payloads written into them.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// RunStatus represents the lifecycle state of a run. It is derived from the
// result fields rather than stored independently.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// OutputTypeError is the output type recorded for runs that terminated with
// an error. FinalOutput then holds a JSON-encoded RunError.
const OutputTypeError = "error"

// Run is one end-to-end invocation. FinalOutput, OutputType and LastAgent
// stay nil until CompleteRun is called.
type Run struct {
	ID          int64     `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	SessionID   string    `json:"session_id"`
	Input       string    `json:"input"`
	FinalOutput *string   `json:"final_output,omitempty"`
	OutputType  *string   `json:"output_type,omitempty"`
	LastAgent   *string   `json:"last_agent,omitempty"`
	Status      RunStatus `json:"status"`
}

// DeriveStatus returns the status implied by the run's result fields.
func (r Run) DeriveStatus() RunStatus {
	switch {
	case r.FinalOutput == nil:
		return RunStatusRunning
	case r.OutputType != nil && *r.OutputType == OutputTypeError:
		return RunStatusFailed
	default:
		return RunStatusCompleted
	}
}

// RunError is the structured error marker stored in FinalOutput of a failed run.
type RunError struct {
	Kind     string          `json:"kind"`
	Message  string          `json:"message"`
	Attempts json.RawMessage `json:"attempts,omitempty"`
}

// Encode renders the marker as the JSON text stored in FinalOutput.
func (e RunError) Encode() string {
	data, err := json.Marshal(map[string]RunError{"error": e})
	if err != nil {
		return fmt.Sprintf(`{"error":{"kind":%q,"message":%q}}`, e.Kind, e.Message)
	}
	return string(data)
}

// RunFilter narrows RunHistory. Zero values mean "no constraint".
type RunFilter struct {
	SessionID  string     `json:"session_id,omitempty"`
	LastAgent  string     `json:"last_agent,omitempty"`
	OutputType string     `json:"output_type,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Until      *time.Time `json:"until,omitempty"`
}

// RunDetail is a run with its full, replay-ordered trace.
type RunDetail struct {
	Run          Run               `json:"run"`
	Items        []RunItem         `json:"items"`
	Guardrails   []GuardrailResult `json:"guardrails"`
	RawResponses []RawResponse     `json:"raw_responses"`
	// TraceDigest is the Merkle root over the raw responses' content hashes.
	// Empty when the run has no raw responses.
	TraceDigest string `json:"trace_digest,omitempty"`
}

// MaxSessionIDLen is the maximum length of a session identifier.
const MaxSessionIDLen = 255

// ValidateSessionID checks that a caller-supplied session id is non-empty,
// bounded, and free of whitespace and control characters.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session_id is required")
	}
	if len(id) > MaxSessionIDLen {
		return fmt.Errorf("session_id must be at most %d characters", MaxSessionIDLen)
	}
	if strings.IndexFunc(id, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return fmt.Errorf("session_id must not contain whitespace or control characters")
	}
	return nil
}
