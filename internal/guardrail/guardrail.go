// Package guardrail validates request input and model output. A failed check
// is a Result with Passed=false, never an error; errors mean the validator
// itself could not run.
package guardrail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ashita-ai/featurespec/internal/model"
)

// ErrRejected matches any *RejectedError.
var ErrRejected = errors.New("guardrail: rejected")

// Validator checks a payload.
type Validator interface {
	Validate(ctx context.Context, payload string, kind model.GuardrailType) (Result, error)
}

// FormatAware validators specialize their output checks for a requested
// output format.
type FormatAware interface {
	ForFormat(format string) Validator
}

// Result is the structured outcome of one check. It is persisted verbatim
// as the guardrail_results payload.
type Result struct {
	Passed  bool    `json:"passed"`
	Name    string  `json:"name"`
	Details Details `json:"details"`
}

// Details explains a Result.
type Details struct {
	Reason        string   `json:"reason,omitempty"`
	Length        int      `json:"length"`
	Format        string   `json:"format,omitempty"`
	MissingFields []string `json:"missing_fields,omitempty"`
}

// JSON encodes r for the trace store.
func (r Result) JSON() json.RawMessage {
	b, _ := json.Marshal(r)
	return b
}

// RejectedError carries a failed Result.
type RejectedError struct {
	Kind   model.GuardrailType
	Result Result
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("guardrail: %s rejected: %s", e.Kind, e.Result.Details.Reason)
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// FeatureFields are the keys a JSON feature specification must carry.
var FeatureFields = []string{"name", "description", "objectives", "requirements", "constraints"}

// DefaultMaxInput bounds prompt length in characters.
const DefaultMaxInput = 32 * 1024

// Structural is the default validator. Input must be non-blank and within
// MaxInput characters. Output must be non-blank; for the json format it must
// contain an object with every RequiredFields key.
type Structural struct {
	MaxInput       int
	Format         string
	RequiredFields []string
}

// NewStructural returns a Structural validator with default limits.
func NewStructural() *Structural {
	return &Structural{MaxInput: DefaultMaxInput, RequiredFields: FeatureFields}
}

// ForFormat returns a copy that applies format-specific output checks.
func (s *Structural) ForFormat(format string) Validator {
	c := *s
	c.Format = format
	return &c
}

// Validate runs the structural checks for kind.
func (s *Structural) Validate(_ context.Context, payload string, kind model.GuardrailType) (Result, error) {
	if kind != model.GuardrailInput && kind != model.GuardrailOutput {
		return Result{}, fmt.Errorf("guardrail: unknown kind %q", kind)
	}
	res := Result{Passed: true, Name: "structural", Details: Details{Length: utf8.RuneCountInString(payload), Format: s.Format}}
	if strings.TrimSpace(payload) == "" {
		return res.fail("empty " + string(kind)), nil
	}

	switch kind {
	case model.GuardrailInput:
		if s.MaxInput > 0 && res.Details.Length > s.MaxInput {
			return res.fail(fmt.Sprintf("input exceeds %d characters", s.MaxInput)), nil
		}
	case model.GuardrailOutput:
		if s.Format != "json" {
			return res, nil
		}
		obj, ok := ExtractJSONObject(payload)
		if !ok {
			return res.fail("output is not a JSON object"), nil
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal([]byte(obj), &fields); err != nil {
			return res.fail("output is not a JSON object"), nil
		}
		for _, f := range s.RequiredFields {
			if _, ok := fields[f]; !ok {
				res.Details.MissingFields = append(res.Details.MissingFields, f)
			}
		}
		if len(res.Details.MissingFields) > 0 {
			return res.fail("missing fields: " + strings.Join(res.Details.MissingFields, ", ")), nil
		}
	}
	return res, nil
}

func (r Result) fail(reason string) Result {
	r.Passed = false
	r.Details.Reason = reason
	return r
}

// ExtractJSONObject returns the span from the first '{' to the last '}'.
// Models often wrap JSON in prose or code fences.
func ExtractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return "", false
	}
	return s[start : end+1], true
}

// Func adapts a function to Validator.
type Func func(ctx context.Context, payload string, kind model.GuardrailType) (Result, error)

// Validate calls f.
func (f Func) Validate(ctx context.Context, payload string, kind model.GuardrailType) (Result, error) {
	return f(ctx, payload, kind)
}
