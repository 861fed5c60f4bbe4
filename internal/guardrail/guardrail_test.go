package guardrail

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/featurespec/internal/model"
)

func TestInputChecks(t *testing.T) {
	g := NewStructural()
	ctx := context.Background()

	res, err := g.Validate(ctx, "Create REST API", model.GuardrailInput)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, 15, res.Details.Length)

	res, err = g.Validate(ctx, "  \n\t", model.GuardrailInput)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, "empty input", res.Details.Reason)

	g.MaxInput = 5
	res, err = g.Validate(ctx, "ééééééé", model.GuardrailInput)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Details.Reason, "exceeds 5")
}

func TestOutputFreeFormat(t *testing.T) {
	g := NewStructural().ForFormat("markdown")
	res, err := g.Validate(context.Background(), "# Feature", model.GuardrailOutput)
	require.NoError(t, err)
	assert.True(t, res.Passed)

	res, err = g.Validate(context.Background(), "", model.GuardrailOutput)
	require.NoError(t, err)
	assert.False(t, res.Passed)
}

func TestOutputJSONFields(t *testing.T) {
	g := NewStructural().ForFormat("json")
	ctx := context.Background()

	full := "Here you go:\n```json\n" + `{"name":"2FA","description":"d","objectives":[],"requirements":[],"constraints":[]}` + "\n```"
	res, err := g.Validate(ctx, full, model.GuardrailOutput)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, "json", res.Details.Format)

	res, err = g.Validate(ctx, `{"name":"2FA","description":"d"}`, model.GuardrailOutput)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, []string{"objectives", "requirements", "constraints"}, res.Details.MissingFields)

	res, err = g.Validate(ctx, "no json here", model.GuardrailOutput)
	require.NoError(t, err)
	assert.False(t, res.Passed)

	res, err = g.Validate(ctx, "{not valid}", model.GuardrailOutput)
	require.NoError(t, err)
	assert.False(t, res.Passed)
}

func TestForFormatDoesNotMutate(t *testing.T) {
	g := NewStructural()
	_ = g.ForFormat("json")
	assert.Empty(t, g.Format)
}

func TestUnknownKindIsError(t *testing.T) {
	for _, payload := range []string{"x", "", "   "} {
		_, err := NewStructural().Validate(context.Background(), payload, "sideways")
		assert.Error(t, err, "payload %q", payload)
	}
}

func TestResultJSON(t *testing.T) {
	res := Result{Passed: false, Name: "structural", Details: Details{Reason: "r", Length: 1}}
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(res.JSON(), &decoded))
	assert.Equal(t, false, decoded["passed"])
	assert.Equal(t, "r", decoded["details"].(map[string]any)["reason"])
}

func TestRejectedError(t *testing.T) {
	err := error(&RejectedError{Kind: model.GuardrailInput, Result: Result{Details: Details{Reason: "empty input"}}})
	assert.True(t, errors.Is(err, ErrRejected))
	assert.True(t, strings.HasSuffix(err.Error(), "empty input"))
}

func TestExtractJSONObject(t *testing.T) {
	got, ok := ExtractJSONObject(`prefix {"a":{"b":1}} suffix`)
	require.True(t, ok)
	assert.Equal(t, `{"a":{"b":1}}`, got)

	_, ok = ExtractJSONObject("} backwards {")
	assert.False(t, ok)
}
