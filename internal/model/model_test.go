package model_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/featurespec/internal/model"
)

func strPtr(s string) *string { return &s }

func TestValidateSessionID(t *testing.T) {
	valid := []string{"s", "session-1", "abc_DEF.2", strings.Repeat("a", model.MaxSessionIDLen)}
	for _, id := range valid {
		require.NoError(t, model.ValidateSessionID(id), "expected valid: %q", id)
	}

	invalid := []string{"", "has space", "tab\there", "nl\n", strings.Repeat("a", model.MaxSessionIDLen+1)}
	for _, id := range invalid {
		assert.Error(t, model.ValidateSessionID(id), "expected invalid: %q", id)
	}
}

func TestRunDeriveStatus(t *testing.T) {
	tests := []struct {
		name string
		run  model.Run
		want model.RunStatus
	}{
		{"open", model.Run{}, model.RunStatusRunning},
		{"completed", model.Run{FinalOutput: strPtr("x"), OutputType: strPtr("markdown")}, model.RunStatusCompleted},
		{"failed", model.Run{FinalOutput: strPtr("{}"), OutputType: strPtr(model.OutputTypeError)}, model.RunStatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.run.DeriveStatus())
		})
	}
}

func TestRunErrorEncode(t *testing.T) {
	enc := model.RunError{Kind: "routing_exhausted", Message: "all backends failed"}.Encode()

	var decoded map[string]model.RunError
	require.NoError(t, json.Unmarshal([]byte(enc), &decoded))
	assert.Equal(t, "routing_exhausted", decoded["error"].Kind)
	assert.Equal(t, "all backends failed", decoded["error"].Message)
}

func TestCacheEntryExpired(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	e := model.CacheEntry{CreatedAt: created}
	ttl := time.Hour

	assert.False(t, e.Expired(created, ttl))
	assert.False(t, e.Expired(created.Add(ttl-time.Nanosecond), ttl))
	assert.True(t, e.Expired(created.Add(ttl), ttl), "expiry is inclusive at T+ttl")
	assert.True(t, e.Expired(created.Add(2*ttl), ttl))
	assert.False(t, e.Expired(created.Add(1000*ttl), 0), "zero ttl never expires")
}

func TestEnumValidity(t *testing.T) {
	for _, it := range []model.ItemType{model.ItemMessage, model.ItemHandoff, model.ItemModelCall, model.ItemFinalOutput} {
		assert.True(t, it.Valid(), it)
	}
	assert.False(t, model.ItemType("tool_call").Valid())

	assert.True(t, model.GuardrailInput.Valid())
	assert.True(t, model.GuardrailOutput.Valid())
	assert.False(t, model.GuardrailType("both").Valid())
}

func TestIntegrityReportOK(t *testing.T) {
	assert.True(t, model.IntegrityReport{RunsChecked: 3}.OK())
	assert.False(t, model.IntegrityReport{OrphanedItems: 1}.OK())
	assert.False(t, model.IntegrityReport{HashMismatches: []int64{7}}.OK())
}

func TestStorageErrorUnwrap(t *testing.T) {
	base := errors.New("disk full")
	err := fmt.Errorf("orchestrator: create run: %w", &model.StorageError{Op: "create run", Err: base})

	assert.True(t, model.IsStorageError(err))
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "storage: create run: disk full")
	assert.False(t, model.IsStorageError(base))
}
