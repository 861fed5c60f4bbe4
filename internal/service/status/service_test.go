package status

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/featurespec/internal/registry"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func testRegistry(t *testing.T, localUnavailable string) *registry.Holder {
	t.Helper()
	reg, err := registry.New([]registry.Descriptor{
		{Name: "local", Kind: registry.KindLocal, Prefixes: []string{"local-"}, DefaultModel: "qwen", Unavailable: localUnavailable,
			Local: &registry.LocalParams{Endpoint: "http://localhost:11434"}},
		{Name: "openai", Kind: registry.KindRemote, Prefixes: []string{"gpt-"}, DefaultModel: "gpt-4o-mini",
			Remote: &registry.RemoteParams{Endpoint: "https://api.openai.com/v1", CredentialEnv: "OPENAI_API_KEY", Protocol: registry.ProtocolOpenAI}},
	}, "local", []string{"openai"})
	require.NoError(t, err)
	return registry.NewHolder(reg)
}

func env(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func TestHealthy(t *testing.T) {
	s := New(pinger{}, testRegistry(t, ""), nil, "v1").WithGetenv(env(map[string]string{"OPENAI_API_KEY": "sk-x"}))
	r := s.Compute(context.Background())

	assert.Equal(t, StatusHealthy, r.Status)
	assert.Empty(t, r.Gaps)
	assert.True(t, r.Store.Reachable)
	assert.Equal(t, CredentialConfigured, r.Env["OPENAI_API_KEY"])
	require.Len(t, r.Backends, 2)
	assert.True(t, r.Backends[0].Default)
	assert.Equal(t, 1, r.Backends[1].FallbackRank)
	assert.Equal(t, "v1", r.Version)
}

func TestMissingCredentialDegrades(t *testing.T) {
	s := New(pinger{}, testRegistry(t, ""), nil, "").WithGetenv(env(nil))
	r := s.Compute(context.Background())

	assert.Equal(t, StatusDegraded, r.Status)
	assert.Equal(t, CredentialUnset, r.Env["OPENAI_API_KEY"])
	assert.False(t, r.Backends[1].Available)
	assert.Equal(t, "OPENAI_API_KEY is not set", r.Backends[1].Reason)
	require.Len(t, r.Gaps, 1)
	assert.Contains(t, r.Gaps[0], "openai")
}

func TestNothingAvailable(t *testing.T) {
	s := New(pinger{}, testRegistry(t, "model file missing"), nil, "").WithGetenv(env(nil))
	r := s.Compute(context.Background())

	assert.Equal(t, StatusUnavailable, r.Status)
	assert.Equal(t, "No backend can serve requests.", r.Gaps[0])
	assert.Contains(t, r.Gaps[1], "Default backend local is unavailable: model file missing")
}

func TestStoreDown(t *testing.T) {
	s := New(pinger{err: errors.New("connection refused")}, testRegistry(t, ""), nil, "").
		WithGetenv(env(map[string]string{"OPENAI_API_KEY": "k"}))
	r := s.Compute(context.Background())

	assert.Equal(t, StatusUnavailable, r.Status)
	assert.False(t, r.Store.Reachable)
	assert.Contains(t, r.Gaps[0], "connection refused")
}

func TestBackendsWithoutStore(t *testing.T) {
	s := New(nil, testRegistry(t, ""), nil, "").WithGetenv(env(map[string]string{"OPENAI_API_KEY": "k"}))
	r := s.Compute(context.Background())
	assert.Equal(t, StatusHealthy, r.Status)
	assert.False(t, r.Store.Reachable)
	assert.Nil(t, r.Cache)
}
