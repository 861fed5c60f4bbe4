package registry

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func remote(name string, prefixes ...string) Descriptor {
	return Descriptor{
		Name:         name,
		Kind:         KindRemote,
		Prefixes:     prefixes,
		DefaultModel: name + "-default",
		Remote:       &RemoteParams{Endpoint: "https://example.test/v1", Protocol: ProtocolOpenAI},
	}
}

func TestResolveFirstMatchWins(t *testing.T) {
	r, err := New([]Descriptor{
		remote("broad", "gpt"),
		remote("narrow", "gpt-4"),
	}, "broad", nil)
	require.NoError(t, err)

	d, err := r.Resolve("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "broad", d.Name, "declaration order beats a longer match")
}

func TestResolveDefaultAndUnknown(t *testing.T) {
	r, err := New([]Descriptor{remote("a", "a-"), remote("b", "b-")}, "b", nil)
	require.NoError(t, err)

	d, err := r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "b", d.Name)
	assert.Equal(t, "b-default", d.ModelFor(""))
	assert.Equal(t, "b-explicit", d.ModelFor("b-explicit"))
	assert.Equal(t, "b-default", d.ModelFor("b"), "the backend name selects its default model")

	_, err = r.Resolve("zzz")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownModel)
	var ume *UnknownModelError
	require.True(t, errors.As(err, &ume))
	assert.Equal(t, "zzz", ume.Model)
}

func TestNewRejectsBadReferences(t *testing.T) {
	_, err := New(nil, "a", nil)
	assert.Error(t, err)

	_, err = New([]Descriptor{remote("a", "a")}, "missing", nil)
	assert.Error(t, err)

	_, err = New([]Descriptor{remote("a", "a")}, "a", []string{"ghost"})
	assert.Error(t, err)

	_, err = New([]Descriptor{remote("a", "a"), remote("a", "b")}, "a", nil)
	assert.Error(t, err)
}

func TestChain(t *testing.T) {
	r, err := New([]Descriptor{remote("a", "a"), remote("b", "b"), remote("c", "c")}, "a", []string{"b", "a", "c"})
	require.NoError(t, err)

	a, _ := r.Get("a")
	b, _ := r.Get("b")

	names := func(ds []Descriptor) []string {
		out := make([]string, len(ds))
		for i, d := range ds {
			out[i] = d.Name
		}
		return out
	}
	assert.Equal(t, []string{"a"}, names(r.Chain(a, false)))
	assert.Equal(t, []string{"a", "b", "c"}, names(r.Chain(a, true)))
	assert.Equal(t, []string{"b", "a", "c"}, names(r.Chain(b, true)), "primary is not repeated")
}

func TestRegistryIsNotAliased(t *testing.T) {
	ds := []Descriptor{remote("a", "a")}
	r, err := New(ds, "a", nil)
	require.NoError(t, err)

	ds[0].Name = "mutated"
	got := r.Descriptors()
	got[0].Prefixes = nil

	d, err := r.Resolve("a1")
	require.NoError(t, err)
	assert.Equal(t, "a", d.Name)
}

func TestHolderSwap(t *testing.T) {
	r1, err := New([]Descriptor{remote("one", "x")}, "one", nil)
	require.NoError(t, err)
	r2, err := New([]Descriptor{remote("two", "x")}, "two", nil)
	require.NoError(t, err)

	h := NewHolder(r1)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				d, err := h.Load().Resolve("x1")
				if err != nil || (d.Name != "one" && d.Name != "two") {
					t.Errorf("observed partial registry: %v %v", d, err)
					return
				}
			}
		}()
	}
	old := h.Swap(r2)
	wg.Wait()

	assert.Same(t, r1, old)
	assert.Same(t, r2, h.Load())
}

func TestLoadDefaultCatalog(t *testing.T) {
	r, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "local-coder", r.Default().Name)
	d, err := r.Resolve("claude-3-opus")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", d.Name)
	assert.Equal(t, ProtocolAnthropic, d.Remote.Protocol)

	d, err = r.Resolve("local-coder")
	require.NoError(t, err)
	assert.Equal(t, KindLocal, d.Kind)
	assert.True(t, d.Available())
}

func TestParseLocalModelFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.gguf"), make([]byte, MinModelFileSize), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tiny.gguf"), []byte("stub"), 0o644))

	catalog := `
default: big
backends:
  - name: big
    kind: local
    prefixes: ["big"]
    default_model: big
    local: {endpoint: "http://localhost:11434", model_path: big.gguf}
  - name: tiny
    kind: local
    prefixes: ["tiny"]
    default_model: tiny
    local: {endpoint: "http://localhost:11434", model_path: tiny.gguf}
  - name: gone
    kind: local
    prefixes: ["gone"]
    default_model: gone
    local: {endpoint: "http://localhost:11434", model_path: missing.gguf}
`
	r, err := Parse([]byte(catalog), dir)
	require.NoError(t, err)

	big, _ := r.Get("big")
	assert.True(t, big.Available())
	assert.Equal(t, filepath.Join(dir, "big.gguf"), big.Local.ModelPath)

	tiny, _ := r.Get("tiny")
	assert.False(t, tiny.Available())
	assert.Contains(t, tiny.Unavailable, "below")

	gone, _ := r.Get("gone")
	assert.False(t, gone.Available())
	assert.Contains(t, gone.Unavailable, "not found")
}

func TestParseRejectsInvalidCatalogs(t *testing.T) {
	tests := map[string]string{
		"no default": `
backends:
  - {name: a, kind: remote, prefixes: [a], default_model: a, remote: {endpoint: "https://x.test", protocol: openai}}`,
		"bad kind": `
default: a
backends:
  - {name: a, kind: cloud, prefixes: [a], default_model: a}`,
		"remote missing params": `
default: a
backends:
  - {name: a, kind: remote, prefixes: [a], default_model: a}`,
		"both variants": `
default: a
backends:
  - name: a
    kind: remote
    prefixes: [a]
    default_model: a
    remote: {endpoint: "https://x.test", protocol: openai}
    local: {endpoint: "http://localhost:1"}`,
		"bad protocol": `
default: a
backends:
  - {name: a, kind: remote, prefixes: [a], default_model: a, remote: {endpoint: "https://x.test", protocol: grpc}}`,
		"unknown key": `
default: a
colour: blue
backends:
  - {name: a, kind: remote, prefixes: [a], default_model: a, remote: {endpoint: "https://x.test", protocol: openai}}`,
		"no prefixes": `
default: a
backends:
  - {name: a, kind: remote, prefixes: [], default_model: a, remote: {endpoint: "https://x.test", protocol: openai}}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), t.TempDir())
			assert.Error(t, err)
		})
	}
}
