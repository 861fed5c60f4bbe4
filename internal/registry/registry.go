// Package registry resolves caller-supplied model identifiers to backend
// descriptors. A Registry is immutable after New; reloading configuration
// means building a new Registry and swapping it into a Holder.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
)

// Kind is the locality of a backend.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// Protocol is the wire protocol a remote backend speaks.
type Protocol string

const (
	ProtocolOpenAI    Protocol = "openai"
	ProtocolAnthropic Protocol = "anthropic"
)

// MinModelFileSize is the smallest weights file accepted for a local backend.
// Anything smaller is a placeholder or a failed download.
const MinModelFileSize = 1 << 20

// LocalParams are the connection parameters of a file-backed backend served
// by an inference server on this machine.
type LocalParams struct {
	ModelPath   string `yaml:"model_path" json:"model_path,omitempty"`
	Threads     int    `yaml:"threads" json:"threads,omitempty" validate:"gte=0"`
	ContextSize int    `yaml:"context_size" json:"context_size,omitempty" validate:"gte=0"`
	Endpoint    string `yaml:"endpoint" json:"endpoint" validate:"required,url"`
}

// RemoteParams are the connection parameters of a network backend.
type RemoteParams struct {
	Endpoint      string   `yaml:"endpoint" json:"endpoint" validate:"required,url"`
	CredentialEnv string   `yaml:"credential_env" json:"credential_env,omitempty"`
	Protocol      Protocol `yaml:"protocol" json:"protocol" validate:"required,oneof=openai anthropic"`
}

// Descriptor is one configured backend. Exactly one of Local and Remote is
// set, matching Kind.
type Descriptor struct {
	Name           string        `yaml:"name" json:"name" validate:"required"`
	Kind           Kind          `yaml:"kind" json:"kind" validate:"required,oneof=local remote"`
	Prefixes       []string      `yaml:"prefixes" json:"prefixes" validate:"required,min=1,dive,required"`
	DefaultModel   string        `yaml:"default_model" json:"default_model" validate:"required"`
	MaxConcurrency int           `yaml:"max_concurrency" json:"max_concurrency,omitempty" validate:"gte=0"`
	Local          *LocalParams  `yaml:"local,omitempty" json:"local,omitempty" validate:"required_if=Kind local,excluded_unless=Kind local"`
	Remote         *RemoteParams `yaml:"remote,omitempty" json:"remote,omitempty" validate:"required_if=Kind remote,excluded_unless=Kind remote"`

	// Unavailable is set at load when the backend cannot be used at all
	// (for example a missing weights file). Every invocation then fails
	// with a non-retryable Unavailable error carrying this reason.
	Unavailable string `yaml:"-" json:"unavailable,omitempty"`
}

// Matches reports whether modelID starts with one of the descriptor's prefixes.
func (d Descriptor) Matches(modelID string) bool {
	for _, p := range d.Prefixes {
		if strings.HasPrefix(modelID, p) {
			return true
		}
	}
	return false
}

// ModelFor returns the model identifier to send to this backend for a
// caller-requested id. An empty request, or one naming the backend itself,
// selects the descriptor default.
func (d Descriptor) ModelFor(requested string) string {
	if requested == "" || requested == d.Name {
		return d.DefaultModel
	}
	return requested
}

// Available reports whether the backend passed its load-time checks.
func (d Descriptor) Available() bool {
	return d.Unavailable == ""
}

// ErrUnknownModel is returned when no descriptor matches a model identifier.
var ErrUnknownModel = errors.New("unknown model")

// UnknownModelError carries the identifier that failed to resolve.
type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("registry: %s: %q", ErrUnknownModel, e.Model)
}

func (e *UnknownModelError) Is(target error) bool { return target == ErrUnknownModel }

// Registry is an ordered, read-only catalog of backends.
type Registry struct {
	descriptors []Descriptor
	defaultName string
	fallback    []string
}

// New builds a registry. Declaration order is resolution order. defaultName
// must name a descriptor; every fallback entry must too.
func New(descriptors []Descriptor, defaultName string, fallback []string) (*Registry, error) {
	if len(descriptors) == 0 {
		return nil, errors.New("registry: no backends configured")
	}
	seen := make(map[string]bool, len(descriptors))
	for _, d := range descriptors {
		if seen[d.Name] {
			return nil, fmt.Errorf("registry: duplicate backend name %q", d.Name)
		}
		seen[d.Name] = true
	}
	if !seen[defaultName] {
		return nil, fmt.Errorf("registry: default backend %q is not configured", defaultName)
	}
	for _, name := range fallback {
		if !seen[name] {
			return nil, fmt.Errorf("registry: fallback backend %q is not configured", name)
		}
	}
	return &Registry{
		descriptors: slices.Clone(descriptors),
		defaultName: defaultName,
		fallback:    slices.Clone(fallback),
	}, nil
}

// Resolve maps a model identifier to a descriptor. An empty identifier
// selects the default backend; otherwise the first descriptor in
// declaration order with a matching prefix wins.
func (r *Registry) Resolve(modelID string) (Descriptor, error) {
	if modelID == "" {
		return r.Default(), nil
	}
	for _, d := range r.descriptors {
		if d.Matches(modelID) {
			return d, nil
		}
	}
	return Descriptor{}, &UnknownModelError{Model: modelID}
}

// Default returns the default descriptor.
func (r *Registry) Default() Descriptor {
	d, _ := r.Get(r.defaultName)
	return d
}

// Get returns the descriptor with the given name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	for _, d := range r.descriptors {
		if d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Descriptors returns the catalog in declaration order.
func (r *Registry) Descriptors() []Descriptor {
	return slices.Clone(r.descriptors)
}

// Fallback returns the configured fallback order.
func (r *Registry) Fallback() []string {
	return slices.Clone(r.fallback)
}

// Chain returns the ordered backends to try for primary: just primary when
// fallback is disabled, otherwise primary followed by the fallback order
// with primary removed.
func (r *Registry) Chain(primary Descriptor, fallbackEnabled bool) []Descriptor {
	chain := []Descriptor{primary}
	if !fallbackEnabled {
		return chain
	}
	for _, name := range r.fallback {
		if name == primary.Name {
			continue
		}
		if d, ok := r.Get(name); ok {
			chain = append(chain, d)
		}
	}
	return chain
}

// WithFallback returns a copy of r using a different fallback order.
func (r *Registry) WithFallback(fallback []string) (*Registry, error) {
	return New(r.descriptors, r.defaultName, fallback)
}

// Holder publishes the current registry. Readers always see a whole
// registry; reloads replace it in one atomic store.
type Holder struct {
	current atomic.Pointer[Registry]
}

// NewHolder returns a Holder publishing r.
func NewHolder(r *Registry) *Holder {
	h := &Holder{}
	h.current.Store(r)
	return h
}

// Load returns the current registry.
func (h *Holder) Load() *Registry {
	return h.current.Load()
}

// Swap publishes r and returns the registry it replaced.
func (h *Holder) Swap(r *Registry) *Registry {
	return h.current.Swap(r)
}
