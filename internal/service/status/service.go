// Package status reports whether featurespec can serve requests: the trace
// store, each configured backend, and the credentials they need. It answers
// the "status" message type, the MCP status resource, and the models
// command.
package status

import (
	"context"
	"fmt"
	"os"

	"github.com/ashita-ai/featurespec/internal/cache"
	"github.com/ashita-ai/featurespec/internal/registry"
)

// Overall states.
const (
	StatusHealthy     = "healthy"
	StatusDegraded    = "degraded"
	StatusUnavailable = "unavailable"
)

// Credential states. Values are never reported.
const (
	CredentialConfigured = "configured"
	CredentialUnset      = "unset"
)

// Report is the top-level status response.
type Report struct {
	Status   string            `json:"status"`
	Version  string            `json:"version,omitempty"`
	Store    StoreStatus       `json:"store"`
	Backends []BackendStatus   `json:"backends"`
	Env      map[string]string `json:"env"`
	Cache    *cache.Stats      `json:"cache,omitempty"`
	Gaps     []string          `json:"gaps"`
}

// StoreStatus reports trace-store reachability.
type StoreStatus struct {
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

// BackendStatus describes one configured backend.
type BackendStatus struct {
	Name         string   `json:"name"`
	Kind         string   `json:"kind"`
	Prefixes     []string `json:"prefixes"`
	DefaultModel string   `json:"default_model"`
	Default      bool     `json:"default"`
	// FallbackRank is the 1-based position in the fallback order, 0 if the
	// backend is not a fallback.
	FallbackRank int    `json:"fallback_rank,omitempty"`
	Available    bool   `json:"available"`
	Reason       string `json:"reason,omitempty"`
	Credential   string `json:"credential,omitempty"`
}

// Pinger is the store surface status needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Service computes status reports.
type Service struct {
	store    Pinger
	registry *registry.Holder
	cache    *cache.Cache
	getenv   func(string) string
	version  string
}

// New creates a status service. store and c may be nil (the models command
// reports backends without opening the store).
func New(store Pinger, reg *registry.Holder, c *cache.Cache, version string) *Service {
	return &Service{store: store, registry: reg, cache: c, getenv: os.Getenv, version: version}
}

// WithGetenv replaces the environment lookup.
func (s *Service) WithGetenv(fn func(string) string) *Service {
	s.getenv = fn
	return s
}

// Backends lists every configured backend with its availability.
func (s *Service) Backends() []BackendStatus {
	reg := s.registry.Load()
	rank := map[string]int{}
	for i, name := range reg.Fallback() {
		rank[name] = i + 1
	}
	defaultName := reg.Default().Name

	var out []BackendStatus
	for _, d := range reg.Descriptors() {
		b := BackendStatus{
			Name:         d.Name,
			Kind:         string(d.Kind),
			Prefixes:     d.Prefixes,
			DefaultModel: d.DefaultModel,
			Default:      d.Name == defaultName,
			FallbackRank: rank[d.Name],
			Available:    d.Available(),
			Reason:       d.Unavailable,
		}
		if d.Remote != nil && d.Remote.CredentialEnv != "" {
			b.Credential = CredentialUnset
			if s.getenv(d.Remote.CredentialEnv) != "" {
				b.Credential = CredentialConfigured
			} else if b.Available {
				b.Available = false
				b.Reason = fmt.Sprintf("%s is not set", d.Remote.CredentialEnv)
			}
		}
		out = append(out, b)
	}
	return out
}

// Compute builds a full report.
func (s *Service) Compute(ctx context.Context) *Report {
	r := &Report{
		Version:  s.version,
		Backends: s.Backends(),
		Env:      map[string]string{},
	}
	for _, d := range s.registry.Load().Descriptors() {
		if d.Remote != nil && d.Remote.CredentialEnv != "" {
			r.Env[d.Remote.CredentialEnv] = CredentialUnset
			if s.getenv(d.Remote.CredentialEnv) != "" {
				r.Env[d.Remote.CredentialEnv] = CredentialConfigured
			}
		}
	}

	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			r.Store = StoreStatus{Error: err.Error()}
		} else {
			r.Store = StoreStatus{Reachable: true}
		}
	}
	if s.cache != nil {
		st := s.cache.Stats()
		r.Cache = &st
	}

	r.Gaps = computeGaps(r, s.store != nil)
	r.Status = computeStatus(r, s.store != nil)
	return r
}

// computeGaps lists problems, most severe first.
func computeGaps(r *Report, storeChecked bool) []string {
	gaps := []string{}
	if storeChecked && !r.Store.Reachable {
		gaps = append(gaps, "Trace store is unreachable: "+r.Store.Error)
	}
	var available int
	for _, b := range r.Backends {
		if b.Available {
			available++
			continue
		}
		if b.Default {
			gaps = append(gaps, fmt.Sprintf("Default backend %s is unavailable: %s.", b.Name, b.Reason))
		} else {
			gaps = append(gaps, fmt.Sprintf("Backend %s is unavailable: %s.", b.Name, b.Reason))
		}
	}
	if available == 0 {
		gaps = append([]string{"No backend can serve requests."}, gaps...)
	}
	return gaps
}

// computeStatus determines the overall state.
func computeStatus(r *Report, storeChecked bool) string {
	if storeChecked && !r.Store.Reachable {
		return StatusUnavailable
	}
	var available int
	for _, b := range r.Backends {
		if b.Available {
			available++
		}
	}
	switch {
	case available == 0:
		return StatusUnavailable
	case available < len(r.Backends):
		return StatusDegraded
	default:
		return StatusHealthy
	}
}
