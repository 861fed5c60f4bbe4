package featurespec

import (
	"time"

	"github.com/ashita-ai/featurespec/internal/model"
	"github.com/ashita-ai/featurespec/internal/service/status"
)

// Request is one feature-generation request. Zero fields take the
// configured defaults.
type Request struct {
	Prompt      string
	Model       string
	Temperature *float64
	MaxTokens   int
	Format      string
	SessionID   string
	Timeout     time.Duration
	MaxRetries  int
	NoCache     bool
}

// Result is the outcome of Generate. On failure it still carries the run id
// and trace counts.
type Result struct {
	RunID        int64  `json:"run_id"`
	SessionID    string `json:"session_id"`
	Output       string `json:"output"`
	OutputType   string `json:"output_type"`
	Backend      string `json:"backend,omitempty"`
	Model        string `json:"model,omitempty"`
	CacheHit     bool   `json:"cache_hit"`
	Rejected     bool   `json:"rejected"`
	Items        int    `json:"items"`
	Guardrails   int    `json:"guardrails"`
	RawResponses int    `json:"raw_responses"`
}

// Read-side trace and status types.
type (
	Run             = model.Run
	RunDetail       = model.RunDetail
	RunFilter       = model.RunFilter
	PurgeCount      = model.PurgeCount
	IntegrityReport = model.IntegrityReport
	StatusReport    = status.Report
	BackendStatus   = status.BackendStatus
)
