package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/featurespec/internal/service/orchestrator"
	"github.com/ashita-ai/featurespec/internal/service/status"
)

// Executor runs feature requests.
type Executor interface {
	Execute(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
}

// StatusReporter computes the status report.
type StatusReporter interface {
	Compute(ctx context.Context) *status.Report
}

// Handler maps messages to service calls. It never panics on bad input and
// always returns a response.
type Handler struct {
	exec   Executor
	status StatusReporter
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(exec Executor, st StatusReporter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{exec: exec, status: st, logger: logger}
}

// Handle processes one message.
func (h *Handler) Handle(ctx context.Context, msg Message) Response {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	switch msg.Metadata.Type {
	case TypeFeature, "":
		return h.feature(ctx, msg)
	case TypeStatus:
		return Response{
			ID:       msg.ID,
			Content:  h.status.Compute(ctx),
			Metadata: ResponseMetadata{Status: StatusSuccess, Type: TypeStatus},
		}
	default:
		return errorResponse(msg.ID, "unknown_command", "", fmt.Errorf("unknown command %q", msg.Metadata.Type))
	}
}

func (h *Handler) feature(ctx context.Context, msg Message) Response {
	opts := msg.Metadata.Options
	res, err := h.exec.Execute(ctx, orchestrator.Request{
		Prompt:      msg.Content,
		Model:       opts.Model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Format:      opts.Format,
		SessionID:   opts.SessionID,
	})

	meta := ResponseMetadata{
		Status:       StatusSuccess,
		Type:         TypeFeature,
		RunID:        res.RunID,
		Backend:      res.Backend,
		CacheHit:     res.CacheHit,
		Rejected:     res.Rejected,
		Items:        res.Items,
		Guardrails:   res.Guardrails,
		RawResponses: res.RawResponses,
	}
	if err != nil {
		var kind string
		var f *orchestrator.Failure
		if errors.As(err, &f) {
			kind = string(f.Kind)
		}
		h.logger.Warn("protocol: feature request failed", "id", msg.ID, "run_id", res.RunID, "kind", kind, "error", err)
		meta.Status = StatusError
		return Response{ID: msg.ID, Content: ErrorContent{Error: err.Error(), Kind: kind}, Metadata: meta}
	}
	return Response{ID: msg.ID, Content: content(res), Metadata: meta}
}

// content embeds JSON outputs as objects and everything else as a string.
func content(res orchestrator.Result) any {
	if res.OutputType == orchestrator.FormatJSON && json.Valid([]byte(res.Output)) {
		return json.RawMessage(res.Output)
	}
	return res.Output
}
