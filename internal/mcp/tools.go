package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/featurespec/internal/model"
	"github.com/ashita-ai/featurespec/internal/service/orchestrator"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("generate_feature",
			mcplib.WithDescription(`Generate a structured feature specification from a natural-language description.

The request is routed to the backend matching "model" (or the default
backend), falling back to the configured chain on failure. Every attempt is
recorded in the execution trace; the returned run_id can be passed to
run_detail to inspect it.

WHAT YOU GET BACK:
- output: the specification (JSON object for format=json)
- run_id, backend, model, cache_hit
- rejected: true when the output failed structural validation`),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("prompt",
				mcplib.Description("Description of the feature to specify"),
				mcplib.Required(),
			),
			mcplib.WithString("model", mcplib.Description("Model identifier; its prefix selects the backend")),
			mcplib.WithNumber("temperature", mcplib.Description("Sampling temperature"), mcplib.Min(0), mcplib.Max(2)),
			mcplib.WithNumber("max_tokens", mcplib.Description("Completion token limit"), mcplib.Min(1)),
			mcplib.WithString("format",
				mcplib.Description("Output format"),
				mcplib.Enum(orchestrator.FormatJSON, orchestrator.FormatMarkdown, orchestrator.FormatText),
			),
			mcplib.WithString("session_id", mcplib.Description("Groups related runs; generated when omitted")),
			mcplib.WithBoolean("no_cache", mcplib.Description("Bypass the response cache")),
		),
		s.handleGenerate,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("run_history",
			mcplib.WithDescription("List recent runs, newest first, with optional filters."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of runs to return"),
				mcplib.Min(1),
				mcplib.Max(maxHistoryLimit),
				mcplib.DefaultNumber(defaultHistoryLimit),
			),
			mcplib.WithString("session_id", mcplib.Description("Only runs from this session")),
			mcplib.WithString("agent", mcplib.Description("Only runs whose last agent (backend) matches")),
			mcplib.WithString("output_type", mcplib.Description("Only runs with this output type, e.g. json or error")),
			mcplib.WithString("since", mcplib.Description("RFC 3339 timestamp; only runs created at or after it")),
		),
		s.handleHistory,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("run_detail",
			mcplib.WithDescription("Return one run with its items, guardrail results, and raw responses in replay order."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("run_id", mcplib.Description("Run identifier"), mcplib.Required(), mcplib.Min(1)),
		),
		s.handleDetail,
	)
}

func (s *Server) handleGenerate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	prompt := request.GetString("prompt", "")
	if prompt == "" {
		return errorResult("prompt is required"), nil
	}

	req := orchestrator.Request{
		Prompt:    prompt,
		Model:     request.GetString("model", ""),
		MaxTokens: request.GetInt("max_tokens", 0),
		Format:    request.GetString("format", ""),
		SessionID: request.GetString("session_id", ""),
		NoCache:   boolArg(request, "no_cache", false),
	}
	if t, ok := request.GetArguments()["temperature"].(float64); ok {
		req.Temperature = &t
	}

	res, err := s.exec.Execute(ctx, req)
	if err != nil {
		var f *orchestrator.Failure
		kind := "error"
		if errors.As(err, &f) {
			kind = string(f.Kind)
		}
		s.logger.Warn("mcp: generate_feature failed", "run_id", res.RunID, "kind", kind, "error", err)
		data, _ := json.Marshal(map[string]any{
			"run_id": res.RunID,
			"kind":   kind,
			"error":  err.Error(),
		})
		return errorResult(string(data)), nil
	}

	out := map[string]any{
		"run_id":      res.RunID,
		"session_id":  res.SessionID,
		"backend":     res.Backend,
		"model":       res.Model,
		"output_type": res.OutputType,
		"cache_hit":   res.CacheHit,
		"rejected":    res.Rejected,
		"output":      res.Output,
	}
	if res.OutputType == orchestrator.FormatJSON && json.Valid([]byte(res.Output)) {
		out["output"] = json.RawMessage(res.Output)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}

func (s *Server) handleHistory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", defaultHistoryLimit)
	if limit < 1 || limit > maxHistoryLimit {
		return errorResult(fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit)), nil
	}
	filter := model.RunFilter{
		SessionID:  request.GetString("session_id", ""),
		LastAgent:  request.GetString("agent", ""),
		OutputType: request.GetString("output_type", ""),
	}
	if since := request.GetString("since", ""); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return errorResult(fmt.Sprintf("invalid since: %v", err)), nil
		}
		filter.Since = &t
	}

	runs := []model.Run{}
	for run, err := range s.traces.RunHistory(ctx, limit, filter) {
		if err != nil {
			return errorResult(fmt.Sprintf("failed to read run history: %v", err)), nil
		}
		runs = append(runs, run)
	}

	data, _ := json.MarshalIndent(map[string]any{
		"runs":  runs,
		"total": len(runs),
	}, "", "  ")
	return mcplib.NewToolResultText(string(data)), nil
}

func (s *Server) handleDetail(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := int64(request.GetInt("run_id", 0))
	if runID <= 0 {
		return errorResult("run_id is required"), nil
	}
	detail, err := s.traces.GetRunDetail(ctx, runID)
	if errors.Is(err, model.ErrNotFound) {
		return errorResult(fmt.Sprintf("run %d not found", runID)), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("failed to read run %d: %v", runID, err)), nil
	}
	data, err := json.MarshalIndent(detail, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("failed to encode run: %v", err)), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}

// boolArg extracts a boolean argument from a tool request.
func boolArg(req mcplib.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}
