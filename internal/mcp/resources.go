package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	statusURI      = "featurespec://status"
	runURIPrefix   = "featurespec://runs/"
	runURITemplate = "featurespec://runs/{id}"
)

func (s *Server) registerResources() {
	// featurespec://status: backends, credentials, store reachability.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			statusURI,
			"Status",
			mcplib.WithResourceDescription("Configured backends, their availability, credential state, and trace store reachability"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleStatus,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			runURITemplate,
			"Run Trace",
			mcplib.WithTemplateDescription("One run with its full execution trace"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRun,
	)
}

func (s *Server) handleStatus(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(s.status.Compute(ctx), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal status: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      statusURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRun(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	runID, err := parseRunURI(uri)
	if err != nil {
		return nil, err
	}
	detail, err := s.traces.GetRunDetail(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("mcp: run %d: %w", runID, err)
	}
	data, err := json.MarshalIndent(detail, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal run: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// parseRunURI extracts the run id from featurespec://runs/{id}.
func parseRunURI(uri string) (int64, error) {
	raw, ok := strings.CutPrefix(uri, runURIPrefix)
	if !ok || raw == "" || strings.Contains(raw, "/") {
		return 0, fmt.Errorf("mcp: invalid run URI: %s", uri)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("mcp: invalid run id in URI: %s", uri)
	}
	return id, nil
}
