package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// write-feature: turns a rough idea into a generate_feature call.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("write-feature",
			mcplib.WithPromptDescription("Draft a feature specification with generate_feature and review it"),
			mcplib.WithArgument("idea",
				mcplib.ArgumentDescription("The feature idea, in a sentence or two"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleWriteFeaturePrompt,
	)
}

func (s *Server) handleWriteFeaturePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	idea := request.Params.Arguments["idea"]
	if idea == "" {
		return nil, fmt.Errorf("idea argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: "Draft a feature specification",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.NewTextContent(fmt.Sprintf(
					"Call generate_feature with this prompt:\n\n%s\n\n"+
						"Then review the result. If rejected is true, or any of name, description, "+
						"objectives, requirements, or constraints is thin, call generate_feature again "+
						"with a sharper prompt. Finish by summarizing the specification and its run_id.",
					idea,
				)),
			},
		},
	}, nil
}
