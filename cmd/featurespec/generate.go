package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"

	"github.com/ashita-ai/featurespec"
)

func (c *cli) generate(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("generate", pflag.ContinueOnError)
	var req featurespec.Request
	var temperature float64
	var asJSON bool
	fs.StringVarP(&req.Model, "model", "m", "", "model identifier; its prefix selects the backend")
	fs.Float64VarP(&temperature, "temperature", "t", 0, "sampling temperature, 0 to 2 (default from config)")
	fs.IntVar(&req.MaxTokens, "max-tokens", 0, "completion token limit")
	fs.DurationVar(&req.Timeout, "timeout", 0, "per-call timeout (default from config)")
	fs.IntVar(&req.MaxRetries, "max-retries", 0, "attempts per backend (default from config)")
	fs.StringVarP(&req.Format, "format", "f", "", "output format: json, markdown or text")
	fs.StringVarP(&req.SessionID, "session-id", "s", "", "session identifier (generated when empty)")
	fs.BoolVar(&req.NoCache, "no-cache", false, "bypass the response cache")
	fs.BoolVar(&asJSON, "json", false, "print the full result as JSON")
	if err := c.parseFlags(fs, "generate <prompt> [flags]", args); err != nil {
		return err
	}
	if fs.Changed("temperature") {
		req.Temperature = &temperature
	}

	prompt, err := c.prompt(fs.Args())
	if err != nil {
		return err
	}
	req.Prompt = prompt

	return c.withApp(ctx, func(app *featurespec.App) error {
		res, err := app.Generate(ctx, req)
		if err != nil {
			if res.RunID != 0 {
				return fmt.Errorf("%w (run %d; inspect with: featurespec logs show %d)", err, res.RunID, res.RunID)
			}
			return err
		}
		if asJSON {
			enc := json.NewEncoder(c.stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		if res.Rejected {
			fmt.Fprintf(c.stderr, "warning: output failed validation (run %d)\n", res.RunID)
		}
		fmt.Fprintln(c.stdout, res.Output)
		return nil
	})
}

// prompt joins positional arguments; a lone "-" reads stdin.
func (c *cli) prompt(args []string) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(c.stdin)
		if err != nil {
			return "", fmt.Errorf("read prompt: %w", err)
		}
		args = []string{string(data)}
	}
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		fmt.Fprintln(c.stderr, "Usage: featurespec generate <prompt> [flags]")
		return "", errUsage
	}
	return prompt, nil
}
