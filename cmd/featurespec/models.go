package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/ashita-ai/featurespec"
	"github.com/ashita-ai/featurespec/internal/config"
	"github.com/ashita-ai/featurespec/internal/registry"
	"github.com/ashita-ai/featurespec/internal/service/status"
)

// models lists the catalog without opening the trace store.
func (c *cli) models(args []string) error {
	if len(args) != 0 {
		fmt.Fprintln(c.stderr, "Usage: featurespec models")
		return errUsage
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	reg, err := featurespec.LoadRegistry(cfg)
	if err != nil {
		return err
	}
	backends := status.New(nil, registry.NewHolder(reg), nil, version).Backends()

	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tDEFAULT MODEL\tPREFIXES\tROLE\tSTATUS")
	for _, b := range backends {
		role := "-"
		switch {
		case b.Default:
			role = "default"
		case b.FallbackRank > 0:
			role = fmt.Sprintf("fallback #%d", b.FallbackRank)
		}
		state := "available"
		if !b.Available {
			state = "unavailable: " + b.Reason
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			b.Name, b.Kind, b.DefaultModel, strings.Join(b.Prefixes, ","), role, state)
	}
	return tw.Flush()
}
