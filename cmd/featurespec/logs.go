package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/ashita-ai/featurespec"
)

const logsUsage = `Usage: featurespec logs <command>

Commands:
  list      list recent runs
  show ID   print one run with its full trace
  cleanup   delete old runs and expired cache entries
  check     verify trace store integrity
`

func (c *cli) logs(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(c.stderr, logsUsage)
		return errUsage
	}
	switch args[0] {
	case "list":
		return c.logsList(ctx, args[1:])
	case "show":
		return c.logsShow(ctx, args[1:])
	case "cleanup":
		return c.logsCleanup(ctx, args[1:])
	case "check":
		return c.logsCheck(ctx, args[1:])
	default:
		fmt.Fprintf(c.stderr, "featurespec: unknown logs command %q\n\n%s", args[0], logsUsage)
		return errUsage
	}
}

func (c *cli) logsList(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("logs list", pflag.ContinueOnError)
	var (
		limit  int
		filter featurespec.RunFilter
		since  string
		asJSON bool
	)
	fs.IntVarP(&limit, "limit", "n", 20, "maximum runs to show")
	fs.StringVar(&filter.SessionID, "session", "", "only runs from this session")
	fs.StringVar(&filter.LastAgent, "agent", "", "only runs whose last agent matches")
	fs.StringVar(&filter.OutputType, "output-type", "", "only runs with this output type (json, markdown, text, error)")
	fs.StringVar(&since, "since", "", "only runs newer than a duration (24h) or an RFC 3339 time")
	fs.BoolVar(&asJSON, "json", false, "print runs as JSON")
	if err := c.parseFlags(fs, "logs list [flags]", args); err != nil {
		return err
	}
	if since != "" {
		t, err := parseSince(since, time.Now())
		if err != nil {
			return err
		}
		filter.Since = &t
	}

	return c.withApp(ctx, func(app *featurespec.App) error {
		var runs []featurespec.Run
		for run, err := range app.RunHistory(ctx, limit, filter) {
			if err != nil {
				return err
			}
			runs = append(runs, run)
		}
		if asJSON {
			return c.printJSON(runs)
		}

		tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCREATED\tSTATUS\tAGENT\tTYPE\tSESSION\tINPUT")
		for _, r := range runs {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.CreatedAt.Local().Format(time.DateTime), r.Status,
				deref(r.LastAgent), deref(r.OutputType), r.SessionID, truncate(r.Input, 48))
		}
		return tw.Flush()
	})
}

func (c *cli) logsShow(ctx context.Context, args []string) error {
	if len(args) != 1 {
		fmt.Fprintln(c.stderr, "Usage: featurespec logs show <run-id>")
		return errUsage
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid run id %q", args[0])
	}
	return c.withApp(ctx, func(app *featurespec.App) error {
		detail, err := app.RunDetail(ctx, id)
		if err != nil {
			return err
		}
		return c.printJSON(detail)
	})
}

func (c *cli) logsCleanup(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("logs cleanup", pflag.ContinueOnError)
	var (
		days     int
		cacheTTL time.Duration
	)
	fs.IntVar(&days, "days", 30, "delete runs older than this many days (0 keeps all runs)")
	fs.DurationVar(&cacheTTL, "cache-ttl", time.Hour, "delete cache entries older than this (0 keeps the cache)")
	if err := c.parseFlags(fs, "logs cleanup [flags]", args); err != nil {
		return err
	}
	if days < 0 || cacheTTL < 0 {
		return fmt.Errorf("--days and --cache-ttl must not be negative")
	}

	return c.withApp(ctx, func(app *featurespec.App) error {
		purged, err := app.Cleanup(ctx, days, cacheTTL)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "deleted %d runs, %d items, %d guardrail results, %d raw responses, %d cache entries\n",
			purged.Runs, purged.Items, purged.Guardrails, purged.RawResponses, purged.CacheEntries)
		return nil
	})
}

func (c *cli) logsCheck(ctx context.Context, args []string) error {
	if len(args) != 0 {
		fmt.Fprintln(c.stderr, "Usage: featurespec logs check")
		return errUsage
	}
	return c.withApp(ctx, func(app *featurespec.App) error {
		report, err := app.CheckIntegrity(ctx)
		if err != nil {
			return err
		}
		if err := c.printJSON(report); err != nil {
			return err
		}
		if !report.OK() {
			return fmt.Errorf("integrity check found problems")
		}
		return nil
	})
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseSince accepts a lookback duration or an RFC 3339 timestamp.
func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid --since %q: want a duration like 24h or an RFC 3339 time", s)
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
