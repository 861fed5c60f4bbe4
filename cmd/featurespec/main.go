package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ashita-ai/featurespec"
	"github.com/ashita-ai/featurespec/internal/config"
	"github.com/ashita-ai/featurespec/internal/redact"
)

// version is set at build time via -ldflags.
var version = "dev"

// errUsage marks a command-line mistake; the usage text has already been
// printed.
var errUsage = errors.New("usage")

const usage = `featurespec turns feature descriptions into structured specifications.

Usage:
  featurespec generate <prompt> [flags]   generate one specification ("-" reads stdin)
  featurespec serve                       process messages from the inbox directory
  featurespec mcp                         serve the MCP protocol over stdio
  featurespec logs list|show|cleanup|check
  featurespec models                      list configured backends
  featurespec version
`

func main() {
	os.Exit(exitCode(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// exitCode sets up process-wide state (.env, default logger, signal
// handling) and runs one command.
func exitCode(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	config.LoadDotenv()
	logger := newLogger(stderr, os.Getenv("FEATURESPEC_LOG_LEVEL"))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return run(ctx, args, stdin, stdout, stderr, logger)
}

// newLogger writes JSON to w; stdout stays free for results and MCP stdio.
func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: redact.ReplaceAttr,
	}))
}

type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
	// open constructs the App; tests replace it.
	open func(ctx context.Context) (*featurespec.App, error)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, logger *slog.Logger) int {
	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr, logger: logger}
	c.open = func(ctx context.Context) (*featurespec.App, error) {
		return featurespec.New(ctx, featurespec.WithLogger(logger), featurespec.WithVersion(version))
	}
	return c.exec(ctx, args)
}

func (c *cli) exec(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(c.stderr, usage)
		return 2
	}

	var err error
	switch args[0] {
	case "generate":
		err = c.generate(ctx, args[1:])
	case "serve":
		err = c.withApp(ctx, func(app *featurespec.App) error { return app.Serve(ctx) })
	case "mcp":
		err = c.withApp(ctx, func(app *featurespec.App) error { return app.ServeMCP(ctx) })
	case "logs":
		err = c.logs(ctx, args[1:])
	case "models":
		err = c.models(args[1:])
	case "version", "--version":
		fmt.Fprintln(c.stdout, version)
	case "help", "-h", "--help":
		fmt.Fprint(c.stdout, usage)
	default:
		fmt.Fprintf(c.stderr, "featurespec: unknown command %q\n\n%s", args[0], usage)
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		return 2
	default:
		fmt.Fprintf(c.stderr, "featurespec: %v\n", err)
		return 1
	}
}

func (c *cli) withApp(ctx context.Context, fn func(app *featurespec.App) error) error {
	app, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn("shutdown", "error", err)
		}
	}()
	return fn(app)
}

// parseFlags parses args, printing usage on error or --help.
func (c *cli) parseFlags(fs *pflag.FlagSet, synopsis string, args []string) error {
	fs.SetOutput(c.stderr)
	fs.Usage = func() {
		fmt.Fprintf(c.stderr, "Usage: featurespec %s\n\nFlags:\n%s", synopsis, fs.FlagUsages())
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return errUsage
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return nil
}
