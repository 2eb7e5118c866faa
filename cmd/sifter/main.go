// Command sifter ingests Telegram and Discord channels into SQLite, enriches
// the messages and summarizes them under a daily request quota.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/signalsifter/sifter"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// app carries the persistent flags and the lazily opened service.
type app struct {
	configPath string
	dbPath     string
	logLevel   string
	timeout    time.Duration

	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
	svc    *sifter.Service
}

// run executes one command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if a.svc != nil {
		if cerr := a.svc.Close(); cerr != nil && a.logger != nil {
			a.logger.Warn("close", "error", cerr)
		}
	}
	if err == nil {
		return sifter.ExitOK
	}
	if isUsageError(err) {
		err = fmt.Errorf("%w: %w", sifter.ErrInvalidInput, err)
	}
	fmt.Fprintln(stderr, "error:", err)
	if hint := sifter.Hint(err); hint != "" {
		fmt.Fprintln(stderr, "hint:", hint)
	}
	return sifter.ExitCode(err)
}

// isUsageError recognizes the command-line errors cobra reports as plain
// strings.
func isUsageError(err error) bool {
	msg := err.Error()
	for _, prefix := range []string{"unknown command", "unknown flag", "unknown shorthand flag", "accepts ", "requires at least", "invalid argument", "flag needs an argument", "required flag"} {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sifter",
		Short:         "SignalSifter: chat channel ingestion, enrichment and analysis",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", sifter.ErrInvalidInput, err)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", os.Getenv("SIFTER_CONFIG"), "YAML config file")
	pf.StringVar(&a.dbPath, "db", "", "SQLite database path (overrides config)")
	pf.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	pf.DurationVar(&a.timeout, "timeout", 0, "abort the command after this long (0 disables)")

	root.AddCommand(
		a.channelCmd(),
		a.ingestCmd(),
		a.enrichCmd(),
		a.analyzeCmd(),
		a.statusCmd(),
		a.searchCmd(),
		a.runsCmd(),
		a.dashboardCmd(),
		a.exportCmd(),
		a.serveCmd(),
		a.scheduleCmd(),
		a.discordLoginCmd(),
	)
	return root
}

// service loads the configuration and opens the database on first use.
func (a *app) service() (*sifter.Service, error) {
	if a.svc != nil {
		return a.svc, nil
	}
	cfg, err := sifter.LoadConfig(a.configPath)
	if err != nil {
		return nil, err
	}
	if a.dbPath != "" {
		cfg.DBPath = a.dbPath
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.logger = newLogger(a.stderr, cfg.LogLevel)
	slog.SetDefault(a.logger)

	svc, err := sifter.Open(cfg, a.logger)
	if err != nil {
		return nil, err
	}
	a.svc = svc
	return svc, nil
}

// commandContext applies --timeout to one-shot commands.
func (a *app) commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	if a.timeout > 0 {
		return context.WithTimeout(cmd.Context(), a.timeout)
	}
	return context.WithCancel(cmd.Context())
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// usageArgs marks positional-argument errors as invalid input.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return fmt.Errorf("%w: %w", sifter.ErrInvalidInput, err)
		}
		return nil
	}
}
