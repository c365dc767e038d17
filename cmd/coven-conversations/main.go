// ABOUTME: Entry point for the coven-conversations inspection tool
// ABOUTME: Runs lifecycle demos, prints ledger history and effective config

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"github.com/lmittmann/tint"

	"github.com/2389/coven-conversations/internal/config"
)

// Version is set at build time.
var version = "dev"

// CLI represents the main CLI structure
type CLI struct {
	Config   string `short:"c" env:"COVEN_CONVERSATIONS_CONFIG" help:"Config file (.yaml or .toml)"`
	LogLevel string `help:"Override logging.level"`

	Demo    DemoCmd    `cmd:"" help:"Run concurrent conversation lifecycle scenarios"`
	History HistoryCmd `cmd:"" help:"Print lifecycle ledger entries"`
	Show    ShowCmd    `cmd:"" name:"config" help:"Print the effective configuration"`
	Version VersionCmd `cmd:"" help:"Print the version"`
}

// runtime bundles what every command needs.
type runtime struct {
	ctx    context.Context
	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("coven-conversations"),
		kong.Description("Conversation lifecycle manager tooling"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := cli.runtime(ctx)
	if err == nil {
		err = kctx.Run(rt)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}

func (c *CLI) runtime(ctx context.Context) (*runtime, error) {
	path := c.Config
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if c.LogLevel != "" {
		cfg.Logging.Level = c.LogLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &runtime{
		ctx:    ctx,
		cfg:    cfg,
		logger: setupLogger(cfg.Logging),
	}, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	level := parseLogLevel(cfg.Level)

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05",
	}))
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(levelStr string) slog.Level {
	switch levelStr {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// VersionCmd prints the version
type VersionCmd struct{}

// Run executes the version command
func (v *VersionCmd) Run() error {
	fmt.Printf("coven-conversations %s\n", version)
	return nil
}
