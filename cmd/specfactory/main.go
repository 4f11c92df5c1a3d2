// Command specfactory drives the spec-factory pipeline from the command
// line:
//
//	specfactory run --input <jobKey>
//	specfactory test-mode {create|generate|run|validate|wipe}
//	specfactory product-reconcile --category <cat> [--dry-run]
//
// Exit code 0 on success, 1 on any unrecovered error.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/specfactory/specfactory"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// LLM and storage credentials live in .env during local operation.
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env")
	}

	if len(args) == 0 {
		usage()
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "run":
		return cmdRun(ctx, args[1:])
	case "test-mode":
		return cmdTestMode(ctx, args[1:])
	case "product-reconcile":
		return cmdReconcile(ctx, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return 1
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  specfactory run --input <jobKey> [--config <path>]
  specfactory test-mode {create|generate|run|validate|wipe} [--config <path>]
  specfactory product-reconcile --category <cat> [--dry-run] [--config <path>]`)
}

func loadConfig(path string) (specfactory.Config, error) {
	if path == "" {
		path = os.Getenv("SPECFACTORY_CONFIG")
	}
	if path == "" {
		cfg := specfactory.DefaultConfig()
		if err := cfg.ApplyProfile(); err != nil {
			return cfg, err
		}
		return cfg, cfg.Validate()
	}
	return specfactory.LoadConfig(path)
}

func newEngine(ctx context.Context, configPath string) (*specfactory.Engine, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return specfactory.New(ctx, cfg)
}

func cmdRun(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	input := fs.String("input", "", "storage key of the product job file")
	configPath := fs.String("config", "", "path to config file (YAML)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *input == "" {
		fmt.Fprintln(os.Stderr, "run: --input is required")
		return 1
	}

	eng, err := newEngine(ctx, *configPath)
	if err != nil {
		slog.Error("creating engine", "error", err)
		return 1
	}
	defer eng.Close()

	result, err := eng.RunProduct(ctx, *input, newFetcher())
	if err != nil {
		slog.Error("run failed", "input", *input, "error", err)
		return 1
	}
	slog.Info("run finished",
		"input", *input,
		"runId", result.RunID,
		"status", result.Status,
		"sources", result.SourcesProcessed,
	)
	return 0
}

func cmdReconcile(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("product-reconcile", flag.ContinueOnError)
	category := fs.String("category", "", "category to reconcile")
	dryRun := fs.Bool("dry-run", false, "report would-delete without deleting")
	configPath := fs.String("config", "", "path to config file (YAML)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *category == "" {
		fmt.Fprintln(os.Stderr, "product-reconcile: --category is required")
		return 1
	}

	eng, err := newEngine(ctx, *configPath)
	if err != nil {
		slog.Error("creating engine", "error", err)
		return 1
	}
	defer eng.Close()

	result, err := eng.Catalog().ReconcileOrphans(ctx, *category, *dryRun)
	if err != nil {
		slog.Error("reconcile failed", "category", *category, "error", err)
		return 1
	}
	slog.Info("reconcile finished",
		"category", *category,
		"dryRun", *dryRun,
		"entries", len(result.Entries),
		"deleted", len(result.Deleted),
	)
	for _, e := range result.Entries {
		if e.Class != "canonical" {
			slog.Info("reconcile entry", "productId", e.ProductID, "class", e.Class, "canonical", e.Canonical)
		}
	}
	return 0
}
