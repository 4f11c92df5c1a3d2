package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/specfactory/specfactory"
	"github.com/specfactory/specfactory/evidence"
	"github.com/specfactory/specfactory/model"
)

// Test-mode fixture identity. The fixture product lives in the regular
// storage tree under its own category so a wipe cannot touch real data.
const (
	testCategory  = "testmode"
	testProductID = "testmode-acme-probe-mk1"
	testJobKey    = "specs/inputs/testmode/products/" + testProductID + ".json"
	testSourceURL = "https://acme.example/products/probe-mk1"
)

// fixtureFetcher serves the synthetic evidence for the test-mode product.
type fixtureFetcher struct{}

func (fixtureFetcher) Fetch(_ context.Context, src model.Source) (evidence.SourceResult, error) {
	if src.URL != testSourceURL {
		return evidence.SourceResult{}, fmt.Errorf("test-mode: unexpected url %s", src.URL)
	}
	return evidence.SourceResult{
		URL:    src.URL,
		Status: "ok",
		Snippets: []evidence.RawSnippet{
			{Type: "spec_table_row", Text: "sensor: Probe Optic X | polling rate: 1000 Hz | weight: 70 g"},
		},
	}, nil
}

func cmdTestMode(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("test-mode", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file (YAML)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "test-mode: expected one of create|generate|run|validate|wipe")
		return 1
	}

	eng, err := newEngine(ctx, *configPath)
	if err != nil {
		slog.Error("creating engine", "error", err)
		return 1
	}
	defer eng.Close()

	var cmdErr error
	switch fs.Arg(0) {
	case "create":
		cmdErr = testModeCreate(ctx, eng)
	case "generate", "run":
		cmdErr = testModeRun(ctx, eng)
	case "validate":
		cmdErr = testModeValidate(ctx, eng)
	case "wipe":
		cmdErr = testModeWipe(ctx, eng)
	default:
		fmt.Fprintf(os.Stderr, "test-mode: unknown subcommand %q\n", fs.Arg(0))
		return 1
	}
	if cmdErr != nil {
		slog.Error("test-mode failed", "subcommand", fs.Arg(0), "error", cmdErr)
		return 1
	}
	slog.Info("test-mode finished", "subcommand", fs.Arg(0))
	return 0
}

// Minimal field rules for the fixture category, written next to the real
// rule files so the next engine start compiles them.
const testRulesYAML = `category: testmode
fields:
  sensor:
    required_level: critical
    context_keywords: ["sensor"]
    token_variants: ["sensor"]
  polling_rate:
    unit: Hz
    normalizer: number
    context_keywords: ["polling"]
    token_variants: ["polling rate"]
  weight:
    unit: g
    normalizer: number
    token_variants: ["weight"]
`

// testModeCreate writes the synthetic ProductJob fixture and its rules file.
func testModeCreate(ctx context.Context, eng *specfactory.Engine) error {
	rulesDir := eng.Config().RulesDir
	if err := os.MkdirAll(rulesDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(rulesDir, "testmode.rules.yaml"), []byte(testRulesYAML), 0o644); err != nil {
		return err
	}
	job := model.ProductJob{
		ProductID: testProductID,
		Category:  testCategory,
		IdentityLock: model.IdentityLock{
			ID: 1, Identifier: "0000aaaa", Brand: "Acme", Model: "Probe MK1",
		},
		SeedURLs: []string{testSourceURL},
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	return eng.Store().Put(ctx, testJobKey, data)
}

// testModeRun drives the fixture through the real pipeline with the
// synthetic fetcher.
func testModeRun(ctx context.Context, eng *specfactory.Engine) error {
	result, err := eng.RunProduct(ctx, testJobKey, fixtureFetcher{})
	if err != nil {
		return err
	}
	slog.Info("test-mode run", "runId", result.RunID, "status", result.Status,
		"sources", result.SourcesProcessed)
	return nil
}

// testModeValidate re-checks the fixture's latest record against the
// universal invariants: every published value is evidence-backed or unk
// with a reason, and the record's identity matches the job.
func testModeValidate(ctx context.Context, eng *specfactory.Engine) error {
	key := fmt.Sprintf("specs/outputs/%s/%s/latest/normalized.json", testCategory, testProductID)
	data, err := eng.Store().Get(ctx, key)
	if err != nil {
		return fmt.Errorf("no latest record (run generate first): %w", err)
	}
	var rec model.NormalizedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	if rec.ProductID != testProductID {
		return fmt.Errorf("record productId %q != %q", rec.ProductID, testProductID)
	}
	for field, value := range rec.Fields {
		prov := rec.Provenance[field]
		if value == model.UnkValue {
			if prov.UnknownReason == "" {
				return fmt.Errorf("field %s is unk without a reason", field)
			}
			continue
		}
		if len(prov.Evidence) == 0 || prov.Evidence[0].Quote == "" {
			return fmt.Errorf("field %s published without a verifiable quote", field)
		}
	}
	return nil
}

// testModeWipe deletes every fixture artifact.
func testModeWipe(ctx context.Context, eng *specfactory.Engine) error {
	prefixes := []string{
		"specs/inputs/" + testCategory + "/",
		"specs/outputs/" + testCategory + "/",
		"_queue/" + testCategory + "/",
		"helper_files/" + testCategory + "/",
	}
	for _, prefix := range prefixes {
		keys, err := eng.Store().List(ctx, prefix)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := eng.Store().Delete(ctx, key); err != nil {
				return err
			}
		}
	}
	rulesFile := filepath.Join(eng.Config().RulesDir, "testmode.rules.yaml")
	if err := os.Remove(rulesFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
