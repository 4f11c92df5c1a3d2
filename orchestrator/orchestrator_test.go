package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/specfactory/specfactory/evidence"
	"github.com/specfactory/specfactory/model"
	"github.com/specfactory/specfactory/planner"
	"github.com/specfactory/specfactory/rules"
	"github.com/specfactory/specfactory/storage"
)

// fakeFetcher serves canned results by URL.
type fakeFetcher struct {
	results map[string]evidence.SourceResult
	fetched []string
}

func (f *fakeFetcher) Fetch(_ context.Context, src model.Source) (evidence.SourceResult, error) {
	f.fetched = append(f.fetched, src.URL)
	res, ok := f.results[src.URL]
	if !ok {
		return evidence.SourceResult{}, fmt.Errorf("no fixture for %s", src.URL)
	}
	return res, nil
}

func loopRules(t *testing.T) *rules.Engine {
	t.Helper()
	cr, err := rules.LoadCategory([]byte(`
category: mouse
fields:
  sensor:
    required_level: critical
    context_keywords: ["sensor"]
    token_variants: ["sensor"]
  polling_rate:
    unit: Hz
    normalizer: number
    required_level: critical
    context_keywords: ["polling"]
    token_variants: ["polling rate"]
  weight:
    unit: g
    normalizer: number
    token_variants: ["weight"]
`))
	if err != nil {
		t.Fatal(err)
	}
	eng := rules.NewEngine()
	eng.Add(cr)
	return eng
}

func testJob() model.ProductJob {
	return model.ProductJob{
		ProductID: "mouse-razer-deathadder-v3",
		Category:  "mouse",
		IdentityLock: model.IdentityLock{
			ID: 1, Identifier: "ab12cd34", Brand: "Razer", Model: "DeathAdder V3",
		},
		SeedURLs: []string{"https://razer.com/products/deathadder-v3"},
	}
}

func testLoop(t *testing.T, fetcher evidence.Fetcher) (*Loop, storage.Store) {
	t.Helper()
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return &Loop{
		Store:   store,
		Rules:   loopRules(t),
		Fetcher: fetcher,
		Cfg: Config{
			OutputPrefix: "specs/outputs",
			Allowlist: map[string]planner.DomainInfo{
				"razer.com": {Tier: 1, TierName: "manufacturer", Role: "manufacturer"},
			},
			BrandHosts: []string{"razer.com"},
			PlannerBudgets: planner.Budgets{
				MaxURLsPerProduct:             5,
				MaxPagesPerDomain:             5,
				MaxManufacturerURLsPerProduct: 5,
				MaxManufacturerPagesPerDomain: 5,
			},
		},
	}, store
}

func TestRunProducesRecordAndArtifacts(t *testing.T) {
	fetcher := &fakeFetcher{results: map[string]evidence.SourceResult{
		"https://razer.com/products/deathadder-v3": {
			URL: "https://razer.com/products/deathadder-v3",
			Snippets: []evidence.RawSnippet{
				{Type: "spec_table_row", Text: "sensor: Focus Pro 30K | polling rate: 8000 Hz | weight: 54 g"},
			},
		},
	}}
	loop, store := testLoop(t, fetcher)

	result, err := loop.Run(context.Background(), testJob())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("status = %q", result.Status)
	}
	if result.SourcesProcessed != 1 {
		t.Errorf("sources = %d", result.SourcesProcessed)
	}

	rec := result.Record
	if rec.Fields["sensor"] != "Focus Pro 30K" {
		t.Errorf("sensor = %q", rec.Fields["sensor"])
	}
	if rec.Fields["polling_rate"] != "8000" {
		t.Errorf("polling_rate = %q", rec.Fields["polling_rate"])
	}
	if rec.Fields["weight"] != "54" {
		t.Errorf("weight = %q", rec.Fields["weight"])
	}
	for _, field := range []string{"sensor", "polling_rate", "weight"} {
		if rec.TrafficLights[field] != "green" {
			t.Errorf("traffic light %s = %q, want green", field, rec.TrafficLights[field])
		}
		prov := rec.Provenance[field]
		if len(prov.Evidence) == 0 || prov.Evidence[0].SnippetID == "" || prov.Evidence[0].Quote == "" {
			t.Errorf("provenance %s incomplete: %+v", field, prov)
		}
	}

	// Artifacts: runs/{runId}/ plus the latest/ mirror.
	ctx := context.Background()
	base := "specs/outputs/mouse/mouse-razer-deathadder-v3"
	for _, key := range []string{
		base + "/runs/" + result.RunID + "/normalized.json",
		base + "/latest/normalized.json",
	} {
		data, err := store.Get(ctx, key)
		if err != nil {
			t.Fatalf("artifact %s: %v", key, err)
		}
		var stored model.NormalizedRecord
		if err := json.Unmarshal(data, &stored); err != nil {
			t.Fatalf("decode %s: %v", key, err)
		}
		if stored.ProductID != "mouse-razer-deathadder-v3" {
			t.Errorf("%s productId = %q", key, stored.ProductID)
		}
	}
}

func TestRunUnfetchedFieldsAreUnk(t *testing.T) {
	fetcher := &fakeFetcher{results: map[string]evidence.SourceResult{
		"https://razer.com/products/deathadder-v3": {
			URL:      "https://razer.com/products/deathadder-v3",
			Snippets: []evidence.RawSnippet{{Type: "spec_table_row", Text: "weight: 54 g"}},
		},
	}}
	loop, _ := testLoop(t, fetcher)

	result, err := loop.Run(context.Background(), testJob())
	if err != nil {
		t.Fatal(err)
	}
	if result.Record.Fields["sensor"] != model.UnkValue {
		t.Errorf("sensor = %q, want unk", result.Record.Fields["sensor"])
	}
	if result.Record.TrafficLights["sensor"] != "gray" {
		t.Errorf("unknown field light = %q, want gray", result.Record.TrafficLights["sensor"])
	}
	if reason := result.Record.Provenance["sensor"].UnknownReason; reason == "" {
		t.Error("unknown field must carry a reason")
	}
}

func TestRunBlocksHostAfterRepeatedFailures(t *testing.T) {
	fetcher := &fakeFetcher{results: map[string]evidence.SourceResult{}}
	loop, _ := testLoop(t, fetcher)
	loop.Cfg.MaxFetchFailuresPerHost = 1

	job := testJob()
	job.SeedURLs = []string{
		"https://razer.com/products/deathadder-v3",
		"https://razer.com/products/deathadder-v3/specs",
	}
	result, err := loop.Run(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	if result.SourcesProcessed != 0 {
		t.Errorf("sources = %d", result.SourcesProcessed)
	}
	// First failure blocks the host; the second URL must never be fetched.
	if len(fetcher.fetched) != 1 {
		t.Errorf("fetched = %v, want one attempt before the block", fetcher.fetched)
	}
}

func TestRunDeadlineCancelsButPersists(t *testing.T) {
	fetcher := &fakeFetcher{results: map[string]evidence.SourceResult{}}
	loop, store := testLoop(t, fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := loop.Run(ctx, testJob())
	if err != nil {
		t.Fatalf("cancelled run must still persist: %v", err)
	}
	if result.Status != StatusCancelled {
		t.Errorf("status = %q, want cancelled", result.Status)
	}
	key := "specs/outputs/mouse/mouse-razer-deathadder-v3/runs/" + result.RunID + "/run.json"
	data, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("run.json missing: %v", err)
	}
	if !strings.Contains(string(data), StatusCancelled) {
		t.Errorf("run.json should record cancellation: %s", data)
	}
}

func TestEventLogMonotonicNDJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewEventLog(&buf)
	now := time.Now()
	for i := 0; i < 5; i++ {
		log.Emit(Event{TS: now, Event: "tick", ProductID: "p1", KV: map[string]any{"i": i}})
	}
	log.Close()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("expected 5 NDJSON lines, got %d", len(lines))
	}
	var last time.Time
	for _, line := range lines {
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			t.Fatalf("invalid NDJSON line %q: %v", line, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, obj["ts"].(string))
		if err != nil {
			t.Fatalf("bad ts in %q: %v", line, err)
		}
		if !ts.After(last) {
			t.Errorf("timestamps must be strictly monotonic: %v then %v", last, ts)
		}
		last = ts
		if obj["event"] != "tick" || obj["productId"] != "p1" {
			t.Errorf("line = %q", line)
		}
	}
}

func TestHostLimiterSpacing(t *testing.T) {
	limiter := NewHostLimiter(30 * time.Millisecond)
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := limiter.Wait(ctx, "razer.com"); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("three fetches should span ≥2 delays, took %v", elapsed)
	}
	// Distinct hosts are not throttled against each other.
	start = time.Now()
	if err := limiter.Wait(ctx, "rtings.com"); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Errorf("unrelated host waited %v", elapsed)
	}
}

func TestFleetRunsAllJobs(t *testing.T) {
	fetcher := &fakeFetcher{results: map[string]evidence.SourceResult{}}
	loop, _ := testLoop(t, fetcher)

	jobs := make([]model.ProductJob, 3)
	for i := range jobs {
		jobs[i] = testJob()
		jobs[i].ProductID = fmt.Sprintf("mouse-razer-deathadder-v%d", i+1)
		jobs[i].SeedURLs = nil
	}
	outcomes := (&Fleet{Loop: loop, Concurrency: 2}).Run(context.Background(), jobs)
	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %d", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Err != nil {
			t.Errorf("job %s: %v", o.Job.ProductID, o.Err)
		}
	}
}
