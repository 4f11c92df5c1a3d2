package llmextract

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/specfactory/specfactory/llm"
	"github.com/specfactory/specfactory/model"
	"github.com/specfactory/specfactory/rules"
	"github.com/specfactory/specfactory/rules/componentdb"
)

// fakeClient returns canned structured results and records calls.
type fakeClient struct {
	calls     int
	responses []string
	err       error
	lastReq   llm.StructuredRequest
}

func (f *fakeClient) ChatStructured(_ context.Context, req llm.StructuredRequest) (*llm.StructuredResult, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return &llm.StructuredResult{Raw: "not json at all"}, f.err
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return &llm.StructuredResult{JSON: json.RawMessage(resp), Raw: resp, PromptTokens: 100, CompletionTokens: 50}, nil
}

func extractRules(t *testing.T) rules.CategoryRules {
	t.Helper()
	cr, err := rules.LoadCategory([]byte(`
category: mouse
fields:
  dpi:
    unit: DPI
    token_variants: ["dpi", "sensitivity"]
  click_latency:
    unit: ms
    source_dependent: true
    token_variants: ["click latency", "latency"]
`))
	if err != nil {
		t.Fatal(err)
	}
	return cr
}

func extractPack() model.EvidencePack {
	return model.EvidencePack{
		Snippets: []model.Snippet{
			{ID: "src1-s1", SourceID: "src1", Text: "Max sensitivity: 30,000 DPI", SnippetHash: "h1"},
			{ID: "src2-s1", SourceID: "src2", Text: "Measured click latency: 2.1 ms", SnippetHash: "h2"},
		},
		SourceMeta: map[string]model.Source{
			"src1": {SourceID: "src1", Host: "razer.com", Tier: 1, Role: "manufacturer"},
			"src2": {SourceID: "src2", Host: "rtings.com", Tier: 2, Role: "review"},
		},
	}
}

func identity() model.IdentityLock {
	return model.IdentityLock{Brand: "Razer", Model: "DeathAdder V3"}
}

func TestExtractProducesCandidates(t *testing.T) {
	client := &fakeClient{responses: []string{
		`{"dpi":{"value":"30000","snippet_id":"src1-s1","quote":"Max sensitivity: 30,000 DPI","confidence":0.9}}`,
		`{"click_latency":{"value":"2.1","snippet_id":"src2-s1","quote":"Measured click latency: 2.1 ms","confidence":0.8}}`,
	}}
	cfg := DefaultConfig()
	cfg.FastModel = "fast-model"
	cfg.ReasoningModel = "reasoning-model"
	cfg.CacheEnabled = false
	ex := New(client, nil, NewBudget(BudgetLimits{}), cfg)

	cands, err := ex.Extract(context.Background(), identity(), extractRules(t),
		[]string{"dpi", "click_latency"}, extractPack())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %+v", cands)
	}
	for _, c := range cands {
		if c.Method != "llm_extract" {
			t.Errorf("method = %q", c.Method)
		}
		if c.SnippetID == "" || c.Quote == "" {
			t.Errorf("provenance missing: %+v", c)
		}
	}
	// dpi batches against manufacturer evidence, click_latency against the
	// review source: two separate batches, two calls.
	if client.calls != 2 {
		t.Errorf("calls = %d, want 2", client.calls)
	}
}

func TestRoutingSourceDependentToReasoningModel(t *testing.T) {
	client := &fakeClient{responses: []string{`{}`}}
	cfg := DefaultConfig()
	cfg.FastModel = "fast-model"
	cfg.ReasoningModel = "reasoning-model"
	cfg.CacheEnabled = false
	ex := New(client, nil, NewBudget(BudgetLimits{}), cfg)

	_, err := ex.Extract(context.Background(), identity(), extractRules(t),
		[]string{"click_latency"}, extractPack())
	if err != nil {
		t.Fatal(err)
	}
	if client.lastReq.Model != "reasoning-model" {
		t.Errorf("source_dependent field routed to %q", client.lastReq.Model)
	}
}

func TestUnkAnswerYieldsNoCandidate(t *testing.T) {
	client := &fakeClient{responses: []string{
		`{"dpi":{"value":"unk","unknown_reason":"not stated"}}`,
	}}
	cfg := DefaultConfig()
	cfg.CacheEnabled = false
	ex := New(client, nil, NewBudget(BudgetLimits{}), cfg)

	cands, err := ex.Extract(context.Background(), identity(), extractRules(t),
		[]string{"dpi"}, extractPack())
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 0 {
		t.Errorf("unk must yield no candidate, got %+v", cands)
	}
}

func TestBudgetStopsRound(t *testing.T) {
	client := &fakeClient{responses: []string{`{}`}}
	cfg := DefaultConfig()
	cfg.CacheEnabled = false
	ex := New(client, nil, NewBudget(BudgetLimits{MaxCallsPerRound: 0, MaxCallsPerProduct: 1}), cfg)

	// Two fields in two role batches, but only one call allowed.
	cands, err := ex.Extract(context.Background(), identity(), extractRules(t),
		[]string{"dpi", "click_latency"}, extractPack())
	if err != nil {
		t.Fatal(err)
	}
	if client.calls != 1 {
		t.Errorf("calls = %d, want 1 (budget capped)", client.calls)
	}
	_ = cands
}

func TestCacheHitSkipsCall(t *testing.T) {
	db, err := componentdb.New(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	client := &fakeClient{responses: []string{
		`{"dpi":{"value":"30000","snippet_id":"src1-s1","quote":"Max sensitivity: 30,000 DPI","confidence":0.9}}`,
	}}
	cfg := DefaultConfig()
	cfg.FastModel = "fast-model"
	ex := New(client, db, NewBudget(BudgetLimits{}), cfg)

	ctx := context.Background()
	first, err := ex.Extract(ctx, identity(), extractRules(t), []string{"dpi"}, extractPack())
	if err != nil {
		t.Fatal(err)
	}
	second, err := ex.Extract(ctx, identity(), extractRules(t), []string{"dpi"}, extractPack())
	if err != nil {
		t.Fatal(err)
	}
	if client.calls != 1 {
		t.Errorf("second extract should hit the cache, calls = %d", client.calls)
	}
	if len(first) != 1 || len(second) != 1 || first[0].Value != second[0].Value {
		t.Errorf("cache replay diverged: %+v vs %+v", first, second)
	}
}

func TestParseFailureDropsBatch(t *testing.T) {
	client := &fakeClient{err: llm.ErrNotJSON}
	cfg := DefaultConfig()
	cfg.CacheEnabled = false
	ex := New(client, nil, NewBudget(BudgetLimits{}), cfg)

	cands, err := ex.Extract(context.Background(), identity(), extractRules(t),
		[]string{"dpi"}, extractPack())
	if err != nil {
		t.Fatalf("batch failures must not be fatal: %v", err)
	}
	if len(cands) != 0 {
		t.Errorf("unparseable batch must yield no candidates, got %+v", cands)
	}
}

func TestRepairJSON(t *testing.T) {
	repaired, err := repairJSON("Sure! Here it is: {\"dpi\":{\"value\":\"30000\",}} hope that helps")
	if err != nil {
		t.Fatalf("repairJSON: %v", err)
	}
	var out map[string]fieldAnswer
	if err := json.Unmarshal(repaired, &out); err != nil {
		t.Fatalf("repaired JSON still invalid: %v", err)
	}
	if out["dpi"].Value != "30000" {
		t.Errorf("repaired payload = %s", repaired)
	}

	if _, err := repairJSON("completely hopeless"); err == nil {
		t.Error("hopeless input must error")
	}
}

func TestBudgetSpendCeiling(t *testing.T) {
	b := NewBudget(BudgetLimits{PerProductUSD: 0.001, USDPerMTokensIn: 10, USDPerMTokensOut: 30})
	if err := b.Allow(); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}
	b.Record(100000, 0) // $1 at $10/M
	if err := b.Allow(); err != ErrBudgetExceeded {
		t.Errorf("spend ceiling should block, got %v", err)
	}
	b.NextProduct()
	if err := b.Allow(); err != nil {
		t.Errorf("per-product reset should unblock: %v", err)
	}
}
