package deterministic

import (
	"testing"

	"github.com/specfactory/specfactory/model"
	"github.com/specfactory/specfactory/rules"
)

func testRules(t *testing.T) rules.CategoryRules {
	t.Helper()
	cr, err := rules.LoadCategory([]byte(`
category: mouse
fields:
  sensor:
    token_variants: ["sensor", "optical sensor"]
    context_keywords: ["sensor"]
    component_db_ref: sensor
  polling_rate:
    unit: Hz
    normalizer: number
    token_variants: ["polling rate", "report rate"]
    context_keywords: ["polling", "report rate"]
    patterns:
      - pattern: 'polling rate[:\s]+([\d,]+)\s*hz'
  weight:
    unit: g
    normalizer: number
    token_variants: ["weight"]
    context_keywords: ["weight", "grams"]
  connection:
    token_variants: ["connection", "connectivity"]
    context_keywords: ["connection"]
enum_aliases:
  connection:
    "2.4 ghz wireless": wireless
`))
	if err != nil {
		t.Fatalf("LoadCategory: %v", err)
	}
	return cr
}

func pack(snippets ...model.Snippet) model.EvidencePack {
	p := model.EvidencePack{SourceMeta: map[string]model.Source{
		"src1": {SourceID: "src1", Host: "razer.com", Tier: 1, Role: "manufacturer"},
	}}
	p.Snippets = snippets
	return p
}

func find(cands []model.Candidate, field, method string) *model.Candidate {
	for i := range cands {
		if cands[i].Field == field && cands[i].Method == method {
			return &cands[i]
		}
	}
	return nil
}

func TestSpecRowStrategy(t *testing.T) {
	cr := testRules(t)
	p := pack(model.Snippet{
		ID:       "src1-s1",
		SourceID: "src1",
		Type:     "spec_table_row",
		Text:     "sensor: PixArt PAW3950 | polling rate: 8000Hz",
	})

	cands := Parse(cr, p)

	sensor := find(cands, "sensor", "spec_table_match")
	if sensor == nil {
		t.Fatalf("no sensor candidate in %+v", cands)
	}
	if sensor.Value != "PixArt PAW3950" {
		t.Errorf("sensor value = %q", sensor.Value)
	}
	if sensor.Confidence < 0.8 || sensor.Confidence > 0.98 {
		t.Errorf("sensor confidence out of range: %v", sensor.Confidence)
	}
	if sensor.SnippetID != "src1-s1" || sensor.Quote == "" {
		t.Errorf("sensor provenance incomplete: %+v", sensor)
	}

	polling := find(cands, "polling_rate", "spec_table_match")
	if polling == nil {
		t.Fatalf("no polling_rate candidate in %+v", cands)
	}
	if polling.Value != "8000" {
		t.Errorf("polling_rate value = %q, want 8000 (unit stripped)", polling.Value)
	}
	if polling.Confidence < 0.8 {
		t.Errorf("polling_rate confidence = %v", polling.Confidence)
	}
}

func TestRegexStrategyRequiresContext(t *testing.T) {
	cr := testRules(t)

	withContext := pack(model.Snippet{
		ID: "src1-s1", SourceID: "src1", Type: "text_window",
		Text: "Polling rate: 8,000 Hz via HyperPolling",
	})
	cands := Parse(cr, withContext)
	c := find(cands, "polling_rate", "parse_template")
	if c == nil {
		t.Fatalf("expected parse_template candidate, got %+v", cands)
	}
	if c.Value != "8000" {
		t.Errorf("value = %q, want 8000", c.Value)
	}
	if c.Confidence != 0.95 {
		t.Errorf("confidence = %v, want 0.95", c.Confidence)
	}

	// Same number, but no context keyword anywhere in the snippet.
	noContext := pack(model.Snippet{
		ID: "src1-s2", SourceID: "src1", Type: "text_window",
		Text: "frequency: 8000 hz",
	})
	if c := find(Parse(cr, noContext), "polling_rate", "parse_template"); c != nil {
		t.Errorf("candidate emitted without context keyword: %+v", c)
	}
}

func TestStructuredStrategy(t *testing.T) {
	cr := testRules(t)
	p := pack(model.Snippet{
		ID: "src1-s1", SourceID: "src1", Type: "json_ld_product",
		Text: `{"name":"DeathAdder V3","weight":"63 g","additionalProperty":[{"name":"polling rate","value":"8000 Hz"}]}`,
	})

	cands := Parse(cr, p)

	w := find(cands, "weight", "json_ld")
	if w == nil {
		t.Fatalf("no weight candidate in %+v", cands)
	}
	if w.Value != "63" || w.Confidence != 0.90 {
		t.Errorf("weight candidate = %+v", w)
	}

	pr := find(cands, "polling_rate", "json_ld")
	if pr == nil {
		t.Fatal("additionalProperty lookup failed")
	}
	if pr.Value != "8000" {
		t.Errorf("polling_rate = %q", pr.Value)
	}
}

func TestEnumAliasResolution(t *testing.T) {
	cr := testRules(t)
	p := pack(model.Snippet{
		ID: "src1-s1", SourceID: "src1", Type: "spec_table_row",
		Text: "connection: 2.4 GHz Wireless",
	})
	c := find(Parse(cr, p), "connection", "spec_table_match")
	if c == nil {
		t.Fatal("no connection candidate")
	}
	if c.Value != "wireless" {
		t.Errorf("enum alias not resolved: %q", c.Value)
	}
}

func TestSpecRowBelowFloorRejected(t *testing.T) {
	cr := testRules(t)
	p := pack(model.Snippet{
		ID: "src1-s1", SourceID: "src1", Type: "spec_table_row",
		Text: "warranty: 2 years",
	})
	for _, c := range Parse(cr, p) {
		if c.Method == "spec_table_match" {
			t.Errorf("unrelated key matched a field: %+v", c)
		}
	}
}

func TestDedupeAcrossStrategies(t *testing.T) {
	cr := testRules(t)
	// Regex and spec-row both hit the same (field, value) in one snippet;
	// they survive as distinct methods, but re-parsing must not duplicate.
	p := pack(model.Snippet{
		ID: "src1-s1", SourceID: "src1", Type: "spec_table_row",
		Text: "polling rate: 8000 Hz",
	})
	cands := Parse(cr, p)
	seen := map[string]int{}
	for _, c := range cands {
		seen[c.Field+"/"+c.Value+"/"+c.Method]++
	}
	for k, n := range seen {
		if n > 1 {
			t.Errorf("duplicate candidate %s emitted %d times", k, n)
		}
	}
}
