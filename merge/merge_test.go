package merge

import (
	"testing"

	"github.com/specfactory/specfactory/model"
	"github.com/specfactory/specfactory/rules"
)

func testOpts(t *testing.T) Options {
	t.Helper()
	cr, err := rules.LoadCategory([]byte(`
category: mouse
fields:
  weight:
    unit: g
    normalizer: number
  click_latency:
    unit: ms
    source_dependent: true
  dpi:
    unit: DPI
`))
	if err != nil {
		t.Fatalf("LoadCategory: %v", err)
	}
	return Options{Rules: cr}
}

func TestNumericTolerancePrefersHigherTier(t *testing.T) {
	opts := testOpts(t)
	manufacturer := model.Candidate{
		Field: "weight", Value: "54", Method: "parse_template",
		SourceTier: 1, SourceHost: "razer.com",
		SnippetID: "src1-s1", Quote: "Weight: 54g", Confidence: 0.95,
	}
	review := model.Candidate{
		Field: "weight", Value: "55", Method: "spec_table_match",
		SourceTier: 2, SourceHost: "rtings.com",
		SnippetID: "src2-s1", Quote: "weight: 55 g", Confidence: 0.9,
	}

	res := Field("weight", []model.Candidate{review, manufacturer}, opts)

	if res.Agreement != AgreementWithinTolerance {
		t.Fatalf("agreement = %q, want within_tolerance", res.Agreement)
	}
	if res.Value != "54" {
		t.Errorf("value = %q, want the tier-1 54", res.Value)
	}
	if res.Confidence != 0.85 {
		t.Errorf("confidence = %v, want 0.85", res.Confidence)
	}
	if res.NeedsReview {
		t.Error("within_tolerance must not flag needs_review")
	}
}

func TestUnanimous(t *testing.T) {
	opts := testOpts(t)
	cands := []model.Candidate{
		{Field: "dpi", Value: "30000", Method: "spec_table_match", SourceTier: 1,
			SnippetID: "s1", Quote: "dpi: 30000", Confidence: 0.95},
		{Field: "dpi", Value: "30000", Method: "component_db_inference", SourceTier: 1,
			SnippetID: "s1", Quote: "dpi: 30000", Confidence: 0.85},
	}
	res := Field("dpi", cands, opts)
	if res.Agreement != AgreementUnanimous {
		t.Fatalf("agreement = %q", res.Agreement)
	}
	wantTop := Score(cands[0], opts)
	if res.Confidence != wantTop+0.1 && res.Confidence != 1.0 {
		t.Errorf("confidence = %v, want top score + 0.1", res.Confidence)
	}
}

func TestSourceDependentKeepsAllAndFlags(t *testing.T) {
	opts := testOpts(t)
	cands := []model.Candidate{
		{Field: "click_latency", Value: "2.1", Method: "spec_table_match", SourceTier: 2,
			SnippetID: "s1", Quote: "latency: 2.1", Confidence: 0.9},
		{Field: "click_latency", Value: "8", Method: "llm_extract", SourceTier: 4,
			SnippetID: "s2", Quote: "about 8ms", Confidence: 0.6},
	}
	res := Field("click_latency", cands, opts)
	if res.Agreement != AgreementSourceDependent {
		t.Fatalf("agreement = %q", res.Agreement)
	}
	if res.Confidence != 0.70 || !res.NeedsReview {
		t.Errorf("confidence = %v needsReview = %v", res.Confidence, res.NeedsReview)
	}
	if len(res.Candidates) != 2 {
		t.Errorf("source_dependent must keep all candidates, got %d", len(res.Candidates))
	}
}

func TestCloseScoresConflict(t *testing.T) {
	opts := testOpts(t)
	cands := []model.Candidate{
		{Field: "dpi", Value: "30000", Method: "json_ld", SourceTier: 2,
			SnippetID: "s1", Quote: "30000", Confidence: 0.9},
		{Field: "dpi", Value: "26000", Method: "json_ld", SourceTier: 2,
			SnippetID: "s2", Quote: "26000", Confidence: 0.9},
	}
	res := Field("dpi", cands, opts)
	if res.Agreement != AgreementConflict {
		t.Fatalf("agreement = %q", res.Agreement)
	}
	if res.Confidence != 0.50 || !res.NeedsReview {
		t.Errorf("conflict outcome wrong: %+v", res)
	}
}

func TestClearWinner(t *testing.T) {
	opts := testOpts(t)
	cands := []model.Candidate{
		{Field: "dpi", Value: "30000", Method: "spec_table_match", SourceTier: 1,
			SnippetID: "s1", Quote: "dpi: 30000", Confidence: 0.95},
		{Field: "dpi", Value: "26000", Method: "llm_extract", SourceTier: 5, Confidence: 0.4},
	}
	res := Field("dpi", cands, opts)
	if res.Agreement != AgreementWinnerClear {
		t.Fatalf("agreement = %q", res.Agreement)
	}
	if res.Value != "30000" {
		t.Errorf("value = %q", res.Value)
	}
}

func TestZeroCandidatesUnknown(t *testing.T) {
	res := Field("dpi", nil, testOpts(t))
	if res.Value != model.UnkValue {
		t.Errorf("value = %q, want unk", res.Value)
	}
	if res.UnknownReason != ReasonNotFound {
		t.Errorf("reason = %q", res.UnknownReason)
	}
}

func TestMergeIdempotence(t *testing.T) {
	opts := testOpts(t)
	cands := []model.Candidate{
		{Field: "dpi", Value: "30000", Method: "spec_table_match", SourceTier: 1,
			SnippetID: "s1", Quote: "dpi: 30000", Confidence: 0.95},
	}
	a := Field("dpi", cands, opts)
	b := Field("dpi", append(cands, nil...), opts)
	if a.Value != b.Value || a.Confidence != b.Confidence || a.Agreement != b.Agreement {
		t.Errorf("merging (C, ∅) diverged from (C): %+v vs %+v", a, b)
	}
}

func TestAllEmitsUnknownForRuleFields(t *testing.T) {
	opts := testOpts(t)
	out := All(map[string][]model.Candidate{}, opts)
	if len(out) != 3 {
		t.Fatalf("All should cover every rule field, got %d", len(out))
	}
	for field, res := range out {
		if res.Value != model.UnkValue {
			t.Errorf("field %s = %q, want unk", field, res.Value)
		}
	}
}

func TestProvenanceCollectsAgreeingEvidence(t *testing.T) {
	opts := testOpts(t)
	cands := []model.Candidate{
		{Field: "dpi", Value: "30000", Method: "spec_table_match", SourceTier: 1,
			SnippetID: "s1", Quote: "dpi: 30000", Confidence: 0.95},
		{Field: "dpi", Value: "30000", Method: "json_ld", SourceTier: 2,
			SnippetID: "s2", Quote: "\"dpi\":\"30000\"", Confidence: 0.9},
	}
	res := Field("dpi", cands, opts)
	p := Provenance(res, 0.85)
	if len(p.Evidence) != 2 {
		t.Errorf("evidence count = %d, want 2", len(p.Evidence))
	}
	if !p.MeetsPassTarget {
		t.Errorf("unanimous tier-1 value should meet pass target: %+v", p)
	}
}
