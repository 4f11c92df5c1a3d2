// Package merge is the CandidateMerger: it combines the candidate lists
// produced by the deterministic parser, the component resolver, and the LLM
// extractor into one value per field, resolving conflicts by tier, method,
// and evidence quality. Merging is a pure function over the candidate set;
// the same inputs always produce the same record.
package merge

import (
	"math"
	"sort"
	"strconv"

	"github.com/specfactory/specfactory/model"
	"github.com/specfactory/specfactory/rules"
)

// Agreement outcomes.
const (
	AgreementUnanimous       = "unanimous"
	AgreementWithinTolerance = "within_tolerance"
	AgreementSourceDependent = "source_dependent"
	AgreementConflict        = "conflict"
	AgreementWinnerClear     = "winner_clear"
	AgreementUnknown         = "unknown"
)

// ReasonNotFound is the unknown-reason for fields no source ever yielded.
const ReasonNotFound = "not_found_after_search"

// numericTolerance is the relative difference under which two numeric
// values are treated as agreeing.
const numericTolerance = 0.05

var tierBonus = map[int]float64{1: 0.30, 2: 0.28, 3: 0.20, 4: 0.12, 5: 0.10}

var methodBonus = map[string]float64{
	"spec_table_match":       0.30,
	"parse_template":         0.28,
	"json_ld":                0.25,
	"llm_extract":            0.20,
	"component_db_inference": 0.15,
}

// Options configure one merge pass.
type Options struct {
	Rules          rules.CategoryRules
	PreferredHosts map[string]bool
}

// Result is the merged outcome for one field.
type Result struct {
	Field         string
	Value         string
	Confidence    float64
	Agreement     string
	NeedsReview   bool
	UnknownReason string
	Winner        *model.Candidate
	Candidates    []model.Candidate // scored, sorted best-first
	Scores        []float64         // parallel to Candidates
}

// Score computes a candidate's merge score in [0,1].
func Score(c model.Candidate, opts Options) float64 {
	s := tierBonus[c.SourceTier] + methodBonus[c.Method]
	if opts.PreferredHosts[c.SourceHost] {
		s += 0.15
	}
	if c.SnippetID != "" && c.Quote != "" {
		s += 0.15
	}
	s += 0.10 * c.Confidence
	if s > 1 {
		s = 1
	}
	return s
}

// Field merges all candidates for one field.
func Field(field string, cands []model.Candidate, opts Options) Result {
	if len(cands) == 0 {
		return Result{
			Field:         field,
			Value:         model.UnkValue,
			Agreement:     AgreementUnknown,
			UnknownReason: ReasonNotFound,
		}
	}

	scored := make([]model.Candidate, len(cands))
	copy(scored, cands)
	scores := make([]float64, len(scored))
	order := make([]int, len(scored))
	for i := range scored {
		scores[i] = Score(scored[i], opts)
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		i, j := order[a], order[b]
		if scores[i] != scores[j] {
			return scores[i] > scores[j]
		}
		if scored[i].SourceTier != scored[j].SourceTier {
			return scored[i].SourceTier < scored[j].SourceTier
		}
		return scored[i].Value < scored[j].Value
	})

	sortedCands := make([]model.Candidate, len(order))
	sortedScores := make([]float64, len(order))
	for n, idx := range order {
		sortedCands[n] = scored[idx]
		sortedScores[n] = scores[idx]
	}

	res := Result{
		Field:      field,
		Candidates: sortedCands,
		Scores:     sortedScores,
	}
	top := sortedCands[0]
	topScore := sortedScores[0]

	if unanimousValue(sortedCands) {
		res.Value = top.Value
		res.Agreement = AgreementUnanimous
		res.Confidence = math.Min(1.0, topScore+0.1)
		res.Winner = &sortedCands[0]
		return res
	}

	runnerIdx := firstDisagreeing(sortedCands, top.Value)
	runner := sortedCands[runnerIdx]
	runnerScore := sortedScores[runnerIdx]

	if tv, rv, ok := bothNumeric(top.Value, runner.Value); ok && withinTolerance(tv, rv) {
		winner := top
		if runner.SourceTier < top.SourceTier {
			winner = runner
		}
		res.Value = winner.Value
		res.Agreement = AgreementWithinTolerance
		res.Confidence = 0.85
		res.Winner = &winner
		return res
	}

	if rule, ok := opts.Rules.Fields[field]; ok && rule.SourceDependent {
		res.Value = top.Value
		res.Agreement = AgreementSourceDependent
		res.Confidence = 0.70
		res.NeedsReview = true
		res.Winner = &sortedCands[0]
		return res
	}

	if topScore-runnerScore < 0.1 {
		res.Value = top.Value
		res.Agreement = AgreementConflict
		res.Confidence = 0.50
		res.NeedsReview = true
		res.Winner = &sortedCands[0]
		return res
	}

	res.Value = top.Value
	res.Agreement = AgreementWinnerClear
	res.Confidence = topScore
	res.Winner = &sortedCands[0]
	return res
}

// All merges candidates grouped by field, emitting an explicit unknown for
// every rule field with no candidates.
func All(byField map[string][]model.Candidate, opts Options) map[string]Result {
	out := make(map[string]Result, len(opts.Rules.Fields))
	for field := range opts.Rules.Fields {
		out[field] = Field(field, byField[field], opts)
	}
	for field, cands := range byField {
		if _, done := out[field]; !done {
			out[field] = Field(field, cands, opts)
		}
	}
	return out
}

// Provenance converts a merge result into the per-field provenance record,
// collecting evidence from every candidate agreeing with the chosen value.
func Provenance(res Result, passTarget float64) model.FieldProvenance {
	p := model.FieldProvenance{
		Value:           res.Value,
		Confidence:      res.Confidence,
		MeetsPassTarget: res.Confidence >= passTarget && res.Value != model.UnkValue,
		UnknownReason:   res.UnknownReason,
		Agreement:       res.Agreement,
		NeedsReview:     res.NeedsReview,
	}
	seen := map[string]bool{}
	for _, c := range res.Candidates {
		if c.Value != res.Value || c.SnippetID == "" || seen[c.SnippetID] {
			continue
		}
		seen[c.SnippetID] = true
		p.Evidence = append(p.Evidence, model.Evidence{
			SnippetID: c.SnippetID,
			Quote:     c.Quote,
		})
	}
	return p
}

func unanimousValue(cands []model.Candidate) bool {
	for _, c := range cands[1:] {
		if c.Value != cands[0].Value {
			return false
		}
	}
	return true
}

func firstDisagreeing(cands []model.Candidate, value string) int {
	for i, c := range cands {
		if c.Value != value {
			return i
		}
	}
	return len(cands) - 1
}

func bothNumeric(a, b string) (float64, float64, bool) {
	av, errA := strconv.ParseFloat(a, 64)
	bv, errB := strconv.ParseFloat(b, 64)
	if errA != nil || errB != nil {
		return 0, 0, false
	}
	return av, bv, true
}

func withinTolerance(top, runner float64) bool {
	if top == 0 {
		return runner == 0
	}
	return math.Abs(top-runner) <= numericTolerance*math.Abs(top)
}
