// Package audit gates candidates on quote and provenance verifiability:
// before a candidate can commit, its cited snippet must resolve in the
// current EvidencePack and its stored quote must actually appear in that
// snippet's text. Anything that fails is demoted to a known-unknown, never
// published.
package audit

import (
	"regexp"
	"strings"

	"github.com/specfactory/specfactory/evidence"
	"github.com/specfactory/specfactory/model"
	"github.com/specfactory/specfactory/textsim"
)

// ReasonNotSupported is the unknown-reason attached to demoted candidates.
const ReasonNotSupported = "not_supported_by_evidence"

// Pipeline stages at which the audit can run. The basic gate runs at final;
// aggressive mode re-runs it after deterministic parsing and after LLM
// extraction as well.
const (
	StageDeterministic = "deterministic"
	StageLLM           = "llm"
	StageFinal         = "final"
)

// Options tune one audit pass.
type Options struct {
	// RequireValueInQuote additionally checks that the candidate's value
	// itself appears in the quote. Applied only to values that look numeric;
	// enum and other non-numeric values are not checked.
	RequireValueInQuote bool
}

// Demotion records one candidate that failed the audit and why.
type Demotion struct {
	Candidate model.Candidate
	Reason    string
	Detail    string
}

var numericValueRe = regexp.MustCompile(`^-?[\d.,]+$`)

// Verify checks one candidate against the pack. The failure detail names
// which of the three checks broke.
func Verify(c model.Candidate, pack model.EvidencePack, opts Options) (bool, string) {
	if c.SnippetID == "" {
		return false, "no snippet cited"
	}
	snippet, ok := evidence.Find(pack, c.SnippetID)
	if !ok {
		return false, "snippet not in evidence pack"
	}
	if c.Quote == "" {
		return false, "no quote recorded"
	}
	if !normalizedContains(snippet.Text, c.Quote) {
		return false, "quote not in snippet text"
	}
	if opts.RequireValueInQuote && numericValueRe.MatchString(c.Value) {
		if !normalizedContains(c.Quote, c.Value) && !normalizedContains(stripSeparators(c.Quote), c.Value) {
			return false, "value not in quote"
		}
	}
	return true, ""
}

// Filter splits candidates into the verified set and the demotions.
func Filter(cands []model.Candidate, pack model.EvidencePack, opts Options) ([]model.Candidate, []Demotion) {
	var passed []model.Candidate
	var demoted []Demotion
	for _, c := range cands {
		if ok, detail := Verify(c, pack, opts); !ok {
			demoted = append(demoted, Demotion{Candidate: c, Reason: ReasonNotSupported, Detail: detail})
			continue
		}
		passed = append(passed, c)
	}
	return passed, demoted
}

// normalizedContains is a case-insensitive, whitespace-collapsed substring
// test.
func normalizedContains(haystack, needle string) bool {
	return strings.Contains(textsim.Normalize(haystack), textsim.Normalize(needle))
}

// stripSeparators drops thousands separators so "30,000 DPI" supports the
// normalized value "30000".
func stripSeparators(s string) string {
	return strings.ReplaceAll(s, ",", "")
}
