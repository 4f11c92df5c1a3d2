// Package retrieval is the tier-aware evidence retriever: given the mixed
// evidence pool accumulated for a product (provenance plus raw source
// results), it ranks the rows most likely to support a specific field. The
// score is a deterministic weighted sum over tier, document kind, extraction
// method, anchor/identity/unit matches, and direct-field hits; identical
// features always produce identical scores.
package retrieval

import (
	"sort"
	"strings"

	"github.com/specfactory/specfactory/rules"
	"github.com/specfactory/specfactory/textsim"
)

// Default result window and minimum desirable reference count.
const (
	DefaultMaxResults = 24
	DefaultMinRefs    = 2
)

// Signal weights of the scoring sum.
const (
	tierFactor        = 2.6
	docKindFactor     = 1.5
	methodFactor      = 0.85
	anchorPerTerm     = 0.42
	anchorCap         = 1.8
	identityPerToken  = 0.28
	identityCap       = 1.4
	unitScore         = 0.35
	directFieldScore  = 0.65
)

var baseTierWeights = map[int]float64{1: 3, 2: 2, 3: 1, 4: 0.65, 5: 0.4}

var docKindWeights = map[string]float64{
	"manual_pdf":   1.5,
	"spec_pdf":     1.4,
	"spec":         1.35,
	"support":      1.1,
	"lab_review":   0.95,
	"teardown":     0.9,
	"product_page": 0.75,
	"other":        0.55,
}

var methodWeights = map[string]float64{
	"table":             1.25,
	"kv":                1.15,
	"json_ld":           1.1,
	"window":            0.95,
	"text":              0.9,
	"llm_extract":       0.85,
	"helper_supportive": 0.65,
}

// Evidence is one row of the retrieval pool.
type Evidence struct {
	SnippetID           string
	Text                string
	URL                 string
	Host                string
	Tier                int
	DocKind             string // inferred from the URL/text when empty
	Method              string
	OriginField         string
	SourceIdentityMatch *bool
}

// Query describes one field's retrieval request.
type Query struct {
	Field                 rules.FieldRule
	Brand                 string
	Model                 string
	MaxResults            int
	MinRefs               int
	IdentityFilterEnabled bool
}

// Hit is one scored evidence row.
type Hit struct {
	Evidence
	Score           float64
	AnchorMatches   int
	IdentityMatches int
	UnitMatch       bool
	DirectField     bool
}

// Miss reasons.
const (
	MissPoolEmpty        = "pool_empty"
	MissNoAnchor         = "no_anchor"
	MissTierDeficit      = "tier_deficit"
	MissIdentityMismatch = "identity_mismatch"
)

// MissDiagnostics explains why a field's retrieval came back thin.
type MissDiagnostics struct {
	Reasons    []string
	MinRefsGap int
}

// Rank scores the pool for the query, drops rows with no supporting signal,
// applies the identity filter where it is in force, and returns the top
// window sorted by score desc, tier asc, URL.
func Rank(pool []Evidence, q Query) ([]Hit, MissDiagnostics) {
	if q.MaxResults <= 0 {
		q.MaxResults = DefaultMaxResults
	}
	if q.MinRefs <= 0 {
		q.MinRefs = DefaultMinRefs
	}

	var diag MissDiagnostics
	if len(pool) == 0 {
		diag.Reasons = append(diag.Reasons, MissPoolEmpty)
		diag.MinRefsGap = q.MinRefs
		return nil, diag
	}

	anchors := anchorTerms(q.Field)
	identity := identityTokens(q.Brand, q.Model)
	tierWeights := preferenceTierWeights(q.Field.TierPreference)
	identityGate := q.IdentityFilterEnabled &&
		(q.Field.RequiredLevel == "identity" || q.Field.RequiredLevel == "critical")

	hits := make([]Hit, 0, len(pool))
	skippedNoSignal := 0
	droppedIdentity := 0
	for _, row := range pool {
		h := score(row, q.Field, anchors, identity, tierWeights)
		if h.AnchorMatches == 0 && !h.DirectField && !h.UnitMatch {
			skippedNoSignal++
			continue
		}
		if identityGate && row.SourceIdentityMatch != nil && !*row.SourceIdentityMatch {
			droppedIdentity++
			continue
		}
		hits = append(hits, h)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Tier != hits[j].Tier {
			return hits[i].Tier < hits[j].Tier
		}
		return hits[i].URL < hits[j].URL
	})
	if len(hits) > q.MaxResults {
		hits = hits[:q.MaxResults]
	}

	if skippedNoSignal == len(pool) {
		diag.Reasons = append(diag.Reasons, MissNoAnchor)
	}
	if droppedIdentity > 0 {
		diag.Reasons = append(diag.Reasons, MissIdentityMismatch)
	}
	if !hasHighTier(hits) {
		diag.Reasons = append(diag.Reasons, MissTierDeficit)
	}
	if gap := q.MinRefs - len(hits); gap > 0 {
		diag.MinRefsGap = gap
	}
	return hits, diag
}

func score(row Evidence, field rules.FieldRule, anchors, identity []string, tierWeights map[int]float64) Hit {
	h := Hit{Evidence: row}
	lower := strings.ToLower(row.Text)

	for _, a := range anchors {
		if strings.Contains(lower, a) {
			h.AnchorMatches++
		}
	}
	for _, tok := range identity {
		if strings.Contains(lower, tok) {
			h.IdentityMatches++
		}
	}
	h.UnitMatch = field.Unit != "" && strings.Contains(lower, strings.ToLower(field.Unit))
	h.DirectField = row.OriginField != "" && row.OriginField == field.Key

	anchorScore := capAt(anchorPerTerm*float64(h.AnchorMatches), anchorCap)
	identityScore := capAt(identityPerToken*float64(h.IdentityMatches), identityCap)

	s := tierFactor * tierWeights[row.Tier]
	s += docKindFactor * docKindWeight(row)
	s += methodFactor * methodWeight(row.Method)
	s += anchorScore + identityScore
	if h.UnitMatch {
		s += unitScore
	}
	if h.DirectField {
		s += directFieldScore
	}
	h.Score = s
	return h
}

// preferenceTierWeights boosts the field's preferred tiers over the default
// weights: the first preferred tier gets x1.25, decreasing 0.12 per rank.
func preferenceTierWeights(pref []int) map[int]float64 {
	weights := make(map[int]float64, len(baseTierWeights))
	for t, w := range baseTierWeights {
		weights[t] = w
	}
	for rank, t := range pref {
		mult := 1.25 - 0.12*float64(rank)
		if mult < 1 {
			mult = 1
		}
		weights[t] = baseTierWeights[t] * mult
	}
	return weights
}

// anchorTerms collects what a supporting row should mention: the field's
// synonyms, search hints, and label.
func anchorTerms(field rules.FieldRule) []string {
	seen := map[string]bool{}
	var out []string
	add := func(term string) {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" && !seen[term] {
			seen[term] = true
			out = append(out, term)
		}
	}
	add(strings.ReplaceAll(field.Key, "_", " "))
	add(field.Label)
	for _, v := range field.TokenVariants {
		add(v)
	}
	for _, hint := range field.SearchHints {
		add(hint)
	}
	return out
}

func identityTokens(brand, model string) []string {
	return textsim.Tokens(brand + " " + model)
}

// docKindWeight infers the document kind from the URL when the row does not
// carry one.
func docKindWeight(row Evidence) float64 {
	kind := row.DocKind
	if kind == "" {
		kind = InferDocKind(row.URL)
	}
	if w, ok := docKindWeights[kind]; ok {
		return w
	}
	return docKindWeights["other"]
}

// InferDocKind classifies a URL into a document kind bucket.
func InferDocKind(url string) string {
	lower := strings.ToLower(url)
	isPDF := strings.HasSuffix(lower, ".pdf")
	switch {
	case isPDF && (strings.Contains(lower, "manual") || strings.Contains(lower, "guide")):
		return "manual_pdf"
	case isPDF:
		return "spec_pdf"
	case strings.Contains(lower, "/spec"):
		return "spec"
	case strings.Contains(lower, "/support") || strings.Contains(lower, "/download"):
		return "support"
	case strings.Contains(lower, "review"):
		return "lab_review"
	case strings.Contains(lower, "teardown"):
		return "teardown"
	case strings.Contains(lower, "/product"):
		return "product_page"
	default:
		return "other"
	}
}

func methodWeight(method string) float64 {
	if w, ok := methodWeights[method]; ok {
		return w
	}
	return methodWeights["text"]
}

func hasHighTier(hits []Hit) bool {
	for _, h := range hits {
		if h.Tier <= 2 {
			return true
		}
	}
	return false
}

func capAt(v, cap float64) float64 {
	if v > cap {
		return cap
	}
	return v
}

// QueryString builds the retrieval query text used when the evidence pool
// must be searched externally: identity tokens plus the field's anchors and
// unit.
func QueryString(q Query) string {
	parts := []string{q.Brand, q.Model}
	parts = append(parts, anchorTerms(q.Field)...)
	if q.Field.Unit != "" {
		parts = append(parts, q.Field.Unit)
	}
	return strings.Join(parts, " ")
}
