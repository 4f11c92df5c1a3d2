// Package deterministic runs the three no-LLM extraction strategies over an
// EvidencePack: compiled regex templates, spec-table row matching, and
// structured product metadata (JSON-LD and friends). Everything here is pure
// and deterministic; the same pack and rules always yield the same
// candidates.
package deterministic

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/specfactory/specfactory/model"
	"github.com/specfactory/specfactory/rules"
	"github.com/specfactory/specfactory/textsim"
)

// Spec-row key similarity floor. 0.8 is canonical.
const specRowFloor = 0.8

// structuredTypes maps structured snippet surfaces to the candidate method
// they mirror.
var structuredTypes = map[string]string{
	"json_ld_product":      "json_ld",
	"microdata_product":    "microdata",
	"opengraph_product":    "opengraph",
	"microformat_product":  "microformat",
	"rdfa_product":         "rdfa",
	"twitter_card_product": "twitter_card",
}

// Parse runs every strategy for every (field, snippet) pair and returns the
// deduplicated candidate list.
func Parse(cr rules.CategoryRules, pack model.EvidencePack) []model.Candidate {
	var out []model.Candidate
	for _, snippet := range pack.Snippets {
		meta := pack.SourceMeta[snippet.SourceID]
		for _, field := range sortedFieldKeys(cr) {
			rule := cr.Fields[field]
			out = append(out, regexStrategy(cr, rule, snippet, meta)...)
			out = append(out, specRowStrategy(cr, rule, snippet, meta)...)
			out = append(out, structuredStrategy(cr, rule, snippet, meta)...)
		}
	}
	return dedupe(out)
}

func sortedFieldKeys(cr rules.CategoryRules) []string {
	keys := make([]string, 0, len(cr.Fields))
	for k := range cr.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// regexStrategy applies each compiled pattern, requiring at least one
// context keyword and no negative keyword in the snippet text.
func regexStrategy(cr rules.CategoryRules, rule rules.FieldRule, snippet model.Snippet, meta model.Source) []model.Candidate {
	if len(rule.Patterns) == 0 {
		return nil
	}
	lower := strings.ToLower(snippet.Text)
	if !containsAnyKeyword(lower, rule.ContextKeywords) {
		return nil
	}
	if containsAnyKeyword(lower, rule.NegativeKeywords) {
		return nil
	}

	var out []model.Candidate
	for _, pat := range rule.Patterns {
		m := pat.Regexp.FindStringSubmatch(snippet.Text)
		if m == nil || pat.CaptureGroup >= len(m) {
			continue
		}
		value := normalizeValue(cr, rule, m[pat.CaptureGroup])
		if value == "" {
			continue
		}
		out = append(out, model.Candidate{
			Field:        rule.Key,
			Value:        value,
			Method:       "parse_template",
			EvidenceRefs: []string{snippet.ID},
			SnippetID:    snippet.ID,
			Quote:        m[0],
			Confidence:   0.95,
			SourceHost:   meta.Host,
			SourceTier:   meta.Tier,
		})
	}
	return out
}

// specRowStrategy splits a snippet into |-separated cells, finds key: value
// pairs, and scores key similarity against the field's token variants and
// context keywords.
func specRowStrategy(cr rules.CategoryRules, rule rules.FieldRule, snippet model.Snippet, meta model.Source) []model.Candidate {
	if !strings.Contains(snippet.Text, ":") {
		return nil
	}
	variants := keyVariants(rule)

	var out []model.Candidate
	for _, cell := range strings.Split(snippet.Text, "|") {
		cell = strings.TrimSpace(cell)
		idx := strings.Index(cell, ":")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(cell[:idx])
		rawValue := strings.TrimSpace(cell[idx+1:])
		if key == "" || rawValue == "" {
			continue
		}

		sim := bestSimilarity(key, variants)
		if sim < specRowFloor {
			continue
		}
		value := normalizeValue(cr, rule, rawValue)
		if value == "" {
			continue
		}
		confidence := specRowFloor + (sim-specRowFloor)*0.9
		if confidence > 0.98 {
			confidence = 0.98
		}
		out = append(out, model.Candidate{
			Field:        rule.Key,
			Value:        value,
			Method:       "spec_table_match",
			EvidenceRefs: []string{snippet.ID},
			SnippetID:    snippet.ID,
			Quote:        cell,
			Confidence:   confidence,
			SourceHost:   meta.Host,
			SourceTier:   meta.Tier,
		})
	}
	return out
}

// structuredStrategy parses a structured-metadata snippet body as JSON and
// looks the field up by name, underscoreless name, additionalProperty list,
// or a template-declared JSON-LD path.
func structuredStrategy(cr rules.CategoryRules, rule rules.FieldRule, snippet model.Snippet, meta model.Source) []model.Candidate {
	method, ok := structuredTypes[snippet.Type]
	if !ok {
		return nil
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(snippet.Text), &body); err != nil {
		// Malformed structured payloads yield no candidates, never an error.
		return nil
	}

	value, keyPath := lookupStructured(body, rule)
	if value == "" {
		return nil
	}
	normalized := normalizeValue(cr, rule, value)
	if normalized == "" {
		return nil
	}
	return []model.Candidate{{
		Field:        rule.Key,
		Value:        normalized,
		Method:       method,
		KeyPath:      keyPath,
		EvidenceRefs: []string{snippet.ID},
		SnippetID:    snippet.ID,
		Quote:        value,
		Confidence:   0.90,
		SourceHost:   meta.Host,
		SourceTier:   meta.Tier,
	}}
}

func lookupStructured(body map[string]any, rule rules.FieldRule) (string, string) {
	if v := stringValue(body[rule.Key]); v != "" {
		return v, rule.Key
	}
	flat := strings.ReplaceAll(rule.Key, "_", "")
	if flat != rule.Key {
		if v := stringValue(body[flat]); v != "" {
			return v, flat
		}
	}
	if v, path := lookupAdditionalProperty(body, rule.Key); v != "" {
		return v, path
	}
	for _, path := range rule.JSONLDPaths {
		if v := stringValue(lookupPath(body, path)); v != "" {
			return v, path
		}
	}
	return "", ""
}

// lookupAdditionalProperty walks the schema.org additionalProperty list of
// {name, value} objects.
func lookupAdditionalProperty(body map[string]any, field string) (string, string) {
	props, ok := body["additionalProperty"].([]any)
	if !ok {
		return "", ""
	}
	want := textsim.Normalize(strings.ReplaceAll(field, "_", " "))
	for _, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name := stringValue(prop["name"])
		if textsim.Normalize(strings.ReplaceAll(name, "_", " ")) != want {
			continue
		}
		if v := stringValue(prop["value"]); v != "" {
			return v, "additionalProperty." + name
		}
	}
	return "", ""
}

// lookupPath resolves a dot-separated path inside nested JSON objects.
func lookupPath(body map[string]any, path string) any {
	var cur any = body
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return trimFloat(t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

func containsAnyKeyword(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// keyVariants collects everything a spec-row key may be matched against:
// the field key (underscores as spaces), its token variants, and its
// context keywords.
func keyVariants(rule rules.FieldRule) []string {
	variants := make([]string, 0, len(rule.TokenVariants)+len(rule.ContextKeywords)+1)
	variants = append(variants, strings.ReplaceAll(rule.Key, "_", " "))
	variants = append(variants, rule.TokenVariants...)
	variants = append(variants, rule.ContextKeywords...)
	return variants
}

func bestSimilarity(key string, variants []string) float64 {
	best := 0.0
	for _, v := range variants {
		if s := textsim.Similarity(key, v); s > best {
			best = s
		}
	}
	return best
}

// dedupe collapses candidates by (field, value, method, first evidence ref).
func dedupe(cands []model.Candidate) []model.Candidate {
	seen := make(map[string]bool, len(cands))
	out := cands[:0]
	for _, c := range cands {
		ref := ""
		if len(c.EvidenceRefs) > 0 {
			ref = c.EvidenceRefs[0]
		}
		k := c.Field + "\x00" + c.Value + "\x00" + c.Method + "\x00" + ref
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, c)
	}
	return out
}
