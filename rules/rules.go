// Package rules is the FieldRulesEngine: compiled per-category field rules
// (regex templates, spec-row token variants, JSON-LD paths, component DB
// references, tier preferences) loaded from YAML, plus the enum-alias table
// and legacy property-name mapping the ComponentResolver consumes.
package rules

import "regexp"

// Pattern is one compiled regex extraction template.
type Pattern struct {
	Regexp       *regexp.Regexp
	CaptureGroup int
}

// FieldRule is the compiled rule set for a single output field.
type FieldRule struct {
	Key              string
	Label            string
	Unit             string
	RequiredLevel    string // identity | critical | standard | optional
	ContextKeywords  []string
	NegativeKeywords []string
	TokenVariants    []string
	SearchHints      []string
	Patterns         []Pattern
	Normalizer       string
	JSONLDPaths      []string
	ComponentDBRef   string
	FuzzyThreshold   float64
	TierPreference   []int
	SourceDependent  bool
}

// EffectiveFuzzyThreshold returns the rule's configured threshold, falling
// back to 0.7 when unset.
func (r FieldRule) EffectiveFuzzyThreshold() float64 {
	if r.FuzzyThreshold > 0 {
		return r.FuzzyThreshold
	}
	return 0.7
}

// CategoryRules is the full compiled rule set for one product category.
type CategoryRules struct {
	Category    string
	Fields      map[string]FieldRule
	EnumAliases map[string]map[string]string // field -> alias (lowercase) -> canonical value
}

// Engine holds the compiled rules for every loaded category.
type Engine struct {
	categories map[string]CategoryRules
}

// NewEngine builds an empty rules engine.
func NewEngine() *Engine {
	return &Engine{categories: make(map[string]CategoryRules)}
}

// Add registers a compiled category's rules, overwriting any prior entry.
func (e *Engine) Add(cr CategoryRules) {
	e.categories[cr.Category] = cr
}

// Category returns the compiled rules for a category, if loaded.
func (e *Engine) Category(category string) (CategoryRules, bool) {
	cr, ok := e.categories[category]
	return cr, ok
}

// Field returns one field's compiled rule within a category.
func (e *Engine) Field(category, field string) (FieldRule, bool) {
	cr, ok := e.categories[category]
	if !ok {
		return FieldRule{}, false
	}
	fr, ok := cr.Fields[field]
	return fr, ok
}

// ResolveEnumAlias maps a raw extracted value to its canonical enum value
// for a field, if an alias is registered; otherwise returns the input
// unchanged.
func (cr CategoryRules) ResolveEnumAlias(field, raw string) string {
	aliases, ok := cr.EnumAliases[field]
	if !ok {
		return raw
	}
	if canon, ok := aliases[normalizeAliasKey(raw)]; ok {
		return canon
	}
	return raw
}

func normalizeAliasKey(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			r = r + ('a' - 'A')
		}
		out = append(out, r)
	}
	return string(out)
}
