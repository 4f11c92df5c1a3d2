package rules

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

type rawPattern struct {
	Pattern      string `yaml:"pattern"`
	CaptureGroup int    `yaml:"capture_group"`
}

type rawFieldRule struct {
	Label            string                 `yaml:"label"`
	Unit             string                 `yaml:"unit"`
	RequiredLevel    string                 `yaml:"required_level"`
	ContextKeywords  []string               `yaml:"context_keywords"`
	NegativeKeywords []string               `yaml:"negative_keywords"`
	TokenVariants    []string               `yaml:"token_variants"`
	SearchHints      []string               `yaml:"search_hints"`
	Patterns         []rawPattern           `yaml:"patterns"`
	Normalizer       string                 `yaml:"normalizer"`
	JSONLDPaths      []string               `yaml:"json_ld_paths"`
	ComponentDBRef   string                 `yaml:"component_db_ref"`
	FuzzyThreshold   float64                `yaml:"fuzzy_threshold"`
	TierPreference   []int                  `yaml:"tier_preference"`
	SourceDependent  bool                   `yaml:"source_dependent"`
}

type rawCategoryRules struct {
	Category    string                          `yaml:"category"`
	Fields      map[string]rawFieldRule         `yaml:"fields"`
	EnumAliases map[string]map[string]string    `yaml:"enum_aliases"`
}

// LoadCategory parses a {category}.rules.yaml file body and compiles every
// field's regex patterns.
func LoadCategory(data []byte) (CategoryRules, error) {
	var raw rawCategoryRules
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return CategoryRules{}, fmt.Errorf("rules: parse yaml: %w", err)
	}
	if raw.Category == "" {
		return CategoryRules{}, fmt.Errorf("rules: category name required")
	}

	cr := CategoryRules{
		Category:    raw.Category,
		Fields:      make(map[string]FieldRule, len(raw.Fields)),
		EnumAliases: make(map[string]map[string]string, len(raw.EnumAliases)),
	}

	for key, rf := range raw.Fields {
		fr := FieldRule{
			Key:              key,
			Label:            rf.Label,
			Unit:             rf.Unit,
			RequiredLevel:    rf.RequiredLevel,
			ContextKeywords:  rf.ContextKeywords,
			NegativeKeywords: rf.NegativeKeywords,
			TokenVariants:    rf.TokenVariants,
			SearchHints:      rf.SearchHints,
			Normalizer:       rf.Normalizer,
			JSONLDPaths:      rf.JSONLDPaths,
			ComponentDBRef:   rf.ComponentDBRef,
			FuzzyThreshold:   rf.FuzzyThreshold,
			TierPreference:   rf.TierPreference,
			SourceDependent:  rf.SourceDependent,
		}
		for _, p := range rf.Patterns {
			re, err := regexp.Compile("(?i)" + p.Pattern)
			if err != nil {
				return CategoryRules{}, fmt.Errorf("rules: field %q: compile pattern %q: %w", key, p.Pattern, err)
			}
			group := p.CaptureGroup
			if group == 0 {
				group = 1
			}
			fr.Patterns = append(fr.Patterns, Pattern{Regexp: re, CaptureGroup: group})
		}
		cr.Fields[key] = fr
	}

	for field, aliases := range raw.EnumAliases {
		normalized := make(map[string]string, len(aliases))
		for aliasText, canon := range aliases {
			normalized[normalizeAliasKey(aliasText)] = canon
		}
		cr.EnumAliases[field] = normalized
	}

	return cr, nil
}
