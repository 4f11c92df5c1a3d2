package llmextract

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/specfactory/specfactory/rules"
)

// buildSchema describes the expected structured output: one object per
// requested field, each with value/snippet_id/quote/confidence and an
// optional unknown_reason. Enum fields get their canonical values enumerated
// in the value description.
func buildSchema(cr rules.CategoryRules, fields []string) json.RawMessage {
	properties := map[string]any{}
	for _, field := range fields {
		rule := cr.Fields[field]
		properties[field] = map[string]any{
			"type": "object",
			"properties": map[string]any{
				"value":          map[string]any{"type": "string", "description": valueDescription(cr, rule)},
				"snippet_id":     map[string]any{"type": "string"},
				"quote":          map[string]any{"type": "string"},
				"confidence":     map[string]any{"type": "number", "minimum": 0, "maximum": 1},
				"unknown_reason": map[string]any{"type": "string"},
			},
			"required": []string{"value"},
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   fields,
	}
	out, _ := json.Marshal(schema)
	return out
}

func valueDescription(cr rules.CategoryRules, rule rules.FieldRule) string {
	switch {
	case len(cr.EnumAliases[rule.Key]) > 0:
		return fmt.Sprintf("one of: %s, or \"unk\"", strings.Join(enumValues(cr, rule.Key), ", "))
	case rule.Unit != "":
		return fmt.Sprintf("numeric value in %s (digits only), or \"unk\"", rule.Unit)
	default:
		return `the extracted value, or "unk"`
	}
}

func enumValues(cr rules.CategoryRules, field string) []string {
	seen := map[string]bool{}
	var out []string
	for _, canon := range cr.EnumAliases[field] {
		if !seen[canon] {
			seen[canon] = true
			out = append(out, canon)
		}
	}
	sort.Strings(out)
	return out
}
