package deterministic

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/specfactory/specfactory/rules"
)

var numberRe = regexp.MustCompile(`-?\d[\d,]*(?:\.\d+)?`)

// normalizeValue applies the field rule's normalizer to a raw extracted
// value, then resolves enum aliases to their canonical form.
func normalizeValue(cr rules.CategoryRules, rule rules.FieldRule, raw string) string {
	v := strings.TrimSpace(raw)
	switch rule.Normalizer {
	case "number":
		v = extractNumber(v, false)
	case "integer":
		v = extractNumber(v, true)
	case "lowercase":
		v = strings.ToLower(v)
	}
	if v == "" {
		return ""
	}
	return cr.ResolveEnumAlias(rule.Key, v)
}

// extractNumber pulls the first numeric run out of a value like "8000Hz" or
// "30,000 DPI", dropping thousands separators and, for integers, the
// fractional part.
func extractNumber(v string, integer bool) string {
	m := numberRe.FindString(v)
	if m == "" {
		return ""
	}
	m = strings.ReplaceAll(m, ",", "")
	if integer {
		if i := strings.Index(m, "."); i >= 0 {
			m = m[:i]
		}
	}
	return m
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
