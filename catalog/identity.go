package catalog

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Slugify implements the canonical slug rule: NFD normalize, strip combining
// marks, trim, lowercase, spaces to hyphens, drop anything outside
// [a-z0-9-_], collapse hyphen runs, strip leading/trailing hyphens.
func Slugify(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.TrimSpace(folded)
	folded = strings.ToLower(folded)

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case r == ' ':
			b.WriteByte('-')
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	collapsed := collapseHyphens(b.String())
	return strings.Trim(collapsed, "-")
}

func collapseHyphens(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevHyphen := false
	for _, r := range s {
		if r == '-' {
			if prevHyphen {
				continue
			}
			prevHyphen = true
		} else {
			prevHyphen = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// hyphenTokens splits a slug on '-' into its non-empty tokens.
func hyphenTokens(slug string) []string {
	parts := strings.Split(slug, "-")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsFabricatedVariant reports whether variant v adds no identity over model
// m: its slug is a substring of the model slug, or every hyphen-token of its
// slug already appears among the model slug's tokens. A variant that
// slugifies to empty is never "fabricated" in this sense — there is nothing
// to strip.
func IsFabricatedVariant(model, variant string) bool {
	vs := Slugify(variant)
	if vs == "" {
		return false
	}
	ms := Slugify(model)
	if strings.Contains(ms, vs) {
		return true
	}
	modelTokens := make(map[string]bool)
	for _, t := range hyphenTokens(ms) {
		modelTokens[t] = true
	}
	for _, t := range hyphenTokens(vs) {
		if !modelTokens[t] {
			return false
		}
	}
	return true
}

// BuildProductID computes the canonical slug identity for a product.
func BuildProductID(category, brand, model, variant string) string {
	parts := []string{Slugify(category), Slugify(brand), Slugify(model)}
	if vs := Slugify(variant); vs != "" {
		parts = append(parts, vs)
	}
	return strings.Join(parts, "-")
}

// NormalizedIdentity is the result of cleaning a proposed product identity.
type NormalizedIdentity struct {
	Category    string
	Brand       string
	Model       string
	Variant     string
	ProductID   string
	WasCleaned  bool
	CleanReason string
}

// NormalizeIdentity strips a fabricated variant and computes the resulting
// productId, reporting whether and why the variant was dropped.
func NormalizeIdentity(category, brand, model, variant string) NormalizedIdentity {
	out := NormalizedIdentity{Category: category, Brand: brand, Model: model, Variant: variant}
	if variant != "" && IsFabricatedVariant(model, variant) {
		out.Variant = ""
		out.WasCleaned = true
		out.CleanReason = "fabricated_variant_stripped"
	}
	out.ProductID = BuildProductID(category, brand, model, out.Variant)
	return out
}
