// Package textsim holds the small string-similarity helpers shared by the
// deterministic parser's spec-row key matching and the component DB's fuzzy
// entity matcher.
package textsim

import "strings"

// Normalize lowercases and collapses whitespace, the baseline every
// similarity comparison in this package runs on.
func Normalize(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	return strings.Join(fields, " ")
}

// Similarity scores a against b in [0,1]: 1.0 for an exact match after
// normalization, 0.9 if one is a substring of the other, and a
// character-bag Jaccard score otherwise.
func Similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == nb {
		return 1.0
	}
	if na == "" || nb == "" {
		return 0
	}
	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		return 0.9
	}
	return jaccard(charBag(na), charBag(nb))
}

func charBag(s string) map[rune]bool {
	bag := make(map[rune]bool)
	for _, r := range s {
		if r == ' ' {
			continue
		}
		bag[r] = true
	}
	return bag
}

func jaccard(a, b map[rune]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	inter := 0
	for r := range a {
		if b[r] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Tokens splits s into lowercase alphanumeric runs. Used for model-token
// matching in URL relevance filtering and for anchor/identity matching in
// evidence ranking.
func Tokens(s string) []string {
	var out []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			out = append(out, b.String())
			b.Reset()
		}
	}
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return out
}

// Best returns the highest-scoring candidate in candidates against query,
// along with its score, comparing query against each candidate's name and
// every alias and keeping the best of those.
func Best(query string, candidates []string, aliasesOf func(string) []string) (string, float64) {
	bestName := ""
	bestScore := -1.0
	for _, name := range candidates {
		score := Similarity(query, name)
		for _, alias := range aliasesOf(name) {
			if s := Similarity(query, alias); s > score {
				score = s
			}
		}
		if score > bestScore {
			bestScore = score
			bestName = name
		}
	}
	if bestName == "" {
		return "", 0
	}
	return bestName, bestScore
}
