package planner

import (
	"net/url"
	"strings"

	"github.com/specfactory/specfactory/model"
)

// Known product directory names that signal a product detail page when
// /products/ itself is absent.
var productDirectories = []string{
	"/shop/", "/store/", "/gear/", "/collections/", "/mice/", "/keyboards/",
	"/headsets/", "/spec",
}

// Paths that rarely yield spec evidence unless the model itself is named.
var negativePathKeywords = []string{
	"/cart", "/checkout", "/community", "/blog", "/category/",
}

// priorityScore is the deterministic sum of the base domain score, the
// required-field boost, the historical field-reward boost, and the path
// heuristic.
func (p *Planner) priorityScore(src model.Source, u *url.URL) float64 {
	score := p.intel.DomainBaseScore[src.RootDomain]
	score += p.requiredFieldBoost(src.RootDomain)
	score += p.fieldRewardBoost(src, u)
	score += p.pathHeuristic(src, u)
	return score
}

// requiredFieldBoost adds min(0.01, helpfulness/500) for every required
// field still missing, capped at 0.2 total.
func (p *Planner) requiredFieldBoost(root string) float64 {
	helpful := p.intel.FieldHelpfulness[root]
	boost := 0.0
	for _, f := range p.requiredFields {
		if p.filled[f] {
			continue
		}
		b := helpful[f] / 500
		if b > 0.01 {
			b = 0.01
		}
		boost += b
	}
	if boost > 0.2 {
		boost = 0.2
	}
	return boost
}

// fieldRewardBoost blends past acceptance at this exact path with the
// domain-wide signal, 0.7/0.3, clamped to ±0.25.
func (p *Planner) fieldRewardBoost(src model.Source, u *url.URL) float64 {
	reward := 0.7*p.intel.PathRewards[src.Host+u.Path] + 0.3*p.intel.DomainRewards[src.RootDomain]
	if reward > 0.25 {
		reward = 0.25
	}
	if reward < -0.25 {
		reward = -0.25
	}
	return reward
}

func (p *Planner) pathHeuristic(src model.Source, u *url.URL) float64 {
	path := strings.ToLower(u.Path)

	// Robots and sitemap URLs must never preempt product pages.
	if strings.Contains(path, "robots.txt") || strings.Contains(path, "sitemap") {
		return -0.4
	}

	score := 0.0
	if path == "" || path == "/" || strings.Contains(path, "/search") {
		score -= 0.35
	}
	switch {
	case strings.Contains(path, "/products/") || strings.Contains(path, "/product/"):
		score += 0.28
	case containsAny(path, productDirectories):
		score += 0.18
	}
	if strings.HasSuffix(path, ".pdf") && src.Role == "manufacturer" {
		score += 0.12
	}
	for _, neg := range negativePathKeywords {
		if strings.Contains(path, neg) && !p.hasModelToken(path) {
			score -= 0.30
		}
	}
	return score
}

func (p *Planner) hasModelToken(path string) bool {
	for _, tok := range p.modelTokens {
		if strings.Contains(path, tok) {
			return true
		}
	}
	return false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
