package planner

import (
	"encoding/xml"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

const maxSitemapURLs = 3000

var assetExtensions = []string{
	".css", ".js", ".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico",
	".woff", ".woff2", ".ttf", ".eot", ".mp4", ".webm",
}

// localizedPathRe matches language-prefixed paths like /fr/ or /de-de/.
var localizedPathRe = regexp.MustCompile(`^/[a-z]{2}(?:-[a-z]{2})?/`)

// Signals that a manufacturer sitemap URL is worth fetching even without a
// model token in it.
var manufacturerSignals = []string{
	"support", "download", "spec", "manual", "datasheet", "products",
}

// DiscoverFromHTML scans href attributes in a fetched page and enqueues the
// in-scope ones, resolving relative links against baseURL.
func (p *Planner) DiscoverFromHTML(baseURL, body string) []Decision {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}
	manufacturerCtx := p.hostRole(base.Host) == "manufacturer"

	var decisions []Decision
	tok := html.NewTokenizer(strings.NewReader(body))
	for {
		tt := tok.Next()
		if tt == html.ErrorToken {
			return decisions
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		name, hasAttr := tok.TagName()
		if string(name) != "a" || !hasAttr {
			continue
		}
		for {
			key, val, more := tok.TagAttr()
			if string(key) == "href" {
				if d, ok := p.discoverURL(base, string(val), baseURL, manufacturerCtx, false); ok {
					decisions = append(decisions, d)
				}
			}
			if !more {
				break
			}
		}
	}
}

// DiscoverFromRobots extracts Sitemap: directives and enqueues them as
// force-approved fetches.
func (p *Planner) DiscoverFromRobots(baseURL, body string) []Decision {
	var decisions []Decision
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 8 || !strings.EqualFold(line[:8], "sitemap:") {
			continue
		}
		loc := strings.TrimSpace(line[8:])
		if loc == "" {
			continue
		}
		d := p.Enqueue(loc, baseURL, EnqueueOptions{ForceApproved: true})
		decisions = append(decisions, d)
	}
	return decisions
}

type sitemapDoc struct {
	Locs []string `xml:"url>loc"`
	// Sitemap index files nest further sitemap references.
	Sitemaps []string `xml:"sitemap>loc"`
}

// DiscoverFromSitemap extracts up to 3000 <loc> URLs. In manufacturer
// context only URLs matching model tokens or manufacturer signals are
// enqueued; everything else goes through the standard relevance filter.
func (p *Planner) DiscoverFromSitemap(baseURL, body string) []Decision {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}
	manufacturerCtx := p.hostRole(base.Host) == "manufacturer"

	var doc sitemapDoc
	if err := xml.Unmarshal([]byte(body), &doc); err != nil {
		return nil
	}
	locs := append(doc.Locs, doc.Sitemaps...)
	if len(locs) > maxSitemapURLs {
		locs = locs[:maxSitemapURLs]
	}

	var decisions []Decision
	for _, loc := range locs {
		loc = strings.TrimSpace(loc)
		if loc == "" {
			continue
		}
		if manufacturerCtx {
			lower := strings.ToLower(loc)
			if !p.hasModelToken(lower) && !p.hasBrandToken(lower) && !containsAny(lower, manufacturerSignals) {
				continue
			}
		}
		if d, ok := p.discoverURL(base, loc, baseURL, manufacturerCtx, true); ok {
			decisions = append(decisions, d)
		}
	}
	return decisions
}

// discoverURL resolves, relevance-filters, and enqueues one discovered URL.
func (p *Planner) discoverURL(base *url.URL, href, discoveredFrom string, manufacturerCtx, sitemapCtx bool) (Decision, bool) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return Decision{}, false
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return Decision{}, false
	}
	if !p.relevant(resolved, manufacturerCtx, sitemapCtx) {
		return Decision{}, false
	}
	d := p.Enqueue(resolved.String(), discoveredFrom, EnqueueOptions{})
	return d, true
}

// relevant applies the discovery relevance filter: assets are rejected,
// localized variants are rejected outside manufacturer/sitemap context,
// negative-keyword paths need a model token, and everything else needs
// enough model tokens to look like this product's page.
func (p *Planner) relevant(u *url.URL, manufacturerCtx, sitemapCtx bool) bool {
	path := strings.ToLower(u.Path)
	for _, ext := range assetExtensions {
		if strings.HasSuffix(path, ext) {
			return false
		}
	}
	if localizedPathRe.MatchString(path) && !manufacturerCtx && !sitemapCtx {
		return false
	}
	if containsAny(path, negativePathKeywords) && !p.hasModelToken(path) {
		return false
	}
	// Manufacturer sitemaps may point at support/manual pages that never
	// name the model in the path.
	if manufacturerCtx && sitemapCtx && containsAny(path, manufacturerSignals) {
		return true
	}
	return p.modelTokensMatch(path)
}

// modelTokensMatch requires at least one model token in the path, or at
// least two when the model has three or more tokens.
func (p *Planner) modelTokensMatch(path string) bool {
	matched := 0
	for _, tok := range p.modelTokens {
		if strings.Contains(path, tok) {
			matched++
		}
	}
	need := 1
	if len(p.modelTokens) >= 3 {
		need = 2
	}
	return matched >= need
}

func (p *Planner) hasBrandToken(path string) bool {
	for _, tok := range p.brandTokens {
		if strings.Contains(path, tok) {
			return true
		}
	}
	return false
}

func (p *Planner) hostRole(host string) string {
	if info, ok := p.allowlist[normalizeHost(host)]; ok {
		return info.Role
	}
	return ""
}
