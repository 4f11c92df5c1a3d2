// Package evidence turns fetcher output into the EvidencePack the extraction
// cascade consumes. The fetchers themselves (headless browser, HTTP client,
// OCR) are external collaborators; this package only sees their SourceResult.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/specfactory/specfactory/model"
	"github.com/specfactory/specfactory/textsim"
)

// RawSnippet is one extracted piece of text as the fetcher hands it over,
// before it is assigned an id and hash.
type RawSnippet struct {
	Type             string `json:"type"`
	Text             string `json:"text"`
	ExtractionMethod string `json:"extractionMethod,omitempty"`
}

// SourceResult is the fetcher layer's output for a single source fetch.
type SourceResult struct {
	URL             string       `json:"url"`
	FinalURL        string       `json:"finalUrl"`
	Status          string       `json:"status"` // ok | error
	HTML            string       `json:"html,omitempty"`
	RobotsBody      string       `json:"robotsBody,omitempty"`
	SitemapBody     string       `json:"sitemapBody,omitempty"`
	NetworkPayloads []string     `json:"networkPayloads,omitempty"`
	Snippets        []RawSnippet `json:"snippets"`
	IdentityMatch   *bool        `json:"identityMatch,omitempty"`
}

// Fetcher is the external collaborator contract: given a planned source,
// produce its SourceResult. Implementations live outside the core.
type Fetcher interface {
	Fetch(ctx context.Context, src model.Source) (SourceResult, error)
}

// snippetHash content-addresses a snippet's text so duplicate rows across
// fetches collapse to the same identity.
func snippetHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}

// BuildPack materializes an EvidencePack from one source's fetch result:
// snippets get source-scoped ids, content hashes, and normalized text.
func BuildPack(src model.Source, res SourceResult) model.EvidencePack {
	pack := model.EvidencePack{
		SourceMeta: map[string]model.Source{src.SourceID: src},
	}
	finalURL := res.FinalURL
	if finalURL == "" {
		finalURL = res.URL
	}
	pack.References = append(pack.References, finalURL)

	for i, raw := range res.Snippets {
		if raw.Text == "" {
			continue
		}
		pack.Snippets = append(pack.Snippets, model.Snippet{
			ID:               fmt.Sprintf("%s-s%d", src.SourceID, i+1),
			SourceID:         src.SourceID,
			Type:             raw.Type,
			Text:             raw.Text,
			NormalizedText:   textsim.Normalize(raw.Text),
			URL:              finalURL,
			SnippetHash:      snippetHash(raw.Text),
			ExtractionMethod: raw.ExtractionMethod,
		})
	}
	return pack
}

// Merge appends src's snippets, references, and source metadata into dst.
// Snippet ids are source-scoped so no collision handling is needed.
func Merge(dst *model.EvidencePack, src model.EvidencePack) {
	dst.Snippets = append(dst.Snippets, src.Snippets...)
	dst.References = append(dst.References, src.References...)
	if dst.SourceMeta == nil {
		dst.SourceMeta = make(map[string]model.Source, len(src.SourceMeta))
	}
	for id, meta := range src.SourceMeta {
		dst.SourceMeta[id] = meta
	}
}

// Find returns the snippet with the given id, if present.
func Find(pack model.EvidencePack, snippetID string) (model.Snippet, bool) {
	for _, s := range pack.Snippets {
		if s.ID == snippetID {
			return s, true
		}
	}
	return model.Snippet{}, false
}
