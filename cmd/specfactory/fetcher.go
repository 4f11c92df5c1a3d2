package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/specfactory/specfactory/evidence"
	"github.com/specfactory/specfactory/model"
)

// httpFetcher is the minimal built-in fetcher: a plain GET returning the
// page body. The production fetcher fleet (headless browser, PDF/OCR
// extraction, snippet materialization) is an external collaborator; this
// adapter exists so the CLI can run standalone against plain HTML sources
// and robots/sitemap discovery still works.
type httpFetcher struct {
	client *http.Client
}

func newFetcher() evidence.Fetcher {
	return &httpFetcher{client: &http.Client{Timeout: 30 * time.Second}}
}

func (f *httpFetcher) Fetch(ctx context.Context, src model.Source) (evidence.SourceResult, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", src.URL, nil)
	if err != nil {
		return evidence.SourceResult{}, err
	}
	req.Header.Set("User-Agent", "specfactory/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return evidence.SourceResult{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return evidence.SourceResult{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return evidence.SourceResult{}, fmt.Errorf("fetch %s: status %d", src.URL, resp.StatusCode)
	}

	res := evidence.SourceResult{
		URL:      src.URL,
		FinalURL: resp.Request.URL.String(),
		Status:   "ok",
	}
	switch {
	case strings.HasSuffix(strings.ToLower(src.URL), "robots.txt"):
		res.RobotsBody = string(body)
	case strings.Contains(strings.ToLower(src.URL), "sitemap"):
		res.SitemapBody = string(body)
	default:
		res.HTML = string(body)
	}
	return res, nil
}
