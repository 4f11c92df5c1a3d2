package planner

import "testing"

func TestDiscoverFromHTML(t *testing.T) {
	p := New(testParams())
	body := `<html><body>
		<a href="/products/deathadder-v3">DeathAdder V3</a>
		<a href="/products/deathadder-v3/style.css">css</a>
		<a href="/fr/products/deathadder-v3">FR</a>
		<a href="https://rtings.com/mouse/reviews/razer/deathadder-v3">review</a>
		<a href="/cart">cart</a>
		<a href="/about">about</a>
	</body></html>`

	decisions := p.DiscoverFromHTML("https://rtings.com/mouse", body)

	accepted := map[string]bool{}
	for _, d := range decisions {
		if d.Accepted {
			accepted[d.URL] = true
		}
	}
	if !accepted["https://rtings.com/products/deathadder-v3"] {
		t.Errorf("product link should be discovered, got %+v", decisions)
	}
	for u := range accepted {
		if u == "https://rtings.com/products/deathadder-v3/style.css" {
			t.Error("asset URL must not be enqueued")
		}
		if u == "https://rtings.com/fr/products/deathadder-v3" {
			t.Error("localized URL must not be enqueued outside manufacturer context")
		}
		if u == "https://rtings.com/cart" {
			t.Error("negative-keyword URL without model token must not be enqueued")
		}
		if u == "https://rtings.com/about" {
			t.Error("URL without model tokens must not be enqueued")
		}
	}
}

func TestDiscoverLocalizedAllowedOnManufacturer(t *testing.T) {
	p := New(testParams())
	body := `<a href="/fr/products/deathadder-v3">FR</a>`
	decisions := p.DiscoverFromHTML("https://razer.com/products", body)
	found := false
	for _, d := range decisions {
		if d.Accepted && d.URL == "https://razer.com/fr/products/deathadder-v3" {
			found = true
		}
	}
	if !found {
		t.Errorf("localized URL should pass in manufacturer context, got %+v", decisions)
	}
}

func TestDiscoverFromRobots(t *testing.T) {
	p := New(testParams())
	body := "User-agent: *\nDisallow: /admin\nSitemap: https://razer.com/sitemap.xml\nsitemap: https://razer.com/sitemap-products.xml\n"

	decisions := p.DiscoverFromRobots("https://razer.com/robots.txt", body)
	if len(decisions) != 2 {
		t.Fatalf("expected 2 sitemap decisions, got %d", len(decisions))
	}
	for _, d := range decisions {
		if !d.Accepted {
			t.Errorf("sitemap URL should be force-approved: %+v", d)
		}
	}

	// Sitemap URLs carry the -0.4 penalty so product pages preempt them.
	p.Enqueue("https://razer.com/products/deathadder-v3", "seed", EnqueueOptions{})
	src, _ := p.Pop()
	if src.URL != "https://razer.com/products/deathadder-v3" {
		t.Errorf("product page should outrank sitemap URLs, got %s", src.URL)
	}
}

func TestDiscoverFromSitemap(t *testing.T) {
	p := New(testParams())
	body := `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
	<url><loc>https://razer.com/products/deathadder-v3</loc></url>
	<url><loc>https://razer.com/support/deathadder-v3/manual</loc></url>
	<url><loc>https://razer.com/careers</loc></url>
</urlset>`

	decisions := p.DiscoverFromSitemap("https://razer.com/sitemap.xml", body)
	accepted := 0
	for _, d := range decisions {
		if d.Accepted {
			accepted++
		}
		if d.URL == "https://razer.com/careers" {
			t.Error("careers URL matches neither model tokens nor manufacturer signals")
		}
	}
	if accepted != 2 {
		t.Errorf("expected 2 accepted sitemap URLs, got %d (%+v)", accepted, decisions)
	}
}
