package planner

import (
	"testing"
)

func testParams() Params {
	return Params{
		Category: "mouse",
		Brand:    "Razer",
		Model:    "DeathAdder V3",
		Allowlist: map[string]DomainInfo{
			"razer.com":       {Tier: 1, TierName: "manufacturer", Role: "manufacturer"},
			"rtings.com":      {Tier: 2, TierName: "lab", Role: "review"},
			"amazon.com":      {Tier: 3, TierName: "retailer", Role: "retailer"},
		},
		BrandHosts: []string{"razer.com"},
		Budgets: Budgets{
			MaxURLsPerProduct:             10,
			MaxPagesPerDomain:             4,
			MaxManufacturerURLsPerProduct: 5,
			MaxManufacturerPagesPerDomain: 5,
			ManufacturerReserveURLs:       2,
			MaxCandidateURLs:              3,
			FetchCandidateSources:         true,
		},
	}
}

func TestEnqueueProductPageOutranksHomePage(t *testing.T) {
	p := New(testParams())

	home := p.Enqueue("https://razer.com/", "seed", EnqueueOptions{})
	product := p.Enqueue("https://razer.com/products/deathadder-v3", "seed", EnqueueOptions{})
	if !home.Accepted || !product.Accepted {
		t.Fatalf("expected both accepted, got home=%+v product=%+v", home, product)
	}

	src, ok := p.Pop()
	if !ok {
		t.Fatal("expected a source to pop")
	}
	if src.URL != "https://razer.com/products/deathadder-v3" {
		t.Errorf("expected product page first, got %s", src.URL)
	}
	next, _ := p.Pop()
	if next.URL != "https://razer.com/" {
		t.Errorf("expected home page second, got %s", next.URL)
	}
	if src.PriorityScore <= next.PriorityScore {
		t.Errorf("product page score %v should exceed home page score %v",
			src.PriorityScore, next.PriorityScore)
	}
}

func TestEnqueueRejectsDuplicatesAndNonHTTP(t *testing.T) {
	p := New(testParams())

	if d := p.Enqueue("ftp://razer.com/spec", "seed", EnqueueOptions{}); d.Accepted {
		t.Error("ftp URL should be rejected")
	}
	first := p.Enqueue("https://www.razer.com/products/deathadder-v3#specs", "seed", EnqueueOptions{})
	if !first.Accepted {
		t.Fatalf("first enqueue rejected: %+v", first)
	}
	// Same URL modulo www. prefix and fragment.
	dup := p.Enqueue("https://razer.com/products/deathadder-v3", "seed", EnqueueOptions{})
	if dup.Accepted {
		t.Errorf("duplicate should be rejected, got %+v", dup)
	}
	if dup.Reason != "already_seen" {
		t.Errorf("reason = %q, want already_seen", dup.Reason)
	}
}

func TestEnqueueDeniedAndBlockedHosts(t *testing.T) {
	params := testParams()
	params.DeniedHosts = []string{"pinterest.com"}
	p := New(params)

	if d := p.Enqueue("https://pinterest.com/pin/deathadder", "seed", EnqueueOptions{}); d.Reason != "host_denied" {
		t.Errorf("denied host reason = %q", d.Reason)
	}

	p.Enqueue("https://rtings.com/mouse/reviews/razer/deathadder-v3", "seed", EnqueueOptions{})
	p.BlockHost("rtings.com", "repeated fetch errors")
	if p.Pending() != 0 {
		t.Errorf("blocked host's queued URLs should be dropped, pending = %d", p.Pending())
	}
	if d := p.Enqueue("https://rtings.com/mouse/tools", "seed", EnqueueOptions{}); d.Reason != "host_blocked" {
		t.Errorf("blocked host reason = %q", d.Reason)
	}
}

func TestManufacturerLaneProcessedFirst(t *testing.T) {
	p := New(testParams())
	p.Enqueue("https://rtings.com/mouse/reviews/razer/deathadder-v3", "seed", EnqueueOptions{})
	p.Enqueue("https://razer.com/products/deathadder-v3", "seed", EnqueueOptions{})

	src, _ := p.Pop()
	if src.Role != "manufacturer" {
		t.Errorf("expected manufacturer source first, got role %s (%s)", src.Role, src.URL)
	}
}

func TestBrandHostRestriction(t *testing.T) {
	params := testParams()
	params.Allowlist["logitech.com"] = DomainInfo{Tier: 1, Role: "manufacturer"}
	p := New(params)

	d := p.Enqueue("https://logitech.com/products/deathadder-v3", "seed", EnqueueOptions{})
	if d.Accepted || d.Reason != "brand_host_restricted" {
		t.Errorf("wrong-brand manufacturer host should be rejected, got %+v", d)
	}
	bypass := p.Enqueue("https://logitech.com/products/deathadder-v3", "seed", EnqueueOptions{ForceBrandBypass: true})
	if !bypass.Accepted {
		t.Errorf("forceBrandBypass should admit the URL, got %+v", bypass)
	}
}

func TestManufacturerReserveHoldsSlots(t *testing.T) {
	params := testParams()
	params.Budgets.MaxURLsPerProduct = 3
	params.Budgets.ManufacturerReserveURLs = 2
	params.Budgets.FetchCandidateSources = false
	p := New(params)

	if d := p.Enqueue("https://rtings.com/mouse/reviews/razer/deathadder-v3", "seed", EnqueueOptions{}); !d.Accepted {
		t.Fatalf("first review URL should fit, got %+v", d)
	}
	// Second non-manufacturer URL would eat into the manufacturer reserve.
	d := p.Enqueue("https://amazon.com/razer-deathadder-v3/dp/B0ABC", "seed", EnqueueOptions{})
	if d.Accepted || d.Reason != "manufacturer_reserve" {
		t.Errorf("reserve should reject, got %+v", d)
	}
	// Manufacturer URLs can still use the reserved slots.
	if d := p.Enqueue("https://razer.com/products/deathadder-v3", "seed", EnqueueOptions{}); !d.Accepted {
		t.Errorf("manufacturer URL should use reserve, got %+v", d)
	}
}

func TestCandidateLaneBudget(t *testing.T) {
	params := testParams()
	params.Budgets.MaxCandidateURLs = 1
	p := New(params)

	first := p.Enqueue("https://randomblog.net/reviews/deathadder-v3", "discovery", EnqueueOptions{})
	if !first.Accepted || first.Lane != LaneCandidate {
		t.Fatalf("non-allowlist URL should land in candidate lane, got %+v", first)
	}
	second := p.Enqueue("https://otherblog.net/deathadder-v3-review", "discovery", EnqueueOptions{})
	if second.Accepted {
		t.Errorf("candidate budget of 1 should reject second URL, got %+v", second)
	}
}

func TestMarkFieldsFilledRescoresQueues(t *testing.T) {
	params := testParams()
	params.RequiredFields = []string{"dpi", "weight"}
	params.Intel = Intel{
		FieldHelpfulness: map[string]map[string]float64{
			"rtings.com": {"dpi": 500, "weight": 500},
		},
	}
	p := New(params)
	p.Enqueue("https://rtings.com/mouse/reviews/razer/deathadder-v3", "seed", EnqueueOptions{})

	before := p.approvedQueue[0].src.PriorityScore
	p.MarkFieldsFilled([]string{"dpi", "weight"})
	after := p.approvedQueue[0].src.PriorityScore
	if after >= before {
		t.Errorf("score should drop once required fields fill: before=%v after=%v", before, after)
	}
}

func TestPopMarksVisited(t *testing.T) {
	p := New(testParams())
	p.Enqueue("https://razer.com/products/deathadder-v3", "seed", EnqueueOptions{})
	src, _ := p.Pop()
	if d := p.Enqueue(src.URL, "seed", EnqueueOptions{}); d.Accepted {
		t.Error("visited URL must not re-enqueue")
	}
}
