// Package planner is the SourcePlanner: it maintains three ranked fetch
// queues per product (manufacturer, approved, candidate), enforces per-run
// and per-host budgets, scores URLs by how likely they are to fill the
// fields still missing, and discovers new URLs from fetched pages, robots
// files, and sitemaps.
package planner

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/specfactory/specfactory/model"
	"github.com/specfactory/specfactory/textsim"
)

// Lane names, in processing order.
const (
	LaneManufacturer = "manufacturer"
	LaneApproved     = "approved"
	LaneCandidate    = "candidate"
)

// Budgets are the per-run URL budgets the enqueue policy enforces.
type Budgets struct {
	MaxURLsPerProduct             int
	MaxPagesPerDomain             int
	MaxManufacturerURLsPerProduct int
	MaxManufacturerPagesPerDomain int
	ManufacturerReserveURLs       int
	MaxCandidateURLs              int
	FetchCandidateSources         bool
}

// DomainInfo classifies one allowlisted host.
type DomainInfo struct {
	Tier        int
	TierName    string
	Role        string // manufacturer | review | retailer | database | other
	DisplayName string
}

// Intel carries historical planner intelligence: base domain scores, field
// acceptance rewards keyed by host+path and by root domain, and per-domain
// field helpfulness counts.
type Intel struct {
	DomainBaseScore  map[string]float64
	PathRewards      map[string]float64
	DomainRewards    map[string]float64
	FieldHelpfulness map[string]map[string]float64 // rootDomain -> field -> count
	SeedURLs         []string
}

// EnqueueOptions adjust a single enqueue attempt.
type EnqueueOptions struct {
	ForceApproved    bool
	ForceBrandBypass bool
	Role             string // role hint when the host is not allowlisted
}

// Decision records the outcome of one enqueue attempt.
type Decision struct {
	Accepted bool
	Lane     string
	Reason   string
	URL      string
}

type entry struct {
	src model.Source
	u   *url.URL
	seq int
}

// Params configures a Planner for one product run.
type Params struct {
	Category       string
	Brand          string
	Model          string
	Variant        string
	RequiredFields []string
	Allowlist      map[string]DomainInfo // host (sans www.) -> classification
	DeniedHosts    []string
	BrandHosts     []string // hosts the brand-host restriction accepts for the manufacturer lane
	Budgets        Budgets
	Intel          Intel
}

// Planner holds the queue and budget state for one product run. It is not
// safe for concurrent use; each product's pipeline is sequential.
type Planner struct {
	category       string
	brandTokens    []string
	modelTokens    []string
	requiredFields []string
	filled         map[string]bool
	budgets        Budgets
	allowlist      map[string]DomainInfo
	denied         map[string]bool
	blocked        map[string]bool
	brandHosts     map[string]bool
	visited        map[string]bool
	queued         map[string]bool
	intel          Intel

	manufacturerQueue []entry
	approvedQueue     []entry
	candidateQueue    []entry

	perHost           map[string]int
	approvedTotal     int // manufacturer + approved lanes together
	manufacturerTotal int
	candidateTotal    int
	seq               int
	sourceSeq         int
}

// New builds a Planner for one product run.
func New(p Params) *Planner {
	pl := &Planner{
		category:       p.Category,
		brandTokens:    textsim.Tokens(p.Brand),
		modelTokens:    textsim.Tokens(p.Model + " " + p.Variant),
		requiredFields: p.RequiredFields,
		filled:         make(map[string]bool),
		budgets:        p.Budgets,
		allowlist:      p.Allowlist,
		denied:         make(map[string]bool, len(p.DeniedHosts)),
		blocked:        make(map[string]bool),
		brandHosts:     make(map[string]bool, len(p.BrandHosts)),
		visited:        make(map[string]bool),
		queued:         make(map[string]bool),
		intel:          p.Intel,
		perHost:        make(map[string]int),
	}
	for _, h := range p.DeniedHosts {
		pl.denied[normalizeHost(h)] = true
	}
	for _, h := range p.BrandHosts {
		pl.brandHosts[normalizeHost(h)] = true
	}
	return pl
}

func normalizeHost(host string) string {
	host = strings.ToLower(host)
	return strings.TrimPrefix(host, "www.")
}

// rootDomain reduces a host to its last two labels. Good enough for the
// retail and manufacturer hosts this pipeline plans against.
func rootDomain(host string) string {
	parts := strings.Split(host, ".")
	if len(parts) <= 2 {
		return host
	}
	return strings.Join(parts[len(parts)-2:], ".")
}

// canonicalize drops the URL fragment and normalizes the host.
func canonicalize(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.Host = normalizeHost(u.Host)
	return c.String()
}

// Enqueue applies the full admission policy to one URL and, if accepted,
// inserts it into its lane in priority order.
func (p *Planner) Enqueue(rawURL, discoveredFrom string, opts EnqueueOptions) Decision {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Decision{Reason: "invalid_url", URL: rawURL}
	}
	host := normalizeHost(u.Host)
	canonical := canonicalize(u)

	if p.denied[host] {
		return Decision{Reason: "host_denied", URL: canonical}
	}
	if p.blocked[host] {
		return Decision{Reason: "host_blocked", URL: canonical}
	}
	if p.visited[canonical] || p.queued[canonical] {
		return Decision{Reason: "already_seen", URL: canonical}
	}

	info, allowlisted := p.allowlist[host]
	approved := allowlisted || opts.ForceApproved
	role := info.Role
	if role == "" {
		role = opts.Role
	}
	if role == "" {
		role = "other"
	}
	tier := info.Tier
	if tier == 0 {
		tier = 5
	}

	src := model.Source{
		URL:             canonical,
		Host:            host,
		RootDomain:      rootDomain(host),
		Tier:            tier,
		TierName:        info.TierName,
		Role:            role,
		ApprovedDomain:  allowlisted,
		DiscoveredFrom:  discoveredFrom,
		DisplayName:     info.DisplayName,
	}

	if !approved {
		return p.tryCandidate(src, u, canonical)
	}

	if role == "manufacturer" && len(p.brandHosts) > 0 && !p.brandHosts[host] && !opts.ForceBrandBypass {
		return Decision{Reason: "brand_host_restricted", URL: canonical}
	}

	lane := LaneApproved
	if role == "manufacturer" {
		lane = LaneManufacturer
	}

	if reason, ok := p.checkBudgets(lane, host); !ok {
		// Overflow: a non-allowlist URL that was force-approved can still
		// land in the candidate queue if candidate fetching is on.
		if !allowlisted && p.budgets.FetchCandidateSources {
			return p.tryCandidate(src, u, canonical)
		}
		return Decision{Reason: reason, URL: canonical}
	}

	src.SourceID = p.nextSourceID()
	src.PriorityScore = p.priorityScore(src, u)
	p.insert(lane, entry{src: src, u: u, seq: p.nextSeq()})
	p.queued[canonical] = true
	p.perHost[host]++
	p.approvedTotal++
	if lane == LaneManufacturer {
		p.manufacturerTotal++
	}
	return Decision{Accepted: true, Lane: lane, URL: canonical}
}

func (p *Planner) tryCandidate(src model.Source, u *url.URL, canonical string) Decision {
	if !p.budgets.FetchCandidateSources {
		return Decision{Reason: "not_allowlisted", URL: canonical}
	}
	if p.candidateTotal >= p.budgets.MaxCandidateURLs {
		return Decision{Reason: "candidate_budget_exhausted", URL: canonical}
	}
	if p.perHost[src.Host] >= p.budgets.MaxPagesPerDomain {
		return Decision{Reason: "host_budget_exhausted", URL: canonical}
	}
	src.CandidateSource = true
	src.SourceID = p.nextSourceID()
	src.PriorityScore = p.priorityScore(src, u)
	p.insert(LaneCandidate, entry{src: src, u: u, seq: p.nextSeq()})
	p.queued[canonical] = true
	p.perHost[src.Host]++
	p.candidateTotal++
	return Decision{Accepted: true, Lane: LaneCandidate, URL: canonical}
}

// checkBudgets verifies the lane and host budgets admit one more URL.
func (p *Planner) checkBudgets(lane, host string) (string, bool) {
	if p.approvedTotal >= p.budgets.MaxURLsPerProduct {
		return "product_budget_exhausted", false
	}
	if lane == LaneManufacturer {
		if p.manufacturerTotal >= p.budgets.MaxManufacturerURLsPerProduct {
			return "manufacturer_budget_exhausted", false
		}
		if p.perHost[host] >= p.budgets.MaxManufacturerPagesPerDomain {
			return "host_budget_exhausted", false
		}
		return "", true
	}
	// Non-manufacturer URLs must leave the manufacturer reservation intact.
	nonManufacturer := p.approvedTotal - p.manufacturerTotal
	if nonManufacturer >= p.budgets.MaxURLsPerProduct-p.budgets.ManufacturerReserveURLs {
		return "manufacturer_reserve", false
	}
	if p.perHost[host] >= p.budgets.MaxPagesPerDomain {
		return "host_budget_exhausted", false
	}
	return "", true
}

func (p *Planner) nextSeq() int {
	p.seq++
	return p.seq
}

func (p *Planner) nextSourceID() string {
	p.sourceSeq++
	return "src" + strconv.Itoa(p.sourceSeq)
}

func (p *Planner) insert(lane string, e entry) {
	switch lane {
	case LaneManufacturer:
		p.manufacturerQueue = append(p.manufacturerQueue, e)
		sortManufacturer(p.manufacturerQueue)
	case LaneApproved:
		p.approvedQueue = append(p.approvedQueue, e)
		sortLane(p.approvedQueue)
	case LaneCandidate:
		p.candidateQueue = append(p.candidateQueue, e)
		sortLane(p.candidateQueue)
	}
}

// Manufacturer lane: priority desc, tiebreak by URL path then URL.
func sortManufacturer(q []entry) {
	sort.SliceStable(q, func(i, j int) bool {
		a, b := q[i], q[j]
		if a.src.PriorityScore != b.src.PriorityScore {
			return a.src.PriorityScore > b.src.PriorityScore
		}
		if a.u.Path != b.u.Path {
			return a.u.Path < b.u.Path
		}
		return a.src.URL < b.src.URL
	})
}

// Other lanes: tier asc, then priority desc, then URL.
func sortLane(q []entry) {
	sort.SliceStable(q, func(i, j int) bool {
		a, b := q[i], q[j]
		if a.src.Tier != b.src.Tier {
			return a.src.Tier < b.src.Tier
		}
		if a.src.PriorityScore != b.src.PriorityScore {
			return a.src.PriorityScore > b.src.PriorityScore
		}
		return a.src.URL < b.src.URL
	})
}

// Pop returns the next source to fetch: manufacturer lane first, then
// approved, then candidate. The returned URL is marked visited.
func (p *Planner) Pop() (model.Source, bool) {
	for _, q := range []*[]entry{&p.manufacturerQueue, &p.approvedQueue, &p.candidateQueue} {
		if len(*q) == 0 {
			continue
		}
		e := (*q)[0]
		*q = (*q)[1:]
		delete(p.queued, e.src.URL)
		p.visited[e.src.URL] = true
		return e.src, true
	}
	return model.Source{}, false
}

// Pending reports how many URLs remain across all lanes.
func (p *Planner) Pending() int {
	return len(p.manufacturerQueue) + len(p.approvedQueue) + len(p.candidateQueue)
}

// MarkFieldsFilled records newly filled fields and re-scores every queued
// URL, since the required-field boost shifts as gaps close.
func (p *Planner) MarkFieldsFilled(fields []string) {
	changed := false
	for _, f := range fields {
		if !p.filled[f] {
			p.filled[f] = true
			changed = true
		}
	}
	if !changed {
		return
	}
	rescore := func(q []entry) {
		for i := range q {
			q[i].src.PriorityScore = p.priorityScore(q[i].src, q[i].u)
		}
	}
	rescore(p.manufacturerQueue)
	rescore(p.approvedQueue)
	rescore(p.candidateQueue)
	sortManufacturer(p.manufacturerQueue)
	sortLane(p.approvedQueue)
	sortLane(p.candidateQueue)
}

// BlockHost adds host to the blocklist and drops its queued URLs, releasing
// their budget slots.
func (p *Planner) BlockHost(host, reason string) {
	host = normalizeHost(host)
	p.blocked[host] = true
	filter := func(q []entry, manufacturer bool) []entry {
		kept := q[:0]
		for _, e := range q {
			if e.src.Host != host {
				kept = append(kept, e)
				continue
			}
			delete(p.queued, e.src.URL)
			p.perHost[host]--
			if e.src.CandidateSource {
				p.candidateTotal--
			} else {
				p.approvedTotal--
				if manufacturer {
					p.manufacturerTotal--
				}
			}
		}
		return kept
	}
	p.manufacturerQueue = filter(p.manufacturerQueue, true)
	p.approvedQueue = filter(p.approvedQueue, false)
	p.candidateQueue = filter(p.candidateQueue, false)
}

// Blocked reports whether host is currently blocked.
func (p *Planner) Blocked(host string) bool {
	return p.blocked[normalizeHost(host)]
}
