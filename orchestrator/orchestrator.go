// Package orchestrator runs the per-product pipeline: planner-driven source
// fetching, the deterministic → component → LLM extraction cascade, candidate
// merging, evidence auditing, traffic-lighting, and artifact writing. One
// product's loop is strictly sequential; the Fleet runs many loops in
// parallel over shared global capabilities (rate limiter, LLM cache, event
// log).
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/specfactory/specfactory/audit"
	"github.com/specfactory/specfactory/component"
	"github.com/specfactory/specfactory/deterministic"
	"github.com/specfactory/specfactory/evidence"
	"github.com/specfactory/specfactory/llmextract"
	"github.com/specfactory/specfactory/merge"
	"github.com/specfactory/specfactory/model"
	"github.com/specfactory/specfactory/planner"
	"github.com/specfactory/specfactory/retrieval"
	"github.com/specfactory/specfactory/rules"
	"github.com/specfactory/specfactory/storage"
	"github.com/specfactory/specfactory/textsim"
)

// Run statuses persisted in run.json.
const (
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusError     = "error"
)

// Traffic light thresholds.
const (
	greenThreshold  = 0.85
	yellowThreshold = 0.6
)

// AggressiveConfig bounds the optional second pass over critical gaps.
type AggressiveConfig struct {
	Enabled           bool
	MaxTimePerProduct time.Duration
	MaxDeepFields     int
	EvidenceAudit     bool
}

// Config tunes one orchestrator loop.
type Config struct {
	OutputPrefix          string
	MaxRunSeconds         int
	PassTarget            float64
	PlannerBudgets        planner.Budgets
	Allowlist             map[string]planner.DomainInfo
	DeniedHosts           []string
	BrandHosts            []string
	Intel                 planner.Intel
	PreferredHosts        []string
	LLMEnabled            bool
	IdentityFilterEnabled bool
	MaxFetchFailuresPerHost int
	Aggressive            AggressiveConfig
}

// Loop drives one product through the pipeline.
type Loop struct {
	Store     storage.Store
	Rules     *rules.Engine
	Resolver  *component.Resolver
	Extractor *llmextract.Extractor
	Fetcher   evidence.Fetcher
	Events    *EventLog
	Limiter   *HostLimiter
	Cfg       Config
}

// RunResult is what one product run produced.
type RunResult struct {
	RunID            string
	Status           string
	Record           *model.NormalizedRecord
	SourcesProcessed int
	Demotions        []audit.Demotion
}

// Run executes the full per-product sequence and writes artifacts under
// runs/{runId}/ plus the latest/ mirror. A deadline expiry persists partial
// results with status cancelled rather than failing.
func (l *Loop) Run(ctx context.Context, job model.ProductJob) (*RunResult, error) {
	cr, ok := l.Rules.Category(job.Category)
	if !ok {
		return nil, fmt.Errorf("orchestrator: no rules loaded for category %q", job.Category)
	}

	runID := "run-" + time.Now().UTC().Format("20060102T150405.000Z0700")
	if l.Cfg.MaxRunSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(l.Cfg.MaxRunSeconds)*time.Second)
		defer cancel()
	}
	l.emit(job, runID, "run_started", map[string]any{"category": job.Category})

	pl := l.buildPlanner(job, cr)
	l.seed(pl, job)

	var combined model.EvidencePack
	byField := map[string][]model.Candidate{}
	merged := map[string]merge.Result{}
	mergeOpts := merge.Options{Rules: cr, PreferredHosts: hostSet(l.Cfg.PreferredHosts)}
	fetchFailures := map[string]int{}
	status := StatusCompleted
	sources := 0

	for {
		if ctx.Err() != nil {
			status = StatusCancelled
			break
		}
		src, ok := pl.Pop()
		if !ok {
			break
		}
		if err := l.waitHost(ctx, src.Host); err != nil {
			status = StatusCancelled
			break
		}

		res, err := l.Fetcher.Fetch(ctx, src)
		if err != nil {
			l.emit(job, runID, "fetch_error", map[string]any{"url": src.URL, "error": err.Error()})
			fetchFailures[src.Host]++
			if fetchFailures[src.Host] >= l.maxFetchFailures() {
				pl.BlockHost(src.Host, "repeated fetch errors")
				l.emit(job, runID, "host_blocked", map[string]any{"host": src.Host})
			}
			continue
		}
		sources++

		pack := evidence.BuildPack(src, res)
		evidence.Merge(&combined, pack)
		l.discover(pl, src, res)

		cands := deterministic.Parse(cr, pack)
		if l.Cfg.Aggressive.Enabled && l.Cfg.Aggressive.EvidenceAudit {
			cands, _ = audit.Filter(cands, pack, audit.Options{})
		}

		if l.Resolver != nil {
			inferred, err := l.Resolver.Resolve(ctx, cr, append(allCandidates(byField), cands...), currentValues(merged))
			if err != nil {
				return nil, err
			}
			cands = append(cands, inferred...)
		}

		for _, c := range cands {
			byField[c.Field] = append(byField[c.Field], c)
		}
		merged = merge.All(byField, mergeOpts)

		if l.Cfg.LLMEnabled && l.Extractor != nil {
			llmCands, err := l.Extractor.Extract(ctx, job.IdentityLock, cr, unfilledFields(cr, merged), combined)
			if err != nil {
				l.emit(job, runID, "llm_error", map[string]any{"error": err.Error()})
			}
			if l.Cfg.Aggressive.Enabled && l.Cfg.Aggressive.EvidenceAudit {
				llmCands, _ = audit.Filter(llmCands, combined, audit.Options{})
			}
			for _, c := range llmCands {
				byField[c.Field] = append(byField[c.Field], c)
			}
			merged = merge.All(byField, mergeOpts)
		}

		pl.MarkFieldsFilled(filledFields(merged))
		l.emit(job, runID, "source_processed", map[string]any{
			"url": src.URL, "host": src.Host, "tier": src.Tier, "candidates": len(cands),
		})
	}

	// Final audit: every committed candidate must verify against the full
	// evidence pack; fields that lose all support demote to unknown.
	verified, demotions := audit.Filter(allCandidates(byField), combined, audit.Options{})
	auditedByField := groupByField(verified)
	merged = merge.All(auditedByField, mergeOpts)
	markUnsupported(merged, byField)

	if status == StatusCompleted && l.Cfg.Aggressive.Enabled && l.Cfg.LLMEnabled && l.Extractor != nil {
		merged = l.aggressivePass(ctx, job, runID, cr, auditedByField, merged, combined, mergeOpts)
	}

	record := l.assemble(job, runID, merged)
	if err := l.writeArtifacts(ctx, job, runID, status, record); err != nil {
		return nil, err
	}

	l.emit(job, runID, "run_finished", map[string]any{
		"status": status, "sources": sources, "demotions": len(demotions),
	})
	return &RunResult{
		RunID:            runID,
		Status:           status,
		Record:           record,
		SourcesProcessed: sources,
		Demotions:        demotions,
	}, nil
}

func (l *Loop) buildPlanner(job model.ProductJob, cr rules.CategoryRules) *planner.Planner {
	var required []string
	for key, fr := range cr.Fields {
		if fr.RequiredLevel == "identity" || fr.RequiredLevel == "critical" {
			required = append(required, key)
		}
	}
	sort.Strings(required)
	return planner.New(planner.Params{
		Category:       job.Category,
		Brand:          job.IdentityLock.Brand,
		Model:          job.IdentityLock.Model,
		Variant:        job.IdentityLock.Variant,
		RequiredFields: required,
		Allowlist:      l.Cfg.Allowlist,
		DeniedHosts:    l.Cfg.DeniedHosts,
		BrandHosts:     l.Cfg.BrandHosts,
		Budgets:        l.Cfg.PlannerBudgets,
		Intel:          l.Cfg.Intel,
	})
}

// seed enqueues the job's own URLs (trusted, force-approved) and prior-intel
// URLs that mention a brand or model token.
func (l *Loop) seed(pl *planner.Planner, job model.ProductJob) {
	for _, u := range job.SeedURLs {
		pl.Enqueue(u, "seed", planner.EnqueueOptions{ForceApproved: true})
	}
	tokens := textsim.Tokens(job.IdentityLock.Brand + " " + job.IdentityLock.Model)
	for _, u := range l.Cfg.Intel.SeedURLs {
		lower := strings.ToLower(u)
		for _, tok := range tokens {
			if strings.Contains(lower, tok) {
				pl.Enqueue(u, "intel", planner.EnqueueOptions{})
				break
			}
		}
	}
}

func (l *Loop) discover(pl *planner.Planner, src model.Source, res evidence.SourceResult) {
	base := res.FinalURL
	if base == "" {
		base = src.URL
	}
	if res.RobotsBody != "" {
		pl.DiscoverFromRobots(base, res.RobotsBody)
	}
	if res.SitemapBody != "" {
		pl.DiscoverFromSitemap(base, res.SitemapBody)
	}
	if res.HTML != "" {
		pl.DiscoverFromHTML(base, res.HTML)
	}
}

// aggressivePass re-runs LLM extraction on critical unfilled fields only,
// bounded by wall-clock time and the deep-field budget.
func (l *Loop) aggressivePass(ctx context.Context, job model.ProductJob, runID string, cr rules.CategoryRules, byField map[string][]model.Candidate, merged map[string]merge.Result, combined model.EvidencePack, mergeOpts merge.Options) map[string]merge.Result {
	gaps := criticalGaps(cr, merged)
	if len(gaps) == 0 {
		return merged
	}
	if max := l.Cfg.Aggressive.MaxDeepFields; max > 0 && len(gaps) > max {
		gaps = gaps[:max]
	}
	if budget := l.Cfg.Aggressive.MaxTimePerProduct; budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	l.emit(job, runID, "aggressive_pass", map[string]any{"fields": gaps})

	// Rank the full evidence pool per gap field and extract only against
	// the snippets that actually support one of them.
	pool := retrievalPool(combined)
	keep := map[string]bool{}
	for _, field := range gaps {
		hits, diag := retrieval.Rank(pool, retrieval.Query{
			Field:                 cr.Fields[field],
			Brand:                 job.IdentityLock.Brand,
			Model:                 job.IdentityLock.Model,
			IdentityFilterEnabled: l.Cfg.IdentityFilterEnabled,
		})
		if len(hits) == 0 {
			l.emit(job, runID, "retrieval_miss", map[string]any{
				"field": field, "reasons": diag.Reasons, "minRefsGap": diag.MinRefsGap,
			})
			continue
		}
		for _, h := range hits {
			keep[h.SnippetID] = true
		}
	}
	focused := filterPack(combined, keep)

	cands, err := l.Extractor.Extract(ctx, job.IdentityLock, cr, gaps, focused)
	if err != nil {
		l.emit(job, runID, "llm_error", map[string]any{"stage": "aggressive", "error": err.Error()})
		return merged
	}
	// Aggressive candidates always face the audit before they can promote a
	// field out of unk.
	passed, _ := audit.Filter(cands, combined, audit.Options{RequireValueInQuote: true})
	if len(passed) == 0 {
		return merged
	}
	for _, c := range passed {
		byField[c.Field] = append(byField[c.Field], c)
	}
	return merge.All(byField, mergeOpts)
}

func (l *Loop) assemble(job model.ProductJob, runID string, merged map[string]merge.Result) *model.NormalizedRecord {
	passTarget := l.Cfg.PassTarget
	if passTarget == 0 {
		passTarget = greenThreshold
	}

	record := &model.NormalizedRecord{
		ProductID:     job.ProductID,
		Identity:      job.IdentityLock,
		Fields:        map[string]string{},
		Provenance:    map[string]model.FieldProvenance{},
		TrafficLights: map[string]string{},
		RunID:         runID,
	}

	fields := make([]string, 0, len(merged))
	for f := range merged {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		res := merged[field]
		record.Fields[field] = res.Value
		record.Provenance[field] = merge.Provenance(res, passTarget)
		record.TrafficLights[field] = trafficLight(res)
		if res.NeedsReview {
			record.Flags = append(record.Flags, "needs_review:"+field)
		}
	}
	return record
}

func trafficLight(res merge.Result) string {
	switch {
	case res.Value == model.UnkValue:
		return "gray"
	case res.Confidence >= greenThreshold:
		return "green"
	case res.Confidence >= yellowThreshold:
		return "yellow"
	default:
		return "red"
	}
}

// writeArtifacts persists the run's record under runs/{runId}/ and mirrors
// it to latest/.
func (l *Loop) writeArtifacts(ctx context.Context, job model.ProductJob, runID, status string, record *model.NormalizedRecord) error {
	recordData, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("orchestrator: encode record: %w", err)
	}
	runData, err := json.Marshal(map[string]any{
		"runId": runID, "productId": job.ProductID, "status": status,
	})
	if err != nil {
		return err
	}

	base := fmt.Sprintf("%s/%s/%s", l.Cfg.OutputPrefix, job.Category, job.ProductID)
	writes := map[string][]byte{
		fmt.Sprintf("%s/runs/%s/normalized.json", base, runID): recordData,
		fmt.Sprintf("%s/runs/%s/run.json", base, runID):        runData,
		base + "/latest/normalized.json":                       recordData,
		base + "/latest/run.json":                              runData,
	}
	for key, data := range writes {
		if err := l.Store.Put(ctx, key, data); err != nil {
			return fmt.Errorf("orchestrator: write %s: %w", key, err)
		}
	}
	return nil
}

func (l *Loop) waitHost(ctx context.Context, host string) error {
	if l.Limiter == nil {
		return nil
	}
	return l.Limiter.Wait(ctx, host)
}

func (l *Loop) maxFetchFailures() int {
	if l.Cfg.MaxFetchFailuresPerHost > 0 {
		return l.Cfg.MaxFetchFailuresPerHost
	}
	return 3
}

func (l *Loop) emit(job model.ProductJob, runID, event string, kv map[string]any) {
	if l.Events == nil {
		return
	}
	l.Events.Emit(Event{
		Event:     event,
		ProductID: job.ProductID,
		RunID:     runID,
		KV:        kv,
	})
}

func hostSet(hosts []string) map[string]bool {
	out := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		out[strings.ToLower(h)] = true
	}
	return out
}

func allCandidates(byField map[string][]model.Candidate) []model.Candidate {
	fields := make([]string, 0, len(byField))
	for f := range byField {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	var out []model.Candidate
	for _, f := range fields {
		out = append(out, byField[f]...)
	}
	return out
}

func groupByField(cands []model.Candidate) map[string][]model.Candidate {
	out := map[string][]model.Candidate{}
	for _, c := range cands {
		out[c.Field] = append(out[c.Field], c)
	}
	return out
}

func currentValues(merged map[string]merge.Result) map[string]string {
	out := make(map[string]string, len(merged))
	for field, res := range merged {
		if res.Value != "" && res.Value != model.UnkValue {
			out[field] = res.Value
		}
	}
	return out
}

func filledFields(merged map[string]merge.Result) []string {
	var out []string
	for field, res := range merged {
		if res.Value != "" && res.Value != model.UnkValue {
			out = append(out, field)
		}
	}
	sort.Strings(out)
	return out
}

func unfilledFields(cr rules.CategoryRules, merged map[string]merge.Result) []string {
	var out []string
	for field := range cr.Fields {
		res, ok := merged[field]
		if !ok || res.Value == model.UnkValue || res.Value == "" {
			out = append(out, field)
		}
	}
	sort.Strings(out)
	return out
}

func criticalGaps(cr rules.CategoryRules, merged map[string]merge.Result) []string {
	var out []string
	for field, fr := range cr.Fields {
		if fr.RequiredLevel != "identity" && fr.RequiredLevel != "critical" {
			continue
		}
		if res, ok := merged[field]; !ok || res.Value == model.UnkValue {
			out = append(out, field)
		}
	}
	sort.Strings(out)
	return out
}

// retrievalPool flattens the accumulated pack into retriever evidence rows.
func retrievalPool(pack model.EvidencePack) []retrieval.Evidence {
	out := make([]retrieval.Evidence, 0, len(pack.Snippets))
	for _, s := range pack.Snippets {
		meta := pack.SourceMeta[s.SourceID]
		out = append(out, retrieval.Evidence{
			SnippetID: s.ID,
			Text:      s.Text,
			URL:       s.URL,
			Host:      meta.Host,
			Tier:      meta.Tier,
			Method:    retrievalMethod(s),
		})
	}
	return out
}

func retrievalMethod(s model.Snippet) string {
	if s.ExtractionMethod != "" {
		return s.ExtractionMethod
	}
	switch s.Type {
	case "spec_table_row":
		return "table"
	case "json_ld_product", "microdata_product", "opengraph_product":
		return "json_ld"
	default:
		return "text"
	}
}

// filterPack narrows a pack to the snippets in keep.
func filterPack(pack model.EvidencePack, keep map[string]bool) model.EvidencePack {
	out := model.EvidencePack{References: pack.References, SourceMeta: pack.SourceMeta}
	for _, s := range pack.Snippets {
		if keep[s.ID] {
			out.Snippets = append(out.Snippets, s)
		}
	}
	return out
}

// markUnsupported rewrites fields that had candidates before the final audit
// but none after it: their unknown reason is the audit's, not "never found".
func markUnsupported(merged map[string]merge.Result, preAudit map[string][]model.Candidate) {
	for field, res := range merged {
		if res.Value == model.UnkValue && len(preAudit[field]) > 0 && len(res.Candidates) == 0 {
			res.UnknownReason = audit.ReasonNotSupported
			merged[field] = res
		}
	}
}
