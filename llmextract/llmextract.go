// Package llmextract is the LLM extraction stage: unfilled fields are
// batched by the kind of evidence that might answer them, each batch gets a
// structured-output call against the configured fast or reasoning model,
// and validated answers come back as candidates with method llm_extract.
// Responses are cached by content hash so re-runs over unchanged evidence
// never pay twice.
package llmextract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/specfactory/specfactory/llm"
	"github.com/specfactory/specfactory/model"
	"github.com/specfactory/specfactory/rules"
	"github.com/specfactory/specfactory/rules/componentdb"
)

// Config tunes batching, caching, and routing for one extractor.
type Config struct {
	FastModel           string
	ReasoningModel      string
	MaxSnippetsPerBatch int
	MaxCharsPerBatch    int
	CacheEnabled        bool
	CacheTTL            time.Duration
}

// DefaultConfig returns the standard extraction limits. The 7-day cache TTL
// matches how often manufacturer pages meaningfully change.
func DefaultConfig() Config {
	return Config{
		MaxSnippetsPerBatch: 12,
		MaxCharsPerBatch:    12000,
		CacheEnabled:        true,
		CacheTTL:            7 * 24 * time.Hour,
	}
}

// Extractor batches unfilled fields and turns structured LLM output into
// candidates.
type Extractor struct {
	client llm.Client
	cache  *componentdb.Store // nil disables caching
	budget *Budget
	cfg    Config
}

// New builds an Extractor. cache may be nil; budget must not be.
func New(client llm.Client, cache *componentdb.Store, budget *Budget, cfg Config) *Extractor {
	if cfg.MaxSnippetsPerBatch == 0 {
		cfg.MaxSnippetsPerBatch = DefaultConfig().MaxSnippetsPerBatch
	}
	if cfg.MaxCharsPerBatch == 0 {
		cfg.MaxCharsPerBatch = DefaultConfig().MaxCharsPerBatch
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	return &Extractor{client: client, cache: cache, budget: budget, cfg: cfg}
}

// batch is one extraction call: a set of fields asked against the snippets
// of one source role.
type batch struct {
	role     string
	fields   []string
	snippets []model.Snippet
}

// fieldAnswer is the per-field shape the structured-output schema requires.
type fieldAnswer struct {
	Value         string  `json:"value"`
	SnippetID     string  `json:"snippet_id"`
	Quote         string  `json:"quote"`
	Confidence    float64 `json:"confidence"`
	UnknownReason string  `json:"unknown_reason,omitempty"`
}

// Extract runs one extraction round over the unfilled fields. LLM failures
// drop their batch and are logged, never fatal; a budget denial ends the
// round early.
func (e *Extractor) Extract(ctx context.Context, identity model.IdentityLock, cr rules.CategoryRules, unfilled []string, pack model.EvidencePack) ([]model.Candidate, error) {
	batches := e.planBatches(cr, unfilled, pack)
	var out []model.Candidate
	for _, b := range batches {
		model_ := e.routeModel(cr, b.fields)
		if err := e.budget.Allow(); err != nil {
			slog.Warn("llmextract: budget exhausted, ending round",
				"role", b.role, "fields", b.fields, "error", err)
			return out, nil
		}
		cands, err := e.runBatch(ctx, identity, cr, b, pack, model_)
		if err != nil {
			slog.Warn("llmextract: batch dropped", "role", b.role, "fields", b.fields, "error", err)
			continue
		}
		out = append(out, cands...)
	}
	return out, nil
}

// planBatches groups unfilled fields by the source role whose snippets
// mention them, then caps each batch's snippet set.
func (e *Extractor) planBatches(cr rules.CategoryRules, unfilled []string, pack model.EvidencePack) []batch {
	sort.Strings(unfilled)
	byRole := map[string]*batch{}
	for _, field := range unfilled {
		rule, ok := cr.Fields[field]
		if !ok {
			continue
		}
		role, snippets := e.snippetsFor(rule, pack)
		if len(snippets) == 0 {
			continue
		}
		b, ok := byRole[role]
		if !ok {
			b = &batch{role: role}
			byRole[role] = b
		}
		b.fields = append(b.fields, field)
		b.snippets = mergeSnippets(b.snippets, snippets)
	}

	roles := make([]string, 0, len(byRole))
	for role := range byRole {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	out := make([]batch, 0, len(roles))
	for _, role := range roles {
		b := byRole[role]
		b.snippets = e.capSnippets(b.snippets)
		out = append(out, *b)
	}
	return out
}

// snippetsFor selects the snippets whose text matches the field's hints and
// reports the dominant source role among them.
func (e *Extractor) snippetsFor(rule rules.FieldRule, pack model.EvidencePack) (string, []model.Snippet) {
	hints := append([]string{strings.ReplaceAll(rule.Key, "_", " ")}, rule.TokenVariants...)
	hints = append(hints, rule.ContextKeywords...)
	hints = append(hints, rule.SearchHints...)

	roleCount := map[string]int{}
	var matched []model.Snippet
	for _, s := range pack.Snippets {
		lower := strings.ToLower(s.Text)
		for _, hint := range hints {
			if hint == "" || !strings.Contains(lower, strings.ToLower(hint)) {
				continue
			}
			matched = append(matched, s)
			roleCount[roleOf(pack, s)]++
			break
		}
	}
	role := "other"
	best := 0
	for r, n := range roleCount {
		if n > best || (n == best && r < role) {
			role, best = r, n
		}
	}
	return role, matched
}

func roleOf(pack model.EvidencePack, s model.Snippet) string {
	if meta, ok := pack.SourceMeta[s.SourceID]; ok && meta.Role != "" {
		return meta.Role
	}
	return "other"
}

func mergeSnippets(dst, src []model.Snippet) []model.Snippet {
	seen := make(map[string]bool, len(dst))
	for _, s := range dst {
		seen[s.ID] = true
	}
	for _, s := range src {
		if !seen[s.ID] {
			seen[s.ID] = true
			dst = append(dst, s)
		}
	}
	return dst
}

func (e *Extractor) capSnippets(snippets []model.Snippet) []model.Snippet {
	if len(snippets) > e.cfg.MaxSnippetsPerBatch {
		snippets = snippets[:e.cfg.MaxSnippetsPerBatch]
	}
	total := 0
	for i, s := range snippets {
		total += len(s.Text)
		if total > e.cfg.MaxCharsPerBatch {
			return snippets[:i]
		}
	}
	return snippets
}

// routeModel sends a batch to the reasoning model when any of its fields is
// marked source-dependent, and every other batch to the fast model. No other
// field property affects the choice.
func (e *Extractor) routeModel(cr rules.CategoryRules, fields []string) string {
	for _, f := range fields {
		if rule, ok := cr.Fields[f]; ok && rule.SourceDependent {
			return e.cfg.ReasoningModel
		}
	}
	return e.cfg.FastModel
}

func (e *Extractor) runBatch(ctx context.Context, identity model.IdentityLock, cr rules.CategoryRules, b batch, pack model.EvidencePack, model_ string) ([]model.Candidate, error) {
	prompt := buildPrompt(identity, cr, b)
	schema := buildSchema(cr, b.fields)
	evidenceText := evidenceDigest(b.snippets)

	hash := componentdb.ContentHash(prompt, evidenceText, model_)
	if payload, ok := e.cachedResponse(ctx, hash); ok {
		return e.parseAnswers(payload, cr, b, pack)
	}

	res, err := e.client.ChatStructured(ctx, llm.StructuredRequest{
		Model:  model_,
		System: extractionSystemPrompt,
		Prompt: prompt,
		Schema: schema,
	})
	if err != nil {
		// One repair pass over whatever text came back before dropping the
		// batch for good.
		if res == nil || res.Raw == "" {
			e.budget.Record(0, 0)
			return nil, err
		}
		repaired, repairErr := repairJSON(res.Raw)
		if repairErr != nil {
			e.budget.Record(res.PromptTokens, res.CompletionTokens)
			return nil, fmt.Errorf("unrepairable response: %w", err)
		}
		res.JSON = repaired
	}
	e.budget.Record(res.PromptTokens, res.CompletionTokens)

	if e.cache != nil && e.cfg.CacheEnabled {
		if err := e.cache.PutCached(ctx, hash, string(res.JSON), e.cfg.CacheTTL); err != nil {
			slog.Warn("llmextract: cache write failed", "error", err)
		}
	}
	return e.parseAnswers(res.JSON, cr, b, pack)
}

func (e *Extractor) cachedResponse(ctx context.Context, hash string) (json.RawMessage, bool) {
	if e.cache == nil || !e.cfg.CacheEnabled {
		return nil, false
	}
	cached, ok, err := e.cache.GetCached(ctx, hash)
	if err != nil {
		slog.Warn("llmextract: cache read failed", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return json.RawMessage(cached), true
}

// parseAnswers validates the structured payload field by field. Unknown
// fields in the payload are ignored; "unk" answers yield no candidate.
func (e *Extractor) parseAnswers(payload json.RawMessage, cr rules.CategoryRules, b batch, pack model.EvidencePack) ([]model.Candidate, error) {
	var answers map[string]fieldAnswer
	if err := json.Unmarshal(payload, &answers); err != nil {
		return nil, fmt.Errorf("decoding answers: %w", err)
	}

	snippetMeta := map[string]model.Source{}
	for _, s := range b.snippets {
		snippetMeta[s.ID] = pack.SourceMeta[s.SourceID]
	}

	var out []model.Candidate
	for _, field := range b.fields {
		ans, ok := answers[field]
		if !ok || ans.Value == "" || ans.Value == model.UnkValue {
			continue
		}
		confidence := ans.Confidence
		if confidence <= 0 || confidence > 1 {
			confidence = 0.5
		}
		value := cr.ResolveEnumAlias(field, strings.TrimSpace(ans.Value))
		out = append(out, model.Candidate{
			Field:        field,
			Value:        value,
			Method:       "llm_extract",
			EvidenceRefs: refsFor(ans.SnippetID),
			SnippetID:    ans.SnippetID,
			Quote:        ans.Quote,
			Confidence:   confidence,
			SourceHost:   snippetMeta[ans.SnippetID].Host,
			SourceTier:   snippetMeta[ans.SnippetID].Tier,
		})
	}
	return out, nil
}

func refsFor(snippetID string) []string {
	if snippetID == "" {
		return nil
	}
	return []string{snippetID}
}

const extractionSystemPrompt = `You extract product specification values from evidence snippets.
Only report a value you can quote verbatim from a snippet, with the snippet's id.
Answering "unk" with an unknown_reason is always valid and preferred over guessing.`

func buildPrompt(identity model.IdentityLock, cr rules.CategoryRules, b batch) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Product: %s %s", identity.Brand, identity.Model)
	if identity.Variant != "" {
		fmt.Fprintf(&sb, " (%s)", identity.Variant)
	}
	sb.WriteString("\n\nFields to extract:\n")
	for _, f := range b.fields {
		rule := cr.Fields[f]
		fmt.Fprintf(&sb, "- %s", f)
		if rule.Unit != "" {
			fmt.Fprintf(&sb, " (unit: %s)", rule.Unit)
		}
		if len(rule.TokenVariants) > 0 {
			fmt.Fprintf(&sb, " — also called: %s", strings.Join(rule.TokenVariants, ", "))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nEvidence snippets:\n")
	for _, s := range b.snippets {
		fmt.Fprintf(&sb, "[%s] %s\n", s.ID, s.Text)
	}
	return sb.String()
}

func evidenceDigest(snippets []model.Snippet) string {
	hashes := make([]string, len(snippets))
	for i, s := range snippets {
		hashes[i] = s.SnippetHash
	}
	return strings.Join(hashes, ",")
}

// repairJSON is the one salvage attempt after a parse failure: strip
// everything outside the outermost braces and drop trailing commas.
func repairJSON(raw string) (json.RawMessage, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, llm.ErrNotJSON
	}
	s := raw[start : end+1]
	s = strings.ReplaceAll(s, ",}", "}")
	s = strings.ReplaceAll(s, ",]", "]")
	if !json.Valid([]byte(s)) {
		return nil, llm.ErrNotJSON
	}
	return json.RawMessage(s), nil
}
