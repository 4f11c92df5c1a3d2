// Package specfactory wires the spec-factory pipeline together: storage
// backends, the catalog, compiled field rules, the component database, LLM
// clients, and the per-product orchestrator loop. The extraction pipeline
// itself lives in the subsystem packages; this package only assembles and
// runs it.
package specfactory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/specfactory/specfactory/catalog"
	"github.com/specfactory/specfactory/component"
	"github.com/specfactory/specfactory/evidence"
	"github.com/specfactory/specfactory/llm"
	"github.com/specfactory/specfactory/llmextract"
	"github.com/specfactory/specfactory/model"
	"github.com/specfactory/specfactory/orchestrator"
	"github.com/specfactory/specfactory/planner"
	"github.com/specfactory/specfactory/rules"
	"github.com/specfactory/specfactory/rules/componentdb"
	"github.com/specfactory/specfactory/storage"
)

// Engine owns the process-wide capabilities and builds per-product loops.
type Engine struct {
	cfg      Config
	store    storage.Store
	catalog  *catalog.Catalog
	rules    *rules.Engine
	db       *componentdb.Store
	events   *orchestrator.EventLog
	eventsF  io.Closer
	limiter  *orchestrator.HostLimiter
	budget   *llmextract.Budget
	client   llm.Client
	fastModel, reasoningModel string
}

// New builds an Engine from configuration. The component DB and event log
// are opened eagerly; a misconfigured storage backend fails here, not
// mid-run.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	eng := &Engine{
		cfg:     cfg,
		store:   store,
		catalog: catalog.New(store),
		rules:   rules.NewEngine(),
		limiter: orchestrator.NewHostLimiter(time.Duration(cfg.PerHostMinDelayMs) * time.Millisecond),
		budget: llmextract.NewBudget(llmextract.BudgetLimits{
			MaxCallsPerRound:   cfg.LLM.MaxCallsPerRound,
			MaxCallsPerProduct: cfg.LLM.MaxCallsPerProductTotal,
			PerProductUSD:      cfg.LLM.PerProductBudgetUSD,
			MonthlyUSD:         cfg.LLM.MonthlyBudgetUSD,
			USDPerMTokensIn:    cfg.LLM.USDPerMTokensIn,
			USDPerMTokensOut:   cfg.LLM.USDPerMTokensOut,
		}),
	}

	if err := eng.loadRules(); err != nil {
		return nil, err
	}

	if cfg.ComponentDBPath != "" {
		db, err := componentdb.New(cfg.ComponentDBPath)
		if err != nil {
			return nil, err
		}
		eng.db = db
	}

	if cfg.LLM.Enabled {
		if err := eng.buildLLM(); err != nil {
			eng.Close()
			return nil, err
		}
	}

	if cfg.EventLogPath != "" {
		if err := eng.openEventLog(); err != nil {
			eng.Close()
			return nil, err
		}
	}
	return eng, nil
}

func buildStore(ctx context.Context, cfg Config) (storage.Store, error) {
	newLocal := func() (storage.Store, error) {
		s, err := storage.NewLocal(cfg.LocalRoot)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageMisconfigured, err)
		}
		return s, nil
	}
	newS3 := func() (storage.Store, error) {
		s, err := storage.NewS3(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageMisconfigured, err)
		}
		return s, nil
	}
	switch cfg.OutputMode {
	case "local":
		return newLocal()
	case "s3":
		return newS3()
	case "dual":
		local, err := newLocal()
		if err != nil {
			return nil, err
		}
		remote, err := newS3()
		if err != nil {
			return nil, err
		}
		return storage.NewDual(local, remote), nil
	}
	return nil, fmt.Errorf("%w: output_mode %q", ErrInvalidConfig, cfg.OutputMode)
}

// loadRules compiles every {category}.rules.yaml under RulesDir.
func (e *Engine) loadRules() error {
	entries, err := os.ReadDir(e.cfg.RulesDir)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("specfactory: rules directory missing, no categories loaded", "dir", e.cfg.RulesDir)
			return nil
		}
		return fmt.Errorf("specfactory: read rules dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rules.yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(e.cfg.RulesDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("specfactory: read rules %s: %w", entry.Name(), err)
		}
		cr, err := rules.LoadCategory(data)
		if err != nil {
			return err
		}
		e.rules.Add(cr)
	}
	return e.rules.ValidateAll()
}

func (e *Engine) buildLLM() error {
	cfg := e.cfg.LLM
	fast := cfg.Fast
	if fast.Provider == "" {
		fast = cfg.Reasoning
	}
	provider, err := llm.NewProvider(fast)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLLMMisconfigured, err)
	}
	e.client = llm.NewClient(provider)
	e.fastModel = fast.Model
	e.reasoningModel = cfg.Reasoning.Model
	if e.reasoningModel == "" {
		e.reasoningModel = fast.Model
	}
	return nil
}

func (e *Engine) openEventLog() error {
	path := e.cfg.EventLogPath
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("specfactory: create event log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("specfactory: open event log: %w", err)
	}
	e.events = orchestrator.NewEventLog(f)
	e.eventsF = f
	return nil
}

// Close releases the engine's resources.
func (e *Engine) Close() error {
	if e.events != nil {
		e.events.Close()
	}
	if e.eventsF != nil {
		e.eventsF.Close()
	}
	if e.db != nil {
		return e.db.Close()
	}
	return nil
}

// Store exposes the configured storage backend.
func (e *Engine) Store() storage.Store { return e.store }

// Config exposes the engine's resolved configuration.
func (e *Engine) Config() Config { return e.cfg }

// Catalog exposes the product catalog.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// ComponentDB exposes the component database, if configured.
func (e *Engine) ComponentDB() *componentdb.Store { return e.db }

// LoadJob reads a product job file from storage.
func (e *Engine) LoadJob(ctx context.Context, jobKey string) (model.ProductJob, error) {
	var job model.ProductJob
	data, err := e.store.Get(ctx, jobKey)
	if err == storage.ErrNotFound {
		return job, fmt.Errorf("%w: %s", ErrJobNotFound, jobKey)
	}
	if err != nil {
		return job, err
	}
	if err := json.Unmarshal(data, &job); err != nil {
		return job, fmt.Errorf("specfactory: decode job %s: %w", jobKey, err)
	}
	return job, nil
}

// NewLoop builds a per-product orchestrator loop over the engine's shared
// capabilities.
func (e *Engine) NewLoop(fetcher evidence.Fetcher) *orchestrator.Loop {
	allowlist := make(map[string]planner.DomainInfo, len(e.cfg.AllowedDomains))
	for _, d := range e.cfg.AllowedDomains {
		allowlist[strings.ToLower(d.Host)] = planner.DomainInfo{
			Tier: d.Tier, TierName: d.TierName, Role: d.Role, DisplayName: d.DisplayName,
		}
	}

	var extractor *llmextract.Extractor
	if e.cfg.LLM.Enabled && e.client != nil {
		extractor = llmextract.New(e.client, e.db, e.budget, llmextract.Config{
			FastModel:      e.fastModel,
			ReasoningModel: e.reasoningModel,
			CacheEnabled:   e.cfg.LLM.CacheEnabled,
			CacheTTL:       e.cfg.LLM.CacheTTL(),
		})
	}
	var resolver *component.Resolver
	if e.db != nil {
		resolver = component.New(e.db)
	}

	return &orchestrator.Loop{
		Store:     e.store,
		Rules:     e.rules,
		Resolver:  resolver,
		Extractor: extractor,
		Fetcher:   fetcher,
		Events:    e.events,
		Limiter:   e.limiter,
		Cfg: orchestrator.Config{
			OutputPrefix:  e.cfg.OutputPrefix,
			MaxRunSeconds: e.cfg.MaxRunSeconds,
			PlannerBudgets: planner.Budgets{
				MaxURLsPerProduct:             e.cfg.Planner.MaxURLsPerProduct,
				MaxPagesPerDomain:             e.cfg.Planner.MaxPagesPerDomain,
				MaxManufacturerURLsPerProduct: e.cfg.Planner.MaxManufacturerURLsPerProduct,
				MaxManufacturerPagesPerDomain: e.cfg.Planner.MaxManufacturerPagesPerDomain,
				ManufacturerReserveURLs:       e.cfg.Planner.ManufacturerReserveURLs,
				MaxCandidateURLs:              e.cfg.Planner.MaxCandidateURLs,
				FetchCandidateSources:         e.cfg.Planner.FetchCandidateSources,
			},
			Allowlist:             allowlist,
			DeniedHosts:           e.cfg.DeniedHosts,
			BrandHosts:            e.cfg.BrandHosts,
			PreferredHosts:        e.cfg.PreferredHosts,
			LLMEnabled:            e.cfg.LLM.Enabled,
			IdentityFilterEnabled: e.cfg.IdentityFilterEnabled,
			Aggressive: orchestrator.AggressiveConfig{
				Enabled:           e.cfg.Aggressive.Enabled,
				MaxTimePerProduct: time.Duration(e.cfg.Aggressive.MaxTimePerProductMs) * time.Millisecond,
				MaxDeepFields:     e.cfg.Aggressive.MaxDeepFields,
				EvidenceAudit:     e.cfg.Aggressive.EvidenceAuditEnabled,
			},
		},
	}
}

// RunProduct loads one job and drives it through the pipeline.
func (e *Engine) RunProduct(ctx context.Context, jobKey string, fetcher evidence.Fetcher) (*orchestrator.RunResult, error) {
	job, err := e.LoadJob(ctx, jobKey)
	if err != nil {
		return nil, err
	}
	e.budget.NextProduct()
	return e.NewLoop(fetcher).Run(ctx, job)
}

// RunAll drives every job through a bounded fleet honoring the configured
// concurrency.
func (e *Engine) RunAll(ctx context.Context, jobs []model.ProductJob, fetcher evidence.Fetcher) []orchestrator.Outcome {
	fleet := &orchestrator.Fleet{Loop: e.NewLoop(fetcher), Concurrency: e.cfg.Concurrency}
	return fleet.Run(ctx, jobs)
}
