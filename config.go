package specfactory

import (
	"fmt"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/specfactory/specfactory/llm"
)

// PlannerConfig carries the source planner budgets.
type PlannerConfig struct {
	MaxURLsPerProduct             int  `json:"max_urls_per_product" yaml:"max_urls_per_product"`
	MaxPagesPerDomain             int  `json:"max_pages_per_domain" yaml:"max_pages_per_domain"`
	MaxManufacturerURLsPerProduct int  `json:"max_manufacturer_urls_per_product" yaml:"max_manufacturer_urls_per_product"`
	MaxManufacturerPagesPerDomain int  `json:"max_manufacturer_pages_per_domain" yaml:"max_manufacturer_pages_per_domain"`
	ManufacturerReserveURLs       int  `json:"manufacturer_reserve_urls" yaml:"manufacturer_reserve_urls"`
	MaxCandidateURLs              int  `json:"max_candidate_urls" yaml:"max_candidate_urls"`
	FetchCandidateSources         bool `json:"fetch_candidate_sources" yaml:"fetch_candidate_sources"`
}

// LLMSettings configures extraction models, caching, and budget guards.
type LLMSettings struct {
	Enabled                 bool       `json:"enabled" yaml:"enabled"`
	Fast                    llm.Config `json:"fast" yaml:"fast"`
	Reasoning               llm.Config `json:"reasoning" yaml:"reasoning"`
	CacheEnabled            bool       `json:"cache_enabled" yaml:"cache_enabled"`
	CacheTTLMs              int64      `json:"cache_ttl_ms" yaml:"cache_ttl_ms"`
	MaxCallsPerRound        int        `json:"max_calls_per_round" yaml:"max_calls_per_round"`
	MaxCallsPerProductTotal int        `json:"max_calls_per_product_total" yaml:"max_calls_per_product_total"`
	PerProductBudgetUSD     float64    `json:"per_product_budget_usd" yaml:"per_product_budget_usd"`
	MonthlyBudgetUSD        float64    `json:"monthly_budget_usd" yaml:"monthly_budget_usd"`
	USDPerMTokensIn         float64    `json:"usd_per_mtokens_in" yaml:"usd_per_mtokens_in"`
	USDPerMTokensOut        float64    `json:"usd_per_mtokens_out" yaml:"usd_per_mtokens_out"`
}

// AggressiveSettings bound the optional second pass.
type AggressiveSettings struct {
	Enabled               bool `json:"enabled" yaml:"enabled"`
	MaxTimePerProductMs   int  `json:"max_time_per_product_ms" yaml:"max_time_per_product_ms"`
	MaxDeepFields         int  `json:"max_deep_fields" yaml:"max_deep_fields"`
	EvidenceAuditEnabled  bool `json:"evidence_audit_enabled" yaml:"evidence_audit_enabled"`
}

// DomainConfig classifies one allowlisted host in the config file.
type DomainConfig struct {
	Host        string `json:"host" yaml:"host"`
	Tier        int    `json:"tier" yaml:"tier"`
	TierName    string `json:"tier_name" yaml:"tier_name"`
	Role        string `json:"role" yaml:"role"`
	DisplayName string `json:"display_name" yaml:"display_name"`
}

// Config holds all configuration for the spec factory.
type Config struct {
	// Storage selection. OutputMode is local, s3, or dual.
	OutputMode string `json:"output_mode" yaml:"output_mode"`
	LocalRoot  string `json:"local_root" yaml:"local_root"`
	S3Bucket   string `json:"s3_bucket" yaml:"s3_bucket"`
	S3Prefix   string `json:"s3_prefix" yaml:"s3_prefix"`

	// OutputPrefix roots the per-product artifact tree.
	OutputPrefix string `json:"output_prefix" yaml:"output_prefix"`

	// RulesDir holds {category}.rules.yaml files; ComponentDBPath the SQLite
	// component database (also the LLM cache).
	RulesDir        string `json:"rules_dir" yaml:"rules_dir"`
	ComponentDBPath string `json:"component_db_path" yaml:"component_db_path"`

	// EventLogPath is the append-only NDJSON runtime log.
	EventLogPath string `json:"event_log_path" yaml:"event_log_path"`

	RunProfile string `json:"run_profile" yaml:"run_profile"` // fast | standard | thorough

	Concurrency       int `json:"concurrency" yaml:"concurrency"`
	MaxRunSeconds     int `json:"max_run_seconds" yaml:"max_run_seconds"`
	PerHostMinDelayMs int `json:"per_host_min_delay_ms" yaml:"per_host_min_delay_ms"`

	Planner    PlannerConfig      `json:"planner" yaml:"planner"`
	LLM        LLMSettings        `json:"llm" yaml:"llm"`
	Aggressive AggressiveSettings `json:"aggressive" yaml:"aggressive"`

	IdentityFilterEnabled bool `json:"identity_filter_enabled" yaml:"identity_filter_enabled"`

	AllowedDomains []DomainConfig `json:"allowed_domains" yaml:"allowed_domains"`
	DeniedHosts    []string       `json:"denied_hosts" yaml:"denied_hosts"`
	BrandHosts     []string       `json:"brand_hosts" yaml:"brand_hosts"`
	PreferredHosts []string       `json:"preferred_hosts" yaml:"preferred_hosts"`
}

// DefaultConfig returns the standard-profile configuration.
func DefaultConfig() Config {
	return Config{
		OutputMode:        "local",
		LocalRoot:         "./data",
		OutputPrefix:      "specs/outputs",
		RulesDir:          "./rules",
		ComponentDBPath:   "./data/components.db",
		EventLogPath:      "_runtime/events.jsonl",
		RunProfile:        "standard",
		Concurrency:       2,
		MaxRunSeconds:     900,
		PerHostMinDelayMs: 1500,
		Planner: PlannerConfig{
			MaxURLsPerProduct:             24,
			MaxPagesPerDomain:             6,
			MaxManufacturerURLsPerProduct: 10,
			MaxManufacturerPagesPerDomain: 8,
			ManufacturerReserveURLs:       4,
			MaxCandidateURLs:              6,
			FetchCandidateSources:         true,
		},
		LLM: LLMSettings{
			CacheEnabled:            true,
			CacheTTLMs:              (7 * 24 * time.Hour).Milliseconds(),
			MaxCallsPerRound:        4,
			MaxCallsPerProductTotal: 16,
			PerProductBudgetUSD:     0.50,
			MonthlyBudgetUSD:        200,
			USDPerMTokensIn:         3,
			USDPerMTokensOut:        15,
		},
		Aggressive: AggressiveSettings{
			MaxTimePerProductMs:  120000,
			MaxDeepFields:        6,
			EvidenceAuditEnabled: true,
		},
		IdentityFilterEnabled: true,
	}
}

// profileOverlays are merged over the defaults with mergo when a run profile
// is selected; non-zero overlay values win.
var profileOverlays = map[string]Config{
	"standard": {},
	"fast": {
		MaxRunSeconds:     300,
		PerHostMinDelayMs: 800,
		Planner: PlannerConfig{
			MaxURLsPerProduct:             10,
			MaxPagesPerDomain:             3,
			MaxManufacturerURLsPerProduct: 5,
			MaxManufacturerPagesPerDomain: 4,
			ManufacturerReserveURLs:       2,
			MaxCandidateURLs:              2,
		},
		LLM: LLMSettings{MaxCallsPerRound: 2, MaxCallsPerProductTotal: 6},
	},
	"thorough": {
		MaxRunSeconds:     2700,
		PerHostMinDelayMs: 2500,
		Planner: PlannerConfig{
			MaxURLsPerProduct:             60,
			MaxPagesPerDomain:             12,
			MaxManufacturerURLsPerProduct: 24,
			MaxManufacturerPagesPerDomain: 16,
			ManufacturerReserveURLs:       8,
			MaxCandidateURLs:              16,
		},
		LLM:        LLMSettings{MaxCallsPerRound: 8, MaxCallsPerProductTotal: 40},
		Aggressive: AggressiveSettings{Enabled: true, MaxDeepFields: 12, MaxTimePerProductMs: 300000},
	},
}

// ApplyProfile merges the selected run profile's overlay into c.
func (c *Config) ApplyProfile() error {
	profile := c.RunProfile
	if profile == "" {
		profile = "standard"
	}
	overlay, ok := profileOverlays[profile]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProfile, profile)
	}
	if err := mergo.Merge(c, overlay, mergo.WithOverride); err != nil {
		return fmt.Errorf("specfactory: merge profile %q: %w", profile, err)
	}
	return nil
}

// LoadConfig reads a YAML config file, applies the run profile, and
// validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("specfactory: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("specfactory: parse config: %w", err)
	}
	if err := cfg.ApplyProfile(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	switch c.OutputMode {
	case "local", "s3", "dual":
	default:
		return fmt.Errorf("%w: output_mode %q", ErrInvalidConfig, c.OutputMode)
	}
	if (c.OutputMode == "s3" || c.OutputMode == "dual") && c.S3Bucket == "" {
		return fmt.Errorf("%w: s3 output requires s3_bucket", ErrStorageMisconfigured)
	}
	if c.OutputMode != "s3" && c.LocalRoot == "" {
		return fmt.Errorf("%w: local output requires local_root", ErrStorageMisconfigured)
	}
	if c.OutputPrefix == "" {
		return fmt.Errorf("%w: output_prefix required", ErrInvalidConfig)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be >= 1", ErrInvalidConfig)
	}
	if c.LLM.Enabled && c.LLM.Fast.Provider == "" && c.LLM.Reasoning.Provider == "" {
		return fmt.Errorf("%w: llm enabled but no provider configured", ErrLLMMisconfigured)
	}
	return nil
}

// CacheTTL returns the LLM cache TTL as a duration.
func (s LLMSettings) CacheTTL() time.Duration {
	return time.Duration(s.CacheTTLMs) * time.Millisecond
}
