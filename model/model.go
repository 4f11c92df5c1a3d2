// Package model holds the data types shared across the extraction pipeline:
// product identity, evidence, candidates, and the normalized output record.
// Kept flat and index-referenced rather than as a pointer graph, per the
// factory's catalog-is-a-flat-store design.
package model

import "time"

// IdentityLock pins the fields that must not drift once a product exists.
type IdentityLock struct {
	ID         int    `json:"id"`
	Identifier string `json:"identifier"`
	Brand      string `json:"brand"`
	Model      string `json:"model"`
	Variant    string `json:"variant,omitempty"`
	SKU        string `json:"sku,omitempty"`
	MPN        string `json:"mpn,omitempty"`
	GTIN       string `json:"gtin,omitempty"`
}

// ProductJob is the unit of work handed to the orchestrator for one product.
type ProductJob struct {
	ProductID         string            `json:"productId"`
	Category          string            `json:"category"`
	IdentityLock      IdentityLock      `json:"identityLock"`
	SeedURLs          []string          `json:"seedUrls"`
	PreferredSources  []string          `json:"preferredSources,omitempty"`
	Anchors           map[string]string `json:"anchors,omitempty"`
}

// RenameLogEntry records one identity-preserving slug migration.
type RenameLogEntry struct {
	Identifier    string    `json:"identifier"`
	OldSlug       string    `json:"oldSlug"`
	NewSlug       string    `json:"newSlug"`
	MigratedCount int       `json:"migratedCount"`
	FailedCount   int       `json:"failedCount"`
	RenamedAt     time.Time `json:"renamedAt"`
}

// CatalogEntry is the catalog's record of a product's identity and status.
type CatalogEntry struct {
	ID            int               `json:"id"`
	Identifier    string            `json:"identifier"`
	Category      string            `json:"category"`
	Brand         string            `json:"brand"`
	Model         string            `json:"model"`
	Variant       string            `json:"variant,omitempty"`
	Status        string            `json:"status"`
	SeedURLs      []string          `json:"seedUrls"`
	AddedAt       time.Time         `json:"addedAt"`
	RenameHistory []RenameLogEntry  `json:"renameHistory,omitempty"`
}

// Source describes one fetched web source and its authority classification.
type Source struct {
	URL             string  `json:"url"`
	Host            string  `json:"host"`
	RootDomain      string  `json:"rootDomain"`
	Tier            int     `json:"tier"`
	TierName        string  `json:"tierName"`
	Role            string  `json:"role"` // manufacturer | review | retailer | database | other
	ApprovedDomain  bool    `json:"approvedDomain"`
	CandidateSource bool    `json:"candidateSource"`
	DiscoveredFrom  string  `json:"discoveredFrom,omitempty"`
	PriorityScore   float64 `json:"priorityScore"`
	SourceID        string  `json:"sourceId"`
	DisplayName     string  `json:"displayName,omitempty"`
}

// Snippet is one extracted piece of text evidence from a source.
type Snippet struct {
	ID              string `json:"id"`
	SourceID        string `json:"sourceId"`
	Type            string `json:"type"` // spec_table_row | json_ld_product | opengraph_product | ...
	Text            string `json:"text"`
	NormalizedText  string `json:"normalizedText"`
	URL             string `json:"url"`
	SnippetHash     string `json:"snippetHash"`
	ExtractionMethod string `json:"extractionMethod,omitempty"`
}

// EvidencePack is everything a single source fetch yielded.
type EvidencePack struct {
	Snippets   []Snippet          `json:"snippets"`
	References []string           `json:"references"`
	SourceMeta map[string]Source  `json:"sourceMeta"` // sourceId -> Source
}

// Candidate is one proposed value for one field, with its provenance.
type Candidate struct {
	Field               string            `json:"field"`
	Value               string            `json:"value"`
	Method              string            `json:"method"`
	KeyPath             string            `json:"keyPath,omitempty"`
	EvidenceRefs        []string          `json:"evidenceRefs"`
	SnippetID           string            `json:"snippetId"`
	Quote               string            `json:"quote"`
	Confidence          float64           `json:"confidence"`
	SourceHost          string            `json:"sourceHost"`
	SourceTier          int               `json:"sourceTier"`
	InferredFrom        *InferredFrom     `json:"inferredFrom,omitempty"`
	ConstraintViolations []string         `json:"constraintViolations,omitempty"`
	ConstraintWarnings   []string         `json:"constraintWarnings,omitempty"`
}

// InferredFrom records the triggering candidate for a component-db inference.
type InferredFrom struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// Evidence is one piece of provenance attached to a field's final value.
type Evidence struct {
	SnippetID string `json:"snippetId"`
	Quote     string `json:"quote"`
	SourceURL string `json:"sourceUrl"`
}

// FieldProvenance is the full story behind one field's value.
type FieldProvenance struct {
	Value          string     `json:"value"`
	Confidence     float64    `json:"confidence"`
	MeetsPassTarget bool      `json:"meetsPassTarget"`
	Evidence       []Evidence `json:"evidence"`
	UnknownReason  string     `json:"unknownReason,omitempty"`
	Agreement      string     `json:"agreement,omitempty"`
	NeedsReview    bool       `json:"needsReview,omitempty"`
}

// NormalizedRecord is the final, emitted product specification.
type NormalizedRecord struct {
	ProductID     string                      `json:"productId"`
	Identity      IdentityLock                `json:"identity"`
	Fields        map[string]string           `json:"fields"`
	Provenance    map[string]FieldProvenance  `json:"provenance"`
	TrafficLights map[string]string           `json:"trafficLights"`
	Flags         []string                    `json:"flags,omitempty"`
	RunID         string                      `json:"runId"`
}

// UnkValue is the literal sentinel for a known-unknown field.
const UnkValue = "unk"
