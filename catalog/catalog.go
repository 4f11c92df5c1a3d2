// Package catalog is the single source of truth for which products exist,
// their identities, and the artifact prefixes they own. It owns slugify,
// identity normalization, CRUD against the product catalog file, and the
// atomic migration protocol that keeps artifacts attached to the right
// product across a rename.
package catalog

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/specfactory/specfactory/model"
	"github.com/specfactory/specfactory/storage"
)

// outputPrefix is the root-mirror prefix for per-run artifacts
// ({outputPrefix}/{category}/{productId}/latest|runs/…, per SPEC_FULL.md §6).
const outputPrefix = "specs/outputs"

// artifactPrefixPair returns the key prefix of one owned artifact area for
// a category and product id; the migration calls it once with the old id
// and once with the new id.
type artifactPrefixPair func(category, pid string) string

// artifactAreas lists every artifact area that owns per-product keys, in the
// order the migration protocol walks them. Each walks both latest/ and
// runs/{runId}/ (or review/ and the published body) in one List call since
// they share a common parent prefix. Queue state is migrated separately
// since it is a single keyed map, not a key-per-product fan-out.
var artifactAreas = []artifactPrefixPair{
	func(category, pid string) string { return fmt.Sprintf("%s/%s/%s/", outputPrefix, category, pid) },
	func(category, pid string) string { return fmt.Sprintf("final/%s/%s/", category, pid) },
	func(category, pid string) string { return fmt.Sprintf("%s/published/%s/", category, pid) },
	// Keyed files rather than directories: the trailing dot keeps a pid from
	// prefix-matching a sibling pid's files.
	func(category, pid string) string { return fmt.Sprintf("specs/inputs/%s/products/%s.", category, pid) },
	func(category, pid string) string { return fmt.Sprintf("helper_files/%s/_overrides/%s.", category, pid) },
}

// Catalog manages product identity and artifact ownership for one storage
// backend. Per-category mutations are serialized behind a mutex registry;
// the backing store is a plain key-value capability with no transactions,
// so every read-modify-write of the catalog file runs under its category's
// lock.
type Catalog struct {
	store storage.Store

	catMuGuard sync.Mutex
	catMu      map[string]*sync.Mutex
}

// New builds a Catalog over the given storage backend.
func New(store storage.Store) *Catalog {
	return &Catalog{store: store, catMu: make(map[string]*sync.Mutex)}
}

func (c *Catalog) lockCategory(category string) func() {
	c.catMuGuard.Lock()
	mu, ok := c.catMu[category]
	if !ok {
		mu = &sync.Mutex{}
		c.catMu[category] = mu
	}
	c.catMuGuard.Unlock()
	mu.Lock()
	return mu.Unlock
}

func catalogKey(category string) string {
	return fmt.Sprintf("helper_files/%s/_control_plane/product_catalog.json", category)
}

func renameLogKey(category string) string {
	return fmt.Sprintf("helper_files/%s/_control_plane/rename_log.json", category)
}

func queueStateKey(category string) string {
	return fmt.Sprintf("_queue/%s/state.json", category)
}

func productInputKey(category, productID string) string {
	return fmt.Sprintf("specs/inputs/%s/products/%s.json", category, productID)
}

func (c *Catalog) loadEntries(ctx context.Context, category string) (map[string]model.CatalogEntry, error) {
	data, err := c.store.Get(ctx, catalogKey(category))
	if err == storage.ErrNotFound {
		return map[string]model.CatalogEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	entries := map[string]model.CatalogEntry{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("catalog: decode %s: %w", catalogKey(category), err)
	}
	return entries, nil
}

func (c *Catalog) saveEntries(ctx context.Context, category string, entries map[string]model.CatalogEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("catalog: encode catalog: %w", err)
	}
	return c.store.Put(ctx, catalogKey(category), data)
}

func (c *Catalog) loadQueueState(ctx context.Context, category string) (map[string]json.RawMessage, error) {
	data, err := c.store.Get(ctx, queueStateKey(category))
	if err == storage.ErrNotFound {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, err
	}
	state := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("catalog: decode queue state: %w", err)
	}
	return state, nil
}

func (c *Catalog) saveQueueState(ctx context.Context, category string, state map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("catalog: encode queue state: %w", err)
	}
	return c.store.Put(ctx, queueStateKey(category), data)
}

func smallestUnusedID(entries map[string]model.CatalogEntry) int {
	used := make(map[int]bool, len(entries))
	for _, e := range entries {
		used[e.ID] = true
	}
	id := 1
	for used[id] {
		id++
	}
	return id
}

func newIdentifier() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("catalog: generate identifier: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// AddProduct registers a new product, normalizing its identity, allocating
// an id/identifier, and writing its input job file.
func (c *Catalog) AddProduct(ctx context.Context, category, brand, model_, variant string, seedURLs []string) (model.CatalogEntry, NormalizedIdentity, error) {
	var zero model.CatalogEntry
	if category == "" {
		return zero, NormalizedIdentity{}, ErrCategoryRequired
	}
	if brand == "" {
		return zero, NormalizedIdentity{}, ErrBrandRequired
	}
	norm := NormalizeIdentity(category, brand, model_, variant)
	if Slugify(brand) == "" || Slugify(model_) == "" {
		return zero, norm, ErrSlugRequired
	}

	unlock := c.lockCategory(category)
	defer unlock()

	entries, err := c.loadEntries(ctx, category)
	if err != nil {
		return zero, norm, err
	}
	if _, exists := entries[norm.ProductID]; exists {
		return zero, norm, ErrProductAlreadyExists
	}

	identifier, err := newIdentifier()
	if err != nil {
		return zero, norm, err
	}
	entry := model.CatalogEntry{
		ID:         smallestUnusedID(entries),
		Identifier: identifier,
		Category:   category,
		Brand:      brand,
		Model:      model_,
		Variant:    norm.Variant,
		Status:     "pending",
		SeedURLs:   seedURLs,
		AddedAt:    nowFunc(),
	}
	entries[norm.ProductID] = entry

	job := model.ProductJob{
		ProductID: norm.ProductID,
		Category:  category,
		IdentityLock: model.IdentityLock{
			ID:         entry.ID,
			Identifier: entry.Identifier,
			Brand:      brand,
			Model:      model_,
			Variant:    norm.Variant,
		},
		SeedURLs: seedURLs,
	}
	jobData, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return zero, norm, fmt.Errorf("catalog: encode product job: %w", err)
	}
	if err := c.store.Put(ctx, productInputKey(category, norm.ProductID), jobData); err != nil {
		return zero, norm, err
	}

	state, err := c.loadQueueState(ctx, category)
	if err != nil {
		return zero, norm, err
	}
	state[norm.ProductID] = json.RawMessage(`{"status":"pending"}`)
	if err := c.saveQueueState(ctx, category, state); err != nil {
		return zero, norm, err
	}

	if err := c.saveEntries(ctx, category, entries); err != nil {
		return zero, norm, err
	}
	return entry, norm, nil
}

// ProductPatch describes an update to an existing product's fields.
type ProductPatch struct {
	Brand    *string
	Model    *string
	Variant  *string
	Status   *string
	SeedURLs []string
}

// UpdateProduct applies a patch to an existing product, triggering an
// identity migration if the computed slug changes.
func (c *Catalog) UpdateProduct(ctx context.Context, category, productID string, patch ProductPatch) (model.CatalogEntry, *MigrationResult, error) {
	unlock := c.lockCategory(category)
	defer unlock()

	entries, err := c.loadEntries(ctx, category)
	if err != nil {
		return model.CatalogEntry{}, nil, err
	}
	entry, ok := entries[productID]
	if !ok {
		return model.CatalogEntry{}, nil, ErrProductNotFound
	}

	newBrand, newModel, newVariant := entry.Brand, entry.Model, entry.Variant
	if patch.Brand != nil {
		newBrand = *patch.Brand
	}
	if patch.Model != nil {
		newModel = *patch.Model
	}
	if patch.Variant != nil {
		newVariant = *patch.Variant
	}
	norm := NormalizeIdentity(category, newBrand, newModel, newVariant)

	if patch.Status != nil {
		entry.Status = *patch.Status
	}
	if patch.SeedURLs != nil {
		entry.SeedURLs = patch.SeedURLs
	}
	entry.Brand, entry.Model, entry.Variant = newBrand, newModel, norm.Variant

	if norm.ProductID == productID {
		entries[productID] = entry
		if err := c.saveEntries(ctx, category, entries); err != nil {
			return entry, nil, err
		}
		return entry, nil, nil
	}

	if _, collide := entries[norm.ProductID]; collide {
		return model.CatalogEntry{}, nil, ErrBrandInUse
	}

	result, err := c.migrate(ctx, category, productID, norm.ProductID, entry.Identifier)
	if err != nil {
		return model.CatalogEntry{}, result, err
	}

	delete(entries, productID)
	entries[norm.ProductID] = entry
	if err := c.saveEntries(ctx, category, entries); err != nil {
		return entry, result, err
	}
	return entry, result, nil
}

// Get returns the catalog entry for productID, if any.
func (c *Catalog) Get(ctx context.Context, category, productID string) (model.CatalogEntry, bool, error) {
	entries, err := c.loadEntries(ctx, category)
	if err != nil {
		return model.CatalogEntry{}, false, err
	}
	e, ok := entries[productID]
	return e, ok, nil
}

// List returns every catalog entry for a category, sorted by productId.
func (c *Catalog) List(ctx context.Context, category string) ([]string, map[string]model.CatalogEntry, error) {
	entries, err := c.loadEntries(ctx, category)
	if err != nil {
		return nil, nil, err
	}
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, entries, nil
}

// nowFunc is a seam for deterministic tests; production uses time.Now.
var nowFunc = time.Now
