package catalog

import (
	"context"
	"fmt"
)

// ProductClass is the reconciler's classification of one catalog entry.
type ProductClass string

const (
	// ClassCanonical is a product whose variant (if any) is not fabricated.
	ClassCanonical ProductClass = "canonical"
	// ClassOrphan is a fabricated-variant product with a canonical sibling.
	ClassOrphan ProductClass = "orphan"
	// ClassWarning is a fabricated-variant product with no canonical sibling.
	ClassWarning ProductClass = "warning"
)

// ReconcileEntry is one classified product in a reconciliation pass.
type ReconcileEntry struct {
	ProductID string       `json:"productId"`
	Class     ProductClass `json:"class"`
	Canonical string       `json:"canonicalProductId,omitempty"`
}

// ReconcileResult is the outcome of a reconciliation pass.
type ReconcileResult struct {
	Entries []ReconcileEntry `json:"entries"`
	Deleted []string         `json:"deleted"`
	DryRun  bool             `json:"dryRun"`
}

// classify scans the category's entries and determines, for every product
// whose variant is fabricated, whether a canonical (variant-less) sibling
// already exists.
func (c *Catalog) classify(ctx context.Context, category string) ([]ReconcileEntry, error) {
	ids, entries, err := c.List(ctx, category)
	if err != nil {
		return nil, err
	}

	var out []ReconcileEntry
	for _, pid := range ids {
		e := entries[pid]
		if e.Variant == "" || !IsFabricatedVariant(e.Model, e.Variant) {
			out = append(out, ReconcileEntry{ProductID: pid, Class: ClassCanonical})
			continue
		}
		canonicalPID := BuildProductID(category, e.Brand, e.Model, "")
		if _, exists := entries[canonicalPID]; exists && canonicalPID != pid {
			out = append(out, ReconcileEntry{ProductID: pid, Class: ClassOrphan, Canonical: canonicalPID})
		} else {
			out = append(out, ReconcileEntry{ProductID: pid, Class: ClassWarning})
		}
	}
	return out, nil
}

// ReconcileOrphans classifies every product in category and, unless dryRun,
// deletes the input file, catalog entry, and queue entry for every orphan.
// Dry-run returns the would-delete list without mutating anything.
func (c *Catalog) ReconcileOrphans(ctx context.Context, category string, dryRun bool) (*ReconcileResult, error) {
	unlock := c.lockCategory(category)
	defer unlock()

	classified, err := c.classify(ctx, category)
	if err != nil {
		return nil, err
	}

	result := &ReconcileResult{Entries: classified, DryRun: dryRun}
	var orphans []string
	for _, e := range classified {
		if e.Class == ClassOrphan {
			orphans = append(orphans, e.ProductID)
		}
	}
	result.Deleted = orphans
	if dryRun || len(orphans) == 0 {
		return result, nil
	}

	entries, err := c.loadEntries(ctx, category)
	if err != nil {
		return result, err
	}
	state, err := c.loadQueueState(ctx, category)
	if err != nil {
		return result, err
	}
	for _, pid := range orphans {
		if err := c.store.Delete(ctx, productInputKey(category, pid)); err != nil {
			return result, fmt.Errorf("catalog: delete orphan input %s: %w", pid, err)
		}
		delete(entries, pid)
		delete(state, pid)
	}
	if err := c.saveEntries(ctx, category, entries); err != nil {
		return result, err
	}
	if err := c.saveQueueState(ctx, category, state); err != nil {
		return result, err
	}
	return result, nil
}
