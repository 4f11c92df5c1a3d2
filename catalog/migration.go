package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/specfactory/specfactory/model"
	"github.com/specfactory/specfactory/storage"
)

// MigrationResult reports the outcome of an identity rename's artifact
// migration. Per-key failures are collected rather than aborting the whole
// migration, matching the spec's "report per-key failure list, never silent"
// contract.
type MigrationResult struct {
	OldProductID  string   `json:"oldProductId"`
	NewProductID  string   `json:"newProductId"`
	MigratedCount int      `json:"migratedCount"`
	FailedCount   int      `json:"failedCount"`
	Failures      []string `json:"failures,omitempty"`
	OK            bool     `json:"ok"`
}

// migrate moves every artifact owned by oldPID to newPID across all known
// prefixes, then the queue entry, then appends a rename-log entry. The
// contract is destination-written-before-source-deleted, and the list+copy
// step only ever reads keys still present under the old prefix, so a re-run
// after a mid-migration crash resumes idempotently.
func (c *Catalog) migrate(ctx context.Context, category, oldPID, newPID, identifier string) (*MigrationResult, error) {
	result := &MigrationResult{OldProductID: oldPID, NewProductID: newPID}

	for _, area := range artifactAreas {
		oldPrefix := area(category, oldPID)
		newPrefix := area(category, newPID)

		keys, err := c.store.List(ctx, oldPrefix)
		if err != nil {
			return result, fmt.Errorf("catalog: list %s: %w", oldPrefix, err)
		}
		for _, oldKey := range keys {
			rel := strings.TrimPrefix(oldKey, oldPrefix)
			newKey := newPrefix + rel

			if err := storage.Copy(ctx, c.store, oldKey, newKey, rewriteProductID(newPID)); err != nil {
				result.FailedCount++
				result.Failures = append(result.Failures, fmt.Sprintf("%s: %v", oldKey, err))
				continue
			}
			if err := c.store.Delete(ctx, oldKey); err != nil {
				result.FailedCount++
				result.Failures = append(result.Failures, fmt.Sprintf("%s (delete): %v", oldKey, err))
				continue
			}
			result.MigratedCount++
		}
	}

	if err := c.migrateQueueEntry(ctx, category, oldPID, newPID); err != nil {
		result.FailedCount++
		result.Failures = append(result.Failures, fmt.Sprintf("queue entry: %v", err))
	}

	result.OK = result.FailedCount == 0

	if err := c.appendRenameLog(ctx, category, model.RenameLogEntry{
		Identifier:    identifier,
		OldSlug:       oldPID,
		NewSlug:       newPID,
		MigratedCount: result.MigratedCount,
		FailedCount:   result.FailedCount,
		RenamedAt:     nowFunc(),
	}); err != nil {
		return result, err
	}

	return result, nil
}

// rewriteProductID returns a transform for storage.Copy that rewrites a
// top-level "productId"/"product_id" JSON field to newPID, leaving every
// other field — including URLs that may happen to contain the old slug —
// untouched. Non-JSON or non-object payloads pass through unchanged.
func rewriteProductID(newPID string) func([]byte) []byte {
	return func(data []byte) []byte {
		var body map[string]json.RawMessage
		if err := json.Unmarshal(data, &body); err != nil {
			return data
		}
		changed := false
		for _, key := range []string{"productId", "product_id"} {
			if _, ok := body[key]; ok {
				quoted, err := json.Marshal(newPID)
				if err != nil {
					continue
				}
				body[key] = quoted
				changed = true
			}
		}
		if !changed {
			return data
		}
		out, err := json.MarshalIndent(body, "", "  ")
		if err != nil {
			return data
		}
		return out
	}
}

func (c *Catalog) migrateQueueEntry(ctx context.Context, category, oldPID, newPID string) error {
	state, err := c.loadQueueState(ctx, category)
	if err != nil {
		return err
	}
	entry, ok := state[oldPID]
	if !ok {
		return nil
	}
	delete(state, oldPID)
	state[newPID] = entry
	return c.saveQueueState(ctx, category, state)
}

func (c *Catalog) appendRenameLog(ctx context.Context, category string, logEntry model.RenameLogEntry) error {
	key := renameLogKey(category)
	var log []model.RenameLogEntry
	data, err := c.store.Get(ctx, key)
	if err == nil {
		if err := json.Unmarshal(data, &log); err != nil {
			return fmt.Errorf("catalog: decode rename log: %w", err)
		}
	} else if err != storage.ErrNotFound {
		return err
	}
	log = append(log, logEntry)
	out, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return fmt.Errorf("catalog: encode rename log: %w", err)
	}
	return c.store.Put(ctx, key, out)
}
