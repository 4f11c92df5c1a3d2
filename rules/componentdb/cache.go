package componentdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// ContentHash computes the cache key for an LLM extraction call: the hash
// of its prompt, the evidence it was given, and the model used. Any change
// to one of the three misses the cache.
func ContentHash(prompt, evidence, model string) string {
	h := sha256.New()
	h.Write([]byte(prompt))
	h.Write([]byte{0})
	h.Write([]byte(evidence))
	h.Write([]byte{0})
	h.Write([]byte(model))
	return hex.EncodeToString(h.Sum(nil))
}

// GetCached returns the cached response for hash, if present and unexpired.
func (s *Store) GetCached(ctx context.Context, hash string) (string, bool, error) {
	var response string
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `SELECT response, expires_at FROM llm_cache WHERE content_hash = ?`, hash).Scan(&response, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if time.Now().After(expiresAt) {
		return "", false, nil
	}
	return response, true, nil
}

// PutCached stores response under hash with the given TTL.
func (s *Store) PutCached(ctx context.Context, hash, response string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_cache (content_hash, response, created_at, expires_at)
		VALUES (?, ?, CURRENT_TIMESTAMP, ?)
		ON CONFLICT(content_hash) DO UPDATE SET
			response = excluded.response, created_at = CURRENT_TIMESTAMP, expires_at = excluded.expires_at
	`, hash, response, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("componentdb: cache put: %w", err)
	}
	return nil
}

// PruneExpired deletes cache rows past their TTL, for periodic maintenance.
func (s *Store) PruneExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM llm_cache WHERE expires_at < CURRENT_TIMESTAMP`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
