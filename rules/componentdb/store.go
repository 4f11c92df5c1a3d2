// Package componentdb is the embedded component database the
// FieldRulesEngine's fuzzy matcher is built on, plus the content-addressed
// LLM extraction cache. Both share one SQLite file: schema applied on open,
// WAL mode, a small tuned connection pool, and ON CONFLICT upserts.
package componentdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite database backing the component DB and LLM cache.
type Store struct {
	db *sql.DB
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS components (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	db_type TEXT NOT NULL,
	name TEXT NOT NULL,
	metadata TEXT,
	UNIQUE(db_type, name)
);

CREATE TABLE IF NOT EXISTS component_aliases (
	component_id INTEGER NOT NULL REFERENCES components(id) ON DELETE CASCADE,
	alias TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_component_aliases_component ON component_aliases(component_id);

CREATE TABLE IF NOT EXISTS component_properties (
	component_id INTEGER NOT NULL REFERENCES components(id) ON DELETE CASCADE,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	variance_policy TEXT NOT NULL DEFAULT 'override_allowed',
	UNIQUE(component_id, key)
);
CREATE INDEX IF NOT EXISTS idx_component_properties_component ON component_properties(component_id);

CREATE TABLE IF NOT EXISTS component_constraints (
	component_id INTEGER NOT NULL REFERENCES components(id) ON DELETE CASCADE,
	expr TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_component_constraints_component ON component_constraints(component_id);

CREATE TABLE IF NOT EXISTS llm_cache (
	content_hash TEXT PRIMARY KEY,
	response TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	expires_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_llm_cache_expires ON llm_cache(expires_at);
`

// New opens (or creates) a SQLite database at dbPath and ensures schema.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("componentdb: creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("componentdb: opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("componentdb: pinging database: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("componentdb: creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Entity is one component record: its canonical name, aliases, keyed
// properties with a variance policy each, and constraint expressions.
type Entity struct {
	DBType      string
	Name        string
	Aliases     []string
	Properties  map[string]Property
	Constraints []string
}

// Property is one property value and the variance policy that governs how
// confidently an inference from it should be trusted.
type Property struct {
	Value          string
	VariancePolicy string
}

// UpsertEntity inserts or updates a component entity. Its aliases and
// constraints are replaced; its properties are upserted by key, so stored
// properties absent from e are kept.
func (s *Store) UpsertEntity(ctx context.Context, e Entity) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO components (db_type, name, metadata) VALUES (?, ?, '')
			ON CONFLICT(db_type, name) DO UPDATE SET metadata = excluded.metadata
		`, e.DBType, e.Name); err != nil {
			return err
		}
		var id int64
		if err := tx.QueryRowContext(ctx, `SELECT id FROM components WHERE db_type=? AND name=?`, e.DBType, e.Name).Scan(&id); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM component_aliases WHERE component_id=?`, id); err != nil {
			return err
		}
		for _, a := range e.Aliases {
			if _, err := tx.ExecContext(ctx, `INSERT INTO component_aliases (component_id, alias) VALUES (?, ?)`, id, a); err != nil {
				return err
			}
		}

		for key, prop := range e.Properties {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO component_properties (component_id, key, value, variance_policy)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(component_id, key) DO UPDATE SET
					value = excluded.value, variance_policy = excluded.variance_policy
			`, id, key, prop.Value, prop.VariancePolicy); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM component_constraints WHERE component_id=?`, id); err != nil {
			return err
		}
		for _, expr := range e.Constraints {
			if _, err := tx.ExecContext(ctx, `INSERT INTO component_constraints (component_id, expr) VALUES (?, ?)`, id, expr); err != nil {
				return err
			}
		}
		return nil
	})
}

// Candidates returns every entity of dbType with its name and aliases, for
// the fuzzy matcher to score against a query term.
func (s *Store) Candidates(ctx context.Context, dbType string) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM components WHERE db_type = ?`, dbType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []Entity
	var ids []int64
	for rows.Next() {
		var id int64
		var e Entity
		e.DBType = dbType
		if err := rows.Scan(&id, &e.Name); err != nil {
			return nil, err
		}
		ids = append(ids, id)
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, id := range ids {
		aliases, err := s.aliasesFor(ctx, id)
		if err != nil {
			return nil, err
		}
		entities[i].Aliases = aliases
		props, err := s.propertiesFor(ctx, id)
		if err != nil {
			return nil, err
		}
		entities[i].Properties = props
		constraints, err := s.constraintsFor(ctx, id)
		if err != nil {
			return nil, err
		}
		entities[i].Constraints = constraints
	}
	return entities, nil
}

func (s *Store) aliasesFor(ctx context.Context, id int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT alias FROM component_aliases WHERE component_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) propertiesFor(ctx context.Context, id int64) (map[string]Property, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, variance_policy FROM component_properties WHERE component_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]Property{}
	for rows.Next() {
		var key, value, policy string
		if err := rows.Scan(&key, &value, &policy); err != nil {
			return nil, err
		}
		out[key] = Property{Value: value, VariancePolicy: policy}
	}
	return out, rows.Err()
}

func (s *Store) constraintsFor(ctx context.Context, id int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT expr FROM component_constraints WHERE component_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var expr string
		if err := rows.Scan(&expr); err != nil {
			return nil, err
		}
		out = append(out, expr)
	}
	return out, rows.Err()
}
