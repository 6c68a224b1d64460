// Kiln is an incremental build engine core.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package tracedb persists the rule executor's trace entries: for
// each rule ever built, the last known dependency digest, the stages
// its dynamic dependencies were discovered in, and the resulting
// output digests. It mirrors the host codebase's SQLite store
// conventions (busy-timeout/WAL pragmas, a settings table carrying a
// schema version, migrate-forward-only schema changes).
package tracedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"kiln/internal/rules"
	"kiln/pkg/digest"
)

// schemaVersion is the current trace database schema. Bump on any
// schema change and add a migrateToVN step.
const schemaVersion = 2

// DB wraps the trace database connection.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if necessary) the trace database at path and
// migrates it to the current schema.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("tracedb: open %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1)

	db := &DB{sql: sqlDB}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error { return db.sql.Close() }

func (db *DB) migrate() error {
	if _, err := db.sql.Exec(`CREATE TABLE IF NOT EXISTS settings (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("tracedb: ensure settings table: %w", err)
	}

	version, err := db.schemaVersion()
	if err != nil {
		return err
	}

	if version < 1 {
		if err := db.migrateToV1(); err != nil {
			return fmt.Errorf("tracedb: migrate to v1: %w", err)
		}
		if err := db.setSchemaVersion(1); err != nil {
			return err
		}
		version = 1
	}
	if version < 2 {
		if err := db.migrateToV2(); err != nil {
			return fmt.Errorf("tracedb: migrate to v2: %w", err)
		}
		if err := db.setSchemaVersion(2); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) schemaVersion() (int, error) {
	row := db.sql.QueryRow(`SELECT value FROM settings WHERE key = 'schema_version'`)
	var v string
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("tracedb: read schema_version: %w", err)
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, fmt.Errorf("tracedb: parse schema_version %q: %w", v, err)
	}
	return n, nil
}

func (db *DB) setSchemaVersion(v int) error {
	_, err := db.sql.Exec(`INSERT INTO settings(key, value) VALUES('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, fmt.Sprint(v))
	if err != nil {
		return fmt.Errorf("tracedb: set schema_version: %w", err)
	}
	return nil
}

func (db *DB) migrateToV1() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS targets (
			rule_key TEXT PRIMARY KEY,
			rule_digest TEXT NOT NULL,
			output_digest TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dynamic_dep_stages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_key TEXT NOT NULL REFERENCES targets(rule_key) ON DELETE CASCADE,
			stage_index INTEGER NOT NULL,
			dep_set_digest TEXT NOT NULL,
			dep_digest TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stages_rule_key ON dynamic_dep_stages(rule_key, stage_index)`,
	}
	for _, s := range stmts {
		if _, err := db.sql.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// migrateToV2 replaces v1's digest-only output/stage bookkeeping with
// a schema that can actually verify a trace hit: targets_digest is a
// real content digest of the rule's targets (not the rule digest
// itself), and dep_set_json stores the rule's dynamically-discovered
// dependency set so a stage can be replayed (re-resolved and compared)
// instead of only compared by digest.
func (db *DB) migrateToV2() error {
	stmts := []string{
		`DROP TABLE IF EXISTS dynamic_dep_stages`,
		`DROP TABLE IF EXISTS targets`,
		`CREATE TABLE targets (
			rule_key TEXT PRIMARY KEY,
			rule_digest TEXT NOT NULL,
			targets_digest TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE dynamic_dep_stages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_key TEXT NOT NULL REFERENCES targets(rule_key) ON DELETE CASCADE,
			stage_index INTEGER NOT NULL,
			dep_set_json TEXT NOT NULL,
			dep_digest TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stages_rule_key ON dynamic_dep_stages(rule_key, stage_index)`,
	}
	for _, s := range stmts {
		if _, err := db.sql.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Stage is one recorded dynamic-dependency-discovery step: the actual
// dependency set declared at that point in the rule's action, and the
// digest of the Facts resolving it produced. Replaying a stage means
// re-resolving Deps and comparing the result's digest to DepDigest.
type Stage struct {
	Deps      []rules.Dep
	DepDigest digest.Digest
}

// Entry is one rule's persisted trace.
type Entry struct {
	RuleKey       string
	RuleDigest    digest.Digest
	TargetsDigest digest.Digest
	Stages        []Stage
}

// Lookup returns the last recorded trace for ruleKey, or ok=false if
// none exists.
func (db *DB) Lookup(ctx context.Context, ruleKey string) (Entry, bool, error) {
	row := db.sql.QueryRowContext(ctx, `SELECT rule_digest, targets_digest FROM targets WHERE rule_key = ?`, ruleKey)
	var ruleDigestStr, targetsDigestStr string
	if err := row.Scan(&ruleDigestStr, &targetsDigestStr); err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("tracedb: lookup %s: %w", ruleKey, err)
	}

	ruleDigest, err := digest.Parse(ruleDigestStr)
	if err != nil {
		return Entry{}, false, fmt.Errorf("tracedb: corrupt rule_digest for %s: %w", ruleKey, err)
	}
	targetsDigest, err := digest.Parse(targetsDigestStr)
	if err != nil {
		return Entry{}, false, fmt.Errorf("tracedb: corrupt targets_digest for %s: %w", ruleKey, err)
	}

	rows, err := db.sql.QueryContext(ctx, `SELECT dep_set_json, dep_digest FROM dynamic_dep_stages
		WHERE rule_key = ? ORDER BY stage_index ASC`, ruleKey)
	if err != nil {
		return Entry{}, false, fmt.Errorf("tracedb: load stages for %s: %w", ruleKey, err)
	}
	defer rows.Close()

	var stages []Stage
	for rows.Next() {
		var depSetJSON, depStr string
		if err := rows.Scan(&depSetJSON, &depStr); err != nil {
			return Entry{}, false, fmt.Errorf("tracedb: scan stage for %s: %w", ruleKey, err)
		}
		var deps []rules.Dep
		if err := json.Unmarshal([]byte(depSetJSON), &deps); err != nil {
			return Entry{}, false, fmt.Errorf("tracedb: corrupt stage dep_set for %s: %w", ruleKey, err)
		}
		dep, err := digest.Parse(depStr)
		if err != nil {
			return Entry{}, false, fmt.Errorf("tracedb: corrupt stage dep for %s: %w", ruleKey, err)
		}
		stages = append(stages, Stage{Deps: deps, DepDigest: dep})
	}

	return Entry{RuleKey: ruleKey, RuleDigest: ruleDigest, TargetsDigest: targetsDigest, Stages: stages}, true, nil
}

// Store persists (overwriting) the trace for one rule.
func (db *DB) Store(ctx context.Context, e Entry) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tracedb: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO targets(rule_key, rule_digest, targets_digest, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(rule_key) DO UPDATE SET rule_digest = excluded.rule_digest,
			targets_digest = excluded.targets_digest, updated_at = excluded.updated_at`,
		e.RuleKey, e.RuleDigest.String(), e.TargetsDigest.String(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("tracedb: store target %s: %w", e.RuleKey, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM dynamic_dep_stages WHERE rule_key = ?`, e.RuleKey); err != nil {
		return fmt.Errorf("tracedb: clear stages for %s: %w", e.RuleKey, err)
	}
	for i, s := range e.Stages {
		depSetJSON, err := json.Marshal(s.Deps)
		if err != nil {
			return fmt.Errorf("tracedb: marshal stage %d deps for %s: %w", i, e.RuleKey, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO dynamic_dep_stages(rule_key, stage_index, dep_set_json, dep_digest)
			VALUES (?, ?, ?, ?)`, e.RuleKey, i, string(depSetJSON), s.DepDigest.String()); err != nil {
			return fmt.Errorf("tracedb: store stage %d for %s: %w", i, e.RuleKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tracedb: commit %s: %w", e.RuleKey, err)
	}
	return nil
}

// Forget removes any trace recorded for ruleKey, used when a rule
// stops existing between runs.
func (db *DB) Forget(ctx context.Context, ruleKey string) error {
	if _, err := db.sql.ExecContext(ctx, `DELETE FROM targets WHERE rule_key = ?`, ruleKey); err != nil {
		return fmt.Errorf("tracedb: forget %s: %w", ruleKey, err)
	}
	return nil
}
