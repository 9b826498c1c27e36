// Package store owns the shared relational database. Every aggregate (world
// instance, gate, wallet) serializes its mutations through transactions here;
// handlers themselves stay stateless.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

type DB struct {
	sql *sql.DB
}

func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single writer; sqlite serializes anyway and this keeps busy errors out
	// of the mutation paths. Reads ride the same pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{sql: db}, nil
}

func (d *DB) Close() error { return d.sql.Close() }

// SQL exposes the underlying handle for read paths and tests.
func (d *DB) SQL() *sql.DB { return d.sql }

// BeginWrite starts a mutation transaction. The pool of one connection means
// concurrent mutators of the same aggregate queue here rather than observing
// each other's partial writes.
func (d *DB) BeginWrite(ctx context.Context) (*sql.Tx, error) {
	return d.sql.BeginTx(ctx, nil)
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS theatre (
			instance_id TEXT PRIMARY KEY,
			city TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS world_current (
			instance_id TEXT PRIMARY KEY,
			tick_id INTEGER NOT NULL,
			version INTEGER NOT NULL,
			state_json TEXT NOT NULL,
			digest TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS world_var (
			instance_id TEXT NOT NULL,
			var_id TEXT NOT NULL,
			value REAL NOT NULL,
			PRIMARY KEY (instance_id, var_id)
		);`,
		`CREATE TABLE IF NOT EXISTS world_thread (
			instance_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			phase_id TEXT NOT NULL,
			progress INTEGER NOT NULL,
			branch_bucket TEXT NOT NULL,
			PRIMARY KEY (instance_id, thread_id)
		);`,
		`CREATE TABLE IF NOT EXISTS world_object (
			instance_id TEXT NOT NULL,
			object_id TEXT NOT NULL,
			holder_type TEXT NOT NULL,
			holder_id TEXT NOT NULL,
			PRIMARY KEY (instance_id, object_id)
		);`,
		`CREATE TABLE IF NOT EXISTS world_event (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			instance_id TEXT NOT NULL,
			tick_id INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			delta_id TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_world_event_instance ON world_event(instance_id, seq);`,
		`CREATE TABLE IF NOT EXISTS world_delta (
			delta_id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			tick_id INTEGER NOT NULL,
			version INTEGER NOT NULL,
			state_json TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS world_snapshot (
			instance_id TEXT NOT NULL,
			tick_id INTEGER NOT NULL,
			version INTEGER NOT NULL,
			event_seq INTEGER NOT NULL,
			state_json TEXT NOT NULL,
			digest TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (instance_id, tick_id)
		);`,
		`CREATE TABLE IF NOT EXISTS hour_plan (
			plan_id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			slot_id TEXT NOT NULL,
			window_start INTEGER NOT NULL,
			window_end INTEGER NOT NULL,
			primary_thread TEXT,
			support_threads_json TEXT NOT NULL,
			beat_mix_json TEXT NOT NULL,
			gate_template_json TEXT NOT NULL,
			must_drop_json TEXT NOT NULL,
			status TEXT NOT NULL,
			fallback INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			UNIQUE (instance_id, slot_id)
		);`,
		`CREATE TABLE IF NOT EXISTS hour_plan_override (
			override_id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			slot_id TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			reason TEXT NOT NULL,
			operator TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS gate_instance (
			gate_id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			template_id TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			title TEXT NOT NULL,
			options_json TEXT NOT NULL,
			open_at INTEGER NOT NULL,
			close_at INTEGER NOT NULL,
			resolve_at INTEGER NOT NULL,
			random_seed INTEGER NOT NULL,
			winner_option_id TEXT,
			summary_json TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_gate_status ON gate_instance(status, resolve_at);`,
		`CREATE TABLE IF NOT EXISTS gate_vote (
			gate_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			option_id TEXT NOT NULL,
			ring_level TEXT NOT NULL,
			idem_key TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (gate_id, user_id)
		);`,
		`CREATE TABLE IF NOT EXISTS gate_stake (
			gate_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			currency TEXT NOT NULL,
			option_id TEXT NOT NULL,
			amount_locked INTEGER NOT NULL,
			idem_key TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (gate_id, user_id, currency)
		);`,
		`CREATE TABLE IF NOT EXISTS gate_evidence (
			submission_id TEXT PRIMARY KEY,
			gate_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			evidence_ref TEXT NOT NULL,
			tier TEXT NOT NULL,
			idem_key TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE (gate_id, user_id, evidence_ref)
		);`,
		`CREATE TABLE IF NOT EXISTS gate_settlement (
			gate_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			currency TEXT NOT NULL,
			stake INTEGER NOT NULL,
			payout INTEGER NOT NULL,
			fee INTEGER NOT NULL,
			net_delta INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (gate_id, user_id, currency)
		);`,
		`CREATE TABLE IF NOT EXISTS wallet_balance (
			user_id TEXT NOT NULL,
			currency TEXT NOT NULL,
			balance INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, currency)
		);`,
		`CREATE TABLE IF NOT EXISTS wallet_ledger (
			tx_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			currency TEXT NOT NULL,
			delta INTEGER NOT NULL,
			reason TEXT NOT NULL,
			ref_type TEXT,
			ref_id TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_user ON wallet_ledger(user_id, currency);`,
		`CREATE TABLE IF NOT EXISTS idempotency (
			idem_key TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			request_hash TEXT NOT NULL,
			response_json TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
	}
	return nil
}
