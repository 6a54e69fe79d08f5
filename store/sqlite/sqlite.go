// Package sqlite implements store.Driver over an embedded SQLite database,
// the default single-node deployment target. Grounded on the teacher's
// store/db/sqlite driver (WAL journal mode, busy_timeout pragma, idempotent
// startup migration), adapted to modernc.org/sqlite — the pure-Go driver
// already present in the pack's dependency graph — instead of the
// CGO-dependent mattn/go-sqlite3.
package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	_ "modernc.org/sqlite"

	"github.com/hrygo/wxrelay/store"
)

// DB is the sqlite-backed store.Driver.
type DB struct {
	db *sql.DB
}

// NewDB opens (and does not yet migrate) the database at dsn.
func NewDB(dsn string) (*DB, error) {
	if dsn == "" {
		return nil, errors.New("sqlite: dsn required")
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open db with dsn %s", dsn)
	}

	// Single-writer embedded DB: WAL avoids SQLITE_BUSY under concurrent
	// readers, busy_timeout gives writers a grace window instead of
	// failing immediately when the writer lock is briefly held.
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			return nil, errors.Wrapf(err, "set pragma %q", p)
		}
	}

	return &DB{db: sqlDB}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS instance (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		base_url TEXT NOT NULL,
		api_key TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_ts INTEGER NOT NULL,
		updated_ts INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS listener (
		instance_id TEXT NOT NULL,
		chat_name TEXT NOT NULL,
		status TEXT NOT NULL,
		last_message_time INTEGER NOT NULL DEFAULT 0,
		manual_added INTEGER NOT NULL DEFAULT 0,
		fixed INTEGER NOT NULL DEFAULT 0,
		created_ts INTEGER NOT NULL,
		updated_ts INTEGER NOT NULL,
		PRIMARY KEY (instance_id, chat_name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_listener_status_lastmsg ON listener(status, last_message_time DESC)`,
	`CREATE TABLE IF NOT EXISTS message (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		chat_name TEXT NOT NULL,
		sender TEXT NOT NULL,
		sender_remark TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		message_type TEXT NOT NULL,
		create_time INTEGER NOT NULL,
		fingerprint TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		delivery_status INTEGER NOT NULL DEFAULT 0,
		delivery_time INTEGER NOT NULL DEFAULT 0,
		platform_id TEXT NOT NULL DEFAULT '',
		reply_content TEXT NOT NULL DEFAULT '',
		reply_status INTEGER NOT NULL DEFAULT 0,
		reply_time INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		next_retry_time INTEGER NOT NULL DEFAULT 0,
		UNIQUE(instance_id, chat_name, fingerprint)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_message_processed_createtime ON message(processed, create_time)`,
	`CREATE INDEX IF NOT EXISTS idx_message_chat ON message(instance_id, chat_name, create_time)`,
	`CREATE TABLE IF NOT EXISTS platform (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		config TEXT NOT NULL DEFAULT '{}',
		enabled INTEGER NOT NULL DEFAULT 1,
		created_ts INTEGER NOT NULL,
		updated_ts INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rule (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		instance_selector TEXT NOT NULL,
		chat_pattern TEXT NOT NULL,
		platform_id TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1,
		only_at_messages INTEGER NOT NULL DEFAULT 0,
		at_name TEXT NOT NULL DEFAULT '',
		reply_at_sender INTEGER NOT NULL DEFAULT 0,
		created_ts INTEGER NOT NULL,
		updated_ts INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fixed_listener (
		id TEXT PRIMARY KEY,
		session_name TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		description TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS accounting_record (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		platform_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		amount REAL,
		category TEXT NOT NULL DEFAULT '',
		account_book_id TEXT NOT NULL DEFAULT '',
		account_book_name TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		processing_ms INTEGER NOT NULL DEFAULT 0,
		create_time INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS kv_config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_ts INTEGER NOT NULL
	)`,
}

// Migrate idempotently creates all tables and indexes.
func (d *DB) Migrate(ctx context.Context) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin migration")
	}
	defer tx.Rollback()

	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "apply schema statement: %s", stmt)
		}
	}
	return errors.Wrap(tx.Commit(), "commit migration")
}

// Close closes the underlying *sql.DB.
func (d *DB) Close() error { return d.db.Close() }

var _ store.Driver = (*DB)(nil)
