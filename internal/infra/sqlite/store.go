// Package sqlite persists the payment pipeline's shared mutable state:
// tuition ledgers, payment references, the institution/student directories,
// and dead letters. It is the only place where durability and mutual
// exclusion are enforced.
package sqlite

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the sqlite handle and exposes store operations.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies all
// migrations. Pass ":memory:" for an ephemeral database.
func Open(path string) (*DB, error) {
	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under the worker pool and keeps :memory: databases coherent.
	sdb.SetMaxOpenConns(1)

	db := &DB{db: sdb}
	if err := db.migrate(); err != nil {
		sdb.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying handle.
func (db *DB) Close() error { return db.db.Close() }

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the schema statements. Each string is a single SQL
// statement (sqlite executes one at a time). Amounts are stored as canonical
// decimal strings; times as RFC 3339.
func Migrations() []string {
	return []string{
		// Dedup / audit records. Insert-only; the primary key is the
		// authoritative "already processed" signal.
		`CREATE TABLE IF NOT EXISTS payment_references (
			reference     TEXT PRIMARY KEY,
			matricule     TEXT NOT NULL,
			enrollment_id TEXT NOT NULL,
			account_id    TEXT NOT NULL,
			amount        TEXT NOT NULL,
			currency      TEXT NOT NULL,
			payment_date  TEXT NOT NULL,
			processed_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_references_enrollment ON payment_references(enrollment_id)`,

		// Per-enrollment running balance. version backs the optimistic
		// concurrency check.
		`CREATE TABLE IF NOT EXISTS tuition_ledgers (
			enrollment_id    TEXT PRIMARY KEY,
			student_id       TEXT NOT NULL DEFAULT '',
			matricule        TEXT NOT NULL DEFAULT '',
			total_amount     TEXT NOT NULL,
			paid_amount      TEXT NOT NULL,
			remaining_amount TEXT NOT NULL,
			currency         TEXT NOT NULL,
			status           TEXT NOT NULL,
			version          INTEGER NOT NULL DEFAULT 0,
			updated_at       TEXT NOT NULL
		)`,

		// Directory tables the pipeline consults per payment.
		`CREATE TABLE IF NOT EXISTS institutions (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			account_id TEXT NOT NULL DEFAULT '',
			active     INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_institutions_account ON institutions(account_id)`,
		`CREATE TABLE IF NOT EXISTS students (
			matricule TEXT PRIMARY KEY,
			full_name TEXT NOT NULL DEFAULT '',
			enrolled  INTEGER NOT NULL DEFAULT 1
		)`,

		// Messages whose transient-retry budget was exhausted, kept with
		// full payload for manual remediation.
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id   TEXT NOT NULL,
			reference  TEXT NOT NULL,
			payload    TEXT NOT NULL,
			last_error TEXT NOT NULL,
			attempts   INTEGER NOT NULL,
			requeued   INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
	}
}

func (db *DB) migrate() error {
	for _, stmt := range Migrations() {
		if _, err := db.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// parseTime reads a stored RFC3339Nano timestamp. A corrupt value returns
// the zero time but is logged, so it cannot pass silently for an unset one.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		log.Printf("[sqlite] corrupt timestamp %q: %v", s, err)
		return time.Time{}
	}
	return t
}

// isUniqueViolation reports whether err is a primary-key/unique constraint
// failure. The modernc driver surfaces these as plain errors, so the
// constraint text is the only portable signal.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
