// Package storage owns the single SQLite file backing every durable
// HostBridge store (audit entries, memory nodes, memory edges, and the
// FTS index over memory). Plans and HITL requests live in memory only
// and have no tables here.
//
// It is a thin wrapper around *sql.DB, opened once at startup and
// handed to the audit and memory packages.
package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the single sqlite connection pool used across the process.
type DB struct {
	*sql.DB
}

// Open opens (creating if absent) the sqlite file at path, applies
// pending migrations, and returns a ready DB. A single file under
// dataDir holds every durable table, per the "one directory, one
// database file" requirement.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single pooled connection serializes all access, reads included,
	// to avoid SQLITE_BUSY under concurrent dispatch.
	conn.SetMaxOpenConns(1)

	db := &DB{conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func (db *DB) migrate() error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY)`); err != nil {
		return err
	}

	for _, name := range names {
		var already string
		err := db.QueryRow(`SELECT name FROM schema_migrations WHERE name = ?`, name).Scan(&already)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return err
		}
		sqlBytes, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (name) VALUES (?)`, name); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
