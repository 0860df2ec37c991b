// Package migrate brings the workspace schema up to date. Every entry
// point migrates right after opening the DB, before any table is touched.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type step struct {
	version int
	name    string
	up      string
}

// steps loads the embedded schema files, ordered by their numeric
// filename prefix. A file without a prefix is a packaging mistake.
func steps() ([]step, error) {
	entries, err := fs.ReadDir(schemaFS, "sql")
	if err != nil {
		return nil, err
	}
	var out []step
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := schemaFS.ReadFile("sql/" + e.Name())
		if err != nil {
			return nil, err
		}
		var v int
		if _, err := fmt.Sscanf(e.Name(), "%d_", &v); err != nil {
			return nil, fmt.Errorf("schema file %s has no version prefix: %w", e.Name(), err)
		}
		out = append(out, step{version: v, name: e.Name(), up: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Migrate applies every step past the stored schema version, all in one
// transaction. A failing step leaves the schema where it was.
func Migrate(db *sql.DB) error {
	all, err := steps()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var current int
	err = tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, s := range all {
		if s.version <= current {
			continue
		}
		if _, err := tx.Exec(s.up); err != nil {
			return fmt.Errorf("apply %s: %w", s.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, s.version); err != nil {
			return fmt.Errorf("record %s: %w", s.name, err)
		}
		current = s.version
	}
	return tx.Commit()
}
