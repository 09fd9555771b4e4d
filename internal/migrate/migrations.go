// Package migrate brings the pagelift workspace database up to the newest
// embedded schema. The schema lives in numbered files under sql/ (ideas,
// actions, runs, verifications, queue lanes, event log); a single
// schema_version row records how far a workspace has advanced.
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

type schemaStep struct {
	Version int
	Name    string
	UpSQL   string
}

func loadSchemaSteps() ([]schemaStep, error) {
	files, err := fs.ReadDir(schemaFS, "sql")
	if err != nil {
		return nil, err
	}
	var steps []schemaStep
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := schemaFS.ReadFile("sql/" + f.Name())
		if err != nil {
			return nil, err
		}
		var v int
		if _, err := fmt.Sscanf(f.Name(), "%d_", &v); err != nil {
			return nil, fmt.Errorf("invalid schema filename %s: %w", f.Name(), err)
		}
		steps = append(steps, schemaStep{Version: v, Name: f.Name(), UpSQL: string(data)})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Version < steps[j].Version })
	return steps, nil
}

// Migrate applies any schema steps the workspace has not seen yet, in one
// transaction. Safe to run at every open; current workspaces are a no-op.
func Migrate(db *sql.DB) error {
	steps, err := loadSchemaSteps()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := currentVersion(tx)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if s.Version <= current {
			continue
		}
		if _, err := tx.Exec(s.UpSQL); err != nil {
			return fmt.Errorf("schema step %s: %w", s.Name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, s.Version); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
		current = s.Version
	}
	return tx.Commit()
}

// currentVersion reads the workspace's schema version, initializing the
// tracking row on first open.
func currentVersion(tx *sql.Tx) (int, error) {
	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return 0, fmt.Errorf("create schema_version: %w", err)
	}
	var v int
	err := tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return 0, fmt.Errorf("init schema_version: %w", err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}
