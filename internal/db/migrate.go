package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"regexp"
	"strconv"
	"strings"
)

// Schema changes live in migrations/ as NNN_name.up.sql and NNN_name.down.sql
// pairs. Versions run 1..N without gaps, so the schema version is also the
// number of applied steps. schema_version holds one row per applied step.

// MigrationStatus reports whether one schema step is applied.
type MigrationStatus struct {
	Version     int    `json:"version"`
	Description string `json:"description"`
	Applied     bool   `json:"applied"`
	AppliedAt   string `json:"applied_at,omitempty"`
}

type schemaStep struct {
	version int
	name    string
	up      string
	down    string
}

func (s schemaStep) String() string {
	return fmt.Sprintf("%03d_%s", s.version, s.name)
}

func (s schemaStep) description() string {
	return strings.ReplaceAll(s.name, "_", " ")
}

var stepFileName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// schemaSteps loads the embedded steps in version order. Every step needs
// both scripts.
func schemaSteps() ([]schemaStep, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	byVersion := make(map[int]*schemaStep)
	for _, entry := range entries {
		m := stepFileName.FindStringSubmatch(entry.Name())
		if entry.IsDir() || m == nil {
			continue
		}
		version, err := strconv.Atoi(m[1])
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("migration %s: bad version", entry.Name())
		}
		body, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}

		step := byVersion[version]
		if step == nil {
			step = &schemaStep{version: version, name: m[2]}
			byVersion[version] = step
		}
		if step.name != m[2] {
			return nil, fmt.Errorf("migration %d is named both %q and %q", version, step.name, m[2])
		}
		if m[3] == "up" {
			step.up = string(body)
		} else {
			step.down = string(body)
		}
	}

	steps := make([]schemaStep, 0, len(byVersion))
	for v := 1; v <= len(byVersion); v++ {
		step, ok := byVersion[v]
		if !ok {
			return nil, fmt.Errorf("migration %d is missing", v)
		}
		if strings.TrimSpace(step.up) == "" || strings.TrimSpace(step.down) == "" {
			return nil, fmt.Errorf("migration %s needs both up and down scripts", step)
		}
		steps = append(steps, *step)
	}
	return steps, nil
}

// MigrateUp applies every pending step and reports how many ran.
func (db *DB) MigrateUp(ctx context.Context) (int, error) {
	return db.migrate(ctx, func(_, latest int) int { return latest })
}

// MigrateDown rolls back up to steps applied steps.
func (db *DB) MigrateDown(ctx context.Context, steps int) (int, error) {
	if steps <= 0 {
		return 0, nil
	}
	return db.migrate(ctx, func(current, _ int) int { return max(current-steps, 0) })
}

// MigrateTo moves the schema up or down to version. Zero removes every table.
func (db *DB) MigrateTo(ctx context.Context, version int) error {
	_, err := db.migrate(ctx, func(_, _ int) int { return version })
	return err
}

// migrate runs steps one transaction at a time until the schema reaches the
// version chosen by target. A failed step leaves earlier steps in place.
func (db *DB) migrate(ctx context.Context, target func(current, latest int) int) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	steps, err := schemaSteps()
	if err != nil {
		return 0, err
	}
	if err := db.ensureSchemaVersionTable(ctx); err != nil {
		return 0, err
	}
	current, err := db.SchemaVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}

	latest := len(steps)
	if current > latest {
		return 0, fmt.Errorf("database schema version %d is newer than this build (%d)", current, latest)
	}
	want := target(current, latest)
	if want < 0 || want > latest {
		return 0, fmt.Errorf("schema version %d out of range 0..%d", want, latest)
	}

	ran := 0
	for v := current; v < want; v++ {
		if err := db.applyStep(ctx, steps[v]); err != nil {
			return ran, err
		}
		ran++
	}
	for v := current; v > want; v-- {
		if err := db.revertStep(ctx, steps[v-1]); err != nil {
			return ran, err
		}
		ran++
	}
	return ran, nil
}

func (db *DB) applyStep(ctx context.Context, step schemaStep) error {
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, step.up); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO schema_version (version, description) VALUES (?, ?)`,
			step.version, step.description())
		return err
	})
	if err != nil {
		return fmt.Errorf("apply migration %s: %w", step, err)
	}
	db.logger.Info().Int("version", step.version).Str("step", step.name).Msg("schema step applied")
	return nil
}

func (db *DB) revertStep(ctx context.Context, step schemaStep) error {
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, step.down); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = ?`, step.version)
		return err
	})
	if err != nil {
		return fmt.Errorf("roll back migration %s: %w", step, err)
	}
	db.logger.Info().Int("version", step.version).Str("step", step.name).Msg("schema step rolled back")
	return nil
}

// MigrationStatus lists every known step with its applied time.
func (db *DB) MigrationStatus(ctx context.Context) ([]MigrationStatus, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	steps, err := schemaSteps()
	if err != nil {
		return nil, err
	}
	if err := db.ensureSchemaVersionTable(ctx); err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT version, applied_at FROM schema_version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query schema_version: %w", err)
	}
	defer rows.Close()

	appliedAt := make(map[int]string)
	for rows.Next() {
		var version int
		var at string
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("failed to scan schema_version row: %w", err)
		}
		appliedAt[version] = at
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(steps))
	for _, step := range steps {
		at, ok := appliedAt[step.version]
		out = append(out, MigrationStatus{
			Version:     step.version,
			Description: step.description(),
			Applied:     ok,
			AppliedAt:   at,
		})
	}
	return out, nil
}

func (db *DB) ensureSchemaVersionTable(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now')),
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}
	return nil
}
