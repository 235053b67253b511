// Package migrate is a minimal forward/backward migrator for SQLite.
// Migrations are versioned .sql file pairs (NNNNNN_name.up.sql and
// NNNNNN_name.down.sql) loaded from an embedded filesystem and tracked
// in a dedicated table.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Migration is one versioned schema change.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Migrator applies migrations against a database, recording applied
// versions in trackTable.
type Migrator struct {
	db         *sql.DB
	trackTable string
	migrations []Migration
}

// New creates a migrator tracking applied versions in trackTable.
func New(db *sql.DB, trackTable string) *Migrator {
	return &Migrator{db: db, trackTable: trackTable}
}

// LoadFromFS reads migration pairs from dir inside the embedded
// filesystem. Files that do not match the naming scheme are skipped.
func (m *Migrator) LoadFromFS(fsys embed.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("reading migration dir: %w", err)
	}

	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, rest, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}

		content, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}

		mig := byVersion[version]
		if mig == nil {
			mig = &Migration{Version: version}
			byVersion[version] = mig
		}
		switch {
		case strings.HasSuffix(rest, ".up.sql"):
			mig.Name = strings.TrimSuffix(rest, ".up.sql")
			mig.Up = string(content)
		case strings.HasSuffix(rest, ".down.sql"):
			mig.Down = string(content)
		}
	}

	m.migrations = m.migrations[:0]
	for _, mig := range byVersion {
		m.migrations = append(m.migrations, *mig)
	}
	sort.Slice(m.migrations, func(i, j int) bool {
		return m.migrations[i].Version < m.migrations[j].Version
	})
	return nil
}

// Up applies all pending migrations, each in its own transaction.
func (m *Migrator) Up() error {
	if err := m.ensureTrackTable(); err != nil {
		return err
	}
	current, err := m.Version()
	if err != nil {
		return err
	}
	for _, mig := range m.migrations {
		if mig.Version <= current {
			continue
		}
		if err := m.apply(mig); err != nil {
			return fmt.Errorf("applying migration %d (%s): %w", mig.Version, mig.Name, err)
		}
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down() error {
	if err := m.ensureTrackTable(); err != nil {
		return err
	}
	current, err := m.Version()
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("no migrations to roll back")
	}

	for _, mig := range m.migrations {
		if mig.Version != current {
			continue
		}
		if mig.Down == "" {
			return fmt.Errorf("migration %d has no down script", current)
		}
		return m.rollback(mig)
	}
	return fmt.Errorf("migration %d not loaded", current)
}

// Version returns the highest applied migration version, 0 when none.
func (m *Migrator) Version() (int, error) {
	var version int
	err := m.db.QueryRow(
		fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM %s", m.trackTable),
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("reading migration version: %w", err)
	}
	return version, nil
}

func (m *Migrator) ensureTrackTable() error {
	_, err := m.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)`, m.trackTable))
	if err != nil {
		return fmt.Errorf("creating %s: %w", m.trackTable, err)
	}
	return nil
}

func (m *Migrator) apply(mig Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.Up); err != nil {
		return err
	}
	if _, err := tx.Exec(
		fmt.Sprintf("INSERT INTO %s (version, name, applied_at) VALUES (?, ?, ?)", m.trackTable),
		mig.Version, mig.Name, time.Now().Unix(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Migrator) rollback(mig Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.Down); err != nil {
		return fmt.Errorf("rolling back migration %d: %w", mig.Version, err)
	}
	if _, err := tx.Exec(
		fmt.Sprintf("DELETE FROM %s WHERE version = ?", m.trackTable), mig.Version,
	); err != nil {
		return err
	}
	return tx.Commit()
}
