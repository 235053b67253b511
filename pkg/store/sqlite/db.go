// Package sqlite provides the SQLite persistence layer: command,
// inbox, outbox, process instance and dead-letter stores sharing one
// database handle, plus a transaction manager that carries the open
// transaction through the context so stores join it transparently.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/tessera-io/reliable/pkg/store/sqlite/migrate"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the shared database handle the stores operate on.
type DB struct {
	db *sql.DB
}

type dbConfig struct {
	dsn          string
	maxOpenConns int
	maxIdleConns int
	walMode      bool
	autoMigrate  bool
}

func defaultDBConfig() dbConfig {
	return dbConfig{
		dsn:          "reliable.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
	}
}

// Option configures Open.
type Option func(*dbConfig)

// WithDSN sets the data source name (file path or ":memory:").
func WithDSN(dsn string) Option {
	return func(c *dbConfig) { c.dsn = dsn }
}

// WithMemoryDatabase uses an in-memory database. Intended for tests.
func WithMemoryDatabase() Option {
	return func(c *dbConfig) { c.dsn = ":memory:" }
}

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) Option {
	return func(c *dbConfig) { c.maxOpenConns = n }
}

// WithMaxIdleConns sets the maximum number of idle connections.
func WithMaxIdleConns(n int) Option {
	return func(c *dbConfig) { c.maxIdleConns = n }
}

// WithWALMode toggles write-ahead logging. Recommended for file-backed
// databases, not applicable to :memory:.
func WithWALMode(enabled bool) Option {
	return func(c *dbConfig) { c.walMode = enabled }
}

// WithAutoMigrate toggles running pending migrations on open.
func WithAutoMigrate(enabled bool) Option {
	return func(c *dbConfig) { c.autoMigrate = enabled }
}

// Open opens (and by default migrates) the database.
//
//	db, err := sqlite.Open(sqlite.WithDSN("/var/lib/reliable/platform.db"))
//
//	// In-memory for tests
//	db, err := sqlite.Open(sqlite.WithMemoryDatabase())
func Open(opts ...Option) (*DB, error) {
	config := defaultDBConfig()
	for _, opt := range opts {
		opt(&config)
	}

	db, err := sql.Open("sqlite", config.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each connection to a :memory: DSN gets its own isolated database,
	// so in-memory databases must stay on a single connection.
	if config.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.maxOpenConns)
		db.SetMaxIdleConns(config.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	d := &DB{db: db}

	if config.walMode && config.dsn != ":memory:" {
		if err := d.setWALMode(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set WAL mode: %w", err)
		}
	}
	if config.autoMigrate {
		if err := d.RunMigrations(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return d, nil
}

// NewDB wraps an existing handle. The caller keeps ownership of the
// handle; Close is still safe to call. Useful with sqlmock.
func NewDB(db *sql.DB) *DB {
	return &DB{db: db}
}

// RunMigrations applies all pending schema migrations.
func (d *DB) RunMigrations() error {
	m := migrate.New(d.db, "schema_migrations")
	if err := m.LoadFromFS(migrationsFS, "migrations"); err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	if err := m.Up(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the underlying handle.
func (d *DB) Close() error { return d.db.Close() }

func (d *DB) setWALMode() error {
	_, err := d.db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA foreign_keys = ON;
	`)
	return err
}

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
// Stores issue every statement through it, so the same store code runs
// both inside and outside a managed transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// WithTx runs fn inside a transaction carried by the context. A nested
// call joins the ambient transaction instead of opening a second one.
// The transaction commits only when fn returns nil.
func (d *DB) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// querier returns the ambient transaction when one is in flight,
// otherwise the pooled handle.
func (d *DB) querier(ctx context.Context) Querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return d.db
}

// millis converts a time to the unix-millisecond representation stored
// in the database.
func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: millis(*t), Valid: true}
}

func timePtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}
