// Package store is the versioned persistence layer: documents, per-word
// rows, edit deltas, and confirmations in SQLite. Grounded on the
// bootstrap/migration shape of services/storage/cmd/storage/main.go
// (WAL DSN, single-writer connection pool, idempotent ensure_schema) and
// on the sentinel-error/context-first conventions of
// internal/relational/postgres_store.go, with the schema itself lifted
// from explore/app/transcripts/schema.py's three-tier PRAGMA
// user_version migration.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wavetext/transcripts/internal/model"
)

var (
	// ErrVersionExists indicates a duplicate (doc, version) insert.
	ErrVersionExists = errors.New("store: version exists")
	// ErrHashConflict indicates a confirmations replace guarded by a
	// stale base_sha256.
	ErrHashConflict = errors.New("store: hash conflict")
	// ErrNotFound indicates a missing (doc, version) or doc.
	ErrNotFound = errors.New("store: not found")
	// ErrDB wraps unexpected database errors.
	ErrDB = errors.New("store: db error")
)

const schemaVersion = 3

// Store is the SQLite-backed implementation of the versioned document
// store. A single *sql.DB is safe to share across concurrent workers:
// WAL journaling lets readers proceed while a writer holds the lock, and
// MaxOpenConns(1) serializes writers the way a single-connection SQLite
// service must.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite file at path with WAL
// journaling and a busy timeout, and brings the schema forward.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=ON", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrDB, path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// execer is satisfied by both *sql.DB and *sql.Tx, letting every query
// method below run either standalone or inside a caller-managed
// transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// EnsureSchema brings the database forward to schemaVersion. Idempotent:
// safe to call at every process start and a no-op once current.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return ensureSchema(ctx, s.db)
}

func ensureSchema(ctx context.Context, ex execer) error {
	current, err := userVersion(ctx, ex)
	if err != nil {
		return err
	}

	if current < 1 {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS transcripts (
				file_path   TEXT NOT NULL,
				version     INTEGER NOT NULL,
				base_sha256 TEXT NOT NULL,
				text        TEXT NOT NULL,
				words       TEXT NOT NULL,
				created_by  TEXT,
				created_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (file_path, version)
			)`,
			`CREATE TABLE IF NOT EXISTS transcript_edits (
				file_path      TEXT NOT NULL,
				parent_version INTEGER NOT NULL,
				child_version  INTEGER NOT NULL,
				dmp_patch      TEXT,
				token_ops      TEXT,
				created_at     TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (file_path, parent_version, child_version)
			)`,
			`CREATE TABLE IF NOT EXISTS transcript_confirmations (
				id           INTEGER PRIMARY KEY AUTOINCREMENT,
				file_path    TEXT NOT NULL,
				version      INTEGER NOT NULL,
				base_sha256  TEXT NOT NULL,
				start_offset INTEGER NOT NULL,
				end_offset   INTEGER NOT NULL,
				prefix       TEXT,
				exact        TEXT,
				suffix       TEXT,
				created_at   TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS transcript_words (
				file_path     TEXT NOT NULL,
				version       INTEGER NOT NULL,
				segment_index INTEGER NOT NULL,
				word_index    INTEGER NOT NULL,
				word          TEXT NOT NULL,
				start_time    DOUBLE,
				end_time      DOUBLE,
				probability   DOUBLE,
				PRIMARY KEY (file_path, version, word_index)
			)`,
		}
		for _, stmt := range stmts {
			if _, err := ex.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("%w: schema v1: %v", ErrDB, err)
			}
		}
		if err := setUserVersion(ctx, ex, 1); err != nil {
			return err
		}
		current = 1
	}

	if current < 2 {
		if err := addColumnIfMissing(ctx, ex, "transcripts", "created_by", "TEXT"); err != nil {
			return err
		}
		if err := addColumnIfMissing(ctx, ex, "transcripts", "created_at", "TIMESTAMP DEFAULT CURRENT_TIMESTAMP"); err != nil {
			return err
		}
		if err := addColumnIfMissing(ctx, ex, "transcript_edits", "created_at", "TIMESTAMP DEFAULT CURRENT_TIMESTAMP"); err != nil {
			return err
		}
		if err := addColumnIfMissing(ctx, ex, "transcript_words", "probability", "DOUBLE"); err != nil {
			return err
		}
		if err := setUserVersion(ctx, ex, 2); err != nil {
			return err
		}
		current = 2
	}

	if current < 3 {
		if _, err := ex.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS transcript_confirmations (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			file_path    TEXT NOT NULL,
			version      INTEGER NOT NULL,
			base_sha256  TEXT NOT NULL,
			start_offset INTEGER NOT NULL,
			end_offset   INTEGER NOT NULL,
			prefix       TEXT,
			exact        TEXT,
			suffix       TEXT,
			created_at   TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
			return fmt.Errorf("%w: schema v3: %v", ErrDB, err)
		}
		if err := setUserVersion(ctx, ex, 3); err != nil {
			return err
		}
	}

	indexStmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_edits_child ON transcript_edits (file_path, child_version)`,
		`CREATE INDEX IF NOT EXISTS idx_words_version ON transcript_words (file_path, version)`,
		`CREATE INDEX IF NOT EXISTS idx_words_segment ON transcript_words (file_path, version, segment_index)`,
		`CREATE INDEX IF NOT EXISTS idx_confirmations_version ON transcript_confirmations (file_path, version)`,
	}
	for _, stmt := range indexStmts {
		if _, err := ex.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: index: %v", ErrDB, err)
		}
	}
	return nil
}

func userVersion(ctx context.Context, ex execer) (int, error) {
	row := ex.QueryRowContext(ctx, "PRAGMA user_version")
	var v int
	if err := row.Scan(&v); err != nil {
		return 0, fmt.Errorf("%w: user_version: %v", ErrDB, err)
	}
	return v, nil
}

func setUserVersion(ctx context.Context, ex execer, v int) error {
	if _, err := ex.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
		return fmt.Errorf("%w: set user_version: %v", ErrDB, err)
	}
	return nil
}

func addColumnIfMissing(ctx context.Context, ex execer, table, column, ddlType string) error {
	rows, err := ex.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("%w: table_info(%s): %v", ErrDB, table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return fmt.Errorf("%w: table_info(%s) scan: %v", ErrDB, table, err)
		}
		if name == column {
			return nil
		}
	}
	if _, err := ex.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, ddlType)); err != nil {
		return fmt.Errorf("%w: alter %s: %v", ErrDB, table, err)
	}
	return nil
}

func floatOrNil(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// now is overridable in tests; production uses the wall clock.
var now = func() time.Time { return time.Now().UTC() }
