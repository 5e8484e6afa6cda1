package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Tx drives every write of a single version through one transaction,
// matching the ordering guarantee in the concurrency model: version row,
// then per-word rows, timing updates, probability backfill,
// normalization, then edit-delta rows, all committed together so readers
// never observe a partial version.
//
// Two flavors back it: a plain *sql.Tx for the save pipeline, and a raw
// "BEGIN IMMEDIATE"/"COMMIT" pair over the shared single connection for
// SQLite's reserving-write mode, used by the read-modify-write paths
// (align_segment appending to token_ops, confirmations replace) —
// database/sql has no native BEGIN IMMEDIATE, but MaxOpenConns(1)
// guarantees the same connection carries the statement through to commit.
type Tx struct {
	tx *sql.Tx
	db *sql.DB
}

func (t *Tx) ex() execer {
	if t.tx != nil {
		return t.tx
	}
	return dbExecer{t.db}
}

// BeginTx starts a plain transaction for the save pipeline.
func (s *Store) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %v", ErrDB, err)
	}
	return &Tx{tx: tx}, nil
}

// BeginImmediate starts an immediate-reserving transaction.
func (s *Store) BeginImmediate(ctx context.Context) (*Tx, error) {
	if _, err := s.db.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, fmt.Errorf("%w: begin immediate: %v", ErrDB, err)
	}
	return &Tx{db: s.db}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit(ctx context.Context) error {
	if t.tx != nil {
		if err := t.tx.Commit(); err != nil {
			return fmt.Errorf("%w: commit: %v", ErrDB, err)
		}
		return nil
	}
	if _, err := t.db.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrDB, err)
	}
	return nil
}

// Rollback rolls back the transaction. Safe to call after Commit.
func (t *Tx) Rollback(ctx context.Context) error {
	if t.tx != nil {
		_ = t.tx.Rollback()
		return nil
	}
	_, _ = t.db.ExecContext(ctx, "ROLLBACK")
	return nil
}

// dbExecer satisfies execer by delegating straight to the Store's
// *sql.DB, for use while a raw "BEGIN IMMEDIATE" is open on its single
// connection.
type dbExecer struct{ db *sql.DB }

func (e dbExecer) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return e.db.ExecContext(ctx, query, args...)
}
func (e dbExecer) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return e.db.QueryContext(ctx, query, args...)
}
func (e dbExecer) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return e.db.QueryRowContext(ctx, query, args...)
}
