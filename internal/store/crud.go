package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/wavetext/transcripts/internal/model"
	"github.com/wavetext/transcripts/internal/normalize"
)

// Latest returns the highest-numbered version of doc.
func (s *Store) Latest(ctx context.Context, doc string) (model.Version, error) {
	return latest(ctx, s.db, doc)
}

func latest(ctx context.Context, ex execer, doc string) (model.Version, error) {
	row := ex.QueryRowContext(ctx, `SELECT version FROM transcripts WHERE file_path = ? ORDER BY version DESC LIMIT 1`, doc)
	var v int
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return model.Version{}, fmt.Errorf("%w: doc %s", ErrNotFound, doc)
		}
		return model.Version{}, fmt.Errorf("%w: latest: %v", ErrDB, err)
	}
	return get(ctx, ex, doc, v)
}

// Get returns one specific version of doc.
func (s *Store) Get(ctx context.Context, doc string, version int) (model.Version, error) {
	return get(ctx, s.db, doc, version)
}

func get(ctx context.Context, ex execer, doc string, version int) (model.Version, error) {
	row := ex.QueryRowContext(ctx, `SELECT file_path, version, base_sha256, text, words, COALESCE(created_by, ''), created_at
		FROM transcripts WHERE file_path = ? AND version = ?`, doc, version)
	var out model.Version
	var wordsJSON string
	if err := row.Scan(&out.Doc, &out.Version, &out.BaseSHA256, &out.Text, &wordsJSON, &out.CreatedBy, &out.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return model.Version{}, fmt.Errorf("%w: doc %s version %d", ErrNotFound, doc, version)
		}
		return model.Version{}, fmt.Errorf("%w: get: %v", ErrDB, err)
	}
	if err := json.Unmarshal([]byte(wordsJSON), &out.Words); err != nil {
		return model.Version{}, fmt.Errorf("%w: get: decode words: %v", ErrDB, err)
	}
	return out, nil
}

// InsertVersion inserts a new (doc, version) row and its per-word rows
// inside one transaction, failing ErrVersionExists on a duplicate key.
func (s *Store) InsertVersion(ctx context.Context, v model.Version, rows []model.WordRow) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertVersion(ctx, tx.ex(), v); err != nil {
		return err
	}
	if err := replaceWordRows(ctx, tx.ex(), v.Doc, v.Version, rows); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertVersion(ctx context.Context, ex execer, v model.Version) error {
	wordsJSON, err := json.Marshal(v.Words)
	if err != nil {
		return fmt.Errorf("%w: insert version: encode words: %v", ErrDB, err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO transcripts (file_path, version, base_sha256, text, words, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, v.Doc, v.Version, v.BaseSHA256, v.Text, string(wordsJSON), v.CreatedBy, now())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: doc %s version %d", ErrVersionExists, v.Doc, v.Version)
		}
		return fmt.Errorf("%w: insert version: %v", ErrDB, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// go-sqlite3 reports constraint failures with this substring; avoided
	// importing the driver's error type to keep this file driver-agnostic
	// beyond the blank import in store.go.
	return err != nil && containsFold(err.Error(), "UNIQUE constraint")
}

func containsFold(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if equalFold(s[i:i+len(substr)], substr) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// ReplaceWordRows deletes then re-inserts every per-word row of (doc,
// version). InsertVersion runs the same step inside its transaction at
// initial insert; this method is used by migrate_words to rebuild a
// version's rows.
func (s *Store) ReplaceWordRows(ctx context.Context, doc string, version int, rows []model.WordRow) error {
	return replaceWordRows(ctx, s.db, doc, version, rows)
}

func replaceWordRows(ctx context.Context, ex execer, doc string, version int, rows []model.WordRow) error {
	if _, err := ex.ExecContext(ctx, `DELETE FROM transcript_words WHERE file_path = ? AND version = ?`, doc, version); err != nil {
		return fmt.Errorf("%w: replace word rows: delete: %v", ErrDB, err)
	}
	for _, r := range rows {
		_, err := ex.ExecContext(ctx, `INSERT INTO transcript_words
			(file_path, version, segment_index, word_index, word, start_time, end_time, probability)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			doc, version, r.SegmentIndex, r.WordIndex, r.Word, nullFloat(r.Start), nullFloat(r.End), nullFloat(r.Probability))
		if err != nil {
			return fmt.Errorf("%w: replace word rows: insert word_index %d: %v", ErrDB, r.WordIndex, err)
		}
	}
	return nil
}

// WordRows returns the per-word rows of (doc, version) ordered by
// segment_index then word_index, optionally filtered to
// [segment, segment+count).
func (s *Store) WordRows(ctx context.Context, doc string, version int, segment, count *int) ([]model.WordRow, error) {
	return wordRows(ctx, s.db, doc, version, segment, count)
}

func wordRows(ctx context.Context, ex execer, doc string, version int, segment, count *int) ([]model.WordRow, error) {
	query := `SELECT file_path, version, segment_index, word_index, word, start_time, end_time, probability
		FROM transcript_words WHERE file_path = ? AND version = ?`
	args := []any{doc, version}
	if segment != nil {
		lo := *segment
		hi := lo + 50
		if count != nil {
			hi = lo + *count
		}
		query += ` AND segment_index >= ? AND segment_index < ?`
		args = append(args, lo, hi)
	}
	query += ` ORDER BY segment_index ASC, word_index ASC`

	rs, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: word rows: %v", ErrDB, err)
	}
	defer rs.Close()

	var out []model.WordRow
	for rs.Next() {
		var r model.WordRow
		var start, end, prob sql.NullFloat64
		if err := rs.Scan(&r.Doc, &r.Version, &r.SegmentIndex, &r.WordIndex, &r.Word, &start, &end, &prob); err != nil {
			return nil, fmt.Errorf("%w: word rows: scan: %v", ErrDB, err)
		}
		r.Start = floatOrNil(start)
		r.End = floatOrNil(end)
		r.Probability = floatOrNil(prob)
		out = append(out, r)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("%w: word rows: %v", ErrDB, err)
	}
	return out, nil
}

// UpdateWordTimings applies a batch of per-word_index timing updates to
// (doc, version), used by the aligner's write-back path.
func (s *Store) UpdateWordTimings(ctx context.Context, doc string, version int, updates []model.TimingUpdate) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := updateWordTimings(ctx, tx.ex(), doc, version, updates); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func updateWordTimings(ctx context.Context, ex execer, doc string, version int, updates []model.TimingUpdate) error {
	for _, u := range updates {
		_, err := ex.ExecContext(ctx, `UPDATE transcript_words SET start_time = ?, end_time = ?
			WHERE file_path = ? AND version = ? AND word_index = ?`,
			u.Start, u.End, doc, version, u.WordIndex)
		if err != nil {
			return fmt.Errorf("%w: update word timings: word_index %d: %v", ErrDB, u.WordIndex, err)
		}
	}
	return nil
}

// NormalizeAndPersist normalizes the current word rows of (doc, version)
// with normalize.ForPersist and writes back only the rows whose values
// changed.
func (s *Store) NormalizeAndPersist(ctx context.Context, doc string, version int, minDur float64) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rows, err := wordRows(ctx, tx.ex(), doc, version, nil, nil)
	if err != nil {
		return err
	}
	changed := normalize.ForPersist(rows, minDur)
	for _, r := range changed {
		_, err := tx.ex().ExecContext(ctx, `UPDATE transcript_words SET start_time = ?, end_time = ?
			WHERE file_path = ? AND version = ? AND word_index = ?`,
			nullFloat(r.Start), nullFloat(r.End), doc, version, r.WordIndex)
		if err != nil {
			return fmt.Errorf("%w: normalize persist: word_index %d: %v", ErrDB, r.WordIndex, err)
		}
	}
	return tx.Commit(ctx)
}

// UpsertEditDelta records (or replaces) the edit delta between parent and
// child versions of doc.
func (s *Store) UpsertEditDelta(ctx context.Context, d model.EditDelta) error {
	return upsertEditDelta(ctx, s.db, d)
}

func upsertEditDelta(ctx context.Context, ex execer, d model.EditDelta) error {
	var tokenOps sql.NullString
	if d.TokenOps != nil {
		tokenOps = sql.NullString{String: *d.TokenOps, Valid: true}
	}
	_, err := ex.ExecContext(ctx, `INSERT INTO transcript_edits (file_path, parent_version, child_version, dmp_patch, token_ops, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (file_path, parent_version, child_version) DO UPDATE SET dmp_patch = excluded.dmp_patch, token_ops = excluded.token_ops`,
		d.Doc, d.ParentVersion, d.ChildVersion, d.DMPPatch, tokenOps, now())
	if err != nil {
		return fmt.Errorf("%w: upsert edit delta: %v", ErrDB, err)
	}
	return nil
}

// ListEdits returns every edit delta recorded for doc, ordered by
// child_version ascending.
func (s *Store) ListEdits(ctx context.Context, doc string) ([]model.EditDelta, error) {
	rs, err := s.db.QueryContext(ctx, `SELECT file_path, parent_version, child_version, COALESCE(dmp_patch, ''), token_ops
		FROM transcript_edits WHERE file_path = ? ORDER BY child_version ASC`, doc)
	if err != nil {
		return nil, fmt.Errorf("%w: list edits: %v", ErrDB, err)
	}
	defer rs.Close()

	var out []model.EditDelta
	for rs.Next() {
		var d model.EditDelta
		var tokenOps sql.NullString
		if err := rs.Scan(&d.Doc, &d.ParentVersion, &d.ChildVersion, &d.DMPPatch, &tokenOps); err != nil {
			return nil, fmt.Errorf("%w: list edits: scan: %v", ErrDB, err)
		}
		if tokenOps.Valid {
			d.TokenOps = &tokenOps.String
		}
		out = append(out, d)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("%w: list edits: %v", ErrDB, err)
	}
	return out, nil
}

// HistoryEntry is one node of a document's version history.
type HistoryEntry struct {
	Version       int
	ParentVersion int
	CreatedBy     string
	CreatedAt     string
}

// History returns every version of doc ordered ascending, with each
// entry's parent_version taken from an explicit transcript_edits edge
// when one targets it (the immediate version-1 edge when several do),
// falling back to version-1 otherwise (version 1 has no parent and is
// reported as 0).
func (s *Store) History(ctx context.Context, doc string) ([]HistoryEntry, error) {
	rs, err := s.db.QueryContext(ctx, `SELECT version, COALESCE(created_by, ''), created_at
		FROM transcripts WHERE file_path = ? ORDER BY version ASC`, doc)
	if err != nil {
		return nil, fmt.Errorf("%w: history: %v", ErrDB, err)
	}
	defer rs.Close()

	var out []HistoryEntry
	for rs.Next() {
		var e HistoryEntry
		var createdAt sql.NullTime
		if err := rs.Scan(&e.Version, &e.CreatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: history: scan: %v", ErrDB, err)
		}
		if createdAt.Valid {
			e.CreatedAt = createdAt.Time.Format("2006-01-02T15:04:05Z07:00")
		}
		out = append(out, e)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("%w: history: %v", ErrDB, err)
	}

	edges, err := edgesByChild(ctx, s.db, doc)
	if err != nil {
		return nil, err
	}
	for i := range out {
		if p, ok := edges[out[i].Version]; ok {
			out[i].ParentVersion = p
		} else if out[i].Version > 1 {
			out[i].ParentVersion = out[i].Version - 1
		}
	}
	return out, nil
}

func edgesByChild(ctx context.Context, ex execer, doc string) (map[int]int, error) {
	rs, err := ex.QueryContext(ctx, `SELECT child_version, parent_version FROM transcript_edits WHERE file_path = ?`, doc)
	if err != nil {
		return nil, fmt.Errorf("%w: edges: %v", ErrDB, err)
	}
	defer rs.Close()
	out := map[int]int{}
	for rs.Next() {
		var child, parent int
		if err := rs.Scan(&child, &parent); err != nil {
			return nil, fmt.Errorf("%w: edges: scan: %v", ErrDB, err)
		}
		// Prefer the immediate edge (child-1 -> child) over the
		// origin-replay edge (1 -> child) that saves also record.
		if p, ok := out[child]; ok && p == child-1 {
			continue
		}
		out[child] = parent
	}
	return out, rs.Err()
}

// ConfirmationsGet returns every confirmation recorded against version,
// ordered by start_offset ascending.
func (s *Store) ConfirmationsGet(ctx context.Context, doc string, version int) ([]model.Confirmation, error) {
	return confirmationsGet(ctx, s.db, doc, version)
}

func confirmationsGet(ctx context.Context, ex execer, doc string, version int) ([]model.Confirmation, error) {
	rs, err := ex.QueryContext(ctx, `SELECT id, file_path, version, base_sha256, start_offset, end_offset,
		COALESCE(prefix, ''), COALESCE(exact, ''), COALESCE(suffix, '')
		FROM transcript_confirmations WHERE file_path = ? AND version = ? ORDER BY start_offset ASC`, doc, version)
	if err != nil {
		return nil, fmt.Errorf("%w: confirmations get: %v", ErrDB, err)
	}
	defer rs.Close()

	var out []model.Confirmation
	for rs.Next() {
		var c model.Confirmation
		if err := rs.Scan(&c.ID, &c.Doc, &c.Version, &c.BaseSHA256, &c.StartOffset, &c.EndOffset, &c.Prefix, &c.Exact, &c.Suffix); err != nil {
			return nil, fmt.Errorf("%w: confirmations get: scan: %v", ErrDB, err)
		}
		out = append(out, c)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("%w: confirmations get: %v", ErrDB, err)
	}
	return out, nil
}

// ConfirmationsReplace replaces every confirmation of (doc, version) in
// one immediate transaction, failing ErrHashConflict when baseSHA256
// differs from the stored version's base_sha256 or from any incoming
// confirmation's BaseSHA256 (the caller's understanding of the text has
// gone stale).
func (s *Store) ConfirmationsReplace(ctx context.Context, doc string, version int, baseSHA256 string, confirmations []model.Confirmation) error {
	for _, c := range confirmations {
		if c.BaseSHA256 != baseSHA256 {
			return fmt.Errorf("%w: doc %s version %d", ErrHashConflict, doc, version)
		}
	}

	tx, err := s.BeginImmediate(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	current, err := get(ctx, tx.ex(), doc, version)
	if err != nil {
		return err
	}
	if current.BaseSHA256 != baseSHA256 {
		return fmt.Errorf("%w: doc %s version %d", ErrHashConflict, doc, version)
	}

	if _, err := tx.ex().ExecContext(ctx, `DELETE FROM transcript_confirmations WHERE file_path = ? AND version = ?`, doc, version); err != nil {
		return fmt.Errorf("%w: confirmations replace: delete: %v", ErrDB, err)
	}
	sorted := append([]model.Confirmation(nil), confirmations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartOffset < sorted[j].StartOffset })
	for _, c := range sorted {
		_, err := tx.ex().ExecContext(ctx, `INSERT INTO transcript_confirmations
			(file_path, version, base_sha256, start_offset, end_offset, prefix, exact, suffix, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			doc, version, c.BaseSHA256, c.StartOffset, c.EndOffset, c.Prefix, c.Exact, c.Suffix, now())
		if err != nil {
			return fmt.Errorf("%w: confirmations replace: insert: %v", ErrDB, err)
		}
	}
	return tx.Commit(ctx)
}

// AppendTokenOps reads the existing token_ops of one edit-delta row,
// appends op to it, and writes the result back under an immediate
// transaction — the read-modify-write shape used by align_segment.
func (s *Store) AppendTokenOps(ctx context.Context, doc string, parent, child int, op json.RawMessage) error {
	tx, err := s.BeginImmediate(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	row := tx.ex().QueryRowContext(ctx, `SELECT token_ops FROM transcript_edits WHERE file_path = ? AND parent_version = ? AND child_version = ?`,
		doc, parent, child)
	var existing sql.NullString
	if err := row.Scan(&existing); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("%w: append token ops: read: %v", ErrDB, err)
	}

	var ops []json.RawMessage
	if existing.Valid && existing.String != "" {
		if err := json.Unmarshal([]byte(existing.String), &ops); err != nil {
			return fmt.Errorf("%w: append token ops: decode: %v", ErrDB, err)
		}
	}
	ops = append(ops, op)
	encoded, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("%w: append token ops: encode: %v", ErrDB, err)
	}

	_, err = tx.ex().ExecContext(ctx, `UPDATE transcript_edits SET token_ops = ? WHERE file_path = ? AND parent_version = ? AND child_version = ?`,
		string(encoded), doc, parent, child)
	if err != nil {
		return fmt.Errorf("%w: append token ops: write: %v", ErrDB, err)
	}
	return tx.Commit(ctx)
}
