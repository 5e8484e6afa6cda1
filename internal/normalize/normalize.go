// Package normalize enforces monotone, non-zero-duration timings on
// per-word rows and on the token stream returned to readers, grounded on
// explore/app/transcripts/db_ops.py's normalize_end_times (write path)
// and normalize_db_words_rows/normalize_words_json_all/slice_words_json
// (read path).
package normalize

import (
	"github.com/wavetext/transcripts/internal/model"
)

const DefaultMinDuration = 0.20

// ForPersist normalizes per-word rows of a single (doc, version) grouped
// by segment_index (rows must already be ordered by segment_index then
// word_index ascending) and returns only the rows whose start or end
// changed, for the caller to persist with a targeted UPDATE.
func ForPersist(rows []model.WordRow, minDur float64) []model.WordRow {
	var changed []model.WordRow
	var prevEnd *float64
	i := 0
	for i < len(rows) {
		j := i
		for j < len(rows) && rows[j].SegmentIndex == rows[i].SegmentIndex {
			j++
		}
		seg := rows[i:j]
		prevEnd = nil
		for k := range seg {
			orig := seg[k]
			start, end := normalizeOne(seg, k, prevEnd, minDur)
			newEnd := end
			prevEnd = &newEnd
			if valuesChanged(orig, start, end) {
				updated := orig
				updated.Start = model.F(start)
				updated.End = model.F(end)
				changed = append(changed, updated)
			}
		}
		i = j
	}
	return changed
}

func valuesChanged(orig model.WordRow, start, end float64) bool {
	if orig.Start == nil || orig.End == nil {
		return true
	}
	return *orig.Start != start || *orig.End != end
}

// normalizeOne computes the normalized (start, end) for seg[k], given the
// running previous-end within the same segment. next-start lookahead is
// bounded to the remainder of seg (the same segment_index run).
func normalizeOne(seg []model.WordRow, k int, prevEnd *float64, minDur float64) (float64, float64) {
	row := seg[k]
	var start float64
	switch {
	case row.Start != nil:
		start = *row.Start
	case prevEnd != nil:
		start = *prevEnd
	default:
		start = 0
	}
	if prevEnd != nil && start < *prevEnd {
		start = *prevEnd
	}

	var nextStart *float64
	for f := k + 1; f < len(seg); f++ {
		if seg[f].Start != nil && *seg[f].Start > start {
			ns := *seg[f].Start
			nextStart = &ns
			break
		}
	}

	var end float64
	if row.End != nil && *row.End > start {
		end = *row.End
	} else if nextStart != nil {
		end = *nextStart
	} else {
		end = start + minDur
	}
	return start, end
}

// ForRead normalizes a full token stream for a response, applying the
// same start/end rules in memory and re-stamping every "\n" marker with
// the running previous-end so segment structure survives in the reply.
// Works equally for a stored Version's JSON words (which already contain
// "\n" markers) and for a per-word-row-derived stream built by
// RowsToTokens (which inserts unstamped "\n" markers at segment
// boundaries).
func ForRead(tokens []model.Token, minDur float64) []model.Token {
	out := make([]model.Token, 0, len(tokens))
	var prevEnd float64
	i := 0
	for i < len(tokens) {
		if tokens[i].IsNewline() {
			out = append(out, model.Token{Word: "\n", Start: model.F(prevEnd), End: model.F(prevEnd)})
			i++
			continue
		}
		j := i
		for j < len(tokens) && !tokens[j].IsNewline() {
			j++
		}
		seg := tokens[i:j]
		var segPrevEnd *float64
		for k := range seg {
			start, end := normalizeToken(seg, k, segPrevEnd, minDur)
			seg[k].Start = model.F(start)
			seg[k].End = model.F(end)
			ne := end
			segPrevEnd = &ne
			prevEnd = end
			out = append(out, seg[k])
		}
		i = j
	}
	return out
}

func normalizeToken(seg []model.Token, k int, prevEnd *float64, minDur float64) (float64, float64) {
	t := seg[k]
	var start float64
	switch {
	case t.Start != nil:
		start = *t.Start
	case prevEnd != nil:
		start = *prevEnd
	default:
		start = 0
	}
	if prevEnd != nil && start < *prevEnd {
		start = *prevEnd
	}

	var nextStart *float64
	for f := k + 1; f < len(seg); f++ {
		if seg[f].Start != nil && *seg[f].Start > start {
			ns := *seg[f].Start
			nextStart = &ns
			break
		}
	}

	var end float64
	if t.End != nil && *t.End > start {
		end = *t.End
	} else if nextStart != nil {
		end = *nextStart
	} else {
		end = start + minDur
	}
	return start, end
}

// RowsToTokens converts ordered per-word rows into a Token stream,
// inserting an unstamped "\n" marker wherever segment_index advances, for
// ForRead to normalize and stamp in one pass.
func RowsToTokens(rows []model.WordRow) []model.Token {
	out := make([]model.Token, 0, len(rows))
	for i, r := range rows {
		if i > 0 && r.SegmentIndex != rows[i-1].SegmentIndex {
			for s := rows[i-1].SegmentIndex; s < r.SegmentIndex; s++ {
				out = append(out, model.Token{Word: "\n"})
			}
		}
		out = append(out, model.Token{Word: r.Word, Start: r.Start, End: r.End, Probability: r.Probability})
	}
	return out
}
