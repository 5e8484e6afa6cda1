// Package timingcarry copies start/end/probability metadata from a prior
// token sequence onto a new one wherever the underlying word is
// unchanged, grounded on the matching/validation algorithm of
// explore/app/transcripts/timing.py's _assign_from_prev and
// validate_timing_data.
//
// The source carries an extra position-proximity fallback tier in
// _match (used when no exact/stripped match exists anywhere in the
// remaining sequence) that this package intentionally omits: the
// contract's matching policy stops at the full-remaining-sequence scan.
package timingcarry

import (
	"fmt"

	"github.com/wavetext/transcripts/internal/model"
)

// Kind classifies a prior token for matching purposes.
type Kind int

const (
	KindWord Kind = iota
	KindSpace
	KindNewline
)

// PrevToken is one token of the prior sequence available for matching.
type PrevToken struct {
	Word        string
	Start       *float64
	End         *float64
	Probability *float64
	Kind        Kind
	Key         string // stripped word, for Kind == KindWord
	used        bool
}

// ClassifyPrevTokens builds a matchable prior sequence from any token
// list: a version's per-word rows, its stored JSON words, or a baseline
// transcript loaded from the external transcript-discovery collaborator.
func ClassifyPrevTokens(tokens []model.Token) []*PrevToken {
	out := make([]*PrevToken, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, classify(t))
	}
	return out
}

func classify(t model.Token) *PrevToken {
	pt := &PrevToken{Word: t.Word, Start: t.Start, End: t.End, Probability: t.Probability}
	if t.IsNewline() {
		pt.Kind = KindNewline
		return pt
	}
	stripped := trimSpaceASCII(t.Word)
	if stripped == "" {
		pt.Kind = KindSpace
		return pt
	}
	pt.Kind = KindWord
	pt.Key = stripped
	return pt
}

func trimSpaceASCII(s string) string {
	i, j := 0, len(s)
	for i < j && isASCIISpace(s[i]) {
		i++
	}
	for j > i && isASCIISpace(s[j-1]) {
		j--
	}
	return s[i:j]
}

func isASCIISpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f'
}

const lookahead = 128

// AssignFromPrev copies timing/probability from prev onto words wherever
// a new token lacks the field and a prior token matches. Space tokens are
// interpolated from the last valid end time (running value, never a
// guess about content); newline tokens pass through untouched; unmatched
// words keep only the fields they already carried — never fabricated.
func AssignFromPrev(prev []*PrevToken, words []model.Token) ([]model.Token, int) {
	out := make([]model.Token, len(words))
	assigned := 0
	cursor := 0
	lastValidEnd := 0.0

	match := func(key string) *PrevToken {
		end := cursor + lookahead
		if end > len(prev) {
			end = len(prev)
		}
		for i := cursor; i < end; i++ {
			c := prev[i]
			if c.Kind == KindWord && !c.used && c.Key == key {
				c.used = true
				cursor = i + 1
				return c
			}
		}
		for i := 0; i < len(prev); i++ {
			c := prev[i]
			if c.Kind == KindWord && !c.used && c.Key == key {
				c.used = true
				cursor = i + 1
				return c
			}
		}
		return nil
	}

	for i, t := range words {
		enriched := t
		if t.IsNewline() {
			out[i] = enriched
			continue
		}
		key := trimSpaceASCII(t.Word)
		if key == "" {
			lv := lastValidEnd
			enriched.Start = model.F(lv)
			enriched.End = model.F(lv)
			enriched.Probability = nil
			out[i] = enriched
			continue
		}
		m := match(key)
		if m != nil {
			if enriched.Start == nil && m.Start != nil {
				enriched.Start = m.Start
				assigned++
			}
			if enriched.End == nil && m.End != nil {
				enriched.End = m.End
			}
			if enriched.Probability == nil && m.Probability != nil {
				enriched.Probability = m.Probability
			}
			if enriched.End != nil {
				lastValidEnd = *enriched.End
			}
		}
		out[i] = enriched
	}
	return out, assigned
}

// InvalidTimingError reports the offending token from Validate.
type InvalidTimingError struct {
	Index int
	Word  string
	Msg   string
}

func (e *InvalidTimingError) Error() string {
	return fmt.Sprintf("invalid timing at word_index %d (%q): %s", e.Index, e.Word, e.Msg)
}

// Validate rejects a token list when any non-whitespace token has
// end < start, or a start strictly earlier than the most recent
// non-whitespace, non-newline token's end. Space/newline tokens are
// never checked, and are skipped when looking back for "the most recent"
// token.
func Validate(words []model.Token) error {
	var prevEnd *float64
	var prevWord string
	for i, t := range words {
		if t.IsNewline() || t.IsWhitespaceOnly() {
			continue
		}
		if t.Start != nil && t.End != nil {
			if *t.End < *t.Start {
				return &InvalidTimingError{Index: i, Word: t.Word, Msg: fmt.Sprintf("end (%v) < start (%v)", *t.End, *t.Start)}
			}
			if prevEnd != nil && *t.Start < *prevEnd {
				return &InvalidTimingError{Index: i, Word: t.Word, Msg: fmt.Sprintf("start (%v) < previous end (%v) of %q", *t.Start, *prevEnd, prevWord)}
			}
		}
		if t.End != nil {
			prevEnd = t.End
			prevWord = t.Word
		}
	}
	return nil
}

// BaselineLoader loads a fallback token sequence for doc from the
// external transcript-discovery collaborator when neither per-word rows
// nor JSON words exist for any prior version. Out of scope for this
// service's core (see the specification's explicitly-external
// collaborators); callers that have no such collaborator pass nil.
type BaselineLoader func(doc string) ([]model.Token, error)

// CarryOver is the orchestration entry point used by the save pipeline:
// it picks the first available prior sequence (per-word rows, then
// stored JSON words, then the baseline loader) and assigns from it, then
// validates the result.
func CarryOver(prevRows, prevJSONWords []model.Token, loader BaselineLoader, doc string, words []model.Token) ([]model.Token, int, error) {
	var prev []model.Token
	switch {
	case len(prevRows) > 0:
		prev = prevRows
	case len(prevJSONWords) > 0:
		prev = prevJSONWords
	case loader != nil:
		loaded, err := loader(doc)
		if err == nil {
			prev = loaded
		}
	}
	if len(prev) == 0 {
		return words, 0, nil
	}
	enriched, assigned := AssignFromPrev(ClassifyPrevTokens(prev), words)
	if err := Validate(enriched); err != nil {
		return words, assigned, err
	}
	return enriched, assigned, nil
}

// CarryOverFromTokens is the simpler form used by textops when
// retokenizing client text: the "prior sequence" is just the client's
// original words list, with no DB/baseline fallback.
func CarryOverFromTokens(prevWords, newWords []model.Token) ([]model.Token, int) {
	if len(prevWords) == 0 {
		return newWords, 0
	}
	return AssignFromPrev(ClassifyPrevTokens(prevWords), newWords)
}
