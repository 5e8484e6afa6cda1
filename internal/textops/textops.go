// Package textops implements canonicalization, tokenization, diffing,
// and structural-equivalence checks over a transcript's token stream,
// grounded on the canonicalize/diff/tokenize helpers of
// explore/app/transcripts/text_ops.py, generalized to the stricter
// canonicalization spelled out by this service's contract (NBSP and
// bidi-mark stripping, trailing-whitespace trimming per line — the
// original only folded CRLF/CR).
package textops

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/wavetext/transcripts/internal/model"
	"github.com/wavetext/transcripts/internal/timingcarry"
)

const (
	nbsp = ' '
)

var bidiMarks = []rune{
	'‎', '‏',
	'‪', '‫', '‬', '‭', '‮',
	'⁦', '⁧', '⁨', '⁩',
}

func isBidiMark(r rune) bool {
	for _, b := range bidiMarks {
		if r == b {
			return true
		}
	}
	return false
}

// Canonicalize normalizes line endings, NBSP, bidi marks, and trailing
// horizontal whitespace per line. This is the form persisted as
// Version.Text and hashed into base_sha256.
func Canonicalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == nbsp {
			b.WriteRune(' ')
			continue
		}
		if isBidiMark(r) {
			continue
		}
		b.WriteRune(r)
	}
	stripped := b.String()

	lines := strings.Split(stripped, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

// RelaxedEqual reports whether a and b are equal once CR is stripped,
// NBSP is replaced with space, bidi marks are removed, and whitespace
// runs are collapsed to a single space and trimmed.
func RelaxedEqual(a, b string) bool {
	return canonRelaxed(a) == canonRelaxed(b)
}

func canonRelaxed(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == nbsp {
			b.WriteRune(' ')
			continue
		}
		if isBidiMark(r) {
			continue
		}
		b.WriteRune(r)
	}
	collapsed := strings.Join(strings.Fields(b.String()), " ")
	return strings.TrimSpace(collapsed)
}

// ComposeFullTextFromWords concatenates every token's word verbatim,
// including whitespace tokens and "\n" segment markers.
func ComposeFullTextFromWords(words []model.Token) string {
	var b strings.Builder
	for _, t := range words {
		b.WriteString(t.Word)
	}
	return b.String()
}

// TokenizeTextToWords splits text into alternating runs of non-whitespace
// and whitespace per line, emitting a "\n" token between lines and
// preserving a trailing "\n" token iff the input ends with one. No
// timings or probabilities are attached.
func TokenizeTextToWords(text string) []model.Token {
	if text == "" {
		return nil
	}
	trailingNewline := strings.HasSuffix(text, "\n")
	lines := strings.Split(text, "\n")
	if trailingNewline {
		lines = lines[:len(lines)-1]
	}

	var out []model.Token
	for i, line := range lines {
		out = append(out, tokenizeLine(line)...)
		if i < len(lines)-1 || trailingNewline {
			out = append(out, model.Token{Word: "\n"})
		}
	}
	return out
}

func tokenizeLine(line string) []model.Token {
	var out []model.Token
	if line == "" {
		return out
	}
	runes := []rune(line)
	n := len(runes)
	i := 0
	isSpace := func(r rune) bool { return r == ' ' || r == '\t' }
	for i < n {
		start := i
		space := isSpace(runes[i])
		for i < n && isSpace(runes[i]) == space {
			i++
		}
		out = append(out, model.Token{Word: string(runes[start:i])})
	}
	return out
}

// DiffText returns a deterministic, zero-context unified diff of a vs b,
// line-based with line endings preserved (keepends semantics).
func DiffText(a, b string) string {
	out, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        splitLinesKeepEnds(a),
		B:        splitLinesKeepEnds(b),
		FromFile: "parent",
		ToFile:   "child",
		Context:  0,
	})
	if err != nil {
		return ""
	}
	return out
}

// splitLinesKeepEnds mirrors Python's str.splitlines(keepends=True) for
// the LF-normalized text this service always diffs (Canonicalize has
// already folded CR/CRLF to LF by the time anything reaches DiffText).
func splitLinesKeepEnds(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i, r := range s {
		if r == '\n' {
			out = append(out, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// EnsureWordsMatchText implements the three-step reconciliation: trust
// client timings if present, accept the words as-is if they already
// compose (under relaxed equivalence) to text, or retokenize from text
// and carry over timings from the original words.
func EnsureWordsMatchText(text string, words []model.Token) []model.Token {
	if anyTimingOrProbability(words) {
		return words
	}
	if RelaxedEqual(ComposeFullTextFromWords(words), text) {
		return words
	}
	retokenized := TokenizeTextToWords(text)
	enriched, _ := timingcarry.CarryOverFromTokens(words, retokenized)
	return enriched
}

func anyTimingOrProbability(words []model.Token) bool {
	for _, t := range words {
		if t.Start != nil || t.End != nil || t.Probability != nil {
			return true
		}
	}
	return false
}

// DetectChangedSegments compares prev and new token streams segment by
// segment (a segment is the run of non-newline tokens between "\n"
// markers) and returns the set of segment indices that differ. Segments
// present in new but absent from prev are always reported as changed.
func DetectChangedSegments(prev, next []model.Token) map[int]struct{} {
	prevSegs := segmentTexts(prev)
	nextSegs := segmentTexts(next)
	changed := make(map[int]struct{})
	for i, seg := range nextSegs {
		if i >= len(prevSegs) || prevSegs[i] != seg {
			changed[i] = struct{}{}
		}
	}
	return changed
}

func segmentTexts(words []model.Token) []string {
	var segs []string
	var cur []string
	flush := func() {
		segs = append(segs, strings.TrimSpace(strings.Join(strings.Fields(strings.Join(cur, " ")), " ")))
		cur = cur[:0]
	}
	for _, t := range words {
		if t.IsNewline() {
			flush()
			continue
		}
		cur = append(cur, canonRelaxed(t.Word))
	}
	flush()
	return segs
}

// ValidateAndSanitizeWords enforces the save-time shape of the words
// list: a string word, nullable non-negative floats for start/end/
// probability, with end forced to null whenever end < start.
func ValidateAndSanitizeWords(words []model.Token) []model.Token {
	out := make([]model.Token, 0, len(words))
	for _, t := range words {
		san := model.Token{Word: t.Word}
		san.Start = nonNegativeOrNil(t.Start)
		san.End = nonNegativeOrNil(t.End)
		san.Probability = nonNegativeOrNil(t.Probability)
		if san.Start != nil && san.End != nil && *san.End < *san.Start {
			san.End = nil
		}
		out = append(out, san)
	}
	return out
}

func nonNegativeOrNil(v *float64) *float64 {
	if v == nil {
		return nil
	}
	if *v < 0 {
		return nil
	}
	f := *v
	return &f
}
