package textops

import (
	"testing"

	"github.com/wavetext/transcripts/internal/model"
)

func TestCanonicalizeFoldsLineEndingsAndTrailingWhitespace(t *testing.T) {
	in := "hello \t\r\nworld there\r\n"
	got := Canonicalize(in)
	want := "hello\nworld there\n"
	if got != want {
		t.Fatalf("Canonicalize(%q) = %q, want %q", in, got, want)
	}
}

func TestCanonicalizeStripsBidiMarks(t *testing.T) {
	in := "a‎b‪c"
	got := Canonicalize(in)
	if got != "abc" {
		t.Fatalf("Canonicalize(%q) = %q, want abc", in, got)
	}
}

func TestRelaxedEqualCollapsesWhitespace(t *testing.T) {
	if !RelaxedEqual("hello   world", "hello world") {
		t.Fatal("expected relaxed equality across collapsed whitespace")
	}
	if RelaxedEqual("hello", "world") {
		t.Fatal("expected inequality for different content")
	}
}

func TestTokenizeTextToWordsRoundTripsThroughCompose(t *testing.T) {
	text := "hello world\nsecond line\n"
	words := TokenizeTextToWords(text)
	if got := ComposeFullTextFromWords(words); got != text {
		t.Fatalf("compose(tokenize(%q)) = %q, want %q", text, got, text)
	}
}

func TestTokenizeTextToWordsNoTrailingNewline(t *testing.T) {
	words := TokenizeTextToWords("a b")
	for _, w := range words {
		if w.IsNewline() {
			t.Fatalf("unexpected newline token in %v", words)
		}
	}
}

func TestDiffTextZeroContext(t *testing.T) {
	diff := DiffText("a\nb\nc\n", "a\nx\nc\n")
	if diff == "" {
		t.Fatal("expected non-empty diff for changed content")
	}
	if DiffText("same\n", "same\n") != "" {
		t.Fatal("expected empty diff for identical text")
	}
}

func TestEnsureWordsMatchTextTrustsExistingTimings(t *testing.T) {
	words := []model.Token{{Word: "hello", Start: model.F(0)}, {Word: " "}, {Word: "world"}}
	got := EnsureWordsMatchText("hello world", words)
	if len(got) != len(words) || got[0].Start == nil {
		t.Fatalf("expected timed words to pass through unchanged, got %v", got)
	}
}

func TestEnsureWordsMatchTextRetokenizesOnMismatch(t *testing.T) {
	words := []model.Token{{Word: "goodbye"}}
	got := EnsureWordsMatchText("hello world", words)
	if ComposeFullTextFromWords(got) != "hello world" {
		t.Fatalf("expected retokenization to match text, got %q", ComposeFullTextFromWords(got))
	}
}

func TestDetectChangedSegments(t *testing.T) {
	prev := []model.Token{{Word: "a"}, {Word: "\n"}, {Word: "b"}}
	next := []model.Token{{Word: "a"}, {Word: "\n"}, {Word: "c"}}
	changed := DetectChangedSegments(prev, next)
	if _, ok := changed[0]; ok {
		t.Fatal("segment 0 should be unchanged")
	}
	if _, ok := changed[1]; !ok {
		t.Fatal("segment 1 should be reported changed")
	}
}

func TestValidateAndSanitizeWordsClearsInvalidEnd(t *testing.T) {
	in := []model.Token{{Word: "x", Start: model.F(2), End: model.F(1)}, {Word: "y", Start: model.F(-1)}}
	out := ValidateAndSanitizeWords(in)
	if out[0].End != nil {
		t.Fatal("expected end < start to be cleared")
	}
	if out[1].Start != nil {
		t.Fatal("expected negative start to be cleared")
	}
}
