package timingcarry

import (
	"testing"

	"github.com/wavetext/transcripts/internal/model"
)

func TestAssignFromPrevCopiesMatchingWordTimings(t *testing.T) {
	prev := ClassifyPrevTokens([]model.Token{
		{Word: "hello", Start: model.F(0), End: model.F(0.5)},
		{Word: " "},
		{Word: "world", Start: model.F(0.6), End: model.F(1.0)},
	})
	words := []model.Token{{Word: "hello"}, {Word: " "}, {Word: "world"}}

	out, assigned := AssignFromPrev(prev, words)
	if assigned != 2 {
		t.Fatalf("expected 2 assigned starts, got %d", assigned)
	}
	if out[0].Start == nil || *out[0].Start != 0 {
		t.Fatalf("expected hello start carried over, got %v", out[0].Start)
	}
	if out[2].End == nil || *out[2].End != 1.0 {
		t.Fatalf("expected world end carried over, got %v", out[2].End)
	}
}

func TestAssignFromPrevLeavesUnmatchedWordsNil(t *testing.T) {
	prev := ClassifyPrevTokens([]model.Token{{Word: "hello", Start: model.F(0), End: model.F(0.5)}})
	words := []model.Token{{Word: "goodbye"}}
	out, assigned := AssignFromPrev(prev, words)
	if assigned != 0 {
		t.Fatalf("expected no assignment for unmatched word, got %d", assigned)
	}
	if out[0].Start != nil || out[0].End != nil {
		t.Fatal("expected unmatched word to keep nil timings, never fabricated")
	}
}

func TestAssignFromPrevDoesNotReuseMatchedToken(t *testing.T) {
	prev := ClassifyPrevTokens([]model.Token{
		{Word: "the", Start: model.F(0), End: model.F(0.2)},
		{Word: " "},
		{Word: "the", Start: model.F(1.0), End: model.F(1.2)},
	})
	words := []model.Token{{Word: "the"}, {Word: " "}, {Word: "the"}}
	out, _ := AssignFromPrev(prev, words)
	if *out[0].Start != 0 {
		t.Fatalf("expected first 'the' to match first occurrence, got %v", *out[0].Start)
	}
	if *out[2].Start != 1.0 {
		t.Fatalf("expected second 'the' to match second occurrence, got %v", *out[2].Start)
	}
}

func TestValidateRejectsEndBeforeStart(t *testing.T) {
	words := []model.Token{{Word: "x", Start: model.F(1), End: model.F(0.5)}}
	if err := Validate(words); err == nil {
		t.Fatal("expected error for end < start")
	}
}

func TestValidateRejectsNonMonotonicStart(t *testing.T) {
	words := []model.Token{
		{Word: "a", Start: model.F(1), End: model.F(2)},
		{Word: "b", Start: model.F(0.5), End: model.F(3)},
	}
	if err := Validate(words); err == nil {
		t.Fatal("expected error for start before previous token's end")
	}
}

func TestValidateSkipsWhitespaceAndNewlineTokens(t *testing.T) {
	words := []model.Token{
		{Word: "a", Start: model.F(1), End: model.F(2)},
		{Word: " "},
		{Word: "\n"},
		{Word: "b", Start: model.F(2), End: model.F(3)},
	}
	if err := Validate(words); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestCarryOverPrefersRowsOverJSON(t *testing.T) {
	rows := []model.Token{{Word: "x", Start: model.F(5), End: model.F(6)}}
	jsonWords := []model.Token{{Word: "x", Start: model.F(100), End: model.F(101)}}
	words := []model.Token{{Word: "x"}}

	out, assigned, err := CarryOver(rows, jsonWords, nil, "doc1", words)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if assigned != 1 || *out[0].Start != 5 {
		t.Fatalf("expected rows to take priority over JSON words, got %v", out[0].Start)
	}
}
