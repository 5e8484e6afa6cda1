package save

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/wavetext/transcripts/internal/config"
	"github.com/wavetext/transcripts/internal/model"
	"github.com/wavetext/transcripts/internal/store"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, nil, config.Default(), nil)
}

func TestSaveFirstVersionRejectsExplicitParent(t *testing.T) {
	c := newTestCoordinator(t)
	parent := 1
	_, err := c.Save(context.Background(), Request{Doc: "doc1", ParentVersion: &parent, Text: "hello"})
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Reason != "invalid_parent_for_first" {
		t.Fatalf("expected invalid_parent_for_first conflict, got %v", err)
	}
}

func TestSaveFirstVersionSucceedsWithNoParent(t *testing.T) {
	c := newTestCoordinator(t)
	res, err := c.Save(context.Background(), Request{Doc: "doc1", Text: "hello world"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if res.Version.Version != 1 {
		t.Fatalf("expected version 1, got %d", res.Version.Version)
	}
}

func TestSaveSecondVersionRequiresParent(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	if _, err := c.Save(ctx, Request{Doc: "doc1", Text: "hello"}); err != nil {
		t.Fatalf("first save: %v", err)
	}
	_, err := c.Save(ctx, Request{Doc: "doc1", Text: "hello again"})
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Reason != "missing_parent" {
		t.Fatalf("expected missing_parent conflict, got %v", err)
	}
}

func TestSaveSecondVersionRejectsStaleVersion(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	first, err := c.Save(ctx, Request{Doc: "doc1", Text: "hello"})
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	stale := first.Version.Version + 5
	_, err = c.Save(ctx, Request{Doc: "doc1", ParentVersion: &stale, BaseSHA256: first.Version.BaseSHA256, Text: "hello again"})
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Reason != "version_conflict" {
		t.Fatalf("expected version_conflict, got %v", err)
	}
}

func TestSaveSecondVersionRequiresHash(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	first, err := c.Save(ctx, Request{Doc: "doc1", Text: "hello"})
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	parent := first.Version.Version
	_, err = c.Save(ctx, Request{Doc: "doc1", ParentVersion: &parent, Text: "hello again"})
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Reason != "hash_missing" {
		t.Fatalf("expected hash_missing, got %v", err)
	}
}

func TestSaveSecondVersionRejectsWrongHash(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	first, err := c.Save(ctx, Request{Doc: "doc1", Text: "hello"})
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	parent := first.Version.Version
	_, err = c.Save(ctx, Request{Doc: "doc1", ParentVersion: &parent, BaseSHA256: "wrong", Text: "hello again"})
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Reason != "hash_conflict" {
		t.Fatalf("expected hash_conflict, got %v", err)
	}
}

func TestSaveSecondVersionSucceedsWithCorrectParentAndHash(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	first, err := c.Save(ctx, Request{Doc: "doc1", Text: "hello world"})
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	parent := first.Version.Version
	res, err := c.Save(ctx, Request{
		Doc: "doc1", ParentVersion: &parent, BaseSHA256: first.Version.BaseSHA256,
		Text: "hello there world",
	})
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if res.Version.Version != parent+1 {
		t.Fatalf("expected version %d, got %d", parent+1, res.Version.Version)
	}
	if len(res.ChangedSegments) == 0 {
		t.Fatal("expected changed segments to be detected for edited text")
	}
}

func TestSaveRejectsInvalidTiming(t *testing.T) {
	c := newTestCoordinator(t)
	words := []model.Token{
		{Word: "a", Start: model.F(0), End: model.F(1)},
		{Word: " "},
		{Word: "b", Start: model.F(0.5), End: model.F(2)},
	}
	_, err := c.Save(context.Background(), Request{Doc: "doc1", Text: "a b", Words: words})
	if !ErrInvalidTiming(err) {
		t.Fatalf("expected invalid timing error, got %v", err)
	}
}

func TestSaveRejectsUnsafeDoc(t *testing.T) {
	c := newTestCoordinator(t)
	cases := []string{"", "../evil", "a/../b", "/etc/passwd", "a\\..\\b", "C:\\evil"}
	for _, doc := range cases {
		_, err := c.Save(context.Background(), Request{Doc: doc, Text: "hello"})
		if !ErrInvalidDoc(err) {
			t.Fatalf("doc %q: expected invalid doc error, got %v", doc, err)
		}
	}
}

func TestSaveConflictPayloadIncludesParentAndDiffs(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	first, err := c.Save(ctx, Request{Doc: "doc1", Text: "hello world"})
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	parent := first.Version.Version

	_, err = c.Save(ctx, Request{Doc: "doc1", ParentVersion: &parent, BaseSHA256: "wrong", Text: "hello there world"})
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Reason != "hash_conflict" {
		t.Fatalf("expected hash_conflict, got %v", err)
	}
	if ce.Latest == nil || ce.Latest.Version != parent {
		t.Fatalf("expected latest to be populated with version %d, got %v", parent, ce.Latest)
	}
	if ce.Parent == nil || ce.Parent.Version != parent {
		t.Fatalf("expected parent to be populated with version %d, got %v", parent, ce.Parent)
	}
	if ce.DiffParentToClient == "" {
		t.Fatal("expected diff_parent_to_client to be populated")
	}
}

func TestSaveOriginReplayEditDelta(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	v1, err := c.Save(ctx, Request{Doc: "doc1", Text: "hello world"})
	if err != nil {
		t.Fatalf("save v1: %v", err)
	}
	p1 := v1.Version.Version
	v2, err := c.Save(ctx, Request{Doc: "doc1", ParentVersion: &p1, BaseSHA256: v1.Version.BaseSHA256, Text: "hello there world"})
	if err != nil {
		t.Fatalf("save v2: %v", err)
	}
	p2 := v2.Version.Version
	v3, err := c.Save(ctx, Request{Doc: "doc1", ParentVersion: &p2, BaseSHA256: v2.Version.BaseSHA256, Text: "hello there big world"})
	if err != nil {
		t.Fatalf("save v3: %v", err)
	}

	edits, err := c.Store.ListEdits(ctx, "doc1")
	if err != nil {
		t.Fatalf("ListEdits: %v", err)
	}

	var sawParentEdge, sawOriginEdge bool
	for _, e := range edits {
		if e.ChildVersion == v3.Version.Version {
			if e.ParentVersion == p2 {
				sawParentEdge = true
			}
			if e.ParentVersion == 1 {
				sawOriginEdge = true
			}
		}
	}
	if !sawParentEdge {
		t.Fatal("expected a (parent, v3) edit delta row")
	}
	if !sawOriginEdge {
		t.Fatal("expected an origin-replay (1, v3) edit delta row")
	}

	for i := 1; i < len(edits); i++ {
		if edits[i].ChildVersion < edits[i-1].ChildVersion {
			t.Fatalf("expected edits ordered by child_version ascending, got %+v", edits)
		}
	}
}

func TestClampNeighborsDefaultsAndClamps(t *testing.T) {
	c := newTestCoordinator(t)
	c.Config.NeighborDefault = 1
	c.Config.NeighborMax = 3

	if got := c.clampNeighbors(nil); got != 1 {
		t.Fatalf("expected default 1, got %d", got)
	}
	neg := -5
	if got := c.clampNeighbors(&neg); got != 0 {
		t.Fatalf("expected negative clamped to 0, got %d", got)
	}
	big := 99
	if got := c.clampNeighbors(&big); got != 3 {
		t.Fatalf("expected large value clamped to 3, got %d", got)
	}
	three := 2
	if got := c.clampNeighbors(&three); got != 2 {
		t.Fatalf("expected in-range value unchanged, got %d", got)
	}
}

func TestSaveWithSegmentHintSkipsAlignmentWithoutAudioPath(t *testing.T) {
	c := newTestCoordinator(t)
	c.Config.AlignPrealignOnSave = true
	ctx := context.Background()

	first, err := c.Save(ctx, Request{Doc: "doc1", Text: "hello world"})
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	parent := first.Version.Version
	hint := 0
	neighbors := 2
	res, err := c.Save(ctx, Request{
		Doc: "doc1", ParentVersion: &parent, BaseSHA256: first.Version.BaseSHA256,
		Text: "hello world", SegmentHint: &hint, Neighbors: &neighbors,
	})
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if res.Aligned {
		t.Fatal("expected no alignment without an audio path")
	}
}
