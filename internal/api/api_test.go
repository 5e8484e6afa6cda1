package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/wavetext/transcripts/internal/config"
	"github.com/wavetext/transcripts/internal/save"
	"github.com/wavetext/transcripts/internal/store"
)

func newTestAPI(t *testing.T) *API {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	cfg := config.Default()
	coordinator := save.New(s, nil, cfg, nil)
	return New(s, coordinator, cfg, nil)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRouterMountsUnderTranscriptsPrefix(t *testing.T) {
	a := newTestAPI(t)
	r := a.Router()

	rec := doJSON(t, r, http.MethodGet, "/transcripts/latest?doc=missing-doc", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown doc under /transcripts/latest, got %d: %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/transcripts/save", bytes.NewReader([]byte(`{"doc":"doc1","text":"hello world"}`)))
	req.Header.Set("Content-Type", "application/json")
	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected /transcripts/save to succeed, got %d: %s", rec2.Code, rec2.Body.String())
	}

	rec3 := doJSON(t, r, http.MethodGet, "/transcripts/latest?doc=doc1", nil)
	if rec3.Code != http.StatusOK {
		t.Fatalf("expected /transcripts/latest to find the saved doc, got %d: %s", rec3.Code, rec3.Body.String())
	}
}

func TestRouterRejectsBarePathsWithoutPrefix(t *testing.T) {
	a := newTestAPI(t)
	r := a.Router()

	rec := doJSON(t, r, http.MethodGet, "/latest?doc=doc1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected bare /latest (no /transcripts prefix) to 404, got %d", rec.Code)
	}
}

func TestHandleSaveConflictBodyShape(t *testing.T) {
	a := newTestAPI(t)
	r := a.Router()

	rec := doJSON(t, r, http.MethodPost, "/transcripts/save", map[string]any{
		"doc": "doc1", "text": "hello world",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("first save: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var saved map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &saved); err != nil {
		t.Fatalf("unmarshal first save response: %v", err)
	}

	rec2 := doJSON(t, r, http.MethodPost, "/transcripts/save", map[string]any{
		"doc": "doc1", "parentVersion": 1, "expected_base_sha256": "wrong-hash", "text": "hello there world",
	})
	if rec2.Code != http.StatusConflict {
		t.Fatalf("expected 409 conflict, got %d: %s", rec2.Code, rec2.Body.String())
	}

	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec2.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal conflict response: %v", err)
	}
	if env.Error.Details == nil {
		t.Fatal("expected conflict response to include details")
	}
	if env.Error.Details["reason"] != "hash_conflict" {
		t.Fatalf("expected reason hash_conflict, got %v", env.Error.Details["reason"])
	}
	if _, ok := env.Error.Details["latest"]; !ok {
		t.Fatal("expected details.latest to be present")
	}
	if _, ok := env.Error.Details["parent"]; !ok {
		t.Fatal("expected details.parent to be present")
	}
	if _, ok := env.Error.Details["diff_parent_to_client"]; !ok {
		t.Fatal("expected details.diff_parent_to_client to be present")
	}
}

func TestHandleSaveJSONFieldNames(t *testing.T) {
	a := newTestAPI(t)
	r := a.Router()

	rec := doJSON(t, r, http.MethodPost, "/transcripts/save", map[string]any{
		"doc": "doc1", "text": "hello world",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("first save: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// parent_version/base_sha256 (old names) must NOT satisfy the gate;
	// the handler must read parentVersion/expected_base_sha256.
	rec2 := doJSON(t, r, http.MethodPost, "/transcripts/save", map[string]any{
		"doc": "doc1", "parent_version": 1, "base_sha256": "whatever", "text": "hello there world",
	})
	if rec2.Code != http.StatusConflict {
		t.Fatalf("expected missing_parent conflict when using stale field names, got %d: %s", rec2.Code, rec2.Body.String())
	}
	var env struct {
		Error struct {
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec2.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error.Details["reason"] != "missing_parent" {
		t.Fatalf("expected missing_parent (old field names ignored), got %v", env.Error.Details["reason"])
	}
}

func TestHandleConfirmationsSaveUsesItemsField(t *testing.T) {
	a := newTestAPI(t)
	r := a.Router()

	rec := doJSON(t, r, http.MethodPost, "/transcripts/save", map[string]any{
		"doc": "doc1", "text": "hello world",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("save: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var saved struct {
		Version    int    `json:"version"`
		BaseSHA256 string `json:"base_sha256"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &saved); err != nil {
		t.Fatalf("unmarshal save response: %v", err)
	}

	rec2 := doJSON(t, r, http.MethodPost, "/transcripts/confirmations/save", map[string]any{
		"doc": "doc1", "version": saved.Version, "base_sha256": saved.BaseSHA256,
		"items": []map[string]any{{
			"BaseSHA256": saved.BaseSHA256, "StartOffset": 0, "EndOffset": 5,
			"Prefix": "", "Exact": "hello", "Suffix": " world",
		}},
	})
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec2.Code, rec2.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec2.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["count"] != float64(1) {
		t.Fatalf("expected count 1 from items[], got %v", out["count"])
	}
}

func TestHandleMigrateWordsDefaultsToAllVersions(t *testing.T) {
	a := newTestAPI(t)
	r := a.Router()

	rec := doJSON(t, r, http.MethodPost, "/transcripts/save", map[string]any{
		"doc": "doc1", "text": "hello world",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("save v1: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var saved struct {
		Version    int    `json:"version"`
		BaseSHA256 string `json:"base_sha256"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &saved); err != nil {
		t.Fatalf("unmarshal save response: %v", err)
	}

	rec2 := doJSON(t, r, http.MethodPost, "/transcripts/save", map[string]any{
		"doc": "doc1", "parentVersion": saved.Version, "expected_base_sha256": saved.BaseSHA256,
		"text": "hello there world",
	})
	if rec2.Code != http.StatusOK {
		t.Fatalf("save v2: expected 200, got %d: %s", rec2.Code, rec2.Body.String())
	}

	rec3 := doJSON(t, r, http.MethodPost, "/transcripts/migrate_words", map[string]any{"doc": "doc1"})
	if rec3.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec3.Code, rec3.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec3.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["migrated_versions"] != float64(2) {
		t.Fatalf("expected migrated_versions 2 (both versions of doc1), got %v", out["migrated_versions"])
	}
}

func TestHandleSaveRejectsUnsafeDoc(t *testing.T) {
	a := newTestAPI(t)
	r := a.Router()

	rec := doJSON(t, r, http.MethodPost, "/transcripts/save", map[string]any{
		"doc": "../evil", "text": "hello",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsafe doc, got %d: %s", rec.Code, rec.Body.String())
	}
}
