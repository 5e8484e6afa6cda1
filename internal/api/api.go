// Package api is the read/write HTTP surface (component H): thin
// handlers over the store and save coordinator, wired with gorilla/mux
// the way services/gateway/api/router.go wires net/http, recoverer,
// requireJSON and methodOnly middleware, and request-id propagation from
// services/gateway/internal/middleware/request_id.go.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/wavetext/transcripts/internal/config"
	"github.com/wavetext/transcripts/internal/model"
	"github.com/wavetext/transcripts/internal/normalize"
	"github.com/wavetext/transcripts/internal/save"
	"github.com/wavetext/transcripts/internal/store"
	"github.com/wavetext/transcripts/internal/textops"
	"github.com/wavetext/transcripts/pkg/apierr"
	"github.com/wavetext/transcripts/pkg/applog"
)

type ctxKeyRequestID struct{}

// API holds the dependencies every handler needs.
type API struct {
	Store  *store.Store
	Save   *save.Coordinator
	Config config.Config
	Log    *applog.Logger
}

// New wires the dependencies into an API.
func New(st *store.Store, sc *save.Coordinator, cfg config.Config, log *applog.Logger) *API {
	if log == nil {
		log = applog.Nop
	}
	return &API{Store: st, Save: sc, Config: cfg, Log: log}
}

// Router builds the full HTTP route table, mounted under /transcripts.
func (a *API) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(a.recoverer, a.requestID, a.logging)

	sub := r.PathPrefix("/transcripts").Subrouter()
	sub.HandleFunc("/latest", a.handleLatest).Methods(http.MethodGet)
	sub.HandleFunc("/get", a.handleGet).Methods(http.MethodGet)
	sub.HandleFunc("/words", a.handleWords).Methods(http.MethodGet)
	sub.HandleFunc("/history", a.handleHistory).Methods(http.MethodGet)
	sub.HandleFunc("/edits", a.handleEdits).Methods(http.MethodGet)
	sub.HandleFunc("/confirmations", a.handleConfirmationsGet).Methods(http.MethodGet)
	sub.HandleFunc("/confirmations/save", a.handleConfirmationsSave).Methods(http.MethodPost)
	sub.HandleFunc("/save", a.handleSave).Methods(http.MethodPost)
	sub.HandleFunc("/align_segment", a.handleAlignSegment).Methods(http.MethodPost)
	sub.HandleFunc("/migrate_words", a.handleMigrateWords).Methods(http.MethodPost)
	return r
}

// --- middleware ---

func (a *API) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				a.Log.Error(r.Context(), "panic recovered", map[string]any{
					"panic": toString(rec),
					"stack": string(debug.Stack()),
				})
				apierr.Write(w, apierr.Internal, "internal server error", requestID(r.Context()), nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (a *API) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if rid == "" {
			rid = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), ctxKeyRequestID{}, rid)
		ctx = applog.WithRequestID(ctx, rid)
		w.Header().Set("X-Request-Id", rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		a.Log.Info(r.Context(), "http request", map[string]any{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": sw.status,
		})
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func requestID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyRequestID{}).(string); ok {
		return v
	}
	return ""
}

func toString(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeStoreErr(w http.ResponseWriter, ctx context.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		apierr.Write(w, apierr.NotFoundVersion, err.Error(), requestID(ctx), nil)
	case errors.Is(err, store.ErrVersionExists):
		apierr.Write(w, apierr.ConflictVersionConflict, err.Error(), requestID(ctx), nil)
	case errors.Is(err, store.ErrHashConflict):
		apierr.Write(w, apierr.ConflictConfirmHash, err.Error(), requestID(ctx), nil)
	default:
		apierr.Write(w, apierr.Internal, "internal error", requestID(ctx), nil)
	}
}

// --- handlers ---

func (a *API) handleLatest(w http.ResponseWriter, r *http.Request) {
	doc := strings.TrimSpace(r.URL.Query().Get("doc"))
	if doc == "" {
		apierr.Write(w, apierr.ClientBadRequest, "missing doc", requestID(r.Context()), nil)
		return
	}
	v, err := a.Store.Latest(r.Context(), doc)
	if err != nil {
		writeStoreErr(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	doc := strings.TrimSpace(r.URL.Query().Get("doc"))
	version, err := strconv.Atoi(r.URL.Query().Get("version"))
	if doc == "" || err != nil {
		apierr.Write(w, apierr.ClientBadRequest, "missing or invalid doc/version", requestID(r.Context()), nil)
		return
	}
	v, err := a.Store.Get(r.Context(), doc, version)
	if err != nil {
		writeStoreErr(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) handleWords(w http.ResponseWriter, r *http.Request) {
	doc := strings.TrimSpace(r.URL.Query().Get("doc"))
	version, err := strconv.Atoi(r.URL.Query().Get("version"))
	if doc == "" || err != nil {
		apierr.Write(w, apierr.ClientBadRequest, "missing or invalid doc/version", requestID(r.Context()), nil)
		return
	}

	var segment, count *int
	if s := r.URL.Query().Get("segment"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			segment = &n
		}
	}
	if c := r.URL.Query().Get("count"); c != "" {
		if n, err := strconv.Atoi(c); err == nil {
			count = &n
		}
	} else {
		n := 50
		count = &n
	}

	rows, err := a.Store.WordRows(r.Context(), doc, version, segment, count)
	if err != nil {
		writeStoreErr(w, r.Context(), err)
		return
	}

	minDur := a.Config.MinTokenDurationSec
	if minDur <= 0 {
		minDur = normalize.DefaultMinDuration
	}

	var tokens []model.Token
	if len(rows) > 0 {
		tokens = normalize.ForRead(normalize.RowsToTokens(rows), minDur)
	} else {
		// Fall back to the version's JSON words when the query found no
		// rows (e.g. a version whose rows were never written). The JSON
		// words are returned whole: segment and count are not applied.
		v, gerr := a.Store.Get(r.Context(), doc, version)
		if gerr != nil {
			writeStoreErr(w, r.Context(), gerr)
			return
		}
		tokens = normalize.ForRead(v.Words, minDur)
	}
	writeJSON(w, http.StatusOK, map[string]any{"doc": doc, "version": version, "words": tokens})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	doc := strings.TrimSpace(r.URL.Query().Get("doc"))
	if doc == "" {
		apierr.Write(w, apierr.ClientBadRequest, "missing doc", requestID(r.Context()), nil)
		return
	}
	h, err := a.Store.History(r.Context(), doc)
	if err != nil {
		writeStoreErr(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"doc": doc, "history": h})
}

func (a *API) handleEdits(w http.ResponseWriter, r *http.Request) {
	doc := strings.TrimSpace(r.URL.Query().Get("doc"))
	if doc == "" {
		apierr.Write(w, apierr.ClientBadRequest, "missing doc", requestID(r.Context()), nil)
		return
	}
	edits, err := a.Store.ListEdits(r.Context(), doc)
	if err != nil {
		writeStoreErr(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"doc": doc, "edits": edits})
}

func (a *API) handleConfirmationsGet(w http.ResponseWriter, r *http.Request) {
	doc := strings.TrimSpace(r.URL.Query().Get("doc"))
	version, err := strconv.Atoi(r.URL.Query().Get("version"))
	if doc == "" || err != nil {
		apierr.Write(w, apierr.ClientBadRequest, "missing or invalid doc/version", requestID(r.Context()), nil)
		return
	}
	confs, err := a.Store.ConfirmationsGet(r.Context(), doc, version)
	if err != nil {
		writeStoreErr(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"doc": doc, "version": version, "confirmations": confs})
}

type confirmationsSaveRequest struct {
	Doc        string               `json:"doc"`
	Version    int                  `json:"version"`
	BaseSHA256 string               `json:"base_sha256"`
	Items      []model.Confirmation `json:"items"`
}

func (a *API) handleConfirmationsSave(w http.ResponseWriter, r *http.Request) {
	var req confirmationsSaveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Doc == "" {
		apierr.Write(w, apierr.ClientBadRequest, "missing doc", requestID(r.Context()), nil)
		return
	}
	if err := a.Store.ConfirmationsReplace(r.Context(), req.Doc, req.Version, req.BaseSHA256, req.Items); err != nil {
		writeStoreErr(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(req.Items)})
}

type saveRequest struct {
	Doc           string        `json:"doc"`
	ParentVersion *int          `json:"parentVersion"`
	BaseSHA256    string        `json:"expected_base_sha256"`
	Text          string        `json:"text"`
	Words         []model.Token `json:"words"`
	CreatedBy     string        `json:"created_by"`
	AudioPath     string        `json:"audio_path"`
	Segment       *int          `json:"segment"`
	Neighbors     *int          `json:"neighbors"`
}

func (a *API) handleSave(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Doc == "" {
		apierr.Write(w, apierr.ClientInvalidDoc, "missing doc", requestID(r.Context()), nil)
		return
	}

	result, err := a.Save.Save(r.Context(), save.Request{
		Doc: req.Doc, ParentVersion: req.ParentVersion, BaseSHA256: req.BaseSHA256,
		Text: req.Text, Words: req.Words, CreatedBy: req.CreatedBy, AudioPath: req.AudioPath,
		SegmentHint: req.Segment, Neighbors: req.Neighbors,
	})
	if err != nil {
		if save.ErrInvalidDoc(err) {
			apierr.Write(w, apierr.ClientInvalidDoc, err.Error(), requestID(r.Context()), nil)
			return
		}
		var ce *save.ConflictError
		if errors.As(err, &ce) {
			details := map[string]any{"reason": ce.Reason}
			if ce.Latest != nil {
				details["latest"] = ce.Latest
			}
			if ce.Parent != nil {
				details["parent"] = ce.Parent
			}
			if ce.DiffParentToLatest != "" {
				details["diff_parent_to_latest"] = ce.DiffParentToLatest
			}
			if ce.DiffParentToClient != "" {
				details["diff_parent_to_client"] = ce.DiffParentToClient
			}
			apierr.Write(w, ce.Code, err.Error(), requestID(r.Context()), details)
			return
		}
		if save.ErrInvalidTiming(err) {
			apierr.Write(w, apierr.InvalidTiming, err.Error(), requestID(r.Context()), nil)
			return
		}
		writeStoreErr(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":          result.Version.Version,
		"base_sha256":      result.Version.BaseSHA256,
		"timings_assigned": result.TimingsAssigned,
		"aligned":          result.Aligned,
		"align_skip":       result.AlignSkipReason,
	})
}

type alignSegmentRequest struct {
	Doc       string `json:"doc"`
	Version   int    `json:"version"`
	Segment   int    `json:"segment"`
	Neighbors *int   `json:"neighbors"`
	AudioPath string `json:"audio_path"`
}

func (a *API) handleAlignSegment(w http.ResponseWriter, r *http.Request) {
	var req alignSegmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Doc == "" || req.AudioPath == "" {
		apierr.Write(w, apierr.ClientBadRequest, "missing doc or audio_path", requestID(r.Context()), nil)
		return
	}
	matched, total, reason, err := a.Save.AlignSegment(r.Context(), req.Doc, req.Version, req.Segment, req.Neighbors, req.AudioPath)
	if err != nil {
		if save.ErrInvalidDoc(err) {
			apierr.Write(w, apierr.ClientInvalidDoc, err.Error(), requestID(r.Context()), nil)
			return
		}
		apierr.Write(w, apierr.AlignUnavailable, err.Error(), requestID(r.Context()), nil)
		return
	}
	if reason != "" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "reason": reason})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "changed_count": matched, "total_compared": total})
}

type migrateWordsRequest struct {
	Doc     string `json:"doc"`
	Version *int   `json:"version"`
}

// handleMigrateWords backfills transcript_words rows for the given version
// of doc, or every version of doc when version is omitted. Versions whose
// stored words JSON is empty are tokenized from their text first with
// textops.TokenizeTextToWords (each word run and each whitespace run
// becomes its own token, "\n" between lines) rather than migrating to
// zero rows.
func (a *API) handleMigrateWords(w http.ResponseWriter, r *http.Request) {
	var req migrateWordsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Doc == "" {
		apierr.Write(w, apierr.ClientBadRequest, "missing doc", requestID(r.Context()), nil)
		return
	}

	var versions []int
	if req.Version != nil {
		versions = []int{*req.Version}
	} else {
		h, err := a.Store.History(r.Context(), req.Doc)
		if err != nil {
			writeStoreErr(w, r.Context(), err)
			return
		}
		for _, e := range h {
			versions = append(versions, e.Version)
		}
	}

	minDur := a.Config.MinTokenDurationSec
	if minDur <= 0 {
		minDur = normalize.DefaultMinDuration
	}

	migrated := 0
	for _, version := range versions {
		v, err := a.Store.Get(r.Context(), req.Doc, version)
		if err != nil {
			writeStoreErr(w, r.Context(), err)
			return
		}
		words := v.Words
		if len(words) == 0 {
			words = textops.TokenizeTextToWords(v.Text)
		}
		rows := wordsToRows(v.Doc, v.Version, words)
		if err := a.Store.ReplaceWordRows(r.Context(), req.Doc, version, rows); err != nil {
			writeStoreErr(w, r.Context(), err)
			return
		}
		if err := a.Store.NormalizeAndPersist(r.Context(), req.Doc, version, minDur); err != nil {
			writeStoreErr(w, r.Context(), err)
			return
		}
		migrated++
	}
	writeJSON(w, http.StatusOK, map[string]any{"migrated_versions": migrated})
}

func wordsToRows(doc string, version int, words []model.Token) []model.WordRow {
	var out []model.WordRow
	seg, idx := 0, 0
	for _, t := range words {
		if t.IsNewline() {
			seg++
			continue
		}
		out = append(out, model.WordRow{
			Doc: doc, Version: version, SegmentIndex: seg, WordIndex: idx,
			Word: t.Word, Start: t.Start, End: t.End, Probability: t.Probability,
		})
		idx++
	}
	return out
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 8<<20))
	if err := dec.Decode(v); err != nil {
		apierr.Write(w, apierr.ClientBadRequest, "invalid json body", requestID(r.Context()), nil)
		return false
	}
	return true
}
