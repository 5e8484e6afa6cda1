// Package save is the save coordinator: it gates a proposed edit against
// the document's current state, reconciles and persists the new version,
// and drives best-effort forced alignment. Grounded on
// explore/app/transcripts/routes.py's save_transcript handler (the
// conflict gate and the transactional ordering of writes), on
// alignment.py's align_segment for the on-demand alignment path, and on
// utils.py's ensure_safe_doc for the doc-identifier precondition.
package save

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/wavetext/transcripts/internal/align"
	"github.com/wavetext/transcripts/internal/alignmap"
	"github.com/wavetext/transcripts/internal/config"
	"github.com/wavetext/transcripts/internal/model"
	"github.com/wavetext/transcripts/internal/normalize"
	"github.com/wavetext/transcripts/internal/store"
	"github.com/wavetext/transcripts/internal/textops"
	"github.com/wavetext/transcripts/internal/timingcarry"
	"github.com/wavetext/transcripts/pkg/apierr"
	"github.com/wavetext/transcripts/pkg/applog"
)

// ConflictError reports one of the five ordered conflict-gate failures.
// Reason is one of the stable strings named in the external interface:
// invalid_parent_for_first, missing_parent, hash_missing,
// version_conflict, hash_conflict. Latest/Parent and the diff fields are
// populated for the 409 cases per the conflict payload contract; nil/empty
// when not applicable (invalid_parent_for_first never has them).
type ConflictError struct {
	Reason string
	Code   apierr.Code

	Latest *model.Version
	Parent *model.Version

	DiffParentToLatest string
	DiffParentToClient string
}

func (e *ConflictError) Error() string { return "save: conflict: " + e.Reason }

// Request is a proposed new version of a document.
type Request struct {
	Doc           string
	ParentVersion *int
	BaseSHA256    string
	Text          string
	Words         []model.Token
	CreatedBy     string
	AudioPath     string

	// SegmentHint is used for prealignment when no segment differs
	// textually from the parent (e.g. a pure timing-only edit).
	SegmentHint *int
	// Neighbors is the prealignment window half-width; nil means the
	// configured default, clamped to [0, config.NeighborMax].
	Neighbors *int
}

// Result is what a successful Save produced.
type Result struct {
	Version         model.Version
	TimingsAssigned int
	ChangedSegments map[int]struct{}
	Aligned         bool
	AlignSkipReason string
}

// Coordinator wires the store, the aligner, and the normalizer together
// into the save and align-on-demand operations.
type Coordinator struct {
	Store  *store.Store
	Align  *align.Client
	Config config.Config
	Log    *applog.Logger
}

// New builds a Coordinator. log may be nil, in which case applog.Nop is used.
func New(s *store.Store, ac *align.Client, cfg config.Config, log *applog.Logger) *Coordinator {
	if log == nil {
		log = applog.Nop
	}
	return &Coordinator{Store: s, Align: ac, Config: cfg, Log: log}
}

var errInvalidDoc = errors.New("save: invalid doc")

// ErrInvalidDoc reports whether err is (or wraps) a rejection from
// validateDoc.
func ErrInvalidDoc(err error) bool { return errors.Is(err, errInvalidDoc) }

var driveLetterPrefix = regexp.MustCompile(`^[A-Za-z]:[\\/]`)

// validateDoc rejects empty, NUL-containing, absolute, or
// parent-traversing document identifiers, ported from
// explore/app/transcripts/utils.py's ensure_safe_doc.
func validateDoc(doc string) error {
	cleaned := strings.TrimSpace(doc)
	if cleaned == "" {
		return fmt.Errorf("%w: empty", errInvalidDoc)
	}
	if strings.ContainsRune(cleaned, 0) {
		return fmt.Errorf("%w: contains NUL", errInvalidDoc)
	}
	if strings.HasPrefix(cleaned, "/") || strings.HasPrefix(cleaned, "\\") || driveLetterPrefix.MatchString(cleaned) {
		return fmt.Errorf("%w: absolute path", errInvalidDoc)
	}
	for _, part := range strings.Split(cleaned, "/") {
		if part == ".." {
			return fmt.Errorf("%w: path traversal", errInvalidDoc)
		}
	}
	for _, part := range strings.Split(cleaned, "\\") {
		if part == ".." {
			return fmt.Errorf("%w: path traversal", errInvalidDoc)
		}
	}
	return nil
}

// clampNeighbors resolves n (nil meaning "use the configured default")
// against [0, config.NeighborMax], per the boundary behavior that negative
// and 4+ inputs become 0 and 3 respectively under the default NeighborMax.
func (c *Coordinator) clampNeighbors(n *int) int {
	max := c.Config.NeighborMax
	if max <= 0 {
		max = 3
	}
	if n == nil {
		def := c.Config.NeighborDefault
		if def < 0 {
			def = 0
		} else if def > max {
			def = max
		}
		return def
	}
	v := *n
	if v < 0 {
		v = 0
	} else if v > max {
		v = max
	}
	return v
}

// gate runs the ordered conflict checks against the document's current
// latest version: missing_parent, hash_missing, version_conflict,
// hash_conflict (matching the literal check order of the external
// interface). On a 409 it best-effort fetches the client-named parent
// version to populate the conflict diff payload.
func (c *Coordinator) gate(ctx context.Context, req Request) (*model.Version, error) {
	lv, err := c.Store.Latest(ctx, req.Doc)
	isFirst := errors.Is(err, store.ErrNotFound)
	if err != nil && !isFirst {
		return nil, fmt.Errorf("save: gate: %w", err)
	}

	if isFirst {
		if req.ParentVersion != nil {
			return nil, &ConflictError{Reason: "invalid_parent_for_first", Code: apierr.ClientInvalidParent}
		}
		return nil, nil
	}

	if req.ParentVersion == nil {
		return nil, c.conflict(ctx, req, "missing_parent", apierr.ConflictMissingParent, lv)
	}
	if req.BaseSHA256 == "" {
		return nil, c.conflict(ctx, req, "hash_missing", apierr.ConflictHashMissing, lv)
	}
	if *req.ParentVersion != lv.Version {
		return nil, c.conflict(ctx, req, "version_conflict", apierr.ConflictVersionConflict, lv)
	}
	if req.BaseSHA256 != lv.BaseSHA256 {
		return nil, c.conflict(ctx, req, "hash_conflict", apierr.ConflictHashConflict, lv)
	}
	return &lv, nil
}

// conflict builds a ConflictError populated with the 409 payload:
// {latest, parent?, diff_parent_to_latest?, diff_parent_to_client?}. parent
// is the client-named parent_version, fetched best-effort; its absence
// (e.g. it names a version that doesn't exist) simply omits the diffs.
func (c *Coordinator) conflict(ctx context.Context, req Request, reason string, code apierr.Code, latest model.Version) *ConflictError {
	ce := &ConflictError{Reason: reason, Code: code, Latest: &latest}
	if req.ParentVersion == nil {
		return ce
	}
	parent, err := c.Store.Get(ctx, req.Doc, *req.ParentVersion)
	if err != nil {
		return ce
	}
	ce.Parent = &parent
	ce.DiffParentToLatest = textops.DiffText(parent.Text, latest.Text)
	ce.DiffParentToClient = textops.DiffText(parent.Text, textops.Canonicalize(req.Text))
	return ce
}

// Save runs the full save algorithm: gate, canonicalize, reconcile words
// against text, carry over prior timings, validate, persist the version
// and its word rows, normalize, record the edit delta (and the origin-
// replay edit delta), and (when configured) kick off best-effort
// prealignment over the previous version's neighboring word rows.
func (c *Coordinator) Save(ctx context.Context, req Request) (Result, error) {
	if err := validateDoc(req.Doc); err != nil {
		return Result{}, err
	}

	parent, err := c.gate(ctx, req)
	if err != nil {
		return Result{}, err
	}

	canonical := textops.Canonicalize(req.Text)
	sum := sha256.Sum256([]byte(canonical))
	childSHA := hex.EncodeToString(sum[:])

	sanitized := textops.ValidateAndSanitizeWords(req.Words)
	reconciled := textops.EnsureWordsMatchText(canonical, sanitized)

	// The prior sequence is the parent's stored JSON words column only.
	// Its per-word rows are not read here, so start/end values that
	// normalization or alignment wrote to those rows (and never to the
	// JSON words) are not carried over.
	var prevTokens []model.Token
	if parent != nil {
		prevTokens = parent.Words
	}
	withTimings, assigned, err := timingcarry.CarryOver(nil, prevTokens, nil, req.Doc, reconciled)
	if err != nil {
		var te *timingcarry.InvalidTimingError
		if errors.As(err, &te) {
			return Result{}, fmt.Errorf("%w: %v", errInvalidTiming, te)
		}
		return Result{}, fmt.Errorf("save: carry over: %w", err)
	}
	// CarryOver only validates when it actually had a prior sequence to
	// assign from (e.g. the first save of a document never reaches
	// Validate internally); re-check explicitly so client-supplied
	// timings are always validated, carried over or not.
	if err := timingcarry.Validate(withTimings); err != nil {
		var te *timingcarry.InvalidTimingError
		if errors.As(err, &te) {
			return Result{}, fmt.Errorf("%w: %v", errInvalidTiming, te)
		}
		return Result{}, fmt.Errorf("save: validate timing: %w", err)
	}

	childVersion := 1
	if parent != nil {
		childVersion = parent.Version + 1
	}

	version := model.Version{
		Doc:        req.Doc,
		Version:    childVersion,
		BaseSHA256: childSHA,
		Text:       canonical,
		Words:      withTimings,
		CreatedBy:  req.CreatedBy,
	}
	rows := tokensToRows(req.Doc, childVersion, withTimings)

	if err := c.Store.InsertVersion(ctx, version, rows); err != nil {
		return Result{}, fmt.Errorf("save: insert version: %w", err)
	}

	minDur := c.Config.MinTokenDurationSec
	if minDur <= 0 {
		minDur = normalize.DefaultMinDuration
	}
	if err := c.Store.NormalizeAndPersist(ctx, req.Doc, childVersion, minDur); err != nil {
		return Result{}, fmt.Errorf("save: normalize: %w", err)
	}

	var changed map[int]struct{}
	if parent != nil {
		changed = textops.DetectChangedSegments(parent.Words, withTimings)
		delta := model.EditDelta{
			Doc:           req.Doc,
			ParentVersion: parent.Version,
			ChildVersion:  childVersion,
			DMPPatch:      textops.DiffText(parent.Text, canonical),
		}
		if err := c.Store.UpsertEditDelta(ctx, delta); err != nil {
			return Result{}, fmt.Errorf("save: upsert edit delta: %w", err)
		}
		// Origin-replay edge: a second edit-delta row straight from v1,
		// so a client can replay from the doc's origin without walking
		// the full parent chain. Only meaningful once the chain is more
		// than one hop deep.
		if parent.Version != 1 {
			originDelta := model.EditDelta{
				Doc:           req.Doc,
				ParentVersion: 1,
				ChildVersion:  childVersion,
			}
			if v1, err := c.Store.Get(ctx, req.Doc, 1); err == nil {
				originDelta.DMPPatch = textops.DiffText(v1.Text, canonical)
			}
			if err := c.Store.UpsertEditDelta(ctx, originDelta); err != nil {
				return Result{}, fmt.Errorf("save: upsert origin edit delta: %w", err)
			}
		}
	}

	result := Result{Version: version, TimingsAssigned: assigned, ChangedSegments: changed}

	if c.Config.AlignPrealignOnSave && req.AudioPath != "" && parent != nil {
		prealignSegs := changed
		if len(prealignSegs) == 0 && req.SegmentHint != nil {
			prealignSegs = map[int]struct{}{*req.SegmentHint: {}}
		}
		if len(prealignSegs) > 0 {
			neighbors := c.clampNeighbors(req.Neighbors)
			for seg := range prealignSegs {
				_, _, reason, alignErr := c.alignWindow(ctx, req.Doc, parent.Version, childVersion, seg, neighbors, req.AudioPath)
				if alignErr != nil {
					c.Log.Warn(ctx, "prealign failed", map[string]any{"doc": req.Doc, "segment": seg, "error": alignErr.Error()})
					continue
				}
				if reason == "" {
					result.Aligned = true
				} else if result.AlignSkipReason == "" {
					result.AlignSkipReason = reason
				}
			}
		}
	}

	return result, nil
}

var errInvalidTiming = errors.New("save: invalid timing")

// ErrInvalidTiming reports whether err is (or wraps) an invalid-timing
// rejection from the save pipeline.
func ErrInvalidTiming(err error) bool { return errors.Is(err, errInvalidTiming) }

func tokensToRows(doc string, version int, tokens []model.Token) []model.WordRow {
	var out []model.WordRow
	seg := 0
	wordIdx := 0
	for _, t := range tokens {
		if t.IsNewline() {
			seg++
			continue
		}
		out = append(out, model.WordRow{
			Doc: doc, Version: version, SegmentIndex: seg, WordIndex: wordIdx,
			Word: t.Word, Start: t.Start, End: t.End, Probability: t.Probability,
		})
		wordIdx++
	}
	return out
}

// AlignSegment forces alignment of the window [segment-neighbors,
// segment+neighbors] of (doc, version) against audioPath, writing back any
// resulting timing updates to that same version. neighbors is clamped to
// [0, config.NeighborMax] (nil uses the configured default). Returns
// (changed_count, total_compared) on success, or a non-empty skip reason
// ("no-words", "no-timings") instead of an error when alignment is simply
// not applicable — alignment is always best-effort and never blocks the
// caller.
func (c *Coordinator) AlignSegment(ctx context.Context, doc string, version, segment int, neighbors *int, audioPath string) (int, int, string, error) {
	if err := validateDoc(doc); err != nil {
		return 0, 0, "", err
	}
	n := c.clampNeighbors(neighbors)
	return c.alignWindow(ctx, doc, version, version, segment, n, audioPath)
}

// alignWindow reads per-word rows of [segment-neighbors, segment+neighbors]
// from readVersion (the source of timing/clip-bounds truth — the previous
// version during prealignment on save, or the target version itself for
// on-demand align_segment calls) and, on a successful match, writes the
// resulting timings onto writeVersion.
func (c *Coordinator) alignWindow(ctx context.Context, doc string, readVersion, writeVersion, segment, neighbors int, audioPath string) (int, int, string, error) {
	lo := segment - neighbors
	if lo < 0 {
		lo = 0
	}
	count := 2*neighbors + 1
	rows, err := c.Store.WordRows(ctx, doc, readVersion, &lo, &count)
	if err != nil {
		return 0, 0, "", fmt.Errorf("align segment: %w", err)
	}
	if len(rows) == 0 {
		return 0, 0, "no-words", nil
	}

	var start, end *float64
	for _, r := range rows {
		if r.Start != nil && (start == nil || *r.Start < *start) {
			start = r.Start
		}
		if r.End != nil && (end == nil || *r.End > *end) {
			end = r.End
		}
	}
	if start == nil || end == nil {
		return 0, len(rows), "no-timings", nil
	}

	resolved := align.MaybeDerefAudioPointer(audioPath, c.Config.AudioRoot())
	wav, ss, to, err := align.ExtractWAVClip(ctx, resolved, *start, *end, c.Config.ClipPadSec)
	if err != nil {
		return 0, len(rows), "", fmt.Errorf("align segment: extract clip: %w", err)
	}

	transcript := wordsToText(rows)
	resp, err := c.Align.Align(ctx, wav, transcript)
	if err != nil {
		return 0, len(rows), "", fmt.Errorf("align segment: %w", err)
	}

	if c.Config.AudioLogDir != "" {
		align.SaveArtifacts(c.Config.AudioLogDir, "align", doc, segment, ss, to, wav, resp, alignArtifactTime())
	}

	respWords := align.ExplodeRespWords(resp.Words)
	local := make([]alignmap.LocalToken, len(rows))
	for i, r := range rows {
		local[i] = alignmap.LocalToken{WordIndex: r.WordIndex, Text: r.Word, SegmentIndex: r.SegmentIndex}
	}
	minDur := c.Config.MinTokenDurationSec
	if minDur <= 0 {
		minDur = normalize.DefaultMinDuration
	}
	updates, matched := alignmap.Map(local, respWords, ss, minDur)
	if len(updates) == 0 {
		return 0, len(rows), "no-timings", nil
	}
	if err := c.Store.UpdateWordTimings(ctx, doc, writeVersion, updates); err != nil {
		return 0, len(rows), "", fmt.Errorf("align segment: write timings: %w", err)
	}
	if err := c.Store.NormalizeAndPersist(ctx, doc, writeVersion, minDur); err != nil {
		return 0, len(rows), "", fmt.Errorf("align segment: normalize: %w", err)
	}

	op, _ := json.Marshal(map[string]any{"op": "align_segment", "segment": segment, "neighbors": neighbors, "matched": matched})
	if writeVersion > 1 {
		_ = c.Store.AppendTokenOps(ctx, doc, writeVersion-1, writeVersion, op)
	}

	return matched, len(rows), "", nil
}

func wordsToText(rows []model.WordRow) string {
	out := ""
	for i, r := range rows {
		if i > 0 {
			out += " "
		}
		out += r.Word
	}
	return out
}

// alignArtifactTime is overridable in tests; production uses the wall clock.
var alignArtifactTime = func() time.Time { return time.Now().UTC() }
