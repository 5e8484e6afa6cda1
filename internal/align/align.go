// Package align is the forced-aligner collaborator: it extracts a mono
//16kHz WAV clip via ffmpeg, POSTs it to the configured aligner endpoint,
// and normalizes the response. Grounded on
// explore/app/transcripts/alignment.py's ffmpeg_extract_wav_clip,
// align_call, maybe_deref_audio_pointer, explode_resp_words_if_needed,
// and save_alignment_artifacts.
package align

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wavetext/transcripts/internal/model"
)

// Word is one token of the aligner's response.
type Word struct {
	Word        string   `json:"word"`
	Start       *float64 `json:"start"`
	End         *float64 `json:"end"`
	Probability *float64 `json:"probability,omitempty"`
}

// Response is the aligner's decoded JSON body.
type Response struct {
	Words []Word `json:"words"`
}

// Error signals a failed ffmpeg run or a failed aligner call (request
// build, network failure or timeout, non-2xx status, undecodable body). A
// 2xx reply with an empty word list is not an Error. Recoverable: callers
// treat alignment as best-effort.
type Error struct {
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("align: %s: %v", e.Reason, e.Cause)
	}
	return "align: " + e.Reason
}
func (e *Error) Unwrap() error { return e.Cause }

// Client calls the external forced-aligner over HTTP.
type Client struct {
	Endpoint   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// NewClient returns a Client with the spec's default 60s timeout.
func NewClient(endpoint string) *Client {
	return &Client{
		Endpoint:   endpoint,
		HTTPClient: &http.Client{},
		Timeout:    60 * time.Second,
	}
}

// Align posts a multipart form {audio: wav, transcript: text} to the
// aligner endpoint and decodes its JSON response.
func (c *Client) Align(ctx context.Context, wav []byte, transcript string) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("audio", "clip.wav")
	if err != nil {
		return Response{}, &Error{Reason: "build-request", Cause: err}
	}
	if _, err := fw.Write(wav); err != nil {
		return Response{}, &Error{Reason: "build-request", Cause: err}
	}
	if err := w.WriteField("transcript", transcript); err != nil {
		return Response{}, &Error{Reason: "build-request", Cause: err}
	}
	if err := w.Close(); err != nil {
		return Response{}, &Error{Reason: "build-request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, &body)
	if err != nil {
		return Response{}, &Error{Reason: "build-request", Cause: err}
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Response{}, &Error{Reason: "request-failed", Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, &Error{Reason: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, &Error{Reason: "decode-response", Cause: err}
	}
	return out, nil
}

var shaPointer = regexp.MustCompile(`\bsha:([a-fA-F0-9]{40,64})\b`)

// MaybeDerefAudioPointer substitutes audioPath with
// <audioRoot>/blobs/<sha> when audioPath is a small pointer file (≤512
// bytes) whose content names a blob that exists; otherwise returns
// audioPath unchanged. This is the only supported indirection — no other
// heuristics are applied.
func MaybeDerefAudioPointer(audioPath, audioRoot string) string {
	info, err := os.Stat(audioPath)
	if err != nil || info.Size() > 512 {
		return audioPath
	}
	content, err := os.ReadFile(audioPath)
	if err != nil {
		return audioPath
	}
	m := shaPointer.FindSubmatch(content)
	if m == nil {
		return audioPath
	}
	candidate := filepath.Join(audioRoot, "blobs", string(m[1]))
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return audioPath
}

// ExtractWAVClip runs ffmpeg to extract [start-pad, end+pad] from
// audioPath as mono 16kHz WAV, streamed over stdout. Returns the clip
// bytes and the actual (padded) [ss, to] window used.
func ExtractWAVClip(ctx context.Context, audioPath string, start, end, pad float64) (wav []byte, ss, to float64, err error) {
	ss = start - pad
	if ss < 0 {
		ss = 0
	}
	to = end + pad

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-ss", strconv.FormatFloat(ss, 'f', 3, 64),
		"-to", strconv.FormatFloat(to, 'f', 3, 64),
		"-i", audioPath,
		"-ac", "1",
		"-ar", "16000",
		"-f", "wav",
		"pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, ss, to, &Error{Reason: "ffmpeg failed: " + stderr.String(), Cause: err}
	}
	return stdout.Bytes(), ss, to, nil
}

// ExplodeRespWords splits any aligner word containing internal whitespace
// into its constituent pieces, distributing [start,end] linearly by
// character length across them; exploded pieces share the source's
// probability. Words missing a start or end are still split, but every
// piece gets a null start and end rather than fabricated timings.
func ExplodeRespWords(words []Word) []Word {
	out := make([]Word, 0, len(words))
	for _, w := range words {
		pieces := strings.Fields(w.Word)
		if len(pieces) <= 1 {
			out = append(out, w)
			continue
		}
		if w.Start == nil || w.End == nil {
			for _, p := range pieces {
				out = append(out, Word{Word: p, Probability: w.Probability})
			}
			continue
		}
		total := *w.End - *w.Start
		totalChars := 0
		for _, p := range pieces {
			totalChars += len(p)
		}
		if totalChars == 0 {
			totalChars = 1
		}
		cursor := *w.Start
		for _, p := range pieces {
			share := total * float64(len(p)) / float64(totalChars)
			pStart := cursor
			pEnd := cursor + share
			cursor = pEnd
			out = append(out, Word{Word: p, Start: model.F(pStart), End: model.F(pEnd), Probability: w.Probability})
		}
	}
	return out
}

// SaveArtifacts best-effort writes the debug files for one align call:
// {kind}_{safe(doc)}_seg{N}_{timestamp}_{uuid8}_{ss}-{to}.wav and
// .response.json under dir. Failures are swallowed — these artifacts are
// non-load-bearing diagnostics.
func SaveArtifacts(dir, kind, doc string, seg int, ss, to float64, wav []byte, resp Response, now time.Time) {
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	base := fmt.Sprintf("%s_%s_seg%d_%d_%s_%.3f-%.3f",
		kind, SafeName(doc), seg, now.Unix(), uuid8(), ss, to)

	_ = os.WriteFile(filepath.Join(dir, base+".wav"), wav, 0o644)
	if b, err := json.Marshal(resp); err == nil {
		_ = os.WriteFile(filepath.Join(dir, base+".response.json"), b, 0o644)
	}
}

func uuid8() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// SafeName produces a filesystem-safe token for a debug-artifact filename.
func SafeName(value string) string {
	if value == "" {
		return "unknown"
	}
	v := strings.ReplaceAll(value, string(filepath.Separator), "__")
	v = strings.ReplaceAll(v, "/", "__")
	v = strings.Join(strings.Fields(v), " ")
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '-', r == '.', r == '#':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
