// Package alignmap maps the aligner's response word sequence back onto
// local token indices via longest-common-subsequence opcodes, grounded on
// explore/app/transcripts/alignment.py's map_aligned_to_updates, enriched
// per the specification's explicit replace/delete/insert prefix-pairing
// (the retrieved original only handles "equal" opcode blocks).
package alignmap

import (
	"github.com/pmezard/go-difflib/difflib"

	"github.com/wavetext/transcripts/internal/align"
	"github.com/wavetext/transcripts/internal/model"
)

// LocalToken is one non-empty token of the local alignment window.
type LocalToken struct {
	WordIndex    int
	Text         string
	SegmentIndex int
}

const minSingleTokenDuration = 0.01

// Map produces timing updates for the local window from the aligner's
// response. If the aligner collapsed the whole window into a single
// token, its interval is distributed proportionally by character length;
// otherwise a sequence matcher pairs local and response token text.
// Returns the updates and how many local tokens were matched.
func Map(local []LocalToken, resp []align.Word, offset, minDuration float64) ([]model.TimingUpdate, int) {
	if len(local) == 0 || len(resp) == 0 {
		return nil, 0
	}

	if len(resp) == 1 && len(local) > 1 {
		return distributeSingle(local, resp[0], offset), len(local)
	}

	localText := make([]string, len(local))
	for i, t := range local {
		localText[i] = t.Text
	}
	respText := make([]string, len(resp))
	for i, w := range resp {
		respText[i] = w.Word
	}

	matcher := difflib.NewMatcher(localText, respText)
	pairs := make([][2]int, 0, len(local)) // (localIdx, respIdx)
	for _, op := range matcher.GetOpCodes() {
		switch op.Tag {
		case 'e': // equal
			for k := 0; k < op.I2-op.I1; k++ {
				pairs = append(pairs, [2]int{op.I1 + k, op.J1 + k})
			}
		default: // replace, delete, insert: pair prefixes up to min length
			n := (op.I2 - op.I1)
			if m := op.J2 - op.J1; m < n {
				n = m
			}
			for k := 0; k < n; k++ {
				pairs = append(pairs, [2]int{op.I1 + k, op.J1 + k})
			}
		}
	}

	updates := make([]model.TimingUpdate, 0, len(pairs))
	matched := 0
	for _, p := range pairs {
		li, ri := p[0], p[1]
		rs, re := respInterval(resp, ri, offset)
		if re <= rs {
			if ri+1 < len(resp) && resp[ri+1].Start != nil {
				nre := *resp[ri+1].Start + offset
				if nre > rs {
					re = nre
				} else {
					re = rs + minDuration
				}
			} else {
				re = rs + minDuration
			}
		}
		updates = append(updates, model.TimingUpdate{Start: rs, End: re, WordIndex: local[li].WordIndex})
		matched++
	}
	return updates, matched
}

func respInterval(resp []align.Word, idx int, offset float64) (float64, float64) {
	w := resp[idx]
	var rs, re float64
	if w.Start != nil {
		rs = *w.Start + offset
	}
	if w.End != nil {
		re = *w.End + offset
	} else {
		re = rs
	}
	return rs, re
}

func distributeSingle(local []LocalToken, w align.Word, offset float64) []model.TimingUpdate {
	var start, end float64
	if w.Start != nil {
		start = *w.Start + offset
	}
	if w.End != nil {
		end = *w.End + offset
	} else {
		end = start
	}
	total := end - start
	totalChars := 0
	for _, t := range local {
		totalChars += len(t.Text)
	}
	if totalChars == 0 {
		totalChars = len(local)
	}

	out := make([]model.TimingUpdate, 0, len(local))
	cursor := start
	for i, t := range local {
		var share float64
		if i == len(local)-1 {
			share = end - cursor
		} else {
			share = total * float64(len(t.Text)) / float64(totalChars)
		}
		s := cursor
		e := s + share
		if e-s < minSingleTokenDuration {
			e = s + minSingleTokenDuration
		}
		if i == len(local)-1 && e < end {
			e = end
		}
		cursor = e
		out = append(out, model.TimingUpdate{Start: s, End: e, WordIndex: t.WordIndex})
	}
	return out
}
