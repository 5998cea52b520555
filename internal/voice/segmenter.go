package voice

import (
	"strings"
	"unicode"
)

// isSentenceBoundary reports whether r ends a speakable sentence.
func isSentenceBoundary(r rune) bool {
	switch r {
	case '.', '!', '?', '\n', '。', '！', '？':
		return true
	default:
		return false
	}
}

// SentenceSegmenter cuts a stream of text deltas into sentence chunks.
//
// A sentence ends after a run of boundary characters. The cut is made as
// soon as the run is buffered, so a finished sentence is spoken without
// waiting for the next delta. A '.' right after a digit at the end of the
// buffer is held back until the next character shows whether it is a
// decimal point.
type SentenceSegmenter struct {
	pending string
}

// Push appends delta and returns every sentence it completed, trimmed,
// skipping empty ones.
func (s *SentenceSegmenter) Push(delta string) []string {
	if delta == "" {
		return nil
	}
	s.pending += delta

	var out []string
	for {
		cut := nextSentenceCut(s.pending)
		if cut < 0 {
			break
		}
		chunk := strings.TrimSpace(s.pending[:cut])
		s.pending = s.pending[cut:]
		if chunk != "" {
			out = append(out, chunk)
		}
	}
	return out
}

// Flush returns the buffered remainder, trimmed, and clears the buffer.
func (s *SentenceSegmenter) Flush() string {
	chunk := strings.TrimSpace(s.pending)
	s.pending = ""
	return chunk
}

// nextSentenceCut returns the byte offset just past the first boundary run
// in text, or -1.
func nextSentenceCut(text string) int {
	inRun := false
	decimal := false
	prev := rune(-1)
	for i, r := range text {
		if inRun {
			if isSentenceBoundary(r) {
				decimal = false
				prev = r
				continue
			}
			if decimal && unicode.IsDigit(r) {
				inRun, decimal = false, false
				prev = r
				continue
			}
			return i
		}
		if isSentenceBoundary(r) {
			inRun = true
			decimal = r == '.' && prev >= 0 && unicode.IsDigit(prev)
		}
		prev = r
	}
	if inRun && !decimal {
		return len(text)
	}
	return -1
}
