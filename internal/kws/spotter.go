// Package kws implements an in-process keyword spotter that classifies
// segments from recognized text instead of a dedicated audio model.
//
// The spotter combines Double Metaphone phonetic encoding with Jaro-Winkler
// string similarity, so near-miss transcriptions of a trigger word ("magnes",
// "mag ness") still fire. It follows the recognized-text stream segment by
// segment: each piece of text is checked against the trigger list, a hit
// marks the whole segment an instruction, and when the recognizer finishes
// the segment the spotter emits its verdict and forgets the segment.
package kws

import (
	"strings"
	"sync"

	"github.com/antzucaro/matchr"

	"github.com/voxweave/voxweave/pkg/annotator"
	"github.com/voxweave/voxweave/pkg/transcript"
)

const defaultSimilarityThreshold = 0.84

// Option is a functional option for configuring a [Spotter].
type Option func(*Spotter)

// WithSimilarityThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-overlapping token to count as a trigger hit. Default: 0.84.
func WithSimilarityThreshold(threshold float64) Option {
	return func(s *Spotter) {
		s.threshold = threshold
	}
}

// Spotter classifies segments by spotting trigger keywords in recognized
// text. Safe for concurrent use.
type Spotter struct {
	threshold float64
	keywords  []keyword

	mu      sync.Mutex
	matched map[uint64]bool
}

type keyword struct {
	text  string
	codes map[string]struct{}
}

// New returns a Spotter for the given trigger words. Keywords are matched
// case-insensitively, one token at a time.
func New(keywords []string, opts ...Option) *Spotter {
	s := &Spotter{
		threshold: defaultSimilarityThreshold,
		matched:   make(map[uint64]bool),
	}
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		s.keywords = append(s.keywords, keyword{text: kw, codes: codesFor(kw)})
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Spot reports whether text contains any trigger keyword.
func (s *Spotter) Spot(text string) bool {
	tokens := strings.Fields(strings.ToLower(text))
	for _, tok := range tokens {
		tok = strings.Trim(tok, ".,!?;:\"'")
		if tok == "" {
			continue
		}
		tokCodes := codesFor(tok)
		for _, kw := range s.keywords {
			if tok == kw.text {
				return true
			}
			if !codesOverlap(tokCodes, kw.codes) {
				continue
			}
			if matchr.JaroWinkler(tok, kw.text, false) >= s.threshold {
				return true
			}
		}
	}
	return false
}

// Observe follows one recognized-text partial and returns the segment-type
// verdict to apply. A trigger hit is sticky: once any text of a segment
// matched, the segment stays an instruction. finished mirrors the
// recognizer's done flag; after a finished observation the segment's state is
// discarded.
func (s *Spotter) Observe(segmentID uint64, text string, finished bool) annotator.TypePartial {
	hit := s.Spot(text)

	s.mu.Lock()
	if hit {
		s.matched[segmentID] = true
	}
	hit = s.matched[segmentID]
	if finished {
		delete(s.matched, segmentID)
	}
	s.mu.Unlock()

	segType := transcript.SegmentTranscript
	if hit {
		segType = transcript.SegmentInstruction
	}
	return annotator.TypePartial{SegmentID: segmentID, Type: segType, Finished: finished}
}

// codesFor returns the Double Metaphone codes of one token. Empty codes are
// excluded.
func codesFor(token string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, sec := matchr.DoubleMetaphone(token)
	if p != "" {
		codes[p] = struct{}{}
	}
	if sec != "" {
		codes[sec] = struct{}{}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
