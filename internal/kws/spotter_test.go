package kws

import (
	"testing"

	"github.com/voxweave/voxweave/pkg/transcript"
)

func TestSpot(t *testing.T) {
	s := New([]string{"Magnus", "assistant"})

	tests := []struct {
		text string
		want bool
	}{
		{"hey magnus, what time is it", true},
		{"Magnus!", true},
		// Phonetic near-miss of "magnus".
		{"hey magnes turn off the lights", true},
		{"the assistent should hear this", true},
		{"just talking about the weather", false},
		{"", false},
		// Phonetically unrelated word.
		{"banana", false},
	}
	for _, tt := range tests {
		if got := s.Spot(tt.text); got != tt.want {
			t.Errorf("Spot(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestSpotEmptyKeywordList(t *testing.T) {
	s := New(nil)
	if s.Spot("magnus do something") {
		t.Error("Spot with no keywords: want false")
	}
}

func TestObserveStickyMatch(t *testing.T) {
	s := New([]string{"magnus"})

	// First chunk contains the trigger, later chunks do not; the verdict
	// must stay instruction for the whole segment.
	p := s.Observe(1, "hey magnus", false)
	if p.Type != transcript.SegmentInstruction || p.Finished {
		t.Fatalf("first chunk: %+v, want non-final instruction", p)
	}
	p = s.Observe(1, "please dim the lights", true)
	if p.Type != transcript.SegmentInstruction || !p.Finished {
		t.Fatalf("final chunk: %+v, want final instruction", p)
	}

	// Segment state was discarded on finish; a new segment with the same id
	// starts clean.
	p = s.Observe(1, "unrelated speech", true)
	if p.Type != transcript.SegmentTranscript {
		t.Errorf("new segment: %+v, want transcript", p)
	}
}

func TestObserveIndependentSegments(t *testing.T) {
	s := New([]string{"magnus"})

	s.Observe(1, "hey magnus", false)
	p := s.Observe(2, "plain speech", true)
	if p.Type != transcript.SegmentTranscript {
		t.Errorf("segment 2 inherited segment 1's match: %+v", p)
	}
	if p.SegmentID != 2 {
		t.Errorf("SegmentID = %d, want 2", p.SegmentID)
	}
}

func TestWithSimilarityThreshold(t *testing.T) {
	strict := New([]string{"magnus"}, WithSimilarityThreshold(0.99))
	if strict.Spot("magnes") {
		t.Error("near-miss above strict threshold: want false")
	}
	if !strict.Spot("magnus") {
		t.Error("exact word: want true")
	}
}
