// Package session implements the live per-connection pipeline: joining
// independent annotator results into complete segment records, emitting them
// in completion order through a bounded dispatcher, persisting them to the
// transcript store, and routing instruction segments to the agent.
package session

import (
	"time"

	"github.com/voxweave/voxweave/pkg/transcript"
)

// Record is one fully assembled conversational segment, ready for delivery
// and persistence. It is the join of all annotator results for a segment id.
type Record struct {
	// SegmentID is the conversational segment id shared by all annotators
	// of the session. Not the database identity.
	SegmentID uint64

	// SpeakerName is the display name of the speaker. Defaults to the
	// unknown speaker until identification reports.
	SpeakerName string

	// SpeakerLocalID is the session-local speaker ordinal. Filled in by the
	// speaker registry during persistence; until then it carries
	// [transcript.UnknownSpeaker] (or [transcript.ReservedAgentSpeaker]
	// for agent responses).
	SpeakerLocalID int

	// SpeakerEmbedding is the voiceprint reported by identification when it
	// could not name the speaker. Resolved against enrolled speakers by the
	// registry.
	SpeakerEmbedding []float32

	Type    transcript.SegmentType
	Content string

	// StartTime is when the first annotator result for the segment arrived.
	StartTime time.Time

	// Duration is the span from StartTime to segment completion.
	Duration time.Duration
}
