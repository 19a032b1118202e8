// Package transcript defines the domain model and the [Store] interface for
// the Voxweave transcript repository: sessions, speakers, per-session speaker
// bindings, and the ordered transcript segments themselves.
//
// Segments are ordered within a session by a fractional index — a real-valued
// sort key. Plain appends use integer steps (1, 2, 3, …); splitting a segment
// inserts the new row at the midpoint between its neighbours, so no other
// row's index ever has to change. (session_id, segment_index) is unique and
// totally orders the session.
package transcript

import "time"

// ReservedAgentSpeaker is the session-local speaker id reserved for the
// conversational agent.
const ReservedAgentSpeaker = 0

// UnknownSpeaker is the session-local speaker id used before speaker
// identification has reported for a segment.
const UnknownSpeaker = -1

// UnknownSpeakerName is the display name bound to [UnknownSpeaker].
const UnknownSpeakerName = "unknown speaker"

// AgentSpeakerName is the display name bound to [ReservedAgentSpeaker].
const AgentSpeakerName = "Assistant"

// SegmentType classifies a finalized transcript segment.
type SegmentType string

const (
	// SegmentTranscript is ordinary recognized speech.
	SegmentTranscript SegmentType = "transcript"

	// SegmentAssistant is a response produced by the conversational agent.
	SegmentAssistant SegmentType = "assistant"

	// SegmentInstruction is recognized speech that contained a spotted
	// keyword and is routed to the agent.
	SegmentInstruction SegmentType = "instruction"
)

// IsValid reports whether t is a recognised segment type.
func (t SegmentType) IsValid() bool {
	switch t {
	case SegmentTranscript, SegmentAssistant, SegmentInstruction:
		return true
	}
	return false
}

// Session groups all segments recorded over one client connection.
type Session struct {
	// ID is the database identity of the session.
	ID int64

	// Name is a human-readable label for the session.
	Name string

	// Date is when the session was started.
	Date time.Time
}

// Speaker is a global speaker identity shared across sessions.
type Speaker struct {
	// ID is the database identity of the speaker.
	ID int64

	// Name is the speaker's display name (e.g. "speaker_1").
	Name string
}

// SessionSpeaker binds a global [Speaker] into one [Session] under a stable
// session-local ordinal. Local id 0 is reserved for the agent; positive
// ordinals are assigned first-come starting at 1.
type SessionSpeaker struct {
	ID        int64
	SessionID int64
	SpeakerID int64

	// LocalID is the per-session short id shown to the client.
	LocalID int
}

// Segment is one finalized, persisted transcript row.
type Segment struct {
	// ID is the database identity of the segment, independent of the
	// conversational segment id used during accumulation.
	ID int64

	SessionID        int64
	SessionSpeakerID int64

	// Index is the fractional sort key. Strictly increasing and unique
	// within the session; never reused.
	Index float64

	Type    SegmentType
	Content string

	// StartTime is the absolute wall-clock start of the segment.
	StartTime time.Time

	// Duration is the elapsed span the segment covers.
	Duration time.Duration
}

// NewSegment carries the fields required to append a segment.
type NewSegment struct {
	SessionID        int64
	SessionSpeakerID int64
	Type             SegmentType
	Content          string
	StartTime        time.Time
	Duration         time.Duration

	// Index, when positive, fixes the sort key explicitly. When zero the
	// store assigns max(session index)+1. Appends never produce fractional
	// indices; only [Store.SplitSegment] does.
	Index float64
}

// SplitResult identifies the two rows produced by a split: the shortened
// original and the newly inserted remainder.
type SplitResult struct {
	OriginalID int64
	NewID      int64
}
