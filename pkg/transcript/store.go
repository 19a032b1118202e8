package transcript

import (
	"context"
	"errors"
	"time"
)

// Errors returned by [Store] implementations for invalid corrective
// operations. Callers branch on these with [errors.Is]; implementations wrap
// them with operation detail.
var (
	// ErrSegmentNotFound indicates a referenced segment id does not exist.
	ErrSegmentNotFound = errors.New("segment not found")

	// ErrCrossSession indicates a merge referenced segments from more than
	// one session.
	ErrCrossSession = errors.New("segments belong to different sessions")

	// ErrTooFewSegments indicates a merge was requested with fewer than two
	// segment ids.
	ErrTooFewSegments = errors.New("merge requires at least two segments")

	// ErrSplitPosition indicates a split position outside [0, len(content)].
	ErrSplitPosition = errors.New("split position out of range")
)

// Store is the durable, ordered transcript repository.
//
// All mutating operations are individually transactional: a failed split or
// merge leaves no partial mutation behind, and concurrent readers never
// observe an in-between state. Implementations must be safe for concurrent
// use from multiple sessions.
type Store interface {
	// CreateSession records a new session and returns its id.
	CreateSession(ctx context.Context, name string, date time.Time) (int64, error)

	// EnsureSpeaker returns the id of the global speaker with the given
	// name, creating it if necessary. Idempotent.
	EnsureSpeaker(ctx context.Context, name string) (int64, error)

	// EnsureSessionSpeaker idempotently binds a speaker into a session and
	// returns the binding id. When localID is nil the next free positive
	// ordinal is assigned (max+1, starting at 1; 0 is reserved for the
	// agent). A non-nil localID pins the ordinal explicitly.
	EnsureSessionSpeaker(ctx context.Context, sessionID, speakerID int64, localID *int) (int64, error)

	// AppendSegment persists a finalized segment and returns its id.
	AppendSegment(ctx context.Context, seg NewSegment) (int64, error)

	// SplitSegment divides an existing segment at byte position pos. The
	// original row keeps content[:pos] and a proportionally reduced
	// duration; newContent becomes a new row placed immediately after it at
	// the midpoint index. Returns [ErrSegmentNotFound] or [ErrSplitPosition]
	// on invalid input.
	SplitSegment(ctx context.Context, segmentID int64, pos int, newContent string) (SplitResult, error)

	// MergeSegments collapses the given segments (≥2, same session) into
	// the one at the lowest index, or at keepIndex when non-nil. Content is
	// concatenated in index order regardless of the order of ids; the kept
	// row receives the earliest start time and the summed duration; all
	// other rows are deleted. Returns the kept segment id.
	MergeSegments(ctx context.Context, segmentIDs []int64, keepIndex *float64) (int64, error)

	// SessionSegments returns all segments of a session ordered by index.
	SessionSegments(ctx context.Context, sessionID int64) ([]Segment, error)
}

// SpeakerIndex is the optional voiceprint lookup a store may provide. Speaker
// registries use it to resolve embedding-only diarization results to known
// speakers before falling back to enrolling a new one.
type SpeakerIndex interface {
	// NearestSpeaker returns the enrolled speaker whose stored embedding has
	// the highest cosine similarity to embedding, or nil when no enrolled
	// speaker reaches minSimilarity.
	NearestSpeaker(ctx context.Context, embedding []float32, minSimilarity float64) (*Speaker, error)

	// AddSpeakerEmbedding stores (or replaces) the voiceprint of a speaker.
	AddSpeakerEmbedding(ctx context.Context, speakerID int64, embedding []float32) error
}
