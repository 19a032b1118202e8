// Package annotator defines the interfaces between the session pipeline and
// the independent audio annotators feeding it: speech recognition (ASR),
// speaker identification (SID) and keyword spotting (KWS).
//
// Each annotator consumes the session's audio and emits a stream of
// [Partial] values keyed by segment id. A partial marked done tells the
// aggregator that this annotator will report nothing further for that
// segment; a segment is complete once every configured annotator has reported
// done for it.
package annotator

import (
	"context"

	"github.com/voxweave/voxweave/pkg/transcript"
)

// Kind names one annotator role in the pipeline.
type Kind string

const (
	// KindASR is automatic speech recognition; it produces segment text.
	KindASR Kind = "asr"

	// KindSID is speaker identification; it produces the segment speaker.
	KindSID Kind = "sid"

	// KindKWS is keyword spotting; it decides the segment type.
	KindKWS Kind = "kws"
)

// IsValid reports whether k names a known annotator role.
func (k Kind) IsValid() bool {
	switch k {
	case KindASR, KindSID, KindKWS:
		return true
	}
	return false
}

// Flag is the readiness bit of one annotator kind. A set of flags describes
// which annotators must report done before a segment may be emitted.
type Flag uint8

const (
	// FlagASR marks the recognized-text result.
	FlagASR Flag = 1 << iota

	// FlagSID marks the speaker result.
	FlagSID

	// FlagKWS marks the segment-type result.
	FlagKWS
)

// Flag returns the readiness bit of the kind, or 0 for an unknown kind.
func (k Kind) Flag() Flag {
	switch k {
	case KindASR:
		return FlagASR
	case KindSID:
		return FlagSID
	case KindKWS:
		return FlagKWS
	}
	return 0
}

// FlagSet folds the given kinds into one readiness mask.
func FlagSet(kinds ...Kind) Flag {
	var f Flag
	for _, k := range kinds {
		f |= k.Flag()
	}
	return f
}

// Has reports whether every bit of other is set in f.
func (f Flag) Has(other Flag) bool { return f&other == other }

// Partial is one annotator result for one segment. It is a closed set:
// [TextPartial], [SpeakerPartial] and [TypePartial] are the only
// implementations, so consumers may switch over them exhaustively.
type Partial interface {
	// Segment is the conversational segment id the result applies to.
	// Segment ids are assigned by the audio front-end and shared by all
	// annotators of a session.
	Segment() uint64

	// Done reports that the emitting annotator has finished this segment.
	Done() bool

	// Kind names the annotator role the result came from.
	Kind() Kind

	sealed()
}

// TextPartial is a piece of recognized speech. Text accumulates: each partial
// appends to the segment's content rather than replacing it.
type TextPartial struct {
	SegmentID uint64
	Text      string
	Finished  bool
}

func (p TextPartial) Segment() uint64 { return p.SegmentID }
func (p TextPartial) Done() bool      { return p.Finished }
func (p TextPartial) Kind() Kind      { return KindASR }
func (TextPartial) sealed()           {}

// SpeakerPartial is a speaker identification result. Name replaces any
// previously reported speaker for the segment. A result may carry only an
// Embedding, leaving Name empty; the speaker registry then resolves it
// against enrolled voiceprints.
type SpeakerPartial struct {
	SegmentID uint64
	Name      string
	Embedding []float32
	Finished  bool
}

func (p SpeakerPartial) Segment() uint64 { return p.SegmentID }
func (p SpeakerPartial) Done() bool      { return p.Finished }
func (p SpeakerPartial) Kind() Kind      { return KindSID }
func (SpeakerPartial) sealed()           {}

// TypePartial is a keyword spotting verdict. Type replaces any previously
// reported type for the segment.
type TypePartial struct {
	SegmentID uint64
	Type      transcript.SegmentType
	Finished  bool
}

func (p TypePartial) Segment() uint64 { return p.SegmentID }
func (p TypePartial) Done() bool      { return p.Finished }
func (p TypePartial) Kind() Kind      { return KindKWS }
func (TypePartial) sealed()           {}

// StreamConfig carries the per-session parameters an annotator needs.
type StreamConfig struct {
	// SampleRate is the PCM sample rate of the session audio in Hz.
	SampleRate int

	// Keywords are the trigger words the KWS annotator should spot.
	// Ignored by annotators that do not classify.
	Keywords []string
}

// Stream is one live annotator session.
type Stream interface {
	// SendAudio queues a PCM chunk for annotation. It returns an error once
	// the stream is closed.
	SendAudio(chunk []byte) error

	// Partials returns the stream of results. The channel is closed when
	// the stream ends.
	Partials() <-chan Partial

	// Close terminates the stream and releases its resources. Safe to call
	// more than once.
	Close() error
}

// Annotator opens per-session streams for one annotator role.
type Annotator interface {
	// Kind names the role this annotator fills.
	Kind() Kind

	// Open starts a stream for one session.
	Open(ctx context.Context, cfg StreamConfig) (Stream, error)
}
