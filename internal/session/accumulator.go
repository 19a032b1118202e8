package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/voxweave/voxweave/pkg/annotator"
	"github.com/voxweave/voxweave/pkg/transcript"
)

// DeadlinePolicy decides what happens to a segment whose annotator set is
// still incomplete when its deadline passes.
type DeadlinePolicy string

const (
	// PolicyForce emits the segment with whatever results have arrived.
	PolicyForce DeadlinePolicy = "force"

	// PolicyDrop discards the segment.
	PolicyDrop DeadlinePolicy = "drop"
)

// IsValid reports whether p is a known policy.
func (p DeadlinePolicy) IsValid() bool {
	return p == PolicyForce || p == PolicyDrop
}

// AccumulatorOption is a functional option for configuring an [Accumulator].
type AccumulatorOption func(*Accumulator)

// WithDeadline bounds how long a segment may stay open after its first
// result. A zero duration disables the deadline entirely.
func WithDeadline(d time.Duration, policy DeadlinePolicy) AccumulatorOption {
	return func(a *Accumulator) {
		a.deadline = d
		a.policy = policy
	}
}

// WithClock replaces the wall clock. For tests.
func WithClock(now func() time.Time) AccumulatorOption {
	return func(a *Accumulator) {
		a.now = now
	}
}

// Accumulator joins per-segment annotator results into complete [Record]
// values. Each segment opens on its first result and closes when every
// required annotator has reported done, in whatever order the annotators
// finish. Closed segments leave the accumulator immediately; their state is
// never consulted again, so a reused segment id opens a fresh segment.
//
// Safe for concurrent use by one goroutine per annotator stream.
type Accumulator struct {
	required annotator.Flag
	deadline time.Duration
	policy   DeadlinePolicy
	now      func() time.Time

	mu   sync.Mutex
	open map[uint64]*openSegment
}

type openSegment struct {
	rec   Record
	flags annotator.Flag
}

// NewAccumulator creates an Accumulator requiring the given annotator set
// per segment. required must name at least one annotator.
func NewAccumulator(required annotator.Flag, opts ...AccumulatorOption) (*Accumulator, error) {
	if required == 0 {
		return nil, fmt.Errorf("accumulator: required annotator set is empty")
	}
	a := &Accumulator{
		required: required,
		policy:   PolicyForce,
		now:      time.Now,
		open:     make(map[uint64]*openSegment),
	}
	for _, o := range opts {
		o(a)
	}
	if a.deadline > 0 && !a.policy.IsValid() {
		return nil, fmt.Errorf("accumulator: unknown deadline policy %q", a.policy)
	}
	return a, nil
}

// Apply folds one annotator result into its segment. When the result
// completes the segment's required set, the finished record is returned with
// done=true and the segment is discarded.
//
// Results from annotators outside the required set still update the record
// but can never complete a segment on their own.
func (a *Accumulator) Apply(p annotator.Partial) (rec Record, done bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	seg, ok := a.open[p.Segment()]
	if !ok {
		seg = &openSegment{rec: Record{
			SegmentID:      p.Segment(),
			SpeakerName:    transcript.UnknownSpeakerName,
			SpeakerLocalID: transcript.UnknownSpeaker,
			Type:           transcript.SegmentTranscript,
			StartTime:      a.now(),
		}}
		a.open[p.Segment()] = seg
	}

	switch v := p.(type) {
	case annotator.TextPartial:
		seg.rec.Content += v.Text
	case annotator.SpeakerPartial:
		if v.Name != "" {
			seg.rec.SpeakerName = v.Name
			seg.rec.SpeakerEmbedding = nil
		} else if len(v.Embedding) > 0 {
			seg.rec.SpeakerEmbedding = v.Embedding
		}
	case annotator.TypePartial:
		seg.rec.Type = v.Type
	}

	if p.Done() {
		seg.flags |= p.Kind().Flag()
	}

	if !seg.flags.Has(a.required) {
		return Record{}, false
	}

	delete(a.open, p.Segment())
	seg.rec.Duration = a.now().Sub(seg.rec.StartTime)
	return seg.rec, true
}

// Sweep closes every open segment whose deadline has passed as of now.
// Under [PolicyForce] the expired segments are returned as records to emit;
// under [PolicyDrop] they are returned as dropped. With no deadline
// configured Sweep is a no-op.
func (a *Accumulator) Sweep(now time.Time) (emit, dropped []Record) {
	if a.deadline <= 0 {
		return nil, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for id, seg := range a.open {
		if now.Sub(seg.rec.StartTime) < a.deadline {
			continue
		}
		delete(a.open, id)
		seg.rec.Duration = now.Sub(seg.rec.StartTime)
		if a.policy == PolicyDrop {
			dropped = append(dropped, seg.rec)
		} else {
			emit = append(emit, seg.rec)
		}
	}
	return emit, dropped
}

// Flush closes every remaining open segment, regardless of deadline. Used on
// session shutdown. The deadline policy applies: [PolicyDrop] discards the
// leftovers instead of emitting them.
func (a *Accumulator) Flush() (emit, dropped []Record) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	for id, seg := range a.open {
		delete(a.open, id)
		seg.rec.Duration = now.Sub(seg.rec.StartTime)
		if a.policy == PolicyDrop {
			dropped = append(dropped, seg.rec)
		} else {
			emit = append(emit, seg.rec)
		}
	}
	return emit, dropped
}

// Open returns the number of segments currently held open.
func (a *Accumulator) Open() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.open)
}
