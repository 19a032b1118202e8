package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voxweave/voxweave/pkg/transcript"
)

// fakeStore is an in-memory transcript.Store for pipeline-level tests.
type fakeStore struct {
	mu         sync.Mutex
	speakers   map[string]int64
	bindings   map[string]int64 // "session/speaker" -> binding id
	locals     map[int64]int    // binding id -> local ordinal
	appended   []transcript.NewSegment
	appendErr  error
	nextID     int64
	embeddings map[int64][]float32
	enrolled   []transcript.Speaker
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		speakers:   make(map[string]int64),
		bindings:   make(map[string]int64),
		locals:     make(map[int64]int),
		embeddings: make(map[int64][]float32),
		nextID:     1,
	}
}

func (f *fakeStore) CreateSession(ctx context.Context, name string, date time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	return id, nil
}

func (f *fakeStore) EnsureSpeaker(ctx context.Context, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.speakers[name]; ok {
		return id, nil
	}
	id := f.nextID
	f.nextID++
	f.speakers[name] = id
	return id, nil
}

func (f *fakeStore) EnsureSessionSpeaker(ctx context.Context, sessionID, speakerID int64, localID *int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%d/%d", sessionID, speakerID)
	if id, ok := f.bindings[key]; ok {
		return id, nil
	}
	id := f.nextID
	f.nextID++
	f.bindings[key] = id
	if localID != nil {
		f.locals[id] = *localID
	}
	return id, nil
}

func (f *fakeStore) AppendSegment(ctx context.Context, seg transcript.NewSegment) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return 0, f.appendErr
	}
	f.appended = append(f.appended, seg)
	id := f.nextID
	f.nextID++
	return id, nil
}

func (f *fakeStore) SplitSegment(ctx context.Context, segmentID int64, pos int, newContent string) (transcript.SplitResult, error) {
	return transcript.SplitResult{}, errors.New("not supported")
}

func (f *fakeStore) MergeSegments(ctx context.Context, segmentIDs []int64, keepIndex *float64) (int64, error) {
	return 0, errors.New("not supported")
}

func (f *fakeStore) SessionSegments(ctx context.Context, sessionID int64) ([]transcript.Segment, error) {
	return nil, nil
}

func (f *fakeStore) segments() []transcript.NewSegment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transcript.NewSegment(nil), f.appended...)
}

var _ transcript.Store = (*fakeStore)(nil)

// fakeStore also acts as a SpeakerIndex with exact-match lookup.
func (f *fakeStore) NearestSpeaker(ctx context.Context, embedding []float32, minSimilarity float64) (*transcript.Speaker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.enrolled {
		sp := f.enrolled[i]
		stored := f.embeddings[sp.ID]
		if len(stored) == len(embedding) && len(stored) > 0 && stored[0] == embedding[0] {
			return &sp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) AddSpeakerEmbedding(ctx context.Context, speakerID int64, embedding []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embeddings[speakerID] = embedding
	for name, id := range f.speakers {
		if id == speakerID {
			f.enrolled = append(f.enrolled, transcript.Speaker{ID: id, Name: name})
		}
	}
	return nil
}

var _ transcript.SpeakerIndex = (*fakeStore)(nil)

func TestRegistryReservedSpeakers(t *testing.T) {
	store := newFakeStore()
	r, err := NewSpeakerRegistry(context.Background(), store, 1)
	if err != nil {
		t.Fatalf("NewSpeakerRegistry: %v", err)
	}

	rec, _, err := r.Resolve(context.Background(), agentRecord("hi", time.Now()))
	if err != nil {
		t.Fatalf("Resolve agent: %v", err)
	}
	if rec.SpeakerLocalID != transcript.ReservedAgentSpeaker || rec.SpeakerName != transcript.AgentSpeakerName {
		t.Errorf("agent resolved to %q/%d", rec.SpeakerName, rec.SpeakerLocalID)
	}

	rec, _, err = r.Resolve(context.Background(), Record{
		SpeakerName:    transcript.UnknownSpeakerName,
		SpeakerLocalID: transcript.UnknownSpeaker,
	})
	if err != nil {
		t.Fatalf("Resolve unknown: %v", err)
	}
	if rec.SpeakerLocalID != transcript.UnknownSpeaker {
		t.Errorf("unknown local id = %d, want -1", rec.SpeakerLocalID)
	}
}

func TestRegistryAssignsOrdinalsInOrder(t *testing.T) {
	store := newFakeStore()
	r, err := NewSpeakerRegistry(context.Background(), store, 1)
	if err != nil {
		t.Fatalf("NewSpeakerRegistry: %v", err)
	}

	ctx := context.Background()
	first, _, _ := r.Resolve(ctx, Record{SpeakerName: "alice"})
	second, _, _ := r.Resolve(ctx, Record{SpeakerName: "bob"})
	repeat, _, _ := r.Resolve(ctx, Record{SpeakerName: "alice"})

	if first.SpeakerLocalID != 1 {
		t.Errorf("first speaker ordinal = %d, want 1", first.SpeakerLocalID)
	}
	if second.SpeakerLocalID != 2 {
		t.Errorf("second speaker ordinal = %d, want 2", second.SpeakerLocalID)
	}
	if repeat.SpeakerLocalID != 1 {
		t.Errorf("repeated speaker ordinal = %d, want stable 1", repeat.SpeakerLocalID)
	}
}

func TestRegistryVoiceprintResolution(t *testing.T) {
	store := newFakeStore()
	r, err := NewSpeakerRegistry(context.Background(), store, 1,
		WithSpeakerIndex(store, 0.4))
	if err != nil {
		t.Fatalf("NewSpeakerRegistry: %v", err)
	}
	ctx := context.Background()

	// First embedding-only record enrolls a brand new speaker.
	rec, _, err := r.Resolve(ctx, Record{
		SpeakerName:      transcript.UnknownSpeakerName,
		SpeakerEmbedding: []float32{0.7, 0.1},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.SpeakerName != "speaker_1" || rec.SpeakerLocalID != 1 {
		t.Fatalf("enrolled as %q/%d, want speaker_1/1", rec.SpeakerName, rec.SpeakerLocalID)
	}

	// The same voiceprint now resolves to the enrolled speaker.
	rec, _, err = r.Resolve(ctx, Record{
		SpeakerName:      transcript.UnknownSpeakerName,
		SpeakerEmbedding: []float32{0.7, 0.1},
	})
	if err != nil {
		t.Fatalf("Resolve again: %v", err)
	}
	if rec.SpeakerName != "speaker_1" || rec.SpeakerLocalID != 1 {
		t.Errorf("re-resolution = %q/%d, want speaker_1/1", rec.SpeakerName, rec.SpeakerLocalID)
	}

	// A different voiceprint enrolls the next ordinal.
	rec, _, _ = r.Resolve(ctx, Record{
		SpeakerName:      transcript.UnknownSpeakerName,
		SpeakerEmbedding: []float32{0.2, 0.9},
	})
	if rec.SpeakerName != "speaker_2" || rec.SpeakerLocalID != 2 {
		t.Errorf("second enrollment = %q/%d, want speaker_2/2", rec.SpeakerName, rec.SpeakerLocalID)
	}
}

func TestStoreWriterPersists(t *testing.T) {
	store := newFakeStore()
	r, err := NewSpeakerRegistry(context.Background(), store, 42)
	if err != nil {
		t.Fatalf("NewSpeakerRegistry: %v", err)
	}
	w := NewStoreWriter(store, r, 42)

	start := time.Now()
	rec, err := w.Persist(context.Background(), Record{
		SegmentID:   1,
		SpeakerName: "alice",
		Type:        transcript.SegmentTranscript,
		Content:     "hello",
		StartTime:   start,
		Duration:    2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if rec.SpeakerLocalID != 1 {
		t.Errorf("resolved local id = %d, want 1", rec.SpeakerLocalID)
	}

	segs := store.segments()
	if len(segs) != 1 {
		t.Fatalf("appended %d segments, want 1", len(segs))
	}
	got := segs[0]
	if got.SessionID != 42 || got.Content != "hello" || got.Duration != 2*time.Second {
		t.Errorf("appended segment = %+v", got)
	}
	if got.Index != 0 {
		t.Errorf("append carried explicit index %v, want store-assigned", got.Index)
	}
}
