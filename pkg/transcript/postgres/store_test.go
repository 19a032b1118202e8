package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxweave/voxweave/pkg/transcript"
	"github.com/voxweave/voxweave/pkg/transcript/postgres"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if VOXWEAVE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOXWEAVE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOXWEAVE_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
// It calls t.Cleanup to close the store when the test finishes.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	store, err := postgres.NewStore(ctx, dsn, testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

// dropSchema removes all tables created by Migrate in reverse dependency order.
func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS transcripts CASCADE",
		"DROP TABLE IF EXISTS session_speakers CASCADE",
		"DROP TABLE IF EXISTS speakers CASCADE",
		"DROP TABLE IF EXISTS sessions CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

// newTestSession creates a session with one bound speaker and returns both ids.
func newTestSession(t *testing.T, store *postgres.Store) (sessionID, bindingID int64) {
	t.Helper()
	ctx := context.Background()

	sessionID, err := store.CreateSession(ctx, "test session", time.Now())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	speakerID, err := store.EnsureSpeaker(ctx, "speaker_1")
	if err != nil {
		t.Fatalf("EnsureSpeaker: %v", err)
	}
	bindingID, err = store.EnsureSessionSpeaker(ctx, sessionID, speakerID, nil)
	if err != nil {
		t.Fatalf("EnsureSessionSpeaker: %v", err)
	}
	return sessionID, bindingID
}

func appendSegment(t *testing.T, store *postgres.Store, sessionID, bindingID int64, content string, start time.Time, dur time.Duration) int64 {
	t.Helper()
	id, err := store.AppendSegment(context.Background(), transcript.NewSegment{
		SessionID:        sessionID,
		SessionSpeakerID: bindingID,
		Type:             transcript.SegmentTranscript,
		Content:          content,
		StartTime:        start,
		Duration:         dur,
	})
	if err != nil {
		t.Fatalf("AppendSegment %q: %v", content, err)
	}
	return id
}

func sessionSegments(t *testing.T, store *postgres.Store, sessionID int64) []transcript.Segment {
	t.Helper()
	segs, err := store.SessionSegments(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("SessionSegments: %v", err)
	}
	return segs
}

func TestAppendAssignsIntegerIndexes(t *testing.T) {
	store := newTestStore(t)
	sessionID, bindingID := newTestSession(t, store)
	now := time.Now()

	appendSegment(t, store, sessionID, bindingID, "first", now, time.Second)
	appendSegment(t, store, sessionID, bindingID, "second", now.Add(time.Second), time.Second)
	appendSegment(t, store, sessionID, bindingID, "third", now.Add(2*time.Second), time.Second)

	segs := sessionSegments(t, store, sessionID)
	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 3", len(segs))
	}
	for i, want := range []float64{1, 2, 3} {
		if segs[i].Index != want {
			t.Errorf("segment %d index = %v, want %v", i, segs[i].Index, want)
		}
	}
	if segs[0].Content != "first" || segs[2].Content != "third" {
		t.Errorf("segments out of order: %q … %q", segs[0].Content, segs[2].Content)
	}
}

func TestAppendRejectsUnknownSegmentType(t *testing.T) {
	store := newTestStore(t)
	sessionID, bindingID := newTestSession(t, store)

	_, err := store.AppendSegment(context.Background(), transcript.NewSegment{
		SessionID:        sessionID,
		SessionSpeakerID: bindingID,
		Type:             transcript.SegmentType("gibberish"),
		Content:          "x",
		StartTime:        time.Now(),
	})
	if err == nil {
		t.Fatal("append with unknown segment type: want error")
	}
}

func TestEnsureSessionSpeakerOrdinals(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sessionID, err := store.CreateSession(ctx, "s", time.Now())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// The agent pins ordinal 0, the unknown speaker pins -1; humans are
	// assigned 1, 2, … in order of first appearance.
	agent, _ := store.EnsureSpeaker(ctx, transcript.AgentSpeakerName)
	unknown, _ := store.EnsureSpeaker(ctx, transcript.UnknownSpeakerName)
	alice, _ := store.EnsureSpeaker(ctx, "speaker_1")
	bob, _ := store.EnsureSpeaker(ctx, "speaker_2")

	zero, minusOne := 0, -1
	if _, err := store.EnsureSessionSpeaker(ctx, sessionID, agent, &zero); err != nil {
		t.Fatalf("bind agent: %v", err)
	}
	if _, err := store.EnsureSessionSpeaker(ctx, sessionID, unknown, &minusOne); err != nil {
		t.Fatalf("bind unknown: %v", err)
	}

	first, err := store.EnsureSessionSpeaker(ctx, sessionID, alice, nil)
	if err != nil {
		t.Fatalf("bind alice: %v", err)
	}
	again, err := store.EnsureSessionSpeaker(ctx, sessionID, alice, nil)
	if err != nil {
		t.Fatalf("re-bind alice: %v", err)
	}
	if first != again {
		t.Errorf("re-binding returned new id %d, want %d", again, first)
	}
	if _, err := store.EnsureSessionSpeaker(ctx, sessionID, bob, nil); err != nil {
		t.Fatalf("bind bob: %v", err)
	}

	// A second session numbers independently.
	session2, _ := store.CreateSession(ctx, "s2", time.Now())
	if _, err := store.EnsureSessionSpeaker(ctx, session2, bob, nil); err != nil {
		t.Fatalf("bind bob in session 2: %v", err)
	}
}

func TestSplitSegment(t *testing.T) {
	store := newTestStore(t)
	sessionID, bindingID := newTestSession(t, store)
	start := time.Now().UTC().Truncate(time.Millisecond)

	orig := appendSegment(t, store, sessionID, bindingID, "hello world", start, 11*time.Second)
	appendSegment(t, store, sessionID, bindingID, "next", start.Add(11*time.Second), time.Second)

	res, err := store.SplitSegment(context.Background(), orig, 3, "lo world")
	if err != nil {
		t.Fatalf("SplitSegment: %v", err)
	}
	if res.OriginalID != orig {
		t.Errorf("OriginalID = %d, want %d", res.OriginalID, orig)
	}

	segs := sessionSegments(t, store, sessionID)
	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 3", len(segs))
	}

	kept, inserted := segs[0], segs[1]
	if kept.Content != "hel" || kept.Index != 1.0 {
		t.Errorf("kept = %q @ %v, want \"hel\" @ 1", kept.Content, kept.Index)
	}
	if kept.Duration != 3*time.Second {
		t.Errorf("kept duration = %v, want 3s", kept.Duration)
	}
	if inserted.ID != res.NewID || inserted.Content != "lo world" {
		t.Errorf("inserted = id %d %q, want id %d \"lo world\"", inserted.ID, inserted.Content, res.NewID)
	}
	if inserted.Index != 1.5 {
		t.Errorf("inserted index = %v, want 1.5", inserted.Index)
	}
	if inserted.Duration != 8*time.Second {
		t.Errorf("inserted duration = %v, want 8s", inserted.Duration)
	}
	if !inserted.StartTime.Equal(start.Add(3 * time.Second)) {
		t.Errorf("inserted start = %v, want %v", inserted.StartTime, start.Add(3*time.Second))
	}
}

func TestSplitLastSegmentUsesNextIntegerIndex(t *testing.T) {
	store := newTestStore(t)
	sessionID, bindingID := newTestSession(t, store)

	orig := appendSegment(t, store, sessionID, bindingID, "ab", time.Now(), 2*time.Second)
	if _, err := store.SplitSegment(context.Background(), orig, 1, "b"); err != nil {
		t.Fatalf("SplitSegment: %v", err)
	}

	segs := sessionSegments(t, store, sessionID)
	if len(segs) != 2 || segs[1].Index != 2.0 {
		t.Fatalf("segments = %+v, want remainder at index 2", segs)
	}
}

func TestSplitErrors(t *testing.T) {
	store := newTestStore(t)
	sessionID, bindingID := newTestSession(t, store)
	ctx := context.Background()

	id := appendSegment(t, store, sessionID, bindingID, "abc", time.Now(), time.Second)

	if _, err := store.SplitSegment(ctx, id+1000, 1, ""); !errors.Is(err, transcript.ErrSegmentNotFound) {
		t.Errorf("missing segment: err = %v, want ErrSegmentNotFound", err)
	}
	if _, err := store.SplitSegment(ctx, id, 4, ""); !errors.Is(err, transcript.ErrSplitPosition) {
		t.Errorf("out-of-range pos: err = %v, want ErrSplitPosition", err)
	}
	if _, err := store.SplitSegment(ctx, id, -1, ""); !errors.Is(err, transcript.ErrSplitPosition) {
		t.Errorf("negative pos: err = %v, want ErrSplitPosition", err)
	}

	// Errors must not leave partial state behind.
	segs := sessionSegments(t, store, sessionID)
	if len(segs) != 1 || segs[0].Content != "abc" {
		t.Errorf("segments after failed splits = %+v, want single unchanged row", segs)
	}
}

func TestMergeSegments(t *testing.T) {
	store := newTestStore(t)
	sessionID, bindingID := newTestSession(t, store)
	start := time.Now().UTC().Truncate(time.Millisecond)

	a := appendSegment(t, store, sessionID, bindingID, "hel", start, 3*time.Second)
	b := appendSegment(t, store, sessionID, bindingID, "lo world", start.Add(3*time.Second), 8*time.Second)
	c := appendSegment(t, store, sessionID, bindingID, "!!", start.Add(11*time.Second), time.Second)

	// Ids passed out of order; content must still concatenate by index.
	kept, err := store.MergeSegments(context.Background(), []int64{c, b}, nil)
	if err != nil {
		t.Fatalf("MergeSegments: %v", err)
	}
	if kept != b {
		t.Errorf("kept id = %d, want lowest-index row %d", kept, b)
	}

	segs := sessionSegments(t, store, sessionID)
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	merged := segs[1]
	if merged.Content != "lo world!!" {
		t.Errorf("merged content = %q, want \"lo world!!\"", merged.Content)
	}
	if merged.Duration != 9*time.Second {
		t.Errorf("merged duration = %v, want 9s", merged.Duration)
	}
	if !merged.StartTime.Equal(start.Add(3 * time.Second)) {
		t.Errorf("merged start = %v, want %v", merged.StartTime, start.Add(3*time.Second))
	}
	if segs[0].ID != a {
		t.Errorf("untouched segment id = %d, want %d", segs[0].ID, a)
	}
}

func TestMergeKeepIndex(t *testing.T) {
	store := newTestStore(t)
	sessionID, bindingID := newTestSession(t, store)
	now := time.Now()

	a := appendSegment(t, store, sessionID, bindingID, "one ", now, time.Second)
	b := appendSegment(t, store, sessionID, bindingID, "two", now.Add(time.Second), time.Second)

	keep := 2.0
	kept, err := store.MergeSegments(context.Background(), []int64{a, b}, &keep)
	if err != nil {
		t.Fatalf("MergeSegments: %v", err)
	}
	if kept != b {
		t.Errorf("kept id = %d, want %d (index 2)", kept, b)
	}

	segs := sessionSegments(t, store, sessionID)
	if len(segs) != 1 || segs[0].Index != 2.0 || segs[0].Content != "one two" {
		t.Errorf("segments = %+v, want single \"one two\" at index 2", segs)
	}

	missing := 7.0
	if _, err := store.MergeSegments(context.Background(), []int64{kept, kept}, &missing); !errors.Is(err, transcript.ErrTooFewSegments) {
		t.Errorf("duplicate ids: err = %v, want ErrTooFewSegments", err)
	}
}

func TestMergeErrors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session1, binding1 := newTestSession(t, store)
	a := appendSegment(t, store, session1, binding1, "a", time.Now(), time.Second)
	b := appendSegment(t, store, session1, binding1, "b", time.Now(), time.Second)

	session2, binding2 := newTestSession(t, store)
	other := appendSegment(t, store, session2, binding2, "x", time.Now(), time.Second)

	if _, err := store.MergeSegments(ctx, []int64{a}, nil); !errors.Is(err, transcript.ErrTooFewSegments) {
		t.Errorf("single id: err = %v, want ErrTooFewSegments", err)
	}
	if _, err := store.MergeSegments(ctx, []int64{a, other}, nil); !errors.Is(err, transcript.ErrCrossSession) {
		t.Errorf("cross session: err = %v, want ErrCrossSession", err)
	}
	if _, err := store.MergeSegments(ctx, []int64{a, b + 1000}, nil); !errors.Is(err, transcript.ErrSegmentNotFound) {
		t.Errorf("missing id: err = %v, want ErrSegmentNotFound", err)
	}

	// All failures rolled back.
	segs := sessionSegments(t, store, session1)
	if len(segs) != 2 {
		t.Errorf("got %d segments after failed merges, want 2", len(segs))
	}
}

func TestSplitThenMergeRoundTrip(t *testing.T) {
	store := newTestStore(t)
	sessionID, bindingID := newTestSession(t, store)
	start := time.Now().UTC().Truncate(time.Millisecond)

	orig := appendSegment(t, store, sessionID, bindingID, "hello world", start, 11*time.Second)
	res, err := store.SplitSegment(context.Background(), orig, 5, " world")
	if err != nil {
		t.Fatalf("SplitSegment: %v", err)
	}

	kept, err := store.MergeSegments(context.Background(), []int64{res.OriginalID, res.NewID}, nil)
	if err != nil {
		t.Fatalf("MergeSegments: %v", err)
	}

	segs := sessionSegments(t, store, sessionID)
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	got := segs[0]
	if got.ID != kept || got.Content != "hello world" || got.Duration != 11*time.Second {
		t.Errorf("round trip = %+v, want original content and duration back", got)
	}
	if !got.StartTime.Equal(start) {
		t.Errorf("round trip start = %v, want %v", got.StartTime, start)
	}
}

func TestSpeakerIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	alice, _ := store.EnsureSpeaker(ctx, "speaker_1")
	bob, _ := store.EnsureSpeaker(ctx, "speaker_2")

	if err := store.AddSpeakerEmbedding(ctx, alice, []float32{1, 0, 0, 0}); err != nil {
		t.Fatalf("AddSpeakerEmbedding: %v", err)
	}
	if err := store.AddSpeakerEmbedding(ctx, bob, []float32{0, 1, 0, 0}); err != nil {
		t.Fatalf("AddSpeakerEmbedding: %v", err)
	}

	got, err := store.NearestSpeaker(ctx, []float32{0.9, 0.1, 0, 0}, 0.4)
	if err != nil {
		t.Fatalf("NearestSpeaker: %v", err)
	}
	if got == nil || got.ID != alice {
		t.Fatalf("NearestSpeaker = %+v, want speaker_1", got)
	}

	// Orthogonal probe falls below the similarity floor.
	far, err := store.NearestSpeaker(ctx, []float32{0, 0, 0, 1}, 0.4)
	if err != nil {
		t.Fatalf("NearestSpeaker: %v", err)
	}
	if far != nil {
		t.Errorf("NearestSpeaker below threshold = %+v, want nil", far)
	}

	if err := store.AddSpeakerEmbedding(ctx, alice+bob+1000, []float32{0, 0, 1, 0}); err == nil {
		t.Error("AddSpeakerEmbedding on missing speaker: want error")
	}
}
