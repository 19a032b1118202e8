package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voxweave/voxweave/pkg/transcript"
)

const defaultMinSimilarity = 0.4

// RegistryOption is a functional option for configuring a [SpeakerRegistry].
type RegistryOption func(*SpeakerRegistry)

// WithSpeakerIndex enables voiceprint resolution: embedding-only
// identification results are matched against enrolled speakers, and newly
// enrolled speakers get their embedding stored. minSimilarity is the cosine
// similarity floor for a match; values at or below zero use the default 0.4.
func WithSpeakerIndex(index transcript.SpeakerIndex, minSimilarity float64) RegistryOption {
	return func(r *SpeakerRegistry) {
		r.index = index
		if minSimilarity > 0 {
			r.minSimilarity = minSimilarity
		}
	}
}

// SpeakerRegistry assigns session-local speaker ordinals and keeps the
// store's speaker bindings in sync with what the pipeline emits. Ordinal 0 is
// the agent, -1 the unknown speaker; humans are numbered 1, 2, … in order of
// first appearance within the session.
//
// Safe for concurrent use, though in practice only the dispatcher calls it.
type SpeakerRegistry struct {
	store         transcript.Store
	index         transcript.SpeakerIndex
	sessionID     int64
	minSimilarity float64

	mu        sync.Mutex
	bindings  map[string]speakerBinding
	nextLocal int
}

type speakerBinding struct {
	bindingID int64
	localID   int
}

// NewSpeakerRegistry creates a registry for one session and eagerly binds
// the two reserved speakers (agent and unknown).
func NewSpeakerRegistry(ctx context.Context, store transcript.Store, sessionID int64, opts ...RegistryOption) (*SpeakerRegistry, error) {
	r := &SpeakerRegistry{
		store:         store,
		sessionID:     sessionID,
		minSimilarity: defaultMinSimilarity,
		bindings:      make(map[string]speakerBinding),
		nextLocal:     1,
	}
	for _, o := range opts {
		o(r)
	}

	for _, reserved := range []struct {
		name  string
		local int
	}{
		{transcript.AgentSpeakerName, transcript.ReservedAgentSpeaker},
		{transcript.UnknownSpeakerName, transcript.UnknownSpeaker},
	} {
		local := reserved.local
		if _, err := r.bind(ctx, reserved.name, &local); err != nil {
			return nil, fmt.Errorf("speaker registry: bind %q: %w", reserved.name, err)
		}
	}
	return r, nil
}

// Resolve fills in the speaker identity of a record: the display name (for
// embedding-only results), the session-local ordinal, and the store binding
// id used for persistence.
func (r *SpeakerRegistry) Resolve(ctx context.Context, rec Record) (Record, int64, error) {
	name := rec.SpeakerName
	var enrollEmbedding []float32

	if name == transcript.UnknownSpeakerName && len(rec.SpeakerEmbedding) > 0 && r.index != nil {
		sp, err := r.index.NearestSpeaker(ctx, rec.SpeakerEmbedding, r.minSimilarity)
		if err != nil {
			return rec, 0, fmt.Errorf("speaker registry: voiceprint lookup: %w", err)
		}
		if sp != nil {
			name = sp.Name
		} else {
			// No enrolled speaker is close enough: enroll a new one
			// under the next free ordinal.
			name = r.nextSpeakerName()
			enrollEmbedding = rec.SpeakerEmbedding
		}
	}

	binding, err := r.bind(ctx, name, nil)
	if err != nil {
		return rec, 0, fmt.Errorf("speaker registry: bind %q: %w", name, err)
	}

	if enrollEmbedding != nil {
		r.mu.Lock()
		speakerID, err := r.store.EnsureSpeaker(ctx, name)
		r.mu.Unlock()
		if err == nil {
			err = r.index.AddSpeakerEmbedding(ctx, speakerID, enrollEmbedding)
		}
		if err != nil {
			return rec, 0, fmt.Errorf("speaker registry: enroll %q: %w", name, err)
		}
	}

	rec.SpeakerName = name
	rec.SpeakerLocalID = binding.localID
	return rec, binding.bindingID, nil
}

// nextSpeakerName previews the name the next enrolled speaker will get. The
// ordinal is only consumed when bind actually registers the name.
func (r *SpeakerRegistry) nextSpeakerName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("speaker_%d", r.nextLocal)
}

// bind returns the cached binding for name, registering it with the store on
// first sight. A nil local assigns the next free ordinal.
func (r *SpeakerRegistry) bind(ctx context.Context, name string, local *int) (speakerBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.bindings[name]; ok {
		return b, nil
	}

	speakerID, err := r.store.EnsureSpeaker(ctx, name)
	if err != nil {
		return speakerBinding{}, err
	}

	if local == nil {
		l := r.nextLocal
		local = &l
	}
	bindingID, err := r.store.EnsureSessionSpeaker(ctx, r.sessionID, speakerID, local)
	if err != nil {
		return speakerBinding{}, err
	}
	if *local >= r.nextLocal {
		r.nextLocal = *local + 1
	}

	b := speakerBinding{bindingID: bindingID, localID: *local}
	r.bindings[name] = b
	return b, nil
}

// StoreWriter persists finished records through a [SpeakerRegistry] and the
// transcript store. It implements [Persister].
type StoreWriter struct {
	store     transcript.Store
	registry  *SpeakerRegistry
	sessionID int64
}

// NewStoreWriter creates a StoreWriter for one session.
func NewStoreWriter(store transcript.Store, registry *SpeakerRegistry, sessionID int64) *StoreWriter {
	return &StoreWriter{store: store, registry: registry, sessionID: sessionID}
}

var _ Persister = (*StoreWriter)(nil)

// Persist resolves the record's speaker and appends it to the transcript.
func (w *StoreWriter) Persist(ctx context.Context, rec Record) (Record, error) {
	rec, bindingID, err := w.registry.Resolve(ctx, rec)
	if err != nil {
		return rec, err
	}

	_, err = w.store.AppendSegment(ctx, transcript.NewSegment{
		SessionID:        w.sessionID,
		SessionSpeakerID: bindingID,
		Type:             rec.Type,
		Content:          rec.Content,
		StartTime:        rec.StartTime,
		Duration:         rec.Duration,
	})
	if err != nil {
		return rec, fmt.Errorf("store writer: append segment: %w", err)
	}
	return rec, nil
}

// agentRecord builds the dispatch record for one agent response.
func agentRecord(content string, now time.Time) Record {
	return Record{
		SpeakerName:    transcript.AgentSpeakerName,
		SpeakerLocalID: transcript.ReservedAgentSpeaker,
		Type:           transcript.SegmentAssistant,
		Content:        content,
		StartTime:      now,
	}
}
