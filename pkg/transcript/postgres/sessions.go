package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/voxweave/voxweave/pkg/transcript"
)

// CreateSession records a new session and returns its id.
func (s *Store) CreateSession(ctx context.Context, name string, date time.Time) (int64, error) {
	const q = `INSERT INTO sessions (name, date) VALUES ($1, $2) RETURNING session_id`

	var id int64
	if err := s.pool.QueryRow(ctx, q, name, date).Scan(&id); err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// EnsureSpeaker returns the id of the global speaker with the given name,
// inserting it on first sight. The upsert keeps the call idempotent under
// concurrent enrollment of the same name.
func (s *Store) EnsureSpeaker(ctx context.Context, name string) (int64, error) {
	const q = `INSERT INTO speakers (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING speaker_id`

	var id int64
	if err := s.pool.QueryRow(ctx, q, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("ensure speaker %q: %w", name, err)
	}
	return id, nil
}

// EnsureSessionSpeaker binds a speaker into a session and returns the binding
// id. Already-bound speakers return their existing binding. When localID is
// nil the next free positive ordinal is assigned; ordinal 0 stays reserved
// for the agent and negative ordinals never influence the assignment.
func (s *Store) EnsureSessionSpeaker(ctx context.Context, sessionID, speakerID int64, localID *int) (int64, error) {
	const q = `INSERT INTO session_speakers (session_id, speaker_id, local_speaker_id)
		VALUES ($1, $2, COALESCE($3::int, (
			SELECT GREATEST(COALESCE(MAX(local_speaker_id), 0), 0) + 1
			FROM session_speakers WHERE session_id = $1
		)))
		ON CONFLICT (session_id, speaker_id) DO UPDATE SET speaker_id = EXCLUDED.speaker_id
		RETURNING session_speaker_id`

	var id int64
	if err := s.pool.QueryRow(ctx, q, sessionID, speakerID, localID).Scan(&id); err != nil {
		return 0, fmt.Errorf("ensure session speaker %d in session %d: %w", speakerID, sessionID, err)
	}
	return id, nil
}

// NearestSpeaker returns the enrolled speaker whose embedding is closest to
// the given one by cosine similarity, or nil when none reaches minSimilarity.
func (s *Store) NearestSpeaker(ctx context.Context, embedding []float32, minSimilarity float64) (*transcript.Speaker, error) {
	const q = `SELECT speaker_id, name, 1 - (embedding <=> $1) AS similarity
		FROM speakers
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1
		LIMIT 1`

	var (
		sp         transcript.Speaker
		similarity float64
	)
	err := s.pool.QueryRow(ctx, q, pgvector.NewVector(embedding)).Scan(&sp.ID, &sp.Name, &similarity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("nearest speaker: %w", err)
	}
	if similarity < minSimilarity {
		return nil, nil
	}
	return &sp, nil
}

// AddSpeakerEmbedding stores (or replaces) the voiceprint of a speaker.
func (s *Store) AddSpeakerEmbedding(ctx context.Context, speakerID int64, embedding []float32) error {
	const q = `UPDATE speakers SET embedding = $2 WHERE speaker_id = $1`

	tag, err := s.pool.Exec(ctx, q, speakerID, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("add speaker embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("add speaker embedding: speaker %d not found", speakerID)
	}
	return nil
}
