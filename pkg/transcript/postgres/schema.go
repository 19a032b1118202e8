package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migrate creates all tables, indexes and extensions required by the
// transcript store if they do not already exist. It is idempotent and safe to
// run on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS sessions (
			session_id BIGSERIAL PRIMARY KEY,
			name       TEXT NOT NULL,
			date       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS speakers (
			speaker_id BIGSERIAL PRIMARY KEY,
			name       TEXT NOT NULL UNIQUE,
			embedding  vector(%d)
		)`, embeddingDimensions),

		`CREATE TABLE IF NOT EXISTS session_speakers (
			session_speaker_id BIGSERIAL PRIMARY KEY,
			session_id         BIGINT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
			speaker_id         BIGINT NOT NULL REFERENCES speakers(speaker_id) ON DELETE CASCADE,
			local_speaker_id   INT NOT NULL,
			UNIQUE (session_id, speaker_id),
			UNIQUE (session_id, local_speaker_id)
		)`,

		`CREATE TABLE IF NOT EXISTS transcripts (
			segment_id         BIGSERIAL PRIMARY KEY,
			session_id         BIGINT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
			session_speaker_id BIGINT NOT NULL REFERENCES session_speakers(session_speaker_id),
			segment_index      DOUBLE PRECISION NOT NULL,
			segment_type       TEXT NOT NULL
				CHECK (segment_type IN ('transcript', 'assistant', 'instruction')),
			segment_content    TEXT NOT NULL,
			start_time         TIMESTAMPTZ NOT NULL,
			duration_ns        BIGINT NOT NULL,
			UNIQUE (session_id, segment_index)
		)`,

		`CREATE INDEX IF NOT EXISTS transcripts_session_order_idx
			ON transcripts (session_id, segment_index)`,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}
