// Package postgres provides the PostgreSQL-backed implementation of the
// Voxweave transcript store.
//
// All operations share a single [pgxpool.Pool]. Corrective operations (split,
// merge) run inside a transaction with the affected rows locked, so readers
// never observe a half-applied edit. The pgvector extension is used for the
// optional speaker-embedding index; [Migrate] installs it via
// CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 256)
//	if err != nil { … }
//	defer store.Close()
//
//	sessionID, _ := store.CreateSession(ctx, "standup", time.Now())
//	segID, _ := store.AppendSegment(ctx, transcript.NewSegment{…})
//	res, _ := store.SplitSegment(ctx, segID, 3, "lo world")
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/voxweave/voxweave/pkg/transcript"
)

// Compile-time interface checks.
var (
	_ transcript.Store        = (*Store)(nil)
	_ transcript.SpeakerIndex = (*Store)(nil)
)

// Store is the PostgreSQL-backed transcript repository. It implements
// [transcript.Store] and [transcript.SpeakerIndex].
//
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate] to ensure all required tables and extensions exist.
//
// embeddingDimensions must match the output dimension of the speaker
// embedding extractor feeding [Store.AddSpeakerEmbedding]. Changing this value
// after the first migration requires a manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript store: parse dsn: %w", err)
	}

	// Register pgvector types so the speakers.embedding column can be
	// scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("transcript store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping verifies database connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
