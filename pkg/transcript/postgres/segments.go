package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/voxweave/voxweave/pkg/transcript"
)

// AppendSegment persists a finalized segment. A zero Index assigns
// max(session index)+1 inside the insert itself, so concurrent appends within
// one session cannot race a separately computed index.
func (s *Store) AppendSegment(ctx context.Context, seg transcript.NewSegment) (int64, error) {
	const q = `INSERT INTO transcripts
			(session_id, session_speaker_id, segment_index, segment_type, segment_content, start_time, duration_ns)
		VALUES ($1, $2,
			CASE WHEN $3::float8 > 0 THEN $3::float8
			ELSE (SELECT COALESCE(MAX(segment_index), 0) + 1 FROM transcripts WHERE session_id = $1)
			END,
			$4, $5, $6, $7)
		RETURNING segment_id`

	var id int64
	err := s.pool.QueryRow(ctx, q,
		seg.SessionID, seg.SessionSpeakerID, seg.Index,
		string(seg.Type), seg.Content, seg.StartTime, seg.Duration.Nanoseconds(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append segment: %w", err)
	}
	return id, nil
}

// SessionSegments returns all segments of a session ordered by index.
func (s *Store) SessionSegments(ctx context.Context, sessionID int64) ([]transcript.Segment, error) {
	const q = `SELECT segment_id, session_id, session_speaker_id, segment_index,
			segment_type, segment_content, start_time, duration_ns
		FROM transcripts
		WHERE session_id = $1
		ORDER BY segment_index`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session segments: %w", err)
	}
	segments, err := collectSegments(rows)
	if err != nil {
		return nil, fmt.Errorf("session segments: %w", err)
	}
	return segments, nil
}

// SplitSegment divides the segment at byte position pos. The original row
// keeps content[:pos] and a duration scaled by pos/len(content) (half when the
// content is empty); newContent becomes a new row at the midpoint index
// between the original and its successor, starting where the kept part ends.
// Both rows are written in one transaction with the original locked.
func (s *Store) SplitSegment(ctx context.Context, segmentID int64, pos int, newContent string) (transcript.SplitResult, error) {
	var res transcript.SplitResult

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("split segment: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const lockQ = `SELECT session_id, session_speaker_id, segment_index,
			segment_type, segment_content, start_time, duration_ns
		FROM transcripts WHERE segment_id = $1 FOR UPDATE`

	var (
		sessionID  int64
		speakerID  int64
		index      float64
		segType    string
		content    string
		startTime  time.Time
		durationNS int64
	)
	err = tx.QueryRow(ctx, lockQ, segmentID).
		Scan(&sessionID, &speakerID, &index, &segType, &content, &startTime, &durationNS)
	if errors.Is(err, pgx.ErrNoRows) {
		return res, fmt.Errorf("split segment %d: %w", segmentID, transcript.ErrSegmentNotFound)
	}
	if err != nil {
		return res, fmt.Errorf("split segment %d: lock: %w", segmentID, err)
	}

	if pos < 0 || pos > len(content) {
		return res, fmt.Errorf("split segment %d at %d of %d bytes: %w",
			segmentID, pos, len(content), transcript.ErrSplitPosition)
	}

	const nextQ = `SELECT MIN(segment_index) FROM transcripts
		WHERE session_id = $1 AND segment_index > $2`

	var next *float64
	if err := tx.QueryRow(ctx, nextQ, sessionID, index).Scan(&next); err != nil {
		return res, fmt.Errorf("split segment %d: next index: %w", segmentID, err)
	}

	keptDur, restDur := splitDurations(time.Duration(durationNS), pos, len(content))
	newIndex := insertionIndex(index, next)

	const updateQ = `UPDATE transcripts
		SET segment_content = $2, duration_ns = $3
		WHERE segment_id = $1`

	if _, err := tx.Exec(ctx, updateQ, segmentID, content[:pos], keptDur.Nanoseconds()); err != nil {
		return res, fmt.Errorf("split segment %d: shorten original: %w", segmentID, err)
	}

	const insertQ = `INSERT INTO transcripts
			(session_id, session_speaker_id, segment_index, segment_type, segment_content, start_time, duration_ns)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING segment_id`

	var newID int64
	err = tx.QueryRow(ctx, insertQ,
		sessionID, speakerID, newIndex, segType, newContent,
		startTime.Add(keptDur), restDur.Nanoseconds(),
	).Scan(&newID)
	if err != nil {
		return res, fmt.Errorf("split segment %d: insert remainder: %w", segmentID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("split segment %d: commit: %w", segmentID, err)
	}
	return transcript.SplitResult{OriginalID: segmentID, NewID: newID}, nil
}

// MergeSegments collapses the given segments into one row. The kept row is
// the lowest-index input, or the input whose index equals keepIndex when
// non-nil. Content is concatenated in index order; the kept row receives the
// earliest start time, the summed duration, and the speaker and type of the
// lowest-index input. All other rows are deleted in the same transaction.
func (s *Store) MergeSegments(ctx context.Context, segmentIDs []int64, keepIndex *float64) (int64, error) {
	ids := uniqueIDs(segmentIDs)
	if len(ids) < 2 {
		return 0, fmt.Errorf("merge segments: %w", transcript.ErrTooFewSegments)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("merge segments: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const lockQ = `SELECT segment_id, session_id, session_speaker_id, segment_index,
			segment_type, segment_content, start_time, duration_ns
		FROM transcripts
		WHERE segment_id = ANY($1)
		ORDER BY segment_index
		FOR UPDATE`

	rows, err := tx.Query(ctx, lockQ, ids)
	if err != nil {
		return 0, fmt.Errorf("merge segments: lock: %w", err)
	}
	segments, err := collectSegments(rows)
	if err != nil {
		return 0, fmt.Errorf("merge segments: lock: %w", err)
	}

	if len(segments) != len(ids) {
		return 0, fmt.Errorf("merge segments: %d of %d found: %w",
			len(segments), len(ids), transcript.ErrSegmentNotFound)
	}
	for _, seg := range segments[1:] {
		if seg.SessionID != segments[0].SessionID {
			return 0, fmt.Errorf("merge segments: %w", transcript.ErrCrossSession)
		}
	}

	kept := segments[0]
	if keepIndex != nil {
		found := false
		for _, seg := range segments {
			if seg.Index == *keepIndex {
				kept = seg
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("merge segments: keep index %v matches none of the inputs: %w",
				*keepIndex, transcript.ErrSegmentNotFound)
		}
	}

	content := ""
	total := time.Duration(0)
	start := segments[0].StartTime
	for _, seg := range segments {
		content += seg.Content
		total += seg.Duration
		if seg.StartTime.Before(start) {
			start = seg.StartTime
		}
	}

	const updateQ = `UPDATE transcripts
		SET session_speaker_id = $2, segment_type = $3, segment_content = $4,
			start_time = $5, duration_ns = $6
		WHERE segment_id = $1`

	_, err = tx.Exec(ctx, updateQ, kept.ID,
		segments[0].SessionSpeakerID, string(segments[0].Type), content,
		start, total.Nanoseconds())
	if err != nil {
		return 0, fmt.Errorf("merge segments: update kept row: %w", err)
	}

	dropIDs := make([]int64, 0, len(segments)-1)
	for _, seg := range segments {
		if seg.ID != kept.ID {
			dropIDs = append(dropIDs, seg.ID)
		}
	}

	const deleteQ = `DELETE FROM transcripts WHERE segment_id = ANY($1)`

	if _, err := tx.Exec(ctx, deleteQ, dropIDs); err != nil {
		return 0, fmt.Errorf("merge segments: delete merged rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("merge segments: commit: %w", err)
	}
	return kept.ID, nil
}

// splitDurations divides total proportionally at byte pos of length bytes.
// A zero-length segment splits evenly.
func splitDurations(total time.Duration, pos, length int) (kept, rest time.Duration) {
	ratio := 0.5
	if length > 0 {
		ratio = float64(pos) / float64(length)
	}
	kept = time.Duration(float64(total) * ratio)
	return kept, total - kept
}

// insertionIndex returns the fractional index for a row inserted directly
// after index. With no successor the next integer step is used.
//
// Repeated splits between the same two neighbours halve the gap each time;
// after roughly 50 of them float64 runs out of midpoints and the returned
// index collides with an existing one. The UNIQUE(session_id, segment_index)
// constraint then fails the insert and the split transaction rolls back
// whole, so the store stays consistent; the split just has to be retried
// elsewhere.
func insertionIndex(index float64, next *float64) float64 {
	if next == nil {
		return index + 1
	}
	return (index + *next) / 2
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func collectSegments(rows pgx.Rows) ([]transcript.Segment, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Segment, error) {
		var (
			seg        transcript.Segment
			segType    string
			durationNS int64
		)
		err := row.Scan(&seg.ID, &seg.SessionID, &seg.SessionSpeakerID, &seg.Index,
			&segType, &seg.Content, &seg.StartTime, &durationNS)
		seg.Type = transcript.SegmentType(segType)
		seg.Duration = time.Duration(durationNS)
		return seg, err
	})
}
