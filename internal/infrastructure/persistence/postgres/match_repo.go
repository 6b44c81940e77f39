package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// MATCH REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// MatchRepository implements matching.MatchRepository.
type MatchRepository struct {
	q Querier
}

const matchColumns = `
	id, tutor_id, learner_id, subject, chapter, meeting_type,
	tutor_score, learner_score, compatibility_score,
	tutor_preference_rank, learner_preference_rank,
	status, matched_at, accepted_at, completed_at`

func scanMatch(row rowScanner) (*matching.Match, error) {
	var (
		m                  matching.Match
		tutorID, learnerID int64
		mode, status       string
	)
	err := row.Scan(
		&m.ID,
		&tutorID,
		&learnerID,
		&m.Subject,
		&m.Chapter,
		&mode,
		&m.TutorScore,
		&m.LearnerScore,
		&m.Compatibility,
		&m.TutorRank,
		&m.LearnerRank,
		&status,
		&m.MatchedAt,
		&m.AcceptedAt,
		&m.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	m.TutorID = student.StudentID(tutorID)
	m.LearnerID = student.StudentID(learnerID)
	m.MeetingMode = matching.MeetingMode(mode)
	m.Status = matching.MatchStatus(status)
	return &m, nil
}

// SaveAll inserts matches in one batch and returns the ones written. A pair
// that already has a match in the same scope, possibly committed by a
// concurrent run, is skipped by the unique index.
func (r *MatchRepository) SaveAll(ctx context.Context, matches []*matching.Match) ([]*matching.Match, error) {
	if len(matches) == 0 {
		return nil, nil
	}

	query := `
		INSERT INTO peer_matches (` + matchColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (tutor_id, learner_id, subject, chapter) DO NOTHING
		RETURNING id
	`

	batch := &pgx.Batch{}
	for _, m := range matches {
		if m.TutorID == m.LearnerID {
			return nil, matching.ErrSelfMatch
		}
		batch.Queue(query,
			m.ID,
			int64(m.TutorID),
			int64(m.LearnerID),
			m.Subject,
			m.Chapter,
			string(m.MeetingMode.OrDefault()),
			m.TutorScore,
			m.LearnerScore,
			m.Compatibility,
			m.TutorRank,
			m.LearnerRank,
			string(m.Status),
			m.MatchedAt,
			m.AcceptedAt,
			m.CompletedAt,
		)
	}

	br := r.q.SendBatch(ctx, batch)
	defer br.Close()

	saved := make([]*matching.Match, 0, len(matches))
	for _, m := range matches {
		var id string
		err := br.QueryRow().Scan(&id)
		if IsNoRows(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to save match %s: %w", m.ID, err)
		}
		saved = append(saved, m)
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("failed to save matches: %w", err)
	}
	return saved, nil
}

// FindExisting returns the match for a pair and scope, or nil.
func (r *MatchRepository) FindExisting(ctx context.Context, tutorID, learnerID student.StudentID, subject, chapter string) (*matching.Match, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+matchColumns+` FROM peer_matches
		WHERE tutor_id = $1 AND learner_id = $2 AND subject = $3 AND chapter = $4
	`, int64(tutorID), int64(learnerID), subject, chapter)

	m, err := scanMatch(row)
	if IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find match: %w", err)
	}
	return m, nil
}

// GetByID returns a match or matching.ErrMatchNotFound.
func (r *MatchRepository) GetByID(ctx context.Context, id string) (*matching.Match, error) {
	row := r.q.QueryRow(ctx, `SELECT `+matchColumns+` FROM peer_matches WHERE id = $1`, id)

	m, err := scanMatch(row)
	if IsNoRows(err) {
		return nil, matching.ErrMatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get match %s: %w", id, err)
	}
	return m, nil
}

// UpdateStatus writes the status and its timestamps if the stored status is
// still from. A concurrent change makes it return matching.ErrStatusChanged.
func (r *MatchRepository) UpdateStatus(ctx context.Context, m *matching.Match, from matching.MatchStatus) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE peer_matches SET status = $2, accepted_at = $3, completed_at = $4
		WHERE id = $1 AND status = $5
	`, m.ID, string(m.Status), m.AcceptedAt, m.CompletedAt, string(from))
	if err != nil {
		return fmt.Errorf("failed to update match %s: %w", m.ID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM peer_matches WHERE id = $1)`, m.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check match %s: %w", m.ID, err)
	}
	if !exists {
		return matching.ErrMatchNotFound
	}
	return matching.ErrStatusChanged
}

// ListByStudent returns a student's matches, newest first.
func (r *MatchRepository) ListByStudent(ctx context.Context, id student.StudentID, role matching.Role) ([]*matching.Match, error) {
	var where string
	switch role {
	case matching.RoleTutor:
		where = `tutor_id = $1`
	case matching.RoleLearner:
		where = `learner_id = $1`
	default:
		where = `(tutor_id = $1 OR learner_id = $1)`
	}

	rows, err := r.q.Query(ctx, `
		SELECT `+matchColumns+` FROM peer_matches
		WHERE `+where+`
		ORDER BY matched_at DESC, id
	`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("failed to list matches: %w", err)
	}
	defer rows.Close()

	result := make([]*matching.Match, 0)
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// CountByScope counts the matches of one scope.
func (r *MatchRepository) CountByScope(ctx context.Context, scope matching.Scope) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM peer_matches WHERE subject = $1 AND chapter = $2
	`, scope.Subject, scope.Chapter).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count matches: %w", err)
	}
	return n, nil
}
