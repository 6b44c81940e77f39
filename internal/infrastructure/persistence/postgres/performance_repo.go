package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/peer-tutoring/internal/domain/performance"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// PERFORMANCE REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// PerformanceRepository implements performance.Repository.
type PerformanceRepository struct {
	q Querier
}

const recordColumns = `
	student_id, subject, chapter, score, accuracy_percentage,
	total_questions_attempted, correct_answers, weakness_level,
	last_assessed_at, updated_at`

// Upsert writes records in one batch. A record with an existing
// (student, subject, chapter) key replaces the stored one.
func (r *PerformanceRepository) Upsert(ctx context.Context, records ...performance.Record) error {
	if len(records) == 0 {
		return nil
	}

	query := `
		INSERT INTO student_chapter_performance (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (student_id, subject, chapter) DO UPDATE SET
			score = EXCLUDED.score,
			accuracy_percentage = EXCLUDED.accuracy_percentage,
			total_questions_attempted = EXCLUDED.total_questions_attempted,
			correct_answers = EXCLUDED.correct_answers,
			weakness_level = EXCLUDED.weakness_level,
			last_assessed_at = EXCLUDED.last_assessed_at,
			updated_at = EXCLUDED.updated_at
	`

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return err
		}
		weakness := rec.Weakness
		if !weakness.IsValid() {
			weakness = performance.ClassifyWeakness(rec.Accuracy)
		}
		assessed := rec.LastAssessedAt
		if assessed.IsZero() {
			assessed = now
		}
		updated := rec.UpdatedAt
		if updated.IsZero() {
			updated = now
		}

		batch.Queue(query,
			int64(rec.StudentID),
			rec.Subject,
			rec.Chapter,
			rec.Score,
			rec.Accuracy,
			rec.QuestionsAttempted,
			rec.CorrectAnswers,
			string(weakness),
			assessed,
			updated,
		)
	}

	br := r.q.SendBatch(ctx, batch)
	defer br.Close()
	for _, rec := range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to upsert performance %s: %w", rec.Key(), err)
		}
	}
	return br.Close()
}

// ListByChapter returns the records of one chapter ordered by student.
func (r *PerformanceRepository) ListByChapter(ctx context.Context, subject, chapter string) ([]performance.Record, error) {
	return r.list(ctx, `WHERE subject = $1 AND chapter = $2`, subject, chapter)
}

// ListBySubject returns the records of every chapter of a subject.
func (r *PerformanceRepository) ListBySubject(ctx context.Context, subject string) ([]performance.Record, error) {
	return r.list(ctx, `WHERE subject = $1`, subject)
}

// ListByStudent returns a student's records, optionally limited to one subject.
func (r *PerformanceRepository) ListByStudent(ctx context.Context, id student.StudentID, subject string) ([]performance.Record, error) {
	if subject == "" {
		return r.list(ctx, `WHERE student_id = $1`, int64(id))
	}
	return r.list(ctx, `WHERE student_id = $1 AND subject = $2`, int64(id), subject)
}

func (r *PerformanceRepository) list(ctx context.Context, where string, args ...any) ([]performance.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM student_chapter_performance ` + where +
		` ORDER BY subject, chapter, student_id`

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query performance: %w", err)
	}
	defer rows.Close()

	result := make([]performance.Record, 0)
	for rows.Next() {
		var (
			rec       performance.Record
			studentID int64
			weakness  string
		)
		if err := rows.Scan(
			&studentID,
			&rec.Subject,
			&rec.Chapter,
			&rec.Score,
			&rec.Accuracy,
			&rec.QuestionsAttempted,
			&rec.CorrectAnswers,
			&weakness,
			&rec.LastAssessedAt,
			&rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan performance: %w", err)
		}
		rec.StudentID = student.StudentID(studentID)
		rec.Weakness = performance.WeaknessLevel(weakness)
		result = append(result, rec)
	}
	return result, rows.Err()
}

// CountByChapter returns how many students have a record for the chapter.
func (r *PerformanceRepository) CountByChapter(ctx context.Context, subject, chapter string) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM student_chapter_performance
		WHERE subject = $1 AND chapter = $2
	`, subject, chapter).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count performance: %w", err)
	}
	return n, nil
}

// ListChapters returns the distinct (subject, chapter) pairs, sorted.
func (r *PerformanceRepository) ListChapters(ctx context.Context, subject string) ([]performance.ChapterRef, error) {
	rows, err := r.q.Query(ctx, `
		SELECT DISTINCT subject, chapter FROM student_chapter_performance
		WHERE $1 = '' OR subject = $1
		ORDER BY subject, chapter
	`, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to list chapters: %w", err)
	}

	refs, err := pgx.CollectRows(rows, pgx.RowToStructByPos[performance.ChapterRef])
	if err != nil {
		return nil, fmt.Errorf("failed to scan chapters: %w", err)
	}
	if refs == nil {
		refs = []performance.ChapterRef{}
	}
	return refs, nil
}
