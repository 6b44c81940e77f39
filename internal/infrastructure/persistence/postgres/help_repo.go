package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/peer-tutoring/internal/domain/help"
	"github.com/alem-hub/peer-tutoring/internal/domain/shared"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// HELP REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// HelpRepository implements help.Repository.
type HelpRepository struct {
	q Querier
}

const requestColumns = `
	id, student_id, subject, chapter, description, urgency, student_score,
	status, matched_with, match_id, created_at, updated_at, fulfilled_at`

const offerColumns = `
	id, tutor_id, subject, chapter, description, availability, tutor_score,
	max_students, is_active, current_students, created_at, updated_at`

func scanRequest(row rowScanner) (*help.Request, error) {
	var (
		r               help.Request
		studentID       int64
		matchedWith     *int64
		matchID         *string
		urgency, status string
	)
	err := row.Scan(
		&r.ID,
		&studentID,
		&r.Subject,
		&r.Chapter,
		&r.Description,
		&urgency,
		&r.Score,
		&status,
		&matchedWith,
		&matchID,
		&r.CreatedAt,
		&r.UpdatedAt,
		&r.FulfilledAt,
	)
	if err != nil {
		return nil, err
	}
	r.StudentID = student.StudentID(studentID)
	r.Urgency = help.Urgency(urgency)
	r.Status = help.RequestStatus(status)
	if matchedWith != nil {
		id := student.StudentID(*matchedWith)
		r.MatchedWith = &id
	}
	if matchID != nil {
		r.MatchID = *matchID
	}
	return &r, nil
}

func scanOffer(row rowScanner) (*help.Offer, error) {
	var (
		o       help.Offer
		tutorID int64
	)
	err := row.Scan(
		&o.ID,
		&tutorID,
		&o.Subject,
		&o.Chapter,
		&o.Description,
		&o.Availability,
		&o.Score,
		&o.MaxStudents,
		&o.Active,
		&o.CurrentStudents,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.TutorID = student.StudentID(tutorID)
	return &o, nil
}

// CreateRequest inserts a new help request.
func (r *HelpRepository) CreateRequest(ctx context.Context, req *help.Request) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO help_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		req.ID,
		int64(req.StudentID),
		req.Subject,
		req.Chapter,
		req.Description,
		string(req.Urgency),
		req.Score,
		string(req.Status),
		nullableStudent(req.MatchedWith),
		nullableText(req.MatchID),
		req.CreatedAt,
		req.UpdatedAt,
		req.FulfilledAt,
	)
	if IsUniqueViolation(err) {
		return shared.WrapError("help", "CreateRequest", shared.ErrAlreadyExists, "help request already exists", err)
	}
	if err != nil {
		return fmt.Errorf("failed to create help request: %w", err)
	}
	return nil
}

// GetRequest returns a help request or help.ErrRequestNotFound.
func (r *HelpRepository) GetRequest(ctx context.Context, id string) (*help.Request, error) {
	row := r.q.QueryRow(ctx, `SELECT `+requestColumns+` FROM help_requests WHERE id = $1`, id)

	req, err := scanRequest(row)
	if IsNoRows(err) {
		return nil, help.ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get help request %s: %w", id, err)
	}
	return req, nil
}

// UpdateRequest writes the request state if the stored status is still from.
// A concurrent change makes it return help.ErrRequestChanged.
func (r *HelpRepository) UpdateRequest(ctx context.Context, req *help.Request, from help.RequestStatus) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE help_requests
		SET status = $2, matched_with = $3, match_id = $4, updated_at = $5, fulfilled_at = $6
		WHERE id = $1 AND status = $7
	`,
		req.ID,
		string(req.Status),
		nullableStudent(req.MatchedWith),
		nullableText(req.MatchID),
		req.UpdatedAt,
		req.FulfilledAt,
		string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update help request %s: %w", req.ID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM help_requests WHERE id = $1)`, req.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check help request %s: %w", req.ID, err)
	}
	if !exists {
		return help.ErrRequestNotFound
	}
	return help.ErrRequestChanged
}

// ListRequests returns matching help requests, newest first.
func (r *HelpRepository) ListRequests(ctx context.Context, f help.RequestFilter) ([]*help.Request, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.StudentID != 0 {
		add("student_id = $%d", int64(f.StudentID))
	}
	if f.Subject != "" {
		add("subject = $%d", f.Subject)
	}
	if f.Chapter != "" {
		add("chapter = $%d", f.Chapter)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}

	rows, err := r.q.Query(ctx, `
		SELECT `+requestColumns+` FROM help_requests
		`+whereClause(where)+`
		ORDER BY created_at DESC, id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list help requests: %w", err)
	}
	return collect(rows, scanRequest)
}

// CreateOffer inserts a new help offer.
func (r *HelpRepository) CreateOffer(ctx context.Context, o *help.Offer) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO help_offers (`+offerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		o.ID,
		int64(o.TutorID),
		o.Subject,
		o.Chapter,
		o.Description,
		o.Availability,
		o.Score,
		o.MaxStudents,
		o.Active,
		o.CurrentStudents,
		o.CreatedAt,
		o.UpdatedAt,
	)
	if IsUniqueViolation(err) {
		return shared.WrapError("help", "CreateOffer", shared.ErrAlreadyExists, "help offer already exists", err)
	}
	if err != nil {
		return fmt.Errorf("failed to create help offer: %w", err)
	}
	return nil
}

// ListOffers returns matching help offers, strongest tutors first.
func (r *HelpRepository) ListOffers(ctx context.Context, f help.OfferFilter) ([]*help.Offer, error) {
	var (
		where []string
		args  []any
	)
	if f.Subject != "" {
		args = append(args, f.Subject)
		where = append(where, fmt.Sprintf("subject = $%d", len(args)))
	}
	if f.Chapter != "" {
		args = append(args, f.Chapter)
		where = append(where, fmt.Sprintf("chapter = $%d", len(args)))
	}
	if f.ActiveOnly {
		where = append(where, "is_active")
	}

	rows, err := r.q.Query(ctx, `
		SELECT `+offerColumns+` FROM help_offers
		`+whereClause(where)+`
		ORDER BY tutor_score DESC NULLS LAST, created_at
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list help offers: %w", err)
	}
	return collect(rows, scanOffer)
}

func collect[T any](rows pgx.Rows, scan func(rowScanner) (*T, error)) ([]*T, error) {
	defer rows.Close()

	result := make([]*T, 0)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(conds, " AND ")
}

func nullableStudent(id *student.StudentID) *int64 {
	if id == nil {
		return nil
	}
	v := int64(*id)
	return &v
}

func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
