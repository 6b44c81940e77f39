package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/peer-tutoring/internal/domain/shared"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROFILE REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// ProfileRepository implements student.ProfileRepository.
type ProfileRepository struct {
	q Querier
}

const profileColumns = `id, grade, teach_level, school_id, locality, latitude, longitude, updated_at`

// profileRow mirrors a student_profiles row.
type profileRow struct {
	ID         int64
	Grade      int16
	TeachLevel *int16
	SchoolID   *int64
	Locality   string
	Latitude   *float64
	Longitude  *float64
	UpdatedAt  time.Time
}

func (r profileRow) toProfile() student.Profile {
	p := student.Profile{
		ID:        student.StudentID(r.ID),
		Grade:     student.Grade(r.Grade),
		SchoolID:  r.SchoolID,
		Locality:  r.Locality,
		UpdatedAt: r.UpdatedAt,
	}
	if r.TeachLevel != nil {
		level := student.Grade(*r.TeachLevel)
		p.TeachLevel = &level
	}
	if r.Latitude != nil && r.Longitude != nil {
		p.Coordinates = &student.Coordinates{Lat: *r.Latitude, Lng: *r.Longitude}
	}
	return p
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (student.Profile, error) {
	var r profileRow
	err := row.Scan(&r.ID, &r.Grade, &r.TeachLevel, &r.SchoolID, &r.Locality, &r.Latitude, &r.Longitude, &r.UpdatedAt)
	if err != nil {
		return student.Profile{}, err
	}
	return r.toProfile(), nil
}

// GetProfile returns a profile or shared.ErrStudentNotFound.
func (r *ProfileRepository) GetProfile(ctx context.Context, id student.StudentID) (*student.Profile, error) {
	row := r.q.QueryRow(ctx, `SELECT `+profileColumns+` FROM student_profiles WHERE id = $1`, int64(id))
	p, err := scanProfile(row)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrStudentNotFound
		}
		return nil, fmt.Errorf("failed to get profile %d: %w", id, err)
	}
	return &p, nil
}

// GetProfiles loads profiles with one query. Unknown ids are left out.
func (r *ProfileRepository) GetProfiles(ctx context.Context, ids []student.StudentID) (map[student.StudentID]student.Profile, error) {
	result := make(map[student.StudentID]student.Profile, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	raw := make([]int64, len(ids))
	for i, id := range ids {
		raw[i] = int64(id)
	}

	rows, err := r.q.Query(ctx, `SELECT `+profileColumns+` FROM student_profiles WHERE id = ANY($1)`, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		result[p.ID] = p
	}
	return result, rows.Err()
}

// SaveProfile inserts or replaces a profile.
func (r *ProfileRepository) SaveProfile(ctx context.Context, p student.Profile) error {
	if err := p.Validate(); err != nil {
		return shared.WrapError("student", "SaveProfile", shared.ErrValidation, "invalid profile", err)
	}

	var teachLevel *int16
	if p.TeachLevel != nil {
		level := int16(*p.TeachLevel)
		teachLevel = &level
	}
	var lat, lng *float64
	if p.Coordinates != nil {
		lat, lng = &p.Coordinates.Lat, &p.Coordinates.Lng
	}
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := r.q.Exec(ctx, `
		INSERT INTO student_profiles (`+profileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			grade = EXCLUDED.grade,
			teach_level = EXCLUDED.teach_level,
			school_id = EXCLUDED.school_id,
			locality = EXCLUDED.locality,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			updated_at = EXCLUDED.updated_at
	`, int64(p.ID), int16(p.Grade), teachLevel, p.SchoolID, p.Locality, lat, lng, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to save profile %d: %w", p.ID, err)
	}
	return nil
}

// UpdateTeachLevel sets or clears the teach level. A missing profile is
// created with an unknown grade.
func (r *ProfileRepository) UpdateTeachLevel(ctx context.Context, id student.StudentID, level *student.Grade) error {
	var teachLevel *int16
	if level != nil {
		if !level.IsKnown() || !level.IsValid() {
			return shared.WrapError("student", "UpdateTeachLevel", shared.ErrValidation,
				"invalid teach level", fmt.Errorf("level=%d", *level))
		}
		v := int16(*level)
		teachLevel = &v
	}

	_, err := r.q.Exec(ctx, `
		INSERT INTO student_profiles (id, teach_level, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET
			teach_level = EXCLUDED.teach_level,
			updated_at = EXCLUDED.updated_at
	`, int64(id), teachLevel)
	if err != nil {
		return fmt.Errorf("failed to update teach level for %d: %w", id, err)
	}
	return nil
}
