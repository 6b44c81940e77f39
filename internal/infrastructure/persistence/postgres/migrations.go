package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATOR
// ══════════════════════════════════════════════════════════════════════════════

// Migration represents a database migration.
type Migration struct {
	Version   int
	Name      string
	UpSQL     string
	DownSQL   string
	AppliedAt time.Time
	IsApplied bool
}

// migrationLockID is the advisory lock key that keeps two workers from
// migrating at the same time.
const migrationLockID int64 = 0x70_74_6d_69_67 // "ptmig"

// Migrator handles database migrations.
type Migrator struct {
	conn       *Connection
	migrations []Migration
	tableName  string
}

// NewMigrator creates a migrator with the embedded migrations.
func NewMigrator(conn *Connection) *Migrator {
	return NewMigratorWithMigrations(conn, GetMigrations())
}

// NewMigratorWithMigrations creates a migrator with custom migrations.
func NewMigratorWithMigrations(conn *Connection, migrations []Migration) *Migrator {
	return &Migrator{
		conn:       conn,
		migrations: migrations,
		tableName:  "schema_migrations",
	}
}

// EnsureMigrationTable creates the migration tracking table if it doesn't exist.
func (m *Migrator) EnsureMigrationTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`, m.tableName)

	if _, err := m.conn.Pool().Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations(ctx context.Context) (map[int]time.Time, error) {
	query := fmt.Sprintf("SELECT version, applied_at FROM %s ORDER BY version", m.tableName)

	rows, err := m.conn.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var appliedAt time.Time
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[version] = appliedAt
	}
	return applied, rows.Err()
}

// Migrate applies all pending migrations. Each one runs in its own transaction
// under a transaction-scoped advisory lock.
func (m *Migrator) Migrate(ctx context.Context) (int, error) {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return 0, err
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range m.migrations {
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		if mig.UpSQL == "" {
			return count, fmt.Errorf("%w: missing up SQL for migration %d", ErrMigrationFailed, mig.Version)
		}

		err := m.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
				return fmt.Errorf("failed to take migration lock: %w", err)
			}

			// Another worker may have applied it while we waited for the lock.
			var done bool
			check := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE version = $1)", m.tableName)
			if err := tx.QueryRow(ctx, check, mig.Version).Scan(&done); err != nil {
				return err
			}
			if done {
				return nil
			}

			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", mig.Version, err)
			}
			insert := fmt.Sprintf("INSERT INTO %s (version, name) VALUES ($1, $2)", m.tableName)
			if _, err := tx.Exec(ctx, insert, mig.Version, mig.Name); err != nil {
				return err
			}
			count++
			return nil
		})
		if err != nil {
			return count, fmt.Errorf("%w: version %d: %v", ErrMigrationFailed, mig.Version, err)
		}
	}
	return count, nil
}

// Rollback rolls back the last applied migration.
func (m *Migrator) Rollback(ctx context.Context) error {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return err
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	var lastVersion int
	for v := range applied {
		if v > lastVersion {
			lastVersion = v
		}
	}
	if lastVersion == 0 {
		return nil
	}

	var migration *Migration
	for i := range m.migrations {
		if m.migrations[i].Version == lastVersion {
			migration = &m.migrations[i]
			break
		}
	}
	if migration == nil || migration.DownSQL == "" {
		return fmt.Errorf("%w: missing down SQL for migration %d", ErrMigrationFailed, lastVersion)
	}

	return m.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, migration.DownSQL); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", lastVersion, err)
		}
		remove := fmt.Sprintf("DELETE FROM %s WHERE version = $1", m.tableName)
		_, err := tx.Exec(ctx, remove, lastVersion)
		return err
	})
}

// Status returns the migration status.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return nil, err
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]Migration, len(m.migrations))
	copy(result, m.migrations)
	for i := range result {
		if appliedAt, ok := applied[result[i].Version]; ok {
			result[i].IsApplied = true
			result[i].AppliedAt = appliedAt
		}
	}
	return result, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// EMBEDDED MIGRATIONS
// ══════════════════════════════════════════════════════════════════════════════

// GetMigrations returns all embedded migrations.
func GetMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_student_profiles", UpSQL: migration001Up, DownSQL: migration001Down},
		{Version: 2, Name: "create_chapter_performance", UpSQL: migration002Up, DownSQL: migration002Down},
		{Version: 3, Name: "create_peer_matches", UpSQL: migration003Up, DownSQL: migration003Down},
		{Version: 4, Name: "create_help_board", UpSQL: migration004Up, DownSQL: migration004Down},
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// 001: student profiles
// ─────────────────────────────────────────────────────────────────────────────

const migration001Up = `
CREATE TABLE IF NOT EXISTS student_profiles (
    id BIGINT PRIMARY KEY,
    grade SMALLINT NOT NULL DEFAULT 0,
    teach_level SMALLINT,
    school_id BIGINT,
    locality TEXT NOT NULL DEFAULT '',
    latitude DOUBLE PRECISION,
    longitude DOUBLE PRECISION,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    -- 0 means unknown grade
    CONSTRAINT valid_grade CHECK (grade BETWEEN 0 AND 12),
    CONSTRAINT valid_teach_level CHECK (teach_level IS NULL OR teach_level BETWEEN 1 AND 12),
    CONSTRAINT coordinates_pair CHECK ((latitude IS NULL) = (longitude IS NULL)),
    CONSTRAINT valid_latitude CHECK (latitude IS NULL OR latitude BETWEEN -90 AND 90),
    CONSTRAINT valid_longitude CHECK (longitude IS NULL OR longitude BETWEEN -180 AND 180)
);

CREATE INDEX IF NOT EXISTS idx_student_profiles_school ON student_profiles(school_id) WHERE school_id IS NOT NULL;
`

const migration001Down = `
DROP TABLE IF EXISTS student_profiles;
`

// ─────────────────────────────────────────────────────────────────────────────
// 002: chapter performance
// ─────────────────────────────────────────────────────────────────────────────

const migration002Up = `
CREATE TABLE IF NOT EXISTS student_chapter_performance (
    student_id BIGINT NOT NULL,
    subject TEXT NOT NULL,
    chapter TEXT NOT NULL,
    score DOUBLE PRECISION NOT NULL,
    accuracy_percentage SMALLINT NOT NULL,
    total_questions_attempted INTEGER NOT NULL DEFAULT 0,
    correct_answers INTEGER NOT NULL DEFAULT 0,
    weakness_level TEXT NOT NULL,
    last_assessed_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_score CHECK (score BETWEEN 0 AND 10),
    CONSTRAINT valid_accuracy CHECK (accuracy_percentage BETWEEN 0 AND 100),
    CONSTRAINT valid_answers CHECK (correct_answers BETWEEN 0 AND total_questions_attempted),
    CONSTRAINT valid_weakness CHECK (weakness_level IN ('none', 'mild', 'moderate', 'severe')),
    CONSTRAINT non_empty_scope CHECK (subject <> '' AND chapter <> '')
);

-- One record per (student, subject, chapter)
CREATE UNIQUE INDEX IF NOT EXISTS uq_chapter_performance_key
    ON student_chapter_performance(student_id, subject, chapter);

CREATE INDEX IF NOT EXISTS idx_chapter_performance_scope
    ON student_chapter_performance(subject, chapter);
`

const migration002Down = `
DROP TABLE IF EXISTS student_chapter_performance;
`

// ─────────────────────────────────────────────────────────────────────────────
// 003: peer matches
// ─────────────────────────────────────────────────────────────────────────────

const migration003Up = `
CREATE TABLE IF NOT EXISTS peer_matches (
    id TEXT PRIMARY KEY,
    tutor_id BIGINT NOT NULL,
    learner_id BIGINT NOT NULL,
    subject TEXT NOT NULL,
    -- empty for subject-wide matches
    chapter TEXT NOT NULL DEFAULT '',
    meeting_type TEXT NOT NULL DEFAULT 'online',
    tutor_score DOUBLE PRECISION NOT NULL,
    learner_score DOUBLE PRECISION NOT NULL,
    compatibility_score DOUBLE PRECISION NOT NULL,
    tutor_preference_rank INTEGER NOT NULL DEFAULT 0,
    learner_preference_rank INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending',
    matched_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    accepted_at TIMESTAMP WITH TIME ZONE,
    completed_at TIMESTAMP WITH TIME ZONE,

    CONSTRAINT distinct_participants CHECK (tutor_id <> learner_id),
    CONSTRAINT valid_status CHECK (status IN ('pending', 'accepted', 'rejected', 'completed')),
    CONSTRAINT valid_meeting_type CHECK (meeting_type IN ('online', 'physical')),
    CONSTRAINT valid_compatibility CHECK (compatibility_score BETWEEN 0 AND 100)
);

-- At most one match per pair and scope
CREATE UNIQUE INDEX IF NOT EXISTS uq_peer_matches_pair_scope
    ON peer_matches(tutor_id, learner_id, subject, chapter);

CREATE INDEX IF NOT EXISTS idx_peer_matches_tutor ON peer_matches(tutor_id, matched_at DESC);
CREATE INDEX IF NOT EXISTS idx_peer_matches_learner ON peer_matches(learner_id, matched_at DESC);
CREATE INDEX IF NOT EXISTS idx_peer_matches_scope ON peer_matches(subject, chapter);
`

const migration003Down = `
DROP TABLE IF EXISTS peer_matches;
`

// ─────────────────────────────────────────────────────────────────────────────
// 004: help requests and offers
// ─────────────────────────────────────────────────────────────────────────────

const migration004Up = `
CREATE TABLE IF NOT EXISTS help_requests (
    id TEXT PRIMARY KEY,
    student_id BIGINT NOT NULL,
    subject TEXT NOT NULL,
    chapter TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    urgency TEXT NOT NULL DEFAULT 'normal',
    student_score DOUBLE PRECISION,
    status TEXT NOT NULL DEFAULT 'open',
    matched_with BIGINT,
    match_id TEXT REFERENCES peer_matches(id) ON DELETE SET NULL,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    fulfilled_at TIMESTAMP WITH TIME ZONE,

    CONSTRAINT valid_request_status CHECK (status IN ('open', 'in_progress', 'fulfilled', 'cancelled')),
    CONSTRAINT valid_urgency CHECK (urgency IN ('low', 'normal', 'high', 'urgent')),
    CONSTRAINT non_empty_request_scope CHECK (subject <> '' AND chapter <> '')
);

CREATE INDEX IF NOT EXISTS idx_help_requests_student ON help_requests(student_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_help_requests_open ON help_requests(subject, chapter) WHERE status = 'open';

CREATE TABLE IF NOT EXISTS help_offers (
    id TEXT PRIMARY KEY,
    tutor_id BIGINT NOT NULL,
    subject TEXT NOT NULL,
    chapter TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    availability TEXT NOT NULL DEFAULT '',
    tutor_score DOUBLE PRECISION,
    max_students INTEGER NOT NULL DEFAULT 3,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    current_students INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_max_students CHECK (max_students > 0),
    CONSTRAINT valid_current_students CHECK (current_students BETWEEN 0 AND max_students),
    CONSTRAINT non_empty_offer_scope CHECK (subject <> '' AND chapter <> '')
);

CREATE INDEX IF NOT EXISTS idx_help_offers_scope ON help_offers(subject, chapter) WHERE is_active;
`

const migration004Down = `
DROP TABLE IF EXISTS help_offers;
DROP TABLE IF EXISTS help_requests;
`
