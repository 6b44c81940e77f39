package postgres

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/peer-tutoring/internal/domain/help"
	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
	"github.com/alem-hub/peer-tutoring/internal/domain/performance"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// STORE
// ══════════════════════════════════════════════════════════════════════════════

// ProfileCache is a read-through cache in front of the profile table.
type ProfileCache interface {
	// Wrap returns next decorated with the cache.
	Wrap(next student.ProfileRepository) student.ProfileRepository
	// Invalidate drops cached profiles.
	Invalidate(ctx context.Context, ids ...student.StudentID) error
}

// Store implements matching.Transactor and matching.Store over a pgx pool.
// Repositories returned directly by Store run each statement on its own.
//
// The profile cache only serves those pool-level repositories. Transactions
// read and write the database directly; profiles written inside a write
// transaction are invalidated after it commits.
type Store struct {
	conn     *Connection
	profiles ProfileCache
	logger   *slog.Logger
}

var (
	_ matching.Transactor = (*Store)(nil)
	_ matching.Store      = (*Store)(nil)
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithProfileCache puts cache in front of pool-level profile reads.
func WithProfileCache(cache ProfileCache, logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.profiles = cache
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates a store.
func NewStore(conn *Connection, opts ...StoreOption) *Store {
	s := &Store{conn: conn, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "postgres_store")
	return s
}

// WithinTx runs fn in a read-committed write transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, st matching.Store) error) error {
	touched := &touchedProfiles{}
	err := s.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		return fn(ctx, &view{q: tx, touched: touched})
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, touched.list())
	return nil
}

// WithinReadTx runs fn in a read-only repeatable-read transaction, so every
// query inside sees the same snapshot.
func (s *Store) WithinReadTx(ctx context.Context, fn func(ctx context.Context, st matching.Store) error) error {
	return s.conn.WithTx(ctx, SnapshotTxOptions(), func(tx pgx.Tx) error {
		return fn(ctx, &view{q: tx})
	})
}

// Performance implements matching.Store.
func (s *Store) Performance() performance.Repository { return &PerformanceRepository{q: s.conn.Pool()} }

// Profiles implements matching.Store.
func (s *Store) Profiles() student.ProfileRepository {
	var repo student.ProfileRepository = &ProfileRepository{q: s.conn.Pool()}
	if s.profiles != nil {
		repo = s.profiles.Wrap(repo)
	}
	return repo
}

// Matches implements matching.Store.
func (s *Store) Matches() matching.MatchRepository { return &MatchRepository{q: s.conn.Pool()} }

// Help implements matching.Store.
func (s *Store) Help() help.Repository { return &HelpRepository{q: s.conn.Pool()} }

func (s *Store) invalidate(ctx context.Context, ids []student.StudentID) {
	if s.profiles == nil || len(ids) == 0 {
		return
	}
	// The transaction has committed, so invalidate even if ctx is done.
	if err := s.profiles.Invalidate(context.WithoutCancel(ctx), ids...); err != nil {
		s.logger.Warn("profile cache invalidation failed", "count", len(ids), "error", err)
	}
}

type view struct {
	q       Querier
	touched *touchedProfiles
}

func (v *view) Performance() performance.Repository { return &PerformanceRepository{q: v.q} }

func (v *view) Profiles() student.ProfileRepository {
	repo := &ProfileRepository{q: v.q}
	if v.touched == nil {
		return repo
	}
	return &trackingProfiles{ProfileRepository: repo, touched: v.touched}
}

func (v *view) Matches() matching.MatchRepository { return &MatchRepository{q: v.q} }

func (v *view) Help() help.Repository { return &HelpRepository{q: v.q} }

// touchedProfiles collects the ids written in one transaction.
type touchedProfiles struct {
	mu  sync.Mutex
	ids []student.StudentID
}

func (t *touchedProfiles) add(id student.StudentID) {
	t.mu.Lock()
	t.ids = append(t.ids, id)
	t.mu.Unlock()
}

func (t *touchedProfiles) list() []student.StudentID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return student.UniqueIDs(t.ids)
}

// trackingProfiles records profile writes for invalidation after commit.
type trackingProfiles struct {
	student.ProfileRepository
	touched *touchedProfiles
}

func (r *trackingProfiles) SaveProfile(ctx context.Context, p student.Profile) error {
	if err := r.ProfileRepository.SaveProfile(ctx, p); err != nil {
		return err
	}
	r.touched.add(p.ID)
	return nil
}

func (r *trackingProfiles) UpdateTeachLevel(ctx context.Context, id student.StudentID, level *student.Grade) error {
	if err := r.ProfileRepository.UpdateTeachLevel(ctx, id, level); err != nil {
		return err
	}
	r.touched.add(id)
	return nil
}
