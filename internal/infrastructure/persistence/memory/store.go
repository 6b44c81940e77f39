// Package memory provides an in-process implementation of the matching store.
// Transactions work on a copy of the state that replaces the live state on
// commit, so a failed transaction leaves no partial writes.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/alem-hub/peer-tutoring/internal/domain/help"
	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
	"github.com/alem-hub/peer-tutoring/internal/domain/performance"
	"github.com/alem-hub/peer-tutoring/internal/domain/shared"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

type matchKey struct {
	tutor   student.StudentID
	learner student.StudentID
	subject string
	chapter string
}

type state struct {
	records  map[performance.Key]performance.Record
	profiles map[student.StudentID]student.Profile
	matches  map[string]matching.Match
	byKey    map[matchKey]string
	requests map[string]help.Request
	offers   map[string]help.Offer
}

func newState() *state {
	return &state{
		records:  make(map[performance.Key]performance.Record),
		profiles: make(map[student.StudentID]student.Profile),
		matches:  make(map[string]matching.Match),
		byKey:    make(map[matchKey]string),
		requests: make(map[string]help.Request),
		offers:   make(map[string]help.Offer),
	}
}

func (s *state) clone() *state {
	c := &state{
		records:  make(map[performance.Key]performance.Record, len(s.records)),
		profiles: make(map[student.StudentID]student.Profile, len(s.profiles)),
		matches:  make(map[string]matching.Match, len(s.matches)),
		byKey:    make(map[matchKey]string, len(s.byKey)),
		requests: make(map[string]help.Request, len(s.requests)),
		offers:   make(map[string]help.Offer, len(s.offers)),
	}
	for k, v := range s.records {
		c.records[k] = v
	}
	for k, v := range s.profiles {
		c.profiles[k] = v
	}
	for k, v := range s.matches {
		c.matches[k] = v
	}
	for k, v := range s.byKey {
		c.byKey[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = v
	}
	for k, v := range s.offers {
		c.offers[k] = v
	}
	return c
}

// Store is an in-memory matching.Store and matching.Transactor.
type Store struct {
	mu    sync.RWMutex
	state *state
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{state: newState()}
}

// WithinTx runs fn on a copy of the state and commits it when fn succeeds.
// Write transactions are serialized.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, st matching.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	draft := s.state.clone()
	if err := fn(ctx, &view{st: draft}); err != nil {
		return err
	}
	s.state = draft
	return nil
}

// WithinReadTx runs fn on a snapshot. Writes made by fn are discarded.
func (s *Store) WithinReadTx(ctx context.Context, fn func(ctx context.Context, st matching.Store) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, &view{st: snapshot})
}

// Performance returns a repository that commits every call on its own.
func (s *Store) Performance() performance.Repository { return autoPerformance{autoCommit{s: s}} }

// Profiles returns a repository that commits every call on its own.
func (s *Store) Profiles() student.ProfileRepository { return autoProfiles{autoCommit{s: s}} }

// Matches returns a repository that commits every call on its own.
func (s *Store) Matches() matching.MatchRepository { return autoMatches{autoCommit{s: s}} }

// Help returns a repository that commits every call on its own.
func (s *Store) Help() help.Repository { return autoHelp{autoCommit{s: s}} }

var (
	_ matching.Transactor = (*Store)(nil)
	_ matching.Store      = (*Store)(nil)
)

// ══════════════════════════════════════════════════════════════════════════════
// VIEW - repositories over one state
// ══════════════════════════════════════════════════════════════════════════════

type view struct {
	st *state
}

func (v *view) Performance() performance.Repository { return performanceRepo{v.st} }
func (v *view) Profiles() student.ProfileRepository { return profileRepo{v.st} }
func (v *view) Matches() matching.MatchRepository   { return matchRepo{v.st} }
func (v *view) Help() help.Repository               { return helpRepo{v.st} }

// ─────────────────────────────────────────────────────────────────────────────
// performance
// ─────────────────────────────────────────────────────────────────────────────

type performanceRepo struct{ st *state }

func (r performanceRepo) Upsert(_ context.Context, records ...performance.Record) error {
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return err
		}
	}
	for _, rec := range records {
		r.st.records[rec.Key()] = rec
	}
	return nil
}

func (r performanceRepo) filter(keep func(performance.Record) bool) []performance.Record {
	result := make([]performance.Record, 0)
	for _, rec := range r.st.records {
		if keep(rec) {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		if a.Chapter != b.Chapter {
			return a.Chapter < b.Chapter
		}
		return a.StudentID < b.StudentID
	})
	return result
}

func (r performanceRepo) ListByChapter(_ context.Context, subject, chapter string) ([]performance.Record, error) {
	return r.filter(func(rec performance.Record) bool {
		return rec.Subject == subject && rec.Chapter == chapter
	}), nil
}

func (r performanceRepo) ListBySubject(_ context.Context, subject string) ([]performance.Record, error) {
	return r.filter(func(rec performance.Record) bool { return rec.Subject == subject }), nil
}

func (r performanceRepo) ListByStudent(_ context.Context, id student.StudentID, subject string) ([]performance.Record, error) {
	return r.filter(func(rec performance.Record) bool {
		return rec.StudentID == id && (subject == "" || rec.Subject == subject)
	}), nil
}

func (r performanceRepo) CountByChapter(_ context.Context, subject, chapter string) (int, error) {
	n := 0
	for k := range r.st.records {
		if k.Subject == subject && k.Chapter == chapter {
			n++
		}
	}
	return n, nil
}

func (r performanceRepo) ListChapters(_ context.Context, subject string) ([]performance.ChapterRef, error) {
	seen := make(map[performance.ChapterRef]struct{})
	for k := range r.st.records {
		if subject == "" || k.Subject == subject {
			seen[performance.ChapterRef{Subject: k.Subject, Chapter: k.Chapter}] = struct{}{}
		}
	}
	result := make([]performance.ChapterRef, 0, len(seen))
	for ref := range seen {
		result = append(result, ref)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Subject != result[j].Subject {
			return result[i].Subject < result[j].Subject
		}
		return result[i].Chapter < result[j].Chapter
	})
	return result, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// profiles
// ─────────────────────────────────────────────────────────────────────────────

type profileRepo struct{ st *state }

func (r profileRepo) GetProfile(_ context.Context, id student.StudentID) (*student.Profile, error) {
	p, ok := r.st.profiles[id]
	if !ok {
		return nil, shared.ErrStudentNotFound
	}
	return &p, nil
}

func (r profileRepo) GetProfiles(_ context.Context, ids []student.StudentID) (map[student.StudentID]student.Profile, error) {
	result := make(map[student.StudentID]student.Profile, len(ids))
	for _, id := range ids {
		if p, ok := r.st.profiles[id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

func (r profileRepo) SaveProfile(_ context.Context, p student.Profile) error {
	if err := p.Validate(); err != nil {
		return shared.WrapError("student", "SaveProfile", shared.ErrValidation, "invalid profile", err)
	}
	r.st.profiles[p.ID] = p
	return nil
}

func (r profileRepo) UpdateTeachLevel(_ context.Context, id student.StudentID, level *student.Grade) error {
	p, ok := r.st.profiles[id]
	if !ok {
		p = student.Profile{ID: id}
	}
	p.TeachLevel = level
	r.st.profiles[id] = p
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// matches
// ─────────────────────────────────────────────────────────────────────────────

type matchRepo struct{ st *state }

func keyOf(m matching.Match) matchKey {
	return matchKey{tutor: m.TutorID, learner: m.LearnerID, subject: m.Subject, chapter: m.Chapter}
}

func (r matchRepo) SaveAll(_ context.Context, matches []*matching.Match) ([]*matching.Match, error) {
	saved := make([]*matching.Match, 0, len(matches))
	for _, m := range matches {
		if m.TutorID == m.LearnerID {
			return nil, matching.ErrSelfMatch
		}
		key := keyOf(*m)
		if _, exists := r.st.byKey[key]; exists {
			continue
		}
		r.st.matches[m.ID] = *m
		r.st.byKey[key] = m.ID
		saved = append(saved, m)
	}
	return saved, nil
}

func (r matchRepo) FindExisting(_ context.Context, tutorID, learnerID student.StudentID, subject, chapter string) (*matching.Match, error) {
	id, ok := r.st.byKey[matchKey{tutor: tutorID, learner: learnerID, subject: subject, chapter: chapter}]
	if !ok {
		return nil, nil
	}
	m := r.st.matches[id]
	return &m, nil
}

func (r matchRepo) GetByID(_ context.Context, id string) (*matching.Match, error) {
	m, ok := r.st.matches[id]
	if !ok {
		return nil, matching.ErrMatchNotFound
	}
	return &m, nil
}

func (r matchRepo) UpdateStatus(_ context.Context, m *matching.Match, from matching.MatchStatus) error {
	cur, ok := r.st.matches[m.ID]
	if !ok {
		return matching.ErrMatchNotFound
	}
	if cur.Status != from {
		return matching.ErrStatusChanged
	}
	cur.Status = m.Status
	cur.AcceptedAt = m.AcceptedAt
	cur.CompletedAt = m.CompletedAt
	r.st.matches[m.ID] = cur
	return nil
}

func (r matchRepo) ListByStudent(_ context.Context, id student.StudentID, role matching.Role) ([]*matching.Match, error) {
	result := make([]*matching.Match, 0)
	for _, m := range r.st.matches {
		switch {
		case role == matching.RoleTutor && m.TutorID == id,
			role == matching.RoleLearner && m.LearnerID == id,
			(role == matching.RoleAny || role == "") && m.Involves(id):
			m := m
			result = append(result, &m)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].MatchedAt.Equal(result[j].MatchedAt) {
			return result[i].MatchedAt.After(result[j].MatchedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (r matchRepo) CountByScope(_ context.Context, scope matching.Scope) (int, error) {
	n := 0
	for k := range r.st.byKey {
		if k.subject == scope.Subject && k.chapter == scope.Chapter {
			n++
		}
	}
	return n, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// help board
// ─────────────────────────────────────────────────────────────────────────────

type helpRepo struct{ st *state }

func (r helpRepo) CreateRequest(_ context.Context, req *help.Request) error {
	if _, exists := r.st.requests[req.ID]; exists {
		return shared.NewDomainError("help", "CreateRequest", shared.ErrAlreadyExists, "help request already exists")
	}
	r.st.requests[req.ID] = *req
	return nil
}

func (r helpRepo) GetRequest(_ context.Context, id string) (*help.Request, error) {
	req, ok := r.st.requests[id]
	if !ok {
		return nil, help.ErrRequestNotFound
	}
	return &req, nil
}

func (r helpRepo) UpdateRequest(_ context.Context, req *help.Request, from help.RequestStatus) error {
	cur, ok := r.st.requests[req.ID]
	if !ok {
		return help.ErrRequestNotFound
	}
	if cur.Status != from {
		return help.ErrRequestChanged
	}
	cur.Status = req.Status
	cur.MatchedWith = req.MatchedWith
	cur.MatchID = req.MatchID
	cur.UpdatedAt = req.UpdatedAt
	cur.FulfilledAt = req.FulfilledAt
	r.st.requests[req.ID] = cur
	return nil
}

func (r helpRepo) ListRequests(_ context.Context, f help.RequestFilter) ([]*help.Request, error) {
	result := make([]*help.Request, 0)
	for _, req := range r.st.requests {
		req := req
		if f.Matches(&req) {
			result = append(result, &req)
		}
	}
	help.SortRequests(result)
	return result, nil
}

func (r helpRepo) CreateOffer(_ context.Context, o *help.Offer) error {
	if _, exists := r.st.offers[o.ID]; exists {
		return shared.NewDomainError("help", "CreateOffer", shared.ErrAlreadyExists, "help offer already exists")
	}
	r.st.offers[o.ID] = *o
	return nil
}

func (r helpRepo) ListOffers(_ context.Context, f help.OfferFilter) ([]*help.Offer, error) {
	result := make([]*help.Offer, 0)
	for _, o := range r.st.offers {
		o := o
		if f.Matches(&o) {
			result = append(result, &o)
		}
	}
	help.SortOffers(result)
	return result, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// AUTO COMMIT - direct repository access outside an explicit transaction
// ══════════════════════════════════════════════════════════════════════════════

type autoCommit struct{ s *Store }

type (
	autoPerformance struct{ autoCommit }
	autoProfiles    struct{ autoCommit }
	autoMatches     struct{ autoCommit }
	autoHelp        struct{ autoCommit }
)

func (a autoCommit) write(ctx context.Context, fn func(v *view) error) error {
	return a.s.WithinTx(ctx, func(_ context.Context, st matching.Store) error {
		return fn(st.(*view))
	})
}

func (a autoCommit) read(ctx context.Context, fn func(v *view) error) error {
	return a.s.WithinReadTx(ctx, func(_ context.Context, st matching.Store) error {
		return fn(st.(*view))
	})
}

func (a autoPerformance) Upsert(ctx context.Context, records ...performance.Record) error {
	return a.write(ctx, func(v *view) error { return v.Performance().Upsert(ctx, records...) })
}

func (a autoPerformance) ListByChapter(ctx context.Context, subject, chapter string) (out []performance.Record, err error) {
	err = a.read(ctx, func(v *view) error {
		out, err = v.Performance().ListByChapter(ctx, subject, chapter)
		return err
	})
	return out, err
}

func (a autoPerformance) ListBySubject(ctx context.Context, subject string) (out []performance.Record, err error) {
	err = a.read(ctx, func(v *view) error {
		out, err = v.Performance().ListBySubject(ctx, subject)
		return err
	})
	return out, err
}

func (a autoPerformance) ListByStudent(ctx context.Context, id student.StudentID, subject string) (out []performance.Record, err error) {
	err = a.read(ctx, func(v *view) error {
		out, err = v.Performance().ListByStudent(ctx, id, subject)
		return err
	})
	return out, err
}

func (a autoPerformance) CountByChapter(ctx context.Context, subject, chapter string) (n int, err error) {
	err = a.read(ctx, func(v *view) error {
		n, err = v.Performance().CountByChapter(ctx, subject, chapter)
		return err
	})
	return n, err
}

func (a autoPerformance) ListChapters(ctx context.Context, subject string) (out []performance.ChapterRef, err error) {
	err = a.read(ctx, func(v *view) error {
		out, err = v.Performance().ListChapters(ctx, subject)
		return err
	})
	return out, err
}

func (a autoProfiles) GetProfile(ctx context.Context, id student.StudentID) (p *student.Profile, err error) {
	err = a.read(ctx, func(v *view) error {
		p, err = v.Profiles().GetProfile(ctx, id)
		return err
	})
	return p, err
}

func (a autoProfiles) GetProfiles(ctx context.Context, ids []student.StudentID) (out map[student.StudentID]student.Profile, err error) {
	err = a.read(ctx, func(v *view) error {
		out, err = v.Profiles().GetProfiles(ctx, ids)
		return err
	})
	return out, err
}

func (a autoProfiles) SaveProfile(ctx context.Context, p student.Profile) error {
	return a.write(ctx, func(v *view) error { return v.Profiles().SaveProfile(ctx, p) })
}

func (a autoProfiles) UpdateTeachLevel(ctx context.Context, id student.StudentID, level *student.Grade) error {
	return a.write(ctx, func(v *view) error { return v.Profiles().UpdateTeachLevel(ctx, id, level) })
}

func (a autoMatches) SaveAll(ctx context.Context, matches []*matching.Match) (saved []*matching.Match, err error) {
	err = a.write(ctx, func(v *view) error {
		saved, err = v.Matches().SaveAll(ctx, matches)
		return err
	})
	return saved, err
}

func (a autoMatches) FindExisting(ctx context.Context, tutorID, learnerID student.StudentID, subject, chapter string) (m *matching.Match, err error) {
	err = a.read(ctx, func(v *view) error {
		m, err = v.Matches().FindExisting(ctx, tutorID, learnerID, subject, chapter)
		return err
	})
	return m, err
}

func (a autoMatches) GetByID(ctx context.Context, id string) (m *matching.Match, err error) {
	err = a.read(ctx, func(v *view) error {
		m, err = v.Matches().GetByID(ctx, id)
		return err
	})
	return m, err
}

func (a autoMatches) UpdateStatus(ctx context.Context, m *matching.Match, from matching.MatchStatus) error {
	return a.write(ctx, func(v *view) error { return v.Matches().UpdateStatus(ctx, m, from) })
}

func (a autoMatches) ListByStudent(ctx context.Context, id student.StudentID, role matching.Role) (out []*matching.Match, err error) {
	err = a.read(ctx, func(v *view) error {
		out, err = v.Matches().ListByStudent(ctx, id, role)
		return err
	})
	return out, err
}

func (a autoMatches) CountByScope(ctx context.Context, scope matching.Scope) (n int, err error) {
	err = a.read(ctx, func(v *view) error {
		n, err = v.Matches().CountByScope(ctx, scope)
		return err
	})
	return n, err
}

func (a autoHelp) CreateRequest(ctx context.Context, r *help.Request) error {
	return a.write(ctx, func(v *view) error { return v.Help().CreateRequest(ctx, r) })
}

func (a autoHelp) GetRequest(ctx context.Context, id string) (r *help.Request, err error) {
	err = a.read(ctx, func(v *view) error {
		r, err = v.Help().GetRequest(ctx, id)
		return err
	})
	return r, err
}

func (a autoHelp) UpdateRequest(ctx context.Context, r *help.Request, from help.RequestStatus) error {
	return a.write(ctx, func(v *view) error { return v.Help().UpdateRequest(ctx, r, from) })
}

func (a autoHelp) ListRequests(ctx context.Context, f help.RequestFilter) (out []*help.Request, err error) {
	err = a.read(ctx, func(v *view) error {
		out, err = v.Help().ListRequests(ctx, f)
		return err
	})
	return out, err
}

func (a autoHelp) CreateOffer(ctx context.Context, o *help.Offer) error {
	return a.write(ctx, func(v *view) error { return v.Help().CreateOffer(ctx, o) })
}

func (a autoHelp) ListOffers(ctx context.Context, f help.OfferFilter) (out []*help.Offer, err error) {
	err = a.read(ctx, func(v *view) error {
		out, err = v.Help().ListOffers(ctx, f)
		return err
	})
	return out, err
}
