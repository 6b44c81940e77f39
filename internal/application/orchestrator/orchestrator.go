// Package orchestrator runs matching: it selects the candidate pool, splits it
// into tutors and learners, builds preferences, runs the stable matcher and
// persists the resulting matches.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alem-hub/peer-tutoring/internal/application/validate"
	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
	"github.com/alem-hub/peer-tutoring/internal/domain/shared"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// REQUESTS & RESULTS
// ══════════════════════════════════════════════════════════════════════════════

// FindRequest describes one matching run.
type FindRequest struct {
	// Subject is required.
	Subject string `validate:"required"`

	// Chapter narrows the run to one chapter. Empty means the whole subject.
	Chapter string

	// MeetingMode is online (default) or physical.
	MeetingMode matching.MeetingMode `validate:"omitempty,oneof=online physical"`

	// Location is an optional reference point for physical meetings.
	Location *student.Location

	// Filter restricts the candidate pool.
	Filter matching.PoolFilter

	// Policy overrides the configured eligibility policy by name.
	Policy string `validate:"omitempty,oneof=strict_grade_filter teaching_eligibility_filter"`
}

// Scope returns the matching scope of the request.
func (r FindRequest) Scope() matching.Scope {
	return matching.Scope{Subject: r.Subject, Chapter: r.Chapter}
}

// FindResult is the outcome of a matching run without persistence.
type FindResult struct {
	Scope       matching.Scope
	MeetingMode matching.MeetingMode
	Policy      string
	Pairings    []matching.Pairing

	// Pool sizes after filtering.
	Tutors   int
	Learners int
	Excluded int
}

// CreateResult is the outcome of a persisted matching run.
type CreateResult struct {
	FindResult

	// Created are the matches written by this run.
	Created []*matching.Match

	// Existing are matches that already existed for a computed pair.
	Existing []*matching.Match
}

// Matches returns created and existing matches together.
func (r *CreateResult) Matches() []*matching.Match {
	all := make([]*matching.Match, 0, len(r.Created)+len(r.Existing))
	all = append(all, r.Created...)
	return append(all, r.Existing...)
}

// ══════════════════════════════════════════════════════════════════════════════
// ORCHESTRATOR
// ══════════════════════════════════════════════════════════════════════════════

// Config configures the Orchestrator.
type Config struct {
	Policy matching.Policy
	Logger *slog.Logger

	// Now is used for match timestamps. Defaults to time.Now in UTC.
	Now func() time.Time
}

// Orchestrator coordinates matching runs over a transactional store.
type Orchestrator struct {
	tx        matching.Transactor
	locker    matching.RunLocker
	publisher shared.EventPublisher
	matcher   *matching.StableMatcher
	policy    matching.Policy
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an Orchestrator. locker and publisher may be nil.
func New(tx matching.Transactor, locker matching.RunLocker, publisher shared.EventPublisher, cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Policy.Eligibility == nil {
		cfg.Policy = matching.DefaultPolicy()
	}

	return &Orchestrator{
		tx:        tx,
		locker:    locker,
		publisher: publisher,
		matcher:   matching.NewStableMatcher(),
		policy:    cfg.Policy,
		logger:    cfg.Logger.With("component", "orchestrator"),
		now:       cfg.Now,
	}
}

// Policy returns the configured matching policy.
func (o *Orchestrator) Policy() matching.Policy {
	return o.policy
}

// FindMatches computes matches for the scope without persisting them.
// It returns matching.ErrNotEligible when the scope has no performance records
// and an empty result when records exist but a pool is empty.
func (o *Orchestrator) FindMatches(ctx context.Context, req FindRequest) (*FindResult, error) {
	policy, err := o.prepare(req)
	if err != nil {
		return nil, err
	}

	var result *FindResult
	err = o.tx.WithinReadTx(ctx, func(ctx context.Context, s matching.Store) error {
		run, err := o.compute(ctx, s, req, policy)
		if err != nil {
			return err
		}
		result = run.result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CreateMatches computes and persists matches in one transaction.
// A pair that already has a match record in the same scope is not duplicated;
// its existing record is returned instead.
func (o *Orchestrator) CreateMatches(ctx context.Context, req FindRequest) (*CreateResult, error) {
	policy, err := o.prepare(req)
	if err != nil {
		return nil, err
	}
	scope := req.Scope()

	if o.locker != nil {
		release, err := o.locker.Acquire(ctx, matching.RunLockKey(scope))
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				o.logger.Warn("failed to release run lock", "scope", scope.String(), "error", err)
			}
		}()
	}

	start := time.Now()
	var result *CreateResult

	err = o.tx.WithinTx(ctx, func(ctx context.Context, s matching.Store) error {
		run, err := o.compute(ctx, s, req, policy)
		if err != nil {
			return err
		}

		result = &CreateResult{FindResult: *run.result}
		toSave := make([]*matching.Match, 0, len(run.result.Pairings))
		now := o.now()

		for _, p := range run.result.Pairings {
			existing, err := s.Matches().FindExisting(ctx, p.TutorID, p.LearnerID, scope.Subject, scope.Chapter)
			if err != nil {
				return fmt.Errorf("failed to check existing match: %w", err)
			}
			if existing != nil {
				result.Existing = append(result.Existing, existing)
				continue
			}

			m, err := matching.NewMatch(matching.NewMatchParams{
				TutorID:       p.TutorID,
				LearnerID:     p.LearnerID,
				Subject:       scope.Subject,
				Chapter:       scope.Chapter,
				MeetingMode:   run.result.MeetingMode,
				TutorScore:    run.candidates[p.TutorID].Score,
				LearnerScore:  run.candidates[p.LearnerID].Score,
				Compatibility: p.Score,
				TutorRank:     p.TutorRank,
				LearnerRank:   p.LearnerRank,
				MatchedAt:     now,
			})
			if err != nil {
				return fmt.Errorf("failed to build match: %w", err)
			}
			toSave = append(toSave, m)
		}

		created, raced, err := matching.SaveMatches(ctx, s.Matches(), toSave)
		if err != nil {
			return fmt.Errorf("failed to save matches: %w", err)
		}
		result.Created = created
		result.Existing = append(result.Existing, raced...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("matches created",
		"scope", scope.String(),
		"policy", result.Policy,
		"tutors", result.Tutors,
		"learners", result.Learners,
		"created", len(result.Created),
		"existing", len(result.Existing),
		"duration", time.Since(start),
	)

	if len(result.Created) > 0 {
		o.publish(shared.NewMatchesCreatedEvent(scope.Subject, scope.Chapter,
			len(result.Created), len(result.Existing), matchIDs(result.Created)))
	}

	return result, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// INTERNALS
// ══════════════════════════════════════════════════════════════════════════════

type run struct {
	result     *FindResult
	candidates map[student.StudentID]matching.Candidate
}

func (o *Orchestrator) prepare(req FindRequest) (matching.Policy, error) {
	if err := validate.Struct("FindMatches", req); err != nil {
		return matching.Policy{}, err
	}
	if err := req.Scope().Validate(); err != nil {
		return matching.Policy{}, err
	}
	return o.resolvePolicy(req.Policy)
}

func (o *Orchestrator) resolvePolicy(name string) (matching.Policy, error) {
	if name == "" {
		return o.policy, nil
	}
	eligibility, err := matching.EligibilityPolicyByName(name)
	if err != nil {
		return matching.Policy{}, err
	}
	return o.policy.WithEligibility(eligibility), nil
}

func (o *Orchestrator) compute(ctx context.Context, s matching.Store, req FindRequest, policy matching.Policy) (*run, error) {
	scope := req.Scope()
	mode := req.MeetingMode.OrDefault()

	candidates, err := matching.LoadCandidates(ctx, s, scope)
	if err != nil {
		return nil, err
	}

	geo := matching.GeoFilter{Mode: mode, MaxDistanceKm: policy.MaxDistanceKm}
	candidates = req.Filter.Apply(candidates)
	candidates = geo.NearReference(candidates, req.Location)

	pools := matching.Partition(candidates, policy)
	result := &FindResult{
		Scope:       scope,
		MeetingMode: mode,
		Policy:      policy.Eligibility.Name(),
		Pairings:    []matching.Pairing{},
		Tutors:      len(pools.Tutors),
		Learners:    len(pools.Learners),
		Excluded:    len(pools.Excluded),
	}

	byID := make(map[student.StudentID]matching.Candidate, len(candidates))
	for _, c := range candidates {
		byID[c.StudentID] = c
	}

	if pools.IsEmpty() {
		o.logger.Debug("empty pool", "scope", scope.String(), "tutors", result.Tutors, "learners", result.Learners)
		return &run{result: result, candidates: byID}, nil
	}

	prefs := matching.NewPreferenceBuilder(policy, scope, mode).Build(pools.Tutors, pools.Learners)
	result.Pairings = o.matcher.Match(prefs, policy.Capacity)

	return &run{result: result, candidates: byID}, nil
}

func (o *Orchestrator) publish(event shared.Event) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(event); err != nil {
		o.logger.Warn("failed to publish event", "event_type", event.EventType(), "error", err)
	}
}

func matchIDs(ms []*matching.Match) []string {
	ids := make([]string, 0, len(ms))
	for _, m := range ms {
		ids = append(ids, m.ID)
	}
	return ids
}

// IsNotEligible reports whether err means the scope has nothing to match on.
func IsNotEligible(err error) bool {
	return errors.Is(err, matching.ErrNotEligible)
}
