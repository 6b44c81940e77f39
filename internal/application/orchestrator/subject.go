package orchestrator

import (
	"context"
	"fmt"

	"github.com/alem-hub/peer-tutoring/internal/application/validate"
	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
	"github.com/alem-hub/peer-tutoring/internal/domain/performance"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

// DefaultPartnerLimit caps the partners listed per subject.
const DefaultPartnerLimit = 10

// SubjectMatchRequest asks for subject-level opportunities of one student.
type SubjectMatchRequest struct {
	StudentID   student.StudentID    `validate:"required,gt=0"`
	MeetingMode matching.MeetingMode `validate:"omitempty,oneof=online physical"`
	Filter      matching.PoolFilter
	Policy      string `validate:"omitempty,oneof=strict_grade_filter teaching_eligibility_filter"`
	Limit       int    `validate:"gte=0,lte=100"`
}

// Partner is a ranked counterpart for a subject.
type Partner struct {
	StudentID      student.StudentID `json:"student_id"`
	Score          float64           `json:"average_score"`
	Compatibility  float64           `json:"compatibility_score"`
	Grade          student.Grade     `json:"grade,omitempty"`
	Locality       string            `json:"locality,omitempty"`
	SharedChapters int               `json:"shared_chapters"`
}

// SubjectOpportunity lists partners for the student within one subject.
type SubjectOpportunity struct {
	Subject  string    `json:"subject"`
	Score    float64   `json:"average_score"`
	Partners []Partner `json:"partners"`
}

// SubjectMatchResult splits opportunities by the role the student would take.
type SubjectMatchResult struct {
	StudentID student.StudentID    `json:"student_id"`
	CanTutor  []SubjectOpportunity `json:"can_tutor"`
	NeedsHelp []SubjectOpportunity `json:"needs_help"`
}

// FindSubjectMatches lists, for every subject the student has records in,
// learners the student could tutor and tutors who could help the student.
// Scores are averaged across chapters and ranked with the chapter overlap bonus.
func (o *Orchestrator) FindSubjectMatches(ctx context.Context, req SubjectMatchRequest) (*SubjectMatchResult, error) {
	if err := validate.Struct("FindSubjectMatches", req); err != nil {
		return nil, err
	}
	policy, err := o.resolvePolicy(req.Policy)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit == 0 {
		limit = DefaultPartnerLimit
	}
	mode := req.MeetingMode.OrDefault()

	result := &SubjectMatchResult{
		StudentID: req.StudentID,
		CanTutor:  []SubjectOpportunity{},
		NeedsHelp: []SubjectOpportunity{},
	}

	err = o.tx.WithinReadTx(ctx, func(ctx context.Context, s matching.Store) error {
		own, err := s.Performance().ListByStudent(ctx, req.StudentID, "")
		if err != nil {
			return fmt.Errorf("failed to load student records: %w", err)
		}

		for _, subject := range performance.Subjects(own) {
			scope := matching.Scope{Subject: subject}
			candidates, err := matching.LoadCandidates(ctx, s, scope)
			if err != nil {
				return err
			}
			candidates = req.Filter.Apply(candidates)

			self, others, ok := splitSelf(candidates, req.StudentID)
			if !ok {
				continue
			}

			pools := matching.Partition(others, policy)
			builder := matching.NewPreferenceBuilder(policy, scope, mode)
			byID := indexCandidates(others)

			if policy.Eligibility.IsTutor(self, policy.Thresholds) {
				ranked := builder.RankFor(self, pools.Learners, matching.RoleTutor, limit)
				if len(ranked) > 0 {
					result.CanTutor = append(result.CanTutor, opportunity(subject, self, ranked, byID))
				}
			}
			if policy.Eligibility.IsLearner(self, policy.Thresholds) {
				ranked := builder.RankFor(self, pools.Tutors, matching.RoleLearner, limit)
				if len(ranked) > 0 {
					result.NeedsHelp = append(result.NeedsHelp, opportunity(subject, self, ranked, byID))
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func splitSelf(cs []matching.Candidate, id student.StudentID) (matching.Candidate, []matching.Candidate, bool) {
	var (
		self  matching.Candidate
		found bool
	)
	others := make([]matching.Candidate, 0, len(cs))
	for _, c := range cs {
		if c.StudentID == id {
			self, found = c, true
			continue
		}
		others = append(others, c)
	}
	return self, others, found
}

func indexCandidates(cs []matching.Candidate) map[student.StudentID]matching.Candidate {
	byID := make(map[student.StudentID]matching.Candidate, len(cs))
	for _, c := range cs {
		byID[c.StudentID] = c
	}
	return byID
}

func opportunity(subject string, self matching.Candidate, ranked matching.PreferenceList, byID map[student.StudentID]matching.Candidate) SubjectOpportunity {
	op := SubjectOpportunity{
		Subject:  subject,
		Score:    self.Score,
		Partners: make([]Partner, 0, len(ranked)),
	}
	for _, e := range ranked {
		c := byID[e.Counterpart]
		op.Partners = append(op.Partners, Partner{
			StudentID:      c.StudentID,
			Score:          c.Score,
			Compatibility:  e.Score,
			Grade:          c.Grade,
			Locality:       c.Location.Locality,
			SharedChapters: matching.Overlap(self, c),
		})
	}
	return op
}
