package matching

import (
	"sort"

	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// PREFERENCE LISTS
// ══════════════════════════════════════════════════════════════════════════════

// PreferenceEntry - один кандидат в списке предпочтений.
type PreferenceEntry struct {
	Counterpart student.StudentID `json:"counterpart"`
	Score       float64           `json:"score"`
}

// PreferenceList упорядочен по убыванию оценки, при равенстве - по возрастанию id.
type PreferenceList []PreferenceEntry

// Rank возвращает позицию (с нуля) кандидата в списке.
func (l PreferenceList) Rank(id student.StudentID) (int, bool) {
	for i, e := range l {
		if e.Counterpart == id {
			return i, true
		}
	}
	return -1, false
}

// ScoreOf возвращает оценку кандидата из списка.
func (l PreferenceList) ScoreOf(id student.StudentID) (float64, bool) {
	for _, e := range l {
		if e.Counterpart == id {
			return e.Score, true
		}
	}
	return 0, false
}

func (l PreferenceList) sort() {
	sort.SliceStable(l, func(i, j int) bool {
		if l[i].Score != l[j].Score {
			return l[i].Score > l[j].Score
		}
		return l[i].Counterpart < l[j].Counterpart
	})
}

// Preferences - списки предпочтений обеих сторон одного запуска.
// Каждый участник пула присутствует как ключ, даже с пустым списком.
type Preferences struct {
	Tutor   map[student.StudentID]PreferenceList
	Learner map[student.StudentID]PreferenceList
}

// IsEmpty возвращает true, если нет ни одной допустимой пары.
func (p Preferences) IsEmpty() bool {
	for _, l := range p.Tutor {
		if len(l) > 0 {
			return false
		}
	}
	return true
}

// ══════════════════════════════════════════════════════════════════════════════
// BUILDER
// ══════════════════════════════════════════════════════════════════════════════

// PreferenceBuilder строит симметричные списки предпочтений.
type PreferenceBuilder struct {
	scorer      *Scorer
	eligibility EligibilityPolicy
	geo         GeoFilter
	bonus       BonusMode
}

// NewPreferenceBuilder создаёт построитель для области и формата встреч.
// Подбор по предмету использует бонус за общие главы, по главе - бонус за населённый пункт.
func NewPreferenceBuilder(policy Policy, scope Scope, mode MeetingMode) *PreferenceBuilder {
	bonus := BonusLocality
	if scope.IsSubjectWide() {
		bonus = BonusOverlap
	}
	return &PreferenceBuilder{
		scorer:      NewScorer(policy.Weights),
		eligibility: policy.Eligibility,
		geo:         GeoFilter{Mode: mode, MaxDistanceKm: policy.MaxDistanceKm},
		bonus:       bonus,
	}
}

// ScorePair оценивает пару. Второе значение false, если пара недопустима:
// совпадают студенты, не проходит политика допуска или география, либо оценка равна нулю.
func (b *PreferenceBuilder) ScorePair(tutor, learner Candidate) (float64, bool) {
	if tutor.StudentID == learner.StudentID {
		return 0, false
	}
	if !b.eligibility.Eligible(tutor, learner) || !b.geo.Compatible(tutor, learner) {
		return 0, false
	}

	score := b.scorer.Score(tutor.Score, learner.Score, ScoreContext{
		TutorGrade:      tutor.Grade,
		LearnerGrade:    learner.Grade,
		SameLocality:    tutor.Location.SameLocality(learner.Location),
		OverlapChapters: Overlap(tutor, learner),
		Bonus:           b.bonus,
		GradeCutoff:     b.eligibility.ApplyGradeCutoff(),
	})
	if score <= MinCompatibility {
		return 0, false
	}
	return score, true
}

// RankFor строит список предпочтений одного студента без запуска алгоритма:
// для role == RoleTutor self оценивается как наставник против others,
// иначе как ученик. limit <= 0 означает без ограничения.
func (b *PreferenceBuilder) RankFor(self Candidate, others []Candidate, role Role, limit int) PreferenceList {
	list := PreferenceList{}
	for _, other := range others {
		var (
			score float64
			ok    bool
		)
		if role == RoleTutor {
			score, ok = b.ScorePair(self, other)
		} else {
			score, ok = b.ScorePair(other, self)
		}
		if ok {
			list = append(list, PreferenceEntry{Counterpart: other.StudentID, Score: score})
		}
	}
	list.sort()
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}

// Build оценивает каждую пару один раз и отражает оценку в списки обеих сторон.
// Пустой пул даёт пустые списки без ошибки.
func (b *PreferenceBuilder) Build(tutors, learners []Candidate) Preferences {
	prefs := Preferences{
		Tutor:   make(map[student.StudentID]PreferenceList, len(tutors)),
		Learner: make(map[student.StudentID]PreferenceList, len(learners)),
	}
	for _, t := range tutors {
		prefs.Tutor[t.StudentID] = PreferenceList{}
	}
	for _, l := range learners {
		prefs.Learner[l.StudentID] = PreferenceList{}
	}

	for _, t := range tutors {
		for _, l := range learners {
			score, ok := b.ScorePair(t, l)
			if !ok {
				continue
			}
			prefs.Tutor[t.StudentID] = append(prefs.Tutor[t.StudentID],
				PreferenceEntry{Counterpart: l.StudentID, Score: score})
			prefs.Learner[l.StudentID] = append(prefs.Learner[l.StudentID],
				PreferenceEntry{Counterpart: t.StudentID, Score: score})
		}
	}

	for _, l := range prefs.Tutor {
		l.sort()
	}
	for _, l := range prefs.Learner {
		l.sort()
	}
	return prefs
}
