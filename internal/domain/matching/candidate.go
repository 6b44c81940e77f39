package matching

import (
	"math"
	"sort"

	"github.com/alem-hub/peer-tutoring/internal/domain/performance"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// CANDIDATE
// Кандидат живёт только в рамках одного запуска подбора и не сохраняется.
// ══════════════════════════════════════════════════════════════════════════════

// Candidate - участник подбора: запись успеваемости, соединённая с профилем.
type Candidate struct {
	StudentID  student.StudentID
	Score      float64
	Accuracy   int
	Grade      student.Grade
	TeachLevel *student.Grade
	Location   student.Location
	SchoolID   *int64

	// Chapters - главы, по которым у студента есть записи (подбор по предмету).
	Chapters map[string]struct{}
}

func newCandidate(id student.StudentID, score float64, accuracy int, p *student.Profile) Candidate {
	c := Candidate{
		StudentID: id,
		Score:     performance.ClampScore(score),
		Accuracy:  accuracy,
	}
	if p != nil {
		c.Grade = p.Grade
		c.TeachLevel = p.TeachLevel
		c.Location = p.Location()
		c.SchoolID = p.SchoolID
	}
	return c
}

// NewChapterCandidates строит кандидатов из записей одной главы.
// Студент без профиля участвует с неизвестным классом и без местоположения.
// Результат отсортирован по идентификатору студента.
func NewChapterCandidates(records []performance.Record, profiles map[student.StudentID]student.Profile) []Candidate {
	seen := make(map[student.StudentID]int, len(records))
	result := make([]Candidate, 0, len(records))

	for _, r := range records {
		var profile *student.Profile
		if p, ok := profiles[r.StudentID]; ok {
			profile = &p
		}
		c := newCandidate(r.StudentID, r.Score, r.Accuracy, profile)
		c.Chapters = map[string]struct{}{r.Chapter: {}}

		// Дубликаты по ключу невозможны, но запись с лучшим баллом всё равно побеждает.
		if idx, ok := seen[r.StudentID]; ok {
			if c.Score > result[idx].Score {
				result[idx] = c
			}
			continue
		}
		seen[r.StudentID] = len(result)
		result = append(result, c)
	}

	sortCandidates(result)
	return result
}

// NewSubjectCandidates строит кандидатов по всему предмету: балл и точность
// усредняются по всем главам студента, список глав сохраняется для бонуса пересечения.
func NewSubjectCandidates(records []performance.Record, profiles map[student.StudentID]student.Profile) []Candidate {
	type agg struct {
		scoreSum    float64
		accuracySum int
		n           int
		chapters    map[string]struct{}
	}

	byStudent := make(map[student.StudentID]*agg)
	for _, r := range records {
		a, ok := byStudent[r.StudentID]
		if !ok {
			a = &agg{chapters: make(map[string]struct{})}
			byStudent[r.StudentID] = a
		}
		a.scoreSum += r.Score
		a.accuracySum += r.Accuracy
		a.n++
		a.chapters[r.Chapter] = struct{}{}
	}

	result := make([]Candidate, 0, len(byStudent))
	for id, a := range byStudent {
		var profile *student.Profile
		if p, ok := profiles[id]; ok {
			profile = &p
		}
		avgScore := a.scoreSum / float64(a.n)
		avgAccuracy := int(math.Round(float64(a.accuracySum) / float64(a.n)))

		c := newCandidate(id, avgScore, avgAccuracy, profile)
		c.Chapters = a.chapters
		result = append(result, c)
	}

	sortCandidates(result)
	return result
}

// Overlap возвращает количество глав, по которым есть записи у обоих кандидатов.
func Overlap(a, b Candidate) int {
	small, large := a.Chapters, b.Chapters
	if len(small) > len(large) {
		small, large = large, small
	}
	n := 0
	for ch := range small {
		if _, ok := large[ch]; ok {
			n++
		}
	}
	return n
}

func sortCandidates(cs []Candidate) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].StudentID < cs[j].StudentID })
}

// ══════════════════════════════════════════════════════════════════════════════
// POOL FILTERS
// ══════════════════════════════════════════════════════════════════════════════

// PoolFilter ограничивает пул кандидатов.
type PoolFilter struct {
	// SchoolID - только студенты указанной школы.
	SchoolID *int64 `json:"school_id,omitempty"`
}

// Apply возвращает кандидатов, прошедших фильтр. Порядок сохраняется.
func (f PoolFilter) Apply(cs []Candidate) []Candidate {
	if f.SchoolID == nil {
		return cs
	}
	result := make([]Candidate, 0, len(cs))
	for _, c := range cs {
		if c.SchoolID != nil && *c.SchoolID == *f.SchoolID {
			result = append(result, c)
		}
	}
	return result
}

// GeoFilter проверяет географическую совместимость для формата встреч.
type GeoFilter struct {
	Mode          MeetingMode
	MaxDistanceKm float64
}

// Compatible проверяет, могут ли два кандидата встречаться.
// Онлайн-формат совместим всегда.
func (g GeoFilter) Compatible(a, b Candidate) bool {
	if g.Mode.OrDefault() != MeetingPhysical {
		return true
	}
	return a.Location.Near(b.Location, g.MaxDistanceKm)
}

// NearReference оставляет кандидатов, находящихся рядом с опорной точкой.
// Для онлайн-формата или пустой точки пул не меняется.
func (g GeoFilter) NearReference(cs []Candidate, ref *student.Location) []Candidate {
	if g.Mode.OrDefault() != MeetingPhysical || ref == nil || ref.IsEmpty() {
		return cs
	}
	result := make([]Candidate, 0, len(cs))
	for _, c := range cs {
		if c.Location.Near(*ref, g.MaxDistanceKm) {
			result = append(result, c)
		}
	}
	return result
}

// ══════════════════════════════════════════════════════════════════════════════
// PARTITION
// ══════════════════════════════════════════════════════════════════════════════

// Pools - результат разделения кандидатов.
type Pools struct {
	Tutors   []Candidate
	Learners []Candidate

	// Excluded - кандидаты, не попавшие ни в один пул.
	Excluded []Candidate
}

// IsEmpty возвращает true, если хотя бы один пул пуст и подбор невозможен.
func (p Pools) IsEmpty() bool {
	return len(p.Tutors) == 0 || len(p.Learners) == 0
}

// Partition делит кандидатов на наставников и учеников согласно политике.
// Порядок кандидатов сохраняется.
func Partition(cs []Candidate, policy Policy) Pools {
	var pools Pools
	for _, c := range cs {
		isTutor := policy.Eligibility.IsTutor(c, policy.Thresholds)
		isLearner := policy.Eligibility.IsLearner(c, policy.Thresholds)

		if isTutor {
			pools.Tutors = append(pools.Tutors, c)
		}
		if isLearner {
			pools.Learners = append(pools.Learners, c)
		}
		if !isTutor && !isLearner {
			pools.Excluded = append(pools.Excluded, c)
		}
	}
	return pools
}
