package matching

import (
	"sort"

	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// STABLE MATCHER
// Отложенное принятие, предлагают наставники. Ёмкость ограничена с обеих сторон.
// Состояние алгоритма принадлежит одному вызову Match и не переиспользуется.
// ══════════════════════════════════════════════════════════════════════════════

// Pairing - пара, возвращённая алгоритмом.
type Pairing struct {
	TutorID   student.StudentID `json:"tutor_id"`
	LearnerID student.StudentID `json:"learner_id"`
	Score     float64           `json:"compatibility_score"`

	// TutorRank - позиция ученика в списке наставника (с нуля).
	TutorRank int `json:"tutor_rank"`

	// LearnerRank - позиция наставника в списке ученика (с нуля).
	LearnerRank int `json:"learner_rank"`
}

// StableMatcher выполняет подбор по готовым спискам предпочтений.
type StableMatcher struct{}

// NewStableMatcher создаёт алгоритм подбора.
func NewStableMatcher() *StableMatcher {
	return &StableMatcher{}
}

type hold struct {
	tutor student.StudentID
	score float64
}

// weaker сообщает, хуже ли a, чем b, с точки зрения ученика.
// При равной оценке хуже наставник с большим id.
func (a hold) weaker(b hold) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	return a.tutor > b.tutor
}

// Match возвращает устойчивое распределение. Для корректных входных данных
// ошибок не бывает: пустой пул даёт пустой результат.
// Результат отсортирован по (наставник, ученик).
func (m *StableMatcher) Match(prefs Preferences, capacity Capacity) []Pairing {
	if capacity.PerTutor < 1 || capacity.PerLearner < 1 {
		return nil
	}

	tutorIDs := make([]student.StudentID, 0, len(prefs.Tutor))
	for id := range prefs.Tutor {
		tutorIDs = append(tutorIDs, id)
	}
	sort.Slice(tutorIDs, func(i, j int) bool { return tutorIDs[i] < tutorIDs[j] })

	var (
		free    = append([]student.StudentID(nil), tutorIDs...)
		cursor  = make(map[student.StudentID]int, len(tutorIDs))
		matched = make(map[student.StudentID]int, len(tutorIDs))
		held    = make(map[student.StudentID][]hold, len(prefs.Learner))
	)

	for len(free) > 0 {
		t := free[0]
		free = free[1:]

		list := prefs.Tutor[t]
		if matched[t] >= capacity.PerTutor || cursor[t] >= len(list) {
			continue
		}

		proposal := list[cursor[t]]
		cursor[t]++
		l := proposal.Counterpart
		candidate := hold{tutor: t, score: proposal.Score}
		holds := held[l]

		if len(holds) < capacity.PerLearner {
			held[l] = append(holds, candidate)
			matched[t]++
			if matched[t] < capacity.PerTutor {
				free = append(free, t)
			}
			continue
		}

		weakest := 0
		for i := 1; i < len(holds); i++ {
			if holds[i].weaker(holds[weakest]) {
				weakest = i
			}
		}

		if proposal.Score > holds[weakest].score {
			evicted := holds[weakest].tutor
			holds[weakest] = candidate
			matched[evicted]--
			free = append(free, evicted)

			matched[t]++
			if matched[t] < capacity.PerTutor {
				free = append(free, t)
			}
			continue
		}

		if cursor[t] < len(list) {
			free = append(free, t)
		}
	}

	result := make([]Pairing, 0)
	for l, holds := range held {
		for _, h := range holds {
			tutorRank, _ := prefs.Tutor[h.tutor].Rank(l)
			learnerRank, _ := prefs.Learner[l].Rank(h.tutor)
			result = append(result, Pairing{
				TutorID:     h.tutor,
				LearnerID:   l,
				Score:       h.score,
				TutorRank:   tutorRank,
				LearnerRank: learnerRank,
			})
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].TutorID != result[j].TutorID {
			return result[i].TutorID < result[j].TutorID
		}
		return result[i].LearnerID < result[j].LearnerID
	})
	return result
}
