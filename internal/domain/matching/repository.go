package matching

import (
	"context"
	"fmt"

	"github.com/alem-hub/peer-tutoring/internal/domain/help"
	"github.com/alem-hub/peer-tutoring/internal/domain/performance"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

// MatchRepository определяет операции с сохранёнными парами.
type MatchRepository interface {
	// SaveAll сохраняет пары и возвращает те, что были записаны.
	// Пара с уже существующим ключом (наставник, ученик, предмет, глава)
	// пропускается и в результат не попадает.
	SaveAll(ctx context.Context, matches []*Match) ([]*Match, error)

	// FindExisting возвращает пару по ключу или nil, если её нет.
	FindExisting(ctx context.Context, tutorID, learnerID student.StudentID, subject, chapter string) (*Match, error)

	// GetByID возвращает пару по идентификатору или ErrMatchNotFound.
	GetByID(ctx context.Context, id string) (*Match, error)

	// UpdateStatus сохраняет статус и отметки времени пары, только если
	// в хранилище у неё всё ещё статус from. Иначе возвращает ErrStatusChanged.
	UpdateStatus(ctx context.Context, m *Match, from MatchStatus) error

	// ListByStudent возвращает пары студента в указанной роли,
	// отсортированные по убыванию времени создания.
	ListByStudent(ctx context.Context, id student.StudentID, role Role) ([]*Match, error)

	// CountByScope возвращает количество пар в области подбора.
	CountByScope(ctx context.Context, scope Scope) (int, error)
}

// Store объединяет репозитории, доступные в одной транзакции.
type Store interface {
	Performance() performance.Repository
	Profiles() student.ProfileRepository
	Matches() MatchRepository
	Help() help.Repository
}

// Transactor выполняет функцию в рамках транзакции.
// Ошибка функции откатывает все изменения.
type Transactor interface {
	// WithinTx выполняет fn в транзакции на запись.
	WithinTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error

	// WithinReadTx выполняет fn на согласованном снимке только для чтения.
	WithinReadTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error
}

// RunLocker сериализует запуски подбора по одной области между процессами.
type RunLocker interface {
	// Acquire захватывает блокировку или возвращает ErrRunInProgress.
	Acquire(ctx context.Context, key string) (release func(context.Context) error, err error)
}

// RunLockKey возвращает ключ блокировки для области подбора.
func RunLockKey(scope Scope) string {
	return "matching:" + scope.String()
}

// SaveMatches сохраняет новые пары. Пары, которые параллельный запуск успел
// записать раньше, перечитываются и возвращаются как существующие.
func SaveMatches(ctx context.Context, repo MatchRepository, matches []*Match) (created, existing []*Match, err error) {
	if len(matches) == 0 {
		return nil, nil, nil
	}
	saved, err := repo.SaveAll(ctx, matches)
	if err != nil {
		return nil, nil, err
	}

	written := make(map[string]bool, len(saved))
	for _, m := range saved {
		written[m.ID] = true
	}
	for _, m := range matches {
		if written[m.ID] {
			created = append(created, m)
			continue
		}
		found, err := repo.FindExisting(ctx, m.TutorID, m.LearnerID, m.Subject, m.Chapter)
		if err != nil {
			return nil, nil, err
		}
		if found == nil {
			return nil, nil, fmt.Errorf("match %s was skipped but no record exists", m.ID)
		}
		existing = append(existing, found)
	}
	return created, existing, nil
}

// LoadCandidates читает записи и профили области подбора и строит кандидатов.
// Для области без записей возвращает ErrNotEligible.
func LoadCandidates(ctx context.Context, s Store, scope Scope) ([]Candidate, error) {
	var (
		records []performance.Record
		err     error
	)
	if scope.IsSubjectWide() {
		records, err = s.Performance().ListBySubject(ctx, scope.Subject)
	} else {
		records, err = s.Performance().ListByChapter(ctx, scope.Subject, scope.Chapter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load performance records: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("scope %s: %w", scope, ErrNotEligible)
	}

	ids := make([]student.StudentID, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.StudentID)
	}
	profiles, err := s.Profiles().GetProfiles(ctx, student.UniqueIDs(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to load student profiles: %w", err)
	}

	if scope.IsSubjectWide() {
		return NewSubjectCandidates(records, profiles), nil
	}
	return NewChapterCandidates(records, profiles), nil
}
