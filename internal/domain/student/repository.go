package student

import "context"

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// Эти интерфейсы определяют контракт для работы с хранилищем данных.
// Реализации находятся в infrastructure/persistence.
// ══════════════════════════════════════════════════════════════════════════════

// ProfileRepository определяет операции с профилями студентов.
type ProfileRepository interface {
	// GetProfile возвращает профиль студента.
	// Возвращает shared.ErrStudentNotFound, если профиль не найден.
	GetProfile(ctx context.Context, id StudentID) (*Profile, error)

	// GetProfiles возвращает профили по набору ID одним запросом.
	// Отсутствующие студенты просто не попадают в результат.
	GetProfiles(ctx context.Context, ids []StudentID) (map[StudentID]Profile, error)

	// SaveProfile создаёт или обновляет профиль.
	SaveProfile(ctx context.Context, profile Profile) error

	// UpdateTeachLevel обновляет уровень допуска к обучению.
	// nil снимает допуск.
	UpdateTeachLevel(ctx context.Context, id StudentID, level *Grade) error
}

// UniqueIDs возвращает идентификаторы без повторов, сохраняя порядок.
func UniqueIDs(ids []StudentID) []StudentID {
	seen := make(map[StudentID]struct{}, len(ids))
	result := make([]StudentID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result
}
