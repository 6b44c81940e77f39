package performance

import (
	"context"

	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

// Repository определяет операции с записями успеваемости.
type Repository interface {
	// Upsert создаёт или перезаписывает записи по ключу (студент, предмет, глава).
	Upsert(ctx context.Context, records ...Record) error

	// ListByChapter возвращает все записи по главе предмета.
	ListByChapter(ctx context.Context, subject, chapter string) ([]Record, error)

	// ListBySubject возвращает все записи по предмету (все главы).
	ListBySubject(ctx context.Context, subject string) ([]Record, error)

	// ListByStudent возвращает записи студента. Пустой subject - все предметы.
	ListByStudent(ctx context.Context, id student.StudentID, subject string) ([]Record, error)

	// CountByChapter возвращает количество записей по главе.
	CountByChapter(ctx context.Context, subject, chapter string) (int, error)

	// ListChapters возвращает пары (предмет, глава), по которым есть записи.
	// Пустой subject - все предметы. Результат отсортирован.
	ListChapters(ctx context.Context, subject string) ([]ChapterRef, error)
}
