// Package student содержит профиль студента в объёме, нужном для подбора пар.
//
// Пакет определяет:
//
//   - Value Objects: StudentID, Grade, Coordinates, Location
//   - Сущность Profile: класс, уровень допуска к обучению, школа, местоположение
//   - Интерфейс репозитория ProfileRepository
//
// # Уровень допуска к обучению
//
// TeachLevel вычисляется из итогового балла последней общей оценки
// (см. performance.FitToTeachLevel) и означает "может обучать любой класс
// не выше TeachLevel":
//
//	p := Profile{ID: 7, Grade: 9, TeachLevel: &level}
//	p.CanTeachGrade(6) // true, если level >= 6
//
// # Местоположение
//
// Для очных встреч две стороны считаются близкими, если совпадает
// населённый пункт (без учёта регистра) или расстояние по формуле
// гаверсинуса не превышает заданного радиуса:
//
//	a.Location().Near(b.Location(), 10) // радиус 10 км
//
// Пакет не имеет внешних зависимостей - только стандартная библиотека Go.
package student
