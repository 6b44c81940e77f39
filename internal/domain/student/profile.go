package student

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// VALUE OBJECTS
// ══════════════════════════════════════════════════════════════════════════════

// StudentID - идентификатор студента на образовательной платформе.
type StudentID int64

// IsValid проверяет, что идентификатор положительный.
func (id StudentID) IsValid() bool {
	return id > 0
}

// String возвращает строковое представление идентификатора.
func (id StudentID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Grade - класс (учебный год) студента.
// 0 означает, что класс неизвестен.
type Grade int

const (
	// MinGrade - минимальный допустимый класс.
	MinGrade Grade = 1

	// MaxGrade - максимальный допустимый класс.
	MaxGrade Grade = 12

	// DefaultGrade используется, когда класс студента не указан.
	DefaultGrade Grade = 10
)

// IsKnown возвращает true, если класс указан.
func (g Grade) IsKnown() bool {
	return g > 0
}

// IsValid проверяет, что класс либо неизвестен, либо в допустимом диапазоне.
func (g Grade) IsValid() bool {
	return g == 0 || (g >= MinGrade && g <= MaxGrade)
}

// OrDefault возвращает класс или DefaultGrade, если класс неизвестен.
func (g Grade) OrDefault() Grade {
	if !g.IsKnown() {
		return DefaultGrade
	}
	return g
}

// ══════════════════════════════════════════════════════════════════════════════
// PROFILE
// ══════════════════════════════════════════════════════════════════════════════

// Profile - срез профиля студента, который использует подбор пар.
type Profile struct {
	// ID - идентификатор студента.
	ID StudentID `json:"id"`

	// Grade - текущий класс (current_level).
	Grade Grade `json:"grade"`

	// TeachLevel - самый высокий класс, который студент может обучать.
	// nil, если студент пока не допущен к обучению.
	TeachLevel *Grade `json:"teach_level,omitempty"`

	// SchoolID - школа студента (опционально).
	SchoolID *int64 `json:"school_id,omitempty"`

	// Locality - населённый пункт или район в свободной форме.
	Locality string `json:"locality,omitempty"`

	// Coordinates - GPS-координаты (опционально).
	Coordinates *Coordinates `json:"coordinates,omitempty"`

	// UpdatedAt - время последнего обновления профиля.
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate проверяет инварианты профиля.
func (p Profile) Validate() error {
	if !p.ID.IsValid() {
		return fmt.Errorf("invalid student id: %d", p.ID)
	}
	if !p.Grade.IsValid() {
		return fmt.Errorf("invalid grade %d for student %d", p.Grade, p.ID)
	}
	if p.TeachLevel != nil && !p.TeachLevel.IsValid() {
		return fmt.Errorf("invalid teach level %d for student %d", *p.TeachLevel, p.ID)
	}
	if p.Coordinates != nil && !p.Coordinates.Valid() {
		return fmt.Errorf("invalid coordinates for student %d", p.ID)
	}
	return nil
}

// HasGrade возвращает true, если класс студента известен.
func (p Profile) HasGrade() bool {
	return p.Grade.IsKnown()
}

// CanTeachGrade проверяет, может ли студент обучать учеников указанного класса.
// Уровень допуска интерпретируется как "может обучать любой класс <= TeachLevel".
func (p Profile) CanTeachGrade(g Grade) bool {
	if p.TeachLevel == nil || !g.IsKnown() {
		return false
	}
	return *p.TeachLevel >= g
}

// InSchool проверяет принадлежность студента к школе.
func (p Profile) InSchool(schoolID int64) bool {
	return p.SchoolID != nil && *p.SchoolID == schoolID
}

// Location возвращает местоположение студента.
func (p Profile) Location() Location {
	return Location{
		Locality:    p.Locality,
		Coordinates: p.Coordinates,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// LOCATION
// ══════════════════════════════════════════════════════════════════════════════

// Location описывает местоположение для очных встреч.
type Location struct {
	Locality    string       `json:"locality,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

// IsEmpty возвращает true, если не указан ни населённый пункт, ни координаты.
func (l Location) IsEmpty() bool {
	return normalizeLocality(l.Locality) == "" && l.Coordinates == nil
}

// SameLocality сравнивает населённые пункты без учёта регистра.
// Пустые значения никогда не совпадают.
func (l Location) SameLocality(other Location) bool {
	a := normalizeLocality(l.Locality)
	if a == "" {
		return false
	}
	return a == normalizeLocality(other.Locality)
}

// DistanceKm возвращает расстояние до другой точки.
// Второе значение false, если координаты отсутствуют хотя бы у одной стороны.
func (l Location) DistanceKm(other Location) (float64, bool) {
	if l.Coordinates == nil || other.Coordinates == nil {
		return 0, false
	}
	return HaversineKm(*l.Coordinates, *other.Coordinates), true
}

// Near проверяет, достаточно ли близко находятся две стороны для очной встречи:
// совпадение населённого пункта или расстояние не больше radiusKm.
func (l Location) Near(other Location, radiusKm float64) bool {
	if l.SameLocality(other) {
		return true
	}
	d, ok := l.DistanceKm(other)
	return ok && d <= radiusKm
}

func normalizeLocality(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
