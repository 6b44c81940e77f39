package performance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/peer-tutoring/internal/domain/shared"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

func TestClassifyWeakness(t *testing.T) {
	tests := []struct {
		accuracy int
		want     WeaknessLevel
	}{
		{100, WeaknessNone},
		{85, WeaknessNone},
		{84, WeaknessMild},
		{70, WeaknessMild},
		{69, WeaknessModerate},
		{50, WeaknessModerate},
		{49, WeaknessSevere},
		{0, WeaknessSevere},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyWeakness(tt.accuracy), "accuracy %d", tt.accuracy)
	}
}

func TestFitToTeachLevel(t *testing.T) {
	tests := []struct {
		name  string
		score float64
		grade student.Grade
		want  *student.Grade
	}{
		{"excellent", 90, 9, gradeOf(7)},
		{"boundary 85", 85, 9, gradeOf(7)},
		{"good", 75, 9, gradeOf(6)},
		{"boundary 70", 70, 9, gradeOf(6)},
		{"fair", 55, 9, gradeOf(5)},
		{"boundary 50", 50, 9, gradeOf(5)},
		{"not fit", 49.9, 9, nil},
		{"unknown grade defaults to 10", 90, 0, gradeOf(8)},
		{"floor at grade 1", 50, 2, gradeOf(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FitToTeachLevel(tt.score, tt.grade)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tt.want, *got)
		})
	}
}

func TestAggregator_Derive_BestScoreWins(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	agg := NewAggregator(func() time.Time { return fixed })

	early := fixed.Add(-48 * time.Hour)
	late := fixed.Add(-24 * time.Hour)

	outputs := []GradingOutput{
		{
			Subject:    "math",
			AssessedAt: early,
			Chapters: map[string]ChapterResult{
				"fractions": {ScoreOutOf10: 8.5, Accuracy: 86, TotalQuestions: 10, Correct: 9},
				"algebra":   {ScoreOutOf10: 3.0, Accuracy: 30, TotalQuestions: 10, Correct: 3},
			},
		},
		{
			Subject:    "math",
			AssessedAt: late,
			Chapters: map[string]ChapterResult{
				"fractions": {ScoreOutOf10: 6.0, Accuracy: 60, TotalQuestions: 10, Correct: 6},
				"algebra":   {ScoreOutOf10: 3.0, Accuracy: 72, TotalQuestions: 10, Correct: 4},
			},
		},
		{
			Subject:    "physics",
			AssessedAt: late,
			Chapters: map[string]ChapterResult{
				"optics": {ScoreOutOf10: 12, Accuracy: 140, TotalQuestions: 5, Correct: 5},
			},
		},
	}

	records := agg.Derive(42, outputs)
	require.Len(t, records, 3)

	// Sorted by subject, then chapter.
	assert.Equal(t, "algebra", records[0].Chapter)
	assert.Equal(t, "fractions", records[1].Chapter)
	assert.Equal(t, "optics", records[2].Chapter)

	// Equal score: the later assessment wins.
	assert.Equal(t, 72, records[0].Accuracy)
	assert.Equal(t, late, records[0].LastAssessedAt)
	assert.Equal(t, WeaknessMild, records[0].Weakness)

	// Better score wins regardless of recency.
	assert.Equal(t, 8.5, records[1].Score)
	assert.Equal(t, early, records[1].LastAssessedAt)
	assert.Equal(t, WeaknessNone, records[1].Weakness)

	// Out-of-range values are clamped.
	assert.Equal(t, MaxScore, records[2].Score)
	assert.Equal(t, MaxAccuracy, records[2].Accuracy)

	for _, r := range records {
		assert.Equal(t, student.StudentID(42), r.StudentID)
		assert.Equal(t, fixed, r.UpdatedAt)
		assert.NoError(t, r.Validate())
	}
}

func TestLatestFinalScore(t *testing.T) {
	now := time.Now()
	a, b := 60.0, 88.0

	_, ok := LatestFinalScore([]GradingOutput{{Subject: "math"}})
	assert.False(t, ok)

	score, ok := LatestFinalScore([]GradingOutput{
		{Subject: "math", AssessedAt: now, FinalScore: &b},
		{Subject: "math", AssessedAt: now.Add(-time.Hour), FinalScore: &a},
	})
	assert.True(t, ok)
	assert.Equal(t, 88.0, score)
}

func TestRecord_Validate(t *testing.T) {
	valid := Record{StudentID: 1, Subject: "math", Chapter: "sets", Score: 5, Accuracy: 50, QuestionsAttempted: 4, CorrectAnswers: 2}
	assert.NoError(t, valid.Validate())

	bad := valid
	bad.Score = 10.5
	assert.ErrorIs(t, bad.Validate(), shared.ErrInvalidScore)

	bad = valid
	bad.Chapter = ""
	assert.True(t, shared.IsValidation(bad.Validate()))

	bad = valid
	bad.CorrectAnswers = 5
	assert.Error(t, bad.Validate())
}

func TestSubjects(t *testing.T) {
	records := []Record{{Subject: "physics"}, {Subject: "math"}, {Subject: "physics"}}
	assert.Equal(t, []string{"math", "physics"}, Subjects(records))
}

func gradeOf(g student.Grade) *student.Grade { return &g }
