package student

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func gradePtr(g Grade) *Grade { return &g }

func TestProfile_CanTeachGrade(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		grade   Grade
		want    bool
	}{
		{"no teach level", Profile{ID: 1, Grade: 9}, 6, false},
		{"unknown learner grade", Profile{ID: 1, TeachLevel: gradePtr(7)}, 0, false},
		{"lower grade", Profile{ID: 1, TeachLevel: gradePtr(7)}, 6, true},
		{"equal grade", Profile{ID: 1, TeachLevel: gradePtr(7)}, 7, true},
		{"higher grade", Profile{ID: 1, TeachLevel: gradePtr(7)}, 8, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.profile.CanTeachGrade(tt.grade))
		})
	}
}

func TestProfile_Validate(t *testing.T) {
	assert.NoError(t, Profile{ID: 1, Grade: 8}.Validate())
	assert.NoError(t, Profile{ID: 1}.Validate())
	assert.Error(t, Profile{ID: 0, Grade: 8}.Validate())
	assert.Error(t, Profile{ID: 1, Grade: 13}.Validate())
	assert.Error(t, Profile{ID: 1, TeachLevel: gradePtr(-1)}.Validate())
	assert.Error(t, Profile{ID: 1, Coordinates: &Coordinates{Lat: 91}}.Validate())
}

func TestGrade_OrDefault(t *testing.T) {
	assert.Equal(t, DefaultGrade, Grade(0).OrDefault())
	assert.Equal(t, Grade(7), Grade(7).OrDefault())
}

func TestLocation_SameLocality(t *testing.T) {
	a := Location{Locality: "  Almaty "}
	assert.True(t, a.SameLocality(Location{Locality: "almaty"}))
	assert.False(t, a.SameLocality(Location{Locality: "Astana"}))
	assert.False(t, Location{}.SameLocality(Location{}))
}

func TestHaversineKm(t *testing.T) {
	almaty := Coordinates{Lat: 43.2389, Lng: 76.8897}
	astana := Coordinates{Lat: 51.1694, Lng: 71.4491}

	assert.InDelta(t, 0, HaversineKm(almaty, almaty), 1e-9)
	// Almaty - Astana is roughly 970 km great-circle.
	assert.InDelta(t, 970, HaversineKm(almaty, astana), 20)
	assert.InDelta(t, HaversineKm(almaty, astana), HaversineKm(astana, almaty), 1e-9)
}

func TestLocation_Near(t *testing.T) {
	origin := Coordinates{Lat: 43.0, Lng: 76.0}
	// One degree of latitude is ~111.2 km.
	fiveKm := Coordinates{Lat: 43.0 + 5.0/111.2, Lng: 76.0}
	fifteenKm := Coordinates{Lat: 43.0 + 15.0/111.2, Lng: 76.0}

	a := Location{Coordinates: &origin}

	assert.True(t, a.Near(Location{Coordinates: &fiveKm}, 10))
	assert.False(t, a.Near(Location{Coordinates: &fifteenKm}, 10))
	assert.False(t, a.Near(Location{}, 10), "missing coordinates and locality")
	assert.True(t, Location{Locality: "Shymkent"}.Near(Location{Locality: "SHYMKENT"}, 10))
}

func TestUniqueIDs(t *testing.T) {
	assert.Equal(t, []StudentID{3, 1, 2}, UniqueIDs([]StudentID{3, 1, 3, 2, 1}))
	assert.Empty(t, UniqueIDs(nil))
}
