package preference

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movie-discovery-watch-history-service/internal/models"
)

var evening = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

type snapshot []models.WatchEvent

func (s snapshot) ListRecent(limit int) []models.WatchEvent {
	if limit > 0 && limit < len(s) {
		return s[:limit]
	}
	return s
}

func engineAt(t time.Time, events ...models.WatchEvent) *Engine {
	mock := clock.NewMock()
	mock.Set(t)
	return New(snapshot(events), mock, time.UTC, 50)
}

func event(id int, vote float64, watchedAt time.Time, genres ...int) models.WatchEvent {
	return models.WatchEvent{ID: id, MediaType: models.MediaTypeMovie, VoteAverage: vote, GenreIDs: genres, WatchedAt: watchedAt.UnixMilli()}
}

func TestGenrePreferenceScoresWeights(t *testing.T) {
	e := engineAt(evening,
		event(1, 10, evening, 28),
		event(2, 10, evening.Add(-8*24*time.Hour), 35),
		event(3, 5, evening, 18, 28),
	)

	scores := e.GenrePreferenceScores()
	require.Len(t, scores, 3)

	assert.Equal(t, 28, scores[0].GenreID)
	assert.InDelta(t, 1.0+0.98*0.5, scores[0].Score, 1e-9)
	assert.Equal(t, 35, scores[1].GenreID)
	assert.InDelta(t, 0.99*0.5, scores[1].Score, 1e-9)
	assert.Equal(t, 18, scores[2].GenreID)
	assert.InDelta(t, 0.98*0.5, scores[2].Score, 1e-9)
}

func TestGenrePreferenceScoresDeterministic(t *testing.T) {
	e := engineAt(evening,
		event(1, 7, evening, 12, 35),
		event(2, 7, evening, 35, 12),
		event(3, 4, evening, 80),
	)
	first := e.GenrePreferenceScores()
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, e.GenrePreferenceScores())
	}
}

func TestScenarioSingleEventTieBreak(t *testing.T) {
	e := engineAt(evening, models.WatchEvent{
		ID: 550, MediaType: models.MediaTypeMovie, GenreIDs: []int{18, 53}, VoteAverage: 8.4, WatchedAt: evening.UnixMilli(),
	})

	assert.Equal(t, []int{18, 53}, e.TopGenres(5))
	assert.Equal(t, []int{18}, e.TopGenres(1))
	assert.Empty(t, e.TopGenres(0))
}

func TestTimeOfDayBuckets(t *testing.T) {
	tests := []struct {
		hour int
		want TimeOfDay
	}{
		{0, Night}, {5, Night}, {6, Morning}, {11, Morning},
		{12, Afternoon}, {17, Afternoon}, {18, Evening}, {23, Evening},
	}
	for _, tt := range tests {
		e := engineAt(time.Date(2026, 3, 1, tt.hour, 30, 0, 0, time.UTC))
		assert.Equal(t, tt.want, e.TimeOfDay(), "hour %d", tt.hour)
	}

	assert.Equal(t, []int{27, 53, 9648}, engineAt(time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)).TimeBasedGenreBoost())
	assert.Equal(t, []int{18, 10749, 80}, engineAt(evening).TimeBasedGenreBoost())
}

func TestTimeOfDayUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC-3", -3*3600)
	mock := clock.NewMock()
	mock.Set(evening)
	e := New(snapshot(nil), mock, loc, 50)
	assert.Equal(t, Afternoon, e.TimeOfDay())
}

func TestRotationSeed(t *testing.T) {
	window := evening.Truncate(RotationWindow)

	assert.Equal(t, RotationSeed(window), RotationSeed(window.Add(RotationWindow-time.Millisecond)))
	assert.NotEqual(t, RotationSeed(window), RotationSeed(window.Add(RotationWindow)))
	assert.Equal(t, int64(123083), engineAt(evening).RotationSeed())
	assert.Equal(t, int64(-1), RotationSeed(time.UnixMilli(-1)))
}

func TestDiscoveryGenresExcludeFavorites(t *testing.T) {
	e := engineAt(evening, event(1, 8, evening, 18, 53), event(2, 6, evening, 28))

	got := e.DiscoveryGenres(models.DefaultGenreIDs, 2)
	assert.Equal(t, []int{9648, 36}, got)

	all := e.DiscoveryGenres(models.DefaultGenreIDs, len(models.DefaultGenreIDs))
	assert.Len(t, all, len(models.DefaultGenreIDs)-3)
	assert.NotContains(t, all, 18)
	assert.NotContains(t, all, 53)
	assert.NotContains(t, all, 28)
}

func TestSmartGenreMixWithoutHistory(t *testing.T) {
	got := engineAt(evening).SmartGenreMix([]int{28, 12, 35, 878, 53})
	assert.Equal(t, []int{18, 10749, 28, 878, 12}, got)

	morning := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	got = engineAt(morning).SmartGenreMix([]int{28, 12, 35, 878, 53})
	assert.Equal(t, []int{10751, 16, 878, 18, 28}, got)
	assert.LessOrEqual(t, len(got), 5)
}

func TestSmartGenreMixDeduplicates(t *testing.T) {
	// afternoon boost overlaps the popular defaults
	afternoon := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	got := engineAt(afternoon).SmartGenreMix(nil)

	seen := map[int]bool{}
	for _, g := range got {
		assert.False(t, seen[g], "duplicate genre %d", g)
		seen[g] = true
	}
	assert.LessOrEqual(t, len(got), 5)
	assert.Equal(t, []int{28, 12}, got[:2])
}

func TestSmartGenreMixWithHistory(t *testing.T) {
	e := engineAt(evening,
		event(550, 8.4, evening.Add(-time.Minute), 18, 53),
		event(551, 6, evening.Add(-2*time.Minute), 28),
	)
	assert.Equal(t, []int{18, 53, 28, 10749, 9648}, e.SmartGenreMix(models.DefaultGenreIDs))
}

func TestSummary(t *testing.T) {
	e := engineAt(evening, event(550, 8.4, evening, 18, 53))
	s := e.Summary(models.DefaultGenreIDs)

	assert.Equal(t, []int{18, 53}, s.TopGenres)
	assert.Equal(t, "evening", s.TimeOfDay)
	assert.Equal(t, e.SmartGenreMix(models.DefaultGenreIDs), s.GenreMix)
	assert.Equal(t, e.DiscoveryGenres(models.DefaultGenreIDs, 2), s.Discovery)
	assert.Equal(t, int64(123083), s.RotationSeed)
}
