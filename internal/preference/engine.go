package preference

import (
	"slices"
	"time"

	"github.com/benbjohnson/clock"

	"movie-discovery-watch-history-service/internal/models"
	"movie-discovery-watch-history-service/internal/recommend"
)

const (
	// RotationWindow is how long shuffled output stays stable.
	RotationWindow = 4 * time.Hour

	recentWindow    = 7 * 24 * time.Hour
	discoveryPool   = 10
	favoriteCount   = 3
	discoveryPicks  = 2
	fallbackTimeTop = 2
	fallbackPopular = 3
)

// TimeOfDay is a wall-clock bucket.
type TimeOfDay string

const (
	Night     TimeOfDay = "night"
	Morning   TimeOfDay = "morning"
	Afternoon TimeOfDay = "afternoon"
	Evening   TimeOfDay = "evening"
)

var timeOfDayGenres = map[TimeOfDay][]int{
	Night:     {27, 53, 9648},  // horror, thriller, mystery
	Morning:   {10751, 16, 35}, // family, animation, comedy
	Afternoon: {28, 12, 878},   // action, adventure, sci-fi
	Evening:   {18, 10749, 80}, // drama, romance, crime
}

// PopularGenres seeds the mix when there is no history.
var PopularGenres = []int{28, 12, 35, 18, 878}

// Source is the history snapshot the engine reads.
type Source interface {
	ListRecent(limit int) []models.WatchEvent
}

// Engine derives genre affinities and contextual genre hints from a history snapshot.
// It caches nothing; every call reads the source and the clock again.
type Engine struct {
	src        Source
	clock      clock.Clock
	loc        *time.Location
	maxHistory int
}

// New creates an engine. maxHistory is the store bound used for position weighting.
func New(src Source, clk clock.Clock, loc *time.Location, maxHistory int) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	if loc == nil {
		loc = time.Local
	}
	if maxHistory <= 0 {
		maxHistory = 50
	}
	return &Engine{src: src, clock: clk, loc: loc, maxHistory: maxHistory}
}

// GenrePreferenceScores ranks genres by weighted presence in the history, highest first.
// Equal scores keep the order in which the genres first appear.
func (e *Engine) GenrePreferenceScores() []models.GenreScore {
	history := e.src.ListRecent(e.maxHistory)
	nowMs := e.clock.Now().UnixMilli()

	var scores []models.GenreScore
	index := make(map[int]int)
	for i, ev := range history {
		positionWeight := 1 - (float64(i)/float64(e.maxHistory))*0.5
		timeWeight := 0.5
		if nowMs-ev.WatchedAt < recentWindow.Milliseconds() {
			timeWeight = 1
		}
		ratingWeight := ev.VoteAverage / 10
		contribution := positionWeight * timeWeight * ratingWeight

		for _, g := range models.UniqueGenres(ev.GenreIDs) {
			j, ok := index[g]
			if !ok {
				j = len(scores)
				index[g] = j
				scores = append(scores, models.GenreScore{GenreID: g})
			}
			scores[j].Score += contribution
		}
	}

	slices.SortStableFunc(scores, func(a, b models.GenreScore) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	if scores == nil {
		scores = []models.GenreScore{}
	}
	return scores
}

// TopGenres returns the IDs of the limit best-scoring genres.
func (e *Engine) TopGenres(limit int) []int {
	return topOf(e.GenrePreferenceScores(), limit)
}

func topOf(scores []models.GenreScore, limit int) []int {
	if limit < len(scores) {
		scores = scores[:max(limit, 0)]
	}
	out := make([]int, len(scores))
	for i, s := range scores {
		out[i] = s.GenreID
	}
	return out
}

// TimeOfDay buckets the current hour: [0,6) night, [6,12) morning, [12,18) afternoon, [18,24) evening.
func (e *Engine) TimeOfDay() TimeOfDay {
	return Bucket(e.clock.Now().In(e.loc).Hour())
}

// Bucket maps an hour of the day to its bucket.
func Bucket(hour int) TimeOfDay {
	switch {
	case hour < 6:
		return Night
	case hour < 12:
		return Morning
	case hour < 18:
		return Afternoon
	default:
		return Evening
	}
}

// TimeBasedGenreBoost returns the fixed genre set for the current time of day.
func (e *Engine) TimeBasedGenreBoost() []int {
	return slices.Clone(timeOfDayGenres[e.TimeOfDay()])
}

// RotationSeed is the index of the current four-hour window since the epoch.
func (e *Engine) RotationSeed() int64 {
	return RotationSeed(e.clock.Now())
}

// RotationSeed returns floor(t / 4h) in epoch milliseconds.
func RotationSeed(t time.Time) int64 {
	ms := t.UnixMilli()
	w := RotationWindow.Milliseconds()
	seed := ms / w
	if ms%w < 0 {
		seed--
	}
	return seed
}

// DiscoveryGenres returns genres from all that are not among the ten favorites,
// shuffled by the rotation seed and cut to limit.
func (e *Engine) DiscoveryGenres(all []int, limit int) []int {
	return e.discovery(e.TopGenres(discoveryPool), all, limit)
}

func (e *Engine) discovery(favorites, all []int, limit int) []int {
	var candidates []int
	for _, g := range models.UniqueGenres(all) {
		if !slices.Contains(favorites, g) {
			candidates = append(candidates, g)
		}
	}
	out := recommend.Shuffle(candidates, e.RotationSeed())
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []int{}
	}
	return out
}

// SmartGenreMix picks the genres that drive one recommendation pass: the three favorites,
// one time-of-day genre and one discovery genre, without duplicates. Without history it
// uses the first two time-of-day genres and three shuffled popular genres.
func (e *Engine) SmartGenreMix(all []int) []int {
	scores := e.GenrePreferenceScores()
	return e.mix(scores, all)
}

func (e *Engine) mix(scores []models.GenreScore, all []int) []int {
	boost := e.TimeBasedGenreBoost()
	favorites := topOf(scores, favoriteCount)

	if len(favorites) == 0 {
		popular := recommend.Shuffle(PopularGenres, e.RotationSeed())[:fallbackPopular]
		return models.UniqueGenres(append(boost[:fallbackTimeTop], popular...))
	}

	out := slices.Clone(favorites)
	for _, g := range boost {
		if !slices.Contains(out, g) {
			out = append(out, g)
			break
		}
	}
	for _, g := range e.discovery(topOf(scores, discoveryPool), all, discoveryPicks) {
		if !slices.Contains(out, g) {
			out = append(out, g)
			break
		}
	}
	return out
}

// Summary evaluates every output of the engine against a single snapshot.
func (e *Engine) Summary(all []int) models.PreferenceSummary {
	scores := e.GenrePreferenceScores()
	return models.PreferenceSummary{
		Scores:       scores,
		TopGenres:    topOf(scores, favoriteCount),
		TimeOfDay:    string(e.TimeOfDay()),
		TimeBoost:    e.TimeBasedGenreBoost(),
		Discovery:    e.discovery(topOf(scores, discoveryPool), all, discoveryPicks),
		GenreMix:     e.mix(scores, all),
		RotationSeed: e.RotationSeed(),
	}
}
