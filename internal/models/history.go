package models

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidArgument is returned for malformed identifiers passed to history mutators.
var ErrInvalidArgument = errors.New("invalid argument")

// MediaType distinguishes movies from series in the catalog and in history.
type MediaType string

const (
	MediaTypeMovie  MediaType = "movie"
	MediaTypeSeries MediaType = "series"
)

// Valid reports whether m is a known media type.
func (m MediaType) Valid() bool {
	return m == MediaTypeMovie || m == MediaTypeSeries
}

// ParseMediaType accepts "movie", "series" and the TMDB alias "tv".
func ParseMediaType(s string) (MediaType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "movie":
		return MediaTypeMovie, nil
	case "series", "tv":
		return MediaTypeSeries, nil
	}
	return "", fmt.Errorf("%w: unknown media type %q", ErrInvalidArgument, s)
}

// ParseMediaID parses a catalog identifier. Non-integer and non-positive values are rejected.
func ParseMediaID(s string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: media id %q is not a positive integer", ErrInvalidArgument, s)
	}
	return id, nil
}

// ItemKey is the (id, mediaType) pair that identifies one title.
func ItemKey(id int, mediaType MediaType) string {
	return string(mediaType) + ":" + strconv.Itoa(id)
}

// WatchEvent is one recorded interaction with one title.
type WatchEvent struct {
	ID              int       `json:"id"`
	MediaType       MediaType `json:"mediaType"`
	Title           string    `json:"title"`
	PosterPath      *string   `json:"posterPath"`
	BackdropPath    *string   `json:"backdropPath"`
	VoteAverage     float64   `json:"voteAverage"`
	GenreIDs        []int     `json:"genreIds"`
	WatchedAt       int64     `json:"watchedAt"` // epoch milliseconds
	ProgressPercent *float64  `json:"progressPercent,omitempty"`
	CurrentTime     float64   `json:"currentTime,omitempty"`
	Duration        float64   `json:"duration,omitempty"`
	Season          *int      `json:"season,omitempty"`
	Episode         *int      `json:"episode,omitempty"`
	DeviceID        string    `json:"deviceId,omitempty"`
}

// Key returns a stable identifier combining media type and ID.
func (w WatchEvent) Key() string {
	return ItemKey(w.ID, w.MediaType)
}

// Progress returns the tracked progress, or 0 when none has been recorded.
func (w WatchEvent) Progress() float64 {
	if w.ProgressPercent == nil {
		return 0
	}
	return *w.ProgressPercent
}

// InProgress reports whether the title is partially watched (0 < progress < 95).
func (w WatchEvent) InProgress() bool {
	return w.ProgressPercent != nil && *w.ProgressPercent > 0 && *w.ProgressPercent < CompletedThreshold
}

// CompletedThreshold is the progress at which a title counts as finished.
const CompletedThreshold = 95.0

// WatchEventInput carries the fields accepted by AddOrUpdate. Only ID and MediaType are required.
// The watch time is always assigned by the store.
type WatchEventInput struct {
	ID              int       `json:"id"`
	MediaType       MediaType `json:"mediaType"`
	Title           string    `json:"title"`
	PosterPath      *string   `json:"posterPath"`
	BackdropPath    *string   `json:"backdropPath"`
	VoteAverage     float64   `json:"voteAverage"`
	GenreIDs        []int     `json:"genreIds"`
	ProgressPercent *float64  `json:"progressPercent,omitempty"`
	CurrentTime     float64   `json:"currentTime,omitempty"`
	Duration        float64   `json:"duration,omitempty"`
	Season          *int      `json:"season,omitempty"`
	Episode         *int      `json:"episode,omitempty"`
}

// Validate checks the identifying fields.
func (in WatchEventInput) Validate() error {
	if in.ID <= 0 {
		return fmt.Errorf("%w: media id must be a positive integer, got %d", ErrInvalidArgument, in.ID)
	}
	if !in.MediaType.Valid() {
		return fmt.Errorf("%w: unknown media type %q", ErrInvalidArgument, in.MediaType)
	}
	return nil
}

// ProgressMetadata describes the title whose playback progress is being reported.
type ProgressMetadata struct {
	Title        string   `json:"title"`
	PosterPath   *string  `json:"posterPath"`
	BackdropPath *string  `json:"backdropPath"`
	VoteAverage  *float64 `json:"voteAverage,omitempty"`
	GenreIDs     []int    `json:"genreIds,omitempty"`
	Season       *int     `json:"season,omitempty"`
	Episode      *int     `json:"episode,omitempty"`
}

// ProgressRequest is the request body for reporting playback progress.
type ProgressRequest struct {
	CurrentTime float64 `json:"currentTime"`
	Duration    float64 `json:"duration"`
	ProgressMetadata
}

// HistoryStats summarises the history of one scope.
type HistoryStats struct {
	TotalWatched    int   `json:"totalWatched"`
	TotalMinutes    int   `json:"totalMinutes"`
	MoviesWatched   int   `json:"moviesWatched"`
	SeriesWatched   int   `json:"seriesWatched"`
	AverageProgress int   `json:"averageProgress"`
	FavoriteGenres  []int `json:"favoriteGenres"`
}

// HistoryExport is the backup format produced by Export and accepted by Import.
type HistoryExport struct {
	DeviceID   string       `json:"deviceId"`
	History    []WatchEvent `json:"history"`
	ExportedAt int64        `json:"exportedAt"`
}

// ClampPercent bounds a progress value to [0, 100].
func ClampPercent(p float64) float64 {
	return math.Min(100, math.Max(0, p))
}

// ClampRating bounds a vote average to [0, 10]; NaN becomes 0.
func ClampRating(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(10, math.Max(0, v))
}

// UniqueGenres drops duplicate genre IDs while keeping first-seen order.
func UniqueGenres(ids []int) []int {
	out := make([]int, 0, len(ids))
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
