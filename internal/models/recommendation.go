package models

// GenreScore is a derived genre affinity. It is never persisted.
type GenreScore struct {
	GenreID int     `json:"genreId"`
	Score   float64 `json:"score"`
}

// RecommendationCandidate is a catalog item tagged with its media type.
type RecommendationCandidate struct {
	CatalogItem
	MediaType MediaType `json:"media_type"`
}

// Key returns the deduplication key of the candidate.
func (r RecommendationCandidate) Key() string {
	return ItemKey(r.ID, r.MediaType)
}

// Genres returns the candidate's genre IDs.
func (r RecommendationCandidate) Genres() []int {
	return r.GenreIDs
}

// RecommendationResponse wraps the recommendation list.
type RecommendationResponse struct {
	Scope           string                    `json:"scope"`
	GenreMix        []int                     `json:"genre_mix"`
	RotationSeed    int64                     `json:"rotation_seed"`
	TimeOfDay       string                    `json:"time_of_day"`
	Recommendations []RecommendationCandidate `json:"recommendations"`
	GeneratedAt     string                    `json:"generated_at"`
}

// PreferenceSummary exposes the preference engine outputs for one scope.
type PreferenceSummary struct {
	Scores       []GenreScore `json:"scores"`
	TopGenres    []int        `json:"top_genres"`
	TimeOfDay    string       `json:"time_of_day"`
	TimeBoost    []int        `json:"time_boost"`
	Discovery    []int        `json:"discovery"`
	GenreMix     []int        `json:"genre_mix"`
	RotationSeed int64        `json:"rotation_seed"`
}
