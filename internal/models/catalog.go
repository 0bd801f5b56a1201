package models

// CatalogItem is a movie or series as returned by the catalog client.
// Movies carry Title/ReleaseDate, series carry Name/FirstAirDate.
type CatalogItem struct {
	ID           int     `json:"id"`
	Title        string  `json:"title,omitempty"`
	Name         string  `json:"name,omitempty"`
	Overview     string  `json:"overview,omitempty"`
	PosterPath   *string `json:"poster_path"`
	BackdropPath *string `json:"backdrop_path"`
	VoteAverage  float64 `json:"vote_average"`
	Popularity   float64 `json:"popularity"`
	GenreIDs     []int   `json:"genre_ids"`
	ReleaseDate  string  `json:"release_date,omitempty"`
	FirstAirDate string  `json:"first_air_date,omitempty"`
}

// DisplayTitle returns the title for movies and the name for series.
func (c CatalogItem) DisplayTitle() string {
	if c.Title != "" {
		return c.Title
	}
	return c.Name
}

// CatalogPage is one page of catalog results.
type CatalogPage struct {
	Page         int           `json:"page"`
	Results      []CatalogItem `json:"results"`
	TotalPages   int           `json:"total_pages"`
	TotalResults int           `json:"total_results"`
}

// Genre is a catalog genre.
type Genre struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// DefaultGenres is the TMDB movie genre table, used when the catalog genre list is unavailable.
var DefaultGenres = []Genre{
	{28, "Action"}, {12, "Adventure"}, {16, "Animation"}, {35, "Comedy"}, {80, "Crime"},
	{99, "Documentary"}, {18, "Drama"}, {10751, "Family"}, {14, "Fantasy"}, {36, "History"},
	{27, "Horror"}, {10402, "Music"}, {9648, "Mystery"}, {10749, "Romance"}, {878, "Science Fiction"},
	{10770, "TV Movie"}, {53, "Thriller"}, {10752, "War"}, {37, "Western"},
}

// DefaultGenreIDs lists the IDs of DefaultGenres in order.
var DefaultGenreIDs = GenreIDs(DefaultGenres)

// GenreIDs extracts the IDs of genres.
func GenreIDs(genres []Genre) []int {
	out := make([]int, len(genres))
	for i, g := range genres {
		out[i] = g.ID
	}
	return out
}
