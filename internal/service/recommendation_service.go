package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"movie-discovery-watch-history-service/internal/models"
	"movie-discovery-watch-history-service/internal/preference"
	"movie-discovery-watch-history-service/internal/recommend"
)

const genreListTTL = time.Hour

// GenreCatalog lists the catalog genres.
type GenreCatalog interface {
	MovieGenres(ctx context.Context) ([]models.Genre, error)
	SeriesGenres(ctx context.Context) ([]models.Genre, error)
}

// GenreList is the response of the genres endpoint.
type GenreList struct {
	Movie    []models.Genre `json:"movie"`
	Series   []models.Genre `json:"series"`
	Fallback bool           `json:"fallback,omitempty"`
}

// RecommendationService builds genre-mixed recommendations from a scope's history.
type RecommendationService struct {
	history   *HistoryService
	assembler *recommend.Assembler
	catalog   GenreCatalog
	rdb       *redis.Client
	cacheTTL  time.Duration
	genres    *expirable.LRU[string, []models.Genre]
}

// NewRecommendationService creates a new RecommendationService. rdb may be nil.
func NewRecommendationService(
	hist *HistoryService,
	assembler *recommend.Assembler,
	catalog GenreCatalog,
	rdb *redis.Client,
	cacheTTL time.Duration,
) *RecommendationService {
	return &RecommendationService{
		history:   hist,
		assembler: assembler,
		catalog:   catalog,
		rdb:       rdb,
		cacheTTL:  cacheTTL,
		genres:    expirable.NewLRU[string, []models.Genre](2, nil, genreListTTL),
	}
}

// GetRecommendations returns up to limit recommendations for the scope.
// Catalog failures shrink the list; they never fail the call.
func (s *RecommendationService) GetRecommendations(ctx context.Context, scope string, limit int) (*models.RecommendationResponse, error) {
	st, err := s.history.Store(ctx, scope)
	if err != nil {
		return nil, err
	}
	engine := s.history.Engine(st)

	all := models.GenreIDs(s.movieGenres(ctx))
	mix := engine.SmartGenreMix(all)
	seed := engine.RotationSeed()

	resp := &models.RecommendationResponse{
		Scope:        st.Scope(),
		GenreMix:     mix,
		RotationSeed: seed,
		TimeOfDay:    string(engine.TimeOfDay()),
		GeneratedAt:  s.history.clock.Now().UTC().Format(time.RFC3339),
	}

	// The list only depends on the mix, the seed and the catalog, so it can be shared across scopes.
	cacheKey := recommendationCacheKey(mix, seed, limit)
	if cached, err := s.getFromCache(ctx, cacheKey); err == nil {
		var recs []models.RecommendationCandidate
		if json.Unmarshal([]byte(cached), &recs) == nil {
			slog.Debug("recommendations cache hit", "scope", resp.Scope, "key", cacheKey)
			resp.Recommendations = recs
			return resp, nil
		}
	}

	resp.Recommendations = s.assembler.Build(ctx, mix, seed, limit)
	if len(resp.Recommendations) == 0 {
		slog.Warn("no recommendations assembled", "scope", resp.Scope, "genre_mix", mix)
		return resp, nil
	}

	if data, err := json.Marshal(resp.Recommendations); err == nil {
		s.setCache(ctx, cacheKey, string(data), s.ttlWithin(seed))
	}
	return resp, nil
}

// GetPreferences returns the preference engine outputs for the scope.
func (s *RecommendationService) GetPreferences(ctx context.Context, scope string) (*models.PreferenceSummary, error) {
	st, err := s.history.Store(ctx, scope)
	if err != nil {
		return nil, err
	}
	summary := s.history.Engine(st).Summary(models.GenreIDs(s.movieGenres(ctx)))
	return &summary, nil
}

// Genres returns the movie and series genre lists. When the catalog is unreachable the
// built-in movie table is returned and Fallback is set.
func (s *RecommendationService) Genres(ctx context.Context) *GenreList {
	out := &GenreList{}
	movies, err := s.cachedGenres(ctx, "movie", s.catalog.MovieGenres)
	if err != nil {
		out.Fallback = true
		movies = models.DefaultGenres
	}
	series, err := s.cachedGenres(ctx, "series", s.catalog.SeriesGenres)
	if err != nil {
		out.Fallback = true
		series = []models.Genre{}
	}
	out.Movie, out.Series = movies, series
	return out
}

func (s *RecommendationService) movieGenres(ctx context.Context) []models.Genre {
	genres, err := s.cachedGenres(ctx, "movie", s.catalog.MovieGenres)
	if err != nil || len(genres) == 0 {
		return models.DefaultGenres
	}
	return genres
}

func (s *RecommendationService) cachedGenres(ctx context.Context, kind string, fetch func(context.Context) ([]models.Genre, error)) ([]models.Genre, error) {
	if genres, ok := s.genres.Get(kind); ok {
		return genres, nil
	}
	genres, err := fetch(ctx)
	if err != nil {
		slog.Warn("failed to fetch catalog genres", "kind", kind, "error", err)
		return nil, fmt.Errorf("%w: %s genres: %v", recommend.ErrCatalogFetchFailed, kind, err)
	}
	s.genres.Add(kind, genres)
	return genres, nil
}

// ttlWithin caps the cache TTL at the end of the current rotation window.
func (s *RecommendationService) ttlWithin(seed int64) time.Duration {
	windowEnd := time.UnixMilli((seed + 1) * preference.RotationWindow.Milliseconds())
	return max(time.Second, min(s.cacheTTL, s.history.clock.Until(windowEnd)))
}

func recommendationCacheKey(mix []int, seed int64, limit int) string {
	parts := make([]string, len(mix))
	for i, g := range mix {
		parts[i] = strconv.Itoa(g)
	}
	return fmt.Sprintf("recommendations:%d:%d:%s", seed, limit, strings.Join(parts, ","))
}

// ---- Redis Helpers ----

func (s *RecommendationService) getFromCache(ctx context.Context, key string) (string, error) {
	if s.rdb == nil {
		return "", fmt.Errorf("redis not available")
	}
	return s.rdb.Get(ctx, key).Result()
}

func (s *RecommendationService) setCache(ctx context.Context, key, value string, ttl time.Duration) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.Error("failed to set cache", "key", key, "error", err)
	}
}
