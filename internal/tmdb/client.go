package tmdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"movie-discovery-watch-history-service/internal/models"
)

const (
	posterSize   = "w500"
	backdropSize = "w1280"
	cachePrefix  = "tmdb:"
)

// Config configures the TMDB client. Zero values take the defaults noted per field.
type Config struct {
	APIKey       string
	BaseURL      string // https://api.themoviedb.org/3
	ImageBaseURL string // https://image.tmdb.org/t/p
	Language     string

	RequestsPerSec  float64       // 20
	CacheTTL        time.Duration // 5m, only used with Redis
	Timeout         time.Duration // 15s
	RetryAttempts   uint          // 3
	RetryDelay      time.Duration // 200ms
	BreakerFailures uint32        // 5 consecutive failures open the breaker
	BreakerCooldown time.Duration // 30s
}

// StatusError is returned for non-200 TMDB responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("TMDB API returned status %d: %s", e.StatusCode, e.Body)
}

// Client is the TMDB API client. Requests are rate limited, retried on transient
// failures and guarded by a circuit breaker. Successful responses are cached in Redis
// when a client is configured.
type Client struct {
	cfg     Config
	http    *http.Client
	rdb     *redis.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// NewClient creates a new TMDB API client. rdb may be nil.
func NewClient(cfg Config, rdb *redis.Client) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.themoviedb.org/3"
	}
	if cfg.ImageBaseURL == "" {
		cfg.ImageBaseURL = "https://image.tmdb.org/t/p"
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 20
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.ImageBaseURL = strings.TrimRight(cfg.ImageBaseURL, "/")

	failures := cfg.BreakerFailures
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		rdb:     rdb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), max(1, int(cfg.RequestsPerSec))),
		breaker: gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:    "tmdb",
			Timeout: cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			IsSuccessful: func(err error) bool {
				// a 404 is an answer, not an outage
				if err == nil || errors.Is(err, context.Canceled) {
					return true
				}
				var se *StatusError
				return errors.As(err, &se) && !retryable(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("TMDB circuit breaker state changed", "from", from.String(), "to", to.String())
			},
		}),
	}
}

// ---- TMDB Response Types (internal, not exposed to consumers) ----

type discoverResponse struct {
	Page         int        `json:"page"`
	Results      []tmdbItem `json:"results"`
	TotalPages   int        `json:"total_pages"`
	TotalResults int        `json:"total_results"`
}

// tmdbItem covers both discover/movie and discover/tv results.
type tmdbItem struct {
	ID           int     `json:"id"`
	Title        string  `json:"title"`
	Name         string  `json:"name"`
	Overview     string  `json:"overview"`
	PosterPath   *string `json:"poster_path"`
	BackdropPath *string `json:"backdrop_path"`
	VoteAverage  float64 `json:"vote_average"`
	Popularity   float64 `json:"popularity"`
	GenreIDs     []int   `json:"genre_ids"`
	ReleaseDate  string  `json:"release_date"`
	FirstAirDate string  `json:"first_air_date"`
}

type genreListResponse struct {
	Genres []models.Genre `json:"genres"`
}

// ---- Client Methods ----

// DiscoverMovies fetches popular movies of one genre.
func (c *Client) DiscoverMovies(ctx context.Context, genreID, page int) (*models.CatalogPage, error) {
	return c.discover(ctx, "movie", genreID, page)
}

// DiscoverSeries fetches popular series of one genre.
func (c *Client) DiscoverSeries(ctx context.Context, genreID, page int) (*models.CatalogPage, error) {
	return c.discover(ctx, "tv", genreID, page)
}

// MovieGenres fetches the movie genre list.
func (c *Client) MovieGenres(ctx context.Context) ([]models.Genre, error) {
	return c.genres(ctx, "movie")
}

// SeriesGenres fetches the series genre list.
func (c *Client) SeriesGenres(ctx context.Context) ([]models.Genre, error) {
	return c.genres(ctx, "tv")
}

func (c *Client) discover(ctx context.Context, kind string, genreID, page int) (*models.CatalogPage, error) {
	if page < 1 {
		page = 1
	}
	q := url.Values{}
	q.Set("sort_by", "popularity.desc")
	q.Set("with_genres", strconv.Itoa(genreID))
	q.Set("page", strconv.Itoa(page))

	slog.Debug("fetching TMDB discover", "kind", kind, "genre_id", genreID, "page", page)
	body, err := c.get(ctx, "/discover/"+kind, q)
	if err != nil {
		return nil, err
	}

	var result discoverResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode discover response: %w", err)
	}

	out := &models.CatalogPage{
		Page:         result.Page,
		TotalPages:   result.TotalPages,
		TotalResults: result.TotalResults,
		Results:      make([]models.CatalogItem, 0, len(result.Results)),
	}
	for _, it := range result.Results {
		out.Results = append(out.Results, models.CatalogItem{
			ID:           it.ID,
			Title:        it.Title,
			Name:         it.Name,
			Overview:     it.Overview,
			PosterPath:   c.imageURL(posterSize, it.PosterPath),
			BackdropPath: c.imageURL(backdropSize, it.BackdropPath),
			VoteAverage:  it.VoteAverage,
			Popularity:   it.Popularity,
			GenreIDs:     it.GenreIDs,
			ReleaseDate:  it.ReleaseDate,
			FirstAirDate: it.FirstAirDate,
		})
	}
	return out, nil
}

func (c *Client) genres(ctx context.Context, kind string) ([]models.Genre, error) {
	slog.Debug("fetching TMDB genres", "kind", kind)
	body, err := c.get(ctx, "/genre/"+kind+"/list", url.Values{})
	if err != nil {
		return nil, err
	}

	var result genreListResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode genres response: %w", err)
	}
	return result.Genres, nil
}

// imageURL resolves a TMDB image path. A missing path stays nil.
func (c *Client) imageURL(size string, path *string) *string {
	if path == nil || *path == "" {
		return nil
	}
	u := c.cfg.ImageBaseURL + "/" + size + *path
	return &u
}

// get returns the response body for path, from cache when possible.
func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	if c.cfg.Language != "" {
		q.Set("language", c.cfg.Language)
	}
	cacheKey := cachePrefix + path + "?" + q.Encode()
	if cached, err := c.getFromCache(ctx, cacheKey); err == nil {
		slog.Debug("TMDB cache hit", "key", cacheKey)
		return []byte(cached), nil
	}

	q.Set("api_key", c.cfg.APIKey)
	reqURL := c.cfg.BaseURL + path + "?" + q.Encode()

	body, err := c.breaker.Execute(func() ([]byte, error) {
		return retry.DoWithData(
			func() ([]byte, error) { return c.doGet(ctx, reqURL) },
			retry.Context(ctx),
			retry.Attempts(c.cfg.RetryAttempts),
			retry.Delay(c.cfg.RetryDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(retryable),
		)
	})
	if err != nil {
		return nil, err
	}

	c.setCache(ctx, cacheKey, body)
	return body, nil
}

func (c *Client) doGet(ctx context.Context, reqURL string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// retryable reports whether err is worth another attempt: transport errors, 429 and 5xx.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	return true
}

// ---- Redis Helpers ----

func (c *Client) getFromCache(ctx context.Context, key string) (string, error) {
	if c.rdb == nil {
		return "", fmt.Errorf("redis not available")
	}
	return c.rdb.Get(ctx, key).Result()
}

func (c *Client) setCache(ctx context.Context, key string, value []byte) {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, key, value, c.cfg.CacheTTL).Err(); err != nil {
		slog.Error("failed to set cache", "key", key, "error", err)
	}
}
