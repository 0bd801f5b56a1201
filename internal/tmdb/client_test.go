package tmdb

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const movieDiscover = `{
  "page": 1,
  "total_pages": 3,
  "total_results": 60,
  "results": [
    {"id": 550, "title": "Fight Club", "poster_path": "/fc.jpg", "backdrop_path": null,
     "vote_average": 8.4, "genre_ids": [18, 53], "release_date": "1999-10-15"}
  ]
}`

const seriesDiscover = `{
  "page": 1,
  "results": [
    {"id": 1396, "name": "Breaking Bad", "poster_path": "", "backdrop_path": "/bb.jpg",
     "vote_average": 8.9, "genre_ids": [18, 80], "first_air_date": "2008-01-20"}
  ]
}`

func newTestClient(t *testing.T, handler http.HandlerFunc, rdb *redis.Client) (*Client, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		APIKey:          "secret",
		BaseURL:         srv.URL,
		ImageBaseURL:    "https://img.test/t/p/",
		Language:        "en-US",
		RequestsPerSec:  1000,
		RetryDelay:      time.Millisecond,
		BreakerFailures: 2,
	}, rdb)
	return c, &hits
}

func TestDiscoverMovies(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/discover/movie", r.URL.Path)
		assert.Equal(t, "secret", r.URL.Query().Get("api_key"))
		assert.Equal(t, "28", r.URL.Query().Get("with_genres"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "en-US", r.URL.Query().Get("language"))
		assert.Equal(t, "popularity.desc", r.URL.Query().Get("sort_by"))
		w.Write([]byte(movieDiscover))
	}, nil)

	page, err := c.DiscoverMovies(context.Background(), 28, 2)
	require.NoError(t, err)
	require.Len(t, page.Results, 1)

	m := page.Results[0]
	assert.Equal(t, 550, m.ID)
	assert.Equal(t, "Fight Club", m.DisplayTitle())
	require.NotNil(t, m.PosterPath)
	assert.Equal(t, "https://img.test/t/p/w500/fc.jpg", *m.PosterPath)
	assert.Nil(t, m.BackdropPath)
	assert.Equal(t, []int{18, 53}, m.GenreIDs)
	assert.Equal(t, 3, page.TotalPages)
}

func TestDiscoverSeries(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/discover/tv", r.URL.Path)
		w.Write([]byte(seriesDiscover))
	}, nil)

	page, err := c.DiscoverSeries(context.Background(), 18, 0)
	require.NoError(t, err)
	require.Len(t, page.Results, 1)

	s := page.Results[0]
	assert.Equal(t, "Breaking Bad", s.DisplayTitle())
	assert.Equal(t, "2008-01-20", s.FirstAirDate)
	assert.Nil(t, s.PosterPath)
	require.NotNil(t, s.BackdropPath)
	assert.Equal(t, "https://img.test/t/p/w1280/bb.jpg", *s.BackdropPath)
}

func TestGenres(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/genre/movie/list":
			w.Write([]byte(`{"genres":[{"id":28,"name":"Action"}]}`))
		case "/genre/tv/list":
			w.Write([]byte(`{"genres":[{"id":10759,"name":"Action & Adventure"}]}`))
		default:
			http.NotFound(w, r)
		}
	}, nil)

	movies, err := c.MovieGenres(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 28, movies[0].ID)

	series, err := c.SeriesGenres(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Action & Adventure", series[0].Name)
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(movieDiscover))
	}, nil)

	page, err := c.DiscoverMovies(context.Background(), 28, 1)
	require.NoError(t, err)
	assert.Len(t, page.Results, 1)
	assert.Equal(t, int32(3), hits.Load())
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"status_message":"Invalid API key"}`))
	}, nil)

	_, err := c.DiscoverMovies(context.Background(), 28, 1)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestCircuitBreakerOpens(t *testing.T) {
	c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, nil)

	for i := 0; i < 2; i++ {
		_, err := c.DiscoverMovies(context.Background(), 28, 1)
		require.Error(t, err)
	}
	before := hits.Load()

	_, err := c.DiscoverMovies(context.Background(), 28, 1)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, before, hits.Load())
}

func TestResponsesAreCachedInRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(movieDiscover))
	}, rdb)

	for i := 0; i < 3; i++ {
		page, err := c.DiscoverMovies(context.Background(), 28, 1)
		require.NoError(t, err)
		assert.Len(t, page.Results, 1)
	}
	assert.Equal(t, int32(1), hits.Load())

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.NotContains(t, keys[0], "secret")
	assert.True(t, mr.TTL(keys[0]) > 0)
}

func TestContextCancellation(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.DiscoverMovies(ctx, 28, 1)
	assert.Error(t, err)
}
