package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movie-discovery-watch-history-service/internal/history"
	"movie-discovery-watch-history-service/internal/middleware"
	"movie-discovery-watch-history-service/internal/models"
	"movie-discovery-watch-history-service/internal/recommend"
	"movie-discovery-watch-history-service/internal/service"
	"movie-discovery-watch-history-service/internal/storage"
)

type stubCatalog struct{ fail bool }

func (s stubCatalog) discover(genreID int) (*models.CatalogPage, error) {
	if s.fail {
		return nil, errors.New("catalog down")
	}
	page := &models.CatalogPage{Page: 1}
	for i := 0; i < 4; i++ {
		page.Results = append(page.Results, models.CatalogItem{ID: genreID*10 + i, Title: "t", GenreIDs: []int{genreID}})
	}
	return page, nil
}

func (s stubCatalog) DiscoverMovies(_ context.Context, genreID, _ int) (*models.CatalogPage, error) {
	return s.discover(genreID)
}

func (s stubCatalog) DiscoverSeries(_ context.Context, genreID, _ int) (*models.CatalogPage, error) {
	return s.discover(genreID)
}

func (s stubCatalog) MovieGenres(context.Context) ([]models.Genre, error) {
	if s.fail {
		return nil, errors.New("catalog down")
	}
	return models.DefaultGenres, nil
}

func (s stubCatalog) SeriesGenres(context.Context) ([]models.Genre, error) {
	if s.fail {
		return nil, errors.New("catalog down")
	}
	return []models.Genre{{ID: 10759, Name: "Action & Adventure"}}, nil
}

func newTestApp(t *testing.T, catalog stubCatalog) *fiber.App {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC))

	reg, err := history.NewRegistry(context.Background(), history.Options{Storage: storage.NewMemory(), Clock: mock}, 8, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close(context.Background()) })

	hist := service.NewHistoryService(reg, mock, time.UTC, 50)
	recs := service.NewRecommendationService(hist, recommend.NewAssembler(catalog, recommend.Config{}, nil), catalog, nil, time.Minute)

	app := fiber.New(fiber.Config{JSONEncoder: json.Marshal, JSONDecoder: json.Unmarshal})
	app.Use(middleware.Scope())
	RegisterRoutes(app, NewHistoryHandler(hist), NewRecommendationHandler(recs))
	return app
}

func do(t *testing.T, app *fiber.App, method, path, client, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if client != "" {
		req.Header.Set(middleware.ClientIDHeader, client)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealth(t *testing.T) {
	app := newTestApp(t, stubCatalog{})
	resp, body := do(t, app, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)
}

func TestHistoryRoutes(t *testing.T) {
	app := newTestApp(t, stubCatalog{})

	resp, body := do(t, app, http.MethodPost, "/api/v1/history", "alice",
		`{"id":550,"mediaType":"movie","title":"Fight Club","voteAverage":8.4,"genreIds":[18,53]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var ev models.WatchEvent
	require.NoError(t, json.Unmarshal(body, &ev))
	assert.Equal(t, 550, ev.ID)
	assert.Equal(t, "Fight Club", ev.Title)

	resp, body = do(t, app, http.MethodPut, "/api/v1/history/movie/550/progress", "alice", `{"currentTime":1800,"duration":3600}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &ev))
	assert.Equal(t, 50.0, ev.Progress())

	resp, body = do(t, app, http.MethodGet, "/api/v1/history/continue-watching", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []models.WatchEvent
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)

	resp, body = do(t, app, http.MethodPost, "/api/v1/history/movie/550/complete", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &ev))
	assert.Equal(t, 100.0, ev.Progress())

	resp, body = do(t, app, http.MethodGet, "/api/v1/history/stats", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats models.HistoryStats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 1, stats.TotalWatched)
	assert.Equal(t, []int{18, 53}, stats.FavoriteGenres)

	// Scopes are isolated.
	resp, body = do(t, app, http.MethodGet, "/api/v1/history", "bob", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	resp, _ = do(t, app, http.MethodDelete, "/api/v1/history/movie/550", "alice", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, app, http.MethodGet, "/api/v1/history/movie/550", "alice", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProgressWithoutDurationIsIgnored(t *testing.T) {
	app := newTestApp(t, stubCatalog{})
	resp, _ := do(t, app, http.MethodPut, "/api/v1/history/series/1399/progress", "", `{"currentTime":10,"duration":0}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := do(t, app, http.MethodGet, "/api/v1/history", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))
}

func TestInvalidArgumentsReturnBadRequest(t *testing.T) {
	app := newTestApp(t, stubCatalog{})

	tests := []struct {
		name   string
		method string
		path   string
		client string
		body   string
	}{
		{"unknown media type", http.MethodGet, "/api/v1/history/book/1", "", ""},
		{"non-numeric id", http.MethodDelete, "/api/v1/history/movie/abc", "", ""},
		{"zero id", http.MethodPost, "/api/v1/history/movie/0/complete", "", ""},
		{"missing media type", http.MethodPost, "/api/v1/history", "", `{"id":5}`},
		{"malformed body", http.MethodPost, "/api/v1/history", "", `{"id":`},
		{"malformed import", http.MethodPost, "/api/v1/history/import", "", `not json`},
		{"bad client token", http.MethodGet, "/api/v1/history", "has spaces!", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, app, tt.method, tt.path, tt.client, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
			assert.Contains(t, string(body), `"error"`)
		})
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	app := newTestApp(t, stubCatalog{})
	do(t, app, http.MethodPost, "/api/v1/history", "alice", `{"id":1399,"mediaType":"tv","genreIds":[18]}`)

	resp, exported := do(t, app, http.MethodGet, "/api/v1/history/export", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get(fiber.HeaderContentDisposition), "watch-history.json")

	resp, body := do(t, app, http.MethodPost, "/api/v1/history/import", "bob", string(exported))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"imported":1}`, string(body))

	resp, body = do(t, app, http.MethodGet, "/api/v1/history/series/1399", "bob", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"mediaType":"series"`)

	resp, _ = do(t, app, http.MethodDelete, "/api/v1/history", "bob", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, body = do(t, app, http.MethodGet, "/api/v1/history", "bob", "")
	assert.JSONEq(t, `[]`, string(body))
}

func TestRecommendationRoutes(t *testing.T) {
	app := newTestApp(t, stubCatalog{})
	do(t, app, http.MethodPost, "/api/v1/history", "alice", `{"id":550,"mediaType":"movie","voteAverage":8,"genreIds":[18,53]}`)

	resp, body := do(t, app, http.MethodGet, "/api/v1/recommendations?limit=6", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var recs models.RecommendationResponse
	require.NoError(t, json.Unmarshal(body, &recs))
	assert.Equal(t, "client_alice", recs.Scope)
	assert.Equal(t, "evening", recs.TimeOfDay)
	assert.Equal(t, []int{18, 53}, recs.GenreMix[:2])
	assert.Len(t, recs.Recommendations, 6)

	resp, body = do(t, app, http.MethodGet, "/api/v1/preferences", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var prefs models.PreferenceSummary
	require.NoError(t, json.Unmarshal(body, &prefs))
	assert.Equal(t, []int{18, 53}, prefs.TopGenres)

	resp, body = do(t, app, http.MethodGet, "/api/v1/genres", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var genres service.GenreList
	require.NoError(t, json.Unmarshal(body, &genres))
	assert.Equal(t, []models.Genre{{ID: 10759, Name: "Action & Adventure"}}, genres.Series)
	assert.Equal(t, models.DefaultGenres, genres.Movie)
	assert.False(t, genres.Fallback)
}

func TestRecommendationsDegradeWhenCatalogFails(t *testing.T) {
	app := newTestApp(t, stubCatalog{fail: true})

	resp, body := do(t, app, http.MethodGet, "/api/v1/recommendations", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recs models.RecommendationResponse
	require.NoError(t, json.Unmarshal(body, &recs))
	assert.Empty(t, recs.Recommendations)
	assert.NotEmpty(t, recs.GenreMix)

	resp, body = do(t, app, http.MethodGet, "/api/v1/genres", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"fallback":true`)
}

func TestSwaggerRoutes(t *testing.T) {
	app := fiber.New()
	RegisterSwagger(app, []byte("openapi: 3.0.3\n"))

	resp, body := do(t, app, http.MethodGet, "/swagger/doc.yaml", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "openapi: 3.0.3\n", string(body))

	resp, body = do(t, app, http.MethodGet, "/swagger/index.html", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "swagger-ui")
}
