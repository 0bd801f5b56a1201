package recommend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/pool"

	"movie-discovery-watch-history-service/internal/models"
)

// ErrCatalogFetchFailed marks a per-genre catalog fetch that was dropped from the pool.
var ErrCatalogFetchFailed = errors.New("catalog fetch failed")

// Fetcher is the catalog data source used to fill the candidate pool.
type Fetcher interface {
	DiscoverMovies(ctx context.Context, genreID, page int) (*models.CatalogPage, error)
	DiscoverSeries(ctx context.Context, genreID, page int) (*models.CatalogPage, error)
}

// Config bounds the work done per recommendation pass.
type Config struct {
	GenreLimit   int
	PerGenre     int
	DisplayLimit int
	FetchTimeout time.Duration
}

// DefaultConfig mirrors the service defaults.
var DefaultConfig = Config{GenreLimit: 3, PerGenre: 4, DisplayLimit: 20, FetchTimeout: 8 * time.Second}

// Assembler turns a genre mix into a deduplicated, diversified candidate list.
type Assembler struct {
	fetcher Fetcher
	cfg     Config
	log     *slog.Logger
}

// NewAssembler creates an assembler. Zero config fields take the defaults.
func NewAssembler(fetcher Fetcher, cfg Config, log *slog.Logger) *Assembler {
	if cfg.GenreLimit <= 0 {
		cfg.GenreLimit = DefaultConfig.GenreLimit
	}
	if cfg.PerGenre <= 0 {
		cfg.PerGenre = DefaultConfig.PerGenre
	}
	if cfg.DisplayLimit <= 0 {
		cfg.DisplayLimit = DefaultConfig.DisplayLimit
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultConfig.FetchTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Assembler{fetcher: fetcher, cfg: cfg, log: log}
}

// Build fetches movies and series for the first genres of the mix concurrently and
// returns at most limit candidates. Failed fetches are logged and left out, so the
// result may be partial or empty but Build never fails. The content is a function of
// the mix, the seed and the catalog responses; completion order does not matter.
func (a *Assembler) Build(ctx context.Context, genreMix []int, seed int64, limit int) []models.RecommendationCandidate {
	genres := models.UniqueGenres(genreMix)
	if len(genres) > a.cfg.GenreLimit {
		genres = genres[:a.cfg.GenreLimit]
	}
	if limit <= 0 || limit > a.cfg.DisplayLimit {
		limit = a.cfg.DisplayLimit
	}
	if len(genres) == 0 {
		return []models.RecommendationCandidate{}
	}

	mediaTypes := []models.MediaType{models.MediaTypeMovie, models.MediaTypeSeries}
	slots := make([][]models.RecommendationCandidate, len(genres)*len(mediaTypes))

	p := pool.New().WithMaxGoroutines(len(slots))
	for gi, genreID := range genres {
		for mi, mt := range mediaTypes {
			slot := gi*len(mediaTypes) + mi
			p.Go(func() {
				items, err := a.fetch(ctx, mt, genreID)
				if err != nil {
					a.log.Warn("omitting genre from recommendations",
						"genre_id", genreID, "media_type", mt, "error", err)
					return
				}
				slots[slot] = items
			})
		}
	}
	p.Wait()

	var candidates []models.RecommendationCandidate
	for _, s := range slots {
		candidates = append(candidates, s...)
	}

	out := Diversify(Shuffle(Deduplicate(candidates), seed))
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (a *Assembler) fetch(ctx context.Context, mt models.MediaType, genreID int) ([]models.RecommendationCandidate, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.FetchTimeout)
	defer cancel()

	var (
		page *models.CatalogPage
		err  error
	)
	switch mt {
	case models.MediaTypeSeries:
		page, err = a.fetcher.DiscoverSeries(ctx, genreID, 1)
	default:
		page, err = a.fetcher.DiscoverMovies(ctx, genreID, 1)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s genre %d: %v", ErrCatalogFetchFailed, mt, genreID, err)
	}
	if page == nil {
		return nil, nil
	}

	results := page.Results
	if len(results) > a.cfg.PerGenre {
		results = results[:a.cfg.PerGenre]
	}
	out := make([]models.RecommendationCandidate, 0, len(results))
	for _, item := range results {
		out = append(out, models.RecommendationCandidate{CatalogItem: item, MediaType: mt})
	}
	return out, nil
}
