package service

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"movie-discovery-watch-history-service/internal/history"
	"movie-discovery-watch-history-service/internal/models"
	"movie-discovery-watch-history-service/internal/preference"
)

const favoriteGenreCount = 5

// HistoryService exposes the per-scope history stores to the HTTP layer.
type HistoryService struct {
	registry   *history.Registry
	clock      clock.Clock
	loc        *time.Location
	maxHistory int
}

// NewHistoryService creates a new HistoryService.
func NewHistoryService(registry *history.Registry, clk clock.Clock, loc *time.Location, maxHistory int) *HistoryService {
	if clk == nil {
		clk = clock.New()
	}
	return &HistoryService{registry: registry, clock: clk, loc: loc, maxHistory: maxHistory}
}

// Store returns the store for scope. An empty scope selects the default store.
func (s *HistoryService) Store(ctx context.Context, scope string) (*history.Store, error) {
	st, err := s.registry.For(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	return st, nil
}

// Engine returns a preference engine reading the store.
func (s *HistoryService) Engine(st *history.Store) *preference.Engine {
	return preference.New(st, s.clock, s.loc, s.maxHistory)
}

// List returns the most recent entries.
func (s *HistoryService) List(ctx context.Context, scope string, limit int) ([]models.WatchEvent, error) {
	st, err := s.Store(ctx, scope)
	if err != nil {
		return nil, err
	}
	return st.ListRecent(limit), nil
}

// ContinueWatching returns partially watched entries.
func (s *HistoryService) ContinueWatching(ctx context.Context, scope string, limit int) ([]models.WatchEvent, error) {
	st, err := s.Store(ctx, scope)
	if err != nil {
		return nil, err
	}
	return st.ListInProgress(limit), nil
}

// Record adds or refreshes an entry and returns it.
func (s *HistoryService) Record(ctx context.Context, scope string, in models.WatchEventInput) (*models.WatchEvent, error) {
	st, err := s.Store(ctx, scope)
	if err != nil {
		return nil, err
	}
	if err := st.AddOrUpdate(in); err != nil {
		return nil, err
	}
	return lookup(st, in.ID, in.MediaType), nil
}

// Get returns one entry, or nil when the title is not in the history.
func (s *HistoryService) Get(ctx context.Context, scope string, id int, mt models.MediaType) (*models.WatchEvent, error) {
	st, err := s.Store(ctx, scope)
	if err != nil {
		return nil, err
	}
	return lookup(st, id, mt), nil
}

// UpdateProgress records playback progress and returns the resulting entry, if any.
func (s *HistoryService) UpdateProgress(ctx context.Context, scope string, id int, mt models.MediaType, req models.ProgressRequest) (*models.WatchEvent, error) {
	st, err := s.Store(ctx, scope)
	if err != nil {
		return nil, err
	}
	if err := st.UpdateProgress(id, mt, req.CurrentTime, req.Duration, req.ProgressMetadata); err != nil {
		return nil, err
	}
	return lookup(st, id, mt), nil
}

// MarkCompleted marks an entry as fully watched and returns it, if present.
func (s *HistoryService) MarkCompleted(ctx context.Context, scope string, id int, mt models.MediaType) (*models.WatchEvent, error) {
	st, err := s.Store(ctx, scope)
	if err != nil {
		return nil, err
	}
	if err := st.MarkCompleted(id, mt); err != nil {
		return nil, err
	}
	return lookup(st, id, mt), nil
}

// Remove deletes one entry. It is idempotent.
func (s *HistoryService) Remove(ctx context.Context, scope string, id int, mt models.MediaType) error {
	st, err := s.Store(ctx, scope)
	if err != nil {
		return err
	}
	return st.Remove(id, mt)
}

// Clear deletes every entry.
func (s *HistoryService) Clear(ctx context.Context, scope string) error {
	st, err := s.Store(ctx, scope)
	if err != nil {
		return err
	}
	st.Clear()
	return nil
}

// Stats summarises the history including the favorite genres.
func (s *HistoryService) Stats(ctx context.Context, scope string) (*models.HistoryStats, error) {
	st, err := s.Store(ctx, scope)
	if err != nil {
		return nil, err
	}
	stats := st.Stats()
	stats.FavoriteGenres = s.Engine(st).TopGenres(favoriteGenreCount)
	return &stats, nil
}

// Export returns the backup document of the history.
func (s *HistoryService) Export(ctx context.Context, scope string) ([]byte, error) {
	st, err := s.Store(ctx, scope)
	if err != nil {
		return nil, err
	}
	return st.Export()
}

// Import replaces the history with a backup document and returns the new entry count.
func (s *HistoryService) Import(ctx context.Context, scope string, data []byte) (int, error) {
	st, err := s.Store(ctx, scope)
	if err != nil {
		return 0, err
	}
	if err := st.Import(data); err != nil {
		return 0, err
	}
	return st.Len(), nil
}

func lookup(st *history.Store, id int, mt models.MediaType) *models.WatchEvent {
	ev, ok := st.Get(id, mt)
	if !ok {
		return nil
	}
	return &ev
}
