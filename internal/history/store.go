package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"movie-discovery-watch-history-service/internal/identity"
	"movie-discovery-watch-history-service/internal/models"
	"movie-discovery-watch-history-service/internal/storage"
)

const (
	DefaultKeyPrefix    = "kkmovies_watch_history_"
	DefaultMaxHistory   = 50
	DefaultSaveDelay    = time.Second
	DefaultMaxSaveDelay = 5 * time.Second

	defaultResolveTimeout = 5 * time.Second
	writeTimeout          = 5 * time.Second
)

// Options configures a Store.
type Options struct {
	Storage storage.Storage
	// FallbackScope is used until Resolver produces a scope, and permanently if it fails.
	FallbackScope string
	// Resolver optionally upgrades the scope in the background. The history is migrated once.
	Resolver       identity.Resolver
	ResolveTimeout time.Duration

	KeyPrefix    string
	MaxHistory   int
	SaveDelay    time.Duration
	MaxSaveDelay time.Duration

	Broadcaster Broadcaster
	DeviceID    string
	Clock       clock.Clock
	Logger      *slog.Logger
}

func (o *Options) setDefaults() {
	if o.KeyPrefix == "" {
		o.KeyPrefix = DefaultKeyPrefix
	}
	if o.MaxHistory <= 0 {
		o.MaxHistory = DefaultMaxHistory
	}
	if o.SaveDelay <= 0 {
		o.SaveDelay = DefaultSaveDelay
	}
	if o.MaxSaveDelay < o.SaveDelay {
		o.MaxSaveDelay = max(DefaultMaxSaveDelay, o.SaveDelay)
	}
	if o.ResolveTimeout <= 0 {
		o.ResolveTimeout = defaultResolveTimeout
	}
	if o.DeviceID == "" {
		o.DeviceID = "device_" + uuid.NewString()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Listener is invoked after every change to the in-memory history.
type Listener func()

// Store is the bounded, most-recent-first watch history of one scope.
// Mutations apply to memory immediately and reach storage through a debounced write.
type Store struct {
	opts  Options
	log   *slog.Logger
	clock clock.Clock
	ready chan struct{}

	// flushMu serialises writes so an older snapshot never lands after a newer one.
	flushMu sync.Mutex

	mu           sync.Mutex
	scope        string
	key          string
	entries      []models.WatchEvent
	version      uint64
	saved        uint64
	persistent   bool
	closed       bool
	timer        *clock.Timer
	pendingSince time.Time
	listeners    map[int]Listener
	nextListener int
	unsubscribe  func()
}

// New loads the history for opts.FallbackScope and starts identity resolution if a
// resolver is configured. A storage failure while loading leaves an empty in-memory store.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Storage == nil {
		return nil, errors.New("history: storage is required")
	}
	if opts.FallbackScope == "" {
		return nil, errors.New("history: fallback scope is required")
	}
	opts.setDefaults()

	s := &Store{
		opts:       opts,
		log:        opts.Logger.With("scope", opts.FallbackScope),
		clock:      opts.Clock,
		ready:      make(chan struct{}),
		scope:      opts.FallbackScope,
		key:        opts.KeyPrefix + opts.FallbackScope,
		persistent: true,
		listeners:  make(map[int]Listener),
	}

	entries, err := s.load(ctx, s.key)
	if err != nil {
		s.degrade(err)
	}
	s.entries = entries

	if opts.Broadcaster != nil {
		s.unsubscribe = opts.Broadcaster.Subscribe(s.onChange)
	}

	if opts.Resolver != nil {
		go s.resolve(opts.Resolver)
	} else {
		close(s.ready)
	}
	return s, nil
}

// Scope returns the identity scope the store currently writes under.
func (s *Store) Scope() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// Key returns the storage key of the current scope.
func (s *Store) Key() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// Persistent reports whether writes still reach storage.
func (s *Store) Persistent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistent
}

// DeviceID returns the identifier stamped on writes from this store.
func (s *Store) DeviceID() string {
	return s.opts.DeviceID
}

// Ready is closed once identity resolution has finished, successfully or not.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// AddOrUpdate records a title as watched now, replacing any earlier entry for it.
func (s *Store) AddOrUpdate(in models.WatchEventInput) error {
	if err := in.Validate(); err != nil {
		return err
	}

	ev := models.WatchEvent{
		ID:           in.ID,
		MediaType:    in.MediaType,
		Title:        in.Title,
		PosterPath:   in.PosterPath,
		BackdropPath: in.BackdropPath,
		VoteAverage:  models.ClampRating(in.VoteAverage),
		GenreIDs:     models.UniqueGenres(in.GenreIDs),
		CurrentTime:  in.CurrentTime,
		Duration:     in.Duration,
		Season:       in.Season,
		Episode:      in.Episode,
		DeviceID:     s.opts.DeviceID,
	}
	if in.ProgressPercent != nil && !math.IsNaN(*in.ProgressPercent) {
		p := models.ClampPercent(*in.ProgressPercent)
		ev.ProgressPercent = &p
	}

	s.mutate(func() bool {
		ev.WatchedAt = s.headTimeLocked()
		s.upsertLocked(ev)
		return true
	})
	return nil
}

// UpdateProgress records playback progress. Metadata fields that are set override the
// stored ones; the rest are kept. A non-positive or non-finite duration is ignored.
func (s *Store) UpdateProgress(id int, mediaType models.MediaType, currentTime, duration float64, meta models.ProgressMetadata) error {
	if err := validateKey(id, mediaType); err != nil {
		return err
	}
	if !finite(duration) || duration <= 0 || !finite(currentTime) {
		return nil
	}

	pos := math.Min(duration, math.Max(0, currentTime))
	pct := models.ClampPercent(currentTime / duration * 100)

	s.mutate(func() bool {
		ev := models.WatchEvent{ID: id, MediaType: mediaType, GenreIDs: []int{}}
		if i := s.indexLocked(models.ItemKey(id, mediaType)); i >= 0 {
			ev = s.entries[i]
		}
		if meta.Title != "" {
			ev.Title = meta.Title
		}
		if meta.PosterPath != nil {
			ev.PosterPath = meta.PosterPath
		}
		if meta.BackdropPath != nil {
			ev.BackdropPath = meta.BackdropPath
		}
		if meta.VoteAverage != nil {
			ev.VoteAverage = models.ClampRating(*meta.VoteAverage)
		}
		if len(meta.GenreIDs) > 0 {
			ev.GenreIDs = models.UniqueGenres(meta.GenreIDs)
		}
		if meta.Season != nil {
			ev.Season = meta.Season
		}
		if meta.Episode != nil {
			ev.Episode = meta.Episode
		}
		ev.ProgressPercent = &pct
		ev.CurrentTime = pos
		ev.Duration = duration
		ev.WatchedAt = s.headTimeLocked()
		ev.DeviceID = s.opts.DeviceID
		s.upsertLocked(ev)
		return true
	})
	return nil
}

// MarkCompleted sets the progress of an existing entry to 100 and moves it to the front.
// Unknown titles are ignored.
func (s *Store) MarkCompleted(id int, mediaType models.MediaType) error {
	if err := validateKey(id, mediaType); err != nil {
		return err
	}
	s.mutate(func() bool {
		i := s.indexLocked(models.ItemKey(id, mediaType))
		if i < 0 {
			return false
		}
		ev := s.entries[i]
		full := 100.0
		ev.ProgressPercent = &full
		if ev.Duration > 0 {
			ev.CurrentTime = ev.Duration
		}
		ev.WatchedAt = s.headTimeLocked()
		ev.DeviceID = s.opts.DeviceID
		s.upsertLocked(ev)
		return true
	})
	return nil
}

// Remove deletes the entry for a title. Removing an absent title is a no-op.
func (s *Store) Remove(id int, mediaType models.MediaType) error {
	if err := validateKey(id, mediaType); err != nil {
		return err
	}
	s.mutate(func() bool {
		i := s.indexLocked(models.ItemKey(id, mediaType))
		if i < 0 {
			return false
		}
		s.entries = slices.Delete(s.entries, i, i+1)
		return true
	})
	return nil
}

// Clear removes every entry.
func (s *Store) Clear() {
	s.mutate(func() bool {
		s.entries = nil
		return true
	})
}

// ListRecent returns up to limit entries, most recent first. A non-positive limit returns all.
func (s *Store) ListRecent(limit int) []models.WatchEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.WatchEvent, 0, n)
	for _, ev := range s.entries[:n] {
		out = append(out, cloneEvent(ev))
	}
	return out
}

// ListInProgress returns up to limit partially watched entries, most recent first.
func (s *Store) ListInProgress(limit int) []models.WatchEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.WatchEvent, 0)
	for _, ev := range s.entries {
		if limit > 0 && len(out) == limit {
			break
		}
		if ev.InProgress() {
			out = append(out, cloneEvent(ev))
		}
	}
	return out
}

// Get returns the entry for a title.
func (s *Store) Get(id int, mediaType models.MediaType) (models.WatchEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(models.ItemKey(id, mediaType))
	if i < 0 {
		return models.WatchEvent{}, false
	}
	return cloneEvent(s.entries[i]), true
}

// IsWatched reports whether a title is in the history.
func (s *Store) IsWatched(id int, mediaType models.MediaType) bool {
	_, ok := s.Get(id, mediaType)
	return ok
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats summarises the history. FavoriteGenres is left for the caller to fill.
func (s *Store) Stats() models.HistoryStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := models.HistoryStats{TotalWatched: len(s.entries), FavoriteGenres: []int{}}
	var seconds, progress float64
	for _, ev := range s.entries {
		switch ev.MediaType {
		case models.MediaTypeMovie:
			st.MoviesWatched++
		case models.MediaTypeSeries:
			st.SeriesWatched++
		}
		seconds += ev.CurrentTime
		progress += ev.Progress()
	}
	st.TotalMinutes = int(math.Round(seconds / 60))
	if len(s.entries) > 0 {
		st.AverageProgress = int(math.Round(progress / float64(len(s.entries))))
	}
	return st
}

// Export serialises the history as a backup document.
func (s *Store) Export() ([]byte, error) {
	doc := models.HistoryExport{
		DeviceID:   s.opts.DeviceID,
		History:    s.ListRecent(0),
		ExportedAt: s.clock.Now().UnixMilli(),
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Import replaces the history with the contents of an export document.
// The document is rejected as a whole if it is malformed or holds an invalid entry.
func (s *Store) Import(data []byte) error {
	var doc models.HistoryExport
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: malformed export: %v", ErrInvalidArgument, err)
	}
	for _, ev := range doc.History {
		if err := validateKey(ev.ID, ev.MediaType); err != nil {
			return err
		}
	}
	entries := normalize(doc.History, s.opts.MaxHistory)
	s.mutate(func() bool {
		s.entries = entries
		return true
	})
	return nil
}

// Subscribe registers a listener called after every change. The returned function removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Flush writes pending changes now. It returns ErrStorageUnavailable when the write fails;
// the store has then switched to memory-only mode.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.flushLocked(ctx)
}

// Close flushes pending changes and detaches the store from its broadcaster. The store
// stays usable; later mutations are written synchronously.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	return s.Flush(ctx)
}

// mutate applies fn under the lock. When fn reports a change the version is bumped,
// a write is scheduled and listeners are notified outside the lock.
func (s *Store) mutate(fn func() bool) {
	s.mu.Lock()
	if !fn() {
		s.mu.Unlock()
		return
	}
	s.version++
	s.scheduleLocked()
	closed := s.closed
	listeners := s.listenersLocked()
	s.mu.Unlock()

	notify(listeners)

	// A closed store has no write timer; late mutations through a held handle are written through.
	if closed {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := s.Flush(ctx); err != nil {
			s.log.Warn("failed to write history after close", "scope", s.Scope(), "error", err)
		}
	}
}

func (s *Store) scheduleLocked() {
	if !s.persistent || s.closed {
		return
	}
	now := s.clock.Now()
	if s.pendingSince.IsZero() {
		s.pendingSince = now
	}
	delay := s.opts.SaveDelay
	if deadline := s.pendingSince.Add(s.opts.MaxSaveDelay); now.Add(delay).After(deadline) {
		delay = max(0, deadline.Sub(now))
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.clock.AfterFunc(delay, s.flushFromTimer)
}

func (s *Store) flushFromTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_ = s.Flush(ctx)
}

func (s *Store) flushLocked(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pendingSince = time.Time{}
	if !s.persistent || s.version == s.saved {
		s.mu.Unlock()
		return nil
	}
	version, key := s.version, s.key
	data, err := json.Marshal(s.entries)
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if data == nil || string(data) == "null" {
		data = []byte("[]")
	}

	if err := s.opts.Storage.Set(ctx, key, string(data)); err != nil {
		s.degrade(err)
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	s.mu.Lock()
	s.saved = version
	s.mu.Unlock()

	if s.opts.Broadcaster != nil {
		ch := Change{Key: key, DeviceID: s.opts.DeviceID, Timestamp: s.clock.Now().UnixMilli()}
		if err := s.opts.Broadcaster.Publish(ctx, ch); err != nil {
			s.log.Warn("failed to broadcast history change", "error", err)
		}
	}
	return nil
}

// degrade switches the store to memory-only mode after a storage failure.
func (s *Store) degrade(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.persistent {
		return
	}
	s.persistent = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.log.Warn("watch history storage unavailable, continuing in memory",
		"error", fmt.Errorf("%w: %v", ErrStorageUnavailable, err))
}

func (s *Store) load(ctx context.Context, key string) ([]models.WatchEvent, error) {
	raw, err := s.opts.Storage.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []models.WatchEvent
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		s.log.Warn("discarding unreadable watch history", "key", key, "error", err)
		return nil, nil
	}
	valid := entries[:0]
	for _, ev := range entries {
		if validateKey(ev.ID, ev.MediaType) == nil {
			valid = append(valid, ev)
		}
	}
	return normalize(valid, s.opts.MaxHistory), nil
}

// onChange reloads the history when another device rewrote the current key.
// Unsaved local changes take precedence; they are written on the next flush.
func (s *Store) onChange(ch Change) {
	if ch.DeviceID == s.opts.DeviceID {
		return
	}
	s.mu.Lock()
	key, skip := s.key, !s.persistent || s.closed || ch.Key != s.key
	s.mu.Unlock()
	if skip {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	entries, err := s.load(ctx, key)
	if err != nil {
		s.log.Warn("failed to reload watch history after remote change", "error", err)
		return
	}

	s.mu.Lock()
	if s.key != key || s.version != s.saved {
		s.mu.Unlock()
		return
	}
	s.entries = entries
	listeners := s.listenersLocked()
	s.mu.Unlock()

	s.log.Debug("watch history reloaded", "from_device", ch.DeviceID)
	notify(listeners)
}

func (s *Store) resolve(r identity.Resolver) {
	defer close(s.ready)

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ResolveTimeout)
	defer cancel()

	scope, err := r.Resolve(ctx)
	if err != nil || scope == "" {
		s.log.Warn("identity resolution failed, keeping local scope", "error", err)
		return
	}
	if scope == s.Scope() {
		return
	}
	s.migrate(ctx, scope)
}

// migrate moves the history to a newly resolved scope, merging whatever that scope
// already holds. The entry with the newer watchedAt wins for each title.
func (s *Store) migrate(ctx context.Context, scope string) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	newKey := s.opts.KeyPrefix + scope
	var existing []models.WatchEvent
	if s.Persistent() {
		var err error
		if existing, err = s.load(ctx, newKey); err != nil {
			s.degrade(err)
		}
	}

	s.mu.Lock()
	oldKey := s.key
	merged := make([]models.WatchEvent, 0, len(existing)+len(s.entries))
	merged = append(merged, s.entries...)
	merged = append(merged, existing...)
	s.entries = normalize(merged, s.opts.MaxHistory)
	s.scope = scope
	s.key = newKey
	s.version++
	listeners := s.listenersLocked()
	s.mu.Unlock()

	s.log.Info("watch history migrated to resolved identity", "new_scope", scope, "entries", len(merged))

	if err := s.flushLocked(ctx); err == nil && s.Persistent() {
		if err := s.opts.Storage.Delete(ctx, oldKey); err != nil {
			s.log.Warn("failed to delete pre-migration history", "key", oldKey, "error", err)
		}
	}
	notify(listeners)
}

// headTimeLocked returns the watchedAt for an entry placed at the head: now, or the
// current head's timestamp when that lies in the future.
func (s *Store) headTimeLocked() int64 {
	now := s.clock.Now().UnixMilli()
	if len(s.entries) > 0 {
		return max(now, s.entries[0].WatchedAt)
	}
	return now
}

func (s *Store) indexLocked(key string) int {
	return slices.IndexFunc(s.entries, func(ev models.WatchEvent) bool { return ev.Key() == key })
}

// upsertLocked replaces the entry for ev's title and keeps the slice ordered by
// watchedAt descending. ev goes ahead of entries with an equal timestamp.
func (s *Store) upsertLocked(ev models.WatchEvent) {
	if i := s.indexLocked(ev.Key()); i >= 0 {
		s.entries = slices.Delete(s.entries, i, i+1)
	}
	pos, _ := slices.BinarySearchFunc(s.entries, ev.WatchedAt, func(e models.WatchEvent, t int64) int {
		if e.WatchedAt > t {
			return -1
		}
		return 1
	})
	s.entries = slices.Insert(s.entries, pos, ev)
	if len(s.entries) > s.opts.MaxHistory {
		s.entries = s.entries[:s.opts.MaxHistory]
	}
}

func (s *Store) listenersLocked() []Listener {
	out := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

func notify(listeners []Listener) {
	for _, l := range listeners {
		l()
	}
}

// normalize keeps the newest entry per title, clamps numeric fields, orders by
// watchedAt descending and applies the bound.
func normalize(entries []models.WatchEvent, limit int) []models.WatchEvent {
	newest := make(map[string]int, len(entries))
	out := make([]models.WatchEvent, 0, len(entries))
	for _, ev := range entries {
		ev.VoteAverage = models.ClampRating(ev.VoteAverage)
		ev.GenreIDs = models.UniqueGenres(ev.GenreIDs)
		if ev.ProgressPercent != nil {
			p := *ev.ProgressPercent
			if math.IsNaN(p) {
				ev.ProgressPercent = nil
			} else {
				p = models.ClampPercent(p)
				ev.ProgressPercent = &p
			}
		}
		if i, ok := newest[ev.Key()]; ok {
			if ev.WatchedAt > out[i].WatchedAt {
				out[i] = ev
			}
			continue
		}
		newest[ev.Key()] = len(out)
		out = append(out, ev)
	}
	slices.SortStableFunc(out, func(a, b models.WatchEvent) int {
		switch {
		case a.WatchedAt > b.WatchedAt:
			return -1
		case a.WatchedAt < b.WatchedAt:
			return 1
		}
		return 0
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func cloneEvent(ev models.WatchEvent) models.WatchEvent {
	ev.GenreIDs = slices.Clone(ev.GenreIDs)
	if ev.ProgressPercent != nil {
		p := *ev.ProgressPercent
		ev.ProgressPercent = &p
	}
	return ev
}

func validateKey(id int, mediaType models.MediaType) error {
	if id <= 0 {
		return fmt.Errorf("%w: media id must be a positive integer, got %d", ErrInvalidArgument, id)
	}
	if !mediaType.Valid() {
		return fmt.Errorf("%w: unknown media type %q", ErrInvalidArgument, mediaType)
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
