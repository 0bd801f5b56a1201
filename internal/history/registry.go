package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sourcegraph/conc/pool"

	"movie-discovery-watch-history-service/internal/identity"
)

const closeTimeout = 5 * time.Second

// Registry owns one Store per scope. Stores are kept in an LRU; an evicted store is
// flushed and closed. Requests without a scope share the default store, whose identity
// is resolved in the background.
type Registry struct {
	base Options
	log  *slog.Logger

	mu     sync.Mutex
	stores *lru.Cache[string, *Store]
	def    *Store
}

// NewRegistry creates the registry and its default store. The default store starts on the
// persisted local token and migrates to whatever resolver returns; resolver may be nil.
func NewRegistry(ctx context.Context, base Options, maxStores int, resolver identity.Resolver) (*Registry, error) {
	if base.Storage == nil {
		return nil, errors.New("history: storage is required")
	}
	if maxStores <= 0 {
		maxStores = 1024
	}
	log := base.Logger
	if log == nil {
		log = slog.Default()
	}

	// Stores of one scope can briefly coexist after an eviction; a shared broadcaster lets
	// the newer one pick up writes made through the older one.
	if base.Broadcaster == nil {
		base.Broadcaster = NewLocalBroadcaster()
	}
	r := &Registry{base: base, log: log}

	cache, err := lru.NewWithEvict(maxStores, func(scope string, st *Store) {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := st.Close(ctx); err != nil {
			log.Warn("failed to flush evicted history store", "scope", scope, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create store cache: %w", err)
	}
	r.stores = cache

	token, err := identity.LocalToken(ctx, base.Storage)
	if err != nil {
		log.Warn("local token not persisted, using it for this session only", "error", err)
	}

	opts := base
	opts.FallbackScope = token
	opts.Resolver = resolver
	def, err := New(ctx, opts)
	if err != nil {
		return nil, err
	}
	r.def = def
	return r, nil
}

// Default returns the process-wide store.
func (r *Registry) Default() *Store {
	return r.def
}

// For returns the store for scope, creating it on first use. An empty scope selects
// the default store.
func (r *Registry) For(ctx context.Context, scope string) (*Store, error) {
	if scope == "" {
		return r.def, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.stores.Get(scope); ok {
		return st, nil
	}

	opts := r.base
	opts.FallbackScope = scope
	opts.Resolver = nil
	st, err := New(ctx, opts)
	if err != nil {
		return nil, err
	}
	r.stores.Add(scope, st)
	return st, nil
}

// Len returns the number of cached scoped stores.
func (r *Registry) Len() int {
	return r.stores.Len()
}

// Flush writes pending changes of every store concurrently.
func (r *Registry) Flush(ctx context.Context) error {
	p := pool.New().WithErrors().WithMaxGoroutines(8)
	for _, st := range r.all() {
		p.Go(func() error { return st.Flush(ctx) })
	}
	return p.Wait()
}

// Close flushes and closes every store.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := pool.New().WithErrors().WithMaxGoroutines(8)
	for _, st := range r.all() {
		p.Go(func() error { return st.Close(ctx) })
	}
	err := p.Wait()
	r.stores.Purge()
	return err
}

func (r *Registry) all() []*Store {
	return append([]*Store{r.def}, r.stores.Values()...)
}
