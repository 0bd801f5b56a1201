package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movie-discovery-watch-history-service/internal/storage"
)

func TestLocalBroadcasterUnsubscribe(t *testing.T) {
	bus := NewLocalBroadcaster()
	var got []Change
	unsubscribe := bus.Subscribe(func(ch Change) { got = append(got, ch) })

	require.NoError(t, bus.Publish(context.Background(), Change{Key: "k", DeviceID: "d", Timestamp: 1}))
	unsubscribe()
	unsubscribe()
	require.NoError(t, bus.Publish(context.Background(), Change{Key: "k", DeviceID: "d", Timestamp: 2}))

	assert.Equal(t, []Change{{Key: "k", DeviceID: "d", Timestamp: 1}}, got)
}

func TestRedisBroadcasterDeliversAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		return rdb
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher := NewRedisBroadcaster(newClient(), ChangeChannel, nil)
	subscriber := NewRedisBroadcaster(newClient(), ChangeChannel, nil)
	require.NoError(t, subscriber.Start(ctx))

	var mu sync.Mutex
	var got []Change
	subscriber.Subscribe(func(ch Change) {
		mu.Lock()
		got = append(got, ch)
		mu.Unlock()
	})

	want := Change{Key: DefaultKeyPrefix + "client_x", DeviceID: "tab-a", Timestamp: 42}
	require.NoError(t, publisher.Publish(ctx, want))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, got[0])
}

func TestRedisBroadcasterSyncsStores(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewRedisBroadcaster(rdb, ChangeChannel, nil)
	require.NoError(t, bus.Start(ctx))

	shared := storage.NewRedis(rdb, "test")
	a := newTestStore(t, Options{Storage: shared, Broadcaster: bus, DeviceID: "instance-a"})
	b := newTestStore(t, Options{Storage: shared, Broadcaster: bus, DeviceID: "instance-b"})

	require.NoError(t, a.AddOrUpdate(movie(5)))
	require.NoError(t, a.Flush(ctx))

	require.Eventually(t, func() bool { return b.IsWatched(5, "movie") }, 2*time.Second, 10*time.Millisecond)
}
