package database

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movie-discovery-watch-history-service/internal/config"
)

func TestNewRedisAppliesPoolOptions(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedis(context.Background(), config.RedisConfig{
		Addr:         mr.Addr(),
		PoolSize:     4,
		MinIdleConns: 1,
		DialTimeout:  time.Second,
	})
	require.NoError(t, err)
	defer client.Close()

	opts := client.Options()
	assert.Equal(t, 4, opts.PoolSize)
	assert.Equal(t, 1, opts.MinIdleConns)
	assert.Equal(t, "watch-history-service", opts.ClientName)

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNewRedisRejectsEmptyAddr(t *testing.T) {
	client, err := NewRedis(context.Background(), config.RedisConfig{PoolSize: 4})
	assert.ErrorIs(t, err, ErrRedisDisabled)
	assert.Nil(t, client)
}

func TestNewRedisFailsWhenServerIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedis(context.Background(), config.RedisConfig{Addr: addr, PoolSize: 1, DialTimeout: 200 * time.Millisecond})
	require.Error(t, err)
	assert.Contains(t, err.Error(), addr)
}
