package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"movie-discovery-watch-history-service/internal/config"
)

// ErrRedisDisabled is returned when no Redis address is configured.
var ErrRedisDisabled = errors.New("redis disabled: REDIS_ADDR is empty")

const clientName = "watch-history-service"

// NewRedis connects the client shared by the redis storage driver, the change
// broadcaster and the rate limiter. The ping is bounded by cfg.DialTimeout.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled() {
		return nil, ErrRedisDisabled
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ClientName:   clientName,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
	})

	pingCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	slog.Info("connected to Redis", "addr", cfg.Addr, "db", cfg.DB, "pool_size", cfg.PoolSize)
	return client, nil
}
