// Package connect opens the Redis and Postgres connections shared by the binaries,
// retrying with exponential backoff while the backing services start up.
package connect

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mail-scheduler/internal/config"
	"mail-scheduler/internal/store"
)

// MaxWait bounds how long startup keeps retrying a dependency.
var MaxWait = 30 * time.Second

func retry(ctx context.Context, log *zap.Logger, what string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = MaxWait
	notify := func(err error, wait time.Duration) {
		log.Warn("dependency not ready, retrying", zap.String("dependency", what), zap.Duration("wait", wait), zap.Error(err))
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

// Redis returns a client that has answered PING.
func Redis(ctx context.Context, cfg config.Config, log *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	err := retry(ctx, log, "redis", func() error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

// Postgres returns a store whose pool has answered a ping.
func Postgres(ctx context.Context, cfg config.Config, log *zap.Logger) (*store.Store, error) {
	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	err = retry(ctx, log, "postgres", func() error {
		return st.Ping(ctx)
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return st, nil
}
