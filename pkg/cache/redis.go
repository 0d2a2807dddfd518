package cache

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/esg-pipeline/pkg/config"
)

const pingTimeout = 5 * time.Second

// NewRedis dials the Redis instance backing the commit leases and checks it answers.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  pingTimeout,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

// NewCommitLeases connects to Redis and returns the lease store used by the
// storage commit consumer together with its client for readiness checks.
func NewCommitLeases(ctx context.Context, cfg config.RedisConfig, prefix string) (*redis.Client, *LeaseStore, error) {
	client, err := NewRedis(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return client, NewLeaseStore(client, prefix), nil
}
