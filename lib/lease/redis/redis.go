// Package redis implements lease.Leaser on Redis so that watchers in different processes never poll the same key.
// A lease is a SET NX PX entry holding a random owner token; it is refreshed while held and deleted only by its owner.
package redis

import (
	"context"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tarancss/depositgw/lib/lease"
)

//go:embed scripts/release.lua
var releaseScript string

//go:embed scripts/refresh.lua
var refreshScript string

// DefaultTTL is how long a lease survives its holder crashing.
const DefaultTTL = 30 * time.Second

// Leaser implements lease.Leaser on a Redis server.
type Leaser struct {
	rdb     *redis.Client
	ttl     time.Duration
	release *redis.Script
	refresh *redis.Script
	log     *zap.Logger
}

// New connects to the Redis server at addr.
func New(addr, password string, db int, ttl time.Duration, log *zap.Logger) (*Leaser, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Leaser{
		rdb:     rdb,
		ttl:     ttl,
		release: redis.NewScript(releaseScript),
		refresh: redis.NewScript(refreshScript),
		log:     log,
	}, nil
}

// Close closes the Redis connection
func (l *Leaser) Close() error {
	return l.rdb.Close()
}

// Acquire takes key or fails with lease.ErrHeld. The lease is kept alive until Release is called; lost is called if
// a refresh finds the key expired or owned by someone else.
func (l *Leaser) Acquire(ctx context.Context, key string, lost func()) (lease.Release, error) {
	k := "lease:" + key
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, k, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, lease.ErrHeld
	}

	stop := make(chan struct{})
	go l.keepAlive(k, token, stop, lost)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.release.Run(rctx, l.rdb, []string{k}, token).Err(); err != nil {
				l.log.Warn("lease release failed", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}

func (l *Leaser) keepAlive(k, token string, stop <-chan struct{}, lost func()) {
	t := time.NewTicker(l.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := l.refresh.Run(ctx, l.rdb, []string{k}, token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				l.log.Warn("lease refresh failed", zap.String("key", k), zap.Error(err))
			} else if n == 0 {
				l.log.Error("lease lost", zap.String("key", k))
				if lost != nil {
					lost()
				}
				return
			}
		}
	}
}
