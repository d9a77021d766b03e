package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/safe"
)

// Locker hands out a lock that is held until release is called or ctx is
// done. ok is false when the key is already held.
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), ok bool, err error)
}

func NewSingleLock() *SingleLock {
	return &SingleLock{
		locks: make(map[string]bool),
	}
}

// SingleLock is the in-process Locker used when no redis is configured.
type SingleLock struct {
	mu    sync.Mutex
	locks map[string]bool
}

func (s *SingleLock) TryLock(ctx context.Context, key string) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[key] {
		return nil, false, nil
	}
	s.locks[key] = true

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.locks, key)
			s.mu.Unlock()
		})
	}
	context.AfterFunc(ctx, release)
	return release, true, nil
}

// RedisLock is a SET NX lock refreshed while held, so a crashed replica
// releases it after ttl.
type RedisLock struct {
	redis redis.UniversalClient
	ttl   time.Duration
}

func NewRedisLock(client redis.UniversalClient, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLock{redis: client, ttl: ttl}
}

var unlockScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

var refreshScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 0
`)

func (l *RedisLock) TryLock(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.redis.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, errors.NewKind("RedisLock.TryLock", errors.KindTransient, "failed to acquire lock", err)
	}
	if !ok {
		return nil, false, nil
	}

	held, stop := context.WithCancel(context.WithoutCancel(ctx))
	stopWatch := context.AfterFunc(ctx, stop)
	refreshed := make(chan struct{})
	safe.Go("RedisLock.refresh", func() {
		defer close(refreshed)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-held.Done():
				return
			case <-ticker.C:
				if err := refreshScript.Run(held, l.redis, []string{key}, token, l.ttl.Milliseconds()).Err(); err != nil && held.Err() == nil {
					slog.Warn("failed to refresh lock", slog.String("key", key), slog.String("error", err.Error()))
				}
			}
		}
	})

	var once sync.Once
	release := func() {
		once.Do(func() {
			stopWatch()
			stop()
			<-refreshed
			rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := unlockScript.Run(rctx, l.redis, []string{key}, token).Err(); err != nil {
				slog.Warn("failed to release lock", slog.String("key", key), slog.String("error", err.Error()))
			}
		})
	}
	// a lock whose ctx ends without an explicit release still gets deleted
	context.AfterFunc(held, release)
	return release, true, nil
}
