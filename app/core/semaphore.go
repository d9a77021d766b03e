package core

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/types"
	"github.com/quka-ai/conhub/pkg/types/protocol"
)

// DistributedSemaphore is a counting semaphore shared by every replica through redis.
type DistributedSemaphore struct {
	redis      redis.UniversalClient
	key        string
	maxPermits int
	timeout    time.Duration
}

func NewDistributedSemaphore(redis redis.UniversalClient, key string, maxPermits int, timeout time.Duration) *DistributedSemaphore {
	return &DistributedSemaphore{
		redis:      redis,
		key:        key,
		maxPermits: maxPermits,
		timeout:    timeout,
	}
}

var acquireScript = redis.NewScript(`
	local key = KEYS[1]
	local max_permits = tonumber(ARGV[1])
	local timeout = tonumber(ARGV[2])

	local current = tonumber(redis.call('GET', key) or '0')

	if current < max_permits then
		redis.call('INCR', key)
		redis.call('EXPIRE', key, timeout)
		return 1
	else
		return 0
	end
`)

var releaseScript = redis.NewScript(`
	local key = KEYS[1]
	local current = tonumber(redis.call('GET', key) or '0')

	if current > 0 then
		redis.call('DECR', key)
		return 1
	else
		return 0
	end
`)

func (s *DistributedSemaphore) TryAcquire(ctx context.Context) bool {
	result, err := acquireScript.Run(ctx, s.redis, []string{s.key}, s.maxPermits, int(s.timeout.Seconds())).Int()
	if err != nil {
		return false
	}
	return result == 1
}

// Acquire polls until a permit is free or ctx is done.
func (s *DistributedSemaphore) Acquire(ctx context.Context, poll time.Duration) error {
	for {
		if s.TryAcquire(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Trace("DistributedSemaphore.Acquire", ctx.Err())
		case <-time.After(poll):
		}
	}
}

func (s *DistributedSemaphore) Release(ctx context.Context) {
	releaseScript.Run(ctx, s.redis, []string{s.key})
}

func (s *DistributedSemaphore) GetCurrent(ctx context.Context) int {
	result, err := s.redis.Get(ctx, s.key).Int()
	if err != nil {
		return 0
	}
	return result
}

// WorkerSlots bounds the sync workers of each item kind across all jobs of
// this process and, with a redis client, across replicas.
type WorkerSlots struct {
	limits map[types.ItemKind]int
	redis  redis.UniversalClient

	mu          sync.Mutex
	local       map[types.ItemKind]*semaphore.Weighted
	distributed map[types.ItemKind]*DistributedSemaphore
}

func NewWorkerSlots(limits map[types.ItemKind]int, client redis.UniversalClient) *WorkerSlots {
	return &WorkerSlots{
		limits:      limits,
		redis:       client,
		local:       map[types.ItemKind]*semaphore.Weighted{},
		distributed: map[types.ItemKind]*DistributedSemaphore{},
	}
}

func (w *WorkerSlots) limit(kind types.ItemKind) int {
	if n := w.limits[kind]; n > 0 {
		return n
	}
	return 1
}

func (w *WorkerSlots) semaphores(kind types.ItemKind) (*semaphore.Weighted, *DistributedSemaphore) {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.local[kind]
	if !ok {
		l = semaphore.NewWeighted(int64(w.limit(kind)))
		w.local[kind] = l
	}
	if w.redis == nil {
		return l, nil
	}
	d, ok := w.distributed[kind]
	if !ok {
		d = NewDistributedSemaphore(w.redis, protocol.GenSyncWorkerSemaphoreKey(string(kind)), w.limit(kind), 5*time.Minute)
		w.distributed[kind] = d
	}
	return l, d
}

func (w *WorkerSlots) Acquire(ctx context.Context, kind types.ItemKind) error {
	l, d := w.semaphores(kind)
	if err := l.Acquire(ctx, 1); err != nil {
		return errors.Trace("WorkerSlots.Acquire", err)
	}
	if d != nil {
		if err := d.Acquire(ctx, 200*time.Millisecond); err != nil {
			l.Release(1)
			return err
		}
	}
	return nil
}

func (w *WorkerSlots) Release(kind types.ItemKind) {
	l, d := w.semaphores(kind)
	if d != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		d.Release(ctx)
		cancel()
	}
	l.Release(1)
}
