package core

import (
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/time/rate"
)

type LimitConfig struct {
	Limit int
	Every time.Duration
}

type LimitOption func(l *LimitConfig)

func WithLimit(limit int) LimitOption {
	return func(l *LimitConfig) {
		l.Limit = limit
	}
}

func WithRange(r time.Duration) LimitOption {
	return func(l *LimitConfig) {
		l.Every = r
	}
}

type Limiter interface {
	Allow() bool
}

type limiters struct {
	m cmap.ConcurrentMap[string, *rate.Limiter]
}

func newLimiters() *limiters {
	return &limiters{m: cmap.New[*rate.Limiter]()}
}

// UseLimiter returns the process-local limiter of key, creating it on first
// use. The defaults allow 60 calls a minute with a burst of twice that.
func (s *Core) UseLimiter(key string, opts ...LimitOption) Limiter {
	cfg := &LimitConfig{
		Limit: 60,
		Every: time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 1
	}
	if cfg.Every <= 0 {
		cfg.Every = time.Minute
	}
	return s.limiters.m.Upsert(key, nil, func(exist bool, old, _ *rate.Limiter) *rate.Limiter {
		if exist {
			return old
		}
		return rate.NewLimiter(rate.Every(cfg.Every/time.Duration(cfg.Limit)), cfg.Limit*2)
	})
}
