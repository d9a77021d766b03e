package connector

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/quka-ai/conhub/pkg/errors"
)

// BackPressureError asks the consumer to slow down. It is yielded by
// listings and returned by Limiter.Take; it never ends a listing.
type BackPressureError struct {
	RetryAfter time.Duration
}

func (e *BackPressureError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *BackPressureError) ErrorKind() errors.Kind {
	return errors.KindTransient
}

// AsBackPressure reports whether err asks the caller to back off.
func AsBackPressure(err error) (*BackPressureError, bool) {
	var bp *BackPressureError
	ok := stderrors.As(err, &bp)
	return bp, ok
}

type RateLimit struct {
	Burst int `toml:"burst"`
	// Sustained is the refill rate in requests per second.
	Sustained float64 `toml:"sustained"`
}

// Limiter is a token bucket in front of one upstream API.
type Limiter struct {
	lim     *rate.Limiter
	maxWait time.Duration
}

// NewLimiter waits inline for tokens available within maxWait and reports
// back pressure beyond that.
func NewLimiter(cfg RateLimit, maxWait time.Duration) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Limit(cfg.Sustained)
	if cfg.Sustained <= 0 {
		limit = rate.Inf
	}
	if maxWait <= 0 {
		maxWait = time.Second
	}
	return &Limiter{lim: rate.NewLimiter(limit, cfg.Burst), maxWait: maxWait}
}

// Take consumes one token. A nil limiter never limits.
func (l *Limiter) Take(ctx context.Context) error {
	if l == nil {
		return nil
	}
	r := l.lim.Reserve()
	if !r.OK() {
		return &BackPressureError{RetryAfter: l.maxWait}
	}
	delay := r.Delay()
	if delay > l.maxWait {
		r.Cancel()
		return &BackPressureError{RetryAfter: delay}
	}
	if delay == 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return errors.Trace("Limiter.Take", ctx.Err())
	case <-t.C:
		return nil
	}
}
