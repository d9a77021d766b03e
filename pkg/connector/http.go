package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/quka-ai/conhub/pkg/errors"
)

const maxBodyBytes = 32 << 20

// StatusError classifies an upstream HTTP status into an error kind:
// 401/403 auth, 404/410 not found, 429 back pressure, 5xx transient.
func StatusError(trace string, resp *http.Response) error {
	msg := fmt.Sprintf("upstream returned %d", resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &BackPressureError{RetryAfter: retryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		if resp.Header.Get("X-RateLimit-Remaining") == "0" {
			return &BackPressureError{RetryAfter: retryAfter(resp.Header.Get("Retry-After"))}
		}
		return errors.NewKind(trace, errors.KindAuth, msg, nil)
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return errors.NewKind(trace, errors.KindNotFound, msg, nil)
	case resp.StatusCode >= 500:
		return errors.NewKind(trace, errors.KindTransient, msg, nil)
	}
	return errors.NewKind(trace, errors.KindInvalid, msg, nil)
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return time.Second
}

// Do sends req after taking a limiter token and returns the body of a 2xx
// response. Network failures are transient.
func Do(ctx context.Context, client *http.Client, limiter *Limiter, req *http.Request) ([]byte, http.Header, error) {
	if err := limiter.Take(ctx); err != nil {
		return nil, nil, err
	}
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, errors.Trace("connector.Do", ctx.Err())
		}
		return nil, nil, errors.NewKind("connector.Do", errors.KindTransient, "upstream request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, resp.Header, StatusError("connector.Do "+req.URL.Path, resp)
	}
	body, err := ReadLimited("connector.Do", resp.Body, maxBodyBytes)
	if err != nil {
		return nil, resp.Header, err
	}
	return body, resp.Header, nil
}

// ReadLimited reads r to the end. A body longer than limit is a data
// integrity error, never a truncated read.
func ReadLimited(trace string, r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, errors.NewKind(trace, errors.KindTransient, "failed to read upstream body", err)
	}
	if int64(len(body)) > limit {
		return nil, errors.NewKind(trace, errors.KindDataIntegrity, fmt.Sprintf("upstream body exceeds %d bytes", limit), nil)
	}
	return body, nil
}

// GetJSON issues an authenticated GET and decodes the JSON response into out.
func GetJSON(ctx context.Context, client *http.Client, limiter *Limiter, url, token string, out any) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.NewKind("connector.GetJSON", errors.KindInvalid, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	body, header, err := Do(ctx, client, limiter, req)
	if err != nil {
		return header, err
	}
	if err = json.Unmarshal(body, out); err != nil {
		return header, errors.NewKind("connector.GetJSON", errors.KindDataIntegrity, "undecodable upstream response", err)
	}
	return header, nil
}

// CachedContent serves FetchContent through the response cache. key must be
// content addressed (blob sha, revision, modified time) so entries never go stale.
func CachedContent(ctx context.Context, cache ResponseCache, kind string, key []string, fetch func() (*Content, error)) (*Content, error) {
	if cache != nil {
		if raw, ok := cache.GetConnector(ctx, kind, key...); ok {
			var c Content
			if err := json.Unmarshal(raw, &c); err == nil {
				return &c, nil
			}
		}
	}
	c, err := fetch()
	if err != nil {
		return nil, err
	}
	if cache != nil {
		if raw, err := json.Marshal(c); err == nil {
			cache.SetConnector(ctx, kind, raw, key...)
		}
	}
	return c, nil
}

// Retry yields err to a listing consumer and reports whether the listing may
// continue from the same position.
func Retry(err error, yield func(error) bool) bool {
	if _, ok := AsBackPressure(err); ok {
		return yield(err)
	}
	yield(err)
	return false
}
