package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quka-ai/conhub/pkg/cache"
	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/types"
)

func TestLimiterReportsBackPressure(t *testing.T) {
	l := NewLimiter(RateLimit{Burst: 2, Sustained: 0.1}, 10*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, l.Take(ctx))
	require.NoError(t, l.Take(ctx))

	err := l.Take(ctx)
	bp, ok := AsBackPressure(err)
	require.True(t, ok)
	assert.Greater(t, bp.RetryAfter, 10*time.Millisecond)
	assert.Equal(t, errors.KindTransient, errors.KindOf(err))
}

func TestLimiterWaitsWithinThreshold(t *testing.T) {
	l := NewLimiter(RateLimit{Burst: 1, Sustained: 50}, time.Second)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Take(ctx))
	}
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestNilLimiterNeverLimits(t *testing.T) {
	var l *Limiter
	assert.NoError(t, l.Take(context.Background()))
}

type countingCreds struct {
	refreshes atomic.Int32
	token     string
	refreshed string
}

func (c *countingCreds) Get(ctx context.Context, ref string) (*Credentials, error) {
	if c.refreshes.Load() > 0 {
		return &Credentials{Token: c.refreshed}, nil
	}
	return &Credentials{Token: c.token}, nil
}

func (c *countingCreds) Refresh(ctx context.Context, ref string) (*Credentials, error) {
	c.refreshes.Add(1)
	return &Credentials{Token: c.refreshed}, nil
}

func TestWithAuthRetry(t *testing.T) {
	authErr := errors.NewKind("test", errors.KindAuth, "401", nil)

	t.Run("refreshes once and succeeds", func(t *testing.T) {
		creds := &countingCreds{token: "old", refreshed: "new"}
		out, err := WithAuthRetry(context.Background(), creds, "ref", func(c *Credentials) (string, error) {
			if c.Token == "old" {
				return "", authErr
			}
			return c.Token, nil
		})
		require.NoError(t, err)
		assert.Equal(t, "new", out)
		assert.Equal(t, int32(1), creds.refreshes.Load())
	})

	t.Run("second rejection is an auth error", func(t *testing.T) {
		creds := &countingCreds{token: "old", refreshed: "also-bad"}
		calls := 0
		_, err := WithAuthRetry(context.Background(), creds, "ref", func(c *Credentials) (string, error) {
			calls++
			return "", authErr
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.KindAuth))
		assert.Equal(t, 2, calls)
		assert.Equal(t, int32(1), creds.refreshes.Load())
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		creds := &countingCreds{token: "old"}
		_, err := WithAuthRetry(context.Background(), creds, "ref", func(c *Credentials) (int, error) {
			return 0, errors.NewKind("test", errors.KindNotFound, "gone", nil)
		})
		assert.True(t, errors.Is(err, errors.KindNotFound))
		assert.Equal(t, int32(0), creds.refreshes.Load())
	})

	t.Run("static credentials cannot refresh", func(t *testing.T) {
		creds := NewStaticCredentials(map[string]string{"ref": "tok"})
		_, err := WithAuthRetry(context.Background(), creds, "ref", func(c *Credentials) (int, error) {
			return 0, authErr
		})
		assert.True(t, errors.Is(err, errors.KindAuth))
	})
}

func TestStatusErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		header map[string]string
		kind   errors.Kind
		bp     bool
	}{
		{status: http.StatusTooManyRequests, header: map[string]string{"Retry-After": "3"}, bp: true},
		{status: http.StatusForbidden, header: map[string]string{"X-RateLimit-Remaining": "0"}, bp: true},
		{status: http.StatusUnauthorized, kind: errors.KindAuth},
		{status: http.StatusForbidden, kind: errors.KindAuth},
		{status: http.StatusNotFound, kind: errors.KindNotFound},
		{status: http.StatusGone, kind: errors.KindNotFound},
		{status: http.StatusBadGateway, kind: errors.KindTransient},
		{status: http.StatusBadRequest, kind: errors.KindInvalid},
	}
	for _, c := range cases {
		resp := &http.Response{StatusCode: c.status, Header: http.Header{}}
		for k, v := range c.header {
			resp.Header.Set(k, v)
		}
		err := StatusError("test", resp)
		bp, ok := AsBackPressure(err)
		assert.Equal(t, c.bp, ok, "status %d", c.status)
		if c.bp {
			assert.Positive(t, bp.RetryAfter)
			continue
		}
		assert.Equal(t, c.kind, errors.KindOf(err), "status %d", c.status)
	}
}

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			w.Write([]byte(`{"name":"conhub"}`))
		case "/garbage":
			w.Write([]byte(`{not json`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	ctx := context.Background()

	var out struct {
		Name string `json:"name"`
	}
	_, err := GetJSON(ctx, srv.Client(), nil, srv.URL+"/ok", "tok", &out)
	require.NoError(t, err)
	assert.Equal(t, "conhub", out.Name)

	_, err = GetJSON(ctx, srv.Client(), nil, srv.URL+"/garbage", "tok", &out)
	assert.Equal(t, errors.KindDataIntegrity, errors.KindOf(err))

	_, err = GetJSON(ctx, srv.Client(), nil, srv.URL+"/missing", "tok", &out)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestReadLimitedRejectsOversizedBodies(t *testing.T) {
	body, err := ReadLimited("test", strings.NewReader("hello"), 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	_, err = ReadLimited("test", strings.NewReader("hello!"), 5)
	assert.Equal(t, errors.KindDataIntegrity, errors.KindOf(err))
}

func TestCachedContentFetchesOnce(t *testing.T) {
	tier := cache.New(nil, cache.Config{})
	ctx := context.Background()
	calls := 0
	fetch := func() (*Content, error) {
		calls++
		return &Content{Bytes: []byte("body"), Mime: "text/plain"}, nil
	}

	// without redis every call misses
	for i := 0; i < 2; i++ {
		c, err := CachedContent(ctx, tier, "test", []string{"sha"}, fetch)
		require.NoError(t, err)
		assert.Equal(t, "body", string(c.Bytes))
	}
	assert.Equal(t, 2, calls)

	mem := &memCache{data: map[string][]byte{}}
	for i := 0; i < 3; i++ {
		_, err := CachedContent(ctx, mem, "test", []string{"sha"}, fetch)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, calls)
}

type memCache struct {
	data map[string][]byte
}

func (m *memCache) GetConnector(ctx context.Context, kind string, fields ...string) ([]byte, bool) {
	v, ok := m.data[kind+":"+fields[0]]
	return v, ok
}

func (m *memCache) SetConnector(ctx context.Context, kind string, value []byte, fields ...string) {
	m.data[kind+":"+fields[0]] = value
}

func TestRetry(t *testing.T) {
	var seen []error
	yield := func(err error) bool {
		seen = append(seen, err)
		return true
	}
	assert.True(t, Retry(&BackPressureError{RetryAfter: time.Millisecond}, yield))
	assert.False(t, Retry(errors.NewKind("t", errors.KindAuth, "no", nil), yield))
	assert.Len(t, seen, 2)

	stop := func(error) bool { return false }
	assert.False(t, Retry(&BackPressureError{}, stop))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(WithCredentials(NewStaticCredentials(map[string]string{"ref": "tok"})))
	var got Deps
	r.Register(types.CONNECTOR_WEB, func(deps Deps) (Connector, error) {
		got = deps
		return nil, nil
	})
	limiter := NewLimiter(RateLimit{Burst: 1, Sustained: 1}, time.Second)
	r.SetLimiter(types.CONNECTOR_WEB, limiter)
	r.SetBaseURL(types.CONNECTOR_WEB, "http://upstream")

	_, err := r.New(&types.ConnectedAccount{ConnectorKind: types.CONNECTOR_WEB, CredentialsRef: "ref"})
	require.NoError(t, err)
	assert.Same(t, limiter, got.Limiter)
	assert.Equal(t, "http://upstream", got.BaseURL)
	assert.Equal(t, "ref", got.CredentialsRef())
	assert.NotNil(t, got.HTTPClient)

	_, err = r.New(&types.ConnectedAccount{ConnectorKind: "ftp"})
	assert.Equal(t, errors.KindConfiguration, errors.KindOf(err))
	assert.ElementsMatch(t, []types.ConnectorKind{types.CONNECTOR_WEB}, r.Kinds())
}

func TestItemError(t *testing.T) {
	cause := errors.NewKind("t", errors.KindTransient, "boom", nil)
	var err error = &ItemError{ExternalID: "a.go", Err: cause}
	ie, ok := AsItemError(errors.Trace("outer", err))
	require.True(t, ok)
	assert.Equal(t, "a.go", ie.ExternalID)
	assert.Equal(t, errors.KindTransient, errors.KindOf(err))
}
