package connector

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/quka-ai/conhub/pkg/errors"
)

type Credentials struct {
	Token        string
	RefreshToken string
	Expiry       time.Time
}

// CredentialResolver turns the opaque reference stored on an account into
// usable credentials. Connectors resolve on every call so a refresh made by
// one worker is seen by the others.
type CredentialResolver interface {
	Get(ctx context.Context, ref string) (*Credentials, error)
	Refresh(ctx context.Context, ref string) (*Credentials, error)
}

// StaticCredentials serves fixed tokens, typically from configuration.
// Refresh cannot produce anything new and always fails with an auth error.
type StaticCredentials struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewStaticCredentials(tokens map[string]string) *StaticCredentials {
	if tokens == nil {
		tokens = map[string]string{}
	}
	return &StaticCredentials{tokens: tokens}
}

func (s *StaticCredentials) Set(ref, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[ref] = token
}

func (s *StaticCredentials) Get(ctx context.Context, ref string) (*Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[ref]
	if !ok && ref != "" {
		return nil, errors.NewKind("StaticCredentials.Get", errors.KindAuth, "unknown credentials reference", nil)
	}
	return &Credentials{Token: token}, nil
}

func (s *StaticCredentials) Refresh(ctx context.Context, ref string) (*Credentials, error) {
	return nil, errors.NewKind("StaticCredentials.Refresh", errors.KindAuth, "static credentials cannot be refreshed", nil)
}

// OAuthRefresher keeps OAuth2 tokens per reference and refreshes them through
// the provider's token endpoint.
type OAuthRefresher struct {
	cfg    *oauth2.Config
	mu     sync.Mutex
	tokens map[string]*oauth2.Token
}

func NewOAuthRefresher(cfg *oauth2.Config) *OAuthRefresher {
	return &OAuthRefresher{cfg: cfg, tokens: map[string]*oauth2.Token{}}
}

// Store registers the token obtained by the authorization flow.
func (o *OAuthRefresher) Store(ref string, token *oauth2.Token) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tokens[ref] = token
}

func (o *OAuthRefresher) Get(ctx context.Context, ref string) (*Credentials, error) {
	o.mu.Lock()
	token, ok := o.tokens[ref]
	o.mu.Unlock()
	if !ok {
		return nil, errors.NewKind("OAuthRefresher.Get", errors.KindAuth, "unknown credentials reference", nil)
	}
	if !token.Valid() && token.RefreshToken != "" {
		return o.Refresh(ctx, ref)
	}
	return fromOAuth(token), nil
}

// Refresh exchanges the refresh token for a new access token.
func (o *OAuthRefresher) Refresh(ctx context.Context, ref string) (*Credentials, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur, ok := o.tokens[ref]
	if !ok || cur.RefreshToken == "" {
		return nil, errors.NewKind("OAuthRefresher.Refresh", errors.KindAuth, "no refresh token available", nil)
	}
	// an expired copy forces the token source to hit the endpoint
	stale := &oauth2.Token{RefreshToken: cur.RefreshToken, Expiry: time.Unix(1, 0)}
	next, err := o.cfg.TokenSource(ctx, stale).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if stderrors.As(err, &re) && re.Response != nil && re.Response.StatusCode >= 500 {
			return nil, errors.NewKind("OAuthRefresher.Refresh", errors.KindTransient, "token endpoint unavailable", err)
		}
		return nil, errors.NewKind("OAuthRefresher.Refresh", errors.KindAuth, "failed to refresh token", err)
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	o.tokens[ref] = next
	slog.Debug("oauth token refreshed", slog.String("ref", ref))
	return fromOAuth(next), nil
}

func fromOAuth(t *oauth2.Token) *Credentials {
	return &Credentials{Token: t.AccessToken, RefreshToken: t.RefreshToken, Expiry: t.Expiry}
}

// WithAuthRetry runs fn with fresh credentials. When fn fails with an auth
// error a single refresh is attempted; a second auth failure is returned as is.
func WithAuthRetry[T any](ctx context.Context, creds CredentialResolver, ref string, fn func(c *Credentials) (T, error)) (T, error) {
	var zero T
	c, err := creds.Get(ctx, ref)
	if err != nil {
		return zero, errors.Trace("connector.WithAuthRetry.Get", err)
	}
	out, err := fn(c)
	if err == nil || !errors.Is(err, errors.KindAuth) {
		return out, err
	}
	if c, err = creds.Refresh(ctx, ref); err != nil {
		return zero, errors.Trace("connector.WithAuthRetry.Refresh", err)
	}
	out, err = fn(c)
	if err != nil && errors.Is(err, errors.KindAuth) {
		return zero, errors.NewKind("connector.WithAuthRetry", errors.KindAuth, "credentials rejected after refresh", err)
	}
	return out, err
}
