package srv

import (
	"context"
	"time"

	"golang.org/x/oauth2"

	"github.com/quka-ai/conhub/pkg/connector"
	"github.com/quka-ai/conhub/pkg/connector/gdrive"
	"github.com/quka-ai/conhub/pkg/connector/github"
	"github.com/quka-ai/conhub/pkg/connector/localfs"
	"github.com/quka-ai/conhub/pkg/connector/slack"
	"github.com/quka-ai/conhub/pkg/connector/web"
	"github.com/quka-ai/conhub/pkg/types"
)

type ConnectorsConfig struct {
	// BaseURLs overrides public API endpoints, mostly for enterprise installs.
	BaseURLs map[types.ConnectorKind]string `toml:"base_urls"`
	// Tokens maps credential refs to static bearer tokens.
	Tokens map[string]string `toml:"tokens"`
	// RefreshTokens maps credential refs to OAuth refresh tokens exchanged
	// through the [connectors.oauth] client.
	RefreshTokens map[string]string `toml:"refresh_tokens"`
	OAuth         OAuthConfig       `toml:"oauth"`
	// MaxLimiterWait is how long a call may block on the rate limiter before
	// reporting back pressure.
	MaxLimiterWait time.Duration `toml:"max_limiter_wait"`
	Timeout        time.Duration `toml:"timeout"`
}

type OAuthConfig struct {
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	AuthURL      string   `toml:"auth_url"`
	TokenURL     string   `toml:"token_url"`
	Scopes       []string `toml:"scopes"`
}

var factories = map[types.ConnectorKind]connector.Factory{
	types.CONNECTOR_LOCAL_FS:      localfs.New,
	types.CONNECTOR_GITHUB:        github.NewCode,
	types.CONNECTOR_GITHUB_ISSUES: github.NewIssues,
	types.CONNECTOR_SLACK:         slack.New,
	types.CONNECTOR_GDRIVE:        gdrive.New,
	types.CONNECTOR_WEB:           web.New,
}

// credentialRouter sends refs with an OAuth refresh token to the refresher
// and everything else to the static store.
type credentialRouter struct {
	static *connector.StaticCredentials
	oauth  *connector.OAuthRefresher
	routed map[string]bool
}

func (r *credentialRouter) pick(ref string) connector.CredentialResolver {
	if r.oauth != nil && r.routed[ref] {
		return r.oauth
	}
	return r.static
}

func (r *credentialRouter) Get(ctx context.Context, ref string) (*connector.Credentials, error) {
	return r.pick(ref).Get(ctx, ref)
}

func (r *credentialRouter) Refresh(ctx context.Context, ref string) (*connector.Credentials, error) {
	return r.pick(ref).Refresh(ctx, ref)
}

func newCredentials(cfg ConnectorsConfig) connector.CredentialResolver {
	r := &credentialRouter{
		static: connector.NewStaticCredentials(cfg.Tokens),
		routed: map[string]bool{},
	}
	if cfg.OAuth.ClientID == "" || len(cfg.RefreshTokens) == 0 {
		return r
	}
	r.oauth = connector.NewOAuthRefresher(&oauth2.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		Endpoint:     oauth2.Endpoint{AuthURL: cfg.OAuth.AuthURL, TokenURL: cfg.OAuth.TokenURL},
		Scopes:       cfg.OAuth.Scopes,
	})
	for ref, token := range cfg.RefreshTokens {
		r.oauth.Store(ref, &oauth2.Token{RefreshToken: token})
		r.routed[ref] = true
	}
	return r
}

// SetupConnectors registers every connector kind with its rate limiter.
func SetupConnectors(cfg ConnectorsConfig, limits map[types.ConnectorKind]connector.RateLimit, cache connector.ResponseCache) *connector.Registry {
	opts := []connector.RegistryOption{connector.WithCredentials(newCredentials(cfg))}
	if cache != nil {
		opts = append(opts, connector.WithResponseCache(cache))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, connector.WithTimeout(cfg.Timeout))
	}
	registry := connector.NewRegistry(opts...)
	for kind, f := range factories {
		registry.Register(kind, f)
		if limit, ok := limits[kind]; ok {
			registry.SetLimiter(kind, connector.NewLimiter(limit, cfg.MaxLimiterWait))
		}
		if url := cfg.BaseURLs[kind]; url != "" {
			registry.SetBaseURL(kind, url)
		}
	}
	return registry
}

func ApplyConnectors(cfg ConnectorsConfig, limits map[types.ConnectorKind]connector.RateLimit, cache connector.ResponseCache) ApplyFunc {
	return func(s *Srv) {
		s.connectors = SetupConnectors(cfg, limits, cache)
	}
}
