// Package auth turns bearer tokens into the tenant and user a request acts for.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/quka-ai/conhub/pkg/errors"
)

type contextKey string

const ClaimsKey contextKey = "claims"

// Claims carries the tenant in a custom claim and the user in sub.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Robots   []string `json:"robots,omitempty"`
}

func (c *Claims) UserID() string {
	return c.Subject
}

// CanQueryRobot reports whether the token may read the memory of robotID.
// A token without a robots claim may read every robot of its tenant.
func (c *Claims) CanQueryRobot(robotID string) bool {
	if len(c.Robots) == 0 {
		return true
	}
	for _, r := range c.Robots {
		if r == robotID {
			return true
		}
	}
	return false
}

type Authenticator struct {
	secret []byte
	issuer string
	leeway time.Duration
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		leeway: 30 * time.Second,
	}
}

// Issue signs a token for tenantID and userID. It is used by the CLI and tests;
// production tokens come from the identity provider sharing the secret.
func (a *Authenticator) Issue(tenantID, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: tenantID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", errors.NewKind("auth.Issue", errors.KindInternal, "failed to sign token", err)
	}
	return signed, nil
}

func (a *Authenticator) Verify(token string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, errors.NewKind("auth.Verify", errors.KindConfiguration, "jwt secret is not configured", nil)
	}
	if token == "" {
		return nil, errors.NewKind("auth.Verify", errors.KindAuth, "missing bearer token", nil)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.leeway),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...); err != nil {
		return nil, errors.NewKind("auth.Verify", errors.KindAuth, "invalid token", err)
	}
	if claims.TenantID == "" || claims.Subject == "" {
		return nil, errors.NewKind("auth.Verify", errors.KindAuth, "token lacks tenant or subject", nil)
	}
	return claims, nil
}

// BearerToken extracts the token of an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

func GetClaims(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*Claims)
	return claims, ok && claims != nil
}
