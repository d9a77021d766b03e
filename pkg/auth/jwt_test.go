package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quka-ai/conhub/pkg/errors"
)

func TestIssueAndVerify(t *testing.T) {
	a := NewAuthenticator("secret", "conhub")
	token, err := a.Issue("tenant-1", "user-1", time.Minute)
	require.NoError(t, err)

	claims, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", claims.TenantID)
	assert.Equal(t, "user-1", claims.UserID())
	assert.True(t, claims.CanQueryRobot("any"))
}

func TestVerifyRejects(t *testing.T) {
	a := NewAuthenticator("secret", "conhub")
	expired, err := a.Issue("tenant-1", "user-1", -time.Hour)
	require.NoError(t, err)
	foreign, err := NewAuthenticator("other", "conhub").Issue("tenant-1", "user-1", time.Minute)
	require.NoError(t, err)
	wrongIssuer, err := NewAuthenticator("secret", "elsewhere").Issue("tenant-1", "user-1", time.Minute)
	require.NoError(t, err)
	noTenant, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    "conhub",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "garbage", token: "not-a-jwt"},
		{name: "expired", token: expired},
		{name: "other secret", token: foreign},
		{name: "other issuer", token: wrongIssuer},
		{name: "no tenant", token: noTenant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Verify(tt.token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.KindAuth))
		})
	}
}

func TestVerifyWithoutSecret(t *testing.T) {
	_, err := NewAuthenticator("", "").Verify("token")
	assert.True(t, errors.Is(err, errors.KindConfiguration))
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Empty(t, BearerToken("Basic abc"))
	assert.Empty(t, BearerToken("Bearer"))
}

func TestClaimsContext(t *testing.T) {
	_, ok := GetClaims(context.Background())
	assert.False(t, ok)

	_, ok = GetClaims(WithClaims(context.Background(), nil))
	assert.False(t, ok)

	claims := &Claims{TenantID: "tenant-1", Robots: []string{"r1"}}
	got, ok := GetClaims(WithClaims(context.Background(), claims))
	require.True(t, ok)
	assert.Same(t, claims, got)
	assert.True(t, got.CanQueryRobot("r1"))
	assert.False(t, got.CanQueryRobot("r2"))
}
