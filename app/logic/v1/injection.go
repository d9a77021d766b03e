package v1

import (
	"context"

	"github.com/quka-ai/conhub/pkg/auth"
)

const TOKEN_CONTEXT_KEY = "__conhub.claims"

// InjectTokenClaim returns the verified claims of the caller. It reads the gin
// context key as well as claims attached with auth.WithClaims.
func InjectTokenClaim(ctx context.Context) (*auth.Claims, bool) {
	if val, ok := ctx.Value(TOKEN_CONTEXT_KEY).(*auth.Claims); ok && val != nil {
		return val, true
	}
	return auth.GetClaims(ctx)
}
