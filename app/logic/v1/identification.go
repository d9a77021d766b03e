package v1

import (
	"context"
	"log/slog"

	"github.com/quka-ai/conhub/app/core"
	"github.com/quka-ai/conhub/pkg/auth"
	"github.com/quka-ai/conhub/pkg/errors"
)

// UserInfo scopes every logic call to the caller's tenant.
type UserInfo interface {
	GetUserInfo() *auth.Claims
	TenantID() string
	UserID() string
	Identified() error
}

type _userInfo struct {
	u    *auth.Claims
	core *core.Core
}

func SetupUserInfo(ctx context.Context, core *core.Core) UserInfo {
	claims, ok := InjectTokenClaim(ctx)
	if !ok {
		slog.Error("Not found user in context", slog.String("component", "logic.v1.setupUserInfo"))
		claims = &auth.Claims{}
	}
	return &_userInfo{
		u:    claims,
		core: core,
	}
}

func (u *_userInfo) GetUserInfo() *auth.Claims {
	return u.u
}

func (u *_userInfo) TenantID() string {
	return u.u.TenantID
}

func (u *_userInfo) UserID() string {
	return u.u.Subject
}

// Identified fails for callers without a tenant.
func (u *_userInfo) Identified() error {
	if u.u.TenantID == "" {
		return errors.NewKind("logic.Identified", errors.KindAuth, "unauthenticated", nil)
	}
	return nil
}
