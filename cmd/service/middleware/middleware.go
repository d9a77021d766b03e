package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quka-ai/conhub/app/core"
	v1 "github.com/quka-ai/conhub/app/logic/v1"
	"github.com/quka-ai/conhub/app/response"
	"github.com/quka-ai/conhub/pkg/auth"
	"github.com/quka-ai/conhub/pkg/errors"
)

const (
	AUTH_TOKEN_HEADER_KEY = "Authorization"
	// kept for dispatchers that cannot set Authorization
	ALT_AUTH_TOKEN_HEADER_KEY = "X-Authorization"

	TENANT_CONTEXT_KEY = "tenant_id"
)

// Authorization verifies the bearer JWT and scopes the request to its tenant.
func Authorization(core *core.Core) gin.HandlerFunc {
	tracePrefix := "middleware.Authorization"
	return func(c *gin.Context) {
		tokenValue := auth.BearerToken(c.GetHeader(AUTH_TOKEN_HEADER_KEY))
		if tokenValue == "" {
			tokenValue = auth.BearerToken(c.GetHeader(ALT_AUTH_TOKEN_HEADER_KEY))
		}

		claims, err := core.Auth().Verify(tokenValue)
		if err != nil {
			response.APIError(c, errors.Trace(tracePrefix, err))
			return
		}

		c.Set(v1.TOKEN_CONTEXT_KEY, claims)
		c.Set(TENANT_CONTEXT_KEY, claims.TenantID)
	}
}

// Metrics records the latency of every route and counts failed responses.
func Metrics(core *core.Core) gin.HandlerFunc {
	return func(c *gin.Context) {
		api := c.FullPath()
		if api == "" {
			api = "unmatched"
		}
		timer := core.Metrics().ApiResponseTimer(api)
		c.Next()
		timer.ObserveDuration()

		if status := c.Writer.Status(); status >= http.StatusBadRequest {
			core.Metrics().ApiErrorInc(c.Request.Method, api, status)
		}
	}
}

func Cors(c *gin.Context) {
	method := c.Request.Method
	origin := c.Request.Header.Get("Origin")
	if origin != "" {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		c.Header("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization, X-Authorization, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "Content-Length, Access-Control-Allow-Origin, Access-Control-Allow-Headers, Cache-Control, Content-Type, X-Request-ID")
		c.Header("Access-Control-Allow-Credentials", "true")
	}
	if method == "OPTIONS" {
		c.AbortWithStatus(http.StatusNoContent)
	}
	c.Next()
}

type LimiterFunc func(key string, opts ...core.LimitOption) gin.HandlerFunc

func UseLimit(appCore *core.Core, operation string, genKeyFunc func(c *gin.Context) string, opts ...core.LimitOption) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !appCore.UseLimiter(operation+":"+genKeyFunc(c), opts...).Allow() {
			response.APIError(c, errors.NewKind("middleware.limiter", errors.KindBudget, "too many requests", nil).Code(http.StatusTooManyRequests))
		}
	}
}
