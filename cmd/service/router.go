package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quka-ai/conhub/app/core"
	"github.com/quka-ai/conhub/app/response"
	"github.com/quka-ai/conhub/cmd/service/handler"
	"github.com/quka-ai/conhub/cmd/service/middleware"
	"github.com/quka-ai/conhub/pkg/metrics"
)

const defaultAddr = ":33033"

// serve blocks until ctx is done, then drains in-flight requests.
func serve(ctx context.Context, core *core.Core) error {
	httpSrv := &handler.HttpSrv{
		Core:   core,
		Engine: core.HttpEngine(),
	}
	setupHttpRouter(httpSrv)

	addr := core.Cfg().Addr
	if addr == "" {
		addr = defaultAddr
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           core.HttpEngine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", slog.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdown, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdown)
}

func GetTenantLimitBuilder(appCore *core.Core) middleware.LimiterFunc {
	return func(key string, opts ...core.LimitOption) gin.HandlerFunc {
		return middleware.UseLimit(appCore, key, func(c *gin.Context) string {
			return c.GetString(middleware.TENANT_CONTEXT_KEY)
		}, opts...)
	}
}

func GetAccountLimitBuilder(appCore *core.Core) middleware.LimiterFunc {
	return func(key string, opts ...core.LimitOption) gin.HandlerFunc {
		return middleware.UseLimit(appCore, key, func(c *gin.Context) string {
			return c.GetString(middleware.TENANT_CONTEXT_KEY) + ":" + c.Param("account")
		}, opts...)
	}
}

func setupHttpRouter(s *handler.HttpSrv) {
	tenantLimit := GetTenantLimitBuilder(s.Core)
	accountLimit := GetAccountLimitBuilder(s.Core)

	// logic calls see the request's cancellation and values through the gin context
	s.Engine.ContextWithFallback = true

	s.Engine.Use(gin.Recovery(), response.NewResponse(), middleware.Cors, middleware.Metrics(s.Core))
	s.Engine.GET("/metrics", metrics.DefaultExportHandler())
	s.Engine.GET("/healthz", func(c *gin.Context) {
		response.APISuccess(c, nil)
	})

	apiV1 := s.Engine.Group("/api/v1")
	apiV1.Use(middleware.Authorization(s.Core))
	{
		sync := apiV1.Group("/sync")
		{
			sync.POST("", tenantLimit("sync", core.WithLimit(30)), s.StartSync)
			sync.GET("", s.ListActiveSyncs)
			sync.GET("/:job", s.GetSyncStatus)
			sync.POST("/:job/cancel", s.CancelSync)
		}

		apiV1.POST("/query", tenantLimit("query", core.WithLimit(600)), s.Query)
		apiV1.POST("/robots/:robot/query", tenantLimit("query", core.WithLimit(600)), s.QueryRobot)

		account := apiV1.Group("/accounts")
		{
			account.POST("", tenantLimit("modify_account"), s.ConnectAccount)
			account.GET("", s.ListAccounts)
			account.GET("/:id", s.GetAccount)
			account.GET("/:id/sync", s.ListSyncHistory)
			account.POST("/:id/sources", tenantLimit("modify_account"), s.AddSource)
			account.DELETE("/:id", tenantLimit("modify_account"), s.DisconnectAccount)
		}

		apiV1.POST("/webhooks/:account", accountLimit("webhook", core.WithLimit(120)), s.Webhook)
	}
}
