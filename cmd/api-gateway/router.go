package main

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/noah-isme/qr-presence-api/internal/handler"
	"github.com/noah-isme/qr-presence-api/internal/middleware"
	"github.com/noah-isme/qr-presence-api/internal/models"
	"github.com/noah-isme/qr-presence-api/internal/service"
	"github.com/noah-isme/qr-presence-api/pkg/config"
	"github.com/noah-isme/qr-presence-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/qr-presence-api/pkg/middleware/cors"
	"github.com/noah-isme/qr-presence-api/pkg/middleware/ratelimit"
	reqidmiddleware "github.com/noah-isme/qr-presence-api/pkg/middleware/requestid"
)

type routes struct {
	auth     *service.AuthService
	metrics  *service.MetricsService
	limiter  *ratelimit.TokenBucket
	sessions *handler.SessionHandler
	scans    *handler.ScanHandler
	stream   *handler.StreamHandler
	health   *handler.MetricsHandler
	me       *handler.AuthHandler
}

func newRouter(cfg *config.Config, logr *zap.Logger, rt routes) (*gin.Engine, error) {
	r := gin.New()
	// forwarding headers count only when the peer is a listed proxy
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(middleware.Metrics(rt.metrics))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))

	r.GET("/health", rt.health.Health)
	r.GET("/ready", rt.health.Ready)
	r.GET("/metrics", rt.health.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	prefix := "/" + strings.Trim(cfg.APIPrefix, "/")
	api := r.Group(prefix)
	api.GET("/auth/me", middleware.JWT(rt.auth), rt.me.Me)

	staff := middleware.RequireRoles(models.RoleAdmin, models.RoleProfessor)
	sessions := api.Group("/sessions/:id")
	{
		manage := sessions.Group("", middleware.JWT(rt.auth), staff)
		manage.GET("", rt.sessions.Get)
		manage.GET("/credential", rt.sessions.Credential)
		manage.GET("/attendance", rt.sessions.Attendance)
		manage.POST("/start", rt.sessions.Start)
		manage.POST("/pause", rt.sessions.Pause)
		manage.POST("/resume", rt.sessions.Resume)
		manage.POST("/complete", rt.sessions.Complete)
		manage.POST("/cancel", rt.sessions.Cancel)

		sessions.POST("/scans",
			rt.limiter.Middleware(ratelimit.ByClientIP),
			middleware.JWT(rt.auth),
			middleware.RequireRoles(models.RoleStudent),
			rt.scans.Submit,
		)

		sessions.GET("/stream", middleware.StreamJWT(rt.auth), staff, rt.stream.Stream)
	}

	return r, nil
}
