// Package httptransport exposes a thin admin/dashboard HTTP surface
// over an agenda.Agenda: magic-link sign-in plus read and lifecycle
// job endpoints. Mounting it is optional — a pure library caller never
// needs to import this package.
package httptransport

import (
	"context"
	"log/slog"

	"github.com/distsched/agenda/internal/transport/http/handler"
	"github.com/distsched/agenda/internal/transport/http/middleware"
	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"
)

// jwksVerifier is the subset of auth.JWKSVerifier the router needs,
// nil when no external identity provider is configured.
type jwksVerifier interface {
	Verify(ctx context.Context, rawToken string) (string, error)
}

func NewRouter(logger *slog.Logger, jobHandler *handler.JobHandler, authHandler *handler.AuthHandler, jwtKey []byte, verifier jwksVerifier) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), sloggin.New(logger), middleware.Metrics())

	// Public auth routes
	r.POST("/auth/magic-link", authHandler.RequestMagicLink)
	r.GET("/auth/verify", authHandler.Verify)

	// Protected admin routes
	jobs := r.Group("/jobs", middleware.Auth(jwtKey, verifier))
	jobs.GET("", jobHandler.List)
	jobs.GET("/overview", jobHandler.Overview)
	jobs.POST("/cancel", jobHandler.Cancel)
	jobs.POST("/disable", jobHandler.Disable)
	jobs.POST("/enable", jobHandler.Enable)

	return r
}
