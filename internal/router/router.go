package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	Stream  *handler.StreamHandler
	Watch   *handler.WatchHandler
	System  *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// limiter may be nil to disable rate limiting.
func SetupRouter(
	auth middleware.TokenValidator,
	handlers *Handlers,
	limiter *middleware.RateLimiter,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID", "X-Persistence-Error"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	router.GET("/health", handlers.System.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ─── 1. Session API (candidate JWT) ────────────────────────────────
	sessions := router.Group("/api/v1/sessions")
	sessions.Use(middleware.RequireAnyJWT(auth))
	if limiter != nil {
		sessions.Use(limiter.Middleware())
	}
	{
		sessions.POST("", middleware.RequireCandidateJWT(auth), handlers.Session.StartSession)
		sessions.GET("/:id", handlers.Session.GetSession)
		sessions.GET("/:id/violations", handlers.Session.GetViolations)

		owner := sessions.Group("/:id", middleware.RequireCandidateJWT(auth))
		{
			owner.GET("/questions", handlers.Session.GetQuestions)
			owner.PUT("/answers", handlers.Session.SaveAnswer)
			owner.POST("/marks/:index", handlers.Session.ToggleMark)
			owner.POST("/navigate", handlers.Session.Navigate)
			owner.POST("/submit", handlers.Session.Submit)
		}
	}

	// ─── 2. System (proctor JWT) ───────────────────────────────────────
	system := router.Group("/api/v1/system")
	system.Use(middleware.RequireAnyJWT(auth))
	{
		system.GET("/stats", handlers.System.StatsStream)
	}

	// ─── 3. WebSocket (token query param) ──────────────────────────────
	ws := router.Group("/ws/v1/sessions")
	{
		ws.GET("/:id/stream", middleware.RequireCandidateWSAuth(auth), handlers.Stream.SessionStream)
		ws.GET("/:id/watch", middleware.RequireAnyWSAuth(auth), handlers.Watch.WatchSession)
	}

	return router
}
