package http

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/fathomfeed/fathom/internal/config"
	"github.com/fathomfeed/fathom/internal/feed"
	"github.com/fathomfeed/fathom/internal/ws"
)

// SetupRoutes configures all application routes and middleware.
func SetupRoutes(router *gin.Engine, svc *feed.Service, hub *ws.Hub, cfg config.Config) {
	env := &Env{Svc: svc, Hub: hub, Cfg: cfg}

	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(SecurityHeadersMiddleware())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{cfg.CORSOrigin},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-API-Key", "X-User-Id"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	limiter := NewIPRateLimiter(rate.Limit(rateLimitRPS), rateLimitBurst)
	go func() {
		// Periodically drop idle visitor limiters so the map cannot grow
		// without bound.
		for {
			time.Sleep(10 * time.Minute)
			limiter.mu.Lock()
			for ip, v := range limiter.visitors {
				if v.Tokens() >= float64(limiter.burst) {
					delete(limiter.visitors, ip)
				}
			}
			limiter.mu.Unlock()
		}
	}()

	router.GET("/healthz", env.Healthz)

	api := router.Group("/api", APIKeyMiddleware(cfg.APIKey))
	{
		api.GET("/posts", env.ListPosts)
		api.GET("/posts/mixed", env.MixedPosts)
		api.GET("/posts/:id", env.GetPost)
		api.POST("/posts", env.CreatePost)
		api.POST("/posts/bulk", env.CreatePostsBulk)
		api.POST("/posts/:id/vote", env.Vote)
		api.POST("/posts/:id/react", env.React)
		api.POST("/posts/:id/power", env.Power)
		api.POST("/posts/:id/expand", env.Expand)

		generation := api.Group("", RateLimitMiddleware(limiter))
		{
			generation.POST("/generate", env.Generate)
			generation.POST("/generate/batch", env.GenerateMulti)
			generation.POST("/subjects/:topic/generate/batch", env.GenerateForSubject)
		}
	}

	router.GET("/ws", func(c *gin.Context) {
		ws.ServeWs(hub, c.Writer, c.Request)
	})
}
