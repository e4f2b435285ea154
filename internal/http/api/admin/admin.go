package admin

import (
	"net/http"
	"strings"

	"github.com/gatewayops/channelpool/internal/batch"
	"github.com/gatewayops/channelpool/internal/config"
	"github.com/gatewayops/channelpool/internal/healthcheck"
	handlers "github.com/gatewayops/channelpool/internal/http/api/admin/handlers"
	"github.com/gatewayops/channelpool/internal/models"
	"github.com/gatewayops/channelpool/internal/security"
	"github.com/gatewayops/channelpool/internal/store"
	"github.com/gatewayops/channelpool/internal/tags"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// RegisterAdminRoutes registers admin routes, middleware, and handlers. The
// returned sweep runner is not started; the caller decides whether periodic
// testing is enabled.
func RegisterAdminRoutes(r *gin.Engine, db *gorm.DB, jwtCfg config.JWTConfig, hcCfg config.HealthCheckConfig) *healthcheck.Runner {
	if r == nil || db == nil {
		return nil
	}

	channels := store.NewChannelStore(db)
	images := healthcheck.NewImageProbeRegistry()
	runner := healthcheck.NewRunner(channels, healthcheck.Options{
		MaxConcurrency: hcCfg.MaxConcurrency,
		ProbeTimeout:   hcCfg.ProbeTimeout,
		SessionTimeout: hcCfg.SessionTimeout,
	}, hcCfg.DisableThreshold)

	healthHandler := handlers.NewHealthHandler(db)
	r.GET("/healthz", healthHandler.Healthz)

	adminGroup := r.Group("/v0/admin")

	authHandler := handlers.NewAuthHandler(db, jwtCfg)
	adminGroup.POST("/login", authHandler.Login)

	authed := adminGroup.Group("")
	authed.Use(adminAuthMiddleware(db, jwtCfg))

	channelHandler := handlers.NewChannelHandler(channels, batch.NewEngine(channels))
	authed.POST("/channels", channelHandler.Create)
	authed.GET("/channels", channelHandler.List)
	authed.GET("/channels/statistics", channelHandler.Statistics)
	authed.GET("/channels/:id", channelHandler.Get)
	authed.PUT("/channels/:id", channelHandler.Update)
	authed.DELETE("/channels/:id", channelHandler.Delete)
	authed.POST("/channels/batch", channelHandler.Batch)

	tagHandler := handlers.NewTagHandler(tags.NewAggregator(channels))
	authed.GET("/channel-tags", tagHandler.List)
	authed.PUT("/channel-tags/:tag", tagHandler.Update)
	authed.POST("/channel-tags/:tag/status", tagHandler.ChangeStatus)
	authed.POST("/channel-tags/:tag/priority", tagHandler.SetPriority)
	authed.DELETE("/channel-tags/:tag", tagHandler.Delete)

	checkHandler := handlers.NewCheckHandler(channels, hcCfg, images, runner)
	r.GET("/image/:id", checkHandler.ServeImage)
	authed.POST("/channels/check", checkHandler.Check)
	authed.POST("/channels/check-all", checkHandler.CheckAll)
	authed.GET("/channels/check-all", checkHandler.SweepStatus)

	return runner
}

// adminAuthMiddleware validates admin JWTs and loads admin context.
func adminAuthMiddleware(db *gorm.DB, jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errJWT := security.ParseAdminToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		var admin models.Admin
		if errFind := db.WithContext(c.Request.Context()).First(&admin, claims.AdminID).Error; errFind != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin not found"})
			return
		}
		if !admin.Active {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin disabled"})
			return
		}

		c.Set("adminID", admin.ID)
		c.Set("adminUsername", admin.Username)
		c.Next()
	}
}
