// Package api exposes the admin HTTP interface for managing monitored
// queries.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/edouardg/marktmonitor/internal/config"
	"github.com/edouardg/marktmonitor/internal/database"
	"github.com/edouardg/marktmonitor/internal/logger"
	"github.com/edouardg/marktmonitor/internal/notifier"
	"github.com/edouardg/marktmonitor/internal/postalcode"
	"github.com/edouardg/marktmonitor/internal/translate"
)

const (
	healthCheckTimeout   = 2 * time.Second
	healthStatusHealthy  = "healthy"
	healthStatusDegraded = "degraded"
	defaultIdleTimeout   = 120 * time.Second
)

// Router holds the API dependencies.
type Router struct {
	queries    *database.QueryRepository
	translator *translate.Translator
	items      *notifier.Notifier
	postal     *postalcode.Client
	redis      *redis.Client
	cfg        *config.Config
	log        logger.Logger
}

// NewRouter creates the admin API router.
func NewRouter(
	queries *database.QueryRepository,
	translator *translate.Translator,
	items *notifier.Notifier,
	postal *postalcode.Client,
	redisClient *redis.Client,
	cfg *config.Config,
	log logger.Logger,
) *Router {
	return &Router{
		queries:    queries,
		translator: translator,
		items:      items,
		postal:     postal,
		redis:      redisClient,
		cfg:        cfg,
		log:        log,
	}
}

// Engine builds the gin engine with all routes registered.
func (r *Router) Engine() *gin.Engine {
	if !r.cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(r.requestLogger())

	engine.GET("/ping", r.ping)
	engine.GET("/healthz", r.healthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	query := engine.Group("/query")
	{
		query.POST("/add_link", r.addLink)
		query.GET("", r.listQueries)
		query.GET("/:id", r.getQuery)
		query.DELETE("/:id", r.deleteQuery)
		query.POST("/status", r.setStatus)
	}

	engine.GET("/item/:item_id", r.getItem)
	engine.GET("/postcode/:value", r.getPostcode)

	return engine
}

// NewServer wraps the engine in an http.Server with the configured timeouts.
func (r *Router) NewServer() *http.Server {
	return &http.Server{
		Addr:         r.cfg.Server.Address,
		Handler:      r.Engine(),
		ReadTimeout:  r.cfg.Server.ReadTimeout,
		WriteTimeout: r.cfg.Server.WriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}
}

func (r *Router) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.log.Debug("request",
			logger.String("method", c.Request.Method),
			logger.String("path", c.Request.URL.Path),
			logger.Int("status", c.Writer.Status()),
			logger.Duration("elapsed", time.Since(start)))
	}
}

func (r *Router) ping(c *gin.Context) {
	c.String(http.StatusOK, "pong")
}

func (r *Router) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	status := healthStatusHealthy
	checks := gin.H{"database": "ok", "redis": "ok"}

	if err := r.queries.Ping(ctx); err != nil {
		status = healthStatusDegraded
		checks["database"] = err.Error()
	}
	if err := r.redis.Ping(ctx).Err(); err != nil {
		status = healthStatusDegraded
		checks["redis"] = err.Error()
	}

	code := http.StatusOK
	if status != healthStatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "checks": checks})
}
