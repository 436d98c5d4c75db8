package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/mossy-p/call-relay/config"
	"github.com/mossy-p/call-relay/internal/metrics"
	"github.com/mossy-p/call-relay/internal/middleware"
	"github.com/mossy-p/call-relay/internal/relay"
	"github.com/rs/zerolog"
)

// Handler serves the relay over HTTP and WebSocket.
type Handler struct {
	cfg      *config.Config
	relay    *relay.Relay
	metrics  metrics.Collector
	presence Presence
	log      zerolog.Logger
}

// New builds a Handler. presence may be nil when no mirror is configured.
func New(cfg *config.Config, r *relay.Relay, m metrics.Collector, presence Presence, log zerolog.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		relay:    r,
		metrics:  m,
		presence: presence,
		log:      log.With().Str("component", "http").Logger(),
	}
}

// Router wires every route onto a new gin engine.
func (h *Handler) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(h.log))

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(h.cfg.AllowedOrigins))

	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(h.metrics.Handler()))

	api := router.Group("/api")
	{
		api.POST("/auth/login", h.Login)

		operators := api.Group("", middleware.JWTAuth(h.cfg.JWTSecret), middleware.RequireRole(middleware.RoleOperator))
		operators.GET("/queue", h.GetQueue)
		operators.GET("/participants/online", h.GetOnline)
	}

	router.GET("/ws/signal", h.HandleSignaling)

	return router
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Msg("Request")
	}
}
