package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/example/bss-eventstore/internal/api/middleware"
	"github.com/example/bss-eventstore/internal/auth"
)

func NewRouter(handlers *Handlers, jwtService *auth.JWTService, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	router := gin.New()
	router.Use(middleware.Recovery(logger), middleware.RequestLogger(logger))

	router.GET("/health", handlers.Health)

	v1 := router.Group("/api/v1", middleware.Auth(jwtService))
	{
		aggregates := v1.Group("/aggregates/:id")
		aggregates.GET("/events", handlers.GetAggregateEvents)
		aggregates.GET("/version", handlers.GetAggregateVersion)
		aggregates.GET("/integrity", handlers.CheckAggregateIntegrity)
		aggregates.GET("/snapshot", handlers.GetSnapshot)
		aggregates.DELETE("/snapshot", middleware.RequireRole(auth.RoleAdmin), handlers.DeleteSnapshot)

		v1.GET("/events", handlers.GetEventFeed)
		v1.GET("/events/type/:event_type", handlers.GetEventsByType)
		v1.GET("/events/correlation/:correlation_id", handlers.GetEventsByCorrelationID)
		v1.GET("/stats", handlers.GetStatistics)
	}

	return router
}
