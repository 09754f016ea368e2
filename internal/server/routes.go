package server

import (
	"github.com/labstack/echo/v4"

	"github.com/sift-kg/sift/internal/server/routes"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})

	apiRoutes := e.Group("/api")

	// Ingest routes
	apiRoutes.POST("/ingest", routes.IngestHandler)
	apiRoutes.POST("/reindex", routes.ReindexHandler)

	// Record routes
	apiRoutes.GET("/records/:id", routes.GetRecordHandler)
	apiRoutes.GET("/commits", routes.GetCommitLogHandler)

	// Entity routes
	apiRoutes.GET("/entities", routes.GetEntitiesHandler)
	apiRoutes.GET("/entities/:id", routes.GetEntityHandler)
	apiRoutes.POST("/entities/merge", routes.MergeEntitiesHandler)
	apiRoutes.POST("/entities/:id/split", routes.SplitEntityHandler)

	// Claim routes
	apiRoutes.GET("/claims/:id", routes.GetClaimHandler)
	apiRoutes.GET("/claims/:id/trail", routes.GetClaimTrailHandler)
}
