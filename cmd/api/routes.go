package main

import (
	"callscore-platform/internal/ingest"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal
// modules.
func registerRoutes(r *gin.Engine, h ingest.Handlers) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Provider webhooks. Authenticated with the shared webhook secret
	// inside the handler, not a middleware, so a bad secret is logged with
	// request context.
	r.POST("/webhooks/telephony/call-ended", h.CallEnded)

	v1 := r.Group("/v1")
	{
		callGroup := v1.Group("/calls")
		{
			callGroup.POST("/upload", h.Upload)
			callGroup.POST("/sync", h.SyncCRM)
			callGroup.POST("/retry-failed", h.RetryFailed)

			callGroup.GET("/:id", h.GetCall)
			callGroup.POST("/:id/retry-transcription", h.RetryTranscription)
			callGroup.POST("/:id/retry-scoring", h.RetryScoring)
			callGroup.POST("/:id/swap-speakers", h.SwapSpeakers)
		}
	}
}
