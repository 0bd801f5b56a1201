package handler

import (
	"github.com/gofiber/fiber/v3"
)

// RegisterRoutes mounts the health check and the versioned API on app.
func RegisterRoutes(app fiber.Router, hist *HistoryHandler, recs *RecommendationHandler) {
	app.Get("/health", hist.Health)

	api := app.Group("/api/v1")
	api.Get("/history", hist.List)
	api.Post("/history", hist.Record)
	api.Delete("/history", hist.Clear)
	api.Get("/history/continue-watching", hist.ContinueWatching)
	api.Get("/history/stats", hist.Stats)
	api.Get("/history/export", hist.Export)
	api.Post("/history/import", hist.Import)
	api.Get("/history/:mediaType/:id", hist.Get)
	api.Delete("/history/:mediaType/:id", hist.Remove)
	api.Put("/history/:mediaType/:id/progress", hist.UpdateProgress)
	api.Post("/history/:mediaType/:id/complete", hist.MarkCompleted)

	api.Get("/preferences", recs.GetPreferences)
	api.Get("/recommendations", recs.GetRecommendations)
	api.Get("/genres", recs.GetGenres)
}
