package handler

import (
	"github.com/gofiber/fiber/v3"

	"movie-discovery-watch-history-service/internal/middleware"
	"movie-discovery-watch-history-service/internal/service"
)

// RecommendationHandler handles HTTP requests for preferences and recommendations.
type RecommendationHandler struct {
	svc *service.RecommendationService
}

// NewRecommendationHandler creates a new RecommendationHandler.
func NewRecommendationHandler(svc *service.RecommendationService) *RecommendationHandler {
	return &RecommendationHandler{svc: svc}
}

// GetRecommendations returns the genre-mixed recommendations for the caller.
// @Summary Get recommendations
// @Tags recommendations
// @Produce json
// @Param X-Client-ID header string false "Client token"
// @Param limit query int false "Maximum recommendations" default(20)
// @Success 200 {object} models.RecommendationResponse
// @Router /recommendations [get]
func (h *RecommendationHandler) GetRecommendations(c fiber.Ctx) error {
	resp, err := h.svc.GetRecommendations(c.Context(), middleware.ScopeFrom(c), fiber.Query(c, "limit", 20))
	if err != nil {
		return fail(c, "failed to get recommendations", err)
	}
	return c.JSON(resp)
}

// GetPreferences returns genre scores and the derived genre mix.
// @Summary Get genre preferences
// @Tags recommendations
// @Produce json
// @Success 200 {object} models.PreferenceSummary
// @Router /preferences [get]
func (h *RecommendationHandler) GetPreferences(c fiber.Ctx) error {
	summary, err := h.svc.GetPreferences(c.Context(), middleware.ScopeFrom(c))
	if err != nil {
		return fail(c, "failed to get preferences", err)
	}
	return c.JSON(summary)
}

// GetGenres returns the catalog genre lists.
// @Summary List genres
// @Tags recommendations
// @Produce json
// @Success 200 {object} service.GenreList
// @Router /genres [get]
func (h *RecommendationHandler) GetGenres(c fiber.Ctx) error {
	return c.JSON(h.svc.Genres(c.Context()))
}
