package handler

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v3"

	"movie-discovery-watch-history-service/internal/middleware"
	"movie-discovery-watch-history-service/internal/models"
	"movie-discovery-watch-history-service/internal/service"
)

// HistoryHandler handles HTTP requests for watch history.
type HistoryHandler struct {
	svc *service.HistoryService
}

// NewHistoryHandler creates a new HistoryHandler.
func NewHistoryHandler(svc *service.HistoryService) *HistoryHandler {
	return &HistoryHandler{svc: svc}
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ImportResponse reports the outcome of an import.
type ImportResponse struct {
	Imported int `json:"imported"`
}

// Health returns service health status.
// @Summary Health check
// @Tags health
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health [get]
func (h *HistoryHandler) Health(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"service": "watch-history-service",
	})
}

// List returns the most recent history entries.
// @Summary List watch history
// @Tags history
// @Produce json
// @Param X-Client-ID header string false "Client token"
// @Param limit query int false "Maximum entries, 0 for all" default(0)
// @Success 200 {array} models.WatchEvent
// @Router /history [get]
func (h *HistoryHandler) List(c fiber.Ctx) error {
	items, err := h.svc.List(c.Context(), middleware.ScopeFrom(c), fiber.Query(c, "limit", 0))
	if err != nil {
		return fail(c, "failed to list history", err)
	}
	return c.JSON(items)
}

// ContinueWatching returns partially watched titles.
// @Summary Continue watching
// @Tags history
// @Produce json
// @Param limit query int false "Maximum entries" default(10)
// @Success 200 {array} models.WatchEvent
// @Router /history/continue-watching [get]
func (h *HistoryHandler) ContinueWatching(c fiber.Ctx) error {
	items, err := h.svc.ContinueWatching(c.Context(), middleware.ScopeFrom(c), fiber.Query(c, "limit", 10))
	if err != nil {
		return fail(c, "failed to list in-progress titles", err)
	}
	return c.JSON(items)
}

// Record adds or refreshes a history entry.
// @Summary Record a watch event
// @Tags history
// @Accept json
// @Produce json
// @Param body body models.WatchEventInput true "Watch event"
// @Success 201 {object} models.WatchEvent
// @Failure 400 {object} ErrorResponse
// @Router /history [post]
func (h *HistoryHandler) Record(c fiber.Ctx) error {
	var in models.WatchEventInput
	if err := c.Bind().JSON(&in); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}
	if mt, err := models.ParseMediaType(string(in.MediaType)); err == nil {
		in.MediaType = mt
	}

	ev, err := h.svc.Record(c.Context(), middleware.ScopeFrom(c), in)
	if err != nil {
		return fail(c, "failed to record watch event", err)
	}
	return c.Status(fiber.StatusCreated).JSON(ev)
}

// Clear deletes the whole history.
// @Summary Clear watch history
// @Tags history
// @Success 204
// @Router /history [delete]
func (h *HistoryHandler) Clear(c fiber.Ctx) error {
	if err := h.svc.Clear(c.Context(), middleware.ScopeFrom(c)); err != nil {
		return fail(c, "failed to clear history", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Stats returns history statistics.
// @Summary History statistics
// @Tags history
// @Produce json
// @Success 200 {object} models.HistoryStats
// @Router /history/stats [get]
func (h *HistoryHandler) Stats(c fiber.Ctx) error {
	stats, err := h.svc.Stats(c.Context(), middleware.ScopeFrom(c))
	if err != nil {
		return fail(c, "failed to compute history stats", err)
	}
	return c.JSON(stats)
}

// Export downloads the history as a backup document.
// @Summary Export watch history
// @Tags history
// @Produce json
// @Success 200 {object} models.HistoryExport
// @Router /history/export [get]
func (h *HistoryHandler) Export(c fiber.Ctx) error {
	data, err := h.svc.Export(c.Context(), middleware.ScopeFrom(c))
	if err != nil {
		return fail(c, "failed to export history", err)
	}
	c.Attachment("watch-history.json")
	return c.Send(data)
}

// Import replaces the history with a backup document.
// @Summary Import watch history
// @Tags history
// @Accept json
// @Produce json
// @Param body body models.HistoryExport true "Backup document"
// @Success 200 {object} ImportResponse
// @Failure 400 {object} ErrorResponse
// @Router /history/import [post]
func (h *HistoryHandler) Import(c fiber.Ctx) error {
	n, err := h.svc.Import(c.Context(), middleware.ScopeFrom(c), c.Body())
	if err != nil {
		return fail(c, "failed to import history", err)
	}
	return c.JSON(ImportResponse{Imported: n})
}

// Get returns one history entry.
// @Summary Get a history entry
// @Tags history
// @Produce json
// @Param mediaType path string true "movie or series"
// @Param id path int true "Catalog ID"
// @Success 200 {object} models.WatchEvent
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /history/{mediaType}/{id} [get]
func (h *HistoryHandler) Get(c fiber.Ctx) error {
	mt, id, err := titleParams(c)
	if err != nil {
		return badRequest(c, err)
	}

	ev, err := h.svc.Get(c.Context(), middleware.ScopeFrom(c), id, mt)
	if err != nil {
		return fail(c, "failed to get history entry", err)
	}
	if ev == nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "title not in history"})
	}
	return c.JSON(ev)
}

// Remove deletes one history entry.
// @Summary Remove a history entry
// @Tags history
// @Param mediaType path string true "movie or series"
// @Param id path int true "Catalog ID"
// @Success 204
// @Failure 400 {object} ErrorResponse
// @Router /history/{mediaType}/{id} [delete]
func (h *HistoryHandler) Remove(c fiber.Ctx) error {
	mt, id, err := titleParams(c)
	if err != nil {
		return badRequest(c, err)
	}
	if err := h.svc.Remove(c.Context(), middleware.ScopeFrom(c), id, mt); err != nil {
		return fail(c, "failed to remove history entry", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// UpdateProgress records playback progress.
// @Summary Update playback progress
// @Tags history
// @Accept json
// @Produce json
// @Param mediaType path string true "movie or series"
// @Param id path int true "Catalog ID"
// @Param body body models.ProgressRequest true "Playback position"
// @Success 200 {object} models.WatchEvent
// @Success 204 "Ignored, duration unknown"
// @Failure 400 {object} ErrorResponse
// @Router /history/{mediaType}/{id}/progress [put]
func (h *HistoryHandler) UpdateProgress(c fiber.Ctx) error {
	mt, id, err := titleParams(c)
	if err != nil {
		return badRequest(c, err)
	}
	var req models.ProgressRequest
	if err := c.Bind().JSON(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}

	ev, err := h.svc.UpdateProgress(c.Context(), middleware.ScopeFrom(c), id, mt, req)
	if err != nil {
		return fail(c, "failed to update progress", err)
	}
	if ev == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.JSON(ev)
}

// MarkCompleted marks a title as fully watched.
// @Summary Mark a title completed
// @Tags history
// @Produce json
// @Param mediaType path string true "movie or series"
// @Param id path int true "Catalog ID"
// @Success 200 {object} models.WatchEvent
// @Failure 404 {object} ErrorResponse
// @Router /history/{mediaType}/{id}/complete [post]
func (h *HistoryHandler) MarkCompleted(c fiber.Ctx) error {
	mt, id, err := titleParams(c)
	if err != nil {
		return badRequest(c, err)
	}

	ev, err := h.svc.MarkCompleted(c.Context(), middleware.ScopeFrom(c), id, mt)
	if err != nil {
		return fail(c, "failed to mark title completed", err)
	}
	if ev == nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "title not in history"})
	}
	return c.JSON(ev)
}

func titleParams(c fiber.Ctx) (models.MediaType, int, error) {
	mt, err := models.ParseMediaType(c.Params("mediaType"))
	if err != nil {
		return "", 0, err
	}
	id, err := models.ParseMediaID(c.Params("id"))
	if err != nil {
		return "", 0, err
	}
	return mt, id, nil
}

func badRequest(c fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: err.Error()})
}

// fail maps invalid arguments to 400 and logs everything else as a 500.
func fail(c fiber.Ctx, msg string, err error) error {
	if errors.Is(err, models.ErrInvalidArgument) {
		return badRequest(c, err)
	}
	slog.Error(msg, "path", c.Path(), "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: msg})
}
