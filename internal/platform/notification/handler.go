package notification

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// Handler exposes notification history and retries over HTTP.
type Handler struct {
	manager *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{manager: mgr}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications/templates", h.ListTemplates)
	g.GET("/notifications/stats", h.Stats)
	g.GET("/notifications/:id", h.Get)
	g.GET("/notifications", h.List)
	g.POST("/notifications/:id/retry", h.Retry)
}

func (h *Handler) ListTemplates(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Templates())
}

func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Stats(c.Request().Context()))
}

func (h *Handler) Get(c echo.Context) error {
	n, err := h.manager.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) List(c echo.Context) error {
	recipient := c.QueryParam("recipient")
	if recipient == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "recipient query parameter is required")
	}
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	return c.JSON(http.StatusOK, h.manager.ListByRecipient(c.Request().Context(), recipient, limit))
}

func (h *Handler) Retry(c echo.Context) error {
	n, err := h.manager.Retry(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotRetryable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return c.JSON(http.StatusBadGateway, n)
	}
	return c.JSON(http.StatusOK, n)
}
