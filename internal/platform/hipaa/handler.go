package hipaa

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/speakbridge/aac/internal/platform/auth"
)

// Handler serves the compliance self-check and the audit trail.
type Handler struct {
	checker *ComplianceChecker
	audit   *AuditLog
}

func NewHandler(checker *ComplianceChecker, audit *AuditLog) *Handler {
	return &Handler{checker: checker, audit: audit}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/compliance", auth.RequireRole(auth.RoleAdmin))
	g.GET("/check", h.Check)
	g.GET("/audit", h.Audit)
}

func (h *Handler) Check(c echo.Context) error {
	return c.JSON(http.StatusOK, h.checker.PerformComplianceCheck(c.Request().Context()))
}

// Audit returns recent entries, newest first. ?source=durable reads the
// persisted critical entries instead of the in-memory buffer.
func (h *Handler) Audit(c echo.Context) error {
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, 1000)
	}

	var entries []*AuditEntry
	switch c.QueryParam("source") {
	case "", "memory":
		entries = h.audit.Recent(limit)
	case "durable":
		var err error
		entries, err = h.audit.Durable(c.Request().Context(), limit)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to read audit log")
		}
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "source must be memory or durable")
	}
	if entries == nil {
		entries = []*AuditEntry{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}
