package patient

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/speakbridge/aac/internal/platform/auth"
	"github.com/speakbridge/aac/internal/platform/hipaa"
	"github.com/speakbridge/aac/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – professional, caregiver
	readGroup := api.Group("", auth.RequireRole(auth.RoleProfessional, auth.RoleCaregiver))
	readGroup.GET("/patients", h.ListRecords)
	readGroup.GET("/patients/:id", h.GetRecord)

	// Write endpoints – professional
	writeGroup := api.Group("", auth.RequireRole(auth.RoleProfessional))
	writeGroup.POST("/patients", h.CreateRecord)
	writeGroup.PUT("/patients/:id", h.UpdateRecord)
	writeGroup.POST("/patients/:id/notes", h.AppendNote)
	writeGroup.GET("/patients/:id/export", h.ExportRecord)

	// Delete – admin only
	adminGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	adminGroup.DELETE("/patients/:id", h.DeleteRecord)
}

func userID(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

func (h *Handler) CreateRecord(c echo.Context) error {
	var in Record
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec, err := h.svc.CreateRecord(c.Request().Context(), in, userID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) GetRecord(c echo.Context) error {
	rec, err := h.svc.GetRecord(c.Request().Context(), c.Param("id"), userID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) UpdateRecord(c echo.Context) error {
	var in Record
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec, err := h.svc.UpdateRecord(c.Request().Context(), c.Param("id"), in, userID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) AppendNote(c echo.Context) error {
	var in struct {
		Text    string   `json:"text"`
		GoalIDs []string `json:"goal_ids"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	note, err := h.svc.AppendProgressNote(c.Request().Context(), c.Param("id"), in.Text, in.GoalIDs, userID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, note)
}

func (h *Handler) DeleteRecord(c echo.Context) error {
	if err := h.svc.DeleteRecord(c.Request().Context(), c.Param("id"), userID(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ExportRecord(c echo.Context) error {
	out, err := h.svc.ExportSanitized(c.Request().Context(), c.Param("id"), userID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ListRecords(c echo.Context) error {
	pg := pagination.FromContext(c)
	ids, total, err := h.svc.ListRecordIDs(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(ids, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, hipaa.ErrDecryptionFailed):
		return echo.NewHTTPError(http.StatusInternalServerError, "record could not be decrypted")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
