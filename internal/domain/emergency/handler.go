package emergency

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/speakbridge/aac/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Every signed-in role can raise and follow an emergency
	g := api.Group("/emergency", auth.RequireRole(auth.RoleProfessional, auth.RoleCaregiver, auth.RolePatient))
	g.GET("/templates", h.ListTemplates)
	g.GET("/contacts", h.ListContacts)
	g.POST("/contacts", h.AddContact)
	g.DELETE("/contacts/:id", h.RemoveContact)
	g.POST("/activate", h.Activate)
	g.GET("/incidents", h.ListIncidents)
	g.GET("/incidents/:id", h.GetIncident)
	g.POST("/incidents/:id/resolve", h.Resolve)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyResolved):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, ErrUnknownType):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// userFor returns the explicit user id when the caller may act for it,
// otherwise the caller. Patients only reach their own data.
func userFor(c echo.Context, explicit string) (string, error) {
	user, ok := auth.ActingFor(c.Request().Context(), explicit)
	if !ok {
		return "", echo.NewHTTPError(http.StatusForbidden, "cannot act for another user")
	}
	return user, nil
}

// visibleIncident loads an incident the caller may see. Incidents of other
// users answer 404 for callers without a care role.
func (h *Handler) visibleIncident(c echo.Context) (*Incident, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	inc, err := h.svc.GetIncident(ctx, id)
	if err != nil {
		return nil, httpError(err)
	}
	if inc.UserID != auth.UserIDFromContext(ctx) && !auth.ActsForOthers(ctx) {
		return nil, httpError(ErrNotFound)
	}
	return inc, nil
}

func (h *Handler) ListTemplates(c echo.Context) error {
	return c.JSON(http.StatusOK, Templates())
}

func (h *Handler) ListContacts(c echo.Context) error {
	user, err := userFor(c, c.QueryParam("user_id"))
	if err != nil {
		return err
	}
	contacts, err := h.svc.ListContacts(c.Request().Context(), user)
	if err != nil {
		return httpError(err)
	}
	if contacts == nil {
		contacts = []*Contact{}
	}
	return c.JSON(http.StatusOK, contacts)
}

func (h *Handler) AddContact(c echo.Context) error {
	var contact Contact
	if err := c.Bind(&contact); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	user, err := userFor(c, contact.UserID)
	if err != nil {
		return err
	}
	contact.UserID = user
	if err := h.svc.AddContact(c.Request().Context(), &contact); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, contact)
}

func (h *Handler) RemoveContact(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	user, err := userFor(c, c.QueryParam("user_id"))
	if err != nil {
		return err
	}
	if err := h.svc.RemoveContact(c.Request().Context(), user, id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type activateInput struct {
	UserID   string    `json:"user_id"`
	Type     Type      `json:"type"`
	Severity int       `json:"severity"`
	Location *Location `json:"location"`
}

func (h *Handler) Activate(c echo.Context) error {
	var in activateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	user, err := userFor(c, in.UserID)
	if err != nil {
		return err
	}
	act, err := h.svc.ActivateEmergency(c.Request().Context(), user, in.Type, in.Severity, in.Location)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, act)
}

func (h *Handler) ListIncidents(c echo.Context) error {
	limit := 20
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, 100)
	}
	user, err := userFor(c, c.QueryParam("user_id"))
	if err != nil {
		return err
	}
	incidents, err := h.svc.ListIncidents(c.Request().Context(), user, limit)
	if err != nil {
		return httpError(err)
	}
	if incidents == nil {
		incidents = []*Incident{}
	}
	return c.JSON(http.StatusOK, incidents)
}

func (h *Handler) GetIncident(c echo.Context) error {
	inc, err := h.visibleIncident(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inc)
}

func (h *Handler) Resolve(c echo.Context) error {
	inc, err := h.visibleIncident(c)
	if err != nil {
		return err
	}
	inc, err = h.svc.ResolveEmergency(c.Request().Context(), inc.ID, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inc)
}
