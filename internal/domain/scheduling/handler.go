package scheduling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/speakbridge/aac/internal/domain/billing"
	"github.com/speakbridge/aac/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – professional, caregiver, patient
	readGroup := api.Group("", auth.RequireRole(auth.RoleProfessional, auth.RoleCaregiver, auth.RolePatient))
	readGroup.GET("/appointments", h.ListAppointments)
	readGroup.GET("/appointments/:id", h.GetAppointment)

	// Write endpoints – professional
	writeGroup := api.Group("", auth.RequireRole(auth.RoleProfessional))
	writeGroup.POST("/appointments", h.CreateAppointment)
	writeGroup.POST("/appointments/:id/confirm", h.ConfirmAppointment)
	writeGroup.POST("/appointments/:id/start", h.StartAppointment)
	writeGroup.POST("/appointments/:id/complete", h.CompleteAppointment)
	writeGroup.POST("/appointments/:id/cancel", h.CancelAppointment)
	writeGroup.POST("/appointments/:id/no-show", h.MarkNoShow)
	writeGroup.POST("/appointments/:id/reschedule", h.RescheduleAppointment)
}

// startInput accepts either an RFC 3339 scheduled_at or a local date and
// time with an optional IANA timezone.
type startInput struct {
	ScheduledAt *time.Time `json:"scheduled_at"`
	Date        string     `json:"date"`
	Time        string     `json:"time"`
	Timezone    string     `json:"timezone"`
}

func (in startInput) resolve() (time.Time, error) {
	if in.ScheduledAt != nil {
		return *in.ScheduledAt, nil
	}
	if in.Date == "" || in.Time == "" {
		return time.Time{}, errors.New("scheduled_at or date and time are required")
	}
	loc, err := loadLocation(in.Timezone)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", in.Date+" "+in.Time, loc)
	if err != nil {
		return time.Time{}, errors.New("date must be YYYY-MM-DD and time HH:MM")
	}
	return t, nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q", name)
	}
	return loc, nil
}

type createInput struct {
	startInput
	ProfessionalID  string            `json:"professional_id"`
	PatientID       string            `json:"patient_id"`
	DurationMinutes int               `json:"duration_minutes"`
	Type            AppointmentType   `json:"appointment_type"`
	Location        LocationType      `json:"location_type"`
	Billing         BillingInfo       `json:"billing"`
	Clinical        ClinicalInfo      `json:"clinical"`
	Reminder        *ReminderSettings `json:"reminder"`
	Notes           *string           `json:"notes"`
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	var in createInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	start, err := in.resolve()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if in.ProfessionalID == "" {
		in.ProfessionalID = auth.UserIDFromContext(c.Request().Context())
	}
	a, err := h.svc.CreateAppointment(c.Request().Context(), CreateRequest{
		ProfessionalID:  in.ProfessionalID,
		PatientID:       in.PatientID,
		ScheduledAt:     start,
		DurationMinutes: in.DurationMinutes,
		Type:            in.Type,
		Location:        in.Location,
		Billing:         in.Billing,
		Clinical:        in.Clinical,
		Reminder:        in.Reminder,
		Notes:           in.Notes,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	a, err := h.svc.GetAppointment(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if !auth.ActsForOthers(ctx) && a.PatientID != auth.UserIDFromContext(ctx) {
		return httpError(ErrNotFound)
	}
	return c.JSON(http.StatusOK, a)
}

// ownAppointments keeps only the caller's appointments for patient callers.
func ownAppointments(ctx context.Context, list []*Appointment) []*Appointment {
	if auth.ActsForOthers(ctx) {
		return list
	}
	caller := auth.UserIDFromContext(ctx)
	out := make([]*Appointment, 0, len(list))
	for _, a := range list {
		if a.PatientID == caller {
			out = append(out, a)
		}
	}
	return out
}

// ListAppointments serves the calendar views:
// ?view=month|week|day&date=YYYY-MM-DD&professional_id=&tz=
func (h *Handler) ListAppointments(c echo.Context) error {
	profID := c.QueryParam("professional_id")
	if profID == "" {
		profID = auth.UserIDFromContext(c.Request().Context())
	}
	loc, err := loadLocation(c.QueryParam("tz"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	date := time.Now().In(loc)
	if d := c.QueryParam("date"); d != "" {
		date, err = time.ParseInLocation("2006-01-02", d, loc)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
		}
	}

	ctx := c.Request().Context()
	var list []*Appointment
	view := c.QueryParam("view")
	switch view {
	case "", "month":
		view = "month"
		list, err = h.svc.MonthView(ctx, profID, date.Year(), date.Month(), loc)
	case "week":
		list, err = h.svc.WeekView(ctx, profID, date)
	case "day":
		list, err = h.svc.DayView(ctx, profID, date)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "view must be month, week or day")
	}
	if err != nil {
		return httpError(err)
	}
	list = ownAppointments(ctx, list)
	if len(list) == 0 {
		list = []*Appointment{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"view":            view,
		"date":            date.Format("2006-01-02"),
		"professional_id": profID,
		"appointments":    list,
	})
}

func (h *Handler) ConfirmAppointment(c echo.Context) error {
	return h.simpleTransition(c, h.svc.ConfirmAppointment)
}

func (h *Handler) StartAppointment(c echo.Context) error {
	return h.simpleTransition(c, h.svc.StartAppointment)
}

func (h *Handler) MarkNoShow(c echo.Context) error {
	return h.simpleTransition(c, h.svc.MarkNoShow)
}

func (h *Handler) simpleTransition(c echo.Context, fn func(ctx context.Context, id uuid.UUID) (*Appointment, error)) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := fn(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) CompleteAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in struct {
		SessionSummary string `json:"session_summary"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	res, err := h.svc.CompleteAppointment(ctx, id, in.SessionSummary, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a, err := h.svc.CancelAppointment(c.Request().Context(), id, in.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) RescheduleAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in startInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	start, err := in.resolve()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.RescheduleAppointment(c.Request().Context(), id, start)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, billing.ErrInvalidServiceType):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
