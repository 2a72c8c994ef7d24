package billing

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/speakbridge/aac/internal/platform/auth"
	"github.com/speakbridge/aac/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/billing/codes", h.ListCodes)

	// Read endpoints – billing, professional
	readGroup := api.Group("", auth.RequireRole(auth.RoleBilling, auth.RoleProfessional))
	readGroup.GET("/claims", h.ListClaims)
	readGroup.GET("/claims/:id", h.GetClaim)
	readGroup.GET("/claims/:id/history", h.GetHistory)

	// Write and reporting endpoints – billing
	writeGroup := api.Group("", auth.RequireRole(auth.RoleBilling))
	writeGroup.POST("/claims", h.CreateClaim)
	writeGroup.PUT("/claims/:id/status", h.UpdateStatus)
	writeGroup.GET("/claims/reports/revenue", h.MonthlyRevenue)
	writeGroup.GET("/claims/reports/summary", h.Summary)
	writeGroup.GET("/claims/export", h.Export)
}

type claimInput struct {
	AppointmentID   *uuid.UUID    `json:"appointment_id"`
	PatientID       string        `json:"patient_id"`
	ProviderID      string        `json:"provider_id"`
	DateOfService   string        `json:"date_of_service"`
	CPTCode         string        `json:"cpt_code"`
	Modifiers       []string      `json:"modifiers"`
	DiagnosisCodes  []string      `json:"diagnosis_codes"`
	DurationMinutes int           `json:"duration_minutes"`
	InsuranceType   InsuranceType `json:"insurance_type"`
	Draft           bool          `json:"draft"`
}

type statusInput struct {
	Status ClaimStatus `json:"status"`
	Reason string      `json:"reason"`
}

func (h *Handler) ListCodes(c echo.Context) error {
	return c.JSON(http.StatusOK, Codes())
}

func (h *Handler) CreateClaim(c echo.Context) error {
	var in claimInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	dos, err := parseDate(in.DateOfService)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid date_of_service")
	}
	req := ClaimRequest{
		AppointmentID:   in.AppointmentID,
		PatientID:       in.PatientID,
		ProviderID:      in.ProviderID,
		DateOfService:   dos,
		CPTCode:         in.CPTCode,
		Modifiers:       in.Modifiers,
		DiagnosisCodes:  in.DiagnosisCodes,
		DurationMinutes: in.DurationMinutes,
		InsuranceType:   in.InsuranceType,
		RequestedBy:     auth.UserIDFromContext(c.Request().Context()),
	}

	var claim *Claim
	if in.Draft {
		claim, err = h.svc.CreateDraftClaim(c.Request().Context(), req)
	} else {
		claim, err = h.svc.GenerateClaim(c.Request().Context(), req)
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, claim)
}

func (h *Handler) GetClaim(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	claim, err := h.svc.GetClaim(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	history, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, history)
}

func (h *Handler) ListClaims(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ClaimFilter{
		PatientID:     c.QueryParam("patient_id"),
		ProviderID:    c.QueryParam("provider_id"),
		Status:        ClaimStatus(c.QueryParam("status")),
		InsuranceType: InsuranceType(c.QueryParam("insurance_type")),
	}
	if f.Status != "" && !f.Status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
	}
	if f.InsuranceType != "" && !f.InsuranceType.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid insurance_type")
	}
	items, total, err := h.svc.ListClaims(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in statusInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	claim, err := h.svc.UpdateClaimStatus(c.Request().Context(), id, in.Status, in.Reason,
		auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) MonthlyRevenue(c echo.Context) error {
	now := time.Now().UTC()
	year, month := now.Year(), int(now.Month())
	if v := c.QueryParam("year"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid year")
		}
		year = n
	}
	if v := c.QueryParam("month"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid month")
		}
		month = n
	}
	total, err := h.svc.MonthlyRevenue(c.Request().Context(), year, time.Month(month))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"year": year, "month": month, "revenue": total})
}

func (h *Handler) Summary(c echo.Context) error {
	from, to, err := dateRange(c)
	if err != nil {
		return err
	}
	sum, err := h.svc.Summary(c.Request().Context(), from, to)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sum)
}

func (h *Handler) Export(c echo.Context) error {
	from, to, err := dateRange(c)
	if err != nil {
		return err
	}
	format := ExportFormat(c.QueryParam("format"))
	if format == "" {
		format = FormatCSV
	}

	var buf bytes.Buffer
	if _, err := h.svc.Export(c.Request().Context(), from, to, format, &buf); err != nil {
		return httpError(err)
	}

	contentType := "text/csv"
	if format == FormatJSON {
		contentType = echo.MIMEApplicationJSON
	}
	filename := fmt.Sprintf("claims_%s_%s.%s", from.Format(time.DateOnly), to.Format(time.DateOnly), format)
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+filename+`"`)
	return c.Blob(http.StatusOK, contentType, buf.Bytes())
}

// dateRange reads from/to (YYYY-MM-DD). Missing values default to the
// current month so far.
func dateRange(c echo.Context) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := truncateDay(now)
	if v := c.QueryParam("from"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return time.Time{}, time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "invalid from date")
		}
		from = t
	}
	if v := c.QueryParam("to"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return time.Time{}, time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "invalid to date")
		}
		to = t
	}
	return from, to, nil
}

func parseDate(s string) (time.Time, error) {
	return time.Parse(time.DateOnly, s)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrDuplicateClaim):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidServiceType), errors.Is(err, ErrDenialReasonRequired):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
