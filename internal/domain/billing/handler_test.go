package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func newTestHandler() (*Handler, *echo.Echo) {
	svc := newTestService()
	h := NewHandler(svc)
	e := echo.New()
	return h, e
}

func expectHTTPError(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError with %d, got %v", code, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d (%v)", code, httpErr.Code, httpErr.Message)
	}
}

func TestHandler_CreateClaim(t *testing.T) {
	h, e := newTestHandler()
	body := `{"patient_id":"PT-1","provider_id":"slp-1","date_of_service":"2026-03-10","cpt_code":"92507","duration_minutes":60,"insurance_type":"medicare"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreateClaim(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var claim Claim
	if err := json.Unmarshal(rec.Body.Bytes(), &claim); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if claim.TotalCharge != 342.00 || claim.Status != StatusSubmitted {
		t.Errorf("expected submitted claim for 342.00, got %s %.2f", claim.Status, claim.TotalCharge)
	}
}

func TestHandler_CreateClaim_Draft(t *testing.T) {
	h, e := newTestHandler()
	body := `{"patient_id":"PT-1","provider_id":"slp-1","date_of_service":"2026-03-10","cpt_code":"92507","duration_minutes":30,"insurance_type":"medicaid","draft":true}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	if err := h.CreateClaim(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"status":"draft"`) {
		t.Errorf("expected draft claim, got %s", rec.Body.String())
	}
}

func TestHandler_CreateClaim_UnknownCPT(t *testing.T) {
	h, e := newTestHandler()
	body := `{"patient_id":"PT-1","provider_id":"slp-1","date_of_service":"2026-03-10","cpt_code":"11111","duration_minutes":60,"insurance_type":"medicare"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	expectHTTPError(t, h.CreateClaim(e.NewContext(req, rec)), http.StatusUnprocessableEntity)
}

func TestHandler_CreateClaim_BadDate(t *testing.T) {
	h, e := newTestHandler()
	body := `{"patient_id":"PT-1","provider_id":"slp-1","date_of_service":"03/10/2026","cpt_code":"92507","duration_minutes":60,"insurance_type":"medicare"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	expectHTTPError(t, h.CreateClaim(e.NewContext(req, rec)), http.StatusBadRequest)
}

func TestHandler_GetClaim_NotFound(t *testing.T) {
	h, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	expectHTTPError(t, h.GetClaim(c), http.StatusNotFound)
}

func TestHandler_UpdateStatus(t *testing.T) {
	h, e := newTestHandler()
	claim, _ := h.svc.GenerateClaim(context.Background(), validRequest())

	do := func(body string) (*httptest.ResponseRecorder, error) {
		req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("id")
		c.SetParamValues(claim.ID.String())
		return rec, h.UpdateStatus(c)
	}

	_, err := do(`{"status":"denied"}`)
	expectHTTPError(t, err, http.StatusUnprocessableEntity)

	_, err = do(`{"status":"paid"}`)
	expectHTTPError(t, err, http.StatusConflict)

	_, err = do(`{"status":"archived"}`)
	expectHTTPError(t, err, http.StatusBadRequest)

	rec, err := do(`{"status":"approved"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"paid_amount":307.8`) {
		t.Errorf("expected paid amount in response, got %s", rec.Body.String())
	}
}

func TestHandler_ListCodes(t *testing.T) {
	h, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	if err := h.ListCodes(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var codes []ServiceCode
	_ = json.Unmarshal(rec.Body.Bytes(), &codes)
	if len(codes) != len(serviceCodes) {
		t.Errorf("expected %d codes, got %d", len(serviceCodes), len(codes))
	}
}

func TestHandler_MonthlyRevenue(t *testing.T) {
	h, e := newTestHandler()
	seedReportClaims(t, h.svc)

	req := httptest.NewRequest(http.MethodGet, "/?year=2026&month=3", nil)
	rec := httptest.NewRecorder()
	if err := h.MonthlyRevenue(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if out["revenue"] != 615.6 {
		t.Errorf("expected revenue 615.6, got %v", out["revenue"])
	}

	req = httptest.NewRequest(http.MethodGet, "/?year=2026&month=0", nil)
	rec = httptest.NewRecorder()
	expectHTTPError(t, h.MonthlyRevenue(e.NewContext(req, rec)), http.StatusBadRequest)
}

func TestHandler_ExportCSV(t *testing.T) {
	h, e := newTestHandler()
	seedReportClaims(t, h.svc)

	req := httptest.NewRequest(http.MethodGet, "/?from=2026-03-01&to=2026-03-31&format=csv", nil)
	rec := httptest.NewRecorder()
	if err := h.Export(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/csv" {
		t.Errorf("expected text/csv, got %q", ct)
	}
	if !strings.Contains(rec.Header().Get(echo.HeaderContentDisposition), "claims_2026-03-01_2026-03-31.csv") {
		t.Errorf("unexpected disposition %q", rec.Header().Get(echo.HeaderContentDisposition))
	}
	if lines := strings.Count(rec.Body.String(), "\n"); lines != 5 {
		t.Errorf("expected 5 csv lines, got %d", lines)
	}
}

func TestHandler_Summary_BadDate(t *testing.T) {
	h, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/?from=yesterday", nil)
	rec := httptest.NewRecorder()
	expectHTTPError(t, h.Summary(e.NewContext(req, rec)), http.StatusBadRequest)
}
