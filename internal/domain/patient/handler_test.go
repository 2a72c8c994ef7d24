package patient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/speakbridge/aac/internal/platform/auth"
)

func newTestHandler(t *testing.T) (*Handler, *Service, *echo.Echo) {
	svc, _, _ := newTestService(t)
	return NewHandler(svc), svc, echo.New()
}

func withUser(req *http.Request, id string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UserID: id, Roles: []string{auth.RoleProfessional}}))
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

func TestHandler_CreateAndGet(t *testing.T) {
	h, _, e := newTestHandler(t)
	body := `{"first_name":"Sam","last_name":"Lee","ssn":"987-65-4321","communication_profile":{"device":"eye gaze"}}`
	req := withUser(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)), "slp-1")
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	if err := h.CreateRecord(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var created Record
	json.Unmarshal(rec.Body.Bytes(), &created)

	rec = httptest.NewRecorder()
	c := e.NewContext(withUser(httptest.NewRequest(http.MethodGet, "/", nil), "slp-1"), rec)
	c.SetParamNames("id")
	c.SetParamValues(created.ID)
	if err := h.GetRecord(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"device":"eye gaze"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_CreateValidation(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"first_name":"Sam"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	expectHTTPError(t, h.CreateRecord(e.NewContext(req, httptest.NewRecorder())), http.StatusBadRequest)
}

func TestHandler_NotesExportDelete(t *testing.T) {
	h, svc, e := newTestHandler(t)
	created, err := svc.CreateRecord(withUser(httptest.NewRequest(http.MethodGet, "/", nil), "slp-1").Context(), sampleRecord(), "slp-1")
	if err != nil {
		t.Fatal(err)
	}

	req := withUser(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"text":"Requested juice with AAC"}`)), "slp-1")
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(created.ID)
	if err := h.AppendNote(c); err != nil {
		t.Fatalf("append note: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"author_id":"slp-1"`) {
		t.Errorf("expected author in note, got %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(created.ID)
	if err := h.ExportRecord(c); err != nil {
		t.Fatalf("export: %v", err)
	}
	if strings.Contains(rec.Body.String(), "123-45-6789") || strings.Contains(rec.Body.String(), "Jordan") {
		t.Errorf("export leaks PHI: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodDelete, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(created.ID)
	if err := h.DeleteRecord(c); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(created.ID)
	expectHTTPError(t, h.GetRecord(c), http.StatusNotFound)
}

func TestHandler_ListRecords(t *testing.T) {
	h, svc, e := newTestHandler(t)
	for i := 0; i < 3; i++ {
		svc.CreateRecord(httptest.NewRequest(http.MethodGet, "/", nil).Context(), sampleRecord(), "slp-1")
	}
	rec := httptest.NewRecorder()
	if err := h.ListRecords(e.NewContext(httptest.NewRequest(http.MethodGet, "/?limit=2", nil), rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Data  []string `json:"data"`
		Total int      `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 3 {
		t.Errorf("expected total 3, got %d", resp.Total)
	}
}
